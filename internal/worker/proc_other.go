//go:build !unix

package worker

import (
	"os"
	"os/exec"
)

func setProcessGroup(*exec.Cmd) {}

// signalTerminate is a no-op: without a graceful signal the worker sees the
// cancel marker instead.
func signalTerminate(*os.Process) error {
	return nil
}

func killProcess(p *os.Process) error {
	return p.Kill()
}
