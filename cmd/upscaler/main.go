// Command upscaler manages the persistent upscale queue. "upscaler run"
// owns the queue and drives worker subprocesses. The other commands edit
// the queue directly when it is free and otherwise hand their request to
// the run loop through the control directory.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/upscaler/internal/control"
	"github.com/aliskhannn/upscaler/internal/model"
	"github.com/aliskhannn/upscaler/internal/storage/queuefile"
)

const (
	exitError = 1
	exitUsage = 2
	exitBusy  = 3
)

const usage = `usage: upscaler <command> [flags] [args]

commands:
  run [files...]     process the queue until interrupted, enqueueing files first
  enqueue files...   add files to the queue
  list               show queued, running and finished tasks
  cancel ids...      cancel queued, paused or running tasks
  pause              stop dispatching new tasks
  resume             resume dispatching
  workers N          set the number of parallel workers (1-4)
  clear [ids...]     archive finished tasks, all of them when no id is given
  history [id]       show archived tasks, or one of them in detail

run "upscaler <command> --help" for the flags of a command.
`

var commands = map[string]func(args []string) error{
	"run":     runCmd,
	"enqueue": enqueueCmd,
	"list":    listCmd,
	"cancel":  cancelCmd,
	"pause":   pauseCmd,
	"resume":  resumeCmd,
	"workers": workersCmd,
	"clear":   clearCmd,
	"history": historyCmd,
}

func main() {
	zlog.Init()

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(exitUsage)
	}

	name := os.Args[1]
	if name == "help" || name == "-h" || name == "--help" {
		fmt.Print(usage)
		return
	}

	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", name, usage)
		os.Exit(exitUsage)
	}

	os.Exit(exitCode(cmd(os.Args[2:])))
}

func exitCode(err error) int {
	switch {
	case err == nil, errors.Is(err, pflag.ErrHelp):
		return 0
	case errors.Is(err, errFlags):
		return exitUsage
	case errors.Is(err, errUsage):
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	case errors.Is(err, queuefile.ErrQueueBusy):
		zlog.Logger.Error().Err(err).Msg("the queue is owned by another instance that did not answer")
		return exitBusy
	default:
		zlog.Logger.Error().Err(err).Msg("command failed")
		return exitError
	}
}

var (
	errUsage = errors.New("usage")
	errFlags = errors.New("invalid flags")
)

// parseFlags parses args. pflag has already reported a bad flag and printed
// the usage when it fails.
func parseFlags(fs *pflag.FlagSet, args []string) error {
	err := fs.Parse(args)
	if err == nil || errors.Is(err, pflag.ErrHelp) {
		return err
	}
	return fmt.Errorf("%w: %w", errFlags, err)
}

func usageError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errUsage, fmt.Sprintf(format, args...))
}

// commonFlags are accepted by every command.
type commonFlags struct {
	config string
}

func newFlagSet(name string) (*pflag.FlagSet, *commonFlags) {
	fs := pflag.NewFlagSet("upscaler "+name, pflag.ContinueOnError)
	fs.SortFlags = false

	c := &commonFlags{}
	fs.StringVarP(&c.config, "config", "c", "", "path to config.yml")
	fs.String("queue-dir", "", "queue directory (default ~/.upscaler/queue)")
	fs.String("archive", "", "SQLite archive path (default <queue-dir>/archive.db)")
	fs.String("log-level", "", "log level (default info)")
	return fs, c
}

func addWorkerFlags(fs *pflag.FlagSet) {
	fs.String("worker-command", "", "worker executable (default upscale-worker)")
	fs.Int("workers", 0, "number of parallel workers, 1-4")
	fs.Duration("grace-period", 0, "wait between terminate and kill (default 5s)")
	fs.Duration("stall-timeout", 0, "fail a worker whose status stops changing for this long")
	fs.Duration("tick-interval", 0, "scheduler tick interval (default 500ms)")
}

// paramFlags are the upscale settings of enqueued files.
type paramFlags struct {
	model         string
	scale         int
	faceEnhance   bool
	interpolation int
	output        string
}

func addParamFlags(fs *pflag.FlagSet) *paramFlags {
	p := &paramFlags{}
	fs.StringVarP(&p.model, "model", "m", string(model.ModelGeneral), "model family: general, anime or face")
	fs.IntVarP(&p.scale, "scale", "s", 2, "scale factor: 2, 4 or 8")
	fs.BoolVar(&p.faceEnhance, "face-enhance", false, "run the face enhancement pass")
	fs.IntVar(&p.interpolation, "interpolation", 0, "frame interpolation factor for videos: 2, 4 or 8")
	fs.StringVarP(&p.output, "output", "o", "", "output path, only with a single file")
	return p
}

// files resolves paths against the working directory, since the request
// may be served by a run loop started elsewhere.
func (p *paramFlags) files(paths []string) ([]control.File, error) {
	if p.output != "" && len(paths) != 1 {
		return nil, usageError("--output needs exactly one file, got %d", len(paths))
	}

	params := model.Parameters{
		Model:               model.ModelFamily(p.model),
		Scale:               p.scale,
		FaceEnhance:         p.faceEnhance,
		InterpolationFactor: p.interpolation,
	}

	files := make([]control.File, 0, len(paths))
	for _, path := range paths {
		src, err := filepath.Abs(path)
		if err != nil {
			return nil, err
		}
		out := p.output
		if out != "" {
			if out, err = filepath.Abs(out); err != nil {
				return nil, err
			}
		}
		files = append(files, control.File{Source: src, Output: out, Parameters: params})
	}
	return files, nil
}
