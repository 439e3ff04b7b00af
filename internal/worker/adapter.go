package worker

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/wb-go/wbf/retry"

	"github.com/aliskhannn/upscaler/internal/model"
	"github.com/aliskhannn/upscaler/internal/worker/ipc"
)

const defaultGracePeriod = 5 * time.Second

// Options configures how worker subprocesses are launched and supervised.
type Options struct {
	Command      string         // worker executable
	Args         []string       // extra arguments placed before --job <path>
	Env          []string       // KEY=VALUE pairs added to the inherited environment
	RuntimeDir   string         // holds job, status and marker files
	GracePeriod  time.Duration  // wait between the termination signal and kill
	StallTimeout time.Duration  // 0 disables stall detection
	SpawnRetry   retry.Strategy // applied to exec start failures only
}

// Handle is a running worker as seen by the scheduler.
type Handle interface {
	TaskID() string
	PID() int
	Poll() Outcome
	Cancel() error
	Stop(ctx context.Context) (Outcome, error)
}

// Adapter launches one worker subprocess per task.
type Adapter struct {
	opts   Options
	layout ipc.Layout
	log    zerolog.Logger
	now    func() time.Time
}

// NewAdapter creates an Adapter and its runtime directory.
func NewAdapter(opts Options, log zerolog.Logger) (*Adapter, error) {
	if opts.Command == "" {
		return nil, errors.New("worker command is empty")
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = defaultGracePeriod
	}
	if opts.SpawnRetry.Attempts < 1 {
		opts.SpawnRetry.Attempts = 1
	}
	if err := os.MkdirAll(opts.RuntimeDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create runtime directory: %w", err)
	}

	return &Adapter{
		opts:   opts,
		layout: ipc.Layout{Dir: opts.RuntimeDir},
		log:    log.With().Str("component", "worker").Logger(),
		now:    time.Now,
	}, nil
}

// Start writes the job document for t and spawns its worker.
func (a *Adapter) Start(t *model.Task) (Handle, error) {
	log := a.log.With().Str("task_id", t.ID).Logger()

	if err := a.layout.Remove(t.ID); err != nil {
		log.Warn().Err(err).Msg("failed to remove leftover worker files")
	}

	jobPath := a.layout.JobPath(t.ID)
	if err := ipc.WriteJob(jobPath, a.layout.NewJob(t)); err != nil {
		return nil, fmt.Errorf("failed to write job for task %s: %w", t.ID, err)
	}

	var cmd *exec.Cmd
	err := retry.Do(func() error {
		cmd = a.command(jobPath, log)
		return cmd.Start()
	}, a.opts.SpawnRetry)
	if err != nil {
		_ = a.layout.Remove(t.ID)
		return nil, fmt.Errorf("failed to start worker for task %s: %w", t.ID, err)
	}

	p := &Process{
		taskID:     t.ID,
		cmd:        cmd,
		layout:     a.layout,
		grace:      a.opts.GracePeriod,
		stall:      a.opts.StallTimeout,
		log:        log.With().Int("pid", cmd.Process.Pid).Logger(),
		now:        a.now,
		done:       make(chan struct{}),
		lastChange: a.now(),
	}
	go p.wait()

	p.log.Info().Str("source", t.SourcePath).Msg("worker started")
	return p, nil
}

// CleanupStale removes job, status and marker files left by workers of a
// previous run. It must only be called while no worker is alive.
func (a *Adapter) CleanupStale() (int, error) {
	ids, err := a.layout.TaskIDs()
	if err != nil {
		return 0, err
	}

	var errs []error
	for _, id := range ids {
		if err := a.layout.Remove(id); err != nil {
			errs = append(errs, err)
		}
	}
	return len(ids), errors.Join(errs...)
}

func (a *Adapter) command(jobPath string, log zerolog.Logger) *exec.Cmd {
	args := append(slices.Clone(a.opts.Args), "--job", jobPath)

	cmd := exec.Command(a.opts.Command, args...)
	cmd.Env = append(os.Environ(), a.opts.Env...)
	cmd.Stderr = log.With().Str("stream", "stderr").Logger()
	cmd.WaitDelay = a.opts.GracePeriod
	setProcessGroup(cmd)

	return cmd
}

// State is the coarse outcome of a poll.
type State int

const (
	StateRunning State = iota
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Outcome is the result of one non-blocking poll.
type Outcome struct {
	State      State
	Progress   float64
	Phase      string
	OutputPath string           // set when completed
	Err        *model.TaskError // set when failed
}

// Process supervises one worker subprocess.
type Process struct {
	taskID string
	cmd    *exec.Cmd
	layout ipc.Layout
	grace  time.Duration
	stall  time.Duration
	log    zerolog.Logger
	now    func() time.Time

	done    chan struct{}
	waitErr error

	mu              sync.Mutex
	cancelRequested bool
	timedOut        bool
	killTimer       *time.Timer
	report          ipc.Report
	lastChange      time.Time
	final           *Outcome
}

// TaskID returns the id of the task this process works on.
func (p *Process) TaskID() string { return p.taskID }

// PID returns the operating system process id of the worker.
func (p *Process) PID() int { return p.cmd.Process.Pid }

func (p *Process) wait() {
	p.waitErr = p.cmd.Wait()
	close(p.done)
}

func (p *Process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Poll reads the latest status document and checks process liveness.
// It never blocks. Once a terminal outcome is returned the worker files are
// removed and the same outcome is returned on every later call.
func (p *Process) Poll() Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.final != nil {
		return *p.final
	}

	exited := p.exited()
	p.readReport()

	if exited {
		out := p.classify()
		p.finish(out)
		return out
	}

	if p.stall > 0 && !p.timedOut && p.now().Sub(p.lastChange) > p.stall {
		p.timedOut = true
		p.log.Warn().Dur("stall_timeout", p.stall).Msg("worker stalled, terminating")
		p.terminate()
	}

	return Outcome{State: StateRunning, Progress: p.report.Progress, Phase: p.report.Phase}
}

// Cancel asks the worker to stop and kills it if it is still alive after
// the grace period. Calling it again, or after the worker exited, does nothing.
func (p *Process) Cancel() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.final != nil || p.cancelRequested || p.exited() {
		return nil
	}

	p.cancelRequested = true
	p.log.Info().Msg("cancelling worker")
	p.terminate()
	return nil
}

// Stop terminates the worker and waits for it to exit. If ctx expires first
// the worker is killed without waiting for the grace period. The returned
// outcome is completed when the worker finished its output before stopping;
// otherwise the caller decides what becomes of the task.
func (p *Process) Stop(ctx context.Context) (Outcome, error) {
	p.mu.Lock()
	if p.final != nil {
		defer p.mu.Unlock()
		return *p.final, nil
	}
	if !p.exited() {
		p.terminate()
	}
	p.mu.Unlock()

	var err error
	select {
	case <-p.done:
	case <-ctx.Done():
		err = ctx.Err()
		if kerr := killProcess(p.cmd.Process); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
			p.log.Error().Err(kerr).Msg("failed to kill worker")
		}
		<-p.done
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.final == nil {
		p.readReport()
		p.finish(p.classify())
	}
	return *p.final, err
}

// terminate sends the graceful signal and arms the kill timer. Callers hold mu.
func (p *Process) terminate() {
	if p.killTimer != nil {
		return
	}

	if err := ipc.RequestCancel(p.layout.CancelPath(p.taskID)); err != nil {
		p.log.Warn().Err(err).Msg("failed to write cancel marker")
	}
	if err := signalTerminate(p.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.log.Warn().Err(err).Msg("failed to signal worker")
	}

	p.killTimer = time.AfterFunc(p.grace, p.kill)
}

func (p *Process) kill() {
	if p.exited() {
		return
	}
	p.log.Warn().Dur("grace_period", p.grace).Msg("worker still alive after grace period, killing")
	if err := killProcess(p.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.log.Error().Err(err).Msg("failed to kill worker")
	}
}

func (p *Process) readReport() {
	r, err := ipc.ReadReport(p.layout.StatusPath(p.taskID))
	if errors.Is(err, fs.ErrNotExist) {
		return
	}
	if err != nil {
		p.log.Debug().Err(err).Msg("unreadable status document")
		return
	}

	if r.Progress != p.report.Progress || r.Phase != p.report.Phase || !r.UpdatedAt.Equal(p.report.UpdatedAt) {
		p.report = r
		p.lastChange = p.now()
	}
}

// classify decides the terminal outcome of an exited worker. Callers hold mu.
func (p *Process) classify() Outcome {
	out := Outcome{Progress: p.report.Progress, Phase: p.report.Phase}
	code := -1
	if p.cmd.ProcessState != nil {
		code = p.cmd.ProcessState.ExitCode()
	}

	if code == 0 {
		if m, err := ipc.ReadMarker(p.layout.MarkerPath(p.taskID)); err == nil {
			out.State = StateCompleted
			out.OutputPath = m.OutputPath
			out.Progress = 1
			return out
		}
	}

	if p.timedOut {
		out.State = StateFailed
		out.Err = &model.TaskError{
			Kind:    model.ErrorWorkerTimeout,
			Message: fmt.Sprintf("no progress reported for %s", p.stall),
		}
		return out
	}

	if p.cancelRequested {
		out.State = StateCancelled
		return out
	}

	out.State = StateFailed
	switch {
	case code != 0 && p.report.Error != "":
		out.Err = &model.TaskError{Kind: model.ErrorApplication, Message: p.report.Error}
	case code == 0:
		out.Err = &model.TaskError{Kind: model.ErrorWorkerCrashed, Message: "worker exited without a completion marker"}
	default:
		out.Err = &model.TaskError{Kind: model.ErrorWorkerCrashed, Message: p.exitDescription()}
	}
	return out
}

func (p *Process) exitDescription() string {
	if p.cmd.ProcessState != nil {
		return "worker " + p.cmd.ProcessState.String()
	}
	if p.waitErr != nil {
		return p.waitErr.Error()
	}
	return "worker exited abnormally"
}

// finish records the terminal outcome and removes the worker files. Callers hold mu.
func (p *Process) finish(out Outcome) {
	if p.killTimer != nil {
		p.killTimer.Stop()
	}
	if err := p.layout.Remove(p.taskID); err != nil {
		p.log.Warn().Err(err).Msg("failed to remove worker files")
	}

	ev := p.log.Info()
	if out.State == StateFailed {
		ev = p.log.Warn().Str("error", out.Err.Error())
	}
	ev.Stringer("outcome", out.State).Msg("worker finished")

	p.final = &out
}
