package scheduler

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aliskhannn/upscaler/internal/model"
	"github.com/aliskhannn/upscaler/internal/storage/queuefile"
	"github.com/aliskhannn/upscaler/internal/worker"
)

var (
	ErrTaskNotFound       = errors.New("task not found")
	ErrInvalidWorkerCount = fmt.Errorf("worker count must be between %d and %d", model.MinWorkers, model.MaxWorkers)
	ErrTaskActive         = errors.New("task has not finished")
)

// store persists the queue snapshot; callers hold its lock.
type store interface {
	Load() (*model.Snapshot, queuefile.Recovery, error)
	Save(snap *model.Snapshot) error
}

// launcher spawns worker subprocesses.
type launcher interface {
	Start(t *model.Task) (worker.Handle, error)
	CleanupStale() (int, error)
}

// CompletionHook runs after a worker produced its output and before the task
// is marked completed. A failing hook is logged and the task still completes.
type CompletionHook func(ctx context.Context, sourcePath, outputPath string) error

// ArchiveFunc receives tasks about to be removed from the queue. An error
// aborts the removal.
type ArchiveFunc func(tasks []model.Task) error

type entry struct {
	handle worker.Handle
	slot   int
}

// Scheduler dispatches queued tasks to a bounded set of worker slots.
// Every operation loads the snapshot, applies its changes and saves it
// before returning; Tick never waits on a worker.
type Scheduler struct {
	mu         sync.Mutex
	store      store
	launcher   launcher
	onComplete CompletionHook
	running    map[string]*entry
	log        zerolog.Logger
	now        func() time.Time
}

// New creates a Scheduler. onComplete may be nil.
func New(st store, l launcher, onComplete CompletionHook, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		store:      st,
		launcher:   l,
		onComplete: onComplete,
		running:    make(map[string]*entry),
		log:        log.With().Str("component", "scheduler").Logger(),
		now:        time.Now,
	}
}

// batch collects the result of one operation on a loaded snapshot.
type batch struct {
	snap   *model.Snapshot
	events []model.Event
	dirty  bool
	now    time.Time
}

func (b *batch) emit(typ model.EventType, t *model.Task) {
	b.events = append(b.events, model.TaskEvent(typ, t, b.now))
	b.dirty = true
}

func (s *Scheduler) begin() (*batch, error) {
	snap, rec, err := s.store.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load queue: %w", err)
	}

	b := &batch{snap: snap, now: s.now()}
	if rec.Recovered() {
		// Saving right away puts a valid document back in place of the quarantined one.
		b.dirty = true
		b.events = append(b.events, model.Event{
			Type:    model.EventWarning,
			Message: recoveryMessage(rec),
			At:      b.now,
		})
	}
	return b, nil
}

func (s *Scheduler) commit(b *batch) ([]model.Event, error) {
	if !b.dirty {
		return b.events, nil
	}
	if err := s.store.Save(b.snap); err != nil {
		return nil, fmt.Errorf("failed to save queue: %w", err)
	}
	return b.events, nil
}

func recoveryMessage(rec queuefile.Recovery) string {
	msg := "queue document was corrupted"
	switch rec.Kind {
	case queuefile.RecoveryBackup:
		msg += ", restored from backup"
	case queuefile.RecoveryEmpty:
		msg += ", no usable backup so the queue was reset"
	}
	if rec.QuarantinePath != "" {
		msg += "; damaged copy kept at " + rec.QuarantinePath
	}
	if rec.Cause != nil {
		msg += ": " + rec.Cause.Error()
	}
	return msg
}

// Recover prepares the queue after startup: every task still marked running
// belonged to a worker of a previous process and is requeued, and worker
// files left behind are removed.
func (s *Scheduler) Recover() ([]model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.begin()
	if err != nil {
		return nil, err
	}

	s.reconcile(b)

	n, err := s.launcher.CleanupStale()
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to remove stale worker files")
	} else if n > 0 {
		s.log.Info().Int("tasks", n).Msg("removed stale worker files")
	}

	return s.commit(b)
}

// Tick polls running workers, applies their outcomes, then fills free slots
// from the front of the queue. It returns the events produced.
func (s *Scheduler) Tick(ctx context.Context) ([]model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.begin()
	if err != nil {
		return nil, err
	}

	s.reconcile(b)
	finished := s.pollWorkers(ctx, b)
	s.dispatch(b, finished)

	evs, err := s.commit(b)
	if err != nil {
		return nil, err
	}

	// Dropped only once the outcome is on disk; a failed save replays it next tick.
	for _, id := range finished {
		delete(s.running, id)
	}
	return evs, nil
}

// reconcile aligns the snapshot with the live workers of this process.
func (s *Scheduler) reconcile(b *batch) {
	for i := range b.snap.Tasks {
		t := &b.snap.Tasks[i]
		e, live := s.running[t.ID]

		switch {
		case t.Status == model.StatusRunning && !live:
			if err := t.Transition(model.StatusQueued, b.now); err != nil {
				s.log.Error().Err(err).Msg("failed to requeue orphaned task")
				continue
			}
			s.log.Info().Str("task_id", t.ID).Msg("requeued task without a live worker")
			b.emit(model.EventRequeued, t)

		case live && (t.Status == model.StatusQueued || t.Status == model.StatusPaused):
			// The save that recorded the dispatch never reached the disk.
			if t.Status == model.StatusPaused {
				_ = t.Transition(model.StatusQueued, b.now)
			}
			_ = t.Transition(model.StatusRunning, b.now)
			t.WorkerSlot = e.slot
			t.PID = e.handle.PID()
			b.dirty = true

		case live && t.Status.Terminal():
			_ = e.handle.Cancel()
		}
	}
}

// pollWorkers returns the ids of workers that reached a terminal outcome.
func (s *Scheduler) pollWorkers(ctx context.Context, b *batch) []string {
	var finished []string

	for _, id := range s.pollOrder(b.snap) {
		e := s.running[id]
		out := e.handle.Poll()

		t := b.snap.Find(id)
		if t == nil || t.Status != model.StatusRunning {
			if t == nil {
				_ = e.handle.Cancel()
			}
			if out.State != worker.StateRunning {
				finished = append(finished, id)
			}
			continue
		}

		if s.apply(ctx, b, t, out) {
			finished = append(finished, id)
		}
	}

	return finished
}

// pollOrder lists live workers in queue order, followed by workers whose
// task is no longer in the snapshot.
func (s *Scheduler) pollOrder(snap *model.Snapshot) []string {
	ids := make([]string, 0, len(s.running))
	seen := make(map[string]bool, len(s.running))
	for _, t := range snap.Tasks {
		if _, ok := s.running[t.ID]; ok {
			ids = append(ids, t.ID)
			seen[t.ID] = true
		}
	}
	for _, id := range slices.Sorted(maps.Keys(s.running)) {
		if !seen[id] {
			ids = append(ids, id)
		}
	}
	return ids
}

// apply records a worker outcome on t and reports whether it was terminal.
func (s *Scheduler) apply(ctx context.Context, b *batch, t *model.Task, out worker.Outcome) bool {
	log := s.log.With().Str("task_id", t.ID).Logger()

	switch out.State {
	case worker.StateRunning:
		if t.SetProgress(out.Progress, out.Phase) {
			b.emit(model.EventProgress, t)
		}
		return false

	case worker.StateCompleted:
		if s.onComplete != nil {
			if err := s.onComplete(ctx, t.SourcePath, t.OutputPath); err != nil {
				log.Warn().Err(err).Msg("metadata preservation failed")
			}
		}
		s.transition(b, t, model.StatusCompleted, model.EventCompleted)
		log.Info().Str("output", t.OutputPath).Msg("task completed")

	case worker.StateFailed:
		t.SetProgress(out.Progress, out.Phase)
		taskErr := out.Err
		if taskErr == nil {
			taskErr = &model.TaskError{Kind: model.ErrorWorkerCrashed, Message: "worker failed"}
		}
		if err := t.Fail(taskErr, b.now); err != nil {
			log.Error().Err(err).Msg("failed to record task failure")
			return true
		}
		b.emit(model.EventFailed, t)
		log.Warn().Str("kind", string(taskErr.Kind)).Str("error", taskErr.Message).Msg("task failed")

	case worker.StateCancelled:
		s.transition(b, t, model.StatusCancelled, model.EventCancelled)
		log.Info().Msg("task cancelled")
	}

	return true
}

func (s *Scheduler) transition(b *batch, t *model.Task, next model.Status, typ model.EventType) bool {
	if err := t.Transition(next, b.now); err != nil {
		s.log.Error().Err(err).Str("task_id", t.ID).Msg("rejected task transition")
		return false
	}
	b.emit(typ, t)
	return true
}

// dispatch pauses queued tasks while dispatch is paused, otherwise starts
// queued tasks in FIFO order until every slot is busy.
func (s *Scheduler) dispatch(b *batch, finished []string) {
	if b.snap.Scheduler.Paused {
		s.pauseQueued(b)
		return
	}

	occupied := make(map[int]bool, len(s.running))
	for id, e := range s.running {
		if !slices.Contains(finished, id) {
			occupied[e.slot] = true
		}
	}

	limit := b.snap.Scheduler.WorkerCount
	for len(occupied) < limit {
		t := b.snap.NextQueued()
		if t == nil {
			return
		}

		slot := 1
		for occupied[slot] {
			slot++
		}

		h, err := s.launcher.Start(t)
		if err != nil {
			s.log.Error().Err(err).Str("task_id", t.ID).Msg("failed to start worker")
			_ = t.Transition(model.StatusRunning, b.now)
			_ = t.Fail(&model.TaskError{Kind: model.ErrorWorkerCrashed, Message: err.Error()}, b.now)
			b.emit(model.EventFailed, t)
			continue
		}

		t.WorkerSlot = slot
		t.PID = h.PID()
		s.transition(b, t, model.StatusRunning, model.EventStarted)

		s.running[t.ID] = &entry{handle: h, slot: slot}
		occupied[slot] = true
		s.log.Info().Str("task_id", t.ID).Int("slot", slot).Int("pid", t.PID).Msg("task dispatched")
	}
}

func (s *Scheduler) pauseQueued(b *batch) {
	for i := range b.snap.Tasks {
		t := &b.snap.Tasks[i]
		if t.Status == model.StatusQueued {
			s.transition(b, t, model.StatusPaused, model.EventPaused)
		}
	}
}

// Enqueue appends t, which must be queued, to the end of the queue.
func (s *Scheduler) Enqueue(t model.Task) ([]model.Event, error) {
	if t.Status != model.StatusQueued {
		return nil, fmt.Errorf("new task %s has status %s", t.ID, t.Status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.begin()
	if err != nil {
		return nil, err
	}
	if b.snap.Find(t.ID) != nil {
		return nil, fmt.Errorf("task %s already exists", t.ID)
	}

	b.snap.Tasks = append(b.snap.Tasks, t)
	added := &b.snap.Tasks[len(b.snap.Tasks)-1]
	b.emit(model.EventAdded, added)
	if b.snap.Scheduler.Paused {
		s.transition(b, added, model.StatusPaused, model.EventPaused)
	}

	return s.commit(b)
}

// Cancel cancels a task that has not started, or asks its worker to stop.
// The outcome of a running task arrives through a later Tick. Cancelling a
// finished task does nothing.
func (s *Scheduler) Cancel(id string) ([]model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.begin()
	if err != nil {
		return nil, err
	}

	t := b.snap.Find(id)
	if t == nil {
		return nil, fmt.Errorf("cancel %s: %w", id, ErrTaskNotFound)
	}

	switch {
	case t.Status.Terminal():
	case t.Status == model.StatusRunning:
		if e, ok := s.running[id]; ok {
			if err := e.handle.Cancel(); err != nil {
				return nil, fmt.Errorf("cancel %s: %w", id, err)
			}
			break
		}
		s.transition(b, t, model.StatusCancelled, model.EventCancelled)
	default:
		s.transition(b, t, model.StatusCancelled, model.EventCancelled)
	}

	return s.commit(b)
}

// Pause stops dispatch. Running tasks are left alone.
func (s *Scheduler) Pause() ([]model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.begin()
	if err != nil {
		return nil, err
	}
	if !b.snap.Scheduler.Paused {
		b.snap.Scheduler.Paused = true
		b.dirty = true
	}
	s.pauseQueued(b)

	return s.commit(b)
}

// Resume re-enables dispatch, returning paused tasks to the queue in their
// original order.
func (s *Scheduler) Resume() ([]model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.begin()
	if err != nil {
		return nil, err
	}
	if b.snap.Scheduler.Paused {
		b.snap.Scheduler.Paused = false
		b.dirty = true
	}
	for i := range b.snap.Tasks {
		t := &b.snap.Tasks[i]
		if t.Status == model.StatusPaused {
			s.transition(b, t, model.StatusQueued, model.EventRequeued)
		}
	}

	return s.commit(b)
}

// SetWorkerCount changes how many tasks may run at once. Lowering it never
// stops running workers.
func (s *Scheduler) SetWorkerCount(n int) ([]model.Event, error) {
	if n < model.MinWorkers || n > model.MaxWorkers {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidWorkerCount, n)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.begin()
	if err != nil {
		return nil, err
	}
	if b.snap.Scheduler.WorkerCount != n {
		b.snap.Scheduler.WorkerCount = n
		b.dirty = true
	}

	return s.commit(b)
}

// Snapshot returns a copy of the queue for display.
func (s *Scheduler) Snapshot() (*model.Snapshot, []model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.begin()
	if err != nil {
		return nil, nil, err
	}
	evs, err := s.commit(b)
	if err != nil {
		return nil, nil, err
	}
	return b.snap.Clone(), evs, nil
}

// Remove archives and drops the given finished tasks.
func (s *Scheduler) Remove(ids []string, archive ArchiveFunc) ([]model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.begin()
	if err != nil {
		return nil, err
	}

	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		t := b.snap.Find(id)
		if t == nil {
			return nil, fmt.Errorf("remove %s: %w", id, ErrTaskNotFound)
		}
		if !t.Status.Terminal() {
			return nil, fmt.Errorf("remove %s (%s): %w", id, t.Status, ErrTaskActive)
		}
		want[id] = true
	}

	return s.remove(b, func(t model.Task) bool { return want[t.ID] }, archive)
}

// RemoveFinished archives and drops every finished task.
func (s *Scheduler) RemoveFinished(archive ArchiveFunc) ([]model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.begin()
	if err != nil {
		return nil, err
	}
	return s.remove(b, func(t model.Task) bool { return t.Status.Terminal() }, archive)
}

func (s *Scheduler) remove(b *batch, drop func(model.Task) bool, archive ArchiveFunc) ([]model.Event, error) {
	var doomed []model.Task
	for _, t := range b.snap.Tasks {
		if drop(t) {
			doomed = append(doomed, t)
		}
	}
	if len(doomed) == 0 {
		return s.commit(b)
	}

	if archive != nil {
		if err := archive(doomed); err != nil {
			return nil, fmt.Errorf("failed to archive tasks: %w", err)
		}
	}

	for _, t := range b.snap.Remove(drop) {
		b.emit(model.EventRemoved, &t)
	}
	return s.commit(b)
}

// Shutdown stops every worker. A task whose worker still finished, failed on
// its own or was cancelled by the user keeps that outcome; any other running
// task goes back to queued so the next launch picks it up again.
func (s *Scheduler) Shutdown(ctx context.Context) ([]model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes = make(map[string]worker.Outcome, len(s.running))
	)
	for id, e := range s.running {
		wg.Go(func() {
			out, err := e.handle.Stop(ctx)
			if err != nil {
				s.log.Warn().Err(err).Str("task_id", id).Msg("worker did not stop in time")
			}
			mu.Lock()
			outcomes[id] = out
			mu.Unlock()
		})
	}
	wg.Wait()
	clear(s.running)

	b, err := s.begin()
	if err != nil {
		return nil, err
	}

	for i := range b.snap.Tasks {
		t := &b.snap.Tasks[i]
		if t.Status != model.StatusRunning {
			continue
		}
		out, ok := outcomes[t.ID]
		if ok && keepOutcome(out) {
			s.apply(ctx, b, t, out)
			continue
		}
		s.transition(b, t, model.StatusQueued, model.EventRequeued)
	}

	return s.commit(b)
}

func keepOutcome(out worker.Outcome) bool {
	switch out.State {
	case worker.StateCompleted, worker.StateCancelled:
		return true
	case worker.StateFailed:
		return out.Err != nil && out.Err.Kind == model.ErrorApplication
	}
	return false
}

// Running returns the number of live workers.
func (s *Scheduler) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}
