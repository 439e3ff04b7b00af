package upscale

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aliskhannn/upscaler/internal/model"
	"github.com/aliskhannn/upscaler/internal/scheduler"
)

// ErrInvalidRequest is returned by Enqueue for requests that cannot be
// queued. The queue is left unchanged.
var ErrInvalidRequest = errors.New("invalid upscale request")

// locker guards the on-disk queue against a second application instance.
type locker interface {
	Lock() error
	Unlock() error
}

// queue is the scheduler driving the persisted queue.
type queue interface {
	Recover() ([]model.Event, error)
	Tick(ctx context.Context) ([]model.Event, error)
	Enqueue(t model.Task) ([]model.Event, error)
	Cancel(id string) ([]model.Event, error)
	Pause() ([]model.Event, error)
	Resume() ([]model.Event, error)
	SetWorkerCount(n int) ([]model.Event, error)
	Snapshot() (*model.Snapshot, []model.Event, error)
	Remove(ids []string, archive scheduler.ArchiveFunc) ([]model.Event, error)
	RemoveFinished(archive scheduler.ArchiveFunc) ([]model.Event, error)
	Shutdown(ctx context.Context) ([]model.Event, error)
}

// archive keeps cleared tasks for history.
type archive interface {
	SaveTasks(ctx context.Context, tasks []model.Task) error
	ListTasks(ctx context.Context, limit int) ([]model.Task, error)
	GetTask(ctx context.Context, id string) (model.Task, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// broker fans events out to subscribers.
type broker interface {
	Publish(evs ...model.Event)
	Retain(evs ...model.Event)
	Stream(ctx context.Context, types ...model.EventType) iter.Seq[model.Event]
	Close()
}

// Request describes one file to upscale.
type Request struct {
	SourcePath string
	OutputPath string // derived from the source when empty
	Parameters model.Parameters
}

// Service is the entry point the rest of the application uses to work
// with the upscale queue.
type Service struct {
	lock    locker
	queue   queue
	archive archive
	broker  broker
	log     zerolog.Logger
	now     func() time.Time
	newID   func() string
}

// NewService creates a new Service. archive may be nil, in which case
// cleared tasks are dropped without a history.
func NewService(l locker, q queue, a archive, b broker, log zerolog.Logger) *Service {
	return &Service{
		lock:    l,
		queue:   q,
		archive: a,
		broker:  b,
		log:     log.With().Str("component", "service").Logger(),
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// Open takes the queue lock and recovers whatever the previous run left
// behind. It fails with queuefile.ErrQueueBusy when another instance owns
// the queue. Recovery events are kept for the first subscription that wants
// them, since nobody can subscribe before Open returns.
func (s *Service) Open() error {
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("open queue: %w", err)
	}

	evs, err := s.queue.Recover()
	if err != nil {
		_ = s.lock.Unlock()
		return fmt.Errorf("open queue: %w", err)
	}
	s.broker.Retain(evs...)

	return nil
}

// Enqueue validates req and appends a new queued task, returning its id.
func (s *Service) Enqueue(req Request) (string, error) {
	task, err := s.newTask(req)
	if err != nil {
		return "", err
	}

	evs, err := s.queue.Enqueue(task)
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	s.broker.Publish(evs...)

	s.log.Info().
		Str("task_id", task.ID).
		Str("source", task.SourcePath).
		Str("model", string(task.Parameters.Model)).
		Int("scale", task.Parameters.Scale).
		Msg("task enqueued")

	return task.ID, nil
}

func (s *Service) newTask(req Request) (model.Task, error) {
	invalid := func(err error) (model.Task, error) {
		return model.Task{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	if req.SourcePath == "" {
		return invalid(errors.New("source path is empty"))
	}
	src, err := filepath.Abs(req.SourcePath)
	if err != nil {
		return invalid(err)
	}

	info, err := os.Stat(src)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return invalid(fmt.Errorf("%w: %s", model.ErrSourceMissing, src))
	case err != nil:
		return invalid(err)
	case info.IsDir():
		return invalid(fmt.Errorf("%s is a directory", src))
	}

	mt, err := model.DetectMediaType(src)
	if err != nil {
		return invalid(err)
	}
	if err := req.Parameters.Validate(mt); err != nil {
		return invalid(err)
	}

	out := req.OutputPath
	if out == "" {
		out = model.DefaultOutputPath(src, req.Parameters.Scale)
	}
	if out, err = filepath.Abs(out); err != nil {
		return invalid(err)
	}
	if out == src {
		return invalid(errors.New("output path would overwrite the source"))
	}

	return model.Task{
		ID:         s.newID(),
		SourcePath: src,
		OutputPath: out,
		MediaType:  mt,
		Parameters: req.Parameters,
		Status:     model.StatusQueued,
		CreatedAt:  s.now().UTC(),
	}, nil
}

// Cancel cancels a queued or paused task at once and asks the worker of a
// running task to stop. Finished tasks are left as they are.
func (s *Service) Cancel(id string) error {
	return s.run(func() ([]model.Event, error) { return s.queue.Cancel(id) })
}

// Pause stops dispatch of new tasks; running tasks continue.
func (s *Service) Pause() error {
	return s.run(s.queue.Pause)
}

// Resume restarts dispatch from the front of the queue.
func (s *Service) Resume() error {
	return s.run(s.queue.Resume)
}

// SetWorkerCount changes how many tasks may run at once.
func (s *Service) SetWorkerCount(n int) error {
	return s.run(func() ([]model.Event, error) { return s.queue.SetWorkerCount(n) })
}

// Tick advances the queue once. The host calls it periodically.
func (s *Service) Tick(ctx context.Context) error {
	return s.run(func() ([]model.Event, error) { return s.queue.Tick(ctx) })
}

// List returns the tasks in enqueue order.
func (s *Service) List() ([]model.Task, error) {
	snap, err := s.Snapshot()
	if err != nil {
		return nil, err
	}
	return snap.Tasks, nil
}

// Snapshot returns a copy of the whole queue, including scheduler state.
func (s *Service) Snapshot() (*model.Snapshot, error) {
	snap, evs, err := s.queue.Snapshot()
	if err != nil {
		return nil, err
	}
	s.broker.Publish(evs...)
	return snap, nil
}

// Subscribe returns a lazy stream of queue events. Every range over the
// returned sequence is an independent subscription that lasts until the
// loop exits, ctx is done or the service closes.
func (s *Service) Subscribe(ctx context.Context, types ...model.EventType) iter.Seq[model.Event] {
	return s.broker.Stream(ctx, types...)
}

// Clear removes the given finished tasks, archiving them first.
func (s *Service) Clear(ctx context.Context, ids ...string) (int, error) {
	return s.remove(func() ([]model.Event, error) { return s.queue.Remove(ids, s.archiveFunc(ctx)) })
}

// ClearFinished removes every completed, failed and cancelled task,
// archiving them first.
func (s *Service) ClearFinished(ctx context.Context) (int, error) {
	return s.remove(func() ([]model.Event, error) { return s.queue.RemoveFinished(s.archiveFunc(ctx)) })
}

// History lists archived tasks, most recent first.
func (s *Service) History(ctx context.Context, limit int) ([]model.Task, error) {
	if s.archive == nil {
		return nil, errors.New("history: no archive configured")
	}
	tasks, err := s.archive.ListTasks(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	return tasks, nil
}

// HistoryTask returns one archived task.
func (s *Service) HistoryTask(ctx context.Context, id string) (model.Task, error) {
	if s.archive == nil {
		return model.Task{}, errors.New("history: no archive configured")
	}
	t, err := s.archive.GetTask(ctx, id)
	if err != nil {
		return model.Task{}, fmt.Errorf("history %s: %w", id, err)
	}
	return t, nil
}

// PruneHistory deletes tasks archived more than olderThan ago.
func (s *Service) PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error) {
	if s.archive == nil {
		return 0, errors.New("prune history: no archive configured")
	}
	n, err := s.archive.DeleteBefore(ctx, s.now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	return n, nil
}

// Close stops running workers, returns their tasks to the queue, closes
// all subscriptions and releases the queue lock.
func (s *Service) Close(ctx context.Context) error {
	evs, err := s.queue.Shutdown(ctx)
	s.broker.Publish(evs...)
	s.broker.Close()

	if uerr := s.lock.Unlock(); uerr != nil {
		err = errors.Join(err, uerr)
	}
	if err != nil {
		return fmt.Errorf("close queue: %w", err)
	}
	return nil
}

func (s *Service) run(op func() ([]model.Event, error)) error {
	evs, err := op()
	if err != nil {
		return err
	}
	s.broker.Publish(evs...)
	return nil
}

func (s *Service) remove(op func() ([]model.Event, error)) (int, error) {
	evs, err := op()
	if err != nil {
		return 0, err
	}
	s.broker.Publish(evs...)

	n := 0
	for _, ev := range evs {
		if ev.Type == model.EventRemoved {
			n++
		}
	}
	return n, nil
}

func (s *Service) archiveFunc(ctx context.Context) scheduler.ArchiveFunc {
	if s.archive == nil {
		return nil
	}
	return func(tasks []model.Task) error {
		return s.archive.SaveTasks(ctx, tasks)
	}
}
