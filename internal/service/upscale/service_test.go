package upscale

import (
	"context"
	"image/color"
	"iter"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aliskhannn/upscaler/internal/events"
	"github.com/aliskhannn/upscaler/internal/model"
	archiverepo "github.com/aliskhannn/upscaler/internal/repository/archive"
	"github.com/aliskhannn/upscaler/internal/scheduler"
	"github.com/aliskhannn/upscaler/internal/storage/queuefile"
	"github.com/aliskhannn/upscaler/internal/worker"
)

type stubHandle struct {
	mu  sync.Mutex
	id  string
	out worker.Outcome
}

func (h *stubHandle) TaskID() string { return h.id }

func (h *stubHandle) PID() int { return 4000 }

func (h *stubHandle) Poll() worker.Outcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.out
}

func (h *stubHandle) Cancel() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.out.State == worker.StateRunning {
		h.out = worker.Outcome{State: worker.StateCancelled}
	}
	return nil
}

func (h *stubHandle) Stop(context.Context) (worker.Outcome, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.out.State == worker.StateRunning {
		h.out = worker.Outcome{State: worker.StateFailed, Err: &model.TaskError{Kind: model.ErrorWorkerCrashed}}
	}
	return h.out, nil
}

// stubLauncher starts handles that immediately report state.
type stubLauncher struct {
	state worker.State
}

func (l *stubLauncher) Start(t *model.Task) (worker.Handle, error) {
	return &stubHandle{id: t.ID, out: worker.Outcome{State: l.state, OutputPath: t.OutputPath}}, nil
}

func (l *stubLauncher) CleanupStale() (int, error) { return 0, nil }

type fixture struct {
	svc    *Service
	store  *queuefile.Storage
	broker *events.Broker
	dir    string
}

func newFixture(t *testing.T, state worker.State) *fixture {
	t.Helper()
	return newFixtureWith(t, state, nil)
}

// newFixtureWith lets before prepare the queue directory ahead of Open.
func newFixtureWith(t *testing.T, state worker.State, before func(queueDir string)) *fixture {
	t.Helper()
	dir := t.TempDir()
	if before != nil {
		queueDir := filepath.Join(dir, "queue")
		require.NoError(t, os.MkdirAll(queueDir, 0o755))
		before(queueDir)
	}

	store, err := queuefile.NewStorage(filepath.Join(dir, "queue"), 1, zerolog.Nop())
	require.NoError(t, err)

	repo, err := archiverepo.Open(context.Background(), filepath.Join(dir, "archive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	broker := events.NewBroker(32, zerolog.Nop())
	sched := scheduler.New(store, &stubLauncher{state: state}, nil, zerolog.Nop())
	svc := NewService(store, sched, repo, broker, zerolog.Nop())

	require.NoError(t, svc.Open())
	t.Cleanup(func() {
		if store.Locked() {
			_ = store.Unlock()
		}
	})

	return &fixture{svc: svc, store: store, broker: broker, dir: dir}
}

func (f *fixture) image(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(f.dir, name)
	require.NoError(t, imaging.Save(imaging.New(4, 4, color.White), path))
	return path
}

func general(scale int) model.Parameters {
	return model.Parameters{Model: model.ModelGeneral, Scale: scale}
}

func TestService_OpenFailsWhenBusy(t *testing.T) {
	f := newFixture(t, worker.StateRunning)

	other, err := queuefile.NewStorage(f.store.Dir(), 1, zerolog.Nop())
	require.NoError(t, err)
	sched := scheduler.New(other, &stubLauncher{}, nil, zerolog.Nop())
	second := NewService(other, sched, nil, events.NewBroker(1, zerolog.Nop()), zerolog.Nop())

	assert.ErrorIs(t, second.Open(), queuefile.ErrQueueBusy)
}

func TestService_RecoveryWarningReachesLateSubscriber(t *testing.T) {
	f := newFixtureWith(t, worker.StateRunning, func(queueDir string) {
		require.NoError(t, os.WriteFile(filepath.Join(queueDir, "queue.json"), []byte("{not json"), 0o644))
	})
	assert.Equal(t, 1, f.broker.Held())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	next, stop := iter.Pull(f.svc.Subscribe(ctx, model.EventWarning))
	defer stop()

	ev, ok := next()
	require.True(t, ok)
	assert.Equal(t, model.EventWarning, ev.Type)
	assert.NotEmpty(t, ev.Message)
	assert.Zero(t, f.broker.Held())
}

func TestService_EnqueueValidation(t *testing.T) {
	f := newFixture(t, worker.StateRunning)
	img := f.image(t, "cat.png")
	notes := filepath.Join(f.dir, "notes.txt")
	require.NoError(t, os.WriteFile(notes, []byte("hi"), 0o644))

	tests := []struct {
		name  string
		req   Request
		cause error
	}{
		{"missing source", Request{SourcePath: filepath.Join(f.dir, "gone.png"), Parameters: general(2)}, model.ErrSourceMissing},
		{"bad scale", Request{SourcePath: img, Parameters: general(3)}, model.ErrInvalidScale},
		{"bad model", Request{SourcePath: img, Parameters: model.Parameters{Model: "photo", Scale: 2}}, model.ErrInvalidModel},
		{"image interpolation", Request{SourcePath: img, Parameters: model.Parameters{Model: model.ModelGeneral, Scale: 2, InterpolationFactor: 2}}, model.ErrInvalidInterpolation},
		{"unsupported type", Request{SourcePath: notes, Parameters: general(2)}, model.ErrUnsupportedMedia},
		{"output overwrites source", Request{SourcePath: img, OutputPath: img, Parameters: general(2)}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Enqueue(tt.req)
			require.ErrorIs(t, err, ErrInvalidRequest)
			if tt.cause != nil {
				assert.ErrorIs(t, err, tt.cause)
			}
		})
	}

	tasks, err := f.svc.List()
	require.NoError(t, err)
	assert.Empty(t, tasks, "rejected requests leave the queue unchanged")
}

func TestService_EnqueueDefaultsAndSubscribe(t *testing.T) {
	f := newFixture(t, worker.StateRunning)
	src := f.image(t, "cat.png")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan model.Event, 8)
	for range 2 {
		go func() {
			for ev := range f.svc.Subscribe(ctx, model.EventAdded) {
				got <- ev
			}
		}()
	}
	require.Eventually(t, func() bool { return f.broker.Subscribers() == 2 }, time.Second, 5*time.Millisecond)

	id, err := f.svc.Enqueue(Request{SourcePath: src, Parameters: general(4)})
	require.NoError(t, err)

	for range 2 {
		select {
		case ev := <-got:
			assert.Equal(t, id, ev.TaskID)
			assert.Equal(t, model.StatusQueued, ev.Status)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive the event")
		}
	}

	tasks, err := f.svc.List()
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, filepath.Join(f.dir, "cat_upscaled_4x.png"), tasks[0].OutputPath)
	assert.Equal(t, model.MediaImage, tasks[0].MediaType)
	assert.Equal(t, model.StatusQueued, tasks[0].Status)
}

func TestService_CompleteClearAndHistory(t *testing.T) {
	f := newFixture(t, worker.StateCompleted)
	ctx := context.Background()

	a, err := f.svc.Enqueue(Request{SourcePath: f.image(t, "a.png"), Parameters: general(2)})
	require.NoError(t, err)
	b, err := f.svc.Enqueue(Request{SourcePath: f.image(t, "b.png"), Parameters: general(2)})
	require.NoError(t, err)

	_, err = f.svc.Clear(ctx, a)
	assert.ErrorIs(t, err, scheduler.ErrTaskActive)

	for range 4 {
		require.NoError(t, f.svc.Tick(ctx))
	}

	tasks, err := f.svc.List()
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	for _, task := range tasks {
		assert.Equal(t, model.StatusCompleted, task.Status)
	}

	n, err := f.svc.Clear(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.svc.ClearFinished(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	tasks, err = f.svc.List()
	require.NoError(t, err)
	assert.Empty(t, tasks)

	history, err := f.svc.History(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	ids := []string{history[0].ID, history[1].ID}
	assert.ElementsMatch(t, []string{a, b}, ids)

	one, err := f.svc.HistoryTask(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, one.Status)
	_, err = f.svc.HistoryTask(ctx, "missing")
	assert.ErrorIs(t, err, archiverepo.ErrTaskNotFound)

	pruned, err := f.svc.PruneHistory(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, pruned)

	pruned, err = f.svc.PruneHistory(ctx, -time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 2, pruned)
}

func TestService_PauseResumeAndWorkers(t *testing.T) {
	f := newFixture(t, worker.StateRunning)
	ctx := context.Background()

	require.NoError(t, f.svc.Pause())
	id, err := f.svc.Enqueue(Request{SourcePath: f.image(t, "a.png"), Parameters: general(2)})
	require.NoError(t, err)
	require.NoError(t, f.svc.Tick(ctx))

	snap, err := f.svc.Snapshot()
	require.NoError(t, err)
	assert.True(t, snap.Scheduler.Paused)
	assert.Equal(t, model.StatusPaused, snap.Find(id).Status)

	require.NoError(t, f.svc.Resume())
	require.NoError(t, f.svc.Tick(ctx))
	snap, err = f.svc.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, snap.Find(id).Status)

	assert.ErrorIs(t, f.svc.SetWorkerCount(7), scheduler.ErrInvalidWorkerCount)
	require.NoError(t, f.svc.SetWorkerCount(4))

	require.NoError(t, f.svc.Cancel(id))
	require.NoError(t, f.svc.Tick(ctx))
	snap, err = f.svc.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, snap.Find(id).Status)
	assert.Equal(t, 4, snap.Scheduler.WorkerCount)
}

func TestService_CloseRequeuesAndReleasesLock(t *testing.T) {
	f := newFixture(t, worker.StateRunning)
	ctx := context.Background()

	id, err := f.svc.Enqueue(Request{SourcePath: f.image(t, "a.png"), Parameters: general(2)})
	require.NoError(t, err)
	require.NoError(t, f.svc.Tick(ctx))

	stream := f.svc.Subscribe(ctx)
	done := make(chan struct{})
	go func() {
		for range stream {
		}
		close(done)
	}()
	require.Eventually(t, func() bool { return f.broker.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, f.svc.Close(ctx))
	assert.False(t, f.store.Locked())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("subscription not closed")
	}

	reopened, err := queuefile.NewStorage(f.store.Dir(), 1, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, reopened.Lock())
	defer reopened.Unlock()

	snap, _, err := reopened.Load()
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, snap.Find(id).Status)
}
