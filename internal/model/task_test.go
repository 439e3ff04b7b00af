package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_CanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusQueued, StatusRunning, true},
		{StatusQueued, StatusPaused, true},
		{StatusQueued, StatusCancelled, true},
		{StatusPaused, StatusQueued, true},
		{StatusPaused, StatusRunning, false},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusCancelled, true},
		{StatusRunning, StatusPaused, false},
		{StatusCompleted, StatusQueued, false},
		{StatusFailed, StatusRunning, false},
		{StatusCancelled, StatusQueued, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
}

func TestTask_Lifecycle(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	task := Task{ID: "a", Status: StatusQueued, CreatedAt: created}

	started := created.Add(time.Second)
	require.NoError(t, task.Transition(StatusRunning, started))
	task.WorkerSlot = 1
	require.Equal(t, started, *task.StartedAt)

	assert.True(t, task.SetProgress(0.4, "upscaling"))
	assert.False(t, task.SetProgress(0.2, ""), "progress must not move backwards")
	assert.Equal(t, 0.4, task.Progress)

	finished := started.Add(time.Minute)
	require.NoError(t, task.Transition(StatusCompleted, finished))
	assert.Equal(t, 1.0, task.Progress)
	assert.Equal(t, finished, *task.FinishedAt)
	assert.Zero(t, task.WorkerSlot)

	err := task.Transition(StatusQueued, finished)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StatusCompleted, task.Status)
}

func TestTask_RequeueKeepsStartedAt(t *testing.T) {
	first := time.Now()
	task := Task{ID: "a", Status: StatusQueued, CreatedAt: first}
	require.NoError(t, task.Transition(StatusRunning, first))
	task.SetProgress(0.7, "saving")

	require.NoError(t, task.Transition(StatusQueued, first.Add(time.Second)))
	assert.Zero(t, task.Progress)
	assert.Empty(t, task.Phase)

	require.NoError(t, task.Transition(StatusRunning, first.Add(2*time.Second)))
	assert.Equal(t, first, *task.StartedAt)
}

func TestTask_Fail(t *testing.T) {
	task := Task{ID: "a", Status: StatusRunning}
	require.NoError(t, task.Fail(&TaskError{Kind: ErrorWorkerCrashed, Message: "exit 139"}, time.Now()))
	assert.Equal(t, StatusFailed, task.Status)
	require.NotNil(t, task.Error)
	assert.Equal(t, ErrorWorkerCrashed, task.Error.Kind)
}

func TestParameters_Validate(t *testing.T) {
	tests := []struct {
		name    string
		params  Parameters
		media   MediaType
		wantErr error
	}{
		{"general 2x image", Parameters{Model: ModelGeneral, Scale: 2}, MediaImage, nil},
		{"face 8x image", Parameters{Model: ModelFace, Scale: 8, FaceEnhance: true}, MediaImage, nil},
		{"video interpolation", Parameters{Model: ModelAnime, Scale: 4, InterpolationFactor: 2}, MediaVideo, nil},
		{"bad scale", Parameters{Model: ModelGeneral, Scale: 3}, MediaImage, ErrInvalidScale},
		{"bad model", Parameters{Model: "photo", Scale: 2}, MediaImage, ErrInvalidModel},
		{"image interpolation", Parameters{Model: ModelGeneral, Scale: 2, InterpolationFactor: 2}, MediaImage, ErrInvalidInterpolation},
		{"bad factor", Parameters{Model: ModelGeneral, Scale: 2, InterpolationFactor: 3}, MediaVideo, ErrInvalidInterpolation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.params.Validate(tt.media)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestDetectMediaTypeAndOutputPath(t *testing.T) {
	mt, err := DetectMediaType("/media/clip.MP4")
	require.NoError(t, err)
	assert.Equal(t, MediaVideo, mt)

	_, err = DetectMediaType("/media/notes.txt")
	assert.ErrorIs(t, err, ErrUnsupportedMedia)

	assert.Equal(t, "/media/cat_upscaled_4x.png", DefaultOutputPath("/media/cat.png", 4))
}

func TestSnapshot_Validate(t *testing.T) {
	now := time.Now()
	valid := func() *Snapshot {
		s := NewSnapshot(2)
		s.Tasks = append(s.Tasks, Task{ID: "a", SourcePath: "/a.png", OutputPath: "/a_up.png", Status: StatusQueued, CreatedAt: now})
		return s
	}

	require.NoError(t, valid().Validate())

	s := valid()
	s.Tasks = append(s.Tasks, s.Tasks[0])
	assert.Error(t, s.Validate(), "duplicate id")

	s = valid()
	s.Tasks[0].Status = "exploded"
	assert.Error(t, s.Validate())

	s = valid()
	s.Tasks = nil
	assert.Error(t, s.Validate())

	s = valid()
	s.Version = SnapshotVersion + 1
	assert.Error(t, s.Validate())
}

func TestSnapshot_RemoveAndClone(t *testing.T) {
	s := NewSnapshot(1)
	for _, id := range []string{"a", "b", "c"} {
		s.Tasks = append(s.Tasks, Task{ID: id, Status: StatusQueued})
	}
	s.Tasks[1].Status = StatusFailed

	c := s.Clone()
	removed := s.Remove(func(t Task) bool { return t.Status.Terminal() })

	require.Len(t, removed, 1)
	assert.Equal(t, "b", removed[0].ID)
	assert.Len(t, s.Tasks, 2)
	assert.Equal(t, "c", s.Tasks[1].ID)
	assert.Len(t, c.Tasks, 3, "clone is independent")
}
