package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aliskhannn/upscaler/internal/model"
)

func TestWriteQueue(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	snap := model.NewSnapshot(2)
	snap.Scheduler.Paused = true
	snap.Tasks = []model.Task{
		{ID: "a", SourcePath: "/in/a.png", Status: model.StatusRunning, Progress: 0.5, Phase: "upscaling", WorkerSlot: 1, PID: 42, CreatedAt: now.Add(-3 * time.Minute)},
		{ID: "b", SourcePath: "/in/b.png", Status: model.StatusFailed, CreatedAt: now.Add(-time.Hour),
			Error: &model.TaskError{Kind: model.ErrorWorkerCrashed, Message: "exit status 139"}},
	}

	var buf bytes.Buffer
	require.NoError(t, writeQueue(&buf, snap, now))
	out := buf.String()

	assert.Contains(t, out, "workers: 2  paused: yes  running: 1  queued: 0")
	assert.Contains(t, out, "50%")
	assert.Contains(t, out, "1 (pid 42)")
	assert.Contains(t, out, "3 minutes ago")
	assert.Contains(t, out, "a.png")
	assert.Contains(t, out, "worker_crashed: exit status 139")
}

func TestWriteHistory(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "a_upscaled_2x.png")
	require.NoError(t, os.WriteFile(out, make([]byte, 2048), 0o644))

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	started := now.Add(-2*time.Hour - 90*time.Second)
	finished := started.Add(90 * time.Second)
	tasks := []model.Task{
		{ID: "a", OutputPath: out, Status: model.StatusCompleted, StartedAt: &started, FinishedAt: &finished},
		{ID: "b", OutputPath: filepath.Join(dir, "b.png"), Status: model.StatusCancelled, FinishedAt: &finished},
	}

	var buf bytes.Buffer
	require.NoError(t, writeHistory(&buf, tasks, now))
	text := buf.String()

	assert.Contains(t, text, "2.0 kB")
	assert.Contains(t, text, "1m30s")
	assert.Contains(t, text, "2 hours ago")
	assert.Contains(t, text, "cancelled")
}

func TestWriteTask(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	finished := now.Add(-5 * time.Minute)
	task := model.Task{
		ID:         "a",
		SourcePath: "/in/clip.mp4",
		OutputPath: "/in/clip_upscaled_4x.mp4",
		MediaType:  model.MediaVideo,
		Parameters: model.Parameters{Model: model.ModelAnime, Scale: 4, InterpolationFactor: 2},
		Status:     model.StatusFailed,
		CreatedAt:  now.Add(-10 * time.Minute),
		FinishedAt: &finished,
		Error:      &model.TaskError{Kind: model.ErrorWorkerTimeout, Message: "no status for 2m0s"},
	}

	var buf bytes.Buffer
	require.NoError(t, writeTask(&buf, task, now))
	text := buf.String()

	assert.Contains(t, text, "model=anime scale=4x interpolation=2x")
	assert.Contains(t, text, "5 minutes ago")
	assert.Contains(t, text, "10 minutes ago")
	assert.Contains(t, text, "worker_timeout: no status for 2m0s")
	assert.Regexp(t, `started:\s+-`, text)
}

func TestPercent(t *testing.T) {
	assert.Equal(t, "0%", percent(0))
	assert.Equal(t, "12.5%", percent(0.125))
	assert.Equal(t, "100%", percent(1))
}

func TestLogEvent(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf)

	logEvent(log, model.Event{
		Type:   model.EventFailed,
		TaskID: "a",
		Status: model.StatusFailed,
		Error:  &model.TaskError{Kind: model.ErrorApplication, Message: "decode failed"},
	})

	out := buf.String()
	assert.Contains(t, out, `"level":"warn"`)
	assert.Contains(t, out, `"task_id":"a"`)
	assert.Contains(t, out, `"error_kind":"application_error"`)
	assert.Contains(t, out, `"message":"task_failed"`)
}

func TestParamFlagsFiles(t *testing.T) {
	fs, _ := newFlagSet("enqueue")
	p := addParamFlags(fs)
	require.NoError(t, fs.Parse([]string{"-m", "anime", "-s", "4", "-o", "/out.png", "/in.png"}))

	files, err := p.files(fs.Args())
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, model.ModelAnime, files[0].Parameters.Model)
	assert.Equal(t, 4, files[0].Parameters.Scale)
	assert.Equal(t, "/out.png", files[0].Output)

	_, err = p.files([]string{"/a.png", "/b.png"})
	assert.ErrorIs(t, err, errUsage)

	p.output = ""
	files, err = p.files([]string{"rel.png"})
	require.NoError(t, err)
	wd, err := os.Getwd()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(wd, "rel.png"), files[0].Source)
	assert.Empty(t, files[0].Output)
}
