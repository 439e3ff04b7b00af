// Package ipc defines the file contract between the queue and a worker
// subprocess: the job document handed over at spawn, the status document
// the worker rewrites while it runs, the completion marker written on
// success and the cancel marker dropped by the queue.
package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"

	"github.com/aliskhannn/upscaler/internal/model"
)

const (
	jobSuffix    = ".job.json"
	statusSuffix = ".status.json"
	markerSuffix = ".done.json"
	cancelSuffix = ".cancel"
)

// Phase labels written by the worker.
const (
	PhaseLoading   = "loading"
	PhaseUpscaling = "upscaling"
	PhaseEnhancing = "enhancing"
	PhaseSaving    = "saving"
)

// Job is the structured invocation input of a worker.
type Job struct {
	TaskID     string           `json:"task_id"`
	SourcePath string           `json:"source_path"`
	OutputPath string           `json:"output_path"`
	MediaType  model.MediaType  `json:"media_type"`
	Parameters model.Parameters `json:"parameters"`
	StatusPath string           `json:"status_path"`
	MarkerPath string           `json:"marker_path"`
	CancelPath string           `json:"cancel_path"`
}

// Report is the status document. Error is set by a worker that gives up on
// its own, right before exiting non-zero.
type Report struct {
	TaskID    string    `json:"task_id"`
	Progress  float64   `json:"progress"`
	Phase     string    `json:"phase,omitempty"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Marker is the completion marker written after the output is in place.
type Marker struct {
	TaskID     string    `json:"task_id"`
	OutputPath string    `json:"output_path"`
	FinishedAt time.Time `json:"finished_at"`
}

// Layout places per-task files inside one runtime directory.
type Layout struct {
	Dir string
}

// JobPath is the job document handed to the worker of task id.
func (l Layout) JobPath(id string) string {
	return filepath.Join(l.Dir, id+jobSuffix)
}

// StatusPath is the status document the worker of task id keeps replacing.
func (l Layout) StatusPath(id string) string {
	return filepath.Join(l.Dir, id+statusSuffix)
}

// MarkerPath is the completion marker of task id.
func (l Layout) MarkerPath(id string) string {
	return filepath.Join(l.Dir, id+markerSuffix)
}

// CancelPath is the cancel marker of task id.
func (l Layout) CancelPath(id string) string {
	return filepath.Join(l.Dir, id+cancelSuffix)
}

// NewJob builds the job document for t.
func (l Layout) NewJob(t *model.Task) Job {
	return Job{
		TaskID:     t.ID,
		SourcePath: t.SourcePath,
		OutputPath: t.OutputPath,
		MediaType:  t.MediaType,
		Parameters: t.Parameters,
		StatusPath: l.StatusPath(t.ID),
		MarkerPath: l.MarkerPath(t.ID),
		CancelPath: l.CancelPath(t.ID),
	}
}

// Remove deletes every file belonging to task id. Missing files are ignored.
func (l Layout) Remove(id string) error {
	var errs []error
	for _, p := range []string{l.StatusPath(id), l.MarkerPath(id), l.CancelPath(id), l.JobPath(id)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// TaskIDs lists the ids that have at least one file in the directory.
func (l Layout) TaskIDs() ([]string, error) {
	entries, err := os.ReadDir(l.Dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read runtime directory: %w", err)
	}

	seen := make(map[string]struct{})
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		id, ok := taskIDFromName(e.Name())
		if !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids, nil
}

func taskIDFromName(name string) (string, bool) {
	for _, suffix := range []string{jobSuffix, statusSuffix, markerSuffix, cancelSuffix} {
		if id, ok := strings.CutSuffix(name, suffix); ok && id != "" {
			return id, true
		}
	}
	return "", false
}

// WriteJob atomically writes the job document handed to a worker.
func WriteJob(path string, job Job) error {
	return writeJSON(path, job)
}

// ReadJob reads a job document.
func ReadJob(path string) (Job, error) {
	return readJSON[Job](path)
}

// WriteReport atomically replaces the status document.
func WriteReport(path string, r Report) error {
	return writeJSON(path, r)
}

// ReadReport reads the status document. A worker that has not reported yet
// yields an error wrapping fs.ErrNotExist.
func ReadReport(path string) (Report, error) {
	return readJSON[Report](path)
}

// WriteMarker atomically writes the completion marker.
func WriteMarker(path string, m Marker) error {
	return writeJSON(path, m)
}

// ReadMarker reads the completion marker.
func ReadMarker(path string) (Marker, error) {
	return readJSON[Marker](path)
}

// RequestCancel drops the cancel marker.
func RequestCancel(path string) error {
	return renameio.WriteFile(path, nil, 0o644, renameio.WithTempDir(filepath.Dir(path)))
}

// CancelRequested reports whether the cancel marker exists.
func CancelRequested(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func writeJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	if err := renameio.WriteFile(path, data, 0o644, renameio.WithTempDir(filepath.Dir(path))); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}

// readJSON returns an error wrapping fs.ErrNotExist when the file is absent.
func readJSON[T any](path string) (T, error) {
	var v T
	data, err := os.ReadFile(path)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("failed to decode %s: %w", filepath.Base(path), err)
	}
	return v, nil
}

// IsWorkerOutput reports whether name is a status document or completion
// marker, the files a worker writes.
func IsWorkerOutput(name string) bool {
	return strings.HasSuffix(name, statusSuffix) || strings.HasSuffix(name, markerSuffix)
}
