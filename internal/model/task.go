package model

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of an upscale task.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// transitions lists every edge of the task state machine.
// running → queued is used only by crash recovery and shutdown requeue.
var transitions = map[Status][]Status{
	StatusQueued:  {StatusRunning, StatusPaused, StatusCancelled},
	StatusPaused:  {StatusQueued, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled, StatusQueued},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusPaused, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransition reports whether the state machine has an edge from s to next.
func (s Status) CanTransition(next Status) bool {
	for _, to := range transitions[s] {
		if to == next {
			return true
		}
	}
	return false
}

// ErrorKind classifies why a task failed.
type ErrorKind string

const (
	ErrorWorkerCrashed ErrorKind = "worker_crashed"    // exited abnormally or without a completion marker
	ErrorApplication   ErrorKind = "application_error" // the worker reported its own failure
	ErrorWorkerTimeout ErrorKind = "worker_timeout"    // stall timeout fired
)

// TaskError is recorded on a task only when it is failed.
type TaskError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Task is the durable unit of upscale work.
type Task struct {
	ID         string     `json:"id"`
	SourcePath string     `json:"source_path"`
	OutputPath string     `json:"output_path"`
	MediaType  MediaType  `json:"media_type"`
	Parameters Parameters `json:"parameters"`

	Status   Status  `json:"status"`
	Progress float64 `json:"progress"`
	Phase    string  `json:"phase,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	Error      *TaskError `json:"error,omitempty"`
	WorkerSlot int        `json:"worker_slot,omitempty"` // 1-based, 0 when not running
	PID        int        `json:"pid,omitempty"`
}

// Transition moves the task to next, stamping the timestamps that belong
// to the new state. It refuses edges the state machine does not have.
func (t *Task) Transition(next Status, at time.Time) error {
	if !t.Status.CanTransition(next) {
		return fmt.Errorf("task %s: %w: %s → %s", t.ID, ErrInvalidTransition, t.Status, next)
	}

	switch next {
	case StatusRunning:
		if t.StartedAt == nil {
			t.StartedAt = &at
		}
		t.Progress = 0
		t.Phase = ""
	case StatusQueued:
		t.WorkerSlot = 0
		t.PID = 0
		t.Progress = 0
		t.Phase = ""
	case StatusCompleted, StatusFailed, StatusCancelled:
		if t.FinishedAt == nil {
			t.FinishedAt = &at
		}
		t.WorkerSlot = 0
		t.PID = 0
	}

	if next == StatusCompleted {
		t.Progress = 1
	}
	if next != StatusFailed {
		t.Error = nil
	}

	t.Status = next
	return nil
}

// Fail moves a running task to failed with the given classification.
func (t *Task) Fail(taskErr *TaskError, at time.Time) error {
	if err := t.Transition(StatusFailed, at); err != nil {
		return err
	}
	t.Error = taskErr
	return nil
}

// SetProgress records worker progress; it never moves backwards.
func (t *Task) SetProgress(progress float64, phase string) bool {
	progress = clamp(progress)
	changed := false
	if progress > t.Progress {
		t.Progress = progress
		changed = true
	}
	if phase != "" && phase != t.Phase {
		t.Phase = phase
		changed = true
	}
	return changed
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
