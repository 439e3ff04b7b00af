package model

import (
	"errors"
	"fmt"
	"time"
)

// SnapshotVersion is the on-disk document version written by this build.
const SnapshotVersion = 1

const (
	MinWorkers = 1
	MaxWorkers = 4
)

// SchedulerState is the dispatch configuration persisted with the queue.
type SchedulerState struct {
	WorkerCount int  `json:"worker_count"`
	Paused      bool `json:"paused"`
}

// Snapshot is the full ordered collection of tasks plus scheduler state.
// Tasks are kept in enqueue order.
type Snapshot struct {
	Version   int            `json:"version"`
	Scheduler SchedulerState `json:"scheduler"`
	Tasks     []Task         `json:"tasks"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// NewSnapshot returns an empty snapshot dispatching with workers slots.
func NewSnapshot(workers int) *Snapshot {
	return &Snapshot{
		Version:   SnapshotVersion,
		Scheduler: SchedulerState{WorkerCount: ClampWorkers(workers)},
		Tasks:     []Task{},
	}
}

// ClampWorkers forces n into [MinWorkers, MaxWorkers].
func ClampWorkers(n int) int {
	return max(MinWorkers, min(n, MaxWorkers))
}

// Validate performs the structural checks that decide whether a loaded
// document is usable or must be quarantined.
func (s *Snapshot) Validate() error {
	if s.Version < 1 || s.Version > SnapshotVersion {
		return fmt.Errorf("unsupported version %d", s.Version)
	}
	if s.Tasks == nil {
		return errors.New("missing tasks")
	}
	if s.Scheduler.WorkerCount < MinWorkers || s.Scheduler.WorkerCount > MaxWorkers {
		return fmt.Errorf("worker count %d out of range", s.Scheduler.WorkerCount)
	}

	seen := make(map[string]struct{}, len(s.Tasks))
	for i, t := range s.Tasks {
		switch {
		case t.ID == "":
			return fmt.Errorf("task %d: missing id", i)
		case t.SourcePath == "":
			return fmt.Errorf("task %s: missing source_path", t.ID)
		case t.OutputPath == "":
			return fmt.Errorf("task %s: missing output_path", t.ID)
		case !t.Status.Valid():
			return fmt.Errorf("task %s: unknown status %q", t.ID, t.Status)
		case t.CreatedAt.IsZero():
			return fmt.Errorf("task %s: missing created_at", t.ID)
		}
		if _, dup := seen[t.ID]; dup {
			return fmt.Errorf("task %s: duplicate id", t.ID)
		}
		seen[t.ID] = struct{}{}
	}

	return nil
}

// Find returns a pointer into Tasks, or nil.
func (s *Snapshot) Find(id string) *Task {
	for i := range s.Tasks {
		if s.Tasks[i].ID == id {
			return &s.Tasks[i]
		}
	}
	return nil
}

// Count returns how many tasks are in status st.
func (s *Snapshot) Count(st Status) int {
	n := 0
	for _, t := range s.Tasks {
		if t.Status == st {
			n++
		}
	}
	return n
}

// NextQueued returns the oldest queued task, or nil.
func (s *Snapshot) NextQueued() *Task {
	for i := range s.Tasks {
		if s.Tasks[i].Status == StatusQueued {
			return &s.Tasks[i]
		}
	}
	return nil
}

// Remove drops every task for which drop returns true and returns them.
func (s *Snapshot) Remove(drop func(Task) bool) []Task {
	var removed []Task
	kept := s.Tasks[:0]
	for _, t := range s.Tasks {
		if drop(t) {
			removed = append(removed, t)
			continue
		}
		kept = append(kept, t)
	}
	s.Tasks = kept
	return removed
}

// Clone returns a deep copy safe to hand to readers.
func (s *Snapshot) Clone() *Snapshot {
	c := *s
	c.Tasks = make([]Task, len(s.Tasks))
	for i, t := range s.Tasks {
		c.Tasks[i] = t.clone()
	}
	return &c
}

func (t Task) clone() Task {
	if t.StartedAt != nil {
		v := *t.StartedAt
		t.StartedAt = &v
	}
	if t.FinishedAt != nil {
		v := *t.FinishedAt
		t.FinishedAt = &v
	}
	if t.Error != nil {
		v := *t.Error
		t.Error = &v
	}
	return t
}
