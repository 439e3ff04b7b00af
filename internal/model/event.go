package model

import "time"

// EventType tags what happened to a task or the queue.
type EventType string

const (
	EventAdded     EventType = "task_added"
	EventStarted   EventType = "task_started"
	EventProgress  EventType = "task_progress"
	EventCompleted EventType = "task_completed"
	EventFailed    EventType = "task_failed"
	EventCancelled EventType = "task_cancelled"
	EventPaused    EventType = "task_paused"
	EventRequeued  EventType = "task_requeued"
	EventRemoved   EventType = "task_removed"
	EventWarning   EventType = "queue_warning"
)

// Event is one record of the progress stream pushed to subscribers.
type Event struct {
	Type     EventType  `json:"type"`
	TaskID   string     `json:"task_id,omitempty"`
	Status   Status     `json:"status,omitempty"`
	Progress float64    `json:"progress"`
	Phase    string     `json:"phase,omitempty"`
	Error    *TaskError `json:"error,omitempty"`
	Message  string     `json:"message,omitempty"`
	At       time.Time  `json:"at"`
}

// TaskEvent builds an event describing t's current state.
func TaskEvent(typ EventType, t *Task, at time.Time) Event {
	ev := Event{
		Type:     typ,
		TaskID:   t.ID,
		Status:   t.Status,
		Progress: t.Progress,
		Phase:    t.Phase,
		At:       at,
	}
	if t.Error != nil {
		e := *t.Error
		ev.Error = &e
	}
	return ev
}
