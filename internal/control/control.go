// Package control carries queue commands from short-lived CLI invocations
// to the run loop that owns the queue lock. Requests and results are JSON
// documents in a shared directory, so no socket or port is involved.
package control

import (
	"errors"
	"fmt"
	"time"

	"github.com/aliskhannn/upscaler/internal/model"
	upscalesvc "github.com/aliskhannn/upscaler/internal/service/upscale"
)

// Op names a queue command.
type Op string

const (
	OpEnqueue Op = "enqueue"
	OpCancel  Op = "cancel"
	OpPause   Op = "pause"
	OpResume  Op = "resume"
	OpWorkers Op = "workers"
)

// ErrUnknownOp is reported for a request whose op this version does not know.
var ErrUnknownOp = errors.New("unknown control operation")

// File is one file of an enqueue request. Paths must be absolute since the
// run loop may have a different working directory.
type File struct {
	Source     string           `json:"source"`
	Output     string           `json:"output,omitempty"`
	Parameters model.Parameters `json:"parameters"`
}

// Request is one queue command.
type Request struct {
	ID        string    `json:"id"`
	Op        Op        `json:"op"`
	TaskIDs   []string  `json:"task_ids,omitempty"` // cancel
	Workers   int       `json:"workers,omitempty"`  // workers
	Files     []File    `json:"files,omitempty"`    // enqueue
	CreatedAt time.Time `json:"created_at"`
}

// Result answers a Request. TaskIDs holds the ids of enqueued tasks.
type Result struct {
	ID        string    `json:"id"`
	TaskIDs   []string  `json:"task_ids,omitempty"`
	Error     string    `json:"error,omitempty"`
	HandledAt time.Time `json:"handled_at"`
}

// Err returns the failure carried by r, if any.
func (r Result) Err() error {
	if r.Error == "" {
		return nil
	}
	return errors.New(r.Error)
}

// Controller is the part of the upscale service a request can drive.
type Controller interface {
	Enqueue(req upscalesvc.Request) (string, error)
	Cancel(id string) error
	Pause() error
	Resume() error
	SetWorkerCount(n int) error
}

// Apply runs req against c. Enqueue and cancel handle every file or id even
// when some of them fail; the failures are joined in the result.
func Apply(c Controller, req Request) Result {
	res := Result{ID: req.ID}
	var err error

	switch req.Op {
	case OpEnqueue:
		var errs []error
		for _, f := range req.Files {
			id, err := c.Enqueue(upscalesvc.Request{SourcePath: f.Source, OutputPath: f.Output, Parameters: f.Parameters})
			if err != nil {
				errs = append(errs, err)
				continue
			}
			res.TaskIDs = append(res.TaskIDs, id)
		}
		err = errors.Join(errs...)
	case OpCancel:
		var errs []error
		for _, id := range req.TaskIDs {
			if err := c.Cancel(id); err != nil {
				errs = append(errs, err)
			}
		}
		err = errors.Join(errs...)
	case OpPause:
		err = c.Pause()
	case OpResume:
		err = c.Resume()
	case OpWorkers:
		err = c.SetWorkerCount(req.Workers)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownOp, req.Op)
	}

	if err != nil {
		res.Error = err.Error()
	}
	return res
}
