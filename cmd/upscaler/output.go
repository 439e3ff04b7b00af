package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/aliskhannn/upscaler/internal/model"
)

func writeQueue(w io.Writer, snap *model.Snapshot, now time.Time) error {
	paused := "no"
	if snap.Scheduler.Paused {
		paused = "yes"
	}
	fmt.Fprintf(w, "workers: %d  paused: %s  running: %d  queued: %d\n\n",
		snap.Scheduler.WorkerCount, paused,
		snap.Count(model.StatusRunning), snap.Count(model.StatusQueued))

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tPROGRESS\tPHASE\tSLOT\tADDED\tSOURCE\tERROR")
	for _, t := range snap.Tasks {
		slot := "-"
		if t.WorkerSlot > 0 {
			slot = fmt.Sprintf("%d (pid %d)", t.WorkerSlot, t.PID)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			t.ID, t.Status, percent(t.Progress), dash(t.Phase), slot,
			humanize.RelTime(t.CreatedAt, now, "ago", "from now"),
			filepath.Base(t.SourcePath), taskError(t.Error))
	}
	return tw.Flush()
}

func writeHistory(w io.Writer, tasks []model.Task, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tFINISHED\tTOOK\tOUTPUT\tSIZE\tERROR")
	for _, t := range tasks {
		finished, took := "-", "-"
		if t.FinishedAt != nil {
			finished = humanize.RelTime(*t.FinishedAt, now, "ago", "from now")
			if t.StartedAt != nil {
				took = t.FinishedAt.Sub(*t.StartedAt).Round(time.Second).String()
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			t.ID, t.Status, finished, took, t.OutputPath, outputSize(t), taskError(t.Error))
	}
	return tw.Flush()
}

// writeTask prints every field of one task.
func writeTask(w io.Writer, t model.Task, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	row := func(k, v string) { fmt.Fprintf(tw, "%s:\t%s\n", k, v) }
	at := func(ts *time.Time) string {
		if ts == nil {
			return "-"
		}
		return ts.Local().Format(time.DateTime) + " (" + humanize.RelTime(*ts, now, "ago", "from now") + ")"
	}

	p := t.Parameters
	params := fmt.Sprintf("model=%s scale=%dx", p.Model, p.Scale)
	if p.FaceEnhance {
		params += " face-enhance"
	}
	if p.InterpolationFactor > 0 {
		params += fmt.Sprintf(" interpolation=%dx", p.InterpolationFactor)
	}

	row("id", t.ID)
	row("status", string(t.Status))
	row("media", string(t.MediaType))
	row("parameters", params)
	row("source", t.SourcePath)
	row("output", t.OutputPath)
	row("size", outputSize(t))
	row("added", at(&t.CreatedAt))
	row("started", at(t.StartedAt))
	row("finished", at(t.FinishedAt))
	row("error", taskError(t.Error))
	return tw.Flush()
}

func percent(p float64) string {
	return humanize.FtoaWithDigits(p*100, 1) + "%"
}

func outputSize(t model.Task) string {
	if t.Status != model.StatusCompleted {
		return "-"
	}
	info, err := os.Stat(t.OutputPath)
	if err != nil {
		return "missing"
	}
	return humanize.Bytes(uint64(info.Size()))
}

func taskError(e *model.TaskError) string {
	if e == nil {
		return "-"
	}
	return e.Error()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func logEvent(log zerolog.Logger, ev model.Event) {
	var e *zerolog.Event
	switch ev.Type {
	case model.EventProgress:
		e = log.Debug()
	case model.EventFailed, model.EventWarning:
		e = log.Warn()
	default:
		e = log.Info()
	}

	if ev.TaskID != "" {
		e = e.Str("task_id", ev.TaskID).Str("status", string(ev.Status))
	}
	if ev.Type == model.EventProgress {
		e = e.Str("progress", percent(ev.Progress)).Str("phase", ev.Phase)
	}
	if ev.Error != nil {
		e = e.Str("error_kind", string(ev.Error.Kind)).Str("error", ev.Error.Message)
	}

	msg := ev.Message
	if msg == "" {
		msg = string(ev.Type)
	}
	e.Msg(msg)
}
