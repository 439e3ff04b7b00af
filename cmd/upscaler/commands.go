package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/upscaler/internal/config"
	"github.com/aliskhannn/upscaler/internal/control"
	"github.com/aliskhannn/upscaler/internal/model"
	"github.com/aliskhannn/upscaler/internal/storage/queuefile"
)

func runCmd(args []string) error {
	fs, common := newFlagSet("run")
	addWorkerFlags(fs)
	params := addParamFlags(fs)
	untilIdle := fs.Bool("until-idle", false, "exit once nothing is queued or running")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	files, err := params.files(fs.Args())
	if err != nil {
		return err
	}

	// Context & signals: used for graceful shutdown on system interrupts.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, fs, common.config)
	if err != nil {
		return err
	}

	// Log every event until the service closes the stream.
	streamDone := make(chan struct{})
	go func() {
		defer close(streamDone)
		for ev := range a.svc.Subscribe(context.Background()) {
			logEvent(a.log, ev)
		}
	}()

	err = serve(ctx, a, fs, files, *untilIdle)

	a.log.Info().Msg("shutting down")
	if cerr := a.close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	<-streamDone
	return err
}

func serve(ctx context.Context, a *app, fs *pflag.FlagSet, files []control.File, untilIdle bool) error {
	if fs.Changed("workers") {
		if err := a.svc.SetWorkerCount(a.cfg.Worker.Count); err != nil {
			return err
		}
	}
	if len(files) > 0 {
		res := control.Apply(a.svc, control.Request{Op: control.OpEnqueue, Files: files})
		printIDs(res.TaskIDs)
		if err := res.Err(); err != nil {
			return err
		}
	}

	// Commands run while this loop holds the queue leave requests here.
	mailbox, err := control.NewMailbox(a.cfg.Queue.ControlDir(), a.log)
	if err != nil {
		return err
	}

	wake, closeWatcher := watchQueueDirs(a.cfg.Queue.RuntimeDir(), mailbox.Dir(), a.log)
	defer closeWatcher()

	ticker := time.NewTicker(a.cfg.Scheduler.TickInterval)
	defer ticker.Stop()

	a.log.Info().
		Str("queue", a.cfg.Queue.Dir).
		Str("worker", a.cfg.Worker.Command).
		Dur("tick", a.cfg.Scheduler.TickInterval).
		Msg("queue started")

	for {
		if _, err := mailbox.Serve(a.svc); err != nil {
			a.log.Error().Err(err).Msg("failed to serve control requests")
		}
		if err := a.svc.Tick(ctx); err != nil {
			a.log.Error().Err(err).Msg("tick failed")
		}

		if untilIdle {
			idle, err := queueIdle(a)
			if err != nil {
				return err
			}
			if idle {
				a.log.Info().Msg("queue idle")
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-wake:
		}
	}
}

// queueIdle reports whether no task can make progress without user action.
func queueIdle(a *app) (bool, error) {
	snap, err := a.svc.Snapshot()
	if err != nil {
		return false, err
	}
	return snap.Count(model.StatusQueued)+snap.Count(model.StatusRunning) == 0, nil
}

// withApp runs fn against the queue and closes it afterwards.
func withApp(fs *pflag.FlagSet, common *commonFlags, fn func(ctx context.Context, a *app) error) error {
	ctx := context.Background()

	a, err := openApp(ctx, fs, common.config)
	if err != nil {
		return err
	}

	err = fn(ctx, a)
	if cerr := a.close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	return err
}

// sendControl applies req to the queue. When a run loop owns the queue, the
// request is handed to it through the control mailbox instead.
func sendControl(fs *pflag.FlagSet, common *commonFlags, req control.Request) (control.Result, error) {
	var res control.Result
	err := withApp(fs, common, func(_ context.Context, a *app) error {
		res = control.Apply(a.svc, req)
		return nil
	})
	if errors.Is(err, queuefile.ErrQueueBusy) {
		return submitControl(fs, common, req)
	}
	return res, err
}

func submitControl(fs *pflag.FlagSet, common *commonFlags, req control.Request) (control.Result, error) {
	cfg, err := config.Load(common.config, fs)
	if err != nil {
		return control.Result{}, err
	}
	mailbox, err := control.NewMailbox(cfg.Queue.ControlDir(), zlog.Logger)
	if err != nil {
		return control.Result{}, err
	}

	id, err := mailbox.Submit(req)
	if err != nil {
		return control.Result{}, err
	}
	zlog.Logger.Debug().Str("request_id", id).Str("op", string(req.Op)).Msg("queue is running, request handed to it")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Scheduler.ControlTimeout)
	defer cancel()

	res, err := mailbox.Await(ctx, id)
	if errors.Is(err, control.ErrNotPickedUp) {
		// Locked, but nobody serves the mailbox.
		return res, fmt.Errorf("%w: %w", queuefile.ErrQueueBusy, err)
	}
	return res, err
}

// runControl is sendControl for commands whose result carries no data.
func runControl(fs *pflag.FlagSet, common *commonFlags, req control.Request) error {
	res, err := sendControl(fs, common, req)
	if err != nil {
		return err
	}
	return res.Err()
}

func printIDs(ids []string) {
	for _, id := range ids {
		fmt.Println(id)
	}
}

func enqueueCmd(args []string) error {
	fs, common := newFlagSet("enqueue")
	params := addParamFlags(fs)
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return usageError("enqueue needs at least one file")
	}
	files, err := params.files(fs.Args())
	if err != nil {
		return err
	}

	res, err := sendControl(fs, common, control.Request{Op: control.OpEnqueue, Files: files})
	printIDs(res.TaskIDs)
	if err != nil {
		return err
	}
	return res.Err()
}

func listCmd(args []string) error {
	fs, common := newFlagSet("list")
	asJSON := fs.Bool("json", false, "print the queue document as JSON")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	return withApp(fs, common, func(_ context.Context, a *app) error {
		snap, err := a.svc.Snapshot()
		if err != nil {
			return err
		}
		if *asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		}
		return writeQueue(os.Stdout, snap, time.Now())
	})
}

func cancelCmd(args []string) error {
	fs, common := newFlagSet("cancel")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return usageError("cancel needs at least one task id")
	}

	return runControl(fs, common, control.Request{Op: control.OpCancel, TaskIDs: fs.Args()})
}

func pauseCmd(args []string) error {
	fs, common := newFlagSet("pause")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	return runControl(fs, common, control.Request{Op: control.OpPause})
}

func resumeCmd(args []string) error {
	fs, common := newFlagSet("resume")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	return runControl(fs, common, control.Request{Op: control.OpResume})
}

func workersCmd(args []string) error {
	fs, common := newFlagSet("workers")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return usageError("workers needs exactly one number")
	}
	n, err := strconv.Atoi(fs.Arg(0))
	if err != nil {
		return usageError("invalid worker count %q", fs.Arg(0))
	}

	return runControl(fs, common, control.Request{Op: control.OpWorkers, Workers: n})
}

func clearCmd(args []string) error {
	fs, common := newFlagSet("clear")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	return withApp(fs, common, func(ctx context.Context, a *app) error {
		var (
			n   int
			err error
		)
		if fs.NArg() == 0 {
			n, err = a.svc.ClearFinished(ctx)
		} else {
			n, err = a.svc.Clear(ctx, fs.Args()...)
		}
		if err != nil {
			return err
		}
		fmt.Printf("archived %d task(s)\n", n)
		return nil
	})
}

func historyCmd(args []string) error {
	fs, common := newFlagSet("history")
	limit := fs.IntP("limit", "n", 20, "number of tasks to show, 0 for all")
	prune := fs.Duration("prune", 0, "delete archived tasks older than this instead of listing")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if fs.NArg() > 1 {
		return usageError("history takes at most one task id")
	}

	return withApp(fs, common, func(ctx context.Context, a *app) error {
		if fs.NArg() == 1 {
			t, err := a.svc.HistoryTask(ctx, fs.Arg(0))
			if err != nil {
				return err
			}
			return writeTask(os.Stdout, t, time.Now())
		}
		if *prune > 0 {
			n, err := a.svc.PruneHistory(ctx, *prune)
			if err != nil {
				return err
			}
			fmt.Printf("deleted %d archived task(s)\n", n)
			return nil
		}

		tasks, err := a.svc.History(ctx, *limit)
		if err != nil {
			return err
		}
		return writeHistory(os.Stdout, tasks, time.Now())
	})
}
