// Command upscale-worker runs a single upscale job on behalf of the queue.
// It reads the job document named by --job, reports progress through the
// status document, writes the completion marker on success and exits
// non-zero on failure or cancellation.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/upscaler/internal/processor"
	"github.com/aliskhannn/upscaler/internal/worker/ipc"
)

const cancelPollInterval = 250 * time.Millisecond

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := pflag.NewFlagSet("upscale-worker", pflag.ContinueOnError)
	jobPath := flags.String("job", "", "path to the job document")
	logLevel := flags.String("log-level", "info", "log level")
	ffmpeg := flags.String("ffmpeg", "ffmpeg", "ffmpeg binary used for video jobs")
	ffprobe := flags.String("ffprobe", "ffprobe", "ffprobe binary used for video jobs")
	if err := flags.Parse(args); err != nil {
		return 2
	}

	// stdout is not read by the queue; everything goes to stderr.
	zlog.Init()
	log := zlog.Logger.Output(os.Stderr).With().Int("pid", os.Getpid()).Logger()
	if lvl, err := zerolog.ParseLevel(*logLevel); err == nil {
		log = log.Level(lvl)
	}

	if *jobPath == "" {
		log.Error().Msg("--job is required")
		return 2
	}

	job, err := ipc.ReadJob(*jobPath)
	if err != nil {
		log.Error().Err(err).Msg("failed to read job")
		return 2
	}
	log = log.With().Str("task_id", job.TaskID).Logger()

	// Context & signals: the queue cancels with SIGTERM and the cancel marker.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	if ipc.CancelRequested(job.CancelPath) {
		log.Info().Msg("job cancelled before it started")
		return 1
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go watchCancelMarker(ctx, job.CancelPath, cancel, log)

	rep := &reporter{job: job, log: log}
	proc := processor.New(processor.Options{FFmpegPath: *ffmpeg, FFprobePath: *ffprobe}, log)
	err = proc.Upscale(ctx, job, rep.progress)

	switch {
	case err == nil:
		marker := ipc.Marker{TaskID: job.TaskID, OutputPath: job.OutputPath, FinishedAt: time.Now().UTC()}
		if err := ipc.WriteMarker(job.MarkerPath, marker); err != nil {
			log.Error().Err(err).Msg("failed to write completion marker")
			return 1
		}
		log.Info().Str("output", job.OutputPath).Msg("job completed")
		return 0

	case ctx.Err() != nil:
		log.Info().Msg("job cancelled")
		return 1

	default:
		rep.fail(err)
		log.Error().Err(err).Msg("job failed")
		return 1
	}
}

// reporter writes the status document.
type reporter struct {
	job  ipc.Job
	log  zerolog.Logger
	last ipc.Report
}

func (r *reporter) progress(p float64, phase string) {
	r.write(ipc.Report{Progress: p, Phase: phase})
}

func (r *reporter) fail(err error) {
	r.write(ipc.Report{Progress: r.last.Progress, Phase: r.last.Phase, Error: err.Error()})
}

func (r *reporter) write(rep ipc.Report) {
	rep.TaskID = r.job.TaskID
	rep.UpdatedAt = time.Now().UTC()
	if err := ipc.WriteReport(r.job.StatusPath, rep); err != nil {
		r.log.Warn().Err(err).Msg("failed to write status")
		return
	}
	r.last = rep
}

// watchCancelMarker calls cancel once the cancel marker appears. It watches
// the directory with fsnotify and falls back to polling when that fails.
func watchCancelMarker(ctx context.Context, path string, cancel context.CancelFunc, log zerolog.Logger) {
	var events <-chan fsnotify.Event
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		if err = watcher.Add(filepath.Dir(path)); err == nil {
			events = watcher.Events
		}
	}
	if err != nil {
		log.Debug().Err(err).Msg("fsnotify unavailable, polling for cancel marker")
	}

	ticker := time.NewTicker(cancelPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) || !ev.Has(fsnotify.Create) {
				continue
			}
		case <-ticker.C:
			if !ipc.CancelRequested(path) {
				continue
			}
		}

		log.Info().Msg("cancel marker found")
		cancel()
		return
	}
}
