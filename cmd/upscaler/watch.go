package main

import (
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/aliskhannn/upscaler/internal/control"
	"github.com/aliskhannn/upscaler/internal/worker/ipc"
)

// watchQueueDirs returns a channel that fires when a worker writes its
// status document or completion marker, or when a command leaves a control
// request, so the run loop can act before the next tick. Without fsnotify
// the channel never fires and the loop falls back to the ticker alone.
func watchQueueDirs(runtimeDir, controlDir string, log zerolog.Logger) (<-chan struct{}, func()) {
	wake := make(chan struct{}, 1)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn().Err(err).Msg("fsnotify unavailable, polling only")
		return wake, func() {}
	}
	for _, dir := range []string{runtimeDir, controlDir} {
		if err := watcher.Add(dir); err != nil {
			log.Warn().Err(err).Str("dir", dir).Msg("failed to watch directory, polling it")
		}
	}

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
					continue
				}
				if !ipc.IsWorkerOutput(ev.Name) && !control.IsRequest(ev.Name) {
					continue
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("queue directory watcher error")
			}
		}
	}()

	return wake, func() { _ = watcher.Close() }
}
