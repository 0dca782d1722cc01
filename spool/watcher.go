package spool

import (
	"context"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/nyxmail/bouncer/logger"
)

// Watcher subscribes to file-creation events on incoming/ and forwards
// well-formed object IDs to a bounded process queue. It is the fast
// path; Scanner is the safety net for anything it misses (spec.md §4.4).
type Watcher struct {
	spool     *Spool
	processCh chan<- string
}

func NewWatcher(s *Spool, processCh chan<- string) *Watcher {
	return &Watcher{spool: s, processCh: processCh}
}

// Run watches incoming/ until ctx is cancelled. A submission that would
// block because the process queue is full is dropped — the scanner will
// pick the file up on its next pass.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	if err := fsw.Add(w.spool.IncomingDir()); err != nil {
		return err
	}

	logger.Info("spool watcher started", "dir", w.spool.IncomingDir())

	for {
		select {
		case <-ctx.Done():
			logger.Info("spool watcher stopping")
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			name := baseName(event.Name)
			if !IsObjectFilename(name) {
				continue
			}
			id := strings.TrimSuffix(name, ".eml")

			select {
			case w.processCh <- id:
			default:
				logger.Debug("spool watcher: process queue full, dropping event", "id", id)
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			logger.Error("spool watcher error", "error", err)
		}
	}
}

func baseName(path string) string {
	if i := strings.LastIndexAny(path, `/\`); i >= 0 {
		return path[i+1:]
	}
	return path
}
