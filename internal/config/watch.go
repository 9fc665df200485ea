package config

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "shiftboard/pkg/logx"
)

const (
	watchDebounce  = 250 * time.Millisecond
	watchRetryBase = 250 * time.Millisecond
	watchRetryMax  = 5 * time.Second
)

// WatchFile calls onChange, debounced, whenever the file at path is written,
// created, renamed or removed. It watches the parent directory so editors that
// replace the file atomically are still seen. A watcher that fails or closes
// its channels is recreated with backoff. WatchFile blocks until ctx is done
// and then returns nil.
func WatchFile(ctx context.Context, path string, log logx.Logger, onChange func()) error {
	if log.IsZero() {
		log = logx.Nop()
	}
	dir, file := filepath.Dir(path), filepath.Base(path)
	log = log.With(logx.String("dir", dir), logx.String("file", file))

	d := &debouncer{ctx: ctx, fn: onChange}
	defer d.stop()

	retry := watchRetryBase
	for ctx.Err() == nil {
		started, err := watchDir(ctx, dir, file, log, d.trigger)
		if ctx.Err() != nil {
			return nil
		}
		if started {
			retry = watchRetryBase
		}
		wait := retry + rand.N(retry/2+1)
		retry = min(retry*2, watchRetryMax)
		log.Warn("file watcher stopped; restarting", logx.Err(err), logx.Duration("backoff", wait))
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
	}
	return nil
}

// watchDir runs one watcher until it breaks or ctx ends. started reports
// whether the watcher came up at all.
func watchDir(ctx context.Context, dir, file string, log logx.Logger, changed func()) (started bool, err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return false, err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return false, err
	}
	log.Debug("file watcher started")

	const relevant = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod
	for {
		select {
		case <-ctx.Done():
			return true, nil
		case ev, ok := <-w.Events:
			if !ok {
				return true, errors.New("event channel closed")
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) && ev.Op&relevant != 0 {
				log.Debug("file change detected", logx.String("op", ev.Op.String()))
				changed()
			}
		case err, ok := <-w.Errors:
			switch {
			case !ok:
				return true, errors.New("error channel closed")
			case err == nil:
			case errors.Is(err, fsnotify.ErrEventOverflow):
				// Events may have been lost; reload once to resync.
				log.Warn("file watcher overflow; forcing reload", logx.Err(err))
				changed()
			case errors.Is(err, fsnotify.ErrClosed):
				return true, err
			default:
				log.Warn("file watcher error", logx.Err(err))
			}
		}
	}
}

// debouncer coalesces bursts (editors often write in several steps) into a
// single call after watchDebounce of quiet.
type debouncer struct {
	ctx context.Context
	fn  func()

	mu    sync.Mutex
	timer *time.Timer
}

func (d *debouncer) trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(watchDebounce, func() {
		if d.ctx.Err() == nil {
			d.fn()
		}
	})
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
}
