package tasks

import (
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// GroupWatcher monitors an input directory and emits each band group once
// all five bands exist and no band file has changed for the debounce
// interval.
type GroupWatcher struct {
	watcher   *fsnotify.Watcher
	Ready     chan BandGroup
	dir       string
	reference int
	debounce  time.Duration
	log       *slog.Logger
	done      chan struct{}
	exited    chan struct{}

	// owned by the event goroutine
	pending map[string]time.Time
	emitted map[string]bool
}

// NewGroupWatcher creates a watcher for dir. reference is 1-based.
func NewGroupWatcher(dir string, reference int, debounce time.Duration, log *slog.Logger) (*GroupWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	return &GroupWatcher{
		watcher:   w,
		Ready:     make(chan BandGroup, 100),
		dir:       dir,
		reference: reference,
		debounce:  debounce,
		log:       orDefault(log),
		done:      make(chan struct{}),
		exited:    make(chan struct{}),
		pending:   map[string]time.Time{},
		emitted:   map[string]bool{},
	}, nil
}

// Skip marks groups that must never be emitted, typically those already
// registered.
func (gw *GroupWatcher) Skip(bases ...string) {
	for _, b := range bases {
		gw.emitted[b] = true
	}
}

// Start begins monitoring. Skip must not be called afterwards.
func (gw *GroupWatcher) Start() error {
	if err := gw.watcher.Add(gw.dir); err != nil {
		return err
	}
	gw.log.Info("watching directory", "dir", gw.dir, "debounce", gw.debounce)
	go gw.processEvents()
	return nil
}

// Stop ends monitoring and closes Ready.
func (gw *GroupWatcher) Stop() error {
	close(gw.done)
	err := gw.watcher.Close()
	<-gw.exited
	return err
}

func (gw *GroupWatcher) processEvents() {
	defer close(gw.exited)
	defer close(gw.Ready)

	tick := time.NewTicker(gw.debounce / 4)
	defer tick.Stop()
	for {
		select {
		case event, ok := <-gw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			m := bandFile.FindStringSubmatch(filepath.Base(event.Name))
			if m == nil || gw.emitted[m[1]] {
				continue
			}
			gw.pending[m[1]] = time.Now()

		case now := <-tick.C:
			gw.flush(now)

		case err, ok := <-gw.watcher.Errors:
			if !ok {
				return
			}
			gw.log.Warn("filesystem watcher error", "error", err)

		case <-gw.done:
			return
		}
	}
}

// flush emits quiet groups that are now complete.
func (gw *GroupWatcher) flush(now time.Time) {
	quiet := map[string]bool{}
	for base, seen := range gw.pending {
		if now.Sub(seen) >= gw.debounce {
			quiet[base] = true
			delete(gw.pending, base)
		}
	}
	if len(quiet) == 0 {
		return
	}
	res, err := Scan(gw.dir, gw.reference)
	if err != nil {
		gw.log.Warn("watch scan failed", "dir", gw.dir, "error", err)
		return
	}
	for _, g := range res.Groups {
		if !quiet[g.Base] || gw.emitted[g.Base] {
			continue
		}
		gw.emitted[g.Base] = true
		select {
		case gw.Ready <- g:
		case <-gw.done:
			return
		}
	}
}
