package rules

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watcher watches a pack directory and reloads every tenant of a vertical
// when its pack file changes. Events for the same file are debounced.
type Watcher struct {
	dir      string
	loader   *Loader
	debounce time.Duration

	fsw      *fsnotify.Watcher
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu      sync.Mutex
	pending map[string]time.Time // vertical -> last event
}

// NewWatcher creates a Watcher; call Start to begin watching.
func NewWatcher(dir string, loader *Loader, debounce time.Duration) *Watcher {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &Watcher{
		dir:      dir,
		loader:   loader,
		debounce: debounce,
		done:     make(chan struct{}),
		pending:  make(map[string]time.Time),
	}
}

// Start begins watching. The directory is watched rather than the files so
// editor rename-over saves are seen.
func (w *Watcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("pack watcher: create fsnotify: %w", err)
	}
	if err := fsw.Add(w.dir); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("pack watcher: watch %s: %w", w.dir, err)
	}
	w.fsw = fsw

	w.wg.Add(1)
	go w.loop()
	log.Info().Str("dir", w.dir).Msg("Watching configuration packs")
	return nil
}

// Stop terminates the watcher. Safe to call more than once.
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() { close(w.done) })
	w.wg.Wait()
	if w.fsw != nil {
		return w.fsw.Close()
	}
	return nil
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if v, ok := VerticalFromPath(ev.Name); ok {
				w.mu.Lock()
				w.pending[v] = time.Now()
				w.mu.Unlock()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Pack watcher error")
		case <-ticker.C:
			w.flush()
		}
	}
}

func (w *Watcher) flush() {
	now := time.Now()
	var ready []string
	w.mu.Lock()
	for v, at := range w.pending {
		if now.Sub(at) >= w.debounce {
			ready = append(ready, v)
			delete(w.pending, v)
		}
	}
	w.mu.Unlock()

	for _, v := range ready {
		published := w.loader.ReloadVertical(context.Background(), v)
		log.Info().Str("vertical", v).Bool("broadcast", published).Msg("Configuration pack changed, rules invalidated")
	}
}
