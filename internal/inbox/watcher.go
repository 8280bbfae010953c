// Package inbox watches a directory for alert files and publishes each one
// to the input subject.
package inbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Sub-directories that hold handled files.
const (
	processedDir = "processed"
	failedDir    = "failed"
)

// Publisher sends an alert to the bus.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload interface{}) error
}

// Watcher publishes *.json files dropped into dir. Published files move to
// dir/processed, unreadable ones to dir/failed.
type Watcher struct {
	dir     string
	subject string
	pub     Publisher
	watcher *fsnotify.Watcher
	logger  zerolog.Logger
	settle  time.Duration

	mu      sync.Mutex
	pending map[string]*time.Timer
	cancel  context.CancelFunc
}

// NewWatcher creates the inbox directories and an fsnotify watcher.
func NewWatcher(dir, subject string, pub Publisher, logger zerolog.Logger) (*Watcher, error) {
	for _, d := range []string{dir, filepath.Join(dir, processedDir), filepath.Join(dir, failedDir)} {
		if err := os.MkdirAll(d, 0o750); err != nil {
			return nil, fmt.Errorf("creating inbox dir %s: %w", d, err)
		}
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	return &Watcher{
		dir:     dir,
		subject: subject,
		pub:     pub,
		watcher: w,
		logger:  logger.With().Str("component", "inbox").Str("dir", dir).Logger(),
		settle:  250 * time.Millisecond,
		pending: make(map[string]*time.Timer),
	}, nil
}

// Start publishes files already present, then handles new ones until ctx
// is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()

	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}

	existing, _ := filepath.Glob(filepath.Join(w.dir, "*.json"))
	for _, path := range existing {
		w.handle(ctx, path)
	}
	w.logger.Info().Int("backlog", len(existing)).Msg("inbox watcher started")

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				w.schedule(ctx, event.Name)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("watcher error")
		}
	}
}

// schedule debounces writes so a file is read once it stops changing.
func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Reset(w.settle)
		return
	}
	w.pending[path] = time.AfterFunc(w.settle, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		if ctx.Err() == nil {
			w.handle(ctx, path)
		}
	})
}

func (w *Watcher) handle(ctx context.Context, path string) {
	log := w.logger.With().Str("file", filepath.Base(path)).Logger()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Msg("cannot read alert file")
		}
		return
	}

	var alert map[string]interface{}
	if err := json.Unmarshal(data, &alert); err != nil {
		log.Warn().Err(err).Msg("alert file is not a JSON object")
		w.move(path, failedDir)
		return
	}

	if err := w.pub.Publish(ctx, w.subject, alert); err != nil {
		// Left in place for the next start.
		log.Error().Err(err).Msg("failed to publish alert")
		return
	}
	log.Info().Str("subject", w.subject).Msg("alert published")
	w.move(path, processedDir)
}

func (w *Watcher) move(path, sub string) {
	dst := filepath.Join(w.dir, sub, filepath.Base(path))
	if err := os.Rename(path, dst); err != nil {
		w.logger.Warn().Err(err).Str("file", path).Msg("cannot move handled file")
	}
}

// Stop ends the loop and releases the fsnotify watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
	}
	for p, t := range w.pending {
		t.Stop()
		delete(w.pending, p)
	}
	w.mu.Unlock()
	return w.watcher.Close()
}
