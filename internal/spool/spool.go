// Package spool ingests mutation files dropped into a spool directory.
//
// Other processes hand mutations to satchel by writing a JSON file into
// the spool dir. The watcher picks each file up (debounced, so editors
// that write in several passes are seen once), enqueues the mutation, and
// removes the file. Files that cannot be parsed are renamed with a .rej
// suffix and left in place for inspection.
//
// Spool file format:
//
//	{
//	  "collection": "notes",
//	  "record_id":  "n1",
//	  "op":         "create" | "update" | "delete",
//	  "payload":    { ... },
//	  "priority":   0
//	}
package spool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/satchel-sync/satchel/internal/engine"
	"github.com/satchel-sync/satchel/internal/queue"
)

// Config holds configuration for the spool watcher.
type Config struct {
	// Dir is the spool directory. Created if missing.
	Dir string

	// DebounceInterval is how long a file must sit unchanged before it is
	// ingested. Batches multi-pass writes together.
	DebounceInterval time.Duration

	// Logger for watcher activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults for the given directory.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:              dir,
		DebounceInterval: 100 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[spool] ", log.LstdFlags),
	}
}

// mutation is the on-disk spool file format.
type mutation struct {
	Collection string          `json:"collection"`
	RecordID   string          `json:"record_id"`
	Op         string          `json:"op"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Priority   int             `json:"priority,omitempty"`
}

// Watcher monitors the spool directory and feeds mutations to the engine.
type Watcher struct {
	engine  *engine.Engine
	config  Config
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// pending maps file path to the time its last event arrived.
	pendingMu sync.Mutex
	pending   map[string]time.Time
}

// New creates a watcher for the configured spool directory.
func New(e *engine.Engine, cfg Config) (*Watcher, error) {
	if e == nil {
		return nil, errors.New("engine cannot be nil")
	}
	if cfg.Dir == "" {
		return nil, errors.New("spool directory cannot be empty")
	}
	if cfg.DebounceInterval <= 0 {
		cfg.DebounceInterval = 100 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[spool] ", log.LstdFlags)
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create spool directory: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Watcher{
		engine:  e,
		config:  cfg,
		watcher: fw,
		pending: make(map[string]time.Time),
	}, nil
}

// Start ingests any files already sitting in the spool, then begins
// watching for new ones.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return errors.New("spool watcher already running")
	}

	if err := w.ingestExisting(ctx); err != nil {
		return err
	}

	if err := w.watcher.Add(w.config.Dir); err != nil {
		return fmt.Errorf("failed to watch spool directory %s: %w", w.config.Dir, err)
	}

	w.running = true
	ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(2)
	go w.watchLoop(ctx)
	go w.drainLoop(ctx)

	w.config.Logger.Printf("watching %s", w.config.Dir)
	return nil
}

// Stop halts watching. Files dropped after Stop stay in the spool until
// the next Start.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	cancel := w.cancel
	w.mu.Unlock()

	cancel()
	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	w.wg.Wait()

	return nil
}

// ingestExisting processes spool files left over from a previous run.
func (w *Watcher) ingestExisting(ctx context.Context) error {
	entries, err := os.ReadDir(w.config.Dir)
	if err != nil {
		return fmt.Errorf("failed to read spool directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		w.ingest(ctx, filepath.Join(w.config.Dir, entry.Name()))
	}

	return nil
}

func (w *Watcher) watchLoop(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}

			w.pendingMu.Lock()
			w.pending[event.Name] = time.Now()
			w.pendingMu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.config.Logger.Printf("watch error: %v", err)
		}
	}
}

// drainLoop ingests pending files once they have sat unchanged for the
// debounce interval.
func (w *Watcher) drainLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.drainPending(ctx)
		}
	}
}

func (w *Watcher) drainPending(ctx context.Context) {
	now := time.Now()

	w.pendingMu.Lock()
	var ready []string
	for path, queuedAt := range w.pending {
		if now.Sub(queuedAt) < w.config.DebounceInterval {
			continue
		}
		ready = append(ready, path)
		delete(w.pending, path)
	}
	w.pendingMu.Unlock()

	for _, path := range ready {
		w.ingest(ctx, path)
	}
}

// ingest parses one spool file, enqueues its mutation, and removes the
// file. Unparseable or invalid files are quarantined with a .rej suffix.
func (w *Watcher) ingest(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		w.config.Logger.Printf("failed to read %s: %v", path, err)
		return
	}

	var m mutation
	if err := json.Unmarshal(data, &m); err != nil {
		w.quarantine(path, fmt.Errorf("invalid JSON: %w", err))
		return
	}

	op := queue.Op(m.Op)
	switch op {
	case queue.OpCreate, queue.OpUpdate, queue.OpDelete:
	default:
		w.quarantine(path, fmt.Errorf("unknown op %q", m.Op))
		return
	}
	if m.Collection == "" || m.RecordID == "" {
		w.quarantine(path, errors.New("collection and record_id are required"))
		return
	}

	id, err := w.engine.Enqueue(ctx, m.Collection, m.RecordID, op, m.Payload, engine.EnqueueOptions{
		Priority: m.Priority,
	})
	if err != nil {
		w.quarantine(path, err)
		return
	}

	if err := os.Remove(path); err != nil {
		w.config.Logger.Printf("failed to remove %s: %v", path, err)
	}
	w.config.Logger.Printf("ingested %s as item %d", filepath.Base(path), id)
}

// quarantine renames a bad spool file so it is not retried, keeping it
// around for the operator to inspect.
func (w *Watcher) quarantine(path string, cause error) {
	w.config.Logger.Printf("rejecting %s: %v", filepath.Base(path), cause)
	if err := os.Rename(path, path+".rej"); err != nil {
		w.config.Logger.Printf("failed to quarantine %s: %v", path, err)
	}
}
