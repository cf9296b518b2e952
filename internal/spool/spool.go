package spool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/MP2EZ/being-sync/internal/engine"
	"github.com/MP2EZ/being-sync/internal/seal"
	"github.com/MP2EZ/being-sync/internal/tier"
)

// Enqueuer accepts converted operations. Satisfied by *engine.Engine.
type Enqueuer interface {
	Enqueue(op *engine.Operation) error
}

// BillingSink receives subscription transitions. Satisfied by
// *tier.Governor.
type BillingSink interface {
	HandleBillingEvent(state tier.BillingState, now time.Time) error
}

// UsageSink receives the distinct device count observed in captures.
// Satisfied by *tier.Meter.
type UsageSink interface {
	TrackDevice(count int)
}

// Config holds configuration for the spool watcher.
type Config struct {
	// Dir is the spool directory the device app writes capture files into.
	Dir string

	// Engine receives converted operations.
	Engine Enqueuer

	// Governor receives billing transitions.
	Governor BillingSink

	// Sealer encrypts capture bodies before they enter the sync core.
	Sealer seal.Sealer

	// Usage receives the distinct device count as captures arrive.
	// Optional.
	Usage UsageSink

	// DebounceInterval is how long a file must sit unchanged before it is
	// parsed. Batches rapid writes together (default: 100ms).
	DebounceInterval time.Duration

	// Logger for spool activity.
	Logger *log.Logger
}

// Watcher watches the spool directory and feeds captures into the sync
// core.
type Watcher struct {
	dir      string
	archive  string
	rejected string
	eng      Enqueuer
	gov      BillingSink
	usage    UsageSink
	sealer   seal.Sealer
	debounce time.Duration
	logger   *log.Logger

	fsw *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]time.Time // filepath -> last event
	devices map[string]struct{}  // device ids seen in captures

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a spool watcher. Start begins ingestion.
func New(cfg Config) (*Watcher, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("spool: directory is required")
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("spool: engine is required")
	}
	if cfg.Governor == nil {
		return nil, fmt.Errorf("spool: governor is required")
	}
	if cfg.Sealer == nil {
		return nil, fmt.Errorf("spool: sealer is required")
	}
	if cfg.DebounceInterval <= 0 {
		cfg.DebounceInterval = 100 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[spool] ", log.LstdFlags)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		dir:      cfg.Dir,
		archive:  filepath.Join(cfg.Dir, "archive"),
		rejected: filepath.Join(cfg.Dir, "rejected"),
		eng:      cfg.Engine,
		gov:      cfg.Governor,
		usage:    cfg.Usage,
		sealer:   cfg.Sealer,
		debounce: cfg.DebounceInterval,
		logger:   cfg.Logger,
		fsw:      fsw,
		pending:  make(map[string]time.Time),
		devices:  make(map[string]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start ingests any capture files already sitting in the spool, then
// begins watching for new ones.
func (w *Watcher) Start() error {
	for _, dir := range []string{w.archive, w.rejected} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	if err := w.ingestExisting(); err != nil {
		return err
	}

	if err := w.fsw.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch spool directory %s: %w", w.dir, err)
	}

	w.wg.Add(2)
	go w.watchEvents()
	go w.drainPending()

	w.logger.Printf("Watching spool: %s", w.dir)
	return nil
}

// Stop shuts the watcher down. Pending files remain in the spool and are
// picked up on the next Start.
func (w *Watcher) Stop() error {
	w.cancel()
	if err := w.fsw.Close(); err != nil {
		w.logger.Printf("Error closing watcher: %v", err)
	}
	w.wg.Wait()
	return nil
}

// ingestExisting processes capture files left over from a previous run.
func (w *Watcher) ingestExisting() error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("failed to read spool directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		w.process(filepath.Join(w.dir, e.Name()))
	}
	return nil
}

// watchEvents queues file events for debounced processing.
func (w *Watcher) watchEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if filepath.Ext(event.Name) != ".json" {
				continue
			}
			w.mu.Lock()
			w.pending[event.Name] = time.Now()
			w.mu.Unlock()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Printf("Watcher error: %v", err)
		}
	}
}

// drainPending processes queued files once they have settled.
func (w *Watcher) drainPending() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.processSettled()
		}
	}
}

func (w *Watcher) processSettled() {
	now := time.Now()

	w.mu.Lock()
	var ready []string
	for path, queuedAt := range w.pending {
		if now.Sub(queuedAt) < w.debounce {
			continue
		}
		ready = append(ready, path)
		delete(w.pending, path)
	}
	w.mu.Unlock()

	for _, path := range ready {
		w.process(path)
	}
}

// process ingests one capture file and moves it out of the spool.
func (w *Watcher) process(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		w.logger.Printf("Error reading %s: %v", path, err)
		return
	}

	var c Capture
	if err := json.Unmarshal(data, &c); err != nil {
		w.reject(path, fmt.Errorf("malformed capture: %w", err))
		return
	}
	if err := c.Validate(); err != nil {
		w.reject(path, err)
		return
	}

	if err := w.ingest(c); err != nil {
		w.reject(path, err)
		return
	}

	if err := w.move(path, w.archive); err != nil {
		w.logger.Printf("Error archiving %s: %v", path, err)
	}
}

// ingest routes one capture: billing transitions to the governor, data
// captures to the engine.
func (w *Watcher) ingest(c Capture) error {
	w.trackDevice(c.DeviceID)

	if state, ok := c.billingState(); ok {
		when := c.CapturedAt
		if when.IsZero() {
			when = time.Now()
		}
		if err := w.gov.HandleBillingEvent(state, when); err != nil {
			return fmt.Errorf("billing transition %s: %w", state, err)
		}
		w.logger.Printf("Routed billing transition: %s", state)
		if len(c.Body) == 0 {
			return nil
		}
	}

	op, err := c.toOperation(w.sealer)
	if err != nil {
		return err
	}

	switch err := w.eng.Enqueue(op); {
	case err == nil:
		w.logger.Printf("Enqueued capture %s (%s, %s)", c.ID, op.Domain, op.Priority)
		return nil
	case errors.Is(err, engine.ErrDuplicate):
		// Already in flight from a previous pass over the same file.
		return nil
	default:
		return fmt.Errorf("failed to enqueue capture %s: %w", c.ID, err)
	}
}

// trackDevice reports the distinct device count to the usage meter so the
// governor's device limit has real input.
func (w *Watcher) trackDevice(deviceID string) {
	if w.usage == nil || deviceID == "" {
		return
	}
	w.mu.Lock()
	w.devices[deviceID] = struct{}{}
	count := len(w.devices)
	w.mu.Unlock()
	w.usage.TrackDevice(count)
}

// reject moves an unprocessable file aside and logs why.
func (w *Watcher) reject(path string, cause error) {
	w.logger.Printf("Rejecting %s: %v", path, cause)
	if err := w.move(path, w.rejected); err != nil {
		w.logger.Printf("Error moving %s aside: %v", path, err)
	}
}

func (w *Watcher) move(path, dir string) error {
	return os.Rename(path, filepath.Join(dir, filepath.Base(path)))
}
