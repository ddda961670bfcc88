// Package engine coordinates synchronization between the local record
// store, the durable mutation queue, and the remote service.
//
// Local writes go through Enqueue, which applies them to the store
// immediately (offline-first: reads never wait on the network) and appends
// a queue item. Drain passes run via Sync: at most one pass at a time,
// items dispatched strictly in queue order. A pass is triggered by the
// periodic ticker (Start), by connectivity restoration (SetOnline), or
// explicitly. Failures are retried across passes up to each item's retry
// budget; version conflicts park the item until ResolveConflict.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/satchel-sync/satchel/internal/queue"
	"github.com/satchel-sync/satchel/internal/remote"
	"github.com/satchel-sync/satchel/internal/resolve"
	"github.com/satchel-sync/satchel/internal/store"
)

// Sentinel errors returned by engine operations.
var (
	// ErrOffline indicates a drain was requested while the engine is
	// marked offline.
	ErrOffline = errors.New("engine is offline")

	// ErrSyncInProgress indicates a drain pass is already running.
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrNoSealer indicates a sensitive collection was written on an
	// engine whose store has no encryption configured.
	ErrNoSealer = errors.New("no sealer configured for sensitive collection")
)

// metadata key for the last successful drain pass timestamp.
const lastSyncKey = "last_sync_at"

// Result summarizes one drain pass.
type Result struct {
	Synced    int `json:"synced"`
	Failed    int `json:"failed"`
	Conflicts int `json:"conflicts"`
	Requeued  int `json:"requeued"`
	Purged    int `json:"purged"`
}

// Options configures an Engine.
type Options struct {
	// SyncInterval is the period of the background drain ticker started
	// by Start. Defaults to 30s.
	SyncInterval time.Duration

	// Retention is how long completed queue items are kept before the
	// post-pass purge removes them. Defaults to 7 days.
	Retention time.Duration

	// RetryGrace is how many extra retries RetryFailed grants each failed
	// item on top of its original budget. Defaults to 3.
	RetryGrace int

	// SensitiveCollections lists collections whose payloads are encrypted
	// in the store and sealed in queue snapshots.
	SensitiveCollections []string

	// Logger for engine activity. Defaults to a stderr logger.
	Logger *log.Logger
}

// Engine is the sync coordinator.
type Engine struct {
	store     *store.Store
	queue     *queue.Queue
	remote    remote.Client
	logger    *log.Logger
	interval  time.Duration
	retention time.Duration
	grace     int
	sensitive map[string]bool

	online atomic.Bool

	// drainMu serializes drain passes. Sync uses TryLock so a second
	// caller is refused instead of queued behind the running pass.
	drainMu sync.Mutex

	events *broadcaster

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an engine over an opened store, its queue, and a remote
// client. The engine starts online; callers tracking real connectivity
// flip it with SetOnline.
func New(st *store.Store, q *queue.Queue, rc remote.Client, opts Options) (*Engine, error) {
	if st == nil || q == nil || rc == nil {
		return nil, errors.New("store, queue, and remote client are all required")
	}

	interval := opts.SyncInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	retention := opts.Retention
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	grace := opts.RetryGrace
	if grace <= 0 {
		grace = 3
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}

	sensitive := make(map[string]bool, len(opts.SensitiveCollections))
	for _, c := range opts.SensitiveCollections {
		sensitive[c] = true
	}

	e := &Engine{
		store:     st,
		queue:     q,
		remote:    rc,
		logger:    logger,
		interval:  interval,
		retention: retention,
		grace:     grace,
		sensitive: sensitive,
		events:    newBroadcaster(),
	}
	e.online.Store(true)

	return e, nil
}

// Subscribe registers a listener for sync events. The cancel func must be
// called to release the subscription.
func (e *Engine) Subscribe() (<-chan Event, func()) {
	return e.events.subscribe()
}

// Online reports the current connectivity flag.
func (e *Engine) Online() bool {
	return e.online.Load()
}

// SetOnline records a connectivity change. An offline-to-online edge with
// pending work triggers a background drain pass.
func (e *Engine) SetOnline(online bool) {
	was := e.online.Swap(online)
	if !online || was {
		return
	}

	e.logger.Printf("connectivity restored")
	stats, err := e.queue.Stats(context.Background())
	if err != nil {
		e.logger.Printf("failed to read queue stats: %v", err)
		return
	}
	if stats.Pending == 0 {
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if _, err := e.Sync(context.Background()); err != nil &&
			!errors.Is(err, ErrSyncInProgress) && !errors.Is(err, ErrOffline) {
			e.logger.Printf("reconnect drain failed: %v", err)
		}
	}()
}

// Start launches the periodic background drain loop. Idempotent.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}
	e.running = true

	ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(1)
	go e.loop(ctx)

	e.logger.Printf("started, sync interval %s", e.interval)
}

// Stop halts the background loop and waits for any in-flight pass.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel := e.cancel
	e.mu.Unlock()

	cancel()
	e.wg.Wait()
	e.events.closeAll()
	e.logger.Printf("stopped")
}

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.Sync(ctx); err != nil &&
				!errors.Is(err, ErrOffline) && !errors.Is(err, ErrSyncInProgress) {
				e.logger.Printf("periodic drain failed: %v", err)
			}
		}
	}
}

// EnqueueOptions configures a single local write.
type EnqueueOptions struct {
	// Priority orders dispatch; higher drains first.
	Priority int

	// MaxRetries overrides the queue's default retry budget when > 0.
	MaxRetries int

	// ExpiresAt sets a local expiry on the stored record.
	ExpiresAt *time.Time

	// Index adds queryable index entries on the stored record.
	Index map[string]string
}

// Enqueue applies a mutation locally and records it for synchronization.
// The store write happens first, so reads observe the change immediately
// even while the device is offline. Payloads for sensitive collections are
// encrypted in the store and sealed in the queue snapshot.
func (e *Engine) Enqueue(ctx context.Context, collection, recordID string, op queue.Op, payload json.RawMessage, opts EnqueueOptions) (int64, error) {
	sensitive := e.sensitive[collection]

	switch op {
	case queue.OpDelete:
		if err := e.store.DeleteContext(ctx, collection, recordID); err != nil {
			return 0, fmt.Errorf("failed to apply local delete: %w", err)
		}
	case queue.OpCreate, queue.OpUpdate:
		err := e.store.PutContext(ctx, collection, recordID, payload, store.PutOptions{
			Encrypt:   sensitive,
			ExpiresAt: opts.ExpiresAt,
			Index:     opts.Index,
		})
		if err != nil {
			return 0, fmt.Errorf("failed to apply local write: %w", err)
		}
	default:
		return 0, fmt.Errorf("unknown operation %q", op)
	}

	snapshot := payload
	if sensitive && len(payload) > 0 {
		sealed, err := e.seal(payload)
		if err != nil {
			return 0, err
		}
		snapshot = sealed
	}

	id, err := e.queue.Enqueue(ctx, collection, recordID, op, snapshot, queue.EnqueueOptions{
		Priority:   opts.Priority,
		MaxRetries: opts.MaxRetries,
		Sealed:     sensitive && len(payload) > 0,
	})
	if err != nil {
		return 0, err
	}

	e.logger.Printf("enqueued %s %s/%s as item %d", op, collection, recordID, id)
	return id, nil
}

// Sync runs one drain pass: every pending item is dispatched to the remote
// service, strictly in queue order. Refused with ErrOffline when the
// engine is offline and with ErrSyncInProgress when a pass is already
// running.
func (e *Engine) Sync(ctx context.Context) (*Result, error) {
	if !e.online.Load() {
		return nil, ErrOffline
	}
	if !e.drainMu.TryLock() {
		return nil, ErrSyncInProgress
	}
	defer e.drainMu.Unlock()

	e.events.publish(Event{Syncing: true})

	result := &Result{}
	items, err := e.queue.Pending(ctx)
	if err != nil {
		e.events.publish(Event{Err: err.Error()})
		return nil, err
	}

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			e.events.publish(e.resultEvent(result, err))
			return result, err
		}
		e.dispatch(ctx, item, result)
	}

	if purged, err := e.queue.PurgeCompleted(ctx, e.retention); err != nil {
		e.logger.Printf("failed to purge completed items: %v", err)
	} else {
		result.Purged = purged
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if err := e.store.SetMetadataContext(ctx, lastSyncKey, now); err != nil {
		e.logger.Printf("failed to record sync time: %v", err)
	}

	if len(items) > 0 {
		e.logger.Printf("drain pass: %d synced, %d requeued, %d failed, %d conflicts",
			result.Synced, result.Requeued, result.Failed, result.Conflicts)
	}
	e.events.publish(e.resultEvent(result, nil))

	return result, nil
}

func (e *Engine) resultEvent(r *Result, err error) Event {
	ev := Event{
		Synced:    r.Synced,
		Failed:    r.Failed,
		Conflicts: r.Conflicts,
		Requeued:  r.Requeued,
	}
	if err != nil {
		ev.Err = err.Error()
	}
	return ev
}

// dispatch pushes one item to the remote service and settles its status.
// Item-level errors are absorbed into the result; only the queue item
// records them.
func (e *Engine) dispatch(ctx context.Context, item *queue.Item, result *Result) {
	if err := e.queue.UpdateStatus(ctx, item.ID, queue.StatusInProgress, queue.UpdateOpts{}); err != nil {
		e.logger.Printf("failed to mark item %d in progress: %v", item.ID, err)
		return
	}

	payload := []byte(item.Payload)
	if item.Sealed && len(payload) > 0 {
		plain, err := e.unseal(payload)
		if err != nil {
			e.fail(ctx, item, result, fmt.Errorf("failed to unseal payload: %w", err))
			return
		}
		payload = plain
	}

	var serverBody []byte
	var err error
	switch item.Op {
	case queue.OpCreate:
		serverBody, err = e.remote.Create(ctx, item.Collection, payload)
	case queue.OpUpdate:
		serverBody, err = e.remote.Update(ctx, item.Collection, item.RecordID, payload)
	case queue.OpDelete:
		err = e.remote.Delete(ctx, item.Collection, item.RecordID)
	default:
		err = fmt.Errorf("unknown operation %q", item.Op)
	}

	switch {
	case err == nil:
		e.complete(ctx, item, result, serverBody)
	case remote.IsConflict(err):
		e.conflict(ctx, item, result, err)
	default:
		e.fail(ctx, item, result, err)
	}
}

// complete writes the server's representation back to the store and marks
// the item completed. The server body is authoritative: it may carry
// server-assigned fields (version, timestamps) the local copy lacks.
func (e *Engine) complete(ctx context.Context, item *queue.Item, result *Result, serverBody []byte) {
	if item.Op != queue.OpDelete && len(serverBody) > 0 && json.Valid(serverBody) {
		err := e.store.PutContext(ctx, item.Collection, item.RecordID, serverBody, store.PutOptions{
			Encrypt: e.sensitive[item.Collection],
		})
		if err != nil {
			e.logger.Printf("failed to store server state for %s/%s: %v",
				item.Collection, item.RecordID, err)
		}
	}

	if err := e.queue.UpdateStatus(ctx, item.ID, queue.StatusCompleted, queue.UpdateOpts{}); err != nil {
		e.logger.Printf("failed to mark item %d completed: %v", item.ID, err)
		return
	}
	result.Synced++
}

// conflict parks the item with the server's state attached. The local
// store is left untouched until the conflict is explicitly resolved.
func (e *Engine) conflict(ctx context.Context, item *queue.Item, result *Result, err error) {
	var ce *remote.ConflictError
	errors.As(err, &ce)

	serverState := json.RawMessage(ce.Payload)
	if item.Sealed && len(serverState) > 0 {
		sealed, serr := e.seal(serverState)
		if serr != nil {
			e.logger.Printf("failed to seal conflict payload for item %d: %v", item.ID, serr)
		} else {
			serverState = sealed
		}
	}

	uerr := e.queue.UpdateStatus(ctx, item.ID, queue.StatusConflict, queue.UpdateOpts{
		ConflictPayload: serverState,
	})
	if uerr != nil {
		e.logger.Printf("failed to mark item %d conflicted: %v", item.ID, uerr)
		return
	}

	e.logger.Printf("item %d (%s/%s) conflicted, awaiting resolution",
		item.ID, item.Collection, item.RecordID)
	result.Conflicts++
}

// fail requeues the item when retry budget remains, otherwise marks it
// failed terminally.
func (e *Engine) fail(ctx context.Context, item *queue.Item, result *Result, cause error) {
	attempts := item.RetryCount + 1
	if attempts < item.MaxRetries {
		err := e.queue.UpdateStatus(ctx, item.ID, queue.StatusPending, queue.UpdateOpts{
			IncrementRetry: true,
		})
		if err != nil {
			e.logger.Printf("failed to requeue item %d: %v", item.ID, err)
			return
		}
		result.Requeued++
		return
	}

	err := e.queue.UpdateStatus(ctx, item.ID, queue.StatusFailed, queue.UpdateOpts{
		Error:          cause.Error(),
		IncrementRetry: true,
	})
	if err != nil {
		e.logger.Printf("failed to mark item %d failed: %v", item.ID, err)
		return
	}

	e.logger.Printf("item %d (%s/%s) failed after %d attempts: %v",
		item.ID, item.Collection, item.RecordID, attempts, cause)
	result.Failed++
}

// RetryFailed returns every failed item to pending with a widened retry
// budget, then drains. Returns the number of items reset alongside the
// pass result.
func (e *Engine) RetryFailed(ctx context.Context) (int, *Result, error) {
	n, err := e.queue.ResetFailed(ctx, e.grace)
	if err != nil {
		return 0, nil, err
	}
	if n == 0 {
		return 0, &Result{}, nil
	}

	e.logger.Printf("reset %d failed items for retry", n)
	result, err := e.Sync(ctx)
	return n, result, err
}

// ResolveConflict applies a resolution strategy to a conflicted item,
// replaces its payload with the resolved state, and drains so the
// resubmission happens immediately. Items not in conflict are rejected
// with queue.ErrNotConflict.
func (e *Engine) ResolveConflict(ctx context.Context, id int64, strategy resolve.Strategy) (*Result, error) {
	item, err := e.queue.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if item.Status != queue.StatusConflict {
		return nil, fmt.Errorf("%w: id %d is %s", queue.ErrNotConflict, id, item.Status)
	}

	local := []byte(item.Payload)
	serverState := []byte(item.ConflictPayload)
	if item.Sealed {
		if local, err = e.unseal(local); err != nil {
			return nil, fmt.Errorf("failed to unseal local payload: %w", err)
		}
		if len(serverState) > 0 {
			if serverState, err = e.unseal(serverState); err != nil {
				return nil, fmt.Errorf("failed to unseal conflict payload: %w", err)
			}
		}
	}

	resolved, err := resolve.Resolve(strategy, local, serverState)
	if err != nil {
		return nil, err
	}

	snapshot := resolved
	sealed := false
	if item.Sealed {
		if snapshot, err = e.seal(resolved); err != nil {
			return nil, err
		}
		sealed = true
	}

	if err := e.queue.ReplacePayload(ctx, id, snapshot, sealed); err != nil {
		return nil, err
	}
	if err := e.queue.UpdateStatus(ctx, id, queue.StatusPending, queue.UpdateOpts{ResetRetry: true}); err != nil {
		return nil, err
	}

	// The resolved state also becomes the local truth immediately.
	err = e.store.PutContext(ctx, item.Collection, item.RecordID, resolved, store.PutOptions{
		Encrypt: e.sensitive[item.Collection],
	})
	if err != nil {
		return nil, fmt.Errorf("failed to apply resolved state locally: %w", err)
	}

	e.logger.Printf("item %d resolved with %s", id, strategy)

	result, err := e.Sync(ctx)
	if errors.Is(err, ErrSyncInProgress) || errors.Is(err, ErrOffline) {
		return &Result{}, nil
	}
	return result, err
}

// LastSyncAt returns the time of the last completed drain pass, or the
// zero time when no pass has run yet.
func (e *Engine) LastSyncAt(ctx context.Context) (time.Time, error) {
	v, err := e.store.GetMetadataContext(ctx, lastSyncKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}

	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed %s value %q: %w", lastSyncKey, v, err)
	}
	return t, nil
}

// Stats exposes queue statistics for status surfaces.
func (e *Engine) Stats(ctx context.Context) (*queue.Stats, error) {
	return e.queue.Stats(ctx)
}

func (e *Engine) seal(payload []byte) ([]byte, error) {
	sealer := e.store.Sealer()
	if sealer == nil {
		return nil, ErrNoSealer
	}
	return sealer.Seal(payload)
}

func (e *Engine) unseal(payload []byte) ([]byte, error) {
	sealer := e.store.Sealer()
	if sealer == nil {
		return nil, ErrNoSealer
	}
	return sealer.Open(payload)
}
