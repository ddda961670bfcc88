// Package queue provides the durable mutation queue for satchel.
//
// Every local write that has not been confirmed by the remote service is
// recorded as a queue item in the sync_queue table, which lives in the same
// SQLite database as the record store so both survive process restarts
// together. Items carry a lifecycle status:
//
//	pending -> in_progress -> {completed | failed | conflict}
//
// Failed items return to pending on manual retry; conflict items return to
// pending once resolved. UpdateStatus is the only sanctioned status mutator
// and rejects any transition not on this graph.
//
// Snapshots of payloads destined for sensitive collections are stored
// sealed, so the queue never holds plaintext copies of data the record
// store keeps encrypted.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"
)

// Op is a mutation operation.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Status is a queue item lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusConflict   Status = "conflict"
)

// Sentinel errors returned by queue operations.
var (
	// ErrNotFound indicates the queue item does not exist.
	ErrNotFound = errors.New("queue item not found")

	// ErrInvalidTransition indicates a status change not permitted by the
	// lifecycle graph.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrNotConflict indicates a conflict-only operation was attempted on
	// an item that is not in the conflict state.
	ErrNotConflict = errors.New("item is not in conflict state")
)

// allowedTransitions is the item lifecycle graph. No item skips in_progress
// on its way to a terminal state.
var allowedTransitions = map[Status][]Status{
	StatusPending:    {StatusInProgress},
	StatusInProgress: {StatusCompleted, StatusFailed, StatusConflict, StatusPending},
	StatusFailed:     {StatusPending},
	StatusConflict:   {StatusPending},
	StatusCompleted:  {},
}

func transitionAllowed(from, to Status) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Item is a single pending local write.
type Item struct {
	ID              int64           `json:"id"`
	Collection      string          `json:"collection"`
	RecordID        string          `json:"record_id"`
	Op              Op              `json:"op"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Sealed          bool            `json:"sealed,omitempty"`
	Status          Status          `json:"status"`
	Priority        int             `json:"priority"`
	RetryCount      int             `json:"retry_count"`
	MaxRetries      int             `json:"max_retries"`
	LastError       string          `json:"last_error,omitempty"`
	ConflictPayload json.RawMessage `json:"conflict_payload,omitempty"`
	EnqueuedAt      time.Time       `json:"enqueued_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// Stats summarizes queue contents by status.
type Stats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Conflict   int `json:"conflict"`
}

// Options configures a Queue.
type Options struct {
	// DefaultMaxRetries is applied to items enqueued without an explicit
	// retry budget. Defaults to 3.
	DefaultMaxRetries int

	// Logger for queue activity. Defaults to a stderr logger.
	Logger *log.Logger
}

// Queue is the durable, ordered log of pending local writes.
type Queue struct {
	conn              *sql.DB
	defaultMaxRetries int
	logger            *log.Logger
}

// New creates a queue on an existing database handle (normally the record
// store's handle, so queue and store share one file and one WAL).
func New(conn *sql.DB, opts Options) (*Queue, error) {
	if conn == nil {
		return nil, errors.New("conn cannot be nil")
	}

	maxRetries := opts.DefaultMaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}

	q := &Queue{
		conn:              conn,
		defaultMaxRetries: maxRetries,
		logger:            logger,
	}

	if err := q.initSchema(context.Background()); err != nil {
		return nil, err
	}

	return q, nil
}

// initSchema creates the sync_queue table and its indexes. Idempotent.
func (q *Queue) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sync_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		collection TEXT NOT NULL,
		record_id TEXT NOT NULL,
		op TEXT NOT NULL,
		payload BLOB,
		sealed INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		priority INTEGER NOT NULL DEFAULT 0,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 3,
		last_error TEXT,
		conflict_payload BLOB,
		enqueued_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_queue_status ON sync_queue(status);
	CREATE INDEX IF NOT EXISTS idx_queue_dispatch
	    ON sync_queue(status, priority DESC, enqueued_at ASC, id ASC);
	CREATE INDEX IF NOT EXISTS idx_queue_record
	    ON sync_queue(collection, record_id);
	`

	if _, err := q.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize queue schema: %w", err)
	}

	return nil
}

// EnqueueOptions configures a single Enqueue.
type EnqueueOptions struct {
	// Priority orders dispatch; higher drains first. Ties break by enqueue
	// time, then id.
	Priority int

	// MaxRetries overrides the queue default when > 0.
	MaxRetries int

	// Sealed marks the payload as already encrypted by the caller.
	Sealed bool
}

// Enqueue appends a mutation and returns the assigned item id. Items are
// always created pending.
func (q *Queue) Enqueue(ctx context.Context, collection, recordID string, op Op, payload json.RawMessage, opts EnqueueOptions) (int64, error) {
	if collection == "" || recordID == "" {
		return 0, errors.New("collection and record id cannot be empty")
	}
	switch op {
	case OpCreate, OpUpdate, OpDelete:
	default:
		return 0, fmt.Errorf("unknown operation %q", op)
	}

	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = q.defaultMaxRetries
	}

	res, err := q.conn.ExecContext(ctx, `
	INSERT INTO sync_queue
		(collection, record_id, op, payload, sealed, status, priority, retry_count, max_retries, enqueued_at)
	VALUES (?, ?, ?, ?, ?, 'pending', ?, 0, ?, ?)
	`,
		collection,
		recordID,
		string(op),
		[]byte(payload),
		boolToInt(opts.Sealed),
		opts.Priority,
		maxRetries,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue %s %s/%s: %w", op, collection, recordID, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get queue item id: %w", err)
	}

	return id, nil
}

const itemColumns = `id, collection, record_id, op, payload, sealed, status,
	priority, retry_count, max_retries, last_error, conflict_payload,
	enqueued_at, completed_at`

// Pending returns all dispatchable items, ordered by priority (descending)
// then enqueue time then id. Items currently in progress are never
// returned, which prevents duplicate dispatch within one drain pass.
func (q *Queue) Pending(ctx context.Context) ([]*Item, error) {
	rows, err := q.conn.QueryContext(ctx, `
	SELECT `+itemColumns+`
	FROM sync_queue
	WHERE status = 'pending'
	ORDER BY priority DESC, enqueued_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending items: %w", err)
	}
	defer rows.Close()

	return scanItems(rows)
}

// List returns items filtered by status, newest first. An empty status
// returns everything.
func (q *Queue) List(ctx context.Context, status Status) ([]*Item, error) {
	query := `SELECT ` + itemColumns + ` FROM sync_queue`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY enqueued_at DESC, id DESC`

	rows, err := q.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue items: %w", err)
	}
	defer rows.Close()

	return scanItems(rows)
}

// Get returns a single item by id, or ErrNotFound.
func (q *Queue) Get(ctx context.Context, id int64) (*Item, error) {
	row := q.conn.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM sync_queue WHERE id = ?`, id)

	item, err := scanItem(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

// UpdateOpts carries the optional fields of a status update.
type UpdateOpts struct {
	// Error is recorded on transitions to failed (and cleared otherwise).
	Error string

	// ConflictPayload is the server state attached on transitions to
	// conflict. Cleared on transitions out of conflict.
	ConflictPayload json.RawMessage

	// IncrementRetry bumps retry_count as part of the update.
	IncrementRetry bool

	// ResetRetry zeroes retry_count as part of the update.
	ResetRetry bool
}

// UpdateStatus transitions an item along the lifecycle graph. It is the
// only sanctioned mutator of status: transitions not on the graph return
// ErrInvalidTransition and leave the item untouched.
func (q *Queue) UpdateStatus(ctx context.Context, id int64, to Status, opts UpdateOpts) error {
	tx, err := q.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var from Status
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM sync_queue WHERE id = ?`, id).Scan(&from)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to read item %d: %w", id, err)
	}

	if !transitionAllowed(from, to) {
		return fmt.Errorf("%w: %s -> %s (item %d)", ErrInvalidTransition, from, to, id)
	}

	set := `status = ?`
	args := []any{string(to)}

	switch to {
	case StatusFailed:
		set += `, last_error = ?`
		args = append(args, opts.Error)
	case StatusConflict:
		set += `, conflict_payload = ?`
		args = append(args, []byte(opts.ConflictPayload))
	case StatusCompleted:
		set += `, completed_at = ?, last_error = NULL`
		args = append(args, time.Now().UTC().Format(time.RFC3339Nano))
	case StatusPending:
		// Returning to pending clears conflict state.
		if from == StatusConflict {
			set += `, conflict_payload = NULL`
		}
	}

	if opts.IncrementRetry {
		set += `, retry_count = retry_count + 1`
	}
	if opts.ResetRetry {
		set += `, retry_count = 0`
	}

	args = append(args, id)
	if _, err := tx.ExecContext(ctx,
		`UPDATE sync_queue SET `+set+` WHERE id = ?`, args...); err != nil {
		return fmt.Errorf("failed to update item %d: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit status update: %w", err)
	}

	return nil
}

// ReplacePayload swaps an item's payload snapshot. Only valid while the
// item is parked in conflict, as part of resolution; any other state is
// programmer misuse and is rejected without mutation.
func (q *Queue) ReplacePayload(ctx context.Context, id int64, payload json.RawMessage, sealed bool) error {
	res, err := q.conn.ExecContext(ctx, `
	UPDATE sync_queue SET payload = ?, sealed = ?
	WHERE id = ? AND status = 'conflict'
	`, []byte(payload), boolToInt(sealed), id)
	if err != nil {
		return fmt.Errorf("failed to replace payload of item %d: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check payload replacement: %w", err)
	}
	if n == 0 {
		if _, gerr := q.Get(ctx, id); errors.Is(gerr, ErrNotFound) {
			return fmt.Errorf("%w: id %d", ErrNotFound, id)
		}
		return fmt.Errorf("%w: id %d", ErrNotConflict, id)
	}

	return nil
}

// ResetFailed returns every failed item to pending with a fresh retry
// budget: retry_count is zeroed and max_retries grows by extraRetries.
// Returns the number of items reset.
func (q *Queue) ResetFailed(ctx context.Context, extraRetries int) (int, error) {
	res, err := q.conn.ExecContext(ctx, `
	UPDATE sync_queue
	SET status = 'pending', retry_count = 0, max_retries = max_retries + ?, last_error = NULL
	WHERE status = 'failed'
	`, extraRetries)
	if err != nil {
		return 0, fmt.Errorf("failed to reset failed items: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count reset items: %w", err)
	}

	return int(n), nil
}

// Remove deletes an item outright. Idempotent.
func (q *Queue) Remove(ctx context.Context, id int64) error {
	if _, err := q.conn.ExecContext(ctx,
		`DELETE FROM sync_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to remove item %d: %w", id, err)
	}
	return nil
}

// Clear deletes every item. Destructive; used for logout/reset.
func (q *Queue) Clear(ctx context.Context) error {
	if _, err := q.conn.ExecContext(ctx, `DELETE FROM sync_queue`); err != nil {
		return fmt.Errorf("failed to clear queue: %w", err)
	}
	return nil
}

// PurgeCompleted deletes completed items older than the retention window.
// Advisory housekeeping, not part of correctness. Returns the purge count.
func (q *Queue) PurgeCompleted(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan).UTC().Format(time.RFC3339Nano)

	res, err := q.conn.ExecContext(ctx, `
	DELETE FROM sync_queue
	WHERE status = 'completed' AND completed_at IS NOT NULL AND completed_at < ?
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge completed items: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count purged items: %w", err)
	}

	return int(n), nil
}

// Stats returns item counts by status.
func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	rows, err := q.conn.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM sync_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue stats: %w", err)
	}
	defer rows.Close()

	stats := &Stats{}
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan stats row: %w", err)
		}

		stats.Total += count
		switch status {
		case StatusPending:
			stats.Pending = count
		case StatusInProgress:
			stats.InProgress = count
		case StatusCompleted:
			stats.Completed = count
		case StatusFailed:
			stats.Failed = count
		case StatusConflict:
			stats.Conflict = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stats: %w", err)
	}

	return stats, nil
}

// scanItems scans multiple items from query results.
func scanItems(rows *sql.Rows) ([]*Item, error) {
	var items []*Item
	for rows.Next() {
		item, err := scanItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating items: %w", err)
	}
	return items, nil
}

// scanItem scans a single item row.
func scanItem(scan func(dest ...any) error) (*Item, error) {
	var item Item
	var op, status string
	var payload, conflictPayload []byte
	var sealed int
	var lastError sql.NullString
	var enqueuedAt string
	var completedAt sql.NullString

	err := scan(
		&item.ID,
		&item.Collection,
		&item.RecordID,
		&op,
		&payload,
		&sealed,
		&status,
		&item.Priority,
		&item.RetryCount,
		&item.MaxRetries,
		&lastError,
		&conflictPayload,
		&enqueuedAt,
		&completedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan queue item: %w", err)
	}

	item.Op = Op(op)
	item.Status = Status(status)
	item.Payload = payload
	item.ConflictPayload = conflictPayload
	item.Sealed = sealed != 0
	item.LastError = lastError.String
	if t, perr := time.Parse(time.RFC3339Nano, enqueuedAt); perr == nil {
		item.EnqueuedAt = t
	}
	if completedAt.Valid {
		if t, perr := time.Parse(time.RFC3339Nano, completedAt.String); perr == nil {
			item.CompletedAt = &t
		}
	}

	return &item, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
