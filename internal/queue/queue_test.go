package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// setupTestQueue creates a queue on a temporary database.
func setupTestQueue(t *testing.T) *Queue {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "queue.db")
	conn, err := sql.Open("sqlite3", "file:"+dbPath)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		t.Fatalf("failed to enable WAL: %v", err)
	}

	q, err := New(conn, Options{})
	if err != nil {
		t.Fatalf("failed to create queue: %v", err)
	}

	return q
}

func enqueue(t *testing.T, q *Queue, collection, recordID string, op Op, priority int) int64 {
	t.Helper()

	id, err := q.Enqueue(context.Background(), collection, recordID, op,
		json.RawMessage(`{"v":1}`), EnqueueOptions{Priority: priority})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	return id
}

func TestEnqueueAssignsPendingStatus(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	id := enqueue(t, q, "patients", "42", OpUpdate, 0)

	item, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if item.Status != StatusPending {
		t.Errorf("expected pending, got %s", item.Status)
	}
	if item.RetryCount != 0 {
		t.Errorf("expected retry count 0, got %d", item.RetryCount)
	}
	if item.MaxRetries != 3 {
		t.Errorf("expected default max retries 3, got %d", item.MaxRetries)
	}
	if item.EnqueuedAt.IsZero() {
		t.Error("EnqueuedAt not set")
	}
}

func TestEnqueueRejectsBadInput(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "", "42", OpUpdate, nil, EnqueueOptions{}); err == nil {
		t.Error("expected empty collection to be rejected")
	}
	if _, err := q.Enqueue(ctx, "patients", "42", Op("upsert"), nil, EnqueueOptions{}); err == nil {
		t.Error("expected unknown op to be rejected")
	}
}

func TestPendingFIFOWithinPriority(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	first := enqueue(t, q, "notes", "a", OpCreate, 0)
	second := enqueue(t, q, "notes", "b", OpCreate, 0)
	urgent := enqueue(t, q, "notes", "c", OpCreate, 5)
	third := enqueue(t, q, "notes", "d", OpCreate, 0)

	items, err := q.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if len(items) != 4 {
		t.Fatalf("expected 4 pending items, got %d", len(items))
	}

	want := []int64{urgent, first, second, third}
	for i, item := range items {
		if item.ID != want[i] {
			t.Errorf("position %d: got item %d, want %d", i, item.ID, want[i])
		}
	}
}

func TestPendingExcludesInProgress(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	a := enqueue(t, q, "notes", "a", OpCreate, 0)
	enqueue(t, q, "notes", "b", OpCreate, 0)

	if err := q.UpdateStatus(ctx, a, StatusInProgress, UpdateOpts{}); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}

	items, err := q.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 pending item, got %d", len(items))
	}
	if items[0].RecordID != "b" {
		t.Errorf("expected item b, got %s", items[0].RecordID)
	}
}

func TestStatusTransitionGraph(t *testing.T) {
	tests := []struct {
		name    string
		path    []Status
		wantErr bool
	}{
		{"happy completion", []Status{StatusInProgress, StatusCompleted}, false},
		{"failure", []Status{StatusInProgress, StatusFailed}, false},
		{"conflict", []Status{StatusInProgress, StatusConflict}, false},
		{"requeue from in_progress", []Status{StatusInProgress, StatusPending}, false},
		{"failed retried", []Status{StatusInProgress, StatusFailed, StatusPending}, false},
		{"conflict resolved", []Status{StatusInProgress, StatusConflict, StatusPending}, false},
		{"skip in_progress", []Status{StatusCompleted}, true},
		{"pending to failed", []Status{StatusFailed}, true},
		{"pending to conflict", []Status{StatusConflict}, true},
		{"completed is terminal", []Status{StatusInProgress, StatusCompleted, StatusPending}, true},
		{"failed to completed", []Status{StatusInProgress, StatusFailed, StatusCompleted}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := setupTestQueue(t)
			ctx := context.Background()
			id := enqueue(t, q, "notes", "x", OpUpdate, 0)

			var err error
			for _, to := range tt.path {
				err = q.UpdateStatus(ctx, id, to, UpdateOpts{})
				if err != nil {
					break
				}
			}

			if tt.wantErr {
				if !errors.Is(err, ErrInvalidTransition) {
					t.Errorf("expected ErrInvalidTransition, got %v", err)
				}
			} else if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestUpdateStatusRecordsErrorAndConflict(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	failID := enqueue(t, q, "notes", "f", OpUpdate, 0)
	if err := q.UpdateStatus(ctx, failID, StatusInProgress, UpdateOpts{}); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	if err := q.UpdateStatus(ctx, failID, StatusFailed, UpdateOpts{Error: "connection refused", IncrementRetry: true}); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}

	item, err := q.Get(ctx, failID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if item.LastError != "connection refused" {
		t.Errorf("unexpected last error: %q", item.LastError)
	}
	if item.RetryCount != 1 {
		t.Errorf("expected retry count 1, got %d", item.RetryCount)
	}

	conflictID := enqueue(t, q, "notes", "c", OpUpdate, 0)
	serverState := json.RawMessage(`{"name":"Jane","version":3}`)
	if err := q.UpdateStatus(ctx, conflictID, StatusInProgress, UpdateOpts{}); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	if err := q.UpdateStatus(ctx, conflictID, StatusConflict, UpdateOpts{ConflictPayload: serverState}); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}

	item, err = q.Get(ctx, conflictID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(item.ConflictPayload) != string(serverState) {
		t.Errorf("unexpected conflict payload: %s", item.ConflictPayload)
	}

	// Returning to pending clears the conflict payload.
	if err := q.UpdateStatus(ctx, conflictID, StatusPending, UpdateOpts{ResetRetry: true}); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	item, _ = q.Get(ctx, conflictID)
	if len(item.ConflictPayload) != 0 {
		t.Errorf("expected conflict payload cleared, got %s", item.ConflictPayload)
	}
}

func TestReplacePayloadOnlyInConflict(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	id := enqueue(t, q, "notes", "x", OpUpdate, 0)

	err := q.ReplacePayload(ctx, id, json.RawMessage(`{"v":2}`), false)
	if !errors.Is(err, ErrNotConflict) {
		t.Errorf("expected ErrNotConflict for pending item, got %v", err)
	}

	if err := q.UpdateStatus(ctx, id, StatusInProgress, UpdateOpts{}); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	if err := q.UpdateStatus(ctx, id, StatusConflict, UpdateOpts{ConflictPayload: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}

	if err := q.ReplacePayload(ctx, id, json.RawMessage(`{"v":2}`), false); err != nil {
		t.Fatalf("ReplacePayload failed: %v", err)
	}

	item, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(item.Payload) != `{"v":2}` {
		t.Errorf("unexpected payload: %s", item.Payload)
	}

	if err := q.ReplacePayload(ctx, 9999, json.RawMessage(`{}`), false); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing item, got %v", err)
	}
}

func TestResetFailed(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	id := enqueue(t, q, "notes", "x", OpUpdate, 0)
	if err := q.UpdateStatus(ctx, id, StatusInProgress, UpdateOpts{}); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	if err := q.UpdateStatus(ctx, id, StatusFailed, UpdateOpts{Error: "boom", IncrementRetry: true}); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}

	n, err := q.ResetFailed(ctx, 3)
	if err != nil {
		t.Fatalf("ResetFailed failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 item reset, got %d", n)
	}

	item, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if item.Status != StatusPending {
		t.Errorf("expected pending, got %s", item.Status)
	}
	if item.RetryCount != 0 {
		t.Errorf("expected retry count reset to 0, got %d", item.RetryCount)
	}
	if item.MaxRetries != 6 {
		t.Errorf("expected max retries grown to 6, got %d", item.MaxRetries)
	}
	if item.LastError != "" {
		t.Errorf("expected last error cleared, got %q", item.LastError)
	}
}

func TestStats(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	a := enqueue(t, q, "notes", "a", OpCreate, 0)
	b := enqueue(t, q, "notes", "b", OpCreate, 0)
	enqueue(t, q, "notes", "c", OpCreate, 0)

	if err := q.UpdateStatus(ctx, a, StatusInProgress, UpdateOpts{}); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	if err := q.UpdateStatus(ctx, a, StatusCompleted, UpdateOpts{}); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	if err := q.UpdateStatus(ctx, b, StatusInProgress, UpdateOpts{}); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Total != 3 || stats.Completed != 1 || stats.InProgress != 1 || stats.Pending != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestPurgeCompleted(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	id := enqueue(t, q, "notes", "old", OpCreate, 0)
	if err := q.UpdateStatus(ctx, id, StatusInProgress, UpdateOpts{}); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	if err := q.UpdateStatus(ctx, id, StatusCompleted, UpdateOpts{}); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}

	// Backdate the completion past the retention window.
	old := time.Now().Add(-8 * 24 * time.Hour).UTC().Format(time.RFC3339Nano)
	if _, err := q.conn.Exec(
		`UPDATE sync_queue SET completed_at = ? WHERE id = ?`, old, id); err != nil {
		t.Fatalf("failed to backdate item: %v", err)
	}

	fresh := enqueue(t, q, "notes", "fresh", OpCreate, 0)
	if err := q.UpdateStatus(ctx, fresh, StatusInProgress, UpdateOpts{}); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	if err := q.UpdateStatus(ctx, fresh, StatusCompleted, UpdateOpts{}); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}

	n, err := q.PurgeCompleted(ctx, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("PurgeCompleted failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 purged item, got %d", n)
	}

	if _, err := q.Get(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected old item purged, got %v", err)
	}
	if _, err := q.Get(ctx, fresh); err != nil {
		t.Errorf("fresh item should survive purge: %v", err)
	}
}

func TestRemoveAndClear(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	id := enqueue(t, q, "notes", "a", OpCreate, 0)
	enqueue(t, q, "notes", "b", OpCreate, 0)

	if err := q.Remove(ctx, id); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := q.Get(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected removed item to be gone, got %v", err)
	}

	if err := q.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Total != 0 {
		t.Errorf("expected empty queue, got %d items", stats.Total)
	}
}
