package sqlite

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/thriftline/offlinekit"
)

func TestEnqueueFillsBookkeepingFields(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	queue := NewQueue(store)
	ctx := context.Background()

	op := &offlinekit.QueuedOperation{
		URL:    "https://api.example.com/orders",
		Method: "POST",
		Body:   []byte(`{"product_id":"p-1"}`),
		Type:   offlinekit.OpTypeOrder,
	}
	if err := queue.Enqueue(ctx, op); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	if op.ID == "" {
		t.Error("expected a generated id")
	}
	if op.IdempotencyKey == "" {
		t.Error("expected a generated idempotency key")
	}
	if op.Timestamp.IsZero() {
		t.Error("expected a creation timestamp")
	}
	if op.Retries != 0 {
		t.Errorf("expected zero retries, got %d", op.Retries)
	}
}

func TestListPendingIsFIFO(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	queue := NewQueue(store)
	ctx := context.Background()

	base := time.Now()
	for i, id := range []string{"q-2", "q-3", "q-1"} {
		// Enqueue out of id order; timestamps decide.
		offset := map[string]time.Duration{"q-1": 0, "q-2": time.Second, "q-3": 2 * time.Second}[id]
		op := &offlinekit.QueuedOperation{
			ID:        id,
			URL:       "https://api.example.com/cart",
			Method:    "POST",
			Type:      offlinekit.OpTypeCart,
			Timestamp: base.Add(offset),
		}
		if err := queue.Enqueue(ctx, op); err != nil {
			t.Fatalf("enqueue %d failed: %v", i, err)
		}
	}

	pending, err := queue.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	want := []string{"q-1", "q-2", "q-3"}
	if len(pending) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(pending))
	}
	for i, id := range want {
		if pending[i].ID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, pending[i].ID)
		}
	}
}

func TestQueueSurvivesReopen(t *testing.T) {
	dir, err := os.MkdirTemp("", "offlinekit_queue_*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "store.db")
	ctx := context.Background()

	store, err := NewWithDataSource(path)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	queue := NewQueue(store)

	op := &offlinekit.QueuedOperation{
		URL:     "https://api.example.com/orders",
		Method:  "POST",
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    []byte(`{"product_id":"p-9"}`),
		Type:    offlinekit.OpTypeOrder,
	}
	if err := queue.Enqueue(ctx, op); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	store.Close()

	reopened, err := NewWithDataSource(path)
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	defer reopened.Close()

	pending, err := NewQueue(reopened).ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending after reopen failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 entry after reopen, got %d", len(pending))
	}
	got := pending[0]
	if got.ID != op.ID || got.URL != op.URL || got.Method != op.Method {
		t.Errorf("entry fields not preserved: %+v", got)
	}
	if got.Headers["Content-Type"] != "application/json" {
		t.Errorf("headers not preserved: %v", got.Headers)
	}
	if string(got.Body) != string(op.Body) {
		t.Errorf("body not preserved: %s", got.Body)
	}
	if got.IdempotencyKey != op.IdempotencyKey {
		t.Errorf("idempotency key not preserved")
	}
}

func TestBumpRetry(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	queue := NewQueue(store)
	ctx := context.Background()

	op := &offlinekit.QueuedOperation{URL: "https://api.example.com/x", Method: "PUT"}
	if err := queue.Enqueue(ctx, op); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	for want := 1; want <= 3; want++ {
		got, err := queue.BumpRetry(ctx, op.ID)
		if err != nil {
			t.Fatalf("BumpRetry failed: %v", err)
		}
		if got != want {
			t.Errorf("expected retries=%d, got %d", want, got)
		}
	}

	pending, err := queue.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	if pending[0].Retries != 3 {
		t.Errorf("expected persisted retries=3, got %d", pending[0].Retries)
	}
	if pending[0].LastAttempt.IsZero() {
		t.Error("expected LastAttempt to be recorded")
	}
}

func TestBumpRetryMissingEntry(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	if _, err := NewQueue(store).BumpRetry(context.Background(), "no-such-id"); err == nil {
		t.Error("expected error bumping a missing entry")
	}
}

func TestRemove(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	queue := NewQueue(store)
	ctx := context.Background()

	op := &offlinekit.QueuedOperation{URL: "https://api.example.com/x", Method: "DELETE"}
	if err := queue.Enqueue(ctx, op); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if err := queue.Remove(ctx, op.ID); err != nil {
		t.Fatalf("remove failed: %v", err)
	}

	depth, err := queue.Depth(ctx)
	if err != nil {
		t.Fatalf("Depth failed: %v", err)
	}
	if depth != 0 {
		t.Errorf("expected empty queue, got depth %d", depth)
	}
}

func TestPutAndEnqueueIsAtomic(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	queue := NewQueue(store)
	ctx := context.Background()

	rec := offlinekit.Record{
		ID:   "o-local-1",
		Data: json.RawMessage(`{"status":"draft"}`),
	}
	op := &offlinekit.QueuedOperation{
		URL:    "https://api.example.com/orders",
		Method: "POST",
		Type:   offlinekit.OpTypeOrder,
	}

	if err := queue.PutAndEnqueue(ctx, offlinekit.CollectionOrders, rec, op); err != nil {
		t.Fatalf("PutAndEnqueue failed: %v", err)
	}

	got, err := store.Get(ctx, offlinekit.CollectionOrders, "o-local-1")
	if err != nil || got == nil {
		t.Fatalf("expected order record, got %v, err %v", got, err)
	}
	depth, _ := queue.Depth(ctx)
	if depth != 1 {
		t.Fatalf("expected 1 queued entry, got %d", depth)
	}
}

func TestPutAndEnqueueRollsBackTogether(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	queue := NewQueue(store)
	ctx := context.Background()

	rec := offlinekit.Record{ID: "o-local-2", Data: json.RawMessage(`{"status":"draft"}`)}
	// Invalid operation: neither the record nor the entry may be written.
	op := &offlinekit.QueuedOperation{Method: "POST"}

	if err := queue.PutAndEnqueue(ctx, offlinekit.CollectionOrders, rec, op); err == nil {
		t.Fatal("expected validation error")
	}

	got, err := store.Get(ctx, offlinekit.CollectionOrders, "o-local-2")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != nil {
		t.Error("record written despite failed enqueue: atomicity violated")
	}
	depth, _ := queue.Depth(ctx)
	if depth != 0 {
		t.Errorf("expected empty queue, got depth %d", depth)
	}
}
