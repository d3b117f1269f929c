// Package offlinekit provides an offline-first synchronization layer for
// storefront clients: a durable local store for cached read-models, a
// durable queue of pending mutating requests, a connectivity monitor, and
// a synchronizer that replays the queue against the network with bounded
// retry and at-least-once delivery semantics.
package offlinekit

import (
	"context"
	"encoding/json"
	"time"
)

// Well-known collections in the durable store.
const (
	CollectionProducts    = "products"
	CollectionOrders      = "orders"
	CollectionPreferences = "preferences"
)

// Record is a denormalized snapshot of server state (or a locally-authored
// draft) keyed by a stable string id. Records have no lifecycle beyond
// being overwritten on every successful fetch or sync: last write wins.
type Record struct {
	ID        string          `json:"id"`
	Data      json.RawMessage `json:"data"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// DurableStore persists cached entities and locally-authored records
// across process restarts. Implementations can use any embedded storage
// backend; the kit ships a SQLite store in storage/sqlite.
type DurableStore interface {
	// Put upserts a record by primary key. Idempotent, last-write-wins,
	// no error on overwrite.
	Put(ctx context.Context, collection string, rec Record) error

	// Get returns the record with the given id, or nil when absent.
	Get(ctx context.Context, collection, id string) (*Record, error)

	// GetAll returns every record in the collection.
	GetAll(ctx context.Context, collection string) ([]Record, error)

	// QueryByIndex returns records matching a secondary-index value.
	// The result is a consistent snapshot of the collection as of call
	// time.
	QueryByIndex(ctx context.Context, collection, index, value string) ([]Record, error)

	// Delete removes a record. Deleting an absent record is not an error.
	Delete(ctx context.Context, collection, id string) error

	// Close closes the store and releases resources.
	Close() error
}

// OpType is a coarse classification of a queued operation, used for
// prioritization and observability only. It does not affect ordering.
type OpType string

const (
	OpTypeCart    OpType = "cart"
	OpTypeOrder   OpType = "order"
	OpTypeProduct OpType = "product"
	OpTypeUser    OpType = "user"
	OpTypeOther   OpType = "other"
)

// QueuedOperation represents one pending mutating network call, stored
// durably until it is replayed successfully or dropped at the retry
// ceiling. URL, Method, Headers and Body are replayed verbatim.
type QueuedOperation struct {
	// ID is a locally-generated unique identifier used only for local
	// bookkeeping. It is never sent to the server.
	ID string `json:"id"`

	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    []byte            `json:"body,omitempty"`

	Type OpType `json:"type"`

	// Timestamp is the creation time, used for FIFO ordering.
	Timestamp time.Time `json:"timestamp"`

	// Retries counts failed replay attempts.
	Retries int `json:"retries"`

	// IdempotencyKey is generated at enqueue time and sent with every
	// replay so the backend can deduplicate a request whose first
	// attempt succeeded server-side without the client seeing it.
	IdempotencyKey string `json:"idempotency_key"`

	// LastAttempt is the time of the most recent failed replay, zero
	// before the first attempt. Used for per-entry backoff.
	LastAttempt time.Time `json:"last_attempt,omitempty"`
}

// SyncQueue is a durable, ordered, at-least-once holding area for
// operations that must eventually reach the server.
type SyncQueue interface {
	// Enqueue appends an operation. A missing ID, IdempotencyKey or
	// Timestamp is filled in; Retries starts at zero.
	Enqueue(ctx context.Context, op *QueuedOperation) error

	// PutAndEnqueue writes a local record and enqueues its sync request
	// in a single atomic step, so both exist or neither does.
	PutAndEnqueue(ctx context.Context, collection string, rec Record, op *QueuedOperation) error

	// ListPending returns all queued operations ordered by Timestamp
	// ascending (FIFO).
	ListPending(ctx context.Context) ([]QueuedOperation, error)

	// Remove deletes a single entry, called after a successful replay
	// or when the entry is dropped.
	Remove(ctx context.Context, id string) error

	// BumpRetry increments the retry counter and records the attempt
	// time, returning the new count.
	BumpRetry(ctx context.Context, id string) (int, error)

	// Depth returns the number of pending entries.
	Depth(ctx context.Context) (int, error)
}

// Notification is a user-visible message: a sync summary, a permanent
// replay failure, or a push payload forwarded from the backend.
type Notification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url,omitempty"`
}

// Notifier displays notifications to the user. Delivery must never block
// or fail the sync path; implementations swallow their own errors.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NoOpNotifier discards all notifications.
type NoOpNotifier struct{}

func (NoOpNotifier) Notify(ctx context.Context, n Notification) error { return nil }
