package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/thriftline/offlinekit"
	syncErrors "github.com/thriftline/offlinekit/errors"
)

// Queue implements offlinekit.SyncQueue over the store's database. Entries
// are ordered FIFO by creation timestamp (rowid breaks ties), giving
// stable replay order across process restarts.
type Queue struct {
	store *Store
}

var _ offlinekit.SyncQueue = (*Queue)(nil)

func NewQueue(store *Store) *Queue {
	return &Queue{store: store}
}

// Enqueue appends an operation. Missing bookkeeping fields are filled in:
// a fresh id and idempotency key, the creation timestamp, zero retries.
func (q *Queue) Enqueue(ctx context.Context, op *offlinekit.QueuedOperation) error {
	if err := q.store.checkOpen(); err != nil {
		return err
	}
	if err := prepareOp(op); err != nil {
		return err
	}

	headers, err := json.Marshal(op.Headers)
	if err != nil {
		return syncErrors.NewValidation(syncErrors.OpEnqueue, err)
	}

	_, err = q.store.db.ExecContext(ctx, insertQueueSQL,
		op.ID, op.URL, op.Method, string(headers), op.Body,
		string(op.Type), op.Timestamp.UnixNano(), op.Retries, op.IdempotencyKey)
	if err != nil {
		return syncErrors.NewStorageUnavailable(syncErrors.OpEnqueue, err)
	}
	return nil
}

// PutAndEnqueue writes a local record and its sync request in one SQLite
// transaction: the order and its queued replay both exist or neither
// does.
func (q *Queue) PutAndEnqueue(ctx context.Context, collection string, rec offlinekit.Record, op *offlinekit.QueuedOperation) error {
	if err := q.store.checkOpen(); err != nil {
		return err
	}
	table, err := q.store.tableFor(collection)
	if err != nil {
		return err
	}
	if rec.ID == "" {
		return syncErrors.NewValidation(syncErrors.OpEnqueue, fmt.Errorf("record id is required"))
	}
	if err := prepareOp(op); err != nil {
		return err
	}

	headers, err := json.Marshal(op.Headers)
	if err != nil {
		return syncErrors.NewValidation(syncErrors.OpEnqueue, err)
	}

	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	tx, err := q.store.db.BeginTx(ctx, nil)
	if err != nil {
		return syncErrors.NewStorageUnavailable(syncErrors.OpEnqueue, err)
	}
	defer tx.Rollback()

	putSQL := fmt.Sprintf(`INSERT INTO %s (id, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`, table)
	if _, err := tx.ExecContext(ctx, putSQL, rec.ID, string(rec.Data), updatedAt.UnixNano()); err != nil {
		return syncErrors.NewStorageUnavailable(syncErrors.OpEnqueue, err)
	}

	if _, err := tx.ExecContext(ctx, insertQueueSQL,
		op.ID, op.URL, op.Method, string(headers), op.Body,
		string(op.Type), op.Timestamp.UnixNano(), op.Retries, op.IdempotencyKey); err != nil {
		return syncErrors.NewStorageUnavailable(syncErrors.OpEnqueue, err)
	}

	if err := tx.Commit(); err != nil {
		return syncErrors.NewStorageUnavailable(syncErrors.OpEnqueue, err)
	}
	return nil
}

const insertQueueSQL = `INSERT INTO sync_queue
	(id, url, method, headers, body, op_type, timestamp, retries, idempotency_key)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

// ListPending returns all queued operations, FIFO.
func (q *Queue) ListPending(ctx context.Context) ([]offlinekit.QueuedOperation, error) {
	if err := q.store.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := q.store.db.QueryContext(ctx, `SELECT id, url, method, headers, body,
		op_type, timestamp, retries, idempotency_key, last_attempt
		FROM sync_queue ORDER BY timestamp ASC, rowid ASC`)
	if err != nil {
		return nil, syncErrors.NewStorageUnavailable(syncErrors.OpDrain, err)
	}
	defer rows.Close()

	var ops []offlinekit.QueuedOperation
	for rows.Next() {
		var op offlinekit.QueuedOperation
		var headers, opType string
		var timestamp, lastAttempt int64
		var body []byte
		if err := rows.Scan(&op.ID, &op.URL, &op.Method, &headers, &body,
			&opType, &timestamp, &op.Retries, &op.IdempotencyKey, &lastAttempt); err != nil {
			return nil, syncErrors.NewStorageUnavailable(syncErrors.OpDrain, err)
		}
		if err := json.Unmarshal([]byte(headers), &op.Headers); err != nil {
			return nil, syncErrors.NewStorageUnavailable(syncErrors.OpDrain, err)
		}
		op.Body = body
		op.Type = offlinekit.OpType(opType)
		op.Timestamp = time.Unix(0, timestamp)
		if lastAttempt > 0 {
			op.LastAttempt = time.Unix(0, lastAttempt)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, syncErrors.NewStorageUnavailable(syncErrors.OpDrain, err)
	}
	return ops, nil
}

// Remove deletes a single entry.
func (q *Queue) Remove(ctx context.Context, id string) error {
	if err := q.store.checkOpen(); err != nil {
		return err
	}
	if _, err := q.store.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id); err != nil {
		return syncErrors.NewStorageUnavailable(syncErrors.OpDrain, err)
	}
	return nil
}

// BumpRetry increments the retry counter and records the attempt time,
// returning the new count.
func (q *Queue) BumpRetry(ctx context.Context, id string) (int, error) {
	if err := q.store.checkOpen(); err != nil {
		return 0, err
	}

	tx, err := q.store.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, syncErrors.NewStorageUnavailable(syncErrors.OpDrain, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE sync_queue SET retries = retries + 1, last_attempt = ? WHERE id = ?`,
		time.Now().UnixNano(), id); err != nil {
		return 0, syncErrors.NewStorageUnavailable(syncErrors.OpDrain, err)
	}

	var retries int
	err = tx.QueryRowContext(ctx, `SELECT retries FROM sync_queue WHERE id = ?`, id).Scan(&retries)
	if err == sql.ErrNoRows {
		return 0, syncErrors.NewStorageUnavailable(syncErrors.OpDrain,
			fmt.Errorf("queue entry %s not found", id))
	}
	if err != nil {
		return 0, syncErrors.NewStorageUnavailable(syncErrors.OpDrain, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, syncErrors.NewStorageUnavailable(syncErrors.OpDrain, err)
	}
	return retries, nil
}

// Depth returns the number of pending entries.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	if err := q.store.checkOpen(); err != nil {
		return 0, err
	}
	var depth int
	if err := q.store.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue`).Scan(&depth); err != nil {
		return 0, syncErrors.NewStorageUnavailable(syncErrors.OpDrain, err)
	}
	return depth, nil
}

func prepareOp(op *offlinekit.QueuedOperation) error {
	if op == nil {
		return syncErrors.NewValidation(syncErrors.OpEnqueue, fmt.Errorf("operation cannot be nil"))
	}
	if op.URL == "" || op.Method == "" {
		return syncErrors.NewValidation(syncErrors.OpEnqueue, fmt.Errorf("url and method are required"))
	}
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.IdempotencyKey == "" {
		op.IdempotencyKey = uuid.NewString()
	}
	if op.Timestamp.IsZero() {
		op.Timestamp = time.Now()
	}
	if op.Type == "" {
		op.Type = offlinekit.OpTypeOther
	}
	if op.Headers == nil {
		op.Headers = map[string]string{}
	}
	op.Retries = 0
	return nil
}
