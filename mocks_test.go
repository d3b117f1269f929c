package offlinekit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// memQueue is an in-memory SyncQueue for tests in this package.
type memQueue struct {
	mu      sync.Mutex
	entries map[string]*QueuedOperation
	nextSeq int
	seqs    map[string]int
	listErr error
}

func newMemQueue() *memQueue {
	return &memQueue{
		entries: make(map[string]*QueuedOperation),
		seqs:    make(map[string]int),
	}
}

func (q *memQueue) Enqueue(ctx context.Context, op *QueuedOperation) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if op.ID == "" {
		op.ID = fmt.Sprintf("mem-%d", q.nextSeq)
	}
	if op.IdempotencyKey == "" {
		op.IdempotencyKey = "key-" + op.ID
	}
	if op.Timestamp.IsZero() {
		op.Timestamp = time.Now()
	}
	cp := *op
	q.entries[op.ID] = &cp
	q.seqs[op.ID] = q.nextSeq
	q.nextSeq++
	return nil
}

func (q *memQueue) PutAndEnqueue(ctx context.Context, collection string, rec Record, op *QueuedOperation) error {
	return q.Enqueue(ctx, op)
}

func (q *memQueue) ListPending(ctx context.Context) ([]QueuedOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.listErr != nil {
		return nil, q.listErr
	}
	ops := make([]QueuedOperation, 0, len(q.entries))
	for _, op := range q.entries {
		ops = append(ops, *op)
	}
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].Timestamp.Equal(ops[j].Timestamp) {
			return q.seqs[ops[i].ID] < q.seqs[ops[j].ID]
		}
		return ops[i].Timestamp.Before(ops[j].Timestamp)
	})
	return ops, nil
}

func (q *memQueue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.entries, id)
	return nil
}

func (q *memQueue) BumpRetry(ctx context.Context, id string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	op, ok := q.entries[id]
	if !ok {
		return 0, fmt.Errorf("entry %s not found", id)
	}
	op.Retries++
	op.LastAttempt = time.Now()
	return op.Retries, nil
}

func (q *memQueue) Depth(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries), nil
}

// memStore is an in-memory DurableStore used by tests in this package.
type memStore struct {
	mu   sync.RWMutex
	data map[string]map[string]Record
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string]map[string]Record)}
}

func (s *memStore) Put(ctx context.Context, collection string, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	col, ok := s.data[collection]
	if !ok {
		col = make(map[string]Record)
		s.data[collection] = col
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	col[rec.ID] = rec
	return nil
}

func (s *memStore) Get(ctx context.Context, collection, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.data[collection][id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *memStore) GetAll(ctx context.Context, collection string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var records []Record
	for _, rec := range s.data[collection] {
		records = append(records, rec)
	}
	return records, nil
}

func (s *memStore) QueryByIndex(ctx context.Context, collection, index, value string) ([]Record, error) {
	return nil, fmt.Errorf("memStore has no secondary indexes")
}

func (s *memStore) Delete(ctx context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data[collection], id)
	return nil
}

func (s *memStore) Close() error { return nil }

// recordingNotifier captures notifications for assertions.
type recordingNotifier struct {
	mu            sync.Mutex
	notifications []Notification
}

func (n *recordingNotifier) Notify(ctx context.Context, notification Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notifications = append(n.notifications, notification)
	return nil
}

func (n *recordingNotifier) all() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.notifications...)
}
