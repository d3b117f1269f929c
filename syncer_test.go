package offlinekit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	syncErrors "github.com/thriftline/offlinekit/errors"
)

// zeroBackoff makes every queued entry immediately due.
type zeroBackoff struct{}

func (zeroBackoff) NextDelay(int) time.Duration { return 0 }

func enqueueOp(t *testing.T, q SyncQueue, url, method string, at time.Time) *QueuedOperation {
	t.Helper()
	op := &QueuedOperation{
		URL:       url,
		Method:    method,
		Body:      []byte(`{"qty":1}`),
		Type:      OpTypeCart,
		Timestamp: at,
	}
	if err := q.Enqueue(context.Background(), op); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	return op
}

func TestDrainReplaysInFIFOOrder(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	queue := newMemQueue()
	base := time.Now()
	enqueueOp(t, queue, srv.URL+"/first", http.MethodPost, base)
	enqueueOp(t, queue, srv.URL+"/second", http.MethodPost, base.Add(time.Millisecond))
	enqueueOp(t, queue, srv.URL+"/third", http.MethodPost, base.Add(2*time.Millisecond))

	s := NewSyncer(queue, NewMonitor(true), &SyncerOptions{
		HTTPClient: srv.Client(),
		Backoff:    zeroBackoff{},
	})

	result, err := s.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if result.Synced != 3 {
		t.Errorf("Synced = %d, want 3", result.Synced)
	}

	want := []string{"/first", "/second", "/third"}
	mu.Lock()
	defer mu.Unlock()
	if len(paths) != len(want) {
		t.Fatalf("server saw %d requests, want %d", len(paths), len(want))
	}
	for i, p := range want {
		if paths[i] != p {
			t.Errorf("request %d hit %s, want %s", i, paths[i], p)
		}
	}

	if depth, _ := queue.Depth(context.Background()); depth != 0 {
		t.Errorf("queue depth after drain = %d, want 0", depth)
	}
}

func TestDrainSendsIdempotencyKey(t *testing.T) {
	var gotKey atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey.Store(r.Header.Get("Idempotency-Key"))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	queue := newMemQueue()
	op := enqueueOp(t, queue, srv.URL+"/orders", http.MethodPost, time.Now())

	s := NewSyncer(queue, NewMonitor(true), &SyncerOptions{HTTPClient: srv.Client()})
	if _, err := s.Drain(context.Background()); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}

	key, _ := gotKey.Load().(string)
	if key == "" || key != op.IdempotencyKey {
		t.Errorf("Idempotency-Key = %q, want %q", key, op.IdempotencyKey)
	}
}

func TestDrainOfflineIsNoOp(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	queue := newMemQueue()
	enqueueOp(t, queue, srv.URL+"/cart", http.MethodPost, time.Now())

	s := NewSyncer(queue, NewMonitor(false), &SyncerOptions{HTTPClient: srv.Client()})
	result, err := s.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}

	if result.Synced != 0 || result.Retried != 0 || len(result.Dropped) != 0 {
		t.Errorf("offline drain touched the queue: %+v", result)
	}
	if hits.Load() != 0 {
		t.Errorf("offline drain issued %d requests, want 0", hits.Load())
	}
	if depth, _ := queue.Depth(context.Background()); depth != 1 {
		t.Errorf("queue depth = %d, want 1", depth)
	}
}

func TestDrainCoalescesConcurrentCalls(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	queue := newMemQueue()
	enqueueOp(t, queue, srv.URL+"/slow", http.MethodPost, time.Now())

	s := NewSyncer(queue, NewMonitor(true), &SyncerOptions{HTTPClient: srv.Client()})

	done := make(chan *DrainResult, 1)
	go func() {
		result, _ := s.Drain(context.Background())
		done <- result
	}()
	<-entered

	if !s.Draining() {
		t.Error("Draining() = false during an in-flight pass")
	}

	second, err := s.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if !second.AlreadyDraining {
		t.Error("concurrent Drain() was not coalesced")
	}
	if second.Synced != 0 {
		t.Errorf("coalesced drain reported Synced = %d, want 0", second.Synced)
	}

	close(release)
	first := <-done
	if first.Synced != 1 {
		t.Errorf("first drain Synced = %d, want 1", first.Synced)
	}
	if s.Draining() {
		t.Error("Draining() = true after the pass finished")
	}
}

func TestDrainDropsEntryAfterRetryCeiling(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	queue := newMemQueue()
	enqueueOp(t, queue, srv.URL+"/flaky", http.MethodPost, time.Now())

	notifier := &recordingNotifier{}
	s := NewSyncer(queue, NewMonitor(true), &SyncerOptions{
		HTTPClient: srv.Client(),
		Backoff:    zeroBackoff{},
		Notifier:   notifier,
	})

	var dropped []DroppedOperation
	for i := 0; i < 5; i++ {
		result, err := s.Drain(context.Background())
		if err != nil {
			t.Fatalf("Drain() pass %d error = %v", i+1, err)
		}
		dropped = append(dropped, result.Dropped...)
	}

	if hits.Load() != 5 {
		t.Errorf("server saw %d attempts, want 5", hits.Load())
	}
	if len(dropped) != 1 {
		t.Fatalf("dropped %d entries, want 1", len(dropped))
	}
	if !syncErrors.IsKind(dropped[0].Err, syncErrors.KindQueueExhausted) {
		t.Errorf("dropped entry error kind = %v, want KindQueueExhausted", dropped[0].Err)
	}
	if depth, _ := queue.Depth(context.Background()); depth != 0 {
		t.Errorf("queue depth = %d, want 0 after drop", depth)
	}

	// A sixth pass must not touch the server.
	if _, err := s.Drain(context.Background()); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if hits.Load() != 5 {
		t.Errorf("dropped entry was replayed again: %d attempts", hits.Load())
	}

	// The drop is surfaced to the user.
	var failNotes int
	for _, n := range notifier.all() {
		if strings.Contains(n.Title, "failed") {
			failNotes++
		}
	}
	if failNotes != 1 {
		t.Errorf("got %d failure notifications, want 1", failNotes)
	}
}

func TestDrainDropsClientErrorsImmediately(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	queue := newMemQueue()
	enqueueOp(t, queue, srv.URL+"/rejected", http.MethodPost, time.Now())

	s := NewSyncer(queue, NewMonitor(true), &SyncerOptions{
		HTTPClient: srv.Client(),
		Backoff:    zeroBackoff{},
	})

	result, err := s.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}

	if len(result.Dropped) != 1 {
		t.Fatalf("dropped %d entries, want 1", len(result.Dropped))
	}
	if !syncErrors.IsKind(result.Dropped[0].Err, syncErrors.KindNetworkPermanent) {
		t.Errorf("dropped entry error kind = %v, want KindNetworkPermanent", result.Dropped[0].Err)
	}
	if hits.Load() != 1 {
		t.Errorf("server saw %d attempts, want exactly 1", hits.Load())
	}
	if depth, _ := queue.Depth(context.Background()); depth != 0 {
		t.Errorf("queue depth = %d, want 0", depth)
	}
}

func TestDrainRetries408And429(t *testing.T) {
	for _, status := range []int{http.StatusRequestTimeout, http.StatusTooManyRequests} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))

		queue := newMemQueue()
		enqueueOp(t, queue, srv.URL+"/busy", http.MethodPost, time.Now())

		s := NewSyncer(queue, NewMonitor(true), &SyncerOptions{
			HTTPClient: srv.Client(),
			Backoff:    zeroBackoff{},
		})

		result, err := s.Drain(context.Background())
		if err != nil {
			t.Fatalf("status %d: Drain() error = %v", status, err)
		}
		if result.Retried != 1 {
			t.Errorf("status %d: Retried = %d, want 1", status, result.Retried)
		}
		if len(result.Dropped) != 0 {
			t.Errorf("status %d: entry was dropped, want retried", status)
		}
		if depth, _ := queue.Depth(context.Background()); depth != 1 {
			t.Errorf("status %d: queue depth = %d, want 1", status, depth)
		}
		srv.Close()
	}
}

func TestDrainSkipsEntriesInBackoffWindow(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	queue := newMemQueue()
	enqueueOp(t, queue, srv.URL+"/later", http.MethodPost, time.Now())

	s := NewSyncer(queue, NewMonitor(true), &SyncerOptions{
		HTTPClient: srv.Client(),
		Backoff:    &ExponentialBackoff{InitialDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 2},
	})

	// First pass fails and records the attempt.
	if _, err := s.Drain(context.Background()); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	// Second pass must skip the entry: its hour-long window has not elapsed.
	result, err := s.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}

	if result.Skipped != 1 {
		t.Errorf("Skipped = %d, want 1", result.Skipped)
	}
	if hits.Load() != 1 {
		t.Errorf("server saw %d attempts, want 1", hits.Load())
	}
}

func TestDrainNotifiesBatchSummaryAndWatermark(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	queue := newMemQueue()
	enqueueOp(t, queue, srv.URL+"/a", http.MethodPost, time.Now())
	enqueueOp(t, queue, srv.URL+"/b", http.MethodPut, time.Now().Add(time.Millisecond))

	notifier := &recordingNotifier{}
	prefs := NewPreferenceStore(newMemStore())
	s := NewSyncer(queue, NewMonitor(true), &SyncerOptions{
		HTTPClient: srv.Client(),
		Notifier:   notifier,
		Prefs:      prefs,
		UserID:     "user-1",
	})

	before := time.Now()
	if _, err := s.Drain(context.Background()); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}

	notes := notifier.all()
	if len(notes) != 1 {
		t.Fatalf("got %d notifications, want a single batch summary", len(notes))
	}
	if !strings.Contains(notes[0].Body, "2") {
		t.Errorf("summary body = %q, want it to report 2 synced changes", notes[0].Body)
	}

	got, err := prefs.Get(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.LastSyncTimestamp.Before(before) {
		t.Errorf("LastSyncTimestamp = %v, want advanced past %v", got.LastSyncTimestamp, before)
	}
}

func TestSubscribeReceivesDrainResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	queue := newMemQueue()
	enqueueOp(t, queue, srv.URL+"/x", http.MethodPost, time.Now())

	s := NewSyncer(queue, NewMonitor(true), &SyncerOptions{HTTPClient: srv.Client()})

	results := make(chan *DrainResult, 1)
	unsubscribe := s.Subscribe(func(r *DrainResult) {
		results <- r
	})
	defer unsubscribe()

	if _, err := s.Drain(context.Background()); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}

	select {
	case r := <-results:
		if r.Synced != 1 {
			t.Errorf("subscriber saw Synced = %d, want 1", r.Synced)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber was not notified")
	}
}

func TestOnlineTransitionTriggersSingleDrain(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	queue := newMemQueue()
	enqueueOp(t, queue, srv.URL+"/queued", http.MethodPost, time.Now())

	monitor := NewMonitor(false)
	s := NewSyncer(queue, monitor, &SyncerOptions{HTTPClient: srv.Client()})

	// Extra subscribers must not multiply the drain trigger.
	monitor.Subscribe(func(bool) {})
	monitor.Subscribe(func(bool) {})

	unsubscribe := s.AttachMonitor()
	defer unsubscribe()

	passes := make(chan *DrainResult, 8)
	s.Subscribe(func(r *DrainResult) {
		passes <- r
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx, 0)

	monitor.SetOnline(true)

	select {
	case r := <-passes:
		if r.Synced != 1 {
			t.Errorf("Synced = %d, want 1", r.Synced)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("online transition did not trigger a drain")
	}

	// Give any spurious extra passes time to land.
	time.Sleep(100 * time.Millisecond)
	if hits.Load() != 1 {
		t.Errorf("server saw %d requests, want exactly 1", hits.Load())
	}
}

func TestWakeCoalescesSignals(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	queue := newMemQueue()
	s := NewSyncer(queue, NewMonitor(true), &SyncerOptions{HTTPClient: srv.Client()})

	// Wake before the run loop exists must not block or panic.
	s.Wake()
	s.Wake()
	s.Wake()

	passes := make(chan *DrainResult, 8)
	s.Subscribe(func(r *DrainResult) {
		passes <- r
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx, 0)

	select {
	case <-passes:
	case <-time.After(2 * time.Second):
		t.Fatal("pending wake signal did not trigger a drain")
	}

	// Three signals collapsed into one pending pass.
	select {
	case <-passes:
		t.Error("coalesced wake signals triggered extra passes")
	case <-time.After(100 * time.Millisecond):
	}
}
