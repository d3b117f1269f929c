package offlinekit

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	syncErrors "github.com/thriftline/offlinekit/errors"
	"github.com/thriftline/offlinekit/logging"
)

// DroppedOperation is a queue entry removed without a successful replay:
// either it exhausted its retry budget or the server rejected it
// permanently. Dropped entries are surfaced individually, never silently
// discarded.
type DroppedOperation struct {
	Op  QueuedOperation
	Err error
}

// DrainResult describes one drain pass over the sync queue.
type DrainResult struct {
	// Synced is the number of entries replayed successfully and removed.
	Synced int

	// Retried is the number of entries that failed and remain queued
	// for a later pass.
	Retried int

	// Skipped is the number of entries whose backoff window had not
	// elapsed yet.
	Skipped int

	// Dropped lists entries removed as permanent failures.
	Dropped []DroppedOperation

	// AlreadyDraining is true when this call was coalesced because
	// another pass was in flight; all counters are zero in that case.
	AlreadyDraining bool

	StartTime time.Time
	Duration  time.Duration
}

// SyncerOptions configures the synchronizer.
type SyncerOptions struct {
	// MaxRetries is the retry ceiling per entry. An entry whose failed
	// attempts reach this count is dropped. Defaults to 5.
	MaxRetries int

	// Backoff computes the per-entry delay between attempts.
	// Defaults to DefaultBackoff().
	Backoff BackoffStrategy

	// HTTPClient used for replay. Replay relies on the client's own
	// timeout behavior; the synchronizer adds no additional timeout.
	HTTPClient *http.Client

	// Notifier receives the batch success summary and individual
	// permanent-failure notifications.
	Notifier Notifier

	// Prefs, when set, has its LastSyncTimestamp watermark advanced for
	// UserID after every pass that synced at least one entry.
	Prefs  *PreferenceStore
	UserID string
}

// Syncer drains the sync queue against the live network. A drain pass
// replays entries in FIFO order with at-least-once semantics; overlapping
// passes are coalesced so the same entry is never replayed twice
// concurrently.
type Syncer struct {
	queue   SyncQueue
	monitor *Monitor
	options SyncerOptions

	// drainMu serializes drain passes. TryLock makes re-entrant calls
	// a no-op instead of queueing behind the in-flight pass.
	drainMu sync.Mutex

	mu          sync.RWMutex
	subscribers map[int]func(*DrainResult)
	nextID      int

	wake   chan struct{}
	logger *logging.Logger
}

// NewSyncer creates a synchronizer over the given queue and monitor.
func NewSyncer(queue SyncQueue, monitor *Monitor, opts *SyncerOptions) *Syncer {
	options := SyncerOptions{}
	if opts != nil {
		options = *opts
	}
	if options.MaxRetries <= 0 {
		options.MaxRetries = 5
	}
	if options.Backoff == nil {
		options.Backoff = DefaultBackoff()
	}
	if options.HTTPClient == nil {
		options.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if options.Notifier == nil {
		options.Notifier = NoOpNotifier{}
	}

	return &Syncer{
		queue:       queue,
		monitor:     monitor,
		options:     options,
		subscribers: make(map[int]func(*DrainResult)),
		wake:        make(chan struct{}, 1),
		logger:      logging.WithComponent(logging.Component("syncer")),
	}
}

// Drain replays the pending queue once. When offline it returns a zero
// result; when another pass is already in flight the call is coalesced
// and returns immediately with AlreadyDraining set.
func (s *Syncer) Drain(ctx context.Context) (*DrainResult, error) {
	result := &DrainResult{StartTime: time.Now()}

	if !s.monitor.Online() {
		result.Duration = time.Since(result.StartTime)
		return result, nil
	}

	if !s.drainMu.TryLock() {
		result.AlreadyDraining = true
		result.Duration = time.Since(result.StartTime)
		return result, nil
	}
	defer s.drainMu.Unlock()

	defer func() {
		result.Duration = time.Since(result.StartTime)
		s.notifySubscribers(result)
	}()

	pending, err := s.queue.ListPending(ctx)
	if err != nil {
		return result, syncErrors.NewWithComponent(syncErrors.OpDrain, "queue", err)
	}

	now := time.Now()
	for _, op := range pending {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		if !s.due(op, now) {
			result.Skipped++
			continue
		}

		status, err := s.replay(ctx, op)
		switch {
		case err == nil && status >= 200 && status < 300:
			if err := s.queue.Remove(ctx, op.ID); err != nil {
				s.logger.LogError(ctx, err, "failed to remove synced entry",
					slog.String("entry_id", op.ID))
				continue
			}
			result.Synced++

		case err == nil && permanentStatus(status):
			// The server rejected the request itself; replaying an
			// identical request cannot succeed, so the retry budget
			// does not apply.
			_ = s.queue.Remove(ctx, op.ID)
			result.Dropped = append(result.Dropped, DroppedOperation{
				Op: op,
				Err: syncErrors.NewNetworkPermanent(syncErrors.OpReplay,
					fmt.Errorf("server rejected request with status %d", status)).
					WithMetadata("entry_id", op.ID).
					WithMetadata("url", op.URL).
					WithMetadata("status", status),
			})

		default:
			retries, bumpErr := s.queue.BumpRetry(ctx, op.ID)
			if bumpErr != nil {
				s.logger.LogError(ctx, bumpErr, "failed to bump retry counter",
					slog.String("entry_id", op.ID))
				continue
			}
			if retries >= s.options.MaxRetries {
				_ = s.queue.Remove(ctx, op.ID)
				result.Dropped = append(result.Dropped, DroppedOperation{
					Op: op,
					Err: syncErrors.NewQueueExhausted(syncErrors.OpReplay,
						fmt.Errorf("entry dropped after %d failed attempts", retries)).
						WithMetadata("entry_id", op.ID).
						WithMetadata("url", op.URL),
				})
			} else {
				result.Retried++
			}
		}
	}

	s.afterPass(ctx, result)
	return result, nil
}

// due reports whether an entry's backoff window has elapsed.
func (s *Syncer) due(op QueuedOperation, now time.Time) bool {
	if op.Retries == 0 || op.LastAttempt.IsZero() {
		return true
	}
	return !now.Before(op.LastAttempt.Add(s.options.Backoff.NextDelay(op.Retries - 1)))
}

// replay issues the literal stored HTTP request plus the idempotency key.
// It returns the response status, or a transient error when the request
// never reached the server.
func (s *Syncer) replay(ctx context.Context, op QueuedOperation) (int, error) {
	var body io.Reader
	if len(op.Body) > 0 {
		body = bytes.NewReader(op.Body)
	}

	req, err := http.NewRequestWithContext(ctx, op.Method, op.URL, body)
	if err != nil {
		return 0, syncErrors.NewNetworkTransient(syncErrors.OpReplay, err)
	}
	for k, v := range op.Headers {
		req.Header.Set(k, v)
	}
	if op.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", op.IdempotencyKey)
	}

	resp, err := s.options.HTTPClient.Do(req)
	if err != nil {
		return 0, syncErrors.NewNetworkTransient(syncErrors.OpReplay, err)
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode, nil
}

// permanentStatus reports whether a response status is a non-retryable
// server rejection. 408 and 429 are explicitly retryable.
func permanentStatus(status int) bool {
	if status == http.StatusRequestTimeout || status == http.StatusTooManyRequests {
		return false
	}
	return status >= 400 && status < 500
}

// afterPass emits user-visible notifications and advances the sync
// watermark.
func (s *Syncer) afterPass(ctx context.Context, result *DrainResult) {
	if result.Synced > 0 {
		_ = s.options.Notifier.Notify(ctx, Notification{
			Title: "Sync complete",
			Body:  fmt.Sprintf("%d pending change(s) synced", result.Synced),
		})

		if s.options.Prefs != nil && s.options.UserID != "" {
			if err := s.options.Prefs.TouchLastSync(ctx, s.options.UserID, time.Now()); err != nil {
				s.logger.LogError(ctx, err, "failed to update sync watermark")
			}
		}
	}

	for _, dropped := range result.Dropped {
		s.logger.LogError(ctx, dropped.Err, "queued operation dropped",
			slog.String("entry_id", dropped.Op.ID),
			slog.String("url", dropped.Op.URL),
			slog.String("type", string(dropped.Op.Type)))
		_ = s.options.Notifier.Notify(ctx, Notification{
			Title: "Sync failed",
			Body:  fmt.Sprintf("a %s change could not be synced and was discarded", dropped.Op.Type),
		})
	}
}

// Subscribe registers a handler invoked after every drain pass. The
// returned function unsubscribes it.
func (s *Syncer) Subscribe(handler func(*DrainResult)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subscribers[id] = handler
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subscribers, id)
	}
}

func (s *Syncer) notifySubscribers(result *DrainResult) {
	s.mu.RLock()
	subscribers := make([]func(*DrainResult), 0, len(s.subscribers))
	for _, handler := range s.subscribers {
		subscribers = append(subscribers, handler)
	}
	s.mu.RUnlock()

	for _, handler := range subscribers {
		go func(h func(*DrainResult)) {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("drain subscriber panicked", slog.Any("panic", r))
				}
			}()
			h(result)
		}(handler)
	}
}

// Wake signals the run loop to start a drain pass. Signals arriving while
// one is already pending are coalesced, so double-triggering from the
// connectivity monitor and the gateway's background-sync fallback is
// harmless.
func (s *Syncer) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Draining reports whether a pass is currently in flight.
func (s *Syncer) Draining() bool {
	if s.drainMu.TryLock() {
		s.drainMu.Unlock()
		return false
	}
	return true
}

// AttachMonitor subscribes the syncer to the monitor: every transition to
// online wakes the run loop exactly once. Returns the unsubscribe
// function.
func (s *Syncer) AttachMonitor() (unsubscribe func()) {
	return s.monitor.Subscribe(func(online bool) {
		if online {
			s.Wake()
		}
	})
}

// Run drains on wake-up signals and, when interval is positive, on a
// periodic ticker while online. It blocks until the context is cancelled.
func (s *Syncer) Run(ctx context.Context, interval time.Duration) {
	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-tick:
		}

		result, err := s.Drain(ctx)
		if err != nil {
			s.logger.LogError(ctx, err, "drain pass failed")
			continue
		}
		if result.Synced > 0 || len(result.Dropped) > 0 {
			s.logger.Info("drain pass completed",
				slog.Int("synced", result.Synced),
				slog.Int("retried", result.Retried),
				slog.Int("skipped", result.Skipped),
				slog.Int("dropped", len(result.Dropped)),
				slog.Duration("duration", result.Duration))
		}
	}
}
