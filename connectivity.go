package offlinekit

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/thriftline/offlinekit/logging"
)

// Monitor is the single source of truth for "can we reach the network".
// It caches the last platform signal; reading it is not a live probe.
// The monitor is an explicit instance rather than package-level state so
// multiple instances can be tested independently.
type Monitor struct {
	mu          sync.RWMutex
	online      bool
	nextID      int
	subscribers map[int]func(bool)
	logger      *logging.Logger
}

// NewMonitor creates a monitor with the given initial state. When the
// platform cannot report connectivity, callers pass true: the monitor
// degrades to "assume online".
func NewMonitor(initialOnline bool) *Monitor {
	return &Monitor{
		online:      initialOnline,
		subscribers: make(map[int]func(bool)),
		logger:      logging.WithComponent(logging.Component("connectivity")),
	}
}

// Online returns the current cached connectivity state.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Subscribe registers a callback invoked synchronously once with the
// current state, then asynchronously on every subsequent transition.
// The returned function unsubscribes the callback.
func (m *Monitor) Subscribe(cb func(online bool)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subscribers[id] = cb
	current := m.online
	m.mu.Unlock()

	m.invoke(cb, current)

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subscribers, id)
	}
}

// SetOnline records a platform connectivity signal. Subscribers are
// notified only on a transition, once per transition regardless of how
// many subscribers are registered.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	subs := make([]func(bool), 0, len(m.subscribers))
	for _, cb := range m.subscribers {
		subs = append(subs, cb)
	}
	m.mu.Unlock()

	m.logger.Info("connectivity transition", slog.Bool("online", online))

	go func() {
		for _, cb := range subs {
			m.invoke(cb, online)
		}
	}()
}

// invoke calls a subscriber, absorbing panics so one bad callback cannot
// take down the monitor.
func (m *Monitor) invoke(cb func(bool), online bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("subscriber panicked", slog.Any("panic", r))
		}
	}()
	cb(online)
}

// Prober checks whether the network is reachable right now. It is the
// platform connectivity signal behind the monitor.
type Prober interface {
	Probe(ctx context.Context) bool
}

// HTTPProber reports online when a HEAD request to a probe URL succeeds
// with any HTTP status. Only transport-level failures count as offline.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

func (p *HTTPProber) Probe(ctx context.Context) bool {
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return false
	}

	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// RunProbes feeds the monitor from a prober at the given interval until
// the context is cancelled. A nil prober means the platform has no
// connectivity API: the monitor assumes online and returns immediately.
func (m *Monitor) RunProbes(ctx context.Context, p Prober, interval time.Duration) {
	if p == nil {
		m.SetOnline(true)
		return
	}

	m.SetOnline(p.Probe(ctx))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SetOnline(p.Probe(ctx))
		}
	}
}
