package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/thriftline/offlinekit"
	"github.com/thriftline/offlinekit/logging"
)

// PushMessage is the payload delivered over the push channel. A
// "sync_requested" message wakes the synchronizer; anything else is a
// user-facing notification.
type PushMessage struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url,omitempty"`
	Type  string `json:"type,omitempty"`
}

// PushListener keeps a websocket subscription to the push endpoint,
// reconnecting with backoff when the connection drops.
type PushListener struct {
	url      string
	backoff  offlinekit.BackoffStrategy
	syncer   *offlinekit.Syncer
	notifier offlinekit.Notifier
	logger   *logging.Logger
}

func NewPushListener(url string, backoff offlinekit.BackoffStrategy,
	syncer *offlinekit.Syncer, notifier offlinekit.Notifier) *PushListener {

	if backoff == nil {
		backoff = offlinekit.DefaultBackoff()
	}
	if notifier == nil {
		notifier = offlinekit.NoOpNotifier{}
	}
	return &PushListener{
		url:      url,
		backoff:  backoff,
		syncer:   syncer,
		notifier: notifier,
		logger:   logging.WithComponent(logging.Component("push")),
	}
}

// Run connects and consumes push messages until the context is
// cancelled. Connection failures reconnect with backoff; a delivered
// message resets the backoff.
func (l *PushListener) Run(ctx context.Context) {
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		delivered, err := l.consume(ctx)
		if ctx.Err() != nil {
			return
		}
		if delivered {
			attempt = 0
		}
		if err != nil {
			l.logger.LogError(ctx, err, "push connection lost",
				slog.String("url", l.url),
				slog.Int("attempt", attempt))
		}

		delay := l.backoff.NextDelay(attempt)
		attempt++

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// consume runs one websocket session. It reports whether at least one
// message was delivered before the connection ended.
func (l *PushListener) consume(ctx context.Context) (bool, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, l.url, nil)
	if err != nil {
		return false, err
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// Unblock ReadMessage when the context is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	l.logger.Info("push channel connected", slog.String("url", l.url))

	delivered := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return delivered, err
		}

		var msg PushMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			l.logger.Error("discarding malformed push message", slog.Any("error", err))
			continue
		}
		delivered = true
		l.dispatch(ctx, msg)
	}
}

func (l *PushListener) dispatch(ctx context.Context, msg PushMessage) {
	if msg.Type == "sync_requested" || msg.Type == "data_changed" {
		l.syncer.Wake()
		return
	}

	if err := l.notifier.Notify(ctx, offlinekit.Notification{
		Title: msg.Title,
		Body:  msg.Body,
		URL:   msg.URL,
	}); err != nil {
		l.logger.LogError(ctx, err, "push notification dispatch failed")
	}
}
