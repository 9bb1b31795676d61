package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/parleylabs/parley/internal/gateway/event"
	"github.com/parleylabs/parley/internal/observe"
)

// Upstream STT protocol event names.
const (
	evSubscribe     = "subscribe_transcripts"
	evUnsubscribe   = "unsubscribe_transcripts"
	evTranscription = "transcription"
)

// roomRef is the payload of subscribe/unsubscribe events.
type roomRef struct {
	ClientID string `json:"clientId"`
}

// transcription is the inbound payload of interest.
type transcription struct {
	Text     string  `json:"text"`
	ClientID string  `json:"client_id"`
	Duration float64 `json:"duration"`
}

// link is one upstream connection and the rooms multiplexed over it.
// The mutex serialises connection management, wanted-set mutation, and
// every outbound emit.
type link struct {
	url        string
	handler    TranscriptHandler
	logger     *slog.Logger
	metrics    *observe.Metrics
	backoff    time.Duration
	maxBackoff time.Duration

	mu     sync.Mutex
	conn   *websocket.Conn
	wanted map[string]struct{}
	closed bool
}

func newLink(url string, handler TranscriptHandler, logger *slog.Logger, metrics *observe.Metrics, backoff, maxBackoff time.Duration) *link {
	return &link{
		url:        url,
		handler:    handler,
		logger:     logger.With("stt_url", url),
		metrics:    metrics,
		backoff:    backoff,
		maxBackoff: maxBackoff,
		wanted:     map[string]struct{}{},
	}
}

func (l *link) subscribe(ctx context.Context, clientID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return &ConnectError{URL: l.url, Err: fmt.Errorf("link closed")}
	}

	_, already := l.wanted[clientID]
	if already && l.conn != nil {
		return nil
	}

	if err := l.ensureConnectedLocked(ctx); err != nil {
		return err
	}
	l.wanted[clientID] = struct{}{}
	if err := writeEvent(ctx, l.conn, evSubscribe, roomRef{ClientID: clientID}); err != nil {
		// A room that never subscribed must not linger in the wanted
		// set, or the reconnect loop would revive it after the caller
		// already gave up on it. Established rooms stay wanted and are
		// re-subscribed on reconnect.
		if !already {
			delete(l.wanted, clientID)
		}
		return &ConnectError{URL: l.url, Err: err}
	}
	return nil
}

func (l *link) unsubscribe(ctx context.Context, clientID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.wanted[clientID]; !ok {
		return nil
	}
	delete(l.wanted, clientID)
	if l.conn == nil || l.closed {
		return nil
	}
	if err := writeEvent(ctx, l.conn, evUnsubscribe, roomRef{ClientID: clientID}); err != nil {
		l.logger.Warn("unsubscribe emit failed", "client_id", clientID, "error", err)
	}
	return nil
}

// ensureConnectedLocked dials the upstream if no connection is live.
// Caller holds l.mu.
func (l *link) ensureConnectedLocked(ctx context.Context) error {
	if l.conn != nil {
		return nil
	}
	conn, err := l.dial(ctx)
	if err != nil {
		return err
	}
	l.conn = conn
	go l.lifecycle(conn)
	return nil
}

func (l *link) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, l.url, nil)
	if err != nil {
		return nil, &ConnectError{URL: l.url, Err: err}
	}
	return conn, nil
}

// lifecycle pumps conn until it fails, then keeps reconnecting with
// exponential backoff until the link closes or another caller installed a
// fresh connection.
func (l *link) lifecycle(conn *websocket.Conn) {
	l.readLoop(conn)

	backoff := l.backoff
	for {
		l.mu.Lock()
		if l.closed || l.conn != nil {
			l.mu.Unlock()
			return
		}
		l.mu.Unlock()

		time.Sleep(backoff)
		backoff *= 2
		if backoff > l.maxBackoff {
			backoff = l.maxBackoff
		}

		next, err := l.dial(context.Background())
		if err != nil {
			l.logger.Warn("stt reconnect attempt failed", "error", err)
			continue
		}
		switch l.adopt(next) {
		case adoptOK:
			l.metrics.RecordSTTReconnect(context.Background(), l.url)
			l.logger.Info("stt link reconnected", "rooms", len(l.roomsSnapshot()))
			backoff = l.backoff
			l.readLoop(next)
		case adoptRetry:
			continue
		case adoptStop:
			_ = next.Close(websocket.StatusNormalClosure, "superseded")
			return
		}
	}
}

type adoptResult int

const (
	adoptOK adoptResult = iota
	adoptRetry
	adoptStop
)

// adopt re-subscribes every wanted room on next and installs it as the
// live connection. The connection is not visible to emitters until all
// re-subscriptions have been written. Returns adoptStop when the link
// closed or was reconnected elsewhere, adoptRetry when a re-subscribe
// write failed.
func (l *link) adopt(next *websocket.Conn) adoptResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.conn != nil {
		return adoptStop
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	for clientID := range l.wanted {
		if err := writeEvent(ctx, next, evSubscribe, roomRef{ClientID: clientID}); err != nil {
			l.logger.Warn("re-subscribe failed, dropping connection", "client_id", clientID, "error", err)
			_ = next.Close(websocket.StatusInternalError, "resubscribe failed")
			return adoptRetry
		}
	}
	l.conn = next
	return adoptOK
}

// readLoop pumps frames until the connection fails, dispatching
// transcriptions to the handler. On exit the dead connection is detached
// so emitters stop using it.
func (l *link) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			l.mu.Lock()
			if l.conn == conn {
				l.conn = nil
			}
			closed := l.closed
			l.mu.Unlock()
			if !closed {
				l.logger.Warn("stt link dropped", "error", err)
			}
			return
		}

		env, err := event.DecodeEnvelope(data)
		if err != nil {
			l.logger.Warn("malformed stt frame", "error", err)
			continue
		}
		if env.Event != evTranscription {
			continue
		}
		var tr transcription
		if err := json.Unmarshal(env.Data, &tr); err != nil {
			l.logger.Warn("malformed transcription payload", "error", err)
			continue
		}
		// Upstreams emit empty frames for silence; those carry nothing
		// worth dispatching.
		if tr.ClientID == "" || strings.TrimSpace(tr.Text) == "" {
			continue
		}
		l.handler(tr.ClientID, tr.Text, tr.Duration, l.url)
	}
}

func (l *link) roomsSnapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	rooms := make([]string, 0, len(l.wanted))
	for r := range l.wanted {
		rooms = append(rooms, r)
	}
	return rooms
}

func (l *link) close() {
	l.mu.Lock()
	conn := l.conn
	l.conn = nil
	l.closed = true
	l.mu.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "shutting down")
	}
}

// writeEvent marshals one {event, data} frame and writes it as text.
func writeEvent(ctx context.Context, conn *websocket.Conn, name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("stt: marshal %s: %w", name, err)
	}
	frame, err := json.Marshal(event.Envelope{Event: name, Data: data})
	if err != nil {
		return fmt.Errorf("stt: marshal envelope %s: %w", name, err)
	}
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("stt: write %s: %w", name, err)
	}
	return nil
}
