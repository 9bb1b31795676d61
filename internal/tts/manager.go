// Package tts maintains the downlink to the text-to-speech service.
//
// The gateway holds a single upstream connection, identified to the
// service as an agent-server peer. Audio never flows through this link;
// the service streams synthesized audio to browser clients directly, so
// the link only carries text chunks and control events.
package tts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/parleylabs/parley/internal/gateway/event"
)

// connectTimeout bounds one dial attempt.
const connectTimeout = 10 * time.Second

// Upstream TTS protocol event names.
const (
	evTextChunk = "tts_text_chunk"
	evStop      = "stop_generation"
	evConfigure = "tts_configure_client"
)

// Manager owns the upstream TTS link. All operations are safe for
// concurrent use; emits are serialised by the manager mutex. The link is
// dialled lazily on first use and re-dialled after a write failure.
type Manager struct {
	url    string
	logger *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// NewManager builds a Manager for the service at rawURL. The agent-server
// handshake parameters are appended to the URL here, once.
func NewManager(rawURL string, logger *slog.Logger) (*Manager, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("tts: url must not be empty")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("tts: parse url: %w", err)
	}
	q := u.Query()
	q.Set("type", "agent_server")
	q.Set("format", "binary")
	u.RawQuery = q.Encode()

	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{url: u.String(), logger: logger}, nil
}

// Connected reports whether the upstream link is currently live, for
// readiness reporting.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

// SendTextChunk forwards one generated delta for clientID. An empty chunk
// with final=true asks the service to flush any buffered partial
// sentence.
func (m *Manager) SendTextChunk(ctx context.Context, clientID, chunk string, final bool) error {
	payload := map[string]any{
		"target_client_id": clientID,
		"chunk":            chunk,
	}
	if final {
		payload["final"] = true
	}
	return m.emit(ctx, evTextChunk, payload)
}

// StopGeneration asks the service to drop queued synthesis for clientID.
// Idempotent; safe to call concurrently and repeatedly.
func (m *Manager) StopGeneration(ctx context.Context, clientID string) error {
	return m.emit(ctx, evStop, map[string]any{"client_id": clientID})
}

// ConfigureClient forwards voice settings for clientID. A no-op when no
// field is supplied.
func (m *Manager) ConfigureClient(ctx context.Context, clientID, voice string, speed *float64) error {
	if voice == "" && speed == nil {
		return nil
	}
	payload := map[string]any{"client_id": clientID}
	if voice != "" {
		payload["voice"] = voice
	}
	if speed != nil {
		payload["speed"] = *speed
	}
	return m.emit(ctx, evConfigure, payload)
}

// Close tears down the link. Subsequent emits fail.
func (m *Manager) Close() error {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.closed = true
	m.mu.Unlock()
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "shutting down")
	}
	return nil
}

// emit writes one {event, data} frame, connecting first if needed. On a
// write failure the connection is dropped so the next emit re-dials.
func (m *Manager) emit(ctx context.Context, name string, payload any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("tts: manager closed")
	}
	if err := m.ensureConnectedLocked(ctx); err != nil {
		return err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("tts: marshal %s: %w", name, err)
	}
	frame, err := json.Marshal(event.Envelope{Event: name, Data: data})
	if err != nil {
		return fmt.Errorf("tts: marshal envelope %s: %w", name, err)
	}
	if err := m.conn.Write(ctx, websocket.MessageText, frame); err != nil {
		_ = m.conn.Close(websocket.StatusInternalError, "write failed")
		m.conn = nil
		return fmt.Errorf("tts: write %s: %w", name, err)
	}
	return nil
}

// ensureConnectedLocked dials the service if no connection is live.
// Caller holds m.mu.
func (m *Manager) ensureConnectedLocked(ctx context.Context) error {
	if m.conn != nil {
		return nil
	}
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, m.url, nil)
	if err != nil {
		return fmt.Errorf("tts: connect %s: %w", m.url, err)
	}
	m.conn = conn
	m.logger.Info("tts link connected")
	go m.drain(conn)
	return nil
}

// drain discards inbound frames so the peer's pings and acks do not fill
// the connection's read buffer. On read failure the dead connection is
// detached.
func (m *Manager) drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.Read(context.Background()); err != nil {
			m.mu.Lock()
			if m.conn == conn {
				m.conn = nil
			}
			closed := m.closed
			m.mu.Unlock()
			if !closed {
				m.logger.Warn("tts link dropped", "error", err)
			}
			return
		}
	}
}
