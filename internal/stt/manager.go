// Package stt maintains the uplinks to speech-to-text services.
//
// One websocket link is held per upstream URL and multiplexes any number
// of client_id rooms over it. Links reconnect with exponential backoff;
// after a reconnect every wanted room is re-subscribed before the link is
// considered ready again, so no transcript is processed for a room the
// upstream no longer knows about.
package stt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/parleylabs/parley/internal/observe"
)

// Connection discipline defaults.
const (
	connectTimeout    = 10 * time.Second
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// ConnectError reports a failed or unusable upstream link. The gateway
// surfaces it to clients as STT_CONNECT.
type ConnectError struct {
	URL string
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("stt: link %s: %v", e.URL, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// TranscriptHandler receives every accepted upstream transcription.
// Called from the link's read loop; implementations must not block for
// long.
type TranscriptHandler func(clientID, text string, duration float64, url string)

// Config wires a Manager.
type Config struct {
	// Handler receives transcripts. Required.
	Handler TranscriptHandler

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics may be nil.
	Metrics *observe.Metrics

	// Backoff and MaxBackoff tune the reconnect schedule. Defaults: 1s
	// doubling up to 30s.
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// Manager owns one link per upstream URL.
type Manager struct {
	handler    TranscriptHandler
	logger     *slog.Logger
	metrics    *observe.Metrics
	backoff    time.Duration
	maxBackoff time.Duration

	mu     sync.Mutex
	links  map[string]*link
	closed bool
}

// NewManager validates cfg and builds a Manager with no links yet; links
// are dialled lazily on the first Subscribe per URL.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Handler == nil {
		return nil, fmt.Errorf("stt: Config.Handler is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	return &Manager{
		handler:    cfg.Handler,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		backoff:    cfg.Backoff,
		maxBackoff: cfg.MaxBackoff,
		links:      map[string]*link{},
	}, nil
}

// Subscribe joins clientID's room on the link for url, dialling the link
// first if needed. Idempotent: re-subscribing an already wanted room on a
// live link is a no-op.
func (m *Manager) Subscribe(ctx context.Context, url, clientID string) error {
	l, err := m.linkFor(url)
	if err != nil {
		return err
	}
	return l.subscribe(ctx, clientID)
}

// Unsubscribe leaves clientID's room. A no-op for unknown urls or rooms.
func (m *Manager) Unsubscribe(ctx context.Context, url, clientID string) error {
	m.mu.Lock()
	l := m.links[url]
	m.mu.Unlock()
	if l == nil {
		return nil
	}
	return l.unsubscribe(ctx, clientID)
}

// LinkCount reports the number of links held, for readiness reporting.
func (m *Manager) LinkCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.links)
}

// Close tears down every link. Subsequent Subscribes fail.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	links := make([]*link, 0, len(m.links))
	for _, l := range m.links {
		links = append(links, l)
	}
	m.mu.Unlock()

	for _, l := range links {
		l.close()
	}
	return nil
}

func (m *Manager) linkFor(url string) (*link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, &ConnectError{URL: url, Err: fmt.Errorf("manager closed")}
	}
	l, ok := m.links[url]
	if !ok {
		l = newLink(url, m.handler, m.logger, m.metrics, m.backoff, m.maxBackoff)
		m.links[url] = l
	}
	return l, nil
}
