// Package gateway owns the client-facing websocket surface: sessions,
// the global client_id indexes, and the event layer that binds validated
// client events to the run orchestrator and the STT/TTS managers.
package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/parleylabs/parley/internal/gateway/event"
	"github.com/parleylabs/parley/internal/run"
)

// writeTimeout bounds one outbound frame write.
const writeTimeout = 5 * time.Second

// Session is one live client connection. It implements [run.Emitter];
// writes are serialised by an internal mutex, so the orchestrator, the
// router, and the read loop can emit concurrently.
type Session struct {
	sid    string
	conn   *websocket.Conn
	state  *run.State
	logger *slog.Logger

	writeMu sync.Mutex
}

func newSession(sid string, conn *websocket.Conn, logger *slog.Logger) *Session {
	return &Session{
		sid:    sid,
		conn:   conn,
		state:  run.NewState(),
		logger: logger.With("sid", sid),
	}
}

// SID returns the opaque connection id.
func (s *Session) SID() string { return s.sid }

// State exposes the per-session run state.
func (s *Session) State() *run.State { return s.state }

// Emit implements [run.Emitter]. Write failures are logged, not
// propagated; a dead connection surfaces through the read loop.
func (s *Session) Emit(ev event.Outbound) {
	frame, err := event.Marshal(ev)
	if err != nil {
		s.logger.Error("event marshal failed", "event", ev.EventName(), "error", err)
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := s.conn.Write(ctx, websocket.MessageText, frame); err != nil {
		s.logger.Debug("event write failed", "event", ev.EventName(), "error", err)
	}
}

// Subscription ties a client_id room to its owning session and agent.
type Subscription struct {
	ClientID string
	SID      string
	Agent    string
	ThreadID string
	SttURL   string
}

// Binding ties a client_id to the TTS downlink for a session.
type Binding struct {
	SID   string
	Voice string
	Speed *float64
}

// Registry holds the process-wide session map and the client_id indexes.
// All methods are safe for concurrent use; transcript dispatch reads on
// every upstream frame while joins and disconnects mutate.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	subs     map[string]Subscription
	bindings map[string]Binding
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: map[string]*Session{},
		subs:     map[string]Subscription{},
		bindings: map[string]Binding{},
	}
}

// Add registers a session.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.sid] = s
}

// Get resolves a session by sid.
func (r *Registry) Get(sid string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sid]
	return s, ok
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Remove drops a session and purges every index entry it owns, returning
// the STT subscriptions that still need an upstream unsubscribe. After it
// returns, no index entry references sid.
func (r *Registry) Remove(sid string) []Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sid)

	var orphaned []Subscription
	for clientID, sub := range r.subs {
		if sub.SID == sid {
			orphaned = append(orphaned, sub)
			delete(r.subs, clientID)
		}
	}
	for clientID, b := range r.bindings {
		if b.SID == sid {
			delete(r.bindings, clientID)
		}
	}
	return orphaned
}

// SetSubscription installs a subscription, replacing any previous owner
// of the same client_id (last-writer-wins).
func (r *Registry) SetSubscription(sub Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[sub.ClientID] = sub
}

// Subscription resolves a client_id room.
func (r *Registry) Subscription(clientID string) (Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.subs[clientID]
	return sub, ok
}

// RemoveSubscription drops a room, reporting the removed entry.
func (r *Registry) RemoveSubscription(clientID string) (Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[clientID]
	if ok {
		delete(r.subs, clientID)
	}
	return sub, ok
}

// SetBinding installs a TTS binding (last-writer-wins).
func (r *Registry) SetBinding(clientID string, b Binding) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[clientID] = b
}

// RemoveBinding drops a TTS binding.
func (r *Registry) RemoveBinding(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bindings, clientID)
}

// TTSClientFor implements [run.TTSBindings]: the client_id bound to sid,
// if any. With several bindings for one session an arbitrary one wins.
func (r *Registry) TTSClientFor(sid string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for clientID, b := range r.bindings {
		if b.SID == sid {
			return clientID, true
		}
	}
	return "", false
}
