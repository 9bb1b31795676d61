package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/parleylabs/parley/internal/agent"
	"github.com/parleylabs/parley/internal/gateway/event"
	"github.com/parleylabs/parley/internal/observe"
	"github.com/parleylabs/parley/internal/run"
)

// Await deadlines on teardown paths.
const (
	interruptAwait  = 2 * time.Second
	disconnectAwait = 1 * time.Second
)

// TTSControl is the subset of the TTS manager the gateway drives
// directly (run-time chunk forwarding goes through the orchestrator).
type TTSControl interface {
	StopGeneration(ctx context.Context, clientID string) error
	ConfigureClient(ctx context.Context, clientID, voice string, speed *float64) error
}

// STTControl is the subset of the STT manager the gateway drives.
type STTControl interface {
	Subscribe(ctx context.Context, url, clientID string) error
	Unsubscribe(ctx context.Context, url, clientID string) error
}

// Config wires a Server.
type Config struct {
	// Registry holds sessions and client_id indexes. Required.
	Registry *Registry

	// Presets resolves agent names. Required.
	Presets *agent.Registry

	// Orchestrator accepts runs. Required.
	Orchestrator *run.Orchestrator

	// STT and TTS may be nil when the deployment runs text-only.
	STT STTControl
	TTS TTSControl

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics may be nil.
	Metrics *observe.Metrics
}

// Server terminates client websockets and dispatches their events.
type Server struct {
	registry *Registry
	presets  *agent.Registry
	orch     *run.Orchestrator
	stt      STTControl
	tts      TTSControl
	logger   *slog.Logger
	metrics  *observe.Metrics
}

// New validates cfg and builds a Server.
func New(cfg Config) (*Server, error) {
	if cfg.Registry == nil || cfg.Presets == nil || cfg.Orchestrator == nil {
		return nil, fmt.Errorf("gateway: Registry, Presets, and Orchestrator are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		registry: cfg.Registry,
		presets:  cfg.Presets,
		orch:     cfg.Orchestrator,
		stt:      cfg.STT,
		tts:      cfg.TTS,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}, nil
}

// ServeHTTP upgrades the request and runs the session until the client
// disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // same-origin enforcement is the proxy's job
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	sess := newSession(uuid.NewString(), conn, s.logger)
	s.registry.Add(sess)
	s.metrics.AddSessions(r.Context(), 1)
	s.logger.Info("session connected", "sid", sess.SID())

	s.readLoop(r.Context(), sess)

	s.disconnect(sess)
	s.metrics.AddSessions(context.Background(), -1)
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func (s *Server) readLoop(ctx context.Context, sess *Session) {
	for {
		_, data, err := sess.conn.Read(ctx)
		if err != nil {
			s.logger.Info("session disconnected", "sid", sess.SID(), "reason", err)
			return
		}
		env, err := event.DecodeEnvelope(data)
		if err != nil {
			sess.Emit(event.Error{Code: event.CodeBadRequest, Message: err.Error()})
			continue
		}
		s.dispatch(ctx, sess, env)
	}
}

func (s *Server) dispatch(ctx context.Context, sess *Session, env event.Envelope) {
	if _, ok := s.registry.Get(sess.SID()); !ok {
		sess.Emit(event.Error{Code: event.CodeNoSession, Message: "session is not registered"})
		return
	}

	switch env.Event {
	case event.NameChat:
		s.handleChat(ctx, sess, env.Data)
	case event.NameInterrupt:
		s.handleInterrupt(sess)
	case event.NameJoinSTT:
		s.handleJoinSTT(ctx, sess, env.Data)
	case event.NameLeaveSTT:
		s.handleLeaveSTT(ctx, sess, env.Data)
	case event.NameJoinTTS:
		s.handleJoinTTS(ctx, sess, env.Data)
	case event.NameLeaveTTS:
		s.handleLeaveTTS(sess, env.Data)
	default:
		sess.Emit(event.Error{
			Code:    event.CodeBadRequest,
			Message: fmt.Sprintf("unknown event %q", env.Event),
		})
	}
}

func (s *Server) handleChat(ctx context.Context, sess *Session, data json.RawMessage) {
	var chat event.Chat
	if err := json.Unmarshal(data, &chat); err != nil {
		sess.Emit(event.Error{Code: event.CodeBadRequest, Message: "malformed Chat payload"})
		return
	}
	if strings.TrimSpace(chat.Text) == "" {
		sess.Emit(event.Error{Code: event.CodeEmpty, Message: "text must not be empty"})
		return
	}

	preset, ok := s.presets.Get(chat.Agent)
	if !ok {
		sess.Emit(event.Error{Code: event.CodeAgentInvalid, Message: s.agentInvalidMessage(chat.Agent)})
		return
	}

	memReq, err := event.ParseMemoryRequest(chat.Memory)
	if err != nil {
		sess.Emit(event.Error{Code: event.CodeBadRequest, Message: err.Error()})
		return
	}
	// An explicit memory request wins over the preset's policy.
	mode := string(preset.MemoryPolicy)
	if len(chat.Memory) > 0 {
		mode = memReq.Mode
	}

	_, err = s.orch.Start(ctx, sess.State(), sess, run.Params{
		SID:               sess.SID(),
		Text:              chat.Text,
		Agent:             preset.Name,
		SystemPromptPath:  preset.SystemPromptPath,
		SamplingOverrides: preset.ParamsOverride,
		MemoryMode:        mode,
		MemoryMaxTokens:   memReq.MaxContextTokens,
		ThreadID:          chat.ThreadID,
	})
	if err != nil {
		sess.Emit(runError(err))
	}
}

func (s *Server) handleInterrupt(sess *Session) {
	sess.State().Interrupt(interruptAwait)
	// Always ack with a null run id, after awaiting the run; an active
	// run additionally emits its own Interrupted terminal with its id.
	sess.Emit(event.Interrupted{RunID: nil})
}

func (s *Server) handleJoinSTT(ctx context.Context, sess *Session, data json.RawMessage) {
	var join event.JoinSTT
	if err := json.Unmarshal(data, &join); err != nil {
		sess.Emit(event.Error{Code: event.CodeBadRequest, Message: "malformed JoinSTT payload"})
		return
	}
	if join.SttURL == "" || join.ClientID == "" || join.Agent == "" {
		sess.Emit(event.Error{Code: event.CodeMissingParams, Message: "JoinSTT requires sttUrl, clientId, and agent"})
		return
	}
	if s.stt == nil {
		sess.Emit(event.Error{Code: event.CodeSTTConnect, Message: "no STT manager is configured"})
		return
	}

	preset, ok := s.presets.Get(join.Agent)
	if !ok {
		sess.Emit(event.Error{Code: event.CodeAgentInvalid, Message: s.agentInvalidMessage(join.Agent)})
		return
	}
	if preset.MemoryPolicy == agent.MemoryThreadWindow && join.ThreadID == "" {
		sess.Emit(event.Error{
			Code:    event.CodeThreadRequired,
			Message: fmt.Sprintf("agent %q uses thread_window memory and requires threadId", preset.Name),
		})
		return
	}

	s.registry.SetSubscription(Subscription{
		ClientID: join.ClientID,
		SID:      sess.SID(),
		Agent:    preset.Name,
		ThreadID: join.ThreadID,
		SttURL:   join.SttURL,
	})
	if err := s.stt.Subscribe(ctx, join.SttURL, join.ClientID); err != nil {
		// Mapping cleanup happens before the error reaches the client.
		s.registry.RemoveSubscription(join.ClientID)
		sess.Emit(event.Error{Code: event.CodeSTTConnect, Message: err.Error()})
		return
	}
	sess.Emit(event.STTSubscribed{ClientID: join.ClientID, SttURL: join.SttURL, Agent: preset.Name})
}

func (s *Server) handleLeaveSTT(ctx context.Context, sess *Session, data json.RawMessage) {
	var leave event.LeaveSTT
	if err := json.Unmarshal(data, &leave); err != nil {
		sess.Emit(event.Error{Code: event.CodeBadRequest, Message: "malformed LeaveSTT payload"})
		return
	}
	if leave.ClientID == "" {
		sess.Emit(event.Error{Code: event.CodeMissingParams, Message: "LeaveSTT requires clientId"})
		return
	}

	if sub, ok := s.registry.RemoveSubscription(leave.ClientID); ok && s.stt != nil {
		if err := s.stt.Unsubscribe(ctx, sub.SttURL, sub.ClientID); err != nil {
			s.logger.Warn("upstream unsubscribe failed", "client_id", sub.ClientID, "error", err)
		}
	}
	sess.Emit(event.STTUnsubscribed{ClientID: leave.ClientID})
}

func (s *Server) handleJoinTTS(ctx context.Context, sess *Session, data json.RawMessage) {
	var join event.JoinTTS
	if err := json.Unmarshal(data, &join); err != nil {
		sess.Emit(event.Error{Code: event.CodeBadRequest, Message: "malformed JoinTTS payload"})
		return
	}
	if join.ClientID == "" {
		sess.Emit(event.Error{Code: event.CodeMissingParams, Message: "JoinTTS requires clientId"})
		return
	}

	s.registry.SetBinding(join.ClientID, Binding{SID: sess.SID(), Voice: join.Voice, Speed: join.Speed})
	if s.tts != nil {
		if err := s.tts.ConfigureClient(ctx, join.ClientID, join.Voice, join.Speed); err != nil {
			s.logger.Warn("tts configure failed", "client_id", join.ClientID, "error", err)
		}
	}
	sess.Emit(event.TTSSubscribed{ClientID: join.ClientID})
}

func (s *Server) handleLeaveTTS(sess *Session, data json.RawMessage) {
	var leave event.LeaveTTS
	if err := json.Unmarshal(data, &leave); err != nil {
		sess.Emit(event.Error{Code: event.CodeBadRequest, Message: "malformed LeaveTTS payload"})
		return
	}
	if leave.ClientID == "" {
		sess.Emit(event.Error{Code: event.CodeMissingParams, Message: "LeaveTTS requires clientId"})
		return
	}
	s.registry.RemoveBinding(leave.ClientID)
	sess.Emit(event.TTSUnsubscribed{ClientID: leave.ClientID})
}

// HandleTranscript is the STT manager's dispatch target: it routes one
// upstream transcription to its owning session, fires the router, and
// starts the main run. Unknown client_ids are dropped silently; they race
// LeaveSTT and disconnects. Blank transcriptions are dropped too, before
// any event is emitted or a run accepted.
func (s *Server) HandleTranscript(clientID, text string, duration float64, url string) {
	if clientID == "" || strings.TrimSpace(text) == "" {
		return
	}
	sub, ok := s.registry.Subscription(clientID)
	if !ok {
		return
	}
	sess, ok := s.registry.Get(sub.SID)
	if !ok {
		return
	}

	sess.Emit(event.UserTranscript{
		ClientID: clientID,
		ThreadID: sub.ThreadID,
		Text:     text,
		Final:    true,
		Duration: duration,
		TS:       time.Now().UnixMilli(),
	})

	ctx := context.Background()
	if router, ok := s.presets.Get(agent.RouterName); ok {
		s.orch.DispatchRouter(ctx, sess, text, &router)
	}

	preset, ok := s.presets.Get(sub.Agent)
	if !ok {
		sess.Emit(event.Error{Code: event.CodeSTTRouteError, Message: fmt.Sprintf("agent %q is no longer available", sub.Agent)})
		return
	}
	if _, err := s.orch.Start(ctx, sess.State(), sess, run.Params{
		SID:               sess.SID(),
		Text:              text,
		Agent:             preset.Name,
		SystemPromptPath:  preset.SystemPromptPath,
		SamplingOverrides: preset.ParamsOverride,
		MemoryMode:        string(preset.MemoryPolicy),
		ThreadID:          sub.ThreadID,
	}); err != nil {
		sess.Emit(runError(err))
	}
}

// disconnect settles a departing session: cancel and briefly await the
// in-flight run, then purge every index entry the session owned.
func (s *Server) disconnect(sess *Session) {
	sess.State().Interrupt(disconnectAwait)

	orphaned := s.registry.Remove(sess.SID())
	if s.stt == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	for _, sub := range orphaned {
		if err := s.stt.Unsubscribe(ctx, sub.SttURL, sub.ClientID); err != nil {
			s.logger.Warn("disconnect unsubscribe failed", "client_id", sub.ClientID, "error", err)
		}
	}
}

// agentInvalidMessage names the unknown agent and suggests the closest
// known preset when one is similar enough.
func (s *Server) agentInvalidMessage(name string) string {
	msg := fmt.Sprintf("unknown agent %q", name)
	if suggestion := s.presets.Suggest(name); suggestion != "" {
		msg += fmt.Sprintf(", did you mean %q?", suggestion)
	}
	return msg
}

// runError converts an orchestrator rejection into the wire error.
func runError(err error) event.Error {
	if rejection, ok := err.(*run.Error); ok {
		return event.Error{Code: rejection.Code, Message: rejection.Message}
	}
	return event.Error{Message: err.Error()}
}
