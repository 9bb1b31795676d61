// Package event defines the client-facing wire protocol: one JSON text
// frame per event, shaped as {"event": <name>, "data": <object>}.
//
// Inbound types carry what clients send; outbound types implement
// [Outbound] so any layer holding a session sink can emit them without
// knowing the envelope.
package event

import (
	"encoding/json"
	"fmt"
)

// Inbound event names.
const (
	NameChat      = "Chat"
	NameInterrupt = "Interrupt"
	NameJoinSTT   = "JoinSTT"
	NameLeaveSTT  = "LeaveSTT"
	NameJoinTTS   = "JoinTTS"
	NameLeaveTTS  = "LeaveTTS"
)

// Error codes surfaced in [Error].
const (
	CodeNoSession         = "NO_SESSION"
	CodeBadRequest        = "BAD_REQUEST"
	CodeAgentInvalid      = "AGENT_INVALID"
	CodeEmpty             = "EMPTY"
	CodeMissingParams     = "MISSING_PARAMS"
	CodeMemDisabled       = "MEM_DISABLED"
	CodeMemUnknown        = "MEM_UNKNOWN"
	CodeMemThreadRequired = "MEM_THREAD_REQUIRED"
	CodeThreadRequired    = "THREAD_REQUIRED"
	CodeBusy              = "BUSY"
	CodeSTTConnect        = "STT_CONNECT"
	CodeSTTRouteError     = "STT_ROUTE_ERROR"
	CodeEngineInit        = "ENGINE_INIT"
)

// Envelope is the frame wrapper for both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// DecodeEnvelope parses one inbound frame.
func DecodeEnvelope(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("event: malformed frame: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("event: frame missing event name")
	}
	return env, nil
}

// Outbound is implemented by every event the server emits to a client.
type Outbound interface {
	EventName() string
}

// Marshal wraps an outbound event in its envelope.
func Marshal(ev Outbound) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("event: marshal %s: %w", ev.EventName(), err)
	}
	frame, err := json.Marshal(Envelope{Event: ev.EventName(), Data: data})
	if err != nil {
		return nil, fmt.Errorf("event: marshal envelope %s: %w", ev.EventName(), err)
	}
	return frame, nil
}

// --- Inbound payloads ---

// Chat requests a generation. Memory is either a bare mode string or
// {"mode": ..., "thread_window": {"max_context_tokens": ...}}; use
// [ParseMemoryRequest].
type Chat struct {
	Agent    string          `json:"agent"`
	Text     string          `json:"text"`
	Memory   json.RawMessage `json:"memory,omitempty"`
	ThreadID string          `json:"thread_id,omitempty"`
}

// JoinSTT subscribes a client_id room on an upstream STT service.
type JoinSTT struct {
	SttURL   string `json:"sttUrl"`
	ClientID string `json:"clientId"`
	Agent    string `json:"agent"`
	ThreadID string `json:"threadId,omitempty"`
}

// LeaveSTT drops a client_id room subscription.
type LeaveSTT struct {
	ClientID string `json:"clientId"`
}

// JoinTTS binds a client_id to the TTS downlink.
type JoinTTS struct {
	ClientID string   `json:"clientId"`
	Voice    string   `json:"voice,omitempty"`
	Speed    *float64 `json:"speed,omitempty"`
}

// LeaveTTS removes a TTS binding.
type LeaveTTS struct {
	ClientID string `json:"clientId"`
}

// MemoryRequest is the parsed form of [Chat.Memory].
type MemoryRequest struct {
	// Mode is "none", "thread_window", or "" when the client sent nothing.
	Mode string
	// MaxContextTokens, when > 0, overrides the strategy's window budget
	// for this request only.
	MaxContextTokens int
}

// ParseMemoryRequest accepts the string and object flavours of the Chat
// memory field.
func ParseMemoryRequest(raw json.RawMessage) (MemoryRequest, error) {
	if len(raw) == 0 {
		return MemoryRequest{}, nil
	}

	var mode string
	if err := json.Unmarshal(raw, &mode); err == nil {
		return MemoryRequest{Mode: mode}, nil
	}

	var obj struct {
		Mode         string `json:"mode"`
		ThreadWindow *struct {
			MaxContextTokens int `json:"max_context_tokens"`
		} `json:"thread_window"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return MemoryRequest{}, fmt.Errorf("event: memory must be a mode string or an object: %w", err)
	}
	req := MemoryRequest{Mode: obj.Mode}
	if obj.ThreadWindow != nil {
		req.MaxContextTokens = obj.ThreadWindow.MaxContextTokens
	}
	return req, nil
}

// --- Outbound payloads ---

// RunStarted announces run acceptance.
type RunStarted struct {
	RunID string `json:"runId"`
	Agent string `json:"agent,omitempty"`
}

func (RunStarted) EventName() string { return "RunStarted" }

// ChatChunk carries one generated delta.
type ChatChunk struct {
	RunID string `json:"runId"`
	Chunk string `json:"chunk"`
}

func (ChatChunk) EventName() string { return "ChatChunk" }

// ChatDone is the success terminal of a run.
type ChatDone struct {
	RunID string `json:"runId"`
}

func (ChatDone) EventName() string { return "ChatDone" }

// Interrupted is the cancel terminal of a run. RunID is null when emitted
// as the ack of an Interrupt with no run in flight.
type Interrupted struct {
	RunID *string `json:"runId"`
}

func (Interrupted) EventName() string { return "Interrupted" }

// Error reports a validation or run failure.
type Error struct {
	Code    string `json:"code,omitempty"`
	RunID   string `json:"runId,omitempty"`
	Message string `json:"message"`
}

func (Error) EventName() string { return "Error" }

// STTSubscribed acknowledges JoinSTT.
type STTSubscribed struct {
	ClientID string `json:"clientId"`
	SttURL   string `json:"sttUrl"`
	Agent    string `json:"agent"`
}

func (STTSubscribed) EventName() string { return "STTSubscribed" }

// STTUnsubscribed acknowledges LeaveSTT.
type STTUnsubscribed struct {
	ClientID string `json:"clientId"`
}

func (STTUnsubscribed) EventName() string { return "STTUnsubscribed" }

// TTSSubscribed acknowledges JoinTTS.
type TTSSubscribed struct {
	ClientID string `json:"clientId"`
}

func (TTSSubscribed) EventName() string { return "TTSSubscribed" }

// TTSUnsubscribed acknowledges LeaveTTS.
type TTSUnsubscribed struct {
	ClientID string `json:"clientId"`
}

func (TTSUnsubscribed) EventName() string { return "TTSUnsubscribed" }

// UserTranscript relays an accepted upstream transcription.
type UserTranscript struct {
	ClientID string  `json:"clientId"`
	ThreadID string  `json:"threadId,omitempty"`
	Text     string  `json:"text"`
	Final    bool    `json:"final"`
	Duration float64 `json:"duration"`
	TS       int64   `json:"ts"`
}

func (UserTranscript) EventName() string { return "UserTranscript" }

// RouterResult is the router agent's parsed output, forwarded verbatim.
type RouterResult map[string]any

func (RouterResult) EventName() string { return "RouterResult" }

// RouterError builds the failure shape of RouterResult.
func RouterError(reason string) RouterResult {
	return RouterResult{"Operation": "ERROR", "Reason": reason}
}
