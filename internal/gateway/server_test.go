package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/parleylabs/parley/internal/agent"
	"github.com/parleylabs/parley/internal/engine"
	enginemock "github.com/parleylabs/parley/internal/engine/mock"
	"github.com/parleylabs/parley/internal/gateway"
	"github.com/parleylabs/parley/internal/gateway/event"
	"github.com/parleylabs/parley/internal/memory"
	"github.com/parleylabs/parley/internal/pool"
	"github.com/parleylabs/parley/internal/run"
)

// sttStub records Subscribe/Unsubscribe calls and can fail on demand.
type sttStub struct {
	mu     sync.Mutex
	subs   []string
	unsubs []string
	err    error
}

func (s *sttStub) Subscribe(_ context.Context, url, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.subs = append(s.subs, url+"|"+clientID)
	return nil
}

func (s *sttStub) Unsubscribe(_ context.Context, url, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubs = append(s.unsubs, url+"|"+clientID)
	return nil
}

func (s *sttStub) snapshot() (subs, unsubs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.subs...), append([]string(nil), s.unsubs...)
}

// ttsStub satisfies gateway.TTSControl.
type ttsStub struct{}

func (ttsStub) StopGeneration(context.Context, string) error            { return nil }
func (ttsStub) ConfigureClient(context.Context, string, string, *float64) error { return nil }

// fixture bundles a running gateway and a connected client.
type fixture struct {
	server   *gateway.Server
	registry *gateway.Registry
	mem      *memory.ThreadWindow
	stt      *sttStub
	conn     *websocket.Conn
}

func presetsDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "prompt.txt"), []byte("answer briefly"), 0o644); err != nil {
		t.Fatal(err)
	}
	write := func(name, content string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(dir, name+".agent.json"), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("router", `{"name": "router", "system_prompt": "prompt.txt", "memory_policy": "none"}`)
	write("topic", `{"name": "topic", "system_prompt": "prompt.txt", "memory_policy": "thread_window"}`)
	return dir
}

func newFixture(t *testing.T, eng engine.Engine) *fixture {
	t.Helper()

	p, err := pool.New([]engine.Engine{eng})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { p.Close() })

	mem := memory.NewThreadWindow(512)
	memories := memory.NewRegistry()
	memories.Register(memory.ModeThreadWindow, mem)

	presets, err := agent.NewRegistry(presetsDir(t))
	if err != nil {
		t.Fatal(err)
	}

	orch, err := run.New(run.Config{Pool: p, Memories: memories})
	if err != nil {
		t.Fatal(err)
	}

	registry := gateway.NewRegistry()
	stub := &sttStub{}
	server, err := gateway.New(gateway.Config{
		Registry:     registry,
		Presets:      presets,
		Orchestrator: orch,
		STT:          stub,
		TTS:          ttsStub{},
	})
	if err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(http.HandlerFunc(server.ServeHTTP))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "done") })

	return &fixture{server: server, registry: registry, mem: mem, stt: stub, conn: conn}
}

func (f *fixture) send(t *testing.T, name string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	frame, err := json.Marshal(event.Envelope{Event: name, Data: data})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := f.conn.Write(ctx, websocket.MessageText, frame); err != nil {
		t.Fatalf("send %s: %v", name, err)
	}
}

// recv reads one outbound event as (name, payload).
func (f *fixture) recv(t *testing.T) (string, map[string]any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := f.conn.Read(ctx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	var env event.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("recv unmarshal: %v", err)
	}
	var payload map[string]any
	_ = json.Unmarshal(env.Data, &payload)
	return env.Event, payload
}

// recvUntil reads events until one named want arrives, returning its
// payload and every event seen on the way.
func (f *fixture) recvUntil(t *testing.T, want string) (map[string]any, []string) {
	t.Helper()
	var seen []string
	for i := 0; i < 32; i++ {
		name, payload := f.recv(t)
		seen = append(seen, name)
		if name == want {
			return payload, seen
		}
	}
	t.Fatalf("event %s never arrived; saw %v", want, seen)
	return nil, nil
}

func TestChat_SingleRun(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &enginemock.Engine{Deltas: []string{"a", "b", "c"}})
	f.send(t, event.NameChat, event.Chat{Agent: "router", Text: "hello"})

	name, started := f.recv(t)
	if name != "RunStarted" {
		t.Fatalf("first event = %s, want RunStarted", name)
	}
	runID := started["runId"].(string)

	var text strings.Builder
	for i := 0; i < 3; i++ {
		name, payload := f.recv(t)
		if name != "ChatChunk" || payload["runId"] != runID {
			t.Fatalf("event %d = %s %v, want ChatChunk for %s", i, name, payload, runID)
		}
		text.WriteString(payload["chunk"].(string))
	}
	if text.String() != "abc" {
		t.Errorf("chunks concatenate to %q, want abc", text.String())
	}

	name, done := f.recv(t)
	if name != "ChatDone" || done["runId"] != runID {
		t.Errorf("terminal = %s %v, want ChatDone for %s", name, done, runID)
	}
}

func TestChat_Validation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &enginemock.Engine{})

	tests := []struct {
		name     string
		payload  any
		wantCode string
		contains string
	}{
		{"empty text", event.Chat{Agent: "router", Text: "  "}, event.CodeEmpty, ""},
		{"unknown agent", event.Chat{Agent: "routr", Text: "hi"}, event.CodeAgentInvalid, `did you mean "router"`},
		{"bad memory", map[string]any{"agent": "router", "text": "hi", "memory": 7}, event.CodeBadRequest, "memory"},
		{
			"thread required",
			map[string]any{"agent": "router", "text": "hi", "memory": "thread_window"},
			event.CodeMemThreadRequired, "",
		},
	}

	for _, tt := range tests {
		f.send(t, event.NameChat, tt.payload)
		name, payload := f.recv(t)
		if name != "Error" {
			t.Fatalf("%s: event = %s %v, want Error", tt.name, name, payload)
		}
		if payload["code"] != tt.wantCode {
			t.Errorf("%s: code = %v, want %s", tt.name, payload["code"], tt.wantCode)
		}
		if tt.contains != "" && !strings.Contains(payload["message"].(string), tt.contains) {
			t.Errorf("%s: message %q does not contain %q", tt.name, payload["message"], tt.contains)
		}
	}

	// Unknown event names are rejected too.
	f.send(t, "Bogus", map[string]any{})
	if name, payload := f.recv(t); name != "Error" || payload["code"] != event.CodeBadRequest {
		t.Errorf("unknown event: got %s %v, want BAD_REQUEST", name, payload)
	}
}

func TestChat_BusyRejection(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &enginemock.Engine{
		Deltas:     []string{"x"},
		DeltaDelay: 100 * time.Millisecond,
	})

	f.send(t, event.NameChat, event.Chat{Agent: "router", Text: "one"})
	f.send(t, event.NameChat, event.Chat{Agent: "router", Text: "two"})

	payload, seen := f.recvUntil(t, "Error")
	if payload["code"] != event.CodeBusy {
		t.Fatalf("Error code = %v, want BUSY (saw %v)", payload["code"], seen)
	}
	starts := 0
	for _, n := range seen {
		if n == "RunStarted" {
			starts++
		}
	}
	if starts != 1 {
		t.Errorf("RunStarted count before BUSY = %d, want 1", starts)
	}

	// The first run still completes.
	if _, seen := f.recvUntil(t, "ChatDone"); len(seen) == 0 {
		t.Error("first run never finished")
	}
}

func TestInterrupt_AckWithoutRun(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &enginemock.Engine{})
	f.send(t, event.NameInterrupt, map[string]any{})

	name, payload := f.recv(t)
	if name != "Interrupted" {
		t.Fatalf("event = %s, want Interrupted", name)
	}
	if id, present := payload["runId"]; !present || id != nil {
		t.Errorf("Interrupted.runId = %v, want null", id)
	}
}

func TestInterrupt_AcksAfterActiveRun(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &enginemock.Engine{
		Deltas:     []string{"x"},
		DeltaDelay: 400 * time.Millisecond,
	})
	f.send(t, event.NameChat, event.Chat{Agent: "router", Text: "hello"})

	name, started := f.recv(t)
	if name != "RunStarted" {
		t.Fatalf("first event = %s, want RunStarted", name)
	}
	runID := started["runId"].(string)

	f.send(t, event.NameInterrupt, map[string]any{})

	// The run emits its own Interrupted terminal with its id, then the
	// handler acks with a null id.
	sawRunTerminal := false
	for i := 0; i < 8; i++ {
		name, payload := f.recv(t)
		if name != "Interrupted" {
			continue
		}
		if id, ok := payload["runId"].(string); ok {
			if id != runID {
				t.Fatalf("Interrupted.runId = %q, want %q", id, runID)
			}
			sawRunTerminal = true
			continue
		}
		if payload["runId"] != nil {
			t.Fatalf("Interrupted.runId = %v, want null ack", payload["runId"])
		}
		if !sawRunTerminal {
			t.Error("null ack arrived before the run's Interrupted terminal")
		}
		return
	}
	t.Fatal("null-runId Interrupted ack never arrived")
}

func TestJoinSTT(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &enginemock.Engine{})

	// Missing params.
	f.send(t, event.NameJoinSTT, event.JoinSTT{ClientID: "c1"})
	if name, payload := f.recv(t); name != "Error" || payload["code"] != event.CodeMissingParams {
		t.Fatalf("got %s %v, want MISSING_PARAMS", name, payload)
	}

	// thread_window agent without a thread id.
	f.send(t, event.NameJoinSTT, event.JoinSTT{SttURL: "ws://stt", ClientID: "c1", Agent: "topic"})
	if name, payload := f.recv(t); name != "Error" || payload["code"] != event.CodeThreadRequired {
		t.Fatalf("got %s %v, want THREAD_REQUIRED", name, payload)
	}

	// Success.
	f.send(t, event.NameJoinSTT, event.JoinSTT{SttURL: "ws://stt", ClientID: "c1", Agent: "topic", ThreadID: "t1"})
	name, payload := f.recv(t)
	if name != "STTSubscribed" || payload["clientId"] != "c1" {
		t.Fatalf("got %s %v, want STTSubscribed for c1", name, payload)
	}
	subs, _ := f.stt.snapshot()
	if len(subs) != 1 || subs[0] != "ws://stt|c1" {
		t.Errorf("upstream subscribes = %v", subs)
	}

	// Leave.
	f.send(t, event.NameLeaveSTT, event.LeaveSTT{ClientID: "c1"})
	if name, _ := f.recv(t); name != "STTUnsubscribed" {
		t.Fatalf("got %s, want STTUnsubscribed", name)
	}
	if _, ok := f.registry.Subscription("c1"); ok {
		t.Error("subscription survived LeaveSTT")
	}
}

func TestJoinSTT_ConnectFailureCleansMapping(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &enginemock.Engine{})
	f.stt.err = errors.New("upstream refused")

	f.send(t, event.NameJoinSTT, event.JoinSTT{SttURL: "ws://stt", ClientID: "c1", Agent: "router"})
	name, payload := f.recv(t)
	if name != "Error" || payload["code"] != event.CodeSTTConnect {
		t.Fatalf("got %s %v, want STT_CONNECT", name, payload)
	}
	if _, ok := f.registry.Subscription("c1"); ok {
		t.Error("failed join left a dangling subscription")
	}
}

func TestJoinLeaveTTS(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &enginemock.Engine{})

	speed := 1.1
	f.send(t, event.NameJoinTTS, event.JoinTTS{ClientID: "c1", Voice: "nova", Speed: &speed})
	if name, payload := f.recv(t); name != "TTSSubscribed" || payload["clientId"] != "c1" {
		t.Fatalf("got %s %v, want TTSSubscribed", name, payload)
	}

	f.send(t, event.NameLeaveTTS, event.LeaveTTS{ClientID: "c1"})
	if name, _ := f.recv(t); name != "TTSUnsubscribed" {
		t.Fatal("want TTSUnsubscribed")
	}
}

func TestHandleTranscript_DrivesFullTurn(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &enginemock.Engine{Deltas: []string{"sure", " thing"}})

	f.send(t, event.NameJoinSTT, event.JoinSTT{SttURL: "ws://stt", ClientID: "c1", Agent: "topic", ThreadID: "t1"})
	if name, _ := f.recv(t); name != "STTSubscribed" {
		t.Fatal("join failed")
	}

	f.server.HandleTranscript("c1", "hi", 0.5, "ws://stt")

	tr, _ := f.recvUntil(t, "UserTranscript")
	if tr["clientId"] != "c1" || tr["threadId"] != "t1" || tr["text"] != "hi" ||
		tr["final"] != true || tr["duration"] != 0.5 {
		t.Errorf("UserTranscript = %v", tr)
	}

	// Both the router result and the main run terminal must arrive; their
	// relative order is unspecified.
	sawRouter, sawDone := false, false
	for i := 0; i < 32 && !(sawRouter && sawDone); i++ {
		name, _ := f.recv(t)
		switch name {
		case "RouterResult":
			sawRouter = true
		case "ChatDone":
			sawDone = true
		}
	}
	if !sawRouter || !sawDone {
		t.Fatalf("sawRouter=%v sawDone=%v", sawRouter, sawDone)
	}

	turns := f.mem.Turns("t1")
	if len(turns) != 2 || turns[0].Content != "hi" || turns[1].Content != "sure thing" {
		t.Errorf("thread turns = %+v, want [user hi, assistant sure thing]", turns)
	}

	// Unknown client_ids are dropped silently.
	f.server.HandleTranscript("ghost", "boo", 0.1, "ws://stt")
}

func TestHandleTranscript_DropsBlankText(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &enginemock.Engine{Deltas: []string{"yes"}})

	f.send(t, event.NameJoinSTT, event.JoinSTT{SttURL: "ws://stt", ClientID: "c1", Agent: "topic", ThreadID: "t1"})
	if name, _ := f.recv(t); name != "STTSubscribed" {
		t.Fatal("join failed")
	}

	f.server.HandleTranscript("c1", "", 0.1, "ws://stt")
	f.server.HandleTranscript("c1", "  \n ", 0.1, "ws://stt")
	f.server.HandleTranscript("", "hello", 0.1, "ws://stt")

	// UserTranscript is emitted synchronously, so had any blank gone
	// through, its event would precede the real one's.
	f.server.HandleTranscript("c1", "hello", 0.2, "ws://stt")
	name, tr := f.recv(t)
	if name != "UserTranscript" || tr["text"] != "hello" {
		t.Fatalf("first event after blanks = %s %v, want UserTranscript for hello", name, tr)
	}
	f.recvUntil(t, "ChatDone")

	turns := f.mem.Turns("t1")
	if len(turns) != 2 || turns[0].Content != "hello" || turns[1].Content != "yes" {
		t.Errorf("thread turns = %+v, want only the real exchange", turns)
	}
}

func TestDisconnect_PurgesIndexes(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &enginemock.Engine{})

	f.send(t, event.NameJoinSTT, event.JoinSTT{SttURL: "ws://stt", ClientID: "c1", Agent: "router"})
	if name, _ := f.recv(t); name != "STTSubscribed" {
		t.Fatal("join failed")
	}
	f.send(t, event.NameJoinTTS, event.JoinTTS{ClientID: "c1"})
	if name, _ := f.recv(t); name != "TTSSubscribed" {
		t.Fatal("tts join failed")
	}

	f.conn.Close(websocket.StatusNormalClosure, "leaving")

	deadline := time.Now().Add(5 * time.Second)
	for {
		_, subPresent := f.registry.Subscription("c1")
		if f.registry.Len() == 0 && !subPresent {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("indexes not purged after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}

	_, unsubs := f.stt.snapshot()
	if len(unsubs) != 1 || unsubs[0] != "ws://stt|c1" {
		t.Errorf("upstream unsubscribes = %v, want the orphaned room", unsubs)
	}
}
