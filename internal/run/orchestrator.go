// Package run drives generations: the orchestrator owns the lifecycle of
// one run from acceptance to its terminal event, and the router dispatcher
// schedules fire-and-forget classification passes alongside it.
package run

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/parleylabs/parley/internal/engine"
	"github.com/parleylabs/parley/internal/gateway/event"
	"github.com/parleylabs/parley/internal/memory"
	"github.com/parleylabs/parley/internal/observe"
	"github.com/parleylabs/parley/internal/pool"
)

// Emitter delivers outbound events to the session that owns a run.
// Implementations serialise writes; delivery failures are theirs to log.
type Emitter interface {
	Emit(ev event.Outbound)
}

// TTSSink is the subset of the TTS manager the orchestrator drives.
type TTSSink interface {
	SendTextChunk(ctx context.Context, clientID, chunk string, final bool) error
	StopGeneration(ctx context.Context, clientID string) error
}

// TTSBindings resolves the TTS client bound to a session, if any.
type TTSBindings interface {
	TTSClientFor(sid string) (string, bool)
}

// budgetPreambler is implemented by strategies that support a per-request
// window budget, such as the thread window.
type budgetPreambler interface {
	PreambleWithBudget(threadID string, maxContextTokens int) string
}

// Error is a run rejection carrying a protocol error code.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

// Config wires an Orchestrator.
type Config struct {
	// Pool rents the engines. Required.
	Pool *pool.Pool

	// Memories resolves memory strategies. Required; may be empty, in
	// which case memory requests fail with MEM_DISABLED.
	Memories *memory.Registry

	// TTS receives generated deltas for bound clients. Optional.
	TTS TTSSink

	// Bindings resolves a session's TTS client. Optional.
	Bindings TTSBindings

	// Timeout is the wall-clock bound on one run's streaming phase,
	// measured from engine acquisition. Waiting for a free engine is
	// not counted against it. Zero disables it.
	Timeout time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics may be nil.
	Metrics *observe.Metrics
}

// Orchestrator drives runs. Safe for concurrent use across sessions; the
// per-session State enforces single inflight.
type Orchestrator struct {
	pool     *pool.Pool
	memories *memory.Registry
	tts      TTSSink
	bindings TTSBindings
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *observe.Metrics
}

// New validates cfg and builds an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("run: Config.Pool is required")
	}
	if cfg.Memories == nil {
		return nil, fmt.Errorf("run: Config.Memories is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Orchestrator{
		pool:     cfg.Pool,
		memories: cfg.Memories,
		tts:      cfg.TTS,
		bindings: cfg.Bindings,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}, nil
}

// Params describes one requested run.
type Params struct {
	// SID is the originating session id.
	SID string

	// Text is the user utterance. The gateway rejects empty text before
	// it gets here.
	Text string

	// Agent is the preset name, echoed in RunStarted.
	Agent string

	// SystemPromptPath and SamplingOverrides come from the preset.
	SystemPromptPath  string
	SamplingOverrides map[string]any

	// MemoryMode is "", "none", or a registered strategy name.
	MemoryMode string

	// MemoryMaxTokens, when > 0, overrides the strategy's window budget
	// for this run only.
	MemoryMaxTokens int

	// ThreadID identifies the conversation for memory. Required when
	// MemoryMode enables a strategy.
	ThreadID string
}

// Start accepts and launches one run. It validates memory parameters,
// enforces single inflight, emits RunStarted, and then streams on its own
// goroutine. The returned error, if any, is a *Error carrying the
// protocol code; nothing has been emitted in that case.
func (o *Orchestrator) Start(ctx context.Context, st *State, em Emitter, p Params) (string, error) {
	strat, err := o.resolveMemory(p)
	if err != nil {
		return "", err
	}

	// Cheap pre-check before taking the acceptance lock.
	if st.Busy() {
		return "", &Error{Code: event.CodeBusy, Message: "a run is already in flight for this session"}
	}

	task := newTask(uuid.NewString())
	if !st.accept(task) {
		return "", &Error{Code: event.CodeBusy, Message: "a run is already in flight for this session"}
	}

	em.Emit(event.RunStarted{RunID: task.ID(), Agent: p.Agent})
	o.logger.Info("run accepted", "run_id", task.ID(), "sid", p.SID, "agent", p.Agent)

	go o.execute(ctx, st, em, task, p, strat)
	return task.ID(), nil
}

// resolveMemory maps the requested mode onto a strategy, or nil when
// memory is off.
func (o *Orchestrator) resolveMemory(p Params) (memory.Strategy, error) {
	mode := strings.ToLower(strings.TrimSpace(p.MemoryMode))
	if mode == "" || mode == memory.ModeNone {
		return nil, nil
	}
	if len(o.memories.Names()) == 0 {
		return nil, &Error{Code: event.CodeMemDisabled, Message: "no memory strategies are configured"}
	}
	strat, err := o.memories.Get(mode)
	if err != nil {
		return nil, &Error{Code: event.CodeMemUnknown, Message: err.Error()}
	}
	if p.ThreadID == "" {
		return nil, &Error{
			Code:    event.CodeMemThreadRequired,
			Message: fmt.Sprintf("memory mode %q requires a thread_id", mode),
		}
	}
	return strat, nil
}

// execute runs the streaming phase and emits exactly one terminal event.
func (o *Orchestrator) execute(ctx context.Context, st *State, em Emitter, task *Task, p Params, strat memory.Strategy) {
	defer func() {
		task.finish()
		st.clear(task)
	}()

	var ttsClient string
	hasTTS := false
	if o.tts != nil && o.bindings != nil {
		ttsClient, hasTTS = o.bindings.TTSClientFor(p.SID)
	}

	// Silence any lingering playback from a previous run.
	if hasTTS {
		if err := o.tts.StopGeneration(ctx, ttsClient); err != nil {
			o.logger.Warn("pre-run tts stop failed", "run_id", task.ID(), "error", err)
		}
	}

	var preamble string
	if strat != nil {
		if bp, ok := strat.(budgetPreambler); ok && p.MemoryMaxTokens > 0 {
			preamble = bp.PreambleWithBudget(p.ThreadID, p.MemoryMaxTokens)
		} else {
			preamble = strat.Preamble(p.ThreadID)
		}
		// The user turn is recorded up front so interrupted runs keep it.
		strat.OnUserMessage(p.ThreadID, p.Text)
	}

	eng, release, err := o.pool.Acquire(ctx)
	if err != nil {
		o.finish(ctx, st, em, task, p, strat, hasTTS, ttsClient, "", err)
		return
	}
	defer release()

	// The deadline starts once an engine is held, so time spent queued
	// behind other runs does not eat into it.
	runCtx := ctx
	if o.timeout > 0 {
		var cancelFn context.CancelFunc
		runCtx, cancelFn = context.WithTimeout(ctx, o.timeout)
		defer cancelFn()
	}

	stream, err := eng.GenerateStream(runCtx, engine.Request{
		Text:              p.Text,
		SystemPromptPath:  p.SystemPromptPath,
		SamplingOverrides: p.SamplingOverrides,
		Preamble:          preamble,
	}, st.CancelFlag())
	if err != nil {
		o.finish(ctx, st, em, task, p, strat, hasTTS, ttsClient, "", err)
		return
	}
	defer stream.Close()

	var buf strings.Builder
	var chunks int64
	var streamErr error
	for {
		delta, nextErr := stream.Next(runCtx)
		if nextErr == io.EOF {
			break
		}
		if nextErr != nil {
			streamErr = nextErr
			break
		}
		buf.WriteString(delta)
		chunks++
		em.Emit(event.ChatChunk{RunID: task.ID(), Chunk: delta})
		if hasTTS && !st.CancelFlag().IsSet() {
			if err := o.tts.SendTextChunk(ctx, ttsClient, delta, false); err != nil {
				o.logger.Warn("tts chunk forward failed", "run_id", task.ID(), "error", err)
			}
		}
	}

	// A clean EOF after the deadline fired is still a timeout: the engine
	// stream ends without error when its context dies.
	if streamErr == nil && runCtx.Err() != nil {
		streamErr = runCtx.Err()
	}

	o.metrics.RecordChunks(ctx, chunks)
	o.finish(ctx, st, em, task, p, strat, hasTTS, ttsClient, buf.String(), streamErr)
}

// finish emits the single terminal event for a run and settles TTS and
// memory according to the disposition.
func (o *Orchestrator) finish(ctx context.Context, st *State, em Emitter, task *Task, p Params, strat memory.Strategy, hasTTS bool, ttsClient, assistantText string, streamErr error) {
	timedOut := o.timeout > 0 && errors.Is(streamErr, context.DeadlineExceeded)

	stopTTS := func() {
		if !hasTTS {
			return
		}
		if err := o.tts.StopGeneration(ctx, ttsClient); err != nil {
			o.logger.Warn("tts stop failed", "run_id", task.ID(), "error", err)
		}
	}

	switch {
	case st.CancelFlag().IsSet():
		stopTTS()
		id := task.ID()
		em.Emit(event.Interrupted{RunID: &id})
		o.metrics.RecordRun(ctx, "interrupted")
		o.logger.Info("run interrupted", "run_id", task.ID(), "sid", p.SID)

	case timedOut:
		st.CancelFlag().Set()
		stopTTS()
		msg := fmt.Sprintf("Timeout after %ds", int(o.timeout.Seconds()))
		em.Emit(event.Error{RunID: task.ID(), Message: msg})
		o.metrics.RecordRun(ctx, "timeout")
		o.logger.Warn("run timed out", "run_id", task.ID(), "sid", p.SID, "timeout", o.timeout)

	case streamErr != nil:
		stopTTS()
		em.Emit(event.Error{RunID: task.ID(), Message: streamErr.Error()})
		o.metrics.RecordRun(ctx, "error")
		o.logger.Error("run failed", "run_id", task.ID(), "sid", p.SID, "error", streamErr)

	default:
		if hasTTS {
			if err := o.tts.SendTextChunk(ctx, ttsClient, "", true); err != nil {
				o.logger.Warn("tts final flush failed", "run_id", task.ID(), "error", err)
			}
		}
		if strat != nil {
			strat.OnAssistantMessage(p.ThreadID, assistantText)
		}
		em.Emit(event.ChatDone{RunID: task.ID()})
		o.metrics.RecordRun(ctx, "done")
		o.logger.Info("run done", "run_id", task.ID(), "sid", p.SID, "chunks_len", len(assistantText))
	}
}
