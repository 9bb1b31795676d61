// Package engine defines the Engine interface and its supporting types.
//
// An Engine wraps a token generator — a remote OpenAI-compatible server or
// any backend reachable through any-llm-go — and exposes a uniform streaming
// interface for the run orchestrator: one call, one cancellable sequence of
// non-empty text deltas.
//
// Generation is blocking on the backend side. Implementations bridge it to
// the caller through a [Stream]: a bounded handoff buffer fed by a dedicated
// producer goroutine, so a slow consumer applies backpressure instead of
// growing memory without bound.
//
// Implementations must be safe for sequential reuse; the worker pool
// guarantees an engine is rented to at most one run at a time.
package engine

import (
	"context"
	"fmt"
)

// Cancel is a level-triggered cancellation flag. It is polled — never
// signalled through panics or channel closes — so the same value crosses
// the blocking producer boundary and the cooperative consumer side.
type Cancel interface {
	// IsSet reports whether cancellation has been requested.
	IsSet() bool
}

// Request carries everything an engine needs for one generation.
type Request struct {
	// Text is the user utterance. Must be non-empty.
	Text string

	// SystemPromptPath optionally points at a text file whose (trimmed)
	// contents replace the engine's default system prompt. The file is
	// re-read on every call so edits take effect without a restart.
	SystemPromptPath string

	// SamplingOverrides are merged over the engine's baseline generation
	// parameters. Recognised keys: temperature, top_k, top_p, min_p,
	// max_tokens, stop. Nil values are ignored.
	SamplingOverrides map[string]any

	// Preamble, when non-empty, is prepended to Text separated by a blank
	// line. Memory strategies use it to supply conversation context.
	Preamble string
}

// Engine is the abstraction over any streaming token generator.
type Engine interface {
	// GenerateStream starts one generation and returns its delta stream.
	// The returned stream emits non-empty deltas in generation order and
	// terminates early, without error, once cancel is set. An error return
	// means the stream could not be started at all.
	GenerateStream(ctx context.Context, req Request, cancel Cancel) (*Stream, error)

	// Close releases backend resources. Safe to call multiple times.
	Close() error
}

// InitError reports a failure to construct an engine (unreachable server,
// missing model, bad construction params). Fatal at startup.
type InitError struct {
	Err error
}

func (e *InitError) Error() string { return fmt.Sprintf("engine init: %v", e.Err) }

func (e *InitError) Unwrap() error { return e.Err }

// DecodeError reports a malformed frame received mid-stream. It surfaces
// from [Stream.Next] and terminates the run with an error disposition.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("engine stream decode: %v", e.Err) }

func (e *DecodeError) Unwrap() error { return e.Err }

// neverCancel is the zero cancellation used where no flag applies.
type neverCancel struct{}

func (neverCancel) IsSet() bool { return false }

// NeverCancel returns a Cancel that is never set. The router dispatcher
// uses it so user interrupts cannot kill an in-flight classification.
func NeverCancel() Cancel { return neverCancel{} }
