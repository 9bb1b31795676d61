// Package mock provides a test double for the engine.Engine interface.
//
// Use Engine in unit tests to feed scripted delta sequences without a live
// backend and to verify the requests the orchestrator sends. All fields are
// safe to set before calling any method; mutating them during a concurrent
// call is the caller's responsibility.
//
// Example:
//
//	e := &mock.Engine{Deltas: []string{"Hello", ", ", "world"}}
//	stream, err := e.GenerateStream(ctx, req, cancel)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/parleylabs/parley/internal/engine"
)

// GenerateCall records a single invocation of GenerateStream.
type GenerateCall struct {
	// Ctx is the context passed to GenerateStream.
	Ctx context.Context
	// Req is the request passed to GenerateStream.
	Req engine.Request
}

// Engine is a mock implementation of engine.Engine.
// Zero values cause GenerateStream to return an immediately-ending stream.
type Engine struct {
	mu sync.Mutex

	// --- Configurable behaviour ---

	// Deltas is the sequence emitted by the stream, in order.
	Deltas []string

	// DeltaDelay, when non-zero, is slept before each delta. Use it to keep
	// a generation in flight while the test pokes at cancellation.
	DeltaDelay time.Duration

	// StartErr, if non-nil, is returned from GenerateStream itself.
	StartErr error

	// StreamErr, if non-nil, is surfaced in-band after all Deltas.
	StreamErr error

	// --- Call records (read after test) ---

	// GenerateCalls records every invocation of GenerateStream in order.
	GenerateCalls []GenerateCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// GenerateStream records the call and returns a stream scripted by Deltas,
// DeltaDelay and StreamErr.
func (e *Engine) GenerateStream(ctx context.Context, req engine.Request, cancel engine.Cancel) (*engine.Stream, error) {
	e.mu.Lock()
	e.GenerateCalls = append(e.GenerateCalls, GenerateCall{Ctx: ctx, Req: req})
	deltas := make([]string, len(e.Deltas))
	copy(deltas, e.Deltas)
	delay := e.DeltaDelay
	startErr := e.StartErr
	streamErr := e.StreamErr
	e.mu.Unlock()

	if startErr != nil {
		return nil, startErr
	}

	return engine.NewStream(cancel, func(emit func(string) bool) error {
		for _, d := range deltas {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return nil
				}
			}
			if !emit(d) {
				return nil
			}
		}
		return streamErr
	}), nil
}

// Close records the call.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CloseCallCount++
	return nil
}

// Calls returns a snapshot of recorded GenerateStream calls. Thread-safe.
func (e *Engine) Calls() []GenerateCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]GenerateCall, len(e.GenerateCalls))
	copy(out, e.GenerateCalls)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.GenerateCalls = nil
	e.CloseCallCount = 0
}

// Ensure Engine implements engine.Engine at compile time.
var _ engine.Engine = (*Engine)(nil)
