package engine

import (
	"context"
	"io"
	"sync"
)

// streamBuffer is the capacity of the producer→consumer handoff buffer.
// The bound provides backpressure and caps memory on a slow consumer.
const streamBuffer = 256

// item is one slot of the handoff buffer: a delta or an in-band error.
type item struct {
	delta string
	err   error
}

// Stream is the asynchronous side of one generation. The producer runs on
// its own goroutine and blocks on the bounded buffer; the consumer drains
// it via [Stream.Next]. End of stream is signalled by closing the buffer.
//
// A Stream is single-consumer. Call [Stream.Close] when abandoning it
// early so the producer can observe cancellation and exit.
type Stream struct {
	ch     chan item
	cancel Cancel
	done   chan struct{}
	once   sync.Once
}

// Producer generates deltas, handing each to emit. It must stop and return
// when emit reports false (the consumer is gone or cancel is set). A
// non-nil return is surfaced in-band from [Stream.Next].
type Producer func(emit func(delta string) bool) error

// NewStream starts produce on a dedicated goroutine and returns the
// consumer handle. Empty deltas are swallowed; cancel is polled before
// every emission on the producer side.
func NewStream(cancel Cancel, produce Producer) *Stream {
	if cancel == nil {
		cancel = NeverCancel()
	}
	s := &Stream{
		ch:     make(chan item, streamBuffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	emit := func(delta string) bool {
		if cancel.IsSet() {
			return false
		}
		if delta == "" {
			return true
		}
		select {
		case s.ch <- item{delta: delta}:
			return !cancel.IsSet()
		case <-s.done:
			return false
		}
	}

	go func() {
		defer close(s.ch)
		if err := produce(emit); err != nil {
			select {
			case s.ch <- item{err: err}:
			case <-s.done:
			}
		}
	}()

	return s
}

// Next returns the next delta. It returns [io.EOF] on clean end of stream
// and when cancellation truncated it; the caller distinguishes the two by
// consulting its cancel flag. Mid-stream faults are returned as-is.
func (s *Stream) Next(ctx context.Context) (string, error) {
	if s.cancel.IsSet() {
		return "", io.EOF
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case it, ok := <-s.ch:
		if !ok {
			return "", io.EOF
		}
		if it.err != nil {
			return "", it.err
		}
		if s.cancel.IsSet() {
			return "", io.EOF
		}
		return it.delta, nil
	}
}

// Close abandons the stream: it unblocks a producer waiting on the full
// buffer so it can notice cancellation and drain. Idempotent.
func (s *Stream) Close() {
	s.once.Do(func() { close(s.done) })
}

// Collect drains the stream into a single string. Used by callers that do
// not need incremental output, such as the router dispatcher.
func (s *Stream) Collect(ctx context.Context) (string, error) {
	var out []byte
	for {
		delta, err := s.Next(ctx)
		if err == io.EOF {
			return string(out), nil
		}
		if err != nil {
			return string(out), err
		}
		out = append(out, delta...)
	}
}
