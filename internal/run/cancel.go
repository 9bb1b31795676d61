package run

import "sync/atomic"

// Flag is the level-triggered cancellation signal shared between a session
// and its in-flight run. It is polled rather than signalled so the same
// value works on both sides of the blocking generation boundary.
type Flag struct {
	v atomic.Bool
}

// Set requests cancellation. Idempotent.
func (f *Flag) Set() { f.v.Store(true) }

// Clear resets the flag for the next run.
func (f *Flag) Clear() { f.v.Store(false) }

// IsSet reports whether cancellation has been requested.
func (f *Flag) IsSet() bool { return f.v.Load() }
