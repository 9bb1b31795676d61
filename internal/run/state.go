package run

import (
	"sync"
	"time"
)

// Task is the handle of one in-flight run.
type Task struct {
	id   string
	done chan struct{}
}

func newTask(id string) *Task {
	return &Task{id: id, done: make(chan struct{})}
}

// ID returns the run id.
func (t *Task) ID() string { return t.id }

// Finished reports whether the run has reached a terminal state.
func (t *Task) Finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Await blocks until the run finishes or d elapses. Reports whether the
// run finished in time.
func (t *Task) Await(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *Task) finish() { close(t.done) }

// State is the per-session run state: the cancel flag, the acceptance
// lock, and the handle of the current run. One State per connection,
// owned by the session registry.
type State struct {
	cancel Flag

	mu      sync.Mutex
	current *Task
}

// NewState builds an idle State.
func NewState() *State { return &State{} }

// CancelFlag exposes the session's cancel flag for the engine boundary.
func (s *State) CancelFlag() *Flag { return &s.cancel }

// Busy reports whether a run is currently in flight.
func (s *State) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busyLocked()
}

func (s *State) busyLocked() bool {
	return s.current != nil && !s.current.Finished()
}

// accept installs a fresh task if no run is in flight, clearing the
// cancel flag for the new run. Reports whether acceptance succeeded.
func (s *State) accept(t *Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busyLocked() {
		return false
	}
	s.cancel.Clear()
	s.current = t
	return true
}

// clear drops the current task if it is still t.
func (s *State) clear(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == t {
		s.current = nil
	}
}

// Interrupt sets the cancel flag and, when a run is in flight, awaits its
// terminal for up to wait. Returns the interrupted run's id and whether a
// run was in flight at all.
func (s *State) Interrupt(wait time.Duration) (string, bool) {
	s.mu.Lock()
	t := s.current
	s.mu.Unlock()

	s.cancel.Set()
	if t == nil || t.Finished() {
		return "", false
	}
	t.Await(wait)
	return t.ID(), true
}
