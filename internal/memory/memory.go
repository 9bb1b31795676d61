// Package memory implements conversation memory strategies and the registry
// the orchestrator resolves them from.
//
// The only shipped strategy is the thread window: a per-thread ordered list
// of turns rendered into a character-budgeted preamble. History lives in
// process memory only and is lost on restart.
package memory

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"
)

// Mode names accepted from clients and preset files.
const (
	ModeNone         = "none"
	ModeThreadWindow = "thread_window"
)

// minPreambleBudget is the floor of the preamble character budget, so a
// misconfigured tiny token count still yields a usable window.
const minPreambleBudget = 64

// Role values for thread turns.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one entry of a thread: who said what. Turns are append-only and
// never mutated after insertion.
type Turn struct {
	Role    string
	Content string
}

// Strategy is one memory backend. Implementations must be safe for
// concurrent use.
type Strategy interface {
	// Preamble renders the conversation context for threadID, or ""
	// when the thread is empty.
	Preamble(threadID string) string

	// OnUserMessage appends a user turn to threadID.
	OnUserMessage(threadID, text string)

	// OnAssistantMessage appends an assistant turn to threadID.
	OnAssistantMessage(threadID, text string)
}

// ThreadWindow keeps a rolling per-thread transcript with a character
// budget of max(64, maxContextTokens*4), a coarse 4-chars-per-token proxy.
// When the transcript exceeds the budget, the most recent suffix is kept.
type ThreadWindow struct {
	budget int

	mu    sync.Mutex
	store map[string][]Turn
}

// NewThreadWindow builds a ThreadWindow sized for maxContextTokens.
func NewThreadWindow(maxContextTokens int) *ThreadWindow {
	budget := maxContextTokens * 4
	if budget < minPreambleBudget {
		budget = minPreambleBudget
	}
	return &ThreadWindow{
		budget: budget,
		store:  map[string][]Turn{},
	}
}

// Preamble implements [Strategy]. Turns render as "ROLE: content" lines;
// over budget, the tail is kept so the newest turns survive.
func (w *ThreadWindow) Preamble(threadID string) string {
	return w.preamble(threadID, w.budget)
}

// PreambleWithBudget renders the preamble under a per-request budget of
// max(64, maxContextTokens*4), leaving the configured budget untouched.
func (w *ThreadWindow) PreambleWithBudget(threadID string, maxContextTokens int) string {
	budget := maxContextTokens * 4
	if budget < minPreambleBudget {
		budget = minPreambleBudget
	}
	return w.preamble(threadID, budget)
}

func (w *ThreadWindow) preamble(threadID string, budget int) string {
	w.mu.Lock()
	defer w.mu.Unlock()

	turns := w.store[threadID]
	if len(turns) == 0 {
		return ""
	}

	lines := make([]string, len(turns))
	for i, t := range turns {
		lines[i] = strings.ToUpper(t.Role) + ": " + t.Content
	}
	transcript := strings.Join(lines, "\n")
	if len(transcript) > budget {
		cut := len(transcript) - budget
		// Never cut inside a multi-byte rune.
		for cut < len(transcript) && !utf8.RuneStart(transcript[cut]) {
			cut++
		}
		transcript = transcript[cut:]
	}
	return transcript
}

// OnUserMessage implements [Strategy].
func (w *ThreadWindow) OnUserMessage(threadID, text string) {
	w.append(threadID, Turn{Role: RoleUser, Content: text})
}

// OnAssistantMessage implements [Strategy].
func (w *ThreadWindow) OnAssistantMessage(threadID, text string) {
	w.append(threadID, Turn{Role: RoleAssistant, Content: text})
}

func (w *ThreadWindow) append(threadID string, t Turn) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.store[threadID] = append(w.store[threadID], t)
}

// Turns returns a copy of the thread's turns, for tests and diagnostics.
func (w *ThreadWindow) Turns(threadID string) []Turn {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Turn, len(w.store[threadID]))
	copy(out, w.store[threadID])
	return out
}

// Registry maps strategy names to strategies. Names are normalised with
// trim and lowercase on registration and lookup.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{strategies: map[string]Strategy{}}
}

// Register adds or replaces a strategy under name.
func (r *Registry) Register(name string, s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[normalise(name)] = s
}

// Get resolves a strategy by name.
func (r *Registry) Get(name string) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[normalise(name)]
	if !ok {
		return nil, fmt.Errorf("memory: unknown strategy %q (available: %s)",
			name, strings.Join(r.namesLocked(), ", "))
	}
	return s, nil
}

// Names returns the registered strategy names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.strategies))
	for n := range r.strategies {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func normalise(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
