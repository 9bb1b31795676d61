package agent

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/antzucaro/matchr"
	"github.com/fsnotify/fsnotify"
)

// suggestThreshold is the minimum JaroWinkler similarity for a "did you
// mean" hint on unknown preset names.
const suggestThreshold = 0.8

// Registry holds the loaded presets and supports atomic reload.
// All exported methods are safe for concurrent use.
type Registry struct {
	dir string

	mu      sync.RWMutex
	presets map[string]Preset
}

// NewRegistry loads the presets under dir and returns a registry over them.
func NewRegistry(dir string) (*Registry, error) {
	presets, err := LoadDir(dir)
	if err != nil {
		return nil, err
	}
	for name := range presets {
		slog.Info("agent preset loaded", "name", name)
	}
	return &Registry{dir: dir, presets: presets}, nil
}

// Get returns the preset registered under name (trimmed and lowercased).
func (r *Registry) Get(name string) (Preset, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.presets[key]
	return p, ok
}

// Names returns the sorted preset names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.presets))
	for n := range r.presets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Suggest returns the registered name closest to the (unknown) requested
// name, or "" when nothing clears the similarity threshold.
func (r *Registry) Suggest(name string) string {
	key := strings.ToLower(strings.TrimSpace(name))

	r.mu.RLock()
	defer r.mu.RUnlock()

	best, bestScore := "", suggestThreshold
	for n := range r.presets {
		if s := matchr.JaroWinkler(key, n, false); s > bestScore {
			best, bestScore = n, s
		}
	}
	return best
}

// Reload re-reads the preset directory and atomically swaps the registry
// contents. A directory that fails to load leaves the previous presets in
// place and returns the error.
func (r *Registry) Reload() error {
	presets, err := LoadDir(r.dir)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.presets = presets
	r.mu.Unlock()
	slog.Info("agent presets reloaded", "dir", r.dir, "count", len(presets))
	return nil
}

// Watch hot-reloads the preset directory on file changes until ctx is done.
// Reload failures are logged and skipped; they never tear the server down.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(r.dir); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(event.Name, ".agent.json") {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
				event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				if err := r.Reload(); err != nil {
					slog.Error("agent preset reload failed", "dir", r.dir, "err", err)
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("agent preset watcher error", "dir", r.dir, "err", err)
		}
	}
}
