// Package agent loads and indexes agent presets: named bundles of system
// prompt, sampling overrides, and memory policy that the gateway routes
// utterances to.
package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// MemoryPolicy selects the memory strategy a preset uses by default.
type MemoryPolicy string

const (
	// MemoryNone disables memory for runs using this preset.
	MemoryNone MemoryPolicy = "none"

	// MemoryThreadWindow enables the rolling per-thread window.
	MemoryThreadWindow MemoryPolicy = "thread_window"
)

// IsValid reports whether p is a recognised memory policy.
func (p MemoryPolicy) IsValid() bool {
	return p == MemoryNone || p == MemoryThreadWindow
}

// RouterName is the preset the router dispatcher requires.
const RouterName = "router"

// Preset is an immutable agent definition loaded from a *.agent.json file.
type Preset struct {
	// Name is the lowercased unique preset name.
	Name string

	// SystemPromptPath is the absolute path to the system prompt text file.
	// Empty when the preset relies on the model's default prompt.
	SystemPromptPath string

	// ParamsOverride holds per-preset sampling overrides merged over the
	// model baseline at generation time. Nil values are ignored.
	ParamsOverride map[string]any

	// MemoryPolicy is the preset's default memory mode.
	MemoryPolicy MemoryPolicy
}

// presetFile is the on-disk JSON shape of a preset.
type presetFile struct {
	Name           string         `json:"name"`
	SystemPrompt   string         `json:"system_prompt"`
	ParamsOverride map[string]any `json:"params_override"`
	MemoryPolicy   string         `json:"memory_policy"`
}

// LoadDir reads every *.agent.json file under dir, sorted by filename, and
// returns the presets keyed by lowercased name. A missing directory yields
// an empty map; a malformed preset file is an error.
func LoadDir(dir string) (map[string]Preset, error) {
	entries, err := filepath.Glob(filepath.Join(dir, "*.agent.json"))
	if err != nil {
		return nil, fmt.Errorf("agent: glob %q: %w", dir, err)
	}
	sort.Strings(entries)

	presets := make(map[string]Preset, len(entries))
	for _, path := range entries {
		p, err := loadFile(path)
		if err != nil {
			return nil, err
		}
		presets[p.Name] = p
	}
	return presets, nil
}

// loadFile parses a single preset file and enforces the schema rules:
// name is required, grammar_path is rejected, and the legacy
// system_prompt_path alias is rejected.
func loadFile(path string) (Preset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Preset{}, fmt.Errorf("agent: read %q: %w", path, err)
	}

	// Decode to a raw map first so unsupported keys can be rejected
	// regardless of their value type.
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Preset{}, fmt.Errorf("agent: parse %q: %w", path, err)
	}
	base := filepath.Base(path)
	if g, ok := raw["grammar_path"]; ok && strings.TrimSpace(trimJSONString(g)) != "" {
		return Preset{}, fmt.Errorf("agent: %s contains grammar_path but grammar support is disabled", base)
	}
	if _, ok := raw["system_prompt_path"]; ok {
		return Preset{}, fmt.Errorf("agent: %s uses system_prompt_path; use system_prompt only", base)
	}

	var pf presetFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return Preset{}, fmt.Errorf("agent: parse %q: %w", path, err)
	}

	name := strings.ToLower(strings.TrimSpace(pf.Name))
	if name == "" {
		return Preset{}, fmt.Errorf("agent: %s missing required name", base)
	}

	policy := MemoryPolicy(strings.ToLower(strings.TrimSpace(pf.MemoryPolicy)))
	if policy == "" {
		policy = MemoryNone
	}
	if !policy.IsValid() {
		return Preset{}, fmt.Errorf("agent: %s memory_policy %q is invalid; valid values: none, thread_window", base, pf.MemoryPolicy)
	}

	p := Preset{
		Name:           name,
		ParamsOverride: pf.ParamsOverride,
		MemoryPolicy:   policy,
	}
	if pf.SystemPrompt != "" {
		sp := pf.SystemPrompt
		if !filepath.IsAbs(sp) {
			sp = filepath.Join(filepath.Dir(path), sp)
		}
		p.SystemPromptPath = sp
	}
	return p, nil
}

// trimJSONString strips quotes from a raw JSON string value; non-string
// values are returned as their raw text so emptiness checks still work.
func trimJSONString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
