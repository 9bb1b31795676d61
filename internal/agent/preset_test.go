package agent_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/parleylabs/parley/internal/agent"
)

// writePreset writes content to dir/<name>.agent.json.
func writePreset(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name+".agent.json"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "router.txt"), []byte("classify"), 0o644); err != nil {
		t.Fatal(err)
	}
	writePreset(t, dir, "router", `{
		"name": "Router",
		"system_prompt": "router.txt",
		"params_override": {"temperature": 0.1, "max_tokens": 64},
		"memory_policy": "none"
	}`)
	writePreset(t, dir, "topic", `{
		"name": "topic",
		"system_prompt": "router.txt",
		"memory_policy": "thread_window"
	}`)

	presets, err := agent.LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir() error: %v", err)
	}
	if len(presets) != 2 {
		t.Fatalf("len(presets) = %d, want 2", len(presets))
	}

	router, ok := presets["router"]
	if !ok {
		t.Fatal("preset 'router' missing (name should be lowercased)")
	}
	if !filepath.IsAbs(router.SystemPromptPath) {
		t.Errorf("SystemPromptPath %q is not absolute", router.SystemPromptPath)
	}
	if got := router.ParamsOverride["max_tokens"]; got != float64(64) {
		t.Errorf("max_tokens override = %v, want 64", got)
	}
	if presets["topic"].MemoryPolicy != agent.MemoryThreadWindow {
		t.Errorf("topic MemoryPolicy = %q, want thread_window", presets["topic"].MemoryPolicy)
	}
}

func TestLoadDir_MissingDirIsEmpty(t *testing.T) {
	t.Parallel()

	presets, err := agent.LoadDir(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatalf("LoadDir() error: %v", err)
	}
	if len(presets) != 0 {
		t.Errorf("len(presets) = %d, want 0", len(presets))
	}
}

func TestLoadDir_Rejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"missing name", `{"memory_policy": "none"}`, "missing required name"},
		{"grammar path", `{"name": "x", "grammar_path": "g.gbnf"}`, "grammar support is disabled"},
		{"prompt path alias", `{"name": "x", "system_prompt_path": "p.txt"}`, "system_prompt_path"},
		{"bad memory policy", `{"name": "x", "memory_policy": "vector"}`, "memory_policy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			writePreset(t, dir, "bad", tt.content)
			_, err := agent.LoadDir(dir)
			if err == nil {
				t.Fatal("LoadDir() succeeded, want error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadDir_EmptyGrammarPathAllowed(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writePreset(t, dir, "ok", `{"name": "ok", "grammar_path": ""}`)
	presets, err := agent.LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir() error: %v", err)
	}
	if _, ok := presets["ok"]; !ok {
		t.Error("preset 'ok' missing")
	}
}

func TestRegistry_GetNormalisesNames(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writePreset(t, dir, "router", `{"name": "router"}`)
	reg, err := agent.NewRegistry(dir)
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := reg.Get("  Router "); !ok {
		t.Error("Get() did not normalise the requested name")
	}
	if _, ok := reg.Get("nope"); ok {
		t.Error("Get() returned a preset for an unknown name")
	}
}

func TestRegistry_Suggest(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writePreset(t, dir, "router", `{"name": "router"}`)
	writePreset(t, dir, "topic", `{"name": "topic"}`)
	reg, err := agent.NewRegistry(dir)
	if err != nil {
		t.Fatal(err)
	}

	if got := reg.Suggest("routr"); got != "router" {
		t.Errorf("Suggest(routr) = %q, want router", got)
	}
	if got := reg.Suggest("zzzz"); got != "" {
		t.Errorf("Suggest(zzzz) = %q, want empty", got)
	}
}

func TestRegistry_Reload(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writePreset(t, dir, "router", `{"name": "router"}`)
	reg, err := agent.NewRegistry(dir)
	if err != nil {
		t.Fatal(err)
	}

	writePreset(t, dir, "topic", `{"name": "topic"}`)
	if err := reg.Reload(); err != nil {
		t.Fatalf("Reload() error: %v", err)
	}
	if got := reg.Names(); len(got) != 2 {
		t.Errorf("Names() after reload = %v, want 2 entries", got)
	}

	// A broken preset file must leave the previous set intact.
	writePreset(t, dir, "broken", `{"memory_policy": 3`)
	if err := reg.Reload(); err == nil {
		t.Fatal("Reload() succeeded on broken preset file")
	}
	if got := reg.Names(); len(got) != 2 {
		t.Errorf("Names() after failed reload = %v, want previous 2 entries", got)
	}
}
