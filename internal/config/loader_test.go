package config_test

import (
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/parleylabs/parley/internal/config"
)

const validJSON = `{
  "server":  {"listen_addr": ":9090", "log_level": "debug"},
  "runtime": {"pool_size": 2, "per_request_timeout_s": 30},
  "engine":  {"backend": "llamasrv", "base_url": "http://127.0.0.1:8080/v1"},
  "models": [
    {"name": "main", "active": true, "path": "qwen2.5-7b", "params": {"temperature": 0.6, "max_tokens": 512}}
  ],
  "memory": {"strategies": {"thread_window": {"max_context_tokens": 1024}}},
  "tts": {"url": "http://localhost:5002"}
}`

func TestLoadJSON_Valid(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadJSON(strings.NewReader(validJSON))
	if err != nil {
		t.Fatalf("LoadJSON() error: %v", err)
	}
	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want :9090", cfg.Server.ListenAddr)
	}
	if cfg.Runtime.PoolSize != 2 {
		t.Errorf("PoolSize = %d, want 2", cfg.Runtime.PoolSize)
	}
	if cfg.Runtime.PerRequestTimeoutS != 30 {
		t.Errorf("PerRequestTimeoutS = %d, want 30", cfg.Runtime.PerRequestTimeoutS)
	}
	if got := cfg.ActiveModel().Path; got != "qwen2.5-7b" {
		t.Errorf("ActiveModel().Path = %q, want qwen2.5-7b", got)
	}
	if cfg.Memory.Strategies.ThreadWindow == nil {
		t.Fatal("ThreadWindow strategy config missing")
	}
	if got := cfg.Memory.Strategies.ThreadWindow.MaxContextTokens; got != 1024 {
		t.Errorf("MaxContextTokens = %d, want 1024", got)
	}
}

func TestLoadJSON_Defaults(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadJSON(strings.NewReader(`{"models": [{"name": "m", "active": true}]}`))
	if err != nil {
		t.Fatalf("LoadJSON() error: %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("default ListenAddr = %q, want :8080", cfg.Server.ListenAddr)
	}
	if cfg.Runtime.PoolSize != 1 {
		t.Errorf("default PoolSize = %d, want 1", cfg.Runtime.PoolSize)
	}
	if cfg.Engine.Backend != config.BackendLlamaSrv {
		t.Errorf("default Backend = %q, want llamasrv", cfg.Engine.Backend)
	}
	if cfg.Agents.Dir != "agents" {
		t.Errorf("default Agents.Dir = %q, want agents", cfg.Agents.Dir)
	}
}

func TestLoadYAML_Valid(t *testing.T) {
	t.Parallel()

	const y = `
server:
  listen_addr: ":7070"
models:
  - name: main
    active: true
    path: local
`
	cfg, err := config.LoadYAML(strings.NewReader(y))
	if err != nil {
		t.Fatalf("LoadYAML() error: %v", err)
	}
	if cfg.Server.ListenAddr != ":7070" {
		t.Errorf("ListenAddr = %q, want :7070", cfg.Server.ListenAddr)
	}
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		json string
		want string
	}{
		{
			name: "no active model",
			json: `{"models": [{"name": "a"}, {"name": "b"}]}`,
			want: "exactly one entry with active",
		},
		{
			name: "two active models",
			json: `{"models": [{"name": "a", "active": true}, {"name": "b", "active": true}]}`,
			want: "exactly one entry with active",
		},
		{
			name: "grammar path rejected",
			json: `{"models": [{"name": "a", "active": true, "grammar_path": "g.gbnf"}]}`,
			want: "grammar support is disabled",
		},
		{
			name: "bad pool size",
			json: `{"runtime": {"pool_size": -1}, "models": [{"name": "a", "active": true}]}`,
			want: "pool_size",
		},
		{
			name: "bad log level",
			json: `{"server": {"log_level": "verbose"}, "models": [{"name": "a", "active": true}]}`,
			want: "log_level",
		},
		{
			name: "anyllm without provider",
			json: `{"engine": {"backend": "anyllm"}, "models": [{"name": "a", "active": true}]}`,
			want: "engine.provider is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadJSON(strings.NewReader(tt.json))
			if err == nil {
				t.Fatal("LoadJSON() succeeded, want error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadJSON_UnknownField(t *testing.T) {
	t.Parallel()

	_, err := config.LoadJSON(strings.NewReader(`{"modelz": []}`))
	if err == nil {
		t.Fatal("LoadJSON() accepted unknown field")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := config.Load("does/not/exist.json")
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Load() error = %v, want os.ErrNotExist", err)
	}
	if !strings.Contains(err.Error(), "does/not/exist.json") {
		t.Errorf("error %q does not mention the path", err)
	}
}
