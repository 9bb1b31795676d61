// Package config provides the configuration schema and loader for the Parley
// gateway server.
package config

// LogLevel controls log verbosity for the Parley server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// LogFormat selects the slog handler used for server logs.
type LogFormat string

const (
	// LogText renders human-readable coloured output (tint handler).
	LogText LogFormat = "text"

	// LogJSON renders one JSON object per line for log shippers.
	LogJSON LogFormat = "json"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == LogText || f == LogJSON
}

// Backend selects the engine implementation workers are built on.
type Backend string

const (
	// BackendLlamaSrv talks to an OpenAI-compatible llama.cpp server using
	// the official OpenAI Go SDK.
	BackendLlamaSrv Backend = "llamasrv"

	// BackendAnyLLM uses any-llm-go and supports openai, ollama, llamacpp
	// and the other providers that library ships.
	BackendAnyLLM Backend = "anyllm"
)

// IsValid reports whether b is a recognised engine backend.
func (b Backend) IsValid() bool {
	return b == BackendLlamaSrv || b == BackendAnyLLM
}

// Config is the root configuration structure for Parley.
// It is typically loaded from a JSON or YAML file using [Load].
type Config struct {
	Server  ServerConfig  `json:"server" yaml:"server"`
	Runtime RuntimeConfig `json:"runtime" yaml:"runtime"`
	Engine  EngineConfig  `json:"engine" yaml:"engine"`
	Models  []ModelConfig `json:"models" yaml:"models"`
	Agents  AgentsConfig  `json:"agents" yaml:"agents"`
	Memory  MemoryConfig  `json:"memory" yaml:"memory"`
	TTS     TTSConfig     `json:"tts" yaml:"tts"`
}

// ServerConfig holds network and logging settings for the gateway.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `json:"log_level" yaml:"log_level"`

	// LogFormat selects text (default) or json output.
	LogFormat LogFormat `json:"log_format" yaml:"log_format"`

	// StaticDir, when non-empty, is a directory served at "/" for the
	// browser client. Leave empty to disable static serving.
	StaticDir string `json:"static_dir" yaml:"static_dir"`
}

// RuntimeConfig holds the dispatch-fabric knobs.
type RuntimeConfig struct {
	// PoolSize is the number of engine workers built at startup. Minimum 1.
	PoolSize int `json:"pool_size" yaml:"pool_size"`

	// PerRequestTimeoutS bounds the streaming phase of a single run, in
	// seconds. Zero disables the timeout.
	PerRequestTimeoutS int `json:"per_request_timeout_s" yaml:"per_request_timeout_s"`
}

// EngineConfig selects and configures the engine backend shared by all
// workers in the pool.
type EngineConfig struct {
	// Backend selects the implementation. Defaults to "llamasrv".
	Backend Backend `json:"backend" yaml:"backend"`

	// Provider is the any-llm-go provider name ("openai", "ollama",
	// "llamacpp", ...). Ignored by the llamasrv backend.
	Provider string `json:"provider" yaml:"provider"`

	// BaseURL overrides the backend's default API endpoint
	// (e.g., "http://127.0.0.1:8080/v1" for a local llama.cpp server).
	BaseURL string `json:"base_url" yaml:"base_url"`

	// APIKey authenticates against the backend, if it requires one.
	APIKey string `json:"api_key" yaml:"api_key"`
}

// ModelConfig describes one model entry. Exactly one entry must have
// Active set; that entry drives every worker in the pool.
type ModelConfig struct {
	// Name is a human-readable label used in logs.
	Name string `json:"name" yaml:"name"`

	// Active marks the model the pool is built for.
	Active bool `json:"active" yaml:"active"`

	// Path identifies the model on the backend (model name for API
	// backends, weights path for a locally launched server).
	Path string `json:"path" yaml:"path"`

	// SystemPrompt is the default system prompt: a path to a text file, or
	// literal text. Agent presets override it per call. May be empty.
	SystemPrompt string `json:"system_prompt" yaml:"system_prompt"`

	// Params holds baseline generation and construction parameters.
	// Recognised keys: temperature, top_k, top_p, min_p, max_tokens, stop,
	// n_threads, n_gpu_layers, n_ctx, n_batch, n_ubatch, flash_attn,
	// chat_format, verbose.
	Params map[string]any `json:"params" yaml:"params"`

	// GrammarPath is not supported; any non-empty value fails validation.
	GrammarPath string `json:"grammar_path" yaml:"grammar_path"`
}

// AgentsConfig locates the agent preset directory.
type AgentsConfig struct {
	// Dir is the directory scanned for *.agent.json preset files.
	// Defaults to "agents".
	Dir string `json:"dir" yaml:"dir"`

	// Watch enables hot-reloading of the preset directory.
	Watch bool `json:"watch" yaml:"watch"`
}

// MemoryConfig declares which memory strategies are available.
type MemoryConfig struct {
	Strategies StrategiesConfig `json:"strategies" yaml:"strategies"`
}

// StrategiesConfig holds per-strategy settings. A nil entry means the
// strategy is not registered.
type StrategiesConfig struct {
	ThreadWindow *ThreadWindowConfig `json:"thread_window" yaml:"thread_window"`
}

// ThreadWindowConfig configures the rolling-window memory strategy.
type ThreadWindowConfig struct {
	// MaxContextTokens bounds the preamble; the character budget is
	// max(64, MaxContextTokens*4). Defaults to 1024.
	MaxContextTokens int `json:"max_context_tokens" yaml:"max_context_tokens"`
}

// TTSConfig locates the upstream text-to-speech service.
type TTSConfig struct {
	// URL is the base URL of the TTS service. Empty disables TTS coupling.
	URL string `json:"url" yaml:"url"`
}
