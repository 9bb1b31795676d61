package engine

import (
	"fmt"
	"os"
	"strings"
)

// Baseline generation defaults, used when the model config leaves a knob
// unset.
const (
	defaultTemperature = 0.6
	defaultTopK        = 40
	defaultTopP        = 0.9
	defaultMinP        = 0.0
	defaultMaxTokens   = 512
)

var defaultStop = []string{"</s>"}

// Sampling holds the resolved generation parameters for one call.
type Sampling struct {
	Temperature float64
	TopK        int
	TopP        float64
	MinP        float64
	MaxTokens   int
	Stop        []string
}

// BaselineSampling resolves the model-level params map into a [Sampling]
// with defaults applied. Unrecognised keys are ignored; construction-time
// keys (n_ctx, n_threads, ...) are read separately by the backends.
func BaselineSampling(params map[string]any) Sampling {
	s := Sampling{
		Temperature: defaultTemperature,
		TopK:        defaultTopK,
		TopP:        defaultTopP,
		MinP:        defaultMinP,
		MaxTokens:   defaultMaxTokens,
		Stop:        defaultStop,
	}
	s.apply(params)
	return s
}

// Merge returns a copy of s with the recognised override keys applied.
// Nil values are ignored, matching the per-preset override contract.
func (s Sampling) Merge(overrides map[string]any) Sampling {
	out := s
	out.apply(overrides)
	return out
}

// apply folds recognised keys from m into s, skipping nils.
func (s *Sampling) apply(m map[string]any) {
	if m == nil {
		return
	}
	if v, ok := asFloat(m["temperature"]); ok {
		s.Temperature = v
	}
	if v, ok := asInt(m["top_k"]); ok {
		s.TopK = v
	}
	if v, ok := asFloat(m["top_p"]); ok {
		s.TopP = v
	}
	if v, ok := asFloat(m["min_p"]); ok {
		s.MinP = v
	}
	if v, ok := asInt(m["max_tokens"]); ok {
		s.MaxTokens = v
	}
	if v, ok := asStrings(m["stop"]); ok {
		s.Stop = v
	}
}

// asFloat coerces JSON/YAML numeric decodings into a float64.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// asInt coerces JSON/YAML numeric decodings into an int.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case float32:
		return int(n), true
	}
	return 0, false
}

// asStrings coerces a decoded JSON/YAML list into []string.
func asStrings(v any) ([]string, bool) {
	switch list := v.(type) {
	case []string:
		return list, true
	case []any:
		out := make([]string, 0, len(list))
		for _, e := range list {
			s, ok := e.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

// IntParam reads an int construction param (n_ctx, n_threads, ...) from a
// params map. Returns (0, false) when absent or non-numeric.
func IntParam(params map[string]any, key string) (int, bool) {
	return asInt(params[key])
}

// BoolParam reads a bool construction param from a params map.
func BoolParam(params map[string]any, key string) (bool, bool) {
	b, ok := params[key].(bool)
	return b, ok
}

// StringParam reads a string construction param from a params map.
func StringParam(params map[string]any, key string) (string, bool) {
	s, ok := params[key].(string)
	return s, ok
}

// LoadDefaultSystemPrompt resolves the model-level system prompt value: a
// readable file path yields its trimmed contents, anything else is treated
// as literal text. Empty input yields "".
func LoadDefaultSystemPrompt(value string) (string, error) {
	if value == "" {
		return "", nil
	}
	data, err := os.ReadFile(value)
	if err != nil {
		if os.IsNotExist(err) {
			return strings.TrimSpace(value), nil
		}
		return "", fmt.Errorf("engine: load system prompt %q: %w", value, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// ResolveSystemPrompt returns the effective system prompt for one call:
// the preset file when provided and readable, otherwise defaultPrompt.
func ResolveSystemPrompt(defaultPrompt, path string) string {
	if path == "" {
		return defaultPrompt
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return defaultPrompt
	}
	return strings.TrimSpace(string(data))
}

// UserPayload composes the user message: preamble and text separated by a
// blank line, or text alone.
func UserPayload(preamble, text string) string {
	if preamble == "" {
		return text
	}
	return preamble + "\n\n" + text
}
