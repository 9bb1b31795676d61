// Package anyllm provides an engine backed by github.com/mozilla-ai/any-llm-go,
// a unified multi-provider interface covering OpenAI, Ollama, llama.cpp,
// DeepSeek, Mistral, Groq, and more. It is the escape hatch for deployments
// that do not run an OpenAI-compatible llama-server.
package anyllm

import (
	"context"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/parleylabs/parley/internal/engine"
)

var _ engine.Engine = (*Engine)(nil)

// Engine implements [engine.Engine] on top of an any-llm-go provider.
type Engine struct {
	backend  anyllmlib.Provider
	model    string
	defSys   string
	baseline engine.Sampling
}

// New builds an Engine for the named provider. providerName is one of:
// "openai", "ollama", "llamacpp", "deepseek", "mistral", "groq".
// opts carry credentials and endpoint overrides (anyllmlib.WithAPIKey,
// anyllmlib.WithBaseURL); without an API key option the provider falls
// back to its usual environment variable.
func New(providerName, model, defaultSystemPrompt string, params map[string]any, opts ...anyllmlib.Option) (*Engine, error) {
	if providerName == "" {
		return nil, &engine.InitError{Err: fmt.Errorf("anyllm: provider must not be empty")}
	}
	if model == "" {
		return nil, &engine.InitError{Err: fmt.Errorf("anyllm: model must not be empty")}
	}

	backend, err := createBackend(providerName, opts...)
	if err != nil {
		return nil, &engine.InitError{Err: fmt.Errorf("anyllm: create %q backend: %w", providerName, err)}
	}

	defSys, err := engine.LoadDefaultSystemPrompt(defaultSystemPrompt)
	if err != nil {
		return nil, &engine.InitError{Err: err}
	}

	return &Engine{
		backend:  backend,
		model:    model,
		defSys:   defSys,
		baseline: engine.BaselineSampling(params),
	}, nil
}

// createBackend constructs the underlying any-llm-go provider.
func createBackend(providerName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(providerName) {
	case "openai":
		return anyllmoai.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q; supported: openai, ollama, llamacpp, deepseek, mistral, groq", providerName)
	}
}

// GenerateStream implements [engine.Engine].
func (e *Engine) GenerateStream(ctx context.Context, req engine.Request, cancel engine.Cancel) (*engine.Stream, error) {
	params := e.buildParams(req)

	return engine.NewStream(cancel, func(emit func(string) bool) error {
		chunks, errs := e.backend.CompletionStream(ctx, params)

		for chunk := range chunks {
			if len(chunk.Choices) == 0 {
				continue
			}
			if !emit(chunk.Choices[0].Delta.Content) {
				// Drain so the provider goroutine is not left blocked.
				for range chunks {
				}
				<-errs
				return nil
			}
		}
		if err := <-errs; err != nil && ctx.Err() == nil && !cancel.IsSet() {
			return &engine.DecodeError{Err: err}
		}
		return nil
	}), nil
}

// Close implements [engine.Engine].
func (e *Engine) Close() error { return nil }

// buildParams converts a request into anyllm CompletionParams with the
// merged sampling values. any-llm-go has no top_k/min_p/stop fields;
// those knobs only apply on the llamasrv backend.
func (e *Engine) buildParams(req engine.Request) anyllmlib.CompletionParams {
	sampling := e.baseline.Merge(req.SamplingOverrides)
	system := engine.ResolveSystemPrompt(e.defSys, req.SystemPromptPath)

	var messages []anyllmlib.Message
	if system != "" {
		messages = append(messages, anyllmlib.Message{
			Role:    anyllmlib.RoleSystem,
			Content: system,
		})
	}
	messages = append(messages, anyllmlib.Message{
		Role:    "user",
		Content: engine.UserPayload(req.Preamble, req.Text),
	})

	params := anyllmlib.CompletionParams{
		Model:    e.model,
		Messages: messages,
	}
	t := sampling.Temperature
	params.Temperature = &t
	if sampling.MaxTokens > 0 {
		mt := sampling.MaxTokens
		params.MaxTokens = &mt
	}
	return params
}
