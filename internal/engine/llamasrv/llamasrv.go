// Package llamasrv provides an engine backed by an OpenAI-compatible
// chat-completions server, such as llama.cpp's llama-server, using the
// official OpenAI Go SDK.
//
// llama.cpp-only sampling knobs (top_k, min_p) have no field in the OpenAI
// request schema; they are injected into the request body with
// option.WithJSONSet, which llama-server honours and api.openai.com
// ignores.
package llamasrv

import (
	"context"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/parleylabs/parley/internal/engine"
)

// Compile-time check that *Engine satisfies [engine.Engine].
var _ engine.Engine = (*Engine)(nil)

// pingTimeout bounds the construction-time reachability probe.
const pingTimeout = 10 * time.Second

// Option is a functional option for configuring the Engine.
type Option func(*settings)

// settings holds optional construction parameters.
type settings struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	ping    bool
}

// WithBaseURL points the client at a non-default endpoint
// (e.g., "http://127.0.0.1:8080/v1" for a local llama-server).
func WithBaseURL(url string) Option {
	return func(s *settings) { s.baseURL = url }
}

// WithAPIKey sets the bearer token sent on every request. llama-server
// ignores it unless started with --api-key.
func WithAPIKey(key string) Option {
	return func(s *settings) { s.apiKey = key }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) { s.timeout = d }
}

// WithPing enables a construction-time probe of the server's model list,
// so a dead or misconfigured server fails at startup rather than on the
// first run.
func WithPing() Option {
	return func(s *settings) { s.ping = true }
}

// Engine implements [engine.Engine] against an OpenAI-compatible server.
type Engine struct {
	client   oai.Client
	model    string
	defSys   string
	baseline engine.Sampling
}

// New builds an Engine for model. defaultSystemPrompt is the model-level
// prompt value (path or literal; presets override per call); params is the
// model's baseline params map from the configuration.
func New(ctx context.Context, model, defaultSystemPrompt string, params map[string]any, opts ...Option) (*Engine, error) {
	if model == "" {
		return nil, &engine.InitError{Err: fmt.Errorf("llamasrv: model must not be empty")}
	}

	var s settings
	for _, o := range opts {
		o(&s)
	}

	reqOpts := []option.RequestOption{}
	if s.apiKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(s.apiKey))
	}
	if s.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(s.baseURL))
	}
	if s.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: s.timeout}))
	}

	defSys, err := engine.LoadDefaultSystemPrompt(defaultSystemPrompt)
	if err != nil {
		return nil, &engine.InitError{Err: err}
	}

	e := &Engine{
		client:   oai.NewClient(reqOpts...),
		model:    model,
		defSys:   defSys,
		baseline: engine.BaselineSampling(params),
	}

	if s.ping {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		if _, err := e.client.Models.List(pingCtx); err != nil {
			return nil, &engine.InitError{Err: fmt.Errorf("llamasrv: server unreachable: %w", err)}
		}
	}

	return e, nil
}

// GenerateStream implements [engine.Engine].
func (e *Engine) GenerateStream(ctx context.Context, req engine.Request, cancel engine.Cancel) (*engine.Stream, error) {
	params, callOpts := e.buildParams(req)

	return engine.NewStream(cancel, func(emit func(string) bool) error {
		stream := e.client.Chat.Completions.NewStreaming(ctx, params, callOpts...)
		defer stream.Close()

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			if !emit(chunk.Choices[0].Delta.Content) {
				return nil
			}
		}
		if err := stream.Err(); err != nil && ctx.Err() == nil && !cancel.IsSet() {
			return &engine.DecodeError{Err: err}
		}
		return nil
	}), nil
}

// Close implements [engine.Engine]. The SDK client holds no connection
// state beyond its HTTP client, so there is nothing to release.
func (e *Engine) Close() error { return nil }

// buildParams assembles the request from the merged sampling parameters.
func (e *Engine) buildParams(req engine.Request) (oai.ChatCompletionNewParams, []option.RequestOption) {
	sampling := e.baseline.Merge(req.SamplingOverrides)
	system := engine.ResolveSystemPrompt(e.defSys, req.SystemPromptPath)

	var messages []oai.ChatCompletionMessageParamUnion
	if system != "" {
		messages = append(messages, oai.SystemMessage(system))
	}
	messages = append(messages, oai.UserMessage(engine.UserPayload(req.Preamble, req.Text)))

	params := oai.ChatCompletionNewParams{
		Model:       shared.ChatModel(e.model),
		Messages:    messages,
		Temperature: param.NewOpt(sampling.Temperature),
		TopP:        param.NewOpt(sampling.TopP),
		MaxTokens:   param.NewOpt(int64(sampling.MaxTokens)),
	}
	if len(sampling.Stop) > 0 {
		params.Stop = oai.ChatCompletionNewParamsStopUnion{OfStringArray: sampling.Stop}
	}

	var callOpts []option.RequestOption
	if sampling.TopK > 0 {
		callOpts = append(callOpts, option.WithJSONSet("top_k", sampling.TopK))
	}
	if sampling.MinP > 0 {
		callOpts = append(callOpts, option.WithJSONSet("min_p", sampling.MinP))
	}
	return params, callOpts
}
