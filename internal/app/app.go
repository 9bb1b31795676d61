// Package app wires the Parley subsystems into a running gateway server.
//
// The App struct owns the full lifecycle: New builds and connects the
// engine pool, memory strategies, agent presets, STT/TTS managers, and
// the websocket gateway; Run serves HTTP until the context is cancelled;
// Shutdown tears everything down in order.
//
// For testing, inject mock engines via [WithEngines]; New then skips the
// backend construction driven by the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/parleylabs/parley/internal/agent"
	"github.com/parleylabs/parley/internal/config"
	"github.com/parleylabs/parley/internal/engine"
	"github.com/parleylabs/parley/internal/engine/anyllm"
	"github.com/parleylabs/parley/internal/engine/llamasrv"
	"github.com/parleylabs/parley/internal/gateway"
	"github.com/parleylabs/parley/internal/health"
	"github.com/parleylabs/parley/internal/memory"
	"github.com/parleylabs/parley/internal/observe"
	"github.com/parleylabs/parley/internal/pool"
	"github.com/parleylabs/parley/internal/run"
	"github.com/parleylabs/parley/internal/stt"
	"github.com/parleylabs/parley/internal/tts"
)

// shutdownTimeout bounds the HTTP server drain when the run context ends.
const shutdownTimeout = 10 * time.Second

// defaultThreadWindowTokens sizes the thread-window strategy when the
// config enables it without a token count.
const defaultThreadWindowTokens = 1024

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *observe.Metrics

	engines  []engine.Engine
	pool     *pool.Pool
	presets  *agent.Registry
	registry *gateway.Registry
	orch     *run.Orchestrator
	sttMgr   *stt.Manager
	ttsMgr   *tts.Manager
	gateway  *gateway.Server
	handler  http.Handler

	// closers run in reverse-init order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithEngines injects pre-built engines instead of constructing the
// configured backend. The pool size then follows len(engines).
func WithEngines(engines ...engine.Engine) Option {
	return func(a *App) { a.engines = engines }
}

// WithMetrics injects a metrics recorder. Nil disables recording; every
// observe.Metrics method is nil-safe.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New builds the application from a validated config. All construction is
// synchronous: engine workers (including the optional startup ping), the
// pool, memory strategies, agent presets, the STT/TTS managers, and the
// gateway with its HTTP routes.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{cfg: cfg, logger: logger}
	for _, o := range opts {
		o(a)
	}

	if err := a.initPool(ctx); err != nil {
		return nil, fmt.Errorf("app: init pool: %w", err)
	}
	memories := a.initMemories()
	if err := a.initPresets(); err != nil {
		return nil, fmt.Errorf("app: init presets: %w", err)
	}
	if err := a.initTTS(); err != nil {
		return nil, fmt.Errorf("app: init tts: %w", err)
	}
	if err := a.initOrchestrator(memories); err != nil {
		return nil, fmt.Errorf("app: init orchestrator: %w", err)
	}
	if err := a.initGateway(); err != nil {
		return nil, fmt.Errorf("app: init gateway: %w", err)
	}
	a.initRoutes()

	return a, nil
}

// initPool builds the engine workers and the pool over them.
func (a *App) initPool(ctx context.Context) error {
	if len(a.engines) == 0 {
		for i := 0; i < a.cfg.Runtime.PoolSize; i++ {
			e, err := a.buildEngine(ctx)
			if err != nil {
				return fmt.Errorf("build worker %d: %w", i, err)
			}
			a.engines = append(a.engines, e)
		}
	}

	p, err := pool.New(a.engines, pool.WithWaitObserver(a.metrics.RecordPoolWait))
	if err != nil {
		return err
	}
	a.pool = p
	a.closers = append(a.closers, p.Close)
	a.logger.Info("engine pool ready", "size", p.Size(), "backend", a.cfg.Engine.Backend)
	return nil
}

// buildEngine constructs one worker for the configured backend and the
// active model.
func (a *App) buildEngine(ctx context.Context) (engine.Engine, error) {
	model := a.cfg.ActiveModel()

	switch a.cfg.Engine.Backend {
	case config.BackendLlamaSrv:
		opts := []llamasrv.Option{llamasrv.WithPing()}
		if a.cfg.Engine.BaseURL != "" {
			opts = append(opts, llamasrv.WithBaseURL(a.cfg.Engine.BaseURL))
		}
		if a.cfg.Engine.APIKey != "" {
			opts = append(opts, llamasrv.WithAPIKey(a.cfg.Engine.APIKey))
		}
		return llamasrv.New(ctx, model.Path, model.SystemPrompt, model.Params, opts...)

	case config.BackendAnyLLM:
		var opts []anyllmlib.Option
		if a.cfg.Engine.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(a.cfg.Engine.BaseURL))
		}
		if a.cfg.Engine.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(a.cfg.Engine.APIKey))
		}
		return anyllm.New(a.cfg.Engine.Provider, model.Path, model.SystemPrompt, model.Params, opts...)

	default:
		return nil, fmt.Errorf("unknown engine backend %q", a.cfg.Engine.Backend)
	}
}

// initMemories registers the configured memory strategies.
func (a *App) initMemories() *memory.Registry {
	memories := memory.NewRegistry()
	if tw := a.cfg.Memory.Strategies.ThreadWindow; tw != nil {
		tokens := tw.MaxContextTokens
		if tokens == 0 {
			tokens = defaultThreadWindowTokens
		}
		memories.Register(memory.ModeThreadWindow, memory.NewThreadWindow(tokens))
		a.logger.Info("memory strategy registered", "name", memory.ModeThreadWindow, "max_context_tokens", tokens)
	}
	return memories
}

func (a *App) initPresets() error {
	presets, err := agent.NewRegistry(a.cfg.Agents.Dir)
	if err != nil {
		return err
	}
	a.presets = presets
	return nil
}

// initTTS builds the TTS manager when a service URL is configured.
func (a *App) initTTS() error {
	if a.cfg.TTS.URL == "" {
		return nil
	}
	m, err := tts.NewManager(a.cfg.TTS.URL, a.logger)
	if err != nil {
		return err
	}
	a.ttsMgr = m
	a.closers = append(a.closers, m.Close)
	return nil
}

func (a *App) initOrchestrator(memories *memory.Registry) error {
	a.registry = gateway.NewRegistry()

	rcfg := run.Config{
		Pool:     a.pool,
		Memories: memories,
		Bindings: a.registry,
		Timeout:  time.Duration(a.cfg.Runtime.PerRequestTimeoutS) * time.Second,
		Logger:   a.logger,
		Metrics:  a.metrics,
	}
	if a.ttsMgr != nil {
		rcfg.TTS = a.ttsMgr
	}

	orch, err := run.New(rcfg)
	if err != nil {
		return err
	}
	a.orch = orch
	return nil
}

// initGateway builds the STT manager and the websocket server. The STT
// transcript handler closes over the App so it can reach the gateway,
// which does not exist yet when the manager is constructed.
func (a *App) initGateway() error {
	sttMgr, err := stt.NewManager(stt.Config{
		Handler: func(clientID, text string, duration float64, url string) {
			a.gateway.HandleTranscript(clientID, text, duration, url)
		},
		Logger:  a.logger,
		Metrics: a.metrics,
	})
	if err != nil {
		return err
	}
	a.sttMgr = sttMgr
	a.closers = append(a.closers, sttMgr.Close)

	gwCfg := gateway.Config{
		Registry:     a.registry,
		Presets:      a.presets,
		Orchestrator: a.orch,
		STT:          sttMgr,
		Logger:       a.logger,
		Metrics:      a.metrics,
	}
	if a.ttsMgr != nil {
		gwCfg.TTS = a.ttsMgr
	}

	server, err := gateway.New(gwCfg)
	if err != nil {
		return err
	}
	a.gateway = server
	return nil
}

// initRoutes assembles the HTTP mux: the websocket endpoint, health
// probes, Prometheus metrics, and the optional static client.
func (a *App) initRoutes() {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", a.gateway.ServeHTTP)
	mux.Handle("GET /metrics", promhttp.Handler())

	health.New(
		health.Checker{Name: "engine_pool", Check: a.checkPool},
		health.Checker{Name: "agents", Check: a.checkPresets},
	).Register(mux)

	if dir := a.cfg.Server.StaticDir; dir != "" {
		mux.Handle("/", http.FileServer(http.Dir(dir)))
	}
	a.handler = mux
}

func (a *App) checkPool(context.Context) error {
	if a.pool.Closed() {
		return fmt.Errorf("engine pool is closed")
	}
	return nil
}

func (a *App) checkPresets(context.Context) error {
	if len(a.presets.Names()) == 0 {
		return fmt.Errorf("no agent presets loaded from %q", a.cfg.Agents.Dir)
	}
	return nil
}

// Handler returns the root HTTP handler, for tests and embedding.
func (a *App) Handler() http.Handler { return a.handler }

// Run serves HTTP on the configured address and blocks until ctx is
// cancelled or the server fails. Preset hot-reload runs alongside when
// enabled.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    a.cfg.Server.ListenAddr,
		Handler: a.handler,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})

	if a.cfg.Agents.Watch {
		g.Go(func() error {
			err := a.presets.Watch(ctx)
			if err == context.Canceled || ctx.Err() != nil {
				return nil
			}
			return err
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(drainCtx)
	})

	return g.Wait()
}

// Shutdown tears down all subsystems in reverse-init order. It respects
// the context deadline: if ctx expires before all closers finish, the
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.logger.Info("shutting down", "closers", len(a.closers))

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				a.logger.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				a.logger.Warn("closer error", "index", i, "error", err)
			}
		}

		a.logger.Info("shutdown complete")
	})
	return shutdownErr
}
