// Package app wires all Syrinx subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the device WebSocket and operational endpoints
// until the context is cancelled, and Shutdown tears everything down in
// order.
//
// For testing, inject doubles via functional options (WithRewardStore,
// WithIndex, WithGestures). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/perkell/syrinx/internal/actuator"
	"github.com/perkell/syrinx/internal/config"
	"github.com/perkell/syrinx/internal/convlog"
	"github.com/perkell/syrinx/internal/engine"
	"github.com/perkell/syrinx/internal/health"
	"github.com/perkell/syrinx/internal/knowledge"
	"github.com/perkell/syrinx/internal/observe"
	"github.com/perkell/syrinx/internal/phonetic"
	"github.com/perkell/syrinx/internal/resilience"
	"github.com/perkell/syrinx/internal/reward"
	"github.com/perkell/syrinx/internal/stage"
	"github.com/perkell/syrinx/internal/transport"
	"github.com/perkell/syrinx/pkg/audio"
	"github.com/perkell/syrinx/pkg/provider/duplex"
	"github.com/perkell/syrinx/pkg/provider/embeddings"
	"github.com/perkell/syrinx/pkg/provider/llm"
	"github.com/perkell/syrinx/pkg/provider/stt"
	"github.com/perkell/syrinx/pkg/provider/tts"
)

// shutdownTimeout bounds the HTTP servers' graceful shutdown once the run
// context is cancelled.
const shutdownTimeout = 10 * time.Second

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	Duplex     duplex.Provider
	LLM        llm.Provider
	STT        stt.Provider
	TTS        tts.Provider
	Embeddings embeddings.Provider
}

// App owns all subsystem lifetimes and orchestrates the Syrinx voice agent.
type App struct {
	cfg       *config.Config
	providers *Providers
	log       *slog.Logger

	// Subsystems — initialised in New, torn down in Shutdown.
	shared    *knowledge.SharedContext
	prompt    *knowledge.PromptBuilder
	index     knowledge.Searcher
	store     *knowledge.Store
	retriever *knowledge.Retriever
	updater   *knowledge.Updater
	redis     *redis.Client
	rewards   *reward.Store
	audit     *reward.AuditLog
	turns     *convlog.Logger
	gestures  stage.GestureExecutor
	engine    *engine.Engine
	metrics   *observe.Metrics

	// promptTmpl holds the current system prompt template. Swapped on config
	// reload; the engine's prompt callback reads it per session.
	promptTmpl atomic.Value

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithLogger sets the application logger. Default: slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(a *App) { a.log = log }
}

// WithRewardStore injects a reward store instead of connecting to Redis.
func WithRewardStore(s *reward.Store) Option {
	return func(a *App) { a.rewards = s }
}

// WithIndex injects a knowledge index instead of connecting to PostgreSQL.
func WithIndex(idx knowledge.Searcher) Option {
	return func(a *App) { a.index = idx }
}

// WithGestures injects a gesture executor instead of dialing the configured
// actuator endpoint.
func WithGestures(g stage.GestureExecutor) Option {
	return func(a *App) { a.gestures = g }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Use Option
// functions to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: knowledge store connection,
// reward store connection, conversation log setup, actuator dialing, and
// engine construction. The network listeners start in Run.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
		metrics:   observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}

	// ── 1. Shared conversation state ─────────────────────────────────────
	a.shared = knowledge.NewSharedContext()
	a.prompt = knowledge.NewPromptBuilder(a.shared)

	// ── 2. Knowledge retrieval ───────────────────────────────────────────
	if err := a.initKnowledge(ctx); err != nil {
		return nil, fmt.Errorf("app: init knowledge: %w", err)
	}

	// ── 3. Reward persistence ────────────────────────────────────────────
	a.initReward()

	// ── 4. Conversation log ──────────────────────────────────────────────
	if err := a.initConvlog(); err != nil {
		return nil, fmt.Errorf("app: init conversation log: %w", err)
	}

	// ── 5. Actuator ──────────────────────────────────────────────────────
	if err := a.initActuator(ctx); err != nil {
		return nil, fmt.Errorf("app: init actuator: %w", err)
	}

	// ── 6. Engine ────────────────────────────────────────────────────────
	if err := a.initEngine(); err != nil {
		return nil, fmt.Errorf("app: init engine: %w", err)
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initKnowledge connects the pgvector document store and builds the
// retriever + background updater. Retrieval is optional: without a DSN or an
// embeddings provider the agent runs on injected context alone.
func (a *App) initKnowledge(ctx context.Context) error {
	if a.index == nil {
		dsn := a.cfg.Knowledge.PostgresDSN
		if dsn == "" {
			return nil
		}

		dims := a.cfg.Knowledge.EmbeddingDimensions
		if dims == 0 {
			dims = 1536 // matches OpenAI text-embedding-3-small
		}

		store, err := knowledge.NewStore(ctx, dsn, dims)
		if err != nil {
			return err
		}
		a.store = store
		a.index = store
		a.closers = append(a.closers, func() error {
			store.Close()
			return nil
		})
	}

	if a.providers.Embeddings == nil {
		a.log.Warn("knowledge index available but no embeddings provider; retrieval disabled")
		return nil
	}

	var retrOpts []knowledge.RetrieverOption
	if a.cfg.Knowledge.TopK > 0 {
		retrOpts = append(retrOpts, knowledge.WithTopK(a.cfg.Knowledge.TopK))
	}
	a.retriever = knowledge.NewRetriever(a.providers.Embeddings, a.index, retrOpts...)

	updOpts := []knowledge.UpdaterOption{knowledge.WithUpdaterLogger(a.log)}
	if d := a.cfg.Knowledge.UpdateInterval.Std(); d > 0 {
		updOpts = append(updOpts, knowledge.WithInterval(d))
	}
	a.updater = knowledge.NewUpdater(a.retriever, a.shared, updOpts...)
	return nil
}

// initReward connects Redis for reward persistence and sets up the audit
// log. Without a Redis address rewards live in the shared context only.
func (a *App) initReward() {
	if a.rewards == nil && a.cfg.Reward.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     a.cfg.Reward.RedisAddr,
			DB:       a.cfg.Reward.RedisDB,
			Password: a.cfg.Reward.RedisPassword,
		})
		a.redis = client
		a.rewards = reward.NewStore(client, reward.WithStoreLogger(a.log))
		a.closers = append(a.closers, client.Close)
	}

	if a.cfg.Logs.Dir != "" {
		a.audit = reward.NewAuditLog(a.cfg.Logs.Dir, a.log)
	}
}

// initConvlog sets up the JSONL conversation logger when a log directory is
// configured.
func (a *App) initConvlog() error {
	if a.cfg.Logs.Dir == "" {
		return nil
	}
	l, err := convlog.New(a.cfg.Logs.Dir, a.shared, convlog.WithLogger(a.log))
	if err != nil {
		return err
	}
	a.turns = l
	return nil
}

// initActuator dials the configured MCP gesture endpoint.
func (a *App) initActuator(ctx context.Context) error {
	if a.gestures != nil || a.cfg.Actuator.Transport == "" {
		return nil
	}

	client, err := actuator.Dial(ctx, actuator.Config{
		Transport: a.cfg.Actuator.Transport,
		Command:   a.cfg.Actuator.Command,
		URL:       a.cfg.Actuator.URL,
		Env:       a.cfg.Actuator.Env,
		Tool:      a.cfg.Actuator.Tool,
	})
	if err != nil {
		return err
	}
	a.gestures = client
	a.closers = append(a.closers, client.Close)

	a.log.Info("actuator connected", "transport", a.cfg.Actuator.Transport)
	return nil
}

// initEngine assembles the pipeline factory for the configured mode.
func (a *App) initEngine() error {
	mode, err := engine.ParseMode(string(a.cfg.Mode))
	if err != nil {
		return err
	}

	a.SetPromptTemplate(a.cfg.Agent.PromptTemplate)

	deps := engine.Deps{
		Shared:            a.shared,
		Prompt:            func() string { return a.prompt.Build(a.promptTemplate()) },
		Rewards:           a.rewards,
		Audit:             a.audit,
		Gestures:          a.gestures,
		InterruptTriggers: a.cfg.Commands.Interrupt,
		ResetTriggers:     a.cfg.Commands.Reset,
		Metrics:           a.metrics,
		Logger:            a.log,
	}
	if len(deps.InterruptTriggers) > 0 || len(deps.ResetTriggers) > 0 {
		deps.Matcher = phonetic.New()
	}
	if a.turns != nil {
		deps.Turns = a.turns
		deps.Events = a.turns
	}
	if a.updater != nil {
		deps.Observer = a.updater
	}

	switch mode {
	case engine.ModeBridge:
		deps.Duplex = a.providers.Duplex
		deps.DuplexName = a.cfg.Providers.Duplex.Name
		deps.Session = duplex.SessionConfig{
			Voice:            a.cfg.Agent.Voice,
			Model:            a.cfg.Providers.Duplex.Model,
			InputSampleRate:  a.cfg.Agent.InputSampleRate,
			OutputSampleRate: a.cfg.Agent.OutputSampleRate,
			AgentSpeaksFirst: a.cfg.Agent.SpeaksFirst,
		}
		if a.cfg.Bridge.BreakerMaxFailures > 0 {
			deps.Breaker = resilience.NewCircuitBreaker(resilience.BreakerConfig{
				Name:         "duplex",
				MaxFailures:  a.cfg.Bridge.BreakerMaxFailures,
				ResetTimeout: a.cfg.Bridge.BreakerResetTimeout.Std(),
			})
		}
		if a.cfg.Bridge.RedialMaxRetries > 0 {
			deps.Redial = &resilience.BackoffPolicy{
				MaxRetries: a.cfg.Bridge.RedialMaxRetries,
				Initial:    a.cfg.Bridge.RedialInitialBackoff.Std(),
				Max:        a.cfg.Bridge.RedialMaxBackoff.Std(),
			}
		}

	case engine.ModeCascade:
		deps.STT = a.providers.STT
		deps.STTConfig = stt.StreamConfig{SampleRate: 16000, Channels: 1}
		deps.LLM = a.providers.LLM
		deps.Temperature = a.cfg.Agent.Temperature
		deps.TTS = a.providers.TTS
		deps.Voice = tts.VoiceProfile{ID: a.cfg.Agent.Voice}
	}

	a.engine, err = engine.New(mode, deps)
	return err
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the device WebSocket server and the operational HTTP server and
// blocks until ctx is cancelled or a listener fails. Background workers (the
// conversation log writer, the reward audit writer and the knowledge updater)
// run alongside.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	// ── Background workers ───────────────────────────────────────────────
	if a.turns != nil {
		g.Go(func() error { return a.turns.Run(ctx) })
	}
	if a.audit != nil {
		g.Go(func() error { return a.audit.Run(ctx) })
	}
	if a.updater != nil {
		g.Go(func() error { return a.updater.Run(ctx) })
	}

	// ── Device WebSocket server ──────────────────────────────────────────
	ws := &http.Server{
		Addr:    a.cfg.Server.ListenAddr,
		Handler: a.deviceHandler(),
	}
	g.Go(func() error { return serve(ws, a.cfg.Server.TLS) })

	// ── Ops server ───────────────────────────────────────────────────────
	var ops *http.Server
	if a.cfg.Server.OpsAddr != "" {
		ops = &http.Server{
			Addr:    a.cfg.Server.OpsAddr,
			Handler: a.opsHandler(),
		}
		g.Go(func() error { return serve(ops, nil) })
	}

	// ── Shutdown watcher ─────────────────────────────────────────────────
	g.Go(func() error {
		<-ctx.Done()
		shCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := ws.Shutdown(shCtx); err != nil {
			a.log.Warn("websocket server shutdown", "err", err)
		}
		if ops != nil {
			if err := ops.Shutdown(shCtx); err != nil {
				a.log.Warn("ops server shutdown", "err", err)
			}
		}
		return ctx.Err()
	})

	a.log.Info("syrinx running",
		"mode", a.cfg.Mode,
		"listen", a.cfg.Server.ListenAddr,
		"ops", a.cfg.Server.OpsAddr,
	)
	return g.Wait()
}

// serve runs an HTTP server until Shutdown, normalising the close sentinel.
func serve(s *http.Server, tls *config.TLSConfig) error {
	var err error
	if tls != nil {
		err = s.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
	} else {
		err = s.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// deviceHandler builds the WebSocket endpoint serving device connections.
func (a *App) deviceHandler() http.Handler {
	var connOpts []transport.ConnOption
	if a.cfg.Transport.SampleRate > 0 || a.cfg.Transport.Channels > 0 {
		f := audio.Format{SampleRate: 16000, Channels: 1}
		if a.cfg.Transport.SampleRate > 0 {
			f.SampleRate = a.cfg.Transport.SampleRate
		}
		if a.cfg.Transport.Channels > 0 {
			f.Channels = a.cfg.Transport.Channels
		}
		connOpts = append(connOpts, transport.WithWireFormat(f))
	}
	if a.cfg.Transport.Codec == config.CodecOpus {
		connOpts = append(connOpts, transport.WithCodec(transport.CodecOpus))
	}

	srv := transport.NewServer(a.engine.Pipeline,
		transport.WithConnOptions(connOpts...),
		transport.WithServerLogger(a.log),
	)

	mux := http.NewServeMux()
	mux.Handle("/ws", srv)
	return mux
}

// opsHandler builds the operational endpoints: health, readiness, metrics
// and knowledge injection.
func (a *App) opsHandler() http.Handler {
	var checkers []health.Checker
	if a.store != nil {
		checkers = append(checkers, health.Checker{Name: "postgres", Check: a.store.Ping})
	}
	if a.rewards != nil {
		checkers = append(checkers, health.Checker{Name: "redis", Check: a.rewards.Ping})
	}

	mux := http.NewServeMux()
	health.New(checkers...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /v1/context", a.handleContext)

	return observe.Middleware(a.metrics)(mux)
}

// handleContext replaces the shared knowledge snippet with caller-provided
// text. An empty text clears the snippet.
func (a *App) handleContext(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, `{"error":"invalid JSON body"}`, http.StatusBadRequest)
		return
	}

	if body.Text == "" {
		a.shared.ClearKnowledge()
	} else {
		a.shared.SetKnowledge(body.Text)
	}
	observe.Logger(r.Context()).Info("knowledge context updated", "chars", len(body.Text))
	w.WriteHeader(http.StatusNoContent)
}

// Shared exposes the shared conversation state, mainly for tests.
func (a *App) Shared() *knowledge.SharedContext { return a.shared }

// ─── Config reload ───────────────────────────────────────────────────────────

// SetPromptTemplate replaces the system prompt template. Sessions established
// afterwards use the new template; an empty string restores the default.
func (a *App) SetPromptTemplate(tmpl string) {
	if tmpl == "" {
		tmpl = knowledge.DefaultTemplate
	}
	a.promptTmpl.Store(tmpl)
}

func (a *App) promptTemplate() string {
	if s, ok := a.promptTmpl.Load().(string); ok {
		return s
	}
	return knowledge.DefaultTemplate
}

// ApplyConfigChange applies the hot-reloadable parts of a configuration
// change: the prompt template and the spoken command trigger lists. Both take
// effect for sessions established after the change; live sessions keep their
// prompt and triggers until the device reconnects. Voice, temperature and
// provider changes require a restart and are only logged.
func (a *App) ApplyConfigChange(old, new *config.Config) {
	d := config.Diff(old, new)
	if !d.Any() {
		return
	}
	if d.PromptChanged {
		a.SetPromptTemplate(new.Agent.PromptTemplate)
		a.log.Info("prompt template reloaded, applies to new sessions")
	}
	if d.CommandsChanged {
		a.engine.SetTriggers(new.Commands.Interrupt, new.Commands.Reset)
		a.log.Info("command trigger lists reloaded, apply to new sessions")
	}
	if d.VoiceChanged || d.TemperatureChanged {
		a.log.Warn("voice and temperature changes need a restart to take effect")
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in init order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
