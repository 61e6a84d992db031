// Package daemon wires the auto-shell components into a running server.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/autoshell/internal/agent"
	"github.com/ashureev/autoshell/internal/api"
	"github.com/ashureev/autoshell/internal/config"
	"github.com/ashureev/autoshell/internal/domain"
	"github.com/ashureev/autoshell/internal/executor"
	"github.com/ashureev/autoshell/internal/logging"
	"github.com/ashureev/autoshell/internal/middleware"
	"github.com/ashureev/autoshell/internal/reasoning"
	"github.com/ashureev/autoshell/internal/replay"
	"github.com/ashureev/autoshell/internal/resilience"
	"github.com/ashureev/autoshell/internal/retention"
	"github.com/ashureev/autoshell/internal/safety"
	"github.com/ashureev/autoshell/internal/session"
	"github.com/ashureev/autoshell/internal/store"
	"github.com/ashureev/autoshell/internal/suggest"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

const (
	shutdownTimeout  = 10 * time.Second
	evictionInterval = time.Minute
)

// Daemon owns every long-lived component of the server.
type Daemon struct {
	cfg      *config.Holder
	logger   *slog.Logger
	backend  reasoning.Backend
	journal  store.Journal
	sessions *session.Store
	handler  *api.Handler
	limiter  *middleware.RateLimiter
	router   http.Handler
	closers  []func()
}

// New builds the daemon from the current configuration. Close releases
// whatever New acquired, including on a partial failure.
func New(ctx context.Context, holder *config.Holder, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := holder.Get()
	d := &Daemon{cfg: holder, logger: logger}

	policy, err := safety.NewPolicy(cfg.Agent.DangerousCommands)
	if err != nil {
		return nil, err
	}

	probes := map[string]api.Probe{}

	backend, probe, err := newBackend(ctx, cfg.LLM, logger)
	if err != nil {
		return nil, err
	}
	if backend != nil {
		d.backend = backend
		d.closers = append(d.closers, backend.Close)
		probes["reasoning"] = probe
	} else {
		logger.Info("Reasoning backend disabled, only debug scripts can drive sessions")
	}

	exec, closeExec, err := newExecutor(ctx, cfg.Executor)
	if err != nil {
		d.Close()
		return nil, err
	}
	if closeExec != nil {
		d.closers = append(d.closers, closeExec)
	}

	d.journal, err = newJournal(ctx, cfg.Journal, logger)
	if err != nil {
		d.Close()
		return nil, err
	}
	d.closers = append(d.closers, func() {
		if closeErr := d.journal.Close(); closeErr != nil {
			logger.Error("Failed to close journal", "error", closeErr)
		}
	})

	var fallback reasoning.Proposer
	var suggester reasoning.Suggester
	if backend != nil {
		fallback = backend
		suggester = backend
	}
	driver := replay.NewDriver(fallback)

	engine := agent.NewEngine(agent.EngineConfig{
		Proposer:         driver,
		Policy:           policy,
		Executor:         exec,
		ReasoningTimeout: cfg.LLM.Timeout,
		Logger:           logger,
	})

	d.sessions = session.NewStore(engine, session.Config{
		TTL:           cfg.Agent.SessionTTL,
		MaxIterations: cfg.Agent.MaxIterations,
		Journal:       d.journal,
		Logger:        logger,
		OnRemove:      driver.Unbind,
	})

	svc, err := suggest.NewService(suggester, policy, suggest.Config{
		CacheTTL:     cfg.Suggest.CacheTTL,
		CacheEntries: cfg.Suggest.CacheEntries,
		Logger:       logger,
	})
	if err != nil {
		d.Close()
		return nil, err
	}
	d.closers = append(d.closers, svc.Close)

	d.handler = api.NewHandler(api.Deps{
		Engine:   engine,
		Sessions: d.sessions,
		Suggest:  svc,
		Replay:   driver,
		Journal:  d.journal,
		Commands: domain.NewCommandLog(0),
		Config:   holder,
		Logger:   logger,
		Probes:   probes,
	})

	if cfg.Daemon.RateLimit > 0 {
		d.limiter = middleware.NewRateLimiter(cfg.Daemon.RateLimit, cfg.Daemon.RateBurst)
	}
	d.router = d.routes(cfg)
	return d, nil
}

func (d *Daemon) routes(cfg *config.Config) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(allowedOrigins(cfg)))
	if d.limiter != nil {
		r.Use(d.limiter.Middleware)
	}

	d.handler.RegisterRoutes(r)
	return r
}

func allowedOrigins(cfg *config.Config) []string {
	if cfg.IsDevelopment() {
		return []string{"*"}
	}
	return []string{strings.TrimRight(cfg.Daemon.FrontendURL, "/")}
}

// Handler returns the HTTP handler with all middleware applied.
func (d *Daemon) Handler() http.Handler {
	return d.router
}

// Serve listens on the configured address and serves until ctx is done,
// then shuts down gracefully.
func (d *Daemon) Serve(ctx context.Context) error {
	cfg := d.cfg.Get()
	lis, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Addr(), err)
	}

	var grpcLis net.Listener
	if cfg.Daemon.GrpcListen != "" {
		if d.backend == nil {
			d.logger.Warn("gRPC listener requested without a reasoning backend, skipping", "addr", cfg.Daemon.GrpcListen)
		} else {
			grpcLis, err = net.Listen("tcp", cfg.Daemon.GrpcListen)
			if err != nil {
				_ = lis.Close()
				return fmt.Errorf("listen on %s: %w", cfg.Daemon.GrpcListen, err)
			}
		}
	}
	return d.serve(ctx, lis, grpcLis)
}

func (d *Daemon) serve(ctx context.Context, lis, grpcLis net.Listener) error {
	cfg := d.cfg.Get()

	// SSE and agent sockets are long-lived, so there is no write timeout.
	srv := &http.Server{
		Handler:      d.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	retentionDone := retention.Start(gctx, retention.Config{
		Retention: cfg.Journal.Retention,
		Sessions:  d.sessions,
		Journal:   d.journal,
		Logger:    d.logger,
	})
	if d.limiter != nil {
		d.limiter.StartEviction(gctx, evictionInterval)
	}

	g.Go(func() error {
		d.logger.Info("Server listening", "addr", lis.Addr().String(), "dev", cfg.IsDevelopment())
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	var gs *grpc.Server
	if grpcLis != nil {
		gs = grpc.NewServer()
		reasoning.RegisterGrpcService(gs, d.backend)
		g.Go(func() error {
			d.logger.Info("gRPC reasoning service listening", "addr", grpcLis.Addr().String())
			if err := gs.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		d.logger.Info("Shutting down gracefully...")

		d.handler.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		if gs != nil {
			gs.GracefulStop()
		}
		<-retentionDone
		if err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		d.logger.Info("Server stopped successfully")
		return nil
	})

	return g.Wait()
}

// Close releases the backend, executor, journal, and caches in reverse
// order of acquisition.
func (d *Daemon) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
	d.closers = nil
}

// Options override parts of the loaded configuration.
type Options struct {
	ConfigPath string
	Host       string
	Port       int
}

// Run loads configuration from opts.ConfigPath (or the search path),
// builds the daemon, and serves until ctx is done.
func Run(ctx context.Context, opts Options) error {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if opts.Host != "" {
		cfg.Daemon.Host = opts.Host
	}
	if opts.Port > 0 {
		cfg.Daemon.Port = opts.Port
	}

	logger, closer := logging.New(cfg.Log)
	defer func() { _ = closer.Close() }()
	slog.SetDefault(logger)

	logger.Info("Starting auto-shell daemon",
		"addr", cfg.Addr(),
		"provider", cfg.LLM.Provider,
		"executor", cfg.Executor.Kind,
		"config", cfg.Source)

	d, err := New(ctx, config.NewHolder(cfg, opts.ConfigPath), logger)
	if err != nil {
		return err
	}
	defer d.Close()

	return d.Serve(ctx)
}

func newBackend(ctx context.Context, cfg config.LLMConfig, logger *slog.Logger) (reasoning.Backend, api.Probe, error) {
	switch cfg.Provider {
	case "none":
		return nil, nil, nil
	case "grpc":
		c, err := reasoning.NewGrpcClient(reasoning.GrpcClientConfig{
			Address:        cfg.GrpcAddress,
			RequestTimeout: cfg.Timeout,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("connect reasoning service: %w", err)
		}
		return c, c.Health, nil
	case "gemini":
		breaker := resilience.NewBreaker(cfg.BreakerFailures, cfg.BreakerCooldown)
		c, err := reasoning.NewGeminiClient(ctx, reasoning.GeminiConfig{
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
			Timeout:     cfg.Timeout,
		}, breaker, logger)
		if err != nil {
			return nil, nil, err
		}
		return c, breakerProbe(breaker), nil
	default:
		breaker := resilience.NewBreaker(cfg.BreakerFailures, cfg.BreakerCooldown)
		c := reasoning.NewOpenAIClient(reasoning.OpenAIConfig{
			BaseURL:     cfg.APIBase,
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
			Timeout:     cfg.Timeout,
		}, breaker, logger)
		return c, breakerProbe(breaker), nil
	}
}

// breakerProbe reports an open breaker as unhealthy.
func breakerProbe(b *resilience.Breaker) api.Probe {
	return func(context.Context) error {
		if b.State() == resilience.StateOpen {
			return resilience.ErrCircuitOpen
		}
		return nil
	}
}

func newExecutor(ctx context.Context, cfg config.ExecutorConfig) (executor.Executor, func(), error) {
	if cfg.Kind == "docker" {
		e, err := executor.NewDockerExecutor(ctx, executor.DockerConfig{
			Container:  cfg.Container,
			User:       cfg.User,
			WorkDir:    cfg.WorkDir,
			Shell:      cfg.Shell,
			Timeout:    cfg.Timeout,
			MaxCapture: cfg.MaxCapture,
		}, cfg.Concurrency)
		if err != nil {
			return nil, nil, fmt.Errorf("initialize docker executor: %w", err)
		}
		return e, e.Close, nil
	}
	return executor.NewShellExecutor(executor.ShellConfig{
		Shell:       cfg.Shell,
		WorkDir:     cfg.WorkDir,
		Timeout:     cfg.Timeout,
		MaxCapture:  cfg.MaxCapture,
		Concurrency: cfg.Concurrency,
	}), nil, nil
}

func newJournal(ctx context.Context, cfg config.JournalConfig, logger *slog.Logger) (store.Journal, error) {
	if !cfg.Enabled {
		return store.Noop{}, nil
	}
	j, err := store.NewSQLite(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("initialize journal: %w", err)
	}
	if err := j.Ping(ctx); err != nil {
		_ = j.Close()
		return nil, fmt.Errorf("journal health check failed: %w", err)
	}
	logger.Info("Journal connected", "path", cfg.Path)
	return j, nil
}
