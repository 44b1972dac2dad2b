// Package app wires all Engram subsystems into a running daemon.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run starts the worker pool and the ops listener and blocks
// until the context is cancelled, and Shutdown tears everything down in
// reverse-init order.
//
// For testing, inject doubles via functional options (WithStore, WithQueue).
// When an option is not provided, New creates real implementations from the
// config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/engram/internal/config"
	"github.com/MrWong99/engram/internal/extraction"
	"github.com/MrWong99/engram/internal/handler"
	"github.com/MrWong99/engram/internal/health"
	"github.com/MrWong99/engram/internal/observe"
	"github.com/MrWong99/engram/internal/recall"
	"github.com/MrWong99/engram/internal/scheduler"
	"github.com/MrWong99/engram/pkg/memory"
	"github.com/MrWong99/engram/pkg/memory/postgres"
	"github.com/MrWong99/engram/pkg/provider/embeddings"
	"github.com/MrWong99/engram/pkg/provider/llm"
	"github.com/MrWong99/engram/pkg/queue"
	queuemem "github.com/MrWong99/engram/pkg/queue/memory"
	queueredis "github.com/MrWong99/engram/pkg/queue/redis"
)

// Providers holds one interface value per provider slot. Populated by main.go
// via the config registry, fallback chains included.
type Providers struct {
	LLM        llm.Provider
	Embeddings embeddings.Provider
}

// Store is the combined persistence contract the daemon runs against. The
// Postgres store satisfies it with a single connection pool; tests satisfy it
// with a composite of mocks.
type Store interface {
	memory.Store
	memory.ConversationStore
	memory.Applier

	// Ping verifies the backing database is reachable.
	Ping(ctx context.Context) error
}

// closer tears down one subsystem during Shutdown.
type closer struct {
	name  string
	close func(context.Context) error
}

// App owns all subsystem lifetimes and orchestrates the Engram extraction
// daemon.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics

	// Subsystems, initialised in New and torn down in Shutdown.
	store     Store
	queue     queue.Queue
	handlers  *handler.Registry
	pipeline  *extraction.Pipeline
	scheduler *scheduler.Scheduler
	worker    *scheduler.Worker
	sweeper   *scheduler.Sweeper
	recaller  *recall.Recaller
	ops       *http.Server

	// closers are called in reverse order during Shutdown.
	closers []closer

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a store instead of connecting to Postgres from config.
func WithStore(s Store) Option {
	return func(a *App) { a.store = s }
}

// WithQueue injects a queue instead of creating one from config.
func WithQueue(q queue.Queue) Option {
	return func(a *App) { a.queue = q }
}

// WithMetrics attaches recorders created from the process meter provider.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Use Option functions
// to inject test doubles for the store or the queue.
//
// New performs all initialisation synchronously: store connection, handler
// registration, queue construction and reachability check, pipeline assembly,
// and scheduler wiring. Nothing processes jobs until Run.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.LLM == nil {
		return nil, errors.New("app: an LLM provider is required")
	}
	if providers.Embeddings == nil {
		return nil, errors.New("app: an embeddings provider is required")
	}
	if d := providers.Embeddings.Dimensions(); d != cfg.Memory.EmbeddingDimensions {
		return nil, fmt.Errorf("app: embeddings provider produces %d-dimensional vectors but memory.embedding_dimensions is %d",
			d, cfg.Memory.EmbeddingDimensions)
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Memory store ──────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Message handlers ──────────────────────────────────────────────
	a.initHandlers()

	// ── 3. Job queue ─────────────────────────────────────────────────────
	if err := a.initQueue(ctx); err != nil {
		return nil, fmt.Errorf("app: init queue: %w", err)
	}

	// ── 4. Extraction pipeline ───────────────────────────────────────────
	if err := a.initPipeline(); err != nil {
		return nil, fmt.Errorf("app: init pipeline: %w", err)
	}

	// ── 5. Scheduler, worker, sweeper ────────────────────────────────────
	a.initScheduler()

	// ── 6. Prompt recall ─────────────────────────────────────────────────
	a.recaller = recall.New(recall.Config{
		Store:         a.store,
		Embedder:      a.providers.Embeddings,
		TopK:          cfg.Recall.TopK,
		MinSimilarity: cfg.Recall.MinSimilarity,
		Metrics:       a.metrics,
	})

	// ── 7. Ops listener ──────────────────────────────────────────────────
	a.initOps()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore connects to the Postgres store or keeps the injected one.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil // injected
	}

	dsn := a.cfg.Memory.PostgresDSN
	if dsn == "" {
		return errors.New("memory.postgres_dsn is required when no store is injected")
	}

	store, err := postgres.NewStore(ctx, dsn, a.cfg.Memory.EmbeddingDimensions)
	if err != nil {
		return err
	}
	a.store = store

	a.closers = append(a.closers, closer{
		name: "postgres store",
		close: func(context.Context) error {
			store.Close()
			return nil
		},
	})
	return nil
}

// initHandlers registers the built-in message handlers.
func (a *App) initHandlers() {
	a.handlers = handler.NewRegistry()
	a.handlers.Register(handler.Chat{})
	a.handlers.Register(handler.Journal{})
}

// initQueue builds the configured queue backend and verifies it is reachable,
// so a bad Redis address fails startup instead of the first job. The queue is
// always closed by Shutdown, injected or not, because Run starts its workers.
func (a *App) initQueue(ctx context.Context) error {
	if a.queue == nil {
		limiter := queue.NewLimiter(a.cfg.Extraction.RateMax, a.cfg.Extraction.RateWindow.Std())

		switch a.cfg.Queue.Backend {
		case config.QueueMemory:
			a.queue = queuemem.New(queuemem.Config{
				Concurrency: a.cfg.Extraction.Workers,
				Limiter:     limiter,
			})
		case config.QueueRedis:
			a.queue = queueredis.New(queueredis.Config{
				Addr:        a.cfg.Queue.RedisAddr,
				Password:    a.cfg.Queue.RedisPassword,
				DB:          a.cfg.Queue.RedisDB,
				Concurrency: a.cfg.Extraction.Workers,
				Limiter:     limiter,
			})
		default:
			return fmt.Errorf("unknown queue backend %q", a.cfg.Queue.Backend)
		}
	}

	if err := a.queue.Ping(ctx); err != nil {
		return fmt.Errorf("queue unreachable: %w", err)
	}

	a.closers = append(a.closers, closer{name: "job queue", close: a.queue.Close})
	return nil
}

// initPipeline assembles the extraction pipeline over the shared store.
func (a *App) initPipeline() error {
	p, err := extraction.New(extraction.Config{
		Conversations: a.store,
		Store:         a.store,
		Applier:       a.store,
		LLM:           a.providers.LLM,
		Embedder:      a.providers.Embeddings,
		Handlers:      a.handlers,
		Metrics:       a.metrics,
	})
	if err != nil {
		return err
	}
	a.pipeline = p
	return nil
}

// initScheduler wires the debounce scheduler, the job worker, and the pending-
// work sweeper. The worker subscribes here, before Run starts the queue.
func (a *App) initScheduler() {
	ex := a.cfg.Extraction
	a.scheduler = scheduler.New(a.queue, scheduler.Config{
		Debounce:    ex.Debounce.Std(),
		MaxWait:     ex.MaxWait.Std(),
		MaxAttempts: ex.MaxAttempts,
		BackoffBase: ex.BackoffBase.Std(),
	}, nil, a.metrics)

	a.worker = scheduler.NewWorker(a.queue, a.pipeline, nil, a.metrics)
	a.worker.Register()

	a.sweeper = scheduler.NewSweeper(a.store, a.scheduler, ex.SweepInterval.Std(), nil)
}

// initOps builds the ops listener: health probes, Prometheus metrics, and the
// recall introspection endpoint, all behind the telemetry middleware.
func (a *App) initOps() {
	mux := http.NewServeMux()
	health.New(
		health.Checker{Name: "postgres", Check: a.store.Ping},
		health.Checker{Name: "queue", Check: a.queue.Ping},
	).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /debug/recall", a.handleDebugRecall)

	a.ops = &http.Server{
		Addr:              a.cfg.Server.OpsAddr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the queue workers, the sweeper, and the ops listener, then blocks
// until ctx is cancelled or the listener fails. When ctx is done, Run returns
// ctx.Err(); call Shutdown to drain.
func (a *App) Run(ctx context.Context) error {
	if err := a.queue.Start(ctx); err != nil {
		return fmt.Errorf("app: start queue: %w", err)
	}
	a.sweeper.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("ops listener started", "addr", a.ops.Addr)
		if err := a.ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("engram running",
		"queue", a.cfg.Queue.Backend,
		"workers", a.cfg.Extraction.Workers,
		"handlers", a.handlers.Names(),
	)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("app: ops listener: %w", err)
	}
}

// handleDebugRecall serves the recall block an application prompt would
// receive, for operator inspection:
//
//	GET /debug/recall?user_id=u1&cue=what+should+I+cook
func (a *App) handleDebugRecall(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	cue := r.URL.Query().Get("cue")
	if userID == "" || cue == "" {
		http.Error(w, "user_id and cue query parameters are required", http.StatusBadRequest)
		return
	}

	// The recaller never errors; sentinels like "(No relevant memories
	// found)" are part of the block a prompt would receive.
	block := a.recaller.Recall(r.Context(), userID, cue)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, block+"\n")
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order: the sweeper and
// ops listener stop scheduling new work, then the queue drains in-flight
// extractions before the store they write to closes. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		a.sweeper.Stop()

		if err := a.ops.Shutdown(ctx); err != nil {
			slog.Warn("ops listener shutdown error", "err", err)
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			c := a.closers[i]
			if err := c.close(ctx); err != nil {
				slog.Warn("closer error", "name", c.name, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Recaller exposes prompt recall so config reload can retune it live.
func (a *App) Recaller() *recall.Recaller { return a.recaller }
