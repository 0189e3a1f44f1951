// Package app builds the long-lived services from configuration and runs
// the worker pool next to the HTTP API.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/crawltask/internal/api"
	backendgcs "github.com/JakeFAU/crawltask/internal/backend/gcs"
	backendmem "github.com/JakeFAU/crawltask/internal/backend/memory"
	backendpg "github.com/JakeFAU/crawltask/internal/backend/postgres"
	backendsqlite "github.com/JakeFAU/crawltask/internal/backend/sqlite"
	brokermem "github.com/JakeFAU/crawltask/internal/broker/memory"
	brokerpubsub "github.com/JakeFAU/crawltask/internal/broker/pubsub"
	brokeramqp "github.com/JakeFAU/crawltask/internal/broker/rabbitmq"
	"github.com/JakeFAU/crawltask/internal/clock"
	"github.com/JakeFAU/crawltask/internal/config"
	"github.com/JakeFAU/crawltask/internal/crawler"
	"github.com/JakeFAU/crawltask/internal/dispatcher"
	"github.com/JakeFAU/crawltask/internal/engine"
	"github.com/JakeFAU/crawltask/internal/id/uuid"
	"github.com/JakeFAU/crawltask/internal/metrics"
	"github.com/JakeFAU/crawltask/internal/policy/ratelimit"
	"github.com/JakeFAU/crawltask/internal/spider"
	"github.com/JakeFAU/crawltask/internal/telemetry"
)

type closer struct {
	name string
	fn   func(context.Context) error
}

// App holds every service built from one Config.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	registry   *prometheus.Registry
	collectors *metrics.Collectors
	broker     crawler.Broker
	backend    crawler.ResultBackend
	dispatch   *dispatcher.Dispatcher
	apiServer  *api.Server

	// closers run in reverse registration order.
	closers []closer
}

// Build wires the broker, backend, spider, engine, dispatcher and API
// selected by cfg. On error every resource opened so far is released.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (a *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a = &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			if cerr := a.Close(context.WithoutCancel(ctx)); cerr != nil {
				logger.Warn("cleanup after failed build", zap.Error(cerr))
			}
			a = nil
		}
	}()

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if a.collectors, err = metrics.New(a.registry); err != nil {
		return a, fmt.Errorf("metrics init failed: %w", err)
	}

	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{ServiceName: "crawltask"})
	if err != nil {
		return a, fmt.Errorf("tracer init failed: %w", err)
	}
	a.onClose("tracer", tp.Shutdown)

	if a.broker, err = a.buildBroker(ctx); err != nil {
		return a, err
	}
	if a.backend, err = a.buildBackend(ctx); err != nil {
		return a, err
	}

	plugins, err := spider.Resolve(cfg.Crawler.Plugins)
	if err != nil {
		return a, fmt.Errorf("plugin init failed: %w", err)
	}
	crawl := spider.New(spider.Config{
		UserAgent:      cfg.Crawler.UserAgent,
		MaxDepth:       cfg.Crawler.MaxDepth,
		MaxPages:       cfg.Crawler.MaxPages,
		Parallelism:    cfg.Crawler.Parallelism,
		Delay:          cfg.Crawler.Delay(),
		RequestTimeout: cfg.Crawler.RequestTimeout(),
		IgnoreRobots:   cfg.Crawler.IgnoreRobots,
		Blocklist:      cfg.Crawler.Blocklist,
	}, plugins, a.collectors, logger.Named("spider"))

	var limiter engine.Limiter
	if cfg.Crawler.PerHostRPS > 0 {
		limiter = ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.Crawler.PerHostRPS,
			DefaultBurst: cfg.Crawler.PerHostBurst,
		}, a.collectors)
	}
	eng := engine.New(crawl, limiter, a.collectors, engine.Config{
		AttemptTimeout: cfg.Crawler.AttemptTimeout(),
	}, logger.Named("engine"))

	a.dispatch = dispatcher.New(
		a.broker,
		a.backend,
		eng,
		crawler.NewPolicy(cfg.Retry.Backoff()),
		uuid.New(),
		clock.New(),
		a.collectors,
		dispatcher.Config{
			MaxAttempts:   cfg.Retry.MaxAttempts,
			BaseDelay:     cfg.Retry.BaseDelay(),
			SettleTimeout: cfg.Worker.ShutdownGrace(),
		},
		logger.Named("dispatcher"),
	)

	a.apiServer = api.NewServer(a.dispatch, a.collectors, a.registry, api.Config{
		AuthEnabled: cfg.Auth.Enabled,
		APIKey:      cfg.Auth.APIKey,
	}, logger.Named("api"))

	logger.Info("application built",
		zap.String("broker", cfg.Broker.Kind),
		zap.String("backend", cfg.Backend.Kind),
		zap.Strings("plugins", cfg.Crawler.Plugins),
		zap.Int("max_attempts", cfg.Retry.MaxAttempts),
		zap.Duration("base_delay", cfg.Retry.BaseDelay()),
		zap.String("retry_strategy", cfg.Retry.Strategy))
	return a, nil
}

func (a *App) buildBroker(ctx context.Context) (crawler.Broker, error) {
	bc := a.cfg.Broker
	switch bc.Kind {
	case config.BrokerRabbitMQ:
		b, err := brokeramqp.Dial(brokeramqp.Config{
			URL:      bc.RabbitMQ.URL,
			Queue:    bc.RabbitMQ.Queue,
			Prefetch: bc.RabbitMQ.Prefetch,
		}, a.logger.Named("rabbitmq"))
		if err != nil {
			return nil, fmt.Errorf("rabbitmq broker init failed: %w", err)
		}
		a.onClose("rabbitmq broker", func(context.Context) error { return b.Close() })
		a.logger.Info("using RabbitMQ broker", zap.String("queue", bc.RabbitMQ.Queue))
		return b, nil
	case config.BrokerPubSub:
		b, err := brokerpubsub.Dial(ctx, brokerpubsub.Config{
			ProjectID:    bc.PubSub.ProjectID,
			Topic:        bc.PubSub.Topic,
			Subscription: bc.PubSub.Subscription,
			MaxHold:      bc.PubSub.MaxHold(),
			Buffer:       bc.Buffer,
		}, a.logger.Named("pubsub"))
		if err != nil {
			return nil, fmt.Errorf("pubsub broker init failed: %w", err)
		}
		a.onClose("pubsub broker", func(context.Context) error { return b.Close() })
		if err := b.EnsureTopology(ctx); err != nil {
			return nil, fmt.Errorf("pubsub topology: %w", err)
		}
		a.logger.Info("using Pub/Sub broker",
			zap.String("project", bc.PubSub.ProjectID),
			zap.String("topic", bc.PubSub.Topic),
			zap.String("subscription", bc.PubSub.Subscription))
		return b, nil
	case config.BrokerMemory:
		b := brokermem.New(bc.Buffer)
		a.onClose("memory broker", func(context.Context) error { return b.Close() })
		a.logger.Info("using in-memory broker", zap.Int("buffer", bc.Buffer))
		return b, nil
	}
	return nil, fmt.Errorf("unknown broker kind %q", bc.Kind)
}

func (a *App) buildBackend(ctx context.Context) (crawler.ResultBackend, error) {
	bc := a.cfg.Backend
	switch bc.Kind {
	case config.BackendPostgres:
		b, err := backendpg.New(ctx, backendpg.Config{
			DSN:      bc.Postgres.DSN,
			MaxConns: int32(bc.Postgres.MaxConns),
		})
		if err != nil {
			return nil, fmt.Errorf("postgres backend init failed: %w", err)
		}
		a.onClose("postgres backend", func(context.Context) error { b.Close(); return nil })
		if err := b.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("postgres migrate: %w", err)
		}
		a.logger.Info("using Postgres result backend")
		return b, nil
	case config.BackendSQLite:
		b, err := backendsqlite.Open(ctx, bc.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("sqlite backend init failed: %w", err)
		}
		a.onClose("sqlite backend", func(context.Context) error { return b.Close() })
		a.logger.Info("using SQLite result backend", zap.String("path", bc.SQLite.Path))
		return b, nil
	case config.BackendGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.onClose("gcs client", func(context.Context) error { return client.Close() })
		b, err := backendgcs.New(client, backendgcs.Config{Bucket: bc.GCS.Bucket, Prefix: bc.GCS.Prefix})
		if err != nil {
			return nil, fmt.Errorf("gcs backend init failed: %w", err)
		}
		a.logger.Info("using GCS result backend", zap.String("bucket", bc.GCS.Bucket))
		return b, nil
	case config.BackendMemory:
		a.logger.Info("using in-memory result backend")
		return backendmem.New(), nil
	}
	return nil, fmt.Errorf("unknown backend kind %q", bc.Kind)
}

func (a *App) onClose(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// Dispatcher exposes the dispatcher for in-process submission.
func (a *App) Dispatcher() *dispatcher.Dispatcher {
	return a.dispatch
}

// Handler returns the HTTP API handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the worker pool and, when enabled, the HTTP server. It blocks
// until ctx ends or either component fails.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		// A closed broker ends the run as well.
		defer cancel()
		return a.dispatch.Run(gctx, a.cfg.Worker.Concurrency)
	})

	if a.cfg.Server.Enabled {
		srv := &http.Server{
			Addr:              net.JoinHostPort("", strconv.Itoa(a.cfg.Server.Port)),
			Handler:           a.apiServer.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			a.logger.Info("http server started", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Worker.ShutdownGrace())
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("http server shutdown: %w", err)
			}
			return nil
		})
	}

	a.logger.Info("worker running", zap.Int("concurrency", a.cfg.Worker.Concurrency))
	err := g.Wait()
	a.logger.Info("worker stopped")
	return err
}

// RunWorkers runs only the worker pool, without the HTTP server.
func (a *App) RunWorkers(ctx context.Context) error {
	return a.dispatch.Run(ctx, a.cfg.Worker.Concurrency)
}

// Close releases every resource in reverse build order and syncs the logger.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.logger.Warn("close failed", zap.String("resource", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	_ = a.logger.Sync()
	return errors.Join(errs...)
}
