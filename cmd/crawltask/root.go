package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawltask/internal/app"
	"github.com/JakeFAU/crawltask/internal/config"
	"github.com/JakeFAU/crawltask/internal/crawler"
	"github.com/JakeFAU/crawltask/internal/logging"
)

// Service is what the subcommands need from the built application.
type Service interface {
	Run(ctx context.Context) error
	RunWorkers(ctx context.Context) error
	Submit(ctx context.Context, target string) (crawler.JobHandle, error)
	Result(ctx context.Context, handle crawler.JobHandle) (crawler.Record, error)
	Close(ctx context.Context) error
}

type appService struct {
	*app.App
}

func (s appService) Submit(ctx context.Context, target string) (crawler.JobHandle, error) {
	return s.Dispatcher().Submit(ctx, target)
}

func (s appService) Result(ctx context.Context, handle crawler.JobHandle) (crawler.Record, error) {
	return s.Dispatcher().Result(ctx, handle)
}

// newService builds the application. Tests replace it with a fake.
var newService = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (Service, error) {
	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return appService{a}, nil
}

type serviceKey struct{}

type runtime struct {
	cfg     config.Config
	logger  *zap.Logger
	service Service
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "crawltask",
		Short: "Retryable crawl task dispatcher",
		Long: `crawltask submits crawl jobs to a broker and runs the workers that execute
them, retrying transient failures with a bounded budget and recording every
job's state in a queryable result backend.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)
			svc, err := newService(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), serviceKey{}, &runtime{cfg: cfg, logger: logger, service: svc}))
			return nil
		},

		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return nil
			}
			return rt.service.Close(context.WithoutCancel(cmd.Context()))
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); CRAWLTASK_* env vars override it")
	cmd.AddCommand(newWorkerCmd(), newSubmitCmd())
	return cmd
}

func resolveRuntime(ctx context.Context) (*runtime, error) {
	rt, ok := ctx.Value(serviceKey{}).(*runtime)
	if !ok || rt == nil {
		return nil, errors.New("application services not initialized")
	}
	return rt, nil
}
