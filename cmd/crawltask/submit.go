package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/crawltask/internal/config"
	"github.com/JakeFAU/crawltask/internal/crawler"
)

// errJobFailed is returned by submit --wait when the job ends failed.
var errJobFailed = errors.New("job failed")

type submitOptions struct {
	wait         bool
	pollInterval time.Duration
	timeout      time.Duration
}

func newSubmitCmd() *cobra.Command {
	opts := submitOptions{}
	cmd := &cobra.Command{
		Use:   "submit <url>",
		Short: "Submit a crawl job",
		Long: `Creates a crawl job for <url> and prints its ID. With --wait the command
polls the result backend until the job succeeds or fails and prints the final
record. With the memory broker an in-process worker pool runs for the duration
of the command.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmitCommand(cmd, args[0], opts)
		},
	}
	cmd.Flags().BoolVar(&opts.wait, "wait", false, "wait for the job to finish and print the result")
	cmd.Flags().DurationVar(&opts.pollInterval, "poll-interval", 500*time.Millisecond, "result polling interval")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 10*time.Minute, "maximum time to wait for the result")
	return cmd
}

func runSubmitCommand(cmd *cobra.Command, target string, opts submitOptions) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if opts.wait && opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	// The memory broker lives in this process, so something here has to drain it.
	localWorkers := rt.cfg.Broker.Kind == config.BrokerMemory
	workCtx, stopWorkers := context.WithCancel(ctx)
	var g errgroup.Group
	if localWorkers {
		g.Go(func() error { return rt.service.RunWorkers(workCtx) })
	}
	defer func() {
		stopWorkers()
		if werr := g.Wait(); werr != nil {
			rt.logger.Warn("local workers stopped with error", zap.Error(werr))
		}
	}()

	handle, err := rt.service.Submit(ctx, target)
	if err != nil {
		return fmt.Errorf("submit %s: %w", target, err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), handle.ID)
	if !opts.wait {
		if localWorkers {
			rt.logger.Warn("memory broker without --wait: the job is dropped when the command exits")
		}
		return nil
	}

	rec, err := waitForResult(ctx, rt.service, handle, opts.pollInterval)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	if rec.State == crawler.StateFailed {
		return fmt.Errorf("%w: %s", errJobFailed, rec.Reason)
	}
	return nil
}

func waitForResult(
	ctx context.Context,
	svc Service,
	handle crawler.JobHandle,
	interval time.Duration,
) (crawler.Record, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		rec, err := svc.Result(ctx, handle)
		switch {
		case err == nil && rec.State.Terminal():
			return rec, nil
		case err != nil && !errors.Is(err, crawler.ErrNotFound):
			return crawler.Record{}, fmt.Errorf("poll result: %w", err)
		}
		select {
		case <-ctx.Done():
			return crawler.Record{}, fmt.Errorf("waiting for %s: %w", handle.ID, ctx.Err())
		case <-ticker.C:
		}
	}
}
