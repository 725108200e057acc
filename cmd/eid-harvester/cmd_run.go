package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sternrassler/eid-harvester/internal/config"
	"github.com/Sternrassler/eid-harvester/pkg/client"
	"github.com/Sternrassler/eid-harvester/pkg/logging"
	"github.com/Sternrassler/eid-harvester/pkg/output"
	"github.com/Sternrassler/eid-harvester/pkg/pipeline"
	"github.com/Sternrassler/eid-harvester/pkg/ratelimit"
	"github.com/Sternrassler/eid-harvester/pkg/session"
	"github.com/spf13/cobra"
)

var (
	runConcurrency int
	runInput       string
	runSkipFailed  bool
)

// runCmd fetches every pending EID
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Fetch every EID from the input file not yet done",
	Long: `Read the input CSV, skip EIDs the checkpoint already marks Done and
fetch the rest with a pool of workers. The checkpoint is rewritten every
run.flush_every completions and once more at the end.`,
	RunE: runHarvest,
}

func init() {
	runCmd.Flags().IntVarP(&runConcurrency, "concurrency", "n", 0, "Number of workers (overrides run.concurrency)")
	runCmd.Flags().StringVarP(&runInput, "input", "i", "", "Input CSV (overrides run.input)")
	runCmd.Flags().BoolVar(&runSkipFailed, "skip-failed", false, "Do not retry EIDs a previous run marked Failed")
}

func runHarvest(cmd *cobra.Command, args []string) error {
	if runConcurrency > 0 {
		cfg.Run.Concurrency = runConcurrency
	}
	if runInput != "" {
		cfg.Run.Input = runInput
	}
	if runSkipFailed {
		cfg.Run.RetryFailed = false
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := harvest(ctx, cfg)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "run %s: %d EIDs, %d done, %d failed, %d skipped in %s\n",
		report.RunID, report.EIDs, report.Summary.Done, report.Summary.Failed, report.Summary.Skipped, report.Elapsed.Round(time.Second))
	return nil
}

// harvest wires the pipeline from configuration and runs it once.
func harvest(ctx context.Context, c *config.Config) (pipeline.Report, error) {
	rdb, err := connectRedis(ctx, c)
	if err != nil {
		return pipeline.Report{}, err
	}
	if rdb != nil {
		defer rdb.Close()
	}

	stopMetrics := startMetricsServer(c.Metrics.Addr, rdb)
	defer stopMetrics()

	store := sessionStore(c, rdb)
	auth, err := runAuthenticator(ctx, c, store)
	if err != nil {
		return pipeline.Report{}, err
	}
	sessions, err := session.NewManager(session.Config{
		Authenticator: auth,
		Store:         store,
		Credentials:   credentials(c),
		LoginTimeout:  c.GetLoginTimeout(),
	})
	if err != nil {
		return pipeline.Report{}, err
	}

	apiCfg := client.DefaultConfig(c.API.BaseURL)
	apiCfg.PathTemplate = c.API.PathTemplate
	apiCfg.UserAgent = c.API.UserAgent
	apiCfg.Timeout = c.GetAPITimeout()
	apiCfg.RateLimiter = ratelimit.NewTracker(rateLimitBackend(rdb), logging.NewLogger("ratelimit"))
	apiClient, err := client.New(apiCfg)
	if err != nil {
		return pipeline.Report{}, err
	}

	artifacts, err := output.NewWriter(c.Run.OutputDir)
	if err != nil {
		return pipeline.Report{}, err
	}

	fileCfg := logging.FileConfig{MaxSizeMB: c.Logging.MaxSizeMB, MaxBackups: c.Logging.MaxBackups}
	execLog := logging.NewFileSink(c.Logging.ExecutionLog, fileCfg)
	defer execLog.Close()
	errorLog := logging.NewFileSink(c.Logging.ErrorLog, fileCfg)
	defer errorLog.Close()

	driver, err := pipeline.New(pipeline.Config{
		InputPath:      c.Run.Input,
		CheckpointPath: c.Run.Checkpoint,
		FlushEvery:     c.Run.FlushEvery,
		RetryFailed:    c.Run.RetryFailed,
		Sessions:       sessions,
		Fetcher:        apiClient,
		Artifacts:      artifacts,
		Concurrency:    c.Run.Concurrency,
		Retry: client.RetryConfig{
			MaxAttempts:       c.Run.MaxAttempts,
			InitialBackoff:    c.GetInitialBackoff(),
			MaxBackoff:        c.GetMaxBackoff(),
			BackoffMultiplier: 2.0,
		},
		ExecutionLog: execLog,
		ErrorLog:     errorLog,
	})
	if err != nil {
		return pipeline.Report{}, err
	}
	return driver.Run(ctx)
}
