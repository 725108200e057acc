// Package pipeline drives one harvesting run: it reads the input list, seeds
// resume state from the checkpoint, runs the executor and leaves a checkpoint
// that reflects the final state.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/eid-harvester/pkg/checkpoint"
	"github.com/Sternrassler/eid-harvester/pkg/client"
	"github.com/Sternrassler/eid-harvester/pkg/executor"
	"github.com/Sternrassler/eid-harvester/pkg/input"
	"github.com/Sternrassler/eid-harvester/pkg/logging"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Config holds driver configuration.
type Config struct {
	// InputPath is the CSV file listing the EIDs.
	InputPath string

	// CheckpointPath is the checkpoint CSV file.
	CheckpointPath string

	// FlushEvery is the number of completions between periodic flushes.
	FlushEvery int

	// RetryFailed re-attempts records a previous run marked Failed.
	RetryFailed bool

	Sessions    executor.Sessions
	Fetcher     executor.Fetcher
	Artifacts   executor.ArtifactWriter
	Concurrency int
	Retry       client.RetryConfig

	// ExecutionLog receives run milestones. Optional.
	ExecutionLog *logging.Sink

	// ErrorLog receives per-attempt failures. Optional.
	ErrorLog *logging.Sink
}

// Report describes a finished run.
type Report struct {
	RunID   string
	EIDs    int
	Summary executor.Summary
	Elapsed time.Duration
}

// Driver runs the pipeline.
type Driver struct {
	config Config
	logger zerolog.Logger
}

// New creates a driver.
func New(cfg Config) (*Driver, error) {
	if cfg.InputPath == "" {
		return nil, errors.New("input path is required")
	}
	if cfg.CheckpointPath == "" {
		return nil, errors.New("checkpoint path is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = executor.DefaultConcurrency
	}
	if cfg.ExecutionLog == nil {
		cfg.ExecutionLog = logging.Discard()
	}
	return &Driver{
		config: cfg,
		logger: logging.NewLogger("pipeline"),
	}, nil
}

// Run executes one pass over the input. Input and checkpoint read failures
// abort before any fetch. Per-record failures are reflected in the report,
// not in the returned error.
func (d *Driver) Run(ctx context.Context) (Report, error) {
	start := time.Now()
	report := Report{RunID: uuid.NewString()}
	execLog := d.config.ExecutionLog
	logger := d.logger.With().Str("run_id", report.RunID).Logger()

	execLog.Entry().Str("run_id", report.RunID).Time("started_at", start).Msg("Run started")

	eids, err := input.ReadEIDs(d.config.InputPath)
	if err != nil {
		return report, err
	}
	report.EIDs = len(eids)
	execLog.Entry().Str("run_id", report.RunID).Int("eids", len(eids)).Msg("Input loaded")
	logger.Info().Int("eids", len(eids)).Str("input", d.config.InputPath).Msg("Input loaded")

	store, err := checkpoint.Load(d.config.CheckpointPath, d.config.FlushEvery)
	if err != nil {
		return report, err
	}
	// Fail on an unwritable checkpoint before spending any requests.
	if err := store.Flush(); err != nil {
		return report, err
	}

	tasks := BuildTasks(eids, store, d.config.RetryFailed)

	exec, err := executor.New(executor.Config{
		Sessions:    d.config.Sessions,
		Fetcher:     d.config.Fetcher,
		Checkpoints: store,
		Artifacts:   d.config.Artifacts,
		ErrorLog:    d.config.ErrorLog,
		Concurrency: d.config.Concurrency,
		Retry:       d.config.Retry,
	})
	if err != nil {
		return report, err
	}
	execLog.Entry().Str("run_id", report.RunID).Int("concurrency", d.config.Concurrency).Msg("Executor configured")

	summary, runErr := exec.Run(ctx, tasks)
	report.Summary = summary

	if err := store.Flush(); err != nil {
		return report, fmt.Errorf("final checkpoint flush: %w", err)
	}

	report.Elapsed = time.Since(start)
	execLog.Entry().
		Str("run_id", report.RunID).
		Time("ended_at", time.Now()).
		Float64("elapsed_seconds", report.Elapsed.Seconds()).
		Int("done", summary.Done).
		Int("failed", summary.Failed).
		Int("skipped", summary.Skipped).
		Msg("Run ended")
	logger.Info().
		Int("done", summary.Done).
		Int("failed", summary.Failed).
		Int("skipped", summary.Skipped).
		Dur("elapsed", report.Elapsed).
		Msg("Run complete")

	return report, runErr
}

// BuildTasks turns the input list into tasks. A record known from a previous
// run keeps its Index; Done records are skipped, as are Failed records
// unless retryFailed is set. A new EID takes its input position unless a
// stored record already holds it, in which case it is numbered after the
// highest Index in use, so no two records share an Index.
func BuildTasks(eids []string, store *checkpoint.Store, retryFailed bool) []executor.Task {
	used := make(map[checkpoint.Index]bool, store.Len())
	next := checkpoint.Index(len(eids))
	for _, r := range store.Snapshot() {
		used[r.Index] = true
		if r.Index >= next {
			next = r.Index + 1
		}
	}

	tasks := make([]executor.Task, len(eids))
	for i, eid := range eids {
		task := executor.Task{Index: checkpoint.Index(i), EID: eid}
		if prev, ok := store.Get(eid); ok {
			task.Index = prev.Index
			switch prev.Outcome {
			case checkpoint.Done:
				task.Skip = true
			case checkpoint.Failed:
				task.Skip = !retryFailed
			}
		} else if used[task.Index] {
			task.Index = next
			next++
		}
		used[task.Index] = true
		tasks[i] = task
	}
	return tasks
}
