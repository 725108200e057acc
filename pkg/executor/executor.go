package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sternrassler/eid-harvester/pkg/checkpoint"
	"github.com/Sternrassler/eid-harvester/pkg/client"
	"github.com/Sternrassler/eid-harvester/pkg/logging"
	"github.com/Sternrassler/eid-harvester/pkg/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for task execution.
var (
	tasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_tasks_total",
		Help: "Tasks finished by outcome (done, failed, skipped)",
	}, []string{"outcome"})

	attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_attempts_total",
		Help: "Fetch attempts by result kind",
	}, []string{"kind"})

	tasksInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "harvest_tasks_in_flight",
		Help: "Tasks currently held by a worker",
	})
)

// DefaultConcurrency is the default number of workers.
const DefaultConcurrency = 18

// progressEvery controls how often progress is logged.
const progressEvery = 50

// Task is one EID to process.
type Task struct {
	Index checkpoint.Index
	EID   string
	// Skip marks a task that must not be fetched.
	Skip bool
}

// Fetcher performs a single fetch attempt.
type Fetcher interface {
	Fetch(ctx context.Context, eid string, sess *session.Session) client.Result
}

// Sessions hands out sessions to workers.
type Sessions interface {
	Acquire(ctx context.Context) (*session.Session, error)
	Refresh(ctx context.Context, stale *session.Session) (*session.Session, error)
}

// ArtifactWriter persists a fetched payload.
type ArtifactWriter interface {
	Write(index checkpoint.Index, eid string, payload []byte) (string, error)
}

// Config holds executor configuration.
type Config struct {
	Sessions    Sessions
	Fetcher     Fetcher
	Checkpoints *checkpoint.Store
	Artifacts   ArtifactWriter

	// ErrorLog receives one entry per failed attempt. Optional.
	ErrorLog *logging.Sink

	// Concurrency is the number of workers (default: 18).
	Concurrency int

	// Retry bounds the attempt loop and the backoff between attempts.
	Retry client.RetryConfig
}

// Summary counts what a run did.
type Summary struct {
	Total    int
	Skipped  int
	Done     int
	Failed   int
	Attempts int
}

// Executor runs tasks over a worker pool.
type Executor struct {
	config Config
	logger zerolog.Logger
}

// New validates cfg and creates an executor.
func New(cfg Config) (*Executor, error) {
	switch {
	case cfg.Sessions == nil:
		return nil, errors.New("sessions are required")
	case cfg.Fetcher == nil:
		return nil, errors.New("fetcher is required")
	case cfg.Checkpoints == nil:
		return nil, errors.New("checkpoint store is required")
	case cfg.Artifacts == nil:
		return nil, errors.New("artifact writer is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = client.DefaultMaxAttempts
	}
	if cfg.ErrorLog == nil {
		cfg.ErrorLog = logging.Discard()
	}

	return &Executor{
		config: cfg,
		logger: logging.NewLogger("executor"),
	}, nil
}

// counters is shared by all workers of one run.
type counters struct {
	skipped  atomic.Int64
	done     atomic.Int64
	failed   atomic.Int64
	attempts atomic.Int64
}

func (c *counters) finished() int64 {
	return c.skipped.Load() + c.done.Load() + c.failed.Load()
}

// Run processes tasks with at most Concurrency in flight and returns once
// every task reached a terminal outcome. If ctx is cancelled, unfinished
// tasks are left unrecorded and ctx's error is returned.
func (e *Executor) Run(ctx context.Context, tasks []Task) (Summary, error) {
	start := time.Now()
	workers := e.config.Concurrency
	if workers > len(tasks) {
		workers = len(tasks)
	}

	e.logger.Info().
		Int("tasks", len(tasks)).
		Int("workers", workers).
		Msg("Starting task execution")

	queue := make(chan Task, workers)
	go func() {
		defer close(queue)
		for _, task := range tasks {
			select {
			case queue <- task:
			case <-ctx.Done():
				return
			}
		}
	}()

	var c counters
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go e.worker(ctx, queue, &c, len(tasks), &wg, i)
	}
	wg.Wait()

	summary := Summary{
		Total:    len(tasks),
		Skipped:  int(c.skipped.Load()),
		Done:     int(c.done.Load()),
		Failed:   int(c.failed.Load()),
		Attempts: int(c.attempts.Load()),
	}

	e.logger.Info().
		Int("total", summary.Total).
		Int("skipped", summary.Skipped).
		Int("done", summary.Done).
		Int("failed", summary.Failed).
		Int("attempts", summary.Attempts).
		Dur("duration", time.Since(start)).
		Msg("Task execution complete")

	if err := ctx.Err(); err != nil {
		return summary, fmt.Errorf("execution interrupted: %w", err)
	}
	return summary, nil
}

// worker processes tasks from the queue.
func (e *Executor) worker(ctx context.Context, queue <-chan Task, c *counters, total int, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()
	processed := 0

	for task := range queue {
		if ctx.Err() != nil {
			e.logger.Debug().
				Int("worker_id", workerID).
				Int("tasks_processed", processed).
				Msg("Worker stopping (context cancelled)")
			return
		}

		tasksInFlight.Inc()
		e.process(ctx, task, c)
		tasksInFlight.Dec()
		processed++

		if n := c.finished(); n > 0 && n%progressEvery == 0 {
			e.logger.Info().
				Int64("finished", n).
				Int("total", total).
				Float64("progress_pct", float64(n)/float64(total)*100).
				Msg("Execution progress")
		}
	}

	if processed > 0 {
		e.logger.Debug().
			Int("worker_id", workerID).
			Int("tasks_processed", processed).
			Msg("Worker completed")
	}
}

// process runs the attempt loop of one task.
func (e *Executor) process(ctx context.Context, task Task, c *counters) {
	if task.Skip || e.config.Checkpoints.IsDone(task.EID) {
		c.skipped.Add(1)
		tasksTotal.WithLabelValues("skipped").Inc()
		e.logger.Debug().Str("eid", task.EID).Msg("Skipping already processed record")
		return
	}

	var (
		sess    *session.Session
		reauth  bool
		maxTry  = e.config.Retry.MaxAttempts
		lastErr error
	)
	for attempt := 1; ; attempt++ {
		res := e.attempt(ctx, task, &sess, reauth)
		c.attempts.Add(1)
		attemptsTotal.WithLabelValues(res.Kind.String()).Inc()

		if res.Kind == client.Success {
			e.succeed(task, res.Payload, attempt, c)
			return
		}
		lastErr = res.Err

		// A cancelled run must not record failures it caused itself.
		if ctx.Err() != nil {
			return
		}

		decision := client.Decide(attempt, maxTry, res.Kind)
		e.logAttempt(task, attempt, res, decision)
		if decision == client.Abandon {
			e.fail(task, attempt, lastErr, c)
			return
		}

		reauth = decision == client.RetryAfterReauth
		if !reauth {
			if err := e.config.Retry.Wait(ctx, attempt); err != nil {
				return
			}
		}
	}
}

// attempt borrows a session and performs one fetch. A session that cannot
// be obtained counts as a retryable failure of this attempt.
func (e *Executor) attempt(ctx context.Context, task Task, sess **session.Session, reauth bool) client.Result {
	var (
		s   *session.Session
		err error
	)
	if reauth {
		s, err = e.config.Sessions.Refresh(ctx, *sess)
	} else {
		s, err = e.config.Sessions.Acquire(ctx)
	}
	if err != nil {
		return client.Result{Kind: client.RetryableFailure, Err: err}
	}
	*sess = s

	return e.config.Fetcher.Fetch(ctx, task.EID, s)
}

func (e *Executor) succeed(task Task, payload []byte, attempts int, c *counters) {
	path, err := e.config.Artifacts.Write(task.Index, task.EID, payload)
	if err != nil {
		e.config.ErrorLog.Entry().
			Str("eid", task.EID).
			Str("index", task.Index.String()).
			Int("attempt", attempts).
			Str("kind", "storage").
			Err(err).
			Bool("abandoned", true).
			Msg("Failed to write artifact")
		e.fail(task, attempts, err, c)
		return
	}

	c.done.Add(1)
	tasksTotal.WithLabelValues(string(checkpoint.Done)).Inc()
	e.logger.Debug().
		Str("eid", task.EID).
		Str("path", path).
		Int("attempts", attempts).
		Msg("Record saved")
	e.complete(checkpoint.Record{Index: task.Index, EID: task.EID, Outcome: checkpoint.Done})
}

func (e *Executor) fail(task Task, attempts int, err error, c *counters) {
	c.failed.Add(1)
	tasksTotal.WithLabelValues(string(checkpoint.Failed)).Inc()
	e.logger.Warn().
		Err(err).
		Str("eid", task.EID).
		Int("attempts", attempts).
		Msg("Giving up on record")
	e.complete(checkpoint.Record{Index: task.Index, EID: task.EID, Outcome: checkpoint.Failed})
}

// complete records a terminal outcome and flushes when one is due. A failed
// periodic flush is logged only; the final flush will retry it.
func (e *Executor) complete(r checkpoint.Record) {
	if !e.config.Checkpoints.Set(r) {
		return
	}
	if err := e.config.Checkpoints.Flush(); err != nil {
		e.logger.Error().Err(err).Msg("Periodic checkpoint flush failed")
	}
}

func (e *Executor) logAttempt(task Task, attempt int, res client.Result, decision client.Decision) {
	entry := e.config.ErrorLog.Entry().
		Str("eid", task.EID).
		Str("index", task.Index.String()).
		Int("attempt", attempt).
		Str("kind", res.Kind.String()).
		Str("decision", decision.String())
	if res.StatusCode != 0 {
		entry = entry.Int("status", res.StatusCode)
	}
	if decision == client.Abandon {
		entry = entry.Bool("abandoned", true)
	}
	entry.Err(res.Err).Msg("Attempt failed")
}
