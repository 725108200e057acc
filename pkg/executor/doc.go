// Package executor runs the per-record fetch protocol over a fixed pool of
// workers.
//
// Each task either is skipped (already Done in the checkpoint) or runs an
// attempt loop: borrow a session, fetch, classify, ask the retry policy what
// to do next. A success is written to the artifact directory and recorded as
// Done; exhaustion is recorded as Failed. Failures never escape a task, so one
// bad record cannot stop the pool.
//
// Usage:
//
//	exec, err := executor.New(executor.Config{
//		Sessions:    manager,
//		Fetcher:     apiClient,
//		Checkpoints: store,
//		Artifacts:   writer,
//		ErrorLog:    errorSink,
//		Concurrency: 18,
//		Retry:       client.DefaultRetryConfig(),
//	})
//	summary, err := exec.Run(ctx, tasks)
//
// Every Store.Set that reports a due flush makes the completing worker
// rewrite the checkpoint file; the others keep fetching meanwhile.
package executor
