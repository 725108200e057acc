package executor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/Sternrassler/eid-harvester/pkg/checkpoint"
	"github.com/Sternrassler/eid-harvester/pkg/client"
	"github.com/Sternrassler/eid-harvester/pkg/logging"
	"github.com/Sternrassler/eid-harvester/pkg/output"
	"github.com/Sternrassler/eid-harvester/pkg/session"
	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fetchFunc decides the result of one attempt. attempt is 1-based per EID.
type fetchFunc func(eid string, attempt int, sess *session.Session) client.Result

type scriptedFetcher struct {
	mu    sync.Mutex
	calls map[string]int
	fn    fetchFunc
}

func newScriptedFetcher(fn fetchFunc) *scriptedFetcher {
	return &scriptedFetcher{calls: make(map[string]int), fn: fn}
}

func (f *scriptedFetcher) Fetch(_ context.Context, eid string, sess *session.Session) client.Result {
	f.mu.Lock()
	f.calls[eid]++
	attempt := f.calls[eid]
	f.mu.Unlock()
	return f.fn(eid, attempt, sess)
}

func (f *scriptedFetcher) Calls(eid string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[eid]
}

func (f *scriptedFetcher) Total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func succeed(eid string, _ int, _ *session.Session) client.Result {
	return client.Result{Kind: client.Success, StatusCode: 200, Payload: []byte(fmt.Sprintf(`{"eid":%q}`, eid))}
}

// countingSessions counts Refresh calls on top of a real manager.
type countingSessions struct {
	*session.Manager
	logins    atomic.Int32
	refreshes atomic.Int32
}

func newCountingSessions(t *testing.T, loginErr error) *countingSessions {
	t.Helper()
	cs := &countingSessions{}
	auth := session.AuthenticatorFunc(func(ctx context.Context, _ session.Credentials) (*session.Session, error) {
		n := cs.logins.Add(1)
		if loginErr != nil {
			return nil, loginErr
		}
		return session.New([]session.Cookie{{Name: "SESSION", Value: strconv.Itoa(int(n))}}), nil
	})
	m, err := session.NewManager(session.Config{Authenticator: auth})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	cs.Manager = m
	return cs
}

func (c *countingSessions) Refresh(ctx context.Context, stale *session.Session) (*session.Session, error) {
	c.refreshes.Add(1)
	return c.Manager.Refresh(ctx, stale)
}

type harness struct {
	sessions *countingSessions
	fetcher  *scriptedFetcher
	store    *checkpoint.Store
	writer   *output.Writer
	errorLog *bytes.Buffer
	exec     *Executor
}

func newHarness(t *testing.T, fn fetchFunc, opts ...func(*Config)) *harness {
	t.Helper()
	dir := t.TempDir()
	h := &harness{
		sessions: newCountingSessions(t, nil),
		fetcher:  newScriptedFetcher(fn),
		store:    checkpoint.New(filepath.Join(dir, "status.csv"), 0),
		errorLog: &bytes.Buffer{},
	}
	w, err := output.NewWriter(filepath.Join(dir, "downloaded"))
	if err != nil {
		t.Fatalf("NewWriter() error = %v", err)
	}
	h.writer = w

	cfg := Config{
		Sessions:    h.sessions,
		Fetcher:     h.fetcher,
		Checkpoints: h.store,
		Artifacts:   h.writer,
		ErrorLog:    logging.NewWriterSink(h.errorLog),
		Concurrency: 4,
		Retry:       client.RetryConfig{MaxAttempts: client.DefaultMaxAttempts},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	exec, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.exec = exec
	return h
}

func tasksFor(eids ...string) []Task {
	tasks := make([]Task, len(eids))
	for i, eid := range eids {
		tasks[i] = Task{Index: checkpoint.Index(i), EID: eid}
	}
	return tasks
}

type errorEntry struct {
	EID       string `json:"eid"`
	Index     string `json:"index"`
	Attempt   int    `json:"attempt"`
	Kind      string `json:"kind"`
	Abandoned bool   `json:"abandoned"`
}

func errorEntries(t *testing.T, buf *bytes.Buffer, eid string) []errorEntry {
	t.Helper()
	var out []errorEntry
	sc := bufio.NewScanner(bytes.NewReader(buf.Bytes()))
	for sc.Scan() {
		var e errorEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("error log line %q: %v", sc.Text(), err)
		}
		if e.EID == eid {
			out = append(out, e)
		}
	}
	return out
}

func TestNew_Validation(t *testing.T) {
	h := newHarness(t, succeed)
	valid := h.exec.config

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing sessions", func(c *Config) { c.Sessions = nil }},
		{"missing fetcher", func(c *Config) { c.Fetcher = nil }},
		{"missing checkpoints", func(c *Config) { c.Checkpoints = nil }},
		{"missing artifacts", func(c *Config) { c.Artifacts = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			if _, err := New(cfg); err == nil {
				t.Error("New() expected error")
			}
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	h := newHarness(t, succeed, func(c *Config) {
		c.Concurrency = 0
		c.Retry = client.RetryConfig{}
		c.ErrorLog = nil
	})

	if h.exec.config.Concurrency != DefaultConcurrency {
		t.Errorf("Concurrency = %d, want %d", h.exec.config.Concurrency, DefaultConcurrency)
	}
	if h.exec.config.Retry.MaxAttempts != client.DefaultMaxAttempts {
		t.Errorf("MaxAttempts = %d, want %d", h.exec.config.Retry.MaxAttempts, client.DefaultMaxAttempts)
	}
}

func TestRun_AllSucceed(t *testing.T) {
	h := newHarness(t, succeed)

	summary, err := h.exec.Run(context.Background(), tasksFor("E1", "E2", "E3"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if diff := cmp.Diff(Summary{Total: 3, Done: 3, Attempts: 3}, summary); diff != "" {
		t.Errorf("Summary mismatch (-want +got):\n%s", diff)
	}
	for i, eid := range []string{"E1", "E2", "E3"} {
		if _, err := os.Stat(h.writer.Path(checkpoint.Index(i), eid)); err != nil {
			t.Errorf("artifact for %s: %v", eid, err)
		}
	}
	want := []checkpoint.Record{
		{Index: 0, EID: "E1", Outcome: checkpoint.Done},
		{Index: 1, EID: "E2", Outcome: checkpoint.Done},
		{Index: 2, EID: "E3", Outcome: checkpoint.Done},
	}
	if diff := cmp.Diff(want, h.store.Snapshot()); diff != "" {
		t.Errorf("Snapshot() mismatch (-want +got):\n%s", diff)
	}
	if got := h.sessions.logins.Load(); got != 1 {
		t.Errorf("logins = %d, want 1", got)
	}
}

func TestRun_AuthExpiredOnceRefreshesOnce(t *testing.T) {
	h := newHarness(t, func(eid string, attempt int, sess *session.Session) client.Result {
		if eid == "E2" && attempt == 1 {
			return client.Result{Kind: client.AuthExpired, StatusCode: 403, Err: client.ErrAuthExpired}
		}
		return succeed(eid, attempt, sess)
	})

	summary, err := h.exec.Run(context.Background(), tasksFor("E1", "E2", "E3"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if got := h.sessions.refreshes.Load(); got != 1 {
		t.Errorf("refreshes = %d, want 1", got)
	}
	if got := h.fetcher.Calls("E2"); got != 2 {
		t.Errorf("E2 attempts = %d, want 2", got)
	}
	if !h.store.IsDone("E2") {
		t.Error("E2 not Done")
	}
	if summary.Done != 3 || summary.Attempts != 4 {
		t.Errorf("Summary = %+v", summary)
	}
}

func TestRun_RetryCap(t *testing.T) {
	h := newHarness(t, func(eid string, attempt int, sess *session.Session) client.Result {
		if eid == "E3" {
			return client.Result{Kind: client.RetryableFailure, StatusCode: 500, Err: errors.New("server error")}
		}
		return succeed(eid, attempt, sess)
	})

	summary, err := h.exec.Run(context.Background(), tasksFor("E1", "E2", "E3"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if got := h.fetcher.Calls("E3"); got != client.DefaultMaxAttempts {
		t.Errorf("E3 attempts = %d, want %d", got, client.DefaultMaxAttempts)
	}
	r, _ := h.store.Get("E3")
	if r.Outcome != checkpoint.Failed {
		t.Errorf("E3 outcome = %s, want Failed", r.Outcome)
	}
	if !h.store.IsDone("E1") || !h.store.IsDone("E2") {
		t.Error("E1/E2 should be Done")
	}
	if summary.Done != 2 || summary.Failed != 1 {
		t.Errorf("Summary = %+v", summary)
	}

	entries := errorEntries(t, h.errorLog, "E3")
	if len(entries) != client.DefaultMaxAttempts {
		t.Fatalf("error log has %d entries for E3, want %d", len(entries), client.DefaultMaxAttempts)
	}
	for i, e := range entries {
		if e.Attempt != i+1 || e.Index != "00000003" || e.Kind != "retryable" {
			t.Errorf("entry %d = %+v", i, e)
		}
		if e.Abandoned != (i == len(entries)-1) {
			t.Errorf("entry %d abandoned = %v", i, e.Abandoned)
		}
	}
}

func TestRun_FatalFailureIsRetriedToCap(t *testing.T) {
	h := newHarness(t, func(eid string, _ int, _ *session.Session) client.Result {
		return client.Result{Kind: client.FatalFailure, StatusCode: 200, Err: client.ErrBusinessRejection}
	})

	summary, _ := h.exec.Run(context.Background(), tasksFor("E1"))

	if got := h.fetcher.Calls("E1"); got != client.DefaultMaxAttempts {
		t.Errorf("attempts = %d, want %d", got, client.DefaultMaxAttempts)
	}
	if summary.Failed != 1 {
		t.Errorf("Summary = %+v", summary)
	}
}

func TestRun_SkipsDoneRecords(t *testing.T) {
	h := newHarness(t, succeed)
	h.store.Set(checkpoint.Record{Index: 0, EID: "E1", Outcome: checkpoint.Done})
	tasks := tasksFor("E1", "E2", "E3")
	tasks[2].Skip = true

	summary, err := h.exec.Run(context.Background(), tasks)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if h.fetcher.Calls("E1") != 0 || h.fetcher.Calls("E3") != 0 {
		t.Errorf("skipped records were fetched: E1=%d E3=%d", h.fetcher.Calls("E1"), h.fetcher.Calls("E3"))
	}
	if summary.Skipped != 2 || summary.Done != 1 {
		t.Errorf("Summary = %+v", summary)
	}
}

func TestRun_ConcurrentExpiryRefreshesOnce(t *testing.T) {
	const workers = 18
	h := newHarness(t, func(eid string, attempt int, sess *session.Session) client.Result {
		if sess.Cookies[0].Value == "1" {
			return client.Result{Kind: client.AuthExpired, StatusCode: 401, Err: client.ErrAuthExpired}
		}
		return succeed(eid, attempt, sess)
	}, func(c *Config) { c.Concurrency = workers })

	eids := make([]string, workers*3)
	for i := range eids {
		eids[i] = fmt.Sprintf("E%d", i)
	}
	summary, err := h.exec.Run(context.Background(), tasksFor(eids...))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if got := h.sessions.logins.Load(); got != 2 {
		t.Errorf("logins = %d, want 2 (initial + one refresh)", got)
	}
	if summary.Done != len(eids) {
		t.Errorf("Summary = %+v", summary)
	}
}

func TestRun_AuthenticationFailureCountsAsAttempt(t *testing.T) {
	h := newHarness(t, succeed)
	failing := newCountingSessions(t, errors.New("login page unreachable"))
	h.exec.config.Sessions = failing

	summary, err := h.exec.Run(context.Background(), tasksFor("E1", "E2"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if h.fetcher.Total() != 0 {
		t.Errorf("fetches = %d, want 0", h.fetcher.Total())
	}
	if summary.Failed != 2 || summary.Attempts != 2*client.DefaultMaxAttempts {
		t.Errorf("Summary = %+v", summary)
	}
	entries := errorEntries(t, h.errorLog, "E1")
	if len(entries) != client.DefaultMaxAttempts {
		t.Errorf("error log has %d entries for E1, want %d", len(entries), client.DefaultMaxAttempts)
	}
}

type failingWriter struct{}

func (failingWriter) Write(checkpoint.Index, string, []byte) (string, error) {
	return "", fmt.Errorf("%w: disk full", output.ErrStorage)
}

func TestRun_StorageFailureFailsTaskOnly(t *testing.T) {
	h := newHarness(t, succeed, func(c *Config) { c.Artifacts = failingWriter{} })

	summary, err := h.exec.Run(context.Background(), tasksFor("E1"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if got := h.fetcher.Calls("E1"); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
	if summary.Failed != 1 {
		t.Errorf("Summary = %+v", summary)
	}
	entries := errorEntries(t, h.errorLog, "E1")
	if len(entries) != 1 || entries[0].Kind != "storage" {
		t.Errorf("error log = %+v", entries)
	}
}

func TestRun_PeriodicFlush(t *testing.T) {
	h := newHarness(t, succeed)
	h.store = checkpoint.New(h.store.Path(), 2)
	h.exec.config.Checkpoints = h.store

	if _, err := h.exec.Run(context.Background(), tasksFor("E1", "E2", "E3", "E4", "E5")); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	records, err := checkpoint.ReadFile(h.store.Path())
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if len(records) < 4 {
		t.Errorf("periodic flushes persisted %d records, want at least 4", len(records))
	}
}

func TestRun_CancelledContext(t *testing.T) {
	h := newHarness(t, succeed)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := h.exec.Run(ctx, tasksFor("E1", "E2", "E3"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if h.store.Len() != 0 || summary.Done != 0 {
		t.Errorf("cancelled run recorded outcomes: %+v", summary)
	}
}

func TestRun_Empty(t *testing.T) {
	h := newHarness(t, succeed)

	summary, err := h.exec.Run(context.Background(), nil)
	if err != nil || summary.Total != 0 {
		t.Errorf("Run(nil) = %+v, %v", summary, err)
	}
}
