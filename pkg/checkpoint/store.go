package checkpoint

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for checkpointing.
var (
	flushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_checkpoint_flushes_total",
		Help: "Checkpoint file rewrites by result",
	}, []string{"result"})

	flushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "harvest_checkpoint_flush_duration_seconds",
		Help:    "Time spent rewriting the checkpoint file",
		Buckets: prometheus.DefBuckets,
	})

	recordsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "harvest_checkpoint_records",
		Help: "Checkpoint records by outcome",
	}, []string{"outcome"})
)

// DefaultFlushEvery is the number of completions between periodic flushes.
const DefaultFlushEvery = 100

// Store is a concurrency-safe EID → Record map with a durable CSV form.
type Store struct {
	path       string
	flushEvery int
	logger     zerolog.Logger

	mu      sync.Mutex
	records map[string]Record
	counts  map[Outcome]int
	pending int

	// flushMu serializes file rewrites so snapshots reach disk in order.
	flushMu sync.Mutex
}

// New creates an empty store persisted at path.
func New(path string, flushEvery int) *Store {
	if flushEvery <= 0 {
		flushEvery = DefaultFlushEvery
	}
	return &Store{
		path:       path,
		flushEvery: flushEvery,
		logger:     log.With().Str("component", "checkpoint").Logger(),
		records:    make(map[string]Record),
		counts:     make(map[Outcome]int),
	}
}

// Load creates a store seeded from path. A missing file yields an empty
// store; an unreadable or malformed file is an error.
func Load(path string, flushEvery int) (*Store, error) {
	s := New(path, flushEvery)

	records, err := ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		s.logger.Info().Str("path", path).Msg("No checkpoint file, starting fresh")
		return s, nil
	}
	if err != nil {
		return nil, err
	}

	for _, r := range records {
		s.records[r.EID] = r
		s.counts[r.Outcome]++
	}
	s.updateGauges()
	s.logger.Info().
		Str("path", path).
		Int("records", len(s.records)).
		Msg("Loaded checkpoint")
	return s, nil
}

// Path returns the checkpoint file path.
func (s *Store) Path() string {
	return s.path
}

// Get returns the record for eid.
func (s *Store) Get(eid string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[eid]
	return r, ok
}

// IsDone reports whether eid already completed successfully.
func (s *Store) IsDone(eid string) bool {
	r, ok := s.Get(eid)
	return ok && r.Outcome == Done
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Set records a task completion and reports whether a periodic flush is due.
// An existing record keeps its Index.
func (s *Store) Set(r Record) (flushDue bool) {
	s.mu.Lock()
	if prev, ok := s.records[r.EID]; ok {
		r.Index = prev.Index
		s.counts[prev.Outcome]--
	}
	s.records[r.EID] = r
	s.counts[r.Outcome]++
	s.pending++
	if s.pending >= s.flushEvery {
		s.pending = 0
		flushDue = true
	}
	s.mu.Unlock()

	s.updateGauges()
	return flushDue
}

// Snapshot returns a consistent copy of all records sorted by Index.
func (s *Store) Snapshot() []Record {
	s.mu.Lock()
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	s.mu.Unlock()

	sortRecords(out)
	return out
}

// Flush rewrites the checkpoint file from a snapshot. Only the snapshot is
// taken under the map lock; workers keep updating records during the write.
func (s *Store) Flush() error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	start := time.Now()
	snapshot := s.Snapshot()
	if err := WriteFile(s.path, snapshot); err != nil {
		flushesTotal.WithLabelValues("error").Inc()
		return err
	}
	flushDuration.Observe(time.Since(start).Seconds())
	flushesTotal.WithLabelValues("success").Inc()

	s.logger.Debug().
		Int("records", len(snapshot)).
		Dur("duration", time.Since(start)).
		Msg("Checkpoint flushed")
	return nil
}

// Counts returns the number of records per outcome.
func (s *Store) Counts() (done, failed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[Done], s.counts[Failed]
}

func (s *Store) updateGauges() {
	done, failed := s.Counts()
	recordsGauge.WithLabelValues(string(Done)).Set(float64(done))
	recordsGauge.WithLabelValues(string(Failed)).Set(float64(failed))
}

// sortRecords orders by Index, then EID for records sharing an index.
func sortRecords(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].Index != records[j].Index {
			return records[i].Index < records[j].Index
		}
		return records[i].EID < records[j].EID
	})
}

// ReadFile parses a checkpoint file. Later rows win over earlier rows for
// the same EID.
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		return nil, fmt.Errorf("open checkpoint: %w", err)
	}
	defer f.Close()

	records, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint %s: %w", path, err)
	}
	return records, nil
}

// Decode parses checkpoint CSV from r.
func Decode(r io.Reader) ([]Record, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[trimBOM(name)] = i
	}
	for _, name := range Header {
		if _, ok := cols[name]; !ok {
			return nil, fmt.Errorf("missing column %q", name)
		}
	}

	byEID := make(map[string]int)
	var out []Record
	for line := 2; ; line++ {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if len(row) < len(header) {
			return nil, fmt.Errorf("line %d: expected %d fields, got %d", line, len(header), len(row))
		}

		idx, err := ParseIndex(row[cols["Index"]])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		outcome, err := ParseOutcome(row[cols["Done"]])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		rec := Record{Index: idx, EID: row[cols["EID"]], Outcome: outcome}

		if i, ok := byEID[rec.EID]; ok {
			out[i] = rec
			continue
		}
		byEID[rec.EID] = len(out)
		out = append(out, rec)
	}
	return out, nil
}

// Encode writes records as checkpoint CSV in the given order.
func Encode(w io.Writer, records []Record) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(Header); err != nil {
		return err
	}
	for _, r := range records {
		if err := writer.Write([]string{r.Index.String(), r.EID, string(r.Outcome)}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// WriteFile replaces path with records via a temp file and rename, so a
// crash mid-write leaves the previous checkpoint intact.
func WriteFile(path string, records []Record) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := Encode(tmp, records); err != nil {
		tmp.Close()
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace checkpoint: %w", err)
	}
	return nil
}

func trimBOM(s string) string {
	return strings.TrimPrefix(s, "\ufeff")
}
