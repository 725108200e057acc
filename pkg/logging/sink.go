package logging

import (
	"io"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// FileConfig controls rotation of an append-only diagnostic file.
// Zero values disable rotation.
type FileConfig struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Sink is an append-only, timestamped diagnostic log backed by a file.
// The execution log and the error log are both sinks; nothing reads them back.
type Sink struct {
	logger zerolog.Logger
	closer io.Closer
}

// NewFileSink opens path for appending and returns a sink logging JSON lines to it.
func NewFileSink(path string, cfg FileConfig) *Sink {
	w := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	if cfg.MaxSizeMB <= 0 {
		// lumberjack treats 0 as 100MB; execution logs are tiny, error logs can grow.
		w.MaxSize = 1024
	}
	return NewWriterSink(w)
}

// NewWriterSink wraps an arbitrary writer. Writes are serialized, so workers
// may share one sink. If w implements io.Closer, Close closes it.
func NewWriterSink(w io.Writer) *Sink {
	s := &Sink{logger: zerolog.New(zerolog.SyncWriter(w)).With().Timestamp().Logger()}
	if c, ok := w.(io.Closer); ok {
		s.closer = c
	}
	return s
}

// Discard returns a sink that drops everything.
func Discard() *Sink {
	return &Sink{logger: zerolog.Nop()}
}

// Entry starts a new line. Entries carry no level so the global level
// configured by Setup never filters diagnostic output.
func (s *Sink) Entry() *zerolog.Event {
	if s == nil {
		return nil
	}
	return s.logger.Log()
}

// Close releases the underlying file.
func (s *Sink) Close() error {
	if s == nil || s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
