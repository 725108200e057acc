package logging

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestWriterSink_IgnoresGlobalLevel(t *testing.T) {
	prev := zerolog.GlobalLevel()
	zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	defer zerolog.SetGlobalLevel(prev)

	buf := &bytes.Buffer{}
	sink := NewWriterSink(buf)
	sink.Entry().Str("eid", "E1").Int("attempt", 2).Msg("fetch failed")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("sink output is not JSON: %v (%q)", err, buf.String())
	}
	if line["eid"] != "E1" {
		t.Errorf("eid = %v, want E1", line["eid"])
	}
	if _, ok := line["time"]; !ok {
		t.Error("expected a timestamp field")
	}
	if _, ok := line["level"]; ok {
		t.Error("diagnostic entries should not carry a level")
	}
}

func TestFileSink_Appends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "execution.log")

	for i := 0; i < 2; i++ {
		sink := NewFileSink(path, FileConfig{})
		sink.Entry().Msg("Script started")
		if err := sink.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()

	lines := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if strings.Contains(scanner.Text(), "Script started") {
			lines++
		}
	}
	if lines != 2 {
		t.Errorf("found %d entries, want 2 (file must be appended, not truncated)", lines)
	}
}

func TestDiscard(t *testing.T) {
	sink := Discard()
	sink.Entry().Msg("dropped")
	if err := sink.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}

	var nilSink *Sink
	nilSink.Entry().Msg("dropped")
}
