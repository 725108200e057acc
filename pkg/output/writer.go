// Package output persists fetched records as pretty-printed JSON artifacts.
package output

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Sternrassler/eid-harvester/pkg/checkpoint"
)

// Suffix ends every artifact file name.
const Suffix = "_doc-details.json"

// ErrStorage wraps failures to persist an artifact.
var ErrStorage = errors.New("storage error")

// FileName returns the artifact name for the record at index.
func FileName(index checkpoint.Index, eid string) string {
	return index.String() + "_" + eid + Suffix
}

// ParseFileName splits an artifact name into its rendered index and EID.
func ParseFileName(name string) (index, eid string, ok bool) {
	if !strings.HasSuffix(name, Suffix) {
		return "", "", false
	}
	base := strings.TrimSuffix(name, Suffix)
	index, eid, ok = strings.Cut(base, "_")
	if !ok || index == "" || eid == "" {
		return "", "", false
	}
	return index, eid, true
}

// Writer writes artifacts into a directory.
type Writer struct {
	dir string
}

// NewWriter creates the output directory if needed.
func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create output dir: %w", ErrStorage, err)
	}
	return &Writer{dir: dir}, nil
}

// Dir returns the output directory.
func (w *Writer) Dir() string {
	return w.dir
}

// Path returns the artifact path for the record at index.
func (w *Writer) Path(index checkpoint.Index, eid string) string {
	return filepath.Join(w.dir, FileName(index, eid))
}

// Write stores payload indented by two spaces. The file appears under its
// final name only once fully written.
func (w *Writer) Write(index checkpoint.Index, eid string, payload []byte) (string, error) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, payload, "", "  "); err != nil {
		return "", fmt.Errorf("%w: indent payload: %w", ErrStorage, err)
	}

	path := w.Path(index, eid)
	tmp, err := os.CreateTemp(w.dir, ".artifact-*.tmp")
	if err != nil {
		return "", fmt.Errorf("%w: create temp file: %w", ErrStorage, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return "", fmt.Errorf("%w: write %s: %w", ErrStorage, path, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("%w: close %s: %w", ErrStorage, path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("%w: rename %s: %w", ErrStorage, path, err)
	}
	return path, nil
}
