// Package export flattens downloaded record artifacts into CSV: one file per
// record plus a summary of all records, each row holding the title, the
// indexed keywords, the abstract and a remark about missing or ambiguous
// fields.
package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Sternrassler/eid-harvester/pkg/logging"
	"github.com/Sternrassler/eid-harvester/pkg/output"
	"github.com/rs/zerolog"
)

// Remarks attached to rows with missing or ambiguous fields.
const (
	RemarkTitleNull      = "Title is null"
	RemarkTitleMultiple  = "Title has more than one element"
	RemarkAbstractNull   = "Abstract is null"
	RemarkAbstractMulti  = "Abstract has more than one element"
	RemarkKeywordsAbsent = "Keywords are null"
)

// SummaryFile is the name of the combined CSV.
const SummaryFile = "_summary.csv"

// Header is the header row of every CSV written.
var Header = []string{"Index", "EID", "Title", "Keyword", "Abstract", "Remark"}

// Row is one flattened record.
type Row struct {
	Index    string
	EID      string
	Title    string
	Keyword  string
	Abstract string
	Remark   string
}

func (r Row) fields() []string {
	return []string{r.Index, r.EID, r.Title, r.Keyword, r.Abstract, r.Remark}
}

type document struct {
	Titles          []string        `json:"titles"`
	Abstract        []string        `json:"abstract"`
	IndexedKeywords json.RawMessage `json:"indexedKeywords"`
}

// Flatten converts one artifact payload into a row.
func Flatten(index, eid string, payload []byte) (Row, error) {
	var doc document
	if err := json.Unmarshal(payload, &doc); err != nil {
		return Row{}, fmt.Errorf("decode %s: %w", eid, err)
	}
	keywords, err := orderedKeywords(doc.IndexedKeywords)
	if err != nil {
		return Row{}, fmt.Errorf("decode keywords of %s: %w", eid, err)
	}

	row := Row{Index: index, EID: eid}
	var remarks []string

	title, remark := pick(doc.Titles, "; ", RemarkTitleNull, RemarkTitleMultiple)
	row.Title = title
	if remark != "" {
		remarks = append(remarks, remark)
	}

	abstract, remark := pick(doc.Abstract, " ", RemarkAbstractNull, RemarkAbstractMulti)
	row.Abstract = abstract
	if remark != "" {
		remarks = append(remarks, remark)
	}

	if len(keywords) == 0 {
		remarks = append(remarks, RemarkKeywordsAbsent)
	}
	row.Keyword = strings.Join(keywords, ", ")
	row.Remark = strings.Join(remarks, ", ")
	return row, nil
}

// pick joins multi-element fields and flags empty ones.
func pick(values []string, sep, nullRemark, multiRemark string) (string, string) {
	switch {
	case len(values) > 1:
		return strings.Join(values, sep), multiRemark
	case len(values) == 0 || values[0] == "":
		return "", nullRemark
	default:
		return values[0], ""
	}
}

// orderedKeywords concatenates the keyword groups of an indexedKeywords
// object in document order.
func orderedKeywords(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("expected object, got %v", tok)
	}

	var out []string
	for dec.More() {
		if _, err := dec.Token(); err != nil {
			return nil, err
		}
		var group any
		if err := dec.Decode(&group); err != nil {
			return nil, err
		}
		switch v := group.(type) {
		case []any:
			for _, item := range v {
				if item != nil {
					out = append(out, fmt.Sprint(item))
				}
			}
		case nil:
		default:
			out = append(out, fmt.Sprint(v))
		}
	}
	return out, nil
}

// Config holds exporter configuration.
type Config struct {
	// InputDir holds the downloaded artifacts.
	InputDir string
	// OutputDir receives the CSV files.
	OutputDir string
}

// Report counts what an export did.
type Report struct {
	Exported int
	Skipped  int
	Summary  string
}

// Exporter converts artifacts to CSV.
type Exporter struct {
	config Config
	logger zerolog.Logger
}

// New creates an exporter.
func New(cfg Config) (*Exporter, error) {
	if cfg.InputDir == "" || cfg.OutputDir == "" {
		return nil, errors.New("input and output directories are required")
	}
	return &Exporter{
		config: cfg,
		logger: logging.NewLogger("export"),
	}, nil
}

// Run exports every artifact in the input directory. Unreadable artifacts
// are skipped with a warning; failing to write CSV aborts.
func (e *Exporter) Run() (Report, error) {
	var report Report

	entries, err := os.ReadDir(e.config.InputDir)
	if err != nil {
		return report, fmt.Errorf("scan input dir: %w", err)
	}
	if err := os.MkdirAll(e.config.OutputDir, 0o755); err != nil {
		return report, fmt.Errorf("create output dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	var rows []Row
	for _, name := range names {
		index, eid, ok := output.ParseFileName(name)
		if !ok {
			continue
		}
		payload, err := os.ReadFile(filepath.Join(e.config.InputDir, name))
		if err != nil {
			return report, fmt.Errorf("read %s: %w", name, err)
		}
		row, err := Flatten(index, eid, payload)
		if err != nil {
			e.logger.Warn().Err(err).Str("file", name).Msg("Skipping unreadable artifact")
			report.Skipped++
			continue
		}

		path := filepath.Join(e.config.OutputDir, fmt.Sprintf("%s_%s_tka.csv", index, eid))
		if err := writeCSV(path, []Row{row}); err != nil {
			return report, err
		}
		rows = append(rows, row)
		report.Exported++
	}

	report.Summary = filepath.Join(e.config.OutputDir, SummaryFile)
	if err := writeCSV(report.Summary, rows); err != nil {
		return report, err
	}

	e.logger.Info().
		Int("exported", report.Exported).
		Int("skipped", report.Skipped).
		Str("summary", report.Summary).
		Msg("Export complete")
	return report, nil
}

// Encode writes rows with a header.
func Encode(w io.Writer, rows []Row) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(Header); err != nil {
		return err
	}
	for _, r := range rows {
		if err := writer.Write(r.fields()); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func writeCSV(path string, rows []Row) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := Encode(f, rows); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
