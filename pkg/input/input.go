// Package input reads the list of EIDs to harvest.
package input

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
)

// Column is the header of the EID column.
const Column = "EID"

// ErrMissingColumn is returned when the input has no EID column.
var ErrMissingColumn = errors.New("input has no EID column")

// ReadEIDs reads EIDs from a CSV file with a header row.
func ReadEIDs(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	defer f.Close()

	eids, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("read input %s: %w", path, err)
	}
	return eids, nil
}

// Parse reads EIDs from CSV. Blank cells are skipped and duplicates are
// dropped, keeping the first appearance, so positions stay stable.
func Parse(r io.Reader) ([]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return nil, ErrMissingColumn
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	col := -1
	for i, name := range header {
		if strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")) == Column {
			col = i
			break
		}
	}
	if col < 0 {
		return nil, ErrMissingColumn
	}

	seen := make(map[string]bool)
	var eids []string
	duplicates := 0
	for line := 2; ; line++ {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if col >= len(row) {
			continue
		}
		eid := strings.TrimSpace(row[col])
		if eid == "" {
			continue
		}
		if seen[eid] {
			duplicates++
			continue
		}
		seen[eid] = true
		eids = append(eids, eid)
	}

	if duplicates > 0 {
		log.Warn().Int("duplicates", duplicates).Msg("Dropped duplicate EIDs from input")
	}
	return eids, nil
}
