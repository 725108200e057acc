// Package checkpoint records the terminal outcome of every task so a re-run
// resumes instead of repeating work. The durable form is a CSV file with the
// columns Index, EID and Done, rewritten sorted by Index on every flush.
package checkpoint

import (
	"fmt"
	"strconv"
	"strings"
)

// Index is the zero-based position of an EID's first appearance in the input.
// It is rendered as an 8-digit, 1-based ordinal ("00000001" for position 0).
type Index int

// IndexWidth is the number of digits of a rendered Index.
const IndexWidth = 8

// String renders the index the way it appears in file names and checkpoints.
func (i Index) String() string {
	return fmt.Sprintf("%0*d", IndexWidth, int(i)+1)
}

// ParseIndex parses a rendered index back to its position.
func ParseIndex(s string) (Index, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("parse index %q: %w", s, err)
	}
	if n < 1 {
		return 0, fmt.Errorf("parse index %q: must be >= 1", s)
	}
	return Index(n - 1), nil
}

// Outcome is the terminal state of a task.
type Outcome string

const (
	// Done means the record was fetched and written.
	Done Outcome = "Done"
	// Failed means every attempt was used up or the artifact could not be written.
	Failed Outcome = "Failed"
)

// ParseOutcome validates a checkpoint cell.
func ParseOutcome(s string) (Outcome, error) {
	switch o := Outcome(strings.TrimSpace(s)); o {
	case Done, Failed:
		return o, nil
	default:
		return "", fmt.Errorf("unknown outcome %q", s)
	}
}

// Record is the persisted outcome of one EID.
type Record struct {
	Index   Index
	EID     string
	Outcome Outcome
}

// Header is the checkpoint file's header row.
var Header = []string{"Index", "EID", "Done"}
