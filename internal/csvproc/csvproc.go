// Package csvproc turns raw CSV bytes into the row maps the downstream API
// consumes. The first record is the header; every later record becomes a map
// keyed by header name with type-coerced values.
package csvproc

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	ErrEmptyFile   = errors.New("csv file has no header row")
	ErrEmptyHeader = errors.New("csv header has no usable column names")
)

// ParseAll reads the whole file. Blank lines are skipped, short records are
// padded with empty strings and surplus fields beyond the header are dropped.
// A file that cannot be read as CSV at all is a malformed input, not a
// transient failure.
func ParseAll(r io.Reader) (header []string, rows []map[string]any, err error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	rec, err := cr.Read()
	if err == io.EOF {
		return nil, nil, ErrEmptyFile
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read csv header: %w", err)
	}
	header = make([]string, len(rec))
	empty := true
	for i, name := range rec {
		header[i] = strings.TrimSpace(name)
		if header[i] != "" {
			empty = false
		}
	}
	if empty {
		return nil, nil, ErrEmptyHeader
	}

	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read csv row %d: %w", len(rows)+2, err)
		}
		if isBlank(rec) {
			continue
		}
		row := make(map[string]any, len(header))
		for i, name := range header {
			if name == "" {
				continue
			}
			var raw string
			if i < len(rec) {
				raw = rec[i]
			}
			row[name] = Coerce(raw)
		}
		rows = append(rows, row)
	}
	return header, rows, nil
}

func isBlank(rec []string) bool {
	for _, f := range rec {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}
