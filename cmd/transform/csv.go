package transform

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/metergrid/meter-pipeline/cmd/schema"
)

// RowReader streams records out of a delimited file using a pre-detected
// separator. Malformed rows are skipped and counted rather than failing
// the whole file.
type RowReader struct {
	file    *os.File
	reader  *csv.Reader
	headers []string
	skipped int64
}

// OpenRows opens path for streaming reads, consuming the header row.
func OpenRows(path string, separator rune) (*RowReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	cr := csv.NewReader(schema.BOMTolerantReader(f))
	cr.Comma = separator
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	headers, err := cr.Read()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read header of %s: %w", path, err)
	}
	for i := range headers {
		headers[i] = strings.TrimSpace(strings.Trim(strings.TrimSpace(headers[i]), `"'`))
	}

	return &RowReader{file: f, reader: cr, headers: headers}, nil
}

// Headers returns the cleaned raw column names in file order.
func (r *RowReader) Headers() []string {
	return r.headers
}

// Next returns the next well-formed record, or io.EOF at end of input.
// Parse errors skip the offending row.
func (r *RowReader) Next() ([]string, error) {
	for {
		record, err := r.reader.Read()
		if err == nil {
			return record, nil
		}
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			r.skipped++
			continue
		}
		return nil, fmt.Errorf("read record: %w", err)
	}
}

// Skipped reports how many malformed rows were dropped so far.
func (r *RowReader) Skipped() int64 {
	return r.skipped
}

func (r *RowReader) Close() error {
	return r.file.Close()
}

// columnIndex finds the source index of a canonical column, looking
// through the rename mapping first and falling back to a case-insensitive
// direct match. Returns -1 when the column is absent.
func columnIndex(headers []string, mapping map[string]string, canonical string) int {
	for i, h := range headers {
		name := h
		if renamed, ok := mapping[h]; ok {
			name = renamed
		}
		if strings.EqualFold(strings.TrimSpace(name), canonical) {
			return i
		}
	}
	return -1
}
