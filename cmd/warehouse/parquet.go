package warehouse

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/parquet-go/parquet-go"
)

// Column describes one column of a staged columnar file in warehouse
// terms: its name, its SQL type for staging DDL, and whether it carries
// a timestamp that needs conversion from epoch milliseconds.
type Column struct {
	Name      string
	SQLType   string
	Timestamp bool
}

// StagedFile reads a columnar output file back for bulk staging.
type StagedFile struct {
	file    *os.File
	pf      *parquet.File
	columns []Column
}

// OpenStaged opens a columnar file and derives its warehouse column
// layout from the file schema.
func OpenStaged(path string) (*StagedFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open staged file %s: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat staged file %s: %w", path, err)
	}
	pf, err := parquet.OpenFile(f, st.Size())
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open parquet %s: %w", path, err)
	}

	fields := pf.Schema().Fields()
	columns := make([]Column, 0, len(fields))
	for _, field := range fields {
		if !field.Leaf() {
			continue
		}
		columns = append(columns, Column{
			Name:      field.Name(),
			SQLType:   sqlTypeFor(field),
			Timestamp: isTimestampField(field),
		})
	}

	return &StagedFile{file: f, pf: pf, columns: columns}, nil
}

func (s *StagedFile) Columns() []Column { return s.columns }

func (s *StagedFile) NumRows() int64 { return s.pf.NumRows() }

// Each streams every row to fn as a value slice aligned with Columns().
// Timestamp columns arrive as time.Time, nulls as nil.
func (s *StagedFile) Each(fn func(values []any) error) error {
	batch := make([]parquet.Row, 1000)
	for _, rowGroup := range s.pf.RowGroups() {
		rows := rowGroup.Rows()
		for {
			n, err := rows.ReadRows(batch)
			for i := 0; i < n; i++ {
				values, convErr := s.convertRow(batch[i])
				if convErr != nil {
					rows.Close()
					return convErr
				}
				if cbErr := fn(values); cbErr != nil {
					rows.Close()
					return cbErr
				}
			}
			if err == io.EOF || n == 0 {
				break
			}
			if err != nil {
				rows.Close()
				return fmt.Errorf("read staged rows: %w", err)
			}
		}
		rows.Close()
	}
	return nil
}

func (s *StagedFile) convertRow(row parquet.Row) ([]any, error) {
	if len(row) != len(s.columns) {
		return nil, fmt.Errorf("staged row has %d values, schema has %d columns", len(row), len(s.columns))
	}
	values := make([]any, len(row))
	for i, val := range row {
		if val.IsNull() {
			values[i] = nil
			continue
		}
		switch val.Kind() {
		case parquet.Boolean:
			values[i] = val.Boolean()
		case parquet.Int32:
			values[i] = val.Int32()
		case parquet.Int64:
			if s.columns[i].Timestamp {
				values[i] = time.UnixMilli(val.Int64()).UTC()
			} else {
				values[i] = val.Int64()
			}
		case parquet.Float:
			values[i] = val.Float()
		case parquet.Double:
			values[i] = val.Double()
		case parquet.ByteArray:
			values[i] = string(val.ByteArray())
		default:
			values[i] = string(val.ByteArray())
		}
	}
	return values, nil
}

func (s *StagedFile) Close() error {
	return s.file.Close()
}

func isTimestampField(field parquet.Field) bool {
	lt := field.Type().LogicalType()
	return lt != nil && lt.Timestamp != nil
}

func sqlTypeFor(field parquet.Field) string {
	if isTimestampField(field) {
		return "TIMESTAMP"
	}
	switch field.Type().Kind() {
	case parquet.Boolean:
		return "BOOLEAN"
	case parquet.Int32:
		return "INTEGER"
	case parquet.Int64:
		return "BIGINT"
	case parquet.Float:
		return "REAL"
	case parquet.Double:
		return "DOUBLE PRECISION"
	default:
		return "TEXT"
	}
}
