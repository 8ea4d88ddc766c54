package transform

import (
	"fmt"
	"os"

	"github.com/parquet-go/parquet-go"

	"github.com/metergrid/meter-pipeline/cmd/schema"
)

// columnKind describes how a projected column is typed in the output.
type columnKind int

const (
	kindString columnKind = iota
	kindTimestamp
	kindDouble
	kindInt64
)

// outputSchema builds the Parquet schema for the projected canonical
// columns plus the derived fields. Every leaf is optional: the transform
// nulls unparsable values instead of dropping rows.
func outputSchema(columns []string, kinds map[string]columnKind, hashEnabled bool) *parquet.Schema {
	fields := make(parquet.Group, len(columns)+3)
	for _, col := range columns {
		switch kinds[col] {
		case kindTimestamp:
			fields[col] = parquet.Optional(parquet.Timestamp(parquet.Millisecond))
		case kindDouble:
			fields[col] = parquet.Optional(parquet.Leaf(parquet.DoubleType))
		case kindInt64:
			fields[col] = parquet.Optional(parquet.Leaf(parquet.Int64Type))
		default:
			fields[col] = parquet.Optional(parquet.String())
		}
	}
	fields[schema.ColDataTimeStr] = parquet.Optional(parquet.String())
	fields[schema.ColQuarter] = parquet.Optional(parquet.String())
	if hashEnabled {
		fields[schema.ColRowHash] = parquet.Optional(parquet.Leaf(parquet.Int64Type))
	}
	return parquet.NewSchema("meter_readings", fields)
}

// compressionCodec maps the configured codec name onto a Parquet codec,
// defaulting to Snappy.
func compressionCodec(name string) parquet.WriterOption {
	switch name {
	case "zstd":
		return parquet.Compression(&parquet.Zstd)
	case "gzip":
		return parquet.Compression(&parquet.Gzip)
	case "lz4":
		return parquet.Compression(&parquet.Lz4Raw)
	case "none":
		return parquet.Compression(&parquet.Uncompressed)
	default:
		return parquet.Compression(&parquet.Snappy)
	}
}

// ReadRowCount reads the row count of a Parquet file from its footer
// metadata without loading any column data.
func ReadRowCount(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}

	pf, err := parquet.OpenFile(f, st.Size())
	if err != nil {
		return 0, fmt.Errorf("open parquet metadata of %s: %w", path, err)
	}
	return pf.NumRows(), nil
}
