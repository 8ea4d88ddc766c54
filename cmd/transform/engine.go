package transform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/metergrid/meter-pipeline/cmd/schema"
)

// Static errors for the transform stage
var (
	ErrZeroRowOutput   = errors.New("transform wrote a zero-row output file")
	ErrTimestampColumn = errors.New("timestamp column missing from projected schema")
)

const (
	tsFormatFull = "2006-01-02 15:04:05"
	tsFormatDate = "2006-01-02"

	writeBatchSize = 1024

	// lowMemorySampleCap bounds the schema-inference prefix held in
	// memory when low-memory mode is on.
	lowMemorySampleCap = 128
)

// Options is the process-wide transform configuration, passed in at
// construction. No ambient environment reads.
type Options struct {
	OutputDir         string
	RowGroupSize      int
	Compression       string
	EnableRowHash     bool
	InferSchemaLength int
	LowMemory         bool
}

// Request describes one file's transform, produced by the resolver and
// quarter classifier.
type Request struct {
	InputPath     string
	Mapping       map[string]string
	ImportantOnly bool
	Quarter       string
	Separator     rune
}

// Stats captures the per-file counters recorded by the transform stage.
type Stats struct {
	RowsIn         int64
	RowsOut        int64
	RowsMalformed  int64
	RowsNullPower  int64
	RowsZeroPower  int64
	UniqueMeters   int64
	MinReadingDate time.Time
	MaxReadingDate time.Time
	FileSizeBytes  int64
	Duration       time.Duration
}

// Engine converts one delimited file into typed, quarter-partitioned
// columnar output as a single streaming pass: rename, project, parse,
// derive, coerce, hash, write.
type Engine struct {
	opts   Options
	logger *slog.Logger
}

func NewEngine(opts Options, logger *slog.Logger) *Engine {
	if opts.RowGroupSize <= 0 {
		opts.RowGroupSize = 50000
	}
	if opts.InferSchemaLength <= 0 {
		opts.InferSchemaLength = 1000
	}
	if opts.Compression == "" {
		opts.Compression = "snappy"
	}
	return &Engine{opts: opts, logger: logger}
}

// outputColumn is one projected column of the output layout.
type outputColumn struct {
	name string
	src  int
	kind columnKind
}

// Transform executes the streaming plan and returns the output path.
// Failure of any step, including the mandatory zero-row guard, is a
// file-level transform error; the caller aborts the run.
func (e *Engine) Transform(ctx context.Context, req Request) (string, Stats, error) {
	start := time.Now()
	var stats Stats

	rows, err := OpenRows(req.InputPath, req.Separator)
	if err != nil {
		return "", stats, err
	}
	defer rows.Close()

	layout, err := e.buildLayout(rows.Headers(), req)
	if err != nil {
		return "", stats, err
	}

	// Sample a bounded prefix for integer-type inference before the
	// writer's schema is frozen.
	sampleLimit := e.opts.InferSchemaLength
	if e.opts.LowMemory && sampleLimit > lowMemorySampleCap {
		sampleLimit = lowMemorySampleCap
	}
	var sample [][]string
	for len(sample) < sampleLimit {
		record, err := rows.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", stats, err
		}
		sample = append(sample, record)
	}
	inferIntegerColumns(layout, sample)

	quarter := req.Quarter
	if quarter == "" {
		quarter = UnknownQuarter
	}

	outPath, err := e.outputPath(req.InputPath, quarter)
	if err != nil {
		return "", stats, err
	}

	columns := make([]string, len(layout))
	kinds := make(map[string]columnKind, len(layout))
	for i, col := range layout {
		columns[i] = col.name
		kinds[col.name] = col.kind
	}
	fileSchema := outputSchema(columns, kinds, e.opts.EnableRowHash)

	out, err := os.Create(outPath)
	if err != nil {
		return "", stats, fmt.Errorf("create %s: %w", outPath, err)
	}
	writer := parquet.NewGenericWriter[map[string]any](out, fileSchema, compressionCodec(e.opts.Compression))

	fail := func(err error) (string, Stats, error) {
		out.Close()
		_ = os.Remove(outPath)
		return "", stats, err
	}

	meters := make(map[string]struct{})
	batch := make([]map[string]any, 0, writeBatchSize)
	sinceFlush := 0

	flushBatch := func() error {
		if len(batch) == 0 {
			return nil
		}
		if _, err := writer.Write(batch); err != nil {
			return fmt.Errorf("write parquet rows to %s: %w", outPath, err)
		}
		sinceFlush += len(batch)
		batch = batch[:0]
		if sinceFlush >= e.opts.RowGroupSize {
			if err := writer.Flush(); err != nil {
				return fmt.Errorf("flush row group to %s: %w", outPath, err)
			}
			sinceFlush = 0
		}
		return nil
	}

	process := func(record []string) error {
		stats.RowsIn++
		batch = append(batch, e.convertRow(record, layout, quarter, meters, &stats))
		stats.RowsOut++
		if len(batch) >= writeBatchSize {
			return flushBatch()
		}
		return nil
	}

	for _, record := range sample {
		if err := process(record); err != nil {
			return fail(err)
		}
	}
	sample = nil

	for {
		select {
		case <-ctx.Done():
			return fail(ctx.Err())
		default:
		}
		record, err := rows.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fail(err)
		}
		if err := process(record); err != nil {
			return fail(err)
		}
	}

	if err := flushBatch(); err != nil {
		return fail(err)
	}
	if err := writer.Close(); err != nil {
		return fail(fmt.Errorf("close parquet writer for %s: %w", outPath, err))
	}
	if err := out.Close(); err != nil {
		return fail(fmt.Errorf("close %s: %w", outPath, err))
	}

	stats.RowsMalformed = rows.Skipped()
	stats.UniqueMeters = int64(len(meters))

	// A parse step that eliminated every row looks exactly like
	// success unless the written file is re-counted.
	written, err := ReadRowCount(outPath)
	if err != nil {
		_ = os.Remove(outPath)
		return "", stats, err
	}
	if written == 0 {
		_ = os.Remove(outPath)
		return "", stats, fmt.Errorf("%w: %s", ErrZeroRowOutput, req.InputPath)
	}

	if st, err := os.Stat(outPath); err == nil {
		stats.FileSizeBytes = st.Size()
	}
	stats.Duration = time.Since(start)

	e.logger.Info(fmt.Sprintf("Transformed %s: %d rows -> %s (%d malformed skipped)",
		req.InputPath, written, outPath, stats.RowsMalformed))
	return outPath, stats, nil
}

// buildLayout projects the raw header list through the rename mapping,
// optionally down to the important columns, and assigns a type to each
// surviving column.
func (e *Engine) buildLayout(headers []string, req Request) ([]outputColumn, error) {
	important := make(map[string]bool, len(schema.ImportantColumns))
	for _, c := range schema.ImportantColumns {
		important[c] = true
	}

	coerced := make(map[string]bool)
	if req.ImportantOnly {
		for _, c := range schema.ImportantPowerColumns {
			coerced[c] = true
		}
	} else {
		for _, c := range schema.PowerColumns {
			coerced[c] = true
		}
	}

	var layout []outputColumn
	hasTimestamp := false
	for i, h := range headers {
		name := strings.TrimSpace(h)
		if renamed, ok := req.Mapping[h]; ok {
			name = renamed
		}
		name = canonicalSpelling(name)

		if req.ImportantOnly && !important[name] {
			continue
		}

		kind := kindString
		switch {
		case name == schema.ColDataTime:
			kind = kindTimestamp
			hasTimestamp = true
		case coerced[name]:
			kind = kindDouble
		}
		layout = append(layout, outputColumn{name: name, src: i, kind: kind})
	}

	if !hasTimestamp {
		return nil, fmt.Errorf("%w: headers %v", ErrTimestampColumn, headers)
	}
	return layout, nil
}

// convertRow maps one raw record onto the typed output row, nulling
// unparsable values instead of dropping the row.
func (e *Engine) convertRow(record []string, layout []outputColumn, quarter string, meters map[string]struct{}, stats *Stats) map[string]any {
	row := make(map[string]any, len(layout)+3)

	var meterID string
	var ts time.Time
	tsValid := false

	for _, col := range layout {
		var raw string
		if col.src >= 0 && col.src < len(record) {
			raw = strings.TrimSpace(record[col.src])
		}

		switch col.kind {
		case kindTimestamp:
			if t, ok := parseTimestamp(raw); ok {
				t = t.Truncate(time.Minute)
				ts = t
				tsValid = true
				row[col.name] = t.UnixMilli()
			} else {
				row[col.name] = nil
			}
		case kindDouble:
			v, err := strconv.ParseFloat(raw, 64)
			if raw == "" || err != nil {
				row[col.name] = nil
				if col.name == schema.ColImportActivePower {
					stats.RowsNullPower++
				}
			} else {
				row[col.name] = v
				if col.name == schema.ColImportActivePower && v == 0 {
					stats.RowsZeroPower++
				}
			}
		case kindInt64:
			if v, err := strconv.ParseInt(raw, 10, 64); raw != "" && err == nil {
				row[col.name] = v
			} else {
				row[col.name] = nil
			}
		default:
			if raw == "" {
				row[col.name] = nil
			} else {
				row[col.name] = raw
			}
			if col.name == schema.ColMeterID {
				meterID = raw
			}
		}
	}

	if meterID != "" {
		meters[meterID] = struct{}{}
	}

	if tsValid {
		tsStr := ts.Format(tsFormatFull)
		row[schema.ColDataTimeStr] = tsStr
		if quarter != UnknownQuarter {
			row[schema.ColQuarter] = quarter
		} else {
			row[schema.ColQuarter] = quarterOf(ts)
		}
		if e.opts.EnableRowHash {
			if meterID != "" {
				row[schema.ColRowHash] = RowHash(meterID, tsStr)
			} else {
				row[schema.ColRowHash] = nil
			}
		}
		if stats.MinReadingDate.IsZero() || ts.Before(stats.MinReadingDate) {
			stats.MinReadingDate = ts
		}
		if ts.After(stats.MaxReadingDate) {
			stats.MaxReadingDate = ts
		}
	} else {
		row[schema.ColDataTimeStr] = nil
		if quarter != UnknownQuarter {
			row[schema.ColQuarter] = quarter
		} else {
			row[schema.ColQuarter] = nil
		}
		if e.opts.EnableRowHash {
			row[schema.ColRowHash] = nil
		}
	}

	return row
}

// canonicalSpelling normalizes a header that matches a canonical column
// name case-insensitively to the canonical spelling, and leaves anything
// else untouched.
func canonicalSpelling(name string) string {
	upper := strings.ToUpper(name)
	for _, c := range schema.CanonicalColumns {
		if upper == c {
			return c
		}
	}
	return name
}

// parseTimestamp tries the prioritized format list: full timestamp with
// the fractional-seconds part stripped, full timestamp, then date-only.
func parseTimestamp(raw string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, false
	}
	if i := strings.IndexByte(raw, '.'); i > 0 {
		if t, err := time.Parse(tsFormatFull, raw[:i]); err == nil {
			return t, true
		}
	}
	if t, err := time.Parse(tsFormatFull, raw); err == nil {
		return t, true
	}
	if t, err := time.Parse(tsFormatDate, raw); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// outputPath places the columnar file under a directory keyed by the
// quarter label, keeping the input basename.
func (e *Engine) outputPath(inputPath, quarter string) (string, error) {
	dir := filepath.Join(e.opts.OutputDir, quarter)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir %s: %w", dir, err)
	}
	base := filepath.Base(inputPath)
	name := strings.TrimSuffix(base, filepath.Ext(base)) + ".parquet"
	return filepath.Join(dir, name), nil
}

// inferIntegerColumns promotes string columns to int64 when every sampled
// non-empty value parses as an integer. Identifier columns keep their
// string type so leading zeros survive.
func inferIntegerColumns(layout []outputColumn, sample [][]string) {
	for i := range layout {
		col := &layout[i]
		if col.kind != kindString {
			continue
		}
		if col.name == schema.ColMeterID || col.name == schema.ColMeterNo {
			continue
		}
		sawValue := false
		allInts := true
		for _, record := range sample {
			if col.src >= len(record) {
				continue
			}
			raw := strings.TrimSpace(record[col.src])
			if raw == "" {
				continue
			}
			sawValue = true
			if _, err := strconv.ParseInt(raw, 10, 64); err != nil {
				allInts = false
				break
			}
		}
		if sawValue && allInts {
			col.kind = kindInt64
		}
	}
}
