package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/lib/pq"
)

// Stage status values recorded in the stats table.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// maxErrorLength bounds the error text persisted with a failed stage so
// a pathological driver message cannot bloat the audit table.
const maxErrorLength = 500

// StageStats is one audit record per (run, file, stage). Records are
// append-only; nothing updates them after the stage finishes.
type StageStats struct {
	RunID                 string
	RunTimestamp          time.Time
	SourceFilename        string
	Quarter               string
	StageName             string
	RowsInput             int64
	RowsOutput            int64
	RowsFiltered          int64
	FilterReason          string
	UniqueMeters          int64
	MinReadingDate        time.Time
	MaxReadingDate        time.Time
	ProcessingSeconds     float64
	FileSizeBytes         int64
	RowsWithNullPower     int64
	RowsWithZeroPower     int64
	RowsDuplicatesSkipped int64
	Status                string
	ErrorMessage          string
}

// TruncateError renders err for the stats table, bounded in length.
func TruncateError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) > maxErrorLength {
		msg = msg[:maxErrorLength]
	}
	return msg
}

// NewRunID returns an identifier shared by every stats record of one
// pipeline invocation.
func NewRunID() string {
	return fmt.Sprintf("run_%s_%04d", time.Now().UTC().Format("20060102T150405"), rand.Intn(10000))
}

// StatsRecorder appends StageStats records to the audit table.
type StatsRecorder struct {
	db     *sql.DB
	schema string
	table  string
	logger *slog.Logger
}

func NewStatsRecorder(db *sql.DB, schemaName, table string, logger *slog.Logger) *StatsRecorder {
	if schemaName == "" {
		schemaName = "public"
	}
	if table == "" {
		table = "pipeline_stats"
	}
	return &StatsRecorder{db: db, schema: schemaName, table: table, logger: logger}
}

// EnsureTable creates the stats table on first use.
func (r *StatsRecorder) EnsureTable(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s (
		run_id TEXT NOT NULL,
		run_timestamp TIMESTAMP NOT NULL,
		source_filename TEXT NOT NULL,
		quarter TEXT,
		stage_name TEXT NOT NULL,
		rows_input BIGINT,
		rows_output BIGINT,
		rows_filtered BIGINT,
		filter_reason TEXT,
		unique_meters BIGINT,
		min_reading_date TIMESTAMP,
		max_reading_date TIMESTAMP,
		processing_seconds DOUBLE PRECISION,
		file_size_bytes BIGINT,
		rows_with_null_power BIGINT,
		rows_with_zero_power BIGINT,
		rows_duplicates_skipped BIGINT,
		status TEXT NOT NULL,
		error_message TEXT
	)`, pq.QuoteIdentifier(r.schema), pq.QuoteIdentifier(r.table))
	if _, err := r.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create stats table %s: %w", r.table, err)
	}
	return nil
}

// Record appends a batch of stage records in one transaction.
func (r *StatsRecorder) Record(ctx context.Context, records []StageStats) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin stats transaction: %w", err)
	}

	insert := fmt.Sprintf(`INSERT INTO %s.%s (
		run_id, run_timestamp, source_filename, quarter, stage_name,
		rows_input, rows_output, rows_filtered, filter_reason, unique_meters,
		min_reading_date, max_reading_date, processing_seconds, file_size_bytes,
		rows_with_null_power, rows_with_zero_power, rows_duplicates_skipped,
		status, error_message
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		pq.QuoteIdentifier(r.schema), pq.QuoteIdentifier(r.table))

	stmt, err := tx.PrepareContext(ctx, insert)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare stats insert: %w", err)
	}

	for _, rec := range records {
		_, err := stmt.ExecContext(ctx,
			rec.RunID, rec.RunTimestamp, rec.SourceFilename, rec.Quarter, rec.StageName,
			rec.RowsInput, rec.RowsOutput, rec.RowsFiltered, rec.FilterReason, rec.UniqueMeters,
			nullableTime(rec.MinReadingDate), nullableTime(rec.MaxReadingDate),
			rec.ProcessingSeconds, rec.FileSizeBytes,
			rec.RowsWithNullPower, rec.RowsWithZeroPower, rec.RowsDuplicatesSkipped,
			rec.Status, rec.ErrorMessage)
		if err != nil {
			stmt.Close()
			tx.Rollback()
			return fmt.Errorf("insert stats record for %s/%s: %w", rec.SourceFilename, rec.StageName, err)
		}
	}

	if err := stmt.Close(); err != nil {
		tx.Rollback()
		return fmt.Errorf("close stats insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit stats transaction: %w", err)
	}
	r.logger.Debug(fmt.Sprintf("Recorded %d stage stats records", len(records)))
	return nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
