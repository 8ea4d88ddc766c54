package warehouse

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func newStatsMock(t *testing.T) (*StatsRecorder, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStatsRecorder(db, "public", "pipeline_stats", newTestLogger()), mock
}

func TestEnsureTable(t *testing.T) {
	recorder, mock := newStatsMock(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS "public"\."pipeline_stats"`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := recorder.EnsureTable(context.Background()); err != nil {
		t.Fatalf("EnsureTable() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRecordBatch(t *testing.T) {
	recorder, mock := newStatsMock(t)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(`INSERT INTO "public"\."pipeline_stats"`)
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	now := time.Now().UTC()
	records := []StageStats{
		{
			RunID: "run_1", RunTimestamp: now, SourceFilename: "a.csv",
			Quarter: "2024-Q1", StageName: "transform",
			RowsInput: 10, RowsOutput: 10, UniqueMeters: 3,
			MinReadingDate: now.Add(-time.Hour), MaxReadingDate: now,
			Status: StatusSuccess,
		},
		{
			RunID: "run_1", RunTimestamp: now, SourceFilename: "b.csv",
			Quarter: "2024-Q1", StageName: "load",
			Status: StatusFailed, ErrorMessage: "connection refused",
		},
	}
	if err := recorder.Record(context.Background(), records); err != nil {
		t.Fatalf("Record() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRecordEmptyBatchIsNoop(t *testing.T) {
	recorder, mock := newStatsMock(t)
	if err := recorder.Record(context.Background(), nil); err != nil {
		t.Fatalf("Record(nil) error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("empty batch touched the database: %v", err)
	}
}

func TestRecordRollsBackOnInsertFailure(t *testing.T) {
	recorder, mock := newStatsMock(t)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(`INSERT INTO "public"\."pipeline_stats"`)
	prep.ExpectExec().WillReturnError(errors.New("value too long"))
	mock.ExpectRollback()

	err := recorder.Record(context.Background(), []StageStats{{
		RunID: "run_1", RunTimestamp: time.Now(), SourceFilename: "a.csv",
		StageName: "load", Status: StatusFailed,
	}})
	if err == nil {
		t.Fatal("Record() succeeded, want insert failure")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestTruncateError(t *testing.T) {
	if got := TruncateError(nil); got != "" {
		t.Errorf("TruncateError(nil) = %q, want empty", got)
	}
	if got := TruncateError(errors.New("short")); got != "short" {
		t.Errorf("TruncateError() = %q, want short", got)
	}
	long := errors.New(strings.Repeat("x", maxErrorLength*2))
	if got := TruncateError(long); len(got) != maxErrorLength {
		t.Errorf("truncated length = %d, want %d", len(got), maxErrorLength)
	}
}

func TestNewRunID(t *testing.T) {
	id := NewRunID()
	if !strings.HasPrefix(id, "run_") {
		t.Errorf("run id %q missing prefix", id)
	}
	if len(id) <= len("run_") {
		t.Errorf("run id %q too short", id)
	}
}
