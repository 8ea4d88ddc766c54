package warehouse

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/parquet-go/parquet-go"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writeStagedFile builds a small columnar file on disk. Group schemas
// order fields alphabetically, so columns come back as DATA_TIME,
// IMPORT_ACTIVE_POWER, METER_ID and optionally ROW_HASH.
func writeStagedFile(t *testing.T, withHash bool, rows []map[string]any) string {
	t.Helper()

	group := parquet.Group{
		"METER_ID":            parquet.Optional(parquet.String()),
		"DATA_TIME":           parquet.Optional(parquet.Timestamp(parquet.Millisecond)),
		"IMPORT_ACTIVE_POWER": parquet.Optional(parquet.Leaf(parquet.DoubleType)),
	}
	if withHash {
		group["ROW_HASH"] = parquet.Optional(parquet.Int(64))
	}
	fileSchema := parquet.NewSchema("meter_readings", group)

	path := filepath.Join(t.TempDir(), "staged.parquet")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create staged file: %v", err)
	}
	writer := parquet.NewGenericWriter[map[string]any](f, fileSchema)
	if _, err := writer.Write(rows); err != nil {
		t.Fatalf("write staged rows: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close staged writer: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close staged file: %v", err)
	}
	return path
}

func stagedRows(n int) []map[string]any {
	rows := make([]map[string]any, n)
	base := time.Date(2024, 2, 15, 10, 30, 0, 0, time.UTC).UnixMilli()
	for i := range rows {
		rows[i] = map[string]any{
			"METER_ID":            "M001",
			"DATA_TIME":           base + int64(i)*60000,
			"IMPORT_ACTIVE_POWER": 1.5,
			"ROW_HASH":            int64(1000 + i),
		}
	}
	return rows
}

func newMock(t *testing.T) (*Loader, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewLoader(db, "public", "meter_readings", newTestLogger()), mock
}

// expectStaging covers the steps shared by every load attempt: staging
// table creation, bulk copy of n rows, and the staged-row count.
func expectStaging(mock sqlmock.Sqlmock, n int, counted int64) {
	mock.ExpectExec(`CREATE UNLOGGED TABLE "public"\."meter_readings_stage_`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectBegin()
	prep := mock.ExpectPrepare(`COPY "public"\."meter_readings_stage_.*" .* FROM STDIN`)
	for i := 0; i < n; i++ {
		prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	}
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM "public"\."meter_readings_stage_`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(counted))
}

func columnRows(names ...string) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"column_name"})
	for _, n := range names {
		rows.AddRow(n)
	}
	return rows
}

func TestLoadCreatesTargetOnFirstUse(t *testing.T) {
	path := writeStagedFile(t, true, stagedRows(2))
	loader, mock := newMock(t)

	expectStaging(mock, 2, 2)
	mock.ExpectQuery(`SELECT column_name FROM information_schema\.columns`).
		WillReturnRows(columnRows("DATA_TIME", "IMPORT_ACTIVE_POWER", "METER_ID", "ROW_HASH"))
	mock.ExpectQuery(`SELECT EXISTS`).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(`CREATE TABLE "public"\."meter_readings" \(.*\) PARTITION BY RANGE \("DATA_TIME"\)`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE TABLE "public"\."meter_readings_default" PARTITION OF "public"\."meter_readings" DEFAULT`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE INDEX "meter_readings_row_hash_idx"`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO "public"\."meter_readings" \(.*\) SELECT .* FROM "public"\."meter_readings_stage_`).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`DROP TABLE IF EXISTS "public"\."meter_readings_stage_`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	res, err := loader.Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if !res.TargetCreated {
		t.Error("expected target table creation on first use")
	}
	if res.Staged != 2 || res.Inserted != 2 || res.DuplicatesSkipped != 0 {
		t.Errorf("result = %+v, want 2 staged, 2 inserted, 0 skipped", res)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestLoadDeduplicatesAgainstExistingTarget(t *testing.T) {
	path := writeStagedFile(t, true, stagedRows(2))
	loader, mock := newMock(t)

	expectStaging(mock, 2, 2)
	mock.ExpectQuery(`SELECT column_name FROM information_schema\.columns`).
		WillReturnRows(columnRows("DATA_TIME", "IMPORT_ACTIVE_POWER", "METER_ID", "ROW_HASH"))
	mock.ExpectQuery(`SELECT EXISTS`).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery(`SELECT column_name FROM information_schema\.columns`).
		WillReturnRows(columnRows("DATA_TIME", "IMPORT_ACTIVE_POWER", "METER_ID", "ROW_HASH"))
	mock.ExpectExec(`INSERT INTO "public"\."meter_readings" .* WHERE NOT EXISTS \(SELECT 1 FROM "public"\."meter_readings" t WHERE t\."ROW_HASH" = s\."ROW_HASH"\)`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DROP TABLE IF EXISTS`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	res, err := loader.Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if !res.Deduplicated {
		t.Error("expected dedup insert path")
	}
	if res.Inserted != 0 || res.DuplicatesSkipped != 2 {
		t.Errorf("inserted/skipped = %d/%d, want 0/2 for an idempotent reload", res.Inserted, res.DuplicatesSkipped)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestLoadAppendsWithoutRowHash(t *testing.T) {
	path := writeStagedFile(t, false, []map[string]any{{
		"METER_ID":            "M001",
		"DATA_TIME":           time.Date(2024, 2, 15, 10, 30, 0, 0, time.UTC).UnixMilli(),
		"IMPORT_ACTIVE_POWER": 1.5,
	}})
	loader, mock := newMock(t)

	expectStaging(mock, 1, 1)
	mock.ExpectQuery(`SELECT column_name FROM information_schema\.columns`).
		WillReturnRows(columnRows("DATA_TIME", "IMPORT_ACTIVE_POWER", "METER_ID"))
	mock.ExpectQuery(`SELECT EXISTS`).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery(`SELECT column_name FROM information_schema\.columns`).
		WillReturnRows(columnRows("DATA_TIME", "IMPORT_ACTIVE_POWER", "METER_ID"))
	mock.ExpectExec(`INSERT INTO "public"\."meter_readings" \(.*\) SELECT .* FROM "public"\."meter_readings_stage_`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DROP TABLE IF EXISTS`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	res, err := loader.Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if res.Deduplicated {
		t.Error("dedup should be unavailable without a ROW_HASH column")
	}
	if res.Inserted != 1 {
		t.Errorf("inserted = %d, want 1", res.Inserted)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestLoadZeroStagedRowsFailsHard(t *testing.T) {
	path := writeStagedFile(t, true, stagedRows(1))
	loader, mock := newMock(t)

	// The count coming back as zero signals a transport or format
	// mismatch regardless of what the file claims.
	expectStaging(mock, 1, 0)
	mock.ExpectExec(`DROP TABLE IF EXISTS`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := loader.Load(context.Background(), path)
	if !errors.Is(err, ErrNoRowsStaged) {
		t.Fatalf("Load() error = %v, want ErrNoRowsStaged", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("staging table cleanup missing after failure: %v", err)
	}
}

func TestLoadCleansUpAfterInsertFailure(t *testing.T) {
	path := writeStagedFile(t, true, stagedRows(1))
	loader, mock := newMock(t)

	expectStaging(mock, 1, 1)
	mock.ExpectQuery(`SELECT column_name FROM information_schema\.columns`).
		WillReturnRows(columnRows("DATA_TIME", "IMPORT_ACTIVE_POWER", "METER_ID", "ROW_HASH"))
	mock.ExpectQuery(`SELECT EXISTS`).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery(`SELECT column_name FROM information_schema\.columns`).
		WillReturnRows(columnRows("DATA_TIME", "IMPORT_ACTIVE_POWER", "METER_ID", "ROW_HASH"))
	mock.ExpectExec(`INSERT INTO`).
		WillReturnError(errors.New("deadlock detected"))
	mock.ExpectExec(`DROP TABLE IF EXISTS`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := loader.Load(context.Background(), path)
	if err == nil {
		t.Fatal("Load() succeeded, want insert failure")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("staging table cleanup missing after failure: %v", err)
	}
}

func TestOpenStagedColumns(t *testing.T) {
	path := writeStagedFile(t, true, stagedRows(1))

	staged, err := OpenStaged(path)
	if err != nil {
		t.Fatalf("OpenStaged() error: %v", err)
	}
	defer staged.Close()

	if staged.NumRows() != 1 {
		t.Errorf("NumRows() = %d, want 1", staged.NumRows())
	}

	want := map[string]string{
		"METER_ID":            "TEXT",
		"DATA_TIME":           "TIMESTAMP",
		"IMPORT_ACTIVE_POWER": "DOUBLE PRECISION",
		"ROW_HASH":            "BIGINT",
	}
	if len(staged.Columns()) != len(want) {
		t.Fatalf("Columns() = %v, want %d columns", staged.Columns(), len(want))
	}
	for _, col := range staged.Columns() {
		if want[col.Name] != col.SQLType {
			t.Errorf("column %s has SQL type %q, want %q", col.Name, col.SQLType, want[col.Name])
		}
	}

	var rows int
	err = staged.Each(func(values []any) error {
		rows++
		if len(values) != len(staged.Columns()) {
			t.Errorf("row has %d values, want %d", len(values), len(staged.Columns()))
		}
		for i, col := range staged.Columns() {
			if col.Timestamp {
				ts, ok := values[i].(time.Time)
				if !ok {
					t.Fatalf("timestamp column yielded %T", values[i])
				}
				if !ts.Equal(time.Date(2024, 2, 15, 10, 30, 0, 0, time.UTC)) {
					t.Errorf("timestamp = %v, want 2024-02-15 10:30:00 UTC", ts)
				}
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Each() error: %v", err)
	}
	if rows != 1 {
		t.Errorf("iterated %d rows, want 1", rows)
	}
}
