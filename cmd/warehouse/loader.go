package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/metergrid/meter-pipeline/cmd/schema"
)

// Static errors for the load stage
var (
	ErrNoRowsStaged   = errors.New("staging loaded zero rows")
	ErrNoStagedFile   = errors.New("staged file has no columns")
	ErrTargetMismatch = errors.New("target table shares no columns with staged data")
)

// LoadResult reports what one load attempt did to the target table.
type LoadResult struct {
	Staged            int64
	Inserted          int64
	DuplicatesSkipped int64
	TargetCreated     bool
	Deduplicated      bool
}

// Loader reconciles staged columnar files into the warehouse target.
// Each attempt stages into a uniquely named table, so concurrent loads
// of different files never collide; concurrent loads into the same
// target rely on the database's statement-level isolation.
type Loader struct {
	db     *sql.DB
	schema string
	table  string
	logger *slog.Logger
}

func NewLoader(db *sql.DB, schemaName, table string, logger *slog.Logger) *Loader {
	if schemaName == "" {
		schemaName = "public"
	}
	return &Loader{db: db, schema: schemaName, table: table, logger: logger}
}

// Load stages the file, creates the target on first use, and inserts
// staged rows that are not already present. The staging table is
// dropped whether the load succeeds or fails.
func (l *Loader) Load(ctx context.Context, stagedPath string) (LoadResult, error) {
	var res LoadResult

	staged, err := OpenStaged(stagedPath)
	if err != nil {
		return res, err
	}
	defer staged.Close()

	columns := staged.Columns()
	if len(columns) == 0 {
		return res, fmt.Errorf("%w: %s", ErrNoStagedFile, stagedPath)
	}

	stageName := stageTableName(l.table)
	defer func() {
		// Cleanup runs on every exit path. A staging table left behind
		// by a failed attempt would otherwise accumulate forever.
		dropCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, dropErr := l.db.ExecContext(dropCtx,
			fmt.Sprintf("DROP TABLE IF EXISTS %s", l.qualified(stageName))); dropErr != nil {
			l.logger.Warn(fmt.Sprintf("Failed to drop staging table %s: %v", stageName, dropErr))
		}
	}()

	if err := l.createStageTable(ctx, stageName, columns); err != nil {
		return res, err
	}
	if err := l.copyStagedRows(ctx, stageName, staged); err != nil {
		return res, err
	}

	if err := l.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM %s", l.qualified(stageName))).Scan(&res.Staged); err != nil {
		return res, fmt.Errorf("count staged rows: %w", err)
	}
	if res.Staged == 0 {
		// A populated file that stages zero rows means the transport or
		// format is broken, not that the data is empty.
		return res, fmt.Errorf("%w: %s", ErrNoRowsStaged, stagedPath)
	}

	// The insert statement is built from the staging table's actual
	// column list, not from a hardcoded schema.
	stageColumns, err := l.tableColumns(ctx, stageName)
	if err != nil {
		return res, err
	}

	targetExists, err := l.tableExists(ctx, l.table)
	if err != nil {
		return res, err
	}

	if !targetExists {
		if err := l.createTarget(ctx, columns); err != nil {
			return res, err
		}
		res.TargetCreated = true
		inserted, err := l.insertAll(ctx, stageName, stageColumns)
		if err != nil {
			return res, err
		}
		res.Inserted = inserted
		l.logger.Info(fmt.Sprintf("Created %s and inserted %d rows", l.table, inserted))
		return res, nil
	}

	targetColumns, err := l.tableColumns(ctx, l.table)
	if err != nil {
		return res, err
	}
	if hasColumn(stageColumns, schema.ColRowHash) && hasColumn(targetColumns, schema.ColRowHash) {
		inserted, err := l.insertMissing(ctx, stageName, stageColumns)
		if err != nil {
			return res, err
		}
		res.Inserted = inserted
		res.DuplicatesSkipped = res.Staged - inserted
		res.Deduplicated = true
		l.logger.Info(fmt.Sprintf("Loaded %s: %d inserted, %d duplicates skipped",
			l.table, res.Inserted, res.DuplicatesSkipped))
		return res, nil
	}

	l.logger.Warn(fmt.Sprintf(
		"ROW_HASH column not present for %s, appending without deduplication", l.table))
	inserted, err := l.insertAll(ctx, stageName, stageColumns)
	if err != nil {
		return res, err
	}
	res.Inserted = inserted
	return res, nil
}

func (l *Loader) createStageTable(ctx context.Context, stageName string, columns []Column) error {
	defs := make([]string, len(columns))
	for i, col := range columns {
		defs[i] = fmt.Sprintf("%s %s", pq.QuoteIdentifier(col.Name), col.SQLType)
	}
	ddl := fmt.Sprintf("CREATE UNLOGGED TABLE %s (%s)",
		l.qualified(stageName), strings.Join(defs, ", "))
	if _, err := l.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create staging table %s: %w", stageName, err)
	}
	return nil
}

func (l *Loader) copyStagedRows(ctx context.Context, stageName string, staged *StagedFile) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin staging transaction: %w", err)
	}

	names := make([]string, len(staged.Columns()))
	for i, col := range staged.Columns() {
		names[i] = col.Name
	}
	stmt, err := tx.PrepareContext(ctx, pq.CopyInSchema(l.schema, stageName, names...))
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare bulk copy: %w", err)
	}

	err = staged.Each(func(values []any) error {
		_, execErr := stmt.ExecContext(ctx, values...)
		return execErr
	})
	if err == nil {
		// Final empty Exec flushes the COPY buffer.
		_, err = stmt.ExecContext(ctx)
	}
	if closeErr := stmt.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("bulk copy into %s: %w", stageName, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit staging transaction: %w", err)
	}
	return nil
}

// createTarget builds the target table with day-granularity range
// partitioning on the timestamp column and an index on ROW_HASH when
// present. A DEFAULT partition catches every day until finer partitions
// are attached.
func (l *Loader) createTarget(ctx context.Context, columns []Column) error {
	defs := make([]string, len(columns))
	partitionKey := ""
	hasHash := false
	for i, col := range columns {
		defs[i] = fmt.Sprintf("%s %s", pq.QuoteIdentifier(col.Name), col.SQLType)
		if col.Timestamp && partitionKey == "" {
			partitionKey = col.Name
		}
		if col.Name == schema.ColRowHash {
			hasHash = true
		}
	}

	ddl := fmt.Sprintf("CREATE TABLE %s (%s)", l.qualified(l.table), strings.Join(defs, ", "))
	if partitionKey != "" {
		ddl += fmt.Sprintf(" PARTITION BY RANGE (%s)", pq.QuoteIdentifier(partitionKey))
	}
	if _, err := l.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create target table %s: %w", l.table, err)
	}

	if partitionKey != "" {
		defaultPartition := fmt.Sprintf(
			"CREATE TABLE %s PARTITION OF %s DEFAULT",
			l.qualified(l.table+"_default"), l.qualified(l.table))
		if _, err := l.db.ExecContext(ctx, defaultPartition); err != nil {
			return fmt.Errorf("create default partition for %s: %w", l.table, err)
		}
	}

	if hasHash {
		index := fmt.Sprintf("CREATE INDEX %s ON %s (%s)",
			pq.QuoteIdentifier(l.table+"_row_hash_idx"),
			l.qualified(l.table),
			pq.QuoteIdentifier(schema.ColRowHash))
		if _, err := l.db.ExecContext(ctx, index); err != nil {
			return fmt.Errorf("create row hash index on %s: %w", l.table, err)
		}
	}
	return nil
}

func (l *Loader) insertAll(ctx context.Context, stageName string, columns []string) (int64, error) {
	list := quoteAll(columns)
	stmt := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s",
		l.qualified(l.table), list, list, l.qualified(stageName))
	result, err := l.db.ExecContext(ctx, stmt)
	if err != nil {
		return 0, fmt.Errorf("insert staged rows into %s: %w", l.table, err)
	}
	return result.RowsAffected()
}

func (l *Loader) insertMissing(ctx context.Context, stageName string, columns []string) (int64, error) {
	list := quoteAll(columns)
	hash := pq.QuoteIdentifier(schema.ColRowHash)
	stmt := fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT %s FROM %s s WHERE NOT EXISTS (SELECT 1 FROM %s t WHERE t.%s = s.%s)",
		l.qualified(l.table), list, list, l.qualified(stageName),
		l.qualified(l.table), hash, hash)
	result, err := l.db.ExecContext(ctx, stmt)
	if err != nil {
		return 0, fmt.Errorf("dedup insert into %s: %w", l.table, err)
	}
	return result.RowsAffected()
}

func (l *Loader) tableExists(ctx context.Context, table string) (bool, error) {
	var exists bool
	err := l.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = $1 AND table_name = $2)`,
		l.schema, table).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check table %s exists: %w", table, err)
	}
	return exists, nil
}

func (l *Loader) tableColumns(ctx context.Context, table string) ([]string, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT column_name FROM information_schema.columns WHERE table_schema = $1 AND table_name = $2 ORDER BY ordinal_position`,
		l.schema, table)
	if err != nil {
		return nil, fmt.Errorf("discover columns of %s: %w", table, err)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan column of %s: %w", table, err)
		}
		columns = append(columns, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("discover columns of %s: %w", table, err)
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrTargetMismatch, table)
	}
	return columns, nil
}

func (l *Loader) qualified(table string) string {
	return pq.QuoteIdentifier(l.schema) + "." + pq.QuoteIdentifier(table)
}

func quoteAll(columns []string) string {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = pq.QuoteIdentifier(c)
	}
	return strings.Join(quoted, ", ")
}

func hasColumn(columns []string, name string) bool {
	for _, c := range columns {
		if strings.EqualFold(c, name) {
			return true
		}
	}
	return false
}

// stageTableName builds a name unique enough that concurrent attempts
// against the same target never share a staging table.
func stageTableName(table string) string {
	return fmt.Sprintf("%s_stage_%d_%04d", table, time.Now().UnixNano(), rand.Intn(10000))
}
