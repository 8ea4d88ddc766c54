package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	"github.com/metergrid/meter-pipeline/cmd/schema"
	"github.com/metergrid/meter-pipeline/cmd/storage"
	"github.com/metergrid/meter-pipeline/cmd/transform"
	"github.com/metergrid/meter-pipeline/cmd/warehouse"
)

// Static errors for the pipeline
var (
	ErrNoInputFiles = errors.New("no input files found")
	ErrLoadFailures = errors.New("one or more files failed to load")
)

// Stage names recorded in the stats table.
const (
	stageHeader    = "header"
	stageTransform = "transform"
	stageUpload    = "upload"
	stageLoad      = "load"
)

// Pipeline drives every input file through the stage sequence: header
// read, schema resolution, quarter classification, streaming transform,
// upload, and deduplicating load. Files are independent; schema and
// transform failures abort the run, load failures are recorded and the
// run continues.
type Pipeline struct {
	config   *Config
	logger   *slog.Logger
	resolver *schema.Resolver
	engine   *transform.Engine
	retry    warehouse.RetryPolicy

	db       *sql.DB
	store    *storage.Client
	loader   *warehouse.Loader
	recorder *warehouse.StatsRecorder

	runID   string
	started time.Time

	mu           sync.Mutex
	records      []warehouse.StageStats
	loadFailures int
	completed    int
}

func NewPipeline(config *Config, logger *slog.Logger) *Pipeline {
	var oracle schema.Oracle
	if config.OracleAPIKey != "" {
		oracle = schema.NewGeminiOracle(config.OracleAPIKey, config.OracleBaseURL, logger)
	}

	retry := warehouse.RetryPolicy{
		Attempts: config.MaxRetries,
		Delay:    time.Duration(config.RetryDelay) * time.Second,
	}
	if retry.Attempts == 0 {
		retry = warehouse.DefaultRetryPolicy()
	}

	return &Pipeline{
		config:   config,
		logger:   logger,
		resolver: schema.NewResolver(oracle, logger),
		engine: transform.NewEngine(transform.Options{
			OutputDir:         config.OutputDir,
			RowGroupSize:      config.RowGroupSize,
			Compression:       config.Compression,
			EnableRowHash:     config.RowHashEnabled,
			InferSchemaLength: config.InferSchemaLength,
			LowMemory:         config.LowMemory,
		}, logger),
		retry: retry,
		runID: warehouse.NewRunID(),
	}
}

func (p *Pipeline) connect(ctx context.Context) error {
	sslMode := p.config.Database.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.config.Database.Host,
		p.config.Database.Port,
		p.config.Database.User,
		p.config.Database.Password,
		p.config.Database.Name,
		sslMode,
	)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return err
	}
	p.db = db

	store, err := storage.New(storage.Config{
		Endpoint:          p.config.S3.Endpoint,
		Region:            p.config.S3.Region,
		AccessKey:         p.config.S3.AccessKey,
		SecretKey:         p.config.S3.SecretKey,
		Bucket:            p.config.S3.Bucket,
		Prefix:            p.config.S3.Prefix,
		UploadChunkSizeMB: p.config.S3.UploadChunkSizeMB,
		UploadTimeout:     p.config.UploadTimeoutDuration(),
	}, p.retry, p.logger)
	if err != nil {
		db.Close()
		p.db = nil
		return err
	}
	p.store = store

	p.loader = warehouse.NewLoader(db, p.config.Database.Schema, p.config.Database.Table, p.logger)
	p.recorder = warehouse.NewStatsRecorder(db, p.config.Database.Schema, p.config.Database.StatsTable, p.logger)
	return nil
}

// Run processes every input file and returns ErrLoadFailures when the
// run finished but at least one file failed to load.
func (p *Pipeline) Run(ctx context.Context) error {
	p.started = time.Now()

	files, err := p.discoverInputFiles()
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("%w in %s", ErrNoInputFiles, p.config.InputDir)
	}
	p.logger.Info(fmt.Sprintf("Run %s: %d input files, %d workers", p.runID, len(files), p.config.Workers))

	loading := p.config.Mode != ModeTransform && !p.config.DryRun
	if loading {
		if err := p.connect(ctx); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		defer p.db.Close()
		if err := p.recorder.EnsureTable(ctx); err != nil {
			return err
		}
	}

	if err := WritePIDFile(); err != nil {
		p.logger.Debug(fmt.Sprintf("Could not write PID file: %v", err))
	}
	defer func() {
		_ = RemovePIDFile()
		_ = RemoveTaskFile()
	}()
	p.updateTask(files, "")

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(p.config.Workers)
	for _, file := range files {
		file := file
		group.Go(func() error {
			err := p.processFile(groupCtx, file, loading)
			p.mu.Lock()
			p.completed++
			p.mu.Unlock()
			p.updateTask(files, file)
			return err
		})
	}
	runErr := group.Wait()

	records := p.takeRecords()
	if loading {
		if err := p.recorder.Record(ctx, records); err != nil {
			p.logger.Error(fmt.Sprintf("Failed to record stage stats: %v", err))
		}
	}

	p.printSummary(len(files), len(records))

	if runErr != nil {
		return runErr
	}
	if p.loadFailures > 0 {
		return fmt.Errorf("%w: %d of %d files", ErrLoadFailures, p.loadFailures, len(files))
	}
	return nil
}

// processFile runs one file through every stage. The returned error is
// nil unless the failure is fatal for the whole run.
func (p *Pipeline) processFile(ctx context.Context, path string, loading bool) error {
	name := filepath.Base(path)

	headers, separator, err := schema.ReadHeader(path, p.logger)
	if err != nil {
		p.logger.Warn(fmt.Sprintf("Skipping %s, header unreadable: %v", name, err))
		p.record(warehouse.StageStats{
			RunID: p.runID, RunTimestamp: time.Now().UTC(),
			SourceFilename: name, StageName: stageHeader,
			Status: warehouse.StatusFailed, ErrorMessage: warehouse.TruncateError(err),
		})
		return nil
	}

	resolution, err := p.resolver.Resolve(ctx, headers)
	if err != nil {
		// A schema that cannot be reconciled means the data contract is
		// broken for the whole feed, not just this file.
		return fmt.Errorf("schema resolution for %s: %w", name, err)
	}

	quarter := transform.QuarterLabel(path, resolution.Mapping, separator, p.logger)

	start := time.Now()
	outPath, tstats, err := p.engine.Transform(ctx, transform.Request{
		InputPath:     path,
		Mapping:       resolution.Mapping,
		ImportantOnly: resolution.ImportantOnly,
		Quarter:       quarter,
		Separator:     separator,
	})
	if err != nil {
		p.record(warehouse.StageStats{
			RunID: p.runID, RunTimestamp: time.Now().UTC(),
			SourceFilename: name, Quarter: quarter, StageName: stageTransform,
			RowsInput: tstats.RowsIn, ProcessingSeconds: time.Since(start).Seconds(),
			Status: warehouse.StatusFailed, ErrorMessage: warehouse.TruncateError(err),
		})
		return fmt.Errorf("transform of %s: %w", name, err)
	}

	filterReason := ""
	if tstats.RowsMalformed > 0 {
		filterReason = "malformed rows skipped"
	}
	p.record(warehouse.StageStats{
		RunID: p.runID, RunTimestamp: time.Now().UTC(),
		SourceFilename: name, Quarter: quarter, StageName: stageTransform,
		RowsInput: tstats.RowsIn, RowsOutput: tstats.RowsOut,
		RowsFiltered: tstats.RowsMalformed, FilterReason: filterReason,
		UniqueMeters:   tstats.UniqueMeters,
		MinReadingDate: tstats.MinReadingDate, MaxReadingDate: tstats.MaxReadingDate,
		ProcessingSeconds: tstats.Duration.Seconds(), FileSizeBytes: tstats.FileSizeBytes,
		RowsWithNullPower: tstats.RowsNullPower, RowsWithZeroPower: tstats.RowsZeroPower,
		Status: warehouse.StatusSuccess,
	})

	if !loading {
		return nil
	}

	rel, err := filepath.Rel(p.config.OutputDir, outPath)
	if err != nil {
		rel = filepath.Join(quarter, filepath.Base(outPath))
	}
	uploadStart := time.Now()
	key, skipped, err := p.store.UploadFile(ctx, outPath, rel)
	if err != nil {
		p.failLoad(name, quarter, stageUpload, uploadStart, err)
		return nil
	}
	p.record(uploadStats(p.runID, name, quarter, tstats, uploadStart, skipped))
	p.logger.Debug(fmt.Sprintf("Object key for %s: %s", name, key))

	loadStart := time.Now()
	var result warehouse.LoadResult
	err = p.retry.Do(ctx, p.logger, fmt.Sprintf("load of %s", name), func() error {
		var loadErr error
		result, loadErr = p.loader.Load(ctx, outPath)
		return loadErr
	})
	if err != nil {
		p.failLoad(name, quarter, stageLoad, loadStart, err)
		return nil
	}

	p.record(warehouse.StageStats{
		RunID: p.runID, RunTimestamp: time.Now().UTC(),
		SourceFilename: name, Quarter: quarter, StageName: stageLoad,
		RowsInput: result.Staged, RowsOutput: result.Inserted,
		RowsDuplicatesSkipped: result.DuplicatesSkipped,
		ProcessingSeconds:     time.Since(loadStart).Seconds(),
		Status:                warehouse.StatusSuccess,
	})
	return nil
}

// uploadStats builds the upload-stage audit record. A skipped upload is
// still recorded so the per-stage trail stays complete, with zero rows
// moved and the reason noted.
func uploadStats(runID, name, quarter string, tstats transform.Stats, start time.Time, skipped bool) warehouse.StageStats {
	record := warehouse.StageStats{
		RunID: runID, RunTimestamp: time.Now().UTC(),
		SourceFilename: name, Quarter: quarter, StageName: stageUpload,
		RowsInput: tstats.RowsOut, RowsOutput: tstats.RowsOut,
		ProcessingSeconds: time.Since(start).Seconds(),
		FileSizeBytes:     tstats.FileSizeBytes,
		Status:            warehouse.StatusSuccess,
	}
	if skipped {
		record.RowsOutput = 0
		record.FilterReason = "object already in storage"
	}
	return record
}

// failLoad records a failed upload or load stage without failing the
// run; the error surfaces once at the end through ErrLoadFailures.
func (p *Pipeline) failLoad(name, quarter, stage string, start time.Time, err error) {
	p.logger.Error(fmt.Sprintf("%s stage failed for %s: %v", stage, name, err))
	p.mu.Lock()
	p.loadFailures++
	p.mu.Unlock()
	p.record(warehouse.StageStats{
		RunID: p.runID, RunTimestamp: time.Now().UTC(),
		SourceFilename: name, Quarter: quarter, StageName: stage,
		ProcessingSeconds: time.Since(start).Seconds(),
		Status:            warehouse.StatusFailed,
		ErrorMessage:      warehouse.TruncateError(err),
	})
}

func (p *Pipeline) record(stats warehouse.StageStats) {
	p.mu.Lock()
	p.records = append(p.records, stats)
	p.mu.Unlock()
}

func (p *Pipeline) takeRecords() []warehouse.StageStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	records := p.records
	p.records = nil
	return records
}

func (p *Pipeline) discoverInputFiles() ([]string, error) {
	var files []string
	err := filepath.WalkDir(p.config.InputDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext == ".csv" || ext == ".txt" {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan input dir %s: %w", p.config.InputDir, err)
	}
	sort.Strings(files)
	return files, nil
}

func (p *Pipeline) updateTask(files []string, current string) {
	p.mu.Lock()
	completed := p.completed
	failures := p.loadFailures
	p.mu.Unlock()

	info := &TaskInfo{
		PID:            os.Getpid(),
		StartTime:      p.started,
		RunID:          p.runID,
		InputDir:       p.config.InputDir,
		CurrentFile:    filepath.Base(current),
		TotalFiles:     len(files),
		CompletedFiles: completed,
		FailedLoads:    failures,
	}
	if len(files) > 0 {
		info.Progress = float64(completed) / float64(len(files)) * 100
	}
	if err := WriteTaskInfo(info); err != nil {
		p.logger.Debug(fmt.Sprintf("Could not write task info: %v", err))
	}
}

func (p *Pipeline) printSummary(total, records int) {
	p.mu.Lock()
	failures := p.loadFailures
	p.mu.Unlock()

	p.logger.Info("")
	p.logger.Info(fmt.Sprintf("Run %s finished: %d files, %d load failures, %d stage records",
		p.runID, total, failures, records))
}
