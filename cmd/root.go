package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Version information - set via ldflags during build
	// Example: go build -ldflags "-X github.com/metergrid/meter-pipeline/cmd.Version=1.2.3"
	Version = "dev" // Default to "dev" if not set during build

	cfgFile           string
	debug             bool
	logFormat         string
	dryRun            bool
	workers           int
	inputDir          string
	outputDir         string
	rowGroupSize      int
	lowMemory         bool
	compression       string
	rowHashEnabled    bool
	inferSchemaLen    int
	oracleAPIKey      string
	oracleBaseURL     string
	maxRetries        int
	retryDelay        int
	dbHost            string
	dbPort            int
	dbUser            string
	dbPassword        string
	dbName            string
	dbSSLMode         string
	dbSchema          string
	targetTable       string
	statsTable        string
	s3Endpoint        string
	s3Bucket          string
	s3AccessKey       string
	s3SecretKey       string
	s3Region          string
	s3Prefix          string
	uploadChunkSizeMB int
	uploadTimeout     int

	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7D56F4")).
			Bold(true).
			Underline(true)

	logger *slog.Logger
)

// textOnlyHandler is a custom slog handler that outputs human-readable text
// without key=value pairs, suitable for interactive terminal usage
type textOnlyHandler struct {
	opts   slog.HandlerOptions
	writer io.Writer
}

func newTextOnlyHandler(w io.Writer, opts *slog.HandlerOptions) *textOnlyHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &textOnlyHandler{
		opts:   *opts,
		writer: w,
	}
}

func (h *textOnlyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

func (h *textOnlyHandler) Handle(_ context.Context, r slog.Record) error {
	// Format: YYYY-MM-DD HH:MM:SS LEVEL message
	timestamp := r.Time.Format("2006-01-02 15:04:05")
	level := r.Level.String()

	_, err := fmt.Fprintf(h.writer, "%s %s %s\n", timestamp, level, r.Message)
	return err
}

func (h *textOnlyHandler) WithAttrs(_ []slog.Attr) slog.Handler {
	return h
}

func (h *textOnlyHandler) WithGroup(_ string) slog.Handler {
	return h
}

// initLogger initializes the slog logger based on debug flag and log format
func initLogger(isDebug bool, format string) {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	if isDebug {
		opts.Level = slog.LevelDebug
	}

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	case "logfmt":
		// logfmt uses slog.TextHandler which outputs key=value pairs
		handler = slog.NewTextHandler(os.Stdout, opts)
	default: // "text" or anything else
		handler = newTextOnlyHandler(os.Stdout, opts)
	}

	logger = slog.New(handler)
}

var rootCmd = &cobra.Command{
	Use:     "meter-pipeline",
	Version: Version,
	Short:   "Normalize meter reading CSV files and load them into the warehouse",
	Long: titleStyle.Render("Meter Pipeline") + `

A CLI tool that reconciles delimited meter-reading files against a canonical
schema, converts them to quarter-partitioned Parquet, uploads the output to
S3-compatible storage, and performs deduplicating loads into PostgreSQL with
a per-stage audit trail.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// Show help when no subcommand is specified
		cmd.Help()
	},
}

var transformCmd = &cobra.Command{
	Use:   "transform",
	Short: "Convert input files to quarter-partitioned Parquet",
	Long:  `Convert delimited meter-reading files to Parquet under the output directory, without uploading or loading. Schema resolution, quarter classification, and the zero-row guard all apply.`,
	Run: func(_ *cobra.Command, _ []string) {
		runPipeline(ModeTransform)
	},
}

var loadCmd = &cobra.Command{
	Use:   "load",
	Short: "Transform, upload, and load input files into the warehouse",
	Long:  `Run the full per-file sequence for each input file: transform to Parquet, upload to object storage (skipping already-present objects), and perform a deduplicating load into the target table.`,
	Run: func(_ *cobra.Command, _ []string) {
		runPipeline(ModeLoad)
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full pipeline end to end",
	Long:  `Equivalent to load, named for scheduler invocations: transform, upload, deduplicating load, and stage stats recording for every input file.`,
	Run: func(_ *cobra.Command, _ []string) {
		runPipeline(ModeRun)
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(transformCmd)
	rootCmd.AddCommand(loadCmd)
	rootCmd.AddCommand(runCmd)

	// Persistent flags (available to all subcommands)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.meter-pipeline.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug output")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, logfmt, json)")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "transform only, skip upload and warehouse load")

	for _, c := range []*cobra.Command{transformCmd, loadCmd, runCmd} {
		c.Flags().StringVar(&inputDir, "input-dir", "", "directory containing input files (required)")
		c.Flags().StringVar(&outputDir, "output-dir", "", "directory for Parquet output (required)")
		c.Flags().IntVar(&workers, "workers", 4, "number of parallel workers")
		c.Flags().IntVar(&rowGroupSize, "row-group-size", 50000, "Parquet row group size")
		c.Flags().BoolVar(&lowMemory, "low-memory", false, "cap the schema inference sample to reduce memory use")
		c.Flags().StringVar(&compression, "compression", "snappy", "Parquet compression: snappy, zstd, gzip, lz4, none")
		c.Flags().BoolVar(&rowHashEnabled, "row-hash", true, "derive the ROW_HASH dedup key")
		c.Flags().IntVar(&inferSchemaLen, "infer-schema-length", 1000, "rows sampled for schema type inference")
		c.Flags().StringVar(&oracleAPIKey, "oracle-api-key", "", "API key for the remote header-mapping oracle (optional)")
		c.Flags().StringVar(&oracleBaseURL, "oracle-base-url", "", "override base URL for the remote oracle (optional)")
		c.Flags().IntVar(&maxRetries, "max-retries", 3, "retry attempts for upload and load calls")
		c.Flags().IntVar(&retryDelay, "retry-delay", 2, "initial delay in seconds between retry attempts")
	}

	for _, c := range []*cobra.Command{loadCmd, runCmd} {
		c.Flags().StringVar(&dbHost, "db-host", "localhost", "PostgreSQL host")
		c.Flags().IntVar(&dbPort, "db-port", 5432, "PostgreSQL port")
		c.Flags().StringVar(&dbUser, "db-user", "", "PostgreSQL user")
		c.Flags().StringVar(&dbPassword, "db-password", "", "PostgreSQL password")
		c.Flags().StringVar(&dbName, "db-name", "", "PostgreSQL database name")
		c.Flags().StringVar(&dbSSLMode, "db-sslmode", "disable", "PostgreSQL SSL mode (disable, require, verify-ca, verify-full)")
		c.Flags().StringVar(&dbSchema, "db-schema", "public", "PostgreSQL schema for target and stats tables")
		c.Flags().StringVar(&targetTable, "table", "", "target table name (required)")
		c.Flags().StringVar(&statsTable, "stats-table", "pipeline_stats", "stage stats table name")
		c.Flags().StringVar(&s3Endpoint, "s3-endpoint", "", "S3-compatible endpoint URL")
		c.Flags().StringVar(&s3Bucket, "s3-bucket", "", "S3 bucket name")
		c.Flags().StringVar(&s3AccessKey, "s3-access-key", "", "S3 access key")
		c.Flags().StringVar(&s3SecretKey, "s3-secret-key", "", "S3 secret key")
		c.Flags().StringVar(&s3Region, "s3-region", "auto", "S3 region")
		c.Flags().StringVar(&s3Prefix, "s3-prefix", "", "key prefix for uploaded objects")
		c.Flags().IntVar(&uploadChunkSizeMB, "upload-chunk-size", 0, "multipart upload part size in MB (0 = SDK default)")
		c.Flags().IntVar(&uploadTimeout, "upload-timeout", 0, "per-file upload timeout in seconds (0 = none)")
	}

	// Note: We don't use MarkFlagRequired because it checks before viper loads the config file.
	// Instead, validation happens in config.Validate() which runs after all config sources are loaded.

	// Bind persistent flags
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	_ = viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))
	_ = viper.BindPFlag("dry_run", rootCmd.PersistentFlags().Lookup("dry-run"))

	// Bind shared pipeline flags (last binding wins for shared variables)
	for _, c := range []*cobra.Command{transformCmd, loadCmd, runCmd} {
		_ = viper.BindPFlag("input_dir", c.Flags().Lookup("input-dir"))
		_ = viper.BindPFlag("output_dir", c.Flags().Lookup("output-dir"))
		_ = viper.BindPFlag("workers", c.Flags().Lookup("workers"))
		_ = viper.BindPFlag("row_group_size", c.Flags().Lookup("row-group-size"))
		_ = viper.BindPFlag("low_memory", c.Flags().Lookup("low-memory"))
		_ = viper.BindPFlag("compression", c.Flags().Lookup("compression"))
		_ = viper.BindPFlag("row_hash", c.Flags().Lookup("row-hash"))
		_ = viper.BindPFlag("infer_schema_length", c.Flags().Lookup("infer-schema-length"))
		_ = viper.BindPFlag("oracle.api_key", c.Flags().Lookup("oracle-api-key"))
		_ = viper.BindPFlag("oracle.base_url", c.Flags().Lookup("oracle-base-url"))
		_ = viper.BindPFlag("max_retries", c.Flags().Lookup("max-retries"))
		_ = viper.BindPFlag("retry_delay", c.Flags().Lookup("retry-delay"))
	}

	for _, c := range []*cobra.Command{loadCmd, runCmd} {
		_ = viper.BindPFlag("db.host", c.Flags().Lookup("db-host"))
		_ = viper.BindPFlag("db.port", c.Flags().Lookup("db-port"))
		_ = viper.BindPFlag("db.user", c.Flags().Lookup("db-user"))
		_ = viper.BindPFlag("db.password", c.Flags().Lookup("db-password"))
		_ = viper.BindPFlag("db.name", c.Flags().Lookup("db-name"))
		_ = viper.BindPFlag("db.sslmode", c.Flags().Lookup("db-sslmode"))
		_ = viper.BindPFlag("db.schema", c.Flags().Lookup("db-schema"))
		_ = viper.BindPFlag("table", c.Flags().Lookup("table"))
		_ = viper.BindPFlag("stats_table", c.Flags().Lookup("stats-table"))
		_ = viper.BindPFlag("s3.endpoint", c.Flags().Lookup("s3-endpoint"))
		_ = viper.BindPFlag("s3.bucket", c.Flags().Lookup("s3-bucket"))
		_ = viper.BindPFlag("s3.access_key", c.Flags().Lookup("s3-access-key"))
		_ = viper.BindPFlag("s3.secret_key", c.Flags().Lookup("s3-secret-key"))
		_ = viper.BindPFlag("s3.region", c.Flags().Lookup("s3-region"))
		_ = viper.BindPFlag("s3.prefix", c.Flags().Lookup("s3-prefix"))
		_ = viper.BindPFlag("s3.upload_chunk_size", c.Flags().Lookup("upload-chunk-size"))
		_ = viper.BindPFlag("s3.upload_timeout", c.Flags().Lookup("upload-timeout"))
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".meter-pipeline")
	}

	viper.SetEnvPrefix("METERPIPE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && debug {
		if logger == nil {
			initLogger(debug, logFormat)
		}
		logger.Debug(fmt.Sprintf("Using config file: %s", viper.ConfigFileUsed()))
	}
}

func buildConfig(mode string) *Config {
	return &Config{
		Debug:     viper.GetBool("debug"),
		LogFormat: viper.GetString("log_format"),
		DryRun:    viper.GetBool("dry_run"),
		Mode:      mode,
		Workers:   viper.GetInt("workers"),

		InputDir:  viper.GetString("input_dir"),
		OutputDir: viper.GetString("output_dir"),

		RowGroupSize:      viper.GetInt("row_group_size"),
		LowMemory:         viper.GetBool("low_memory"),
		Compression:       viper.GetString("compression"),
		RowHashEnabled:    viper.GetBool("row_hash"),
		InferSchemaLength: viper.GetInt("infer_schema_length"),

		OracleAPIKey:  viper.GetString("oracle.api_key"),
		OracleBaseURL: viper.GetString("oracle.base_url"),

		MaxRetries: viper.GetInt("max_retries"),
		RetryDelay: viper.GetInt("retry_delay"),

		Database: DatabaseConfig{
			Host:       viper.GetString("db.host"),
			Port:       viper.GetInt("db.port"),
			User:       viper.GetString("db.user"),
			Password:   viper.GetString("db.password"),
			Name:       viper.GetString("db.name"),
			SSLMode:    viper.GetString("db.sslmode"),
			Schema:     viper.GetString("db.schema"),
			Table:      viper.GetString("table"),
			StatsTable: viper.GetString("stats_table"),
		},
		S3: S3Config{
			Endpoint:          viper.GetString("s3.endpoint"),
			Bucket:            viper.GetString("s3.bucket"),
			AccessKey:         viper.GetString("s3.access_key"),
			SecretKey:         viper.GetString("s3.secret_key"),
			Region:            viper.GetString("s3.region"),
			Prefix:            viper.GetString("s3.prefix"),
			UploadChunkSizeMB: viper.GetInt("s3.upload_chunk_size"),
			UploadTimeout:     viper.GetInt("s3.upload_timeout"),
		},
	}
}

func runPipeline(mode string) {
	// Add panic recovery to catch any unexpected crashes
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "\nPANIC: %v\n", r)
			os.Exit(1)
		}
	}()

	config := buildConfig(mode)
	initLogger(config.Debug, config.LogFormat)

	logger.Info("")
	logger.Info(fmt.Sprintf("Meter Pipeline v%s (%s)", Version, mode))

	logger.Debug("Validating configuration...")
	if err := config.Validate(); err != nil {
		logger.Error(fmt.Sprintf("Configuration error: %s", err.Error()))
		os.Exit(1)
	}
	logger.Debug("Configuration validated successfully")

	// Check for updates in background (non-blocking)
	updateCheckDone := make(chan struct{})
	go func() {
		defer close(updateCheckDone)
		if notice := newUpdateChecker(logger).Notice(context.Background(), Version); notice != "" {
			logger.Info(notice)
		}
	}()
	select {
	case <-updateCheckDone:
	case <-time.After(2 * time.Second):
		logger.Debug("Version check taking longer than expected, continuing...")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pipeline := NewPipeline(config, logger)
	err := pipeline.Run(ctx)

	switch {
	case err == nil:
		logger.Info("")
		logger.Info("Pipeline completed successfully")
	case errors.Is(err, context.Canceled):
		logger.Info("")
		logger.Info("Pipeline cancelled by user")
		os.Exit(130)
	case errors.Is(err, ErrLoadFailures):
		// The run finished, but silent success would hide the failed
		// files from the invoking scheduler.
		logger.Error(fmt.Sprintf("Pipeline completed with load failures: %s", err.Error()))
		os.Exit(2)
	default:
		logger.Error(fmt.Sprintf("Pipeline failed: %s", err.Error()))
		os.Exit(1)
	}
}
