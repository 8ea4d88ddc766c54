package cmd

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Static errors for configuration validation
var (
	ErrInputDirRequired       = errors.New("input directory is required")
	ErrOutputDirRequired      = errors.New("output directory is required")
	ErrDatabaseUserRequired   = errors.New("database user is required")
	ErrDatabaseNameRequired   = errors.New("database name is required")
	ErrDatabasePortInvalid    = errors.New("database port must be between 1 and 65535")
	ErrTableNameRequired      = errors.New("target table name is required")
	ErrTableNameInvalid       = errors.New("table name is invalid: must be 1-63 characters, start with a letter or underscore, and contain only letters, numbers, and underscores")
	ErrStatsTableInvalid      = errors.New("stats table name is invalid: must be 1-63 characters, start with a letter or underscore, and contain only letters, numbers, and underscores")
	ErrSchemaNameInvalid      = errors.New("schema name is invalid: must be 1-63 characters, start with a letter or underscore, and contain only letters, numbers, and underscores")
	ErrS3EndpointRequired     = errors.New("S3 endpoint is required")
	ErrS3BucketRequired       = errors.New("S3 bucket is required")
	ErrS3AccessKeyRequired    = errors.New("S3 access key is required")
	ErrS3SecretKeyRequired    = errors.New("S3 secret key is required")
	ErrS3RegionInvalid        = errors.New("S3 region contains invalid characters or is too long")
	ErrWorkersMinimum         = errors.New("workers must be at least 1")
	ErrWorkersMaximum         = errors.New("workers must not exceed 1000")
	ErrRowGroupSizeInvalid    = errors.New("row group size must be between 1000 and 1000000")
	ErrCompressionInvalid     = errors.New("compression must be one of: snappy, zstd, gzip, lz4, none")
	ErrInferLengthInvalid     = errors.New("schema inference sample size must be >= 0")
	ErrChunkSizeInvalid       = errors.New("upload chunk size must be between 5 and 5000 MB")
	ErrUploadTimeoutInvalid   = errors.New("upload timeout must be >= 0")
	ErrMaxRetriesInvalid      = errors.New("max retries must be >= 0")
	ErrRetryDelayInvalid      = errors.New("retry delay must be >= 0")
)

const regionAuto = "auto"

// Pipeline modes select which validation rules apply: the transform
// mode needs no warehouse or storage settings.
const (
	ModeTransform = "transform"
	ModeLoad      = "load"
	ModeRun       = "run"
)

type Config struct {
	Debug     bool
	LogFormat string
	DryRun    bool
	Mode      string
	Workers   int

	InputDir  string
	OutputDir string

	RowGroupSize      int
	LowMemory         bool
	Compression       string
	RowHashEnabled    bool
	InferSchemaLength int

	OracleAPIKey  string
	OracleBaseURL string

	MaxRetries int
	RetryDelay int // seconds between retry attempts

	Database DatabaseConfig
	S3       S3Config
}

type DatabaseConfig struct {
	Host       string
	Port       int
	User       string
	Password   string
	Name       string
	SSLMode    string
	Schema     string
	Table      string
	StatsTable string
}

type S3Config struct {
	Endpoint          string
	Bucket            string
	AccessKey         string
	SecretKey         string
	Region            string
	Prefix            string
	UploadChunkSizeMB int
	UploadTimeout     int // seconds, 0 = no timeout
}

// validPostgreSQLIdentifier checks if a string is a valid PostgreSQL identifier
// to prevent SQL injection attacks
var validPostgreSQLIdentifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidTableName(name string) bool {
	if name == "" || len(name) > 63 {
		return false
	}
	return validPostgreSQLIdentifier.MatchString(name)
}

func isValidRegion(region string) bool {
	if region == "" || len(region) > 50 {
		return false
	}
	matched, _ := regexp.MatchString(`^[a-zA-Z0-9_-]+$`, region)
	return matched
}

func isValidCompression(compression string) bool {
	validCompressions := map[string]bool{
		"snappy": true,
		"zstd":   true,
		"gzip":   true,
		"lz4":    true,
		"none":   true,
	}
	return validCompressions[compression]
}

// UploadTimeoutDuration converts the configured seconds to a Duration.
func (c *Config) UploadTimeoutDuration() time.Duration {
	return time.Duration(c.S3.UploadTimeout) * time.Second
}

func (c *Config) Validate() error {
	if c.InputDir == "" {
		return ErrInputDirRequired
	}
	if c.OutputDir == "" {
		return ErrOutputDirRequired
	}

	if c.Workers < 1 {
		return ErrWorkersMinimum
	}
	if c.Workers > 1000 {
		return fmt.Errorf("%w, got %d", ErrWorkersMaximum, c.Workers)
	}

	if c.RowGroupSize != 0 && (c.RowGroupSize < 1000 || c.RowGroupSize > 1000000) {
		return fmt.Errorf("%w, got %d", ErrRowGroupSizeInvalid, c.RowGroupSize)
	}
	if c.Compression != "" && !isValidCompression(c.Compression) {
		return fmt.Errorf("%w: '%s'", ErrCompressionInvalid, c.Compression)
	}
	if c.InferSchemaLength < 0 {
		return fmt.Errorf("%w, got %d", ErrInferLengthInvalid, c.InferSchemaLength)
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("%w, got %d", ErrMaxRetriesInvalid, c.MaxRetries)
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("%w, got %d", ErrRetryDelayInvalid, c.RetryDelay)
	}

	// Transform mode stops at the local output tree; warehouse and
	// storage settings only matter for load and run.
	if c.Mode == ModeTransform {
		return nil
	}

	if c.Database.User == "" {
		return ErrDatabaseUserRequired
	}
	if c.Database.Name == "" {
		return ErrDatabaseNameRequired
	}
	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("%w, got %d", ErrDatabasePortInvalid, c.Database.Port)
	}
	if c.Database.Table == "" {
		return ErrTableNameRequired
	}
	if !isValidTableName(c.Database.Table) {
		return fmt.Errorf("%w: '%s'", ErrTableNameInvalid, c.Database.Table)
	}
	if c.Database.StatsTable != "" && !isValidTableName(c.Database.StatsTable) {
		return fmt.Errorf("%w: '%s'", ErrStatsTableInvalid, c.Database.StatsTable)
	}
	if c.Database.Schema != "" && !isValidTableName(c.Database.Schema) {
		return fmt.Errorf("%w: '%s'", ErrSchemaNameInvalid, c.Database.Schema)
	}

	if c.S3.Endpoint == "" {
		return ErrS3EndpointRequired
	}
	if c.S3.Bucket == "" {
		return ErrS3BucketRequired
	}
	if c.S3.AccessKey == "" {
		return ErrS3AccessKeyRequired
	}
	if c.S3.SecretKey == "" {
		return ErrS3SecretKeyRequired
	}
	if c.S3.Region != "" && c.S3.Region != regionAuto {
		if !isValidRegion(c.S3.Region) {
			return fmt.Errorf("%w: %s", ErrS3RegionInvalid, c.S3.Region)
		}
	}
	if c.S3.UploadChunkSizeMB != 0 && (c.S3.UploadChunkSizeMB < 5 || c.S3.UploadChunkSizeMB > 5000) {
		return fmt.Errorf("%w, got %d", ErrChunkSizeInvalid, c.S3.UploadChunkSizeMB)
	}
	if c.S3.UploadTimeout < 0 {
		return fmt.Errorf("%w, got %d", ErrUploadTimeoutInvalid, c.S3.UploadTimeout)
	}

	return nil
}
