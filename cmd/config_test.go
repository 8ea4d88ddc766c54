package cmd

import (
	"errors"
	"testing"
)

func validLoadConfig() *Config {
	return &Config{
		Mode:      ModeLoad,
		Workers:   4,
		InputDir:  "/data/incoming",
		OutputDir: "/data/output",
		Database: DatabaseConfig{
			Host:       "localhost",
			Port:       5432,
			User:       "testuser",
			Password:   "testpass",
			Name:       "testdb",
			Schema:     "public",
			Table:      "meter_readings",
			StatsTable: "pipeline_stats",
		},
		S3: S3Config{
			Endpoint:  "https://s3.example.com",
			Bucket:    "meter-data",
			AccessKey: "access123",
			SecretKey: "secret456",
			Region:    "us-east-1",
		},
	}
}

func TestConfigValidation(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		if err := validLoadConfig().Validate(); err != nil {
			t.Fatalf("valid config should not return error: %v", err)
		}
	})

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{
			name:    "MissingInputDir",
			mutate:  func(c *Config) { c.InputDir = "" },
			wantErr: ErrInputDirRequired,
		},
		{
			name:    "MissingOutputDir",
			mutate:  func(c *Config) { c.OutputDir = "" },
			wantErr: ErrOutputDirRequired,
		},
		{
			name:    "MissingDatabaseUser",
			mutate:  func(c *Config) { c.Database.User = "" },
			wantErr: ErrDatabaseUserRequired,
		},
		{
			name:    "MissingDatabaseName",
			mutate:  func(c *Config) { c.Database.Name = "" },
			wantErr: ErrDatabaseNameRequired,
		},
		{
			name:    "InvalidDatabasePort",
			mutate:  func(c *Config) { c.Database.Port = 0 },
			wantErr: ErrDatabasePortInvalid,
		},
		{
			name:    "MissingTable",
			mutate:  func(c *Config) { c.Database.Table = "" },
			wantErr: ErrTableNameRequired,
		},
		{
			name:    "InvalidTableName",
			mutate:  func(c *Config) { c.Database.Table = "readings; DROP TABLE x" },
			wantErr: ErrTableNameInvalid,
		},
		{
			name:    "InvalidStatsTable",
			mutate:  func(c *Config) { c.Database.StatsTable = "1bad" },
			wantErr: ErrStatsTableInvalid,
		},
		{
			name:    "InvalidSchemaName",
			mutate:  func(c *Config) { c.Database.Schema = "bad-schema!" },
			wantErr: ErrSchemaNameInvalid,
		},
		{
			name:    "MissingS3Endpoint",
			mutate:  func(c *Config) { c.S3.Endpoint = "" },
			wantErr: ErrS3EndpointRequired,
		},
		{
			name:    "MissingS3Bucket",
			mutate:  func(c *Config) { c.S3.Bucket = "" },
			wantErr: ErrS3BucketRequired,
		},
		{
			name:    "MissingS3AccessKey",
			mutate:  func(c *Config) { c.S3.AccessKey = "" },
			wantErr: ErrS3AccessKeyRequired,
		},
		{
			name:    "MissingS3SecretKey",
			mutate:  func(c *Config) { c.S3.SecretKey = "" },
			wantErr: ErrS3SecretKeyRequired,
		},
		{
			name:    "InvalidS3Region",
			mutate:  func(c *Config) { c.S3.Region = "not a region!!" },
			wantErr: ErrS3RegionInvalid,
		},
		{
			name:    "WorkersTooLow",
			mutate:  func(c *Config) { c.Workers = 0 },
			wantErr: ErrWorkersMinimum,
		},
		{
			name:    "WorkersTooHigh",
			mutate:  func(c *Config) { c.Workers = 5000 },
			wantErr: ErrWorkersMaximum,
		},
		{
			name:    "RowGroupSizeTooSmall",
			mutate:  func(c *Config) { c.RowGroupSize = 10 },
			wantErr: ErrRowGroupSizeInvalid,
		},
		{
			name:    "InvalidCompression",
			mutate:  func(c *Config) { c.Compression = "brotli" },
			wantErr: ErrCompressionInvalid,
		},
		{
			name:    "NegativeInferSchemaLength",
			mutate:  func(c *Config) { c.InferSchemaLength = -1 },
			wantErr: ErrInferLengthInvalid,
		},
		{
			name:    "UploadChunkTooSmall",
			mutate:  func(c *Config) { c.S3.UploadChunkSizeMB = 1 },
			wantErr: ErrChunkSizeInvalid,
		},
		{
			name:    "NegativeUploadTimeout",
			mutate:  func(c *Config) { c.S3.UploadTimeout = -5 },
			wantErr: ErrUploadTimeoutInvalid,
		},
		{
			name:    "NegativeMaxRetries",
			mutate:  func(c *Config) { c.MaxRetries = -1 },
			wantErr: ErrMaxRetriesInvalid,
		},
		{
			name:    "NegativeRetryDelay",
			mutate:  func(c *Config) { c.RetryDelay = -1 },
			wantErr: ErrRetryDelayInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := validLoadConfig()
			tt.mutate(config)
			err := config.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfigValidationTransformMode(t *testing.T) {
	// Transform mode stops before the warehouse, so database and
	// storage settings are not required.
	config := &Config{
		Mode:      ModeTransform,
		Workers:   2,
		InputDir:  "/data/incoming",
		OutputDir: "/data/output",
	}
	if err := config.Validate(); err != nil {
		t.Fatalf("transform-mode config should not require warehouse settings: %v", err)
	}

	config.InputDir = ""
	if err := config.Validate(); !errors.Is(err, ErrInputDirRequired) {
		t.Fatalf("Validate() error = %v, want ErrInputDirRequired", err)
	}
}

func TestValidCompressionValues(t *testing.T) {
	for _, codec := range []string{"snappy", "zstd", "gzip", "lz4", "none", ""} {
		config := validLoadConfig()
		config.Compression = codec
		if err := config.Validate(); err != nil {
			t.Errorf("compression %q rejected: %v", codec, err)
		}
	}
}
