package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"

	"github.com/metergrid/meter-pipeline/cmd/warehouse"
)

var ErrNotConnected = errors.New("object storage client not initialized")

// Config carries the object-storage connection settings.
type Config struct {
	Endpoint          string
	Region            string
	AccessKey         string
	SecretKey         string
	Bucket            string
	Prefix            string
	UploadChunkSizeMB int
	UploadTimeout     time.Duration
}

// Client uploads transform output to object storage, one blob per file,
// keyed by the output path relative to the output root. Uploads of
// already-present keys are skipped; a concurrent rerun can race this
// check, which the load-stage dedup absorbs.
type Client struct {
	cfg      Config
	s3       s3iface.S3API
	uploader s3manageriface.UploaderAPI
	retry    warehouse.RetryPolicy
	logger   *slog.Logger
}

func New(cfg Config, retry warehouse.RetryPolicy, logger *slog.Logger) (*Client, error) {
	sess, err := session.NewSession(&aws.Config{
		Endpoint:         aws.String(cfg.Endpoint),
		Region:           aws.String(cfg.Region),
		Credentials:      credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, ""),
		S3ForcePathStyle: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("create object storage session: %w", err)
	}

	uploader := s3manager.NewUploader(sess)
	if cfg.UploadChunkSizeMB > 0 {
		uploader.PartSize = int64(cfg.UploadChunkSizeMB) * 1024 * 1024
	}

	return &Client{
		cfg:      cfg,
		s3:       s3.New(sess),
		uploader: uploader,
		retry:    retry,
		logger:   logger,
	}, nil
}

// ObjectKey maps an output-relative path to its blob key under the
// configured prefix.
func (c *Client) ObjectKey(relPath string) string {
	return path.Join(c.cfg.Prefix, filepath.ToSlash(relPath))
}

func (c *Client) objectExists(key string) (bool, int64) {
	result, err := c.s3.HeadObject(&s3.HeadObjectInput{
		Bucket: aws.String(c.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return false, 0
	}
	var size int64
	if result.ContentLength != nil {
		size = *result.ContentLength
	}
	return true, size
}

// UploadFile sends localPath to the key derived from relPath and
// reports the key and whether the upload was skipped because the object
// already exists.
func (c *Client) UploadFile(ctx context.Context, localPath, relPath string) (string, bool, error) {
	if c.s3 == nil || c.uploader == nil {
		return "", false, ErrNotConnected
	}

	key := c.ObjectKey(relPath)
	if exists, size := c.objectExists(key); exists {
		c.logger.Info(fmt.Sprintf("Skipping upload, s3://%s/%s already exists (%d bytes)",
			c.cfg.Bucket, key, size))
		return key, true, nil
	}

	err := c.retry.Do(ctx, c.logger, fmt.Sprintf("upload of %s", key), func() error {
		return c.uploadOnce(ctx, localPath, key)
	})
	if err != nil {
		return "", false, err
	}
	return key, false, nil
}

func (c *Client) uploadOnce(ctx context.Context, localPath, key string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s for upload: %w", localPath, err)
	}
	defer f.Close()

	uploadCtx := ctx
	if c.cfg.UploadTimeout > 0 {
		var cancel context.CancelFunc
		uploadCtx, cancel = context.WithTimeout(ctx, c.cfg.UploadTimeout)
		defer cancel()
	}

	_, err = c.uploader.UploadWithContext(uploadCtx, &s3manager.UploadInput{
		Bucket:      aws.String(c.cfg.Bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("upload s3://%s/%s: %w", c.cfg.Bucket, key, err)
	}
	c.logger.Info(fmt.Sprintf("Uploaded s3://%s/%s", c.cfg.Bucket, key))
	return nil
}
