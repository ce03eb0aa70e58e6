// Package archive provides the S3-backed object store the archival
// service writes monthly audit archives to.
package archive

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/casefolio/casefolio-backend/internal/domain/errors"
)

// S3Store implements the archival object store against one bucket.
type S3Store struct {
	client     *s3.Client
	uploader   *manager.Uploader
	downloader *manager.Downloader
	bucket     string
	logger     *zap.Logger
}

// Config locates the archive bucket. Endpoint is optional and points
// at S3-compatible stores (MinIO, LocalStack) in non-AWS environments.
type Config struct {
	Region   string
	Bucket   string
	Endpoint string
}

// NewS3Store builds the store from ambient AWS credentials.
func NewS3Store(ctx context.Context, cfg Config, logger *zap.Logger) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.NewValidationError("MISSING_BUCKET", "archive bucket is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, errors.NewInternalError("failed to load AWS configuration").WithCause(err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Store{
		client:     client,
		uploader:   manager.NewUploader(client),
		downloader: manager.NewDownloader(client),
		bucket:     cfg.Bucket,
		logger:     logger,
	}, nil
}

// NewS3StoreWithClient wires an existing client, for tests against
// fakes or S3-compatible containers.
func NewS3StoreWithClient(client *s3.Client, bucket string, logger *zap.Logger) *S3Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &S3Store{
		client:     client,
		uploader:   manager.NewUploader(client),
		downloader: manager.NewDownloader(client),
		bucket:     bucket,
		logger:     logger,
	}
}

// Put uploads one object.
func (s *S3Store) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/gzip"),
	})
	if err != nil {
		return mapS3Error(err, "upload "+key)
	}
	s.logger.Debug("archive object uploaded",
		zap.String("key", key),
		zap.Int("bytes", len(data)))
	return nil
}

// Get downloads one object. A missing key is (nil, false, nil).
func (s *S3Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	buf := manager.NewWriteAtBuffer(nil)
	_, err := s.downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, mapS3Error(err, "download "+key)
	}
	return buf.Bytes(), true, nil
}

// List returns every key under the prefix.
func (s *S3Store) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, mapS3Error(err, "list "+prefix)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

// Delete removes one object.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return mapS3Error(err, "delete "+key)
	}
	s.logger.Info("archive object deleted", zap.String("key", key))
	return nil
}

func isNotFound(err error) bool {
	var noKey *types.NoSuchKey
	if stderrors.As(err, &noKey) {
		return true
	}
	var apiErr smithy.APIError
	if stderrors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound"
	}
	// The download manager can surface the 404 as a wrapped response
	// error before typed unmarshalling.
	return strings.Contains(err.Error(), "StatusCode: 404")
}

func mapS3Error(err error, op string) error {
	if err == nil {
		return nil
	}
	if err == io.EOF {
		return errors.NewInternalError("truncated object during " + op).WithCause(err)
	}
	var apiErr smithy.APIError
	if stderrors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable":
			return errors.NewUnavailableError("object store", "transient failure during "+op).WithCause(err)
		case "NoSuchBucket":
			return errors.NewInternalError("archive bucket does not exist").WithCause(err)
		case "AccessDenied":
			return errors.NewForbiddenError("access denied to archive bucket").WithCause(err)
		}
	}
	return errors.NewInternalError("object store operation failed: " + op).WithCause(err)
}
