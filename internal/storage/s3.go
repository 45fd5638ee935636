package storage

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/sandpit-io/sandpit/internal/common/config"
	"github.com/sandpit-io/sandpit/internal/common/logger"
	"github.com/sandpit-io/sandpit/internal/errs"
)

// S3 rejects DeleteObjects batches above 1000 keys.
const deleteBatchSize = 1000

// S3Store stores workspace objects in an S3-compatible bucket. A custom
// endpoint with path-style addressing covers MinIO and similar stores.
type S3Store struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
	log     *logger.Logger
}

var _ ObjectStore = (*S3Store)(nil)

// NewS3Store builds the store from the storage configuration. Static
// credentials take precedence; otherwise the default AWS chain applies.
func NewS3Store(ctx context.Context, cfg config.StorageConfig, log *logger.Logger) (*S3Store, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errs.Storage("Storage.Config", "load aws config: %v", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	return &S3Store{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
		log:     log,
	}, nil
}

func (s *S3Store) Upload(ctx context.Context, key string, r io.Reader, size int64, contentType string) (err error) {
	defer func() { recordOp("upload", err) }()

	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   r,
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	if _, err = s.client.PutObject(ctx, input); err != nil {
		return errs.Storage("Storage.UploadFailed", "upload %s: %v", key, err).WithCause(err)
	}
	return nil
}

func (s *S3Store) Download(ctx context.Context, key string) (rc io.ReadCloser, size int64, err error) {
	defer func() { recordOp("download", err) }()

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, 0, errs.NotFound("Storage.ObjectNotFound", "object %s does not exist", key)
		}
		return nil, 0, errs.Storage("Storage.DownloadFailed", "download %s: %v", key, err).WithCause(err)
	}
	return out.Body, aws.ToInt64(out.ContentLength), nil
}

func (s *S3Store) List(ctx context.Context, prefix string) (objects []ObjectInfo, err error) {
	defer func() { recordOp("list", err) }()

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, errs.Storage("Storage.ListFailed", "list %s: %v", prefix, err).WithCause(err)
		}
		for _, obj := range page.Contents {
			objects = append(objects, ObjectInfo{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}
	return objects, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) (err error) {
	defer func() { recordOp("delete", err) }()

	// DeleteObject succeeds for missing keys, matching the port contract.
	if _, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return errs.Storage("Storage.DeleteFailed", "delete %s: %v", key, err).WithCause(err)
	}
	return nil
}

func (s *S3Store) DeletePrefix(ctx context.Context, prefix string) (deleted int, err error) {
	defer func() { recordOp("delete_prefix", err) }()

	objects, err := s.List(ctx, prefix)
	if err != nil {
		return 0, err
	}

	for start := 0; start < len(objects); start += deleteBatchSize {
		end := min(start+deleteBatchSize, len(objects))

		batch := make([]types.ObjectIdentifier, 0, end-start)
		for _, obj := range objects[start:end] {
			batch = append(batch, types.ObjectIdentifier{Key: aws.String(obj.Key)})
		}

		out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{
				Objects: batch,
				Quiet:   aws.Bool(true),
			},
		})
		if err != nil {
			return deleted, errs.Storage("Storage.DeleteFailed",
				"delete under %s: %v", prefix, err).WithCause(err)
		}
		deleted += len(batch) - len(out.Errors)
		if len(out.Errors) > 0 {
			first := out.Errors[0]
			return deleted, errs.Storage("Storage.DeleteFailed",
				"delete under %s: %d objects failed, first %s: %s",
				prefix, len(out.Errors), aws.ToString(first.Key), aws.ToString(first.Message))
		}
	}

	s.log.Debug("Deleted workspace prefix",
		zap.String("prefix", prefix),
		zap.Int("objects", deleted))
	return deleted, nil
}

func (s *S3Store) Presign(ctx context.Context, key string, ttl time.Duration) (url string, err error) {
	defer func() { recordOp("presign", err) }()

	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", errs.Storage("Storage.PresignFailed", "presign %s: %v", key, err).WithCause(err)
	}
	return req.URL, nil
}

func (s *S3Store) Ping(ctx context.Context) error {
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	}); err != nil {
		return errs.Storage("Storage.Unreachable",
			"bucket %s not reachable: %v", s.bucket, err).
			WithSolution("check storage.endpoint, credentials, and that the bucket exists").
			WithCause(err)
	}
	return nil
}
