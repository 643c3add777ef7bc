package objectclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	cfg "github.com/markdave123-py/docstream/internal/config"
	"github.com/markdave123-py/docstream/internal/core"
	"github.com/markdave123-py/docstream/internal/core/errs"
)

type S3Client struct {
	client *s3.Client
}

func NewS3Client(ctx context.Context, cfg *cfg.Config, log *zap.Logger) (core.ObjectClient, error) {
	if cfg.AwsAccessKey == "" || cfg.AwsSecretKey == "" {
		return nil, errs.New(errs.CodeMissingConfig, "AWS credentials not set")
	}
	if cfg.AwsRegion == "" {
		return nil, errs.New(errs.CodeMissingConfig, "AWS_REGION not set")
	}

	awsCfg, err := config.LoadDefaultConfig(
		ctx,
		config.WithRegion(cfg.AwsRegion),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AwsAccessKey, cfg.AwsSecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})
	log.Info("ObjectClient: S3 client ready", zap.String("region", cfg.AwsRegion))

	return &S3Client{client: client}, nil
}

func (c *S3Client) ObjectSize(ctx context.Context, bucket, key string) (int64, error) {
	ctxHead, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	out, err := c.client.HeadObject(ctxHead, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, classify(err, "s3 head")
	}
	return aws.ToInt64(out.ContentLength), nil
}

// GetObjectRange streams the object from offset onward. The body must be
// closed by the caller; cancelling ctx aborts the stream.
func (c *S3Client) GetObjectRange(ctx context.Context, bucket, key string, offset int64) (io.ReadCloser, error) {
	in := &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}
	if offset > 0 {
		in.Range = aws.String(fmt.Sprintf("bytes=%d-", offset))
	}
	resp, err := c.client.GetObject(ctx, in)
	if err != nil {
		return nil, classify(err, "s3 get")
	}
	return resp.Body, nil
}

func classify(err error, op string) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket", "AccessDenied", "Forbidden":
			return errs.Wrap(errs.CodeInvalidPayload, err, "%s", op)
		case "SlowDown", "Throttling", "ThrottlingException", "RequestLimitExceeded":
			return errs.Wrap(errs.CodeRateLimited, err, "%s", op)
		}
	}
	return errs.Wrap(errs.CodeDownloadFailed, err, "%s", op)
}
