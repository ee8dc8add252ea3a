package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"spachat/internal/pkg/logx"
)

// s3Client implements AvatarStore against S3-compatible storage.
type s3Client struct {
	bucket  string
	presign *s3.PresignClient
	logger  zerolog.Logger
}

// newS3Client initializes the S3 client using a custom configuration that supports S3-compatible endpoints.
func newS3Client(ctx context.Context, cfg ServiceConfig) (*s3Client, error) {
	if !cfg.Enabled() {
		return nil, errors.New("storage: bucket name is required")
	}

	logger := logx.Component("storage")

	sdkCfg, err := config.LoadDefaultConfig(ctx,
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.S3AccessKeyID,
			cfg.S3SecretAccessKey,
			"",
		)),
		config.WithRegion("auto"),
	)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load AWS SDK config")
		return nil, fmt.Errorf("storage: load sdk config: %w", err)
	}

	client := s3.NewFromConfig(sdkCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = true
	})

	return &s3Client{
		bucket:  cfg.S3BucketName,
		presign: s3.NewPresignClient(client),
		logger:  logger,
	}, nil
}

// PresignUpload generates a presigned PUT URL for the specified key, MIME type, and size.
func (c *s3Client) PresignUpload(
	ctx context.Context,
	key string,
	mimeType string,
	fileSize int64,
	duration time.Duration,
) (string, error) {
	resp, err := c.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(key),
		ContentType:   aws.String(mimeType),
		ContentLength: aws.Int64(fileSize),
	}, s3.WithPresignExpires(duration))
	if err != nil {
		c.logger.Error().Err(err).Str("key", key).Msg("Failed to generate presigned upload URL")
		return "", fmt.Errorf("presign upload %s: %w", key, err)
	}

	return resp.URL, nil
}

// PresignDownload generates a presigned GET URL for the specified key.
func (c *s3Client) PresignDownload(ctx context.Context, key string, duration time.Duration) (string, error) {
	resp, err := c.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(duration))
	if err != nil {
		c.logger.Error().Err(err).Str("key", key).Msg("Failed to generate presigned download URL")
		return "", fmt.Errorf("presign download %s: %w", key, err)
	}

	return resp.URL, nil
}
