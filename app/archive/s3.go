// Package archive keeps raw feed documents in S3-compatible storage so a
// fetch can be replayed through the parser later.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type Archiver interface {
	Store(ctx context.Context, source string, fetchedAt time.Time, data []byte) (string, error)
}

// putObjectAPI is the part of the S3 client the archive uses.
type putObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type Config struct {
	Bucket string
	Region string
	// Endpoint targets an S3-compatible service such as MinIO and implies
	// path-style addressing.
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

type S3 struct {
	client putObjectAPI
	bucket string
}

var _ Archiver = (*S3)(nil)

func NewS3(ctx context.Context, cfg Config) (*S3, error) {
	var loadOpts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3{client: client, bucket: cfg.Bucket}, nil
}

// Key lays documents out per source and UTC day.
func Key(source string, fetchedAt time.Time) string {
	t := fetchedAt.UTC()
	return fmt.Sprintf("feeds/%s/%04d/%02d/%02d/%d.xml", source, t.Year(), t.Month(), t.Day(), t.Unix())
}

func (a *S3) Store(ctx context.Context, source string, fetchedAt time.Time, data []byte) (string, error) {
	key := Key(source, fetchedAt)

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/xml"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to archive %s: %w", key, err)
	}
	return key, nil
}
