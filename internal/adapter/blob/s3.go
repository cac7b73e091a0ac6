// Package blob stores document bodies in S3-compatible object storage
// (MinIO in development).
package blob

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/clinicore/chartpipe/internal/config"
	"github.com/clinicore/chartpipe/internal/domain"
)

// Store implements domain.BlobStore on an S3 bucket.
type Store struct {
	client        *s3.Client
	presignClient *s3.PresignClient
	bucket        string
	endpoint      string
}

// New builds the S3 client with static credentials and path-style addressing
// (required for MinIO).
func New(ctx context.Context, cfg config.Config) (*Store, error) {
	resolver := aws.EndpointResolverWithOptionsFunc(
		func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			if cfg.BlobEndpoint == "" {
				return aws.Endpoint{}, &aws.EndpointNotFoundError{}
			}
			return aws.Endpoint{
				URL:               cfg.BlobEndpoint,
				HostnameImmutable: true,
				SigningRegion:     cfg.BlobRegion,
			}, nil
		},
	)
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.BlobRegion),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.BlobAccessKey, cfg.BlobSecretKey, "")),
		awsconfig.WithEndpointResolverWithOptions(resolver),
	)
	if err != nil {
		return nil, fmt.Errorf("op=blob.new: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})
	slog.Info("blob store initialized",
		slog.String("endpoint", cfg.BlobEndpoint),
		slog.String("bucket", cfg.BlobBucket))
	return &Store{
		client:        client,
		presignClient: s3.NewPresignClient(client),
		bucket:        cfg.BlobBucket,
		endpoint:      strings.TrimRight(cfg.BlobEndpoint, "/"),
	}, nil
}

// Put uploads a document body and returns its reference.
func (s *Store) Put(ctx domain.Context, key string, body io.Reader, size int64, contentType string) (domain.BlobRef, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return domain.BlobRef{}, fmt.Errorf("op=blob.put: %s: %w: %v", key, domain.ErrBlobIO, err)
	}
	return domain.BlobRef{
		Key:    key,
		URL:    fmt.Sprintf("%s/%s/%s", s.endpoint, s.bucket, key),
		Bucket: s.bucket,
	}, nil
}

// Get downloads a full object body.
func (s *Store) Get(ctx domain.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("op=blob.get: %s: %w: %v", key, domain.ErrBlobIO, err)
	}
	defer func() { _ = out.Body.Close() }()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("op=blob.get_read: %s: %w: %v", key, domain.ErrBlobIO, err)
	}
	return data, nil
}

// Delete removes an object. Deleting an absent key is not an error in S3.
func (s *Store) Delete(ctx domain.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("op=blob.delete: %s: %w: %v", key, domain.ErrBlobIO, err)
	}
	return nil
}

// PresignGet returns a time-limited download URL for the UI.
func (s *Store) PresignGet(ctx domain.Context, key string, expiry time.Duration) (string, error) {
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}
	req, err := s.presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", fmt.Errorf("op=blob.presign: %s: %w: %v", key, domain.ErrBlobIO, err)
	}
	return req.URL, nil
}
