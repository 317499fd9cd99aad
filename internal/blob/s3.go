package blob

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config holds the configuration for S3-backed blob delivery.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string // Optional: for custom S3-compatible endpoints
	AccessKeyID     string // Optional: AWS access key ID
	SecretAccessKey string // Optional: AWS secret access key
	// PresignTTL controls how long generated artifact URLs stay valid.
	// Defaults to 1 hour.
	PresignTTL time.Duration
}

// S3Store wraps LocalStore and mirrors blobs to S3 for delivery.
// Local disk stays the working copy for the pipeline; S3 holds the
// client-facing copy and serves pre-signed URLs.
type S3Store struct {
	*LocalStore
	client     *s3.Client
	presigner  *s3.PresignClient
	bucket     string
	presignTTL time.Duration
}

// Compile-time check that S3Store implements Store.
var _ Store = (*S3Store)(nil)

// NewS3Store creates an S3Store over a local working directory.
func NewS3Store(dir string, cfg S3Config) (*S3Store, error) {
	local, err := NewLocalStore(dir)
	if err != nil {
		return nil, err
	}

	var configOpts []func(*config.LoadOptions) error
	configOpts = append(configOpts, config.WithRegion(cfg.Region))

	// Use static credentials if provided
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		configOpts = append(configOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(), configOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var clientOpts []func(*s3.Options)
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(awsCfg, clientOpts...)

	ttl := cfg.PresignTTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	return &S3Store{
		LocalStore: local,
		client:     client,
		presigner:  s3.NewPresignClient(client),
		bucket:     cfg.Bucket,
		presignTTL: ttl,
	}, nil
}

// Put stores the blob locally and mirrors it to S3 under its digest key.
func (s *S3Store) Put(ctx context.Context, data io.Reader) (Info, error) {
	info, err := s.LocalStore.Put(ctx, data)
	if err != nil {
		return Info{}, err
	}

	f, err := s.LocalStore.Open(ctx, info.Digest)
	if err != nil {
		return Info{}, fmt.Errorf("reopen blob for upload: %w", err)
	}
	defer func() { _ = f.Close() }()

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(info.Digest)),
		Body:   f,
	})
	if err != nil {
		return Info{}, fmt.Errorf("upload blob to S3: %w", err)
	}

	return info, nil
}

// Delete removes the blob locally and from S3.
func (s *S3Store) Delete(ctx context.Context, digest string) error {
	if err := s.LocalStore.Delete(ctx, digest); err != nil {
		return err
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(digest)),
	})
	if err != nil {
		return fmt.Errorf("delete blob from S3: %w", err)
	}
	return nil
}

// URL returns a pre-signed GET URL for the blob.
func (s *S3Store) URL(ctx context.Context, digest string) (string, error) {
	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(digest)),
	}, s3.WithPresignExpires(s.presignTTL))
	if err != nil {
		return "", fmt.Errorf("presign blob URL: %w", err)
	}
	return req.URL, nil
}

// key maps a digest to its object key.
func (s *S3Store) key(digest string) string {
	return "blobs/" + digest
}
