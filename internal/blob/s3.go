// Package blob stores bulk binary payloads (photo image data) in S3 or an
// S3-compatible service, keeping the sqlite store free of multi-megabyte
// values.
package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/openhabitat/accesscase/internal/models"
)

// Store uploads and retrieves binary objects.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Remove(ctx context.Context, key string) error
}

// S3Config configures the S3 store. Credentials fall back to the ambient
// AWS chain (environment, instance profile) when left empty.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string // for S3-compatible services (MinIO, R2)
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string
	UsePathStyle    bool
}

// S3Store implements Store over the AWS SDK.
type S3Store struct {
	client *s3.Client
	cfg    S3Config
}

// NewS3Store builds the client.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, models.NewError(models.ErrInvalid, "blob bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, models.WrapError(models.ErrBlobUploadError, "load AWS config", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	return &S3Store{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		cfg:    cfg,
	}, nil
}

// Put uploads one object.
func (s *S3Store) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.cfg.Prefix + key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return models.WrapError(models.ErrBlobUploadError,
			fmt.Sprintf("put object %q", key), err)
	}
	return nil
}

// Get downloads one object.
func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.cfg.Prefix + key),
	})
	if err != nil {
		return nil, models.WrapError(models.ErrBlobUploadError,
			fmt.Sprintf("get object %q", key), err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, models.WrapError(models.ErrBlobUploadError,
			fmt.Sprintf("read object %q", key), err)
	}
	return data, nil
}

// Remove deletes one object.
func (s *S3Store) Remove(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.cfg.Prefix + key),
	})
	if err != nil {
		return models.WrapError(models.ErrBlobUploadError,
			fmt.Sprintf("delete object %q", key), err)
	}
	return nil
}

// MemStore is an in-memory Store for tests and offline development.
type MemStore struct {
	objects map[string][]byte
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{objects: make(map[string][]byte)}
}

func (m *MemStore) Put(_ context.Context, key string, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	m.objects[key] = cp
	return nil
}

func (m *MemStore) Get(_ context.Context, key string) ([]byte, error) {
	data, ok := m.objects[key]
	if !ok {
		return nil, models.NewError(models.ErrNotFound, "blob not found: "+key)
	}
	return data, nil
}

func (m *MemStore) Remove(_ context.Context, key string) error {
	delete(m.objects, key)
	return nil
}
