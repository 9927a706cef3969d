// Package s3 keeps write-back blocks as objects in an S3 bucket, one object
// per block.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/marmos91/vfsinit/internal/logger"
	"github.com/marmos91/vfsinit/pkg/writeback/store"
)

// Config selects the bucket and how to reach it.
type Config struct {
	Bucket string `mapstructure:"bucket" yaml:"bucket"`

	// Region defaults to the SDK's resolution when empty.
	Region string `mapstructure:"region" yaml:"region"`

	// Endpoint overrides the service URL for S3-compatible servers.
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// KeyPrefix is prepended to every block key.
	KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix"`

	// Static credentials; the default credential chain is used when empty.
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key"`

	// ForcePathStyle is needed by MinIO and Localstack.
	ForcePathStyle bool `mapstructure:"force_path_style" yaml:"force_path_style"`
}

// Object metadata written next to each block.
const (
	metaInode = "vfs-inode"
	metaBlock = "vfs-block"
)

// Store is a store.Store over one bucket.
//
// A completed PutObject is already durable, so Sync only confirms the
// bucket still answers.
type Store struct {
	client *s3.Client
	cfg    Config
	closed atomic.Bool
}

var _ store.Store = (*Store)(nil)

// New wraps an existing client.
func New(client *s3.Client, cfg Config) *Store {
	return &Store{client: client, cfg: cfg}
}

// NewFromConfig builds the client from cfg and the ambient AWS settings.
func NewFromConfig(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	logger.Debug("S3 block store configured", "bucket", cfg.Bucket, "prefix", cfg.KeyPrefix, "endpoint", cfg.Endpoint)
	return New(client, cfg), nil
}

func (s *Store) objectKey(key string) *string {
	return aws.String(s.cfg.KeyPrefix + key)
}

// blockMetadata tags an object with the inode and block index encoded in
// key, so a bucket listing can be read without parsing keys.
func blockMetadata(key string) map[string]string {
	id, index, err := store.ParseBlockKey(key)
	if err != nil {
		return nil
	}
	return map[string]string{
		metaInode: strconv.FormatUint(id, 10),
		metaBlock: strconv.FormatUint(index, 10),
	}
}

// WriteBlock uploads data as the object for key.
func (s *Store) WriteBlock(ctx context.Context, key string, data []byte) error {
	if s.closed.Load() {
		return store.ErrStoreClosed
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           s.objectKey(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		Metadata:      blockMetadata(key),
	})
	if err != nil {
		return fmt.Errorf("s3 put %s: %w", key, err)
	}
	return nil
}

// ReadBlock downloads the object for key.
func (s *Store) ReadBlock(ctx context.Context, key string) ([]byte, error) {
	if s.closed.Load() {
		return nil, store.ErrStoreClosed
	}

	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    s.objectKey(key),
	})
	if err != nil {
		if isNotFoundError(err) {
			return nil, store.ErrBlockNotFound
		}
		return nil, fmt.Errorf("s3 get %s: %w", key, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("s3 read %s: %w", key, err)
	}
	return data, nil
}

// DeleteBlock removes the object for key. S3 treats a missing key as
// success.
func (s *Store) DeleteBlock(ctx context.Context, key string) error {
	if s.closed.Load() {
		return store.ErrStoreClosed
	}

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    s.objectKey(key),
	})
	if err != nil {
		return fmt.Errorf("s3 delete %s: %w", key, err)
	}
	return nil
}

// Sync confirms the bucket is reachable.
func (s *Store) Sync(ctx context.Context) error {
	if s.closed.Load() {
		return store.ErrStoreClosed
	}

	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.cfg.Bucket)}); err != nil {
		return fmt.Errorf("s3 sync: bucket %s unreachable: %w", s.cfg.Bucket, err)
	}
	return nil
}

// Close makes further calls fail with store.ErrStoreClosed.
func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}

func isNotFoundError(err error) bool {
	if err == nil {
		return false
	}

	var nsk *types.NoSuchKey
	var nf *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return true
	}

	// Some S3-compatible servers answer with a bare status.
	msg := err.Error()
	return strings.Contains(msg, "NoSuchKey") || strings.Contains(msg, "StatusCode: 404")
}
