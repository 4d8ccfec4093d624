// Package s3 implements objectstore.Store on S3-compatible storage using the
// AWS SDK. Binary property values of the node store are kept here.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/nleite/jackrabbit-oak/internal/objectstore"
)

const defaultRegion = "us-east-1"

// Config configures an S3 blob bucket.
type Config struct {
	// Bucket is the name of the bucket. Required.
	Bucket string

	// Region defaults to us-east-1, which MinIO accepts.
	Region string

	// Endpoint overrides the AWS endpoint, e.g. "http://localhost:9000".
	Endpoint string

	// AccessKeyID and SecretAccessKey select static credentials. When either
	// is empty the default credential chain is used.
	AccessKeyID     string
	SecretAccessKey string

	// UsePathStyle selects http://endpoint/bucket/key addressing.
	UsePathStyle bool

	// KeyPrefix is prepended to every object key, so several repositories
	// can share one bucket. It is stripped again from listed keys.
	KeyPrefix string
}

// Store implements objectstore.Store against an S3 bucket.
type Store struct {
	client *s3.Client
	bucket string
	prefix string

	mu     sync.RWMutex
	closed bool
}

// New creates a store for cfg.Bucket. No request is made until first use.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3: bucket name is required")
	}

	region := cfg.Region
	if region == "" {
		region = defaultRegion
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3: load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		// Not every response type carries a checksum.
		o.DisableLogOutputChecksumValidationSkipped = true
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.KeyPrefix, "/"),
	}, nil
}

func (s *Store) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

func (s *Store) stripPrefix(key string) string {
	if s.prefix == "" {
		return key
	}
	return strings.TrimPrefix(key, s.prefix+"/")
}

func (s *Store) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return objectstore.ErrStoreClosed
	}
	return nil
}

// Put stores an object at key.
func (s *Store) Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	return s.PutWithOptions(ctx, key, reader, size, contentType, objectstore.PutOptions{})
}

// PutWithOptions stores an object at key. IfNoneMatch "*" makes the write
// create-only.
func (s *Store) PutWithOptions(ctx context.Context, key string, reader io.Reader, size int64, contentType string, opts objectstore.PutOptions) error {
	if err := s.checkClosed(); err != nil {
		return err
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.objectKey(key)),
		Body:          reader,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
	}
	if len(opts.Metadata) > 0 {
		input.Metadata = opts.Metadata
	}
	if opts.IfNoneMatch == "*" {
		input.IfNoneMatch = aws.String("*")
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return wrapError("Put", key, err)
	}
	return nil
}

// Get opens the object at key. The caller closes the reader.
func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return nil, wrapError("Get", key, err)
	}
	return out.Body, nil
}

// Delete removes the object at key. Deleting a missing object succeeds.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.checkClosed(); err != nil {
		return err
	}

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		wrapped := wrapError("Delete", key, err)
		if errors.Is(wrapped, objectstore.ErrNotFound) {
			return nil
		}
		return wrapped
	}
	return nil
}

// List returns every object whose key starts with prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]objectstore.ObjectMeta, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	var results []objectstore.ObjectMeta
	pages := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.objectKey(prefix)),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, wrapError("List", prefix, err)
		}
		for _, obj := range page.Contents {
			meta := objectstore.ObjectMeta{
				Key:  s.stripPrefix(aws.ToString(obj.Key)),
				Size: aws.ToInt64(obj.Size),
				ETag: aws.ToString(obj.ETag),
			}
			if obj.LastModified != nil {
				meta.LastModified = obj.LastModified.UnixMilli()
			}
			results = append(results, meta)
		}
	}
	return results, nil
}

// Close marks the store closed. The SDK client holds no resources.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func wrapError(op, key string, err error) error {
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.HTTPStatusCode() {
		case http.StatusNotFound:
			return &objectstore.ObjectError{Op: op, Key: key, Err: objectstore.ErrNotFound}
		case http.StatusForbidden:
			return &objectstore.ObjectError{Op: op, Key: key, Err: objectstore.ErrAccessDenied}
		case http.StatusPreconditionFailed:
			return &objectstore.ObjectError{Op: op, Key: key, Err: objectstore.ErrPreconditionFailed}
		}
	}

	var noSuchBucket *types.NoSuchBucket
	if errors.As(err, &noSuchBucket) {
		return &objectstore.ObjectError{Op: op, Key: key, Err: objectstore.ErrBucketNotFound}
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return &objectstore.ObjectError{Op: op, Key: key, Err: objectstore.ErrNotFound}
	}
	return &objectstore.ObjectError{Op: op, Key: key, Err: err}
}

var _ objectstore.Store = (*Store)(nil)
