package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/marmos91/dittobox/internal/logger"
	"github.com/marmos91/dittobox/pkg/store/blob"
)

// Client is the subset of *s3.Client used by the backend.
type Client interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Backend implements blob.Backend using Amazon S3 or S3-compatible storage.
//
// Key Design:
//   - Blob names are appended to KeyPrefix ("volumes/alice/" + "blocks/<uuid>")
//   - The object ETag is the content hash
//
// Conditional operations map to S3 preconditions:
//   - DownloadIfModified sends If-None-Match; 304 becomes blob.ErrUnmodified
//   - UploadIfMatch sends If-Match (or If-None-Match: * for "must not
//     exist"); 412 and 409 become blob.ErrModified
//
// Thread Safety:
// Safe for concurrent use. Preconditions are evaluated by S3 itself, so
// conditional uploads are atomic across processes.
type S3Backend struct {
	client    Client
	bucket    string
	keyPrefix string
	endpoint  string
}

// S3BackendConfig contains configuration for the S3 backend.
type S3BackendConfig struct {
	// Client is the configured S3 client
	Client Client

	// Bucket is the S3 bucket name
	Bucket string

	// KeyPrefix is an optional prefix for all object keys
	KeyPrefix string

	// Endpoint is the custom endpoint, if any. Only used to build URLs.
	Endpoint string

	// SkipBucketCheck disables the HeadBucket check at construction.
	SkipBucketCheck bool
}

// NewS3Backend creates a new S3 backend. The bucket must already exist.
func NewS3Backend(ctx context.Context, cfg S3BackendConfig) (*S3Backend, error) {
	// ========================================================================
	// Step 1: Check context and validate configuration
	// ========================================================================

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("S3 client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}

	prefix := cfg.KeyPrefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	// ========================================================================
	// Step 2: Verify bucket access
	// ========================================================================

	if !cfg.SkipBucketCheck {
		if _, err := cfg.Client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)}); err != nil {
			return nil, fmt.Errorf("failed to access bucket %q: %w", cfg.Bucket, err)
		}
	}

	return &S3Backend{
		client:    cfg.Client,
		bucket:    cfg.Bucket,
		keyPrefix: prefix,
		endpoint:  strings.TrimSuffix(cfg.Endpoint, "/"),
	}, nil
}

func (s *S3Backend) key(name string) (string, error) {
	if !blob.ValidateName(name) {
		return "", fmt.Errorf("blob %q: %w", name, blob.ErrInvalidName)
	}
	return s.keyPrefix + name, nil
}

// apiErrorCode extracts the S3 error code and HTTP status from err.
func apiErrorCode(err error) (string, int) {
	code := ""
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code = apiErr.ErrorCode()
	}
	status := 0
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		status = respErr.HTTPStatusCode()
	}
	return code, status
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	code, status := apiErrorCode(err)
	return code == "NotFound" || code == "NoSuchKey" || status == http.StatusNotFound
}

func isNotModified(err error) bool {
	code, status := apiErrorCode(err)
	return code == "NotModified" || status == http.StatusNotModified
}

func isPreconditionFailed(err error) bool {
	code, status := apiErrorCode(err)
	return code == "PreconditionFailed" || code == "ConditionalRequestConflict" ||
		status == http.StatusPreconditionFailed || status == http.StatusConflict
}

// seekable returns r unchanged if it can be rewound for request signing and
// retries; other readers are buffered in memory.
func seekable(r io.Reader) (io.ReadSeeker, error) {
	if rs, ok := r.(io.ReadSeeker); ok {
		return rs, nil
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(data), nil
}

func (s *S3Backend) put(ctx context.Context, name string, r io.Reader, condition func(*s3.PutObjectInput)) (*blob.UploadResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, err := s.key(name)
	if err != nil {
		return nil, err
	}

	body, err := seekable(r)
	if err != nil {
		return nil, fmt.Errorf("read upload %s: %w", name, err)
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if condition != nil {
		condition(input)
	}

	out, err := s.client.PutObject(ctx, input)
	if err != nil {
		if condition != nil && isPreconditionFailed(err) {
			return nil, fmt.Errorf("blob %s: %w", name, blob.ErrModified)
		}
		return nil, fmt.Errorf("failed to put object %s: %w", key, err)
	}

	logger.Debug("s3 backend: stored s3://%s/%s", s.bucket, key)
	return &blob.UploadResult{Time: time.Now(), Hash: aws.ToString(out.ETag)}, nil
}

// Upload writes the object unconditionally.
func (s *S3Backend) Upload(ctx context.Context, name string, r io.Reader) (*blob.UploadResult, error) {
	return s.put(ctx, name, r, nil)
}

// UploadIfMatch writes the object only if its ETag is expectedHash, or only
// if it does not exist when expectedHash is empty.
func (s *S3Backend) UploadIfMatch(ctx context.Context, name string, r io.Reader, expectedHash string) (*blob.UploadResult, error) {
	return s.put(ctx, name, r, func(in *s3.PutObjectInput) {
		if expectedHash == "" {
			in.IfNoneMatch = aws.String("*")
		} else {
			in.IfMatch = aws.String(expectedHash)
		}
	})
}

// Download fetches the object.
func (s *S3Backend) Download(ctx context.Context, name string) (*blob.Download, error) {
	return s.DownloadIfModified(ctx, name, "")
}

// DownloadIfModified fetches the object unless its ETag equals ifNotHash.
func (s *S3Backend) DownloadIfModified(ctx context.Context, name string, ifNotHash string) (*blob.Download, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, err := s.key(name)
	if err != nil {
		return nil, err
	}

	input := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}
	if ifNotHash != "" {
		input.IfNoneMatch = aws.String(ifNotHash)
	}

	out, err := s.client.GetObject(ctx, input)
	if err != nil {
		switch {
		case isNotFound(err):
			return nil, fmt.Errorf("blob %s: %w", name, blob.ErrNotFound)
		case ifNotHash != "" && isNotModified(err):
			return nil, fmt.Errorf("blob %s: %w", name, blob.ErrUnmodified)
		}
		return nil, fmt.Errorf("failed to get object %s: %w", key, err)
	}

	size := int64(-1)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return &blob.Download{Body: out.Body, Hash: aws.ToString(out.ETag), Size: size}, nil
}

// Delete removes the object. S3 reports success for missing keys, and
// not-found errors from compatible stores are tolerated as well.
func (s *S3Backend) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key, err := s.key(name)
	if err != nil {
		return err
	}

	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete object %s: %w", key, err)
	}
	return nil
}

// List pages through ListObjectsV2 below the key prefix.
func (s *S3Backend) List(ctx context.Context, prefix string) ([]blob.ObjectInfo, error) {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.keyPrefix + prefix),
	})

	var objects []blob.ObjectInfo
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects under %s%s: %w", s.keyPrefix, prefix, err)
		}
		for _, obj := range page.Contents {
			objects = append(objects, blob.ObjectInfo{
				Name:    strings.TrimPrefix(aws.ToString(obj.Key), s.keyPrefix),
				Size:    aws.ToInt64(obj.Size),
				ModTime: aws.ToTime(obj.LastModified),
			})
		}
	}
	return objects, nil
}

// URL returns the object URL: path-style on custom endpoints, virtual-hosted
// style on AWS.
func (s *S3Backend) URL(name string) string {
	if s.endpoint != "" {
		return fmt.Sprintf("%s/%s/%s%s", s.endpoint, s.bucket, s.keyPrefix, name)
	}
	return fmt.Sprintf("https://%s.s3.amazonaws.com/%s%s", s.bucket, s.keyPrefix, name)
}
