//go:build integration

package s3_test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/marmos91/dittobox/pkg/box"
	"github.com/marmos91/dittobox/pkg/crypto"
	"github.com/marmos91/dittobox/pkg/gc"
	"github.com/marmos91/dittobox/pkg/store/blob"
	s3store "github.com/marmos91/dittobox/pkg/store/blob/s3"
	blobtesting "github.com/marmos91/dittobox/pkg/store/blob/testing"
	"github.com/marmos91/dittobox/pkg/store/metadata/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestS3 creates an S3 client and a test bucket on Localstack (or any
// S3-compatible endpoint). The bucket is emptied and removed on cleanup.
//
// Prerequisites:
//   - Localstack running on localhost:4566 (override with LOCALSTACK_ENDPOINT)
//   - Run with: go test -tags=integration ./test/integration/s3/...
func setupTestS3(t *testing.T) (*s3.Client, string, string) {
	t.Helper()
	ctx := context.Background()

	endpoint := os.Getenv("LOCALSTACK_ENDPOINT")
	if endpoint == "" {
		endpoint = "http://localhost:4566"
	}

	client := s3.New(s3.Options{
		Region:       "us-east-1",
		BaseEndpoint: aws.String(endpoint),
		UsePathStyle: true,
		Credentials:  credentials.NewStaticCredentialsProvider("test", "test", ""),
	})

	bucket := fmt.Sprintf("dittobox-%d", time.Now().UnixNano())
	_, err := client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)})
	require.NoError(t, err, "failed to create test bucket")

	t.Cleanup(func() {
		paginator := s3.NewListObjectsV2Paginator(client, &s3.ListObjectsV2Input{Bucket: aws.String(bucket)})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				break
			}
			for _, obj := range page.Contents {
				_, _ = client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(bucket), Key: obj.Key})
			}
		}
		_, _ = client.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(bucket)})
	})

	return client, bucket, endpoint
}

func newBackend(t *testing.T, client *s3.Client, bucket, endpoint, prefix string) *s3store.S3Backend {
	t.Helper()
	b, err := s3store.NewS3Backend(context.Background(), s3store.S3BackendConfig{
		Client:    client,
		Bucket:    bucket,
		KeyPrefix: prefix,
		Endpoint:  endpoint,
	})
	require.NoError(t, err)
	return b
}

// TestS3Backend_Integration runs the blob contract suite against S3.
func TestS3Backend_Integration(t *testing.T) {
	client, bucket, endpoint := setupTestS3(t)

	suite := &blobtesting.BackendTestSuite{
		NewBackend: func(t *testing.T) blob.Backend {
			return newBackend(t, client, bucket, endpoint, strings.ReplaceAll(t.Name(), "/", "-"))
		},
	}
	suite.Run(t)
}

func newVolume(t *testing.T, backend blob.Backend, keys *crypto.KeyPair) *box.Volume {
	t.Helper()
	v, err := box.NewVolume(box.Options{
		Backend: backend,
		Factory: sqlite.NewFactory(t.TempDir()),
		KeyPair: keys,
		Prefix:  "integration",
		TempDir: t.TempDir(),
	})
	require.NoError(t, err)
	return v
}

// TestConcurrentDevices_Integration lets two devices commit against the same
// index, relying on S3 conditional writes to detect the race.
func TestConcurrentDevices_Integration(t *testing.T) {
	ctx := context.Background()
	client, bucket, endpoint := setupTestS3(t)
	backend := newBackend(t, client, bucket, endpoint, "volume")

	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	require.NoError(t, newVolume(t, backend, keys).CreateIndex(ctx, backend.URL("")))

	a, err := newVolume(t, backend, keys).Navigate(ctx)
	require.NoError(t, err)
	defer a.Close()
	b, err := newVolume(t, backend, keys).Navigate(ctx)
	require.NoError(t, err)
	defer b.Close()

	_, err = a.Upload(ctx, "from-a.txt", strings.NewReader("a"))
	require.NoError(t, err)
	_, err = b.Upload(ctx, "from-b.txt", strings.NewReader("b"))
	require.NoError(t, err)

	require.NoError(t, a.Commit(ctx))
	require.NoError(t, b.Commit(ctx), "the second commit must merge, not fail")

	reader, err := newVolume(t, backend, keys).Navigate(ctx)
	require.NoError(t, err)
	defer reader.Close()

	files, err := reader.ListFiles(ctx)
	require.NoError(t, err)
	var names []string
	for _, f := range files {
		names = append(names, f.Name)
	}
	assert.ElementsMatch(t, []string{"from-a.txt", "from-b.txt"}, names)
}

// TestOrphanCollection_Integration collects a block that was uploaded but
// never committed.
func TestOrphanCollection_Integration(t *testing.T) {
	ctx := context.Background()
	client, bucket, endpoint := setupTestS3(t)
	backend := newBackend(t, client, bucket, endpoint, "gc")

	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	volume := newVolume(t, backend, keys)
	require.NoError(t, volume.CreateIndex(ctx, backend.URL("")))

	nav, err := volume.Navigate(ctx)
	require.NoError(t, err)
	kept, err := nav.Upload(ctx, "kept.txt", strings.NewReader("kept"))
	require.NoError(t, err)
	require.NoError(t, nav.Commit(ctx))
	abandoned, err := nav.Upload(ctx, "abandoned.txt", strings.NewReader("lost"))
	require.NoError(t, err)
	require.NoError(t, nav.Close())

	collector, err := gc.NewCollector(volume, backend, gc.Config{GracePeriod: time.Nanosecond})
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	stats, err := collector.RunNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.DeletedCount)

	_, err = backend.Download(ctx, blob.BlockName(abandoned.Block))
	assert.ErrorIs(t, err, blob.ErrNotFound)
	d, err := backend.Download(ctx, blob.BlockName(kept.Block))
	require.NoError(t, err)
	_ = d.Body.Close()
}
