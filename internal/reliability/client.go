// Package reliability provides best-effort off-box durability: replication
// of the execution cache and raw signal files to S3-compatible storage
// (§2 item 14), and the periodic maintenance job that drives it and keeps
// the audit database tidy. None of this may ever block or fail a
// reconciliation cycle; it runs on the maintenance job's own cron schedule,
// which logs and swallows every failure.
package reliability

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

// ObjectInfo describes one object returned by S3Client.List.
type ObjectInfo struct {
	Key          string
	SizeBytes    int64
	LastModified time.Time
}

// S3Client is a thin wrapper around the AWS SDK v2 S3 client and transfer
// manager, scoped to a single bucket. It works against both AWS S3 and any
// S3-compatible endpoint (Cloudflare R2, MinIO, ...) by accepting an
// optional custom endpoint.
type S3Client struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	log      zerolog.Logger
}

// NewS3Client builds an S3Client for bucket. endpoint, if non-empty,
// overrides the default AWS endpoint resolution so the same client works
// against any S3-compatible provider. Credentials are resolved the normal
// AWS SDK way (environment, shared config, instance profile, ...).
func NewS3Client(ctx context.Context, bucket, endpoint, region string, log zerolog.Logger) (*S3Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Client{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		log:      log.With().Str("component", "s3-client").Str("bucket", bucket).Logger(),
	}, nil
}

// Upload streams body to key.
func (c *S3Client) Upload(ctx context.Context, key string, body io.Reader) error {
	_, err := c.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
		Body:   body,
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}

// List returns every object whose key starts with prefix.
func (c *S3Client) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	paginator := s3.NewListObjectsV2Paginator(c.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list objects with prefix %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			info := ObjectInfo{Key: *obj.Key}
			if obj.Size != nil {
				info.SizeBytes = *obj.Size
			}
			if obj.LastModified != nil {
				info.LastModified = *obj.LastModified
			}
			out = append(out, info)
		}
	}
	return out, nil
}

// Delete removes key from the bucket.
func (c *S3Client) Delete(ctx context.Context, key string) error {
	_, err := c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// keyTimestamp extracts the timestamp embedded in an archive name formatted
// by Replicator, e.g. "execution-cache-2026-07-31-143022.tar.gz".
func keyTimestamp(key, prefix string) (time.Time, bool) {
	if !strings.HasPrefix(key, prefix) || !strings.HasSuffix(key, ".tar.gz") {
		return time.Time{}, false
	}
	raw := strings.TrimSuffix(strings.TrimPrefix(key, prefix), ".tar.gz")
	ts, err := time.Parse("2006-01-02-150405", raw)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}
