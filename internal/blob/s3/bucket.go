package s3blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

const (
	contentTypeJSONL = "application/x-ndjson"

	// minPartSize is the smallest part S3 accepts in a multipart upload.
	minPartSize int64 = 5 * 1024 * 1024
)

// Bucket stores the monthly archive objects.
type Bucket interface {
	Exists(ctx context.Context, key string) (bool, error)
	PutJSONL(ctx context.Context, key string, body []byte) error
}

// BucketConfig picks between single and multipart uploads.
type BucketConfig struct {
	// MultipartThreshold switches to the multipart uploader for larger
	// bodies.
	MultipartThreshold int64
	PartSize           int64
}

// ArchiveBucket is the S3 Bucket.
type ArchiveBucket struct {
	client *s3.Client
	bucket string
	cfg    BucketConfig
}

// NewArchiveBucket creates an ArchiveBucket on the client's bucket.
func NewArchiveBucket(c *Client, cfg BucketConfig) *ArchiveBucket {
	if cfg.MultipartThreshold <= 0 {
		cfg.MultipartThreshold = 64 * 1024 * 1024
	}
	if cfg.PartSize < minPartSize {
		cfg.PartSize = minPartSize
	}
	return &ArchiveBucket{client: c.s3, bucket: c.bucket, cfg: cfg}
}

// Exists reports whether an archive object is stored at key.
func (b *ArchiveBucket) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("s3blob: head %s: %w", key, err)
	}
	return true, nil
}

// PutJSONL uploads one JSONL archive body.
func (b *ArchiveBucket) PutJSONL(ctx context.Context, key string, body []byte) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentTypeJSONL),
	}
	if !b.multipart(len(body)) {
		if _, err := b.client.PutObject(ctx, input); err != nil {
			return fmt.Errorf("s3blob: put %s: %w", key, err)
		}
		return nil
	}

	uploader := manager.NewUploader(b.client, func(u *manager.Uploader) {
		u.PartSize = b.cfg.PartSize
	})
	if _, err := uploader.Upload(ctx, input); err != nil {
		return fmt.Errorf("s3blob: multipart upload %s: %w", key, err)
	}
	return nil
}

func (b *ArchiveBucket) multipart(size int) bool {
	return int64(size) > b.cfg.MultipartThreshold
}

// isNotFound reports whether err means the object does not exist. HeadObject
// answers with a bare 404 rather than NoSuchKey.
func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return true
	}
	var status interface{ HTTPStatusCode() int }
	return errors.As(err, &status) && status.HTTPStatusCode() == http.StatusNotFound
}

var _ Bucket = (*ArchiveBucket)(nil)
