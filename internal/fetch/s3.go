package fetch

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"github.com/vmunix/konvert/internal/config"
)

type downloader interface {
	DownloadWithContext(ctx aws.Context, w io.WriterAt, input *s3.GetObjectInput, opts ...func(*s3manager.Downloader)) (int64, error)
}

// S3Transfer downloads s3://bucket/key sources.
type S3Transfer struct {
	downloader downloader
}

// NewS3Transfer creates a transfer from the fetch.s3 config section.
func NewS3Transfer(cfg *config.S3Config) (*S3Transfer, error) {
	awsCfg := &aws.Config{
		Region: aws.String(cfg.Region),
	}
	if cfg.AccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
	}
	if cfg.PathStyle {
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("s3 session: %w", err)
	}
	return &S3Transfer{downloader: s3manager.NewDownloader(sess)}, nil
}

func (s *S3Transfer) Fetch(ctx context.Context, src *url.URL, dst *os.File, progress ProgressFunc) error {
	bucket := src.Host
	key := strings.TrimPrefix(src.Path, "/")
	if bucket == "" || key == "" {
		return fmt.Errorf("invalid s3 location %q", src.String())
	}

	w := &countingWriterAt{w: dst, progress: progress}
	_, err := s.downloader.DownloadWithContext(ctx, w, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("download s3://%s/%s: %w", bucket, key, err)
	}
	return nil
}

// countingWriterAt reports bytes written. Chunks may arrive concurrently
// and out of order, so the total stays unknown.
type countingWriterAt struct {
	w        io.WriterAt
	progress ProgressFunc

	mu   sync.Mutex
	done int64
}

func (c *countingWriterAt) WriteAt(p []byte, off int64) (int, error) {
	n, err := c.w.WriteAt(p, off)
	c.mu.Lock()
	c.done += int64(n)
	done := c.done
	c.mu.Unlock()
	if c.progress != nil {
		c.progress(done, -1)
	}
	return n, err
}
