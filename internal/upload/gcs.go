package upload

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/blog-archiver/internal/archive"
)

// GCSConfig captures the bucket layout for object-storage uploads.
type GCSConfig struct {
	Bucket     string
	Prefix     string
	Downloader string
}

type writerFunc func(ctx context.Context, bucket, object string) io.WriteCloser

// GCS uploads containers to a Google Cloud Storage bucket. A failed upload is
// retried from scratch; the object is only committed when the writer closes.
type GCS struct {
	cfg       GCSConfig
	newWriter writerFunc
	logger    *zap.Logger
}

// NewGCS creates a GCS-backed uploader.
func NewGCS(client *storage.Client, cfg GCSConfig, logger *zap.Logger) (*GCS, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	return newGCS(cfg, func(ctx context.Context, bucket, object string) io.WriteCloser {
		w := client.Bucket(bucket).Object(object).NewWriter(ctx)
		w.ContentType = "application/warc"
		return w
	}, logger)
}

func newGCS(cfg GCSConfig, fn writerFunc, logger *zap.Logger) (*GCS, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GCS{cfg: cfg, newWriter: fn, logger: logger}, nil
}

// ObjectName is <prefix>/<downloader>/<basename>.warc.gz.
func (g *GCS) ObjectName(item *archive.WorkItem) string {
	return path.Join(strings.Trim(g.cfg.Prefix, "/"), g.cfg.Downloader, item.WarcFileName())
}

// Upload streams the shard container into the bucket.
func (g *GCS) Upload(ctx context.Context, item *archive.WorkItem) error {
	// #nosec G304 -- the container path is derived from the item layout.
	f, err := os.Open(item.ShardWarcPath())
	if err != nil {
		return fmt.Errorf("open container: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only handle

	object := g.ObjectName(item)
	// Closing a storage writer commits the object. Canceling its context
	// first aborts the upload so a failed copy never leaves a truncated one.
	writeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	writer := g.newWriter(writeCtx, g.cfg.Bucket, object)
	if _, err := io.Copy(writer, f); err != nil {
		cancel()
		_ = writer.Close()
		return fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	g.logger.Info("container uploaded",
		zap.String("item_name", item.Name),
		zap.String("uri", fmt.Sprintf("gs://%s/%s", g.cfg.Bucket, object)),
	)
	return nil
}
