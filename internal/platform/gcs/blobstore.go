package gcs

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/harvestly/ingest-backend/internal/platform/logger"
)

// BucketCategory selects the bucket an object lives in. Incoming holds
// documents awaiting processing; archive holds processed originals.
type BucketCategory string

const (
	BucketCategoryIncoming BucketCategory = "incoming"
	BucketCategoryArchive  BucketCategory = "archive"
)

// FileRef identifies one stored object.
type FileRef struct {
	Category BucketCategory `json:"category"`
	Key      string         `json:"key"`
}

type ObjectAttrs struct {
	Size        int64
	ContentType string
	Updated     time.Time
	ETag        string
}

type BlobStore interface {
	Upload(ctx context.Context, ref FileRef, r io.Reader) error
	Download(ctx context.Context, ref FileRef) (io.ReadCloser, error)
	DownloadAll(ctx context.Context, ref FileRef) ([]byte, error)
	Delete(ctx context.Context, ref FileRef) error
	Attrs(ctx context.Context, ref FileRef) (*ObjectAttrs, error)
	ListKeys(ctx context.Context, category BucketCategory, prefix string) ([]string, error)

	// MoveToArchive copies an incoming object into the archive bucket and
	// deletes the source once the copy has committed.
	MoveToArchive(ctx context.Context, key string) (FileRef, error)
}

type blobStore struct {
	log           *logger.Logger
	client        *storage.Client
	incomingName  string
	archiveName   string
	uploadTimeout time.Duration
}

func NewBlobStore(log *logger.Logger) (BlobStore, error) {
	incoming := os.Getenv("INCOMING_GCS_BUCKET_NAME")
	archive := os.Getenv("ARCHIVE_GCS_BUCKET_NAME")
	if incoming == "" {
		return nil, fmt.Errorf("missing env var INCOMING_GCS_BUCKET_NAME")
	}
	if archive == "" {
		return nil, fmt.Errorf("missing env var ARCHIVE_GCS_BUCKET_NAME")
	}

	var opts []option.ClientOption
	if creds := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"); creds != "" {
		opts = append(opts, option.WithCredentialsFile(creds))
	}
	client, err := storage.NewClient(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	serviceLog := log.With("service", "BlobStore")
	serviceLog.Info("Object storage initialized",
		"incoming_bucket", incoming,
		"archive_bucket", archive,
	)

	return &blobStore{
		log:           serviceLog,
		client:        client,
		incomingName:  incoming,
		archiveName:   archive,
		uploadTimeout: 2 * time.Minute,
	}, nil
}

func (bs *blobStore) bucketName(category BucketCategory) (string, error) {
	switch category {
	case BucketCategoryIncoming:
		return bs.incomingName, nil
	case BucketCategoryArchive:
		return bs.archiveName, nil
	default:
		return "", fmt.Errorf("unknown bucket category %q", category)
	}
}

func (bs *blobStore) Upload(ctx context.Context, ref FileRef, r io.Reader) error {
	name, err := bs.bucketName(ref.Category)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, bs.uploadTimeout)
	defer cancel()

	w := bs.client.Bucket(name).Object(ref.Key).NewWriter(ctx)
	if ct := contentTypeForKey(ref.Key); ct != "" {
		w.ContentType = ct
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write data to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer: %w", err)
	}
	return nil
}

func (bs *blobStore) Download(ctx context.Context, ref FileRef) (io.ReadCloser, error) {
	name, err := bs.bucketName(ref.Category)
	if err != nil {
		return nil, err
	}
	rc, err := bs.client.Bucket(name).Object(ref.Key).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open GCS object %q in bucket %q: %w", ref.Key, name, err)
	}
	return rc, nil
}

func (bs *blobStore) DownloadAll(ctx context.Context, ref FileRef) ([]byte, error) {
	rc, err := bs.Download(ctx, ref)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func (bs *blobStore) Delete(ctx context.Context, ref FileRef) error {
	name, err := bs.bucketName(ref.Category)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := bs.client.Bucket(name).Object(ref.Key).Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete GCS object %q in bucket %q: %w", ref.Key, name, err)
	}
	return nil
}

func (bs *blobStore) Attrs(ctx context.Context, ref FileRef) (*ObjectAttrs, error) {
	name, err := bs.bucketName(ref.Category)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	attrs, err := bs.client.Bucket(name).Object(ref.Key).Attrs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to stat GCS object %q in bucket %q: %w", ref.Key, name, err)
	}
	return &ObjectAttrs{
		Size:        attrs.Size,
		ContentType: attrs.ContentType,
		Updated:     attrs.Updated,
		ETag:        attrs.Etag,
	}, nil
}

func (bs *blobStore) ListKeys(ctx context.Context, category BucketCategory, prefix string) ([]string, error) {
	name, err := bs.bucketName(category)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	it := bs.client.Bucket(name).Objects(ctx, &storage.Query{Prefix: prefix})
	out := []string{}
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, attrs.Name)
	}
	return out, nil
}

func (bs *blobStore) MoveToArchive(ctx context.Context, key string) (FileRef, error) {
	dst := FileRef{Category: BucketCategoryArchive, Key: key}

	cctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	src := bs.client.Bucket(bs.incomingName).Object(key)
	if _, err := bs.client.Bucket(bs.archiveName).Object(key).CopierFrom(src).Run(cctx); err != nil {
		return FileRef{}, fmt.Errorf("archive copy %s: %w", key, err)
	}
	if err := bs.Delete(ctx, FileRef{Category: BucketCategoryIncoming, Key: key}); err != nil {
		// The copy committed; a leftover source object is cleanup work,
		// not a failed archive.
		bs.log.Warn("archived object left behind in incoming bucket", "key", key, "error", err)
	}
	return dst, nil
}

func contentTypeForKey(key string) string {
	s := strings.ToLower(strings.TrimSpace(key))
	if s == "" {
		return ""
	}
	if i := strings.Index(s, "?"); i >= 0 {
		s = s[:i]
	}
	switch {
	case strings.HasSuffix(s, ".pdf"):
		return "application/pdf"
	case strings.HasSuffix(s, ".png"):
		return "image/png"
	case strings.HasSuffix(s, ".jpg"), strings.HasSuffix(s, ".jpeg"):
		return "image/jpeg"
	case strings.HasSuffix(s, ".tif"), strings.HasSuffix(s, ".tiff"):
		return "image/tiff"
	case strings.HasSuffix(s, ".txt"):
		return "text/plain"
	case strings.HasSuffix(s, ".html"), strings.HasSuffix(s, ".htm"):
		return "text/html"
	case strings.HasSuffix(s, ".json"):
		return "application/json"
	default:
		return ""
	}
}
