package pipeline

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/harvestly/ingest-backend/internal/domain/documents"
	types "github.com/harvestly/ingest-backend/internal/domain/jobs"
	"github.com/harvestly/ingest-backend/internal/platform/faults"
	"github.com/harvestly/ingest-backend/internal/platform/gcs"
	"github.com/harvestly/ingest-backend/internal/platform/logger"
)

// Fetcher is the extract stage: it turns a source config into document
// metadata plus raw content.
type Fetcher interface {
	Fetch(ctx context.Context, docID uuid.UUID, src types.SourceConfig) (documents.Meta, []byte, error)
}

type fetcher struct {
	log      *logger.Logger
	blobs    gcs.BlobStore
	client   *http.Client
	maxBytes int64
}

func NewFetcher(log *logger.Logger, blobs gcs.BlobStore, maxBytes int64) Fetcher {
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}
	return &fetcher{
		log:      log.With("service", "Fetcher"),
		blobs:    blobs,
		client:   &http.Client{Timeout: 60 * time.Second},
		maxBytes: maxBytes,
	}
}

func (f *fetcher) Fetch(ctx context.Context, docID uuid.UUID, src types.SourceConfig) (documents.Meta, []byte, error) {
	switch src.Type {
	case "upload":
		return f.fetchUpload(ctx, docID, src)
	case "scrape":
		return f.fetchScrape(ctx, docID, src)
	default:
		return documents.Meta{}, nil, faults.Validationf("unknown source type %q", src.Type)
	}
}

func (f *fetcher) fetchUpload(ctx context.Context, docID uuid.UUID, src types.SourceConfig) (documents.Meta, []byte, error) {
	ref := gcs.FileRef{Category: gcs.BucketCategoryIncoming, Key: src.Key}

	attrs, err := f.blobs.Attrs(ctx, ref)
	if err != nil {
		return documents.Meta{}, nil, faults.Network(err)
	}
	if attrs.Size > f.maxBytes {
		return documents.Meta{}, nil, faults.Validationf("object %s exceeds %d bytes", src.Key, f.maxBytes)
	}

	content, err := f.blobs.DownloadAll(ctx, ref)
	if err != nil {
		return documents.Meta{}, nil, faults.Network(err)
	}

	mimeType := attrs.ContentType
	if mimeType == "" {
		mimeType = mime.TypeByExtension(path.Ext(src.Key))
	}

	return documents.Meta{
		ID:         docID,
		Filename:   path.Base(src.Key),
		MimeType:   baseMime(mimeType),
		SizeBytes:  int64(len(content)),
		UploadedAt: attrs.Updated,
	}, content, nil
}

func (f *fetcher) fetchScrape(ctx context.Context, docID uuid.UUID, src types.SourceConfig) (documents.Meta, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return documents.Meta{}, nil, faults.Validationf("bad scrape url %q: %v", src.URL, err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return documents.Meta{}, nil, faults.Network(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("scrape %s: http %d", src.URL, resp.StatusCode)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return documents.Meta{}, nil, faults.Network(err)
		}
		return documents.Meta{}, nil, err
	}

	content, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return documents.Meta{}, nil, faults.Network(err)
	}
	if int64(len(content)) > f.maxBytes {
		return documents.Meta{}, nil, faults.Validationf("scrape %s exceeds %d bytes", src.URL, f.maxBytes)
	}

	name := path.Base(strings.TrimRight(req.URL.Path, "/"))
	if name == "" || name == "." || name == "/" {
		name = req.URL.Host + ".html"
	}

	return documents.Meta{
		ID:         docID,
		Filename:   name,
		MimeType:   baseMime(resp.Header.Get("Content-Type")),
		SizeBytes:  int64(len(content)),
		UploadedAt: time.Now().UTC(),
	}, content, nil
}

func baseMime(ct string) string {
	ct = strings.TrimSpace(ct)
	if ct == "" {
		return ""
	}
	if parsed, _, err := mime.ParseMediaType(ct); err == nil {
		return parsed
	}
	if i := strings.Index(ct, ";"); i > 0 {
		return strings.TrimSpace(ct[:i])
	}
	return ct
}
