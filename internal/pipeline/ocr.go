package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/harvestly/ingest-backend/internal/clients/gcp"
	"github.com/harvestly/ingest-backend/internal/domain/documents"
	"github.com/harvestly/ingest-backend/internal/platform/breaker"
	"github.com/harvestly/ingest-backend/internal/platform/logger"
	"github.com/harvestly/ingest-backend/internal/platform/retry"
)

// OCRService recognizes a document in parallel chunks. Progress and
// cancellation are tracked per document for the lifetime of the call.
type OCRService interface {
	ProcessDocument(ctx context.Context, docID uuid.UUID, mimeType string, content []byte) (*documents.OCRResult, error)
	GetProgress(docID uuid.UUID) float64
	CancelProcessing(docID uuid.UUID) bool
}

type OCRConfig struct {
	// ChunkBytes is the split size; content at or under it is one chunk.
	ChunkBytes int
	// Workers bounds concurrent engine calls per document.
	Workers int
}

func (c OCRConfig) withDefaults() OCRConfig {
	if c.ChunkBytes <= 0 {
		c.ChunkBytes = 1 << 20
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	return c
}

type ocrRun struct {
	total  int32
	done   int32
	cancel context.CancelFunc
}

type ocrService struct {
	log    *logger.Logger
	engine gcp.OCREngine
	brk    *breaker.Breaker
	policy retry.Policy
	cfg    OCRConfig

	mu     sync.Mutex
	active map[uuid.UUID]*ocrRun
}

func NewOCRService(log *logger.Logger, engine gcp.OCREngine, brk *breaker.Breaker, policy retry.Policy, cfg OCRConfig) OCRService {
	return &ocrService{
		log:    log.With("service", "OCRService"),
		engine: engine,
		brk:    brk,
		policy: policy,
		cfg:    cfg.withDefaults(),
		active: map[uuid.UUID]*ocrRun{},
	}
}

func (s *ocrService) GetProgress(docID uuid.UUID) float64 {
	s.mu.Lock()
	run, ok := s.active[docID]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	total := atomic.LoadInt32(&run.total)
	if total == 0 {
		return 0
	}
	return float64(atomic.LoadInt32(&run.done)) / float64(total) * 100
}

func (s *ocrService) CancelProcessing(docID uuid.UUID) bool {
	s.mu.Lock()
	run, ok := s.active[docID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	run.cancel()
	return true
}

func (s *ocrService) ProcessDocument(ctx context.Context, docID uuid.UUID, mimeType string, content []byte) (*documents.OCRResult, error) {
	if len(content) == 0 {
		return nil, fmt.Errorf("empty document content")
	}

	chunks, warnings := splitChunks(content, mimeType, s.cfg.ChunkBytes)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	run := &ocrRun{total: int32(len(chunks)), cancel: cancel}
	s.mu.Lock()
	s.active[docID] = run
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.active, docID)
		s.mu.Unlock()
	}()

	type chunkOut struct {
		text       string
		confidence float64
		warnings   []string
	}
	results := make([]chunkOut, len(chunks))

	g, gctx := errgroup.WithContext(runCtx)
	g.SetLimit(s.cfg.Workers)
	for i := range chunks {
		i := i
		g.Go(func() error {
			var res *gcp.EngineResult
			err := s.policy.Do(gctx, func(rctx context.Context) error {
				out, execErr := s.brk.Execute(rctx, func(cctx context.Context) (any, error) {
					return s.engine.Recognize(cctx, mimeType, chunks[i])
				})
				if execErr != nil {
					return execErr
				}
				res = out.(*gcp.EngineResult)
				return nil
			})
			if err != nil {
				return fmt.Errorf("chunk %d: %w", i, err)
			}
			results[i] = chunkOut{text: res.Text, confidence: res.Confidence, warnings: res.Warnings}
			atomic.AddInt32(&run.done, 1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if runCtx.Err() != nil && ctx.Err() == nil {
			// Cancelled through CancelProcessing rather than the caller.
			return nil, context.Canceled
		}
		return nil, err
	}

	// Aggregated text is the plain concatenation of chunk texts in chunk
	// order, so callers can recover per-chunk offsets from Pieces.
	var sb strings.Builder
	var confSum float64
	pieces := make([]documents.OCRChunk, 0, len(results))
	for i, r := range results {
		sb.WriteString(r.text)
		confSum += r.confidence
		warnings = append(warnings, r.warnings...)
		pieces = append(pieces, documents.OCRChunk{Index: i, Text: r.text, Confidence: r.confidence})
	}

	return &documents.OCRResult{
		DocumentID: docID,
		Text:       sb.String(),
		Confidence: confSum / float64(len(results)),
		Chunks:     len(chunks),
		Pieces:     pieces,
		Engine:     s.engine.Name(),
		Warnings:   warnings,
	}, nil
}

// splitChunks cuts content into chunkBytes-sized pieces. Text content
// never splits inside a UTF-8 sequence; binary content splits at exact
// byte offsets and carries a warning since chunk boundaries may fall
// inside a structural unit.
func splitChunks(content []byte, mimeType string, chunkBytes int) ([][]byte, []string) {
	if len(content) <= chunkBytes {
		return [][]byte{content}, nil
	}

	var warnings []string
	text := isTextMime(mimeType)
	if !text {
		warnings = append(warnings, fmt.Sprintf("binary content split at %d-byte offsets", chunkBytes))
	}

	var chunks [][]byte
	for off := 0; off < len(content); {
		end := off + chunkBytes
		if end >= len(content) {
			chunks = append(chunks, content[off:])
			break
		}
		if text {
			// Back up to the start of the rune straddling the cut.
			for end > off && !utf8.RuneStart(content[end]) {
				end--
			}
			if end == off {
				end = off + chunkBytes
			}
		}
		chunks = append(chunks, content[off:end])
		off = end
	}
	return chunks, warnings
}

func isTextMime(mimeType string) bool {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	return strings.HasPrefix(mt, "text/") || mt == "application/json" || mt == "application/xml"
}
