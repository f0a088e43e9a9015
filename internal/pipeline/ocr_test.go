package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/harvestly/ingest-backend/internal/clients/gcp"
	"github.com/harvestly/ingest-backend/internal/platform/breaker"
	"github.com/harvestly/ingest-backend/internal/platform/logger"
	"github.com/harvestly/ingest-backend/internal/platform/retry"
)

type fakeEngine struct {
	mu       sync.Mutex
	calls    int32
	failures map[int]int // call ordinal -> remaining failures
	delay    time.Duration
	conf     func(chunk []byte) float64
}

func (f *fakeEngine) Name() string { return "fake" }
func (f *fakeEngine) Close() error { return nil }

func (f *fakeEngine) Recognize(ctx context.Context, mime string, data []byte) (*gcp.EngineResult, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	if remaining, ok := f.failures[int(n)]; ok && remaining > 0 {
		f.failures[int(n)] = remaining - 1
		f.mu.Unlock()
		return nil, errors.New("transient engine error")
	}
	f.mu.Unlock()

	conf := 0.9
	if f.conf != nil {
		conf = f.conf(data)
	}
	return &gcp.EngineResult{Text: "[" + string(data) + "]", Confidence: conf}, nil
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return log
}

func testOCR(t *testing.T, engine gcp.OCREngine, cfg OCRConfig) OCRService {
	t.Helper()
	log := testLogger(t)
	brk := breaker.New(breaker.Config{Name: "ocr-test", MinRequests: 1000}, log)
	policy := retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	return NewOCRService(log, engine, brk, policy, cfg)
}

func TestOCRConcatPreservesChunkOrder(t *testing.T) {
	engine := &fakeEngine{}
	svc := testOCR(t, engine, OCRConfig{ChunkBytes: 4, Workers: 8})

	content := []byte("aaaabbbbccccdddd")
	res, err := svc.ProcessDocument(context.Background(), uuid.New(), "text/plain", content)
	if err != nil {
		t.Fatalf("ProcessDocument: %v", err)
	}
	if res.Chunks != 4 {
		t.Fatalf("chunks = %d, want 4", res.Chunks)
	}
	want := "[aaaa][bbbb][cccc][dddd]"
	if res.Text != want {
		t.Fatalf("text = %q, want %q", res.Text, want)
	}
	if len(res.Pieces) != 4 || res.Pieces[2].Text != "[cccc]" {
		t.Fatalf("pieces out of order: %+v", res.Pieces)
	}
	var joined strings.Builder
	for _, p := range res.Pieces {
		joined.WriteString(p.Text)
	}
	if res.Text != joined.String() {
		t.Fatalf("text %q is not the concatenation of pieces %q", res.Text, joined.String())
	}
}

func TestOCRMeanConfidence(t *testing.T) {
	engine := &fakeEngine{conf: func(chunk []byte) float64 {
		if strings.HasPrefix(string(chunk), "a") {
			return 1.0
		}
		return 0.5
	}}
	svc := testOCR(t, engine, OCRConfig{ChunkBytes: 4, Workers: 2})

	res, err := svc.ProcessDocument(context.Background(), uuid.New(), "text/plain", []byte("aaaabbbb"))
	if err != nil {
		t.Fatalf("ProcessDocument: %v", err)
	}
	if res.Confidence != 0.75 {
		t.Fatalf("confidence = %v, want 0.75", res.Confidence)
	}
}

func TestOCRChunkRetriesTransientFailure(t *testing.T) {
	// First call fails once; the retry policy absorbs it.
	engine := &fakeEngine{failures: map[int]int{1: 1}}
	svc := testOCR(t, engine, OCRConfig{ChunkBytes: 4, Workers: 1})

	res, err := svc.ProcessDocument(context.Background(), uuid.New(), "text/plain", []byte("aaaabbbb"))
	if err != nil {
		t.Fatalf("ProcessDocument: %v", err)
	}
	if res.Chunks != 2 {
		t.Fatalf("chunks = %d, want 2", res.Chunks)
	}
}

func TestSplitChunksRuneBoundary(t *testing.T) {
	// Multibyte runes must never straddle a text chunk boundary.
	content := []byte(strings.Repeat("é", 10)) // 2 bytes each
	chunks, warnings := splitChunks(content, "text/plain", 5)
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings for text: %v", warnings)
	}
	var rebuilt []byte
	for _, c := range chunks {
		if !utf8.Valid(c) {
			t.Fatalf("chunk %q splits a rune", c)
		}
		if len(c) > 5 {
			t.Fatalf("chunk exceeds limit: %d bytes", len(c))
		}
		rebuilt = append(rebuilt, c...)
	}
	if string(rebuilt) != string(content) {
		t.Fatal("chunks do not reassemble to the original content")
	}
}

func TestSplitChunksBinaryExactOffsets(t *testing.T) {
	content := make([]byte, 10)
	chunks, warnings := splitChunks(content, "application/pdf", 4)
	if len(chunks) != 3 || len(chunks[0]) != 4 || len(chunks[2]) != 2 {
		t.Fatalf("unexpected binary split: %d chunks", len(chunks))
	}
	if len(warnings) == 0 {
		t.Fatal("binary split must carry a warning")
	}
}

func TestOCRProgressAndCancel(t *testing.T) {
	engine := &fakeEngine{delay: 200 * time.Millisecond}
	svc := testOCR(t, engine, OCRConfig{ChunkBytes: 2, Workers: 1})
	docID := uuid.New()

	done := make(chan error, 1)
	go func() {
		_, err := svc.ProcessDocument(context.Background(), docID, "text/plain", []byte("aabbccddee"))
		done <- err
	}()

	// Wait for the run to register, then cancel it mid-flight.
	deadline := time.After(2 * time.Second)
	for svc.GetProgress(docID) == 0 {
		select {
		case <-deadline:
			t.Fatal("no progress observed before deadline")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if !svc.CancelProcessing(docID) {
		t.Fatal("expected an active run to cancel")
	}

	err := <-done
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if svc.CancelProcessing(docID) {
		t.Fatal("run must be unregistered after it ends")
	}
}

func TestOCRFatalChunkFailsDocument(t *testing.T) {
	engine := &fakeEngine{failures: map[int]int{2: 100, 3: 100, 4: 100}}
	svc := testOCR(t, engine, OCRConfig{ChunkBytes: 4, Workers: 1})

	_, err := svc.ProcessDocument(context.Background(), uuid.New(), "text/plain", []byte("aaaabbbb"))
	if err == nil {
		t.Fatal("expected failure once retries are exhausted")
	}
	if !strings.Contains(err.Error(), "chunk") {
		t.Fatalf("error should identify the failing chunk: %v", err)
	}
}
