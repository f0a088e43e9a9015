package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/harvestly/ingest-backend/internal/domain/documents"
	types "github.com/harvestly/ingest-backend/internal/domain/jobs"
	"github.com/harvestly/ingest-backend/internal/platform/breaker"
	"github.com/harvestly/ingest-backend/internal/platform/dbctx"
	"github.com/harvestly/ingest-backend/internal/platform/faults"
	"github.com/harvestly/ingest-backend/internal/platform/retry"
	"github.com/harvestly/ingest-backend/internal/validation"
)

type fakeFetcher struct {
	meta    documents.Meta
	content []byte
	err     error
	calls   int
}

func (f *fakeFetcher) Fetch(ctx context.Context, docID uuid.UUID, src types.SourceConfig) (documents.Meta, []byte, error) {
	f.calls++
	if f.err != nil {
		return documents.Meta{}, nil, f.err
	}
	meta := f.meta
	meta.ID = docID
	return meta, f.content, f.err
}

type fakeOCR struct {
	result *documents.OCRResult
	err    error
	calls  int
}

func (f *fakeOCR) ProcessDocument(ctx context.Context, docID uuid.UUID, mime string, content []byte) (*documents.OCRResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	res := *f.result
	res.DocumentID = docID
	return &res, nil
}

func (f *fakeOCR) GetProgress(uuid.UUID) float64   { return 0 }
func (f *fakeOCR) CancelProcessing(uuid.UUID) bool { return false }

type fakeNLP struct {
	result   *documents.NLPResult
	failures int
	calls    int
}

func (f *fakeNLP) Analyze(ctx context.Context, docID uuid.UUID, text string) (*documents.NLPResult, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, faults.Network(errors.New("nlp unavailable"))
	}
	res := *f.result
	res.DocumentID = docID
	return &res, nil
}

type fakeRows struct {
	mu     sync.Mutex
	tables map[string][]map[string]interface{}
	err    error
}

func (f *fakeRows) Insert(dbc dbctx.Context, table string, rows []map[string]interface{}) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tables == nil {
		f.tables = map[string][]map[string]interface{}{}
	}
	f.tables[table] = append(f.tables[table], rows...)
	return nil
}

func (f *fakeRows) Query(dbc dbctx.Context, table string, where map[string]interface{}, limit int) ([]map[string]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tables[table], nil
}

func (f *fakeRows) Count(dbc dbctx.Context, table string, where map[string]interface{}) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.tables[table])), nil
}

func goodOCRResult() *documents.OCRResult {
	return &documents.OCRResult{
		Text:       "alpha\nbeta",
		Confidence: 0.95,
		Chunks:     2,
		Pieces: []documents.OCRChunk{
			{Index: 0, Text: "alpha\n", Confidence: 0.95},
			{Index: 1, Text: "beta", Confidence: 0.95},
		},
		Engine: "fake",
	}
}

func goodMeta() documents.Meta {
	return documents.Meta{
		Filename:   "report.txt",
		MimeType:   "text/plain",
		SizeBytes:  10,
		UploadedAt: time.Now().Add(-time.Hour),
	}
}

type pipeFakes struct {
	fetch *fakeFetcher
	ocr   *fakeOCR
	nlp   *fakeNLP
	rows  *fakeRows
}

func testPipeline(t *testing.T, f pipeFakes) *Pipeline {
	t.Helper()
	log := testLogger(t)
	return New(Deps{
		Log:        log,
		Fetch:      f.fetch,
		OCR:        f.ocr,
		NLP:        f.nlp,
		Gate:       validation.NewGate(validation.Config{}),
		Rows:       f.rows,
		Metrics:    nil,
		NLPBreaker: breaker.New(breaker.Config{Name: "nlp-test", MinRequests: 1000}, log),
		NLPPolicy:  retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	})
}

func TestPipelineHappyPath(t *testing.T) {
	f := pipeFakes{
		fetch: &fakeFetcher{meta: goodMeta(), content: []byte("hello text")},
		ocr:   &fakeOCR{result: goodOCRResult()},
		nlp:   &fakeNLP{result: &documents.NLPResult{Entities: []documents.Entity{{Type: "ORG", Text: "ACME", Confidence: 0.9}}}},
		rows:  &fakeRows{},
	}
	p := testPipeline(t, f)

	var progress []int
	final, metrics, err := p.Process(context.Background(), Request{
		JobID:  uuid.New(),
		Config: types.JobConfig{Source: types.SourceConfig{Type: "scrape", URL: "https://example.com/report.txt"}},
		Progress: func(stage string, pct int) {
			progress = append(progress, pct)
		},
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(final.Pages) != 2 {
		t.Fatalf("pages = %d, want 2", len(final.Pages))
	}
	if final.Pages[0].PageID == final.Pages[1].PageID {
		t.Fatal("page IDs must be unique")
	}

	// Progress is monotonically nondecreasing and ends at 100.
	for i := 1; i < len(progress); i++ {
		if progress[i] < progress[i-1] {
			t.Fatalf("progress went backwards: %v", progress)
		}
	}
	if progress[len(progress)-1] != 100 {
		t.Fatalf("final progress = %d, want 100", progress[len(progress)-1])
	}

	if len(f.rows.tables[pageTable]) != 2 {
		t.Fatalf("page rows = %d, want 2", len(f.rows.tables[pageTable]))
	}
	if len(f.rows.tables[resultTable]) != 1 {
		t.Fatalf("result rows = %d, want 1", len(f.rows.tables[resultTable]))
	}

	if metrics.BytesProcessed != 10 {
		t.Fatalf("bytes processed = %d, want 10", metrics.BytesProcessed)
	}
	if metrics.ErrorCount != 0 || metrics.SuccessRate != 100 {
		t.Fatalf("unexpected metrics: %+v", metrics)
	}
}

func TestPipelineStopsAtPreValidation(t *testing.T) {
	f := pipeFakes{
		fetch: &fakeFetcher{meta: documents.Meta{Filename: "x.exe", MimeType: "application/x-msdownload", SizeBytes: 4, UploadedAt: time.Now()}, content: []byte("MZ\x00\x00")},
		ocr:   &fakeOCR{result: goodOCRResult()},
		nlp:   &fakeNLP{result: &documents.NLPResult{}},
		rows:  &fakeRows{},
	}
	p := testPipeline(t, f)

	_, metrics, err := p.Process(context.Background(), Request{
		JobID:  uuid.New(),
		Config: types.JobConfig{Source: types.SourceConfig{Type: "upload", Bucket: "in", Key: "x.exe"}},
	})
	if err == nil {
		t.Fatal("expected validation failure")
	}
	if !errors.Is(err, faults.ErrValidation) {
		t.Fatalf("expected validation fault, got %v", err)
	}
	if !strings.HasPrefix(err.Error(), StageExtract) {
		t.Fatalf("error must name the failing stage: %v", err)
	}
	if f.ocr.calls != 0 {
		t.Fatal("OCR must not run after a pre-processing rejection")
	}
	if metrics.ErrorCount != 1 {
		t.Fatalf("error count = %d, want 1", metrics.ErrorCount)
	}
}

func TestPipelineLowConfidenceFailsValidateStage(t *testing.T) {
	low := goodOCRResult()
	low.Confidence = 0.4
	f := pipeFakes{
		fetch: &fakeFetcher{meta: goodMeta(), content: []byte("hello")},
		ocr:   &fakeOCR{result: low},
		nlp:   &fakeNLP{result: &documents.NLPResult{}},
		rows:  &fakeRows{},
	}
	p := testPipeline(t, f)

	_, _, err := p.Process(context.Background(), Request{
		JobID:  uuid.New(),
		Config: types.JobConfig{Source: types.SourceConfig{Type: "scrape", URL: "https://example.com/x"}},
	})
	if err == nil || !strings.HasPrefix(err.Error(), StageValidate) {
		t.Fatalf("expected validate-stage failure, got %v", err)
	}
	if len(f.rows.tables) != 0 {
		t.Fatal("nothing may be persisted after a post-processing rejection")
	}
}

func TestPipelineCancelledBetweenStages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := pipeFakes{
		fetch: &fakeFetcher{meta: goodMeta(), content: []byte("hello")},
		ocr:   &fakeOCR{result: goodOCRResult()},
		nlp:   &fakeNLP{result: &documents.NLPResult{}},
		rows:  &fakeRows{},
	}
	p := testPipeline(t, f)

	_, _, err := p.Process(ctx, Request{
		JobID:  uuid.New(),
		Config: types.JobConfig{Source: types.SourceConfig{Type: "scrape", URL: "https://example.com/x"}},
		Progress: func(stage string, pct int) {
			if stage == StageOCR {
				cancel()
			}
		},
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if f.nlp.calls != 0 {
		t.Fatal("NLP must not run after cancellation")
	}
	if len(f.rows.tables) != 0 {
		t.Fatal("nothing may be persisted after cancellation")
	}
}

func TestPipelineRetriesTransientNLP(t *testing.T) {
	f := pipeFakes{
		fetch: &fakeFetcher{meta: goodMeta(), content: []byte("hello")},
		ocr:   &fakeOCR{result: goodOCRResult()},
		nlp:   &fakeNLP{result: &documents.NLPResult{}, failures: 2},
		rows:  &fakeRows{},
	}
	p := testPipeline(t, f)

	_, _, err := p.Process(context.Background(), Request{
		JobID:  uuid.New(),
		Config: types.JobConfig{Source: types.SourceConfig{Type: "scrape", URL: "https://example.com/x"}},
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if f.nlp.calls != 3 {
		t.Fatalf("nlp calls = %d, want 3", f.nlp.calls)
	}
}

func TestPipelineLiveMetricsRegistryCleanup(t *testing.T) {
	f := pipeFakes{
		fetch: &fakeFetcher{meta: goodMeta(), content: []byte("hello")},
		ocr:   &fakeOCR{result: goodOCRResult()},
		nlp:   &fakeNLP{result: &documents.NLPResult{}},
		rows:  &fakeRows{},
	}
	p := testPipeline(t, f)
	jobID := uuid.New()

	seen := false
	_, _, err := p.Process(context.Background(), Request{
		JobID:  jobID,
		Config: types.JobConfig{Source: types.SourceConfig{Type: "scrape", URL: "https://example.com/x"}},
		Progress: func(stage string, pct int) {
			if rm := p.LiveMetrics(jobID); rm != nil {
				seen = true
				res := rm.Result()
				if res.Status != "running" || res.TraceID == "" {
					t.Errorf("mid-run record = %+v, want running with trace id", res)
				}
			}
		},
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !seen {
		t.Fatal("live metrics must be visible during the run")
	}
	if p.LiveMetrics(jobID) != nil {
		t.Fatal("live metrics must be dropped after the run")
	}
}
