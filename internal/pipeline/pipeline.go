package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harvestly/ingest-backend/internal/clients/nlp"
	"github.com/harvestly/ingest-backend/internal/data/rowstore"
	"github.com/harvestly/ingest-backend/internal/domain/documents"
	types "github.com/harvestly/ingest-backend/internal/domain/jobs"
	"github.com/harvestly/ingest-backend/internal/observability"
	"github.com/harvestly/ingest-backend/internal/platform/breaker"
	"github.com/harvestly/ingest-backend/internal/platform/dbctx"
	"github.com/harvestly/ingest-backend/internal/platform/faults"
	"github.com/harvestly/ingest-backend/internal/platform/gcs"
	"github.com/harvestly/ingest-backend/internal/platform/logger"
	"github.com/harvestly/ingest-backend/internal/platform/retry"
	"github.com/harvestly/ingest-backend/internal/validation"
)

const (
	StageExtract  = "extract"
	StageOCR      = "ocr"
	StageNLP      = "nlp"
	StageValidate = "validate"
	StagePersist  = "persist"
)

// stageCeiling is the progress value a completed stage maps to. Progress
// inside a stage interpolates between the previous ceiling and its own.
var stageCeiling = map[string]int{
	StageExtract:  15,
	StageOCR:      55,
	StageNLP:      75,
	StageValidate: 85,
	StagePersist:  100,
}

const (
	pageTable   = "document_page"
	resultTable = "document_result"
)

// RunMetrics accumulates counters for a single execution. Instances are
// registered while the run is live and dropped when it ends.
type RunMetrics struct {
	mu             sync.Mutex
	RequestCount   int64
	BytesProcessed int64
	ItemsProcessed int64
	ErrorCount     int64
	BandwidthBytes int64
	stageMS        map[string]int64
	result         documents.ProcessingResult
}

func (rm *RunMetrics) beginResult(docID uuid.UUID) {
	rm.mu.Lock()
	rm.result = documents.ProcessingResult{
		DocumentID: docID,
		Status:     "running",
		StartTime:  time.Now().UTC(),
		TraceID:    uuid.NewString(),
	}
	rm.mu.Unlock()
}

func (rm *RunMetrics) finishResult(status string, cause error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.result.Status = status
	rm.result.EndTime = time.Now().UTC()
	rm.result.Duration = rm.result.EndTime.Sub(rm.result.StartTime)
	if cause != nil {
		rm.result.Error = &documents.ProcessingError{
			Code:      string(faults.CodeOf(cause)),
			Message:   cause.Error(),
			Timestamp: rm.result.EndTime,
		}
	}
}

// Result is the run record; immutable once the run has terminated.
func (rm *RunMetrics) Result() documents.ProcessingResult {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.result
}

func (rm *RunMetrics) addStage(name string, d time.Duration) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.stageMS == nil {
		rm.stageMS = map[string]int64{}
	}
	rm.stageMS[name] += d.Milliseconds()
}

func (rm *RunMetrics) add(requests, bytes, items, errs int64) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.RequestCount += requests
	rm.BytesProcessed += bytes
	rm.ItemsProcessed += items
	rm.ErrorCount += errs
	rm.BandwidthBytes += bytes
}

// Snapshot folds the live counters into the persisted metrics shape.
func (rm *RunMetrics) Snapshot() types.JobMetrics {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	m := types.JobMetrics{
		RequestCount:   rm.RequestCount,
		BytesProcessed: rm.BytesProcessed,
		ItemsProcessed: rm.ItemsProcessed,
		ErrorCount:     rm.ErrorCount,
		BandwidthBytes: rm.BandwidthBytes,
	}
	if m.RequestCount > 0 {
		// SuccessRate is a percentage, 0-100.
		m.SuccessRate = 100 * float64(m.RequestCount-m.ErrorCount) / float64(m.RequestCount)
		var totalMS int64
		for _, ms := range rm.stageMS {
			totalMS += ms
		}
		m.AvgResponseMS = float64(totalMS) / float64(m.RequestCount)
	}
	return m
}

// Request carries one job execution through the pipeline. Progress is
// reported through the callback; the caller owns persistence.
type Request struct {
	JobID    uuid.UUID
	Config   types.JobConfig
	Progress func(stage string, pct int)
}

type Pipeline struct {
	log     *logger.Logger
	fetch   Fetcher
	ocr     OCRService
	nlp     nlp.Client
	gate    *validation.Gate
	rows    rowstore.Store
	blobs   gcs.BlobStore
	metrics *observability.Metrics

	nlpBreaker *breaker.Breaker
	nlpPolicy  retry.Policy

	mu   sync.Mutex
	live map[uuid.UUID]*RunMetrics
}

type Deps struct {
	Log        *logger.Logger
	Fetch      Fetcher
	OCR        OCRService
	NLP        nlp.Client
	Gate       *validation.Gate
	Rows       rowstore.Store
	Blobs      gcs.BlobStore
	Metrics    *observability.Metrics
	NLPBreaker *breaker.Breaker
	NLPPolicy  retry.Policy
}

func New(d Deps) *Pipeline {
	return &Pipeline{
		log:        d.Log.With("service", "Pipeline"),
		fetch:      d.Fetch,
		ocr:        d.OCR,
		nlp:        d.NLP,
		gate:       d.Gate,
		rows:       d.Rows,
		blobs:      d.Blobs,
		metrics:    d.Metrics,
		nlpBreaker: d.NLPBreaker,
		nlpPolicy:  d.NLPPolicy,
		live:       map[uuid.UUID]*RunMetrics{},
	}
}

// LiveMetrics returns the in-flight counters for a running execution, or
// nil once the run has ended.
func (p *Pipeline) LiveMetrics(jobID uuid.UUID) *RunMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live[jobID]
}

func (p *Pipeline) register(jobID uuid.UUID) *RunMetrics {
	rm := &RunMetrics{}
	p.mu.Lock()
	p.live[jobID] = rm
	p.mu.Unlock()
	return rm
}

func (p *Pipeline) unregister(jobID uuid.UUID) {
	p.mu.Lock()
	delete(p.live, jobID)
	p.mu.Unlock()
}

// Process runs extract, ocr, nlp, validate and persist in order. The
// first error stops the run; cancellation is honored between stages and
// inside the OCR fan-out.
func (p *Pipeline) Process(ctx context.Context, req Request) (*documents.FinalResult, types.JobMetrics, error) {
	rm := p.register(req.JobID)
	defer p.unregister(req.JobID)
	rm.beginResult(req.JobID)

	report := req.Progress
	if report == nil {
		report = func(string, int) {}
	}

	fail := func(stageName string, serr error) (*documents.FinalResult, types.JobMetrics, error) {
		rm.add(0, 0, 0, 1)
		werr := fmt.Errorf("%s: %w", stageName, serr)
		status := "failed"
		if ctx.Err() != nil || errors.Is(serr, context.Canceled) {
			status = "cancelled"
		}
		rm.finishResult(status, werr)
		return nil, rm.Snapshot(), werr
	}

	var (
		meta    documents.Meta
		content []byte
	)
	err := p.stage(ctx, rm, StageExtract, func(sctx context.Context) error {
		var ferr error
		meta, content, ferr = p.fetch.Fetch(sctx, req.JobID, req.Config.Source)
		if ferr != nil {
			return ferr
		}
		rm.add(1, int64(len(content)), 0, 0)
		p.metrics.AddDocumentBytes(int64(len(content)))
		if verr := p.gate.PreProcess(meta, content); verr != nil {
			p.observeValidation(verr, "pre_processing")
			return verr
		}
		return nil
	})
	if err != nil {
		return fail(StageExtract, err)
	}
	report(StageExtract, stageCeiling[StageExtract])

	var ocrRes *documents.OCRResult
	err = p.stage(ctx, rm, StageOCR, func(sctx context.Context) error {
		start := time.Now()
		var oerr error
		ocrRes, oerr = p.ocr.ProcessDocument(sctx, req.JobID, meta.MimeType, content)
		if oerr != nil {
			return oerr
		}
		rm.add(int64(ocrRes.Chunks), 0, int64(ocrRes.Chunks), 0)
		p.metrics.ObserveOCR(ocrRes.Engine, ocrRes.Chunks, 0, ocrRes.Confidence)

		ir := validation.Intermediate{
			Stage:         StageOCR,
			ItemsTotal:    ocrRes.Chunks,
			ItemsFailed:   0,
			StageDuration: time.Since(start),
			HasPayload:    ocrRes.Text != "",
		}
		if verr := p.gate.IntermediateCheck(ir); verr != nil {
			p.observeValidation(verr, "intermediate")
			return verr
		}
		return nil
	})
	if err != nil {
		return fail(StageOCR, err)
	}
	report(StageOCR, stageCeiling[StageOCR])

	var nlpRes *documents.NLPResult
	err = p.stage(ctx, rm, StageNLP, func(sctx context.Context) error {
		nerr := p.nlpPolicy.Do(sctx, func(rctx context.Context) error {
			out, execErr := p.nlpBreaker.Execute(rctx, func(cctx context.Context) (any, error) {
				return p.nlp.Analyze(cctx, req.JobID, ocrRes.Text)
			})
			if execErr != nil {
				return execErr
			}
			nlpRes = out.(*documents.NLPResult)
			return nil
		})
		if nerr != nil {
			return nerr
		}
		rm.add(1, 0, int64(len(nlpRes.Entities)), 0)
		return nil
	})
	if err != nil {
		return fail(StageNLP, err)
	}
	report(StageNLP, stageCeiling[StageNLP])

	final := assembleFinal(req.JobID, ocrRes, nlpRes)
	err = p.stage(ctx, rm, StageValidate, func(sctx context.Context) error {
		if verr := p.gate.PostProcess(*final, req.Config.Processing.MinConfidence); verr != nil {
			p.observeValidation(verr, "post_processing")
			return verr
		}
		return nil
	})
	if err != nil {
		return fail(StageValidate, err)
	}
	report(StageValidate, stageCeiling[StageValidate])

	err = p.stage(ctx, rm, StagePersist, func(sctx context.Context) error {
		if perr := p.persist(sctx, req.JobID, final); perr != nil {
			return perr
		}
		if req.Config.Source.Type == "upload" && p.blobs != nil {
			if _, aerr := p.blobs.MoveToArchive(sctx, req.Config.Source.Key); aerr != nil {
				// The result is durable; archiving is retried by ops
				// tooling, not by failing the job.
				p.log.Warn("archive move failed", "job_id", req.JobID, "key", req.Config.Source.Key, "error", aerr)
			}
		}
		rm.add(0, 0, int64(len(final.Pages)), 0)
		return nil
	})
	if err != nil {
		return fail(StagePersist, err)
	}
	report(StagePersist, stageCeiling[StagePersist])

	rm.finishResult("completed", nil)
	return final, rm.Snapshot(), nil
}

// stage wraps one pipeline step with the cancellation check and timing
// common to all of them.
func (p *Pipeline) stage(ctx context.Context, rm *RunMetrics, name string, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		p.metrics.ObserveStage(name, "cancelled", 0)
		return err
	}
	start := time.Now()
	err := fn(ctx)
	dur := time.Since(start)
	rm.addStage(name, dur)

	status := "ok"
	switch {
	case err == nil:
	case ctx.Err() != nil:
		status = "cancelled"
	default:
		status = "failed"
	}
	p.metrics.ObserveStage(name, status, dur)
	if err != nil {
		return err
	}
	return nil
}

func (p *Pipeline) observeValidation(err error, checkpoint string) {
	var verr *validation.Error
	if errors.As(err, &verr) {
		p.metrics.IncValidationFailure(checkpoint, verr.Field)
	}
}

func assembleFinal(docID uuid.UUID, ocrRes *documents.OCRResult, nlpRes *documents.NLPResult) *documents.FinalResult {
	pages := make([]documents.PageResult, 0, len(ocrRes.Pieces))
	for _, piece := range ocrRes.Pieces {
		pages = append(pages, documents.PageResult{
			PageID:     fmt.Sprintf("%s-p%04d", docID, piece.Index+1),
			Text:       piece.Text,
			Confidence: piece.Confidence,
		})
	}
	return &documents.FinalResult{
		DocumentID: docID,
		Pages:      pages,
		Confidence: ocrRes.Confidence,
		Entities:   nlpRes.Entities,
		Categories: nlpRes.Categories,
	}
}

func (p *Pipeline) persist(ctx context.Context, jobID uuid.UUID, final *documents.FinalResult) error {
	dbc := dbctx.Context{Ctx: ctx}
	now := time.Now().UTC()

	pageRows := make([]map[string]interface{}, 0, len(final.Pages))
	for i, pg := range final.Pages {
		pageRows = append(pageRows, map[string]interface{}{
			"id":          uuid.New().String(),
			"document_id": final.DocumentID.String(),
			"page_id":     pg.PageID,
			"page_no":     i + 1,
			"text":        pg.Text,
			"confidence":  pg.Confidence,
			"created_at":  now,
		})
	}
	if err := p.rows.Insert(dbc, pageTable, pageRows); err != nil {
		return fmt.Errorf("persist pages: %w", err)
	}

	resultRow := map[string]interface{}{
		"id":          uuid.New().String(),
		"document_id": final.DocumentID.String(),
		"job_id":      jobID.String(),
		"pages":       len(final.Pages),
		"confidence":  final.Confidence,
		"entities":    len(final.Entities),
		"created_at":  now,
	}
	if err := p.rows.Insert(dbc, resultTable, []map[string]interface{}{resultRow}); err != nil {
		return fmt.Errorf("persist result: %w", err)
	}
	return nil
}
