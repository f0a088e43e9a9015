package documents

import (
	"time"

	"github.com/google/uuid"
)

// Meta is the declared metadata for an uploaded or scraped document,
// checked by the pre-processing gate before any pipeline work starts.
type Meta struct {
	ID         uuid.UUID `json:"id"`
	Filename   string    `json:"filename"`
	MimeType   string    `json:"mime_type"`
	SizeBytes  int64     `json:"size_bytes"`
	UploadedAt time.Time `json:"uploaded_at"`
}

type OCRChunk struct {
	Index      int     `json:"index"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

type OCRResult struct {
	DocumentID uuid.UUID  `json:"document_id"`
	Text       string     `json:"text"`
	Confidence float64    `json:"confidence"`
	Chunks     int        `json:"chunks"`
	Pieces     []OCRChunk `json:"pieces,omitempty"`
	Engine     string     `json:"engine,omitempty"`
	Warnings   []string   `json:"warnings,omitempty"`
}

type Entity struct {
	Type       string  `json:"type"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

type Category struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

type NLPResult struct {
	DocumentID uuid.UUID  `json:"document_id"`
	Entities   []Entity   `json:"entities"`
	Categories []Category `json:"categories"`
	Language   string     `json:"language,omitempty"`
}

// PageResult is one page/item in the final output; PageID must be unique
// within a batch.
type PageResult struct {
	PageID     string  `json:"page_id"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

type FinalResult struct {
	DocumentID uuid.UUID    `json:"document_id"`
	Pages      []PageResult `json:"pages"`
	Confidence float64      `json:"confidence"`
	Entities   []Entity     `json:"entities,omitempty"`
	Categories []Category   `json:"categories,omitempty"`
}

// ProcessingError is the recorded failure shape on a pipeline run.
type ProcessingError struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ProcessingResult is created once per pipeline run and is immutable after
// the run terminates.
type ProcessingResult struct {
	DocumentID uuid.UUID        `json:"document_id"`
	Status     string           `json:"status"` // "completed" | "failed" | "cancelled"
	StartTime  time.Time        `json:"start_time"`
	EndTime    time.Time        `json:"end_time"`
	Duration   time.Duration    `json:"duration"`
	RetryCount int              `json:"retry_count"`
	TraceID    string           `json:"trace_id"`
	Error      *ProcessingError `json:"error,omitempty"`
}
