package validation

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/harvestly/ingest-backend/internal/domain/documents"
	"github.com/harvestly/ingest-backend/internal/platform/faults"
)

// Error is the typed validation failure raised at pipeline checkpoints.
// Value is already redacted where the field is sensitive.
type Error struct {
	Field       string   `json:"field"`
	Constraint  string   `json:"constraint"`
	Value       string   `json:"value"`
	PassedSteps []string `json:"passed_steps,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("validation failed: field=%s constraint=%s value=%s", e.Field, e.Constraint, e.Value)
}

// Is makes validation errors match the faults sentinel so the retry
// classifier treats them as fatal.
func (e *Error) Is(target error) bool {
	return target == faults.ErrValidation
}

// Context tracks a single validation invocation and is discarded after.
type Context struct {
	Stage     string
	StartedAt time.Time
	Completed []string
	Failures  []Failure
}

type Failure struct {
	Stage   string `json:"stage"`
	Error   string `json:"error"`
	Context string `json:"context,omitempty"`
}

func NewContext(stage string) *Context {
	return &Context{Stage: stage, StartedAt: time.Now()}
}

func (c *Context) pass(step string) {
	c.Completed = append(c.Completed, step)
}

func (c *Context) fail(field, constraint, value string) error {
	err := &Error{
		Field:       field,
		Constraint:  constraint,
		Value:       value,
		PassedSteps: append([]string(nil), c.Completed...),
	}
	c.Failures = append(c.Failures, Failure{Stage: c.Stage, Error: err.Error()})
	return err
}

// Config carries the quality thresholds; validated once at construction.
type Config struct {
	MaxFilenameLen   int
	MaxDocumentBytes int64
	AllowedMimeTypes []string
	// MaxErrorRate is the tolerated intermediate error ratio (default 0.001).
	MaxErrorRate float64
	// MaxStageDuration is the per-stage processing-time ceiling (default 5m).
	MaxStageDuration time.Duration
	// MinConfidence is the post-processing floor (default 0.8).
	MinConfidence float64
}

func (c Config) withDefaults() Config {
	if c.MaxFilenameLen <= 0 {
		c.MaxFilenameLen = 255
	}
	if c.MaxDocumentBytes <= 0 {
		c.MaxDocumentBytes = 64 << 20
	}
	if len(c.AllowedMimeTypes) == 0 {
		c.AllowedMimeTypes = []string{
			"application/pdf", "image/png", "image/jpeg", "image/tiff", "text/plain", "text/html",
		}
	}
	if c.MaxErrorRate <= 0 {
		c.MaxErrorRate = 0.001
	}
	if c.MaxStageDuration <= 0 {
		c.MaxStageDuration = 5 * time.Minute
	}
	if c.MinConfidence <= 0 {
		c.MinConfidence = 0.8
	}
	return c
}

type Gate struct {
	cfg Config
}

func NewGate(cfg Config) *Gate {
	return &Gate{cfg: cfg.withDefaults()}
}

var filenamePattern = regexp.MustCompile(`^[\w][\w \-.()]*$`)

// magicSignatures maps declared MIME type to accepted leading byte
// signatures. Types absent here skip the signature check.
var magicSignatures = map[string][][]byte{
	"application/pdf": {[]byte("%PDF")},
	"image/png":       {{0x89, 'P', 'N', 'G'}},
	"image/jpeg":      {{0xFF, 0xD8, 0xFF}},
	"image/gif":       {[]byte("GIF87a"), []byte("GIF89a")},
	"image/tiff":      {{'I', 'I', 0x2A, 0x00}, {'M', 'M', 0x00, 0x2A}},
	"application/zip": {{'P', 'K', 0x03, 0x04}},
}

// PreProcess checks declared metadata and raw content before any pipeline
// stage runs. Pure over its inputs.
func (g *Gate) PreProcess(meta documents.Meta, content []byte) error {
	vc := NewContext("pre_processing")

	name := strings.TrimSpace(meta.Filename)
	if name == "" || len(name) > g.cfg.MaxFilenameLen {
		return vc.fail("filename", fmt.Sprintf("length must be 1..%d", g.cfg.MaxFilenameLen), name)
	}
	if !filenamePattern.MatchString(name) {
		return vc.fail("filename", "must match "+filenamePattern.String(), name)
	}
	vc.pass("filename")

	if !g.mimeAllowed(meta.MimeType) {
		return vc.fail("mime_type", "not in whitelist", meta.MimeType)
	}
	vc.pass("mime_type")

	if meta.SizeBytes <= 0 || meta.SizeBytes > g.cfg.MaxDocumentBytes {
		return vc.fail("size_bytes", fmt.Sprintf("must be 1..%d", g.cfg.MaxDocumentBytes), fmt.Sprint(meta.SizeBytes))
	}
	vc.pass("size_bytes")

	if meta.UploadedAt.After(time.Now().Add(time.Minute)) {
		return vc.fail("uploaded_at", "must not be in the future", meta.UploadedAt.Format(time.RFC3339))
	}
	vc.pass("uploaded_at")

	if len(content) == 0 {
		return vc.fail("content", "must not be empty", "<empty>")
	}
	if int64(len(content)) > g.cfg.MaxDocumentBytes {
		return vc.fail("content", fmt.Sprintf("exceeds %d bytes", g.cfg.MaxDocumentBytes), fmt.Sprint(len(content)))
	}
	vc.pass("content_size")

	if sigs, ok := magicSignatures[strings.ToLower(meta.MimeType)]; ok {
		matched := false
		for _, sig := range sigs {
			if bytes.HasPrefix(content, sig) {
				matched = true
				break
			}
		}
		if !matched {
			// Redacted: raw leading bytes can embed document content.
			return vc.fail("content", "magic bytes do not match declared mime "+meta.MimeType, "[REDACTED]")
		}
	}
	vc.pass("magic_bytes")

	return nil
}

// Intermediate is the structural shape checked between pipeline stages.
type Intermediate struct {
	Stage         string
	ItemsTotal    int
	ItemsFailed   int
	StageDuration time.Duration
	HasPayload    bool
}

func (g *Gate) IntermediateCheck(ir Intermediate) error {
	vc := NewContext("intermediate")

	if strings.TrimSpace(ir.Stage) == "" {
		return vc.fail("stage", "must be set", "<empty>")
	}
	vc.pass("stage")

	if !ir.HasPayload {
		return vc.fail("payload", "intermediate result missing payload", "<nil>")
	}
	vc.pass("payload")

	if ir.ItemsTotal > 0 {
		rate := float64(ir.ItemsFailed) / float64(ir.ItemsTotal)
		if rate > g.cfg.MaxErrorRate {
			return vc.fail("error_rate", fmt.Sprintf("must be <= %.4f", g.cfg.MaxErrorRate), fmt.Sprintf("%.4f", rate))
		}
	}
	vc.pass("error_rate")

	if ir.StageDuration > g.cfg.MaxStageDuration {
		return vc.fail("stage_duration", fmt.Sprintf("must be <= %s", g.cfg.MaxStageDuration), ir.StageDuration.String())
	}
	vc.pass("stage_duration")

	return nil
}

// PostProcess checks the final result schema, confidence floor, and
// page-identifier uniqueness within the batch.
func (g *Gate) PostProcess(final documents.FinalResult, minConfidence float64) error {
	vc := NewContext("post_processing")

	if minConfidence <= 0 {
		minConfidence = g.cfg.MinConfidence
	}

	if len(final.Pages) == 0 {
		return vc.fail("pages", "final result must contain at least one page", "0")
	}
	vc.pass("pages")

	seen := make(map[string]bool, len(final.Pages))
	for _, p := range final.Pages {
		if strings.TrimSpace(p.PageID) == "" {
			return vc.fail("page_id", "must be set", "<empty>")
		}
		if seen[p.PageID] {
			return vc.fail("page_id", "must be unique within batch", p.PageID)
		}
		seen[p.PageID] = true
	}
	vc.pass("page_ids_unique")

	if final.Confidence < minConfidence {
		return vc.fail("confidence", fmt.Sprintf("must be >= %.2f", minConfidence), fmt.Sprintf("%.2f", final.Confidence))
	}
	vc.pass("confidence")

	return nil
}

func (g *Gate) mimeAllowed(mime string) bool {
	mime = strings.ToLower(strings.TrimSpace(mime))
	for _, allowed := range g.cfg.AllowedMimeTypes {
		if mime == allowed {
			return true
		}
	}
	return false
}
