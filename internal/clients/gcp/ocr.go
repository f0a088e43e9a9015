package gcp

import "context"

// OCREngine is one text-recognition backend. Engines are stateless per
// call; chunking and progress live with the caller.
type OCREngine interface {
	Recognize(ctx context.Context, mimeType string, data []byte) (*EngineResult, error)
	Name() string
	Close() error
}

type EngineResult struct {
	Text       string   `json:"text"`
	Confidence float64  `json:"confidence"`
	Warnings   []string `json:"warnings,omitempty"`
}
