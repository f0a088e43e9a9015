package gcp

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	documentai "cloud.google.com/go/documentai/apiv1"
	"cloud.google.com/go/documentai/apiv1/documentaipb"
	"google.golang.org/api/option"

	"github.com/harvestly/ingest-backend/internal/platform/logger"
)

type documentAIEngine struct {
	log       *logger.Logger
	client    *documentai.DocumentProcessorClient
	processor string
}

// NewDocumentAI reads DOCUMENTAI_PROJECT_ID, DOCUMENTAI_LOCATION,
// DOCUMENTAI_PROCESSOR_ID and optionally DOCUMENTAI_PROCESSOR_VERSION.
func NewDocumentAI(log *logger.Logger) (OCREngine, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	slog := log.With("service", "gcp.DocumentAI")

	projectID := strings.TrimSpace(os.Getenv("DOCUMENTAI_PROJECT_ID"))
	processorID := strings.TrimSpace(os.Getenv("DOCUMENTAI_PROCESSOR_ID"))
	if projectID == "" || processorID == "" {
		return nil, fmt.Errorf("missing DOCUMENTAI_PROJECT_ID or DOCUMENTAI_PROCESSOR_ID")
	}
	location := strings.TrimSpace(os.Getenv("DOCUMENTAI_LOCATION"))
	if location == "" {
		location = "us"
	}
	endpoint := fmt.Sprintf("%s-documentai.googleapis.com:443", location)

	opts := append([]option.ClientOption{option.WithEndpoint(endpoint)}, ClientOptionsFromEnv()...)
	c, err := documentai.NewDocumentProcessorClient(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("documentai client: %w", err)
	}

	name := fmt.Sprintf("projects/%s/locations/%s/processors/%s", projectID, location, processorID)
	if v := strings.TrimSpace(os.Getenv("DOCUMENTAI_PROCESSOR_VERSION")); v != "" {
		name = name + "/processorVersions/" + v
	}

	slog.Info("Document AI initialized", "endpoint", endpoint)
	return &documentAIEngine{log: slog, client: c, processor: name}, nil
}

func (e *documentAIEngine) Name() string { return "gcp_documentai" }

func (e *documentAIEngine) Close() error {
	if e == nil || e.client == nil {
		return nil
	}
	return e.client.Close()
}

func (e *documentAIEngine) Recognize(ctx context.Context, mimeType string, data []byte) (*EngineResult, error) {
	if len(data) == 0 {
		return &EngineResult{}, nil
	}
	if mimeType == "" {
		mimeType = "application/pdf"
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Minute)
	defer cancel()

	resp, err := e.client.ProcessDocument(ctx, &documentaipb.ProcessRequest{
		Name: e.processor,
		Source: &documentaipb.ProcessRequest_RawDocument{
			RawDocument: &documentaipb.RawDocument{
				Content:  data,
				MimeType: mimeType,
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("documentai ProcessDocument: %w", err)
	}
	if resp == nil || resp.Document == nil {
		return &EngineResult{}, nil
	}

	doc := resp.Document
	out := &EngineResult{Text: strings.TrimSpace(doc.Text)}

	var sum float64
	var n int
	for _, p := range doc.Pages {
		if p == nil || p.Layout == nil {
			continue
		}
		sum += float64(p.Layout.Confidence)
		n++
	}
	if n > 0 {
		out.Confidence = sum / float64(n)
	} else if out.Text != "" {
		out.Warnings = append(out.Warnings, "documentai returned no page confidence")
	}
	return out, nil
}
