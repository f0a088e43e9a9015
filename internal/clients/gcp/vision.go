package gcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	vision "cloud.google.com/go/vision/v2/apiv1"
	visionpb "cloud.google.com/go/vision/v2/apiv1/visionpb"

	"github.com/harvestly/ingest-backend/internal/platform/logger"
)

type visionEngine struct {
	log    *logger.Logger
	client *vision.ImageAnnotatorClient
}

// NewVision builds the image OCR engine used for png/jpeg/tiff inputs.
func NewVision(log *logger.Logger) (OCREngine, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	slog := log.With("service", "gcp.Vision")

	c, err := vision.NewImageAnnotatorClient(context.Background(), ClientOptionsFromEnv()...)
	if err != nil {
		return nil, fmt.Errorf("vision client: %w", err)
	}
	return &visionEngine{log: slog, client: c}, nil
}

func (e *visionEngine) Name() string { return "gcp_vision" }

func (e *visionEngine) Close() error {
	if e == nil || e.client == nil {
		return nil
	}
	return e.client.Close()
}

func (e *visionEngine) Recognize(ctx context.Context, mimeType string, data []byte) (*EngineResult, error) {
	if len(data) == 0 {
		return &EngineResult{}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	req := &visionpb.AnnotateImageRequest{
		Image: &visionpb.Image{Content: data},
		Features: []*visionpb.Feature{
			{Type: visionpb.Feature_DOCUMENT_TEXT_DETECTION},
		},
	}
	resp, err := e.client.BatchAnnotateImages(ctx, &visionpb.BatchAnnotateImagesRequest{
		Requests: []*visionpb.AnnotateImageRequest{req},
	})
	if err != nil {
		return nil, fmt.Errorf("vision BatchAnnotateImages: %w", err)
	}
	if resp == nil || len(resp.Responses) == 0 || resp.Responses[0] == nil {
		return &EngineResult{}, nil
	}

	r0 := resp.Responses[0]
	if r0.Error != nil && r0.Error.Message != "" {
		return nil, fmt.Errorf("vision annotate error: %s", r0.Error.Message)
	}

	fta := r0.FullTextAnnotation
	if fta == nil || strings.TrimSpace(fta.Text) == "" {
		return &EngineResult{Warnings: []string{"vision returned no text"}}, nil
	}

	out := &EngineResult{Text: collapseWhitespace(fta.Text)}

	var sum float64
	var n int
	for _, pg := range fta.Pages {
		if pg == nil {
			continue
		}
		for _, b := range pg.Blocks {
			if b == nil {
				continue
			}
			sum += float64(b.Confidence)
			n++
		}
	}
	if n > 0 {
		out.Confidence = sum / float64(n)
	}
	return out, nil
}
