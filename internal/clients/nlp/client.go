package nlp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/harvestly/ingest-backend/internal/domain/documents"
	"github.com/harvestly/ingest-backend/internal/platform/faults"
	"github.com/harvestly/ingest-backend/internal/platform/logger"
)

// Client talks to the entity-extraction service. Calls are single-shot;
// retries and circuit breaking belong to the pipeline wrapping them.
type Client interface {
	Analyze(ctx context.Context, docID uuid.UUID, text string) (*documents.NLPResult, error)
}

type client struct {
	log        *logger.Logger
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient(log *logger.Logger) (Client, error) {
	baseURL := strings.TrimSpace(os.Getenv("NLP_BASE_URL"))
	if baseURL == "" {
		return nil, fmt.Errorf("missing NLP_BASE_URL")
	}
	baseURL = strings.TrimRight(baseURL, "/")

	timeoutSec := 60
	if v := strings.TrimSpace(os.Getenv("NLP_TIMEOUT_SECONDS")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			timeoutSec = parsed
		}
	}

	return &client{
		log:        log.With("service", "nlp.Client"),
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(os.Getenv("NLP_API_KEY")),
		httpClient: &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
	}, nil
}

type analyzeRequest struct {
	DocumentID string `json:"document_id"`
	Text       string `json:"text"`
}

type analyzeResponse struct {
	Entities   []documents.Entity   `json:"entities"`
	Categories []documents.Category `json:"categories"`
	Language   string               `json:"language"`
}

type httpError struct {
	StatusCode int
	Body       string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("nlp http %d: %s", e.StatusCode, e.Body)
}

func (c *client) Analyze(ctx context.Context, docID uuid.UUID, text string) (*documents.NLPResult, error) {
	payload, err := json.Marshal(analyzeRequest{DocumentID: docID.String(), Text: text})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/analyze", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, faults.Network(readErr)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		herr := &httpError{StatusCode: resp.StatusCode, Body: truncate(string(raw), 512)}
		// 5xx and 429 are worth another attempt; 4xx is a caller bug.
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, faults.Network(herr)
		}
		return nil, herr
	}

	var out analyzeResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("nlp decode error: %w; raw=%s", err, truncate(string(raw), 256))
	}

	return &documents.NLPResult{
		DocumentID: docID,
		Entities:   out.Entities,
		Categories: out.Categories,
		Language:   out.Language,
	}, nil
}

func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return faults.Timeout(err)
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return faults.Timeout(err)
	}
	return faults.Network(err)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
