package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/agridoc/backend/internal/model"
)

//go:generate mockgen -source=extractor.go -destination=extractor_mock.go -package=pipeline

// ExtractionResult is the opaque output of an extraction engine: a raw field
// map plus an overall confidence. Field names are engine-specific; the
// normalizer maps them onto the canonical schema.
type ExtractionResult struct {
	Fields     map[string]any `json:"fields"`
	Confidence float64        `json:"confidence"`
	EngineName string         `json:"engine_name"`
}

// Extractor is the pluggable extraction capability. Implementations receive
// the document plus its content bytes (nil when the engine should fetch the
// source URI itself) and either return a field map with confidence or a
// *PipelineError carrying the retriability of the failure.
type Extractor interface {
	Invoke(ctx context.Context, doc *model.Document, content []byte) (*ExtractionResult, error)
}

// EngineClient is an HTTP client for a remote extraction engine honoring the
// /v1/extract contract.
type EngineClient struct {
	name       string
	baseURL    string
	httpClient *http.Client
}

// NewEngineClient creates a client for a remote engine.
func NewEngineClient(name, baseURL string) *EngineClient {
	return &EngineClient{
		name:    name,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 120 * time.Second, // OCR/AI engines are slow on large scans
		},
	}
}

type engineRequest struct {
	DocumentID string `json:"document_id"`
	SourceURI  string `json:"source_uri,omitempty"`
	Content    []byte `json:"content,omitempty"`
}

type engineResponse struct {
	Fields     map[string]any `json:"fields"`
	Confidence float64        `json:"confidence"`
	EngineName string         `json:"engine_name"`
	Error      string         `json:"error,omitempty"`
}

// Invoke calls the engine and maps HTTP failures onto the pipeline error
// taxonomy: 4xx input rejections are terminal, rate limits and 5xx are
// transient and retried.
func (c *EngineClient) Invoke(ctx context.Context, doc *model.Document, content []byte) (*ExtractionResult, error) {
	body, err := json.Marshal(engineRequest{
		DocumentID: doc.ID,
		SourceURI:  doc.SourceURI,
		Content:    content,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal engine request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/extract", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &PipelineError{
			Code:      ErrEngineUnavailable,
			Message:   fmt.Sprintf("engine %s unreachable", c.name),
			Engine:    c.name,
			Retryable: true,
			Cause:     err,
		}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, &PipelineError{
			Code:      ErrEngineUnavailable,
			Message:   fmt.Sprintf("read engine %s response", c.name),
			Engine:    c.name,
			Retryable: true,
			Cause:     err,
		}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &PipelineError{
			Code:      ErrEngineRateLimited,
			Message:   fmt.Sprintf("engine %s rate limited", c.name),
			Engine:    c.name,
			Retryable: true,
		}
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout:
		return nil, &PipelineError{
			Code:      ErrEngineTimeout,
			Message:   fmt.Sprintf("engine %s timed out", c.name),
			Engine:    c.name,
			Retryable: true,
		}
	case resp.StatusCode >= 500:
		return nil, &PipelineError{
			Code:      ErrEngineUnavailable,
			Message:   fmt.Sprintf("engine %s returned %d", c.name, resp.StatusCode),
			Engine:    c.name,
			Retryable: true,
		}
	case resp.StatusCode >= 400:
		// The engine rejected the input itself; retrying the same bytes can
		// never succeed.
		return nil, &PipelineError{
			Code:      ErrInvalidInput,
			Message:   fmt.Sprintf("engine %s rejected input: %s", c.name, truncate(string(raw), 200)),
			Engine:    c.name,
			Retryable: false,
		}
	default:
		return nil, &PipelineError{
			Code:      ErrEngineUnavailable,
			Message:   fmt.Sprintf("engine %s returned unexpected status %d", c.name, resp.StatusCode),
			Engine:    c.name,
			Retryable: true,
		}
	}

	var parsed engineResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &PipelineError{
			Code:      ErrEngineUnavailable,
			Message:   fmt.Sprintf("engine %s returned malformed response", c.name),
			Engine:    c.name,
			Retryable: true,
			Cause:     err,
		}
	}
	if parsed.Error != "" {
		return nil, &PipelineError{
			Code:      ErrEngineUnavailable,
			Message:   fmt.Sprintf("engine %s: %s", c.name, parsed.Error),
			Engine:    c.name,
			Retryable: true,
		}
	}

	engine := parsed.EngineName
	if engine == "" {
		engine = c.name
	}
	return &ExtractionResult{
		Fields:     parsed.Fields,
		Confidence: clampConfidence(parsed.Confidence),
		EngineName: engine,
	}, nil
}

func clampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
