package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/agridoc/backend/internal/model"
)

func testDoc() *model.Document {
	return &model.Document{ID: "doc-1", SourceURI: "upload://scan.pdf"}
}

func TestEngineClient_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/extract" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req engineRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.DocumentID != "doc-1" {
			t.Errorf("document_id = %s", req.DocumentID)
		}
		json.NewEncoder(w).Encode(engineResponse{
			Fields:     map[string]any{"owner_name": "Jean Dupont"},
			Confidence: 1.7, // out of range, must be clamped
			EngineName: "ocr-v3",
		})
	}))
	defer srv.Close()

	client := NewEngineClient("ocr", srv.URL)
	result, err := client.Invoke(context.Background(), testDoc(), []byte("bytes"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.EngineName != "ocr-v3" {
		t.Errorf("engine = %s", result.EngineName)
	}
	if result.Confidence != 1.0 {
		t.Errorf("confidence not clamped: %v", result.Confidence)
	}
	if result.Fields["owner_name"] != "Jean Dupont" {
		t.Errorf("fields = %+v", result.Fields)
	}
}

func TestEngineClient_ErrorTaxonomy(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantCode      ErrorCode
		wantRetryable bool
	}{
		{"rate limited", http.StatusTooManyRequests, "", ErrEngineRateLimited, true},
		{"gateway timeout", http.StatusGatewayTimeout, "", ErrEngineTimeout, true},
		{"server error", http.StatusInternalServerError, "", ErrEngineUnavailable, true},
		{"input rejected", http.StatusUnprocessableEntity, "unreadable file", ErrInvalidInput, false},
		{"malformed response", http.StatusOK, "{not json", ErrEngineUnavailable, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			client := NewEngineClient("test", srv.URL)
			_, err := client.Invoke(context.Background(), testDoc(), nil)
			if err == nil {
				t.Fatal("expected error")
			}
			pe := AsPipelineError(err)
			if pe.Code != tt.wantCode {
				t.Errorf("code = %s, want %s", pe.Code, tt.wantCode)
			}
			if pe.Retryable != tt.wantRetryable {
				t.Errorf("retryable = %v, want %v", pe.Retryable, tt.wantRetryable)
			}
		})
	}
}

func TestEngineClient_Unreachable(t *testing.T) {
	client := NewEngineClient("down", "http://127.0.0.1:1")
	_, err := client.Invoke(context.Background(), testDoc(), nil)
	if err == nil {
		t.Fatal("expected error")
	}
	pe := AsPipelineError(err)
	if pe.Code != ErrEngineUnavailable || !pe.Retryable {
		t.Errorf("got %+v", pe)
	}
}

func TestEngineClient_EngineReportedError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(engineResponse{Error: "model overloaded"})
	}))
	defer srv.Close()

	client := NewEngineClient("ai", srv.URL)
	_, err := client.Invoke(context.Background(), testDoc(), nil)
	pe := AsPipelineError(err)
	if pe.Code != ErrEngineUnavailable || !pe.Retryable {
		t.Errorf("got %+v", pe)
	}
}
