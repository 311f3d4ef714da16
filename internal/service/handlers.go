// Package service binds the extraction pipeline to HTTP/JSON: document
// submission, status queries with adaptive polling hints, operator retries,
// SSE status streams and admin record search.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/agridoc/backend/internal/model"
	"github.com/agridoc/backend/internal/pipeline"
	"github.com/agridoc/backend/internal/search"
	"github.com/agridoc/backend/internal/status"
	"github.com/agridoc/backend/internal/store"
)

// Server holds the wired pipeline and exposes it over HTTP.
type Server struct {
	pipeline *pipeline.Service
	broker   *status.Broker
	poll     status.PollConfig
	searcher *search.AlgoliaClient // nil when search is not configured
}

// NewServer creates the HTTP service. searcher may be nil.
func NewServer(p *pipeline.Service, broker *status.Broker, poll status.PollConfig, searcher *search.AlgoliaClient) *Server {
	return &Server{
		pipeline: p,
		broker:   broker,
		poll:     poll,
		searcher: searcher,
	}
}

// Routes registers all endpoints on a fresh mux.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/documents", s.handleSubmit)
	mux.HandleFunc("GET /v1/documents/{id}/status", s.handleStatus)
	mux.HandleFunc("POST /v1/documents/{id}/retry", s.handleRetry)
	mux.HandleFunc("GET /v1/documents/{id}/events", s.handleEvents)
	mux.HandleFunc("GET /v1/records/search", s.handleSearch)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	return mux
}

type submitRequest struct {
	DocumentID      string `json:"document_id,omitempty"`
	SourceURI       string `json:"source_uri,omitempty"`
	Content         []byte `json:"content,omitempty"` // base64 in JSON
	IdentityContext string `json:"identity_context,omitempty"`
}

type submitResponse struct {
	Document     *model.Document          `json:"document"`
	Attempt      *model.ExtractionAttempt `json:"attempt"`
	Deduplicated bool                     `json:"deduplicated"`
}

// handleSubmit accepts an uploaded file or scraped page and starts extraction
// asynchronously. Responds 202: the attempt's progress is observed via the
// status endpoints.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 50<<20)).Decode(&req); err != nil {
		writeError(w, &pipeline.PipelineError{
			Code:    pipeline.ErrInvalidInput,
			Message: fmt.Sprintf("malformed request body: %v", err),
		})
		return
	}

	res, err := s.pipeline.Submit(r.Context(), pipeline.SubmitRequest{
		DocumentID:      req.DocumentID,
		SourceURI:       req.SourceURI,
		Content:         req.Content,
		IdentityContext: req.IdentityContext,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	// The request context dies with this response; extraction continues on
	// its own context.
	go func(attemptID string, content []byte) {
		if err := s.pipeline.RunAttempt(context.Background(), attemptID, content); err != nil {
			log.Printf("[service] run attempt %s: %v", attemptID, err)
		}
	}(res.Attempt.ID, req.Content)

	writeJSON(w, http.StatusAccepted, submitResponse{
		Document:     res.Document,
		Attempt:      res.Attempt,
		Deduplicated: res.Deduplicated,
	})
}

type statusResponse struct {
	*pipeline.DocumentStatus
	FieldLabels     map[string]string `json:"field_labels,omitempty"`
	NextPollAfterMs int64             `json:"next_poll_after_ms"`
	StopPolling     bool              `json:"stop_polling"`
}

// handleStatus is the authoritative pull endpoint. The response embeds an
// adaptive polling hint so clients back off on stable documents and stop on
// terminal ones.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.pipeline.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}

	plan := status.PlanPoll(s.poll, st.Stage, time.Since(st.LastTransitionAt))

	resp := statusResponse{
		DocumentStatus:  st,
		NextPollAfterMs: plan.NextPollAfter.Milliseconds(),
		StopPolling:     plan.Stop,
	}
	if st.Record != nil {
		resp.FieldLabels = make(map[string]string, len(st.Record.Fields))
		for field := range st.Record.Fields {
			resp.FieldLabels[field] = pipeline.FieldLabel(field)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type retryRequest struct {
	Reset bool `json:"reset,omitempty"`
}

// handleRetry is the operator retry affordance for failed documents.
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	var req retryRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, &pipeline.PipelineError{
				Code:    pipeline.ErrInvalidInput,
				Message: fmt.Sprintf("malformed request body: %v", err),
			})
			return
		}
	}

	decision, err := s.pipeline.RetryDocument(r.Context(), r.PathValue("id"), req.Reset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

// handleEvents streams the document's status transitions over SSE.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.broker.ServeSSE(w, r, r.PathValue("id"))
}

// handleSearch proxies admin record search to Algolia.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if s.searcher == nil {
		http.Error(w, "record search is not configured", http.StatusServiceUnavailable)
		return
	}

	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("page_size"))

	resp, err := s.searcher.Search(r.Context(), search.SearchParams{
		Query:    q.Get("q"),
		ParcelID: q.Get("parcel_id"),
		CropType: q.Get("crop_type"),
		Page:     page,
		PageSize: pageSize,
	})
	if err != nil {
		log.Printf("[service] record search: %v", err)
		http.Error(w, "search failed", http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError maps pipeline errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	code := "INTERNAL"
	message := "internal error"
	httpStatus := http.StatusInternalServerError

	var pe *pipeline.PipelineError
	switch {
	case errors.As(err, &pe):
		code = string(pe.Code)
		message = pe.Message
		switch pe.Code {
		case pipeline.ErrInvalidInput:
			httpStatus = http.StatusBadRequest
		case pipeline.ErrAttemptActive, pipeline.ErrNotRetriable, pipeline.ErrIllegalTransition, pipeline.ErrStaleAttempt:
			httpStatus = http.StatusConflict
		case pipeline.ErrNotFound:
			httpStatus = http.StatusNotFound
		case pipeline.ErrEngineRateLimited:
			httpStatus = http.StatusTooManyRequests
		case pipeline.ErrEngineTimeout, pipeline.ErrEngineUnavailable:
			httpStatus = http.StatusBadGateway
		}
	case errors.Is(err, store.ErrNotFound):
		code = "NOT_FOUND"
		message = "document not found"
		httpStatus = http.StatusNotFound
	default:
		log.Printf("[service] internal error: %v", err)
	}

	writeJSON(w, httpStatus, errorResponse{Code: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("[service] encode response: %v", err)
	}
}
