// Package model holds the domain types shared across the extraction pipeline.
package model

import "time"

// Document is one unit of work: an uploaded file or a scraped page.
// Documents are immutable once created; re-submitting content with the same
// fingerprint reuses the existing Document instead of creating a new one.
type Document struct {
	ID          string    `json:"id" firestore:"Id"`
	SourceURI   string    `json:"source_uri,omitempty" firestore:"SourceUri"`
	Fingerprint string    `json:"content_fingerprint" firestore:"Fingerprint"`
	CreatedAt   time.Time `json:"created_at" firestore:"CreatedAt"`
}

// Stage is a step in the extraction lifecycle.
type Stage string

const (
	StageUploading  Stage = "uploading"
	StageVirusScan  Stage = "virus_scan"
	StageExtracting Stage = "extracting"
	StageOCR        Stage = "ocr"
	StageAI         Stage = "ai"
	StageCompleted  Stage = "completed"
	StageFailed     Stage = "failed"
)

// Terminal reports whether no further automatic transition occurs from s.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// FailureCode classifies why an attempt failed.
type FailureCode string

const (
	// FailureNone marks an attempt that has not failed.
	FailureNone FailureCode = ""
	// FailureInvalidInput marks malformed or corrupt content. Never retried.
	FailureInvalidInput FailureCode = "invalid_input"
	// FailureTransient marks timeouts, rate limits and network errors from the
	// extractor. Retried with backoff.
	FailureTransient FailureCode = "transient"
	// FailureRetriesExhausted marks an attempt that ran out of retry budget.
	FailureRetriesExhausted FailureCode = "retries_exhausted"
)

// ExtractionAttempt is one execution of an extractor against a Document.
// Mutated only by the owning pipeline.
type ExtractionAttempt struct {
	ID         string `json:"id" firestore:"Id"`
	DocumentID string `json:"document_id" firestore:"DocumentId"`
	EngineName string `json:"engine_name,omitempty" firestore:"EngineName"`
	Stage      Stage  `json:"stage" firestore:"Stage"`

	// RawFields is the untyped field map produced by the extractor, kept for
	// re-normalization and audit.
	RawFields  map[string]any `json:"raw_fields,omitempty" firestore:"RawFields"`
	Confidence float64        `json:"confidence" firestore:"Confidence"`

	FailureCode   FailureCode `json:"failure_code,omitempty" firestore:"FailureCode"`
	FailureDetail string      `json:"failure_detail,omitempty" firestore:"FailureDetail"`

	// LastGoodStage is the last non-terminal stage the attempt passed through
	// successfully. A retry resumes here rather than from uploading, unless the
	// failure was an input error.
	LastGoodStage Stage `json:"last_good_stage,omitempty" firestore:"LastGoodStage"`

	// RouteStage records the ocr-vs-ai routing decision made on the first pass
	// over the content. Retries resume without content bytes and reuse it.
	RouteStage Stage `json:"route_stage,omitempty" firestore:"RouteStage"`

	RetryCount  int        `json:"retry_count" firestore:"RetryCount"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty" firestore:"NextRetryAt"`

	// IdempotencyKey is stable across retries of the same logical attempt so a
	// slow prior execution and its retry cannot both commit results.
	IdempotencyKey string `json:"idempotency_key" firestore:"IdempotencyKey"`

	CreatedAt   time.Time  `json:"created_at" firestore:"CreatedAt"`
	CompletedAt *time.Time `json:"completed_at,omitempty" firestore:"CompletedAt"`
}

// Active reports whether the attempt is still in a non-terminal stage.
func (a *ExtractionAttempt) Active() bool {
	return !a.Stage.Terminal()
}

// FieldValue is one canonical field on a CanonicalRecord together with the
// confidence and provenance of the winning extraction attempt.
type FieldValue struct {
	Value           any     `json:"value" firestore:"Value"`
	Confidence      float64 `json:"confidence" firestore:"Confidence"`
	SourceAttemptID string  `json:"source_attempt_id" firestore:"SourceAttemptId"`
}

// CanonicalRecord is the merged, normalized output for a Document. It is
// recomputed, never hand-edited, whenever an attempt completes, and is the only
// artifact external consumers read.
type CanonicalRecord struct {
	DocumentID   string                `json:"document_id" firestore:"DocumentId"`
	Fields       map[string]FieldValue `json:"fields" firestore:"Fields"`
	MergeVersion int64                 `json:"merge_version" firestore:"MergeVersion"`
	UpdatedAt    time.Time             `json:"updated_at" firestore:"UpdatedAt"`
}

// Clone returns a deep copy so merges never mutate a record shared with readers.
func (r *CanonicalRecord) Clone() *CanonicalRecord {
	if r == nil {
		return nil
	}
	clone := &CanonicalRecord{
		DocumentID:   r.DocumentID,
		Fields:       make(map[string]FieldValue, len(r.Fields)),
		MergeVersion: r.MergeVersion,
		UpdatedAt:    r.UpdatedAt,
	}
	for k, v := range r.Fields {
		clone.Fields[k] = v
	}
	return clone
}
