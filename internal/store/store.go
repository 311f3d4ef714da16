// Package store persists the pipeline's durable state: documents, extraction
// attempts, canonical records, and the status event audit trail.
package store

import (
	"context"
	"encoding/base64"
	"errors"
	"time"

	"github.com/agridoc/backend/internal/model"
)

//go:generate mockgen -source=store.go -destination=store_mock.go -package=store

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrStaleRecord is returned when a canonical record upsert carries a
// merge_version lower than or equal to the stored one. merge_version only
// increases; a stale write is discarded rather than applied.
var ErrStaleRecord = errors.New("stale canonical record")

// Store defines the interface for all database operations used by the pipeline.
type Store interface {
	// Document operations. Documents are immutable once created.
	CreateDocument(ctx context.Context, doc *model.Document) error
	GetDocument(ctx context.Context, documentID string) (*model.Document, error)
	GetDocumentByFingerprint(ctx context.Context, fingerprint string) (*model.Document, error)
	ListDocuments(ctx context.Context, pageSize int32, pageToken string) ([]*model.Document, string, error)

	// Extraction attempt operations.
	CreateAttempt(ctx context.Context, attempt *model.ExtractionAttempt) error
	GetAttempt(ctx context.Context, attemptID string) (*model.ExtractionAttempt, error)
	UpdateAttempt(ctx context.Context, attempt *model.ExtractionAttempt) error
	// GetActiveAttempt returns the single non-terminal attempt for a document,
	// or ErrNotFound when every attempt is terminal.
	GetActiveAttempt(ctx context.Context, documentID string) (*model.ExtractionAttempt, error)
	ListAttempts(ctx context.Context, documentID string) ([]*model.ExtractionAttempt, error)
	// ListDueAttempts returns failed attempts whose NextRetryAt is at or before
	// the given instant, for the retry dispatcher.
	ListDueAttempts(ctx context.Context, due time.Time, limit int) ([]*model.ExtractionAttempt, error)

	// Canonical record operations.
	GetCanonicalRecord(ctx context.Context, documentID string) (*model.CanonicalRecord, error)
	UpsertCanonicalRecord(ctx context.Context, record *model.CanonicalRecord) error

	// Status event audit trail.
	AppendStatusEvent(ctx context.Context, event *model.StatusEvent) error
	// ListStatusEvents returns a document's events in ascending timestamp
	// order. A positive limit keeps the LAST limit events, so the newest
	// transition is always present in a capped read.
	ListStatusEvents(ctx context.Context, documentID string, limit int) ([]*model.StatusEvent, error)
}

// EncodePageToken encodes a document ID into a page token.
func EncodePageToken(docID string) string {
	if docID == "" {
		return ""
	}
	return base64.URLEncoding.EncodeToString([]byte(docID))
}

// DecodePageToken decodes a page token back to a document ID.
func DecodePageToken(token string) (string, error) {
	if token == "" {
		return "", nil
	}
	b, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
