package store

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/agridoc/backend/internal/model"
)

const (
	collDocuments = "documents"
	collAttempts  = "extractionAttempts"
	collRecords   = "canonicalRecords"
	collEvents    = "statusEvents"
)

// FirestoreStore implements the Store interface using Firestore.
type FirestoreStore struct {
	client *firestore.Client
}

// NewFirestoreStore creates a new Firestore-backed store.
func NewFirestoreStore(client *firestore.Client) Store {
	return &FirestoreStore{client: client}
}

// mapNotFound converts a Firestore not-found status into the store sentinel.
func mapNotFound(err error) error {
	if status.Code(err) == codes.NotFound {
		return fmt.Errorf("%v: %w", err, ErrNotFound)
	}
	return err
}

func (s *FirestoreStore) CreateDocument(ctx context.Context, doc *model.Document) error {
	// Create (not Set) so an ID collision surfaces instead of silently
	// overwriting an immutable Document.
	_, err := s.client.Collection(collDocuments).Doc(doc.ID).Create(ctx, doc)
	return err
}

func (s *FirestoreStore) GetDocument(ctx context.Context, documentID string) (*model.Document, error) {
	snap, err := s.client.Collection(collDocuments).Doc(documentID).Get(ctx)
	if err != nil {
		return nil, mapNotFound(err)
	}
	var doc model.Document
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return &doc, nil
}

func (s *FirestoreStore) GetDocumentByFingerprint(ctx context.Context, fingerprint string) (*model.Document, error) {
	iter := s.client.Collection(collDocuments).
		Where("Fingerprint", "==", fingerprint).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if err == iterator.Done {
		return nil, fmt.Errorf("fingerprint %s: %w", fingerprint, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var doc model.Document
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return &doc, nil
}

func (s *FirestoreStore) ListDocuments(ctx context.Context, pageSize int32, pageToken string) ([]*model.Document, string, error) {
	query := s.client.Collection(collDocuments).Query.
		OrderBy(firestore.DocumentID, firestore.Asc)

	if pageToken != "" {
		docID, err := DecodePageToken(pageToken)
		if err != nil {
			return nil, "", fmt.Errorf("invalid page token: %w", err)
		}
		query = query.StartAfter(docID)
	}
	if pageSize <= 0 {
		pageSize = 100
	}
	query = query.Limit(int(pageSize) + 1) // +1 to detect next page

	iter := query.Documents(ctx)
	defer iter.Stop()

	var docs []*model.Document
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, "", err
		}
		var doc model.Document
		if err := snap.DataTo(&doc); err != nil {
			return nil, "", fmt.Errorf("decode document: %w", err)
		}
		docs = append(docs, &doc)
	}

	nextToken := ""
	if len(docs) > int(pageSize) {
		docs = docs[:pageSize]
		nextToken = EncodePageToken(docs[len(docs)-1].ID)
	}
	return docs, nextToken, nil
}

func (s *FirestoreStore) CreateAttempt(ctx context.Context, attempt *model.ExtractionAttempt) error {
	_, err := s.client.Collection(collAttempts).Doc(attempt.ID).Create(ctx, attempt)
	return err
}

func (s *FirestoreStore) GetAttempt(ctx context.Context, attemptID string) (*model.ExtractionAttempt, error) {
	snap, err := s.client.Collection(collAttempts).Doc(attemptID).Get(ctx)
	if err != nil {
		return nil, mapNotFound(err)
	}
	var attempt model.ExtractionAttempt
	if err := snap.DataTo(&attempt); err != nil {
		return nil, fmt.Errorf("decode attempt: %w", err)
	}
	return &attempt, nil
}

func (s *FirestoreStore) UpdateAttempt(ctx context.Context, attempt *model.ExtractionAttempt) error {
	_, err := s.client.Collection(collAttempts).Doc(attempt.ID).Set(ctx, attempt)
	return err
}

func (s *FirestoreStore) GetActiveAttempt(ctx context.Context, documentID string) (*model.ExtractionAttempt, error) {
	iter := s.client.Collection(collAttempts).
		Where("DocumentId", "==", documentID).
		Where("Stage", "not-in", []string{string(model.StageCompleted), string(model.StageFailed)}).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if err == iterator.Done {
		return nil, fmt.Errorf("no active attempt for document %s: %w", documentID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var attempt model.ExtractionAttempt
	if err := snap.DataTo(&attempt); err != nil {
		return nil, fmt.Errorf("decode attempt: %w", err)
	}
	return &attempt, nil
}

func (s *FirestoreStore) ListAttempts(ctx context.Context, documentID string) ([]*model.ExtractionAttempt, error) {
	iter := s.client.Collection(collAttempts).
		Where("DocumentId", "==", documentID).
		OrderBy("CreatedAt", firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var attempts []*model.ExtractionAttempt
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		var attempt model.ExtractionAttempt
		if err := snap.DataTo(&attempt); err != nil {
			return nil, fmt.Errorf("decode attempt: %w", err)
		}
		attempts = append(attempts, &attempt)
	}
	return attempts, nil
}

func (s *FirestoreStore) ListDueAttempts(ctx context.Context, due time.Time, limit int) ([]*model.ExtractionAttempt, error) {
	if limit <= 0 {
		limit = 50
	}
	iter := s.client.Collection(collAttempts).
		Where("Stage", "==", string(model.StageFailed)).
		Where("NextRetryAt", "<=", due).
		OrderBy("NextRetryAt", firestore.Asc).
		Limit(limit).
		Documents(ctx)
	defer iter.Stop()

	var attempts []*model.ExtractionAttempt
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		var attempt model.ExtractionAttempt
		if err := snap.DataTo(&attempt); err != nil {
			return nil, fmt.Errorf("decode attempt: %w", err)
		}
		attempts = append(attempts, &attempt)
	}
	return attempts, nil
}

func (s *FirestoreStore) GetCanonicalRecord(ctx context.Context, documentID string) (*model.CanonicalRecord, error) {
	snap, err := s.client.Collection(collRecords).Doc(documentID).Get(ctx)
	if err != nil {
		return nil, mapNotFound(err)
	}
	var record model.CanonicalRecord
	if err := snap.DataTo(&record); err != nil {
		return nil, fmt.Errorf("decode canonical record: %w", err)
	}
	return &record, nil
}

func (s *FirestoreStore) UpsertCanonicalRecord(ctx context.Context, record *model.CanonicalRecord) error {
	ref := s.client.Collection(collRecords).Doc(record.DocumentID)

	// Transaction guards merge_version monotonicity: an out-of-order write is
	// discarded rather than clobbering a newer merge.
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if snap != nil && snap.Exists() {
			var existing model.CanonicalRecord
			if err := snap.DataTo(&existing); err != nil {
				return fmt.Errorf("decode canonical record: %w", err)
			}
			if existing.MergeVersion >= record.MergeVersion {
				return fmt.Errorf("merge_version %d <= stored %d: %w",
					record.MergeVersion, existing.MergeVersion, ErrStaleRecord)
			}
		}
		return tx.Set(ref, record)
	})
}

func (s *FirestoreStore) AppendStatusEvent(ctx context.Context, event *model.StatusEvent) error {
	_, err := s.client.Collection(collEvents).Doc(event.ID).Create(ctx, event)
	return err
}

// ListStatusEvents returns the last limit events in ascending timestamp
// order: the query walks backwards from the newest event and the page is
// reversed, so a capped read always includes the latest transition.
func (s *FirestoreStore) ListStatusEvents(ctx context.Context, documentID string, limit int) ([]*model.StatusEvent, error) {
	query := s.client.Collection(collEvents).
		Where("DocumentId", "==", documentID).
		OrderBy("Timestamp", firestore.Desc)
	if limit > 0 {
		query = query.Limit(limit)
	}
	iter := query.Documents(ctx)
	defer iter.Stop()

	var events []*model.StatusEvent
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		var event model.StatusEvent
		if err := snap.DataTo(&event); err != nil {
			return nil, fmt.Errorf("decode status event: %w", err)
		}
		events = append(events, &event)
	}
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}
