package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agridoc/backend/internal/model"
)

// MemoryStore implements Store with in-memory storage, for local development
// and tests.
type MemoryStore struct {
	mu sync.RWMutex

	documents     map[string]*model.Document
	byFingerprint map[string]string // fingerprint -> document ID
	attempts      map[string]*model.ExtractionAttempt
	records       map[string]*model.CanonicalRecord
	events        map[string][]*model.StatusEvent // document ID -> append-only log
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		documents:     make(map[string]*model.Document),
		byFingerprint: make(map[string]string),
		attempts:      make(map[string]*model.ExtractionAttempt),
		records:       make(map[string]*model.CanonicalRecord),
		events:        make(map[string][]*model.StatusEvent),
	}
}

// paginateIDs applies cursor-based pagination to a sorted slice of IDs.
// Returns the paginated IDs and the next page token (empty if no more pages).
func paginateIDs(ids []string, pageSize int32, pageToken string) ([]string, string, error) {
	if pageSize <= 0 {
		pageSize = 100
	}
	sort.Strings(ids)

	startIdx := 0
	if pageToken != "" {
		cursor, err := DecodePageToken(pageToken)
		if err != nil {
			return nil, "", fmt.Errorf("invalid page token: %w", err)
		}
		for i, id := range ids {
			if id > cursor {
				startIdx = i
				break
			}
			startIdx = len(ids)
		}
	}

	endIdx := startIdx + int(pageSize)
	if endIdx > len(ids) {
		endIdx = len(ids)
	}

	nextToken := ""
	if endIdx < len(ids) {
		nextToken = EncodePageToken(ids[endIdx-1])
	}
	return ids[startIdx:endIdx], nextToken, nil
}

func (s *MemoryStore) CreateDocument(_ context.Context, doc *model.Document) error {
	if doc.ID == "" {
		return fmt.Errorf("document ID is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.documents[doc.ID]; ok {
		return fmt.Errorf("document already exists: %s", doc.ID)
	}
	if existing, ok := s.byFingerprint[doc.Fingerprint]; ok {
		return fmt.Errorf("fingerprint %s already owned by document %s", doc.Fingerprint, existing)
	}
	copied := *doc
	s.documents[doc.ID] = &copied
	s.byFingerprint[doc.Fingerprint] = doc.ID
	return nil
}

func (s *MemoryStore) GetDocument(_ context.Context, documentID string) (*model.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.documents[documentID]
	if !ok {
		return nil, fmt.Errorf("document %s: %w", documentID, ErrNotFound)
	}
	copied := *doc
	return &copied, nil
}

func (s *MemoryStore) GetDocumentByFingerprint(_ context.Context, fingerprint string) (*model.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byFingerprint[fingerprint]
	if !ok {
		return nil, fmt.Errorf("fingerprint %s: %w", fingerprint, ErrNotFound)
	}
	copied := *s.documents[id]
	return &copied, nil
}

func (s *MemoryStore) ListDocuments(_ context.Context, pageSize int32, pageToken string) ([]*model.Document, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.documents))
	for id := range s.documents {
		ids = append(ids, id)
	}
	page, next, err := paginateIDs(ids, pageSize, pageToken)
	if err != nil {
		return nil, "", err
	}

	docs := make([]*model.Document, 0, len(page))
	for _, id := range page {
		copied := *s.documents[id]
		docs = append(docs, &copied)
	}
	return docs, next, nil
}

func (s *MemoryStore) CreateAttempt(_ context.Context, attempt *model.ExtractionAttempt) error {
	if attempt.ID == "" {
		return fmt.Errorf("attempt ID is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.attempts[attempt.ID]; ok {
		return fmt.Errorf("attempt already exists: %s", attempt.ID)
	}
	s.attempts[attempt.ID] = cloneAttempt(attempt)
	return nil
}

func (s *MemoryStore) GetAttempt(_ context.Context, attemptID string) (*model.ExtractionAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	attempt, ok := s.attempts[attemptID]
	if !ok {
		return nil, fmt.Errorf("attempt %s: %w", attemptID, ErrNotFound)
	}
	return cloneAttempt(attempt), nil
}

func (s *MemoryStore) UpdateAttempt(_ context.Context, attempt *model.ExtractionAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.attempts[attempt.ID]; !ok {
		return fmt.Errorf("attempt %s: %w", attempt.ID, ErrNotFound)
	}
	s.attempts[attempt.ID] = cloneAttempt(attempt)
	return nil
}

func (s *MemoryStore) GetActiveAttempt(_ context.Context, documentID string) (*model.ExtractionAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, attempt := range s.attempts {
		if attempt.DocumentID == documentID && attempt.Active() {
			return cloneAttempt(attempt), nil
		}
	}
	return nil, fmt.Errorf("no active attempt for document %s: %w", documentID, ErrNotFound)
}

func (s *MemoryStore) ListAttempts(_ context.Context, documentID string) ([]*model.ExtractionAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var attempts []*model.ExtractionAttempt
	for _, attempt := range s.attempts {
		if attempt.DocumentID == documentID {
			attempts = append(attempts, cloneAttempt(attempt))
		}
	}
	sort.Slice(attempts, func(i, j int) bool {
		return attempts[i].CreatedAt.Before(attempts[j].CreatedAt)
	})
	return attempts, nil
}

func (s *MemoryStore) ListDueAttempts(_ context.Context, due time.Time, limit int) ([]*model.ExtractionAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var dueAttempts []*model.ExtractionAttempt
	for _, attempt := range s.attempts {
		if attempt.Stage == model.StageFailed && attempt.NextRetryAt != nil && !attempt.NextRetryAt.After(due) {
			dueAttempts = append(dueAttempts, cloneAttempt(attempt))
		}
	}
	sort.Slice(dueAttempts, func(i, j int) bool {
		return dueAttempts[i].NextRetryAt.Before(*dueAttempts[j].NextRetryAt)
	})
	if limit > 0 && len(dueAttempts) > limit {
		dueAttempts = dueAttempts[:limit]
	}
	return dueAttempts, nil
}

func (s *MemoryStore) GetCanonicalRecord(_ context.Context, documentID string) (*model.CanonicalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[documentID]
	if !ok {
		return nil, fmt.Errorf("canonical record for %s: %w", documentID, ErrNotFound)
	}
	return record.Clone(), nil
}

func (s *MemoryStore) UpsertCanonicalRecord(_ context.Context, record *model.CanonicalRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.records[record.DocumentID]; ok && existing.MergeVersion >= record.MergeVersion {
		return fmt.Errorf("merge_version %d <= stored %d: %w", record.MergeVersion, existing.MergeVersion, ErrStaleRecord)
	}
	s.records[record.DocumentID] = record.Clone()
	return nil
}

func (s *MemoryStore) AppendStatusEvent(_ context.Context, event *model.StatusEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *event
	s.events[event.DocumentID] = append(s.events[event.DocumentID], &copied)
	return nil
}

func (s *MemoryStore) ListStatusEvents(_ context.Context, documentID string, limit int) ([]*model.StatusEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.events[documentID]
	events := make([]*model.StatusEvent, 0, len(log))
	for _, event := range log {
		copied := *event
		events = append(events, &copied)
	}
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}

func cloneAttempt(a *model.ExtractionAttempt) *model.ExtractionAttempt {
	copied := *a
	if a.NextRetryAt != nil {
		next := *a.NextRetryAt
		copied.NextRetryAt = &next
	}
	if a.CompletedAt != nil {
		done := *a.CompletedAt
		copied.CompletedAt = &done
	}
	if a.RawFields != nil {
		copied.RawFields = make(map[string]any, len(a.RawFields))
		for k, v := range a.RawFields {
			copied.RawFields[k] = v
		}
	}
	return &copied
}
