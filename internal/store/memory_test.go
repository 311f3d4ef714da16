package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agridoc/backend/internal/model"
)

func TestMemoryStore_DocumentDedupByFingerprint(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	doc := &model.Document{
		ID:          "doc-1",
		SourceURI:   "upload://form.pdf",
		Fingerprint: "abc123",
		CreatedAt:   time.Now(),
	}
	require.NoError(t, s.CreateDocument(ctx, doc))

	// Same fingerprint under a new ID must be rejected: exactly one Document
	// per distinct fingerprint.
	dup := &model.Document{ID: "doc-2", Fingerprint: "abc123", CreatedAt: time.Now()}
	require.Error(t, s.CreateDocument(ctx, dup))

	found, err := s.GetDocumentByFingerprint(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, "doc-1", found.ID)

	_, err = s.GetDocumentByFingerprint(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ActiveAttempt(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	active := &model.ExtractionAttempt{
		ID:         "att-1",
		DocumentID: "doc-1",
		Stage:      model.StageExtracting,
		CreatedAt:  time.Now(),
	}
	require.NoError(t, s.CreateAttempt(ctx, active))

	got, err := s.GetActiveAttempt(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "att-1", got.ID)

	// Terminal attempts are not active.
	active.Stage = model.StageCompleted
	require.NoError(t, s.UpdateAttempt(ctx, active))
	_, err = s.GetActiveAttempt(ctx, "doc-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ListDueAttempts(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()

	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	attempts := []*model.ExtractionAttempt{
		{ID: "due", DocumentID: "d1", Stage: model.StageFailed, NextRetryAt: &past, CreatedAt: now},
		{ID: "later", DocumentID: "d2", Stage: model.StageFailed, NextRetryAt: &future, CreatedAt: now},
		{ID: "no-retry", DocumentID: "d3", Stage: model.StageFailed, CreatedAt: now},
		{ID: "running", DocumentID: "d4", Stage: model.StageExtracting, NextRetryAt: &past, CreatedAt: now},
	}
	for _, a := range attempts {
		require.NoError(t, s.CreateAttempt(ctx, a))
	}

	due, err := s.ListDueAttempts(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "due", due[0].ID)
}

func TestMemoryStore_CanonicalRecordVersionGuard(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	v1 := &model.CanonicalRecord{DocumentID: "doc-1", MergeVersion: 1, Fields: map[string]model.FieldValue{}}
	v2 := &model.CanonicalRecord{DocumentID: "doc-1", MergeVersion: 2, Fields: map[string]model.FieldValue{}}

	require.NoError(t, s.UpsertCanonicalRecord(ctx, v1))
	require.NoError(t, s.UpsertCanonicalRecord(ctx, v2))

	// Replaying the older merge must not clobber the newer one.
	err := s.UpsertCanonicalRecord(ctx, v1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStaleRecord))

	got, err := s.GetCanonicalRecord(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.MergeVersion)
}

func TestMemoryStore_StatusEventsAppendOnly(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	stages := []model.Stage{model.StageVirusScan, model.StageExtracting, model.StageCompleted}
	for i, stage := range stages {
		require.NoError(t, s.AppendStatusEvent(ctx, &model.StatusEvent{
			ID:         string(rune('a' + i)),
			DocumentID: "doc-1",
			ToStage:    stage,
			Timestamp:  time.Now(),
		}))
	}

	events, err := s.ListStatusEvents(ctx, "doc-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, model.StageCompleted, events[2].ToStage)

	tail, err := s.ListStatusEvents(ctx, "doc-1", 2)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, model.StageExtracting, tail[0].ToStage)
	// The newest event is always in a capped read: the status endpoint takes
	// the last element as the document's latest transition.
	assert.Equal(t, model.StageCompleted, tail[1].ToStage)
}

func TestMemoryStore_ListStatusEventsCapKeepsNewest(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	// A document cycling through several retries accumulates far more events
	// than the status endpoint's cap.
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 50; i++ {
		require.NoError(t, s.AppendStatusEvent(ctx, &model.StatusEvent{
			ID:         fmt.Sprintf("ev-%02d", i),
			DocumentID: "doc-1",
			ToStage:    model.StageExtracting,
			Timestamp:  base.Add(time.Duration(i) * time.Minute),
		}))
	}

	events, err := s.ListStatusEvents(ctx, "doc-1", 20)
	require.NoError(t, err)
	require.Len(t, events, 20)
	assert.Equal(t, "ev-30", events[0].ID)
	assert.Equal(t, "ev-49", events[len(events)-1].ID)
	for i := 1; i < len(events); i++ {
		assert.True(t, events[i].Timestamp.After(events[i-1].Timestamp),
			"events must stay in ascending timestamp order")
	}
}

func TestMemoryStore_ClonesOnReadAndWrite(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	attempt := &model.ExtractionAttempt{
		ID:         "att-1",
		DocumentID: "doc-1",
		Stage:      model.StageExtracting,
		RawFields:  map[string]any{"owner": "Jean"},
		CreatedAt:  time.Now(),
	}
	require.NoError(t, s.CreateAttempt(ctx, attempt))

	// Mutating the caller's copy after the write must not leak into the store.
	attempt.RawFields["owner"] = "mutated"
	attempt.Stage = model.StageFailed

	got, err := s.GetAttempt(ctx, "att-1")
	require.NoError(t, err)
	assert.Equal(t, "Jean", got.RawFields["owner"])
	assert.Equal(t, model.StageExtracting, got.Stage)
}

func TestPageTokenRoundTrip(t *testing.T) {
	token := EncodePageToken("doc-42")
	id, err := DecodePageToken(token)
	require.NoError(t, err)
	assert.Equal(t, "doc-42", id)

	id, err = DecodePageToken("")
	require.NoError(t, err)
	assert.Empty(t, id)

	_, err = DecodePageToken("%%%not-base64%%%")
	assert.Error(t, err)
}
