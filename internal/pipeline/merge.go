package pipeline

import (
	"reflect"
	"time"

	"github.com/agridoc/backend/internal/model"
)

// TiePolicy decides which attempt wins a field when two attempts report
// identical confidence. The original behavior was ambiguous here, so the
// policy is configurable rather than hard-coded.
type TiePolicy int

const (
	// TieMostRecentWins lets a newer attempt overwrite an equal-confidence
	// field. Default.
	TieMostRecentWins TiePolicy = iota
	// TieFirstWins keeps the value already on the record.
	TieFirstWins
)

// FieldChange describes one field the merge engine changed, for observability.
type FieldChange struct {
	Field           string  `json:"field"`
	OldValue        any     `json:"old_value,omitempty"`
	NewValue        any     `json:"new_value"`
	OldConfidence   float64 `json:"old_confidence"`
	NewConfidence   float64 `json:"new_confidence"`
	ConfidenceDelta float64 `json:"confidence_delta"`
}

// MergeEngine reconciles extraction attempts into a single CanonicalRecord.
// Callers serialize merges per document (same lock as state transitions), so
// merge_version increments are strictly ordered.
type MergeEngine struct {
	ties TiePolicy
}

// NewMergeEngine creates a merge engine with the given tie policy.
func NewMergeEngine(ties TiePolicy) *MergeEngine {
	return &MergeEngine{ties: ties}
}

// Merge folds the normalized fields of a completed attempt into the existing
// record (nil for the first merge). Fields are merged independently: for each
// field the highest-confidence source wins, a lower-confidence attempt never
// overwrites, and per-field confidence therefore never decreases. Returns the
// new record and the list of fields that changed.
func (m *MergeEngine) Merge(existing *model.CanonicalRecord, attempt *model.ExtractionAttempt, normalized map[string]any) (*model.CanonicalRecord, []FieldChange) {
	record := existing.Clone()
	if record == nil {
		record = &model.CanonicalRecord{
			DocumentID: attempt.DocumentID,
			Fields:     make(map[string]model.FieldValue),
		}
	}

	var changes []FieldChange
	for field, value := range normalized {
		current, exists := record.Fields[field]
		if exists && !m.wins(attempt.Confidence, current.Confidence) {
			continue
		}

		change := FieldChange{
			Field:           field,
			NewValue:        value,
			NewConfidence:   attempt.Confidence,
			ConfidenceDelta: attempt.Confidence,
		}
		if exists {
			change.OldValue = current.Value
			change.OldConfidence = current.Confidence
			change.ConfidenceDelta = attempt.Confidence - current.Confidence
			if current.Confidence == attempt.Confidence && current.SourceAttemptID == attempt.ID && reflect.DeepEqual(current.Value, value) {
				continue
			}
		}
		record.Fields[field] = model.FieldValue{
			Value:           value,
			Confidence:      attempt.Confidence,
			SourceAttemptID: attempt.ID,
		}
		changes = append(changes, change)
	}

	record.MergeVersion++
	record.UpdatedAt = time.Now().UTC()
	return record, changes
}

// wins reports whether an incoming confidence beats the confidence already on
// the record for a field.
func (m *MergeEngine) wins(incoming, current float64) bool {
	if incoming > current {
		return true
	}
	if incoming < current {
		return false
	}
	// Equal confidence: merges are serialized per document, so the incoming
	// attempt is by definition the more recent one.
	return m.ties == TieMostRecentWins
}
