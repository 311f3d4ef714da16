package model

import "time"

// StatusEvent is an immutable fact emitted on every accepted state machine
// transition. Append-only; consumed by the status delivery layer and persisted
// for audit.
type StatusEvent struct {
	ID         string    `json:"id" firestore:"Id"`
	DocumentID string    `json:"document_id" firestore:"DocumentId"`
	AttemptID  string    `json:"attempt_id" firestore:"AttemptId"`
	FromStage  Stage     `json:"from_state" firestore:"FromStage"`
	ToStage    Stage     `json:"to_state" firestore:"ToStage"`
	Detail     string    `json:"detail,omitempty" firestore:"Detail"`
	Timestamp  time.Time `json:"timestamp" firestore:"Timestamp"`
}

// Terminal reports whether this event announces a terminal stage. Subscribers
// that miss a terminal event over push must still observe it via polling.
func (e *StatusEvent) Terminal() bool {
	return e.ToStage.Terminal()
}
