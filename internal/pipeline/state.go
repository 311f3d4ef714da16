package pipeline

import (
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/agridoc/backend/internal/model"
)

// allowedEdges is the transition table of the extraction lifecycle. ocr and ai
// are alternative sub-stages: scanned documents go through ocr, structured
// text goes through ai, not every document passes through both.
var allowedEdges = map[model.Stage][]model.Stage{
	model.StageUploading:  {model.StageVirusScan, model.StageFailed},
	model.StageVirusScan:  {model.StageExtracting, model.StageFailed},
	model.StageExtracting: {model.StageOCR, model.StageAI, model.StageCompleted, model.StageFailed},
	model.StageOCR:        {model.StageCompleted, model.StageFailed},
	model.StageAI:         {model.StageCompleted, model.StageFailed},
	model.StageCompleted:  {},
	model.StageFailed:     {},
}

// CanTransition reports whether from -> to is an allowed edge.
func CanTransition(from, to model.Stage) bool {
	for _, next := range allowedEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates and applies a stage change on an attempt, returning the
// StatusEvent describing it. An illegal transition request is rejected and
// logged as an invariant violation; the attempt is left untouched (fail
// closed). Callers hold the per-document lock.
func Transition(attempt *model.ExtractionAttempt, to model.Stage, detail string) (*model.StatusEvent, error) {
	from := attempt.Stage
	if !CanTransition(from, to) {
		log.Printf("[pipeline] invariant violation: illegal transition %s -> %s requested for attempt %s (document %s)",
			from, to, attempt.ID, attempt.DocumentID)
		return nil, &PipelineError{
			Code:    ErrIllegalTransition,
			Message: fmt.Sprintf("transition %s -> %s is not allowed", from, to),
		}
	}

	now := time.Now().UTC()
	if to != model.StageFailed && from != model.StageUploading {
		// from completed successfully; a retry of a later failure resumes here.
		// A transition INTO failed means from did not complete, so it is not
		// recorded.
		attempt.LastGoodStage = from
	}
	attempt.Stage = to
	if to.Terminal() {
		attempt.CompletedAt = &now
	}

	return &model.StatusEvent{
		ID:         uuid.New().String(),
		DocumentID: attempt.DocumentID,
		AttemptID:  attempt.ID,
		FromStage:  from,
		ToStage:    to,
		Detail:     detail,
		Timestamp:  now,
	}, nil
}

// Fail moves an attempt to the terminal failed stage with a failure code,
// regardless of the stage it is currently in (failed is reachable from every
// non-terminal stage).
func Fail(attempt *model.ExtractionAttempt, code model.FailureCode, detail string) (*model.StatusEvent, error) {
	if attempt.Stage.Terminal() {
		return nil, &PipelineError{
			Code:    ErrIllegalTransition,
			Message: fmt.Sprintf("attempt %s already terminal in %s", attempt.ID, attempt.Stage),
		}
	}
	event, err := Transition(attempt, model.StageFailed, detail)
	if err != nil {
		return nil, err
	}
	attempt.FailureCode = code
	attempt.FailureDetail = detail
	return event, nil
}

// ResumeStage returns the stage a retried attempt restarts from: the last
// successful non-terminal stage, or uploading when the input itself was never
// valid.
func ResumeStage(attempt *model.ExtractionAttempt) model.Stage {
	if attempt.FailureCode == model.FailureInvalidInput {
		return model.StageUploading
	}
	if attempt.LastGoodStage != "" && !attempt.LastGoodStage.Terminal() {
		return attempt.LastGoodStage
	}
	return model.StageUploading
}

// Reopen moves a failed attempt back to its resume stage for a retry. The
// failure markers are cleared; retry accounting is the scheduler's job.
func Reopen(attempt *model.ExtractionAttempt) (*model.StatusEvent, error) {
	if attempt.Stage != model.StageFailed {
		return nil, &PipelineError{
			Code:    ErrNotRetriable,
			Message: fmt.Sprintf("attempt %s is in %s, only failed attempts can be reopened", attempt.ID, attempt.Stage),
		}
	}

	from := attempt.Stage
	to := ResumeStage(attempt)
	now := time.Now().UTC()

	attempt.Stage = to
	attempt.FailureCode = model.FailureNone
	attempt.FailureDetail = ""
	attempt.CompletedAt = nil

	return &model.StatusEvent{
		ID:         uuid.New().String(),
		DocumentID: attempt.DocumentID,
		AttemptID:  attempt.ID,
		FromStage:  from,
		ToStage:    to,
		Detail:     fmt.Sprintf("retry %d", attempt.RetryCount),
		Timestamp:  now,
	}, nil
}
