// Package pipeline turns an uploaded file or scraped page into a canonical
// structured record: it deduplicates submissions by content fingerprint,
// tracks per-document extraction state, retries transient failures with
// backoff, and reconciles extraction attempts into one merged record.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agridoc/backend/internal/model"
	"github.com/agridoc/backend/internal/store"
)

// EventSink receives every accepted transition's StatusEvent for push
// delivery. Publishing must not block pipeline progress.
type EventSink interface {
	Publish(event *model.StatusEvent)
}

// RecordIndexer mirrors canonical records into the admin panel's search
// index. Optional; indexing failures never fail a merge.
type RecordIndexer interface {
	IndexRecord(ctx context.Context, doc *model.Document, record *model.CanonicalRecord) error
}

// Config holds configuration for the pipeline service.
type Config struct {
	Retry   RetryConfig
	Ties    TiePolicy
	Aliases AliasTable
}

// Service orchestrates the extraction pipeline. All state transitions and
// merges for one document are serialized by a per-document lock; documents
// are fully independent of each other.
type Service struct {
	store     store.Store
	engines   map[model.Stage]Extractor // StageOCR and StageAI engines
	merger    *MergeEngine
	scheduler *Scheduler
	events    EventSink
	indexer   RecordIndexer
	aliases   AliasTable
	clock     Clock

	mu    sync.Mutex
	locks map[string]*sync.Mutex // document ID -> lock
}

// NewService creates the pipeline service. indexer may be nil; clock nil
// falls back to the system clock.
func NewService(st store.Store, engines map[model.Stage]Extractor, cfg Config, events EventSink, indexer RecordIndexer, clock Clock) *Service {
	if clock == nil {
		clock = SystemClock{}
	}
	aliases := cfg.Aliases
	if aliases == nil {
		aliases = DefaultAliases
	}
	return &Service{
		store:     st,
		engines:   engines,
		merger:    NewMergeEngine(cfg.Ties),
		scheduler: NewScheduler(cfg.Retry, clock),
		events:    events,
		indexer:   indexer,
		aliases:   aliases,
		clock:     clock,
		locks:     make(map[string]*sync.Mutex),
	}
}

// docLock returns the lock guarding one document's transitions and merges.
func (s *Service) docLock(documentID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[documentID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[documentID] = lock
	}
	return lock
}

// SubmitRequest is an inbound unit of work: an uploaded file or scraped page.
type SubmitRequest struct {
	// DocumentID is the caller-assigned identity; generated when empty.
	DocumentID string
	SourceURI  string
	Content    []byte
	// IdentityContext disambiguates byte-identical content from different
	// sources (see Fingerprint).
	IdentityContext string
}

// SubmitResult reports the document the submission resolved to and the
// attempt started for it.
type SubmitResult struct {
	Document     *model.Document
	Attempt      *model.ExtractionAttempt
	Deduplicated bool
}

// Submit resolves the submission's identity, creating a Document for new
// content or reusing the existing one for a re-submission, and starts an
// extraction attempt. A second submission while an attempt is active is
// rejected with ErrAttemptActive rather than queued.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if len(req.Content) == 0 && req.SourceURI == "" {
		return nil, &PipelineError{
			Code:    ErrInvalidInput,
			Message: "submission needs content bytes or a source URI",
		}
	}

	fingerprint := ""
	if len(req.Content) > 0 {
		fingerprint = Fingerprint(req.Content, req.IdentityContext)
	} else {
		fingerprint = Fingerprint([]byte(req.SourceURI), req.IdentityContext)
	}

	doc, err := s.store.GetDocumentByFingerprint(ctx, fingerprint)
	deduplicated := err == nil
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("resolve fingerprint: %w", err)
		}
		doc = &model.Document{
			ID:          req.DocumentID,
			SourceURI:   req.SourceURI,
			Fingerprint: fingerprint,
			CreatedAt:   s.clock.Now(),
		}
		if doc.ID == "" {
			doc.ID = uuid.New().String()
		}
		if err := s.store.CreateDocument(ctx, doc); err != nil {
			return nil, fmt.Errorf("create document: %w", err)
		}
		log.Printf("[pipeline] document %s registered (fingerprint %.12s)", doc.ID, fingerprint)
	} else {
		log.Printf("[pipeline] submission deduplicated onto document %s (fingerprint %.12s)", doc.ID, fingerprint)
	}

	attempt, err := s.startAttempt(ctx, doc)
	if err != nil {
		return nil, err
	}
	return &SubmitResult{Document: doc, Attempt: attempt, Deduplicated: deduplicated}, nil
}

// startAttempt creates a new attempt in uploading, enforcing the at most one
// active attempt per document invariant.
func (s *Service) startAttempt(ctx context.Context, doc *model.Document) (*model.ExtractionAttempt, error) {
	lock := s.docLock(doc.ID)
	lock.Lock()
	defer lock.Unlock()

	if active, err := s.store.GetActiveAttempt(ctx, doc.ID); err == nil {
		return nil, &PipelineError{
			Code:    ErrAttemptActive,
			Message: fmt.Sprintf("attempt %s is already processing document %s", active.ID, doc.ID),
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("check active attempt: %w", err)
	}

	attempt := &model.ExtractionAttempt{
		ID:             uuid.New().String(),
		DocumentID:     doc.ID,
		Stage:          model.StageUploading,
		IdempotencyKey: uuid.New().String(),
		CreatedAt:      s.clock.Now(),
	}
	if err := s.store.CreateAttempt(ctx, attempt); err != nil {
		return nil, fmt.Errorf("create attempt: %w", err)
	}
	return attempt, nil
}

// RunAttempt drives one attempt from its current stage to a terminal state:
// it advances through the lifecycle, delegates to the routed extraction
// engine, and on success normalizes and merges the output into the canonical
// record. Engine failures are classified and handed to the scheduler; the
// returned error covers infrastructure problems only (store unreachable,
// unknown attempt), not extraction failures.
func (s *Service) RunAttempt(ctx context.Context, attemptID string, content []byte) error {
	attempt, err := s.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return fmt.Errorf("load attempt: %w", err)
	}
	if attempt.Stage.Terminal() {
		return &PipelineError{
			Code:    ErrStaleAttempt,
			Message: fmt.Sprintf("attempt %s already terminal in %s", attempt.ID, attempt.Stage),
		}
	}
	doc, err := s.store.GetDocument(ctx, attempt.DocumentID)
	if err != nil {
		return fmt.Errorf("load document: %w", err)
	}

	if attempt.Stage == model.StageUploading {
		if err := s.transition(ctx, attempt, model.StageVirusScan, "content accepted"); err != nil {
			return err
		}
	}
	if attempt.Stage == model.StageVirusScan {
		// Scanning itself is an external collaborator; its verdict arrives as
		// either progress or an input failure before extraction starts.
		if err := s.transition(ctx, attempt, model.StageExtracting, "scan clean"); err != nil {
			return err
		}
	}

	var engineStage model.Stage
	switch attempt.Stage {
	case model.StageExtracting:
		// A resumed retry carries no content bytes, so the route decided on the
		// first pass is reused instead of re-probing.
		engineStage = attempt.RouteStage
		if engineStage == "" {
			engineStage = DetectRoute(content)
			attempt.RouteStage = engineStage
		}
		engine := s.engines[engineStage]
		if engine == nil {
			s.failAttempt(ctx, attempt, &PipelineError{
				Code:      ErrEngineUnavailable,
				Message:   fmt.Sprintf("no engine configured for %s", engineStage),
				Retryable: true,
			})
			return nil
		}
		if err := s.transition(ctx, attempt, engineStage, describeRoute(engineStage, engineName(engine))); err != nil {
			return err
		}
	case model.StageOCR, model.StageAI:
		engineStage = attempt.Stage
	default:
		return &PipelineError{
			Code:    ErrIllegalTransition,
			Message: fmt.Sprintf("attempt %s cannot run from stage %s", attempt.ID, attempt.Stage),
		}
	}

	engine := s.engines[engineStage]
	if engine == nil {
		s.failAttempt(ctx, attempt, &PipelineError{
			Code:      ErrEngineUnavailable,
			Message:   fmt.Sprintf("no engine configured for %s", engineStage),
			Retryable: true,
		})
		return nil
	}

	result, err := engine.Invoke(ctx, doc, content)
	if err != nil {
		s.failAttempt(ctx, attempt, err)
		return nil
	}
	return s.completeAttempt(ctx, doc, attempt, result)
}

// transition applies one stage change under the document lock and emits its
// StatusEvent.
func (s *Service) transition(ctx context.Context, attempt *model.ExtractionAttempt, to model.Stage, detail string) error {
	lock := s.docLock(attempt.DocumentID)
	lock.Lock()
	defer lock.Unlock()
	return s.transitionLocked(ctx, attempt, to, detail)
}

func (s *Service) transitionLocked(ctx context.Context, attempt *model.ExtractionAttempt, to model.Stage, detail string) error {
	event, err := Transition(attempt, to, detail)
	if err != nil {
		return err
	}
	if err := s.store.UpdateAttempt(ctx, attempt); err != nil {
		return fmt.Errorf("persist attempt: %w", err)
	}
	s.emit(ctx, event)
	return nil
}

// emit persists the event for audit and pushes it to subscribers. The push is
// fire-and-forget; the audit write failing is logged, not fatal, because the
// store's attempt row already reflects the transition and polling reads that.
func (s *Service) emit(ctx context.Context, event *model.StatusEvent) {
	if err := s.store.AppendStatusEvent(ctx, event); err != nil {
		log.Printf("[pipeline] persist status event for document %s: %v", event.DocumentID, err)
	}
	if s.events != nil {
		s.events.Publish(event)
	}
}

// completeAttempt commits a successful extraction: normalize, merge, upsert,
// transition to completed. The stored attempt's idempotency key is re-checked
// under the lock so a slow execution and its retry cannot both commit.
func (s *Service) completeAttempt(ctx context.Context, doc *model.Document, attempt *model.ExtractionAttempt, result *ExtractionResult) error {
	canonical, unmapped := Normalize(result.Fields, s.aliases)
	// Unmapped fields ride along under their custom_ names: segregated, not
	// discarded.
	merged := make(map[string]any, len(canonical)+len(unmapped))
	for k, v := range canonical {
		merged[k] = v
	}
	for k, v := range unmapped {
		merged[k] = v
	}

	lock := s.docLock(doc.ID)
	lock.Lock()

	stored, err := s.store.GetAttempt(ctx, attempt.ID)
	if err != nil {
		lock.Unlock()
		return fmt.Errorf("reload attempt: %w", err)
	}
	if stored.Stage.Terminal() || stored.IdempotencyKey != attempt.IdempotencyKey {
		lock.Unlock()
		log.Printf("[pipeline] discarding stale commit for attempt %s (document %s)", attempt.ID, doc.ID)
		return &PipelineError{
			Code:    ErrStaleAttempt,
			Message: fmt.Sprintf("attempt %s was superseded before its result committed", attempt.ID),
		}
	}
	// Continue from the stored row: it carries the current stage and retry
	// accounting.
	attempt = stored
	attempt.EngineName = result.EngineName
	attempt.Confidence = result.Confidence
	attempt.RawFields = result.Fields

	record, err := s.store.GetCanonicalRecord(ctx, doc.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		lock.Unlock()
		return fmt.Errorf("load canonical record: %w", err)
	}

	newRecord, changes := s.merger.Merge(record, attempt, merged)
	if err := s.store.UpsertCanonicalRecord(ctx, newRecord); err != nil {
		lock.Unlock()
		return fmt.Errorf("upsert canonical record: %w", err)
	}

	detail := fmt.Sprintf("engine %s merged %d field(s), merge_version=%d",
		result.EngineName, len(changes), newRecord.MergeVersion)
	if err := s.transitionLocked(ctx, attempt, model.StageCompleted, detail); err != nil {
		lock.Unlock()
		return err
	}
	lock.Unlock()

	for _, change := range changes {
		log.Printf("[pipeline] document %s field %s confidence %.2f -> %.2f",
			doc.ID, change.Field, change.OldConfidence, change.NewConfidence)
	}
	if s.indexer != nil {
		if err := s.indexer.IndexRecord(ctx, doc, newRecord); err != nil {
			log.Printf("[pipeline] index canonical record for document %s: %v", doc.ID, err)
		}
	}
	return nil
}

// failAttempt classifies an extraction failure, moves the attempt to failed,
// and asks the scheduler for a retry decision.
func (s *Service) failAttempt(ctx context.Context, attempt *model.ExtractionAttempt, cause error) {
	pe := AsPipelineError(cause)

	lock := s.docLock(attempt.DocumentID)
	lock.Lock()
	defer lock.Unlock()

	code := pe.FailureCode()
	event, err := Fail(attempt, code, pe.Message)
	if err != nil {
		log.Printf("[pipeline] attempt %s failed after reaching terminal state: %v", attempt.ID, err)
		return
	}

	if code == model.FailureTransient {
		if next, ok := s.scheduler.ScheduleRetry(attempt); ok {
			event.Detail = fmt.Sprintf("%s; retry %d/%d at %s",
				pe.Message, attempt.RetryCount, s.scheduler.MaxRetries(), next.Format(time.RFC3339))
		} else {
			attempt.FailureCode = model.FailureRetriesExhausted
			attempt.FailureDetail = fmt.Sprintf("%s; retries exhausted after %d attempts", pe.Message, attempt.RetryCount)
			event.Detail = attempt.FailureDetail
		}
	}

	if err := s.store.UpdateAttempt(ctx, attempt); err != nil {
		log.Printf("[pipeline] persist failed attempt %s: %v", attempt.ID, err)
	}
	s.emit(ctx, event)
}

// WakeAttempt reopens a failed attempt whose retry is due and reports the
// stage it resumes from. Used by the dispatcher.
func (s *Service) WakeAttempt(ctx context.Context, attemptID string) (*model.ExtractionAttempt, error) {
	attempt, err := s.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return nil, fmt.Errorf("load attempt: %w", err)
	}

	lock := s.docLock(attempt.DocumentID)
	lock.Lock()
	defer lock.Unlock()

	// A deduplicated re-submission may already be processing this document. The
	// new attempt supersedes the pending retry, so the wake is cancelled rather
	// than deferred: reopening would put two attempts in flight at once.
	if active, err := s.store.GetActiveAttempt(ctx, attempt.DocumentID); err == nil {
		attempt.NextRetryAt = nil
		if err := s.store.UpdateAttempt(ctx, attempt); err != nil {
			return nil, fmt.Errorf("persist superseded attempt: %w", err)
		}
		return nil, &PipelineError{
			Code: ErrAttemptActive,
			Message: fmt.Sprintf("retry of attempt %s superseded by active attempt %s on document %s",
				attempt.ID, active.ID, attempt.DocumentID),
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("check active attempt: %w", err)
	}

	event, err := Reopen(attempt)
	if err != nil {
		return nil, err
	}
	attempt.NextRetryAt = nil // consumed; the dispatcher must not wake it twice
	if err := s.store.UpdateAttempt(ctx, attempt); err != nil {
		return nil, fmt.Errorf("persist reopened attempt: %w", err)
	}
	s.emit(ctx, event)
	return attempt, nil
}

// RetryDecision is the outcome of an operator-triggered retry request.
type RetryDecision struct {
	NextRetryAt *time.Time `json:"next_retry_at"`
	RetryCount  int        `json:"retry_count"`
	MaxRetries  int        `json:"max_retries"`
}

// RetryDocument schedules a retry of a document's failed attempt on operator
// request. reset zeroes the retry counter first — the only path that ever
// resets it. Rejected when the document is not in failed state or retries are
// exhausted (and not reset).
func (s *Service) RetryDocument(ctx context.Context, documentID string, reset bool) (*RetryDecision, error) {
	lock := s.docLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	if active, err := s.store.GetActiveAttempt(ctx, documentID); err == nil {
		return nil, &PipelineError{
			Code:    ErrAttemptActive,
			Message: fmt.Sprintf("attempt %s is already processing document %s", active.ID, documentID),
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("check active attempt: %w", err)
	}

	attempts, err := s.store.ListAttempts(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	if len(attempts) == 0 {
		return nil, fmt.Errorf("document %s: %w", documentID, store.ErrNotFound)
	}
	last := attempts[len(attempts)-1]
	if last.Stage != model.StageFailed {
		return nil, &PipelineError{
			Code:    ErrNotRetriable,
			Message: fmt.Sprintf("document %s is in %s, not failed", documentID, last.Stage),
		}
	}

	if reset {
		log.Printf("[pipeline] operator reset retry counter for document %s (attempt %s)", documentID, last.ID)
		last.RetryCount = 0
		if last.FailureCode == model.FailureRetriesExhausted {
			last.FailureCode = model.FailureTransient
			// The exhaustion detail no longer describes the attempt's state.
			last.FailureDetail = "retry counter reset by operator"
		}
	}

	next, ok := s.scheduler.ScheduleRetry(last)
	if !ok {
		return nil, &PipelineError{
			Code: ErrNotRetriable,
			Message: fmt.Sprintf("document %s is not retriable (failure %s, retry %d/%d)",
				documentID, last.FailureCode, last.RetryCount, s.scheduler.MaxRetries()),
		}
	}
	if err := s.store.UpdateAttempt(ctx, last); err != nil {
		return nil, fmt.Errorf("persist attempt: %w", err)
	}
	return &RetryDecision{
		NextRetryAt: next,
		RetryCount:  last.RetryCount,
		MaxRetries:  s.scheduler.MaxRetries(),
	}, nil
}

// AttemptMetrics aggregates a document's extraction history for the status
// endpoint.
type AttemptMetrics struct {
	AttemptCount    int           `json:"attempt_count"`
	AverageDuration time.Duration `json:"average_duration_ms"`
	SuccessRate     float64       `json:"success_rate"`
}

// DocumentStatus is the authoritative pull-mode view of a document. Reading
// it after a terminal transition always reflects that transition, whether or
// not the live push event was observed.
type DocumentStatus struct {
	Document         *model.Document        `json:"document"`
	Stage            model.Stage            `json:"stage"`
	FailureCode      model.FailureCode      `json:"failure_code,omitempty"`
	FailureDetail    string                 `json:"failure_detail,omitempty"`
	RetryCount       int                    `json:"retry_count"`
	MaxRetries       int                    `json:"max_retries"`
	NextRetryAt      *time.Time             `json:"next_retry_at,omitempty"`
	Retriable        bool                   `json:"retriable"`
	MergeVersion     int64                  `json:"merge_version"`
	Record           *model.CanonicalRecord `json:"record,omitempty"`
	Metrics          AttemptMetrics         `json:"metrics"`
	LastTransitionAt time.Time              `json:"last_transition_at"`
	RecentEvents     []*model.StatusEvent   `json:"recent_events,omitempty"`
}

// Status assembles the current state of a document.
func (s *Service) Status(ctx context.Context, documentID string) (*DocumentStatus, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	attempts, err := s.store.ListAttempts(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}

	status := &DocumentStatus{
		Document:         doc,
		Stage:            model.StageUploading,
		MaxRetries:       s.scheduler.MaxRetries(),
		LastTransitionAt: doc.CreatedAt,
	}

	if len(attempts) > 0 {
		last := attempts[len(attempts)-1]
		status.Stage = last.Stage
		status.FailureCode = last.FailureCode
		status.FailureDetail = last.FailureDetail
		status.RetryCount = last.RetryCount
		status.NextRetryAt = last.NextRetryAt
		status.Retriable = last.Stage == model.StageFailed &&
			last.FailureCode != model.FailureInvalidInput &&
			last.RetryCount < s.scheduler.MaxRetries()
	}
	status.Metrics = computeMetrics(attempts)

	record, err := s.store.GetCanonicalRecord(ctx, documentID)
	if err == nil {
		status.Record = record
		status.MergeVersion = record.MergeVersion
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load canonical record: %w", err)
	}

	events, err := s.store.ListStatusEvents(ctx, documentID, 20)
	if err != nil {
		return nil, fmt.Errorf("list status events: %w", err)
	}
	if len(events) > 0 {
		status.RecentEvents = events
		status.LastTransitionAt = events[len(events)-1].Timestamp
	}
	return status, nil
}

func computeMetrics(attempts []*model.ExtractionAttempt) AttemptMetrics {
	metrics := AttemptMetrics{AttemptCount: len(attempts)}

	var totalDuration time.Duration
	finished, succeeded, terminal := 0, 0, 0
	for _, a := range attempts {
		if a.CompletedAt != nil {
			totalDuration += a.CompletedAt.Sub(a.CreatedAt)
			finished++
		}
		if a.Stage.Terminal() {
			terminal++
			if a.Stage == model.StageCompleted {
				succeeded++
			}
		}
	}
	if finished > 0 {
		metrics.AverageDuration = totalDuration / time.Duration(finished)
	}
	if terminal > 0 {
		metrics.SuccessRate = float64(succeeded) / float64(terminal)
	}
	return metrics
}

// engineName best-effort extracts a display name for routing detail.
func engineName(e Extractor) string {
	if named, ok := e.(interface{ Name() string }); ok {
		return named.Name()
	}
	if client, ok := e.(*EngineClient); ok {
		return client.name
	}
	return "default"
}
