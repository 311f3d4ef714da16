package pipeline

import (
	"context"
	"log"
	"time"
)

// dispatchBatch caps how many due attempts one tick wakes; the rest are
// picked up on the next tick.
const dispatchBatch = 20

// Dispatcher periodically wakes failed attempts whose NextRetryAt has passed
// and re-runs them from their resume stage. It is the only component that
// turns the scheduler's pure retry decisions into execution.
type Dispatcher struct {
	svc      *Service
	interval time.Duration
	clock    Clock
}

// NewDispatcher creates a dispatcher polling the store every interval.
func NewDispatcher(svc *Service, interval time.Duration) *Dispatcher {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Dispatcher{svc: svc, interval: interval, clock: svc.clock}
}

// Run blocks, ticking until ctx is cancelled. Each tick processes one batch
// of due attempts; a tick that finds nothing due is free.
func (d *Dispatcher) Run(ctx context.Context) {
	log.Printf("[dispatcher] started, interval %s", d.interval)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[dispatcher] stopped: %v", ctx.Err())
			return
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// Tick wakes and re-runs every attempt due at the current time, up to the
// batch limit. Exported so tests and operator tooling can drive the
// dispatcher without a real ticker.
func (d *Dispatcher) Tick(ctx context.Context) {
	due, err := d.svc.store.ListDueAttempts(ctx, d.clock.Now(), dispatchBatch)
	if err != nil {
		log.Printf("[dispatcher] list due attempts: %v", err)
		return
	}

	for _, attempt := range due {
		reopened, err := d.svc.WakeAttempt(ctx, attempt.ID)
		if err != nil {
			log.Printf("[dispatcher] wake attempt %s: %v", attempt.ID, err)
			continue
		}
		log.Printf("[dispatcher] retry %d for document %s resuming from %s",
			reopened.RetryCount, reopened.DocumentID, reopened.Stage)
		// Content bytes are not retained across retries; the engine refetches
		// by source URI.
		if err := d.svc.RunAttempt(ctx, reopened.ID, nil); err != nil {
			log.Printf("[dispatcher] run attempt %s: %v", reopened.ID, err)
		}
	}
}
