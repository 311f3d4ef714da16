package status

import (
	"testing"
	"time"

	"github.com/agridoc/backend/internal/model"
)

func event(docID string, to model.Stage) *model.StatusEvent {
	return &model.StatusEvent{
		ID:         "ev-" + docID + "-" + string(to),
		DocumentID: docID,
		ToStage:    to,
		Timestamp:  time.Now(),
	}
}

func TestBroker_PublishReachesSubscriber(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe("doc-1")
	defer sub.Cancel()

	b.Publish(event("doc-1", model.StageExtracting))

	select {
	case got := <-sub.Events():
		if got.ToStage != model.StageExtracting {
			t.Fatalf("got %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBroker_ScopedPerDocument(t *testing.T) {
	b := NewBroker()
	subA := b.Subscribe("doc-a")
	defer subA.Cancel()
	subB := b.Subscribe("doc-b")
	defer subB.Cancel()

	b.Publish(event("doc-a", model.StageCompleted))

	select {
	case <-subA.Events():
	case <-time.After(time.Second):
		t.Fatal("doc-a subscriber missed its event")
	}
	select {
	case got := <-subB.Events():
		t.Fatalf("doc-b subscriber leaked doc-a event: %+v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroker_CancelClosesChannelAndDetaches(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe("doc-1")

	sub.Cancel()
	sub.Cancel() // idempotent

	if _, ok := <-sub.Events(); ok {
		t.Fatal("channel should be closed after cancel")
	}
	if n := b.SubscriberCount("doc-1"); n != 0 {
		t.Fatalf("subscriber count = %d after cancel", n)
	}

	// Publishing to a document with no subscribers must not panic or block.
	b.Publish(event("doc-1", model.StageCompleted))
}

func TestBroker_SlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe("doc-1")
	defer sub.Cancel()

	// Never read: fill the buffer and keep publishing. Publish must return.
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*3; i++ {
			b.Publish(event("doc-1", model.StageExtracting))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
}

func TestPlanPoll(t *testing.T) {
	cfg := PollConfig{
		ActiveInterval: 2 * time.Second,
		StableBase:     5 * time.Second,
		StableMax:      2 * time.Minute,
	}

	// Non-terminal and recently changed: fast polling.
	plan := PlanPoll(cfg, model.StageExtracting, time.Second)
	if plan.Stop || plan.NextPollAfter != 2*time.Second {
		t.Fatalf("active plan = %+v", plan)
	}

	// Non-terminal but stable: intervals grow.
	short := PlanPoll(cfg, model.StageExtracting, 6*time.Second)
	long := PlanPoll(cfg, model.StageExtracting, 90*time.Second)
	if short.NextPollAfter <= 2*time.Second {
		t.Fatalf("stable plan should slow down, got %v", short.NextPollAfter)
	}
	if long.NextPollAfter < short.NextPollAfter {
		t.Fatalf("interval should grow with stability: %v then %v", short.NextPollAfter, long.NextPollAfter)
	}
	if long.NextPollAfter > cfg.StableMax {
		t.Fatalf("interval exceeded cap: %v", long.NextPollAfter)
	}

	// Terminal: polling stops entirely.
	for _, stage := range []model.Stage{model.StageCompleted, model.StageFailed} {
		plan := PlanPoll(cfg, stage, time.Hour)
		if !plan.Stop || plan.NextPollAfter != 0 {
			t.Fatalf("terminal plan for %s = %+v", stage, plan)
		}
	}
}
