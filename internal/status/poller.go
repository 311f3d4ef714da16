package status

import (
	"time"

	"github.com/agridoc/backend/internal/model"
)

// PollPlan tells a pull-mode subscriber when (and whether) to poll again. It
// is returned alongside every status query so push and pull subscribers see
// an interchangeable contract: push drops fall back to polling with these
// intervals and converge on the same terminal state.
type PollPlan struct {
	// NextPollAfter is the suggested wait before the next poll. Zero when
	// polling should stop.
	NextPollAfter time.Duration `json:"next_poll_after_ms"`
	// Stop is set once the document reached a terminal stage; the current
	// response is authoritative and no further poll is needed.
	Stop bool `json:"stop"`
}

// PollConfig tunes the adaptive polling schedule.
type PollConfig struct {
	// ActiveInterval is used while the document is in a non-terminal stage.
	ActiveInterval time.Duration
	// StableBase is the starting interval once the document stops changing;
	// it doubles per stable poll up to StableMax.
	StableBase time.Duration
	StableMax  time.Duration
}

// DefaultPollConfig polls fast while work is in flight and backs off
// exponentially once the document goes quiet.
var DefaultPollConfig = PollConfig{
	ActiveInterval: 2 * time.Second,
	StableBase:     5 * time.Second,
	StableMax:      2 * time.Minute,
}

// PlanPoll computes the adaptive polling schedule for a document in the given
// stage. sinceChange is how long the document has been in that stage.
func PlanPoll(cfg PollConfig, stage model.Stage, sinceChange time.Duration) PollPlan {
	if stage.Terminal() {
		return PollPlan{Stop: true}
	}
	if sinceChange < cfg.StableBase {
		return PollPlan{NextPollAfter: cfg.ActiveInterval}
	}

	// Stable but not terminal: double the interval for every stable window
	// already waited, capped.
	interval := cfg.StableBase
	for elapsed := cfg.StableBase; elapsed <= sinceChange && interval < cfg.StableMax; elapsed += interval {
		interval *= 2
	}
	if interval > cfg.StableMax {
		interval = cfg.StableMax
	}
	return PollPlan{NextPollAfter: interval}
}
