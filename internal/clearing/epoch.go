// Package clearing advances trading epochs and computes the volume-weighted
// clearing price when an epoch's window elapses.
package clearing

import (
	"time"

	"github.com/openvolt/gridex/internal/models"
)

// Scheduler owns the epoch state machine. Exactly one epoch is Active at
// any instant; epochs are aligned to multiples of the configured duration,
// so epoch numbers derive directly from start times.
type Scheduler struct {
	duration time.Duration
	active   *models.Epoch
}

// NewScheduler creates a scheduler producing epochs of the given duration.
func NewScheduler(duration time.Duration) *Scheduler {
	if duration <= 0 {
		duration = 15 * time.Minute
	}
	return &Scheduler{duration: duration}
}

// Duration returns the configured epoch length.
func (s *Scheduler) Duration() time.Duration { return s.duration }

// Active returns the currently active epoch, or nil before the first tick.
func (s *Scheduler) Active() *models.Epoch { return s.active }

// epochFor builds the Active epoch covering now, aligned to the duration
// grid.
func (s *Scheduler) epochFor(now time.Time) *models.Epoch {
	secs := int64(s.duration / time.Second)
	number := now.Unix() / secs
	start := time.Unix(number*secs, 0).UTC()
	return &models.Epoch{
		Number:    number,
		StartTime: start,
		EndTime:   start.Add(s.duration),
		Status:    models.EpochActive,
	}
}

// Advance moves the scheduler to the epoch covering now. If the previously
// active epoch's window has elapsed it is returned for finalization;
// otherwise finalized is nil. Repeated calls inside the same window are
// no-ops, which makes boundary handling idempotent.
func (s *Scheduler) Advance(now time.Time) (finalized, active *models.Epoch) {
	if s.active == nil {
		s.active = s.epochFor(now)
		return nil, s.active
	}
	if now.Before(s.active.EndTime) {
		return nil, s.active
	}
	finalized = s.active
	s.active = s.epochFor(now)
	return finalized, s.active
}
