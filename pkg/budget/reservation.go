package budget

import (
	"sync/atomic"
	"time"
)

// Settle statuses reported by the store.
const (
	StatusOK        = "ok"
	StatusOrphan    = "orphan"
	StatusDuplicate = "duplicate"
)

// Reservation is a single-use handle on a hold taken by Reserve. Exactly one
// of Commit or Refund consumes it.
type Reservation struct {
	ID        string
	SessionID string
	Estimate  float64
	// Remaining is the amount available before this hold was taken.
	Remaining float64
	Budget    float64
	CreatedAt time.Time
	// Deadline is when the store may reclaim the hold if it is still unsettled.
	Deadline time.Time

	settled atomic.Bool
}

// Settled reports whether the handle has been consumed.
func (r *Reservation) Settled() bool { return r.settled.Load() }

// Settlement is the ledger state after a commit or refund.
type Settlement struct {
	Status string
	// Released is the estimate the hold carried when it was released.
	Released float64
	Actual   float64
	// Overshoot is actual minus estimate when positive.
	Overshoot float64
	Spent     float64
	Budget    float64
	Reserved  float64
}

// Orphaned reports whether the hold had already been reclaimed.
func (s *Settlement) Orphaned() bool { return s.Status == StatusOrphan }

// Duplicate reports whether the store had already applied this settle.
func (s *Settlement) Duplicate() bool { return s.Status == StatusDuplicate }
