// Package vesting models VestingScheduler schedules and the amounts they
// release over time.
package vesting

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Schedule is the indexed on-chain state of one vesting schedule.
// Zero times mean the event has not happened.
type Schedule struct {
	ID         string         `json:"id"`
	SuperToken common.Address `json:"superToken"`
	Sender     common.Address `json:"sender"`
	Receiver   common.Address `json:"receiver"`

	StartDate        time.Time `json:"startDate"`
	CliffAndFlowDate time.Time `json:"cliffAndFlowDate"`
	EndDate          time.Time `json:"endDate"`

	CliffAmount     *big.Int `json:"cliffAmount"`
	FlowRate        *big.Int `json:"flowRate"`
	RemainderAmount *big.Int `json:"remainderAmount"`
	TotalAmount     *big.Int `json:"totalAmount,omitempty"`

	SettledAmount *big.Int  `json:"settledAmount,omitempty"`
	SettledDate   time.Time `json:"settledDate,omitempty"`

	DeletedAt     time.Time `json:"deletedAt,omitempty"`
	EndExecutedAt time.Time `json:"endExecutedAt,omitempty"`
	FailedAt      time.Time `json:"failedAt,omitempty"`
}

// Active reports whether the schedule can still be updated or stopped.
func (s Schedule) Active() bool {
	return s.DeletedAt.IsZero() && s.EndExecutedAt.IsZero() && s.FailedAt.IsZero()
}

// Status is the lifecycle stage of a schedule.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusVesting   Status = "vesting"
	StatusOverdue   Status = "overdue"
	StatusFinished  Status = "finished"
	StatusDeleted   Status = "deleted"
	StatusFailed    Status = "failed"
)

// StatusAt classifies the schedule at t. Overdue means the end date has
// passed but nobody has executed the end yet.
func (s Schedule) StatusAt(t time.Time) Status {
	switch {
	case !s.FailedAt.IsZero():
		return StatusFailed
	case !s.DeletedAt.IsZero():
		return StatusDeleted
	case !s.EndExecutedAt.IsZero():
		return StatusFinished
	case !s.Started(t):
		return StatusScheduled
	case !t.Before(s.EndDate):
		return StatusOverdue
	}
	return StatusVesting
}

// Started reports whether the cliff-and-flow point has passed.
func (s Schedule) Started(at time.Time) bool {
	return !at.Before(s.CliffAndFlowDate)
}

// Total is the full amount the schedule releases if it runs to its end.
func (s Schedule) Total() *big.Int {
	if s.TotalAmount != nil && s.TotalAmount.Sign() > 0 {
		return new(big.Int).Set(s.TotalAmount)
	}
	total := new(big.Int).Mul(orZero(s.FlowRate), big.NewInt(seconds(s.EndDate.Sub(s.CliffAndFlowDate))))
	total.Add(total, orZero(s.CliffAmount))
	total.Add(total, orZero(s.RemainderAmount))
	return total
}

// stoppedAt is when streaming stopped early, or the zero time.
func (s Schedule) stoppedAt() time.Time {
	switch {
	case !s.DeletedAt.IsZero():
		return s.DeletedAt
	case !s.FailedAt.IsZero():
		return s.FailedAt
	}
	return time.Time{}
}

// VestedAt is the amount released to the receiver by time t.
func (s Schedule) VestedAt(t time.Time) *big.Int {
	total := s.Total()
	if !s.EndExecutedAt.IsZero() && !t.Before(s.EndExecutedAt) {
		return total
	}
	if t.Before(s.CliffAndFlowDate) {
		return new(big.Int)
	}
	if stop := s.stoppedAt(); !stop.IsZero() && stop.Before(s.CliffAndFlowDate) {
		return new(big.Int)
	}

	base, from := orZero(s.CliffAmount), s.CliffAndFlowDate
	if !s.SettledDate.IsZero() && s.SettledAmount != nil {
		base, from = s.SettledAmount, s.SettledDate
	}

	until := t
	if s.EndDate.Before(until) {
		until = s.EndDate
	}
	if stop := s.stoppedAt(); !stop.IsZero() && stop.Before(until) {
		until = stop
	}

	vested := new(big.Int).Set(base)
	if until.After(from) {
		streamed := new(big.Int).Mul(orZero(s.FlowRate), big.NewInt(seconds(until.Sub(from))))
		vested.Add(vested, streamed)
	}
	if vested.Cmp(total) > 0 {
		return total
	}
	return vested
}

// RemainingAt is what the schedule has yet to release at t.
func (s Schedule) RemainingAt(t time.Time) *big.Int {
	rem := new(big.Int).Sub(s.Total(), s.VestedAt(t))
	if rem.Sign() < 0 {
		return new(big.Int)
	}
	return rem
}

// LatestActive returns the index of the active schedule to receiver with
// the latest start date, or -1.
func LatestActive(schedules []Schedule, receiver common.Address) int {
	best := -1
	for i, s := range schedules {
		if s.Receiver != receiver || !s.Active() {
			continue
		}
		if best < 0 || s.StartDate.After(schedules[best].StartDate) {
			best = i
		}
	}
	return best
}

// Linear splits total into a per-second flow rate over [start, end) and
// the remainder paid when the schedule ends.
func Linear(total *big.Int, start, end time.Time) (flowRate, remainder *big.Int) {
	duration := seconds(end.Sub(start))
	if duration <= 0 || total == nil || total.Sign() <= 0 {
		return new(big.Int), new(big.Int).Set(orZero(total))
	}
	flowRate, remainder = new(big.Int).QuoRem(total, big.NewInt(duration), new(big.Int))
	return flowRate, remainder
}

// UpdatedFlowRate is the flow rate the scheduler derives when a schedule is
// moved to newTotal ending at newEnd at time now.
func UpdatedFlowRate(s Schedule, newTotal *big.Int, newEnd, now time.Time) *big.Int {
	from := now
	if from.Before(s.CliffAndFlowDate) {
		from = s.CliffAndFlowDate
	}
	left := new(big.Int).Sub(newTotal, s.VestedAt(now))
	if !s.Started(now) {
		left = new(big.Int).Sub(newTotal, orZero(s.CliffAmount))
	}
	duration := seconds(newEnd.Sub(from))
	if duration <= 0 || left.Sign() <= 0 {
		return new(big.Int)
	}
	return left.Quo(left, big.NewInt(duration))
}

func seconds(d time.Duration) int64 {
	return int64(d / time.Second)
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
