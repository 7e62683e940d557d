package tranche

import (
	"errors"
	"fmt"
	"math/big"
	"time"
)

// ErrOutOfRange is returned when a tranche number falls outside the plan.
var ErrOutOfRange = errors.New("tranche out of range")

// Plan describes a sequence of equal-length allocation periods.
type Plan struct {
	Start  time.Time     `json:"start" yaml:"start"`
	Length time.Duration `json:"length" yaml:"length"`
	Count  int           `json:"count" yaml:"count"`
}

// Tranche is one allocation period. End is exclusive.
type Tranche struct {
	Number int       `json:"number"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
}

// Contains reports whether t falls inside the tranche window.
func (t Tranche) Contains(at time.Time) bool {
	return !at.Before(t.Start) && at.Before(t.End)
}

func (p Plan) Validate() error {
	if p.Start.IsZero() {
		return fmt.Errorf("tranche plan: start must be set")
	}
	if p.Length <= 0 {
		return fmt.Errorf("tranche plan: length must be > 0, got %v", p.Length)
	}
	if p.Count < 1 {
		return fmt.Errorf("tranche plan: count must be >= 1, got %d", p.Count)
	}
	return nil
}

// Tranche returns the n-th tranche (1-based).
func (p Plan) Tranche(n int) (Tranche, error) {
	if n < 1 || n > p.Count {
		return Tranche{}, fmt.Errorf("%w: %d not in [1,%d]", ErrOutOfRange, n, p.Count)
	}
	start := p.Start.Add(time.Duration(n-1) * p.Length)
	return Tranche{
		Number: n,
		Start:  start,
		End:    start.Add(p.Length),
	}, nil
}

// Current returns the tranche containing now, clamped to the first and
// last tranche outside the plan window.
func (p Plan) Current(now time.Time) Tranche {
	n := 1
	if !now.Before(p.Start) && p.Length > 0 {
		n = int(now.Sub(p.Start)/p.Length) + 1
	}
	if n > p.Count {
		n = p.Count
	}
	if n < 1 {
		n = 1
	}
	t, _ := p.Tranche(n)
	return t
}

// Tranches lists every tranche in order.
func (p Plan) Tranches() []Tranche {
	out := make([]Tranche, 0, p.Count)
	for n := 1; n <= p.Count; n++ {
		t, _ := p.Tranche(n)
		out = append(out, t)
	}
	return out
}

// End is the exclusive end of the last tranche.
func (p Plan) End() time.Time {
	return p.Start.Add(time.Duration(p.Count) * p.Length)
}

// Cumulative sums the first n per-tranche amounts. Missing and nil entries
// count as zero.
func Cumulative(amounts []*big.Int, n int) *big.Int {
	sum := new(big.Int)
	for i := 0; i < n && i < len(amounts); i++ {
		if amounts[i] != nil {
			sum.Add(sum, amounts[i])
		}
	}
	return sum
}
