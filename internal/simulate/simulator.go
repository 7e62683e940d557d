// Package simulate applies action lists to an on-chain snapshot without
// touching the chain.
package simulate

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/superfluid-finance/agora-reconciler/internal/action"
	"github.com/superfluid-finance/agora-reconciler/internal/chain"
	"github.com/superfluid-finance/agora-reconciler/internal/vesting"
)

// State is the slice of on-chain state reconciliation reads.
type State struct {
	Schedules   []vesting.Schedule `json:"schedules"`
	Allowance   *big.Int           `json:"allowance"`
	Permissions chain.Permissions  `json:"permissions"`
}

// Clone deep-copies the mutable parts of s.
func (s State) Clone() State {
	out := State{
		Schedules: append([]vesting.Schedule(nil), s.Schedules...),
		Allowance: cloneInt(s.Allowance),
		Permissions: chain.Permissions{
			Bits:              s.Permissions.Bits,
			FlowRateAllowance: cloneInt(s.Permissions.FlowRateAllowance),
		},
	}
	return out
}

// Apply executes actions in order at now and returns the resulting state.
// The input state is not modified.
func Apply(state State, actions []action.Action, now time.Time) (State, error) {
	next := state.Clone()
	for i, a := range actions {
		if err := apply(&next, a, now, i); err != nil {
			return State{}, fmt.Errorf("simulate: action %d (%s): %w", i, a.Type, err)
		}
	}
	return next, nil
}

func apply(st *State, a action.Action, now time.Time, seq int) error {
	switch p := a.Payload.(type) {
	case action.CreateSchedule:
		if idx := vesting.LatestActive(st.Schedules, p.Receiver); idx >= 0 {
			return fmt.Errorf("receiver %s already has an active schedule", p.Receiver.Hex())
		}
		if p.TotalAmount == nil || p.TotalAmount.Sign() <= 0 {
			return fmt.Errorf("total amount must be positive")
		}
		start := time.Unix(p.StartDate, 0).UTC()
		end := time.Unix(p.EndDate, 0).UTC()
		flowRate, remainder := p.FlowRate, p.Remainder
		if flowRate == nil {
			flowRate, remainder = vesting.Linear(p.TotalAmount, start, end)
		}
		st.Schedules = append(st.Schedules, vesting.Schedule{
			ID:               fmt.Sprintf("sim-schedule-%06d", seq),
			SuperToken:       p.SuperToken,
			Sender:           p.Sender,
			Receiver:         p.Receiver,
			StartDate:        start,
			CliffAndFlowDate: start,
			EndDate:          end,
			CliffAmount:      new(big.Int),
			FlowRate:         cloneInt(flowRate),
			RemainderAmount:  cloneInt(remainder),
			TotalAmount:      cloneInt(p.TotalAmount),
		})
	case action.UpdateSchedule:
		idx, err := activeIndex(st.Schedules, p.Receiver)
		if err != nil {
			return err
		}
		s := st.Schedules[idx]
		newEnd := time.Unix(p.EndDate, 0).UTC()
		if s.Started(now) {
			s.SettledAmount = s.VestedAt(now)
			s.SettledDate = now
		}
		s.FlowRate = cloneInt(p.FlowRate)
		if s.FlowRate == nil {
			s.FlowRate = vesting.UpdatedFlowRate(s, p.TotalAmount, newEnd, now)
		}
		s.TotalAmount = cloneInt(p.TotalAmount)
		s.EndDate = newEnd
		st.Schedules[idx] = s
	case action.StopSchedule:
		idx, err := activeIndex(st.Schedules, p.Receiver)
		if err != nil {
			return err
		}
		st.Schedules[idx].DeletedAt = now
	case action.IncreaseAllowance:
		st.Allowance = new(big.Int).Add(orZero(st.Allowance), orZero(p.Delta))
	case action.IncreasePermissions:
		st.Permissions.Bits |= p.PermissionsDelta
		st.Permissions.FlowRateAllowance = new(big.Int).Add(orZero(st.Permissions.FlowRateAllowance), orZero(p.FlowRateAllowanceDelta))
	default:
		return fmt.Errorf("unsupported action")
	}
	return nil
}

func activeIndex(schedules []vesting.Schedule, receiver common.Address) (int, error) {
	idx := vesting.LatestActive(schedules, receiver)
	if idx < 0 {
		return -1, fmt.Errorf("no active schedule for receiver %s", receiver.Hex())
	}
	return idx, nil
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
