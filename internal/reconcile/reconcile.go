// Package reconcile diffs declared Agora allocations against on-chain
// vesting schedules and emits the ordered actions that close the gap.
package reconcile

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/superfluid-finance/agora-reconciler/internal/action"
	"github.com/superfluid-finance/agora-reconciler/internal/allocation"
	"github.com/superfluid-finance/agora-reconciler/internal/chain"
	"github.com/superfluid-finance/agora-reconciler/internal/tranche"
	"github.com/superfluid-finance/agora-reconciler/internal/vesting"
)

type Status string

const (
	StatusInSync        Status = "in-sync"
	StatusCreate        Status = "create"
	StatusUpdate        Status = "update"
	StatusStop          Status = "stop"
	StatusKYCPending    Status = "kyc-pending"
	StatusOverAllocated Status = "over-allocated"
	StatusTrancheEnded  Status = "tranche-ended"
	StatusCompleted     Status = "completed"
	StatusNoAllocation  Status = "no-allocation"
)

// Options tune schedule timing.
type Options struct {
	// StartBuffer delays new schedules so the transaction can be mined
	// before the start date.
	StartBuffer        time.Duration `yaml:"start_buffer"`
	MinVestingDuration time.Duration `yaml:"min_vesting_duration"`
}

// Input is everything one reconciliation needs, already fetched.
type Input struct {
	Tranche      tranche.Tranche
	Now          time.Time
	SuperToken   common.Address
	Sender       common.Address
	FlowOperator common.Address
	Projects     []allocation.Project
	Schedules    []vesting.Schedule
	Allowance    *big.Int
	Permissions  chain.Permissions
	Options      Options
}

// ProjectState is the per-project outcome of a diff.
type ProjectState struct {
	ProjectID     string            `json:"projectId"`
	ProjectName   string            `json:"projectName"`
	Status        Status            `json:"status"`
	CurrentWallet common.Address    `json:"currentWallet"`
	Declared      *big.Int          `json:"declaredAmount"`
	Distributed   *big.Int          `json:"distributedAmount"`
	Target        *big.Int          `json:"targetAmount"`
	Schedule      *vesting.Schedule `json:"activeSchedule,omitempty"`
	MigratedFrom  []common.Address  `json:"migratedFrom,omitempty"`
}

// Requirements are the sender-level approvals the plan depends on.
type Requirements struct {
	Allowance                *big.Int `json:"requiredAllowance"`
	CurrentAllowance         *big.Int `json:"currentAllowance"`
	FlowRateAllowance        *big.Int `json:"requiredFlowRateAllowance"`
	CurrentFlowRateAllowance *big.Int `json:"currentFlowRateAllowance"`
	Permissions              uint8    `json:"requiredPermissions"`
	CurrentPermissions       uint8    `json:"currentPermissions"`
}

// Plan is the pure output of Reconcile.
type Plan struct {
	Projects     []ProjectState     `json:"projects"`
	Actions      []action.Action    `json:"actions"`
	Unmanaged    []vesting.Schedule `json:"unmanagedSchedules"`
	Warnings     []string           `json:"warnings,omitempty"`
	Requirements Requirements       `json:"requirements"`
}

// Reconcile computes the action list for in. It performs no I/O.
func Reconcile(in Input) Plan {
	r := reconciler{in: in}
	return r.run()
}

type reconciler struct {
	in       Input
	warnings []string

	// required tracks allowance and flow rate allowance demand.
	requiredAllowance *big.Int
	requiredFlowRate  *big.Int
	needsOperator     bool
	touched           map[string]bool
}

func (r *reconciler) warnf(format string, args ...any) {
	r.warnings = append(r.warnings, fmt.Sprintf(format, args...))
}

func (r *reconciler) run() Plan {
	in := r.in
	r.requiredAllowance = new(big.Int)
	r.requiredFlowRate = new(big.Int)
	r.touched = make(map[string]bool)

	schedules := make([]vesting.Schedule, 0, len(in.Schedules))
	for _, s := range in.Schedules {
		if s.SuperToken != in.SuperToken || s.Sender != in.Sender {
			continue
		}
		schedules = append(schedules, s)
	}

	owned := make(map[common.Address]bool)
	for _, p := range in.Projects {
		for _, w := range p.Wallets {
			owned[w] = true
		}
	}

	plan := Plan{Actions: []action.Action{}, Unmanaged: []vesting.Schedule{}}
	var projectActions []action.Action
	for _, p := range in.Projects {
		state, actions := r.project(p, schedules)
		plan.Projects = append(plan.Projects, state)
		projectActions = append(projectActions, actions...)
	}

	for _, s := range schedules {
		if owned[s.Receiver] {
			continue
		}
		plan.Unmanaged = append(plan.Unmanaged, s)
	}

	// Every active schedule the plan leaves alone still draws on the
	// allowance when it settles.
	for _, s := range schedules {
		if !s.Active() || r.touched[s.ID] {
			continue
		}
		r.requiredAllowance.Add(r.requiredAllowance, s.RemainingAt(in.Now))
		r.needsOperator = true
	}

	plan.Actions = append(plan.Actions, r.approvals(&plan.Requirements)...)
	plan.Actions = append(plan.Actions, projectActions...)
	plan.Warnings = r.warnings
	return plan
}

func (r *reconciler) project(p allocation.Project, schedules []vesting.Schedule) (ProjectState, []action.Action) {
	in := r.in
	current := p.CurrentWallet()
	state := ProjectState{
		ProjectID:     p.ID,
		ProjectName:   p.Name,
		CurrentWallet: current,
		Declared:      tranche.Cumulative(p.Amounts, in.Tranche.Number),
		Distributed:   new(big.Int),
	}

	if !p.KYCCompleted {
		state.Status = StatusKYCPending
		state.Target = new(big.Int)
		return state, nil
	}

	for _, s := range schedules {
		if !s.Active() && p.Owns(s.Receiver) {
			state.Distributed.Add(state.Distributed, s.VestedAt(in.Now))
		}
	}

	var actions []action.Action
	for _, prev := range p.PreviousWallets() {
		for _, s := range schedules {
			if s.Receiver != prev || !s.Active() {
				continue
			}
			vested := s.VestedAt(in.Now)
			state.Distributed.Add(state.Distributed, vested)
			state.MigratedFrom = append(state.MigratedFrom, prev)
			actions = append(actions, r.stop(p.ID, s, action.ReasonWalletMigration))
		}
	}

	state.Target = new(big.Int).Sub(state.Declared, state.Distributed)

	var active []int
	for i, s := range schedules {
		if s.Receiver == current && s.Active() {
			active = append(active, i)
		}
	}
	if len(active) > 1 {
		r.warnf("project %s: %d active schedules for %s, reconciling the latest", p.ID, len(active), current.Hex())
	}
	if idx := vesting.LatestActive(schedules, current); idx >= 0 {
		s := schedules[idx]
		state.Schedule = &s
		status, a := r.adjust(p.ID, s, state.Target)
		state.Status = status
		if a != nil {
			actions = append(actions, *a)
		}
		return state, actions
	}

	if state.Target.Sign() <= 0 {
		state.Status = StatusNoAllocation
		if state.Declared.Sign() > 0 {
			state.Status = StatusCompleted
		}
		return state, actions
	}
	state.Status = StatusCreate
	return state, append(actions, r.create(p.ID, current, state.Target))
}

// adjust handles a project whose current wallet already has an active
// schedule.
func (r *reconciler) adjust(projectID string, s vesting.Schedule, target *big.Int) (Status, *action.Action) {
	in := r.in
	if target.Sign() <= 0 {
		a := r.stop(projectID, s, action.ReasonAllocationRemoved)
		return StatusStop, &a
	}

	r.touched[s.ID] = true
	vested := s.VestedAt(in.Now)
	if target.Cmp(vested) < 0 {
		r.warnf("project %s: target %s is below the %s already vested", projectID, target, vested)
		r.keep(s)
		return StatusOverAllocated, nil
	}

	desiredEnd := in.Tranche.End
	if minEnd := s.StartDate.Add(in.Options.MinVestingDuration); minEnd.After(desiredEnd) {
		desiredEnd = minEnd
	}
	desiredEnd = desiredEnd.Truncate(time.Second)
	if !desiredEnd.After(in.Now) {
		r.keep(s)
		return StatusTrancheEnded, nil
	}
	if s.Total().Cmp(target) == 0 && s.EndDate.Equal(desiredEnd) {
		r.keep(s)
		return StatusInSync, nil
	}

	r.warnPastTranche(projectID, desiredEnd)

	flowRate := vesting.UpdatedFlowRate(s, target, desiredEnd, in.Now)
	remaining := new(big.Int).Sub(target, vested)
	if !s.Started(in.Now) {
		remaining = new(big.Int).Set(target)
	}
	r.requiredAllowance.Add(r.requiredAllowance, remaining)
	r.needsOperator = true
	if increase := new(big.Int).Sub(flowRate, orZero(s.FlowRate)); increase.Sign() > 0 {
		r.requiredFlowRate.Add(r.requiredFlowRate, increase)
	}

	a := action.New(projectID, action.UpdateSchedule{
		SuperToken:          in.SuperToken,
		Sender:              in.Sender,
		Receiver:            s.Receiver,
		PreviousTotalAmount: s.Total(),
		TotalAmount:         new(big.Int).Set(target),
		PreviousEndDate:     s.EndDate.Unix(),
		EndDate:             desiredEnd.Unix(),
		PreviousFlowRate:    orZero(s.FlowRate),
		FlowRate:            flowRate,
	})
	return StatusUpdate, &a
}

// warnPastTranche notes an end date that the minimum vesting duration pushed
// beyond the tranche.
func (r *reconciler) warnPastTranche(projectID string, end time.Time) {
	tr := r.in.Tranche
	if end.After(tr.End) {
		r.warnf("project %s: end %s runs past tranche %d end %s",
			projectID, end.UTC().Format(time.RFC3339), tr.Number, tr.End.UTC().Format(time.RFC3339))
	}
}

func (r *reconciler) keep(s vesting.Schedule) {
	r.requiredAllowance.Add(r.requiredAllowance, s.RemainingAt(r.in.Now))
	r.needsOperator = true
}

func (r *reconciler) stop(projectID string, s vesting.Schedule, reason string) action.Action {
	r.touched[s.ID] = true
	r.needsOperator = true
	return action.New(projectID, action.StopSchedule{
		SuperToken:   r.in.SuperToken,
		Sender:       r.in.Sender,
		Receiver:     s.Receiver,
		Reason:       reason,
		Started:      s.Started(r.in.Now),
		VestedAmount: s.VestedAt(r.in.Now),
	})
}

func (r *reconciler) create(projectID string, receiver common.Address, amount *big.Int) action.Action {
	in := r.in
	start := in.Tranche.Start
	if earliest := in.Now.Add(in.Options.StartBuffer); earliest.After(start) {
		start = earliest
	}
	start = start.Truncate(time.Second)
	end := in.Tranche.End
	if minEnd := start.Add(in.Options.MinVestingDuration); minEnd.After(end) {
		end = minEnd
	}
	end = end.Truncate(time.Second)
	r.warnPastTranche(projectID, end)
	flowRate, remainder := vesting.Linear(amount, start, end)

	r.requiredAllowance.Add(r.requiredAllowance, amount)
	r.requiredFlowRate.Add(r.requiredFlowRate, flowRate)
	r.needsOperator = true

	return action.New(projectID, action.CreateSchedule{
		SuperToken:    in.SuperToken,
		Sender:        in.Sender,
		Receiver:      receiver,
		StartDate:     start.Unix(),
		EndDate:       end.Unix(),
		TotalDuration: end.Unix() - start.Unix(),
		TotalAmount:   new(big.Int).Set(amount),
		FlowRate:      flowRate,
		Remainder:     remainder,
	})
}

// approvals emits the allowance and permission actions, in that order.
func (r *reconciler) approvals(req *Requirements) []action.Action {
	in := r.in
	currentAllowance := orZero(in.Allowance)
	currentFlowRate := orZero(in.Permissions.FlowRateAllowance)
	*req = Requirements{
		Allowance:                new(big.Int).Set(r.requiredAllowance),
		CurrentAllowance:         new(big.Int).Set(currentAllowance),
		FlowRateAllowance:        new(big.Int).Set(r.requiredFlowRate),
		CurrentFlowRateAllowance: new(big.Int).Set(currentFlowRate),
		CurrentPermissions:       in.Permissions.Bits,
	}
	if r.needsOperator {
		req.Permissions = action.PermissionsAll
	}

	var out []action.Action
	if currentAllowance.Cmp(r.requiredAllowance) < 0 {
		out = append(out, action.New("", action.IncreaseAllowance{
			SuperToken: in.SuperToken,
			Owner:      in.Sender,
			Spender:    in.FlowOperator,
			Current:    new(big.Int).Set(currentAllowance),
			Required:   new(big.Int).Set(r.requiredAllowance),
			Delta:      new(big.Int).Sub(r.requiredAllowance, currentAllowance),
		}))
	}

	missingBits := req.Permissions &^ in.Permissions.Bits
	flowRateDelta := new(big.Int)
	if currentFlowRate.Cmp(r.requiredFlowRate) < 0 {
		flowRateDelta.Sub(r.requiredFlowRate, currentFlowRate)
	}
	if missingBits != 0 || flowRateDelta.Sign() > 0 {
		out = append(out, action.New("", action.IncreasePermissions{
			SuperToken:                in.SuperToken,
			Sender:                    in.Sender,
			FlowOperator:              in.FlowOperator,
			CurrentPermissions:        in.Permissions.Bits,
			PermissionsDelta:          missingBits,
			CurrentFlowRateAllowance:  new(big.Int).Set(currentFlowRate),
			RequiredFlowRateAllowance: new(big.Int).Set(r.requiredFlowRate),
			FlowRateAllowanceDelta:    flowRateDelta,
		}))
	}
	return out
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
