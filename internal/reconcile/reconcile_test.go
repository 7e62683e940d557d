package reconcile

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/superfluid-finance/agora-reconciler/internal/action"
	"github.com/superfluid-finance/agora-reconciler/internal/allocation"
	"github.com/superfluid-finance/agora-reconciler/internal/chain"
	"github.com/superfluid-finance/agora-reconciler/internal/tranche"
	"github.com/superfluid-finance/agora-reconciler/internal/vesting"
)

const day = 24 * time.Hour

var (
	t0        = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	token     = common.HexToAddress("0xa1")
	sender    = common.HexToAddress("0xa2")
	scheduler = common.HexToAddress("0xa3")
	walletOld = common.HexToAddress("0xb1")
	walletNew = common.HexToAddress("0xb2")
	walletP2  = common.HexToAddress("0xc1")
	stranger  = common.HexToAddress("0xd1")

	plan = tranche.Plan{Start: t0, Length: 30 * day, Count: 3}
	// 100 wei/s over the whole first tranche.
	trancheOneTotal = int64(30 * 86400 * 100)
)

func trancheN(t *testing.T, n int) tranche.Tranche {
	t.Helper()
	tr, err := plan.Tranche(n)
	require.NoError(t, err)
	return tr
}

func input(t *testing.T, projects ...allocation.Project) Input {
	return Input{
		Tranche:      trancheN(t, 1),
		Now:          t0.Add(day),
		SuperToken:   token,
		Sender:       sender,
		FlowOperator: scheduler,
		Projects:     projects,
		Allowance:    new(big.Int),
		Permissions:  chain.Permissions{FlowRateAllowance: new(big.Int)},
		Options:      Options{StartBuffer: time.Hour, MinVestingDuration: 7 * day},
	}
}

func approved(in Input) Input {
	in.Allowance = new(big.Int).Exp(big.NewInt(10), big.NewInt(24), nil)
	in.Permissions = chain.Permissions{Bits: action.PermissionsAll, FlowRateAllowance: new(big.Int).Set(in.Allowance)}
	return in
}

func project(id string, kyc bool, amounts []int64, wallets ...common.Address) allocation.Project {
	p := allocation.Project{ID: id, Name: id, KYCCompleted: kyc, Wallets: wallets}
	for _, a := range amounts {
		p.Amounts = append(p.Amounts, big.NewInt(a))
	}
	return p
}

// schedule streams rate wei/s from start to end with no cliff.
func schedule(id string, receiver common.Address, start, end time.Time, rate int64) vesting.Schedule {
	total := new(big.Int).Mul(big.NewInt(rate), big.NewInt(int64(end.Sub(start)/time.Second)))
	return vesting.Schedule{
		ID:               id,
		SuperToken:       token,
		Sender:           sender,
		Receiver:         receiver,
		StartDate:        start,
		CliffAndFlowDate: start,
		EndDate:          end,
		CliffAmount:      new(big.Int),
		FlowRate:         big.NewInt(rate),
		RemainderAmount:  new(big.Int),
		TotalAmount:      total,
	}
}

func types(actions []action.Action) []action.Type {
	out := make([]action.Type, 0, len(actions))
	for _, a := range actions {
		out = append(out, a.Type)
	}
	return out
}

func assertConverges(t *testing.T, in Input, p Plan) {
	t.Helper()
	ok, err := Verify(in, p)
	require.NoError(t, err)
	assert.True(t, ok, "re-running reconciliation after the actions should be a no-op")
}

func TestCreateFromScratch(t *testing.T) {
	// start = now + 1h, end = tranche end: 2,502,000s at 10 wei/s plus 7.
	amount := int64(2_502_000*10 + 7)
	in := input(t, project("p1", true, []int64{amount}, walletNew))

	p := Reconcile(in)
	require.Equal(t, []action.Type{
		action.TypeIncreaseAllowance,
		action.TypeIncreasePermissions,
		action.TypeCreateSchedule,
	}, types(p.Actions))

	allowance := p.Actions[0].Payload.(action.IncreaseAllowance)
	assert.Equal(t, amount, allowance.Delta.Int64())
	assert.Equal(t, scheduler, allowance.Spender)

	perms := p.Actions[1].Payload.(action.IncreasePermissions)
	assert.Equal(t, action.PermissionsAll, perms.PermissionsDelta)
	assert.Equal(t, int64(10), perms.FlowRateAllowanceDelta.Int64())

	create := p.Actions[2].Payload.(action.CreateSchedule)
	assert.Equal(t, walletNew, create.Receiver)
	assert.Equal(t, t0.Add(25*time.Hour).Unix(), create.StartDate)
	assert.Equal(t, t0.Add(30*day).Unix(), create.EndDate)
	assert.Equal(t, int64(2_502_000), create.TotalDuration)
	assert.Equal(t, "10", create.FlowRate.String())
	assert.Equal(t, "7", create.Remainder.String())
	assert.Equal(t, "p1", p.Actions[2].ProjectID)

	require.Len(t, p.Projects, 1)
	assert.Equal(t, StatusCreate, p.Projects[0].Status)
	assert.Equal(t, amount, p.Projects[0].Target.Int64())
	assertConverges(t, in, p)
}

func TestCreateRespectsMinimumDuration(t *testing.T) {
	in := input(t, project("p1", true, []int64{1_000_000}, walletNew))
	in.Now = t0.Add(29 * day)

	p := Reconcile(in)
	create := p.Actions[len(p.Actions)-1].Payload.(action.CreateSchedule)
	assert.Equal(t, in.Now.Add(time.Hour).Unix(), create.StartDate)
	assert.Equal(t, int64(7*86400), create.TotalDuration)
	require.Len(t, p.Warnings, 1)
	assert.Contains(t, p.Warnings[0], "project p1: end 2025-02-06T01:00:00Z runs past tranche 1 end 2025-01-31T00:00:00Z")
	assertConverges(t, in, p)
}

func TestCreateWithinTrancheDoesNotWarn(t *testing.T) {
	in := input(t, project("p1", true, []int64{1_000_000}, walletNew))

	p := Reconcile(in)
	require.Equal(t, action.TypeCreateSchedule, p.Actions[len(p.Actions)-1].Type)
	assert.Empty(t, p.Warnings)
}

func TestUpdatePastTrancheEndWarns(t *testing.T) {
	in := approved(input(t, project("p1", true, []int64{2 * trancheOneTotal}, walletNew)))
	in.Now = t0.Add(29 * day)
	in.Schedules = []vesting.Schedule{schedule("s1", walletNew, t0.Add(28*day), t0.Add(30*day), 100)}

	p := Reconcile(in)
	require.Equal(t, []action.Type{action.TypeUpdateSchedule}, types(p.Actions))
	update := p.Actions[0].Payload.(action.UpdateSchedule)
	assert.Equal(t, t0.Add(35*day).Unix(), update.EndDate)
	require.Len(t, p.Warnings, 1)
	assert.Contains(t, p.Warnings[0], "runs past tranche 1 end")
}

func TestKYCPendingEmitsNothing(t *testing.T) {
	in := input(t, project("p1", false, []int64{1000}, walletNew))
	p := Reconcile(in)
	assert.Empty(t, p.Actions)
	assert.Equal(t, StatusKYCPending, p.Projects[0].Status)
}

func TestInSync(t *testing.T) {
	in := approved(input(t, project("p1", true, []int64{trancheOneTotal}, walletNew)))
	in.Schedules = []vesting.Schedule{schedule("s1", walletNew, t0, t0.Add(30*day), 100)}

	p := Reconcile(in)
	assert.Empty(t, p.Actions)
	assert.Equal(t, StatusInSync, p.Projects[0].Status)
	require.NotNil(t, p.Projects[0].Schedule)
	assert.Equal(t, "s1", p.Projects[0].Schedule.ID)
	// 29 days of streaming left.
	assert.Equal(t, int64(29*86400*100), p.Requirements.Allowance.Int64())
	assert.Equal(t, action.PermissionsAll, p.Requirements.Permissions)
}

func TestUpdateForNextTranche(t *testing.T) {
	in := approved(input(t, project("p1", true, []int64{trancheOneTotal, trancheOneTotal}, walletNew)))
	in.Tranche = trancheN(t, 2)
	in.Schedules = []vesting.Schedule{schedule("s1", walletNew, t0, t0.Add(30*day), 100)}

	p := Reconcile(in)
	require.Equal(t, []action.Type{action.TypeUpdateSchedule}, types(p.Actions))
	update := p.Actions[0].Payload.(action.UpdateSchedule)
	assert.Equal(t, int64(2*trancheOneTotal), update.TotalAmount.Int64())
	assert.Equal(t, trancheOneTotal, update.PreviousTotalAmount.Int64())
	assert.Equal(t, t0.Add(60*day).Unix(), update.EndDate)
	assert.Equal(t, t0.Add(30*day).Unix(), update.PreviousEndDate)
	// (2*total - 1 day vested) / 59 days stays at 100 wei/s.
	assert.Equal(t, "100", update.FlowRate.String())
	assert.Equal(t, StatusUpdate, p.Projects[0].Status)
	assert.Equal(t, int64(2*trancheOneTotal-86400*100), p.Requirements.Allowance.Int64())
	assert.Zero(t, p.Requirements.FlowRateAllowance.Sign())
	assertConverges(t, in, p)
}

func TestUpdateRaisingFlowRateNeedsFlowRateAllowance(t *testing.T) {
	in := input(t, project("p1", true, []int64{2 * trancheOneTotal}, walletNew))
	in.Allowance = new(big.Int).Exp(big.NewInt(10), big.NewInt(24), nil)
	in.Permissions = chain.Permissions{Bits: action.PermissionsAll, FlowRateAllowance: big.NewInt(5)}
	in.Schedules = []vesting.Schedule{schedule("s1", walletNew, t0, t0.Add(30*day), 100)}

	p := Reconcile(in)
	require.Equal(t, []action.Type{action.TypeIncreasePermissions, action.TypeUpdateSchedule}, types(p.Actions))
	update := p.Actions[1].Payload.(action.UpdateSchedule)
	increase := new(big.Int).Sub(update.FlowRate, update.PreviousFlowRate)
	require.Positive(t, increase.Sign())

	perms := p.Actions[0].Payload.(action.IncreasePermissions)
	assert.Zero(t, perms.PermissionsDelta)
	assert.Equal(t, new(big.Int).Sub(increase, big.NewInt(5)).String(), perms.FlowRateAllowanceDelta.String())
	assertConverges(t, in, p)
}

func TestWalletMigration(t *testing.T) {
	in := approved(input(t, project("p1", true, []int64{trancheOneTotal}, walletOld, walletNew)))
	in.Permissions.FlowRateAllowance = new(big.Int)
	in.Schedules = []vesting.Schedule{schedule("s-old", walletOld, t0, t0.Add(30*day), 100)}

	p := Reconcile(in)
	require.Equal(t, []action.Type{
		action.TypeIncreasePermissions,
		action.TypeStopSchedule,
		action.TypeCreateSchedule,
	}, types(p.Actions))

	stop := p.Actions[1].Payload.(action.StopSchedule)
	assert.Equal(t, walletOld, stop.Receiver)
	assert.Equal(t, action.ReasonWalletMigration, stop.Reason)
	assert.True(t, stop.Started)
	assert.Equal(t, int64(86400*100), stop.VestedAmount.Int64())

	create := p.Actions[2].Payload.(action.CreateSchedule)
	assert.Equal(t, walletNew, create.Receiver)
	assert.Equal(t, trancheOneTotal-86400*100, create.TotalAmount.Int64())

	state := p.Projects[0]
	assert.Equal(t, []common.Address{walletOld}, state.MigratedFrom)
	assert.Equal(t, int64(86400*100), state.Distributed.Int64())
	assertConverges(t, in, p)
}

func TestMigrationCountsInactiveHistory(t *testing.T) {
	in := approved(input(t, project("p1", true, []int64{1000, 500}, walletOld, walletNew)))
	in.Tranche = trancheN(t, 2)
	done := schedule("s-old", walletOld, t0.Add(-10*day), t0.Add(-5*day), 1)
	done.TotalAmount = big.NewInt(1000)
	done.EndExecutedAt = done.EndDate
	in.Schedules = []vesting.Schedule{done}

	p := Reconcile(in)
	require.Equal(t, []action.Type{action.TypeCreateSchedule}, types(p.Actions))
	assert.Equal(t, "500", p.Actions[0].Amount().String())
	assert.Empty(t, p.Projects[0].MigratedFrom)
}

func TestAllocationRemovedStopsPendingSchedule(t *testing.T) {
	in := approved(input(t, project("p1", true, []int64{0}, walletNew)))
	in.Schedules = []vesting.Schedule{schedule("s1", walletNew, t0.Add(10*day), t0.Add(30*day), 100)}

	p := Reconcile(in)
	require.Equal(t, []action.Type{action.TypeStopSchedule}, types(p.Actions))
	stop := p.Actions[0].Payload.(action.StopSchedule)
	assert.False(t, stop.Started)
	assert.Equal(t, action.ReasonAllocationRemoved, stop.Reason)
	assert.Zero(t, stop.VestedAmount.Sign())
	assert.Equal(t, StatusStop, p.Projects[0].Status)
	assertConverges(t, in, p)
}

func TestOverAllocatedIsReportedNotActedOn(t *testing.T) {
	in := approved(input(t, project("p1", true, []int64{1000}, walletNew)))
	in.Schedules = []vesting.Schedule{schedule("s1", walletNew, t0, t0.Add(30*day), 100)}

	p := Reconcile(in)
	assert.Empty(t, p.Actions)
	assert.Equal(t, StatusOverAllocated, p.Projects[0].Status)
	assert.Len(t, p.Warnings, 1)
}

func TestTrancheEnded(t *testing.T) {
	in := approved(input(t, project("p1", true, []int64{2 * trancheOneTotal}, walletNew)))
	in.Now = t0.Add(31 * day)
	in.Schedules = []vesting.Schedule{schedule("s1", walletNew, t0, t0.Add(30*day), 100)}

	p := Reconcile(in)
	assert.Empty(t, p.Actions)
	assert.Equal(t, StatusTrancheEnded, p.Projects[0].Status)
}

func TestCompletedAndNoAllocation(t *testing.T) {
	done := schedule("s1", walletNew, t0.Add(-10*day), t0.Add(-5*day), 1)
	done.TotalAmount = big.NewInt(1000)
	done.EndExecutedAt = done.EndDate

	in := approved(input(t,
		project("p1", true, []int64{1000}, walletNew),
		project("p2", true, nil, walletP2),
	))
	in.Schedules = []vesting.Schedule{done}

	p := Reconcile(in)
	assert.Empty(t, p.Actions)
	assert.Equal(t, StatusCompleted, p.Projects[0].Status)
	assert.Equal(t, StatusNoAllocation, p.Projects[1].Status)
}

func TestUnmanagedSchedulesAreReportedOnly(t *testing.T) {
	in := input(t, project("p1", true, nil, walletNew))
	foreign := schedule("s-x", stranger, t0, t0.Add(30*day), 1)
	other := schedule("s-y", stranger, t0, t0.Add(30*day), 1)
	other.SuperToken = common.HexToAddress("0xee")
	in.Schedules = []vesting.Schedule{foreign, other}

	p := Reconcile(in)
	require.Len(t, p.Unmanaged, 1)
	assert.Equal(t, "s-x", p.Unmanaged[0].ID)
	for _, a := range p.Actions {
		_, targetsReceiver := a.Receiver()
		assert.False(t, targetsReceiver, "unmanaged schedules are never acted on")
	}
	// It still draws on the allowance.
	assert.Equal(t, []action.Type{action.TypeIncreaseAllowance, action.TypeIncreasePermissions}, types(p.Actions))
}

func TestDuplicateActiveSchedulesWarn(t *testing.T) {
	in := approved(input(t, project("p1", true, []int64{trancheOneTotal}, walletNew)))
	in.Schedules = []vesting.Schedule{
		schedule("s-early", walletNew, t0.Add(-day), t0.Add(29*day), 100),
		schedule("s-late", walletNew, t0, t0.Add(30*day), 100),
	}

	p := Reconcile(in)
	assert.Empty(t, p.Actions)
	assert.Equal(t, "s-late", p.Projects[0].Schedule.ID)
	require.Len(t, p.Warnings, 1)
	assert.Contains(t, p.Warnings[0], "2 active schedules")
}

func TestActionOrderAcrossProjects(t *testing.T) {
	in := input(t,
		project("p1", true, []int64{trancheOneTotal}, walletOld, walletNew),
		project("p2", true, []int64{5_000_000}, walletP2),
	)
	in.Schedules = []vesting.Schedule{schedule("s-old", walletOld, t0, t0.Add(30*day), 100)}

	p := Reconcile(in)
	require.Equal(t, []action.Type{
		action.TypeIncreaseAllowance,
		action.TypeIncreasePermissions,
		action.TypeStopSchedule,
		action.TypeCreateSchedule,
		action.TypeCreateSchedule,
	}, types(p.Actions))
	assert.Equal(t, "p1", p.Actions[2].ProjectID)
	assert.Equal(t, "p1", p.Actions[3].ProjectID)
	assert.Equal(t, "p2", p.Actions[4].ProjectID)

	required := new(big.Int).Add(p.Actions[3].Amount(), p.Actions[4].Amount())
	assert.Equal(t, required.String(), p.Actions[0].Payload.(action.IncreaseAllowance).Delta.String())
	assertConverges(t, in, p)
}
