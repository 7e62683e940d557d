package reconcile

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/superfluid-finance/agora-reconciler/internal/allocation"
	"github.com/superfluid-finance/agora-reconciler/internal/chain"
	"github.com/superfluid-finance/agora-reconciler/internal/guard"
	"github.com/superfluid-finance/agora-reconciler/internal/vesting"
)

type fakeAllocations struct {
	projects []allocation.Project
	err      error
}

func (f fakeAllocations) Fetch(context.Context) ([]allocation.Project, error) {
	return f.projects, f.err
}

type fakeSchedules struct {
	schedules []vesting.Schedule
	gotSender common.Address
}

func (f *fakeSchedules) VestingSchedules(_ context.Context, _, sender common.Address) ([]vesting.Schedule, error) {
	f.gotSender = sender
	return f.schedules, nil
}

type fakeChain struct {
	allowance *big.Int
	perms     chain.Permissions
}

func (f fakeChain) Allowance(context.Context, common.Address, common.Address, common.Address) (*big.Int, error) {
	return f.allowance, nil
}

func (f fakeChain) FlowOperatorPermissions(context.Context, common.Address, common.Address, common.Address, common.Address) (chain.Permissions, error) {
	return f.perms, nil
}

func newTestService(allocs AllocationSource, g *guard.Guard) (*Service, *fakeSchedules) {
	schedules := &fakeSchedules{}
	svc := NewService(Config{
		ChainID: 10,
		Addresses: chain.Addresses{
			SuperToken: token,
			Scheduler:  scheduler,
			Forwarder:  common.HexToAddress("0xcfA132E353cB4E398080B9700609bb008eceB125"),
		},
		Plan:    plan,
		Options: Options{StartBuffer: time.Hour, MinVestingDuration: 7 * day},
	}, allocs, schedules, fakeChain{allowance: new(big.Int), perms: chain.Permissions{FlowRateAllowance: new(big.Int)}}, g, nil)
	svc.now = func() time.Time { return t0.Add(day) }
	return svc, schedules
}

func TestServiceRun(t *testing.T) {
	svc, schedules := newTestService(fakeAllocations{projects: []allocation.Project{
		project("p1", true, []int64{25_020_007}, walletNew),
	}}, nil)

	res, err := svc.Run(context.Background(), Request{Sender: sender.Hex(), ChainID: 10})
	require.NoError(t, err)
	assert.Equal(t, sender, schedules.gotSender)
	assert.Equal(t, 1, res.Tranche.Number)
	assert.True(t, res.Converges)
	assert.False(t, res.Blocked)
	require.Len(t, res.Actions, 3)
	for _, a := range res.Actions {
		require.NotNil(t, a.Call, "every action carries an encoded call")
		assert.NotEmpty(t, a.Call.Data)
	}
	assert.Equal(t, token, res.Actions[0].Call.To)
	assert.Equal(t, scheduler, res.Actions[2].Call.To)
}

func TestServiceRejectsBadRequests(t *testing.T) {
	svc, _ := newTestService(fakeAllocations{}, nil)
	ctx := context.Background()

	for name, req := range map[string]Request{
		"bad sender":  {Sender: "0x123"},
		"zero sender": {Sender: "0x0000000000000000000000000000000000000000"},
		"wrong chain": {Sender: sender.Hex(), ChainID: 1},
		"no tranche":  {Sender: sender.Hex(), Tranche: 4},
	} {
		_, err := svc.Run(ctx, req)
		assert.ErrorIs(t, err, ErrBadRequest, name)
	}
}

func TestServiceUpstreamFailure(t *testing.T) {
	boom := errors.New("agora down")
	svc, _ := newTestService(fakeAllocations{err: boom}, nil)

	_, err := svc.Run(context.Background(), Request{Sender: sender.Hex()})
	require.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrBadRequest)
}

func TestServiceHaltWithholdsActions(t *testing.T) {
	g := guard.New(guard.Limits{})
	g.SetHalted(true)
	svc, _ := newTestService(fakeAllocations{projects: []allocation.Project{
		project("p1", true, []int64{1000}, walletNew),
	}}, g)

	res, err := svc.Run(context.Background(), Request{Sender: sender.Hex()})
	require.NoError(t, err)
	assert.True(t, res.Blocked)
	assert.Empty(t, res.Actions)
	assert.Equal(t, []string{"halted by operator"}, res.BlockReasons)
	assert.Equal(t, StatusCreate, res.Projects[0].Status)
}

func TestServiceGuardReportsViolations(t *testing.T) {
	g := guard.New(guard.Limits{MaxProjectAmount: big.NewInt(10)})
	svc, _ := newTestService(fakeAllocations{projects: []allocation.Project{
		project("p1", true, []int64{1000}, walletNew),
	}}, g)

	res, err := svc.Run(context.Background(), Request{Sender: sender.Hex()})
	require.NoError(t, err)
	assert.False(t, res.Blocked)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, guard.RuleProjectAmount, res.Violations[0].Rule)
	assert.Len(t, res.Actions, 3)
}

func TestServiceSchedules(t *testing.T) {
	svc, schedules := newTestService(fakeAllocations{}, nil)
	schedules.schedules = []vesting.Schedule{schedule("s1", walletNew, t0, t0.Add(30*day), 100)}

	views, err := svc.Schedules(context.Background(), sender.Hex())
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, vesting.StatusVesting, views[0].Status)
	assert.Equal(t, int64(86400*100), views[0].Vested.Int64())

	_, err = svc.Schedules(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrBadRequest)
}
