package simulate

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/superfluid-finance/agora-reconciler/internal/action"
	"github.com/superfluid-finance/agora-reconciler/internal/chain"
	"github.com/superfluid-finance/agora-reconciler/internal/vesting"
)

var (
	t0       = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	receiver = common.HexToAddress("0xb1")
)

func running() vesting.Schedule {
	return vesting.Schedule{
		ID:               "s1",
		Receiver:         receiver,
		StartDate:        t0,
		CliffAndFlowDate: t0,
		EndDate:          t0.Add(100 * time.Second),
		CliffAmount:      new(big.Int),
		FlowRate:         big.NewInt(10),
		RemainderAmount:  new(big.Int),
	}
}

func TestApplyCreate(t *testing.T) {
	start := t0.Add(time.Hour)
	next, err := Apply(State{}, []action.Action{
		action.New("p1", action.CreateSchedule{
			Receiver:    receiver,
			StartDate:   start.Unix(),
			EndDate:     start.Add(100 * time.Second).Unix(),
			TotalAmount: big.NewInt(1005),
		}),
	}, t0)
	require.NoError(t, err)
	require.Len(t, next.Schedules, 1)

	s := next.Schedules[0]
	assert.True(t, s.Active())
	assert.Equal(t, "10", s.FlowRate.String())
	assert.Equal(t, "5", s.RemainderAmount.String())
	assert.Equal(t, "1005", s.Total().String())
	assert.Equal(t, "0", s.VestedAt(t0).String())
}

func TestApplyCreateRejectsDuplicateReceiver(t *testing.T) {
	_, err := Apply(State{Schedules: []vesting.Schedule{running()}}, []action.Action{
		action.New("p1", action.CreateSchedule{Receiver: receiver, TotalAmount: big.NewInt(1)}),
	}, t0)
	assert.Error(t, err)
}

func TestApplyUpdateSettlesAtNow(t *testing.T) {
	now := t0.Add(40 * time.Second)
	state := State{Schedules: []vesting.Schedule{running()}}
	next, err := Apply(state, []action.Action{
		action.New("p1", action.UpdateSchedule{
			Receiver:    receiver,
			TotalAmount: big.NewInt(1600),
			EndDate:     t0.Add(160 * time.Second).Unix(),
			FlowRate:    big.NewInt(10),
		}),
	}, now)
	require.NoError(t, err)

	s := next.Schedules[0]
	assert.Equal(t, "400", s.SettledAmount.String())
	assert.Equal(t, "400", s.VestedAt(now).String())
	assert.Equal(t, "1600", s.Total().String())
	assert.Equal(t, "1000", s.VestedAt(t0.Add(100*time.Second)).String())

	assert.Nil(t, state.Schedules[0].SettledAmount, "input state untouched")
}

func TestApplyStop(t *testing.T) {
	now := t0.Add(30 * time.Second)
	next, err := Apply(State{Schedules: []vesting.Schedule{running()}}, []action.Action{
		action.New("p1", action.StopSchedule{Receiver: receiver, Started: true}),
	}, now)
	require.NoError(t, err)
	s := next.Schedules[0]
	assert.False(t, s.Active())
	assert.Equal(t, "300", s.VestedAt(t0.Add(time.Hour)).String())

	_, err = Apply(next, []action.Action{action.New("p1", action.StopSchedule{Receiver: receiver})}, now)
	assert.Error(t, err)
}

func TestApplyAllowanceAndPermissions(t *testing.T) {
	state := State{
		Allowance:   big.NewInt(5),
		Permissions: chain.Permissions{Bits: action.PermissionCreate, FlowRateAllowance: big.NewInt(1)},
	}
	next, err := Apply(state, []action.Action{
		action.New("", action.IncreaseAllowance{Delta: big.NewInt(10)}),
		action.New("", action.IncreasePermissions{PermissionsDelta: action.PermissionUpdate | action.PermissionDelete, FlowRateAllowanceDelta: big.NewInt(9)}),
	}, t0)
	require.NoError(t, err)
	assert.Equal(t, "15", next.Allowance.String())
	assert.Equal(t, action.PermissionsAll, next.Permissions.Bits)
	assert.Equal(t, "10", next.Permissions.FlowRateAllowance.String())
	assert.Equal(t, "5", state.Allowance.String())
}
