package chain

import (
	"fmt"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/superfluid-finance/agora-reconciler/internal/action"
)

// Addresses are the contracts reconciliation actions are sent to.
type Addresses struct {
	SuperToken common.Address
	Scheduler  common.Address
	Forwarder  common.Address
}

// Encode builds the contract call behind a.
func Encode(a action.Action, addrs Addresses) (*action.Call, error) {
	var (
		to   common.Address
		data []byte
		err  error
	)
	switch p := a.Payload.(type) {
	case action.CreateSchedule:
		var duration, start uint32
		if duration, err = toUint32("totalDuration", p.TotalDuration); err != nil {
			return nil, err
		}
		if start, err = toUint32("startDate", p.StartDate); err != nil {
			return nil, err
		}
		to = addrs.Scheduler
		data, err = schedulerABI.Pack("createVestingScheduleFromAmountAndDuration",
			p.SuperToken, p.Receiver, p.TotalAmount, duration, start, uint32(0), uint32(0))
	case action.UpdateSchedule:
		var end uint32
		if end, err = toUint32("endDate", p.EndDate); err != nil {
			return nil, err
		}
		to = addrs.Scheduler
		data, err = schedulerABI.Pack("updateVestingScheduleFlowRateFromAmountAndEndDate",
			p.SuperToken, p.Receiver, p.TotalAmount, end)
	case action.StopSchedule:
		method := "deleteVestingSchedule"
		if p.Started {
			method = "endVestingScheduleNow"
		}
		to = addrs.Scheduler
		data, err = schedulerABI.Pack(method, p.SuperToken, p.Receiver)
	case action.IncreaseAllowance:
		to = p.SuperToken
		data, err = superTokenABI.Pack("increaseAllowance", p.Spender, p.Delta)
	case action.IncreasePermissions:
		delta := p.FlowRateAllowanceDelta
		if delta == nil {
			delta = new(big.Int)
		}
		to = addrs.Forwarder
		data, err = forwarderABI.Pack("increaseFlowRateAllowanceWithPermissions",
			p.SuperToken, p.FlowOperator, p.PermissionsDelta, delta)
	default:
		return nil, fmt.Errorf("chain: no encoding for action %q", a.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("chain: encode %s: %w", a.Type, err)
	}
	return &action.Call{To: to, Data: data}, nil
}

// EncodeAll attaches a Call to every action.
func EncodeAll(actions []action.Action, addrs Addresses) error {
	for i := range actions {
		call, err := Encode(actions[i], addrs)
		if err != nil {
			return err
		}
		actions[i].Call = call
	}
	return nil
}

func toUint32(field string, v int64) (uint32, error) {
	if v < 0 || v > math.MaxUint32 {
		return 0, fmt.Errorf("chain: %s %d does not fit uint32", field, v)
	}
	return uint32(v), nil
}
