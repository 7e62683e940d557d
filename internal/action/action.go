// Package action defines the ordered blockchain actions a sender signs to
// bring on-chain vesting state in line with declared allocations.
package action

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

type Type string

const (
	TypeIncreaseAllowance   Type = "increase-token-allowance"
	TypeIncreasePermissions Type = "increase-flow-operator-permissions"
	TypeStopSchedule        Type = "stop-vesting-schedule"
	TypeUpdateSchedule      Type = "update-vesting-schedule"
	TypeCreateSchedule      Type = "create-vesting-schedule"
)

// Types lists every action type in emission order.
var Types = []Type{
	TypeIncreaseAllowance,
	TypeIncreasePermissions,
	TypeStopSchedule,
	TypeUpdateSchedule,
	TypeCreateSchedule,
}

// Stop reasons.
const (
	ReasonWalletMigration   = "wallet-migration"
	ReasonAllocationRemoved = "allocation-removed"
)

// Flow operator permission bits as defined by the constant flow agreement.
const (
	PermissionCreate uint8 = 1 << 0
	PermissionUpdate uint8 = 1 << 1
	PermissionDelete uint8 = 1 << 2

	PermissionsAll = PermissionCreate | PermissionUpdate | PermissionDelete
)

// Payload is implemented by every concrete action payload.
type Payload interface {
	actionType() Type
}

// Action is one step of a reconciliation plan.
type Action struct {
	Type      Type    `json:"type"`
	ProjectID string  `json:"projectId,omitempty"`
	Payload   Payload `json:"payload"`
	Call      *Call   `json:"call,omitempty"`
}

// New builds an Action whose Type matches the payload.
func New(projectID string, p Payload) Action {
	return Action{Type: p.actionType(), ProjectID: projectID, Payload: p}
}

// Call is an encoded contract call ready for a wallet to sign.
type Call struct {
	To   common.Address `json:"to"`
	Data hexutil.Bytes  `json:"data"`
}

type CreateSchedule struct {
	SuperToken    common.Address `json:"superToken"`
	Sender        common.Address `json:"sender"`
	Receiver      common.Address `json:"receiver"`
	StartDate     int64          `json:"startDate"`
	EndDate       int64          `json:"endDate"`
	TotalDuration int64          `json:"totalDuration"`
	TotalAmount   *big.Int       `json:"totalAmount"`
	FlowRate      *big.Int       `json:"flowRate"`
	Remainder     *big.Int       `json:"remainderAmount"`
}

func (CreateSchedule) actionType() Type { return TypeCreateSchedule }

type UpdateSchedule struct {
	SuperToken          common.Address `json:"superToken"`
	Sender              common.Address `json:"sender"`
	Receiver            common.Address `json:"receiver"`
	PreviousTotalAmount *big.Int       `json:"previousTotalAmount"`
	TotalAmount         *big.Int       `json:"totalAmount"`
	PreviousEndDate     int64          `json:"previousEndDate"`
	EndDate             int64          `json:"endDate"`
	PreviousFlowRate    *big.Int       `json:"previousFlowRate"`
	FlowRate            *big.Int       `json:"flowRate"`
}

func (UpdateSchedule) actionType() Type { return TypeUpdateSchedule }

type StopSchedule struct {
	SuperToken common.Address `json:"superToken"`
	Sender     common.Address `json:"sender"`
	Receiver   common.Address `json:"receiver"`
	Reason     string         `json:"reason"`
	// Started selects between deleting a pending schedule and ending a
	// running one.
	Started bool `json:"started"`
	// VestedAmount is what the receiver keeps once the schedule stops.
	VestedAmount *big.Int `json:"vestedAmount"`
}

func (StopSchedule) actionType() Type { return TypeStopSchedule }

type IncreaseAllowance struct {
	SuperToken common.Address `json:"superToken"`
	Owner      common.Address `json:"owner"`
	Spender    common.Address `json:"spender"`
	Current    *big.Int       `json:"currentAllowance"`
	Required   *big.Int       `json:"requiredAllowance"`
	Delta      *big.Int       `json:"delta"`
}

func (IncreaseAllowance) actionType() Type { return TypeIncreaseAllowance }

type IncreasePermissions struct {
	SuperToken                common.Address `json:"superToken"`
	Sender                    common.Address `json:"sender"`
	FlowOperator              common.Address `json:"flowOperator"`
	CurrentPermissions        uint8          `json:"currentPermissions"`
	PermissionsDelta          uint8          `json:"permissionsDelta"`
	CurrentFlowRateAllowance  *big.Int       `json:"currentFlowRateAllowance"`
	RequiredFlowRateAllowance *big.Int       `json:"requiredFlowRateAllowance"`
	FlowRateAllowanceDelta    *big.Int       `json:"flowRateAllowanceDelta"`
}

func (IncreasePermissions) actionType() Type { return TypeIncreasePermissions }

// Receiver returns the schedule receiver an action targets, if any.
func (a Action) Receiver() (common.Address, bool) {
	switch p := a.Payload.(type) {
	case CreateSchedule:
		return p.Receiver, true
	case UpdateSchedule:
		return p.Receiver, true
	case StopSchedule:
		return p.Receiver, true
	}
	return common.Address{}, false
}

// Amount returns the headline amount of an action: the schedule total for
// creates and updates, the vested amount for stops, the delta otherwise.
func (a Action) Amount() *big.Int {
	switch p := a.Payload.(type) {
	case CreateSchedule:
		return p.TotalAmount
	case UpdateSchedule:
		return p.TotalAmount
	case StopSchedule:
		return p.VestedAmount
	case IncreaseAllowance:
		return p.Delta
	case IncreasePermissions:
		return p.FlowRateAllowanceDelta
	}
	return nil
}

// CountByType tallies actions per type.
func CountByType(actions []Action) map[Type]int {
	out := make(map[Type]int, len(Types))
	for _, a := range actions {
		out[a.Type]++
	}
	return out
}
