package reconcile

import (
	"github.com/superfluid-finance/agora-reconciler/internal/simulate"
)

// Verify applies plan to the snapshot in in and reports whether a second
// reconciliation of the result is empty.
func Verify(in Input, plan Plan) (bool, error) {
	next, err := simulate.Apply(simulate.State{
		Schedules:   in.Schedules,
		Allowance:   in.Allowance,
		Permissions: in.Permissions,
	}, plan.Actions, in.Now)
	if err != nil {
		return false, err
	}
	again := in
	again.Schedules = next.Schedules
	again.Allowance = next.Allowance
	again.Permissions = next.Permissions
	return len(Reconcile(again).Actions) == 0, nil
}
