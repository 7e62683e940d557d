package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const superTokenABIJSON = `[
{"type":"function","name":"allowance","stateMutability":"view",
 "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
 "outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"increaseAllowance","stateMutability":"nonpayable",
 "inputs":[{"name":"spender","type":"address"},{"name":"addedValue","type":"uint256"}],
 "outputs":[{"name":"","type":"bool"}]}
]`

const forwarderABIJSON = `[
{"type":"function","name":"getFlowOperatorPermissions","stateMutability":"view",
 "inputs":[{"name":"token","type":"address"},{"name":"sender","type":"address"},{"name":"flowOperator","type":"address"}],
 "outputs":[{"name":"permissions","type":"uint8"},{"name":"flowrateAllowance","type":"int96"}]},
{"type":"function","name":"increaseFlowRateAllowanceWithPermissions","stateMutability":"nonpayable",
 "inputs":[{"name":"token","type":"address"},{"name":"flowOperator","type":"address"},{"name":"permissionsToAdd","type":"uint8"},{"name":"addedFlowRateAllowance","type":"int96"}],
 "outputs":[{"name":"","type":"bool"}]}
]`

const schedulerABIJSON = `[
{"type":"function","name":"createVestingScheduleFromAmountAndDuration","stateMutability":"nonpayable",
 "inputs":[{"name":"superToken","type":"address"},{"name":"receiver","type":"address"},{"name":"totalAmount","type":"uint256"},{"name":"totalDuration","type":"uint32"},{"name":"startDate","type":"uint32"},{"name":"cliffPeriod","type":"uint32"},{"name":"claimPeriod","type":"uint32"}],
 "outputs":[]},
{"type":"function","name":"updateVestingScheduleFlowRateFromAmountAndEndDate","stateMutability":"nonpayable",
 "inputs":[{"name":"superToken","type":"address"},{"name":"receiver","type":"address"},{"name":"newTotalAmount","type":"uint256"},{"name":"newEndDate","type":"uint32"}],
 "outputs":[]},
{"type":"function","name":"deleteVestingSchedule","stateMutability":"nonpayable",
 "inputs":[{"name":"superToken","type":"address"},{"name":"receiver","type":"address"}],
 "outputs":[]},
{"type":"function","name":"endVestingScheduleNow","stateMutability":"nonpayable",
 "inputs":[{"name":"superToken","type":"address"},{"name":"receiver","type":"address"}],
 "outputs":[]}
]`

var (
	superTokenABI = mustParseABI(superTokenABIJSON)
	forwarderABI  = mustParseABI(forwarderABIJSON)
	schedulerABI  = mustParseABI(schedulerABIJSON)
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("chain: parse abi: " + err.Error())
	}
	return parsed
}
