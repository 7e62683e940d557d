package txtrack

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/superfluid-finance/agora-reconciler/internal/action"
	"github.com/superfluid-finance/agora-reconciler/internal/chain"
)

const (
	hashA  = "0x00000000000000000000000000000000000000000000000000000000000000aa"
	hashB  = "0x00000000000000000000000000000000000000000000000000000000000000bb"
	sender = "0x00000000000000000000000000000000000000a2"
)

type fakeReader map[common.Hash]chain.TxStatus

func (f fakeReader) TransactionStatus(_ context.Context, hash common.Hash) (chain.TxStatus, error) {
	st, ok := f[hash]
	if !ok {
		return chain.TxStatus{}, errors.New("rpc down")
	}
	return st, nil
}

func TestRegisterValidatesAndDeduplicates(t *testing.T) {
	tr := NewTracker(fakeReader{}, time.Second, nil)

	e, err := tr.Register(Submission{Hash: hashA, Sender: sender, ActionType: action.TypeCreateSchedule, ProjectID: "p1"})
	require.NoError(t, err)
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, chain.TxPending, e.State)

	again, err := tr.Register(Submission{Hash: hashA, Sender: sender, ActionType: action.TypeCreateSchedule})
	require.NoError(t, err)
	assert.Equal(t, e.ID, again.ID)
	assert.Len(t, tr.List(common.Address{}), 1)

	for _, bad := range []Submission{
		{Hash: "0x1234", Sender: sender, ActionType: action.TypeCreateSchedule},
		{Hash: hashB, Sender: "nope", ActionType: action.TypeCreateSchedule},
		{Hash: hashB, Sender: sender, ActionType: "swap"},
	} {
		_, err := tr.Register(bad)
		assert.ErrorIs(t, err, ErrInvalidSubmission)
	}
}

func TestRefreshSettlesEntries(t *testing.T) {
	reader := fakeReader{
		common.HexToHash(hashA): {State: chain.TxConfirmed, BlockNumber: 7},
		common.HexToHash(hashB): {State: chain.TxPending},
	}
	tr := NewTracker(reader, time.Second, nil)
	var finals []Entry
	tr.OnFinal = func(e Entry) { finals = append(finals, e) }

	_, err := tr.Register(Submission{Hash: hashA, Sender: sender, ActionType: action.TypeIncreaseAllowance})
	require.NoError(t, err)
	_, err = tr.Register(Submission{Hash: hashB, Sender: sender, ActionType: action.TypeCreateSchedule})
	require.NoError(t, err)

	require.NoError(t, tr.Refresh(context.Background()))
	require.Len(t, finals, 1)
	assert.Equal(t, chain.TxConfirmed, finals[0].State)
	assert.Equal(t, uint64(7), finals[0].BlockNumber)
	assert.Equal(t, 1, tr.Pending())

	// Settled entries are not polled again.
	require.NoError(t, tr.Refresh(context.Background()))
	assert.Len(t, finals, 1)
}

func TestRefreshCollectsErrors(t *testing.T) {
	tr := NewTracker(fakeReader{}, time.Second, nil)
	_, err := tr.Register(Submission{Hash: hashA, Sender: sender, ActionType: action.TypeStopSchedule})
	require.NoError(t, err)

	assert.Error(t, tr.Refresh(context.Background()))
	assert.Equal(t, 1, tr.Pending())
}

func TestListFiltersAndOrders(t *testing.T) {
	tr := NewTracker(fakeReader{}, time.Second, nil)
	now := time.Unix(1_700_000_000, 0)
	tr.now = func() time.Time { return now }

	_, err := tr.Register(Submission{Hash: hashA, Sender: sender, ActionType: action.TypeStopSchedule})
	require.NoError(t, err)
	now = now.Add(time.Minute)
	_, err = tr.Register(Submission{Hash: hashB, Sender: "0x00000000000000000000000000000000000000ff", ActionType: action.TypeStopSchedule})
	require.NoError(t, err)

	all := tr.List(common.Address{})
	require.Len(t, all, 2)
	assert.Equal(t, common.HexToHash(hashB), all[0].Hash)

	mine := tr.List(common.HexToAddress(sender))
	require.Len(t, mine, 1)
	assert.Equal(t, common.HexToHash(hashA), mine[0].Hash)
}
