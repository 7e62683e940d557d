package watch

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/superfluid-finance/agora-reconciler/internal/action"
	"github.com/superfluid-finance/agora-reconciler/internal/httputil"
	"github.com/superfluid-finance/agora-reconciler/internal/reconcile"
)

type scriptedRunner struct {
	mu      sync.Mutex
	results []*reconcile.Result
	errs    []error
	calls   int
}

func (r *scriptedRunner) Run(context.Context, reconcile.Request) (*reconcile.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.calls
	r.calls++
	if i >= len(r.results) {
		i = len(r.results) - 1
	}
	return r.results[i], r.errs[i]
}

type recordingNotifier struct {
	mu       sync.Mutex
	digests  []string
	failures []string
}

func (n *recordingNotifier) NotifyPendingActions(_ context.Context, html string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.digests = append(n.digests, html)
	return nil
}

func (n *recordingNotifier) NotifyReconcileFailure(_ context.Context, sender string, _ error) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures = append(n.failures, sender)
	return nil
}

func resultWith(actions ...action.Action) *reconcile.Result {
	return &reconcile.Result{
		Sender:    common.HexToAddress("0xa2"),
		Converges: true,
		Plan:      reconcile.Plan{Actions: actions},
	}
}

func create(amount int64) action.Action {
	return action.New("p1", action.CreateSchedule{Receiver: common.HexToAddress("0xb1"), TotalAmount: big.NewInt(amount)})
}

func TestRunOnceNotifiesOnlyOnChange(t *testing.T) {
	runner := &scriptedRunner{
		results: []*reconcile.Result{resultWith(create(10)), resultWith(create(10)), resultWith(create(20)), nil},
		errs:    []error{nil, nil, nil, errors.New("subgraph down")},
	}
	notifier := &recordingNotifier{}
	w := New(Config{Senders: []string{"0xa2"}}, runner, notifier, nil)
	ctx := context.Background()

	w.RunOnce(ctx)
	w.RunOnce(ctx)
	assert.Len(t, notifier.digests, 1, "unchanged pending set is not re-sent")

	w.RunOnce(ctx)
	assert.Len(t, notifier.digests, 2)

	w.RunOnce(ctx)
	w.RunOnce(ctx)
	assert.Equal(t, []string{"0xa2"}, notifier.failures, "repeated identical failures alert once")

	statuses := w.Statuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, "subgraph down", statuses[0].Error)
	assert.False(t, statuses[0].Changed)
}

func TestRunOnceOutageWithChangingBodiesAlertsOnce(t *testing.T) {
	outage := func(requestID string) error {
		return fmt.Errorf("reconcile: fetch allocations: %w",
			&httputil.StatusError{Upstream: "agora", Code: 502, Body: "bad gateway request_id=" + requestID})
	}
	runner := &scriptedRunner{
		results: []*reconcile.Result{nil, nil, nil, nil},
		errs: []error{
			outage("a1"),
			outage("b2"),
			outage("c3"),
			fmt.Errorf("reconcile: fetch allocations: %w", &httputil.StatusError{Upstream: "agora", Code: 401, Body: "denied"}),
		},
	}
	notifier := &recordingNotifier{}
	w := New(Config{Senders: []string{"0xa2"}}, runner, notifier, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		w.RunOnce(ctx)
	}
	assert.Len(t, notifier.failures, 1)
	assert.Contains(t, w.Statuses()[0].Error, "request_id=c3", "latest error is still reported")

	w.RunOnce(ctx)
	assert.Len(t, notifier.failures, 2, "a different status is a new failure")
}

func TestFailureClass(t *testing.T) {
	assert.Equal(t, "agora status 502", FailureClass(fmt.Errorf("reconcile: %w",
		&httputil.StatusError{Upstream: "agora", Code: 502, Body: "x"})))
	assert.Equal(t, "timeout", FailureClass(fmt.Errorf("reconcile: read allowance: %w", context.DeadlineExceeded)))
	assert.Equal(t, "bad request", FailureClass(fmt.Errorf("%w: sender is the zero address", reconcile.ErrBadRequest)))
	assert.Equal(t, "reconcile: read allowance", FailureClass(errors.New("reconcile: read allowance: rpc: nonce 17 at 12:00")))
	assert.Equal(t, "subgraph down", FailureClass(errors.New("subgraph down")))
}

func TestRunOnceQuietWhenFirstRunInSync(t *testing.T) {
	runner := &scriptedRunner{results: []*reconcile.Result{resultWith()}, errs: []error{nil}}
	notifier := &recordingNotifier{}
	w := New(Config{Senders: []string{"0xa2"}}, runner, notifier, nil)

	w.RunOnce(context.Background())
	assert.Empty(t, notifier.digests)
	assert.Len(t, w.Statuses(), 1)
}

func TestFingerprintIgnoresDriftingAmounts(t *testing.T) {
	stop := func(vested int64) action.Action {
		return action.New("p1", action.StopSchedule{Receiver: common.HexToAddress("0xb1"), VestedAmount: big.NewInt(vested)})
	}
	assert.Equal(t, Fingerprint(resultWith(stop(1))), Fingerprint(resultWith(stop(2))))
	assert.NotEqual(t, Fingerprint(resultWith(create(1))), Fingerprint(resultWith(create(2))))

	blocked := resultWith(create(1))
	blocked.Blocked = true
	assert.NotEqual(t, Fingerprint(resultWith(create(1))), Fingerprint(blocked))
}

func TestValidateSchedule(t *testing.T) {
	assert.NoError(t, ValidateSchedule("*/10 * * * *"))
	assert.NoError(t, ValidateSchedule("@hourly"))
	assert.Error(t, ValidateSchedule("every ten minutes"))
}

func TestRunStopsOnCancel(t *testing.T) {
	runner := &scriptedRunner{results: []*reconcile.Result{resultWith()}, errs: []error{nil}}
	w := New(Config{Schedule: "@every 1h", Senders: []string{"0xa2"}}, runner, &recordingNotifier{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return len(w.Statuses()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
}
