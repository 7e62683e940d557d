// Package chain reads Superfluid state over EVM JSON-RPC and encodes the
// contract calls behind reconciliation actions.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"github.com/superfluid-finance/agora-reconciler/internal/metrics"
	"github.com/superfluid-finance/agora-reconciler/internal/retry"
)

// Backend is the subset of ethclient.Client the reader uses.
type Backend interface {
	ethereum.ContractCaller
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// Permissions are the flow operator permissions a sender granted.
type Permissions struct {
	Bits              uint8    `json:"permissions"`
	FlowRateAllowance *big.Int `json:"flowRateAllowance"`
}

// Has reports whether every bit in want is granted.
func (p Permissions) Has(want uint8) bool {
	return p.Bits&want == want
}

// TxState is the lifecycle of a submitted transaction.
type TxState string

const (
	TxPending   TxState = "pending"
	TxConfirmed TxState = "confirmed"
	TxFailed    TxState = "failed"
)

type TxStatus struct {
	State       TxState `json:"state"`
	BlockNumber uint64  `json:"blockNumber,omitempty"`
	GasUsed     uint64  `json:"gasUsed,omitempty"`
}

// Reader performs retried read-only calls against one chain.
type Reader struct {
	backend Backend
	policy  retry.Policy
	logger  *zap.Logger
	closeFn func()
}

// Dial connects to rawURL with ethclient.
func Dial(ctx context.Context, rawURL string, policy retry.Policy, logger *zap.Logger) (*Reader, error) {
	client, err := ethclient.DialContext(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", rawURL, err)
	}
	r := NewReader(client, policy, logger)
	r.closeFn = client.Close
	return r, nil
}

func NewReader(backend Backend, policy retry.Policy, logger *zap.Logger) *Reader {
	if logger == nil {
		logger = zap.NewNop()
	}
	policy.Transient = IsTransient
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		logger.Warn("rpc call failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}
	return &Reader{backend: backend, policy: policy, logger: logger}
}

// Close releases the underlying RPC connection, if any.
func (r *Reader) Close() {
	if r.closeFn != nil {
		r.closeFn()
	}
}

// IsTransient treats everything except cancellation, reverts, invalid
// params, and not-found as worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ethereum.NotFound) {
		return false
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.ErrorCode() {
		case 3, -32602:
			return false
		}
	}
	return true
}

func (r *Reader) call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	start := time.Now()
	out, err := retry.Value(ctx, r.policy, func(ctx context.Context) ([]byte, error) {
		return r.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	})
	metrics.ObserveUpstream("rpc", err, time.Since(start))
	return out, err
}

// Allowance reads token.allowance(owner, spender).
func (r *Reader) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	data, err := superTokenABI.Pack("allowance", owner, spender)
	if err != nil {
		return nil, fmt.Errorf("chain: pack allowance: %w", err)
	}
	out, err := r.call(ctx, token, data)
	if err != nil {
		return nil, fmt.Errorf("chain: allowance: %w", err)
	}
	values, err := superTokenABI.Unpack("allowance", out)
	if err != nil {
		return nil, fmt.Errorf("chain: unpack allowance: %w", err)
	}
	allowance, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("chain: unexpected allowance type %T", values[0])
	}
	return allowance, nil
}

// FlowOperatorPermissions reads the permissions sender granted operator
// for token through the CFAv1 forwarder.
func (r *Reader) FlowOperatorPermissions(ctx context.Context, forwarder, token, sender, operator common.Address) (Permissions, error) {
	data, err := forwarderABI.Pack("getFlowOperatorPermissions", token, sender, operator)
	if err != nil {
		return Permissions{}, fmt.Errorf("chain: pack getFlowOperatorPermissions: %w", err)
	}
	out, err := r.call(ctx, forwarder, data)
	if err != nil {
		return Permissions{}, fmt.Errorf("chain: flow operator permissions: %w", err)
	}
	values, err := forwarderABI.Unpack("getFlowOperatorPermissions", out)
	if err != nil {
		return Permissions{}, fmt.Errorf("chain: unpack getFlowOperatorPermissions: %w", err)
	}
	bits, ok := values[0].(uint8)
	if !ok {
		return Permissions{}, fmt.Errorf("chain: unexpected permissions type %T", values[0])
	}
	allowance, ok := values[1].(*big.Int)
	if !ok {
		return Permissions{}, fmt.Errorf("chain: unexpected flow rate allowance type %T", values[1])
	}
	return Permissions{Bits: bits, FlowRateAllowance: allowance}, nil
}

// TransactionStatus resolves a transaction hash to its mined state.
func (r *Reader) TransactionStatus(ctx context.Context, hash common.Hash) (TxStatus, error) {
	start := time.Now()
	receipt, err := retry.Value(ctx, r.policy, func(ctx context.Context) (*types.Receipt, error) {
		return r.backend.TransactionReceipt(ctx, hash)
	})
	metrics.ObserveUpstream("rpc", err, time.Since(start))
	if errors.Is(err, ethereum.NotFound) {
		return TxStatus{State: TxPending}, nil
	}
	if err != nil {
		return TxStatus{}, fmt.Errorf("chain: receipt %s: %w", hash.Hex(), err)
	}
	status := TxStatus{State: TxFailed, GasUsed: receipt.GasUsed}
	if receipt.BlockNumber != nil {
		status.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if receipt.Status == types.ReceiptStatusSuccessful {
		status.State = TxConfirmed
	}
	return status, nil
}

// ChainID asks the node which chain it serves.
func (r *Reader) ChainID(ctx context.Context) (*big.Int, error) {
	id, err := retry.Value(ctx, r.policy, r.backend.ChainID)
	if err != nil {
		return nil, fmt.Errorf("chain: chain id: %w", err)
	}
	return id, nil
}
