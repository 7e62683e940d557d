// Package txtrack follows wallet-signed transactions until they are mined.
package txtrack

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/superfluid-finance/agora-reconciler/internal/action"
	"github.com/superfluid-finance/agora-reconciler/internal/chain"
)

var ErrInvalidSubmission = errors.New("invalid submission")

// StatusReader resolves transaction hashes.
type StatusReader interface {
	TransactionStatus(ctx context.Context, hash common.Hash) (chain.TxStatus, error)
}

// Submission is what a client reports after signing an action.
type Submission struct {
	Hash       string      `json:"hash"`
	Sender     string      `json:"sender"`
	ActionType action.Type `json:"actionType"`
	ProjectID  string      `json:"projectId,omitempty"`
}

// Entry is a tracked transaction.
type Entry struct {
	ID          string         `json:"id"`
	Hash        common.Hash    `json:"hash"`
	Sender      common.Address `json:"sender"`
	ActionType  action.Type    `json:"actionType"`
	ProjectID   string         `json:"projectId,omitempty"`
	State       chain.TxState  `json:"state"`
	BlockNumber uint64         `json:"blockNumber,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// Tracker keeps submitted transactions in memory and polls their receipts.
type Tracker struct {
	mu       sync.RWMutex
	entries  map[common.Hash]*Entry
	reader   StatusReader
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time

	// OnFinal is called once per entry when it leaves the pending state.
	OnFinal func(Entry)
}

func NewTracker(reader StatusReader, interval time.Duration, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Tracker{
		entries:  make(map[common.Hash]*Entry),
		reader:   reader,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

// Register records a submission. Registering a known hash returns the
// existing entry.
func (t *Tracker) Register(sub Submission) (Entry, error) {
	raw, err := parseHash(sub.Hash)
	if err != nil {
		return Entry{}, err
	}
	if !common.IsHexAddress(sub.Sender) {
		return Entry{}, fmt.Errorf("%w: sender %q is not an address", ErrInvalidSubmission, sub.Sender)
	}
	if !knownType(sub.ActionType) {
		return Entry{}, fmt.Errorf("%w: unknown action type %q", ErrInvalidSubmission, sub.ActionType)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[raw]; ok {
		return *e, nil
	}
	now := t.now().UTC()
	e := &Entry{
		ID:         uuid.NewString(),
		Hash:       raw,
		Sender:     common.HexToAddress(sub.Sender),
		ActionType: sub.ActionType,
		ProjectID:  sub.ProjectID,
		State:      chain.TxPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	t.entries[raw] = e
	return *e, nil
}

func parseHash(s string) (common.Hash, error) {
	if len(s) != 66 || (s[:2] != "0x" && s[:2] != "0X") {
		return common.Hash{}, fmt.Errorf("%w: hash %q must be 0x followed by 64 hex digits", ErrInvalidSubmission, s)
	}
	for _, c := range s[2:] {
		if !isHex(c) {
			return common.Hash{}, fmt.Errorf("%w: hash %q is not hex", ErrInvalidSubmission, s)
		}
	}
	return common.HexToHash(s), nil
}

func isHex(c rune) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

func knownType(typ action.Type) bool {
	for _, known := range action.Types {
		if typ == known {
			return true
		}
	}
	return false
}

// List returns the entries of sender, newest first. The zero address
// lists everything.
func (t *Tracker) List(sender common.Address) []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		if sender != (common.Address{}) && e.Sender != sender {
			continue
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Pending counts entries still waiting for a receipt.
func (t *Tracker) Pending() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, e := range t.entries {
		if e.State == chain.TxPending {
			n++
		}
	}
	return n
}

// Refresh polls every pending entry once.
func (t *Tracker) Refresh(ctx context.Context) error {
	t.mu.RLock()
	var pending []common.Hash
	for hash, e := range t.entries {
		if e.State == chain.TxPending {
			pending = append(pending, hash)
		}
	}
	t.mu.RUnlock()

	var errs []error
	for _, hash := range pending {
		status, err := t.reader.TransactionStatus(ctx, hash)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if status.State == chain.TxPending {
			continue
		}

		t.mu.Lock()
		e := t.entries[hash]
		e.State = status.State
		e.BlockNumber = status.BlockNumber
		e.UpdatedAt = t.now().UTC()
		final := *e
		t.mu.Unlock()

		t.logger.Info("transaction settled",
			zap.String("hash", hash.Hex()),
			zap.String("action", string(final.ActionType)),
			zap.String("state", string(final.State)),
		)
		if t.OnFinal != nil {
			t.OnFinal(final)
		}
	}
	return errors.Join(errs...)
}

// Run refreshes on the configured interval until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := t.Refresh(ctx); err != nil {
				t.logger.Warn("transaction refresh", zap.Error(err))
			}
		}
	}
}
