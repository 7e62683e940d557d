package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/superfluid-finance/agora-reconciler/internal/action"
	"github.com/superfluid-finance/agora-reconciler/internal/allocation"
	"github.com/superfluid-finance/agora-reconciler/internal/chain"
	"github.com/superfluid-finance/agora-reconciler/internal/guard"
	"github.com/superfluid-finance/agora-reconciler/internal/metrics"
	"github.com/superfluid-finance/agora-reconciler/internal/tranche"
	"github.com/superfluid-finance/agora-reconciler/internal/vesting"
)

// ErrBadRequest marks caller mistakes: a malformed sender, an unknown
// tranche or a chain this service does not serve.
var ErrBadRequest = errors.New("bad request")

type AllocationSource interface {
	Fetch(ctx context.Context) ([]allocation.Project, error)
}

type ScheduleSource interface {
	VestingSchedules(ctx context.Context, superToken, sender common.Address) ([]vesting.Schedule, error)
}

type ChainReader interface {
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
	FlowOperatorPermissions(ctx context.Context, forwarder, token, sender, operator common.Address) (chain.Permissions, error)
}

// Config binds a Service to one chain and token.
type Config struct {
	ChainID   int64
	Addresses chain.Addresses
	Plan      tranche.Plan
	Options   Options
}

// Request selects the sender and tranche to reconcile. Tranche 0 means
// the tranche containing now; ChainID 0 accepts the configured chain.
type Request struct {
	Sender  string
	Tranche int
	ChainID int64
}

// Result is a reconciliation plus the safety checks run on it.
type Result struct {
	ChainID     int64           `json:"chainId"`
	Sender      common.Address  `json:"sender"`
	SuperToken  common.Address  `json:"superToken"`
	Scheduler   common.Address  `json:"vestingScheduler"`
	Tranche     tranche.Tranche `json:"tranche"`
	EvaluatedAt time.Time       `json:"evaluatedAt"`
	Plan
	Converges    bool              `json:"converges"`
	Blocked      bool              `json:"blocked"`
	BlockReasons []string          `json:"blockReasons,omitempty"`
	Violations   []guard.Violation `json:"violations,omitempty"`
}

type Service struct {
	cfg         Config
	allocations AllocationSource
	schedules   ScheduleSource
	chain       ChainReader
	guard       *guard.Guard
	logger      *zap.Logger
	now         func() time.Time
}

func NewService(cfg Config, allocations AllocationSource, schedules ScheduleSource, reader ChainReader, g *guard.Guard, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if g == nil {
		g = guard.New(guard.Limits{})
	}
	return &Service{
		cfg:         cfg,
		allocations: allocations,
		schedules:   schedules,
		chain:       reader,
		guard:       g,
		logger:      logger,
		now:         time.Now,
	}
}

// TranchePlan returns the tranche calendar the service reconciles against.
func (s *Service) TranchePlan() tranche.Plan {
	return s.cfg.Plan
}

// Guard exposes the halt switch.
func (s *Service) Guard() *guard.Guard {
	return s.guard
}

// ParseSender validates a hex address.
func ParseSender(raw string) (common.Address, error) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%w: sender %q is not an address", ErrBadRequest, raw)
	}
	addr := common.HexToAddress(raw)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%w: sender is the zero address", ErrBadRequest)
	}
	return addr, nil
}

// Run fetches allocations, schedules and approvals concurrently, then
// reconciles them.
func (s *Service) Run(ctx context.Context, req Request) (*Result, error) {
	res, err := s.run(ctx, req)
	switch {
	case err != nil:
		metrics.RecordReconcile("error", nil)
	case res.Blocked:
		metrics.RecordReconcile("blocked", nil)
	default:
		counts := make(map[string]int)
		for typ, n := range action.CountByType(res.Actions) {
			counts[string(typ)] = n
		}
		metrics.RecordReconcile("ok", counts)
	}
	return res, err
}

func (s *Service) run(ctx context.Context, req Request) (*Result, error) {
	sender, err := ParseSender(req.Sender)
	if err != nil {
		return nil, err
	}
	if req.ChainID != 0 && req.ChainID != s.cfg.ChainID {
		return nil, fmt.Errorf("%w: chain %d not served (configured %d)", ErrBadRequest, req.ChainID, s.cfg.ChainID)
	}

	now := s.now().UTC()
	tr := s.cfg.Plan.Current(now)
	if req.Tranche != 0 {
		if tr, err = s.cfg.Plan.Tranche(req.Tranche); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBadRequest, err)
		}
	}

	addrs := s.cfg.Addresses
	in := Input{
		Tranche:      tr,
		Now:          now,
		SuperToken:   addrs.SuperToken,
		Sender:       sender,
		FlowOperator: addrs.Scheduler,
		Options:      s.cfg.Options,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		projects, err := s.allocations.Fetch(gctx)
		if err != nil {
			return fmt.Errorf("fetch allocations: %w", err)
		}
		in.Projects = projects
		return nil
	})
	g.Go(func() error {
		schedules, err := s.schedules.VestingSchedules(gctx, addrs.SuperToken, sender)
		if err != nil {
			return fmt.Errorf("fetch vesting schedules: %w", err)
		}
		in.Schedules = schedules
		return nil
	})
	g.Go(func() error {
		allowance, err := s.chain.Allowance(gctx, addrs.SuperToken, sender, addrs.Scheduler)
		if err != nil {
			return fmt.Errorf("read allowance: %w", err)
		}
		in.Allowance = allowance
		return nil
	})
	g.Go(func() error {
		perms, err := s.chain.FlowOperatorPermissions(gctx, addrs.Forwarder, addrs.SuperToken, sender, addrs.Scheduler)
		if err != nil {
			return fmt.Errorf("read flow operator permissions: %w", err)
		}
		in.Permissions = perms
		return nil
	})
	if err := g.Wait(); err != nil {
		s.logger.Warn("reconcile inputs unavailable", zap.String("sender", sender.Hex()), zap.Error(err))
		return nil, fmt.Errorf("reconcile: %w", err)
	}

	plan := Reconcile(in)
	if err := chain.EncodeAll(plan.Actions, addrs); err != nil {
		return nil, fmt.Errorf("reconcile: %w", err)
	}

	converges, err := Verify(in, plan)
	if err != nil {
		plan.Warnings = append(plan.Warnings, "simulation failed: "+err.Error())
	} else if !converges {
		plan.Warnings = append(plan.Warnings, "simulated actions do not converge")
	}
	if !converges {
		s.logger.Warn("action list does not converge", zap.String("sender", sender.Hex()), zap.Error(err))
	}

	decision := s.guard.Evaluate(plan.Actions)
	for _, v := range decision.Violations {
		metrics.RecordGuardViolation(v.Rule)
	}

	res := &Result{
		ChainID:      s.cfg.ChainID,
		Sender:       sender,
		SuperToken:   addrs.SuperToken,
		Scheduler:    addrs.Scheduler,
		Tranche:      tr,
		EvaluatedAt:  now,
		Plan:         plan,
		Converges:    converges,
		Blocked:      decision.Blocked,
		BlockReasons: decision.Reasons,
		Violations:   decision.Violations,
	}
	if res.Blocked {
		res.Actions = []action.Action{}
	}

	s.logger.Info("reconciled",
		zap.String("sender", sender.Hex()),
		zap.Int("tranche", tr.Number),
		zap.Int("projects", len(plan.Projects)),
		zap.Int("actions", len(plan.Actions)),
		zap.Bool("blocked", res.Blocked),
		zap.Bool("converges", converges),
	)
	return res, nil
}

// ScheduleView is a schedule with its amounts evaluated at a point in time.
type ScheduleView struct {
	vesting.Schedule
	Status    vesting.Status `json:"status"`
	Vested    *big.Int       `json:"vestedAmount"`
	Remaining *big.Int       `json:"remainingAmount"`
}

// Schedules lists the vesting schedules of sender for the configured token.
func (s *Service) Schedules(ctx context.Context, rawSender string) ([]ScheduleView, error) {
	sender, err := ParseSender(rawSender)
	if err != nil {
		return nil, err
	}
	schedules, err := s.schedules.VestingSchedules(ctx, s.cfg.Addresses.SuperToken, sender)
	if err != nil {
		return nil, fmt.Errorf("fetch vesting schedules: %w", err)
	}
	now := s.now().UTC()
	out := make([]ScheduleView, 0, len(schedules))
	for _, sch := range schedules {
		out = append(out, ScheduleView{
			Schedule:  sch,
			Status:    sch.StatusAt(now),
			Vested:    sch.VestedAt(now),
			Remaining: sch.RemainingAt(now),
		})
	}
	return out, nil
}
