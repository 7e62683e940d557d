// Package watch re-reconciles configured senders on a cron schedule and
// alerts when their pending work changes.
package watch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/superfluid-finance/agora-reconciler/internal/action"
	"github.com/superfluid-finance/agora-reconciler/internal/digest"
	"github.com/superfluid-finance/agora-reconciler/internal/httputil"
	"github.com/superfluid-finance/agora-reconciler/internal/reconcile"
)

type Config struct {
	Enabled  bool          `yaml:"enabled"`
	Schedule string        `yaml:"schedule"`
	Senders  []string      `yaml:"senders"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Runner performs one reconciliation.
type Runner interface {
	Run(ctx context.Context, req reconcile.Request) (*reconcile.Result, error)
}

type Notifier interface {
	NotifyPendingActions(ctx context.Context, digestHTML string) error
	NotifyReconcileFailure(ctx context.Context, sender string, err error) error
}

// Status is the latest watch outcome for one sender.
type Status struct {
	Sender      string            `json:"sender"`
	LastRun     time.Time         `json:"lastRun"`
	Result      *reconcile.Result `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`
	Fingerprint string            `json:"fingerprint"`
	Changed     bool              `json:"changed"`
}

type Watcher struct {
	cfg      Config
	runner   Runner
	notifier Notifier
	logger   *zap.Logger
	now      func() time.Time

	mu       sync.RWMutex
	statuses map[string]Status
}

// ValidateSchedule checks a standard five-field cron spec or descriptor.
func ValidateSchedule(spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("watch: schedule %q: %w", spec, err)
	}
	return nil
}

func New(cfg Config, runner Runner, notifier Notifier, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	return &Watcher{
		cfg:      cfg,
		runner:   runner,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
		statuses: make(map[string]Status),
	}
}

// RunOnce reconciles every configured sender sequentially.
func (w *Watcher) RunOnce(ctx context.Context) {
	for _, sender := range w.cfg.Senders {
		if ctx.Err() != nil {
			return
		}
		w.check(ctx, sender)
	}
}

func (w *Watcher) check(ctx context.Context, sender string) {
	runCtx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	res, err := w.runner.Run(runCtx, reconcile.Request{Sender: sender})
	st := Status{Sender: sender, LastRun: w.now().UTC(), Result: res}
	if err != nil {
		st.Error = err.Error()
		st.Fingerprint = "error:" + FailureClass(err)
	} else {
		st.Fingerprint = Fingerprint(res)
	}

	w.mu.Lock()
	prev, seen := w.statuses[sender]
	st.Changed = !seen || prev.Fingerprint != st.Fingerprint
	w.statuses[sender] = st
	w.mu.Unlock()

	if !st.Changed {
		return
	}
	if err != nil {
		w.logger.Warn("watch run failed", zap.String("sender", sender), zap.Error(err))
		if nerr := w.notifier.NotifyReconcileFailure(ctx, sender, err); nerr != nil {
			w.logger.Warn("notify failure", zap.Error(nerr))
		}
		return
	}
	d := digest.Build(res)
	if !seen && d.Empty() {
		return
	}
	w.logger.Info("pending actions changed",
		zap.String("sender", sender),
		zap.Int("actions", len(res.Actions)),
		zap.Bool("blocked", res.Blocked),
	)
	if nerr := w.notifier.NotifyPendingActions(ctx, digest.RenderHTML(d)); nerr != nil {
		w.logger.Warn("notify digest", zap.Error(nerr))
	}
}

// Statuses returns the latest outcome per sender, ordered by sender.
func (w *Watcher) Statuses() []Status {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]Status, 0, len(w.statuses))
	for _, st := range w.statuses {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sender < out[j].Sender })
	return out
}

// Run executes RunOnce immediately and then on the cron schedule until ctx
// is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	if len(w.cfg.Senders) == 0 {
		w.logger.Info("watch has no senders configured")
		<-ctx.Done()
		return ctx.Err()
	}
	c := cron.New()
	if _, err := c.AddFunc(w.cfg.Schedule, func() { w.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("watch: schedule %q: %w", w.cfg.Schedule, err)
	}
	w.RunOnce(ctx)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return ctx.Err()
}

// Fingerprint identifies the pending work of a result: action types,
// receivers and schedule totals, plus whether it is blocked. Amounts that
// drift with time (vested amounts, allowance deltas) are left out.
func Fingerprint(res *reconcile.Result) string {
	if res == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "blocked=%t;", res.Blocked)
	for _, a := range res.Actions {
		receiver, _ := a.Receiver()
		amount := "-"
		if a.Type == action.TypeCreateSchedule || a.Type == action.TypeUpdateSchedule {
			amount = a.Amount().String()
		}
		fmt.Fprintf(&b, "%s|%s|%s|%s;", a.Type, a.ProjectID, strings.ToLower(receiver.Hex()), amount)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:8])
}

// FailureClass names the kind of failure without its volatile detail, so a
// persistent outage alerts once even when upstream bodies differ per call.
func FailureClass(err error) string {
	var statusErr *httputil.StatusError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &statusErr):
		return fmt.Sprintf("%s status %d", statusErr.Upstream, statusErr.Code)
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, reconcile.ErrBadRequest):
		return "bad request"
	}
	// Keep the leading wrap prefixes ("reconcile: read allowance"), which
	// name the failing stage.
	parts := strings.SplitN(err.Error(), ": ", 3)
	if len(parts) > 2 {
		parts = parts[:2]
	}
	return strings.Join(parts, ": ")
}
