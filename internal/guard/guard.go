// Package guard enforces operator safety limits on reconciliation output.
package guard

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/superfluid-finance/agora-reconciler/internal/action"
)

const (
	RuleProjectAmount  = "max_project_amount"
	RuleTotalAllowance = "max_total_allowance"
	RuleFlowRate       = "max_flow_rate"
	RuleMaxActions     = "max_actions"
)

// Limits are in wei; nil or zero disables a limit.
type Limits struct {
	MaxProjectAmount  *big.Int
	MaxTotalAllowance *big.Int
	MaxFlowRate       *big.Int
	MaxActions        int
	BlockOnViolation  bool
}

type Violation struct {
	Rule      string `json:"rule"`
	ProjectID string `json:"projectId,omitempty"`
	Message   string `json:"message"`
}

// Decision is the outcome of checking one action list.
type Decision struct {
	Blocked    bool        `json:"blocked"`
	Reasons    []string    `json:"reasons,omitempty"`
	Violations []Violation `json:"violations,omitempty"`
}

type Guard struct {
	mu     sync.RWMutex
	limits Limits
	halted bool
}

func New(limits Limits) *Guard {
	return &Guard{limits: limits}
}

func (g *Guard) SetHalted(halted bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.halted = halted
}

func (g *Guard) Halted() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.halted
}

// Check returns every limit the action list exceeds.
func (g *Guard) Check(actions []action.Action) []Violation {
	g.mu.RLock()
	limits := g.limits
	g.mu.RUnlock()

	var out []Violation
	if limits.MaxActions > 0 && len(actions) > limits.MaxActions {
		out = append(out, Violation{
			Rule:    RuleMaxActions,
			Message: fmt.Sprintf("%d actions exceed limit %d", len(actions), limits.MaxActions),
		})
	}
	for _, a := range actions {
		switch p := a.Payload.(type) {
		case action.CreateSchedule:
			out = appendOver(out, RuleProjectAmount, a.ProjectID, "schedule total", p.TotalAmount, limits.MaxProjectAmount)
			out = appendOver(out, RuleFlowRate, a.ProjectID, "flow rate", p.FlowRate, limits.MaxFlowRate)
		case action.UpdateSchedule:
			out = appendOver(out, RuleProjectAmount, a.ProjectID, "schedule total", p.TotalAmount, limits.MaxProjectAmount)
			out = appendOver(out, RuleFlowRate, a.ProjectID, "flow rate", p.FlowRate, limits.MaxFlowRate)
		case action.IncreaseAllowance:
			out = appendOver(out, RuleTotalAllowance, "", "required allowance", p.Required, limits.MaxTotalAllowance)
		}
	}
	return out
}

// Evaluate checks actions and decides whether they may be returned.
func (g *Guard) Evaluate(actions []action.Action) Decision {
	violations := g.Check(actions)
	d := Decision{Violations: violations}
	if g.Halted() {
		d.Blocked = true
		d.Reasons = append(d.Reasons, "halted by operator")
	}
	g.mu.RLock()
	block := g.limits.BlockOnViolation
	g.mu.RUnlock()
	if block && len(violations) > 0 {
		d.Blocked = true
		for _, v := range violations {
			d.Reasons = append(d.Reasons, v.Message)
		}
	}
	return d
}

func appendOver(out []Violation, rule, projectID, what string, value, limit *big.Int) []Violation {
	if value == nil || limit == nil || limit.Sign() <= 0 {
		return out
	}
	if value.Cmp(limit) <= 0 {
		return out
	}
	msg := fmt.Sprintf("%s %s exceeds limit %s", what, value, limit)
	if projectID != "" {
		msg = projectID + ": " + msg
	}
	return append(out, Violation{Rule: rule, ProjectID: projectID, Message: msg})
}
