// Package digest renders reconciliation results as Telegram HTML messages.
package digest

import (
	"fmt"
	"html"
	"strings"

	"github.com/superfluid-finance/agora-reconciler/internal/action"
	"github.com/superfluid-finance/agora-reconciler/internal/reconcile"
)

// MaxLines caps the per-action lines in one message.
const MaxLines = 10

// Digest is the renderable summary of one reconciliation.
type Digest struct {
	Sender    string
	ChainID   int64
	Tranche   int
	Counts    []TypeCount
	Lines     []string
	More      int
	Blocked   bool
	Reasons   []string
	Warnings  []string
	Converges bool
}

type TypeCount struct {
	Type  action.Type
	Count int
}

// Build summarises res. Counts follow emission order and skip zeroes.
func Build(res *reconcile.Result) Digest {
	d := Digest{
		Sender:    res.Sender.Hex(),
		ChainID:   res.ChainID,
		Tranche:   res.Tranche.Number,
		Blocked:   res.Blocked,
		Reasons:   res.BlockReasons,
		Warnings:  res.Warnings,
		Converges: res.Converges,
	}
	counts := action.CountByType(res.Actions)
	for _, typ := range action.Types {
		if n := counts[typ]; n > 0 {
			d.Counts = append(d.Counts, TypeCount{Type: typ, Count: n})
		}
	}
	for i, a := range res.Actions {
		if i >= MaxLines {
			d.More = len(res.Actions) - MaxLines
			break
		}
		d.Lines = append(d.Lines, describe(a))
	}
	return d
}

func describe(a action.Action) string {
	amount := action.FormatUnits(a.Amount(), action.TokenDecimals)
	switch p := a.Payload.(type) {
	case action.CreateSchedule:
		return fmt.Sprintf("%s: create %s for %s over %dd", a.ProjectID, amount, short(p.Receiver.Hex()), p.TotalDuration/86400)
	case action.UpdateSchedule:
		return fmt.Sprintf("%s: update %s → %s", a.ProjectID, action.FormatUnits(p.PreviousTotalAmount, action.TokenDecimals), amount)
	case action.StopSchedule:
		return fmt.Sprintf("%s: stop %s (%s)", a.ProjectID, short(p.Receiver.Hex()), p.Reason)
	case action.IncreaseAllowance:
		return fmt.Sprintf("allowance +%s", amount)
	case action.IncreasePermissions:
		return fmt.Sprintf("operator permissions +%d, flow rate +%s/mo", p.PermissionsDelta,
			action.FormatFlowRatePerMonth(p.FlowRateAllowanceDelta, action.TokenDecimals))
	}
	return string(a.Type)
}

func short(addr string) string {
	addr = strings.ToLower(addr)
	if len(addr) <= 12 {
		return addr
	}
	return addr[:6] + "…" + addr[len(addr)-4:]
}

// Empty reports whether there is nothing to tell the operator.
func (d Digest) Empty() bool {
	return len(d.Counts) == 0 && !d.Blocked && len(d.Warnings) == 0
}

// RenderHTML renders d in Telegram HTML parse mode.
func RenderHTML(d Digest) string {
	var b strings.Builder
	b.WriteString("<b>Agora Vesting Reconciliation</b>\n")
	b.WriteString(fmt.Sprintf("Sender: <code>%s</code>\nChain: %d\nTranche: %d\n", d.Sender, d.ChainID, d.Tranche))
	if len(d.Counts) == 0 {
		b.WriteString("Status: in sync\n")
	} else {
		b.WriteString("\n<b>Pending Actions</b>\n")
		for _, c := range d.Counts {
			b.WriteString(fmt.Sprintf("- %s: %d\n", c.Type, c.Count))
		}
		b.WriteString("\n")
		for _, line := range d.Lines {
			b.WriteString("- " + html.EscapeString(line) + "\n")
		}
		if d.More > 0 {
			b.WriteString(fmt.Sprintf("- … and %d more\n", d.More))
		}
	}
	if d.Blocked {
		b.WriteString("\n<b>Blocked</b>\n")
		for _, r := range d.Reasons {
			b.WriteString("- " + html.EscapeString(r) + "\n")
		}
	}
	if len(d.Warnings) > 0 {
		b.WriteString("\n<b>Warnings</b>\n")
		for _, w := range d.Warnings {
			b.WriteString("- " + html.EscapeString(w) + "\n")
		}
	}
	if !d.Converges && len(d.Counts) > 0 {
		b.WriteString("\nSimulation: actions do not converge\n")
	}
	return strings.TrimSpace(b.String())
}
