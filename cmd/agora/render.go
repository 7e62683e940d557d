package main

import (
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/superfluid-finance/agora-reconciler/internal/action"
	"github.com/superfluid-finance/agora-reconciler/internal/reconcile"
	"github.com/superfluid-finance/agora-reconciler/internal/tranche"
)

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func tokens(v *big.Int) string {
	if v == nil {
		return "-"
	}
	return action.FormatUnits(v, action.TokenDecimals)
}

func renderResult(w io.Writer, res *reconcile.Result) {
	fmt.Fprintf(w, "Sender:   %s (chain %d)\n", res.Sender.Hex(), res.ChainID)
	fmt.Fprintf(w, "Tranche:  %d (%s to %s)\n", res.Tranche.Number,
		res.Tranche.Start.Format(time.RFC3339), res.Tranche.End.Format(time.RFC3339))
	fmt.Fprintf(w, "Converges: %t\n", res.Converges)
	if res.Blocked {
		fmt.Fprintf(w, "BLOCKED:  %s\n", strings.Join(res.BlockReasons, "; "))
	}

	if len(res.Projects) > 0 {
		t := table.NewWriter()
		t.SetOutputMirror(w)
		t.SetStyle(table.StyleLight)
		t.AppendHeader(table.Row{"Project", "Name", "Status", "Wallet", "Declared", "Distributed", "Target"})
		for _, p := range res.Projects {
			t.AppendRow(table.Row{
				p.ProjectID, p.ProjectName, p.Status, p.CurrentWallet.Hex(),
				tokens(p.Declared), tokens(p.Distributed), tokens(p.Target),
			})
		}
		t.Render()
	}

	if len(res.Actions) == 0 {
		fmt.Fprintln(w, "No actions: on-chain state matches allocations.")
	} else {
		t := table.NewWriter()
		t.SetOutputMirror(w)
		t.SetStyle(table.StyleLight)
		t.AppendHeader(table.Row{"#", "Action", "Project", "Receiver", "Amount", "Detail"})
		for i, a := range res.Actions {
			receiver := "-"
			if r, ok := a.Receiver(); ok {
				receiver = r.Hex()
			}
			t.AppendRow(table.Row{i + 1, a.Type, a.ProjectID, receiver, tokens(a.Amount()), actionDetail(a)})
		}
		t.Render()
	}

	for _, s := range res.Unmanaged {
		fmt.Fprintf(w, "unmanaged schedule %s to %s\n", s.ID, s.Receiver.Hex())
	}
	for _, warn := range res.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warn)
	}
}

func actionDetail(a action.Action) string {
	switch p := a.Payload.(type) {
	case action.CreateSchedule:
		return fmt.Sprintf("%s/month until %s",
			action.FormatFlowRatePerMonth(p.FlowRate, action.TokenDecimals),
			time.Unix(p.EndDate, 0).UTC().Format(time.RFC3339))
	case action.UpdateSchedule:
		return fmt.Sprintf("total %s -> %s, end %s",
			tokens(p.PreviousTotalAmount), tokens(p.TotalAmount),
			time.Unix(p.EndDate, 0).UTC().Format(time.RFC3339))
	case action.StopSchedule:
		return p.Reason
	case action.IncreasePermissions:
		return fmt.Sprintf("permissions +%d, flow rate allowance +%s/month",
			p.PermissionsDelta, action.FormatFlowRatePerMonth(p.FlowRateAllowanceDelta, action.TokenDecimals))
	case action.IncreaseAllowance:
		return fmt.Sprintf("allowance %s -> %s", tokens(p.Current), tokens(p.Required))
	}
	return ""
}

func renderPlan(w io.Writer, plan tranche.Plan, now time.Time) {
	current := plan.Current(now)
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Tranche", "Start", "End", ""})
	for _, tr := range plan.Tranches() {
		marker := ""
		if tr.Number == current.Number && tr.Contains(now) {
			marker = "current"
		}
		t.AppendRow(table.Row{tr.Number, tr.Start.Format(time.RFC3339), tr.End.Format(time.RFC3339), marker})
	}
	t.Render()
}
