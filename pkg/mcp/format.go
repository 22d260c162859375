package mcp

import (
	"fmt"
	"strings"

	"github.com/tokengate/tokengate/pkg/models"
)

func shorten(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func formatSessions(sessions []models.SessionSummary) string {
	if len(sessions) == 0 {
		return "No sessions found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-30s %10s %10s %10s %10s %6s %8s %s\n",
		"Session ID", "Budget", "Spent", "Reserved", "Remaining", "Used%", "Req/win", "State")
	b.WriteString(strings.Repeat("-", 104) + "\n")
	for _, s := range sessions {
		state := "active"
		if s.IsFrozen {
			state = "frozen: " + s.FreezeReason
		}
		fmt.Fprintf(&b, "%-30s %10.4f %10.4f %10.4f %10.4f %5.1f%% %8d %s\n",
			shorten(s.SessionID, 30), s.Budget, s.Spent, s.Reserved, s.Remaining,
			s.PercentageUsed, s.RequestsLastMinute, state)
	}
	return b.String()
}

func formatSession(s models.SessionSummary, a models.AnomalyStats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Session %s\n", s.SessionID)
	fmt.Fprintf(&b, "  Budget:    $%.4f\n", s.Budget)
	fmt.Fprintf(&b, "  Spent:     $%.4f (%.1f%%)\n", s.Spent, s.PercentageUsed)
	fmt.Fprintf(&b, "  Reserved:  $%.4f\n", s.Reserved)
	fmt.Fprintf(&b, "  Remaining: $%.4f\n", s.Remaining)
	if s.IsFrozen {
		fmt.Fprintf(&b, "  State:     frozen (%s)\n", s.FreezeReason)
		if s.FreezeExpiresAt != nil {
			fmt.Fprintf(&b, "  Expires:   %s\n", s.FreezeExpiresAt.UTC().Format("2006-01-02 15:04:05"))
		}
	} else {
		b.WriteString("  State:     active\n")
	}
	b.WriteString("Anomaly window\n")
	fmt.Fprintf(&b, "  Requests:  %d / %d per %.0fs\n", a.RequestsInWindow, a.MaxRequests, a.RateWindowSeconds)
	fmt.Fprintf(&b, "  Identical: %d / %d consecutive\n", a.IdenticalRun, a.LoopThreshold)
	fmt.Fprintf(&b, "  Spend:     $%.4f / $%.4f per %.0fs\n", a.SpendInWindow, a.VelocityThreshold, a.VelocityWindowSeconds)
	return b.String()
}

func formatStats(st models.GatewayStats) string {
	return fmt.Sprintf("Gateway Statistics\n"+
		"  Sessions:  %d (%d active, %d frozen)\n"+
		"  Budget:    $%.4f\n"+
		"  Spent:     $%.4f\n"+
		"  Remaining: $%.4f\n",
		st.TotalSessions, st.ActiveSessions, st.FrozenSessions,
		st.TotalBudget, st.TotalSpent, st.TotalRemaining)
}

func formatDecisions(ds []models.Decision) string {
	if len(ds) == 0 {
		return "No decisions found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-24s %-20s %-16s %10s %10s %s\n",
		"Time", "Session", "Model", "Outcome", "Estimate", "Actual", "Reason")
	b.WriteString(strings.Repeat("-", 120) + "\n")
	for _, d := range ds {
		actual := "-"
		if d.ActualCost != nil {
			actual = fmt.Sprintf("%.4f", *d.ActualCost)
		}
		reason := d.Reason
		if d.Error != "" {
			reason = shorten(d.Error, 40)
		}
		fmt.Fprintf(&b, "%-20s %-24s %-20s %-16s %10.4f %10s %s\n",
			d.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
			shorten(d.SessionID, 24), shorten(d.Model, 20), d.Outcome,
			d.EstimatedCost, actual, reason)
	}
	return b.String()
}
