package watch

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/charmbracelet/bubbles/table"

	"github.com/mattjoyce/tether/internal/api"
	"github.com/mattjoyce/tether/internal/txstore"
)

// columns sizes the table to width; the module column absorbs the slack.
func columns(width int) []table.Column {
	fixed := []table.Column{
		{Title: "ID", Width: 10},
		{Title: "Status", Width: 10},
		{Title: "Module", Width: 0},
		{Title: "Exit", Width: 6},
		{Title: "Age", Width: 9},
		{Title: "Error", Width: 24},
	}
	used := 0
	for _, c := range fixed {
		used += c.Width + 2
	}
	fixed[2].Width = max(width-used, 16)
	return fixed
}

func newestFirst(txs []api.TransactionSummary) []api.TransactionSummary {
	out := append([]api.TransactionSummary(nil), txs...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func rows(txs []api.TransactionSummary, now time.Time) []table.Row {
	out := make([]table.Row, 0, len(txs))
	for _, tx := range txs {
		out = append(out, table.Row{
			shortID(tx.TransactionID),
			string(tx.Status),
			tx.Module + "/" + tx.Action,
			exitColumn(tx),
			formatDuration(age(tx, now)),
			truncate(tx.Error, 24),
		})
	}
	return out
}

func exitColumn(tx api.TransactionSummary) string {
	switch {
	case tx.Signal != "":
		return tx.Signal
	case tx.ExitCode != nil:
		return strconv.Itoa(*tx.ExitCode)
	case tx.Status == txstore.StatusRunning:
		return "…"
	default:
		return "-"
	}
}

// age is time since creation, frozen at resolution.
func age(tx api.TransactionSummary, now time.Time) time.Duration {
	end := now
	if tx.ResolvedAt != nil {
		end = *tx.ResolvedAt
	}
	return max(end.Sub(tx.CreatedAt), 0)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return fmt.Sprintf("%s…", string(r[:n-1]))
}
