package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/rssbox/rssbox/internal/store"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	cellStyle   = lipgloss.NewStyle().PaddingRight(2)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	busyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// statusCmd prints a point-in-time view of the three coordination
// collections.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show downloads, accounts and workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		_, st, err := storeFromEnv(ctx)
		if err != nil {
			return err
		}
		defer st.Close(ctx)

		downloads, err := st.ListDownloads(ctx)
		if err != nil {
			return fmt.Errorf("list downloads: %w", err)
		}
		accounts, err := st.ListAccounts(ctx)
		if err != nil {
			return fmt.Errorf("list accounts: %w", err)
		}
		workers, err := st.ListWorkers(ctx)
		if err != nil {
			return fmt.Errorf("list workers: %w", err)
		}

		fmt.Println(headerStyle.Render(fmt.Sprintf("Downloads (%d)", len(downloads))))
		printTable(
			[]string{"ID", "NAME", "STATUS", "RETRIES", "LOCKED BY"},
			downloadRows(downloads),
		)

		fmt.Println(headerStyle.Render(fmt.Sprintf("Accounts (%d)", len(accounts))))
		printTable(
			[]string{"ACCOUNT", "STATUS", "PRIO", "DOWNLOAD", "LOCKED BY", "LAST USED"},
			accountRows(accounts),
		)

		fmt.Println(headerStyle.Render(fmt.Sprintf("Workers (%d)", len(workers))))
		printTable(
			[]string{"ID", "LAST HEARTBEAT"},
			workerRows(workers),
		)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func downloadRows(downloads []store.Download) [][]string {
	rows := make([][]string, 0, len(downloads))
	for _, d := range downloads {
		rows = append(rows, []string{
			d.ID,
			truncate(d.Name, 48),
			downloadStatusCell(d.Status),
			fmt.Sprintf("%d", d.Retries),
			orDash(d.LockedBy),
		})
	}
	return rows
}

func accountRows(accounts []store.Account) [][]string {
	rows := make([][]string, 0, len(accounts))
	for _, a := range accounts {
		rows = append(rows, []string{
			a.ID,
			accountStatusCell(a.Status),
			fmt.Sprintf("%d", a.Priority),
			orDash(a.DownloadID),
			orDash(a.LockedBy),
			relativeTime(a.LastUsedAt),
		})
	}
	return rows
}

func workerRows(workers []store.Worker) [][]string {
	rows := make([][]string, 0, len(workers))
	for _, w := range workers {
		hb := w.LastHeartbeat
		rows = append(rows, []string{w.ID, relativeTime(&hb)})
	}
	return rows
}

func downloadStatusCell(s store.DownloadStatus) string {
	switch {
	case s == store.DownloadPending:
		return dimStyle.Render(string(s))
	case s == store.DownloadProcessing:
		return busyStyle.Render(string(s))
	case s.Terminal():
		return errStyle.Render(string(s))
	}
	return string(s)
}

func accountStatusCell(s store.AccountStatus) string {
	switch s {
	case store.AccountIdle, "":
		return okStyle.Render("IDLE")
	case store.AccountDownloading:
		return busyStyle.Render(string(s))
	default:
		return busyStyle.Render(string(s))
	}
}

func printTable(headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if w := lipgloss.Width(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}

	var b strings.Builder
	for i, h := range headers {
		b.WriteString(cellStyle.Render(pad(headerStyle.Render(h), widths[i])))
	}
	fmt.Println(b.String())

	if len(rows) == 0 {
		fmt.Println(dimStyle.Render("  (none)"))
		fmt.Println()
		return
	}
	for _, row := range rows {
		var line strings.Builder
		for i, cell := range row {
			line.WriteString(cellStyle.Render(pad(cell, widths[i])))
		}
		fmt.Println(line.String())
	}
	fmt.Println()
}

// pad right-pads by rendered width, so styled cells line up.
func pad(s string, width int) string {
	if gap := width - lipgloss.Width(s); gap > 0 {
		return s + strings.Repeat(" ", gap)
	}
	return s
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}

func orDash(s string) string {
	if s == "" {
		return dimStyle.Render("-")
	}
	return s
}

func relativeTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return dimStyle.Render("never")
	}
	return fmt.Sprintf("%s ago", time.Since(*t).Round(time.Second))
}
