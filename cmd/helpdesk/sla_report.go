package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/xeonx/timeago"

	"github.com/gotrs-io/helpdesk/internal/models"
	"github.com/gotrs-io/helpdesk/internal/repository"
	"github.com/gotrs-io/helpdesk/internal/repository/sqlstore"
	"github.com/gotrs-io/helpdesk/internal/tickets"
)

var (
	slaBreachedOnlyFlag bool
	slaLimitFlag        int
)

var slaReportCmd = &cobra.Command{
	Use:   "sla-report",
	Short: "List unresolved tickets with their SLA deadlines",
	Long: `Shows every open, in progress or pending ticket with its due date and
whether the SLA is breached as of now. The report is read only: breach flags
are persisted when a ticket is read through the API.`,
	RunE: runSLAReport,
}

func init() {
	slaReportCmd.Flags().BoolVar(&slaBreachedOnlyFlag, "breached", false, "Only list breached tickets")
	slaReportCmd.Flags().IntVar(&slaLimitFlag, "limit", 200, "Maximum number of tickets to list")
}

func runSLAReport(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	store, err := sqlstore.Open(cmd.Context(), cfg.Database.Driver, cfg.Database.DSN, sqlstore.WithLogger(logger))
	if err != nil {
		return err
	}
	defer store.Close()

	list, err := store.ListTickets(cmd.Context(), repository.TicketFilter{
		Statuses: []models.Status{models.StatusOpen, models.StatusInProgress, models.StatusPending},
		Limit:    slaLimitFlag,
	})
	if err != nil {
		return err
	}
	return renderSLAReport(cmd.OutOrStdout(), list, time.Now().UTC(), slaBreachedOnlyFlag)
}

// renderSLAReport writes one row per ticket, breached tickets in red.
func renderSLAReport(w io.Writer, list []models.Ticket, now time.Time, breachedOnly bool) error {
	out := newUI(w, w)
	table := out.Table([]string{"Number", "Title", "Priority", "Status", "Due", "SLA"})

	var rows, breached int
	for i := range list {
		t := &list[i]
		isBreached := t.SLABreached || tickets.CheckSLABreach(t, now)
		if isBreached {
			breached++
		} else if breachedOnly {
			continue
		}

		sla := green("ok")
		switch {
		case isBreached:
			sla = red("BREACHED")
		case tickets.SLARemaining(t, now) < tickets.SLABudget(t.Priority)/4:
			sla = yellow("due soon")
		}
		if err := table.Append([]string{
			t.TicketNumber,
			truncate(t.Title, 40),
			t.Priority.Label(),
			t.Status.Label(),
			timeago.English.FormatReference(t.SLADueDate, now),
			sla,
		}); err != nil {
			return err
		}
		rows++
	}

	if rows == 0 {
		out.Success("No tickets to report")
		return nil
	}
	if err := table.Render(); err != nil {
		return err
	}
	fmt.Fprintln(w)
	if breached > 0 {
		out.Warning("%d of %d unresolved ticket(s) breached their SLA", breached, len(list))
	} else {
		out.Success("All %d unresolved ticket(s) within SLA", len(list))
	}
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
