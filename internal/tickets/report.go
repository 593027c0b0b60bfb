package tickets

import (
	"context"
	"sort"
	"time"

	"github.com/gotrs-io/helpdesk/internal/models"
	"github.com/gotrs-io/helpdesk/internal/repository"
)

// SLAStatus is one row of the SLA report.
type SLAStatus struct {
	Ticket    models.Ticket
	Breached  bool
	Remaining time.Duration
}

// ActiveStatuses are the states whose SLA clock is still running.
var ActiveStatuses = []models.Status{models.StatusOpen, models.StatusInProgress, models.StatusPending}

// SLAReport evaluates every unsettled ticket at the current time, most urgent
// first. It does not persist breach flags.
func (s *Service) SLAReport(ctx context.Context, filter repository.TicketFilter) ([]SLAStatus, error) {
	if len(filter.Statuses) == 0 {
		filter.Statuses = ActiveStatuses
	}
	list, err := s.store.ListTickets(ctx, filter)
	if err != nil {
		return nil, err
	}
	now := s.now()
	out := make([]SLAStatus, 0, len(list))
	for _, t := range list {
		t := t
		out = append(out, SLAStatus{
			Ticket:    t,
			Breached:  CheckSLABreach(&t, now),
			Remaining: SLARemaining(&t, now),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Ticket.SLADueDate.Before(out[j].Ticket.SLADueDate)
	})
	return out, nil
}
