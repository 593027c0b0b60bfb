package escalation

import (
	"context"

	"go.uber.org/zap"

	"github.com/gotrs-io/helpdesk/internal/metrics"
	"github.com/gotrs-io/helpdesk/internal/models"
	"github.com/gotrs-io/helpdesk/internal/notifications"
	"github.com/gotrs-io/helpdesk/internal/repository"
	"github.com/gotrs-io/helpdesk/internal/tickets"
)

// Engine applies escalations through the ticket service's transactions and
// notifies the new assignee.
type Engine struct {
	tickets  *tickets.Service
	notifier notifications.Gateway
	renderer *notifications.Renderer
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

type Option func(*Engine)

func WithNotifier(g notifications.Gateway) Option {
	return func(e *Engine) { e.notifier = g }
}

func WithRenderer(r *notifications.Renderer) Option {
	return func(e *Engine) {
		if r != nil {
			e.renderer = r
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func NewEngine(svc *tickets.Service, opts ...Option) *Engine {
	e := &Engine{
		tickets:  svc,
		renderer: notifications.NewRenderer("", ""),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Escalate reassigns the ticket, records the audit note and mails the new
// assignee. A failed notification does not undo the escalation.
func (e *Engine) Escalate(ctx context.Context, req Request) (*models.Ticket, error) {
	var (
		out      *Outcome
		from, to *models.User
		breached bool
	)
	err := e.tickets.Update(ctx, func(tx repository.Tx) error {
		var err error
		if from, err = tx.GetUser(ctx, req.FromID); err != nil {
			return err
		}
		if to, err = tx.GetUser(ctx, req.ToID); err != nil {
			return err
		}
		t, err := tx.LockTicket(ctx, req.TicketID)
		if err != nil {
			return err
		}
		var previous *models.User
		if t.AssignedToID != nil {
			if previous, err = tx.GetUser(ctx, *t.AssignedToID); err != nil {
				return err
			}
		}
		if out, err = Plan(t, from, to, previous, req.Level, req.Reason, e.tickets.Now()); err != nil {
			return err
		}
		breached = tickets.CarryBreach(t, out.Ticket, e.tickets.Now())
		if err := tx.UpdateTicket(ctx, out.Ticket); err != nil {
			return err
		}
		return tx.AddComment(ctx, &models.TicketComment{
			TicketID:   t.ID,
			AuthorID:   from.ID,
			Content:    out.Note,
			IsInternal: true,
			CreatedAt:  e.tickets.Now(),
		})
	})
	if err != nil {
		return nil, err
	}

	e.metrics.Transition("escalate")
	e.logger.Info("ticket escalated",
		zap.Int64("ticket_id", out.Ticket.ID),
		zap.String("ticket_number", out.Ticket.TicketNumber),
		zap.Int64("from", from.ID),
		zap.Int64("to", to.ID),
		zap.Int("support_level", out.Ticket.SupportLevel))

	if breached {
		e.tickets.Dispatch(ctx, tickets.Effects{{Kind: tickets.EffectSLABreached, TicketID: out.Ticket.ID}})
	}
	e.notify(ctx, out.Ticket, from, to, req.Reason)
	return out.Ticket, nil
}

func (e *Engine) notify(ctx context.Context, t *models.Ticket, from, to *models.User, reason string) {
	if e.notifier == nil || to.Email == "" {
		return
	}
	store := e.tickets.Store()
	creator, err := store.GetUser(ctx, t.CreatedByID)
	if err != nil {
		e.logger.Warn("escalation notification skipped", zap.Int64("ticket_id", t.ID), zap.Error(err))
		return
	}
	var category string
	if t.CategoryID != nil {
		if c, err := store.GetCategory(ctx, *t.CategoryID); err == nil {
			category = c.Name
		}
	}
	msg, err := e.renderer.Escalation(t, creator, from, to, category, reason)
	if err != nil {
		e.logger.Error("render escalation notification", zap.Int64("ticket_id", t.ID), zap.Error(err))
		return
	}
	notifications.Notify(ctx, e.notifier, e.logger, msg, []string{to.Email})
}
