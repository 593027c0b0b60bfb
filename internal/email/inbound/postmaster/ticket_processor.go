package postmaster

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/gotrs-io/helpdesk/internal/apperrors"
	"github.com/gotrs-io/helpdesk/internal/email/inbound/filters"
	"github.com/gotrs-io/helpdesk/internal/models"
	"github.com/gotrs-io/helpdesk/internal/repository"
	"github.com/gotrs-io/helpdesk/internal/tickets"
)

// Actions reported in Result.
const (
	ActionNewTicket = "new_ticket"
	ActionFollowUp  = "follow_up"
	ActionDuplicate = "duplicate"
)

// emptyReplyBody stands in for follow-ups whose body is empty once quotes
// and signatures are removed.
const emptyReplyBody = "(no message body)"

// Result tracks what happened to a message.
type Result struct {
	TicketID  int64
	CommentID int64
	Action    string
}

// Processor routes a classified message to the ticket state machine.
type Processor interface {
	Process(ctx context.Context, meta *filters.MessageContext, dryRun bool) (Result, error)
}

// TicketProcessor appends follow-ups to referenced tickets and opens new
// tickets for everything else.
type TicketProcessor struct {
	tickets *tickets.Service
	logger  *zap.Logger
}

// TicketProcessorOption customizes TicketProcessor.
type TicketProcessorOption func(*TicketProcessor)

// WithTicketProcessorLogger overrides the logger used for diagnostics.
func WithTicketProcessorLogger(logger *zap.Logger) TicketProcessorOption {
	return func(tp *TicketProcessor) {
		if logger != nil {
			tp.logger = logger
		}
	}
}

// NewTicketProcessor builds a processor backed by the ticket service.
func NewTicketProcessor(svc *tickets.Service, opts ...TicketProcessorOption) *TicketProcessor {
	tp := &TicketProcessor{tickets: svc, logger: zap.NewNop()}
	for _, opt := range opts {
		if opt != nil {
			opt(tp)
		}
	}
	return tp
}

// Process implements Processor. In dry-run mode it only reads.
func (tp *TicketProcessor) Process(ctx context.Context, meta *filters.MessageContext, dryRun bool) (Result, error) {
	if meta == nil || meta.Envelope == nil {
		return Result{}, &apperrors.ParseError{Reason: "message was not parsed"}
	}
	env := meta.Envelope

	if res, dup, err := tp.findDuplicate(ctx, env.MessageID); err != nil || dup {
		return res, err
	}

	if ref, ok := filters.TicketReference(meta); ok {
		res, err := tp.followUp(ctx, ref, meta, dryRun)
		var unresolved *apperrors.UnresolvedReferenceError
		if !errors.As(err, &unresolved) {
			return res, err
		}
		tp.logger.Warn("ticket reference not found, creating new ticket",
			zap.Int64("ticket_id", ref),
			zap.String("sender", env.From))
	}
	return tp.create(ctx, meta, dryRun)
}

// findDuplicate detects a message that an earlier, interrupted run already
// turned into a ticket or comment.
func (tp *TicketProcessor) findDuplicate(ctx context.Context, messageID string) (Result, bool, error) {
	if messageID == "" {
		return Result{}, false, nil
	}
	store := tp.tickets.Store()
	c, err := store.FindCommentByMessageID(ctx, messageID)
	switch {
	case err == nil:
		return Result{TicketID: c.TicketID, CommentID: c.ID, Action: ActionDuplicate}, true, nil
	case !errors.Is(err, apperrors.ErrNotFound):
		return Result{}, false, err
	}
	t, err := store.FindTicketBySourceMessageID(ctx, messageID)
	switch {
	case err == nil:
		return Result{TicketID: t.ID, Action: ActionDuplicate}, true, nil
	case !errors.Is(err, apperrors.ErrNotFound):
		return Result{}, false, err
	}
	return Result{}, false, nil
}

func (tp *TicketProcessor) followUp(ctx context.Context, ticketID int64, meta *filters.MessageContext, dryRun bool) (Result, error) {
	env := meta.Envelope
	if _, err := tp.tickets.Store().GetTicket(ctx, ticketID); err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return Result{}, &apperrors.UnresolvedReferenceError{Reference: ticketID}
		}
		return Result{}, err
	}
	if dryRun {
		return Result{TicketID: ticketID, Action: ActionFollowUp}, nil
	}

	content := env.Body
	if strings.TrimSpace(content) == "" {
		content = emptyReplyBody
	}
	var (
		comment *models.TicketComment
		effects tickets.Effects
	)
	err := tp.tickets.Update(ctx, func(tx repository.Tx) error {
		author, _, err := tx.UpsertCustomer(ctx, customerInput(env.From, env.FromName))
		if err != nil {
			return err
		}
		_, comment, effects, err = tp.tickets.CommentInTx(ctx, tx, ticketID, author, tickets.CommentInput{
			Content:        content,
			EmailMessageID: env.MessageID,
			FromEmail:      true,
		})
		return err
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return Result{}, &apperrors.UnresolvedReferenceError{Reference: ticketID}
		}
		return Result{}, err
	}
	tp.tickets.Dispatch(ctx, effects)
	tp.logger.Info("added email reply to ticket",
		zap.Int64("ticket_id", ticketID),
		zap.Int64("comment_id", comment.ID),
		zap.String("sender", env.From))
	return Result{TicketID: ticketID, CommentID: comment.ID, Action: ActionFollowUp}, nil
}

func (tp *TicketProcessor) create(ctx context.Context, meta *filters.MessageContext, dryRun bool) (Result, error) {
	env := meta.Envelope
	if dryRun {
		return Result{Action: ActionNewTicket}, nil
	}
	title := strings.TrimSpace(env.Subject)
	if title == "" {
		title = tickets.EmailSubjectPlaceholder
	}
	var (
		ticket  *models.Ticket
		effects tickets.Effects
	)
	err := tp.tickets.Update(ctx, func(tx repository.Tx) error {
		customer, created, err := tx.UpsertCustomer(ctx, customerInput(env.From, env.FromName))
		if err != nil {
			return err
		}
		if created {
			tp.logger.Debug("created customer from email", zap.String("sender", customer.Email))
		}
		ticket, effects, err = tp.tickets.CreateInTx(ctx, tx, tickets.NewTicketInput{
			Title:           title,
			Description:     env.Body,
			Priority:        models.PriorityMedium,
			CreatedBy:       customer.ID,
			FromEmail:       true,
			EmailFrom:       env.From,
			SourceMessageID: env.MessageID,
		})
		return err
	})
	if err != nil {
		return Result{}, err
	}
	tp.tickets.Dispatch(ctx, effects)
	tp.logger.Info("created ticket from email",
		zap.Int64("ticket_id", ticket.ID),
		zap.String("ticket_number", ticket.TicketNumber),
		zap.String("sender", env.From))
	return Result{TicketID: ticket.ID, Action: ActionNewTicket}, nil
}

func customerInput(email, displayName string) repository.CustomerInput {
	in := repository.CustomerInput{Email: email}
	fields := strings.Fields(displayName)
	switch len(fields) {
	case 0:
	case 1:
		in.FirstName = fields[0]
	default:
		in.FirstName = fields[0]
		in.LastName = strings.Join(fields[1:], " ")
	}
	return in
}
