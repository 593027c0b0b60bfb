package tickets

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gotrs-io/helpdesk/internal/apperrors"
	"github.com/gotrs-io/helpdesk/internal/metrics"
	"github.com/gotrs-io/helpdesk/internal/models"
	"github.com/gotrs-io/helpdesk/internal/notifications"
	"github.com/gotrs-io/helpdesk/internal/repository"
	"github.com/gotrs-io/helpdesk/internal/ticketnumber"
)

// maxAttempts bounds retries after an optimistic-lock conflict.
const maxAttempts = 3

// Service applies transitions transactionally and dispatches their effects
// after commit.
type Service struct {
	store    repository.Store
	numbers  ticketnumber.Generator
	notifier notifications.Gateway
	renderer *notifications.Renderer
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time

	placeholderDomain string
}

type Option func(*Service)

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithNotifier sets the outbound gateway. Without one nothing is sent.
func WithNotifier(g notifications.Gateway) Option {
	return func(s *Service) { s.notifier = g }
}

func WithRenderer(r *notifications.Renderer) Option {
	return func(s *Service) {
		if r != nil {
			s.renderer = r
		}
	}
}

func WithNumberGenerator(g ticketnumber.Generator) Option {
	return func(s *Service) {
		if g != nil {
			s.numbers = g
		}
	}
}

// WithPlaceholderDomain sets the domain used for customers registered by
// name only.
func WithPlaceholderDomain(domain string) Option {
	return func(s *Service) {
		if domain != "" {
			s.placeholderDomain = domain
		}
	}
}

func NewService(store repository.Store, opts ...Option) *Service {
	s := &Service{
		store:             store,
		renderer:          notifications.NewRenderer("", ""),
		logger:            zap.NewNop(),
		now:               func() time.Time { return time.Now().UTC() },
		placeholderDomain: "example.com",
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.numbers == nil {
		s.numbers = ticketnumber.NewYearly("", ticketnumber.ClockFunc(s.now), 0)
	}
	return s
}

// Store exposes the underlying repository to collaborators sharing the
// service's transactions.
func (s *Service) Store() repository.Store { return s.store }

// Now returns the service clock.
func (s *Service) Now() time.Time { return s.now() }

// Update runs fn in a transaction, retrying when a concurrent writer wins
// the optimistic lock. fn must be safe to re-run.
func (s *Service) Update(ctx context.Context, fn func(tx repository.Tx) error) error {
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = s.store.WithinTx(ctx, fn)
		if !errors.Is(err, apperrors.ErrConflict) {
			return err
		}
		s.logger.Debug("retrying ticket update after conflict", zap.Int("attempt", attempt), zap.Error(err))
	}
	return err
}

// CreateInTx creates a ticket inside tx. The caller dispatches the returned
// effects once the transaction commits.
func (s *Service) CreateInTx(ctx context.Context, tx repository.Tx, in NewTicketInput) (*models.Ticket, Effects, error) {
	number, err := ticketnumber.Unique(ctx, s.numbers, tx.TicketNumberExists, ticketnumber.DefaultAttempts)
	if err != nil {
		return nil, nil, err
	}
	in.Number = number
	t, effects, err := NewTicket(in, s.now())
	if err != nil {
		return nil, nil, err
	}
	if err := tx.CreateTicket(ctx, t); err != nil {
		return nil, nil, err
	}
	for i := range effects {
		effects[i].TicketID = t.ID
	}
	return t, effects, nil
}

// CommentInTx locks the ticket, appends the comment and records the first
// agent response in the same transaction.
func (s *Service) CommentInTx(ctx context.Context, tx repository.Tx, ticketID int64, author *models.User, in CommentInput) (*models.Ticket, *models.TicketComment, Effects, error) {
	t, err := tx.LockTicket(ctx, ticketID)
	if err != nil {
		return nil, nil, nil, err
	}
	next, c, effects, err := AppendComment(t, author, in, s.now())
	if err != nil {
		return nil, nil, nil, err
	}
	if err := tx.AddComment(ctx, c); err != nil {
		return nil, nil, nil, err
	}
	if err := tx.UpdateTicket(ctx, next); err != nil {
		return nil, nil, nil, err
	}
	for i := range effects {
		effects[i].CommentID = c.ID
	}
	return next, c, effects, nil
}

// CustomerTicketInput is an agent creating a ticket on a customer's behalf,
// typically after a phone call.
type CustomerTicketInput struct {
	CustomerEmail     string
	CustomerFirstName string
	CustomerLastName  string
	Title             string
	Description       string
	Priority          models.Priority
	Category          string
}

func (in CustomerTicketInput) validate() error {
	fields := map[string]string{}
	if strings.TrimSpace(in.Title) == "" {
		fields["title"] = "required"
	}
	if strings.TrimSpace(in.Description) == "" {
		fields["description"] = "required"
	}
	hasName := strings.TrimSpace(in.CustomerFirstName) != "" && strings.TrimSpace(in.CustomerLastName) != ""
	if strings.TrimSpace(in.CustomerEmail) == "" && !hasName {
		fields["customer"] = "email of an existing customer or first and last name of a new one required"
	}
	if in.Priority != "" && !in.Priority.Valid() {
		fields["priority"] = fmt.Sprintf("unknown priority %q", in.Priority)
	}
	if len(fields) > 0 {
		return apperrors.NewValidationError("invalid ticket", fields)
	}
	return nil
}

// CreateForCustomer lets an agent open a ticket for a customer, registering
// the customer when unknown.
func (s *Service) CreateForCustomer(ctx context.Context, actorID int64, in CustomerTicketInput) (*models.Ticket, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	var (
		ticket  *models.Ticket
		effects Effects
	)
	err := s.Update(ctx, func(tx repository.Tx) error {
		actor, err := tx.GetUser(ctx, actorID)
		if err != nil {
			return err
		}
		if !actor.IsStaff() {
			return apperrors.Deny("create ticket", "only agents can create tickets for customers")
		}
		customer, err := s.resolveCustomer(ctx, tx, in)
		if err != nil {
			return err
		}

		var categoryID *int64
		if name := strings.TrimSpace(in.Category); name != "" {
			cat, err := tx.UpsertCategory(ctx, name)
			if err != nil {
				return err
			}
			categoryID = &cat.ID
		}

		ticket, effects, err = s.CreateInTx(ctx, tx, NewTicketInput{
			Title:       in.Title,
			Description: in.Description,
			Priority:    in.Priority,
			CreatedBy:   customer.ID,
			CategoryID:  categoryID,
		})
		if err != nil {
			return err
		}
		return tx.AddComment(ctx, &models.TicketComment{
			TicketID: ticket.ID,
			AuthorID: actor.ID,
			Content: fmt.Sprintf("Ticket created by %s for customer %s (phone request).",
				actor.DisplayName(), customer.DisplayName()),
			IsInternal: true,
			CreatedAt:  s.now(),
		})
	})
	if err != nil {
		return nil, err
	}

	s.metrics.Transition("create")
	s.logger.Info("ticket created for customer",
		zap.Int64("ticket_id", ticket.ID),
		zap.String("ticket_number", ticket.TicketNumber),
		zap.Int64("actor_id", actorID))
	s.Dispatch(ctx, effects)
	return ticket, nil
}

func (s *Service) resolveCustomer(ctx context.Context, tx repository.Tx, in CustomerTicketInput) (*models.User, error) {
	email := models.NormalizeEmail(in.CustomerEmail)
	first := strings.TrimSpace(in.CustomerFirstName)
	last := strings.TrimSpace(in.CustomerLastName)

	if email != "" {
		u, err := tx.GetUserByEmail(ctx, email)
		if err == nil {
			return u, nil
		}
		if !errors.Is(err, apperrors.ErrNotFound) {
			return nil, err
		}
		if first == "" || last == "" {
			return nil, apperrors.NewValidationError(
				fmt.Sprintf("customer with email %s does not exist", email),
				map[string]string{"customer": "first and last name required to register a new customer"})
		}
	} else {
		var err error
		if email, err = s.placeholderEmail(ctx, tx, first, last); err != nil {
			return nil, err
		}
	}

	u, _, err := tx.UpsertCustomer(ctx, repository.CustomerInput{Email: email, FirstName: first, LastName: last})
	return u, err
}

// placeholderEmail derives first.last@domain, adding a counter until unused.
func (s *Service) placeholderEmail(ctx context.Context, tx repository.Tx, first, last string) (string, error) {
	base := strings.ToLower(strings.ReplaceAll(first, " ", "") + "." + strings.ReplaceAll(last, " ", ""))
	candidate := base + "@" + s.placeholderDomain
	for i := 1; ; i++ {
		_, err := tx.GetUserByEmail(ctx, candidate)
		if errors.Is(err, apperrors.ErrNotFound) {
			return candidate, nil
		}
		if err != nil {
			return "", err
		}
		candidate = fmt.Sprintf("%s%d@%s", base, i, s.placeholderDomain)
	}
}

// Get loads a ticket and evaluates its SLA. A breach detected on read is
// persisted once.
func (s *Service) Get(ctx context.Context, id int64) (*models.Ticket, error) {
	t, err := s.store.GetTicket(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, flipped := EvaluateSLA(t, s.now()); !flipped {
		return t, nil
	}

	var (
		out      *models.Ticket
		recorded bool
	)
	err = s.Update(ctx, func(tx repository.Tx) error {
		cur, err := tx.LockTicket(ctx, id)
		if err != nil {
			return err
		}
		next, flipped := EvaluateSLA(cur, s.now())
		recorded = flipped
		out = next
		if !flipped {
			return nil
		}
		return tx.UpdateTicket(ctx, next)
	})
	if err != nil {
		return nil, err
	}
	if recorded {
		s.Dispatch(ctx, Effects{{Kind: EffectSLABreached, TicketID: out.ID}})
	}
	return out, nil
}

// Assign gives the ticket to assigneeID, or to the actor when assigneeID is 0.
func (s *Service) Assign(ctx context.Context, ticketID, actorID, assigneeID int64) (*models.Ticket, error) {
	var (
		out     *models.Ticket
		effects Effects
	)
	err := s.Update(ctx, func(tx repository.Tx) error {
		actor, err := tx.GetUser(ctx, actorID)
		if err != nil {
			return err
		}
		assignee := actor
		if assigneeID != 0 && assigneeID != actorID {
			if assignee, err = tx.GetUser(ctx, assigneeID); err != nil {
				return err
			}
		}
		t, err := tx.LockTicket(ctx, ticketID)
		if err != nil {
			return err
		}
		next, note, err := Assign(t, actor, assignee, s.now())
		if err != nil {
			return err
		}
		effects = nil
		if next.SLABreached && !t.SLABreached {
			effects = Effects{{Kind: EffectSLABreached, TicketID: t.ID}}
		}
		if err := tx.UpdateTicket(ctx, next); err != nil {
			return err
		}
		out = next
		return tx.AddComment(ctx, &models.TicketComment{
			TicketID:   t.ID,
			AuthorID:   actor.ID,
			Content:    note,
			IsInternal: true,
			CreatedAt:  s.now(),
		})
	})
	if err != nil {
		return nil, err
	}
	s.metrics.Transition("assign")
	s.logger.Info("ticket assigned",
		zap.Int64("ticket_id", out.ID),
		zap.Int64p("assigned_to", out.AssignedToID),
		zap.Int64("actor_id", actorID))
	s.Dispatch(ctx, effects)
	return out, nil
}

// AddComment appends a comment as authorID. Public agent comments are
// mailed to the customer.
func (s *Service) AddComment(ctx context.Context, ticketID, authorID int64, content string, internal bool) (*models.TicketComment, error) {
	var (
		comment *models.TicketComment
		effects Effects
	)
	err := s.Update(ctx, func(tx repository.Tx) error {
		author, err := tx.GetUser(ctx, authorID)
		if err != nil {
			return err
		}
		_, comment, effects, err = s.CommentInTx(ctx, tx, ticketID, author, CommentInput{Content: content, Internal: internal})
		return err
	})
	if err != nil {
		return nil, err
	}
	s.metrics.Transition("comment")
	s.Dispatch(ctx, effects)
	return comment, nil
}

// Close closes the ticket and mails the history to the customer.
func (s *Service) Close(ctx context.Context, ticketID, actorID int64) (*models.Ticket, error) {
	var (
		out     *models.Ticket
		effects Effects
	)
	err := s.Update(ctx, func(tx repository.Tx) error {
		actor, err := tx.GetUser(ctx, actorID)
		if err != nil {
			return err
		}
		t, err := tx.LockTicket(ctx, ticketID)
		if err != nil {
			return err
		}
		next, c, eff, err := Close(t, actor, s.now())
		if err != nil {
			return err
		}
		if err := tx.UpdateTicket(ctx, next); err != nil {
			return err
		}
		if err := tx.AddComment(ctx, c); err != nil {
			return err
		}
		out, effects = next, eff
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.Transition("close")
	s.logger.Info("ticket closed",
		zap.Int64("ticket_id", out.ID),
		zap.String("ticket_number", out.TicketNumber),
		zap.Int64("actor_id", actorID))
	s.Dispatch(ctx, effects)
	return out, nil
}

// Dispatch runs post-commit effects. Failures are logged, never returned.
func (s *Service) Dispatch(ctx context.Context, effects Effects) {
	for _, e := range effects {
		switch e.Kind {
		case EffectNotifyNewTicket:
			s.notifyNewTicket(ctx, e.TicketID)
		case EffectNotifyReply:
			s.notifyReply(ctx, e.TicketID, e.CommentID)
		case EffectNotifyClosed:
			s.notifyClosed(ctx, e.TicketID)
		case EffectFirstResponse:
			s.metrics.Transition("first_response")
		case EffectSLABreached:
			s.metrics.SLABreached()
			s.logger.Warn("SLA breached", zap.Int64("ticket_id", e.TicketID))
		}
	}
}

// notifyNewTicket pages active first and second level agents. Higher levels
// only hear about tickets escalated to them.
func (s *Service) notifyNewTicket(ctx context.Context, ticketID int64) {
	if s.notifier == nil {
		return
	}
	t, creator, category, err := s.loadForMail(ctx, ticketID)
	if err != nil {
		s.logger.Warn("new ticket notification skipped", zap.Int64("ticket_id", ticketID), zap.Error(err))
		return
	}
	agents, err := s.store.ListAgents(ctx, repository.AgentFilter{
		Levels:     []int{models.LevelOne, models.LevelTwo},
		ActiveOnly: true,
		ExcludeID:  t.CreatedByID,
	})
	if err != nil {
		s.logger.Warn("new ticket notification skipped", zap.Int64("ticket_id", ticketID), zap.Error(err))
		return
	}
	recipients := emails(agents)
	if len(recipients) == 0 {
		return
	}
	msg, err := s.renderer.NewTicket(t, creator, category)
	if err != nil {
		s.logger.Error("render new ticket notification", zap.Int64("ticket_id", ticketID), zap.Error(err))
		return
	}
	notifications.Notify(ctx, s.notifier, s.logger, msg, recipients)
}

func (s *Service) notifyReply(ctx context.Context, ticketID, commentID int64) {
	if s.notifier == nil {
		return
	}
	t, customer, _, err := s.loadForMail(ctx, ticketID)
	if err != nil {
		s.logger.Warn("reply notification skipped", zap.Int64("ticket_id", ticketID), zap.Error(err))
		return
	}
	comments, err := s.store.ListComments(ctx, ticketID, false)
	if err != nil {
		s.logger.Warn("reply notification skipped", zap.Int64("ticket_id", ticketID), zap.Error(err))
		return
	}
	var comment *models.TicketComment
	for i := range comments {
		if comments[i].ID == commentID {
			comment = &comments[i]
			break
		}
	}
	if comment == nil {
		return
	}
	author, err := s.store.GetUser(ctx, comment.AuthorID)
	if err != nil {
		s.logger.Warn("reply notification skipped", zap.Int64("ticket_id", ticketID), zap.Error(err))
		return
	}
	msg, err := s.renderer.CommentReply(t, customer, author, comment)
	if err != nil {
		s.logger.Error("render reply notification", zap.Int64("ticket_id", ticketID), zap.Error(err))
		return
	}
	if to := notifications.CustomerAddress(t, customer); to != "" {
		notifications.Notify(ctx, s.notifier, s.logger, msg, []string{to})
	}
}

func (s *Service) notifyClosed(ctx context.Context, ticketID int64) {
	if s.notifier == nil {
		return
	}
	h, err := s.History(ctx, ticketID)
	if err != nil {
		s.logger.Warn("closure summary skipped", zap.Int64("ticket_id", ticketID), zap.Error(err))
		return
	}
	msg, err := s.renderer.CloseSummary(h)
	if err != nil {
		s.logger.Error("render closure summary", zap.Int64("ticket_id", ticketID), zap.Error(err))
		return
	}
	if to := notifications.CustomerAddress(h.Ticket, h.Creator); to != "" {
		notifications.Notify(ctx, s.notifier, s.logger, msg, []string{to})
	}
}

// History gathers everything the closure summary shows.
func (s *Service) History(ctx context.Context, ticketID int64) (notifications.History, error) {
	t, creator, category, err := s.loadForMail(ctx, ticketID)
	if err != nil {
		return notifications.History{}, err
	}
	h := notifications.History{Ticket: t, Creator: creator, Category: category, Authors: map[int64]*models.User{}}
	if t.AssignedToID != nil {
		if h.Assignee, err = s.store.GetUser(ctx, *t.AssignedToID); err != nil {
			return notifications.History{}, err
		}
	}
	if h.Comments, err = s.store.ListComments(ctx, ticketID, false); err != nil {
		return notifications.History{}, err
	}
	for _, c := range h.Comments {
		if _, ok := h.Authors[c.AuthorID]; ok {
			continue
		}
		u, err := s.store.GetUser(ctx, c.AuthorID)
		if err != nil {
			return notifications.History{}, err
		}
		h.Authors[c.AuthorID] = u
	}
	return h, nil
}

// HistoryText renders the customer visible history of a ticket.
func (s *Service) HistoryText(ctx context.Context, ticketID int64) (string, error) {
	h, err := s.History(ctx, ticketID)
	if err != nil {
		return "", err
	}
	return s.renderer.HistoryText(h)
}

func (s *Service) loadForMail(ctx context.Context, ticketID int64) (*models.Ticket, *models.User, string, error) {
	t, err := s.store.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, nil, "", err
	}
	creator, err := s.store.GetUser(ctx, t.CreatedByID)
	if err != nil {
		return nil, nil, "", err
	}
	var category string
	if t.CategoryID != nil {
		if c, err := s.store.GetCategory(ctx, *t.CategoryID); err == nil {
			category = c.Name
		}
	}
	return t, creator, category, nil
}

func emails(users []models.User) []string {
	out := make([]string, 0, len(users))
	for _, u := range users {
		if u.Email != "" {
			out = append(out, u.Email)
		}
	}
	return out
}
