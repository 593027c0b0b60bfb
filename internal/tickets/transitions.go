// Package tickets owns the ticket lifecycle: creation with SLA deadlines,
// assignment, comments with first-response tracking, closure and lazy SLA
// breach detection.
//
// The transition functions are pure: they take a ticket and return a new one
// plus the effects the caller must dispatch after the write commits.
package tickets

import (
	"fmt"
	"strings"
	"time"

	"github.com/gotrs-io/helpdesk/internal/apperrors"
	"github.com/gotrs-io/helpdesk/internal/models"
)

// ClosedComment is appended, visible to the customer, when a ticket closes.
const ClosedComment = "Ticket closed."

// EmailSubjectPlaceholder titles tickets created from mail without a subject.
const EmailSubjectPlaceholder = "Email without subject"

var slaBudget = map[models.Priority]time.Duration{
	models.PriorityCritical: 4 * time.Hour,
	models.PriorityHigh:     24 * time.Hour,
	models.PriorityMedium:   72 * time.Hour,
	models.PriorityLow:      168 * time.Hour,
}

// SLABudget returns the response budget for p. Unknown priorities get the
// medium budget.
func SLABudget(p models.Priority) time.Duration {
	if d, ok := slaBudget[p]; ok {
		return d
	}
	return slaBudget[models.PriorityMedium]
}

// SLADueDate is created plus the budget for p.
func SLADueDate(created time.Time, p models.Priority) time.Time {
	return created.Add(SLABudget(p))
}

// EffectKind names a side effect to run after commit.
type EffectKind string

const (
	EffectNotifyNewTicket EffectKind = "notify_new_ticket"
	EffectNotifyReply     EffectKind = "notify_reply"
	EffectNotifyClosed    EffectKind = "notify_closed"
	EffectFirstResponse   EffectKind = "first_response"
	EffectSLABreached     EffectKind = "sla_breached"
)

// Effect is a deferred side effect of a transition.
type Effect struct {
	Kind      EffectKind
	TicketID  int64
	CommentID int64
}

// Effects is the ordered list a transition produced.
type Effects []Effect

// Has reports whether k is present.
func (e Effects) Has(k EffectKind) bool {
	for _, x := range e {
		if x.Kind == k {
			return true
		}
	}
	return false
}

// NewTicketInput describes a ticket to create.
type NewTicketInput struct {
	Number          string
	Title           string
	Description     string
	Priority        models.Priority
	CreatedBy       int64
	CategoryID      *int64
	FromEmail       bool
	EmailFrom       string
	SourceMessageID string
}

// NewTicket builds an open first-level ticket with its SLA deadline fixed at
// creation.
func NewTicket(in NewTicketInput, now time.Time) (*models.Ticket, Effects, error) {
	fields := map[string]string{}
	if strings.TrimSpace(in.Number) == "" {
		fields["ticket_number"] = "required"
	}
	if strings.TrimSpace(in.Title) == "" {
		fields["title"] = "required"
	}
	if in.CreatedBy == 0 {
		fields["created_by"] = "required"
	}
	if in.Priority == "" {
		in.Priority = models.PriorityMedium
	}
	if !in.Priority.Valid() {
		fields["priority"] = fmt.Sprintf("unknown priority %q", in.Priority)
	}
	if len(fields) > 0 {
		return nil, nil, apperrors.NewValidationError("invalid ticket", fields)
	}

	t := &models.Ticket{
		TicketNumber:     in.Number,
		Title:            strings.TrimSpace(in.Title),
		Description:      in.Description,
		Status:           models.StatusOpen,
		Priority:         in.Priority,
		SupportLevel:     models.LevelOne,
		CreatedByID:      in.CreatedBy,
		CategoryID:       in.CategoryID,
		CreatedAt:        now,
		UpdatedAt:        now,
		SLADueDate:       SLADueDate(now, in.Priority),
		CreatedFromEmail: in.FromEmail,
		EmailFrom:        in.EmailFrom,
		SourceMessageID:  in.SourceMessageID,
	}
	return t, Effects{{Kind: EffectNotifyNewTicket}}, nil
}

// Assign hands the ticket to assignee and moves it to in_progress. Any agent
// may take a ticket; assigning somebody else requires an admin or team lead.
func Assign(t *models.Ticket, actor, assignee *models.User, now time.Time) (*models.Ticket, string, error) {
	const action = "assign ticket"
	if actor == nil || !actor.IsStaff() {
		return nil, "", apperrors.Deny(action, "only agents can assign tickets")
	}
	if assignee == nil {
		assignee = actor
	}
	if !assignee.IsStaff() {
		return nil, "", apperrors.Deny(action, "%s is not an agent", assignee.DisplayName())
	}
	if !assignee.IsActive {
		return nil, "", apperrors.Deny(action, "%s is inactive", assignee.DisplayName())
	}
	if t.Status != models.StatusOpen && t.Status != models.StatusInProgress {
		return nil, "", apperrors.Deny(action, "ticket is %s", t.Status)
	}
	self := assignee.ID == actor.ID
	if !self && !actor.IsAdmin() && !actor.IsTeamLead() {
		return nil, "", apperrors.Deny(action, "agents may only assign tickets to themselves")
	}

	next := t.Clone()
	CarryBreach(t, next, now)
	id := assignee.ID
	next.AssignedToID = &id
	next.Status = models.StatusInProgress
	next.UpdatedAt = now

	note := fmt.Sprintf("Ticket taken over by %s.", actor.DisplayName())
	if !self {
		note = fmt.Sprintf("Ticket assigned by %s to %s.", actor.DisplayName(), assignee.DisplayName())
	}
	return next, note, nil
}

// RecordAgentResponse stamps first_response_at once. It reports whether the
// ticket changed.
func RecordAgentResponse(t *models.Ticket, now time.Time) (*models.Ticket, bool) {
	if t.FirstResponseAt != nil {
		return t, false
	}
	next := t.Clone()
	ts := now
	next.FirstResponseAt = &ts
	next.UpdatedAt = now
	return next, true
}

// CommentInput describes a comment to append. FromEmail marks replies that
// arrived through the mailbox; their sender need not own the ticket.
type CommentInput struct {
	Content        string
	Internal       bool
	EmailMessageID string
	FromEmail      bool
}

// AppendComment validates and builds a comment. A public comment by staff
// counts as the first response.
func AppendComment(t *models.Ticket, author *models.User, in CommentInput, now time.Time) (*models.Ticket, *models.TicketComment, Effects, error) {
	const action = "comment on ticket"
	if strings.TrimSpace(in.Content) == "" {
		return nil, nil, nil, apperrors.NewValidationError("comment is empty", map[string]string{"content": "required"})
	}
	if author == nil {
		return nil, nil, nil, apperrors.Deny(action, "unknown author")
	}
	if !author.IsStaff() {
		if in.Internal {
			return nil, nil, nil, apperrors.Deny(action, "customers cannot write internal notes")
		}
		if t.CreatedByID != author.ID && !in.FromEmail {
			return nil, nil, nil, apperrors.Deny(action, "ticket belongs to another customer")
		}
	}

	c := &models.TicketComment{
		TicketID:       t.ID,
		AuthorID:       author.ID,
		Content:        in.Content,
		IsInternal:     in.Internal,
		EmailMessageID: in.EmailMessageID,
		CreatedAt:      now,
	}

	next := t.Clone()
	next.UpdatedAt = now
	var effects Effects
	if CarryBreach(t, next, now) {
		effects = append(effects, Effect{Kind: EffectSLABreached, TicketID: t.ID})
	}
	if author.IsStaff() && !in.Internal {
		var changed bool
		next, changed = RecordAgentResponse(next, now)
		if changed {
			effects = append(effects, Effect{Kind: EffectFirstResponse, TicketID: t.ID})
		}
		if !in.FromEmail {
			effects = append(effects, Effect{Kind: EffectNotifyReply, TicketID: t.ID})
		}
	}
	return next, c, effects, nil
}

// Close terminates the ticket. Only the assignee or an admin may close it.
func Close(t *models.Ticket, actor *models.User, now time.Time) (*models.Ticket, *models.TicketComment, Effects, error) {
	const action = "close ticket"
	if actor == nil {
		return nil, nil, nil, apperrors.Deny(action, "unknown user")
	}
	if !actor.IsAdmin() && !t.IsAssignedTo(actor.ID) {
		return nil, nil, nil, apperrors.Deny(action, "only the assigned agent or an admin may close this ticket")
	}
	if t.Status == models.StatusClosed {
		return nil, nil, nil, apperrors.Deny(action, "ticket is already closed")
	}

	next := t.Clone()
	effects := Effects{{Kind: EffectNotifyClosed, TicketID: t.ID}}
	// Settled tickets never breach, so the deadline is judged before closing.
	if CarryBreach(t, next, now) {
		effects = append(effects, Effect{Kind: EffectSLABreached, TicketID: t.ID})
	}
	next.Status = models.StatusClosed
	if next.ClosedAt == nil {
		ts := now
		next.ClosedAt = &ts
	}
	next.UpdatedAt = now

	c := &models.TicketComment{
		TicketID:  t.ID,
		AuthorID:  actor.ID,
		Content:   ClosedComment,
		CreatedAt: now,
	}
	return next, c, effects, nil
}

// CheckSLABreach reports whether t is, or has been, past its deadline while
// unresolved. Once breached a ticket stays breached.
func CheckSLABreach(t *models.Ticket, now time.Time) bool {
	if t.SLABreached {
		return true
	}
	if t.Status.Settled() || t.SLADueDate.IsZero() {
		return false
	}
	return now.After(t.SLADueDate)
}

// EvaluateSLA applies CheckSLABreach and reports a false to true flip.
func EvaluateSLA(t *models.Ticket, now time.Time) (*models.Ticket, bool) {
	if t.SLABreached || !CheckSLABreach(t, now) {
		return t, false
	}
	next := t.Clone()
	next.SLABreached = true
	return next, true
}

// CarryBreach marks next as breached when t had already crossed its deadline
// at now. It reports whether the flag flipped.
func CarryBreach(t, next *models.Ticket, now time.Time) bool {
	if t.SLABreached || !CheckSLABreach(t, now) {
		return false
	}
	next.SLABreached = true
	return true
}

// SLARemaining is the time left before the deadline; negative once overdue.
func SLARemaining(t *models.Ticket, now time.Time) time.Duration {
	return t.SLADueDate.Sub(now)
}
