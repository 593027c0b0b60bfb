package models

import "time"

// Status is the lifecycle state of a ticket.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusPending    Status = "pending"
	StatusResolved   Status = "resolved"
	StatusClosed     Status = "closed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusPending, StatusResolved, StatusClosed:
		return true
	}
	return false
}

// Settled reports whether the SLA clock no longer applies.
func (s Status) Settled() bool {
	return s == StatusResolved || s == StatusClosed
}

// Label returns the human readable status name.
func (s Status) Label() string {
	switch s {
	case StatusOpen:
		return "Open"
	case StatusInProgress:
		return "In Progress"
	case StatusPending:
		return "Pending"
	case StatusResolved:
		return "Resolved"
	case StatusClosed:
		return "Closed"
	}
	return string(s)
}

// Priority drives the SLA budget and notification urgency.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Label returns the human readable priority name.
func (p Priority) Label() string {
	switch p {
	case PriorityLow:
		return "Low"
	case PriorityMedium:
		return "Medium"
	case PriorityHigh:
		return "High"
	case PriorityCritical:
		return "Critical"
	}
	return string(p)
}

// Category groups tickets by subject area.
type Category struct {
	ID   int64  `json:"id" db:"id"`
	Name string `json:"name" db:"name"`
}

// Ticket is a support request and its lifecycle timestamps.
type Ticket struct {
	ID               int64      `json:"id" db:"id"`
	TicketNumber     string     `json:"ticket_number" db:"ticket_number"`
	Title            string     `json:"title" db:"title"`
	Description      string     `json:"description" db:"description"`
	Status           Status     `json:"status" db:"status"`
	Priority         Priority   `json:"priority" db:"priority"`
	SupportLevel     int        `json:"support_level" db:"support_level"`
	CreatedByID      int64      `json:"created_by" db:"created_by"`
	AssignedToID     *int64     `json:"assigned_to,omitempty" db:"assigned_to"`
	CategoryID       *int64     `json:"category_id,omitempty" db:"category_id"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
	SLADueDate       time.Time  `json:"sla_due_date" db:"sla_due_date"`
	SLABreached      bool       `json:"sla_breached" db:"sla_breached"`
	FirstResponseAt  *time.Time `json:"first_response_at,omitempty" db:"first_response_at"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
	ClosedAt         *time.Time `json:"closed_at,omitempty" db:"closed_at"`
	CreatedFromEmail bool       `json:"created_from_email" db:"created_from_email"`
	EmailFrom        string     `json:"email_from,omitempty" db:"email_from"`
	SourceMessageID  string     `json:"-" db:"source_message_id"`
	Version          int64      `json:"version" db:"version"`
}

// IsAssignedTo reports whether the ticket is currently assigned to userID.
func (t *Ticket) IsAssignedTo(userID int64) bool {
	return t != nil && t.AssignedToID != nil && *t.AssignedToID == userID
}

// Clone returns a deep copy so pure transitions never alias their input.
func (t *Ticket) Clone() *Ticket {
	if t == nil {
		return nil
	}
	c := *t
	c.AssignedToID = cloneInt64(t.AssignedToID)
	c.CategoryID = cloneInt64(t.CategoryID)
	c.FirstResponseAt = cloneTime(t.FirstResponseAt)
	c.ResolvedAt = cloneTime(t.ResolvedAt)
	c.ClosedAt = cloneTime(t.ClosedAt)
	return &c
}

// TicketComment is a note or reply attached to a ticket. Internal comments are
// never shown to the ticket's customer.
type TicketComment struct {
	ID             int64     `json:"id" db:"id"`
	TicketID       int64     `json:"ticket_id" db:"ticket_id"`
	AuthorID       int64     `json:"author_id" db:"author_id"`
	Content        string    `json:"content" db:"content"`
	IsInternal     bool      `json:"is_internal" db:"is_internal"`
	EmailMessageID string    `json:"email_message_id,omitempty" db:"email_message_id"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

func cloneInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
