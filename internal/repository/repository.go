// Package repository defines the persistence contract for tickets, comments
// and users. Every mutation happens inside WithinTx so the state machine can
// lock a ticket row, apply a transition and write the resulting comment
// atomically.
package repository

import (
	"context"

	"github.com/gotrs-io/helpdesk/internal/models"
)

// TicketFilter narrows ListTickets.
type TicketFilter struct {
	Statuses     []models.Status
	AssignedToID *int64
	Limit        int
}

// AgentFilter narrows ListAgents. An empty Levels slice matches every level.
type AgentFilter struct {
	Levels     []int
	ActiveOnly bool
	ExcludeID  int64
	Roles      []models.Role
}

// Reader exposes read-only queries. Lookups that find nothing return
// apperrors.ErrNotFound.
type Reader interface {
	GetTicket(ctx context.Context, id int64) (*models.Ticket, error)
	GetTicketByNumber(ctx context.Context, number string) (*models.Ticket, error)
	GetUser(ctx context.Context, id int64) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetCategory(ctx context.Context, id int64) (*models.Category, error)
	FindTicketBySourceMessageID(ctx context.Context, messageID string) (*models.Ticket, error)
	FindCommentByMessageID(ctx context.Context, messageID string) (*models.TicketComment, error)
	TicketNumberExists(ctx context.Context, number string) (bool, error)
	ListComments(ctx context.Context, ticketID int64, includeInternal bool) ([]models.TicketComment, error)
	ListAgents(ctx context.Context, filter AgentFilter) ([]models.User, error)
	ListTickets(ctx context.Context, filter TicketFilter) ([]models.Ticket, error)
}

// Tx is a unit of work. Writes become visible when the WithinTx callback
// returns nil.
type Tx interface {
	Reader

	// LockTicket loads a ticket and holds its row until the transaction ends.
	LockTicket(ctx context.Context, id int64) (*models.Ticket, error)
	// CreateTicket inserts t and fills in ID and Version.
	CreateTicket(ctx context.Context, t *models.Ticket) error
	// UpdateTicket persists t if its Version still matches the stored row and
	// bumps t.Version. A mismatch returns apperrors.ErrConflict.
	UpdateTicket(ctx context.Context, t *models.Ticket) error
	// AddComment inserts c and fills in ID.
	AddComment(ctx context.Context, c *models.TicketComment) error
	// UpsertCustomer returns the user with this email, creating a customer
	// when none exists. Concurrent callers converge on a single row.
	UpsertCustomer(ctx context.Context, in CustomerInput) (*models.User, bool, error)
	// UpsertCategory returns the category with this name, creating it if needed.
	UpsertCategory(ctx context.Context, name string) (*models.Category, error)
}

// Store is the full persistence surface.
type Store interface {
	Reader
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
}

// CustomerInput describes a customer to get-or-create.
type CustomerInput struct {
	Email     string
	FirstName string
	LastName  string
}

// CustomerUsername derives the login name for a lazily created customer.
func CustomerUsername(email string) string {
	return models.LocalPart(models.NormalizeEmail(email))
}

// MatchesAgent applies an AgentFilter to a single user.
func MatchesAgent(u models.User, f AgentFilter) bool {
	roles := f.Roles
	if len(roles) == 0 {
		roles = []models.Role{models.RoleSupportAgent}
	}
	if !containsRole(roles, u.Role) {
		return false
	}
	if f.ActiveOnly && !u.IsActive {
		return false
	}
	if f.ExcludeID != 0 && u.ID == f.ExcludeID {
		return false
	}
	if len(f.Levels) > 0 && !containsInt(f.Levels, u.SupportLevel) {
		return false
	}
	return true
}

func containsRole(roles []models.Role, r models.Role) bool {
	for _, v := range roles {
		if v == r {
			return true
		}
	}
	return false
}

func containsInt(values []int, v int) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}
