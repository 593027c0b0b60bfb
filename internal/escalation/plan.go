// Package escalation moves tickets up the support levels. Validation is
// enforced here, server side, regardless of what the UI offers.
package escalation

import (
	"fmt"
	"strings"
	"time"

	"github.com/gotrs-io/helpdesk/internal/apperrors"
	"github.com/gotrs-io/helpdesk/internal/models"
)

const action = "escalate ticket"

// Request names the escalation target. Level 0 keeps the default level
// selection.
type Request struct {
	TicketID int64
	FromID   int64
	ToID     int64
	Level    int
	Reason   string
}

// Outcome is the validated result of an escalation.
type Outcome struct {
	Ticket   *models.Ticket
	Previous *models.User
	Note     string
}

// Plan validates an escalation of t from one agent to another and returns
// the updated ticket plus the internal audit note. previous is the current
// assignee, if any.
func Plan(t *models.Ticket, from, to, previous *models.User, level int, reason string, now time.Time) (*Outcome, error) {
	if from == nil || !from.IsStaff() {
		return nil, apperrors.Deny(action, "only agents can escalate tickets")
	}
	if to == nil || !to.IsStaff() {
		return nil, apperrors.Deny(action, "target is not an agent")
	}
	if !to.IsActive {
		return nil, apperrors.Deny(action, "%s is inactive", to.DisplayName())
	}
	if t.Status == models.StatusClosed {
		return nil, apperrors.Deny(action, "ticket is closed")
	}
	if to.ID == from.ID {
		return nil, apperrors.Deny(action, "cannot escalate to yourself")
	}
	if !from.IsAdmin() && to.SupportLevel <= from.SupportLevel {
		return nil, apperrors.Deny(action,
			"level %d agents may only escalate to a higher level, %s is level %d",
			from.SupportLevel, to.DisplayName(), to.SupportLevel)
	}

	override := from.IsAdmin() || from.IsTeamLead()
	explicit := level != 0
	if explicit {
		if !models.ValidSupportLevel(level) {
			return nil, apperrors.NewValidationError("invalid support level",
				map[string]string{"support_level": fmt.Sprintf("%d is not between 1 and 4", level)})
		}
		if level < t.SupportLevel && !override {
			return nil, apperrors.Deny(action, "support level cannot be lowered from %d to %d", t.SupportLevel, level)
		}
	} else {
		level = t.SupportLevel
		if to.SupportLevel > level {
			level = to.SupportLevel
		}
	}

	next := t.Clone()
	id := to.ID
	next.AssignedToID = &id
	next.SupportLevel = level
	next.UpdatedAt = now

	var b strings.Builder
	fmt.Fprintf(&b, "Ticket escalated by %s", from.DisplayName())
	if previous != nil {
		fmt.Fprintf(&b, " (was: %s)", previous.DisplayName())
	}
	fmt.Fprintf(&b, " to %s", to.DisplayName())
	if explicit || level != t.SupportLevel {
		fmt.Fprintf(&b, " - Level %d", level)
	}
	if r := strings.TrimSpace(reason); r != "" {
		fmt.Fprintf(&b, "\n\nReason: %s", r)
	}

	return &Outcome{Ticket: next, Previous: previous, Note: b.String()}, nil
}
