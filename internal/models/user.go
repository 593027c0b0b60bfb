package models

import (
	"strings"
	"time"
)

// Role is the coarse permission class of a user.
type Role string

const (
	RoleCustomer     Role = "customer"
	RoleSupportAgent Role = "support_agent"
	RoleAdmin        Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleCustomer, RoleSupportAgent, RoleAdmin:
		return true
	}
	return false
}

// Support levels rank agent seniority. Level 4 agents are team leads.
const (
	LevelOne   = 1
	LevelTwo   = 2
	LevelThree = 3
	LevelFour  = 4
)

// ValidSupportLevel reports whether level is within 1..4.
func ValidSupportLevel(level int) bool {
	return level >= LevelOne && level <= LevelFour
}

// User is a customer or a staff member.
type User struct {
	ID           int64     `json:"id" db:"id"`
	Email        string    `json:"email" db:"email"`
	Username     string    `json:"username" db:"username"`
	FirstName    string    `json:"first_name" db:"first_name"`
	LastName     string    `json:"last_name" db:"last_name"`
	Role         Role      `json:"role" db:"role"`
	SupportLevel int       `json:"support_level" db:"support_level"`
	IsActive     bool      `json:"is_active" db:"is_active"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// IsAdmin reports whether the user holds the admin role.
func (u *User) IsAdmin() bool { return u != nil && u.Role == RoleAdmin }

// IsAgent reports whether the user is a support agent (not an admin).
func (u *User) IsAgent() bool { return u != nil && u.Role == RoleSupportAgent }

// IsStaff reports whether the user may be assigned tickets.
func (u *User) IsStaff() bool { return u.IsAgent() || u.IsAdmin() }

// IsTeamLead reports whether the user is a level 4 agent.
func (u *User) IsTeamLead() bool { return u.IsAgent() && u.SupportLevel == LevelFour }

// DisplayName returns "First Last", falling back to username then email.
func (u *User) DisplayName() string {
	if u == nil {
		return ""
	}
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name != "" {
		return name
	}
	if u.Username != "" {
		return u.Username
	}
	return u.Email
}

// LocalPart returns the portion of an email address before the @.
func LocalPart(email string) string {
	email = strings.TrimSpace(email)
	if at := strings.Index(email, "@"); at > 0 {
		return email[:at]
	}
	return email
}

// NormalizeEmail lowercases and trims an address for lookups.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
