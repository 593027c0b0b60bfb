package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserRoles(t *testing.T) {
	lead := &User{Role: RoleSupportAgent, SupportLevel: LevelFour}
	agent := &User{Role: RoleSupportAgent, SupportLevel: LevelTwo}
	admin := &User{Role: RoleAdmin}
	customer := &User{Role: RoleCustomer}

	assert.True(t, lead.IsTeamLead())
	assert.False(t, agent.IsTeamLead())
	assert.False(t, admin.IsTeamLead())
	assert.True(t, admin.IsStaff())
	assert.True(t, agent.IsStaff())
	assert.False(t, customer.IsStaff())

	var nilUser *User
	assert.False(t, nilUser.IsStaff())
}

func TestDisplayNameFallbacks(t *testing.T) {
	assert.Equal(t, "Ada Lovelace", (&User{FirstName: "Ada", LastName: "Lovelace"}).DisplayName())
	assert.Equal(t, "ada", (&User{Username: "ada", Email: "ada@example.com"}).DisplayName())
	assert.Equal(t, "ada@example.com", (&User{Email: "ada@example.com"}).DisplayName())
}

func TestLocalPart(t *testing.T) {
	assert.Equal(t, "jane.doe", LocalPart("jane.doe@example.com"))
	assert.Equal(t, "nobody", LocalPart("nobody"))
}

func TestTicketCloneDoesNotAlias(t *testing.T) {
	agent := int64(9)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	orig := &Ticket{ID: 1, AssignedToID: &agent, FirstResponseAt: &now}

	c := orig.Clone()
	*c.AssignedToID = 10
	*c.FirstResponseAt = now.Add(time.Hour)

	require.Equal(t, int64(9), *orig.AssignedToID)
	require.Equal(t, now, *orig.FirstResponseAt)
	assert.True(t, orig.IsAssignedTo(9))
	assert.True(t, c.IsAssignedTo(10))
}

func TestStatusSettled(t *testing.T) {
	assert.True(t, StatusClosed.Settled())
	assert.True(t, StatusResolved.Settled())
	assert.False(t, StatusPending.Settled())
	assert.False(t, Status("archived").Valid())
	assert.True(t, PriorityCritical.Valid())
}

func TestLabels(t *testing.T) {
	assert.Equal(t, "In Progress", StatusInProgress.Label())
	assert.Equal(t, "Critical", PriorityCritical.Label())
	assert.Equal(t, "unknown", Priority("unknown").Label())
}
