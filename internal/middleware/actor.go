// Package middleware holds the gin middleware shared by the helpdesk API.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/gotrs-io/helpdesk/internal/apperrors"
	"github.com/gotrs-io/helpdesk/internal/models"
)

const (
	// ActorHeader carries the authenticated user, set by the upstream auth proxy.
	ActorHeader = "X-Helpdesk-User"

	actorKey  = "actor"
	userIDKey = "user_id"
)

// UserLookup resolves the actor header to a user.
type UserLookup interface {
	GetUser(ctx context.Context, id int64) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
}

// RequireActor resolves the actor named by ActorHeader, either a numeric
// user ID or an email address. Unknown or inactive users are rejected.
func RequireActor(users UserLookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(ActorHeader))
		if raw == "" {
			unauthorized(c, "Authentication required")
			return
		}

		var (
			user *models.User
			err  error
		)
		if id, perr := strconv.ParseInt(raw, 10, 64); perr == nil {
			user, err = users.GetUser(c.Request.Context(), id)
		} else {
			user, err = users.GetUserByEmail(c.Request.Context(), raw)
		}
		switch {
		case errors.Is(err, apperrors.ErrNotFound):
			unauthorized(c, "Unknown user")
			return
		case err != nil:
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to resolve user"})
			return
		case !user.IsActive:
			unauthorized(c, "User is inactive")
			return
		}

		c.Set(actorKey, user)
		c.Set(userIDKey, user.ID)
		c.Next()
	}
}

// Actor returns the user resolved by RequireActor.
func Actor(c *gin.Context) (*models.User, bool) {
	v, ok := c.Get(actorKey)
	if !ok {
		return nil, false
	}
	u, ok := v.(*models.User)
	return u, ok && u != nil
}

func unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "error": message})
}
