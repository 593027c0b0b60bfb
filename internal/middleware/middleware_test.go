package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/gotrs-io/helpdesk/internal/apperrors"
	"github.com/gotrs-io/helpdesk/internal/models"
)

type userTable struct {
	users []models.User
	err   error
}

func (u userTable) GetUser(_ context.Context, id int64) (*models.User, error) {
	if u.err != nil {
		return nil, u.err
	}
	for i := range u.users {
		if u.users[i].ID == id {
			return &u.users[i], nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (u userTable) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	if u.err != nil {
		return nil, u.err
	}
	for i := range u.users {
		if u.users[i].Email == email {
			return &u.users[i], nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func newTestRouter(users UserLookup, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID(), AccessLog(logger))
	r.GET("/me", RequireActor(users), func(c *gin.Context) {
		u, ok := Actor(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.String(http.StatusOK, u.Email)
	})
	return r
}

func get(r *gin.Engine, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRequireActor(t *testing.T) {
	users := userTable{users: []models.User{
		{ID: 7, Email: "agent@example.com", Role: models.RoleSupportAgent, IsActive: true},
		{ID: 8, Email: "old@example.com", Role: models.RoleSupportAgent},
	}}
	r := newTestRouter(users, nil)

	tests := []struct {
		name   string
		header string
		status int
		body   string
	}{
		{name: "by id", header: "7", status: http.StatusOK, body: "agent@example.com"},
		{name: "by email", header: "agent@example.com", status: http.StatusOK, body: "agent@example.com"},
		{name: "missing", header: "", status: http.StatusUnauthorized},
		{name: "unknown", header: "99", status: http.StatusUnauthorized},
		{name: "inactive", header: "8", status: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := get(r, map[string]string{ActorHeader: tt.header})
			assert.Equal(t, tt.status, w.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, w.Body.String())
			}
		})
	}
}

func TestRequireActorLookupFailure(t *testing.T) {
	r := newTestRouter(userTable{err: errors.New("db down")}, nil)
	w := get(r, map[string]string{ActorHeader: "7"})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestRequestIDIsEchoed(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	r := newTestRouter(userTable{users: []models.User{{ID: 1, Email: "a@example.com", IsActive: true}}}, zap.New(core))

	w := get(r, map[string]string{"X-Request-ID": "req-1", ActorHeader: "1"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "req-1", w.Header().Get("X-Request-ID"))

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "req-1", fields["request_id"])
	assert.Equal(t, int64(1), fields["user_id"])

	w = get(r, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Len(t, w.Header().Get("X-Request-ID"), 36)
	assert.Equal(t, 1, logs.FilterMessage("request rejected").Len())
}
