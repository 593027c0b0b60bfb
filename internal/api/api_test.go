package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotrs-io/helpdesk/internal/escalation"
	"github.com/gotrs-io/helpdesk/internal/metrics"
	"github.com/gotrs-io/helpdesk/internal/middleware"
	"github.com/gotrs-io/helpdesk/internal/models"
	"github.com/gotrs-io/helpdesk/internal/notifications"
	"github.com/gotrs-io/helpdesk/internal/repository/memory"
	"github.com/gotrs-io/helpdesk/internal/ticketnumber"
	"github.com/gotrs-io/helpdesk/internal/tickets"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type outbox struct {
	mu       sync.Mutex
	subjects []string
}

func (o *outbox) Send(_ context.Context, subject, _ string, _ []string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.subjects = append(o.subjects, subject)
	return nil
}

type apiFixture struct {
	store  *memory.Store
	router *gin.Engine
	now    time.Time
	out    *outbox

	cust, other, l1, l3, admin models.User
	ticket                     models.Ticket
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &apiFixture{store: memory.NewStore(), now: t0.Add(time.Hour), out: &outbox{}}
	f.cust = f.store.AddUser(models.User{Email: "jane@example.com", FirstName: "Jane", LastName: "Doe", Role: models.RoleCustomer, IsActive: true})
	f.other = f.store.AddUser(models.User{Email: "bob@example.com", Role: models.RoleCustomer, IsActive: true})
	f.l1 = f.store.AddUser(models.User{Email: "l1@example.com", FirstName: "Lee", Role: models.RoleSupportAgent, SupportLevel: 1, IsActive: true})
	f.l3 = f.store.AddUser(models.User{Email: "l3@example.com", FirstName: "Kim", Role: models.RoleSupportAgent, SupportLevel: 3, IsActive: true})
	f.admin = f.store.AddUser(models.User{Email: "admin@example.com", Role: models.RoleAdmin, IsActive: true})
	f.store.AddUser(models.User{Email: "gone@example.com", Role: models.RoleSupportAgent, SupportLevel: 1})
	f.ticket = f.store.PutTicket(models.Ticket{
		TicketNumber: "TK-2025-12345",
		Title:        "VPN down",
		Description:  "Cannot connect",
		Status:       models.StatusOpen,
		Priority:     models.PriorityHigh,
		SupportLevel: 1,
		CreatedByID:  f.cust.ID,
		CreatedAt:    t0,
		UpdatedAt:    t0,
		SLADueDate:   tickets.SLADueDate(t0, models.PriorityHigh),
	})

	clock := func() time.Time { return f.now }
	renderer := notifications.NewRenderer("https://help.example.com", "Acme")
	svc := tickets.NewService(f.store,
		tickets.WithClock(clock),
		tickets.WithNotifier(f.out),
		tickets.WithRenderer(renderer),
		tickets.WithNumberGenerator(ticketnumber.NewYearly("TK", ticketnumber.ClockFunc(clock), 3)),
	)
	engine := escalation.NewEngine(svc, escalation.WithNotifier(f.out), escalation.WithRenderer(renderer))
	f.router = NewRouter(NewHandler(svc, engine, WithMetrics(metrics.New())))
	return f
}

func (f *apiFixture) do(t *testing.T, method, path, actor string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if actor != "" {
		req.Header.Set(middleware.ActorHeader, actor)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	var resp map[string]any
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp
}

func (f *apiFixture) path(suffix string) string {
	return fmt.Sprintf("/api/v1/tickets/%d%s", f.ticket.ID, suffix)
}

func data(t *testing.T, resp map[string]any) map[string]any {
	t.Helper()
	d, ok := resp["data"].(map[string]any)
	require.True(t, ok, "response has no data object: %v", resp)
	return d
}

func id(u models.User) string { return fmt.Sprint(u.ID) }

func TestHealthz(t *testing.T) {
	f := newAPIFixture(t)
	w, resp := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", resp["status"])
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestMetricsEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	w, _ := f.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestActorHeaderRequired(t *testing.T) {
	f := newAPIFixture(t)

	w, resp := f.do(t, http.MethodGet, f.path(""), "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, false, resp["success"])

	w, _ = f.do(t, http.MethodGet, f.path(""), "nobody@example.com", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, resp = f.do(t, http.MethodGet, f.path(""), "gone@example.com", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "User is inactive", resp["error"])
}

func TestGetTicketVisibility(t *testing.T) {
	f := newAPIFixture(t)

	w, resp := f.do(t, http.MethodGet, f.path(""), "jane@example.com", nil)
	require.Equal(t, http.StatusOK, w.Code)
	d := data(t, resp)
	assert.Equal(t, "TK-2025-12345", d["ticket_number"])
	assert.Equal(t, "High", d["priority_label"])
	assert.Equal(t, "23h0m0s", d["sla_remaining"])

	w, resp = f.do(t, http.MethodGet, f.path(""), id(f.other), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "FORBIDDEN", resp["code"])

	w, _ = f.do(t, http.MethodGet, "/api/v1/tickets/9999", id(f.l1), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = f.do(t, http.MethodGet, "/api/v1/tickets/abc", id(f.l1), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetTicketPersistsBreach(t *testing.T) {
	f := newAPIFixture(t)
	f.now = t0.Add(30 * time.Hour)

	w, resp := f.do(t, http.MethodGet, f.path(""), id(f.l1), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, data(t, resp)["sla_breached"])

	stored, err := f.store.GetTicket(context.Background(), f.ticket.ID)
	require.NoError(t, err)
	assert.True(t, stored.SLABreached)
}

func TestForeignCustomerReadDoesNotWrite(t *testing.T) {
	f := newAPIFixture(t)
	f.now = t0.Add(30 * time.Hour)
	before, err := f.store.GetTicket(context.Background(), f.ticket.ID)
	require.NoError(t, err)

	w, _ := f.do(t, http.MethodGet, f.path(""), id(f.other), nil)
	require.Equal(t, http.StatusForbidden, w.Code)

	after, err := f.store.GetTicket(context.Background(), f.ticket.ID)
	require.NoError(t, err)
	assert.False(t, after.SLABreached)
	assert.Equal(t, before.Version, after.Version)
}

func TestCustomersSeeOnlyPublicComments(t *testing.T) {
	f := newAPIFixture(t)
	w, _ := f.do(t, http.MethodPost, f.path("/comments"), id(f.l1), commentRequest{Content: "internal only", Internal: true})
	require.Equal(t, http.StatusCreated, w.Code)
	w, _ = f.do(t, http.MethodPost, f.path("/comments"), id(f.l1), commentRequest{Content: "We are on it"})
	require.Equal(t, http.StatusCreated, w.Code)

	_, resp := f.do(t, http.MethodGet, f.path(""), id(f.cust), nil)
	comments := data(t, resp)["comments"].([]any)
	require.Len(t, comments, 1)
	assert.Equal(t, "We are on it", comments[0].(map[string]any)["content"])

	_, resp = f.do(t, http.MethodGet, f.path(""), id(f.l1), nil)
	assert.Len(t, data(t, resp)["comments"].([]any), 2)

	stored, err := f.store.GetTicket(context.Background(), f.ticket.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.FirstResponseAt)
}

func TestCreateTicketForCustomer(t *testing.T) {
	f := newAPIFixture(t)

	w, resp := f.do(t, http.MethodPost, "/api/v1/tickets", id(f.cust), createTicketRequest{
		CustomerEmail: "jane@example.com", Title: "x", Description: "y",
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "FORBIDDEN", resp["code"])

	w, resp = f.do(t, http.MethodPost, "/api/v1/tickets", id(f.l1), createTicketRequest{Title: "Phone call"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	fields := resp["fields"].(map[string]any)
	assert.Contains(t, fields, "description")
	assert.Contains(t, fields, "customer")
	ticketCount, _, _ := f.store.Counts()
	assert.Equal(t, 1, ticketCount)

	w, resp = f.do(t, http.MethodPost, "/api/v1/tickets", id(f.l1), createTicketRequest{
		CustomerFirstName: "Max",
		CustomerLastName:  "Power",
		Title:             "Phone call",
		Description:       "Laptop will not boot",
		Priority:          "critical",
		Category:          "Hardware",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	d := data(t, resp)
	assert.Equal(t, "critical", d["priority"])
	assert.Equal(t, "open", d["status"])
	assert.NotNil(t, d["category_id"])
}

func TestAssignTicket(t *testing.T) {
	f := newAPIFixture(t)

	w, resp := f.do(t, http.MethodPost, f.path("/assign"), id(f.l1), assignRequest{AssigneeID: f.l3.ID})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, resp["error"], "themselves")

	w, resp = f.do(t, http.MethodPost, f.path("/assign"), id(f.l1), nil)
	require.Equal(t, http.StatusOK, w.Code)
	d := data(t, resp)
	assert.Equal(t, "in_progress", d["status"])
	assert.Equal(t, float64(f.l1.ID), d["assigned_to"])

	w, _ = f.do(t, http.MethodPost, f.path("/assign"), id(f.admin), assignRequest{AssigneeID: f.l3.ID})
	require.Equal(t, http.StatusOK, w.Code)
}

func TestEscalateAndClose(t *testing.T) {
	f := newAPIFixture(t)

	w, _ := f.do(t, http.MethodPost, f.path("/escalate"), id(f.l1), map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, resp := f.do(t, http.MethodPost, f.path("/escalate"), id(f.l1), escalateRequest{ToID: f.l3.ID, Reason: "needs network team"})
	require.Equal(t, http.StatusOK, w.Code)
	d := data(t, resp)
	assert.Equal(t, float64(f.l3.ID), d["assigned_to"])
	assert.Equal(t, float64(3), d["support_level"])
	assert.NotEmpty(t, f.out.subjects)

	w, _ = f.do(t, http.MethodPost, f.path("/close"), id(f.l1), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, resp = f.do(t, http.MethodPost, f.path("/close"), id(f.l3), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "closed", data(t, resp)["status"])

	w, resp = f.do(t, http.MethodPost, f.path("/escalate"), id(f.admin), escalateRequest{ToID: f.l1.ID})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, resp["error"], "closed")
}
