package postmaster

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/gotrs-io/helpdesk/internal/apperrors"
	"github.com/gotrs-io/helpdesk/internal/email/inbound/connector"
	"github.com/gotrs-io/helpdesk/internal/metrics"
	"github.com/gotrs-io/helpdesk/internal/models"
	"github.com/gotrs-io/helpdesk/internal/notifications"
	"github.com/gotrs-io/helpdesk/internal/repository"
	"github.com/gotrs-io/helpdesk/internal/repository/memory"
	"github.com/gotrs-io/helpdesk/internal/runlock"
	"github.com/gotrs-io/helpdesk/internal/ticketnumber"
	"github.com/gotrs-io/helpdesk/internal/tickets"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeMailbox struct {
	mu         sync.Mutex
	messages   map[string][]byte
	order      []string
	seen       map[string]bool
	fetchErr   map[string]error
	connectErr error
	connects   int
	closes     int
}

func newMailbox() *fakeMailbox {
	return &fakeMailbox{messages: map[string][]byte{}, seen: map[string]bool{}, fetchErr: map[string]error{}}
}

func (m *fakeMailbox) deliver(raw string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	uid := fmt.Sprintf("%d", len(m.order)+1)
	m.order = append(m.order, uid)
	m.messages[uid] = []byte(strings.ReplaceAll(raw, "\n", "\r\n"))
	return uid
}

func (m *fakeMailbox) Name() string { return "fake" }

func (m *fakeMailbox) Connect(context.Context, connector.Account) (connector.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connects++
	if m.connectErr != nil {
		return nil, apperrors.NewTransportError("imap auth", m.connectErr)
	}
	return &fakeSession{box: m}, nil
}

type fakeSession struct{ box *fakeMailbox }

func (s *fakeSession) Unseen(_ context.Context, limit int) ([]string, error) {
	s.box.mu.Lock()
	defer s.box.mu.Unlock()
	var out []string
	for _, uid := range s.box.order {
		if s.box.seen[uid] {
			continue
		}
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, uid)
	}
	return out, nil
}

func (s *fakeSession) Fetch(_ context.Context, uid string) (*connector.RawMessage, error) {
	s.box.mu.Lock()
	defer s.box.mu.Unlock()
	if err := s.box.fetchErr[uid]; err != nil {
		return nil, err
	}
	return &connector.RawMessage{UID: uid, Raw: s.box.messages[uid], ReceivedAt: t0}, nil
}

func (s *fakeSession) MarkProcessed(_ context.Context, uid string) error {
	s.box.mu.Lock()
	defer s.box.mu.Unlock()
	s.box.seen[uid] = true
	return nil
}

func (s *fakeSession) Close() error {
	s.box.mu.Lock()
	defer s.box.mu.Unlock()
	s.box.closes++
	return nil
}

func (m *fakeMailbox) isSeen(uid string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seen[uid]
}

type outbox struct {
	mu   sync.Mutex
	sent []string
	to   [][]string
}

func (o *outbox) Send(_ context.Context, subject, _ string, to []string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent = append(o.sent, subject)
	o.to = append(o.to, to)
	return nil
}

type fixture struct {
	store   *memory.Store
	tickets *tickets.Service
	box     *fakeMailbox
	out     *outbox
	metrics *metrics.Metrics
	svc     *Service

	cust, l1, l2, l3 models.User
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{store: memory.NewStore(), box: newMailbox(), out: &outbox{}, metrics: metrics.New()}
	f.cust = f.store.AddUser(models.User{Email: "jane@example.com", FirstName: "Jane", Role: models.RoleCustomer, IsActive: true})
	f.l1 = f.store.AddUser(models.User{Email: "l1@example.com", Role: models.RoleSupportAgent, SupportLevel: 1, IsActive: true})
	f.l2 = f.store.AddUser(models.User{Email: "l2@example.com", Role: models.RoleSupportAgent, SupportLevel: 2, IsActive: true})
	f.l3 = f.store.AddUser(models.User{Email: "l3@example.com", Role: models.RoleSupportAgent, SupportLevel: 3, IsActive: true})

	clock := func() time.Time { return t0 }
	f.tickets = tickets.NewService(f.store,
		tickets.WithClock(clock),
		tickets.WithNotifier(f.out),
		tickets.WithRenderer(notifications.NewRenderer("https://help.example.com", "Acme")),
		tickets.WithNumberGenerator(ticketnumber.NewYearly("TK", ticketnumber.ClockFunc(clock), 11)),
	)
	all := append([]Option{
		WithTransportFactory(connector.NewFactory(connector.WithTransport(f.box, "imaps"))),
		WithMetrics(f.metrics),
	}, opts...)
	f.svc = NewService(connector.Account{Type: "imaps", Folder: "INBOX"}, NewTicketProcessor(f.tickets), all...)
	return f
}

func (f *fixture) seedTicket() models.Ticket {
	return f.store.PutTicket(models.Ticket{
		TicketNumber: "TK-2025-70000",
		Title:        "Printer issue",
		Status:       models.StatusOpen,
		Priority:     models.PriorityMedium,
		SupportLevel: 1,
		CreatedByID:  f.cust.ID,
		CreatedAt:    t0,
		UpdatedAt:    t0,
		SLADueDate:   tickets.SLADueDate(t0, models.PriorityMedium),
	})
}

func TestRunCreatesTicketForNewSender(t *testing.T) {
	f := newFixture(t)
	uid := f.box.deliver(`From: "Max Power" <max@newco.example>
Subject: Printer issue
Message-ID: <m1@newco.example>

The printer jams.
--
Max`)

	sum, err := f.svc.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, Summary{Created: 1}, sum)
	assert.True(t, f.box.isSeen(uid))

	user, err := f.store.GetUserByEmail(context.Background(), "max@newco.example")
	require.NoError(t, err)
	assert.Equal(t, models.RoleCustomer, user.Role)
	assert.Equal(t, "max", user.Username)

	list, err := f.store.ListTickets(context.Background(), repository.TicketFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	tk := list[0]
	assert.Equal(t, "Printer issue", tk.Title)
	assert.Equal(t, "The printer jams.", tk.Description)
	assert.Equal(t, models.StatusOpen, tk.Status)
	assert.Equal(t, models.PriorityMedium, tk.Priority)
	assert.Equal(t, t0.Add(72*time.Hour), tk.SLADueDate)
	assert.True(t, tk.CreatedFromEmail)
	assert.Equal(t, "max@newco.example", tk.EmailFrom)
	assert.Equal(t, "m1@newco.example", tk.SourceMessageID)

	require.Len(t, f.out.to, 1)
	recipients := append([]string(nil), f.out.to[0]...)
	sort.Strings(recipients)
	assert.Equal(t, []string{"l1@example.com", "l2@example.com"}, recipients)
	assert.Equal(t, float64(1), metricValue(t, f.metrics, metrics.OutcomeCreated))
}

func TestRunAppendsReplyToReferencedTicket(t *testing.T) {
	f := newFixture(t)
	tk := f.seedTicket()
	uid := f.box.deliver(fmt.Sprintf(`From: jane@example.com
Subject: RE: [TICKET-%d] still broken
Message-ID: <r1@example.com>

Still broken.

> On Monday you wrote:
> have you tried turning it off`, tk.ID))

	sum, err := f.svc.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, Summary{Updated: 1}, sum)
	assert.True(t, f.box.isSeen(uid))

	comments, err := f.store.ListComments(context.Background(), tk.ID, true)
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Equal(t, "Still broken.", comments[0].Content)
	assert.False(t, comments[0].IsInternal)
	assert.Equal(t, "r1@example.com", comments[0].EmailMessageID)
	assert.Equal(t, f.cust.ID, comments[0].AuthorID)

	list, err := f.store.ListTickets(context.Background(), repository.TicketFilter{})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestRunReplyHeadersWithoutSubjectTokenOpenNewTicket(t *testing.T) {
	f := newFixture(t)
	f.store.PutTicket(models.Ticket{
		TicketNumber:    "TK-2025-70001",
		Title:           "Printer issue",
		Status:          models.StatusOpen,
		Priority:        models.PriorityMedium,
		SupportLevel:    1,
		CreatedByID:     f.cust.ID,
		CreatedAt:       t0,
		SLADueDate:      t0.Add(72 * time.Hour),
		SourceMessageID: "orig@example.com",
	})
	f.box.deliver(`From: jane@example.com
Subject: Re: Printer issue
Message-ID: <r2@example.com>
In-Reply-To: <orig@example.com>
References: <orig@example.com>

Any update?`)

	sum, err := f.svc.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, Summary{Created: 1}, sum)

	list, err := f.store.ListTickets(context.Background(), repository.TicketFilter{})
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestRunAgentReplyByEmailRecordsFirstResponse(t *testing.T) {
	f := newFixture(t)
	tk := f.seedTicket()
	f.box.deliver(fmt.Sprintf("From: l2@example.com\nSubject: Ticket #%d\n\nPlease restart it.", tk.ID))

	_, err := f.svc.Run(context.Background(), Options{})
	require.NoError(t, err)

	got, err := f.store.GetTicket(context.Background(), tk.ID)
	require.NoError(t, err)
	require.NotNil(t, got.FirstResponseAt)
	assert.Equal(t, t0, *got.FirstResponseAt)
}

func TestRunUnresolvedReferenceCreatesTicket(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	f := newFixture(t)
	f.svc = NewService(connector.Account{Type: "imaps"}, NewTicketProcessor(f.tickets, WithTicketProcessorLogger(zap.New(core))),
		WithTransportFactory(connector.NewFactory(connector.WithTransport(f.box, "imaps"))))
	uid := f.box.deliver("From: jane@example.com\nSubject: RE: [TICKET-999] lost\n\nhello")

	sum, err := f.svc.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, Summary{Created: 1}, sum)
	assert.True(t, f.box.isSeen(uid))
	assert.Equal(t, 1, logs.FilterMessage("ticket reference not found, creating new ticket").Len())
}

func TestRunEmptySubjectUsesPlaceholder(t *testing.T) {
	f := newFixture(t)
	f.box.deliver("From: jane@example.com\nSubject: \n\nhello")

	_, err := f.svc.Run(context.Background(), Options{})
	require.NoError(t, err)
	list, err := f.store.ListTickets(context.Background(), repository.TicketFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, tickets.EmailSubjectPlaceholder, list[0].Title)
}

func TestRunIsolatesBadMessages(t *testing.T) {
	f := newFixture(t)
	bad := f.box.deliver("Subject: no sender at all\n\nbody")
	broken := f.box.deliver("From: a@example.com\nSubject: x\n\nbody")
	f.box.fetchErr[broken] = errors.New("BAD fetch")
	good := f.box.deliver("From: b@example.com\nSubject: fine\n\nbody")

	sum, err := f.svc.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, Summary{Created: 1, Errors: 2}, sum)
	assert.False(t, f.box.isSeen(bad))
	assert.False(t, f.box.isSeen(broken))
	assert.True(t, f.box.isSeen(good))
	assert.Equal(t, float64(2), metricValue(t, f.metrics, metrics.OutcomeError))
}

func TestRunIsIdempotentOnEmptyMailbox(t *testing.T) {
	f := newFixture(t)
	f.box.deliver("From: b@example.com\nSubject: once\n\nbody")

	first, err := f.svc.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Created)

	for i := 0; i < 2; i++ {
		again, err := f.svc.Run(context.Background(), Options{})
		require.NoError(t, err)
		assert.Equal(t, Summary{}, again)
	}
}

func TestRunDeduplicatesReplayedMessage(t *testing.T) {
	f := newFixture(t)
	raw := "From: b@example.com\nSubject: crash\nMessage-ID: <dup@example.com>\n\nbody"
	f.box.deliver(raw)
	_, err := f.svc.Run(context.Background(), Options{})
	require.NoError(t, err)

	// Same message delivered again, as after a crash before marking.
	uid := f.box.deliver(raw)
	sum, err := f.svc.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, Summary{Duplicates: 1}, sum)
	assert.True(t, f.box.isSeen(uid))

	list, err := f.store.ListTickets(context.Background(), repository.TicketFilter{})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestRunDryRunWritesNothing(t *testing.T) {
	f := newFixture(t)
	tk := f.seedTicket()
	a := f.box.deliver("From: new@example.com\nSubject: new thing\n\nbody")
	b := f.box.deliver(fmt.Sprintf("From: jane@example.com\nSubject: [TICKET-%d]\n\nreply", tk.ID))

	for i := 0; i < 2; i++ {
		sum, err := f.svc.Run(context.Background(), Options{DryRun: true})
		require.NoError(t, err)
		assert.Equal(t, Summary{Created: 1, Updated: 1}, sum)
	}
	assert.False(t, f.box.isSeen(a))
	assert.False(t, f.box.isSeen(b))
	ticketCount, commentCount, userCount := f.store.Counts()
	assert.Equal(t, 1, ticketCount)
	assert.Equal(t, 0, commentCount)
	assert.Equal(t, 4, userCount)
	assert.Empty(t, f.out.sent)
}

func TestRunLimitAndFolder(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.box.deliver(fmt.Sprintf("From: c%d@example.com\nSubject: s%d\n\nbody", i, i))
	}
	sum, err := f.svc.Run(context.Background(), Options{Limit: 2, Folder: "Support"})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Created)
	assert.False(t, f.box.isSeen("3"))
}

func TestRunTransportFailureAborts(t *testing.T) {
	f := newFixture(t)
	f.box.connectErr = errors.New("authentication failed")
	f.box.deliver("From: b@example.com\nSubject: x\n\nbody")

	sum, err := f.svc.Run(context.Background(), Options{})
	var transport *apperrors.TransportError
	require.ErrorAs(t, err, &transport)
	assert.Equal(t, Summary{}, sum)
	ticketCount, _, _ := f.store.Counts()
	assert.Zero(t, ticketCount)
}

func TestRunRespectsLock(t *testing.T) {
	locker := runlock.NewMemory()
	f := newFixture(t, WithLocker(locker))
	lease, err := locker.Acquire(context.Background())
	require.NoError(t, err)

	_, err = f.svc.Run(context.Background(), Options{})
	require.ErrorIs(t, err, apperrors.ErrRunInProgress)
	assert.Zero(t, f.box.connects)

	_, err = f.svc.Run(context.Background(), Options{DryRun: true})
	require.NoError(t, err)

	require.NoError(t, lease.Release(context.Background()))
	_, err = f.svc.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, f.box.closes)
}

func TestCustomerInputSplitsDisplayName(t *testing.T) {
	in := customerInput("max@example.com", "Max  van Power")
	assert.Equal(t, "Max", in.FirstName)
	assert.Equal(t, "van Power", in.LastName)
	assert.Empty(t, customerInput("x@example.com", "").FirstName)
}

func metricValue(t *testing.T, m *metrics.Metrics, outcome string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() != "helpdesk_emails_processed_total" {
			continue
		}
		for _, metric := range fam.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "outcome" && label.GetValue() == outcome {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}
