// Package memory provides an in-process repository.Store used by tests and
// the dry-run tooling. Transactions are serialized and copy-on-write.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gotrs-io/helpdesk/internal/apperrors"
	"github.com/gotrs-io/helpdesk/internal/models"
	"github.com/gotrs-io/helpdesk/internal/repository"
)

type state struct {
	tickets    map[int64]models.Ticket
	comments   []models.TicketComment
	users      map[int64]models.User
	categories map[int64]models.Category
	nextTicket int64
	nextCmt    int64
	nextUser   int64
	nextCat    int64
}

func (s *state) clone() *state {
	c := &state{
		tickets:    make(map[int64]models.Ticket, len(s.tickets)),
		comments:   append([]models.TicketComment(nil), s.comments...),
		users:      make(map[int64]models.User, len(s.users)),
		categories: make(map[int64]models.Category, len(s.categories)),
		nextTicket: s.nextTicket,
		nextCmt:    s.nextCmt,
		nextUser:   s.nextUser,
		nextCat:    s.nextCat,
	}
	for k, v := range s.tickets {
		c.tickets[k] = *v.Clone()
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.categories {
		c.categories[k] = v
	}
	return c
}

var _ repository.Store = (*Store)(nil)

// Store is a mutex guarded repository.Store.
type Store struct {
	mu  sync.RWMutex
	txm sync.Mutex
	st  *state
	now func() time.Time
}

// Option customizes the store.
type Option func(*Store)

// WithClock overrides the timestamp source for created_at on users.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore returns an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		st: &state{
			tickets:    map[int64]models.Ticket{},
			users:      map[int64]models.User{},
			categories: map[int64]models.Category{},
		},
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddUser seeds a user and returns it with its assigned ID.
func (s *Store) AddUser(u models.User) models.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == 0 {
		s.st.nextUser++
		u.ID = s.st.nextUser
	} else if u.ID > s.st.nextUser {
		s.st.nextUser = u.ID
	}
	u.Email = models.NormalizeEmail(u.Email)
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.now()
	}
	s.st.users[u.ID] = u
	return u
}

// PutTicket seeds a ticket verbatim, bypassing the state machine.
func (s *Store) PutTicket(t models.Ticket) models.Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == 0 {
		s.st.nextTicket++
		t.ID = s.st.nextTicket
	} else if t.ID > s.st.nextTicket {
		s.st.nextTicket = t.ID
	}
	if t.Version == 0 {
		t.Version = 1
	}
	s.st.tickets[t.ID] = *t.Clone()
	return t
}

// Counts reports the number of tickets, comments and users.
func (s *Store) Counts() (tickets, comments, users int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.st.tickets), len(s.st.comments), len(s.st.users)
}

// WithinTx runs fn against a private copy and publishes it on success.
func (s *Store) WithinTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	s.txm.Lock()
	defer s.txm.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	work := s.st.clone()
	s.mu.RUnlock()

	if err := fn(&tx{reader: reader{st: work}, now: s.now}); err != nil {
		return err
	}

	s.mu.Lock()
	s.st = work
	s.mu.Unlock()
	return nil
}

func (s *Store) GetTicket(ctx context.Context, id int64) (*models.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return reader{st: s.st}.GetTicket(ctx, id)
}

func (s *Store) GetTicketByNumber(ctx context.Context, number string) (*models.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return reader{st: s.st}.GetTicketByNumber(ctx, number)
}

func (s *Store) GetUser(ctx context.Context, id int64) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return reader{st: s.st}.GetUser(ctx, id)
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return reader{st: s.st}.GetUserByEmail(ctx, email)
}

func (s *Store) GetCategory(ctx context.Context, id int64) (*models.Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return reader{st: s.st}.GetCategory(ctx, id)
}

func (s *Store) FindTicketBySourceMessageID(ctx context.Context, messageID string) (*models.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return reader{st: s.st}.FindTicketBySourceMessageID(ctx, messageID)
}

func (s *Store) FindCommentByMessageID(ctx context.Context, messageID string) (*models.TicketComment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return reader{st: s.st}.FindCommentByMessageID(ctx, messageID)
}

func (s *Store) TicketNumberExists(ctx context.Context, number string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return reader{st: s.st}.TicketNumberExists(ctx, number)
}

func (s *Store) ListComments(ctx context.Context, ticketID int64, includeInternal bool) ([]models.TicketComment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return reader{st: s.st}.ListComments(ctx, ticketID, includeInternal)
}

func (s *Store) ListAgents(ctx context.Context, filter repository.AgentFilter) ([]models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return reader{st: s.st}.ListAgents(ctx, filter)
}

func (s *Store) ListTickets(ctx context.Context, filter repository.TicketFilter) ([]models.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return reader{st: s.st}.ListTickets(ctx, filter)
}

type reader struct {
	st *state
}

func (r reader) GetTicket(_ context.Context, id int64) (*models.Ticket, error) {
	t, ok := r.st.tickets[id]
	if !ok {
		return nil, fmt.Errorf("ticket %d: %w", id, apperrors.ErrNotFound)
	}
	return t.Clone(), nil
}

func (r reader) GetTicketByNumber(_ context.Context, number string) (*models.Ticket, error) {
	for _, t := range r.st.tickets {
		if t.TicketNumber == number {
			return t.Clone(), nil
		}
	}
	return nil, fmt.Errorf("ticket %s: %w", number, apperrors.ErrNotFound)
}

func (r reader) GetUser(_ context.Context, id int64) (*models.User, error) {
	u, ok := r.st.users[id]
	if !ok {
		return nil, fmt.Errorf("user %d: %w", id, apperrors.ErrNotFound)
	}
	return &u, nil
}

func (r reader) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	email = models.NormalizeEmail(email)
	for _, u := range r.st.users {
		if u.Email == email {
			u := u
			return &u, nil
		}
	}
	return nil, fmt.Errorf("user %s: %w", email, apperrors.ErrNotFound)
}

func (r reader) GetCategory(_ context.Context, id int64) (*models.Category, error) {
	c, ok := r.st.categories[id]
	if !ok {
		return nil, fmt.Errorf("category %d: %w", id, apperrors.ErrNotFound)
	}
	return &c, nil
}

func (r reader) FindTicketBySourceMessageID(_ context.Context, messageID string) (*models.Ticket, error) {
	if messageID != "" {
		for _, t := range r.st.tickets {
			if t.SourceMessageID == messageID {
				return t.Clone(), nil
			}
		}
	}
	return nil, fmt.Errorf("ticket with message %q: %w", messageID, apperrors.ErrNotFound)
}

func (r reader) FindCommentByMessageID(_ context.Context, messageID string) (*models.TicketComment, error) {
	if messageID != "" {
		for _, c := range r.st.comments {
			if c.EmailMessageID == messageID {
				c := c
				return &c, nil
			}
		}
	}
	return nil, fmt.Errorf("comment with message %q: %w", messageID, apperrors.ErrNotFound)
}

func (r reader) TicketNumberExists(_ context.Context, number string) (bool, error) {
	for _, t := range r.st.tickets {
		if t.TicketNumber == number {
			return true, nil
		}
	}
	return false, nil
}

func (r reader) ListComments(_ context.Context, ticketID int64, includeInternal bool) ([]models.TicketComment, error) {
	var out []models.TicketComment
	for _, c := range r.st.comments {
		if c.TicketID != ticketID {
			continue
		}
		if c.IsInternal && !includeInternal {
			continue
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r reader) ListAgents(_ context.Context, filter repository.AgentFilter) ([]models.User, error) {
	var out []models.User
	for _, u := range r.st.users {
		if repository.MatchesAgent(u, filter) {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r reader) ListTickets(_ context.Context, filter repository.TicketFilter) ([]models.Ticket, error) {
	var out []models.Ticket
	for _, t := range r.st.tickets {
		if len(filter.Statuses) > 0 && !hasStatus(filter.Statuses, t.Status) {
			continue
		}
		if filter.AssignedToID != nil && !t.IsAssignedTo(*filter.AssignedToID) {
			continue
		}
		out = append(out, *t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SLADueDate.Before(out[j].SLADueDate) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func hasStatus(statuses []models.Status, s models.Status) bool {
	for _, v := range statuses {
		if v == s {
			return true
		}
	}
	return false
}

type tx struct {
	reader
	now func() time.Time
}

func (t *tx) LockTicket(ctx context.Context, id int64) (*models.Ticket, error) {
	return t.GetTicket(ctx, id)
}

func (t *tx) CreateTicket(_ context.Context, tk *models.Ticket) error {
	for _, existing := range t.st.tickets {
		if existing.TicketNumber == tk.TicketNumber {
			return fmt.Errorf("ticket number %s: %w", tk.TicketNumber, apperrors.ErrConflict)
		}
	}
	t.st.nextTicket++
	tk.ID = t.st.nextTicket
	tk.Version = 1
	t.st.tickets[tk.ID] = *tk.Clone()
	return nil
}

func (t *tx) UpdateTicket(_ context.Context, tk *models.Ticket) error {
	cur, ok := t.st.tickets[tk.ID]
	if !ok {
		return fmt.Errorf("ticket %d: %w", tk.ID, apperrors.ErrNotFound)
	}
	if cur.Version != tk.Version {
		return fmt.Errorf("ticket %d version %d: %w", tk.ID, tk.Version, apperrors.ErrConflict)
	}
	tk.Version++
	t.st.tickets[tk.ID] = *tk.Clone()
	return nil
}

func (t *tx) AddComment(_ context.Context, c *models.TicketComment) error {
	if _, ok := t.st.tickets[c.TicketID]; !ok {
		return fmt.Errorf("ticket %d: %w", c.TicketID, apperrors.ErrNotFound)
	}
	t.st.nextCmt++
	c.ID = t.st.nextCmt
	t.st.comments = append(t.st.comments, *c)
	return nil
}

func (t *tx) UpsertCustomer(ctx context.Context, in repository.CustomerInput) (*models.User, bool, error) {
	email := models.NormalizeEmail(in.Email)
	if email == "" {
		return nil, false, apperrors.NewValidationError("customer email is required", nil)
	}
	if u, err := t.GetUserByEmail(ctx, email); err == nil {
		return u, false, nil
	}
	t.st.nextUser++
	u := models.User{
		ID:           t.st.nextUser,
		Email:        email,
		Username:     repository.CustomerUsername(email),
		FirstName:    strings.TrimSpace(in.FirstName),
		LastName:     strings.TrimSpace(in.LastName),
		Role:         models.RoleCustomer,
		SupportLevel: models.LevelOne,
		IsActive:     true,
		CreatedAt:    t.now(),
	}
	t.st.users[u.ID] = u
	return &u, true, nil
}

func (t *tx) UpsertCategory(_ context.Context, name string) (*models.Category, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperrors.NewValidationError("category name is required", nil)
	}
	for _, c := range t.st.categories {
		if strings.EqualFold(c.Name, name) {
			c := c
			return &c, nil
		}
	}
	t.st.nextCat++
	c := models.Category{ID: t.st.nextCat, Name: name}
	t.st.categories[c.ID] = c
	return &c, nil
}
