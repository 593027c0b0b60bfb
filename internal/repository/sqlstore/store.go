// Package sqlstore implements repository.Store on top of sqlx for
// PostgreSQL, MySQL and SQLite.
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/gotrs-io/helpdesk/internal/apperrors"
	"github.com/gotrs-io/helpdesk/internal/models"
	"github.com/gotrs-io/helpdesk/internal/repository"
)

//go:embed schema/*.sql
var schemaFS embed.FS

const ticketColumns = `id, ticket_number, title, description, status, priority, support_level,
	created_by, assigned_to, category_id, created_at, updated_at, sla_due_date, sla_breached,
	first_response_at, resolved_at, closed_at, created_from_email, email_from, source_message_id, version`

const userColumns = `id, email, username, first_name, last_name, role, support_level, is_active, created_at`

const commentColumns = `id, ticket_id, author_id, content, is_internal, email_message_id, created_at`

var _ repository.Store = (*Store)(nil)

// Store is a repository.Store backed by a SQL database.
type Store struct {
	db     *sqlx.DB
	d      dialect
	logger *zap.Logger
	now    func() time.Time
}

// Option customizes the store.
type Option func(*Store)

// WithLogger sets the logger used for transaction diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the timestamp source for lazily created users.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Open connects to the database and verifies it is reachable.
func Open(ctx context.Context, driver, dsn string, opts ...Option) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", driver, err)
	}
	s, err := New(db, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing connection pool.
func New(db *sqlx.DB, opts ...Option) (*Store, error) {
	d, err := dialectFor(db.DriverName())
	if err != nil {
		return nil, err
	}
	s := &Store{
		db:     db,
		d:      d,
		logger: zap.NewNop(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// DB exposes the pool for health checks.
func (s *Store) DB() *sqlx.DB { return s.db }

// Close releases the pool.
func (s *Store) Close() error { return s.db.Close() }

// Migrate creates missing tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	raw, err := schemaFS.ReadFile(s.d.schema)
	if err != nil {
		return fmt.Errorf("read schema: %w", err)
	}
	for _, stmt := range splitStatements(string(raw)) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", firstLine(stmt), err)
		}
	}
	s.logger.Info("schema migrated", zap.String("dialect", s.d.name))
	return nil
}

// WithinTx runs fn in a database transaction and commits when it returns nil.
func (s *Store) WithinTx(ctx context.Context, fn func(tx repository.Tx) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.logger.Warn("rollback failed", zap.Error(rbErr))
			}
		}
	}()

	if err = fn(&sqlTx{queries: queries{q: tx, d: s.d}, now: s.now}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *Store) reader() queries { return queries{q: s.db, d: s.d} }

func (s *Store) GetTicket(ctx context.Context, id int64) (*models.Ticket, error) {
	return s.reader().GetTicket(ctx, id)
}

func (s *Store) GetTicketByNumber(ctx context.Context, number string) (*models.Ticket, error) {
	return s.reader().GetTicketByNumber(ctx, number)
}

func (s *Store) GetUser(ctx context.Context, id int64) (*models.User, error) {
	return s.reader().GetUser(ctx, id)
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.reader().GetUserByEmail(ctx, email)
}

func (s *Store) GetCategory(ctx context.Context, id int64) (*models.Category, error) {
	return s.reader().GetCategory(ctx, id)
}

func (s *Store) FindTicketBySourceMessageID(ctx context.Context, messageID string) (*models.Ticket, error) {
	return s.reader().FindTicketBySourceMessageID(ctx, messageID)
}

func (s *Store) FindCommentByMessageID(ctx context.Context, messageID string) (*models.TicketComment, error) {
	return s.reader().FindCommentByMessageID(ctx, messageID)
}

func (s *Store) TicketNumberExists(ctx context.Context, number string) (bool, error) {
	return s.reader().TicketNumberExists(ctx, number)
}

func (s *Store) ListComments(ctx context.Context, ticketID int64, includeInternal bool) ([]models.TicketComment, error) {
	return s.reader().ListComments(ctx, ticketID, includeInternal)
}

func (s *Store) ListAgents(ctx context.Context, filter repository.AgentFilter) ([]models.User, error) {
	return s.reader().ListAgents(ctx, filter)
}

func (s *Store) ListTickets(ctx context.Context, filter repository.TicketFilter) ([]models.Ticket, error) {
	return s.reader().ListTickets(ctx, filter)
}

// queries implements repository.Reader against a pool or a transaction.
type queries struct {
	q sqlx.ExtContext
	d dialect
}

func (r queries) get(ctx context.Context, dest any, what string, query string, args ...any) error {
	err := sqlx.GetContext(ctx, r.q, dest, r.q.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, apperrors.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	return nil
}

func (r queries) GetTicket(ctx context.Context, id int64) (*models.Ticket, error) {
	var t models.Ticket
	if err := r.get(ctx, &t, fmt.Sprintf("ticket %d", id),
		`SELECT `+ticketColumns+` FROM tickets WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &t, nil
}

func (r queries) GetTicketByNumber(ctx context.Context, number string) (*models.Ticket, error) {
	var t models.Ticket
	if err := r.get(ctx, &t, "ticket "+number,
		`SELECT `+ticketColumns+` FROM tickets WHERE ticket_number = ?`, number); err != nil {
		return nil, err
	}
	return &t, nil
}

func (r queries) GetUser(ctx context.Context, id int64) (*models.User, error) {
	var u models.User
	if err := r.get(ctx, &u, fmt.Sprintf("user %d", id),
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &u, nil
}

func (r queries) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	email = models.NormalizeEmail(email)
	var u models.User
	if err := r.get(ctx, &u, "user "+email,
		`SELECT `+userColumns+` FROM users WHERE email = ?`, email); err != nil {
		return nil, err
	}
	return &u, nil
}

func (r queries) GetCategory(ctx context.Context, id int64) (*models.Category, error) {
	var c models.Category
	if err := r.get(ctx, &c, fmt.Sprintf("category %d", id),
		`SELECT id, name FROM categories WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r queries) FindTicketBySourceMessageID(ctx context.Context, messageID string) (*models.Ticket, error) {
	if messageID == "" {
		return nil, fmt.Errorf("empty message id: %w", apperrors.ErrNotFound)
	}
	var t models.Ticket
	if err := r.get(ctx, &t, "ticket with message "+messageID,
		`SELECT `+ticketColumns+` FROM tickets WHERE source_message_id = ? ORDER BY id LIMIT 1`, messageID); err != nil {
		return nil, err
	}
	return &t, nil
}

func (r queries) FindCommentByMessageID(ctx context.Context, messageID string) (*models.TicketComment, error) {
	if messageID == "" {
		return nil, fmt.Errorf("empty message id: %w", apperrors.ErrNotFound)
	}
	var c models.TicketComment
	if err := r.get(ctx, &c, "comment with message "+messageID,
		`SELECT `+commentColumns+` FROM ticket_comments WHERE email_message_id = ? ORDER BY id LIMIT 1`, messageID); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r queries) TicketNumberExists(ctx context.Context, number string) (bool, error) {
	var n int
	if err := sqlx.GetContext(ctx, r.q, &n, r.q.Rebind(`SELECT COUNT(*) FROM tickets WHERE ticket_number = ?`), number); err != nil {
		return false, fmt.Errorf("check ticket number: %w", err)
	}
	return n > 0, nil
}

func (r queries) ListComments(ctx context.Context, ticketID int64, includeInternal bool) ([]models.TicketComment, error) {
	query := `SELECT ` + commentColumns + ` FROM ticket_comments WHERE ticket_id = ?`
	if !includeInternal {
		query += ` AND is_internal = ?`
	}
	query += ` ORDER BY created_at, id`
	args := []any{ticketID}
	if !includeInternal {
		args = append(args, false)
	}
	var out []models.TicketComment
	if err := sqlx.SelectContext(ctx, r.q, &out, r.q.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list comments for ticket %d: %w", ticketID, err)
	}
	return out, nil
}

func (r queries) ListAgents(ctx context.Context, filter repository.AgentFilter) ([]models.User, error) {
	roles := filter.Roles
	if len(roles) == 0 {
		roles = []models.Role{models.RoleSupportAgent}
	}
	query := `SELECT ` + userColumns + ` FROM users WHERE role IN (?)`
	args := []any{roles}
	if filter.ActiveOnly {
		query += ` AND is_active = ?`
		args = append(args, true)
	}
	if filter.ExcludeID != 0 {
		query += ` AND id <> ?`
		args = append(args, filter.ExcludeID)
	}
	if len(filter.Levels) > 0 {
		query += ` AND support_level IN (?)`
		args = append(args, filter.Levels)
	}
	query += ` ORDER BY id`
	expanded, expandedArgs, err := sqlx.In(query, args...)
	if err != nil {
		return nil, fmt.Errorf("build agent query: %w", err)
	}
	var out []models.User
	if err := sqlx.SelectContext(ctx, r.q, &out, r.q.Rebind(expanded), expandedArgs...); err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	return out, nil
}

func (r queries) ListTickets(ctx context.Context, filter repository.TicketFilter) ([]models.Ticket, error) {
	var (
		where []string
		args  []any
	)
	if len(filter.Statuses) > 0 {
		where = append(where, `status IN (?)`)
		args = append(args, filter.Statuses)
	}
	if filter.AssignedToID != nil {
		where = append(where, `assigned_to = ?`)
		args = append(args, *filter.AssignedToID)
	}
	query := `SELECT ` + ticketColumns + ` FROM tickets`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY sla_due_date, id`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}
	if len(args) > 0 {
		var err error
		query, args, err = sqlx.In(query, args...)
		if err != nil {
			return nil, fmt.Errorf("build ticket query: %w", err)
		}
	}
	var out []models.Ticket
	if err := sqlx.SelectContext(ctx, r.q, &out, r.q.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list tickets: %w", err)
	}
	return out, nil
}

type sqlTx struct {
	queries
	now func() time.Time
}

func (t *sqlTx) LockTicket(ctx context.Context, id int64) (*models.Ticket, error) {
	var tk models.Ticket
	if err := t.get(ctx, &tk, fmt.Sprintf("lock ticket %d", id),
		`SELECT `+ticketColumns+` FROM tickets WHERE id = ?`+t.d.lockSuffix, id); err != nil {
		return nil, err
	}
	return &tk, nil
}

func (t *sqlTx) CreateTicket(ctx context.Context, tk *models.Ticket) error {
	tk.Version = 1
	args := []any{
		tk.TicketNumber, tk.Title, tk.Description, tk.Status, tk.Priority, tk.SupportLevel,
		tk.CreatedByID, tk.AssignedToID, tk.CategoryID, tk.CreatedAt, tk.UpdatedAt, tk.SLADueDate, tk.SLABreached,
		tk.FirstResponseAt, tk.ResolvedAt, tk.ClosedAt, tk.CreatedFromEmail, tk.EmailFrom, tk.SourceMessageID, tk.Version,
	}
	query := `INSERT INTO tickets (ticket_number, title, description, status, priority, support_level,
		created_by, assigned_to, category_id, created_at, updated_at, sla_due_date, sla_breached,
		first_response_at, resolved_at, closed_at, created_from_email, email_from, source_message_id, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	id, err := t.insert(ctx, query, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("ticket number %s: %w", tk.TicketNumber, apperrors.ErrConflict)
		}
		return fmt.Errorf("insert ticket: %w", err)
	}
	tk.ID = id
	return nil
}

func (t *sqlTx) UpdateTicket(ctx context.Context, tk *models.Ticket) error {
	res, err := t.q.ExecContext(ctx, t.q.Rebind(`UPDATE tickets SET
		title = ?, description = ?, status = ?, priority = ?, support_level = ?, assigned_to = ?,
		category_id = ?, updated_at = ?, sla_breached = ?, first_response_at = ?, resolved_at = ?,
		closed_at = ?, version = version + 1
		WHERE id = ? AND version = ?`),
		tk.Title, tk.Description, tk.Status, tk.Priority, tk.SupportLevel, tk.AssignedToID,
		tk.CategoryID, tk.UpdatedAt, tk.SLABreached, tk.FirstResponseAt, tk.ResolvedAt,
		tk.ClosedAt, tk.ID, tk.Version)
	if err != nil {
		return fmt.Errorf("update ticket %d: %w", tk.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update ticket %d: %w", tk.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("ticket %d version %d: %w", tk.ID, tk.Version, apperrors.ErrConflict)
	}
	tk.Version++
	return nil
}

func (t *sqlTx) AddComment(ctx context.Context, c *models.TicketComment) error {
	id, err := t.insert(ctx, `INSERT INTO ticket_comments (ticket_id, author_id, content, is_internal, email_message_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`, c.TicketID, c.AuthorID, c.Content, c.IsInternal, c.EmailMessageID, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert comment on ticket %d: %w", c.TicketID, err)
	}
	c.ID = id
	return nil
}

func (t *sqlTx) UpsertCustomer(ctx context.Context, in repository.CustomerInput) (*models.User, bool, error) {
	email := models.NormalizeEmail(in.Email)
	if email == "" {
		return nil, false, apperrors.NewValidationError("customer email is required", nil)
	}
	res, err := t.q.ExecContext(ctx, t.q.Rebind(t.d.insertIgnore+` users
		(email, username, first_name, last_name, role, support_level, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`+t.d.onConflictIgnore),
		email, repository.CustomerUsername(email), strings.TrimSpace(in.FirstName), strings.TrimSpace(in.LastName),
		models.RoleCustomer, models.LevelOne, true, t.now())
	if err != nil {
		return nil, false, fmt.Errorf("upsert customer %s: %w", email, err)
	}
	created := false
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		created = true
	}
	u, err := t.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, false, err
	}
	return u, created, nil
}

func (t *sqlTx) UpsertCategory(ctx context.Context, name string) (*models.Category, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperrors.NewValidationError("category name is required", nil)
	}
	var c models.Category
	err := t.get(ctx, &c, "category "+name, `SELECT id, name FROM categories WHERE LOWER(name) = LOWER(?)`, name)
	if err == nil {
		return &c, nil
	}
	if !errors.Is(err, apperrors.ErrNotFound) {
		return nil, err
	}
	if _, err := t.q.ExecContext(ctx, t.q.Rebind(t.d.insertIgnore+` categories (name) VALUES (?)`+t.d.onConflictIgnore), name); err != nil {
		return nil, fmt.Errorf("upsert category %s: %w", name, err)
	}
	if err := t.get(ctx, &c, "category "+name, `SELECT id, name FROM categories WHERE LOWER(name) = LOWER(?)`, name); err != nil {
		return nil, err
	}
	return &c, nil
}

func (t *sqlTx) insert(ctx context.Context, query string, args ...any) (int64, error) {
	if t.d.returningID {
		var id int64
		if err := sqlx.GetContext(ctx, t.q, &id, t.q.Rebind(query+` RETURNING id`), args...); err != nil {
			return 0, err
		}
		return id, nil
	}
	res, err := t.q.ExecContext(ctx, t.q.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func splitStatements(script string) []string {
	var out []string
	for _, stmt := range strings.Split(script, ";") {
		if s := strings.TrimSpace(stmt); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func firstLine(stmt string) string {
	if i := strings.IndexByte(stmt, '\n'); i > 0 {
		return stmt[:i]
	}
	return stmt
}
