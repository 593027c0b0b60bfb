package connector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/go-pop3"
	"go.uber.org/zap"

	"github.com/gotrs-io/helpdesk/internal/apperrors"
)

type pop3Connection interface {
	Auth(user, password string) error
	Quit() error
	Uidl(msgID int) ([]pop3.MessageID, error)
	RetrRaw(msgID int) (*bytes.Buffer, error)
	Dele(msgID ...int) error
}

type pop3ConnFactory func(Account, time.Duration) (pop3Connection, error)

// POP3Transport opens POP3/POP3S mailboxes. POP3 has no seen flag, so every
// message still on the server is unseen and MarkProcessed deletes it. The
// deletion is committed when the session is closed.
type POP3Transport struct {
	dialTimeout time.Duration
	now         func() time.Time
	logger      *zap.Logger
	newConn     pop3ConnFactory
}

// POP3Option customizes transport behavior.
type POP3Option func(*POP3Transport)

// NewPOP3Transport returns a POP3 transport with a 10s dial timeout.
func NewPOP3Transport(opts ...POP3Option) *POP3Transport {
	t := &POP3Transport{
		dialTimeout: 10 * time.Second,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      zap.NewNop(),
	}
	t.newConn = defaultPOP3Conn
	for _, opt := range opts {
		opt(t)
	}
	if t.newConn == nil {
		t.newConn = defaultPOP3Conn
	}
	return t
}

// WithPOP3Logger overrides the logger used for connector diagnostics.
func WithPOP3Logger(logger *zap.Logger) POP3Option {
	return func(t *POP3Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithPOP3DialTimeout overrides the socket dial timeout.
func WithPOP3DialTimeout(timeout time.Duration) POP3Option {
	return func(t *POP3Transport) {
		if timeout > 0 {
			t.dialTimeout = timeout
		}
	}
}

// WithPOP3Clock overrides the wall clock, primarily for tests.
func WithPOP3Clock(now func() time.Time) POP3Option {
	return func(t *POP3Transport) {
		if now != nil {
			t.now = now
		}
	}
}

func withPOP3ConnFactory(factory pop3ConnFactory) POP3Option {
	return func(t *POP3Transport) {
		t.newConn = factory
	}
}

// Name returns the connector identifier.
func (t *POP3Transport) Name() string {
	return "pop3"
}

// Connect dials and authenticates. Every failure is reported as a TransportError.
func (t *POP3Transport) Connect(ctx context.Context, account Account) (Session, error) {
	if err := validatePOP3Account(account); err != nil {
		return nil, apperrors.NewTransportError("pop3 connect", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, apperrors.NewTransportError("pop3 connect", err)
	}
	timeout := t.dialTimeout
	if account.DialTimeout > 0 {
		timeout = account.DialTimeout
	}
	conn, err := t.newConn(account, timeout)
	if err != nil {
		return nil, apperrors.NewTransportError("pop3 connect", err)
	}
	if err := conn.Auth(account.Username, string(account.Password)); err != nil {
		if qerr := conn.Quit(); qerr != nil {
			t.logger.Warn("pop3 quit error", zap.Error(qerr))
		}
		return nil, apperrors.NewTransportError("pop3 auth", err)
	}
	return &pop3Session{conn: conn, transport: t}, nil
}

type pop3Session struct {
	conn      pop3Connection
	transport *POP3Transport
	ids       map[string]int
	closed    bool
}

func (s *pop3Session) Unseen(ctx context.Context, limit int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	msgs, err := s.conn.Uidl(0)
	if err != nil {
		return nil, apperrors.NewTransportError("pop3 uidl", err)
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })
	s.ids = make(map[string]int, len(msgs))
	out := make([]string, 0, len(msgs))
	for _, meta := range msgs {
		uid := meta.UID
		if uid == "" {
			uid = strconv.Itoa(meta.ID)
		}
		s.ids[uid] = meta.ID
		if limit > 0 && len(out) >= limit {
			continue
		}
		out = append(out, uid)
	}
	return out, nil
}

func (s *pop3Session) Fetch(ctx context.Context, uid string) (*RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id, err := s.lookup(uid)
	if err != nil {
		return nil, err
	}
	payload, err := s.conn.RetrRaw(id)
	if err != nil {
		return nil, fmt.Errorf("pop3 retr %d: %w", id, err)
	}
	raw := append([]byte(nil), payload.Bytes()...)
	return &RawMessage{
		UID:        uid,
		ReceivedAt: s.transport.now(),
		SizeBytes:  int64(len(raw)),
		Raw:        raw,
	}, nil
}

func (s *pop3Session) MarkProcessed(ctx context.Context, uid string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id, err := s.lookup(uid)
	if err != nil {
		return err
	}
	if err := s.conn.Dele(id); err != nil {
		return fmt.Errorf("pop3 delete %d: %w", id, err)
	}
	return nil
}

func (s *pop3Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.conn.Quit(); err != nil {
		return fmt.Errorf("pop3 quit: %w", err)
	}
	return nil
}

func (s *pop3Session) lookup(uid string) (int, error) {
	id, ok := s.ids[uid]
	if !ok {
		return 0, fmt.Errorf("pop3 message %q not listed in this session", uid)
	}
	return id, nil
}

func defaultPOP3Conn(account Account, timeout time.Duration) (pop3Connection, error) {
	if account.Host == "" {
		return nil, errors.New("pop3 account missing host")
	}
	port := account.Port
	if port == 0 {
		if usePOP3TLS(account.Type) {
			port = 995
		} else {
			port = 110
		}
	}
	client := pop3.New(pop3.Opt{
		Host:        account.Host,
		Port:        port,
		DialTimeout: timeout,
		TLSEnabled:  usePOP3TLS(account.Type),
	})
	return client.NewConn()
}

func validatePOP3Account(account Account) error {
	if account.Username == "" {
		return errors.New("pop3 account missing username")
	}
	if len(account.Password) == 0 {
		return errors.New("pop3 account missing password")
	}
	if !supportsPOP3(account.Type) {
		return fmt.Errorf("account type %s not supported by POP3 connector", account.Type)
	}
	return nil
}

func supportsPOP3(t string) bool {
	switch strings.ToLower(t) {
	case "pop3", "pop3s", "pop3_tls", "pop3s_tls":
		return true
	default:
		return false
	}
}

func usePOP3TLS(t string) bool {
	switch strings.ToLower(t) {
	case "pop3s", "pop3_tls", "pop3s_tls":
		return true
	default:
		return false
	}
}
