package connector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"go.uber.org/zap"

	"github.com/gotrs-io/helpdesk/internal/apperrors"
)

type imapClient interface {
	Login(username, password string) commandWaiter
	Logout() commandWaiter
	Close() error
	Select(mailbox string, options *imap.SelectOptions) selectWaiter
	UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter
	Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter
	Store(numSet imap.NumSet, store *imap.StoreFlags, options *imap.StoreOptions) fetchWaiter
}

type commandWaiter interface{ Wait() error }
type selectWaiter interface {
	Wait() (*imap.SelectData, error)
}
type searchWaiter interface {
	Wait() (*imap.SearchData, error)
}
type fetchWaiter interface {
	Collect() ([]*imapclient.FetchMessageBuffer, error)
	Close() error
}

// IMAPTransport opens IMAP/IMAPS mailboxes. Messages are fetched with
// BODY.PEEK so only MarkProcessed sets \Seen.
type IMAPTransport struct {
	dialTimeout time.Duration
	now         func() time.Time
	logger      *zap.Logger
	newClient   func(Account, time.Duration) (imapClient, error)
}

// IMAPOption customizes transport behavior.
type IMAPOption func(*IMAPTransport)

// NewIMAPTransport returns an IMAP transport with a 10s dial timeout.
func NewIMAPTransport(opts ...IMAPOption) *IMAPTransport {
	t := &IMAPTransport{
		dialTimeout: 10 * time.Second,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      zap.NewNop(),
	}
	t.newClient = defaultIMAPClient
	for _, opt := range opts {
		opt(t)
	}
	if t.newClient == nil {
		t.newClient = defaultIMAPClient
	}
	return t
}

// WithIMAPLogger overrides the logger used for connector diagnostics.
func WithIMAPLogger(logger *zap.Logger) IMAPOption {
	return func(t *IMAPTransport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithIMAPDialTimeout overrides the socket dial timeout.
func WithIMAPDialTimeout(timeout time.Duration) IMAPOption {
	return func(t *IMAPTransport) {
		if timeout > 0 {
			t.dialTimeout = timeout
		}
	}
}

// WithIMAPClock overrides the wall clock, primarily for tests.
func WithIMAPClock(now func() time.Time) IMAPOption {
	return func(t *IMAPTransport) {
		if now != nil {
			t.now = now
		}
	}
}

func withIMAPClientFactory(factory func(Account, time.Duration) (imapClient, error)) IMAPOption {
	return func(t *IMAPTransport) {
		t.newClient = factory
	}
}

// Name returns the connector identifier.
func (t *IMAPTransport) Name() string {
	return "imap"
}

// Connect dials, authenticates and selects the account folder. Every failure
// is reported as a TransportError.
func (t *IMAPTransport) Connect(ctx context.Context, account Account) (Session, error) {
	if err := validateIMAPAccount(account); err != nil {
		return nil, apperrors.NewTransportError("imap connect", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, apperrors.NewTransportError("imap connect", err)
	}

	timeout := t.dialTimeout
	if account.DialTimeout > 0 {
		timeout = account.DialTimeout
	}
	client, err := t.newClient(account, timeout)
	if err != nil {
		return nil, apperrors.NewTransportError("imap connect", err)
	}

	if err := client.Login(account.Username, string(account.Password)).Wait(); err != nil {
		t.safeClose(client)
		return nil, apperrors.NewTransportError("imap auth", err)
	}

	mailbox := account.Folder
	if mailbox == "" {
		mailbox = "INBOX"
	}
	if _, err := client.Select(mailbox, nil).Wait(); err != nil {
		t.safeClose(client)
		return nil, apperrors.NewTransportError("imap select "+mailbox, err)
	}

	t.logger.Debug("imap session opened",
		zap.String("host", account.Host),
		zap.String("folder", mailbox))
	return &imapSession{client: client, folder: mailbox, transport: t}, nil
}

func (t *IMAPTransport) safeClose(client imapClient) {
	if client == nil {
		return
	}
	if err := client.Close(); err != nil {
		t.logger.Warn("imap close error", zap.Error(err))
	}
}

type imapSession struct {
	client    imapClient
	folder    string
	transport *IMAPTransport
	closed    bool
}

func (s *imapSession) Unseen(ctx context.Context, limit int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	criteria := &imap.SearchCriteria{NotFlag: []imap.Flag{imap.FlagSeen}}
	data, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, apperrors.NewTransportError("imap search", err)
	}
	uids := data.AllUIDs()
	slices.Sort(uids)
	if limit > 0 && len(uids) > limit {
		uids = uids[:limit]
	}
	out := make([]string, 0, len(uids))
	for _, uid := range uids {
		out = append(out, strconv.FormatUint(uint64(uid), 10))
	}
	return out, nil
}

func (s *imapSession) Fetch(ctx context.Context, uid string) (*RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id, err := parseUID(uid)
	if err != nil {
		return nil, err
	}
	opts := &imap.FetchOptions{
		UID:          true,
		InternalDate: true,
		RFC822Size:   true,
		BodySection:  []*imap.FetchItemBodySection{{Peek: true}},
	}
	bufs, err := s.client.Fetch(imap.UIDSetNum(id), opts).Collect()
	if err != nil {
		return nil, fmt.Errorf("imap fetch %s: %w", uid, err)
	}
	for _, buf := range bufs {
		if buf.UID != id {
			continue
		}
		body := firstBodySection(buf)
		if body == nil {
			return nil, fmt.Errorf("imap fetch %s: empty body", uid)
		}
		received := buf.InternalDate
		if received.IsZero() {
			received = s.transport.now()
		}
		return &RawMessage{
			UID:        uid,
			ReceivedAt: received,
			SizeBytes:  int64(len(body)),
			Raw:        append([]byte(nil), body...),
		}, nil
	}
	return nil, fmt.Errorf("imap fetch %s: message not found", uid)
}

func (s *imapSession) MarkProcessed(ctx context.Context, uid string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id, err := parseUID(uid)
	if err != nil {
		return err
	}
	store := &imap.StoreFlags{Op: imap.StoreFlagsAdd, Silent: true, Flags: []imap.Flag{imap.FlagSeen}}
	if err := s.client.Store(imap.UIDSetNum(id), store, nil).Close(); err != nil {
		return fmt.Errorf("imap store seen %s: %w", uid, err)
	}
	return nil
}

func (s *imapSession) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	logoutErr := s.client.Logout().Wait()
	s.transport.safeClose(s.client)
	if logoutErr != nil {
		return fmt.Errorf("imap logout: %w", logoutErr)
	}
	return nil
}

func firstBodySection(buf *imapclient.FetchMessageBuffer) []byte {
	for _, section := range buf.BodySection {
		if section.Bytes != nil {
			return section.Bytes
		}
	}
	return nil
}

func parseUID(uid string) (imap.UID, error) {
	n, err := strconv.ParseUint(uid, 10, 32)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid imap uid %q", uid)
	}
	return imap.UID(n), nil
}

func defaultIMAPClient(account Account, timeout time.Duration) (imapClient, error) {
	if account.Host == "" {
		return nil, errors.New("imap account missing host")
	}
	port := account.Port
	if port == 0 {
		if useIMAPTLS(account.Type) {
			port = 993
		} else {
			port = 143
		}
	}
	opts := &imapclient.Options{Dialer: &net.Dialer{Timeout: timeout}}
	addr := net.JoinHostPort(account.Host, strconv.Itoa(port))
	var (
		client *imapclient.Client
		err    error
	)
	if useIMAPTLS(account.Type) {
		client, err = imapclient.DialTLS(addr, opts)
	} else {
		client, err = imapclient.DialStartTLS(addr, opts)
	}
	if err != nil {
		return nil, err
	}
	return &imapClientWrapper{Client: client}, nil
}

type imapClientWrapper struct{ *imapclient.Client }

func (w *imapClientWrapper) Login(username, password string) commandWaiter {
	return w.Client.Login(username, password)
}
func (w *imapClientWrapper) Logout() commandWaiter { return w.Client.Logout() }
func (w *imapClientWrapper) Select(mailbox string, options *imap.SelectOptions) selectWaiter {
	return w.Client.Select(mailbox, options)
}
func (w *imapClientWrapper) UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter {
	return w.Client.UIDSearch(criteria, options)
}
func (w *imapClientWrapper) Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter {
	return w.Client.Fetch(numSet, options)
}
func (w *imapClientWrapper) Store(numSet imap.NumSet, store *imap.StoreFlags, options *imap.StoreOptions) fetchWaiter {
	return w.Client.Store(numSet, store, options)
}

func validateIMAPAccount(account Account) error {
	if account.Username == "" {
		return errors.New("imap account missing username")
	}
	if len(account.Password) == 0 {
		return errors.New("imap account missing password")
	}
	if !supportsIMAP(account.Type) {
		return fmt.Errorf("account type %s not supported by IMAP connector", account.Type)
	}
	return nil
}

func supportsIMAP(t string) bool {
	switch strings.ToLower(t) {
	case "imap", "imaps", "imap_tls", "imaps_tls", "imaptls":
		return true
	default:
		return false
	}
}

func useIMAPTLS(t string) bool {
	switch strings.ToLower(t) {
	case "imaps", "imap_tls", "imaps_tls", "imaptls":
		return true
	default:
		return false
	}
}
