// Package postmaster runs one ingestion pass over the support mailbox:
// fetch unseen mail, parse it, classify it and hand it to the ticket state
// machine. Delivery is at-least-once; a message is marked processed only
// after its ticket or comment is written, and Message-ID dedup absorbs the
// replays that follow a crash between the two.
package postmaster

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/gotrs-io/helpdesk/internal/apperrors"
	"github.com/gotrs-io/helpdesk/internal/email/inbound/connector"
	"github.com/gotrs-io/helpdesk/internal/email/inbound/filters"
	"github.com/gotrs-io/helpdesk/internal/email/inbound/parser"
	"github.com/gotrs-io/helpdesk/internal/metrics"
	"github.com/gotrs-io/helpdesk/internal/runlock"
)

// Options control a single run.
type Options struct {
	// Limit caps how many unseen messages are handled; zero means all.
	Limit int
	// Folder overrides the configured mailbox folder.
	Folder string
	// DryRun performs every step except persistence writes and marking
	// messages processed. It also skips the run lock.
	DryRun bool
}

// Summary counts per-message outcomes.
type Summary struct {
	Created    int
	Updated    int
	Duplicates int
	Errors     int
}

// Total returns the number of messages the run looked at.
func (s Summary) Total() int {
	return s.Created + s.Updated + s.Duplicates + s.Errors
}

// Service wires the transport, parser, filters and ticket processor together.
type Service struct {
	account    connector.Account
	transports connector.Factory
	parser     *parser.Parser
	chain      filters.Chain
	handler    Processor
	locker     runlock.Locker
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// Option customizes Service.
type Option func(*Service)

// WithTransportFactory overrides how the mailbox transport is resolved.
func WithTransportFactory(f connector.Factory) Option {
	return func(s *Service) {
		if f != nil {
			s.transports = f
		}
	}
}

// WithParser overrides the message parser.
func WithParser(p *parser.Parser) Option {
	return func(s *Service) {
		if p != nil {
			s.parser = p
		}
	}
}

// WithFilterChain replaces the default classification chain.
func WithFilterChain(chain filters.Chain) Option {
	return func(s *Service) { s.chain = chain }
}

// WithLocker sets the run exclusion lock.
func WithLocker(l runlock.Locker) Option {
	return func(s *Service) {
		if l != nil {
			s.locker = l
		}
	}
}

// WithMetrics records run and message outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewService builds an ingestion service for account.
func NewService(account connector.Account, handler Processor, opts ...Option) *Service {
	s := &Service{
		account:    account,
		transports: connector.DefaultFactory(),
		handler:    handler,
		locker:     runlock.NewMemory(),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.parser == nil {
		s.parser = parser.New(parser.WithLogger(s.logger))
	}
	if s.chain.Len() == 0 {
		s.chain = filters.NewChain(filters.NewSubjectReferenceFilter(s.logger))
	}
	return s
}

// Run performs one ingestion pass. Transport failures abort the run and are
// returned; per-message failures are logged and counted in Summary.Errors.
// Another run holding the lock yields apperrors.ErrRunInProgress.
func (s *Service) Run(ctx context.Context, opts Options) (Summary, error) {
	started := time.Now()
	summary, err := s.run(ctx, opts)
	switch {
	case errors.Is(err, apperrors.ErrRunInProgress):
		s.metrics.IngestRun(metrics.ResultLocked, time.Since(started))
	case err != nil:
		s.metrics.IngestRun(metrics.ResultFailed, time.Since(started))
	default:
		s.metrics.IngestRun(metrics.ResultOK, time.Since(started))
	}
	return summary, err
}

func (s *Service) run(ctx context.Context, opts Options) (Summary, error) {
	var summary Summary

	if !opts.DryRun {
		lease, err := s.locker.Acquire(ctx)
		if err != nil {
			return summary, err
		}
		defer func() {
			if rerr := lease.Release(context.WithoutCancel(ctx)); rerr != nil {
				s.logger.Warn("failed to release run lock", zap.Error(rerr))
			}
		}()
	}

	account := s.account
	if opts.Folder != "" {
		account.Folder = opts.Folder
	}
	transport, err := s.transports.TransportFor(account)
	if err != nil {
		return summary, apperrors.NewTransportError("resolve", err)
	}
	session, err := transport.Connect(ctx, account)
	if err != nil {
		return summary, err
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			s.logger.Warn("failed to close mailbox session", zap.Error(cerr))
		}
	}()

	uids, err := session.Unseen(ctx, opts.Limit)
	if err != nil {
		return summary, err
	}
	log := s.logger.With(zap.String("folder", account.Folder), zap.Bool("dry_run", opts.DryRun))
	if len(uids) == 0 {
		log.Debug("no unseen messages")
		return summary, nil
	}
	log.Info("processing unseen messages", zap.Int("count", len(uids)))

	for _, uid := range uids {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		res, err := s.processOne(ctx, session, uid, opts.DryRun)
		if err != nil {
			summary.Errors++
			s.metrics.EmailProcessed(metrics.OutcomeError)
			log.Error("failed to process message", zap.String("uid", uid), zap.Error(err))
			continue
		}
		switch res.Action {
		case ActionNewTicket:
			summary.Created++
			s.metrics.EmailProcessed(metrics.OutcomeCreated)
		case ActionFollowUp:
			summary.Updated++
			s.metrics.EmailProcessed(metrics.OutcomeUpdated)
		case ActionDuplicate:
			summary.Duplicates++
			s.metrics.EmailProcessed(metrics.OutcomeDuplicate)
		}
	}

	log.Info("email processing completed",
		zap.Int("created", summary.Created),
		zap.Int("updated", summary.Updated),
		zap.Int("duplicates", summary.Duplicates),
		zap.Int("errors", summary.Errors))
	return summary, nil
}

// processOne handles a single message. The message is marked processed only
// when the handler succeeded and this is not a dry run.
func (s *Service) processOne(ctx context.Context, session connector.Session, uid string, dryRun bool) (Result, error) {
	raw, err := session.Fetch(ctx, uid)
	if err != nil {
		return Result{}, err
	}
	env, err := s.parser.Parse(raw.Raw, raw.ReceivedAt)
	if err != nil {
		return Result{}, err
	}
	meta := &filters.MessageContext{Message: raw, Envelope: env, Annotations: map[string]any{}}
	if err := s.chain.Run(ctx, meta); err != nil {
		return Result{}, err
	}
	res, err := s.handler.Process(ctx, meta, dryRun)
	if err != nil {
		return Result{}, err
	}
	if dryRun {
		s.logger.Info("dry run: would process message",
			zap.String("uid", uid),
			zap.String("action", res.Action),
			zap.Int64("ticket_id", res.TicketID),
			zap.String("sender", env.From))
		return res, nil
	}
	if err := session.MarkProcessed(ctx, uid); err != nil {
		s.logger.Warn("message handled but not marked processed",
			zap.String("uid", uid),
			zap.String("message_id", env.MessageID),
			zap.Error(err))
	}
	return res, nil
}
