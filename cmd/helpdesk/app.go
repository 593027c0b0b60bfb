package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/gotrs-io/helpdesk/internal/config"
	"github.com/gotrs-io/helpdesk/internal/email/inbound/adapter"
	"github.com/gotrs-io/helpdesk/internal/email/inbound/connector"
	"github.com/gotrs-io/helpdesk/internal/email/inbound/filters"
	"github.com/gotrs-io/helpdesk/internal/email/inbound/parser"
	"github.com/gotrs-io/helpdesk/internal/email/inbound/postmaster"
	"github.com/gotrs-io/helpdesk/internal/escalation"
	"github.com/gotrs-io/helpdesk/internal/logging"
	"github.com/gotrs-io/helpdesk/internal/metrics"
	"github.com/gotrs-io/helpdesk/internal/notifications"
	"github.com/gotrs-io/helpdesk/internal/repository/sqlstore"
	"github.com/gotrs-io/helpdesk/internal/runlock"
	"github.com/gotrs-io/helpdesk/internal/ticketnumber"
	"github.com/gotrs-io/helpdesk/internal/tickets"
)

const shutdownGrace = 30 * time.Second

// app holds the services shared by the commands.
type app struct {
	cfg         *config.Config
	logger      *zap.Logger
	metrics     *metrics.Metrics
	store       *sqlstore.Store
	dispatcher  *notifications.Dispatcher
	tickets     *tickets.Service
	escalations *escalation.Engine
}

// loadConfig reads the configuration and builds the logger.
func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configFileFlag)
	if err != nil {
		return nil, nil, err
	}
	if verboseFlag {
		return cfg, logging.Verbose(), nil
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return cfg, logger, nil
}

// newApp connects to the database and wires the ticket services.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	store, err := sqlstore.Open(ctx, cfg.Database.Driver, cfg.Database.DSN, sqlstore.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	db := store.DB()
	if cfg.Database.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	if cfg.Database.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
	}
	if cfg.Database.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	m := metrics.New()
	var gateway notifications.Gateway
	if cfg.Email.Enabled {
		gateway = notifications.NewProviderGateway(notifications.NewSMTPProvider(&cfg.Email))
	} else {
		gateway = notifications.NewLogGateway(logger)
	}
	dispatcher := notifications.NewDispatcher(gateway,
		notifications.WithWorkers(cfg.Notifications.Workers),
		notifications.WithQueueSize(cfg.Notifications.QueueSize),
		notifications.WithSendTimeout(cfg.Notifications.SendTimeout),
		notifications.WithDispatcherLogger(logger),
		notifications.WithDispatcherMetrics(m),
	)
	renderer := notifications.NewRenderer(cfg.App.SiteURL, cfg.App.Name)

	svc := tickets.NewService(store,
		tickets.WithLogger(logger),
		tickets.WithMetrics(m),
		tickets.WithNotifier(dispatcher),
		tickets.WithRenderer(renderer),
		tickets.WithNumberGenerator(ticketnumber.NewYearly(cfg.Ticket.NumberPrefix, nil, 0)),
	)
	engine := escalation.NewEngine(svc,
		escalation.WithNotifier(dispatcher),
		escalation.WithRenderer(renderer),
		escalation.WithMetrics(m),
		escalation.WithLogger(logger),
	)

	return &app{
		cfg:         cfg,
		logger:      logger,
		metrics:     m,
		store:       store,
		dispatcher:  dispatcher,
		tickets:     svc,
		escalations: engine,
	}, nil
}

// postmaster builds the ingestion coordinator. The returned closer releases
// the lock backend connection.
func (a *app) postmaster(ctx context.Context, folder string) (*postmaster.Service, io.Closer, error) {
	locker, closer, err := runlock.FromConfig(ctx, a.cfg.Ingest, a.cfg.Redis)
	if err != nil {
		return nil, nil, err
	}
	rules, err := filters.LoadReferenceRules(a.cfg.Ingest.RulesFile)
	if err != nil {
		_ = closer.Close()
		return nil, nil, err
	}

	account := adapter.AccountFromConfig(a.cfg.IMAP, folder)
	svc := postmaster.NewService(account,
		postmaster.NewTicketProcessor(a.tickets, postmaster.WithTicketProcessorLogger(a.logger)),
		postmaster.WithTransportFactory(connector.NewMailboxFactory(a.logger, a.cfg.IMAP.DialTimeout)),
		postmaster.WithParser(parser.New(parser.WithLogger(a.logger))),
		postmaster.WithFilterChain(filters.NewChain(
			filters.NewSubjectReferenceFilter(a.logger),
			filters.NewReferenceRuleFilter(rules, a.logger),
		)),
		postmaster.WithLocker(locker),
		postmaster.WithMetrics(a.metrics),
		postmaster.WithLogger(a.logger),
	)
	return svc, closer, nil
}

// Close drains queued notifications and closes the database.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := a.dispatcher.Close(ctx); err != nil {
		a.logger.Warn("notification queue not fully drained", zap.Error(err))
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("failed to close database", zap.Error(err))
	}
	_ = a.logger.Sync()
}
