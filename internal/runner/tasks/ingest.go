// Package tasks holds the scheduled jobs run by the helpdesk runner.
package tasks

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/gotrs-io/helpdesk/internal/apperrors"
	"github.com/gotrs-io/helpdesk/internal/config"
	"github.com/gotrs-io/helpdesk/internal/email/inbound/postmaster"
	"github.com/gotrs-io/helpdesk/internal/runner"
)

const (
	// IngestTaskName identifies the mailbox ingestion task.
	IngestTaskName = "email-ingest"

	defaultIngestSchedule = "0 */5 * * * *"
	defaultIngestTimeout  = 4 * time.Minute
)

// Ingester runs one mailbox ingestion batch.
type Ingester interface {
	Run(ctx context.Context, opts postmaster.Options) (postmaster.Summary, error)
}

// IngestTask polls the support mailbox on a schedule.
type IngestTask struct {
	ingester Ingester
	schedule string
	timeout  time.Duration
	limit    atomic.Int64
	logger   *zap.Logger
}

var _ runner.Task = (*IngestTask)(nil)

// NewIngestTask creates the ingestion task from the ingest config section.
func NewIngestTask(ing Ingester, cfg config.IngestConfig, logger *zap.Logger) *IngestTask {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &IngestTask{
		ingester: ing,
		schedule: cfg.Schedule,
		timeout:  cfg.Timeout,
		logger:   logger,
	}
	if t.schedule == "" {
		t.schedule = defaultIngestSchedule
	}
	if t.timeout <= 0 {
		t.timeout = defaultIngestTimeout
	}
	t.limit.Store(int64(cfg.Limit))
	return t
}

// Name returns the task name
func (t *IngestTask) Name() string { return IngestTaskName }

// Schedule returns the cron schedule (every 5 minutes by default)
func (t *IngestTask) Schedule() string { return t.schedule }

// Timeout returns the task timeout
func (t *IngestTask) Timeout() time.Duration { return t.timeout }

// Limit returns the current per-run batch limit.
func (t *IngestTask) Limit() int { return int(t.limit.Load()) }

// Reconfigure applies settings that can change without a restart. A new
// schedule is only picked up after the runner restarts.
func (t *IngestTask) Reconfigure(cfg config.IngestConfig) {
	if old := t.limit.Swap(int64(cfg.Limit)); old != int64(cfg.Limit) {
		t.logger.Info("ingest batch limit changed", zap.Int64("from", old), zap.Int("to", cfg.Limit))
	}
	if cfg.Schedule != "" && cfg.Schedule != t.schedule {
		t.logger.Warn("ingest schedule changed, restart the runner to apply", zap.String("schedule", cfg.Schedule))
	}
}

// Run processes one batch. An overlapping run holding the lock is not an
// error; the next tick will try again.
func (t *IngestTask) Run(ctx context.Context) error {
	summary, err := t.ingester.Run(ctx, postmaster.Options{Limit: t.Limit()})
	if errors.Is(err, apperrors.ErrRunInProgress) {
		t.logger.Info("ingestion already running, skipping tick")
		return nil
	}
	if err != nil {
		return err
	}
	if summary.Errors > 0 {
		t.logger.Warn("ingestion finished with message errors",
			zap.Int("created", summary.Created),
			zap.Int("updated", summary.Updated),
			zap.Int("errors", summary.Errors))
	}
	return nil
}
