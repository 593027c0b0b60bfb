package notifications

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gotrs-io/helpdesk/internal/apperrors"
	"github.com/gotrs-io/helpdesk/internal/metrics"
)

var (
	errQueueFull = errors.New("notification queue full")
	errClosed    = errors.New("dispatcher closed")
)

type job struct {
	subject    string
	body       string
	recipients []string
}

// Dispatcher fans sends out to a fixed pool of workers so callers never
// wait on SMTP. It implements Gateway.
type Dispatcher struct {
	gateway Gateway
	logger  *zap.Logger
	metrics *metrics.Metrics
	timeout time.Duration
	workers int

	queue  chan job
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

type DispatcherOption func(*Dispatcher)

func WithWorkers(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

func WithQueueSize(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queue = make(chan job, n)
		}
	}
}

func WithSendTimeout(t time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if t > 0 {
			d.timeout = t
		}
	}
}

func WithDispatcherLogger(l *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

func WithDispatcherMetrics(m *metrics.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// NewDispatcher starts the worker pool. Defaults: 2 workers, queue of 100,
// 30s per send.
func NewDispatcher(gw Gateway, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		gateway: gw,
		logger:  zap.NewNop(),
		timeout: 30 * time.Second,
		workers: 2,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.queue == nil {
		d.queue = make(chan job, 100)
	}
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.work()
	}
	return d
}

// Send enqueues the message and returns immediately. A full or closed queue
// yields a NotificationError; the message is dropped.
func (d *Dispatcher) Send(_ context.Context, subject, body string, recipients []string) error {
	if len(recipients) == 0 {
		return nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return &apperrors.NotificationError{Subject: subject, Err: errClosed}
	}
	select {
	case d.queue <- job{subject: subject, body: body, recipients: append([]string(nil), recipients...)}:
		d.metrics.QueueDepth(len(d.queue))
		return nil
	default:
		d.metrics.Notification(metrics.ResultDropped)
		d.logger.Warn("dropping notification, queue full",
			zap.String("subject", subject),
			zap.Int("queue_size", cap(d.queue)))
		return &apperrors.NotificationError{Subject: subject, Err: errQueueFull}
	}
}

// Close stops accepting work and waits for queued messages to drain or for
// ctx to expire.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for j := range d.queue {
		d.metrics.QueueDepth(len(d.queue))
		d.deliver(j)
	}
}

func (d *Dispatcher) deliver(j job) {
	// Sends outlive the request that queued them.
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	if err := d.gateway.Send(ctx, j.subject, j.body, j.recipients); err != nil {
		d.metrics.Notification(metrics.ResultFailed)
		d.logger.Error("notification failed",
			zap.String("subject", j.subject),
			zap.Int("recipients", len(j.recipients)),
			zap.Error(err))
		return
	}
	d.metrics.Notification(metrics.ResultSent)
	d.logger.Debug("notification sent",
		zap.String("subject", j.subject),
		zap.Int("recipients", len(j.recipients)))
}

// Notify sends through gw and logs a failure instead of returning it. Ticket
// mutations use it so a mail problem never unwinds the write.
func Notify(ctx context.Context, gw Gateway, logger *zap.Logger, msg Message, recipients []string) {
	if gw == nil || len(recipients) == 0 {
		return
	}
	if err := gw.Send(ctx, msg.Subject, msg.Body, recipients); err != nil {
		var nerr *apperrors.NotificationError
		if !errors.As(err, &nerr) {
			err = &apperrors.NotificationError{Subject: msg.Subject, Err: err}
		}
		if logger != nil {
			logger.Warn("notification not delivered", zap.Error(err))
		}
	}
}
