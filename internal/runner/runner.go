// Package runner schedules background tasks with cron and shuts them down
// gracefully on SIGINT/SIGTERM.
package runner

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Runner manages and executes scheduled background tasks
type Runner struct {
	cron     *cron.Cron
	registry *TaskRegistry
	logger   *zap.Logger
	signals  []os.Signal
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the runner logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithSignals overrides the signals that trigger shutdown. Passing none
// disables signal handling so only the context stops the runner.
func WithSignals(sig ...os.Signal) Option {
	return func(r *Runner) { r.signals = sig }
}

// NewRunner creates a new task runner
func NewRunner(registry *TaskRegistry, opts ...Option) *Runner {
	r := &Runner{
		registry: registry,
		logger:   zap.NewNop(),
		signals:  []os.Signal{syscall.SIGINT, syscall.SIGTERM},
	}
	for _, opt := range opts {
		opt(r)
	}
	clog := cronLogger{r.logger.Sugar()}
	r.cron = cron.New(
		cron.WithSeconds(),
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
	)
	return r
}

// Start schedules every registered task and blocks until the context is
// cancelled or a shutdown signal arrives.
func (r *Runner) Start(ctx context.Context) error {
	r.logger.Info("starting task runner")

	for _, task := range r.registry.Sorted() {
		task := task
		r.logger.Info("registering task",
			zap.String("task", task.Name()),
			zap.String("schedule", task.Schedule()))

		_, err := r.cron.AddFunc(task.Schedule(), func() {
			r.executeTask(ctx, task)
		})
		if err != nil {
			return fmt.Errorf("failed to schedule task %s: %w", task.Name(), err)
		}
	}

	r.cron.Start()
	r.logger.Info("task runner started", zap.Int("tasks", r.registry.Len()))

	return r.waitForShutdown(ctx)
}

// RunOnce executes a registered task immediately, outside the schedule.
func (r *Runner) RunOnce(ctx context.Context, name string) error {
	task, ok := r.registry.Get(name)
	if !ok {
		return fmt.Errorf("unknown task %q", name)
	}
	return r.executeTask(ctx, task)
}

// executeTask runs a single task with timeout and error handling
func (r *Runner) executeTask(ctx context.Context, task Task) error {
	r.wg.Add(1)
	defer r.wg.Done()

	taskCtx := ctx
	if timeout := task.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	log := r.logger.With(zap.String("task", task.Name()))
	log.Debug("executing task")

	start := time.Now()
	err := task.Run(taskCtx)
	duration := time.Since(start)

	if err != nil {
		log.Error("task failed", zap.Duration("duration", duration), zap.Error(err))
		return err
	}
	log.Info("task completed", zap.Duration("duration", duration))
	return nil
}

// Stop gracefully shuts down the runner
func (r *Runner) Stop() {
	r.stopOnce.Do(func() {
		r.logger.Info("stopping task runner")

		// Stop accepting new tasks
		done := r.cron.Stop()

		// Wait for running tasks to complete
		r.wg.Wait()
		<-done.Done()

		r.logger.Info("task runner stopped")
	})
}

// waitForShutdown waits for termination signals
func (r *Runner) waitForShutdown(ctx context.Context) error {
	sigChan := make(chan os.Signal, 1)
	if len(r.signals) > 0 {
		signal.Notify(sigChan, r.signals...)
		defer signal.Stop(sigChan)
	}

	select {
	case sig := <-sigChan:
		r.logger.Info("received signal", zap.String("signal", sig.String()))
		r.Stop()
		return nil
	case <-ctx.Done():
		r.logger.Info("context cancelled")
		r.Stop()
		return ctx.Err()
	}
}

// cronLogger routes cron's internal logging through zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
