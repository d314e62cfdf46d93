// Package schedule runs the periodic background tasks (session reaping,
// follow-up sweeps) on a cron runner with an explicit start/stop lifecycle.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/comigor/leadbot/internal/logger"
)

// ErrInvalidPeriod is returned for periods shorter than one second.
var ErrInvalidPeriod = errors.New("task period must be at least one second")

// Runner owns a cron instance. Tasks receive a context that is cancelled by Stop.
type Runner struct {
	cron   *cron.Cron
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool
	tasks   map[string]cron.EntryID
}

// New creates a stopped runner. Overlapping runs of the same task are skipped
// and panics inside a task are recovered and logged.
func New() *Runner {
	log := logger.With("schedule")
	cl := cronLogger{log: log}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		log:    log,
		ctx:    ctx,
		cancel: cancel,
		tasks:  make(map[string]cron.EntryID),
	}
}

// Every registers fn to run every d under name.
func (r *Runner) Every(name string, d time.Duration, fn func(ctx context.Context)) error {
	if d < time.Second {
		return fmt.Errorf("%s: %w", name, ErrInvalidPeriod)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[name]; ok {
		return fmt.Errorf("task %q already registered", name)
	}
	id := r.cron.Schedule(cron.Every(d), cron.FuncJob(func() {
		if r.ctx.Err() != nil {
			return
		}
		start := time.Now()
		fn(r.ctx)
		r.log.Debug("task finished", "task", name, "took", time.Since(start))
	}))
	r.tasks[name] = id
	r.log.Info("task registered", "task", name, "every", d)
	return nil
}

// Tasks returns the registered task names.
func (r *Runner) Tasks() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	return names
}

// Start begins ticking in the background.
func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true
	r.cron.Start()
}

// Stop cancels the task context and waits for running tasks until ctx expires.
func (r *Runner) Stop(ctx context.Context) error {
	r.cancel()
	done := r.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for scheduled tasks: %w", ctx.Err())
	}
}

type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
