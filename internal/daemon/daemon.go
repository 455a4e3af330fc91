// Package daemon schedules poll ticks with cron and hosts the API server.
// Each cluster gets its own schedule; overlapping fires of the same cluster
// are skipped in-process while the flock still guards other processes.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/slurmboard/slurmboard/internal/cursor"
	"github.com/slurmboard/slurmboard/internal/journal"
	"github.com/slurmboard/slurmboard/internal/poller"
)

const shutdownTimeout = 10 * time.Second

// Ticker runs one poll pass for its cluster.
type Ticker interface {
	Tick(ctx context.Context) (poller.Result, error)
}

// Job binds one cluster's ticker to its cron schedule.
type Job struct {
	Cluster  string
	Schedule string
	Ticker   Ticker
}

// Daemon owns the scheduler, the optional API server, and the journal's
// lifetime. Server and journal may be nil.
type Daemon struct {
	jobs    []Job
	server  *http.Server
	journal *journal.Journal
	log     *zap.Logger
}

func New(jobs []Job, server *http.Server, jrnl *journal.Journal, log *zap.Logger) *Daemon {
	return &Daemon{jobs: jobs, server: server, journal: jrnl, log: log}
}

// Run schedules every job and blocks until ctx is cancelled, then stops the
// scheduler, waits for in-flight ticks, shuts the API server down with a
// deadline, and closes the journal.
func (d *Daemon) Run(ctx context.Context) error {
	c := cron.New()
	for _, job := range d.jobs {
		if _, err := c.AddJob(job.Schedule, d.tickJob(ctx, job)); err != nil {
			return fmt.Errorf("daemon: schedule %q for cluster %s: %w", job.Schedule, job.Cluster, err)
		}
		d.log.Info("scheduled cluster",
			zap.String("cluster", job.Cluster),
			zap.String("schedule", job.Schedule))
	}
	if d.journal != nil {
		if _, err := c.AddFunc("@daily", d.cleanupJournal); err != nil {
			return fmt.Errorf("daemon: schedule journal cleanup: %w", err)
		}
	}

	if d.server != nil {
		go func() {
			d.log.Info("api server listening", zap.String("address", d.server.Addr))
			if err := d.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.log.Error("api server failed", zap.Error(err))
			}
		}()
	}

	c.Start()
	d.log.Info("daemon started", zap.Int("clusters", len(d.jobs)))

	<-ctx.Done()
	d.log.Info("shutting down")

	// Stop scheduling and wait for in-flight ticks; they abort promptly
	// because they share ctx.
	<-c.Stop().Done()

	if d.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := d.server.Shutdown(shutdownCtx); err != nil {
			d.log.Warn("api server shutdown", zap.Error(err))
		}
	}
	if d.journal != nil {
		if err := d.journal.Close(); err != nil {
			d.log.Warn("journal close", zap.Error(err))
		}
	}
	return nil
}

// tickJob wraps one cluster's tick so a fire that lands while the previous
// one is still running is skipped, not queued.
func (d *Daemon) tickJob(ctx context.Context, job Job) cron.Job {
	skipLog := cronLogger{d.log.Sugar().With("cluster", job.Cluster)}
	chain := cron.NewChain(cron.SkipIfStillRunning(skipLog))
	return chain.Then(cron.FuncJob(func() {
		res, err := job.Ticker.Tick(ctx)
		switch {
		case err == nil:
		case errors.Is(err, cursor.ErrLocked):
			// Contention with another process; the tick already logged it.
		case errors.Is(err, context.Canceled):
		default:
			d.log.Error("scheduled tick failed",
				zap.String("cluster", job.Cluster),
				zap.String("status", res.Status),
				zap.Error(err))
		}
	}))
}

func (d *Daemon) cleanupJournal() {
	if err := d.journal.Cleanup(); err != nil {
		d.log.Warn("journal cleanup failed", zap.Error(err))
	}
	if n := d.journal.DroppedCount(); n > 0 {
		d.log.Warn("journal writer dropped records", zap.Uint64("dropped", n))
	}
}

// cronLogger adapts zap to the cron.Logger interface so chain decisions
// (such as skips) land in the structured log.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Infow(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}
