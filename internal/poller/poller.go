// Package poller runs one poll tick end to end: take the per-cluster lock,
// advance the backfill by at most one historical month or catch up the
// current month, then run discovery and rebuild the leaderboards. A tick is
// single-threaded; concurrency lives across clusters behind distinct locks.
package poller

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/slurmboard/slurmboard/internal/config"
	"github.com/slurmboard/slurmboard/internal/cursor"
	"github.com/slurmboard/slurmboard/internal/discovery"
	"github.com/slurmboard/slurmboard/internal/journal"
	"github.com/slurmboard/slurmboard/internal/layout"
	"github.com/slurmboard/slurmboard/internal/leaderboard"
	"github.com/slurmboard/slurmboard/internal/metrics"
	"github.com/slurmboard/slurmboard/internal/months"
	"github.com/slurmboard/slurmboard/internal/normalize"
	"github.com/slurmboard/slurmboard/internal/reduce"
	"github.com/slurmboard/slurmboard/internal/rollup"
	"github.com/slurmboard/slurmboard/internal/sacct"
)

const dateLayout = "2006-01-02"

// Tick statuses. Ok is the only one that maps to a zero exit code.
const (
	StatusOK          = "ok"
	StatusSacctFailed = "sacct_failed"
	StatusLocked      = "locked"
	StatusError       = "error"
)

// Work phases. Every tick runs exactly one of the two.
const (
	PhaseHistorical  = "historical"
	PhaseIncremental = "incremental"
)

// Result summarizes one tick.
type Result struct {
	Cluster      string
	Phase        string
	Month        string
	Status       string
	Stats        reduce.Stats
	NewUsers     int // users backfilled by discovery this tick
	Leaderboards int // leaderboard files written
}

// Options wires one cluster's poller. Discovery and Journal may be nil;
// the corresponding phases are then skipped.
type Options struct {
	Cluster       string
	BackfillStart string // YYYY-MM-DD, earliest month to backfill
	RatePerMin    int

	Tree      layout.Tree
	Store     *rollup.Store
	Reducer   *reduce.Reducer
	Adapter   *sacct.Adapter
	Boards    *leaderboard.Builder
	Discovery *discovery.Engine
	Journal   *journal.Journal
	Log       *zap.Logger
}

// Poller executes poll ticks for a single cluster.
type Poller struct {
	cluster       string
	backfillStart string
	ratePerMin    int

	tree    layout.Tree
	store   *rollup.Store
	reducer *reduce.Reducer
	adapter *sacct.Adapter
	boards  *leaderboard.Builder
	disco   *discovery.Engine
	journal *journal.Journal
	log     *zap.Logger
	now     func() time.Time
}

func New(opts Options) *Poller {
	return &Poller{
		cluster:       opts.Cluster,
		backfillStart: opts.BackfillStart,
		ratePerMin:    opts.RatePerMin,
		tree:          opts.Tree,
		store:         opts.Store,
		reducer:       opts.Reducer,
		adapter:       opts.Adapter,
		boards:        opts.Boards,
		disco:         opts.Discovery,
		journal:       opts.Journal,
		log:           opts.Log,
		now:           time.Now,
	}
}

// Tick runs one poll tick. The returned error is the work-step failure (or
// the lock/init error); discovery problems never fail a tick. Callers map
// cursor.ErrLocked and config.ErrInvalid to their exit codes.
func (p *Poller) Tick(ctx context.Context) (Result, error) {
	started := p.now()
	res := Result{Cluster: p.cluster, Status: StatusError}

	if err := os.MkdirAll(p.tree.StateDir(p.cluster), 0o755); err != nil {
		return res, fmt.Errorf("creating state dir: %w", err)
	}
	lock, err := cursor.Acquire(p.tree.LockPath(p.cluster))
	if err != nil {
		if errors.Is(err, cursor.ErrLocked) {
			res.Status = StatusLocked
			p.log.Info("tick skipped, lock held elsewhere",
				zap.String("cluster", p.cluster),
				zap.String("phase", "lock"),
				zap.String("status", StatusLocked))
		}
		return res, err
	}
	defer lock.Release()

	file := cursor.NewFile(p.tree.CursorPath(p.cluster), p.log)
	st := file.Load()
	if st.BackfillStart == "" {
		t, err := time.ParseInLocation(dateLayout, p.backfillStart, time.UTC)
		if err != nil {
			p.log.Error("invalid backfill start",
				zap.String("cluster", p.cluster),
				zap.String("phase", "init"),
				zap.String("backfill_start", p.backfillStart))
			return res, fmt.Errorf("%w: backfill start %q is not a YYYY-MM-DD date",
				config.ErrInvalid, p.backfillStart)
		}
		st.BackfillStart = months.Of(t)
		if err := file.Save(st); err != nil {
			return res, fmt.Errorf("initializing cursor: %w", err)
		}
	}

	nowUTC := p.now().UTC()
	currentMonth := months.Of(nowUTC)

	var workErr error
	if month, ok := cursor.DetermineNext(st, currentMonth); ok {
		res.Phase = PhaseHistorical
		res.Month = month
		workErr = p.historical(ctx, file, st, month, &res)
	} else {
		res.Phase = PhaseIncremental
		res.Month = currentMonth
		workErr = p.incremental(ctx, nowUTC, &res)
	}
	if workErr == nil {
		res.Status = StatusOK
		metrics.RecordsProcessedTotal.WithLabelValues(p.cluster).Add(float64(res.Stats.Processed))
		metrics.JobsNewTotal.WithLabelValues(p.cluster).Add(float64(res.Stats.NewJobs))
	} else {
		res.Status = statusFor(workErr)
		p.log.Error("work step failed",
			zap.String("cluster", p.cluster),
			zap.String("phase", res.Phase),
			zap.String("month", res.Month),
			zap.String("status", res.Status),
			zap.Error(workErr))
	}

	p.discover(ctx, &res)

	// Leaderboards are rebuilt even when the work step failed; earlier
	// months may have landed since the last successful rebuild.
	if err := p.rebuild(&res); err != nil && workErr == nil {
		workErr = err
		res.Status = StatusError
	}

	p.finish(started, res, workErr)
	return res, workErr
}

func (p *Poller) historical(ctx context.Context, file *cursor.File, st cursor.State, month string, res *Result) error {
	inProgress := month
	st.InProgress = &inProgress
	if err := file.Save(st); err != nil {
		return fmt.Errorf("marking month in progress: %w", err)
	}
	p.log.Info("historical month started",
		zap.String("cluster", p.cluster),
		zap.String("phase", PhaseHistorical),
		zap.String("month", month),
		zap.String("status", "start"))

	next, err := months.Next(month)
	if err != nil {
		return fmt.Errorf("advancing month %q: %w", month, err)
	}
	rows, err := p.adapter.Fetch(ctx, sacct.Query{
		Cluster:    p.cluster,
		Since:      month + "-01",
		Until:      next + "-01",
		RatePerMin: p.ratePerMin,
	})
	if err != nil {
		return err
	}

	since, err := months.Parse(month)
	if err != nil {
		return fmt.Errorf("parsing month %q: %w", month, err)
	}
	until, err := months.Parse(next)
	if err != nil {
		return fmt.Errorf("parsing month %q: %w", next, err)
	}
	stats, err := p.reducer.Reduce(p.cluster, since, until, normalize.ParseLines(rows))
	if err != nil {
		return err
	}
	if _, err := p.store.EnsureMonthly(p.cluster, month); err != nil {
		return err
	}
	res.Stats = stats

	// The month is complete only once its artifacts are durable; a crash
	// before this save leaves in_progress set and the month retried.
	st.LastCompleteMonth = &month
	st.InProgress = nil
	if err := file.Save(st); err != nil {
		return fmt.Errorf("completing month %q: %w", month, err)
	}
	p.log.Info("historical month finished",
		zap.String("cluster", p.cluster),
		zap.String("phase", PhaseHistorical),
		zap.String("month", month),
		zap.String("status", StatusOK),
		zap.Int("processed", stats.Processed),
		zap.Int("new_jobs", stats.NewJobs),
		zap.Strings("months_changed", stats.MonthsChanged),
		zap.Int("users_changed", len(stats.UsersChanged)))
	return nil
}

func (p *Poller) incremental(ctx context.Context, now time.Time, res *Result) error {
	p.log.Info("incremental catch-up started",
		zap.String("cluster", p.cluster),
		zap.String("phase", PhaseIncremental),
		zap.String("status", "start"))

	first := months.First(now)
	// Until tomorrow, exclusive, so jobs finishing today are inside the
	// window on every tick.
	tomorrow := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	rows, err := p.adapter.Fetch(ctx, sacct.Query{
		Cluster:    p.cluster,
		Since:      first.Format(dateLayout),
		Until:      tomorrow.Format(dateLayout),
		RatePerMin: p.ratePerMin,
	})
	if err != nil {
		return err
	}
	stats, err := p.reducer.Reduce(p.cluster, first, tomorrow, normalize.ParseLines(rows))
	if err != nil {
		return err
	}
	if _, err := p.store.EnsureMonthly(p.cluster, months.Of(now)); err != nil {
		return err
	}
	res.Stats = stats
	p.log.Info("incremental catch-up finished",
		zap.String("cluster", p.cluster),
		zap.String("phase", PhaseIncremental),
		zap.String("status", StatusOK),
		zap.Int("processed", stats.Processed),
		zap.Int("new_jobs", stats.NewJobs))
	return nil
}

// discover runs user discovery best-effort. Failures are logged and the
// tick carries on.
func (p *Poller) discover(ctx context.Context, res *Result) {
	if p.disco == nil {
		return
	}
	rep, err := p.disco.Run(ctx, p.cluster, p.ratePerMin)
	if err != nil {
		p.log.Warn("discovery failed",
			zap.String("cluster", p.cluster),
			zap.String("phase", "discovery"),
			zap.Error(err))
		return
	}
	res.NewUsers = len(rep.Processed)
	p.log.Info("discovery finished",
		zap.String("cluster", p.cluster),
		zap.String("phase", "discovery"),
		zap.String("status", rep.Status),
		zap.Int("new_users_found", rep.NewUsersFound),
		zap.Int("new_users", len(rep.Processed)))
}

func (p *Poller) rebuild(res *Result) error {
	results, err := p.boards.Build()
	if err != nil {
		p.log.Error("leaderboard rebuild failed",
			zap.String("cluster", p.cluster),
			zap.String("phase", "leaderboards"),
			zap.Error(err))
		return fmt.Errorf("rebuilding leaderboards: %w", err)
	}
	res.Leaderboards = len(results)
	p.log.Info("leaderboards rebuilt",
		zap.String("cluster", p.cluster),
		zap.String("phase", "leaderboards"),
		zap.String("status", StatusOK),
		zap.Int("generated", len(results)))
	return nil
}

// finish emits tick metrics and queues the journal record.
func (p *Poller) finish(started time.Time, res Result, workErr error) {
	finished := p.now()
	metrics.TicksTotal.WithLabelValues(p.cluster, res.Status).Inc()
	metrics.TickDuration.WithLabelValues(p.cluster).Observe(finished.Sub(started).Seconds())
	if p.journal == nil {
		return
	}
	rec := journal.TickRecord{
		Cluster:       p.cluster,
		StartedAt:     started.UTC(),
		FinishedAt:    finished.UTC(),
		Phase:         res.Phase,
		Month:         res.Month,
		Status:        res.Status,
		Processed:     res.Stats.Processed,
		NewJobs:       res.Stats.NewJobs,
		MonthsChanged: res.Stats.MonthsChanged,
		UsersChanged:  len(res.Stats.UsersChanged),
		NewUsers:      res.NewUsers,
	}
	if workErr != nil {
		rec.Error = workErr.Error()
	}
	p.journal.Record(rec)
}

func statusFor(err error) string {
	if errors.Is(err, sacct.ErrAccountingFailed) {
		return StatusSacctFailed
	}
	return StatusError
}
