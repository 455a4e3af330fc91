// Package reduce folds normalized job records into monthly rollups and user
// aggregates. The seen-set makes the fold idempotent: replaying a window
// changes nothing.
package reduce

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/slurmboard/slurmboard/internal/months"
	"github.com/slurmboard/slurmboard/internal/normalize"
	"github.com/slurmboard/slurmboard/internal/rollup"
	"github.com/slurmboard/slurmboard/internal/seenset"
	"github.com/slurmboard/slurmboard/pkg/jobstats"
)

// Stats summarizes one reduction.
type Stats struct {
	Processed     int      // records counted against the window
	NewJobs       int      // records aggregated for the first time
	MonthsChanged []string // ascending
	UsersChanged  []string // ascending
}

// Reducer runs reductions against one artifact tree.
type Reducer struct {
	store     *rollup.Store
	expectedN int
	p         float64
	log       *zap.Logger
}

func New(store *rollup.Store, expectedN int, p float64, log *zap.Logger) *Reducer {
	if expectedN <= 0 {
		expectedN = seenset.DefaultExpectedN
	}
	if p <= 0 || p >= 1 {
		p = seenset.DefaultP
	}
	return &Reducer{store: store, expectedN: expectedN, p: p, log: log}
}

// monthState is the working set for one month of the window.
type monthState struct {
	seen     *seenset.Set
	seenPath string
	accum    map[string]jobstats.Metrics
	snapshot map[string]jobstats.Metrics
}

// Reduce folds records whose end timestamp falls inside [since, until) into
// the cluster's artifacts.
//
// Counting rules: a record with an empty job ID is skipped silently; a
// record ending outside the window (or not ended) is skipped without
// counting; a record already in the month's seen-set counts as processed
// only; a new record counts as processed and new, marks its month dirty,
// and, when it names a user, accumulates into that user's row.
func (r *Reducer) Reduce(cluster string, since, until time.Time, records []normalize.Record) (Stats, error) {
	stats := Stats{MonthsChanged: []string{}, UsersChanged: []string{}}
	tree := r.store.Tree()

	states := make(map[string]*monthState)
	for _, m := range months.In(since, until) {
		seenPath := tree.SeenPath(cluster, m)
		seen, _, err := seenset.LoadOrCreate(seenPath, r.expectedN, r.p)
		if err != nil {
			return stats, fmt.Errorf("seen-set for %s %s: %w", cluster, m, err)
		}
		accum := r.store.LoadMonthlyMap(cluster, m)
		snapshot := make(map[string]jobstats.Metrics, len(accum))
		for u, v := range accum {
			snapshot[u] = v
		}
		states[m] = &monthState{
			seen:     seen,
			seenPath: seenPath,
			accum:    accum,
			snapshot: snapshot,
		}
	}

	dirty := make(map[string]bool)
	for _, rec := range records {
		if rec.JobID == "" {
			continue
		}
		m := months.OfUnix(rec.EndTS)
		st, ok := states[m]
		if !ok {
			continue
		}
		if st.seen.Contains(rec.JobID) {
			stats.Processed++
			continue
		}
		st.seen.Add(rec.JobID)
		dirty[m] = true
		stats.Processed++
		stats.NewJobs++

		if rec.User == "" {
			continue
		}
		row := st.accum[rec.User]
		row.TotalClockHours += rec.ClockHours
		row.TotalElapsedHours += rec.ElapsedHours
		row.SumMaxMemMB += rec.MaxMemMB
		row.SumAvgMemMB += rec.AvgMemMB
		row.SumReqMemMB += rec.ReqMemMB
		if rec.GPUCount > 0 {
			row.CountGPUJobs++
		}
		row.TotalGPUClockHours += rec.GPUClockHours
		row.GPUElapsedHours += rec.GPUElapsedHours
		if rec.Failed {
			row.CountFailedJobs++
		}
		st.accum[rec.User] = row
	}

	changed := make([]string, 0, len(dirty))
	for m := range dirty {
		changed = append(changed, m)
	}
	sort.Strings(changed)

	merged := make(map[string]jobstats.Metrics)
	for _, m := range changed {
		st := states[m]
		// Seen-set first: a replay after a crash must not double-count.
		if err := st.seen.Save(st.seenPath); err != nil {
			r.log.Warn("seen-set save failed",
				zap.String("cluster", cluster), zap.String("month", m), zap.Error(err))
		}
		if err := r.store.SaveMonthly(cluster, m, st.accum); err != nil {
			return stats, fmt.Errorf("save rollup %s %s: %w", cluster, m, err)
		}
		for user, cur := range st.accum {
			delta := cur.Sub(st.snapshot[user])
			if delta.IsZero() {
				continue
			}
			acc := merged[user]
			acc.Add(delta)
			merged[user] = acc
		}
	}

	if len(merged) > 0 {
		if err := r.store.ApplyUserDeltas(cluster, merged); err != nil {
			return stats, err
		}
	}

	stats.MonthsChanged = changed
	users := make([]string, 0, len(merged))
	for u := range merged {
		users = append(users, u)
	}
	sort.Strings(users)
	stats.UsersChanged = users
	return stats, nil
}
