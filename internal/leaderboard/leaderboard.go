// Package leaderboard merges per-cluster monthly rollups into ranked
// cross-cluster leaderboard files, one per (window, metric) pair.
package leaderboard

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/slurmboard/slurmboard/internal/fsio"
	"github.com/slurmboard/slurmboard/internal/metrics"
	"github.com/slurmboard/slurmboard/internal/months"
	"github.com/slurmboard/slurmboard/internal/rollup"
	"github.com/slurmboard/slurmboard/pkg/jobstats"
)

const asofLayout = "2006-01-02T15:04:05Z"

// Aggregation windows. Rolling windows select at month granularity: every
// month whose key is >= the month containing (now - N days).
const (
	WindowAllTime    = "alltime"
	WindowRolling30  = "rolling-30d"
	WindowRolling365 = "rolling-365d"
)

// User-facing metric names.
const (
	MetricClockHours      = "clock_hours"
	MetricElapsedHours    = "elapsed_hours"
	MetricGPUClockHours   = "gpu_clock_hours"
	MetricGPUElapsedHours = "gpu_elapsed_hours"
	MetricFailedJobs      = "failed_jobs"
)

// Windows in build order.
var Windows = []string{WindowAllTime, WindowRolling30, WindowRolling365}

// MetricNames in build order.
var MetricNames = []string{
	MetricClockHours,
	MetricElapsedHours,
	MetricGPUClockHours,
	MetricGPUElapsedHours,
	MetricFailedJobs,
}

// metricFields maps each user-facing metric to the rollup field it sums.
var metricFields = map[string]string{
	MetricClockHours:      jobstats.FieldClockHours,
	MetricElapsedHours:    jobstats.FieldElapsedHours,
	MetricGPUClockHours:   jobstats.FieldGPUClockHours,
	MetricGPUElapsedHours: jobstats.FieldGPUElapsed,
	MetricFailedJobs:      jobstats.FieldFailedJobs,
}

func IsWindow(name string) bool {
	return name == WindowAllTime || name == WindowRolling30 || name == WindowRolling365
}

func IsMetric(name string) bool {
	_, ok := metricFields[name]
	return ok
}

// Row is one ranked leaderboard entry. Ties share a rank; the next distinct
// value resumes at its positional index.
type Row struct {
	Rank  int     `json:"rank"`
	User  string  `json:"user"`
	Value float64 `json:"value"`
}

// Document is the persisted leaderboard file. Fields are declared in
// ascending JSON-name order so the emitted keys are sorted.
type Document struct {
	Asof   string `json:"asof"`
	Metric string `json:"metric"`
	Rows   []Row  `json:"rows"`
	Window string `json:"window"`
}

// Result describes one written leaderboard file.
type Result struct {
	Window string
	Metric string
	Path   string
	Users  int
}

// Builder rebuilds every leaderboard from the rollups on disk.
type Builder struct {
	store *rollup.Store
	log   *zap.Logger
	now   func() time.Time
}

func NewBuilder(store *rollup.Store, log *zap.Logger) *Builder {
	return &Builder{store: store, log: log, now: time.Now}
}

// Build regenerates all (window, metric) files plus the legacy
// <window>.json aliases, which mirror the clock_hours boards. Empty
// aggregates still produce a file with zero rows so consumers can tell
// "no data" from "not yet built".
func (b *Builder) Build() ([]Result, error) {
	start := time.Now()
	defer func() {
		metrics.LeaderboardBuildDuration.Observe(time.Since(start).Seconds())
	}()

	tree := b.store.Tree()
	allMonths := tree.AllMonths()
	clusters := tree.Clusters()

	results := make([]Result, 0, len(Windows)*len(MetricNames))
	for _, window := range Windows {
		selected := b.windowMonths(allMonths, window)
		for _, metric := range MetricNames {
			agg := b.aggregate(clusters, selected, metricFields[metric])
			path, err := b.write(window, metric, agg)
			if err != nil {
				return results, err
			}
			b.log.Debug("leaderboard written",
				zap.String("window", window),
				zap.String("metric", metric),
				zap.Int("users", len(agg)))
			results = append(results, Result{
				Window: window,
				Metric: metric,
				Path:   path,
				Users:  len(agg),
			})
		}
	}
	return results, nil
}

// windowMonths selects the months contributing to a window. rolling-30d
// falls back to the last two known months when the threshold selects fewer
// than two, so a sparse history still yields a usable short window.
func (b *Builder) windowMonths(all []string, window string) []string {
	var days int
	switch window {
	case WindowAllTime:
		return all
	case WindowRolling30:
		days = 30
	case WindowRolling365:
		days = 365
	default:
		return nil
	}
	threshold := months.Of(b.now().UTC().AddDate(0, 0, -days))
	var selected []string
	for _, m := range all {
		if m >= threshold {
			selected = append(selected, m)
		}
	}
	if window == WindowRolling30 && len(selected) < 2 && len(all) >= 2 {
		selected = append([]string(nil), all[len(all)-2:]...)
	}
	return selected
}

func (b *Builder) aggregate(clusters, selected []string, field string) map[string]float64 {
	agg := make(map[string]float64)
	for _, cluster := range clusters {
		for _, m := range selected {
			for _, row := range b.store.MonthlyRows(cluster, m) {
				if row.Username == "" {
					continue
				}
				val, ok := row.Value(field)
				if !ok || val == 0 {
					continue
				}
				agg[row.Username] += val
			}
		}
	}
	return agg
}

func (b *Builder) write(window, metric string, agg map[string]float64) (string, error) {
	doc := Document{
		Asof:   b.now().UTC().Format(asofLayout),
		Metric: metric,
		Rows:   rank(agg),
		Window: window,
	}
	tree := b.store.Tree()
	path := tree.LeaderboardPath(window, metric)
	if err := fsio.WriteJSON(path, &doc); err != nil {
		return "", fmt.Errorf("leaderboard: write %s: %w", path, err)
	}
	if metric == MetricClockHours {
		alias := tree.LeaderboardAliasPath(window)
		if err := fsio.WriteJSON(alias, &doc); err != nil {
			return "", fmt.Errorf("leaderboard: write %s: %w", alias, err)
		}
	}
	return path, nil
}

// rank orders users by descending value, username ascending on ties, and
// assigns standard competition ranks. Values are rounded only in the
// emitted rows; ordering and tie detection use the raw sums.
func rank(agg map[string]float64) []Row {
	users := make([]string, 0, len(agg))
	for u := range agg {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool {
		vi, vj := agg[users[i]], agg[users[j]]
		if vi != vj {
			return vi > vj
		}
		return users[i] < users[j]
	})

	rows := make([]Row, 0, len(users))
	r := 0
	last := 0.0
	for idx, u := range users {
		v := agg[u]
		if idx == 0 || v != last {
			r = idx + 1
			last = v
		}
		rows = append(rows, Row{Rank: r, User: u, Value: jobstats.Round6(v)})
	}
	return rows
}
