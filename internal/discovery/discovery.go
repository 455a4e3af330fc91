// Package discovery finds usernames that have no aggregate file yet and
// backfills their history across already-completed months. Candidates come
// from the home directory listing and a broad sacct enumeration; the
// seen-set keeps replayed jobs from double counting, so a discovery pass is
// safe to run after every tick.
package discovery

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/slurmboard/slurmboard/internal/cursor"
	"github.com/slurmboard/slurmboard/internal/layout"
	"github.com/slurmboard/slurmboard/internal/metrics"
	"github.com/slurmboard/slurmboard/internal/months"
	"github.com/slurmboard/slurmboard/internal/normalize"
	"github.com/slurmboard/slurmboard/internal/reduce"
	"github.com/slurmboard/slurmboard/internal/sacct"
)

const asofLayout = "2006-01-02T15:04:05Z"

const (
	StatusOK               = "ok"
	StatusNoCompleteMonths = "no_complete_months"

	DefaultHomeDir    = "/home"
	DefaultLimitUsers = 5
)

// systemUsers are never treated as discovery candidates.
var systemUsers = map[string]struct{}{
	"root": {}, "daemon": {}, "bin": {}, "sys": {}, "sync": {}, "games": {},
	"man": {}, "nobody": {}, "mail": {}, "postfix": {}, "ftp": {}, "sshd": {},
	"rpc": {}, "rpcuser": {}, "dbus": {}, "ntp": {}, "operator": {},
}

// UserResult records which months changed while backfilling one new user.
type UserResult struct {
	User          string
	MonthsChanged []string
}

// Report summarizes one discovery pass.
type Report struct {
	Status        string
	Cluster       string
	Asof          string
	KnownUsers    int
	HomeUsers     int
	SacctUsers    int
	NewUsersFound int
	Processed     []UserResult
}

// Engine runs discovery for one cluster at a time. It reads the cursor to
// bound the enumeration window but never writes it.
type Engine struct {
	adapter *sacct.Adapter
	reducer *reduce.Reducer
	tree    layout.Tree
	homeDir string
	limit   int
	log     *zap.Logger
	now     func() time.Time
}

func NewEngine(adapter *sacct.Adapter, reducer *reduce.Reducer, tree layout.Tree, homeDir string, limitUsers int, log *zap.Logger) *Engine {
	if homeDir == "" {
		homeDir = DefaultHomeDir
	}
	if limitUsers <= 0 {
		limitUsers = DefaultLimitUsers
	}
	return &Engine{
		adapter: adapter,
		reducer: reducer,
		tree:    tree,
		homeDir: homeDir,
		limit:   limitUsers,
		log:     log,
		now:     time.Now,
	}
}

// Run performs one discovery pass. With no completed month there is nothing
// to retro-backfill, so it reports StatusNoCompleteMonths without touching
// sacct. Errors are reserved for reducer failures; a failed sacct call only
// shrinks the candidate set or skips a month.
func (e *Engine) Run(ctx context.Context, cluster string, ratePerMin int) (Report, error) {
	rep := Report{
		Status:  StatusOK,
		Cluster: cluster,
		Asof:    e.now().UTC().Format(asofLayout),
	}

	st := cursor.NewFile(e.tree.CursorPath(cluster), e.log).Load()
	if st.LastCompleteMonth == nil || *st.LastCompleteMonth == "" {
		rep.Status = StatusNoCompleteMonths
		return rep, nil
	}
	if st.BackfillStart == "" {
		return rep, fmt.Errorf("discovery: cursor for %s has no backfill_start", cluster)
	}
	last := *st.LastCompleteMonth
	enumUntil, err := months.Next(last)
	if err != nil {
		return rep, fmt.Errorf("discovery: %w", err)
	}

	known := e.tree.KnownUsers(cluster)
	rep.KnownUsers = len(known)

	home := e.homeUsers()
	rep.HomeUsers = len(home)
	enumerated := e.sacctUsers(ctx, cluster, ratePerMin, st.BackfillStart+"-01", enumUntil+"-01")
	rep.SacctUsers = len(enumerated)

	candidates := make(map[string]struct{}, len(home)+len(enumerated))
	for _, u := range home {
		candidates[u] = struct{}{}
	}
	for _, u := range enumerated {
		candidates[u] = struct{}{}
	}
	var newUsers []string
	for u := range candidates {
		if _, ok := known[u]; !ok {
			newUsers = append(newUsers, u)
		}
	}
	sort.Strings(newUsers)
	rep.NewUsersFound = len(newUsers)

	span := months.Span(st.BackfillStart, last)
	for _, user := range newUsers {
		if len(rep.Processed) >= e.limit {
			break
		}
		res := UserResult{User: user}
		for _, month := range span {
			changed, err := e.runUserMonth(ctx, cluster, ratePerMin, month, user)
			if err != nil {
				return rep, err
			}
			if changed {
				res.MonthsChanged = append(res.MonthsChanged, month)
			}
		}
		rep.Processed = append(rep.Processed, res)
		metrics.DiscoveryNewUsersTotal.WithLabelValues(cluster).Inc()
	}
	return rep, nil
}

// runUserMonth backfills one (user, month) pair through the standard
// fetch -> normalize -> reduce pipeline, scoped to that user. Reports
// whether the month's rollup changed.
func (e *Engine) runUserMonth(ctx context.Context, cluster string, ratePerMin int, month, user string) (bool, error) {
	untilKey, err := months.Next(month)
	if err != nil {
		return false, fmt.Errorf("discovery: %w", err)
	}
	rows, err := e.adapter.Fetch(ctx, sacct.Query{
		Cluster:    cluster,
		Since:      month + "-01",
		Until:      untilKey + "-01",
		User:       user,
		RatePerMin: ratePerMin,
	})
	if err != nil {
		e.log.Warn("user backfill fetch failed",
			zap.String("cluster", cluster),
			zap.String("user", user),
			zap.String("month", month),
			zap.Error(err))
		return false, nil
	}

	// sacct -u already scopes the query; the filter below guards against
	// accounting rows for other principals leaking into this user's pass.
	var records []normalize.Record
	for _, rec := range normalize.ParseLines(rows) {
		if rec.User == user {
			records = append(records, rec)
		}
	}

	since, err := months.Parse(month)
	if err != nil {
		return false, fmt.Errorf("discovery: %w", err)
	}
	until, err := months.Parse(untilKey)
	if err != nil {
		return false, fmt.Errorf("discovery: %w", err)
	}
	stats, err := e.reducer.Reduce(cluster, since, until, records)
	if err != nil {
		return false, fmt.Errorf("discovery: reduce %s %s: %w", user, month, err)
	}
	return len(stats.MonthsChanged) > 0, nil
}

// homeUsers lists candidate usernames from the home directory. Hidden
// entries, system accounts, single-character names, and names outside
// [A-Za-z0-9_-] are dropped; survivors are lowercased.
func (e *Engine) homeUsers() []string {
	entries, err := os.ReadDir(e.homeDir)
	if err != nil {
		return nil
	}
	var users []string
	for _, ent := range entries {
		name := ent.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		if _, denied := systemUsers[name]; denied {
			continue
		}
		if len(name) < 2 {
			continue
		}
		if !validUserName(name) {
			continue
		}
		users = append(users, strings.ToLower(name))
	}
	return users
}

// sacctUsers enumerates usernames seen by accounting over the whole
// completed window. Failures yield an empty contribution.
func (e *Engine) sacctUsers(ctx context.Context, cluster string, ratePerMin int, since, until string) []string {
	rows, err := e.adapter.Fetch(ctx, sacct.Query{
		Cluster:    cluster,
		Since:      since,
		Until:      until,
		Fields:     "User",
		RatePerMin: ratePerMin,
	})
	if err != nil {
		e.log.Warn("user enumeration failed",
			zap.String("cluster", cluster),
			zap.Error(err))
		return nil
	}
	var users []string
	for _, row := range rows {
		name, _, _ := strings.Cut(row, "|")
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		if _, denied := systemUsers[name]; denied {
			continue
		}
		users = append(users, name)
	}
	return users
}

func validUserName(name string) bool {
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return false
		}
	}
	return true
}
