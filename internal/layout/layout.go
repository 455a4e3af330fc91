// Package layout maps the on-disk artifact tree. Everything lives under a
// single root:
//
//	clusters/<cluster>/
//	  state/lock
//	  state/poll_cursor.json
//	  state/seen/<YYYY-MM>.bloom
//	  agg/rollups/monthly/<YYYY-MM>.json
//	  agg/users/<username>.json
//	leaderboards/<window>_<metric>.json (+ <window>.json alias)
//	slurmboard.db
package layout

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Tree resolves artifact paths under a root directory.
type Tree struct {
	Root string
}

func New(root string) Tree {
	return Tree{Root: root}
}

func (t Tree) ClustersDir() string {
	return filepath.Join(t.Root, "clusters")
}

func (t Tree) ClusterDir(cluster string) string {
	return filepath.Join(t.ClustersDir(), cluster)
}

func (t Tree) StateDir(cluster string) string {
	return filepath.Join(t.ClusterDir(cluster), "state")
}

func (t Tree) LockPath(cluster string) string {
	return filepath.Join(t.StateDir(cluster), "lock")
}

func (t Tree) CursorPath(cluster string) string {
	return filepath.Join(t.StateDir(cluster), "poll_cursor.json")
}

func (t Tree) SeenDir(cluster string) string {
	return filepath.Join(t.StateDir(cluster), "seen")
}

func (t Tree) SeenPath(cluster, month string) string {
	return filepath.Join(t.SeenDir(cluster), month+".bloom")
}

func (t Tree) MonthlyDir(cluster string) string {
	return filepath.Join(t.ClusterDir(cluster), "agg", "rollups", "monthly")
}

func (t Tree) MonthlyPath(cluster, month string) string {
	return filepath.Join(t.MonthlyDir(cluster), month+".json")
}

func (t Tree) UsersDir(cluster string) string {
	return filepath.Join(t.ClusterDir(cluster), "agg", "users")
}

func (t Tree) UserPath(cluster, username string) string {
	return filepath.Join(t.UsersDir(cluster), username+".json")
}

func (t Tree) LeaderboardsDir() string {
	return filepath.Join(t.Root, "leaderboards")
}

func (t Tree) LeaderboardPath(window, metric string) string {
	return filepath.Join(t.LeaderboardsDir(), window+"_"+metric+".json")
}

// LeaderboardAliasPath is the legacy single-file name kept for consumers
// that predate per-metric leaderboards.
func (t Tree) LeaderboardAliasPath(window string) string {
	return filepath.Join(t.LeaderboardsDir(), window+".json")
}

// DefaultDatabasePath is where the tick journal lives unless configured.
func (t Tree) DefaultDatabasePath() string {
	return filepath.Join(t.Root, "slurmboard.db")
}

// Clusters lists cluster directories that have a monthly rollup tree,
// sorted ascending.
func (t Tree) Clusters() []string {
	entries, err := os.ReadDir(t.ClustersDir())
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if info, err := os.Stat(t.MonthlyDir(e.Name())); err == nil && info.IsDir() {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out
}

// Months lists the months with a rollup file for one cluster, sorted
// ascending.
func (t Tree) Months(cluster string) []string {
	entries, err := os.ReadDir(t.MonthlyDir(cluster))
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasSuffix(name, ".json") && len(name) == len("2006-01.json") {
			out = append(out, strings.TrimSuffix(name, ".json"))
		}
	}
	sort.Strings(out)
	return out
}

// AllMonths is the union of Months across every cluster, sorted ascending.
func (t Tree) AllMonths() []string {
	seen := map[string]struct{}{}
	for _, c := range t.Clusters() {
		for _, m := range t.Months(c) {
			seen[m] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// KnownUsers lists usernames with an aggregate file for one cluster.
func (t Tree) KnownUsers(cluster string) map[string]struct{} {
	entries, err := os.ReadDir(t.UsersDir(cluster))
	if err != nil {
		return map[string]struct{}{}
	}
	out := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		name := e.Name()
		if strings.HasSuffix(name, ".json") {
			out[strings.TrimSuffix(name, ".json")] = struct{}{}
		}
	}
	return out
}
