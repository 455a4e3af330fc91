// Package rollup owns the aggregate JSON artifacts: per-cluster monthly
// rollups and per-user all-time aggregates. All writes are atomic and all
// documents are compact JSON with sorted keys.
package rollup

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/slurmboard/slurmboard/internal/fsio"
	"github.com/slurmboard/slurmboard/internal/layout"
	"github.com/slurmboard/slurmboard/pkg/jobstats"
)

// SchemaVersion marks the user-aggregate document layout.
const SchemaVersion = 1

// asofLayout renders UTC wall time; the trailing Z is literal.
const asofLayout = "2006-01-02T15:04:05Z"

// MonthlyDoc is one cluster-month rollup file. Metric values are rounded to
// 6 decimals at write time.
type MonthlyDoc struct {
	Asof    string             `json:"asof"`
	Cluster string             `json:"cluster"`
	Month   string             `json:"month"`
	Users   []jobstats.UserRow `json:"users"`
}

// ClusterEntry is one cluster's slice of a user aggregate, kept at full
// float precision.
type ClusterEntry struct {
	Asof string `json:"asof"`
	jobstats.Metrics
}

// UserAggregate is the per-user document under agg/users/. The clusters map
// normally holds one entry (the owning cluster's); the nesting keeps room
// for merged views.
type UserAggregate struct {
	Clusters      map[string]*ClusterEntry `json:"clusters"`
	SchemaVersion int                      `json:"schema_version"`
	Username      string                   `json:"username"`
}

// Store reads and writes the aggregate tree for all clusters under one root.
type Store struct {
	tree layout.Tree
	log  *zap.Logger

	// now is injectable so tests can pin asof stamps.
	now func() time.Time
}

func NewStore(tree layout.Tree, log *zap.Logger) *Store {
	return &Store{tree: tree, log: log, now: time.Now}
}

// Tree exposes the path layout for callers that list artifacts directly.
func (s *Store) Tree() layout.Tree { return s.tree }

func (s *Store) asof() string {
	return s.now().UTC().Format(asofLayout)
}

// LoadMonthlyMap returns the user-to-metrics accumulator for one month.
// A missing file yields an empty map; an unreadable one is quarantined to
// <path>.bad and also yields an empty map, so a poisoned artifact can never
// wedge the pipeline.
func (s *Store) LoadMonthlyMap(cluster, month string) map[string]jobstats.Metrics {
	accum := make(map[string]jobstats.Metrics)
	var doc MonthlyDoc
	err := fsio.ReadJSON(s.tree.MonthlyPath(cluster, month), &doc)
	if errors.Is(err, fs.ErrNotExist) {
		return accum
	}
	if err != nil {
		s.quarantine(s.tree.MonthlyPath(cluster, month), err)
		return accum
	}
	for _, row := range doc.Users {
		if row.Username == "" {
			continue
		}
		accum[row.Username] = row.Metrics
	}
	return accum
}

// LoadMonthlyDoc reads one monthly rollup document verbatim. Missing files
// report fs.ErrNotExist.
func (s *Store) LoadMonthlyDoc(cluster, month string) (*MonthlyDoc, error) {
	var doc MonthlyDoc
	if err := fsio.ReadJSON(s.tree.MonthlyPath(cluster, month), &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// MonthlyRows returns the month's user rows for read-only consumers.
// Missing and unreadable files both yield no rows without quarantining:
// the leaderboard builder must not disturb an artifact the reducer may
// still recover.
func (s *Store) MonthlyRows(cluster, month string) []jobstats.UserRow {
	doc, err := s.LoadMonthlyDoc(cluster, month)
	if err != nil {
		return nil
	}
	return doc.Users
}

// SaveMonthly writes the month's rollup: rows ascending by username, metric
// values rounded to 6 decimals, fresh asof stamp.
func (s *Store) SaveMonthly(cluster, month string, accum map[string]jobstats.Metrics) error {
	users := make([]string, 0, len(accum))
	for u := range accum {
		users = append(users, u)
	}
	sort.Strings(users)

	rows := make([]jobstats.UserRow, 0, len(users))
	for _, u := range users {
		rows = append(rows, jobstats.UserRow{Metrics: accum[u].Rounded(), Username: u})
	}
	doc := MonthlyDoc{
		Asof:    s.asof(),
		Cluster: cluster,
		Month:   month,
		Users:   rows,
	}
	return fsio.WriteJSON(s.tree.MonthlyPath(cluster, month), &doc)
}

// EnsureMonthly creates an empty rollup document when none exists, so a
// polled month always has an artifact even with zero finished jobs. Returns
// whether a file was created.
func (s *Store) EnsureMonthly(cluster, month string) (bool, error) {
	path := s.tree.MonthlyPath(cluster, month)
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := s.SaveMonthly(cluster, month, nil); err != nil {
		return false, err
	}
	return true, nil
}

// LoadUserAggregate returns the user's aggregate document. Missing files
// yield a fresh document; corrupt ones are quarantined first.
func (s *Store) LoadUserAggregate(cluster, username string) *UserAggregate {
	path := s.tree.UserPath(cluster, username)
	var doc UserAggregate
	err := fsio.ReadJSON(path, &doc)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.quarantine(path, err)
		}
		doc = UserAggregate{SchemaVersion: SchemaVersion, Username: username}
	}
	if doc.Clusters == nil {
		doc.Clusters = make(map[string]*ClusterEntry)
	}
	if doc.Username == "" {
		doc.Username = username
	}
	return &doc
}

// SaveUserAggregate writes the document atomically.
func (s *Store) SaveUserAggregate(cluster string, doc *UserAggregate) error {
	return fsio.WriteJSON(s.tree.UserPath(cluster, doc.Username), doc)
}

// ApplyUserDeltas merges per-user metric deltas into the cluster's user
// aggregates (read-modify-write per user, full precision, fresh asof).
func (s *Store) ApplyUserDeltas(cluster string, deltas map[string]jobstats.Metrics) error {
	asof := s.asof()
	for user, delta := range deltas {
		doc := s.LoadUserAggregate(cluster, user)
		entry, ok := doc.Clusters[cluster]
		if !ok {
			entry = &ClusterEntry{}
			doc.Clusters[cluster] = entry
		}
		entry.Add(delta)
		entry.Asof = asof
		if err := s.SaveUserAggregate(cluster, doc); err != nil {
			return fmt.Errorf("apply deltas for user %s: %w", user, err)
		}
	}
	return nil
}

func (s *Store) quarantine(path string, cause error) {
	if err := fsio.Quarantine(path); err != nil {
		s.log.Warn("quarantine failed", zap.String("path", path), zap.Error(err))
		return
	}
	s.log.Warn("quarantined corrupt artifact",
		zap.String("path", path), zap.Error(cause))
}
