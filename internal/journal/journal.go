// Package journal persists a history of poll ticks to SQLite for the API
// and for operators. It is observability only: tick correctness never
// depends on it, and a journal failure never fails a tick.
package journal

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

const (
	DefaultRetentionDays = 90
	defaultQueueSize     = 256
	defaultRecentLimit   = 50
)

// Config holds journal database settings.
type Config struct {
	Path          string
	RetentionDays int
	QueueSize     int
}

// TickRecord is one completed poll tick. The JSON tags shape the /ticks
// API responses.
type TickRecord struct {
	ID            string    `json:"id"`
	Cluster       string    `json:"cluster"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
	Phase         string    `json:"phase"` // historical | incremental
	Month         string    `json:"month"`
	Status        string    `json:"status"`
	Processed     int       `json:"processed"`
	NewJobs       int       `json:"new_jobs"`
	MonthsChanged []string  `json:"months_changed"`
	UsersChanged  int       `json:"users_changed"`
	NewUsers      int       `json:"new_users"`
	Error         string    `json:"error,omitempty"`
}

// Journal owns the SQLite handle and an async writer so recording a tick
// never blocks the poll path.
type Journal struct {
	db        *sql.DB
	writer    *writer
	retention int
	log       *zap.Logger
}

// Open creates the database directory and file, applies the WAL pragmas,
// ensures the schema, and starts the async writer. Rows past retention are
// purged once at open.
func Open(cfg Config, log *zap.Logger) (*Journal, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("journal: database path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("journal: creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("journal: opening database: %w", err)
	}
	// WAL gives concurrent readers with a single writer; keep a couple of
	// connections so API reads don't queue behind tick writes.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("journal: setting pragma %q: %w", p, err)
		}
	}
	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: creating schema: %w", err)
	}

	retention := cfg.RetentionDays
	if retention <= 0 {
		retention = DefaultRetentionDays
	}
	j := &Journal{
		db:        db,
		writer:    newWriter(db, cfg.QueueSize, log),
		retention: retention,
		log:       log,
	}
	if err := j.Cleanup(); err != nil {
		log.Warn("journal startup cleanup failed", zap.Error(err))
	}
	return j, nil
}

func createSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tick_runs (
			id TEXT PRIMARY KEY,
			cluster TEXT NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL,
			phase TEXT NOT NULL,
			month TEXT NOT NULL,
			status TEXT NOT NULL,
			processed INTEGER NOT NULL,
			new_jobs INTEGER NOT NULL,
			months_changed TEXT NOT NULL,
			users_changed INTEGER NOT NULL,
			new_users INTEGER NOT NULL,
			error TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tick_runs_cluster_started
			ON tick_runs(cluster, started_at)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Record queues one tick for insertion. Missing IDs are assigned. The
// insert happens on the writer goroutine; failures are logged and dropped.
func (j *Journal) Record(rec TickRecord) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	j.writer.enqueue(func(db *sql.DB) {
		_, err := db.Exec(
			`INSERT INTO tick_runs
				(id, cluster, started_at, finished_at, phase, month, status,
				 processed, new_jobs, months_changed, users_changed, new_users, error)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID,
			rec.Cluster,
			rec.StartedAt.UTC().Format(time.RFC3339),
			rec.FinishedAt.UTC().Format(time.RFC3339),
			rec.Phase,
			rec.Month,
			rec.Status,
			rec.Processed,
			rec.NewJobs,
			strings.Join(rec.MonthsChanged, ","),
			rec.UsersChanged,
			rec.NewUsers,
			rec.Error,
		)
		if err != nil {
			j.log.Warn("journal insert failed",
				zap.String("cluster", rec.Cluster), zap.Error(err))
		}
	})
}

// RecentTicks returns ticks in reverse chronological order. An empty
// cluster matches all clusters; limit <= 0 uses the default.
func (j *Journal) RecentTicks(cluster string, limit int) ([]TickRecord, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	query := `SELECT id, cluster, started_at, finished_at, phase, month, status,
			processed, new_jobs, months_changed, users_changed, new_users, error
		FROM tick_runs`
	args := []any{}
	if cluster != "" {
		query += ` WHERE cluster = ?`
		args = append(args, cluster)
	}
	query += ` ORDER BY started_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := j.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: query ticks: %w", err)
	}
	defer rows.Close()

	var out []TickRecord
	for rows.Next() {
		var rec TickRecord
		var started, finished, monthsCSV string
		if err := rows.Scan(
			&rec.ID, &rec.Cluster, &started, &finished, &rec.Phase,
			&rec.Month, &rec.Status, &rec.Processed, &rec.NewJobs,
			&monthsCSV, &rec.UsersChanged, &rec.NewUsers, &rec.Error,
		); err != nil {
			return nil, fmt.Errorf("journal: scan tick: %w", err)
		}
		rec.StartedAt, _ = time.Parse(time.RFC3339, started)
		rec.FinishedAt, _ = time.Parse(time.RFC3339, finished)
		if monthsCSV != "" {
			rec.MonthsChanged = strings.Split(monthsCSV, ",")
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Cleanup deletes ticks older than the retention window. Timestamps are
// stored as UTC RFC3339 text, so the cutoff comparison is lexicographic.
func (j *Journal) Cleanup() error {
	cutoff := time.Now().UTC().AddDate(0, 0, -j.retention).Format(time.RFC3339)
	if _, err := j.db.Exec(`DELETE FROM tick_runs WHERE started_at < ?`, cutoff); err != nil {
		return fmt.Errorf("journal: cleanup: %w", err)
	}
	return nil
}

// DroppedCount reports writes dropped on backpressure or after close.
func (j *Journal) DroppedCount() uint64 {
	return j.writer.droppedCount()
}

// Close drains pending writes and closes the database.
func (j *Journal) Close() error {
	j.writer.drain()
	return j.db.Close()
}
