// Package cursor tracks per-cluster backfill progress in poll_cursor.json
// and guards each cluster's state directory with an advisory file lock.
package cursor

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/slurmboard/slurmboard/internal/fsio"
	"github.com/slurmboard/slurmboard/internal/months"
)

// ErrLocked reports that another process holds the cluster lock.
var ErrLocked = errors.New("cursor: lock held by another process")

// State is the on-disk cursor document. BackfillStart is a month key
// (YYYY-MM); the nullable fields marshal as JSON null while unset.
type State struct {
	BackfillStart     string  `json:"backfill_start"`
	InProgress        *string `json:"in_progress"`
	LastCompleteMonth *string `json:"last_complete_month"`
}

// File reads and writes one cluster's cursor state.
type File struct {
	path string
	log  *zap.Logger
}

func NewFile(path string, log *zap.Logger) *File {
	return &File{path: path, log: log}
}

func (f *File) Path() string { return f.path }

// Load returns the stored state. A missing file yields the zero state;
// an unreadable one is quarantined and likewise treated as fresh, so a
// damaged cursor restarts the backfill rather than wedging the poller.
func (f *File) Load() State {
	var st State
	if err := fsio.ReadJSON(f.path, &st); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return State{}
		}
		if qerr := fsio.Quarantine(f.path); qerr != nil {
			f.log.Warn("cursor quarantine failed",
				zap.String("path", f.path), zap.Error(qerr))
		} else {
			f.log.Warn("quarantined corrupt cursor",
				zap.String("path", f.path), zap.Error(err))
		}
		return State{}
	}
	return st
}

func (f *File) Save(st State) error {
	if err := fsio.WriteJSON(f.path, st); err != nil {
		return fmt.Errorf("cursor: save %s: %w", f.path, err)
	}
	return nil
}

// DetermineNext picks the next historical month to process. A month left
// in progress by an interrupted run is always retried first, even when it
// has since become the current month. Otherwise the walk resumes after
// last_complete_month (or at backfill_start on a fresh cursor) and stops
// once it reaches currentMonth, which belongs to the incremental path.
func DetermineNext(st State, currentMonth string) (string, bool) {
	if st.InProgress != nil && *st.InProgress != "" {
		return *st.InProgress, true
	}
	candidate := st.BackfillStart
	if st.LastCompleteMonth != nil && *st.LastCompleteMonth != "" {
		next, err := months.Next(*st.LastCompleteMonth)
		if err != nil {
			return "", false
		}
		candidate = next
	}
	if candidate >= currentMonth {
		return "", false
	}
	return candidate, true
}

// Lock holds an exclusive advisory flock on a cluster's state directory.
type Lock struct {
	fl *flock.Flock
}

// Acquire takes the lock without blocking. Contention yields ErrLocked.
func Acquire(path string) (*Lock, error) {
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("cursor: lock %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	}
	return &Lock{fl: fl}, nil
}

func (l *Lock) Release() error {
	return l.fl.Unlock()
}
