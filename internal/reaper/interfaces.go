package reaper

import (
	"time"

	"github.com/p-arndt/convbox/internal/store"
)

// ReaperStore abstracts store operations needed by the reaper.
type ReaperStore interface {
	ListRunningRuns() ([]*store.Run, error)
	MarkOrphaned(id, message string) error
	PruneFinished(before time.Time) (int64, error)
}

// ReaperRuntime kills what is left of a run recorded by an earlier host.
type ReaperRuntime interface {
	Reclaim(pid int, cgroup string) (bool, error)
	// HostAlive reports whether the host process that recorded a run is
	// still running, in which case the run is not an orphan.
	HostAlive(pid int) bool
}

// ReaperWorkspace abstracts workspace operations needed by the reaper.
type ReaperWorkspace interface {
	Delete(runID string) error
}

// RunTracker reports runs the current host still owns.
type RunTracker interface {
	IsActive(id string) bool
}
