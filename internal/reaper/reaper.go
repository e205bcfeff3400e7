// Package reaper cleans up after runs whose host went away and prunes old
// audit records.
package reaper

import (
	"context"
	"log/slog"
	"os"
	"time"
)

type Reaper struct {
	store      ReaperStore
	runtime    ReaperRuntime
	workspaces ReaperWorkspace
	tracker    RunTracker
	interval   time.Duration
	retention  time.Duration
	logger     *slog.Logger
}

func New(st ReaperStore, rt ReaperRuntime, ws ReaperWorkspace, interval, retention time.Duration, logger *slog.Logger) *Reaper {
	return &Reaper{
		store:      st,
		runtime:    rt,
		workspaces: ws,
		interval:   interval,
		retention:  retention,
		logger:     logger,
	}
}

// SetRunTracker makes reconciliation skip runs the tracker still owns.
func (r *Reaper) SetRunTracker(t RunTracker) {
	r.tracker = t
}

// Run reconciles once, then prunes on every tick until ctx ends.
func (r *Reaper) Run(ctx context.Context) {
	r.logger.Info("reaper started", "interval", r.interval, "retention", r.retention)

	r.Reconcile(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped")
			return
		case <-ticker.C:
			r.prune()
		}
	}
}

func (r *Reaper) prune() {
	if r.retention <= 0 {
		return
	}
	n, err := r.store.PruneFinished(time.Now().Add(-r.retention))
	if err != nil {
		r.logger.Error("reaper: prune runs", "error", err)
		return
	}
	if n > 0 {
		r.logger.Info("reaper: pruned runs", "count", n)
	}
}

// Reconcile marks every run still recorded as running, and owned neither by
// the tracker nor by another live host, as orphaned. Leftover children are killed and their run
// directories removed. It returns how many runs were orphaned.
func (r *Reaper) Reconcile(ctx context.Context) int {
	r.logger.Info("reconciliation starting")

	running, err := r.store.ListRunningRuns()
	if err != nil {
		r.logger.Error("reconcile: list running runs", "error", err)
		return 0
	}

	self := os.Getpid()
	orphaned := 0
	for _, run := range running {
		if ctx.Err() != nil {
			break
		}
		if r.tracker != nil && r.tracker.IsActive(run.ID) {
			continue
		}
		if run.HostPID > 0 && run.HostPID != self && r.runtime.HostAlive(run.HostPID) {
			r.logger.Debug("reconcile: run belongs to a live host", "run_id", run.ID, "host_pid", run.HostPID)
			continue
		}

		msg := "host exited before the run finished"
		alive, err := r.runtime.Reclaim(run.PID, run.CgroupPath)
		if err != nil {
			r.logger.Warn("reconcile: reclaim leftover child",
				"run_id", run.ID, "pid", run.PID, "error", err)
		}
		if alive {
			msg = "host exited before the run finished; leftover child killed"
			r.logger.Warn("reconcile: killed leftover child", "run_id", run.ID, "pid", run.PID)
		}

		if err := r.store.MarkOrphaned(run.ID, msg); err != nil {
			r.logger.Error("reconcile: mark orphaned", "run_id", run.ID, "error", err)
			continue
		}
		if err := r.workspaces.Delete(run.ID); err != nil {
			r.logger.Warn("reconcile: delete workspace", "run_id", run.ID, "error", err)
		}
		orphaned++
	}

	r.logger.Info("reconciliation complete", "orphaned", orphaned)
	return orphaned
}
