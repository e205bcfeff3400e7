//go:build linux

package linux

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// KillProcess sends SIGTERM to pid. A process that is already gone is not
// an error.
func KillProcess(pid int) error {
	return signal(pid, unix.SIGTERM)
}

// KillGroup sends SIGKILL to every member of process group pgid.
func KillGroup(pgid int) error {
	if pgid <= 1 {
		return fmt.Errorf("refusing to signal process group %d", pgid)
	}
	return signal(-pgid, unix.SIGKILL)
}

func signal(pid int, sig unix.Signal) error {
	if err := unix.Kill(pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("kill %d with %s: %w", pid, unix.SignalName(sig), err)
	}
	return nil
}

// ProcessAlive reports whether pid exists. EPERM means it exists but
// belongs to someone else.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// SweepGroup kills whatever is left in pgid and waits up to timeout for the
// group to empty. It returns how many members it found on the first scan.
func SweepGroup(pgid int, timeout time.Duration) (int, error) {
	members, err := GroupMembers(pgid)
	if err != nil {
		return 0, err
	}
	if len(members) == 0 {
		return 0, nil
	}
	if err := KillGroup(pgid); err != nil {
		return len(members), err
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		left, err := GroupMembers(pgid)
		if err != nil {
			return len(members), err
		}
		if len(left) == 0 {
			return len(members), nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return len(members), fmt.Errorf("process group %d still has members after %s", pgid, timeout)
}
