//go:build linux

package linux

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/p-arndt/convbox/protocol"
)

// IsSandboxChild reports whether pid is a live group leader that a convbox
// host started. /proc/<pid>/environ holds the initial environment, so the
// child marker is still visible after the child unsets it.
func IsSandboxChild(pid int) bool {
	st, err := ReadProcStat(pid)
	if err != nil || st.PGID != pid || st.State == 'Z' || st.State == 'X' {
		return false
	}
	env, err := os.ReadFile(fmt.Sprintf("/proc/%d/environ", pid))
	if err != nil {
		return false
	}
	for _, kv := range bytes.Split(env, []byte{0}) {
		if string(kv) == protocol.EnvChild+"=1" {
			return true
		}
	}
	return false
}

// HostAlive reports whether pid, recorded as the host of a run, exists.
func (h *Host) HostAlive(pid int) bool {
	return ProcessAlive(pid)
}

// Reclaim kills what is left of a run recorded by an earlier host: the
// child's process group if the pid still belongs to a sandbox child, and the
// run's cgroup leaf. It reports whether anything was still alive.
func (h *Host) Reclaim(pid int, cgroup string) (bool, error) {
	var alive bool
	var errs []error
	if pid > 1 && IsSandboxChild(pid) {
		alive = true
		if err := KillGroup(pid); err != nil {
			errs = append(errs, err)
		}
	}
	if cgroup != "" && cgroupExists(cgroup) {
		if procs, _ := CgroupProcs(cgroup); len(procs) > 0 {
			alive = true
			if err := KillCgroup(cgroup); err != nil {
				errs = append(errs, err)
			}
		}
		if err := RemoveCgroup(cgroup); err != nil {
			errs = append(errs, err)
		}
	}
	return alive, errors.Join(errs...)
}
