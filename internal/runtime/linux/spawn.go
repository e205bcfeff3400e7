//go:build linux

// Package linux implements runtime.Host with process groups, rlimits,
// cgroup v2 leaves and optional user+network namespaces.
package linux

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/p-arndt/convbox/internal/policy"
	"github.com/p-arndt/convbox/internal/runtime"
)

// DefaultThreadAllowance is the pids.max share of one Go process. pids.max
// counts threads, and the runtime starts several per process.
const DefaultThreadAllowance = 256

type HostOptions struct {
	// CgroupRoot enables per-run cgroup leaves when non-empty.
	CgroupRoot string
	// Namespaces puts children without the network capability in a fresh
	// user and network namespace.
	Namespaces      bool
	ThreadAllowance int
}

type Host struct {
	opts    HostOptions
	cgroups bool
	logger  *slog.Logger
}

func NewHost(opts HostOptions, logger *slog.Logger) *Host {
	if opts.ThreadAllowance <= 0 {
		opts.ThreadAllowance = DefaultThreadAllowance
	}
	h := &Host{opts: opts, logger: logger}
	if opts.CgroupRoot != "" {
		if err := PrepareCgroupRoot(opts.CgroupRoot); err != nil {
			logger.Warn("cgroups disabled, memory is policed by the watchdog only", "root", opts.CgroupRoot, "error", err)
		} else {
			h.cgroups = true
		}
	}
	return h
}

// CgroupsEnabled reports whether the cgroup root was usable at startup.
func (h *Host) CgroupsEnabled() bool {
	return h.cgroups
}

func (h *Host) Launch(newCmd func() *exec.Cmd, spec runtime.LaunchSpec) (*exec.Cmd, runtime.Controller, error) {
	c := &controller{}
	if h.cgroups {
		path, err := CreateCgroup(h.opts.CgroupRoot, spec.RunID, CgroupConfig{
			MemLimitBytes: spec.Limits.MaxMemory,
			PidsLimit:     h.pidsLimit(spec.Limits),
		})
		if err != nil {
			h.logger.Warn("cgroup leaf unavailable", "run_id", spec.RunID, "error", err)
		} else {
			c.cgroup = path
		}
	}

	useNS := h.opts.Namespaces && !spec.Network
	useFD := c.cgroup != ""

	var cmd *exec.Cmd
	var err error
retry:
	for {
		cmd, err = start(newCmd, c.cgroup, useNS, useFD)
		if err == nil || !retryable(err) {
			break
		}
		switch {
		case useNS:
			h.logger.Warn("namespaces denied, starting without them", "run_id", spec.RunID, "error", err)
			useNS = false
		case useFD:
			h.logger.Debug("clone into cgroup failed, attaching after start", "run_id", spec.RunID, "error", err)
			useFD = false
		default:
			break retry
		}
	}
	if err != nil {
		c.release()
		return nil, nil, fmt.Errorf("start child: %w", err)
	}

	c.pid = cmd.Process.Pid
	c.namespaces = useNS

	if c.cgroup != "" && !useFD {
		if err := AttachToCgroup(c.cgroup, c.pid); err != nil {
			h.logger.Warn("attach to cgroup failed", "run_id", spec.RunID, "pid", c.pid, "error", err)
			_ = RemoveCgroup(c.cgroup)
			c.cgroup = ""
		}
	}

	if err := ApplyRlimits(c.pid, spec.Limits, c.cgroup == ""); err != nil {
		_ = KillGroup(c.pid)
		_ = cmd.Wait()
		c.release()
		return nil, nil, err
	}

	return cmd, c, nil
}

func (h *Host) pidsLimit(l policy.ResourceLimits) int {
	return h.opts.ThreadAllowance * (1 + l.MaxSubprocesses)
}

func start(newCmd func() *exec.Cmd, cgPath string, namespaces, cgroupFD bool) (*exec.Cmd, error) {
	cmd := newCmd()
	attr := &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}

	if namespaces {
		uid, gid := os.Getuid(), os.Getgid()
		attr.Cloneflags = syscall.CLONE_NEWUSER | syscall.CLONE_NEWNET
		attr.UidMappings = []syscall.SysProcIDMap{{ContainerID: uid, HostID: uid, Size: 1}}
		attr.GidMappings = []syscall.SysProcIDMap{{ContainerID: gid, HostID: gid, Size: 1}}
	}

	if cgroupFD {
		fd, err := OpenCgroupFD(cgPath)
		if err != nil {
			return nil, err
		}
		defer unix.Close(fd)
		attr.UseCgroupFD = true
		attr.CgroupFD = fd
	}

	cmd.SysProcAttr = attr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd, nil
}

// retryable reports whether a start failure looks like a denied isolation
// feature rather than a broken helper.
func retryable(err error) bool {
	for _, errno := range []error{unix.EPERM, unix.EACCES, unix.EINVAL, unix.ENOSYS, unix.EOPNOTSUPP, unix.EBADF} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}

type controller struct {
	pid        int
	cgroup     string
	namespaces bool
}

func (c *controller) Usage() (runtime.Usage, error) {
	members, err := GroupMembers(c.pid)
	if err != nil {
		return runtime.Usage{}, err
	}
	u := runtime.Usage{Processes: len(members)}
	for _, m := range members {
		u.CPUTime += m.CPU
		if rss, err := ReadRSS(m.PID); err == nil {
			u.RSSBytes += rss
		}
	}
	return u, nil
}

func (c *controller) OOMKilled() bool {
	if c.cgroup == "" {
		return false
	}
	n, err := CgroupOOMKills(c.cgroup)
	return err == nil && n > 0
}

// Interrupt asks only the leader to exit. Descendants are left to Sweep.
func (c *controller) Interrupt() error {
	return KillProcess(c.pid)
}

func (c *controller) Kill() error {
	var errs []error
	if err := KillGroup(c.pid); err != nil {
		errs = append(errs, err)
	}
	if c.cgroup != "" {
		if err := KillCgroup(c.cgroup); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *controller) Sweep() (int, error) {
	n, err := SweepGroup(c.pid, time.Second)
	if c.cgroup != "" {
		// Members that left the process group are still in the leaf.
		if pids, _ := CgroupProcs(c.cgroup); len(pids) > 0 {
			n += len(pids)
			if kerr := KillCgroup(c.cgroup); kerr != nil {
				err = errors.Join(err, kerr)
			}
		}
	}
	return n, err
}

func (c *controller) Release() error {
	return c.release()
}

func (c *controller) release() error {
	if c.cgroup == "" {
		return nil
	}
	return RemoveCgroup(c.cgroup)
}

func (c *controller) Isolation() runtime.Isolation {
	return runtime.Isolation{Cgroup: c.cgroup, Namespaces: c.namespaces, Rlimits: true}
}
