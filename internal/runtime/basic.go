package runtime

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// BasicHost starts children with no kernel-level limits. Only the
// wall-clock deadline, heartbeats and output volume are policed. Used on
// platforms without a dedicated Host.
type BasicHost struct{}

func (BasicHost) Launch(newCmd func() *exec.Cmd, _ LaunchSpec) (*exec.Cmd, Controller, error) {
	cmd := newCmd()
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("start child: %w", err)
	}
	return cmd, &basicController{proc: cmd.Process}, nil
}

type basicController struct {
	proc *os.Process
}

func (c *basicController) Usage() (Usage, error) { return Usage{}, ErrUsageUnavailable }

func (c *basicController) OOMKilled() bool { return false }

func (c *basicController) Interrupt() error {
	if err := c.proc.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func (c *basicController) Kill() error {
	if err := c.proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func (c *basicController) Sweep() (int, error) { return 0, nil }

func (c *basicController) Release() error { return nil }

func (c *basicController) Isolation() Isolation { return Isolation{} }

// Reclaim does nothing: without /proc a recorded pid cannot be tied to a
// sandbox child, and signalling a reused pid would hit an unrelated process.
func (BasicHost) Reclaim(int, string) (bool, error) { return false, nil }

// HostAlive always reports false; runs of other hosts are then orphaned
// without their children being touched.
func (BasicHost) HostAlive(int) bool { return false }

func (BasicHost) CgroupsEnabled() bool { return false }
