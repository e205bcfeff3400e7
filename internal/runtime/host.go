package runtime

import (
	"errors"
	"os/exec"
	"time"

	"github.com/p-arndt/convbox/internal/policy"
)

// ErrUsageUnavailable is returned by controllers that cannot observe live
// resource usage on the current platform.
var ErrUsageUnavailable = errors.New("live usage accounting unavailable")

// ErrKillFailed marks a termination that could not confirm the child and
// its descendants are gone.
var ErrKillFailed = errors.New("forced termination failed")

// LaunchSpec is what a Host needs to place OS-level ceilings on a child.
type LaunchSpec struct {
	RunID   string
	Limits  policy.ResourceLimits
	Network bool
}

// Usage is a point-in-time sample for the child's process group.
type Usage struct {
	RSSBytes  int64
	CPUTime   time.Duration
	Processes int
}

// Host spawns children with OS-enforced limits.
type Host interface {
	// Launch starts a command built by newCmd. newCmd may be called more
	// than once when the host retries with fewer isolation features.
	Launch(newCmd func() *exec.Cmd, spec LaunchSpec) (*exec.Cmd, Controller, error)
}

// Controller polices one launched child and its process group.
type Controller interface {
	Usage() (Usage, error)
	OOMKilled() bool
	// Interrupt sends SIGTERM to the child.
	Interrupt() error
	// Kill sends SIGKILL to the whole group.
	Kill() error
	// Sweep kills any group members still alive after the leader exited and
	// returns how many it found.
	Sweep() (int, error)
	// Release frees per-child host resources such as cgroups.
	Release() error
	Isolation() Isolation
}

// Isolation reports which optional layers were applied at launch.
type Isolation struct {
	Cgroup     string `json:"cgroup,omitempty"`
	Namespaces bool   `json:"namespaces"`
	Rlimits    bool   `json:"rlimits"`
}
