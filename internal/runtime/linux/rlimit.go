//go:build linux

package linux

import (
	"fmt"
	"math"

	"golang.org/x/sys/unix"

	"github.com/p-arndt/convbox/internal/policy"
)

// reservedFDs covers stdio, the two protocol pipes and the Go runtime's
// poller descriptors.
const reservedFDs = 16

// dataHeadroom is added to MaxMemory for RLIMIT_DATA. It covers the
// interpreter and the writable mappings of the binary.
const dataHeadroom = 64 << 20

// ApplyRlimits lowers kernel limits on a running child. With dataLimit set,
// RLIMIT_DATA caps memory at MaxMemory plus headroom; that is the kernel
// ceiling when no cgroup leaf is available. RLIMIT_AS and RLIMIT_NPROC are
// never set: the Go runtime reserves far more address space than it uses,
// and NPROC counts every process of the user.
func ApplyRlimits(pid int, l policy.ResourceLimits, dataLimit bool) error {
	if l.MaxCPUTime > 0 {
		secs := uint64(math.Ceil(l.MaxCPUTime.Seconds()))
		if secs == 0 {
			secs = 1
		}
		// Soft limit raises SIGXCPU, the hard one a second later is SIGKILL.
		if err := prlimit(pid, unix.RLIMIT_CPU, secs, secs+1); err != nil {
			return err
		}
	}
	if l.MaxOutputBytes > 0 {
		n := uint64(l.MaxOutputBytes)
		if err := prlimit(pid, unix.RLIMIT_FSIZE, n, n); err != nil {
			return err
		}
	}
	if dataLimit && l.MaxMemory > 0 {
		n := uint64(l.MaxMemory) + dataHeadroom
		if err := prlimit(pid, unix.RLIMIT_DATA, n, n); err != nil {
			return err
		}
	}
	if l.MaxOpenFiles > 0 {
		n := uint64(l.MaxOpenFiles + reservedFDs)
		if err := prlimit(pid, unix.RLIMIT_NOFILE, n, n); err != nil {
			return err
		}
	}
	return nil
}

func prlimit(pid, resource int, soft, hard uint64) error {
	lim := unix.Rlimit{Cur: soft, Max: hard}
	if err := unix.Prlimit(pid, resource, &lim, nil); err != nil {
		return fmt.Errorf("prlimit %s on %d: %w", rlimitName(resource), pid, err)
	}
	return nil
}

func rlimitName(resource int) string {
	switch resource {
	case unix.RLIMIT_CPU:
		return "RLIMIT_CPU"
	case unix.RLIMIT_FSIZE:
		return "RLIMIT_FSIZE"
	case unix.RLIMIT_NOFILE:
		return "RLIMIT_NOFILE"
	case unix.RLIMIT_DATA:
		return "RLIMIT_DATA"
	}
	return fmt.Sprintf("resource %d", resource)
}
