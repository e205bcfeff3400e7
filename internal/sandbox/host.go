package sandbox

import "github.com/p-arndt/convbox/internal/runtime"

type HostOptions struct {
	// CgroupRoot enables per-run cgroup leaves when non-empty.
	CgroupRoot      string
	Namespaces      bool
	ThreadAllowance int
}

// PlatformHost launches children and can also kill what an earlier host
// left behind.
type PlatformHost interface {
	runtime.Host
	Reclaim(pid int, cgroup string) (bool, error)
	HostAlive(pid int) bool
	// CgroupsEnabled reports whether runs get a cgroup leaf with a kernel
	// memory ceiling.
	CgroupsEnabled() bool
}
