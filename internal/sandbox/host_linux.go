//go:build linux

package sandbox

import (
	"log/slog"

	"github.com/p-arndt/convbox/internal/runtime/linux"
)

// NewPlatformHost returns the Linux host: process groups and rlimits
// always, cgroup leaves and namespaces when configured and available.
func NewPlatformHost(opts HostOptions, logger *slog.Logger) PlatformHost {
	return linux.NewHost(linux.HostOptions{
		CgroupRoot:      opts.CgroupRoot,
		Namespaces:      opts.Namespaces,
		ThreadAllowance: opts.ThreadAllowance,
	}, logger)
}
