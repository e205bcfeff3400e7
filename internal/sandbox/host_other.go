//go:build !linux

package sandbox

import (
	"log/slog"

	"github.com/p-arndt/convbox/internal/runtime"
)

// NewPlatformHost returns a host without kernel-level limits. Wall time,
// heartbeats and output volume are still enforced.
func NewPlatformHost(opts HostOptions, logger *slog.Logger) PlatformHost {
	if opts.CgroupRoot != "" || opts.Namespaces {
		logger.Warn("cgroups and namespaces need Linux; running without them")
	}
	return runtime.BasicHost{}
}
