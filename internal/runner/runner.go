// Package runner is the child side of a sandbox run. The host re-executes a
// binary that calls Main when IsChild reports true; the child then speaks the
// wire protocol on descriptors 3 and 4 and interprets one converter.
package runner

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime/debug"

	"github.com/p-arndt/convbox/internal/policy"
	"github.com/p-arndt/convbox/protocol"
)

// Child exit codes.
const (
	ExitOK        = 0
	ExitProtocol  = 1
	ExitBootstrap = 2
	ExitResource  = 3
)

// IsChild reports whether this process was launched as a sandbox child.
func IsChild() bool {
	return os.Getenv(protocol.EnvChild) == "1"
}

// Main runs the child until SHUTDOWN or end of input and exits.
func Main() {
	os.Exit(run())
}

func run() int {
	boot, err := loadBootstrap()
	if err != nil {
		fmt.Fprintf(os.Stderr, "convbox child: %v\n", err)
		return ExitBootstrap
	}

	in, out, err := openChannel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "convbox child: %v\n", err)
		return ExitBootstrap
	}

	if boot.MaxMemory > 0 {
		// Collect harder before the host's ceiling is reached.
		debug.SetMemoryLimit(boot.MaxMemory / 4 * 3)
	}
	if err := os.Chdir(boot.WorkDir); err != nil {
		fmt.Fprintf(os.Stderr, "convbox child: enter work dir: %v\n", err)
		return ExitBootstrap
	}

	caps, err := policy.ParseCapabilitySet(boot.Capabilities)
	if err != nil {
		fmt.Fprintf(os.Stderr, "convbox child: %v\n", err)
		return ExitBootstrap
	}

	s := newServer(boot, caps, in, out)
	return s.serve()
}

// loadBootstrap reads and removes the bootstrap variables so converters
// never see them.
func loadBootstrap() (protocol.Bootstrap, error) {
	raw := os.Getenv(protocol.EnvBootstrap)
	os.Unsetenv(protocol.EnvBootstrap)
	os.Unsetenv(protocol.EnvChild)
	if raw == "" {
		return protocol.Bootstrap{}, errors.New("missing bootstrap")
	}

	var boot protocol.Bootstrap
	if err := json.Unmarshal([]byte(raw), &boot); err != nil {
		return protocol.Bootstrap{}, fmt.Errorf("decode bootstrap: %w", err)
	}
	if boot.Root == "" || boot.WorkDir == "" {
		return protocol.Bootstrap{}, errors.New("bootstrap without root or work dir")
	}
	return boot, nil
}

func openChannel() (*os.File, *os.File, error) {
	for _, fd := range []int{protocol.ChildReadFD, protocol.ChildWriteFD} {
		if err := closeOnExec(fd); err != nil {
			return nil, nil, fmt.Errorf("protocol descriptor %d: %w", fd, err)
		}
	}
	in := os.NewFile(uintptr(protocol.ChildReadFD), "convbox-in")
	out := os.NewFile(uintptr(protocol.ChildWriteFD), "convbox-out")
	if in == nil || out == nil {
		return nil, nil, errors.New("protocol descriptors missing")
	}
	return in, out, nil
}
