//go:build unix

package runner

import (
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
)

func closeOnExec(fd int) error {
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0); err != nil {
		return err
	}
	unix.CloseOnExec(fd)
	return nil
}

// notifyCPULimit delivers the soft RLIMIT_CPU signal.
func notifyCPULimit() <-chan os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, unix.SIGXCPU)
	return ch
}
