//go:build !unix

package runner

import "os"

func closeOnExec(int) error { return nil }

func notifyCPULimit() <-chan os.Signal { return nil }
