//go:build !unix

package runtime

import "os"

func exitSignal(*os.ProcessState) string { return "" }
