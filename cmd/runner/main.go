// Command runner is a standalone sandbox child. Point the host's helper
// path at it to avoid re-executing the host binary.
package main

import (
	"fmt"
	"os"

	"github.com/p-arndt/convbox/internal/runner"
)

func main() {
	if !runner.IsChild() {
		fmt.Fprintln(os.Stderr, "runner: must be launched by the convbox host")
		os.Exit(runner.ExitBootstrap)
	}
	runner.Main()
}
