//go:build windows

package main

import (
	"fmt"
	"os"

	"github.com/socketsecurity/smol/internal/launch"
)

// execAndExit spawns the child and waits, since Windows has no
// process-image-replace syscall, then propagates its exit code verbatim.
func execAndExit(path string, argv, envp []string) {
	code, err := launch.Exec(path, argv, envp)
	if err != nil {
		fmt.Fprintln(os.Stderr, "smolstub: launch failed:", err)
		os.Exit(1)
	}
	os.Exit(code)
}
