//go:build !windows

package main

import (
	"fmt"
	"os"

	"github.com/socketsecurity/smol/internal/launch"
)

// execAndExit replaces the current process image via execve; it only
// returns control (and only on failure) because a successful call never
// comes back.
func execAndExit(path string, argv, envp []string) {
	if err := launch.Exec(path, argv, envp); err != nil {
		fmt.Fprintln(os.Stderr, "smolstub: launch failed:", err)
		os.Exit(1)
	}
}
