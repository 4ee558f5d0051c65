//go:build !windows

package launch

import "syscall"

// Exec replaces the calling process image with path, argv[0] rewritten to
// path per the launch sequence. It only returns on failure, same contract as
// syscall.Exec/execve itself.
func Exec(path string, argv []string, envp []string) error {
	rewritten := make([]string, len(argv))
	copy(rewritten, argv)
	if len(rewritten) > 0 {
		rewritten[0] = path
	} else {
		rewritten = []string{path}
	}
	return syscall.Exec(path, rewritten, envp)
}
