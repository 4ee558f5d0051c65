//go:build windows

package launch

import (
	"strings"
	"syscall"
	"unicode/utf16"
	"unsafe"

	"golang.org/x/sys/windows"
)

// Exec spawns path with argv (argv[0] rewritten to path) and waits for it to
// exit, since Windows has no execve equivalent. The child's exit code is
// propagated via the returned exitCode; err is non-nil only for spawn
// failures, never for a non-zero child exit.
func Exec(path string, argv []string, envp []string) (exitCode int, err error) {
	rewritten := make([]string, len(argv))
	copy(rewritten, argv)
	if len(rewritten) > 0 {
		rewritten[0] = path
	} else {
		rewritten = []string{path}
	}

	cmdLine, err := windows.UTF16PtrFromString(buildCommandLine(rewritten))
	if err != nil {
		return 0, err
	}

	var envBlock *uint16
	if len(envp) > 0 {
		envBlock = buildEnvBlock(envp)
	}

	si := &windows.StartupInfo{Cb: uint32(unsafe.Sizeof(windows.StartupInfo{}))}
	si.StdInput = windows.Handle(syscall.Stdin)
	si.StdOutput = windows.Handle(syscall.Stdout)
	si.StdErr = windows.Handle(syscall.Stderr)
	si.Flags = windows.STARTF_USESTDHANDLES

	var pi windows.ProcessInformation
	err = windows.CreateProcess(
		nil, cmdLine, nil, nil, true,
		windows.CREATE_UNICODE_ENVIRONMENT,
		envBlock, nil, si, &pi,
	)
	if err != nil {
		return 0, err
	}
	defer windows.CloseHandle(pi.Thread)
	defer windows.CloseHandle(pi.Process)

	if _, err := windows.WaitForSingleObject(pi.Process, windows.INFINITE); err != nil {
		return 0, err
	}

	var code uint32
	if err := windows.GetExitCodeProcess(pi.Process, &code); err != nil {
		return 0, err
	}
	return int(code), nil
}

// buildCommandLine joins argv into a single Win32 command line, quoting and
// escaping each argument explicitly per the documented
// backslash-before-quote rule rather than relying on a default formatter.
func buildCommandLine(argv []string) string {
	parts := make([]string, len(argv))
	for i, a := range argv {
		parts[i] = quoteArg(a)
	}
	return strings.Join(parts, " ")
}

func quoteArg(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\"\n\v") {
		return s
	}
	var b strings.Builder
	b.WriteByte('"')
	slashes := 0
	for _, r := range s {
		switch r {
		case '\\':
			slashes++
		case '"':
			b.WriteString(strings.Repeat(`\`, slashes*2+1))
			b.WriteByte('"')
			slashes = 0
		default:
			if slashes > 0 {
				b.WriteString(strings.Repeat(`\`, slashes))
				slashes = 0
			}
			b.WriteRune(r)
		}
	}
	if slashes > 0 {
		b.WriteString(strings.Repeat(`\`, slashes*2))
	}
	b.WriteByte('"')
	return b.String()
}

// buildEnvBlock encodes envp as a Win32 environment block: KEY=VALUE
// strings each NUL-terminated, the whole block double-NUL-terminated. Built
// by hand (not via UTF16PtrFromString, which rejects embedded NULs) since
// the block's separators are exactly that.
func buildEnvBlock(envp []string) *uint16 {
	var units []uint16
	for _, kv := range envp {
		units = append(units, utf16.Encode([]rune(kv))...)
		units = append(units, 0)
	}
	units = append(units, 0)
	return &units[0]
}
