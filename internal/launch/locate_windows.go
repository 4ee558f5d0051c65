//go:build windows

package launch

import "golang.org/x/sys/windows"

// platformLocate calls GetModuleFileName (x/sys binds the wide-char
// GetModuleFileNameW entry point) for the current process's own module,
// growing the buffer if the first attempt truncates.
func platformLocate() (string, bool) {
	buf := make([]uint16, 260)
	for {
		n, err := windows.GetModuleFileName(0, &buf[0], uint32(len(buf)))
		if err != nil {
			return "", false
		}
		if int(n) < len(buf) {
			return windows.UTF16ToString(buf[:n]), true
		}
		buf = make([]uint16, len(buf)*2)
	}
}
