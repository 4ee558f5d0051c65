//go:build darwin

package launch

/*
#include <mach-o/dyld.h>
#include <stdlib.h>

static char *smol_executable_path(void) {
	uint32_t size = 0;
	_NSGetExecutablePath(NULL, &size);
	char *buf = malloc(size);
	if (buf == NULL) {
		return NULL;
	}
	if (_NSGetExecutablePath(buf, &size) != 0) {
		free(buf);
		return NULL;
	}
	return buf;
}
*/
import "C"

import "unsafe"

// platformLocate calls _NSGetExecutablePath, the documented Darwin API for
// recovering the path used to invoke the current process (may itself
// contain symlinks; callers that need the real path resolve it separately).
func platformLocate() (string, bool) {
	cpath := C.smol_executable_path()
	if cpath == nil {
		return "", false
	}
	defer C.free(unsafe.Pointer(cpath))
	return C.GoString(cpath), true
}
