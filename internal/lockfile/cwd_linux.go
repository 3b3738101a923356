//go:build linux

package lockfile

import (
	"fmt"
	"os"
)

// processCwd resolves a process's working directory through procfs.
func processCwd(pid int) (string, error) {
	return os.Readlink(fmt.Sprintf("/proc/%d/cwd", pid))
}
