//go:build unix

package lockfile

import "syscall"

// pidAlive reports whether a process with the given pid exists.
func pidAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}
