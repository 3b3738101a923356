//go:build !linux

package backlog

import "strings"

// DetectNetworkFS reports whether path lives on a network filesystem.
// Without statfs magic numbers we fall back to a path heuristic: UNC
// paths and common automount prefixes. Misses default to WAL, which
// matches SQLite's own behavior on these platforms.
func DetectNetworkFS(path string) bool {
	if strings.HasPrefix(path, `\\`) || strings.HasPrefix(path, "//") {
		return true
	}
	for _, prefix := range []string{"/net/", "/nfs/", "/afs/"} {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
