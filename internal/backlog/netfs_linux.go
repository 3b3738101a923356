//go:build linux

package backlog

import "syscall"

// Filesystem magic numbers from statfs(2) for filesystems where SQLite's
// WAL shared-memory coordination is unsafe. GlusterFS and sshfs mount
// through FUSE, so the FUSE magic covers them.
const (
	nfsSuperMagic   = 0x6969
	smbSuperMagic   = 0x517B
	smb2SuperMagic  = 0xFE534D42
	cifsSuperMagic  = 0xFF534D42
	fuseSuperMagic  = 0x65735546
	cephSuperMagic  = 0x00C36400
	ocfs2SuperMagic = 0x7461636F
	afsSuperMagic   = 0x5346414F
	codaSuperMagic  = 0x73757245
)

// DetectNetworkFS reports whether path lives on a network filesystem.
// WAL journal mode relies on mmap'd shared memory, which breaks across
// NFS/SMB mounts, so callers fall back to a rollback journal when this
// returns true. A statfs failure is treated as local.
func DetectNetworkFS(path string) bool {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return false
	}
	switch uint32(st.Type) {
	case nfsSuperMagic, smbSuperMagic, smb2SuperMagic, cifsSuperMagic,
		fuseSuperMagic, cephSuperMagic, ocfs2SuperMagic,
		afsSuperMagic, codaSuperMagic:
		return true
	}
	return false
}
