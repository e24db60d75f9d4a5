//go:build !windows

package reader

import (
	"os"
	"syscall"
)

// inodeOfInfo extracts the inode number when the platform exposes one.
func inodeOfInfo(st os.FileInfo) uint64 {
	if sys, ok := st.Sys().(*syscall.Stat_t); ok {
		return sys.Ino
	}
	return 0
}
