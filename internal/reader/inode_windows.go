//go:build windows

package reader

import "os"

// Windows has no stable inode exposed through os.FileInfo; rotation is
// detected by size decrease alone.
func inodeOfInfo(st os.FileInfo) uint64 { return 0 }
