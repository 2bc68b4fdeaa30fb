//go:build linux

package segment

import (
	"io/fs"
	"syscall"
	"time"
)

// statCreated returns the inode change time, which for a segment directory
// that is only ever appended to by the recorder is its creation time.
func statCreated(info fs.FileInfo) time.Time {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return time.Unix(int64(st.Ctim.Sec), int64(st.Ctim.Nsec))
	}

	return info.ModTime()
}
