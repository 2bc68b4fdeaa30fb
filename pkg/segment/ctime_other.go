//go:build !linux

package segment

import (
	"io/fs"
	"time"
)

func statCreated(info fs.FileInfo) time.Time {
	return info.ModTime()
}
