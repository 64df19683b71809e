package pathvalidate

import (
	"os"
	"syscall"
)

// isRootOwned reports whether info's underlying file is owned by uid 0.
func isRootOwned(info os.FileInfo) bool {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return false
	}
	return st.Uid == 0
}
