package target

import (
	"os"
	"syscall"
)

type fileOwner struct {
	UID uint32
	GID uint32
}

func sysStat(info os.FileInfo) (fileOwner, bool) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return fileOwner{}, false
	}
	return fileOwner{UID: st.Uid, GID: st.Gid}, true
}
