//go:build linux

package disk

import (
	"os"
	"syscall"
	"time"

	mfs "mergesync/internal/fs"
)

func fillSys(meta *mfs.FileMeta, info os.FileInfo) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		meta.ATime = info.ModTime()
		meta.CTime = info.ModTime()
		return
	}
	meta.UID = st.Uid
	meta.GID = st.Gid
	meta.ATime = time.Unix(int64(st.Atim.Sec), int64(st.Atim.Nsec))
	meta.CTime = time.Unix(int64(st.Ctim.Sec), int64(st.Ctim.Nsec))
}
