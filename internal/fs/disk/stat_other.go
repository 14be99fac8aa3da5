//go:build !linux

package disk

import (
	"os"

	mfs "mergesync/internal/fs"
)

func fillSys(meta *mfs.FileMeta, info os.FileInfo) {
	meta.ATime = info.ModTime()
	meta.CTime = info.ModTime()
}
