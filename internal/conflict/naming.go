package conflict

import (
	"path"
	"strconv"
	"strings"
	"time"
)

const nameTimeLayout = "20060102-150405"

// KeepBothName 冲突副本名：<stem>_conflict_<YYYYMMDD-HHMMSS><ext>
// 名字被占用时依次追加 _2、_3 ...；结果只取决于原名、时间和已占用的名字
func KeepBothName(rel string, ts time.Time, taken func(string) bool) string {
	return uniqueName(rel, "_conflict_", ts, taken)
}

// BackupName 备份名：<stem>_backup_<YYYYMMDD-HHMMSS><ext>
func BackupName(rel string, ts time.Time, taken func(string) bool) string {
	return uniqueName(rel, "_backup_", ts, taken)
}

func uniqueName(rel, tag string, ts time.Time, taken func(string) bool) string {
	dir, base := path.Split(rel)
	stem, ext := splitExt(base)
	prefix := dir + stem + tag + ts.UTC().Format(nameTimeLayout)

	name := prefix + ext
	for i := 2; taken != nil && taken(name); i++ {
		name = prefix + "_" + strconv.Itoa(i) + ext
	}
	return name
}

// splitExt 以最后一个点拆分；隐藏文件 (.bashrc) 视为没有扩展名
func splitExt(base string) (string, string) {
	i := strings.LastIndexByte(base, '.')
	if i <= 0 {
		return base, ""
	}
	return base[:i], base[i:]
}
