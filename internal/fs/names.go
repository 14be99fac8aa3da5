package fs

import (
	"path"
	"strings"
)

// TempMarker 出现在 WriteStream 临时文件名中
const TempMarker = ".mergesync-partial-"

// 系统自动生成、不参与合并视图的文件名
var junkNames = map[string]struct{}{
	".DS_Store":       {},
	".Spotlight-V100": {},
	".Trashes":        {},
	".fseventsd":      {},
	".TemporaryItems": {},
	".FUSE":           {},
}

// IsJunk 是否为系统垃圾文件名 (只看最后一段)
func IsJunk(name string) bool {
	name = path.Base(name)
	if _, ok := junkNames[name]; ok {
		return true
	}
	return strings.HasPrefix(name, "._")
}

// IsTemp 是否为写入中的临时文件
func IsTemp(name string) bool {
	return strings.Contains(path.Base(name), TempMarker)
}

// Hidden 扫描和列目录时需要跳过的名字
func Hidden(name string) bool {
	return IsJunk(name) || IsTemp(name)
}

// Clean 规范化相对路径：去掉首尾的 /，根目录为 ""
// 按根目录解析 ..，结果不会越出根目录
func Clean(rel string) string {
	return strings.TrimPrefix(path.Clean("/"+rel), "/")
}

// Parent 返回父目录的相对路径，根目录的父目录仍是 ""
func Parent(rel string) string {
	dir := path.Dir(rel)
	if dir == "." || dir == "/" {
		return ""
	}
	return dir
}

// Join 拼接相对路径
func Join(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + "/" + name
}

// Within rel 是否等于 root 或位于 root 之下
func Within(rel, root string) bool {
	if root == "" {
		return true
	}
	return rel == root || strings.HasPrefix(rel, root+"/")
}

// Depth 路径深度，根目录为 0
func Depth(rel string) int {
	if rel == "" {
		return 0
	}
	return strings.Count(rel, "/") + 1
}
