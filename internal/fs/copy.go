package fs

import (
	"errors"
	"fmt"
	"os"
)

// Copy 把 src 中的一个条目复制到 dst，保留权限和修改时间
// 目录只创建自身，不递归；返回源的元数据和写入内容的指纹 (普通文件)
func Copy(src, dst FileSystem, relPath string) (*FileMeta, string, error) {
	meta, err := src.Stat(relPath)
	if err != nil {
		return nil, "", err
	}

	switch {
	case meta.IsDir:
		if err := dst.Mkdir(relPath, meta.Mode.Perm()); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, "", fmt.Errorf("创建目录失败: %w", err)
		}
		if err := dst.Chmod(relPath, meta.Mode.Perm()); err != nil {
			return nil, "", err
		}
		return meta, "", nil

	case meta.IsSymlink():
		if err := dst.Delete(relPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, "", err
		}
		if err := dst.Symlink(meta.SymlinkTarget, relPath); err != nil {
			return nil, "", fmt.Errorf("创建符号链接失败: %w", err)
		}
		return meta, "", nil
	}

	r, err := src.OpenStream(relPath)
	if err != nil {
		return nil, "", err
	}
	defer r.Close()

	sum, err := dst.WriteStream(relPath, r, meta.ModTime, meta.Mode.Perm())
	if err != nil {
		return nil, "", err
	}
	return meta, sum, nil
}
