package disk

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/zeebo/blake3"

	"mergesync/internal/errdefs"
	mfs "mergesync/internal/fs"
)

// Adapter 基于目录的存储适配器，本地缓存和外部存储共用
type Adapter struct {
	rootDir string // 绝对路径根目录
	offline atomic.Bool
}

var _ mfs.FileSystem = (*Adapter)(nil)

// NewAdapter 创建一个新的目录适配器
func NewAdapter(rootDir string) *Adapter {
	// 确保 rootDir 是绝对路径
	absDir, err := filepath.Abs(rootDir)
	if err != nil {
		absDir = rootDir
	}
	return &Adapter{rootDir: absDir}
}

// Root 返回根目录
func (a *Adapter) Root() string {
	return a.rootDir
}

// SetOffline 强制切换离线状态 (可移动介质弹出 / 测试)
func (a *Adapter) SetOffline(off bool) {
	a.offline.Store(off)
}

// Online 未被强制离线且根目录可达
func (a *Adapter) Online() bool {
	if a.offline.Load() {
		return false
	}
	info, err := os.Stat(a.rootDir)
	return err == nil && info.IsDir()
}

// toSysPath 将相对路径转换为系统绝对路径
func (a *Adapter) toSysPath(relPath string) string {
	return filepath.Join(a.rootDir, filepath.FromSlash(relPath))
}

// toRelPath 将系统绝对路径转换为统一相对路径
func (a *Adapter) toRelPath(fullPath string) (string, error) {
	rel, err := filepath.Rel(a.rootDir, fullPath)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

// guard 离线时拒绝一切访问
func (a *Adapter) guard() error {
	if a.offline.Load() {
		return errdefs.ErrOffline
	}
	return nil
}

// wrap 访问失败且根目录已不可达时，把错误归为离线
func (a *Adapter) wrap(err error) error {
	if err == nil {
		return nil
	}
	if !a.Online() {
		return fmt.Errorf("%w: %v", errdefs.ErrOffline, err)
	}
	return err
}

// Hash 计算文件的 BLAKE3 值
func (a *Adapter) Hash(relPath string) (string, error) {
	if err := a.guard(); err != nil {
		return "", err
	}
	f, err := os.Open(a.toSysPath(relPath))
	if err != nil {
		return "", a.wrap(err)
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", a.wrap(err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (a *Adapter) metaFromInfo(relPath, fullPath string, info os.FileInfo) *mfs.FileMeta {
	meta := &mfs.FileMeta{
		RelPath: relPath,
		Size:    info.Size(),
		ModTime: info.ModTime(),
		IsDir:   info.IsDir(),
		Mode:    info.Mode(),
	}
	fillSys(meta, info)
	if info.Mode()&os.ModeSymlink != 0 {
		if target, err := os.Readlink(fullPath); err == nil {
			meta.SymlinkTarget = target
		}
	}
	return meta
}

// ListAll 递归扫描目录，跳过系统垃圾文件和写入中的临时文件
func (a *Adapter) ListAll() (map[string]*mfs.FileMeta, error) {
	if err := a.guard(); err != nil {
		return nil, err
	}
	files := make(map[string]*mfs.FileMeta)
	var errs []error

	err := filepath.WalkDir(a.rootDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == a.rootDir {
				return err
			}
			errs = append(errs, fmt.Errorf("扫描文件出错 %s: %w", path, err))
			return nil
		}

		// 跳过根目录本身
		if path == a.rootDir {
			return nil
		}
		if mfs.Hidden(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		relPath, err := a.toRelPath(path)
		if err != nil {
			errs = append(errs, err)
			return nil
		}
		info, err := d.Info()
		if err != nil {
			// 扫描过程中被删除
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			errs = append(errs, err)
			return nil
		}
		files[relPath] = a.metaFromInfo(relPath, path, info)
		return nil
	})

	if err != nil {
		return nil, a.wrap(err)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%d errors occurred during file scan: %w", len(errs), errors.Join(errs...))
	}
	return files, nil
}

// ReadDir 列出单个目录
func (a *Adapter) ReadDir(relPath string) ([]*mfs.FileMeta, error) {
	if err := a.guard(); err != nil {
		return nil, err
	}
	dir := a.toSysPath(relPath)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, a.wrap(err)
	}
	out := make([]*mfs.FileMeta, 0, len(entries))
	for _, e := range entries {
		if mfs.Hidden(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		rel := mfs.Join(relPath, e.Name())
		out = append(out, a.metaFromInfo(rel, filepath.Join(dir, e.Name()), info))
	}
	return out, nil
}

// Stat 获取单个条目状态 (lstat)
func (a *Adapter) Stat(relPath string) (*mfs.FileMeta, error) {
	if err := a.guard(); err != nil {
		return nil, err
	}
	fullPath := a.toSysPath(relPath)
	info, err := os.Lstat(fullPath)
	if err != nil {
		return nil, a.wrap(err)
	}
	return a.metaFromInfo(relPath, fullPath, info), nil
}

// OpenStream 打开文件读取流
func (a *Adapter) OpenStream(relPath string) (io.ReadCloser, error) {
	if err := a.guard(); err != nil {
		return nil, err
	}
	f, err := os.Open(a.toSysPath(relPath))
	if err != nil {
		return nil, a.wrap(err)
	}
	return f, nil
}

// OpenFile 打开随机读写句柄
func (a *Adapter) OpenFile(relPath string, flag int, perm os.FileMode) (mfs.File, error) {
	if err := a.guard(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(a.toSysPath(relPath), flag, perm)
	if err != nil {
		return nil, a.wrap(err)
	}
	return f, nil
}

// WriteStream 将流写入文件
// 先写同目录下的临时文件，完成后 rename，保证目标路径上不会出现半截文件
// modTime: 用于恢复文件的修改时间，冲突检测依赖这个时间
func (a *Adapter) WriteStream(relPath string, stream io.Reader, modTime time.Time, perm os.FileMode) (string, error) {
	if err := a.guard(); err != nil {
		return "", err
	}
	fullPath := a.toSysPath(relPath)

	// 1. 确保父目录存在
	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", a.wrap(fmt.Errorf("创建目录失败: %w", err))
	}
	if perm == 0 {
		perm = 0o644
	}

	// 2. 创建临时文件
	tmpPath := filepath.Join(dir, "."+filepath.Base(fullPath)+mfs.TempMarker+uuid.NewString()[:8])
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, perm)
	if err != nil {
		return "", a.wrap(fmt.Errorf("创建文件失败: %w", err))
	}
	cleanup := func() {
		f.Close()
		os.Remove(tmpPath)
	}

	// 3. 写入数据，同时计算指纹
	h := blake3.New()
	if _, err := io.Copy(io.MultiWriter(f, h), stream); err != nil {
		cleanup()
		return "", a.wrap(fmt.Errorf("写入数据失败: %w", err))
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return "", a.wrap(err)
	}
	// 关闭文件以刷入磁盘
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return "", a.wrap(err)
	}
	// umask 可能改掉权限位
	if err := os.Chmod(tmpPath, perm); err != nil {
		os.Remove(tmpPath)
		return "", a.wrap(err)
	}

	// 4. 恢复修改时间
	if !modTime.IsZero() {
		if err := os.Chtimes(tmpPath, time.Now(), modTime); err != nil {
			slog.Warn("无法修改文件时间", "path", relPath, "err", err)
		}
	}

	// 5. 原子替换
	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return "", a.wrap(fmt.Errorf("替换文件失败: %w", err))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Delete 删除文件、符号链接或空目录
func (a *Adapter) Delete(relPath string) error {
	if err := a.guard(); err != nil {
		return err
	}
	return a.wrap(os.Remove(a.toSysPath(relPath)))
}

// RemoveAll 递归删除
func (a *Adapter) RemoveAll(relPath string) error {
	if err := a.guard(); err != nil {
		return err
	}
	return a.wrap(os.RemoveAll(a.toSysPath(relPath)))
}

// Rename 重命名，自动创建目标父目录
func (a *Adapter) Rename(oldRelPath, newRelPath string) error {
	if err := a.guard(); err != nil {
		return err
	}
	oldSysPath := a.toSysPath(oldRelPath)
	newSysPath := a.toSysPath(newRelPath)

	// 确保目标目录存在
	if err := os.MkdirAll(filepath.Dir(newSysPath), 0o755); err != nil {
		return a.wrap(err)
	}
	return a.wrap(os.Rename(oldSysPath, newSysPath))
}

// Mkdir 创建目录 (父目录不存在时一并创建)，已存在返回 os.ErrExist
func (a *Adapter) Mkdir(relPath string, perm os.FileMode) error {
	if err := a.guard(); err != nil {
		return err
	}
	fullPath := a.toSysPath(relPath)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return a.wrap(err)
	}
	if perm == 0 {
		perm = 0o755
	}
	return a.wrap(os.Mkdir(fullPath, perm))
}

func (a *Adapter) Symlink(target, relPath string) error {
	if err := a.guard(); err != nil {
		return err
	}
	fullPath := a.toSysPath(relPath)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return a.wrap(err)
	}
	return a.wrap(os.Symlink(target, fullPath))
}

func (a *Adapter) Readlink(relPath string) (string, error) {
	if err := a.guard(); err != nil {
		return "", err
	}
	target, err := os.Readlink(a.toSysPath(relPath))
	return target, a.wrap(err)
}

func (a *Adapter) Chmod(relPath string, mode os.FileMode) error {
	if err := a.guard(); err != nil {
		return err
	}
	return a.wrap(os.Chmod(a.toSysPath(relPath), mode))
}

func (a *Adapter) Chown(relPath string, uid, gid int) error {
	if err := a.guard(); err != nil {
		return err
	}
	return a.wrap(os.Lchown(a.toSysPath(relPath), uid, gid))
}

func (a *Adapter) Chtimes(relPath string, atime, mtime time.Time) error {
	if err := a.guard(); err != nil {
		return err
	}
	return a.wrap(os.Chtimes(a.toSysPath(relPath), atime, mtime))
}

func (a *Adapter) Truncate(relPath string, size int64) error {
	if err := a.guard(); err != nil {
		return err
	}
	return a.wrap(os.Truncate(a.toSysPath(relPath), size))
}

// Usage 根目录所在卷的容量
func (a *Adapter) Usage() (uint64, uint64, error) {
	if err := a.guard(); err != nil {
		return 0, 0, err
	}
	st, err := disk.Usage(a.rootDir)
	if err != nil {
		return 0, 0, a.wrap(err)
	}
	return st.Total, st.Free, nil
}
