package fs

import (
	"io"
	"os"
	"time"
)

// FileMeta 文件元数据
type FileMeta struct {
	RelPath       string      // 相对路径 (统一使用 "/" 作为分隔符)
	Size          int64       // 文件大小
	ModTime       time.Time   // 修改时间
	IsDir         bool        // 是否为目录
	Hash          string      // 内容指纹 (BLAKE3 hex)，只有显式计算时才填充
	Mode          os.FileMode // 类型位 + 权限位
	UID           uint32
	GID           uint32
	SymlinkTarget string
	ATime         time.Time
	CTime         time.Time
}

// IsSymlink 是否为符号链接
func (m *FileMeta) IsSymlink() bool {
	return m.Mode&os.ModeSymlink != 0
}

// IsRegular 是否为普通文件
func (m *FileMeta) IsRegular() bool {
	return m.Mode.IsRegular()
}

// File 打开的文件句柄，*os.File 满足该接口
type File interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
	Sync() error
	Truncate(size int64) error
	Stat() (os.FileInfo, error)
}

// FileSystem 是对本地缓存和外部存储的统一抽象
type FileSystem interface {
	// Root 返回该文件系统的根路径 (用于日志或调试)
	Root() string

	// Online 存储当前是否可达 (外部存储可能被拔出)
	Online() bool

	// ListAll 递归列出所有条目
	// 返回 map[相对路径]元数据，方便快速查找
	ListAll() (map[string]*FileMeta, error)

	// ReadDir 列出单个目录
	ReadDir(relPath string) ([]*FileMeta, error)

	// Stat 获取单个条目信息，不跟随符号链接
	Stat(relPath string) (*FileMeta, error)

	// Hash 计算文件内容指纹
	Hash(relPath string) (string, error)

	// OpenStream 打开文件流 (用于读取数据)
	OpenStream(relPath string) (io.ReadCloser, error)

	// OpenFile 打开可随机读写的句柄
	OpenFile(relPath string, flag int, perm os.FileMode) (File, error)

	// WriteStream 写入文件流 (用于保存数据)
	// 先写临时文件再 rename，包含创建父目录的逻辑；返回写入内容的指纹
	WriteStream(relPath string, stream io.Reader, modTime time.Time, perm os.FileMode) (string, error)

	// Delete 删除文件、符号链接或空目录
	Delete(relPath string) error
	RemoveAll(relPath string) error
	Rename(oldRelPath, newRelPath string) error
	Mkdir(relPath string, perm os.FileMode) error
	Symlink(target, relPath string) error
	Readlink(relPath string) (string, error)

	Chmod(relPath string, mode os.FileMode) error
	Chown(relPath string, uid, gid int) error
	Chtimes(relPath string, atime, mtime time.Time) error
	Truncate(relPath string, size int64) error

	Getxattr(relPath, name string) ([]byte, error)
	Setxattr(relPath, name string, value []byte, flags int) error
	Listxattr(relPath string) ([]string, error)
	Removexattr(relPath, name string) error

	// Usage 返回所在卷的总容量和剩余空间 (字节)
	Usage() (total, free uint64, err error)
}
