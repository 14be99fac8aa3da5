package fusefs

import (
	"context"
	"log/slog"
	"strings"
	"syscall"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"mergesync/internal/vfs"
)

const blockSize = 4096

// node 合并视图中的一个条目；路径由 inode 树实时计算，rename 之后自动跟随
type node struct {
	gofuse.Inode
	v *vfs.FS
}

var _ gofuse.InodeEmbedder = (*node)(nil)
var _ gofuse.NodeLookuper = (*node)(nil)
var _ gofuse.NodeGetattrer = (*node)(nil)
var _ gofuse.NodeSetattrer = (*node)(nil)
var _ gofuse.NodeReaddirer = (*node)(nil)
var _ gofuse.NodeOpener = (*node)(nil)
var _ gofuse.NodeCreater = (*node)(nil)
var _ gofuse.NodeMkdirer = (*node)(nil)
var _ gofuse.NodeUnlinker = (*node)(nil)
var _ gofuse.NodeRmdirer = (*node)(nil)
var _ gofuse.NodeRenamer = (*node)(nil)
var _ gofuse.NodeSymlinker = (*node)(nil)
var _ gofuse.NodeReadlinker = (*node)(nil)
var _ gofuse.NodeStatfser = (*node)(nil)
var _ gofuse.NodeGetxattrer = (*node)(nil)
var _ gofuse.NodeSetxattrer = (*node)(nil)
var _ gofuse.NodeListxattrer = (*node)(nil)
var _ gofuse.NodeRemovexattrer = (*node)(nil)

func (n *node) rel() string {
	return n.Path(n.Root())
}

func (n *node) child(name string) string {
	if dir := n.rel(); dir != "" {
		return dir + "/" + name
	}
	return name
}

func (n *node) errno(op, rel string, err error) syscall.Errno {
	errno := ToErrno(err)
	switch errno {
	case 0, syscall.ENOENT, syscall.EEXIST, syscall.ENOTEMPTY, syscall.EAGAIN, syscall.EBUSY:
	default:
		slog.Warn("文件系统操作失败", "pair", n.v.PairID(), "op", op, "path", rel, "errno", errno, "err", err)
	}
	return errno
}

func fillAttr(a vfs.Attr, out *fuse.Attr) {
	out.Mode = sysMode(a.Mode)
	out.Size = uint64(a.Size)
	out.Blocks = (out.Size + 511) / 512
	out.Blksize = blockSize
	out.Nlink = 1
	if a.Mode.IsDir() {
		out.Nlink = 2
	}
	out.Owner = fuse.Owner{Uid: a.UID, Gid: a.GID}
	atime, mtime, ctime := a.ATime, a.ModTime, a.CTime
	if ctime.IsZero() || ctime.Unix() == 0 {
		ctime = mtime
	}
	out.SetTimes(&atime, &mtime, &ctime)
}

// newChild 为查到的条目创建 inode
func (n *node) newChild(ctx context.Context, a vfs.Attr, out *fuse.EntryOut) *gofuse.Inode {
	fillAttr(a, &out.Attr)
	child := &node{v: n.v}
	return n.NewInode(ctx, child, gofuse.StableAttr{Mode: sysMode(a.Mode) & syscall.S_IFMT})
}

func (n *node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	a, err := n.v.Lookup(n.rel(), name)
	if err != nil {
		return nil, n.errno("lookup", n.child(name), err)
	}
	return n.newChild(ctx, a, out), 0
}

func (n *node) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	rel := n.rel()
	a, err := n.v.Getattr(rel)
	if err != nil {
		return n.errno("getattr", rel, err)
	}
	fillAttr(a, &out.Attr)
	return 0
}

func (n *node) Setattr(ctx context.Context, f gofuse.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	var set vfs.SetattrIn
	if mode, ok := in.GetMode(); ok {
		m := fileMode(mode)
		set.Mode = &m
	}
	if uid, ok := in.GetUID(); ok {
		set.UID = &uid
	}
	if gid, ok := in.GetGID(); ok {
		set.GID = &gid
	}
	if size, ok := in.GetSize(); ok {
		s := int64(size)
		set.Size = &s
	}
	if mtime, ok := in.GetMTime(); ok {
		set.Mtime = &mtime
	}
	if atime, ok := in.GetATime(); ok {
		set.Atime = &atime
	}

	rel := n.rel()
	a, err := n.v.Setattr(ctx, rel, set)
	if err != nil {
		return n.errno("setattr", rel, err)
	}
	fillAttr(a, &out.Attr)
	return 0
}

func (n *node) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	rel := n.rel()
	entries, err := n.v.ReadDir(rel)
	if err != nil {
		return nil, n.errno("readdir", rel, err)
	}
	out := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, fuse.DirEntry{Name: e.Name, Mode: sysMode(e.Mode) & syscall.S_IFMT})
	}
	return gofuse.NewListDirStream(out), 0
}

func (n *node) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	rel := n.rel()
	h, err := n.v.Open(ctx, rel, int(flags))
	if err != nil {
		return nil, 0, n.errno("open", rel, err)
	}
	// 本地副本会被写入或驱逐，不能让内核缓存页
	return &fileHandle{h: h}, fuse.FOPEN_DIRECT_IO, 0
}

func (n *node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, gofuse.FileHandle, uint32, syscall.Errno) {
	rel := n.child(name)
	h, err := n.v.Create(ctx, rel, int(flags), fileMode(mode))
	if err != nil {
		return nil, nil, 0, n.errno("create", rel, err)
	}
	a, err := n.v.Getattr(rel)
	if err != nil {
		h.Release()
		return nil, nil, 0, n.errno("create", rel, err)
	}
	return n.newChild(ctx, a, out), &fileHandle{h: h}, fuse.FOPEN_DIRECT_IO, 0
}

func (n *node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	rel := n.child(name)
	a, err := n.v.Mkdir(rel, fileMode(mode))
	if err != nil {
		return nil, n.errno("mkdir", rel, err)
	}
	return n.newChild(ctx, a, out), 0
}

func (n *node) Unlink(ctx context.Context, name string) syscall.Errno {
	rel := n.child(name)
	return n.errno("unlink", rel, n.v.Unlink(rel))
}

func (n *node) Rmdir(ctx context.Context, name string) syscall.Errno {
	rel := n.child(name)
	return n.errno("rmdir", rel, n.v.Rmdir(rel))
}

func (n *node) Rename(ctx context.Context, name string, newParent gofuse.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	oldRel := n.child(name)
	dst := newParent.EmbeddedInode()
	newRel := dst.Path(dst.Root())
	if newRel == "" {
		newRel = newName
	} else {
		newRel += "/" + newName
	}

	const renameNoReplace, renameExchange = 1, 2
	if flags&renameExchange != 0 {
		return syscall.ENOTSUP
	}
	if flags&renameNoReplace != 0 {
		if _, err := n.v.Getattr(newRel); err == nil {
			return syscall.EEXIST
		}
	}
	return n.errno("rename", oldRel, n.v.Rename(ctx, oldRel, newRel))
}

func (n *node) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	rel := n.child(name)
	a, err := n.v.Symlink(target, rel)
	if err != nil {
		return nil, n.errno("symlink", rel, err)
	}
	return n.newChild(ctx, a, out), 0
}

func (n *node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	rel := n.rel()
	target, err := n.v.Readlink(rel)
	if err != nil {
		return nil, n.errno("readlink", rel, err)
	}
	return []byte(target), 0
}

func (n *node) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	total, free, err := n.v.Statfs()
	if err != nil {
		return n.errno("statfs", "", err)
	}
	out.Bsize = blockSize
	out.Frsize = blockSize
	out.Blocks = total / blockSize
	out.Bfree = free / blockSize
	out.Bavail = free / blockSize
	out.NameLen = 255
	return 0
}

func (n *node) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	rel := n.rel()
	val, err := n.v.Getxattr(rel, attr)
	if err != nil {
		return 0, n.errno("getxattr", rel, err)
	}
	if len(dest) < len(val) {
		return uint32(len(val)), syscall.ERANGE
	}
	return uint32(copy(dest, val)), 0
}

func (n *node) Setxattr(ctx context.Context, attr string, data []byte, flags uint32) syscall.Errno {
	rel := n.rel()
	return n.errno("setxattr", rel, n.v.Setxattr(ctx, rel, attr, data, int(flags)))
}

func (n *node) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	rel := n.rel()
	names, err := n.v.Listxattr(rel)
	if err != nil {
		return 0, n.errno("listxattr", rel, err)
	}
	var b strings.Builder
	for _, name := range names {
		b.WriteString(name)
		b.WriteByte(0)
	}
	if len(dest) < b.Len() {
		return uint32(b.Len()), syscall.ERANGE
	}
	return uint32(copy(dest, b.String())), 0
}

func (n *node) Removexattr(ctx context.Context, attr string) syscall.Errno {
	rel := n.rel()
	return n.errno("removexattr", rel, n.v.Removexattr(ctx, rel, attr))
}

// fileHandle 把内核文件句柄回调转发给 vfs.Handle
type fileHandle struct {
	h *vfs.Handle
}

var _ gofuse.FileReader = (*fileHandle)(nil)
var _ gofuse.FileWriter = (*fileHandle)(nil)
var _ gofuse.FileFlusher = (*fileHandle)(nil)
var _ gofuse.FileFsyncer = (*fileHandle)(nil)
var _ gofuse.FileReleaser = (*fileHandle)(nil)

func (f *fileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := f.h.Read(dest, off)
	if err != nil {
		return nil, ToErrno(err)
	}
	return fuse.ReadResultData(dest[:n]), 0
}

func (f *fileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	n, err := f.h.Write(data, off)
	if err != nil {
		return uint32(n), ToErrno(err)
	}
	return uint32(n), 0
}

func (f *fileHandle) Flush(ctx context.Context) syscall.Errno {
	return ToErrno(f.h.Flush())
}

func (f *fileHandle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	return ToErrno(f.h.Fsync())
}

func (f *fileHandle) Release(ctx context.Context) syscall.Errno {
	if err := f.h.Release(); err != nil {
		slog.Warn("关闭文件失败", "path", f.h.Path(), "err", err)
		return ToErrno(err)
	}
	return 0
}

