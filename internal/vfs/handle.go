package vfs

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"mergesync/internal/database"
	"mergesync/internal/errdefs"
	"mergesync/internal/fs"
)

// Handle 打开的文件
// 只读句柄可能指向外部存储 (零拷贝读)，可写句柄永远指向本地
type Handle struct {
	v        *FS
	id       uint64 // catalog 中的句柄号，rename 后跟随新路径
	rel      string // 打开时的路径
	f        fs.File
	writable bool
	external bool

	mu       sync.Mutex
	written  bool // 上次 Flush 之后是否有写入
	released bool
}

// Path 句柄当前指向的路径
func (h *Handle) Path() string {
	if rel, ok := h.v.cat.HandlePath(h.id); ok {
		return rel
	}
	return h.rel
}

// External 是否直接读取外部存储
func (h *Handle) External() bool {
	return h.external
}

func isWrite(flags int) bool {
	return flags&(os.O_WRONLY|os.O_RDWR) != 0
}

// Open 打开已存在的文件
func (v *FS) Open(ctx context.Context, rel string, flags int) (*Handle, error) {
	rel = fs.Clean(rel)
	const op = "open"
	write := isWrite(flags) || flags&os.O_TRUNC != 0
	if write {
		if err := v.writable(op, rel); err != nil {
			return nil, err
		}
	} else if err := v.gate(op, rel); err != nil {
		return nil, err
	}

	r, err := v.lookup(op, rel)
	if err != nil {
		return nil, err
	}
	if r.IsDir && write {
		return nil, errdefs.FS(op, rel, errdefs.ErrIsDir)
	}
	id, err := v.cat.Acquire(rel)
	if err != nil {
		return nil, err
	}
	// 登记句柄后驱逐不会再开始，重新读取一次位置
	if cur, ok := v.cat.Get(rel); ok && !cur.PendingDelete {
		r = cur
	}
	h, err := v.open(ctx, id, r, flags, write)
	if err != nil {
		v.cat.Release(id)
		return nil, err
	}
	return h, nil
}

func (v *FS) open(ctx context.Context, id uint64, r database.FileRecord, flags int, write bool) (*Handle, error) {
	const op = "open"
	rel := r.RelPath

	if !write {
		v.cat.Touch(rel)
		if r.Location.HasLocal() {
			f, err := v.local.OpenFile(rel, os.O_RDONLY, 0)
			if err != nil {
				return nil, fsErr(op, rel, err)
			}
			return &Handle{v: v, id: id, rel: rel, f: f}, nil
		}
		if !v.external.Online() {
			return nil, errdefs.FS(op, rel, errdefs.ErrOffline)
		}
		f, err := v.external.OpenFile(rel, os.O_RDONLY, 0)
		if err != nil {
			return nil, fsErr(op, rel, err)
		}
		return &Handle{v: v, id: id, rel: rel, f: f, external: true}, nil
	}

	trunc := flags&os.O_TRUNC != 0
	// 完全覆盖的写入不需要先复制外部内容
	if !trunc {
		if err := v.ensureLocal(ctx, op, r); err != nil {
			return nil, err
		}
	} else if !r.Location.HasLocal() {
		if err := v.ensureLocalParent(op, rel); err != nil {
			return nil, err
		}
	}

	unlock := v.cat.LockPath(rel)
	defer unlock()

	perm := os.FileMode(r.Mode).Perm()
	f, err := v.local.OpenFile(rel, flags|os.O_CREATE, perm)
	if err != nil {
		return nil, fsErr(op, rel, err)
	}
	h := &Handle{v: v, id: id, rel: rel, f: f, writable: true}
	if trunc {
		if err := h.commit(); err != nil {
			f.Close()
			return nil, err
		}
	}
	return h, nil
}

// Read 按偏移读取；读到文件末尾不算错误
func (h *Handle) Read(p []byte, off int64) (int, error) {
	n, err := h.f.ReadAt(p, off)
	if errors.Is(err, io.EOF) {
		err = nil
	}
	if err != nil {
		if h.external && !h.v.external.Online() {
			return n, errdefs.FS("read", h.Path(), errdefs.ErrOffline)
		}
		return n, fsErr("read", h.Path(), err)
	}
	return n, nil
}

// Write 写入本地副本；第一次写入立即把记录置为 dirty
func (h *Handle) Write(p []byte, off int64) (int, error) {
	if !h.writable {
		return 0, errdefs.FS("write", h.Path(), errdefs.ErrBadHandle)
	}
	n, err := h.f.WriteAt(p, off)
	if err != nil {
		return n, fsErr("write", h.Path(), err)
	}
	h.mu.Lock()
	first := !h.written
	h.written = true
	h.mu.Unlock()
	if first {
		if err := h.commit(); err != nil {
			return n, err
		}
	}
	return n, nil
}

// Truncate 通过句柄截断
func (h *Handle) Truncate(size int64) error {
	if !h.writable {
		return errdefs.FS("truncate", h.Path(), errdefs.ErrBadHandle)
	}
	if err := h.f.Truncate(size); err != nil {
		return fsErr("truncate", h.Path(), err)
	}
	h.mu.Lock()
	h.written = true
	h.mu.Unlock()
	return h.commit()
}

// commit 用本地文件的当前大小和修改时间更新句柄当前路径的记录并置 dirty
func (h *Handle) commit() error {
	info, err := h.f.Stat()
	if err != nil {
		return fsErr("flush", h.Path(), err)
	}
	rec, err := h.v.cat.MarkHandleDirty(h.id, func(r *database.FileRecord) {
		r.Size = info.Size()
		r.ModTime = info.ModTime().UnixNano()
		r.AccessTime = time.Now().UnixNano()
		r.Mode = uint32(info.Mode())
		r.IsDir = false
		r.SymlinkTarget = ""
		r.Checksum = ""
	})
	if err != nil {
		return fsErr("flush", h.Path(), err)
	}
	h.v.invalidate(rec.RelPath)
	return nil
}

// Flush 把本次写入的大小和修改时间提交到元数据
func (h *Handle) Flush() error {
	if !h.writable {
		return nil
	}
	h.mu.Lock()
	written := h.written
	h.written = false
	h.mu.Unlock()
	if !written {
		return nil
	}
	return h.commit()
}

// Fsync 刷盘并提交元数据
func (h *Handle) Fsync() error {
	if h.writable {
		if err := h.f.Sync(); err != nil {
			return fsErr("fsync", h.Path(), err)
		}
	}
	return h.Flush()
}

// Release 关闭句柄；重复调用无副作用
func (h *Handle) Release() error {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return nil
	}
	h.released = true
	h.mu.Unlock()

	flushErr := h.Flush()
	closeErr := h.f.Close()
	rel := h.Path()
	h.v.cat.Release(h.id)
	if flushErr != nil {
		return flushErr
	}
	return fsErr("release", rel, closeErr)
}
