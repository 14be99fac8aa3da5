package vfs

import (
	"context"
	"errors"
	"os"
	"sort"
	"time"

	"mergesync/internal/database"
	"mergesync/internal/errdefs"
	"mergesync/internal/fs"
)

// ReadDir 列目录：表中记录与两侧存储条目的并集，去重、排除待删除和系统垃圾文件
func (v *FS) ReadDir(rel string) ([]DirEntry, error) {
	rel = fs.Clean(rel)
	const op = "readdir"
	if err := v.gate(op, rel); err != nil {
		return nil, err
	}
	if rel != "" {
		r, err := v.lookup(op, rel)
		if err != nil {
			return nil, err
		}
		if !r.IsDir {
			return nil, errdefs.FS(op, rel, errdefs.ErrNotDir)
		}
	}
	names, err := v.children(rel)
	if err != nil {
		return nil, err
	}
	out := make([]DirEntry, 0, len(names))
	for name, mode := range names {
		out = append(out, DirEntry{Name: name, Mode: mode})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// children 返回目录下可见的名字；本地优先，其次外部
func (v *FS) children(dir string) (map[string]os.FileMode, error) {
	names := make(map[string]os.FileMode)
	hidden := make(map[string]bool)

	for _, r := range v.cat.Children(dir) {
		name := baseName(r.RelPath)
		if r.PendingDelete {
			hidden[name] = true
			continue
		}
		names[name] = os.FileMode(r.Mode).Type()
	}

	add := func(entries []*fs.FileMeta) {
		for _, m := range entries {
			name := baseName(m.RelPath)
			if hidden[name] {
				continue
			}
			if _, ok := names[name]; !ok {
				names[name] = m.Mode.Type()
			}
		}
	}

	local, err := v.local.ReadDir(dir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fsErr("readdir", dir, err)
	}
	add(local)

	if v.external.Online() {
		ext, err := v.external.ReadDir(dir)
		if err != nil && !errors.Is(err, os.ErrNotExist) && !errors.Is(err, errdefs.ErrOffline) {
			return nil, fsErr("readdir", dir, err)
		}
		add(ext)
	}
	return names, nil
}

func baseName(rel string) string {
	for i := len(rel) - 1; i >= 0; i-- {
		if rel[i] == '/' {
			return rel[i+1:]
		}
	}
	return rel
}

// Create 创建并打开新文件；永远创建在本地
// 同路径的外部副本仍在 (例如删除后重建) 时记录为 Both + dirty
func (v *FS) Create(ctx context.Context, rel string, flags int, mode os.FileMode) (*Handle, error) {
	rel = fs.Clean(rel)
	const op = "create"
	if err := v.writable(op, rel); err != nil {
		return nil, err
	}
	if rel == "" || fs.Hidden(rel) {
		return nil, errdefs.FS(op, rel, errdefs.ErrInvalid)
	}
	if err := v.parentDir(op, rel); err != nil {
		return nil, err
	}
	if _, err := v.lookup(op, rel); err == nil {
		if flags&os.O_EXCL != 0 {
			return nil, errdefs.FS(op, rel, errdefs.ErrExists)
		}
		return v.Open(ctx, rel, flags&^(os.O_WRONLY|os.O_CREATE|os.O_EXCL)|os.O_RDWR)
	} else if !errors.Is(err, errdefs.ErrNotFound) {
		return nil, err
	}
	if err := v.ensureLocalParent(op, rel); err != nil {
		return nil, err
	}
	id, err := v.cat.Acquire(rel)
	if err != nil {
		return nil, err
	}

	unlock := v.cat.LockPath(rel)
	defer unlock()

	f, err := v.local.OpenFile(rel, os.O_CREATE|os.O_TRUNC|os.O_RDWR|flags&os.O_APPEND, mode.Perm())
	if err != nil {
		v.cat.Release(id)
		return nil, fsErr(op, rel, err)
	}
	now := time.Now().UnixNano()
	rec, err := v.cat.MarkHandleDirty(id, func(r *database.FileRecord) {
		r.Size = 0
		r.ModTime = now
		r.CreateTime = now
		r.AccessTime = now
		r.Mode = uint32(mode.Perm())
		r.IsDir = false
		r.SymlinkTarget = ""
		r.Checksum = ""
		r.Flagged = false
	})
	if err != nil {
		f.Close()
		v.cat.Release(id)
		return nil, fsErr(op, rel, err)
	}
	v.invalidate(rec.RelPath)
	return &Handle{v: v, id: id, rel: rel, f: f, writable: true}, nil
}

// Mkdir 创建目录 (本地)
func (v *FS) Mkdir(rel string, mode os.FileMode) (Attr, error) {
	rel = fs.Clean(rel)
	const op = "mkdir"
	if err := v.writable(op, rel); err != nil {
		return Attr{}, err
	}
	if rel == "" {
		return Attr{}, errdefs.FS(op, rel, errdefs.ErrExists)
	}
	if err := v.parentDir(op, rel); err != nil {
		return Attr{}, err
	}
	if _, err := v.lookup(op, rel); err == nil {
		return Attr{}, errdefs.FS(op, rel, errdefs.ErrExists)
	} else if !errors.Is(err, errdefs.ErrNotFound) {
		return Attr{}, err
	}
	if err := v.ensureLocalParent(op, rel); err != nil {
		return Attr{}, err
	}

	unlock := v.cat.LockPath(rel)
	defer unlock()

	if err := v.local.Mkdir(rel, mode.Perm()); err != nil && !errors.Is(err, os.ErrExist) {
		return Attr{}, fsErr(op, rel, err)
	}
	now := time.Now().UnixNano()
	r, err := v.cat.MarkDirty(rel, func(r *database.FileRecord) {
		r.Size = 0
		r.ModTime = now
		r.CreateTime = now
		r.AccessTime = now
		r.Mode = uint32(os.ModeDir | mode.Perm())
		r.IsDir = true
		r.SymlinkTarget = ""
	})
	if err != nil {
		return Attr{}, fsErr(op, rel, err)
	}
	v.invalidate(rel)
	return recordAttr(r), nil
}

// Symlink 创建符号链接 (本地)
func (v *FS) Symlink(target, rel string) (Attr, error) {
	rel = fs.Clean(rel)
	const op = "symlink"
	if err := v.writable(op, rel); err != nil {
		return Attr{}, err
	}
	if err := v.parentDir(op, rel); err != nil {
		return Attr{}, err
	}
	if _, err := v.lookup(op, rel); err == nil {
		return Attr{}, errdefs.FS(op, rel, errdefs.ErrExists)
	} else if !errors.Is(err, errdefs.ErrNotFound) {
		return Attr{}, err
	}
	if err := v.ensureLocalParent(op, rel); err != nil {
		return Attr{}, err
	}

	unlock := v.cat.LockPath(rel)
	defer unlock()

	if err := v.local.Symlink(target, rel); err != nil {
		return Attr{}, fsErr(op, rel, err)
	}
	now := time.Now().UnixNano()
	r, err := v.cat.MarkDirty(rel, func(r *database.FileRecord) {
		r.Size = int64(len(target))
		r.ModTime = now
		r.CreateTime = now
		r.AccessTime = now
		r.Mode = uint32(os.ModeSymlink | 0o777)
		r.IsDir = false
		r.SymlinkTarget = target
	})
	if err != nil {
		return Attr{}, fsErr(op, rel, err)
	}
	v.invalidate(rel)
	return recordAttr(r), nil
}

// Readlink 读取符号链接目标
func (v *FS) Readlink(rel string) (string, error) {
	rel = fs.Clean(rel)
	const op = "readlink"
	if err := v.gate(op, rel); err != nil {
		return "", err
	}
	r, err := v.lookup(op, rel)
	if err != nil {
		return "", err
	}
	if os.FileMode(r.Mode)&os.ModeSymlink == 0 {
		return "", errdefs.FS(op, rel, errdefs.ErrInvalid)
	}
	if r.SymlinkTarget != "" {
		return r.SymlinkTarget, nil
	}
	store := v.local
	if !r.Location.HasLocal() {
		store = v.external
	}
	target, err := store.Readlink(rel)
	return target, fsErr(op, rel, err)
}

// Unlink 删除文件：本地内容立即删除，外部副本只标记待删除，由同步引擎稍后删除
func (v *FS) Unlink(rel string) error {
	rel = fs.Clean(rel)
	const op = "unlink"
	if err := v.writable(op, rel); err != nil {
		return err
	}
	r, err := v.lookup(op, rel)
	if err != nil {
		return err
	}
	if r.IsDir {
		return errdefs.FS(op, rel, errdefs.ErrIsDir)
	}
	if err := v.notBusy(op, rel); err != nil {
		return err
	}

	unlock := v.cat.LockPath(rel)
	defer unlock()
	return v.remove(op, rel)
}

// Rmdir 删除空目录
func (v *FS) Rmdir(rel string) error {
	rel = fs.Clean(rel)
	const op = "rmdir"
	if err := v.writable(op, rel); err != nil {
		return err
	}
	if rel == "" {
		return errdefs.FS(op, rel, errdefs.ErrBusy)
	}
	r, err := v.lookup(op, rel)
	if err != nil {
		return err
	}
	if !r.IsDir {
		return errdefs.FS(op, rel, errdefs.ErrNotDir)
	}
	names, err := v.children(rel)
	if err != nil {
		return err
	}
	if len(names) > 0 {
		return errdefs.FS(op, rel, errdefs.ErrNotEmpty)
	}

	unlock := v.cat.LockPath(rel)
	defer unlock()
	return v.remove(op, rel)
}

// remove 删除本地内容并更新记录；调用方持有路径锁
func (v *FS) remove(op, rel string) error {
	r, ok := v.cat.Get(rel)
	if !ok || r.PendingDelete {
		return errdefs.FS(op, rel, errdefs.ErrNotFound)
	}
	if r.Location.HasLocal() {
		var err error
		if r.IsDir {
			// 目录里只可能剩下系统垃圾文件
			err = v.local.RemoveAll(rel)
		} else {
			err = v.local.Delete(rel)
		}
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fsErr(op, rel, err)
		}
	}
	v.invalidate(rel)

	if !r.Location.HasExternal() {
		if err := v.cat.Delete(rel); err != nil {
			return fsErr(op, rel, err)
		}
		return nil
	}
	_, err := v.cat.Upsert(rel, func(r *database.FileRecord, exists bool) error {
		if !exists {
			return nil
		}
		r.Location = database.LocationPendingDelete
		r.DeletedAt = time.Now().UnixNano()
		r.IsDirty = false
		r.Flagged = false
		return nil
	})
	return fsErr(op, rel, err)
}

// Rename 重命名
// 只在外部的成员先预取到本地，然后整体 rename 本地树；
// 旧路径上的外部副本变为待删除，新记录全部 dirty。
// 整个过程中两棵子树都不会开始驱逐
func (v *FS) Rename(ctx context.Context, oldRel, newRel string) error {
	oldRel, newRel = fs.Clean(oldRel), fs.Clean(newRel)
	const op = "rename"
	if err := v.writable(op, oldRel); err != nil {
		return err
	}
	if oldRel == "" || newRel == "" || fs.Hidden(newRel) {
		return errdefs.FS(op, oldRel, errdefs.ErrInvalid)
	}
	if oldRel == newRel {
		return nil
	}
	if fs.Within(newRel, oldRel) {
		// 不能把目录移动到自己下面
		return errdefs.FS(op, newRel, errdefs.ErrInvalid)
	}
	src, err := v.lookup(op, oldRel)
	if err != nil {
		return err
	}
	if err := v.parentDir(op, newRel); err != nil {
		return err
	}
	if dst, err := v.lookup(op, newRel); err == nil {
		switch {
		case dst.IsDir && !src.IsDir:
			return errdefs.FS(op, newRel, errdefs.ErrIsDir)
		case !dst.IsDir && src.IsDir:
			return errdefs.FS(op, newRel, errdefs.ErrNotDir)
		case dst.IsDir:
			names, err := v.children(newRel)
			if err != nil {
				return err
			}
			if len(names) > 0 {
				return errdefs.FS(op, newRel, errdefs.ErrNotEmpty)
			}
		}
		if err := v.notBusy(op, newRel); err != nil {
			return err
		}
	} else if !errors.Is(err, errdefs.ErrNotFound) {
		return err
	}

	endMove, err := v.cat.BeginMove(oldRel, newRel)
	if err != nil {
		return err
	}
	defer endMove()

	// 1. 树中只在外部的成员先取回本地
	for _, r := range v.cat.Snapshot() {
		if !fs.Within(r.RelPath, oldRel) || r.PendingDelete {
			continue
		}
		if err := v.notBusy(op, r.RelPath); err != nil {
			return err
		}
		if r.Location.HasLocal() {
			continue
		}
		if err := v.ensureLocal(ctx, op, r); err != nil {
			return err
		}
	}
	if err := v.ensureLocalParent(op, newRel); err != nil {
		return err
	}

	// 2. 按字典序加锁，避免与反向 rename 死锁
	first, second := oldRel, newRel
	if second < first {
		first, second = second, first
	}
	unlock1 := v.cat.LockPath(first)
	defer unlock1()
	unlock2 := v.cat.LockPath(second)
	defer unlock2()

	// 3. 本地整体 rename，目标是空目录时先删掉
	// 旧树的每个成员此时都必须有本地内容，否则 rename 之后只剩一条没有内容的记录
	for _, r := range v.cat.Snapshot() {
		if fs.Within(r.RelPath, oldRel) && !r.PendingDelete && !r.Location.HasLocal() {
			return errdefs.FS(op, r.RelPath, errdefs.ErrBusy)
		}
	}
	if dst, ok := v.cat.Get(newRel); ok && !dst.PendingDelete && dst.IsDir && dst.Location.HasLocal() {
		if err := v.local.RemoveAll(newRel); err != nil {
			return fsErr(op, newRel, err)
		}
	}
	if err := v.local.Rename(oldRel, newRel); err != nil {
		return fsErr(op, oldRel, err)
	}

	// 4. 元数据
	if _, err := v.cat.RenameTree(oldRel, newRel); err != nil {
		return fsErr(op, oldRel, err)
	}
	v.extAttr.Purge()
	return nil
}

// SetattrIn 需要修改的属性，nil 表示不变
type SetattrIn struct {
	Mode  *os.FileMode
	UID   *uint32
	GID   *uint32
	Size  *int64
	Atime *time.Time
	Mtime *time.Time
}

// Setattr 修改属性；要求本地存在 (必要时写时复制)，修改后记录置 dirty
func (v *FS) Setattr(ctx context.Context, rel string, in SetattrIn) (Attr, error) {
	rel = fs.Clean(rel)
	const op = "setattr"
	if rel == "" {
		return v.setRootAttr(in)
	}
	if err := v.writable(op, rel); err != nil {
		return Attr{}, err
	}
	r, err := v.lookup(op, rel)
	if err != nil {
		return Attr{}, err
	}
	if err := v.notBusy(op, rel); err != nil {
		return Attr{}, err
	}
	if in.Size != nil && r.IsDir {
		return Attr{}, errdefs.FS(op, rel, errdefs.ErrIsDir)
	}

	if !r.Location.HasLocal() {
		switch {
		case r.IsDir:
			if err := v.ensureLocalParent(op, rel); err != nil {
				return Attr{}, err
			}
			if err := v.local.Mkdir(rel, os.FileMode(r.Mode).Perm()); err != nil && !errors.Is(err, os.ErrExist) {
				return Attr{}, fsErr(op, rel, err)
			}
		case in.Size != nil && *in.Size == 0:
			// 截断为 0 不需要取回内容
			if err := v.ensureLocalParent(op, rel); err != nil {
				return Attr{}, err
			}
			f, err := v.local.OpenFile(rel, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(r.Mode).Perm())
			if err != nil {
				return Attr{}, fsErr(op, rel, err)
			}
			f.Close()
		default:
			if err := v.ensureLocal(ctx, op, r); err != nil {
				return Attr{}, err
			}
		}
	}

	unlock := v.cat.LockPath(rel)
	defer unlock()
	if err := v.evictedSince(op, rel); err != nil {
		return Attr{}, err
	}

	if err := v.applyAttr(rel, in); err != nil {
		return Attr{}, err
	}
	m, err := v.local.Stat(rel)
	if err != nil {
		return Attr{}, fsErr(op, rel, err)
	}
	rec, err := v.cat.MarkDirty(rel, func(r *database.FileRecord) {
		r.Size = m.Size
		r.ModTime = m.ModTime.UnixNano()
		r.Mode = uint32(m.Mode)
		r.UID = m.UID
		r.GID = m.GID
		if in.Size != nil {
			r.Checksum = ""
		}
	})
	if err != nil {
		return Attr{}, fsErr(op, rel, err)
	}
	v.invalidate(rel)
	a := metaAttr(m)
	a.Location, a.Dirty = rec.Location, rec.IsDirty
	return a, nil
}

func (v *FS) applyAttr(rel string, in SetattrIn) error {
	const op = "setattr"
	if in.Mode != nil {
		if err := v.local.Chmod(rel, in.Mode.Perm()); err != nil {
			return fsErr(op, rel, err)
		}
	}
	if in.UID != nil || in.GID != nil {
		uid, gid := -1, -1
		if in.UID != nil {
			uid = int(*in.UID)
		}
		if in.GID != nil {
			gid = int(*in.GID)
		}
		if err := v.local.Chown(rel, uid, gid); err != nil {
			return fsErr(op, rel, err)
		}
	}
	if in.Size != nil {
		if err := v.local.Truncate(rel, *in.Size); err != nil {
			return fsErr(op, rel, err)
		}
	}
	if in.Atime != nil || in.Mtime != nil {
		m, err := v.local.Stat(rel)
		if err != nil {
			return fsErr(op, rel, err)
		}
		atime, mtime := m.ATime, m.ModTime
		if in.Atime != nil {
			atime = *in.Atime
		}
		if in.Mtime != nil {
			mtime = *in.Mtime
		}
		if err := v.local.Chtimes(rel, atime, mtime); err != nil {
			return fsErr(op, rel, err)
		}
	}
	return nil
}

// setRootAttr 根目录只允许改权限和时间，不产生记录
func (v *FS) setRootAttr(in SetattrIn) (Attr, error) {
	if err := v.writable("setattr", ""); err != nil {
		return Attr{}, err
	}
	if in.Size != nil {
		return Attr{}, errdefs.FS("setattr", "", errdefs.ErrIsDir)
	}
	if err := v.applyAttr("", in); err != nil {
		return Attr{}, err
	}
	return v.Getattr("")
}
