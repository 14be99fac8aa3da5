package vfs

import (
	"context"

	"mergesync/internal/database"
	"mergesync/internal/errdefs"
	"mergesync/internal/fs"
)

// xattrSource 读取扩展属性的一侧
func (v *FS) xattrSource(op, rel string) (fs.FileSystem, error) {
	if rel == "" {
		return v.local, nil
	}
	r, err := v.lookup(op, rel)
	if err != nil {
		return nil, err
	}
	if r.Location.HasLocal() {
		return v.local, nil
	}
	if !v.external.Online() {
		return nil, errdefs.FS(op, rel, errdefs.ErrOffline)
	}
	return v.external, nil
}

func (v *FS) Getxattr(rel, name string) ([]byte, error) {
	rel = fs.Clean(rel)
	const op = "getxattr"
	if err := v.gate(op, rel); err != nil {
		return nil, err
	}
	store, err := v.xattrSource(op, rel)
	if err != nil {
		return nil, err
	}
	val, err := store.Getxattr(rel, name)
	if err != nil {
		return nil, fsErr(op, rel, err)
	}
	return val, nil
}

func (v *FS) Listxattr(rel string) ([]string, error) {
	rel = fs.Clean(rel)
	const op = "listxattr"
	if err := v.gate(op, rel); err != nil {
		return nil, err
	}
	store, err := v.xattrSource(op, rel)
	if err != nil {
		return nil, err
	}
	names, err := store.Listxattr(rel)
	if err != nil {
		return nil, fsErr(op, rel, err)
	}
	return names, nil
}

// Setxattr 需要本地副本 (写时复制)，修改后记录置 dirty
func (v *FS) Setxattr(ctx context.Context, rel, name string, value []byte, flags int) error {
	return v.mutateXattr(ctx, "setxattr", rel, func(store fs.FileSystem, rel string) error {
		return store.Setxattr(rel, name, value, flags)
	})
}

func (v *FS) Removexattr(ctx context.Context, rel, name string) error {
	return v.mutateXattr(ctx, "removexattr", rel, func(store fs.FileSystem, rel string) error {
		return store.Removexattr(rel, name)
	})
}

func (v *FS) mutateXattr(ctx context.Context, op, rel string, apply func(fs.FileSystem, string) error) error {
	rel = fs.Clean(rel)
	if err := v.writable(op, rel); err != nil {
		return err
	}
	if rel == "" {
		return fsErr(op, rel, apply(v.local, rel))
	}
	r, err := v.lookup(op, rel)
	if err != nil {
		return err
	}
	if err := v.notBusy(op, rel); err != nil {
		return err
	}
	if r.IsDir && !r.Location.HasLocal() {
		if _, err := v.Setattr(ctx, rel, SetattrIn{}); err != nil {
			return err
		}
	} else if err := v.ensureLocal(ctx, op, r); err != nil {
		return err
	}

	unlock := v.cat.LockPath(rel)
	defer unlock()
	if err := v.evictedSince(op, rel); err != nil {
		return err
	}
	if err := apply(v.local, rel); err != nil {
		return fsErr(op, rel, err)
	}
	if _, err := v.cat.MarkDirty(rel, func(*database.FileRecord) {}); err != nil {
		return fsErr(op, rel, err)
	}
	return nil
}
