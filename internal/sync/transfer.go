package sync

import (
	"context"
	"errors"
	"os"

	"mergesync/internal/database"
	"mergesync/internal/errdefs"
	"mergesync/internal/fs"
)

// push 把一条 dirty 记录 (文件或符号链接) 推送到外部存储
//
// 外部副本与基准一致 (或从未同步过且外部没有) 时直接覆盖；
// 否则按两侧快照做冲突判断
func (e *Engine) push(ctx context.Context, planned database.FileRecord) (int64, string, error) {
	rel := planned.RelPath
	cat := e.opts.Catalog
	if !cat.TryMarkSyncing(rel) {
		return 0, "", errSkipped
	}
	defer cat.UnmarkSyncing(rel)

	rec, ok := cat.Get(rel)
	if !ok || !rec.IsDirty {
		return 0, "", errSkipped
	}

	l, err := statOrNil(e.opts.Local, rel)
	if err != nil {
		return 0, "", errdefs.New(errdefs.KindSync, "stat", rel, err)
	}
	if l == nil {
		return 0, "local_missing", cat.ClearMissingLocal(rel, rec.Generation)
	}
	ext, err := statOrNil(e.opts.External, rel)
	if err != nil {
		return 0, "", errdefs.New(errdefs.KindSync, "stat", rel, err)
	}

	if ext == nil && !rec.HasBaseline() {
		n, err := e.upload(rel, rec.Generation)
		return n, "", err
	}
	if ext != nil && ext.IsDir == l.IsDir {
		same, err := e.matchesBaseline(rel, ext, rec)
		if err != nil {
			return 0, "", errdefs.New(errdefs.KindSync, "verify", rel, err)
		}
		if same {
			n, err := e.upload(rel, rec.Generation)
			return n, "", err
		}
	}
	return e.diverged(ctx, rec, l, ext)
}

// pushDir 在外部创建目录并同步权限
func (e *Engine) pushDir(ctx context.Context, planned database.FileRecord) (int64, string, error) {
	rel := planned.RelPath
	cat := e.opts.Catalog
	if !cat.TryMarkSyncing(rel) {
		return 0, "", errSkipped
	}
	defer cat.UnmarkSyncing(rel)

	rec, ok := cat.Get(rel)
	if !ok || !rec.IsDirty {
		return 0, "", errSkipped
	}
	l, err := statOrNil(e.opts.Local, rel)
	if err != nil {
		return 0, "", errdefs.New(errdefs.KindSync, "stat", rel, err)
	}
	if l == nil {
		return 0, "local_missing", cat.ClearMissingLocal(rel, rec.Generation)
	}
	if !l.IsDir {
		// 类型已变化，下一轮按新类型处理
		return 0, "", errSkipped
	}
	ext, err := statOrNil(e.opts.External, rel)
	if err != nil {
		return 0, "", errdefs.New(errdefs.KindSync, "stat", rel, err)
	}
	if ext != nil {
		extPerm := ext.Mode.Perm()
		changed := rec.HasBaseline() && extPerm != os.FileMode(rec.ExternalMode).Perm()
		if !ext.IsDir || (changed && extPerm != l.Mode.Perm()) {
			return e.diverged(ctx, rec, l, ext)
		}
	}
	_, err = e.upload(rel, rec.Generation)
	return 0, "", err
}

// remove 处理待删除记录：外部副本自上次同步后未变化才删除
func (e *Engine) remove(ctx context.Context, planned database.FileRecord) (int64, string, error) {
	rel := planned.RelPath
	cat := e.opts.Catalog
	if !cat.TryMarkSyncing(rel) {
		return 0, "", errSkipped
	}
	defer cat.UnmarkSyncing(rel)

	rec, ok := cat.Get(rel)
	if !ok || !rec.PendingDelete {
		return 0, "", errSkipped
	}
	ext, err := statOrNil(e.opts.External, rel)
	if err != nil {
		return 0, "", errdefs.New(errdefs.KindSync, "stat", rel, err)
	}
	if ext == nil {
		_, err := cat.DeleteIfPending(rel)
		return 0, "external_missing", err
	}
	same, err := e.matchesBaseline(rel, ext, rec)
	if err != nil {
		return 0, "", errdefs.New(errdefs.KindSync, "verify", rel, err)
	}
	if !same {
		return e.diverged(ctx, rec, nil, ext)
	}
	if err := e.deleteExternal(rel, ext); err != nil {
		return 0, "", err
	}
	_, err = cat.DeleteIfPending(rel)
	return 0, "", err
}

// upload 复制本地条目到外部，并把外部的新状态记为基准
func (e *Engine) upload(rel string, gen uint64) (int64, error) {
	meta, sum, err := fs.Copy(e.opts.Local, e.opts.External, rel)
	if err != nil {
		return 0, errdefs.New(errdefs.KindSync, "upload", rel, err)
	}
	ext, err := e.opts.External.Stat(rel)
	if err != nil {
		return 0, errdefs.New(errdefs.KindSync, "upload", rel, err)
	}
	if _, err := e.opts.Catalog.CommitSync(rel, gen, snapshotOf(ext, sum)); err != nil {
		return 0, err
	}
	if meta.IsRegular() {
		return meta.Size, nil
	}
	return 0, nil
}

// download 用外部副本覆盖本地，返回源元数据和内容指纹
func (e *Engine) download(rel string) (*fs.FileMeta, string, error) {
	meta, sum, err := fs.Copy(e.opts.External, e.opts.Local, rel)
	if err != nil {
		return nil, "", errdefs.New(errdefs.KindSync, "download", rel, err)
	}
	if err := e.opts.Catalog.EnsureLocalAncestors(rel); err != nil {
		return nil, "", err
	}
	return meta, sum, nil
}

// deleteExternal 删除外部副本；目录中只剩被隐藏的系统文件时整个删除
func (e *Engine) deleteExternal(rel string, ext *fs.FileMeta) error {
	err := e.opts.External.Delete(rel)
	if err == nil || errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if ext.IsDir && !errors.Is(err, errdefs.ErrOffline) {
		entries, lerr := e.opts.External.ReadDir(rel)
		if lerr == nil && len(entries) == 0 {
			if err = e.opts.External.RemoveAll(rel); err == nil {
				return nil
			}
		}
	}
	return errdefs.New(errdefs.KindSync, "delete", rel, err)
}

// matchesBaseline 外部副本是否仍是上次同步后的状态
func (e *Engine) matchesBaseline(rel string, ext *fs.FileMeta, rec database.FileRecord) (bool, error) {
	if !rec.HasBaseline() {
		return false, nil
	}
	base := os.FileMode(rec.ExternalMode)
	if ext.IsDir || base.IsDir() {
		return ext.IsDir && base.IsDir(), nil
	}
	if ext.Mode.Type() != base.Type() || ext.Mode.Perm() != base.Perm() {
		return false, nil
	}
	if ext.Size != rec.ExternalSize || ext.ModTime.UnixNano() != rec.ExternalModTime {
		return false, nil
	}
	if e.opts.VerifyChecksum && rec.ExternalChecksum != "" && ext.IsRegular() {
		sum, err := e.opts.External.Hash(rel)
		if err != nil {
			return false, err
		}
		return sum == rec.ExternalChecksum, nil
	}
	return true, nil
}

func statOrNil(fsys fs.FileSystem, rel string) (*fs.FileMeta, error) {
	meta, err := fsys.Stat(rel)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return meta, nil
}

func snapshotOf(m *fs.FileMeta, sum string) database.Snapshot {
	if m == nil {
		return database.Snapshot{}
	}
	return database.Snapshot{
		Exists:   true,
		IsDir:    m.IsDir,
		Size:     m.Size,
		ModTime:  m.ModTime.UnixNano(),
		Checksum: sum,
		Mode:     uint32(m.Mode),
	}
}
