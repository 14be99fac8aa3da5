package sync

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"mergesync/internal/conflict"
	"mergesync/internal/database"
	"mergesync/internal/errdefs"
	"mergesync/internal/event"
	"mergesync/internal/fs"
)

// errConflictQueued 冲突已进入队列等待人工决定，记录保持 dirty
var errConflictQueued = errors.New("conflict queued")

// diverged 外部副本已偏离基准：做冲突判断，按当前策略自动解决或放入队列
func (e *Engine) diverged(ctx context.Context, rec database.FileRecord, l, ext *fs.FileMeta) (int64, string, error) {
	rel := rec.RelPath
	cat := e.opts.Catalog

	ls, es := snapshotOf(l, ""), snapshotOf(ext, "")
	if l != nil && ext != nil && l.IsRegular() && ext.IsRegular() && l.Size == ext.Size {
		var err error
		if ls.Checksum, err = e.opts.Local.Hash(rel); err != nil {
			return 0, "", errdefs.New(errdefs.KindSync, "hash", rel, err)
		}
		if es.Checksum, err = e.opts.External.Hash(rel); err != nil {
			return 0, "", errdefs.New(errdefs.KindSync, "hash", rel, err)
		}
	}
	base := rec.BaselineSnapshot()

	typ, isConflict := conflict.Classify(ls, es, base)
	if !isConflict {
		switch {
		case l == nil:
			if ext != nil {
				if err := e.deleteExternal(rel, ext); err != nil {
					return 0, "", err
				}
			}
			_, err := cat.DeleteIfPending(rel)
			return 0, "", err
		case ext == nil:
			n, err := e.upload(rel, rec.Generation)
			return n, "", err
		default:
			// 两侧内容一致，只更新基准
			_, err := cat.CommitSync(rel, rec.Generation, es)
			return 0, "unchanged", err
		}
	}

	c := database.ConflictRecord{
		PairID:     e.opts.PairID,
		Path:       rel,
		Type:       string(typ),
		Local:      ls,
		External:   es,
		Baseline:   base,
		DetectedAt: e.opts.Now(),
	}
	res := conflict.Resolve(c, e.Strategy())
	switch res.Outcome {
	case conflict.Manual:
		if _, err := e.opts.Queue.Add(c); err != nil {
			return 0, "", err
		}
		return 0, string(typ), errConflictQueued
	case conflict.Deferred:
		slog.Info("冲突暂不处理", "pair", e.opts.PairID, "path", rel, "type", typ, "reason", res.Reason)
		return 0, string(typ), errSkipped
	}

	slog.Info("自动解决冲突", "pair", e.opts.PairID, "path", rel, "type", typ,
		"strategy", res.Strategy, "outcome", res.Outcome, "reason", res.Reason)
	e.opts.Bus.Publish(event.Event{Kind: event.ConflictDetected, PairID: e.opts.PairID, Path: rel, Payload: c})

	n, note, err := e.apply(rec, res, l, ext)
	if err != nil {
		return n, note, err
	}
	c.Resolution = string(res.Strategy)
	c.ResolvedAt = e.opts.Now()
	e.opts.Bus.Publish(event.Event{Kind: event.ConflictResolved, PairID: e.opts.PairID, Path: rel, Payload: c})
	return n, note, nil
}

// applyDecision 应用用户在冲突队列中做出的决定，成功后移除该条目
func (e *Engine) applyDecision(ctx context.Context, c database.ConflictRecord) (int64, string, error) {
	rel := c.Path
	cat := e.opts.Catalog
	if !cat.TryMarkSyncing(rel) {
		return 0, "", errSkipped
	}
	defer cat.UnmarkSyncing(rel)

	rec, ok := cat.Get(rel)
	if !ok || (!rec.IsDirty && !rec.PendingDelete) {
		return 0, "stale", e.opts.Queue.Remove(c.ID)
	}

	res := conflict.Resolve(c, conflict.Strategy(c.Resolution))
	if res.Outcome == conflict.Manual || res.Outcome == conflict.Deferred {
		// 用户选择跳过：移出队列，记录保持 dirty，下一轮重新检测
		return 0, "skip", e.opts.Queue.Remove(c.ID)
	}

	l, err := statOrNil(e.opts.Local, rel)
	if err != nil {
		return 0, "", errdefs.New(errdefs.KindSync, "stat", rel, err)
	}
	ext, err := statOrNil(e.opts.External, rel)
	if err != nil {
		return 0, "", errdefs.New(errdefs.KindSync, "stat", rel, err)
	}

	n, note, err := e.apply(rec, res, l, ext)
	if err != nil {
		return n, note, err
	}
	slog.Info("已应用冲突决定", "pair", e.opts.PairID, "path", rel, "strategy", c.Resolution, "outcome", res.Outcome)
	return n, note, e.opts.Queue.Remove(c.ID)
}

// apply 执行冲突的解决结果
// 持有路径锁；检测之后记录又被修改时放弃，下一轮重新判断
func (e *Engine) apply(rec database.FileRecord, res conflict.Resolution, l, ext *fs.FileMeta) (int64, string, error) {
	rel := rec.RelPath
	unlock := e.opts.Catalog.LockPath(rel)
	defer unlock()
	if cur, ok := e.opts.Catalog.Get(rel); !ok || cur.Generation != rec.Generation {
		return 0, "", errSkipped
	}

	outcome := res.Outcome
	if outcome == conflict.KeepBothCopies {
		switch {
		case l == nil:
			outcome = conflict.KeepExternal
		case ext == nil:
			outcome = conflict.KeepLocal
		}
	}
	now := e.opts.Now()
	switch outcome {
	case conflict.KeepLocal:
		return e.keepLocal(rec, res.Backup, l, ext, now)
	case conflict.KeepExternal:
		return e.keepExternal(rec, res.Backup, l, ext, now)
	case conflict.KeepBothCopies:
		return e.keepBoth(rec, ext, now)
	}
	return 0, "", errSkipped
}

// keepLocal 本地胜：覆盖 (或删除) 外部副本
func (e *Engine) keepLocal(rec database.FileRecord, backup bool, l, ext *fs.FileMeta, now time.Time) (int64, string, error) {
	rel := rec.RelPath
	cat := e.opts.Catalog
	note := "local_wins"

	if backup && ext != nil && !ext.IsDir {
		name := conflict.BackupName(rel, now, e.taken)
		if err := e.opts.External.Rename(rel, name); err != nil {
			return 0, "", errdefs.New(errdefs.KindSync, "backup", rel, err)
		}
		moved := *ext
		moved.RelPath = name
		if _, _, err := cat.Adopt(name, nil, &moved, true); err != nil {
			return 0, "", err
		}
		ext = nil
		note = "local_wins_backup"
	}

	if l == nil {
		if ext != nil {
			if err := e.deleteExternal(rel, ext); err != nil {
				return 0, "", err
			}
		}
		_, err := cat.DeleteIfPending(rel)
		return 0, note, err
	}
	if ext != nil && ext.IsDir != l.IsDir {
		// 非空目录不会被删除，该条目保持失败
		if err := e.opts.External.Delete(rel); err != nil && !errors.Is(err, os.ErrNotExist) {
			return 0, "", errdefs.New(errdefs.KindSync, "replace", rel, err)
		}
	}
	n, err := e.upload(rel, rec.Generation)
	return n, note, err
}

// keepExternal 外部胜：本地内容被外部副本替换 (或随外部删除)
func (e *Engine) keepExternal(rec database.FileRecord, backup bool, l, ext *fs.FileMeta, now time.Time) (int64, string, error) {
	rel := rec.RelPath
	cat := e.opts.Catalog
	note := "external_wins"

	if backup && l != nil {
		name := conflict.BackupName(rel, now, e.taken)
		if err := e.opts.Local.Rename(rel, name); err != nil {
			return 0, "", errdefs.New(errdefs.KindSync, "backup", rel, err)
		}
		if _, err := cat.RenameTree(rel, name); err != nil {
			return 0, "", err
		}
		l = nil
		note = "external_wins_backup"
	}

	if ext == nil {
		if l != nil {
			if err := e.opts.Local.Delete(rel); err != nil && !errors.Is(err, os.ErrNotExist) {
				return 0, "", errdefs.New(errdefs.KindSync, "delete", rel, err)
			}
		}
		return 0, note, cat.Delete(rel)
	}

	if l != nil && l.IsDir != ext.IsDir {
		if err := e.opts.Local.Delete(rel); err != nil && !errors.Is(err, os.ErrNotExist) {
			return 0, "", errdefs.New(errdefs.KindSync, "replace", rel, err)
		}
		l = nil
	}
	if l == nil {
		// 本地没有内容，恢复为只在外部，读取时直接访问外部
		_, err := cat.Upsert(rel, func(r *database.FileRecord, _ bool) error {
			adoptExternal(r, ext, "")
			r.Location = database.LocationExternalOnly
			r.Checksum = ""
			return nil
		})
		return 0, note, err
	}

	meta, sum, err := e.download(rel)
	if err != nil {
		return 0, "", err
	}
	_, err = cat.Upsert(rel, func(r *database.FileRecord, _ bool) error {
		adoptExternal(r, meta, sum)
		r.Location = database.LocationBoth
		r.Checksum = sum
		return nil
	})
	if err != nil {
		return 0, "", err
	}
	if meta.IsRegular() {
		return meta.Size, note, nil
	}
	return 0, note, nil
}

// keepBoth 本地副本改名为冲突副本 (之后作为新文件上传)，原路径回到外部副本
func (e *Engine) keepBoth(rec database.FileRecord, ext *fs.FileMeta, now time.Time) (int64, string, error) {
	rel := rec.RelPath
	cat := e.opts.Catalog

	name := conflict.KeepBothName(rel, now, e.taken)
	if err := e.opts.Local.Rename(rel, name); err != nil {
		return 0, "", errdefs.New(errdefs.KindSync, "keep_both", rel, err)
	}
	if _, err := cat.RenameTree(rel, name); err != nil {
		return 0, "", err
	}
	_, err := cat.Upsert(rel, func(r *database.FileRecord, _ bool) error {
		adoptExternal(r, ext, "")
		r.Location = database.LocationExternalOnly
		r.Checksum = ""
		return nil
	})
	if err != nil {
		return 0, "", err
	}
	slog.Info("保留两份", "pair", e.opts.PairID, "path", rel, "copy", name)
	return 0, "keep_both", nil
}

// adoptExternal 以外部副本的状态覆盖记录并作为新基准，记录变为干净
func adoptExternal(r *database.FileRecord, m *fs.FileMeta, sum string) {
	r.Size = m.Size
	r.ModTime = m.ModTime.UnixNano()
	r.IsDir = m.IsDir
	r.Mode = uint32(m.Mode)
	r.SymlinkTarget = m.SymlinkTarget
	r.ExternalSize = m.Size
	r.ExternalModTime = m.ModTime.UnixNano()
	r.ExternalMode = uint32(m.Mode)
	r.ExternalChecksum = sum
	r.LastSyncTime = time.Now().UnixNano()
	r.DeletedAt = 0
	r.IsDirty = false
}

// taken 冲突副本和备份命名时判断名字是否已被占用
func (e *Engine) taken(rel string) bool {
	if _, ok := e.opts.Catalog.Get(rel); ok {
		return true
	}
	if _, err := e.opts.Local.Stat(rel); err == nil {
		return true
	}
	_, err := e.opts.External.Stat(rel)
	return err == nil
}
