package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"mergesync/internal/database"
	"mergesync/internal/fs"
)

// IndexResult 初始扫描结果
type IndexResult struct {
	Records         int
	Dirty           int
	Removed         int
	ExternalOffline bool
	Duration        time.Duration
}

// Index 初始目录扫描：并发列出两侧存储，与已持久化的记录对账
// 外部存储离线时只对账本地存在性，外部状态沿用记录中的值
// 完成后打开该 SyncPair 的文件系统闸门
func (c *Catalog) Index(ctx context.Context, local, external fs.FileSystem) (IndexResult, error) {
	start := time.Now()
	var (
		localMap map[string]*fs.FileMeta
		extMap   map[string]*fs.FileMeta
		extKnown = external.Online()
	)

	// 1. 并发获取两侧状态
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		localMap, err = local.ListAll()
		if err != nil {
			return fmt.Errorf("scan local failed: %w", err)
		}
		return nil
	})
	if extKnown {
		g.Go(func() error {
			var err error
			extMap, err = external.ListAll()
			if err != nil {
				return fmt.Errorf("scan external failed: %w", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return IndexResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return IndexResult{}, err
	}

	// 2. 对账
	c.mu.Lock()
	allPaths := make(map[string]struct{}, len(c.records)+len(localMap)+len(extMap))
	for p := range c.records {
		allPaths[p] = struct{}{}
	}
	for p := range localMap {
		allPaths[p] = struct{}{}
	}
	for p := range extMap {
		allPaths[p] = struct{}{}
	}

	var (
		puts    []*database.FileRecord
		deletes []string
		res     = IndexResult{ExternalOffline: !extKnown}
	)
	for p := range allPaths {
		if p == "" {
			continue
		}
		rec, keep := reconcile(p, c.records[p], localMap[p], extMap[p], extKnown)
		if !keep {
			if _, ok := c.records[p]; ok {
				deletes = append(deletes, p)
			}
			continue
		}
		if old, ok := c.records[p]; !ok || *old != *rec {
			puts = append(puts, rec)
		}
	}

	if err := c.db.PutBatch(c.pairID, puts, deletes); err != nil {
		c.mu.Unlock()
		return IndexResult{}, fmt.Errorf("写入元数据失败: %w", err)
	}
	for _, p := range deletes {
		delete(c.records, p)
	}
	for _, r := range puts {
		c.records[r.RelPath] = r
	}
	res.Records = len(c.records)
	res.Removed = len(deletes)
	for _, r := range c.records {
		if r.IsDirty {
			res.Dirty++
		}
	}
	c.mu.Unlock()

	c.indexed.Store(true)
	res.Duration = time.Since(start)
	slog.Info("索引完成", "pair", c.pairID, "records", res.Records, "dirty", res.Dirty,
		"removed", res.Removed, "external_offline", res.ExternalOffline, "cost", res.Duration)
	return res, nil
}

// Adopt 把存储中存在但表中没有的条目纳入表中 (lookup 时发现)
// 对账规则与初始扫描一致；返回 false 表示两侧都不存在
func (c *Catalog) Adopt(rel string, l, e *fs.FileMeta, extKnown bool) (database.FileRecord, bool, error) {
	c.mu.Lock()
	if r, ok := c.records[rel]; ok {
		cp := *r
		c.mu.Unlock()
		return cp, true, nil
	}
	rec, keep := reconcile(rel, nil, l, e, extKnown)
	if !keep {
		c.mu.Unlock()
		return database.FileRecord{}, false, nil
	}
	if err := c.db.Put(c.pairID, rec); err != nil {
		c.mu.Unlock()
		return database.FileRecord{}, false, err
	}
	c.records[rel] = rec
	c.mu.Unlock()
	return *rec, true, nil
}

// reconcile 根据两侧实际状态推导一条记录
//
//	只有本地         -> LocalOnly, dirty
//	只有外部         -> ExternalOnly, 干净, 记录基准
//	两侧都有且一致   -> Both, 干净, 记录基准
//	两侧都有但不一致 -> Both, dirty (同步时作为冲突处理)
//	两侧都没有       -> 销毁
func reconcile(rel string, old *database.FileRecord, l, e *fs.FileMeta, extKnown bool) (*database.FileRecord, bool) {
	hasExt := e != nil
	if !extKnown {
		hasExt = old != nil && old.Location.HasExternal()
	}

	if old != nil && old.Location == database.LocationPendingDelete && l == nil {
		if extKnown && e == nil {
			return nil, false
		}
		cp := *old
		return &cp, true
	}

	if l == nil && !hasExt {
		return nil, false
	}

	rec := &database.FileRecord{RelPath: rel}
	if old != nil {
		*rec = *old
	}
	rec.DeletedAt = 0

	src := l
	if src == nil {
		src = e
	}
	if src != nil {
		rec.Size = src.Size
		rec.ModTime = src.ModTime.UnixNano()
		rec.IsDir = src.IsDir
		rec.Mode = uint32(src.Mode)
		rec.UID = src.UID
		rec.GID = src.GID
		rec.SymlinkTarget = src.SymlinkTarget
		if rec.CreateTime == 0 {
			rec.CreateTime = src.CTime.UnixNano()
		}
		if rec.AccessTime == 0 {
			rec.AccessTime = src.ATime.UnixNano()
		}
	}

	setBaseline := func() {
		if e == nil {
			return
		}
		rec.ExternalSize = e.Size
		rec.ExternalModTime = e.ModTime.UnixNano()
		rec.ExternalMode = uint32(e.Mode)
	}
	markDirty := func() {
		if !rec.IsDirty {
			rec.Generation++
		}
		rec.IsDirty = true
	}

	switch {
	case l != nil && !hasExt:
		rec.Location = database.LocationLocalOnly
		markDirty()

	case l == nil && hasExt:
		rec.Location = database.LocationExternalOnly
		rec.IsDirty = false
		if old == nil || !old.HasBaseline() {
			setBaseline()
		}

	default:
		rec.Location = database.LocationBoth
		switch {
		case old == nil || old.Location == database.LocationPendingDelete:
			if e != nil && sameContent(l, e) {
				rec.IsDirty = false
				setBaseline()
			} else {
				markDirty()
			}
		case !old.Location.HasLocal():
			// 本地副本在服务停止期间出现
			markDirty()
		case !old.IsDirty && (old.Size != l.Size || old.ModTime != l.ModTime.UnixNano()) && !l.IsDir:
			markDirty()
		}
	}
	return rec, true
}

func sameContent(l, e *fs.FileMeta) bool {
	if l.IsDir || e.IsDir {
		return l.IsDir && e.IsDir
	}
	if l.IsSymlink() || e.IsSymlink() {
		return l.IsSymlink() && e.IsSymlink() && l.SymlinkTarget == e.SymlinkTarget
	}
	return l.Size == e.Size
}
