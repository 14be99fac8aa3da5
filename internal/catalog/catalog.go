// Package catalog 是单个 SyncPair 元数据表的唯一所有者
//
// 所有记录的读写都经过 Catalog：内存表由读写锁保护，每次修改同步写入 BoltDB，
// 对外只返回副本。同时维护 syncing / evicting 两个排他集合、rename 中的子树
// 和打开句柄，让同步引擎、驱逐引擎和合并文件系统按路径互斥。
package catalog

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"mergesync/internal/database"
	"mergesync/internal/errdefs"
	"mergesync/internal/event"
	"mergesync/internal/fs"
)

// 访问时间变化超过该值才写盘
const touchPersistInterval = time.Minute

// Catalog 一个 SyncPair 的元数据表
type Catalog struct {
	pairID string
	db     *database.DB
	bus    *event.Bus

	mu       sync.RWMutex
	records  map[string]*database.FileRecord
	syncing  mapset.Set[string]
	evicting mapset.Set[string]
	open     map[string]int
	moving   map[string]int // rename 中的子树根

	handles    map[uint64]string
	nextHandle uint64

	plMu      sync.Mutex
	pathLocks map[string]*pathLock

	indexed atomic.Bool
}

type pathLock struct {
	mu   sync.Mutex
	refs int
}

// Stats 元数据表统计
type Stats struct {
	Total         int   `json:"total"`
	Dirty         int   `json:"dirty"`
	LocalOnly     int   `json:"local_only"`
	ExternalOnly  int   `json:"external_only"`
	Both          int   `json:"both"`
	PendingDelete int   `json:"pending_delete"`
	Flagged       int   `json:"flagged"`
	LocalBytes    int64 `json:"local_bytes"`
	DirtyBytes    int64 `json:"dirty_bytes"`
}

// New 打开 (必要时创建) 一个 SyncPair 的表并加载到内存
func New(pairID string, db *database.DB, bus *event.Bus) (*Catalog, error) {
	if err := db.EnsurePair(pairID); err != nil {
		return nil, fmt.Errorf("初始化元数据表失败: %w", err)
	}
	recs, err := db.ListAll(pairID)
	if err != nil {
		return nil, fmt.Errorf("加载元数据失败: %w", err)
	}
	slog.Debug("元数据已加载", "pair", pairID, "records", len(recs))
	return &Catalog{
		pairID:    pairID,
		db:        db,
		bus:       bus,
		records:   recs,
		syncing:   mapset.NewThreadUnsafeSet[string](),
		evicting:  mapset.NewThreadUnsafeSet[string](),
		open:      make(map[string]int),
		moving:    make(map[string]int),
		handles:   make(map[uint64]string),
		pathLocks: make(map[string]*pathLock),
	}, nil
}

func (c *Catalog) PairID() string {
	return c.pairID
}

func (c *Catalog) DB() *database.DB {
	return c.db
}

// Indexed 初始索引是否已完成
func (c *Catalog) Indexed() bool {
	return c.indexed.Load()
}

// Get 返回记录副本
func (c *Catalog) Get(rel string) (database.FileRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.records[rel]
	if !ok {
		return database.FileRecord{}, false
	}
	return *r, true
}

// Snapshot 按路径排序的全部记录副本
func (c *Catalog) Snapshot() []database.FileRecord {
	c.mu.RLock()
	out := make([]database.FileRecord, 0, len(c.records))
	for _, r := range c.records {
		out = append(out, *r)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].RelPath < out[j].RelPath })
	return out
}

// Children 目录的直接子项 (含待删除记录，由调用方过滤)
func (c *Catalog) Children(dir string) []database.FileRecord {
	c.mu.RLock()
	var out []database.FileRecord
	for p, r := range c.records {
		if p != "" && fs.Parent(p) == dir {
			out = append(out, *r)
		}
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].RelPath < out[j].RelPath })
	return out
}

// normalize 修正派生字段并检查不变量
func normalize(r *database.FileRecord) error {
	r.PendingDelete = r.Location == database.LocationPendingDelete
	if r.PendingDelete {
		r.IsDirty = false
	}
	if r.IsDirty && !r.Location.HasLocal() {
		return errdefs.New(errdefs.KindFilesystem, "catalog", r.RelPath,
			fmt.Errorf("%w: dirty record without local content (%s)", errdefs.ErrInvalid, r.Location))
	}
	return nil
}

// Upsert 在写锁内修改一条记录；fn 返回错误时不做任何修改
func (c *Catalog) Upsert(rel string, fn func(r *database.FileRecord, exists bool) error) (database.FileRecord, error) {
	return c.upsert(rel, 0, fn)
}

// upsert handle 非零时路径在写锁内按句柄解析
func (c *Catalog) upsert(rel string, handle uint64, fn func(r *database.FileRecord, exists bool) error) (database.FileRecord, error) {
	c.mu.Lock()
	if handle != 0 {
		p, ok := c.handles[handle]
		if !ok {
			c.mu.Unlock()
			return database.FileRecord{}, errdefs.FS("write", rel, errdefs.ErrBadHandle)
		}
		rel = p
	}
	old, exists := c.records[rel]
	next := database.FileRecord{RelPath: rel}
	if exists {
		next = *old
	}
	if err := fn(&next, exists); err != nil {
		c.mu.Unlock()
		return database.FileRecord{}, err
	}
	next.RelPath = rel
	if err := normalize(&next); err != nil {
		c.mu.Unlock()
		return database.FileRecord{}, err
	}
	if err := c.db.Put(c.pairID, &next); err != nil {
		c.mu.Unlock()
		return database.FileRecord{}, fmt.Errorf("写入元数据失败: %w", err)
	}
	c.records[rel] = &next
	becameDirty := next.IsDirty && (!exists || !old.IsDirty)
	c.mu.Unlock()

	if becameDirty {
		c.bus.Publish(event.Event{Kind: event.RecordDirty, PairID: c.pairID, Path: rel})
	}
	return next, nil
}

// MarkDirty 记录一次文件系统修改：dirty=true、代数递增、location 补上本地
// fn 可以同时修改其它字段 (大小、时间、权限)
func (c *Catalog) MarkDirty(rel string, fn func(r *database.FileRecord)) (database.FileRecord, error) {
	return c.upsert(rel, 0, dirtyFn(fn))
}

// MarkHandleDirty 与 MarkDirty 相同，路径取句柄当前指向的位置
func (c *Catalog) MarkHandleDirty(handle uint64, fn func(r *database.FileRecord)) (database.FileRecord, error) {
	return c.upsert("", handle, dirtyFn(fn))
}

func dirtyFn(fn func(r *database.FileRecord)) func(r *database.FileRecord, exists bool) error {
	return func(r *database.FileRecord, _ bool) error {
		if fn != nil {
			fn(r)
		}
		switch r.Location {
		case database.LocationExternalOnly, database.LocationPendingDelete:
			r.Location = database.LocationBoth
			r.DeletedAt = 0
		}
		r.IsDirty = true
		r.Generation++
		return nil
	}
}

// Delete 删除记录
func (c *Catalog) Delete(rel string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.records[rel]; !ok {
		return nil
	}
	if err := c.db.Delete(c.pairID, rel); err != nil {
		return err
	}
	delete(c.records, rel)
	return nil
}

// DeleteIfPending 仅当记录仍处于待删除状态时删除 (外部副本已确认删除)
func (c *Catalog) DeleteIfPending(rel string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.records[rel]
	if !ok || r.Location != database.LocationPendingDelete {
		return false, nil
	}
	if err := c.db.Delete(c.pairID, rel); err != nil {
		return false, err
	}
	delete(c.records, rel)
	return true, nil
}

// Touch 更新最近访问时间，供驱逐排序使用
func (c *Catalog) Touch(rel string) {
	now := time.Now().UnixNano()
	c.mu.Lock()
	r, ok := c.records[rel]
	if !ok {
		c.mu.Unlock()
		return
	}
	persist := time.Duration(now-r.AccessTime) >= touchPersistInterval
	r.AccessTime = now
	var cp database.FileRecord
	if persist {
		cp = *r
	}
	c.mu.Unlock()

	if persist {
		if err := c.db.Put(c.pairID, &cp); err != nil {
			slog.Warn("保存访问时间失败", "pair", c.pairID, "path", rel, "err", err)
		}
	}
}

// CommitSync 推送成功后写入新的外部基准
// 只有记录代数仍等于 gen 时才清除 dirty，期间又被修改的记录留给下一轮
func (c *Catalog) CommitSync(rel string, gen uint64, base database.Snapshot) (database.FileRecord, error) {
	return c.Upsert(rel, func(r *database.FileRecord, exists bool) error {
		if !exists {
			return errdefs.FS("commit", rel, errdefs.ErrNotFound)
		}
		r.ExternalSize = base.Size
		r.ExternalModTime = base.ModTime
		r.ExternalMode = base.Mode
		r.ExternalChecksum = base.Checksum
		r.LastSyncTime = time.Now().UnixNano()
		if r.Location == database.LocationLocalOnly {
			r.Location = database.LocationBoth
		}
		if base.Checksum != "" && r.Generation == gen {
			r.Checksum = base.Checksum
		}
		if r.Generation == gen {
			r.IsDirty = false
		}
		return nil
	})
}

// ClearMissingLocal 本地内容已不存在：LocalOnly 记录销毁，Both 退化为 ExternalOnly
func (c *Catalog) ClearMissingLocal(rel string, gen uint64) error {
	c.mu.Lock()
	r, ok := c.records[rel]
	if !ok || r.Generation != gen || c.movingLocked(rel) {
		// rename 进行中，本地内容只是换了位置
		c.mu.Unlock()
		return nil
	}
	if r.Location == database.LocationLocalOnly {
		c.mu.Unlock()
		return c.deleteIfGen(rel, gen)
	}
	c.mu.Unlock()

	_, err := c.Upsert(rel, func(r *database.FileRecord, exists bool) error {
		if !exists || r.Generation != gen {
			return nil
		}
		r.IsDirty = false
		if r.Location == database.LocationBoth {
			r.Location = database.LocationExternalOnly
		}
		return nil
	})
	return err
}

func (c *Catalog) deleteIfGen(rel string, gen uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.records[rel]
	if !ok || r.Generation != gen {
		return nil
	}
	if err := c.db.Delete(c.pairID, rel); err != nil {
		return err
	}
	delete(c.records, rel)
	return nil
}

// RenameTree 把 oldRoot 下的全部记录移到 newRoot 下 (本地树已经整体 rename)
// 旧路径上仍有外部副本的记录变为待删除，新记录全部 dirty；
// 打开的句柄随记录一起移到新路径
func (c *Catalog) RenameTree(oldRoot, newRoot string) ([]string, error) {
	now := time.Now().UnixNano()

	c.mu.Lock()
	var (
		puts    []*database.FileRecord
		deletes []string
		moved   []string
	)
	// 被覆盖的目标：外部副本仍在的保留基准
	for p, r := range c.records {
		if !fs.Within(p, newRoot) || r.Location == database.LocationPendingDelete {
			continue
		}
		if _, fromOld := c.records[oldRoot+p[len(newRoot):]]; fromOld {
			continue
		}
		if r.Location.HasExternal() {
			cp := *r
			cp.Location = database.LocationPendingDelete
			cp.DeletedAt = now
			_ = normalize(&cp)
			puts = append(puts, &cp)
		} else {
			deletes = append(deletes, p)
		}
	}

	for p, r := range c.records {
		if !fs.Within(p, oldRoot) || r.Location == database.LocationPendingDelete {
			continue
		}
		np := newRoot + p[len(oldRoot):]

		nr := *r
		nr.RelPath = np
		nr.IsDirty = true
		nr.Generation = r.Generation + 1
		nr.Location = database.LocationLocalOnly
		nr.ExternalSize, nr.ExternalModTime, nr.ExternalMode, nr.ExternalChecksum = 0, 0, 0, ""
		if target, ok := c.records[np]; ok && target.Location.HasExternal() {
			nr.Location = database.LocationBoth
			nr.ExternalSize = target.ExternalSize
			nr.ExternalModTime = target.ExternalModTime
			nr.ExternalMode = target.ExternalMode
			nr.ExternalChecksum = target.ExternalChecksum
			if nr.Generation <= target.Generation {
				nr.Generation = target.Generation + 1
			}
		}
		nr.DeletedAt = 0
		_ = normalize(&nr)
		puts = append(puts, &nr)
		moved = append(moved, np)

		if r.Location.HasExternal() {
			old := *r
			old.Location = database.LocationPendingDelete
			old.DeletedAt = now
			_ = normalize(&old)
			puts = append(puts, &old)
		} else {
			deletes = append(deletes, p)
		}
	}

	// 同一路径可能既是旧树成员又是新树成员 (例如 a -> a/b)，以最后一次写入为准
	final := make(map[string]*database.FileRecord, len(puts))
	for _, r := range puts {
		final[r.RelPath] = r
	}
	var dels []string
	for _, p := range deletes {
		if _, ok := final[p]; !ok {
			dels = append(dels, p)
		}
	}
	putList := make([]*database.FileRecord, 0, len(final))
	for _, r := range final {
		putList = append(putList, r)
	}

	if err := c.db.PutBatch(c.pairID, putList, dels); err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("写入元数据失败: %w", err)
	}
	for _, p := range dels {
		delete(c.records, p)
	}
	for _, r := range putList {
		c.records[r.RelPath] = r
	}
	c.retargetHandles(oldRoot, newRoot)
	c.mu.Unlock()

	sort.Strings(moved)
	for _, p := range moved {
		c.bus.Publish(event.Event{Kind: event.RecordDirty, PairID: c.pairID, Path: p})
	}
	return moved, nil
}

// SetFlagged 设置用户优先同步标记
func (c *Catalog) SetFlagged(rel string, flagged bool) error {
	_, err := c.Upsert(rel, func(r *database.FileRecord, exists bool) error {
		if !exists {
			return errdefs.FS("flag", rel, errdefs.ErrNotFound)
		}
		r.Flagged = flagged
		return nil
	})
	return err
}

// DirtyCount dirty 记录数
func (c *Catalog) DirtyCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, r := range c.records {
		if r.IsDirty {
			n++
		}
	}
	return n
}

// Stats 按位置统计
func (c *Catalog) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var st Stats
	for _, r := range c.records {
		st.Total++
		if r.IsDirty {
			st.Dirty++
			st.DirtyBytes += r.Size
		}
		if r.Flagged {
			st.Flagged++
		}
		switch r.Location {
		case database.LocationLocalOnly:
			st.LocalOnly++
		case database.LocationExternalOnly:
			st.ExternalOnly++
		case database.LocationBoth:
			st.Both++
		case database.LocationPendingDelete:
			st.PendingDelete++
		}
		if r.Location.HasLocal() && !r.IsDir {
			st.LocalBytes += r.Size
		}
	}
	return st
}

// CheckInvariants 校验整张表，返回第一个违规
func (c *Catalog) CheckInvariants() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, r := range c.records {
		if r.IsDirty && !r.Location.HasLocal() {
			return fmt.Errorf("%s: dirty record at %s", r.RelPath, r.Location)
		}
		if r.PendingDelete != (r.Location == database.LocationPendingDelete) {
			return fmt.Errorf("%s: pending flag disagrees with location %s", r.RelPath, r.Location)
		}
		if r.PendingDelete && r.IsDirty {
			return fmt.Errorf("%s: pending delete record is dirty", r.RelPath)
		}
	}
	return nil
}

// EnsureLocalAncestors 本地已经创建了 rel 的父目录链，把只在外部的目录记录改为 Both
func (c *Catalog) EnsureLocalAncestors(rel string) error {
	for dir := fs.Parent(rel); dir != ""; dir = fs.Parent(dir) {
		r, ok := c.Get(dir)
		if !ok || r.Location != database.LocationExternalOnly {
			continue
		}
		if _, err := c.Upsert(dir, func(r *database.FileRecord, exists bool) error {
			if exists && r.Location == database.LocationExternalOnly {
				r.Location = database.LocationBoth
			}
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}
