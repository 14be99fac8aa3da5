// Package vfs 实现合并视图：把本地缓存和外部存储按相对路径合成一棵目录树
//
// 所有元数据修改都经过 catalog.Catalog；长时间的存储 I/O 不持有表锁，
// 只持有单个路径的锁。对外返回的错误都由 errdefs 哨兵包装，交给 fusefs 映射为 errno。
package vfs

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"mergesync/internal/catalog"
	"mergesync/internal/database"
	"mergesync/internal/errdefs"
	"mergesync/internal/evict"
	"mergesync/internal/fs"
)

const (
	defaultAttrTTL   = time.Second
	attrCacheEntries = 4096
)

// Prefetcher 把只在外部的内容复制回本地
type Prefetcher interface {
	Prefetch(ctx context.Context, rel string) error
}

// Options 初始化选项
type Options struct {
	PairID     string
	Local      fs.FileSystem
	External   fs.FileSystem
	Catalog    *catalog.Catalog
	Prefetcher Prefetcher // 为空时使用 evict.Prefetcher
	ReadOnly   bool
	AttrTTL    time.Duration // 外部存储 stat 缓存时间
}

// FS 一个 SyncPair 的合并视图
type FS struct {
	pairID   string
	local    fs.FileSystem
	external fs.FileSystem
	cat      *catalog.Catalog
	prefetch Prefetcher
	readOnly atomic.Bool

	// 外部存储的 stat 结果，nil 表示不存在
	extAttr *expirable.LRU[string, *fs.FileMeta]
}

// Attr 合并视图中一个条目的属性
type Attr struct {
	Path     string
	Size     int64
	Mode     os.FileMode
	ModTime  time.Time
	ATime    time.Time
	CTime    time.Time
	UID      uint32
	GID      uint32
	Location database.Location
	Dirty    bool
}

// DirEntry 目录项
type DirEntry struct {
	Name string
	Mode os.FileMode
}

func New(opts Options) *FS {
	if opts.AttrTTL <= 0 {
		opts.AttrTTL = defaultAttrTTL
	}
	if opts.Prefetcher == nil {
		opts.Prefetcher = evict.NewPrefetcher(opts.Catalog, opts.Local, opts.External)
	}
	v := &FS{
		pairID:   opts.PairID,
		local:    opts.Local,
		external: opts.External,
		cat:      opts.Catalog,
		prefetch: opts.Prefetcher,
		extAttr:  expirable.NewLRU[string, *fs.FileMeta](attrCacheEntries, nil, opts.AttrTTL),
	}
	v.readOnly.Store(opts.ReadOnly)
	return v
}

func (v *FS) PairID() string {
	return v.pairID
}

// SetReadOnly 切换只读
func (v *FS) SetReadOnly(ro bool) {
	v.readOnly.Store(ro)
}

func (v *FS) ReadOnly() bool {
	return v.readOnly.Load()
}

// gate 初始索引完成前拒绝除根目录 getattr 以外的一切操作
func (v *FS) gate(op, rel string) error {
	if !v.cat.Indexed() {
		return errdefs.FS(op, rel, errdefs.ErrUnavailable)
	}
	return nil
}

// writable 闸门 + 只读检查
func (v *FS) writable(op, rel string) error {
	if err := v.gate(op, rel); err != nil {
		return err
	}
	if v.readOnly.Load() {
		return errdefs.FS(op, rel, errdefs.ErrReadOnly)
	}
	return nil
}

// notBusy 正在驱逐的路径返回 ErrBusy
func (v *FS) notBusy(op, rel string) error {
	if v.cat.IsEvicting(rel) {
		return errdefs.FS(op, rel, errdefs.ErrBusy)
	}
	return nil
}

// evictedSince 拿到路径锁后确认本地内容没有在此之前被驱逐；调用方持有路径锁
func (v *FS) evictedSince(op, rel string) error {
	r, ok := v.cat.Get(rel)
	if !ok || r.IsDir || r.Location != database.LocationExternalOnly {
		return nil
	}
	if _, err := v.local.Stat(rel); errors.Is(err, os.ErrNotExist) {
		return errdefs.FS(op, rel, errdefs.ErrBusy)
	}
	return nil
}

// fsErr 把存储层错误归一为哨兵错误
func fsErr(op, rel string, err error) error {
	if err == nil {
		return nil
	}
	var e *errdefs.Error
	if errors.As(err, &e) {
		return err
	}
	switch {
	case errors.Is(err, errdefs.ErrOffline):
		return errdefs.FS(op, rel, err)
	case errors.Is(err, os.ErrNotExist):
		return errdefs.FS(op, rel, errors.Join(errdefs.ErrNotFound, err))
	case errors.Is(err, os.ErrExist):
		return errdefs.FS(op, rel, errors.Join(errdefs.ErrExists, err))
	}
	return errdefs.FS(op, rel, err)
}

// externalStat 带缓存的外部存储 stat；离线时返回 ErrOffline
func (v *FS) externalStat(rel string) (*fs.FileMeta, error) {
	if !v.external.Online() {
		return nil, errdefs.ErrOffline
	}
	if m, ok := v.extAttr.Get(rel); ok {
		return m, nil
	}
	m, err := v.external.Stat(rel)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			v.extAttr.Add(rel, nil)
			return nil, nil
		}
		return nil, err
	}
	v.extAttr.Add(rel, m)
	return m, nil
}

// invalidate 合并视图自身修改了外部可见状态
func (v *FS) invalidate(rels ...string) {
	for _, rel := range rels {
		v.extAttr.Remove(rel)
	}
}

// lookup 取记录；表中没有时从两侧存储收养
func (v *FS) lookup(op, rel string) (database.FileRecord, error) {
	if r, ok := v.cat.Get(rel); ok {
		if r.PendingDelete {
			return r, errdefs.FS(op, rel, errdefs.ErrNotFound)
		}
		return r, nil
	}

	l, err := v.local.Stat(rel)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return database.FileRecord{}, fsErr(op, rel, err)
	}
	if err != nil {
		l = nil
	}
	e, err := v.externalStat(rel)
	extKnown := err == nil
	if err != nil && !errors.Is(err, errdefs.ErrOffline) {
		return database.FileRecord{}, fsErr(op, rel, err)
	}
	if l == nil && e == nil {
		return database.FileRecord{}, errdefs.FS(op, rel, errdefs.ErrNotFound)
	}
	r, ok, err := v.cat.Adopt(rel, l, e, extKnown)
	if err != nil {
		return database.FileRecord{}, fsErr(op, rel, err)
	}
	if !ok || r.PendingDelete {
		return r, errdefs.FS(op, rel, errdefs.ErrNotFound)
	}
	return r, nil
}

// parentDir 父目录必须存在且是目录
func (v *FS) parentDir(op, rel string) error {
	parent := fs.Parent(rel)
	if parent == "" {
		return nil
	}
	r, err := v.lookup(op, parent)
	if err != nil {
		return err
	}
	if !r.IsDir {
		return errdefs.FS(op, rel, errdefs.ErrNotDir)
	}
	return nil
}

// ensureLocalParent 本地创建父目录链 (父目录可能只存在于外部)
func (v *FS) ensureLocalParent(op, rel string) error {
	parent := fs.Parent(rel)
	if parent == "" {
		return nil
	}
	if m, err := v.local.Stat(parent); err == nil && m.IsDir {
		return nil
	}
	if err := v.local.Mkdir(parent, 0o755); err != nil && !errors.Is(err, os.ErrExist) {
		return fsErr(op, rel, err)
	}
	if err := v.cat.EnsureLocalAncestors(rel); err != nil {
		return fsErr(op, rel, err)
	}
	return nil
}

// ensureLocal 确保 rel 在本地存在 (写时复制)；调用方不能持有该路径的锁
func (v *FS) ensureLocal(ctx context.Context, op string, r database.FileRecord) error {
	if r.Location.HasLocal() {
		return nil
	}
	if !v.external.Online() {
		return errdefs.FS(op, r.RelPath, errdefs.ErrOffline)
	}
	if err := v.prefetch.Prefetch(ctx, r.RelPath); err != nil {
		return fsErr(op, r.RelPath, err)
	}
	return nil
}

func recordAttr(r database.FileRecord) Attr {
	return Attr{
		Path:     r.RelPath,
		Size:     r.Size,
		Mode:     os.FileMode(r.Mode),
		ModTime:  time.Unix(0, r.ModTime),
		ATime:    time.Unix(0, r.AccessTime),
		CTime:    time.Unix(0, r.CreateTime),
		UID:      r.UID,
		GID:      r.GID,
		Location: r.Location,
		Dirty:    r.IsDirty,
	}
}

func metaAttr(m *fs.FileMeta) Attr {
	return Attr{
		Path:    m.RelPath,
		Size:    m.Size,
		Mode:    m.Mode,
		ModTime: m.ModTime,
		ATime:   m.ATime,
		CTime:   m.CTime,
		UID:     m.UID,
		GID:     m.GID,
	}
}

// Getattr 获取属性；根目录在索引完成前也可查询
func (v *FS) Getattr(rel string) (Attr, error) {
	rel = fs.Clean(rel)
	if rel == "" {
		m, err := v.local.Stat("")
		if err != nil {
			return Attr{}, fsErr("getattr", rel, err)
		}
		a := metaAttr(m)
		a.Location = database.LocationBoth
		return a, nil
	}
	if err := v.gate("getattr", rel); err != nil {
		return Attr{}, err
	}
	r, err := v.lookup("getattr", rel)
	if err != nil {
		return Attr{}, err
	}
	a := recordAttr(r)
	// 本地副本可能正在被写入，以实际文件为准
	if r.Location.HasLocal() {
		if m, err := v.local.Stat(rel); err == nil {
			la := metaAttr(m)
			la.Location, la.Dirty = r.Location, r.IsDirty
			return la, nil
		}
	}
	return a, nil
}

// Lookup 同 Getattr，供 OS 桥接层按名字查找
func (v *FS) Lookup(dir, name string) (Attr, error) {
	if fs.Hidden(name) {
		return Attr{}, errdefs.FS("lookup", fs.Join(dir, name), errdefs.ErrNotFound)
	}
	return v.Getattr(fs.Join(fs.Clean(dir), name))
}

// Statfs 合并视图的容量：外部在线时以外部为准，否则以本地为准
func (v *FS) Statfs() (total, free uint64, err error) {
	if err := v.gate("statfs", ""); err != nil {
		return 0, 0, err
	}
	if v.external.Online() {
		if t, f, err := v.external.Usage(); err == nil {
			return t, f, nil
		}
	}
	t, f, err := v.local.Usage()
	if err != nil {
		return 0, 0, fsErr("statfs", "", err)
	}
	return t, f, nil
}
