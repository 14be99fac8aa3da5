package evict

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"mergesync/internal/catalog"
	"mergesync/internal/database"
	"mergesync/internal/errdefs"
	"mergesync/internal/fs"
)

// Prefetcher 把外部副本复制回本地 (ExternalOnly -> Both)
// 合并文件系统的写时复制和显式预热都走这里
type Prefetcher struct {
	cat      *catalog.Catalog
	local    fs.FileSystem
	external fs.FileSystem
}

func NewPrefetcher(cat *catalog.Catalog, local, external fs.FileSystem) *Prefetcher {
	return &Prefetcher{cat: cat, local: local, external: external}
}

// Prefetch 预取单个条目；调用方不能持有该路径的 LockPath
func (p *Prefetcher) Prefetch(ctx context.Context, rel string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec, ok := p.cat.Get(rel)
	if !ok || rec.PendingDelete {
		return errdefs.FS("prefetch", rel, errdefs.ErrNotFound)
	}
	if rec.Location.HasLocal() {
		return nil
	}
	if p.cat.IsEvicting(rel) {
		return errdefs.FS("prefetch", rel, errdefs.ErrBusy)
	}
	if !p.external.Online() {
		return errdefs.FS("prefetch", rel, errdefs.ErrOffline)
	}

	unlock := p.cat.LockPath(rel)
	defer unlock()

	// 拿到锁之后重新读取，可能已被其它调用预取
	rec, ok = p.cat.Get(rel)
	if !ok || rec.PendingDelete {
		return errdefs.FS("prefetch", rel, errdefs.ErrNotFound)
	}
	if rec.Location.HasLocal() {
		return nil
	}

	start := time.Now()
	meta, sum, err := fs.Copy(p.external, p.local, rel)
	if err != nil {
		return errdefs.New(errdefs.KindFilesystem, "prefetch", rel, err)
	}
	if err := p.cat.EnsureLocalAncestors(rel); err != nil {
		return err
	}
	_, err = p.cat.Upsert(rel, func(r *database.FileRecord, exists bool) error {
		if !exists || r.Location != database.LocationExternalOnly {
			return nil
		}
		r.Location = database.LocationBoth
		r.Size = meta.Size
		r.ModTime = meta.ModTime.UnixNano()
		r.AccessTime = time.Now().UnixNano()
		if sum != "" {
			r.Checksum = sum
			if r.ExternalChecksum == "" && r.ExternalSize == meta.Size && r.ExternalModTime == meta.ModTime.UnixNano() {
				r.ExternalChecksum = sum
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	slog.Debug("预取完成", "pair", p.cat.PairID(), "path", rel,
		"size", humanize.IBytes(uint64(meta.Size)), "cost", time.Since(start))
	return nil
}

// PrefetchTree 预取 root 本身及其下所有只在外部的条目，按路径顺序 (父目录在前)
// 单个文件失败不影响其余文件，返回合并后的错误
func (p *Prefetcher) PrefetchTree(ctx context.Context, root string) error {
	var errs []error
	for _, r := range p.cat.Snapshot() {
		if !fs.Within(r.RelPath, root) || r.Location != database.LocationExternalOnly {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.Prefetch(ctx, r.RelPath); err != nil {
			if errors.Is(err, errdefs.ErrOffline) {
				return err
			}
			if errors.Is(err, os.ErrExist) {
				continue
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
