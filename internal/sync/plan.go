package sync

import (
	"os"
	"sort"
	"time"

	"mergesync/internal/database"
	"mergesync/internal/fs"
)

// Filter 限定同步范围；Path 为空表示整个 SyncPair，否则为该路径及其子树
type Filter struct {
	Path string
}

func (f Filter) match(rel string) bool {
	return f.Path == "" || fs.Within(rel, f.Path)
}

// Plan 一次同步的有序动作序列
type Plan struct {
	PairID    string
	CreatedAt time.Time

	Resolutions []Action // 已决定的冲突
	Dirs        []Action // 目录，浅的在前
	Files       []Action // 文件和符号链接
	Deletes     []Action // 待删除，深的在前
	Skips       []SkipAction
}

// Actions 按执行顺序展开
func (p *Plan) Actions() []Action {
	out := make([]Action, 0, p.Len()+len(p.Skips))
	out = append(out, p.Resolutions...)
	out = append(out, p.Dirs...)
	out = append(out, p.Files...)
	out = append(out, p.Deletes...)
	for _, s := range p.Skips {
		out = append(out, s)
	}
	return out
}

// Len 需要执行的动作数 (不含跳过)
func (p *Plan) Len() int {
	return len(p.Resolutions) + len(p.Dirs) + len(p.Files) + len(p.Deletes)
}

// Bytes 文件动作涉及的字节数
func (p *Plan) Bytes() int64 {
	var n int64
	for _, a := range p.Files {
		if r, ok := recordOf(a); ok {
			n += r.Size
		}
	}
	return n
}

// Plan 对元数据表做快照并生成同步计划
func (e *Engine) Plan(filter Filter) (*Plan, error) {
	filter.Path = fs.Clean(filter.Path)
	conflicts, err := e.opts.Queue.List()
	if err != nil {
		return nil, err
	}
	p := &Plan{PairID: e.opts.PairID, CreatedAt: time.Now()}

	queued := make(map[string]bool, len(conflicts))
	for _, c := range conflicts {
		if !filter.match(c.Path) {
			continue
		}
		queued[c.Path] = true
		if c.Decided() {
			p.Resolutions = append(p.Resolutions, ResolveConflictAction{Conflict: c})
		} else {
			p.Skips = append(p.Skips, SkipAction{RelPath: c.Path, Reason: "冲突等待人工决定"})
		}
	}

	cat := e.opts.Catalog
	for _, r := range cat.Snapshot() {
		if !filter.match(r.RelPath) || queued[r.RelPath] {
			continue
		}
		if !r.IsDirty && !r.PendingDelete {
			continue
		}
		if cat.IsEvicting(r.RelPath) {
			p.Skips = append(p.Skips, SkipAction{RelPath: r.RelPath, Reason: "正在驱逐"})
			continue
		}
		switch {
		case r.PendingDelete:
			p.Deletes = append(p.Deletes, newAction(KindDelete, r))
		case r.IsDir:
			p.Dirs = append(p.Dirs, newAction(KindCreateDir, r))
		case os.FileMode(r.Mode)&os.ModeSymlink != 0:
			p.Files = append(p.Files, newAction(KindCreateSymlink, r))
		case r.Location == database.LocationLocalOnly:
			p.Files = append(p.Files, newAction(KindCopy, r))
		default:
			p.Files = append(p.Files, newAction(KindUpdate, r))
		}
	}

	sort.SliceStable(p.Resolutions, func(i, j int) bool {
		return p.Resolutions[i].Path() < p.Resolutions[j].Path()
	})
	sort.SliceStable(p.Dirs, func(i, j int) bool {
		a, b := p.Dirs[i].Path(), p.Dirs[j].Path()
		if da, db := fs.Depth(a), fs.Depth(b); da != db {
			return da < db
		}
		return a < b
	})
	sort.SliceStable(p.Files, func(i, j int) bool {
		a, _ := recordOf(p.Files[i])
		b, _ := recordOf(p.Files[j])
		return fileBefore(a, b)
	})
	sort.SliceStable(p.Deletes, func(i, j int) bool {
		a, b := p.Deletes[i].Path(), p.Deletes[j].Path()
		if da, db := fs.Depth(a), fs.Depth(b); da != db {
			return da > db
		}
		return a > b
	})
	return p, nil
}

// fileBefore 用户标记优先，然后小文件优先，然后最近修改的优先
func fileBefore(a, b database.FileRecord) bool {
	if a.Flagged != b.Flagged {
		return a.Flagged
	}
	if a.Size != b.Size {
		return a.Size < b.Size
	}
	if a.ModTime != b.ModTime {
		return a.ModTime > b.ModTime
	}
	return a.RelPath < b.RelPath
}
