package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"mergesync/internal/conflict"
	"mergesync/internal/database"
	"mergesync/internal/errdefs"
	"mergesync/internal/evict"
	"mergesync/internal/fs"
	"mergesync/internal/state"
	syncer "mergesync/internal/sync"
	"mergesync/internal/vfs"
)

// 控制通道的操作。每个操作先检查当前状态是否允许，
// pairID 为空的 Pause / Resume / Cancel 作用于全部 SyncPair。

// PairStatus 一个 SyncPair 的概况
type PairStatus struct {
	ID         string            `json:"id"`
	MountPoint string            `json:"mount_point"`
	Mounted    bool              `json:"mounted"`
	Online     bool              `json:"online"`
	ReadOnly   bool              `json:"read_only"`
	Strategy   conflict.Strategy `json:"strategy"`
	Progress   syncer.Progress   `json:"progress"`
}

// Pairs 已打开的 SyncPair
func (s *Service) Pairs() ([]PairStatus, error) {
	if err := s.machine.Check(state.OpStatusQuery); err != nil {
		return nil, err
	}
	var out []PairStatus
	for _, p := range s.pairList() {
		out = append(out, PairStatus{
			ID:         p.id(),
			MountPoint: p.cfg.MountPoint,
			Mounted:    p.server != nil,
			Online:     p.online.Load(),
			ReadOnly:   p.fs.ReadOnly(),
			Strategy:   p.sync.Strategy(),
			Progress:   p.sync.Progress(),
		})
	}
	return out, nil
}

// FS 直接访问合并视图，不经过操作系统挂载
func (s *Service) FS(pairID string) (*vfs.FS, error) {
	if err := s.machine.Check(state.OpFilesystem); err != nil {
		return nil, err
	}
	p, err := s.pair(pairID)
	if err != nil {
		return nil, err
	}
	return p.fs, nil
}

// MountPair 运行期间挂载一个配置中已有、尚未打开的 SyncPair
func (s *Service) MountPair(ctx context.Context, pairID string) error {
	if err := s.machine.Check(state.OpConfigure); err != nil {
		return err
	}
	pc, ok := s.cfg.Pair(pairID)
	if !ok {
		return errdefs.New(errdefs.KindComponent, "mount", pairID, errdefs.ErrNotFound)
	}
	if _, err := s.pair(pairID); err == nil {
		return errdefs.New(errdefs.KindComponent, "mount", pairID, errdefs.ErrExists)
	}

	p, err := s.openPair(*pc)
	if err != nil {
		return err
	}
	if err := s.mountPair(ctx, p); err != nil {
		_ = s.closePair(p)
		return err
	}
	if err := s.indexPair(ctx, p); err != nil {
		_ = s.closePair(p)
		return err
	}
	if s.machine.State() == state.Running {
		s.startScheduler(p)
	}
	return nil
}

// UnmountPair 停止并卸载一个 SyncPair，未同步的修改保留在本地缓存
func (s *Service) UnmountPair(pairID string) error {
	if err := s.machine.Check(state.OpConfigure); err != nil {
		return err
	}
	p, err := s.pair(pairID)
	if err != nil {
		return err
	}
	return s.closePair(p)
}

// SyncNow 立即同步一个路径 (及其子树)；path 为空表示整个 SyncPair
func (s *Service) SyncNow(ctx context.Context, pairID, path string) (*syncer.Result, error) {
	p, err := s.pair(pairID)
	if err != nil {
		return nil, err
	}
	return s.runSync(ctx, p, syncer.Filter{Path: fs.Clean(path)})
}

// SyncPair 立即同步整个 SyncPair
func (s *Service) SyncPair(ctx context.Context, pairID string) (*syncer.Result, error) {
	return s.SyncNow(ctx, pairID, "")
}

// SyncAll 依次同步所有 SyncPair，单个失败不影响其它
func (s *Service) SyncAll(ctx context.Context) (map[string]*syncer.Result, error) {
	if err := s.machine.Check(state.OpSync); err != nil {
		return nil, err
	}
	out := make(map[string]*syncer.Result)
	var errs []error
	for _, p := range s.pairList() {
		res, err := s.runSync(ctx, p, syncer.Filter{})
		if res != nil {
			out[p.id()] = res
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.id(), err))
		}
	}
	return out, errors.Join(errs...)
}

// targets pairID 为空时返回全部
func (s *Service) targets(pairID string) ([]*pair, error) {
	if pairID == "" {
		return s.pairList(), nil
	}
	p, err := s.pair(pairID)
	if err != nil {
		return nil, err
	}
	return []*pair{p}, nil
}

// Pause 暂停同步和驱逐；进行中的单个文件传输会先完成
func (s *Service) Pause(pairID string) error {
	if err := s.machine.Check(state.OpConfigure); err != nil {
		return err
	}
	ps, err := s.targets(pairID)
	if err != nil {
		return err
	}
	for _, p := range ps {
		p.sync.Gate().Pause()
		p.evict.Gate().Pause()
		s.machine.SetComponent(componentName(p.id(), "sync"), state.Paused)
		s.machine.SetComponent(componentName(p.id(), "eviction"), state.Paused)
		slog.Info("已暂停", "pair", p.id())
	}
	return nil
}

func (s *Service) Resume(pairID string) error {
	if err := s.machine.Check(state.OpConfigure); err != nil {
		return err
	}
	ps, err := s.targets(pairID)
	if err != nil {
		return err
	}
	for _, p := range ps {
		p.sync.Gate().Resume()
		p.evict.Gate().Resume()
		s.machine.SetComponent(componentName(p.id(), "sync"), state.ComponentReady)
		s.machine.SetComponent(componentName(p.id(), "eviction"), state.ComponentReady)
		slog.Info("已恢复", "pair", p.id())
	}
	return nil
}

// Cancel 取消进行中的同步和驱逐，已排队的触发不受影响
func (s *Service) Cancel(pairID string) error {
	if err := s.machine.Check(state.OpConfigure); err != nil {
		return err
	}
	ps, err := s.targets(pairID)
	if err != nil {
		return err
	}
	for _, p := range ps {
		p.cancelPasses()
	}
	return nil
}

func (s *Service) Progress(pairID string) (syncer.Progress, error) {
	if err := s.machine.Check(state.OpStatusQuery); err != nil {
		return syncer.Progress{}, err
	}
	p, err := s.pair(pairID)
	if err != nil {
		return syncer.Progress{}, err
	}
	return p.sync.Progress(), nil
}

// History 最近的同步动作，新的在前
func (s *Service) History(pairID string, limit int) ([]database.HistoryEntry, error) {
	if err := s.machine.Check(state.OpStatusQuery); err != nil {
		return nil, err
	}
	p, err := s.pair(pairID)
	if err != nil {
		return nil, err
	}
	return p.sync.History(limit)
}

func (s *Service) Stats(pairID string) (syncer.Stats, error) {
	if err := s.machine.Check(state.OpStatusQuery); err != nil {
		return syncer.Stats{}, err
	}
	p, err := s.pair(pairID)
	if err != nil {
		return syncer.Stats{}, err
	}
	return p.sync.Stats()
}

// Conflicts 等待用户决定的冲突
func (s *Service) Conflicts(pairID string) ([]database.ConflictRecord, error) {
	if err := s.machine.Check(state.OpStatusQuery); err != nil {
		return nil, err
	}
	p, err := s.pair(pairID)
	if err != nil {
		return nil, err
	}
	return p.queue.List()
}

func (s *Service) PreviewConflict(pairID, id string) (*conflict.Preview, error) {
	if err := s.machine.Check(state.OpStatusQuery); err != nil {
		return nil, err
	}
	p, err := s.pair(pairID)
	if err != nil {
		return nil, err
	}
	return p.queue.Preview(id)
}

// ResolveConflict 记录用户的决定，下一轮同步执行
func (s *Service) ResolveConflict(pairID, id string, strategy conflict.Strategy) error {
	if err := s.machine.Check(state.OpConfigure); err != nil {
		return err
	}
	p, err := s.pair(pairID)
	if err != nil {
		return err
	}
	if err := p.queue.Decide(id, strategy); err != nil {
		return err
	}
	p.kick()
	return nil
}

// ResolveAllConflicts 用同一个策略决定全部待处理冲突，返回处理的数量
func (s *Service) ResolveAllConflicts(pairID string, strategy conflict.Strategy) (int, error) {
	if err := s.machine.Check(state.OpConfigure); err != nil {
		return 0, err
	}
	p, err := s.pair(pairID)
	if err != nil {
		return 0, err
	}
	n, err := p.queue.DecideAll(strategy)
	if n > 0 {
		p.kick()
	}
	return n, err
}

// SetStrategy 修改自动冲突策略，对下一个冲突生效
func (s *Service) SetStrategy(pairID string, strategy conflict.Strategy) error {
	if err := s.machine.Check(state.OpConfigure); err != nil {
		return err
	}
	p, err := s.pair(pairID)
	if err != nil {
		return err
	}
	p.sync.SetStrategy(strategy)
	slog.Info("冲突策略已修改", "pair", pairID, "strategy", strategy)
	return nil
}

// SetReadOnly 切换合并视图的只读模式
func (s *Service) SetReadOnly(pairID string, ro bool) error {
	if err := s.machine.Check(state.OpConfigure); err != nil {
		return err
	}
	p, err := s.pair(pairID)
	if err != nil {
		return err
	}
	p.fs.SetReadOnly(ro)
	return nil
}

// Evict 立即驱逐；targetFree <= 0 时使用配置的目标比例
func (s *Service) Evict(ctx context.Context, pairID string, targetFree float64) (*evict.Result, error) {
	p, err := s.pair(pairID)
	if err != nil {
		return nil, err
	}
	return s.runEvict(ctx, p, targetFree)
}

func (s *Service) SetEvictionConfig(pairID string, cfg evict.Config) error {
	if err := s.machine.Check(state.OpConfigure); err != nil {
		return err
	}
	ps, err := s.targets(pairID)
	if err != nil {
		return err
	}
	for _, p := range ps {
		if err := p.evict.SetConfig(cfg); err != nil {
			return err
		}
	}
	return nil
}

// Prefetch 把外部存储上的文件或目录预先拉到本地缓存
func (s *Service) Prefetch(ctx context.Context, pairID, path string) error {
	if err := s.machine.Check(state.OpFilesystem); err != nil {
		return err
	}
	p, err := s.pair(pairID)
	if err != nil {
		return err
	}
	rel := fs.Clean(path)
	r, err := p.record(rel)
	if err != nil {
		return err
	}
	if r.IsDir {
		return p.evict.PrefetchTree(ctx, rel)
	}
	return p.evict.Prefetch(ctx, rel)
}

// FlagPath 标记重要文件：同步时优先，驱逐时最后考虑
func (s *Service) FlagPath(pairID, path string, flagged bool) error {
	if err := s.machine.Check(state.OpConfigure); err != nil {
		return err
	}
	p, err := s.pair(pairID)
	if err != nil {
		return err
	}
	return p.cat.SetFlagged(fs.Clean(path), flagged)
}
