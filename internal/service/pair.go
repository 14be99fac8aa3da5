package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"mergesync/internal/catalog"
	"mergesync/internal/config"
	"mergesync/internal/conflict"
	"mergesync/internal/database"
	"mergesync/internal/errdefs"
	"mergesync/internal/event"
	"mergesync/internal/evict"
	"mergesync/internal/fs/disk"
	"mergesync/internal/fusefs"
	"mergesync/internal/protect"
	"mergesync/internal/state"
	syncer "mergesync/internal/sync"
	"mergesync/internal/vfs"
)

// pair 一个 SyncPair 运行时需要的全部组件
type pair struct {
	cfg config.PairConfig

	local    *disk.Adapter
	external *disk.Adapter
	cat      *catalog.Catalog
	queue    *conflict.Queue
	fs       *vfs.FS
	sync     *syncer.Engine
	evict    *evict.Engine
	server   *fusefs.Server

	// trigger 容量为 1，多次触发合并成一次同步
	trigger chan struct{}
	online  atomic.Bool

	protected bool

	mu          sync.Mutex // 保护 stop 和 evictCancel
	stop        context.CancelFunc
	evictCancel context.CancelFunc
	evictMu     sync.Mutex // 同一时间只有一轮驱逐
	wg          sync.WaitGroup
}

func (p *pair) id() string {
	return p.cfg.ID
}

// kick 请求一次同步，已有请求排队时直接返回
func (p *pair) kick() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// cancelPasses 取消正在进行的同步和驱逐
func (p *pair) cancelPasses() {
	p.sync.Cancel()
	p.mu.Lock()
	if p.evictCancel != nil {
		p.evictCancel()
	}
	p.mu.Unlock()
}

// stopScheduler 停止后台循环并等待它们退出
func (p *pair) stopScheduler() {
	p.mu.Lock()
	if p.stop != nil {
		p.stop()
		p.stop = nil
	}
	p.mu.Unlock()
	p.cancelPasses()
	p.wg.Wait()
}

// openPair 构造组件并登记到服务中，不涉及挂载
func (s *Service) openPair(pc config.PairConfig) (*pair, error) {
	s.mu.RLock()
	_, exists := s.pairs[pc.ID]
	s.mu.RUnlock()
	if exists {
		return nil, fmt.Errorf("pair %s 已打开", pc.ID)
	}

	if err := os.MkdirAll(pc.LocalDir, 0755); err != nil {
		return nil, fmt.Errorf("创建本地缓存目录失败: %w", err)
	}
	p := &pair{
		cfg:      pc,
		local:    disk.NewAdapter(pc.LocalDir),
		external: disk.NewAdapter(pc.ExternalDir),
		trigger:  make(chan struct{}, 1),
	}

	cat, err := catalog.New(pc.ID, s.db, s.bus)
	if err != nil {
		return nil, err
	}
	p.cat = cat
	p.queue = conflict.NewQueue(pc.ID, s.db, s.bus)

	ev := s.cfg.Eviction
	p.evict = evict.NewEngine(evict.Options{
		PairID:   pc.ID,
		Catalog:  cat,
		Local:    p.local,
		External: p.external,
		Bus:      s.bus,
		Config: evict.Config{
			TriggerFreeRatio: ev.TriggerFreeRatio,
			TargetFreeRatio:  ev.TargetFreeRatio,
			MinFree:          ev.MinFreeBytes,
			VerifyChecksum:   ev.VerifyChecksum,
		},
		Requeue: func(rel string) {
			if _, err := cat.MarkDirty(rel, nil); err != nil {
				slog.Warn("重新排队失败", "pair", pc.ID, "path", rel, "err", err)
				return
			}
			p.kick()
		},
	})
	p.sync = syncer.NewEngine(&syncer.EngineOptions{
		PairID:         pc.ID,
		Catalog:        cat,
		Local:          p.local,
		External:       p.external,
		Queue:          p.queue,
		Bus:            s.bus,
		Strategy:       pc.Strategy,
		MaxWorkers:     s.cfg.Sync.MaxWorkers,
		VerifyChecksum: s.cfg.Sync.VerifyChecksum,
	})
	p.fs = vfs.New(vfs.Options{
		PairID:     pc.ID,
		Local:      p.local,
		External:   p.external,
		Catalog:    cat,
		Prefetcher: p.evict.Prefetcher,
		ReadOnly:   pc.ReadOnly,
	})

	s.mu.Lock()
	s.pairs[pc.ID] = p
	s.mu.Unlock()
	for _, part := range []string{"filesystem", "sync", "eviction"} {
		s.machine.SetComponent(componentName(pc.ID, part), state.ComponentStarting)
	}
	return p, nil
}

// mountPair 挂载合并视图，然后保护后端目录
func (s *Service) mountPair(ctx context.Context, p *pair) error {
	if !s.opts.SkipMount {
		srv, err := fusefs.Mount(fusefs.Options{
			Mountpoint: p.cfg.MountPoint,
			FS:         p.fs,
			AllowOther: p.cfg.AllowOther,
			Debug:      s.cfg.System.FuseDebug,
		})
		if err != nil {
			return err
		}
		p.server = srv
	}
	if s.cfg.Protect.Enabled {
		if err := protect.ProtectBackend(ctx, s.protector, p.cfg.LocalDir); err != nil {
			if p.server != nil {
				_ = p.server.Unmount()
				p.server = nil
			}
			return err
		}
		p.protected = true
	}
	slog.Info("SyncPair 已挂载", "pair", p.id(), "mountpoint", p.cfg.MountPoint, "skip_mount", s.opts.SkipMount)
	return nil
}

// indexPair 初始扫描，完成后该 SyncPair 的文件系统操作放行
func (s *Service) indexPair(ctx context.Context, p *pair) error {
	res, err := p.cat.Index(ctx, p.local, p.external)
	if err != nil {
		return err
	}
	p.online.Store(!res.ExternalOffline)
	if res.ExternalOffline {
		s.bus.Publish(event.Event{Kind: event.ExternalOffline, PairID: p.id()})
	}
	for _, part := range []string{"filesystem", "sync", "eviction"} {
		s.machine.SetComponent(componentName(p.id(), part), state.ComponentReady)
	}
	return nil
}

// closePair 停止调度、卸载并解除保护
func (s *Service) closePair(p *pair) error {
	p.stopScheduler()

	var err error
	if p.server != nil {
		if uerr := p.server.Unmount(); uerr != nil {
			err = fmt.Errorf("卸载 %s 失败: %w", p.cfg.MountPoint, uerr)
		} else {
			p.server = nil
		}
	}
	if p.protected {
		// 解除保护不依赖 s.ctx，关闭流程中它已被取消
		if perr := protect.UnprotectBackend(context.Background(), s.protector, p.cfg.LocalDir); perr != nil {
			slog.Warn("解除后端目录保护失败", "pair", p.id(), "err", perr)
		} else {
			p.protected = false
		}
	}

	s.mu.Lock()
	delete(s.pairs, p.id())
	s.mu.Unlock()
	for _, part := range []string{"filesystem", "sync", "eviction"} {
		s.machine.SetComponent(componentName(p.id(), part), state.NotStarted)
	}
	slog.Info("SyncPair 已关闭", "pair", p.id())
	return err
}

// record 路径对应的元数据，找不到时返回 ErrNotFound
func (p *pair) record(rel string) (database.FileRecord, error) {
	r, ok := p.cat.Get(rel)
	if !ok {
		return r, errdefs.New(errdefs.KindState, "lookup", rel, errdefs.ErrNotFound)
	}
	return r, nil
}
