package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"mergesync/internal/errdefs"
	"mergesync/internal/event"
	"mergesync/internal/evict"
	"mergesync/internal/state"
	syncer "mergesync/internal/sync"
)

// startScheduler 启动一个 SyncPair 的后台循环：
// 同步 worker、定时同步、dirty 阈值触发、外部存储探测、空间检查
func (s *Service) startScheduler(p *pair) {
	ctx, cancel := context.WithCancel(s.ctx)
	p.mu.Lock()
	p.stop = cancel
	p.mu.Unlock()

	// 同步 worker，串行消费触发信号
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.trigger:
				if _, err := s.runSync(ctx, p, syncer.Filter{}); err != nil && ctx.Err() == nil {
					slog.Debug("本轮同步未执行", "pair", p.id(), "err", err)
				}
			}
		}
	}()

	events, unsubscribe := s.bus.Subscribe(256)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer unsubscribe()

		ticker := time.NewTicker(s.cfg.Sync.IntervalDuration)
		defer ticker.Stop()
		probe := time.NewTicker(s.cfg.Sync.ReachabilityDuration)
		defer probe.Stop()
		var evictC <-chan time.Time
		if s.cfg.Eviction.Enabled {
			t := time.NewTicker(s.cfg.Eviction.CheckIntervalDuration)
			defer t.Stop()
			evictC = t.C
		}

		// 启动后立即同步一次，把离线期间积累的修改推出去
		p.kick()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.kick()
			case <-probe.C:
				s.probe(p)
			case <-evictC:
				s.checkSpace(ctx, p)
			case e, ok := <-events:
				if !ok {
					return
				}
				if e.Kind == event.RecordDirty && e.PairID == p.id() {
					if th := s.cfg.Sync.DirtyThreshold; th > 0 && p.cat.DirtyCount() >= th {
						p.kick()
					}
				}
			}
		}
	}()
}

// probe 检查外部存储是否可达，状态变化时发布事件；重新连接后立即同步
func (s *Service) probe(p *pair) {
	online := p.external.Online()
	if p.online.Swap(online) == online {
		return
	}
	if online {
		slog.Info("外部存储已连接", "pair", p.id(), "dir", p.cfg.ExternalDir)
		s.bus.Publish(event.Event{Kind: event.ExternalOnline, PairID: p.id()})
		s.machine.SetComponent(componentName(p.id(), "sync"), state.ComponentReady)
		p.kick()
		return
	}
	slog.Warn("外部存储已断开", "pair", p.id(), "dir", p.cfg.ExternalDir)
	s.bus.Publish(event.Event{Kind: event.ExternalOffline, PairID: p.id()})
	s.reportOffline(p)
}

func (s *Service) reportOffline(p *pair) {
	s.machine.ReportError(componentName(p.id(), "sync"), state.ComponentErrorInfo{
		Code:        "external_offline",
		Message:     "外部存储不可达，修改保留在本地缓存",
		Recoverable: true,
		Context:     map[string]string{"pair": p.id(), "dir": p.cfg.ExternalDir},
	})
}

// runSync 执行一次同步并维护组件状态
func (s *Service) runSync(ctx context.Context, p *pair, filter syncer.Filter) (*syncer.Result, error) {
	if err := s.machine.Check(state.OpSync); err != nil {
		return nil, err
	}
	component := componentName(p.id(), "sync")
	s.machine.SetComponent(component, state.Busy)

	res, err := p.sync.Run(ctx, filter)
	switch {
	case errors.Is(err, syncer.ErrSyncAlreadyRunning):
		// 另一轮同步仍在进行，状态由它维护
		return nil, err
	case errors.Is(err, errdefs.ErrOffline):
		if p.online.Swap(false) {
			s.bus.Publish(event.Event{Kind: event.ExternalOffline, PairID: p.id()})
		}
		s.reportOffline(p)
		return res, err
	case err != nil:
		s.machine.ReportError(component, state.ComponentErrorInfo{
			Code:        "sync_failed",
			Message:     err.Error(),
			Recoverable: true,
			Context:     map[string]string{"pair": p.id(), "path": filter.Path},
		})
		return res, err
	}

	p.online.Store(true)
	if p.sync.Gate().Paused() {
		s.machine.SetComponent(component, state.Paused)
	} else {
		s.machine.SetComponent(component, state.ComponentReady)
	}
	return res, nil
}

// checkSpace 定时检查本地缓存空间，不足时驱逐
func (s *Service) checkSpace(ctx context.Context, p *pair) {
	need, err := p.evict.NeedsEviction()
	if err != nil {
		slog.Warn("读取本地缓存容量失败", "pair", p.id(), "err", err)
		return
	}
	if !need {
		return
	}
	if _, err := s.runEvict(ctx, p, 0); err != nil && ctx.Err() == nil {
		slog.Warn("驱逐未完成", "pair", p.id(), "err", err)
	}
}

// runEvict 执行一次驱逐；同一个 SyncPair 同时只有一轮
func (s *Service) runEvict(ctx context.Context, p *pair, targetFree float64) (*evict.Result, error) {
	if err := s.machine.Check(state.OpEvict); err != nil {
		return nil, err
	}
	if !p.evictMu.TryLock() {
		return nil, errdefs.New(errdefs.KindEviction, "evict", "", errdefs.ErrBusy)
	}
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.evictCancel = cancel
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.evictCancel = nil
		p.mu.Unlock()
		cancel()
		p.evictMu.Unlock()
	}()

	component := componentName(p.id(), "eviction")
	s.machine.SetComponent(component, state.Busy)
	res, err := p.evict.Run(ctx, targetFree)
	if err != nil {
		s.machine.ReportError(component, state.ComponentErrorInfo{
			Code:        "eviction_failed",
			Message:     err.Error(),
			Recoverable: true,
			Context:     map[string]string{"pair": p.id()},
		})
		return res, err
	}
	s.machine.SetComponent(component, state.ComponentReady)
	slog.Info("驱逐完成", "pair", p.id(), "freed", humanize.IBytes(uint64(res.BytesFreed)),
		"evicted", len(res.Evicted), "requeued", len(res.Requeued), "target_met", res.TargetMet)
	return res, nil
}
