// Package service 组装各个 SyncPair 的组件并驱动服务生命周期
//
// 启动顺序：控制通道就绪 -> 按优先级挂载 -> 阻塞文件系统 -> 初始扫描 (逐个打开闸门)
// -> Ready -> Running (启动调度器)。所有协作对象都在这里显式构造，没有全局变量。
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"mergesync/internal/config"
	"mergesync/internal/database"
	"mergesync/internal/errdefs"
	"mergesync/internal/event"
	"mergesync/internal/protect"
	"mergesync/internal/state"
)

var ErrAlreadyRunning = errors.New("another mergesync instance is running")

const componentControl = "control"

// Options 初始化选项
type Options struct {
	// SkipMount 不挂载到操作系统，只通过 FS() 访问合并视图 (测试、嵌入使用)
	SkipMount bool

	// Protector 为空时按配置的命令构造
	Protector protect.Protector
}

type Service struct {
	cfg     *config.Config
	db      *database.DB
	bus     *event.Bus
	machine *state.Machine
	opts    Options

	protector protect.Protector

	mu    sync.RWMutex
	pairs map[string]*pair

	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg *config.Config, db *database.DB, opts Options) *Service {
	bus := event.NewBus()
	s := &Service{
		cfg:       cfg,
		db:        db,
		bus:       bus,
		machine:   state.New(bus),
		opts:      opts,
		protector: opts.Protector,
		pairs:     make(map[string]*pair),
	}
	if s.protector == nil {
		s.protector = protect.NewCommandProtector(cfg.Protect.Commands)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// AcquireInstanceLock 在元数据库旁边加文件锁，保证同一份数据只有一个实例
func AcquireInstanceLock(dbPath string) (*flock.Flock, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, err
	}
	lock := flock.New(dbPath + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("获取实例锁失败: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, lock.Path())
	}
	return lock, nil
}

// Bus 事件总线，控制通道通过它推送状态变化
func (s *Service) Bus() *event.Bus {
	return s.bus
}

// Machine 全局状态机
func (s *Service) Machine() *state.Machine {
	return s.machine
}

// Start 执行完整的启动流程，返回时服务处于 Running 或 Error
func (s *Service) Start(ctx context.Context) error {
	if err := s.machine.Transition(state.ControlChannelReady); err != nil {
		return err
	}
	s.machine.SetComponent(componentControl, state.ComponentReady)

	// 1. 挂载 (挂载后文件系统操作在扫描完成前返回 EAGAIN)
	if err := s.machine.Transition(state.FilesystemMounting); err != nil {
		return err
	}
	for _, pc := range s.enabledPairs() {
		p, err := s.openPair(pc)
		if err == nil {
			err = s.mountPair(ctx, p)
		}
		if err != nil {
			s.fail(pc.ID, "mount_failed", err)
			return err
		}
	}
	if err := s.machine.Transition(state.FilesystemBlocked); err != nil {
		return err
	}

	// 2. 初始扫描，每个 SyncPair 完成后单独放行
	if err := s.machine.Transition(state.Indexing); err != nil {
		return err
	}
	for _, p := range s.pairList() {
		if err := s.indexPair(ctx, p); err != nil {
			s.fail(p.id(), "index_failed", err)
			return err
		}
	}
	if err := s.machine.Transition(state.Ready); err != nil {
		return err
	}

	// 3. 后台调度
	if err := s.machine.Transition(state.Running); err != nil {
		return err
	}
	for _, p := range s.pairList() {
		s.startScheduler(p)
	}
	slog.Info("服务已启动", "pairs", len(s.pairList()))
	return nil
}

// Shutdown 停止调度、取消进行中的任务、卸载并解除保护；数据库由调用方关闭
func (s *Service) Shutdown() error {
	if err := s.machine.Transition(state.ShuttingDown); err != nil {
		slog.Warn("状态切换失败", "err", err)
	}
	s.cancel()
	for _, p := range s.pairList() {
		p.stopScheduler()
	}

	var errs []error
	for _, p := range s.pairList() {
		if err := s.closePair(p); err != nil {
			errs = append(errs, err)
		}
	}
	s.machine.SetComponent(componentControl, state.NotStarted)
	slog.Info("服务已停止")
	return errors.Join(errs...)
}

// StateSnapshot 全局和组件状态
func (s *Service) StateSnapshot() state.Snapshot {
	return s.machine.Snapshot()
}

// fail 启动阶段的致命错误：组件进入不可恢复的 Error，全局状态随之进入 Error
func (s *Service) fail(pairID, code string, err error) {
	s.machine.ReportError(componentName(pairID, "filesystem"), state.ComponentErrorInfo{
		Code:        code,
		Message:     err.Error(),
		Recoverable: false,
		Context:     map[string]string{"pair": pairID},
		Time:        time.Now(),
	})
}

// enabledPairs 按优先级从高到低，其次按 id
func (s *Service) enabledPairs() []config.PairConfig {
	var out []config.PairConfig
	for _, pc := range s.cfg.Pairs {
		if pc.IsEnabled() {
			out = append(out, pc)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// pairList 已打开的 SyncPair，顺序与启动顺序一致
func (s *Service) pairList() []*pair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*pair, 0, len(s.pairs))
	for _, p := range s.pairs {
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].cfg.Priority != out[j].cfg.Priority {
			return out[i].cfg.Priority > out[j].cfg.Priority
		}
		return out[i].id() < out[j].id()
	})
	return out
}

func (s *Service) pair(id string) (*pair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pairs[id]
	if !ok {
		return nil, errdefs.New(errdefs.KindComponent, "pair", id, errdefs.ErrNotFound)
	}
	return p, nil
}

func componentName(pairID, part string) string {
	return pairID + "/" + part
}
