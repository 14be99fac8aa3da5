// Package sync 把 dirty 记录迁移到外部存储
//
// 一次同步 (pass) 先对元数据表做快照生成计划，然后依次执行：
// 已决定的冲突、目录、文件 (worker 池并发)、待删除。暂停和取消只在记录之间生效，
// 外部存储断开时整轮停止，剩余记录保持 dirty 留给下一轮。
package sync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"mergesync/internal/catalog"
	"mergesync/internal/conflict"
	"mergesync/internal/database"
	"mergesync/internal/errdefs"
	"mergesync/internal/event"
	"mergesync/internal/fs"
	"mergesync/internal/pass"
)

var ErrSyncAlreadyRunning = errors.New("sync already running")

// errSkipped 动作在执行时发现条件已不满足 (正在驱逐、已不再 dirty)
var errSkipped = errors.New("skipped")

// EngineOptions 初始化选项
type EngineOptions struct {
	PairID   string
	Catalog  *catalog.Catalog
	Local    fs.FileSystem
	External fs.FileSystem
	Queue    *conflict.Queue
	Gate     *pass.Gate
	Bus      *event.Bus

	Strategy       conflict.Strategy
	MaxWorkers     int
	VerifyChecksum bool // 比较外部基准时同时比对内容指纹

	// Now 冲突副本命名使用的时钟，测试中可替换
	Now func() time.Time
}

// ActionResult 单个动作的执行结果
type ActionResult struct {
	Path     string        `json:"path"`
	Kind     ActionKind    `json:"kind"`
	Success  bool          `json:"success"`
	Bytes    int64         `json:"bytes"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
	Note     string        `json:"note,omitempty"`
}

// Result 一次同步的结果
type Result struct {
	PairID    string         `json:"pair_id"`
	Planned   int            `json:"planned"`
	Succeeded int            `json:"succeeded"`
	Failed    int            `json:"failed"`
	Skipped   int            `json:"skipped"`
	Conflicts int            `json:"conflicts"`
	Files     int            `json:"files"`
	Bytes     int64          `json:"bytes"`
	Cancelled bool           `json:"cancelled"`
	Paused    bool           `json:"paused"`  // 执行过程中曾被暂停
	Offline   bool           `json:"offline"` // 外部存储断开而提前结束
	Duration  time.Duration  `json:"duration"`
	Actions   []ActionResult `json:"actions"`
}

// Progress 正在进行的同步
type Progress struct {
	PairID     string    `json:"pair_id"`
	Running    bool      `json:"running"`
	Paused     bool      `json:"paused"`
	Total      int       `json:"total"`
	Done       int       `json:"done"`
	Failed     int       `json:"failed"`
	BytesTotal int64     `json:"bytes_total"`
	BytesDone  int64     `json:"bytes_done"`
	Current    []string  `json:"current"`
	StartedAt  time.Time `json:"started_at"`
}

// Stats 累计统计
type Stats struct {
	Catalog   catalog.Stats         `json:"catalog"`
	History   database.HistoryStats `json:"history"`
	Conflicts int                   `json:"conflicts"`
}

type Engine struct {
	opts *EngineOptions

	strategy atomic.Value // conflict.Strategy

	running sync.Mutex

	mu       sync.Mutex
	cancel   context.CancelFunc
	progress Progress
	current  map[string]struct{}
}

func NewEngine(opts *EngineOptions) *Engine {
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 3
	}
	if opts.Gate == nil {
		opts.Gate = pass.NewGate()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Strategy == "" {
		opts.Strategy = conflict.NewerWins
	}
	e := &Engine{opts: opts, current: make(map[string]struct{})}
	e.strategy.Store(opts.Strategy)
	e.progress.PairID = opts.PairID
	return e
}

func (e *Engine) Gate() *pass.Gate {
	return e.opts.Gate
}

// Strategy 当前的自动冲突策略
func (e *Engine) Strategy() conflict.Strategy {
	return e.strategy.Load().(conflict.Strategy)
}

func (e *Engine) SetStrategy(s conflict.Strategy) {
	e.strategy.Store(s)
}

// Progress 返回当前进度的副本
func (e *Engine) Progress() Progress {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.progress
	p.Paused = e.opts.Gate.Paused()
	p.Current = make([]string, 0, len(e.current))
	for rel := range e.current {
		p.Current = append(p.Current, rel)
	}
	return p
}

// Cancel 取消正在进行的同步；当前文件传输完成后生效
func (e *Engine) Cancel() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel == nil {
		return false
	}
	e.cancel()
	return true
}

// History 最近的同步历史，新的在前
func (e *Engine) History(limit int) ([]database.HistoryEntry, error) {
	return e.opts.Catalog.DB().ListHistory(e.opts.PairID, limit)
}

func (e *Engine) Stats() (Stats, error) {
	hs, err := e.opts.Catalog.DB().HistoryStats(e.opts.PairID)
	if err != nil {
		return Stats{}, err
	}
	conflicts, err := e.opts.Queue.List()
	if err != nil {
		return Stats{}, err
	}
	return Stats{Catalog: e.opts.Catalog.Stats(), History: hs, Conflicts: len(conflicts)}, nil
}

// Run 执行一次同步
func (e *Engine) Run(ctx context.Context, filter Filter) (*Result, error) {
	if !e.running.TryLock() {
		return nil, ErrSyncAlreadyRunning
	}
	defer e.running.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := time.Now()
	res := &Result{PairID: e.opts.PairID}
	if !e.opts.External.Online() {
		res.Offline = true
		return res, errdefs.New(errdefs.KindSync, "sync", filter.Path, errdefs.ErrOffline)
	}

	plan, err := e.Plan(filter)
	if err != nil {
		return res, errdefs.New(errdefs.KindSync, "plan", filter.Path, err)
	}
	res.Planned = plan.Len()
	res.Skipped = len(plan.Skips)

	e.begin(cancel, plan)
	defer e.finish()

	e.opts.Bus.Publish(event.Event{Kind: event.SyncStarted, PairID: e.opts.PairID, Path: filter.Path, Payload: plan.Len()})
	defer func() {
		res.Duration = time.Since(start)
		e.opts.Bus.Publish(event.Event{Kind: event.SyncFinished, PairID: e.opts.PairID, Path: filter.Path, Payload: res})
	}()
	if plan.Len() == 0 {
		return res, nil
	}
	slog.Info("开始同步", "pair", e.opts.PairID, "actions", plan.Len(),
		"size", humanize.IBytes(uint64(plan.Bytes())), "skipped", len(plan.Skips))

	var resMu sync.Mutex
	var offline atomic.Bool
	record := func(a Action, ar ActionResult, err error) {
		resMu.Lock()
		defer resMu.Unlock()
		switch {
		case errors.Is(err, errSkipped):
			res.Skipped++
			return
		case errors.Is(err, errConflictQueued):
			res.Conflicts++
			return
		case err != nil:
			res.Failed++
			ar.Error = err.Error()
			if errors.Is(err, errdefs.ErrOffline) {
				offline.Store(true)
			}
		default:
			res.Succeeded++
			res.Bytes += ar.Bytes
			if a.Kind() == KindCopy || a.Kind() == KindUpdate || a.Kind() == KindCreateSymlink {
				res.Files++
			}
		}
		res.Actions = append(res.Actions, ar)
	}

	// wait 在每条记录之前调用：处理暂停，返回 false 表示应当停止
	wait := func(ctx context.Context) bool {
		if offline.Load() {
			return false
		}
		waited, err := e.opts.Gate.Wait(ctx)
		if waited {
			resMu.Lock()
			res.Paused = true
			resMu.Unlock()
		}
		return err == nil && !offline.Load()
	}

	sequential := func(actions []Action) bool {
		for _, a := range actions {
			if !wait(ctx) {
				return false
			}
			ar, err := e.execute(ctx, a)
			record(a, ar, err)
		}
		return true
	}

	ok := sequential(plan.Resolutions) && sequential(plan.Dirs)
	if ok {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.opts.MaxWorkers)
		for _, a := range plan.Files {
			if !wait(gctx) {
				ok = false
				break
			}
			g.Go(func() error {
				ar, err := e.execute(gctx, a)
				record(a, ar, err)
				if errors.Is(err, errdefs.ErrOffline) {
					return err
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			ok = false
		}
	}
	if ok {
		ok = sequential(plan.Deletes)
	}

	res.Offline = offline.Load()
	res.Cancelled = ctx.Err() != nil && !res.Offline
	if res.Offline {
		slog.Warn("外部存储断开，同步中止", "pair", e.opts.PairID, "done", res.Succeeded, "failed", res.Failed)
		e.opts.Bus.Publish(event.Event{Kind: event.ExternalOffline, PairID: e.opts.PairID})
	}
	slog.Info("同步结束", "pair", e.opts.PairID,
		"succeeded", res.Succeeded, "failed", res.Failed, "skipped", res.Skipped, "conflicts", res.Conflicts,
		"size", humanize.IBytes(uint64(res.Bytes)), "cancelled", res.Cancelled, "cost", time.Since(start))

	if res.Offline {
		return res, errdefs.New(errdefs.KindSync, "sync", filter.Path, errdefs.ErrOffline)
	}
	return res, nil
}

func (e *Engine) begin(cancel context.CancelFunc, plan *Plan) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancel = cancel
	e.progress = Progress{
		PairID:     e.opts.PairID,
		Running:    true,
		Total:      plan.Len(),
		BytesTotal: plan.Bytes(),
		StartedAt:  time.Now(),
	}
	clear(e.current)
}

func (e *Engine) finish() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancel = nil
	e.progress.Running = false
	clear(e.current)
}

// execute 执行单个动作并写入历史
func (e *Engine) execute(ctx context.Context, a Action) (ActionResult, error) {
	rel := a.Path()
	e.mu.Lock()
	e.current[rel] = struct{}{}
	e.mu.Unlock()

	start := time.Now()
	var (
		n    int64
		note string
		err  error
	)
	switch v := a.(type) {
	case CopyAction:
		n, note, err = e.push(ctx, v.Record)
	case UpdateAction:
		n, note, err = e.push(ctx, v.Record)
	case CreateSymlinkAction:
		n, note, err = e.push(ctx, v.Record)
	case CreateDirAction:
		n, note, err = e.pushDir(ctx, v.Record)
	case DeleteAction:
		n, note, err = e.remove(ctx, v.Record)
	case ResolveConflictAction:
		n, note, err = e.applyDecision(ctx, v.Conflict)
	case SkipAction:
		err = errSkipped
	}
	ar := ActionResult{Path: rel, Kind: a.Kind(), Success: err == nil, Bytes: n, Duration: time.Since(start), Note: note}

	e.mu.Lock()
	delete(e.current, rel)
	if !errors.Is(err, errSkipped) && !errors.Is(err, errConflictQueued) {
		e.progress.Done++
		e.progress.BytesDone += n
		if err != nil {
			e.progress.Failed++
		}
	}
	e.mu.Unlock()

	if errors.Is(err, errSkipped) {
		return ar, err
	}
	entry := &database.HistoryEntry{Path: rel, Action: string(a.Kind()), Success: err == nil || errors.Is(err, errConflictQueued), Bytes: n, Duration: ar.Duration}
	if note != "" {
		entry.Action += ":" + note
	}
	if err != nil && !errors.Is(err, errConflictQueued) {
		entry.Error = err.Error()
		slog.Warn("同步失败", "pair", e.opts.PairID, "path", rel, "action", a.Kind(), "err", err)
	}
	if herr := e.opts.Catalog.DB().AppendHistory(e.opts.PairID, entry); herr != nil {
		slog.Error("写入同步历史失败", "pair", e.opts.PairID, "path", rel, "err", herr)
	}
	return ar, err
}
