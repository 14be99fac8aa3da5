// Package evict 在本地缓存空间不足时删除已确认持久化到外部存储的本地副本
package evict

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"mergesync/internal/catalog"
	"mergesync/internal/database"
	"mergesync/internal/errdefs"
	"mergesync/internal/event"
	"mergesync/internal/fs"
	"mergesync/internal/pass"
)

var ErrEvictionAlreadyRunning = errors.New("eviction already running")

// Config 驱逐阈值
type Config struct {
	TriggerFreeRatio float64 // 剩余空间比例低于该值时触发
	TargetFreeRatio  float64 // 一次驱逐的目标剩余比例
	MinFree          uint64  // 目标剩余空间下限 (字节)
	VerifyChecksum   bool    // 删除前是否比对内容指纹
}

// Validate 检查比例范围
func (c Config) Validate() error {
	if c.TriggerFreeRatio < 0 || c.TriggerFreeRatio > 1 {
		return fmt.Errorf("trigger_free_ratio 必须在 [0,1] 之间: %v", c.TriggerFreeRatio)
	}
	if c.TargetFreeRatio < 0 || c.TargetFreeRatio > 1 {
		return fmt.Errorf("target_free_ratio 必须在 [0,1] 之间: %v", c.TargetFreeRatio)
	}
	if c.TargetFreeRatio < c.TriggerFreeRatio {
		return fmt.Errorf("target_free_ratio (%v) 不能小于 trigger_free_ratio (%v)", c.TargetFreeRatio, c.TriggerFreeRatio)
	}
	return nil
}

// Options 初始化选项
type Options struct {
	PairID   string
	Catalog  *catalog.Catalog
	Local    fs.FileSystem
	External fs.FileSystem
	Gate     *pass.Gate
	Bus      *event.Bus
	Config   Config

	// Usage 返回本地卷的容量，默认使用 Local.Usage
	Usage func() (total, free uint64, err error)

	// Requeue 校验失败的记录交还给同步引擎
	Requeue func(rel string)
}

// Failure 单个文件的失败
type Failure struct {
	Path string `json:"path"`
	Err  string `json:"error"`
}

// Result 一次驱逐的结果
type Result struct {
	PairID     string        `json:"pair_id"`
	BytesFreed int64         `json:"bytes_freed"`
	BytesGoal  int64         `json:"bytes_goal"`
	Evicted    []string      `json:"evicted"`
	Requeued   []string      `json:"requeued"`
	Skipped    int           `json:"skipped"`
	Failures   []Failure     `json:"failures"`
	TargetMet  bool          `json:"target_met"`
	Cancelled  bool          `json:"cancelled"`
	Duration   time.Duration `json:"duration"`
}

type Engine struct {
	opts Options
	*Prefetcher

	cfgMu sync.RWMutex
	cfg   Config

	running sync.Mutex
}

func NewEngine(opts Options) *Engine {
	if opts.Usage == nil {
		opts.Usage = opts.Local.Usage
	}
	if opts.Gate == nil {
		opts.Gate = pass.NewGate()
	}
	return &Engine{
		opts:       opts,
		Prefetcher: NewPrefetcher(opts.Catalog, opts.Local, opts.External),
		cfg:        opts.Config,
	}
}

// Config 当前阈值
func (e *Engine) Config() Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

// SetConfig 运行中修改阈值
func (e *Engine) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	e.cfgMu.Lock()
	e.cfg = cfg
	e.cfgMu.Unlock()
	return nil
}

// Gate 暂停开关
func (e *Engine) Gate() *pass.Gate {
	return e.opts.Gate
}

// NeedsEviction 本地剩余空间比例是否低于触发阈值
func (e *Engine) NeedsEviction() (bool, error) {
	total, free, err := e.opts.Usage()
	if err != nil {
		return false, err
	}
	if total == 0 {
		return false, nil
	}
	return float64(free)/float64(total) < e.Config().TriggerFreeRatio, nil
}

// goal 达到目标还需要释放的字节数
func goal(total, free uint64, ratio float64, minFree uint64) int64 {
	want := uint64(ratio * float64(total))
	if want < minFree {
		want = minFree
	}
	if want > total {
		want = total
	}
	if free >= want {
		return 0
	}
	return int64(want - free)
}

// Candidates 可驱逐的记录：干净、两侧都有、普通文件、未打开、未在驱逐或同步中
// ExternalOnly 记录没有本地内容可释放，不在其列
// 按最近访问时间从旧到新排序
func (e *Engine) Candidates() []database.FileRecord {
	cat := e.opts.Catalog
	var out []database.FileRecord
	for _, r := range cat.Snapshot() {
		if r.IsDirty || r.IsDir || r.PendingDelete || r.SymlinkTarget != "" {
			continue
		}
		if r.Location != database.LocationBoth || !r.HasBaseline() {
			continue
		}
		if cat.OpenCount(r.RelPath) > 0 || cat.IsEvicting(r.RelPath) {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].AccessTime != out[j].AccessTime {
			return out[i].AccessTime < out[j].AccessTime
		}
		return out[i].RelPath < out[j].RelPath
	})
	return out
}

// Run 执行一次驱逐，targetFree <= 0 时使用配置的目标比例
// 单个文件失败不会中断；外部存储离线时停止 (无法校验)
func (e *Engine) Run(ctx context.Context, targetFree float64) (*Result, error) {
	if !e.running.TryLock() {
		return nil, ErrEvictionAlreadyRunning
	}
	defer e.running.Unlock()

	cfg := e.Config()
	if targetFree <= 0 {
		targetFree = cfg.TargetFreeRatio
	}
	start := time.Now()
	res := &Result{PairID: e.opts.PairID}
	defer func() {
		res.Duration = time.Since(start)
		e.opts.Bus.Publish(event.Event{Kind: event.EvictionFinished, PairID: e.opts.PairID, Payload: res})
	}()

	total, free, err := e.opts.Usage()
	if err != nil {
		return res, errdefs.New(errdefs.KindEviction, "usage", "", err)
	}
	res.BytesGoal = goal(total, free, targetFree, cfg.MinFree)
	if res.BytesGoal == 0 {
		res.TargetMet = true
		return res, nil
	}
	if !e.opts.External.Online() {
		return res, errdefs.New(errdefs.KindEviction, "evict", "", errdefs.ErrOffline)
	}

	slog.Info("开始驱逐", "pair", e.opts.PairID, "goal", humanize.IBytes(uint64(res.BytesGoal)),
		"free", humanize.IBytes(free), "total", humanize.IBytes(total))

	for _, c := range e.Candidates() {
		if res.BytesFreed >= res.BytesGoal {
			break
		}
		// 只在文件之间检查暂停和取消
		if _, err := e.opts.Gate.Wait(ctx); err != nil {
			res.Cancelled = true
			break
		}

		freed, err := e.evictOne(ctx, c.RelPath, cfg.VerifyChecksum)
		switch {
		case err == nil && freed < 0:
			res.Skipped++
		case err == nil:
			res.BytesFreed += freed
			res.Evicted = append(res.Evicted, c.RelPath)
		case errors.Is(err, errdefs.ErrVerifyFailed):
			res.Requeued = append(res.Requeued, c.RelPath)
			res.Failures = append(res.Failures, Failure{Path: c.RelPath, Err: err.Error()})
			if e.opts.Requeue != nil {
				e.opts.Requeue(c.RelPath)
			}
		case errors.Is(err, errdefs.ErrOffline):
			res.Failures = append(res.Failures, Failure{Path: c.RelPath, Err: err.Error()})
			slog.Warn("外部存储离线，驱逐中止", "pair", e.opts.PairID)
			return res, err
		default:
			res.Failures = append(res.Failures, Failure{Path: c.RelPath, Err: err.Error()})
			slog.Warn("驱逐失败", "pair", e.opts.PairID, "path", c.RelPath, "err", err)
		}
	}

	res.TargetMet = res.BytesFreed >= res.BytesGoal
	slog.Info("驱逐结束", "pair", e.opts.PairID, "freed", humanize.IBytes(uint64(res.BytesFreed)),
		"evicted", len(res.Evicted), "requeued", len(res.Requeued), "failures", len(res.Failures))
	return res, nil
}

// evictOne 删除一个文件的本地内容；返回 -1 表示条件已不满足而跳过
func (e *Engine) evictOne(ctx context.Context, rel string, verifyChecksum bool) (int64, error) {
	cat := e.opts.Catalog
	if !cat.TryMarkEvicting(rel) {
		return -1, nil
	}
	defer cat.UnmarkEvicting(rel)
	// 与 setattr、xattr 等只持有路径锁的修改互斥
	unlock := cat.LockPath(rel)
	defer unlock()

	rec, ok := cat.Get(rel)
	if !ok || rec.IsDirty || rec.Location != database.LocationBoth {
		return -1, nil
	}

	if err := e.verify(rec, verifyChecksum); err != nil {
		if errors.Is(err, errdefs.ErrOffline) {
			return 0, err
		}
		slog.Warn("外部副本校验失败，交还同步引擎", "pair", e.opts.PairID, "path", rel, "err", err)
		if _, derr := cat.MarkDirty(rel, nil); derr != nil {
			return 0, derr
		}
		return 0, errdefs.New(errdefs.KindEviction, "verify", rel, err)
	}

	if err := e.opts.Local.Delete(rel); err != nil && !errors.Is(err, os.ErrNotExist) {
		return 0, errdefs.New(errdefs.KindEviction, "remove", rel, err)
	}
	if _, err := cat.Upsert(rel, func(r *database.FileRecord, exists bool) error {
		if !exists {
			return nil
		}
		r.Location = database.LocationExternalOnly
		r.IsDirty = false
		return nil
	}); err != nil {
		return 0, err
	}
	return rec.Size, nil
}

// verify 确认外部副本与基准一致，且本地内容与记录一致 (没有绕过合并视图的修改)
// 存在性和大小检查永远执行
func (e *Engine) verify(rec database.FileRecord, verifyChecksum bool) error {
	rel := rec.RelPath
	lm, err := e.opts.Local.Stat(rel)
	if err != nil {
		return fmt.Errorf("%w: local stat: %v", errdefs.ErrVerifyFailed, err)
	}
	if lm.Size != rec.Size {
		return fmt.Errorf("%w: local size %d, record %d", errdefs.ErrVerifyFailed, lm.Size, rec.Size)
	}

	em, err := e.opts.External.Stat(rel)
	if err != nil {
		if errors.Is(err, errdefs.ErrOffline) {
			return err
		}
		return fmt.Errorf("%w: external stat: %v", errdefs.ErrVerifyFailed, err)
	}
	if !em.IsRegular() {
		return fmt.Errorf("%w: external is not a regular file", errdefs.ErrVerifyFailed)
	}
	if em.Size != rec.ExternalSize || em.Size != rec.Size {
		return fmt.Errorf("%w: external size %d, baseline %d, local %d", errdefs.ErrVerifyFailed, em.Size, rec.ExternalSize, rec.Size)
	}
	if em.ModTime.UnixNano() != rec.ExternalModTime {
		return fmt.Errorf("%w: external mtime changed", errdefs.ErrVerifyFailed)
	}

	if !verifyChecksum {
		return nil
	}
	extSum, err := e.opts.External.Hash(rel)
	if err != nil {
		if errors.Is(err, errdefs.ErrOffline) {
			return err
		}
		return fmt.Errorf("%w: external hash: %v", errdefs.ErrVerifyFailed, err)
	}
	localSum, err := e.opts.Local.Hash(rel)
	if err != nil {
		return fmt.Errorf("%w: local hash: %v", errdefs.ErrVerifyFailed, err)
	}
	if extSum != localSum {
		return fmt.Errorf("%w: checksum mismatch", errdefs.ErrVerifyFailed)
	}
	return nil
}
