package conflict

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"mergesync/internal/database"
	"mergesync/internal/errdefs"
	"mergesync/internal/event"
)

// Queue 一个 SyncPair 的冲突队列 (持久化)
// 同一路径最多一条；同步引擎检测到冲突时写入，用户决定后由下一次同步应用并移除
type Queue struct {
	pairID string
	db     *database.DB
	bus    *event.Bus
	mu     sync.Mutex
}

// Preview 预览一条冲突在各个策略下的结果
type Preview struct {
	Conflict database.ConflictRecord
	Outcomes map[Strategy]Resolution
}

func NewQueue(pairID string, db *database.DB, bus *event.Bus) *Queue {
	return &Queue{pairID: pairID, db: db, bus: bus}
}

// Add 登记一条冲突；该路径已有记录时更新快照，快照变化则清除之前的决定
func (q *Queue) Add(c database.ConflictRecord) (database.ConflictRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	existing, err := q.forPath(c.Path)
	if err != nil {
		return database.ConflictRecord{}, err
	}
	if existing != nil {
		if existing.Local == c.Local && existing.External == c.External && existing.Type == c.Type {
			return *existing, nil
		}
		c.ID = existing.ID
		c.DetectedAt = existing.DetectedAt
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.DetectedAt.IsZero() {
		c.DetectedAt = time.Now()
	}
	c.Resolution = ""
	c.ResolvedAt = time.Time{}
	if err := q.db.PutConflict(q.pairID, &c); err != nil {
		return database.ConflictRecord{}, fmt.Errorf("保存冲突失败: %w", err)
	}
	slog.Info("检测到冲突", "pair", q.pairID, "path", c.Path, "type", c.Type, "id", c.ID)
	q.bus.Publish(event.Event{Kind: event.ConflictDetected, PairID: q.pairID, Path: c.Path, Payload: c})
	return c, nil
}

// List 全部冲突，按检测时间排序
func (q *Queue) List() ([]database.ConflictRecord, error) {
	return q.db.ListConflicts(q.pairID)
}

// Get 按 ID 获取
func (q *Queue) Get(id string) (database.ConflictRecord, error) {
	c, err := q.db.GetConflict(q.pairID, id)
	if err != nil {
		return database.ConflictRecord{}, err
	}
	if c == nil {
		return database.ConflictRecord{}, errdefs.New(errdefs.KindConflict, "get", id, errdefs.ErrNotFound)
	}
	return *c, nil
}

// ForPath 按路径获取，没有时返回 nil
func (q *Queue) ForPath(rel string) (*database.ConflictRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.forPath(rel)
}

func (q *Queue) forPath(rel string) (*database.ConflictRecord, error) {
	all, err := q.db.ListConflicts(q.pairID)
	if err != nil {
		return nil, err
	}
	for i := range all {
		if all[i].Path == rel {
			return &all[i], nil
		}
	}
	return nil, nil
}

// Preview 列出每个可自动执行的策略会得到的结果
func (q *Queue) Preview(id string) (*Preview, error) {
	c, err := q.Get(id)
	if err != nil {
		return nil, err
	}
	p := &Preview{Conflict: c, Outcomes: make(map[Strategy]Resolution)}
	for _, s := range Strategies() {
		if s == AskUser {
			continue
		}
		p.Outcomes[s] = Resolve(c, s)
	}
	return p, nil
}

// Decide 记录用户的决定，由下一次同步应用
func (q *Queue) Decide(id string, s Strategy) error {
	if s == AskUser {
		return errdefs.New(errdefs.KindConflict, "decide", id, fmt.Errorf("%w: 不能把 %s 作为决定", errdefs.ErrInvalid, s))
	}
	if _, err := ParseStrategy(string(s)); err != nil {
		return errdefs.New(errdefs.KindConflict, "decide", id, fmt.Errorf("%w: %v", errdefs.ErrInvalid, err))
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	c, err := q.Get(id)
	if err != nil {
		return err
	}
	c.Resolution = string(s)
	c.ResolvedAt = time.Now()
	if err := q.db.PutConflict(q.pairID, &c); err != nil {
		return fmt.Errorf("保存冲突决定失败: %w", err)
	}
	slog.Info("冲突已决定", "pair", q.pairID, "path", c.Path, "strategy", s)
	return nil
}

// DecideAll 批量决定所有尚未决定的冲突，返回处理的条数
func (q *Queue) DecideAll(s Strategy) (int, error) {
	all, err := q.List()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, c := range all {
		if c.Decided() {
			continue
		}
		if err := q.Decide(c.ID, s); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Decided 已决定、等待同步应用的冲突
func (q *Queue) Decided() ([]database.ConflictRecord, error) {
	all, err := q.List()
	if err != nil {
		return nil, err
	}
	var out []database.ConflictRecord
	for _, c := range all {
		if c.Decided() {
			out = append(out, c)
		}
	}
	return out, nil
}

// Remove 冲突已应用后移除
func (q *Queue) Remove(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	c, err := q.db.GetConflict(q.pairID, id)
	if err != nil {
		return err
	}
	if c == nil {
		return nil
	}
	if err := q.db.DeleteConflict(q.pairID, id); err != nil {
		return fmt.Errorf("删除冲突失败: %w", err)
	}
	q.bus.Publish(event.Event{Kind: event.ConflictResolved, PairID: q.pairID, Path: c.Path, Payload: *c})
	return nil
}
