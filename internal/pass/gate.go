package pass

import (
	"context"
	"sync"
)

// Gate 后台任务的暂停开关
// 任务在处理每条记录之前调用 Wait，暂停期间阻塞，恢复后从下一条继续
type Gate struct {
	mu      sync.Mutex
	paused  bool
	resumed chan struct{}
}

func NewGate() *Gate {
	return &Gate{}
}

// Pause 暂停；重复调用无副作用
func (g *Gate) Pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		return
	}
	g.paused = true
	g.resumed = make(chan struct{})
}

// Resume 恢复所有等待中的任务
func (g *Gate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		return
	}
	g.paused = false
	close(g.resumed)
}

// Paused 是否处于暂停
func (g *Gate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// Wait 暂停时阻塞直到恢复或 ctx 取消
// 返回值表示本次调用是否真的等待过
func (g *Gate) Wait(ctx context.Context) (bool, error) {
	g.mu.Lock()
	if !g.paused {
		g.mu.Unlock()
		return false, ctx.Err()
	}
	ch := g.resumed
	g.mu.Unlock()

	select {
	case <-ch:
		return true, nil
	case <-ctx.Done():
		return true, ctx.Err()
	}
}
