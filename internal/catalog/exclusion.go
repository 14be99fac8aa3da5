package catalog

import (
	"mergesync/internal/errdefs"
	"mergesync/internal/fs"
)

// TryMarkSyncing 同步引擎处理一条路径前调用；路径正在被驱逐或所在子树正在 rename 时失败
func (c *Catalog) TryMarkSyncing(rel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.evicting.Contains(rel) || c.movingLocked(rel) {
		return false
	}
	return c.syncing.Add(rel)
}

func (c *Catalog) UnmarkSyncing(rel string) {
	c.mu.Lock()
	c.syncing.Remove(rel)
	c.mu.Unlock()
}

// TryMarkEvicting 驱逐引擎删除本地内容前调用
// 路径被打开、正在同步、已在驱逐中或所在子树正在 rename 时失败
func (c *Catalog) TryMarkEvicting(rel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open[rel] > 0 || c.syncing.Contains(rel) || c.movingLocked(rel) {
		return false
	}
	return c.evicting.Add(rel)
}

func (c *Catalog) UnmarkEvicting(rel string) {
	c.mu.Lock()
	c.evicting.Remove(rel)
	c.mu.Unlock()
}

// IsEvicting 路径是否正在被驱逐
func (c *Catalog) IsEvicting(rel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.evicting.Contains(rel)
}

// Evicting 当前驱逐集合的副本
func (c *Catalog) Evicting() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.evicting.ToSlice()
}

// BeginMove 登记 rename 涉及的子树，返回结束函数
// 子树内有路径正在驱逐时返回 ErrBusy；登记之后子树内不会再开始驱逐或同步
func (c *Catalog) BeginMove(roots ...string) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.evicting.ToSlice() {
		for _, root := range roots {
			if fs.Within(p, root) {
				return nil, errdefs.FS("rename", p, errdefs.ErrBusy)
			}
		}
	}
	for _, root := range roots {
		c.moving[root]++
	}
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for _, root := range roots {
			if n := c.moving[root]; n <= 1 {
				delete(c.moving, root)
			} else {
				c.moving[root] = n - 1
			}
		}
	}, nil
}

// Moving 路径是否位于正在 rename 的子树内
func (c *Catalog) Moving(rel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.movingLocked(rel)
}

func (c *Catalog) movingLocked(rel string) bool {
	for root := range c.moving {
		if fs.Within(rel, root) {
			return true
		}
	}
	return false
}

// Acquire 登记一个打开的句柄并返回句柄号；路径正在驱逐时返回 ErrBusy
// 句柄号在 rename 后仍然有效，HandlePath 返回它当前指向的路径
func (c *Catalog) Acquire(rel string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.evicting.Contains(rel) {
		return 0, errdefs.FS("open", rel, errdefs.ErrBusy)
	}
	c.nextHandle++
	c.handles[c.nextHandle] = rel
	c.open[rel]++
	return c.nextHandle, nil
}

// Release 释放句柄
func (c *Catalog) Release(handle uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rel, ok := c.handles[handle]
	if !ok {
		return
	}
	delete(c.handles, handle)
	c.decOpen(rel)
}

// HandlePath 句柄当前指向的路径
func (c *Catalog) HandlePath(handle uint64) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rel, ok := c.handles[handle]
	return rel, ok
}

func (c *Catalog) decOpen(rel string) {
	if n := c.open[rel]; n <= 1 {
		delete(c.open, rel)
	} else {
		c.open[rel] = n - 1
	}
}

// retargetHandles 把 oldRoot 下的句柄和打开计数移到 newRoot 下；调用方持有写锁
func (c *Catalog) retargetHandles(oldRoot, newRoot string) {
	for id, p := range c.handles {
		if !fs.Within(p, oldRoot) {
			continue
		}
		np := newRoot + p[len(oldRoot):]
		c.handles[id] = np
		c.decOpen(p)
		c.open[np]++
	}
}

// OpenCount 路径上打开的句柄数
func (c *Catalog) OpenCount(rel string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.open[rel]
}

// LockPath 获取单个路径的互斥锁 (copy-on-write、rename、单文件传输)
// 返回解锁函数；不持有表锁
func (c *Catalog) LockPath(rel string) func() {
	c.plMu.Lock()
	pl, ok := c.pathLocks[rel]
	if !ok {
		pl = &pathLock{}
		c.pathLocks[rel] = pl
	}
	pl.refs++
	c.plMu.Unlock()

	pl.mu.Lock()
	return func() {
		pl.mu.Unlock()
		c.plMu.Lock()
		pl.refs--
		if pl.refs == 0 {
			delete(c.pathLocks, rel)
		}
		c.plMu.Unlock()
	}
}
