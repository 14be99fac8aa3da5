package database

import (
	"fmt"
	"sort"

	"go.etcd.io/bbolt"
)

// PutConflict 保存或更新一条冲突
func (d *DB) PutConflict(pairID string, c *ConflictRecord) error {
	c.PairID = pairID
	data, err := marshal(c)
	if err != nil {
		return fmt.Errorf("序列化失败: %w", err)
	}
	return d.conn.Update(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, pairID, conflictsBucket)
		if err != nil {
			return err
		}
		return b.Put([]byte(c.ID), data)
	})
}

// GetConflict 获取一条冲突，不存在时返回 nil, nil
func (d *DB) GetConflict(pairID, id string) (*ConflictRecord, error) {
	var c *ConflictRecord
	err := d.conn.View(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, pairID, conflictsBucket)
		if err != nil {
			return err
		}
		v := b.Get([]byte(id))
		if v == nil {
			return nil
		}
		c = &ConflictRecord{}
		return unmarshal(v, c)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// DeleteConflict 删除一条冲突 (解决并应用后调用)
func (d *DB) DeleteConflict(pairID, id string) error {
	return d.conn.Update(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, pairID, conflictsBucket)
		if err != nil {
			return err
		}
		return b.Delete([]byte(id))
	})
}

// ListConflicts 返回全部冲突，按检测时间排序
func (d *DB) ListConflicts(pairID string) ([]ConflictRecord, error) {
	var out []ConflictRecord
	err := d.conn.View(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, pairID, conflictsBucket)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			var c ConflictRecord
			if err := unmarshal(v, &c); err != nil {
				return fmt.Errorf("解析冲突失败 key=%s: %w", string(k), err)
			}
			out = append(out, c)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].Path < out[j].Path
		}
		return out[i].DetectedAt.Before(out[j].DetectedAt)
	})
	return out, nil
}
