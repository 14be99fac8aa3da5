package database

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

// AppendHistory 追加一条同步历史
// Key 为 bucket 自增序列 (大端)，保证按写入顺序遍历
func (d *DB) AppendHistory(pairID string, entry *HistoryEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Time.IsZero() {
		entry.Time = time.Now()
	}
	entry.PairID = pairID

	data, err := marshal(entry)
	if err != nil {
		return fmt.Errorf("序列化失败: %w", err)
	}

	return d.conn.Update(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, pairID, historyBucket)
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return b.Put(key, data)
	})
}

// ListHistory 按时间倒序返回最近 limit 条历史 (limit <= 0 表示全部)
func (d *DB) ListHistory(pairID string, limit int) ([]HistoryEntry, error) {
	var out []HistoryEntry
	err := d.conn.View(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, pairID, historyBucket)
		if err != nil {
			return err
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var e HistoryEntry
			if err := unmarshal(v, &e); err != nil {
				return fmt.Errorf("解析历史失败: %w", err)
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

// HistoryStats 聚合全部历史
func (d *DB) HistoryStats(pairID string) (HistoryStats, error) {
	var st HistoryStats
	err := d.conn.View(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, pairID, historyBucket)
		if err != nil {
			return err
		}
		return b.ForEach(func(_, v []byte) error {
			var e HistoryEntry
			if err := unmarshal(v, &e); err != nil {
				return err
			}
			st.Attempts++
			if e.Success {
				st.Successes++
				st.Bytes += e.Bytes
				if e.Time.After(st.LastSuccess) {
					st.LastSuccess = e.Time
				}
			} else {
				st.Failures++
				if e.Time.After(st.LastFailure) {
					st.LastFailure = e.Time
				}
			}
			return nil
		})
	})
	return st, err
}
