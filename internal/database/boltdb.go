package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

const (
	// 每个 SyncPair 一个顶层 Bucket，下面再分三张“表”
	pairBucketPrefix = "pair:"

	filesBucket     = "files"
	historyBucket   = "history"
	conflictsBucket = "conflicts"
)

var errNotFound = errors.New("not found")

// DB 封装 BoltDB 实例
type DB struct {
	conn *bbolt.DB
	path string
}

// NewBoltDB 初始化并打开数据库
func NewBoltDB(dbPath string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("创建数据库目录失败: %w", err)
	}

	// Timeout 选项防止两个进程同时打开同一个数据库导致死锁
	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("打开 BoltDB 失败: %w", err)
	}
	return &DB{conn: db, path: dbPath}, nil
}

// Path 数据库文件路径
func (d *DB) Path() string {
	return d.path
}

// Close 关闭数据库连接
func (d *DB) Close() error {
	return d.conn.Close()
}

// EnsurePair 确保某个 SyncPair 的三张表存在
func (d *DB) EnsurePair(pairID string) error {
	return d.conn.Update(func(tx *bbolt.Tx) error {
		root, err := tx.CreateBucketIfNotExists(pairKey(pairID))
		if err != nil {
			return err
		}
		for _, name := range []string{filesBucket, historyBucket, conflictsBucket} {
			if _, err := root.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("创建 Bucket %s 失败: %w", name, err)
			}
		}
		return nil
	})
}

// DropPair 删除一个 SyncPair 的全部数据 (重新配置时使用)
func (d *DB) DropPair(pairID string) error {
	return d.conn.Update(func(tx *bbolt.Tx) error {
		err := tx.DeleteBucket(pairKey(pairID))
		if errors.Is(err, bbolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}

func pairKey(pairID string) []byte {
	return []byte(pairBucketPrefix + pairID)
}

func bucket(tx *bbolt.Tx, pairID, name string) (*bbolt.Bucket, error) {
	root := tx.Bucket(pairKey(pairID))
	if root == nil {
		return nil, fmt.Errorf("sync pair %q 未初始化", pairID)
	}
	b := root.Bucket([]byte(name))
	if b == nil {
		return nil, fmt.Errorf("sync pair %q 缺少 bucket %s", pairID, name)
	}
	return b, nil
}

// Get 获取单个文件的记录，不存在时返回 nil, nil
func (d *DB) Get(pairID, relPath string) (*FileRecord, error) {
	var rec FileRecord
	err := d.conn.View(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, pairID, filesBucket)
		if err != nil {
			return err
		}
		v := b.Get([]byte(relPath))
		if v == nil {
			return errNotFound
		}
		return unmarshal(v, &rec)
	})
	if err != nil {
		if errors.Is(err, errNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// Put 保存或更新文件记录
func (d *DB) Put(pairID string, rec *FileRecord) error {
	data, err := marshal(rec)
	if err != nil {
		return fmt.Errorf("序列化失败: %w", err)
	}
	return d.conn.Update(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, pairID, filesBucket)
		if err != nil {
			return err
		}
		return b.Put([]byte(rec.RelPath), data)
	})
}

// PutBatch 在一个事务里写入多条记录并删除若干路径
func (d *DB) PutBatch(pairID string, recs []*FileRecord, deletes []string) error {
	encoded := make([][]byte, len(recs))
	for i, rec := range recs {
		data, err := marshal(rec)
		if err != nil {
			return fmt.Errorf("序列化失败 key=%s: %w", rec.RelPath, err)
		}
		encoded[i] = data
	}
	return d.conn.Update(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, pairID, filesBucket)
		if err != nil {
			return err
		}
		for _, p := range deletes {
			if err := b.Delete([]byte(p)); err != nil {
				return err
			}
		}
		for i, rec := range recs {
			if err := b.Put([]byte(rec.RelPath), encoded[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// Delete 删除文件记录 (两边副本都确认不存在时调用)
func (d *DB) Delete(pairID, relPath string) error {
	return d.conn.Update(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, pairID, filesBucket)
		if err != nil {
			return err
		}
		return b.Delete([]byte(relPath))
	})
}

// ListAll 获取一个 SyncPair 的全部文件记录
// 在服务启动时调用，用于构建内存中的元数据表
func (d *DB) ListAll(pairID string) (map[string]*FileRecord, error) {
	result := make(map[string]*FileRecord)

	err := d.conn.View(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, pairID, filesBucket)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			var rec FileRecord
			if err := unmarshal(v, &rec); err != nil {
				return fmt.Errorf("解析数据失败 key=%s: %w", string(k), err)
			}
			result[string(k)] = &rec
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
