package database

import "time"

// Location 文件内容当前所在位置
type Location int

const (
	LocationLocalOnly Location = iota
	LocationExternalOnly
	LocationBoth
	LocationPendingDelete
)

func (l Location) String() string {
	switch l {
	case LocationLocalOnly:
		return "local_only"
	case LocationExternalOnly:
		return "external_only"
	case LocationBoth:
		return "both"
	case LocationPendingDelete:
		return "pending_delete"
	default:
		return "unknown"
	}
}

// HasLocal 本地缓存中是否有内容
func (l Location) HasLocal() bool {
	return l == LocationLocalOnly || l == LocationBoth
}

// HasExternal 外部存储是否已有副本 (待删除的记录外部副本仍在)
func (l Location) HasExternal() bool {
	return l == LocationExternalOnly || l == LocationBoth || l == LocationPendingDelete
}

// FileRecord 一个路径在元数据表中的记录
// 以相对 SyncPair 根目录的路径为 Key (统一使用 / 作为分隔符)
type FileRecord struct {
	RelPath string `cbor:"1,keyasint"`

	Size       int64 `cbor:"2,keyasint"`
	ModTime    int64 `cbor:"3,keyasint"` // Unix Nano
	CreateTime int64 `cbor:"4,keyasint"`
	AccessTime int64 `cbor:"5,keyasint"`
	DeletedAt  int64 `cbor:"6,keyasint,omitempty"`

	// 本地内容指纹 (BLAKE3，可选)
	Checksum string `cbor:"7,keyasint,omitempty"`

	Location      Location `cbor:"8,keyasint"`
	IsDir         bool     `cbor:"9,keyasint,omitempty"`
	IsDirty       bool     `cbor:"10,keyasint,omitempty"`
	PendingDelete bool     `cbor:"11,keyasint,omitempty"`

	Mode          uint32 `cbor:"12,keyasint"` // os.FileMode
	UID           uint32 `cbor:"13,keyasint"`
	GID           uint32 `cbor:"14,keyasint"`
	SymlinkTarget string `cbor:"15,keyasint,omitempty"`

	// 用户标记的优先同步
	Flagged bool `cbor:"16,keyasint,omitempty"`

	// 上次成功同步后外部副本的状态，作为冲突检测的基准
	ExternalSize     int64  `cbor:"17,keyasint,omitempty"`
	ExternalModTime  int64  `cbor:"18,keyasint,omitempty"`
	ExternalMode     uint32 `cbor:"19,keyasint,omitempty"`
	ExternalChecksum string `cbor:"20,keyasint,omitempty"`
	LastSyncTime     int64  `cbor:"21,keyasint,omitempty"`

	// 每次文件系统修改递增；同步引擎只有在代数未变时才清除 dirty
	Generation uint64 `cbor:"22,keyasint,omitempty"`
}

// HasBaseline 是否记录过外部副本的基准
func (r *FileRecord) HasBaseline() bool {
	return r.ExternalModTime != 0
}

// ModTimeAsTime 辅助方法：转为 Go Time 对象
func (r *FileRecord) ModTimeAsTime() time.Time {
	return time.Unix(0, r.ModTime)
}

// AccessTimeAsTime 最近访问时间
func (r *FileRecord) AccessTimeAsTime() time.Time {
	return time.Unix(0, r.AccessTime)
}

// Snapshot 冲突检测时某一侧的元数据快照
type Snapshot struct {
	Exists   bool   `cbor:"1,keyasint" json:"exists"`
	IsDir    bool   `cbor:"2,keyasint" json:"is_dir"`
	Size     int64  `cbor:"3,keyasint" json:"size"`
	ModTime  int64  `cbor:"4,keyasint" json:"mod_time"`
	Checksum string `cbor:"5,keyasint,omitempty" json:"checksum,omitempty"`
	Mode     uint32 `cbor:"6,keyasint" json:"mode"`
}

// BaselineSnapshot 从记录中取出外部副本基准
func (r *FileRecord) BaselineSnapshot() Snapshot {
	return Snapshot{
		Exists:   r.HasBaseline(),
		IsDir:    r.IsDir,
		Size:     r.ExternalSize,
		ModTime:  r.ExternalModTime,
		Checksum: r.ExternalChecksum,
		Mode:     r.ExternalMode,
	}
}

// ConflictRecord 冲突队列中的一条记录
type ConflictRecord struct {
	ID         string    `cbor:"1,keyasint" json:"id"`
	PairID     string    `cbor:"2,keyasint" json:"pair_id"`
	Path       string    `cbor:"3,keyasint" json:"path"`
	Type       string    `cbor:"4,keyasint" json:"type"`
	Local      Snapshot  `cbor:"5,keyasint" json:"local"`
	External   Snapshot  `cbor:"6,keyasint" json:"external"`
	Baseline   Snapshot  `cbor:"7,keyasint" json:"baseline"`
	DetectedAt time.Time `cbor:"8,keyasint" json:"detected_at"`

	// 用户选择的策略名，为空表示尚未决定
	Resolution string    `cbor:"9,keyasint,omitempty" json:"resolution,omitempty"`
	ResolvedAt time.Time `cbor:"10,keyasint" json:"resolved_at"`
}

// Decided 是否已有人工决定
func (c *ConflictRecord) Decided() bool {
	return c.Resolution != ""
}

// HistoryEntry 同步历史中的一条记录 (只追加)
type HistoryEntry struct {
	ID       string        `cbor:"1,keyasint" json:"id"`
	PairID   string        `cbor:"2,keyasint" json:"pair_id"`
	Path     string        `cbor:"3,keyasint" json:"path"`
	Action   string        `cbor:"4,keyasint" json:"action"`
	Success  bool          `cbor:"5,keyasint" json:"success"`
	Bytes    int64         `cbor:"6,keyasint" json:"bytes"`
	Duration time.Duration `cbor:"7,keyasint" json:"duration"`
	Error    string        `cbor:"8,keyasint,omitempty" json:"error,omitempty"`
	Time     time.Time     `cbor:"9,keyasint" json:"time"`
}

// HistoryStats 历史记录聚合
type HistoryStats struct {
	Attempts    int       `json:"attempts"`
	Successes   int       `json:"successes"`
	Failures    int       `json:"failures"`
	Bytes       int64     `json:"bytes"`
	LastSuccess time.Time `json:"last_success"`
	LastFailure time.Time `json:"last_failure"`
}
