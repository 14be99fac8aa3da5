// Package conflict 冲突分类与解决
//
// Classify 和 Resolve 都是纯函数：相同的快照和策略永远得到相同的结果，
// 真正的文件操作由同步引擎执行。
package conflict

import (
	"fmt"
	"os"
	"strings"

	"mergesync/internal/database"
)

// Type 冲突类型
type Type string

const (
	BothModified       Type = "both_modified"       // 两侧都在基准之后被修改
	DeletedLocal       Type = "deleted_local"       // 本地删除，外部被修改
	DeletedExternal    Type = "deleted_external"    // 本地被修改，外部消失
	TypeChanged        Type = "type_changed"        // 一侧是文件另一侧是目录
	PermissionConflict Type = "permission_conflict" // 内容一致，只有权限不同
)

// Strategy 解决策略，按 SyncPair 配置
type Strategy string

const (
	NewerWins              Strategy = "newer_wins"
	LargerWins             Strategy = "larger_wins"
	LocalWins              Strategy = "local_wins"
	ExternalWins           Strategy = "external_wins"
	LocalWinsWithBackup    Strategy = "local_wins_backup"
	ExternalWinsWithBackup Strategy = "external_wins_backup"
	KeepBoth               Strategy = "keep_both"
	AskUser                Strategy = "ask_user"
	Skip                   Strategy = "skip"
)

// Strategies 所有策略，顺序固定
func Strategies() []Strategy {
	return []Strategy{
		NewerWins, LargerWins, LocalWins, ExternalWins,
		LocalWinsWithBackup, ExternalWinsWithBackup, KeepBoth, AskUser, Skip,
	}
}

// ParseStrategy 解析配置中的策略名，大小写和 -/_ 不敏感
func ParseStrategy(s string) (Strategy, error) {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	if norm == "" {
		return NewerWins, nil
	}
	for _, st := range Strategies() {
		if string(st) == norm {
			return st, nil
		}
	}
	return "", fmt.Errorf("未知的冲突策略: %q", s)
}

// Outcome 解决结果，由同步引擎执行
type Outcome int

const (
	KeepLocal    Outcome = iota + 1 // 本地覆盖外部 (本地已删除时删除外部)
	KeepExternal                    // 外部覆盖本地 (外部已消失时删除本地)
	KeepBothCopies                  // 本地改名保留，外部原名保留
	Manual                          // 进入人工队列，记录保持 dirty
	Deferred                        // 跳过，下次同步重试
)

func (o Outcome) String() string {
	switch o {
	case KeepLocal:
		return "keep_local"
	case KeepExternal:
		return "keep_external"
	case KeepBothCopies:
		return "keep_both"
	case Manual:
		return "manual"
	case Deferred:
		return "skip"
	default:
		return "unknown"
	}
}

// Resolution 对一条冲突的决定
type Resolution struct {
	Strategy Strategy
	Outcome  Outcome
	// Backup 覆盖之前先把输的一侧以备份名保留
	Backup bool
	Reason string
}

// Classify 根据检测时两侧快照和基准判断冲突类型；没有冲突时返回 false
func Classify(local, external, baseline database.Snapshot) (Type, bool) {
	switch {
	case !local.Exists && !external.Exists:
		return "", false
	case !local.Exists:
		if baseline.Exists && sameContent(external, baseline) {
			// 外部没有变化，是普通的删除
			return "", false
		}
		return DeletedLocal, true
	case !external.Exists:
		if !baseline.Exists {
			// 从未同步过，是普通的上传
			return "", false
		}
		return DeletedExternal, true
	}

	if local.IsDir != external.IsDir {
		return TypeChanged, true
	}
	if local.IsDir {
		if permBits(local.Mode) != permBits(external.Mode) {
			return PermissionConflict, true
		}
		return "", false
	}
	if sameContent(local, external) {
		if permBits(local.Mode) != permBits(external.Mode) {
			return PermissionConflict, true
		}
		return "", false
	}
	return BothModified, true
}

func permBits(mode uint32) os.FileMode {
	return os.FileMode(mode).Perm()
}

// sameContent 两个快照是否描述同一份内容
// 两侧都有校验和时以校验和为准，否则比较大小和修改时间
func sameContent(a, b database.Snapshot) bool {
	if a.IsDir || b.IsDir {
		return a.IsDir == b.IsDir
	}
	if a.Size != b.Size {
		return false
	}
	if a.Checksum != "" && b.Checksum != "" {
		return a.Checksum == b.Checksum
	}
	return a.ModTime == b.ModTime
}

// Resolve 按策略决定如何解决冲突
func Resolve(c database.ConflictRecord, s Strategy) Resolution {
	res := Resolution{Strategy: s}
	local, external := c.Local, c.External

	switch s {
	case AskUser:
		res.Outcome, res.Reason = Manual, "等待人工决定"
		return res
	case Skip:
		res.Outcome, res.Reason = Deferred, "跳过，下次同步重试"
		return res
	}

	// 一侧已不存在时，比较类策略保留仍然存在的数据
	if !local.Exists || !external.Exists {
		switch s {
		case NewerWins, LargerWins, KeepBoth:
			if local.Exists {
				res.Outcome, res.Reason = KeepLocal, "外部已消失，保留本地"
			} else {
				res.Outcome, res.Reason = KeepExternal, "本地已删除但外部有修改，保留外部"
			}
			return res
		}
	}

	switch s {
	case NewerWins:
		res.Outcome = pick(compareNewer(local, external))
		res.Reason = "修改时间较新的一侧"
	case LargerWins:
		res.Outcome = pick(compareLarger(local, external))
		res.Reason = "较大的一侧"
	case LocalWins:
		res.Outcome, res.Reason = KeepLocal, "本地优先"
	case ExternalWins:
		res.Outcome, res.Reason = KeepExternal, "外部优先"
	case LocalWinsWithBackup:
		res.Outcome, res.Reason = KeepLocal, "本地优先，外部副本改名备份"
		res.Backup = external.Exists
	case ExternalWinsWithBackup:
		res.Outcome, res.Reason = KeepExternal, "外部优先，本地副本改名备份"
		res.Backup = local.Exists
	case KeepBoth:
		if c.Type == string(PermissionConflict) {
			// 内容相同，没有需要保留的第二份
			res.Outcome, res.Reason = KeepLocal, "内容一致，本地权限优先"
			return res
		}
		res.Outcome, res.Reason = KeepBothCopies, "两份都保留"
	default:
		res.Outcome, res.Reason = Deferred, fmt.Sprintf("未知策略 %q", s)
	}
	return res
}

func pick(localWins bool) Outcome {
	if localWins {
		return KeepLocal
	}
	return KeepExternal
}

// compareNewer 修改时间较新者胜；相同则较大者胜；仍相同则本地胜
func compareNewer(local, external database.Snapshot) bool {
	if local.ModTime != external.ModTime {
		return local.ModTime > external.ModTime
	}
	if local.Size != external.Size {
		return local.Size > external.Size
	}
	return true
}

// compareLarger 较大者胜；相同则较新者胜；仍相同则本地胜
func compareLarger(local, external database.Snapshot) bool {
	if local.Size != external.Size {
		return local.Size > external.Size
	}
	if local.ModTime != external.ModTime {
		return local.ModTime > external.ModTime
	}
	return true
}
