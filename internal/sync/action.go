package sync

import (
	"mergesync/internal/database"
)

// ActionKind 同步动作类型
type ActionKind string

const (
	KindCopy            ActionKind = "copy"             // 外部没有副本，上传
	KindUpdate          ActionKind = "update"           // 外部有副本，覆盖
	KindDelete          ActionKind = "delete"           // 待删除记录，删除外部副本
	KindCreateDir       ActionKind = "create_dir"       // 在外部创建目录
	KindCreateSymlink   ActionKind = "create_symlink"   // 在外部创建符号链接
	KindResolveConflict ActionKind = "resolve_conflict" // 应用用户对冲突的决定
	KindSkip            ActionKind = "skip"             // 本轮不处理
)

// Action 同步计划中的一个动作
type Action interface {
	Kind() ActionKind
	Path() string
	action()
}

type recordAction struct {
	Record database.FileRecord
}

func (a recordAction) Path() string { return a.Record.RelPath }
func (recordAction) action()        {}

type CopyAction struct{ recordAction }

func (CopyAction) Kind() ActionKind { return KindCopy }

type UpdateAction struct{ recordAction }

func (UpdateAction) Kind() ActionKind { return KindUpdate }

type DeleteAction struct{ recordAction }

func (DeleteAction) Kind() ActionKind { return KindDelete }

type CreateDirAction struct{ recordAction }

func (CreateDirAction) Kind() ActionKind { return KindCreateDir }

type CreateSymlinkAction struct {
	recordAction
	Target string
}

func (CreateSymlinkAction) Kind() ActionKind { return KindCreateSymlink }

// ResolveConflictAction 应用冲突队列中已决定的条目
type ResolveConflictAction struct {
	Conflict database.ConflictRecord
}

func (ResolveConflictAction) Kind() ActionKind { return KindResolveConflict }
func (a ResolveConflictAction) Path() string   { return a.Conflict.Path }
func (ResolveConflictAction) action()          {}

// SkipAction 带原因的跳过
type SkipAction struct {
	RelPath string
	Reason  string
}

func (SkipAction) Kind() ActionKind { return KindSkip }
func (a SkipAction) Path() string   { return a.RelPath }
func (SkipAction) action()          {}

func newAction(kind ActionKind, r database.FileRecord) Action {
	ra := recordAction{Record: r}
	switch kind {
	case KindCopy:
		return CopyAction{ra}
	case KindUpdate:
		return UpdateAction{ra}
	case KindDelete:
		return DeleteAction{ra}
	case KindCreateDir:
		return CreateDirAction{ra}
	case KindCreateSymlink:
		return CreateSymlinkAction{recordAction: ra, Target: r.SymlinkTarget}
	}
	return SkipAction{RelPath: r.RelPath, Reason: string(kind)}
}

// recordOf 取出动作携带的记录
func recordOf(a Action) (database.FileRecord, bool) {
	switch v := a.(type) {
	case CopyAction:
		return v.Record, true
	case UpdateAction:
		return v.Record, true
	case DeleteAction:
		return v.Record, true
	case CreateDirAction:
		return v.Record, true
	case CreateSymlinkAction:
		return v.Record, true
	}
	return database.FileRecord{}, false
}
