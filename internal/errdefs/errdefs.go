package errdefs

import (
	"errors"
	"fmt"
)

// Kind 错误分类
type Kind int

const (
	KindState      Kind = iota + 1 // 当前全局状态不允许该操作
	KindFilesystem                 // not-found / busy / IO
	KindSync                       // 传输失败、外部存储不可达、基准校验不一致
	KindConflict                   // 未解决的冲突阻塞了该路径
	KindEviction                   // 持久性校验失败、物理删除失败
	KindComponent                  // 组件健康信号
)

func (k Kind) String() string {
	switch k {
	case KindState:
		return "state"
	case KindFilesystem:
		return "filesystem"
	case KindSync:
		return "sync"
	case KindConflict:
		return "conflict"
	case KindEviction:
		return "eviction"
	case KindComponent:
		return "component"
	default:
		return "unknown"
	}
}

// 哨兵错误，统一使用 errors.Is 判断
var (
	ErrUnavailable  = errors.New("resource temporarily unavailable")
	ErrBusy         = errors.New("resource busy")
	ErrNotFound     = errors.New("not found")
	ErrExists       = errors.New("already exists")
	ErrNotEmpty     = errors.New("directory not empty")
	ErrIsDir        = errors.New("is a directory")
	ErrNotDir       = errors.New("not a directory")
	ErrReadOnly     = errors.New("read-only")
	ErrIO           = errors.New("i/o error")
	ErrOffline      = errors.New("external store offline")
	ErrNotAllowed   = errors.New("operation not allowed in current state")
	ErrBadHandle    = errors.New("bad file handle")
	ErrInvalid      = errors.New("invalid argument")
	ErrNotSupported = errors.New("not supported")
	ErrVerifyFailed = errors.New("external copy verification failed")
)

// Error 带分类、操作名和路径的错误
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s %s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s %s: %v", e.Kind, e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New 构造一个分类错误
func New(kind Kind, op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// FS 构造文件系统错误
func FS(op, path string, err error) error {
	return New(KindFilesystem, op, path, err)
}

// KindOf 返回错误链中第一个 *Error 的分类
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
