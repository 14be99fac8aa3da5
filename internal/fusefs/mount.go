// Package fusefs 把合并视图挂载为操作系统目录
//
// 每个回调都直接转发给 vfs.FS，错误经 ToErrno 转成内核错误码。
package fusefs

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"mergesync/internal/vfs"
)

// Options 挂载选项
type Options struct {
	Mountpoint string
	FS         *vfs.FS

	// AllowOther 允许其它用户访问，需要 /etc/fuse.conf 中的 user_allow_other
	AllowOther bool
	Debug      bool
}

// Server 一个已挂载的合并视图
type Server struct {
	mountpoint string
	srv        *fuse.Server
}

// Mount 挂载；挂载点不存在时自动创建。调用方负责 Unmount
func Mount(opts Options) (*Server, error) {
	if opts.Mountpoint == "" {
		return nil, fmt.Errorf("挂载点不能为空")
	}
	if opts.FS == nil {
		return nil, fmt.Errorf("缺少文件系统")
	}
	if err := os.MkdirAll(opts.Mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("创建挂载点失败 %s: %w", opts.Mountpoint, err)
	}

	// 外部存储随时可能被其它程序修改，属性只短暂缓存
	entryTimeout := time.Second
	attrTimeout := time.Second
	negativeTimeout := 100 * time.Millisecond

	root := &node{v: opts.FS}
	srv, err := gofuse.Mount(opts.Mountpoint, root, &gofuse.Options{
		EntryTimeout:    &entryTimeout,
		AttrTimeout:     &attrTimeout,
		NegativeTimeout: &negativeTimeout,
		MountOptions: fuse.MountOptions{
			FsName:     "mergesync:" + opts.FS.PairID(),
			Name:       "mergesync",
			AllowOther: opts.AllowOther,
			Debug:      opts.Debug,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("挂载失败 %s: %w", opts.Mountpoint, err)
	}
	slog.Info("合并视图已挂载", "pair", opts.FS.PairID(), "mountpoint", opts.Mountpoint)
	return &Server{mountpoint: opts.Mountpoint, srv: srv}, nil
}

func (s *Server) Mountpoint() string {
	return s.mountpoint
}

// Unmount 卸载并等待请求处理循环退出
func (s *Server) Unmount() error {
	if err := s.srv.Unmount(); err != nil {
		return fmt.Errorf("卸载失败 %s: %w", s.mountpoint, err)
	}
	s.srv.Wait()
	slog.Info("合并视图已卸载", "mountpoint", s.mountpoint)
	return nil
}
