// Package protect 保护 SyncPair 的本地缓存目录，避免用户绕过挂载点直接修改
//
// 具体做法 (不可变标记、ACL、隐藏) 依赖平台和特权，这里只把它们当作不透明的调用
package protect

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"mergesync/internal/errdefs"
)

// Protector 三组成对的特权操作
type Protector interface {
	Lock(ctx context.Context, dir string) error
	Unlock(ctx context.Context, dir string) error
	Deny(ctx context.Context, dir string) error
	Allow(ctx context.Context, dir string) error
	Hide(ctx context.Context, dir string) error
	Unhide(ctx context.Context, dir string) error
}

// Commands 每个操作对应的外部命令 (argv)，参数中的 {path} 替换为目录
// 为空的命令视为不需要该步骤
type Commands struct {
	Lock   []string `yaml:"lock"`
	Unlock []string `yaml:"unlock"`
	Deny   []string `yaml:"deny"`
	Allow  []string `yaml:"allow"`
	Hide   []string `yaml:"hide"`
	Unhide []string `yaml:"unhide"`
}

// CommandProtector 通过配置的外部命令实现 Protector
type CommandProtector struct {
	cmds Commands
}

func NewCommandProtector(cmds Commands) *CommandProtector {
	return &CommandProtector{cmds: cmds}
}

func (p *CommandProtector) Lock(ctx context.Context, dir string) error {
	return run(ctx, "lock", p.cmds.Lock, dir)
}

func (p *CommandProtector) Unlock(ctx context.Context, dir string) error {
	return run(ctx, "unlock", p.cmds.Unlock, dir)
}

func (p *CommandProtector) Deny(ctx context.Context, dir string) error {
	return run(ctx, "deny", p.cmds.Deny, dir)
}

func (p *CommandProtector) Allow(ctx context.Context, dir string) error {
	return run(ctx, "allow", p.cmds.Allow, dir)
}

func (p *CommandProtector) Hide(ctx context.Context, dir string) error {
	return run(ctx, "hide", p.cmds.Hide, dir)
}

func (p *CommandProtector) Unhide(ctx context.Context, dir string) error {
	return run(ctx, "unhide", p.cmds.Unhide, dir)
}

func run(ctx context.Context, step string, argv []string, dir string) error {
	if len(argv) == 0 {
		return nil
	}
	args := make([]string, len(argv))
	for i, a := range argv {
		args[i] = strings.ReplaceAll(a, "{path}", dir)
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s 命令执行失败: %q: %w", step, strings.TrimSpace(stderr.String()), err)
	}
	slog.Debug("保护命令已执行", "step", step, "dir", dir)
	return nil
}

type step struct {
	name  string
	apply func(context.Context, string) error
	undo  func(context.Context, string) error
}

func steps(p Protector) []step {
	return []step{
		{"lock", p.Lock, p.Unlock},
		{"deny", p.Deny, p.Allow},
		{"hide", p.Hide, p.Unhide},
	}
}

// ProtectBackend 依次执行 lock -> deny -> hide
// 任一步失败时逆序撤销已完成的步骤，目录回到未保护状态
func ProtectBackend(ctx context.Context, p Protector, dir string) error {
	all := steps(p)
	for i, s := range all {
		if err := s.apply(ctx, dir); err != nil {
			for j := i - 1; j >= 0; j-- {
				if uerr := all[j].undo(ctx, dir); uerr != nil {
					slog.Warn("回滚保护步骤失败", "dir", dir, "step", all[j].name, "err", uerr)
				}
			}
			return errdefs.New(errdefs.KindComponent, "protect", dir, fmt.Errorf("%s: %w", s.name, err))
		}
	}
	slog.Info("后端目录已保护", "dir", dir)
	return nil
}

// UnprotectBackend 逆序撤销全部三个步骤；单步失败不影响其余步骤
func UnprotectBackend(ctx context.Context, p Protector, dir string) error {
	all := steps(p)
	var errs []error
	for i := len(all) - 1; i >= 0; i-- {
		if err := all[i].undo(ctx, dir); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", all[i].name, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return errdefs.New(errdefs.KindComponent, "unprotect", dir, err)
	}
	slog.Info("后端目录已解除保护", "dir", dir)
	return nil
}
