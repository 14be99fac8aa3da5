package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"mergesync/internal/config"
	"mergesync/internal/database"
	"mergesync/internal/service"
	"mergesync/pkg/logger"
)

const version = "1.0.0"

func main() {
	os.Exit(run(os.Args[1:]))
}

// run 返回进程退出码；deferred 的清理在返回前全部执行
func run(args []string) int {
	flags := pflag.NewFlagSet("mergesync", pflag.ExitOnError)
	configPath := flags.StringP("config", "c", "config/config.yaml", "配置文件路径")
	logLevel := flags.String("log-level", "", "覆盖配置中的日志等级 (debug/info/warn/error)")
	noMount := flags.Bool("no-mount", false, "不挂载到操作系统，只运行同步与驱逐")
	showVersion := flags.BoolP("version", "v", false, "显示版本")
	_ = flags.Parse(args)

	if *showVersion {
		fmt.Println("mergesync", version)
		return 0
	}

	// 1. 加载配置
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		panic("配置加载失败: " + err.Error())
	}
	if *logLevel != "" {
		cfg.System.LogLevel = *logLevel
	}

	// 2. 初始化日志系统
	if err := logger.Setup(cfg.System.LogLevel, cfg.System.LogFile); err != nil {
		panic("日志初始化失败: " + err.Error())
	}
	slog.Info("MergeSync 启动中",
		"version", version,
		"config", *configPath,
		"log_level", cfg.System.LogLevel,
		"log_file", cfg.System.LogFile,
	)
	for _, p := range cfg.Pairs {
		slog.Info("SyncPair 配置",
			"id", p.ID,
			"local_dir", p.LocalDir,
			"external_dir", p.ExternalDir,
			"mount_point", p.MountPoint,
			"enabled", p.IsEnabled(),
			"strategy", p.Strategy,
		)
	}

	// 3. 单实例锁
	lock, err := service.AcquireInstanceLock(cfg.System.DBPath)
	if err != nil {
		slog.Error("无法获取实例锁", "err", err)
		return 1
	}
	defer lock.Unlock()

	// 4. 初始化数据库
	db, err := database.NewBoltDB(cfg.System.DBPath)
	if err != nil {
		slog.Error("无法打开数据库", "err", err, "path", cfg.System.DBPath)
		return 1
	}
	defer db.Close()

	// 5. 设置优雅退出
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 6. 启动服务
	svc := service.New(cfg, db, service.Options{SkipMount: *noMount})
	if err := svc.Start(ctx); err != nil {
		slog.Error("服务启动失败", "err", err, "state", svc.Machine().State())
		if serr := svc.Shutdown(); serr != nil {
			slog.Error("清理失败", "err", serr)
		}
		return 1
	}

	<-ctx.Done()
	slog.Info("接收到信号，准备优雅退出...")
	if err := svc.Shutdown(); err != nil {
		slog.Error("退出时出现错误", "err", err)
	}
	slog.Info("所有任务已完成，程序退出")
	return 0
}
