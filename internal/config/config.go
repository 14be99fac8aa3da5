package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"mergesync/internal/conflict"
	"mergesync/internal/protect"
)

// Config 对应 config.yaml 的根结构
type Config struct {
	Pairs    []PairConfig   `yaml:"pairs"`
	Sync     SyncConfig     `yaml:"sync"`
	Eviction EvictionConfig `yaml:"eviction"`
	Protect  ProtectConfig  `yaml:"protect"`
	System   SystemConfig   `yaml:"system"`
}

// PairConfig 一个 SyncPair：本地缓存目录 + 外部存储目录 + 挂载点
type PairConfig struct {
	ID          string `yaml:"id"`
	LocalDir    string `yaml:"local_dir"`
	ExternalDir string `yaml:"external_dir"`
	MountPoint  string `yaml:"mount_point"`
	Enabled     *bool  `yaml:"enabled"` // 缺省为 true
	Priority    int    `yaml:"priority"`
	ReadOnly    bool   `yaml:"read_only"`
	AllowOther  bool   `yaml:"allow_other"`
	// 为空时使用 sync.conflict_strategy
	ConflictStrategy string `yaml:"conflict_strategy"`

	// 解析后的策略，不导出到 yaml
	Strategy conflict.Strategy `yaml:"-"`
}

// IsEnabled 是否启用
func (p *PairConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// SyncConfig 同步相关配置
type SyncConfig struct {
	Interval             string `yaml:"interval"`
	DirtyThreshold       int    `yaml:"dirty_threshold"` // dirty 记录达到该数量时立即触发同步，0 表示关闭
	MaxWorkers           int    `yaml:"max_workers"`
	VerifyChecksum       bool   `yaml:"verify_checksum"`
	ReachabilityInterval string `yaml:"reachability_interval"`
	// newer_wins (默认) / larger_wins / local_wins / external_wins /
	// local_wins_backup / external_wins_backup / keep_both / ask_user / skip
	ConflictStrategy string `yaml:"conflict_strategy"`

	IntervalDuration     time.Duration `yaml:"-"`
	ReachabilityDuration time.Duration `yaml:"-"`
}

// EvictionConfig 本地缓存空间回收
type EvictionConfig struct {
	Enabled          bool    `yaml:"enabled"`
	CheckInterval    string  `yaml:"check_interval"`
	TriggerFreeRatio float64 `yaml:"trigger_free_ratio"`
	TargetFreeRatio  float64 `yaml:"target_free_ratio"`
	MinFree          string  `yaml:"min_free"` // 例如 "2GiB"
	VerifyChecksum   bool    `yaml:"verify_checksum"`

	CheckIntervalDuration time.Duration `yaml:"-"`
	MinFreeBytes          uint64        `yaml:"-"`
}

// ProtectConfig 后端目录保护命令
type ProtectConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Commands protect.Commands `yaml:"commands"`
}

// SystemConfig 系统配置
type SystemConfig struct {
	DBPath    string `yaml:"db_path"`
	LogLevel  string `yaml:"log_level"`
	LogFile   string `yaml:"log_file"`
	FuseDebug bool   `yaml:"fuse_debug"`
}

// LoadConfig 读取并解析配置文件
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	return Parse(data)
}

// Parse 解析 YAML，填充默认值并校验
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析 YAML 格式错误: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Sync.Interval == "" {
		c.Sync.Interval = "5m"
	}
	if c.Sync.ReachabilityInterval == "" {
		c.Sync.ReachabilityInterval = "10s"
	}
	if c.Sync.MaxWorkers <= 0 {
		c.Sync.MaxWorkers = 3
	}
	if c.Sync.ConflictStrategy == "" {
		c.Sync.ConflictStrategy = string(conflict.NewerWins)
	}
	if c.Eviction.CheckInterval == "" {
		c.Eviction.CheckInterval = "1m"
	}
	if c.Eviction.TriggerFreeRatio == 0 && c.Eviction.TargetFreeRatio == 0 {
		c.Eviction.TriggerFreeRatio = 0.1
		c.Eviction.TargetFreeRatio = 0.2
	}
	if c.Eviction.MinFree == "" {
		c.Eviction.MinFree = "0"
	}
	if c.System.DBPath == "" {
		c.System.DBPath = "./data/mergesync.db"
	}
	if c.System.LogLevel == "" {
		c.System.LogLevel = "info"
	}
}

func (c *Config) validate() error {
	var err error
	if c.Sync.IntervalDuration, err = time.ParseDuration(c.Sync.Interval); err != nil || c.Sync.IntervalDuration <= 0 {
		return fmt.Errorf("无效的同步间隔格式 (sync.interval): %q", c.Sync.Interval)
	}
	if c.Sync.ReachabilityDuration, err = time.ParseDuration(c.Sync.ReachabilityInterval); err != nil || c.Sync.ReachabilityDuration <= 0 {
		return fmt.Errorf("无效的探测间隔格式 (sync.reachability_interval): %q", c.Sync.ReachabilityInterval)
	}
	if c.Sync.DirtyThreshold < 0 {
		return fmt.Errorf("sync.dirty_threshold 不能为负数: %d", c.Sync.DirtyThreshold)
	}
	defaultStrategy, err := conflict.ParseStrategy(c.Sync.ConflictStrategy)
	if err != nil {
		return fmt.Errorf("sync.conflict_strategy: %w", err)
	}

	if c.Eviction.CheckIntervalDuration, err = time.ParseDuration(c.Eviction.CheckInterval); err != nil || c.Eviction.CheckIntervalDuration <= 0 {
		return fmt.Errorf("无效的检查间隔格式 (eviction.check_interval): %q", c.Eviction.CheckInterval)
	}
	if c.Eviction.MinFreeBytes, err = humanize.ParseBytes(c.Eviction.MinFree); err != nil {
		return fmt.Errorf("无效的容量格式 (eviction.min_free): %q", c.Eviction.MinFree)
	}
	if r := c.Eviction.TriggerFreeRatio; r < 0 || r > 1 {
		return fmt.Errorf("eviction.trigger_free_ratio 必须在 [0,1] 之间: %v", r)
	}
	if r := c.Eviction.TargetFreeRatio; r < 0 || r > 1 {
		return fmt.Errorf("eviction.target_free_ratio 必须在 [0,1] 之间: %v", r)
	}
	if c.Eviction.TargetFreeRatio < c.Eviction.TriggerFreeRatio {
		return fmt.Errorf("eviction.target_free_ratio (%v) 不能小于 trigger_free_ratio (%v)",
			c.Eviction.TargetFreeRatio, c.Eviction.TriggerFreeRatio)
	}

	if len(c.Pairs) == 0 {
		return fmt.Errorf("至少需要配置一个 SyncPair (pairs)")
	}
	seen := make(map[string]bool, len(c.Pairs))
	for i := range c.Pairs {
		p := &c.Pairs[i]
		if p.ID == "" {
			return fmt.Errorf("pairs[%d]: id 不能为空", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("pairs[%d]: 重复的 id %q", i, p.ID)
		}
		seen[p.ID] = true
		if p.LocalDir == "" || p.ExternalDir == "" || p.MountPoint == "" {
			return fmt.Errorf("pair %s: local_dir、external_dir 和 mount_point 都必须配置", p.ID)
		}
		for _, dir := range []*string{&p.LocalDir, &p.ExternalDir, &p.MountPoint} {
			abs, err := filepath.Abs(*dir)
			if err != nil {
				return fmt.Errorf("pair %s: %w", p.ID, err)
			}
			*dir = abs
		}
		if p.LocalDir == p.ExternalDir || p.LocalDir == p.MountPoint || p.ExternalDir == p.MountPoint {
			return fmt.Errorf("pair %s: local_dir、external_dir 和 mount_point 必须互不相同", p.ID)
		}

		p.Strategy = defaultStrategy
		if p.ConflictStrategy != "" {
			if p.Strategy, err = conflict.ParseStrategy(p.ConflictStrategy); err != nil {
				return fmt.Errorf("pair %s: %w", p.ID, err)
			}
		}
	}
	return nil
}

// Pair 按 id 查找
func (c *Config) Pair(id string) (*PairConfig, bool) {
	for i := range c.Pairs {
		if c.Pairs[i].ID == id {
			return &c.Pairs[i], true
		}
	}
	return nil, false
}
