package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mergesync/internal/conflict"
)

const sample = `
pairs:
  - id: docs
    local_dir: /var/cache/mergesync/docs
    external_dir: /mnt/usb/docs
    mount_point: /home/me/Docs
    priority: 1
  - id: photos
    local_dir: /var/cache/mergesync/photos
    external_dir: /mnt/usb/photos
    mount_point: /home/me/Photos
    enabled: false
    conflict_strategy: keep-both
    read_only: true
sync:
  interval: 30s
  dirty_threshold: 50
  conflict_strategy: ask_user
eviction:
  enabled: true
  trigger_free_ratio: 0.05
  target_free_ratio: 0.25
  min_free: 2GiB
protect:
  enabled: true
  commands:
    lock: ["chflags", "uchg", "{path}"]
    unlock: ["chflags", "nouchg", "{path}"]
system:
  log_level: debug
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	require.Len(t, cfg.Pairs, 2)
	docs, ok := cfg.Pair("docs")
	require.True(t, ok)
	assert.True(t, docs.IsEnabled())
	assert.Equal(t, conflict.AskUser, docs.Strategy)
	assert.Equal(t, "/mnt/usb/docs", docs.ExternalDir)

	photos, _ := cfg.Pair("photos")
	assert.False(t, photos.IsEnabled())
	assert.True(t, photos.ReadOnly)
	assert.Equal(t, conflict.KeepBoth, photos.Strategy)

	assert.Equal(t, 30*time.Second, cfg.Sync.IntervalDuration)
	assert.Equal(t, 10*time.Second, cfg.Sync.ReachabilityDuration)
	assert.Equal(t, 3, cfg.Sync.MaxWorkers)
	assert.Equal(t, 50, cfg.Sync.DirtyThreshold)

	assert.Equal(t, time.Minute, cfg.Eviction.CheckIntervalDuration)
	assert.Equal(t, uint64(2<<30), cfg.Eviction.MinFreeBytes)
	assert.Equal(t, 0.25, cfg.Eviction.TargetFreeRatio)

	assert.True(t, cfg.Protect.Enabled)
	assert.Equal(t, []string{"chflags", "uchg", "{path}"}, cfg.Protect.Commands.Lock)
	assert.Empty(t, cfg.Protect.Commands.Hide)

	assert.Equal(t, "debug", cfg.System.LogLevel)
	assert.Equal(t, "./data/mergesync.db", cfg.System.DBPath)
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
pairs:
  - {id: a, local_dir: /l, external_dir: /e, mount_point: /m}
`))
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, cfg.Sync.IntervalDuration)
	assert.Equal(t, conflict.NewerWins, cfg.Pairs[0].Strategy)
	assert.Equal(t, 0.1, cfg.Eviction.TriggerFreeRatio)
	assert.Equal(t, 0.2, cfg.Eviction.TargetFreeRatio)
	assert.Zero(t, cfg.Eviction.MinFreeBytes)
	assert.Equal(t, "info", cfg.System.LogLevel)
}

func TestParseErrors(t *testing.T) {
	pair := "pairs:\n  - {id: a, local_dir: /l, external_dir: /e, mount_point: /m}\n"
	cases := map[string]string{
		"no pairs":         "sync: {interval: 1m}\n",
		"bad interval":     pair + "sync: {interval: soon}\n",
		"bad strategy":     pair + "sync: {conflict_strategy: coin_flip}\n",
		"bad ratio":        pair + "eviction: {trigger_free_ratio: 0.5, target_free_ratio: 1.5}\n",
		"inverted ratios":  pair + "eviction: {trigger_free_ratio: 0.5, target_free_ratio: 0.2}\n",
		"bad size":         pair + "eviction: {min_free: lots}\n",
		"negative dirty":   pair + "sync: {dirty_threshold: -1}\n",
		"duplicate id":     pair + "  - {id: a, local_dir: /l2, external_dir: /e2, mount_point: /m2}\n",
		"missing dir":      "pairs:\n  - {id: a, local_dir: /l, mount_point: /m}\n",
		"same directories": "pairs:\n  - {id: a, local_dir: /x, external_dir: /x, mount_point: /m}\n",
		"invalid yaml":     "pairs: [\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Pairs, 2)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
