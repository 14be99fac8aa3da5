package logger

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel(" error "))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestMultiHandlerFansOut(t *testing.T) {
	var debugBuf, warnBuf bytes.Buffer
	h := NewMultiHandler(
		NewFileHandler(&debugBuf, slog.LevelDebug),
		NewFileHandler(&warnBuf, slog.LevelWarn),
	)
	assert.True(t, h.Enabled(context.Background(), slog.LevelDebug))

	log := slog.New(h).With("pair", "docs")
	log.Info("同步结束", "files", 3)
	log.Warn("外部存储断开")

	assert.Contains(t, debugBuf.String(), "同步结束")
	assert.Contains(t, debugBuf.String(), "pair=docs")
	assert.NotContains(t, warnBuf.String(), "同步结束")
	assert.Contains(t, warnBuf.String(), "外部存储断开")
	assert.Contains(t, warnBuf.String(), "pair=docs")
}

func TestSetupWritesFile(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	path := filepath.Join(t.TempDir(), "logs", "mergesync.log")
	require.NoError(t, Setup("info", path))
	slog.Debug("不会出现")
	slog.Info("启动完成", "pairs", 2)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "启动完成")
	assert.Contains(t, string(data), "pairs=2")
	assert.NotContains(t, string(data), "不会出现")
}
