package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Addr)
	assert.Equal(t, "/v1", cfg.Server.BasePath)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout())
	assert.Equal(t, 30*time.Second, cfg.CacheTTL())
	assert.Equal(t, 64, cfg.Cache.Size)
	assert.Empty(t, cfg.Webhooks)

	fromTemplate, err := FromYAML([]byte(GenerateDefault()))
	require.NoError(t, err)
	assert.Equal(t, cfg, fromTemplate)
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
log:
  format: json
webhooks:
  - url: https://hooks.example.com/adr
    events: [decision.created]
    enabled: false
`))
	require.NoError(t, err)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Addr)
	require.Len(t, cfg.Webhooks, 1)
	assert.False(t, cfg.Webhooks[0].Active())
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"base path":   "server:\n  base_path: v1\n",
		"log level":   "log:\n  level: loud\n",
		"log format":  "log:\n  format: xml\n",
		"cache":       "cache:\n  size: -1\n",
		"webhook url": "webhooks:\n  - url: ftp://example.com\n",
		"empty url":   "webhooks:\n  - events: [decision.created]\n",
		"bad yaml":    "server: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadOptionalAndLoad(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	_, err = Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "adrk config init")

	require.NoError(t, os.WriteFile(Path(dir), []byte("cache:\n  size: 0\n"), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.Cache.Size)
}

func TestNewLoggerHonoursLevelAndFormat(t *testing.T) {
	var buf bytes.Buffer
	cfg := Default()
	cfg.Log.Level = "warn"
	cfg.Log.Format = "json"
	logger := cfg.NewLogger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "shown", line["msg"])
	assert.Equal(t, "v", line["k"])

	level, err := ParseLogLevel("WARNING")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, level)
}
