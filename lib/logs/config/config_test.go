package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetDefLogConf(t *testing.T) {
	cfg := GetDefLogConf()
	assert.Equal(t, "teeworker", cfg.Module)
	assert.Equal(t, "logfmt", cfg.Fmt)
	assert.True(t, cfg.Console)
}

func TestLoadLogConf(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "log.yaml")
	content := "module: worker\nfmt: json\nlevel: warn\nconsole: false\nrotateInterval: 30\n"
	require.NoError(t, os.WriteFile(cfgFile, []byte(content), 0644))

	cfg, err := LoadLogConf(cfgFile)
	require.NoError(t, err)
	assert.Equal(t, "worker", cfg.Module)
	assert.Equal(t, "json", cfg.Fmt)
	assert.Equal(t, "warn", cfg.Level)
	assert.False(t, cfg.Console)
	assert.Equal(t, 30, cfg.RotateInterval)
	// 未配置的字段保持默认值
	assert.Equal(t, 168, cfg.RotateBackups)

	_, err = LoadLogConf(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadLogConfEnvOverride(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "log.yaml")
	require.NoError(t, os.WriteFile(cfgFile, []byte("level: info\nfmt: logfmt\n"), 0644))

	t.Setenv(EnvPrefix+"_LEVEL", "error")
	cfg, err := LoadLogConf(cfgFile)
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.Level)
	assert.Equal(t, FmtLogfmt, cfg.Fmt)
}

func TestLogConfValidate(t *testing.T) {
	assert.NoError(t, GetDefLogConf().Validate())

	cases := map[string]func(c *LogConf){
		"fmt":      func(c *LogConf) { c.Fmt = "xml" },
		"level":    func(c *LogConf) { c.Level = "verbose" },
		"filename": func(c *LogConf) { c.Filename = "" },
		"rotate":   func(c *LogConf) { c.RotateInterval = 0 },
		"buf size": func(c *LogConf) { c.Async, c.BufSize = true, 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := GetDefLogConf()
			mutate(c)
			assert.Error(t, c.Validate())
		})
	}

	// 非法配置文件不会被加载
	cfgFile := filepath.Join(t.TempDir(), "log.yaml")
	require.NoError(t, os.WriteFile(cfgFile, []byte("fmt: xml\n"), 0644))
	_, err := LoadLogConf(cfgFile)
	assert.Error(t, err)
}
