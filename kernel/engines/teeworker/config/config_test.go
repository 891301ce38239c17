package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWorkerConf(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.yaml")
	content := `ready_limit: 16
ban_time: 10s
block_interval: 500ms
submit_filter: indirect
shards: "0101,0202"
workers: 4
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadWorkerConf(path)
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.ReadyLimit)
	assert.Equal(t, DefaultPendingLimit, cfg.PendingLimit)
	assert.Equal(t, 10*time.Second, cfg.BanTime)
	assert.Equal(t, 500*time.Millisecond, cfg.BlockInterval)
	assert.Equal(t, "indirect", cfg.SubmitFilter)
	assert.Equal(t, DefaultFilterPolicy, cfg.BroadcastFilter)
	assert.Equal(t, []string{"0101", "0202"}, cfg.Shards)
	assert.Equal(t, 4, cfg.Workers)
}

func TestLoadWorkerConfErrors(t *testing.T) {
	_, err := LoadWorkerConf("")
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "worker.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workers: 0\n"), 0644))
	_, err = LoadWorkerConf(path)
	assert.Error(t, err)
}

func TestLoadRepoWorkerConf(t *testing.T) {
	cfg, err := LoadWorkerConf(filepath.Join("..", "..", "..", "..", "conf", "worker.yaml"))
	require.NoError(t, err)
	assert.NoError(t, cfg.Validate())
}
