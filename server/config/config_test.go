package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetDefServConf(t *testing.T) {
	cfg := GetDefServConf()
	assert.Equal(t, int64(4*1024*1024), cfg.MaxMsgBytes())
	assert.Equal(t, "127.0.0.1:2000", cfg.Addr())
	assert.Equal(t, "127.0.0.1:2001", cfg.MetricAddr())
}

func TestLoadServConf(t *testing.T) {
	cases := []struct {
		name    string
		content string
		wantErr bool
		check   func(t *testing.T, cfg *ServConf)
	}{
		{
			name:    "override",
			content: "port: 3000\nmax_msg_size: 1MB\nconn_ttl: 30s\nrate_limit: 5\n",
			check: func(t *testing.T, cfg *ServConf) {
				assert.Equal(t, 3000, cfg.Port)
				assert.Equal(t, int64(1024*1024), cfg.MaxMsgBytes())
				assert.Equal(t, 30*time.Second, cfg.ConnTTL)
				assert.Equal(t, float64(5), cfg.RateLimit)
				assert.Equal(t, DefaultRateBurst, cfg.RateBurst)
			},
		},
		{name: "bad size", content: "max_msg_size: lots\n", wantErr: true},
		{name: "bad rate", content: "rate_burst: 0\n", wantErr: true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "server.yaml")
			require.NoError(t, os.WriteFile(path, []byte(c.content), 0644))
			cfg, err := LoadServConf(path)
			if c.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			c.check(t, cfg)
		})
	}
}

func TestLoadRepoServConf(t *testing.T) {
	_, err := LoadServConf(filepath.Join("..", "..", "conf", "server.yaml"))
	assert.NoError(t, err)
}
