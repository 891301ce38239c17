package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRoot(t *testing.T, metadata []byte) string {
	if os.Getenv("TEE_ROOT_PATH") != "" {
		t.Skip("TEE_ROOT_PATH overrides the test root")
	}
	root := t.TempDir()
	confDir := filepath.Join(root, "conf")
	require.NoError(t, os.MkdirAll(confDir, 0755))

	worker, err := os.ReadFile("../../../conf/worker.yaml")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(confDir, "worker.yaml"), worker, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(confDir, "metadata.yaml"), metadata, 0644))

	envFile := filepath.Join(confDir, "env.yaml")
	require.NoError(t, os.WriteFile(envFile, []byte("rootPath: "+root+"\n"), 0644))
	return envFile
}

func TestCheckMetadata(t *testing.T) {
	md, err := os.ReadFile("../../../conf/metadata.yaml")
	require.NoError(t, err)
	envFile := setupRoot(t, md)

	out := &bytes.Buffer{}
	require.NoError(t, CheckMetadata(envFile, out))
	assert.Contains(t, out.String(), "Bitacross.add_relayer\t[51 0]")
	assert.Contains(t, out.String(), "Utility.batch_all\t[1 2]")
	assert.NotContains(t, out.String(), "missing")
}

func TestCheckMetadataMissing(t *testing.T) {
	md := []byte("pallets:\n  Teerex:\n    index: 52\n    calls:\n      call_worker: 2\n")
	envFile := setupRoot(t, md)

	out := &bytes.Buffer{}
	assert.Error(t, CheckMetadata(envFile, out))
	assert.Contains(t, out.String(), "Teerex.call_worker\t[52 2]")
	assert.Contains(t, out.String(), "Bitacross.add_relayer\tmissing")

	assert.Error(t, CheckMetadata(filepath.Join(t.TempDir(), "none.yaml"), out))
}

func TestVersionCmd(t *testing.T) {
	buildVersion, commitHash, buildDate = "v1.0.0", "abc", "2024-01-01"
	out := &bytes.Buffer{}
	cmd := GetVersionCmd().GetCmd()
	cmd.SetOut(out)
	cmd.SetArgs([]string{})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "v1.0.0-abc 2024-01-01\n", out.String())
}

func TestStartupMissingConf(t *testing.T) {
	assert.Error(t, StartupWorker(""))
	assert.Error(t, StartupWorker(filepath.Join(t.TempDir(), "env.yaml")))
}
