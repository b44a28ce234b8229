package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	dataDir := t.TempDir()
	cfg, err := Load([]string{"--data-dir", dataDir})
	require.NoError(t, err)

	assert.Equal(t, dataDir, cfg.DataDir)
	assert.Equal(t, "/tmp/myqueue_"+os.Getenv("USER")+".sock", cfg.SocketPath)
	assert.Equal(t, 2, cfg.TotalGPUs)
	assert.Equal(t, 64, cfg.TotalCPUs)
}

func TestLoadExplicitSocketOverridesDefault(t *testing.T) {
	dataDir := t.TempDir()
	cfg, err := Load([]string{"--data-dir", dataDir, "--socket", "/tmp/custom.sock"})
	require.NoError(t, err)
	assert.Equal(t, "/tmp/custom.sock", cfg.SocketPath)
}

func TestParseIntList(t *testing.T) {
	assert.Equal(t, []int{0, 1, 2}, parseIntList("0,1,2"))
	assert.Nil(t, parseIntList(""))
}

func TestEnsureDataDirsCreatesDirectories(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), "nested")
	cfg, err := Load([]string{"--data-dir", dataDir})
	require.NoError(t, err)

	require.NoError(t, cfg.EnsureDataDirs())
	for _, dir := range []string{cfg.DataDir, cfg.LogDir, cfg.JobLogDir} {
		info, statErr := os.Stat(dir)
		require.NoError(t, statErr)
		assert.True(t, info.IsDir())
	}
}
