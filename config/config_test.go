package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "-BS0100-", cfg.PeerIDPrefix)
	assert.Equal(t, 16*datasize.KB, cfg.BlockSize)
	assert.Equal(t, 5, cfg.PipelineDepth)
	assert.Equal(t, 30, cfg.MaxPeers)
	assert.Equal(t, 4, cfg.MinPeers)
	assert.Equal(t, 10*time.Second, cfg.DialTimeout)
	assert.Equal(t, 10*time.Second, cfg.HandshakeTimeout)
	assert.Equal(t, 30*time.Second, cfg.BlockTimeout)
	assert.Equal(t, 3, cfg.SuspectThreshold)
	assert.Zero(t, cfg.MaxReconnects)
	assert.Equal(t, 5*time.Second, cfg.ReconnectBackoff)
	assert.Equal(t, 20.0, cfg.DialRate)
	assert.Equal(t, 2*time.Second, cfg.ReplenishInterval)
	assert.Empty(t, cfg.ResumeDB)
	assert.False(t, cfg.Debug)
	assert.Same(t, cfg, Config)
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := `block_size: 32KB
pipeline_depth: 8
block_timeout: 45s
max_reconnects: 2
resume_db: /var/lib/byteswarm
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))
	t.Setenv("BYTESWARM_PIPELINE_DEPTH", "12")
	t.Setenv("BYTESWARM_DIAL_RATE", "2.5")

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, 32*datasize.KB, cfg.BlockSize)
	assert.Equal(t, 12, cfg.PipelineDepth, "environment wins over the file")
	assert.Equal(t, 45*time.Second, cfg.BlockTimeout)
	assert.Equal(t, 2, cfg.MaxReconnects)
	assert.Equal(t, "/var/lib/byteswarm", cfg.ResumeDB)
	assert.Equal(t, 2.5, cfg.DialRate)

	dl := cfg.Download()
	assert.Equal(t, uint32(32*1024), dl.BlockSize)
	assert.Equal(t, 12, dl.PipelineDepth)
	assert.Equal(t, "-BS0100-", string(dl.PeerID[:8]))
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("block_size: 1MB\nmax_peers: 0\n"), 0644))

	_, err := LoadConfig(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "block_size")
	assert.Contains(t, err.Error(), "max_peers")
}

func TestLoadConfigMalformedFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("block_size: [unclosed"), 0644))

	_, err := LoadConfig(dir)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	bad := *cfg
	bad.DialRate = 0
	bad.HandshakeTimeout = 0
	err = bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dial_rate")
	assert.Contains(t, err.Error(), "handshake_timeout")

	bad = *cfg
	bad.MinPeers = bad.MaxPeers + 1
	assert.Error(t, bad.Validate())
}
