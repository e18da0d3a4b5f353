package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaywantadh/ByteSwarm/internal/metainfo"
	"github.com/jaywantadh/ByteSwarm/internal/peer/peertest"
	"github.com/jaywantadh/ByteSwarm/pkg/logging"
)

func writeTorrent(t *testing.T, data []byte) (string, *metainfo.MetaInfo) {
	t.Helper()
	mi, err := metainfo.New("payload.bin", data, 16384, "http://tracker.invalid/announce")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "payload.torrent")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, mi.Encode(f))
	require.NoError(t, f.Close())
	return path, mi
}

func payload() []byte {
	data := make([]byte, 3*16384+5000)
	for i := range data {
		data[i] = byte(i % 199)
	}
	return data
}

func TestInspectPrintsSummary(t *testing.T) {
	path, mi := writeTorrent(t, payload())
	m, err := mi.Manifest()
	require.NoError(t, err)

	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	require.NoError(t, app.Run([]string{"byteswarm", "inspect", "--pieces", path}))

	text := out.String()
	assert.Contains(t, text, "payload.bin")
	assert.Contains(t, text, m.HexHash())
	assert.Contains(t, text, "Pieces:       4")
	assert.Contains(t, text, "http://tracker.invalid/announce")
	assert.Contains(t, text, "4.9 KiB")
}

func TestFetchDownloadsFromPeers(t *testing.T) {
	logging.InitLogger(false)
	logging.Log.Out = &bytes.Buffer{}

	data := payload()
	path, mi := writeTorrent(t, data)
	m, err := mi.Manifest()
	require.NoError(t, err)

	a, err := peertest.NewSeeder(m, data)
	require.NoError(t, err)
	defer a.Close()
	b, err := peertest.NewSeeder(m, data, peertest.WithPieces(1, 3))
	require.NoError(t, err)
	defer b.Close()

	dir := t.TempDir()
	out := filepath.Join(dir, "downloaded.bin")
	args := []string{
		"byteswarm", "fetch",
		"--torrent", path,
		"--peer", a.Addr(),
		"--peer", b.Addr(),
		"--out", out,
		"--config", dir,
		"--resume-db", filepath.Join(dir, "resume"),
	}
	require.NoError(t, newApp().Run(args))

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}
