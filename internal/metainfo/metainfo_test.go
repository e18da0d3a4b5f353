package metainfo

import (
	"bytes"
	"crypto/sha1"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeHandWrittenTorrent(t *testing.T) {
	digest := sha1.Sum([]byte("hello"))
	info := "d6:lengthi5e4:name5:a.txt12:piece lengthi16384e6:pieces20:" + string(digest[:]) + "e"
	raw := "d8:announce14:http://tracker4:info" + info + "e"

	mi, err := Decode(strings.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, "http://tracker", mi.Announce)
	assert.Equal(t, "a.txt", mi.Name)
	assert.Equal(t, uint32(16384), mi.PieceLength)
	assert.Equal(t, uint64(5), mi.Length)
	require.Len(t, mi.PieceHashes, 1)
	assert.Equal(t, digest, mi.PieceHashes[0])
	assert.Equal(t, sha1.Sum([]byte(info)), mi.InfoHash)

	m, err := mi.Manifest()
	require.NoError(t, err)
	assert.Equal(t, mi.InfoHash, m.ContentHash)
	assert.Equal(t, 1, m.PieceCount())
	assert.Equal(t, uint32(5), m.PieceSize(0))
}

func TestEncodeDecodeKeepsInfoHash(t *testing.T) {
	data := bytes.Repeat([]byte("byteswarm"), 5000)
	mi, err := New("swarm.bin", data, 16384, "")
	require.NoError(t, err)
	require.Len(t, mi.PieceHashes, 3)

	path := filepath.Join(t.TempDir(), "swarm.torrent")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, mi.Encode(f))
	require.NoError(t, f.Close())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, mi.InfoHash, loaded.InfoHash)
	assert.Equal(t, mi.PieceHashes, loaded.PieceHashes)
	assert.Equal(t, uint64(len(data)), loaded.Length)
}

func TestPrivateFlagChangesInfoHash(t *testing.T) {
	data := []byte("private payload")
	public, err := New("p", data, 4, "")
	require.NoError(t, err)
	private := *public
	private.Private = true

	var buf bytes.Buffer
	require.NoError(t, private.Encode(&buf))
	decoded, err := Decode(&buf)
	require.NoError(t, err)
	assert.True(t, decoded.Private)
	assert.NotEqual(t, public.InfoHash, decoded.InfoHash)
}

func TestDecodeRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"not bencode":  "garbage",
		"short pieces": "d4:infod6:lengthi5e4:name1:a12:piece lengthi4e6:pieces3:abcee",
		"zero length":  "d4:infod6:lengthi0e4:name1:a12:piece lengthi4e6:pieces0:ee",
		"zero piece":   "d4:infod6:lengthi5e4:name1:a12:piece lengthi0e6:pieces0:ee",
		"wrong hashes": "d4:infod6:lengthi50e4:name1:a12:piece lengthi4e6:pieces20:aaaaaaaaaaaaaaaaaaaaee",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			mi, err := Decode(strings.NewReader(raw))
			if err == nil {
				_, err = mi.Manifest()
			}
			assert.Error(t, err)
		})
	}
}

func TestDecodeRejectsMultiFile(t *testing.T) {
	raw := "d4:infod5:filesld6:lengthi3e4:pathl1:aeee4:name3:dir12:piece lengthi4e6:pieces20:aaaaaaaaaaaaaaaaaaaaee"
	_, err := Decode(strings.NewReader(raw))
	assert.ErrorIs(t, err, ErrMultiFile)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.torrent"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
