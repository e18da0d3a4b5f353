package manifest

import (
	"bytes"
	"crypto/sha1"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromContentGeometry(t *testing.T) {
	data := bytes.Repeat([]byte{0xAB}, 3*16384+5000)
	m, err := FromContent("sample.bin", data, 16384)
	require.NoError(t, err)

	assert.Equal(t, 4, m.PieceCount())
	assert.Equal(t, uint64(54152), m.TotalLength)
	assert.Equal(t, uint32(16384), m.PieceSize(0))
	assert.Equal(t, uint32(16384), m.PieceSize(2))
	assert.Equal(t, uint32(5000), m.PieceSize(3))
	assert.Equal(t, uint32(0), m.PieceSize(4))
	assert.Equal(t, uint64(3*16384), m.PieceOffset(3))

	h, err := m.PieceHash(3)
	require.NoError(t, err)
	assert.Equal(t, sha1.Sum(data[3*16384:]), h)

	_, err = m.PieceHash(4)
	assert.ErrorIs(t, err, ErrPieceOutOfBounds)
	assert.Len(t, m.HexHash(), 40)
}

func TestFromContentHashDependsOnData(t *testing.T) {
	a, err := FromContent("a", []byte("hello world"), 4)
	require.NoError(t, err)
	b, err := FromContent("b", []byte("hello worle"), 4)
	require.NoError(t, err)
	assert.NotEqual(t, a.ContentHash, b.ContentHash)
	assert.Equal(t, a.PieceHashes[0], b.PieceHashes[0])
}

func TestNewValidation(t *testing.T) {
	var h [HashSize]byte
	_, err := New("x", h, 0, 10, nil)
	assert.ErrorIs(t, err, ErrZeroPieceLength)

	_, err = New("x", h, 4, 0, nil)
	assert.ErrorIs(t, err, ErrEmptyContent)

	_, err = New("x", h, 4, 10, make([][HashSize]byte, 2))
	assert.ErrorIs(t, err, ErrPieceCount)

	m, err := New("x", h, 4, 8, make([][HashSize]byte, 2))
	require.NoError(t, err)
	assert.Equal(t, uint32(4), m.PieceSize(1))
}

func TestParsePeer(t *testing.T) {
	p, err := ParsePeer("127.0.0.1:6881")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:6881", p.String())
	assert.Nil(t, p.ID)

	p, err = ParsePeer("[::1]:51413@2d4253303130302d000102030405060708090a0b")
	require.NoError(t, err)
	assert.Equal(t, "[::1]:51413", p.String())
	require.NotNil(t, p.ID)
	assert.Equal(t, byte('-'), p.ID[0])

	for _, bad := range []string{"", "localhost:80", "1.2.3.4", "1.2.3.4:0", "1.2.3.4:80@zz"} {
		_, err := ParsePeer(bad)
		assert.Error(t, err, bad)
	}

	peers, err := ParsePeers([]string{"10.0.0.1:1", " 10.0.0.2:2 "})
	require.NoError(t, err)
	assert.Len(t, peers, 2)
}
