// Package metainfo reads and writes single-file .torrent descriptors.
package metainfo

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/jackpal/bencode-go"

	"github.com/jaywantadh/ByteSwarm/internal/manifest"
)

var (
	ErrMultiFile   = errors.New("metainfo: multi-file torrents are not supported")
	ErrPieceHashes = errors.New("metainfo: pieces field is not a multiple of 20 bytes")
)

type bencodeFile struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

type bencodeInfo struct {
	Name        string        `bencode:"name"`
	PieceLength int64         `bencode:"piece length"`
	Pieces      string        `bencode:"pieces"`
	Length      int64         `bencode:"length"`
	Private     int64         `bencode:"private,omitempty"`
	Files       []bencodeFile `bencode:"files,omitempty"`
}

type bencodeTorrent struct {
	Announce string      `bencode:"announce,omitempty"`
	Comment  string      `bencode:"comment,omitempty"`
	Info     bencodeInfo `bencode:"info"`
}

// MetaInfo is a decoded .torrent file.
type MetaInfo struct {
	Announce    string
	Comment     string
	InfoHash    [20]byte
	Name        string
	PieceLength uint32
	Length      uint64
	PieceHashes [][20]byte
	Private     bool
}

// Load reads a .torrent file from disk.
func Load(path string) (*MetaInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open torrent: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// Decode parses a bencoded torrent. The info hash is the SHA-1 of the
// re-encoded info dictionary, so keys this package does not model are not
// part of it.
func Decode(r io.Reader) (*MetaInfo, error) {
	var bt bencodeTorrent
	if err := bencode.Unmarshal(r, &bt); err != nil {
		return nil, fmt.Errorf("failed to decode torrent: %w", err)
	}
	if len(bt.Info.Files) > 0 {
		return nil, ErrMultiFile
	}
	if bt.Info.PieceLength <= 0 || bt.Info.PieceLength > 1<<31 {
		return nil, fmt.Errorf("metainfo: invalid piece length %d", bt.Info.PieceLength)
	}
	if bt.Info.Length <= 0 {
		return nil, fmt.Errorf("metainfo: invalid length %d", bt.Info.Length)
	}

	hashes, err := splitHashes(bt.Info.Pieces)
	if err != nil {
		return nil, err
	}
	infoHash, err := hashInfo(bt.Info)
	if err != nil {
		return nil, err
	}

	return &MetaInfo{
		Announce:    bt.Announce,
		Comment:     bt.Comment,
		InfoHash:    infoHash,
		Name:        bt.Info.Name,
		PieceLength: uint32(bt.Info.PieceLength),
		Length:      uint64(bt.Info.Length),
		PieceHashes: hashes,
		Private:     bt.Info.Private == 1,
	}, nil
}

func splitHashes(pieces string) ([][20]byte, error) {
	buf := []byte(pieces)
	if len(buf)%sha1.Size != 0 {
		return nil, ErrPieceHashes
	}
	hashes := make([][20]byte, len(buf)/sha1.Size)
	for i := range hashes {
		copy(hashes[i][:], buf[i*sha1.Size:(i+1)*sha1.Size])
	}
	return hashes, nil
}

func hashInfo(info bencodeInfo) ([20]byte, error) {
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, info); err != nil {
		return [20]byte{}, fmt.Errorf("failed to encode info dictionary: %w", err)
	}
	return sha1.Sum(buf.Bytes()), nil
}

// Manifest converts the torrent into the manifest a download runs from. The
// content hash is the info hash, which peers expect in the handshake.
func (mi *MetaInfo) Manifest() (*manifest.Manifest, error) {
	return manifest.New(mi.Name, mi.InfoHash, mi.PieceLength, mi.Length, mi.PieceHashes)
}

// New describes data as a single-file torrent.
func New(name string, data []byte, pieceLength uint32, announce string) (*MetaInfo, error) {
	if pieceLength == 0 {
		return nil, manifest.ErrZeroPieceLength
	}
	if len(data) == 0 {
		return nil, manifest.ErrEmptyContent
	}
	var hashes [][20]byte
	for off := 0; off < len(data); off += int(pieceLength) {
		end := min(off+int(pieceLength), len(data))
		hashes = append(hashes, sha1.Sum(data[off:end]))
	}
	mi := &MetaInfo{
		Announce:    announce,
		Name:        name,
		PieceLength: pieceLength,
		Length:      uint64(len(data)),
		PieceHashes: hashes,
	}
	h, err := hashInfo(mi.info())
	if err != nil {
		return nil, err
	}
	mi.InfoHash = h
	return mi, nil
}

func (mi *MetaInfo) info() bencodeInfo {
	pieces := make([]byte, 0, len(mi.PieceHashes)*sha1.Size)
	for _, h := range mi.PieceHashes {
		pieces = append(pieces, h[:]...)
	}
	info := bencodeInfo{
		Name:        mi.Name,
		PieceLength: int64(mi.PieceLength),
		Pieces:      string(pieces),
		Length:      int64(mi.Length),
	}
	if mi.Private {
		info.Private = 1
	}
	return info
}

// Encode writes the torrent in bencoded form.
func (mi *MetaInfo) Encode(w io.Writer) error {
	bt := bencodeTorrent{
		Announce: mi.Announce,
		Comment:  mi.Comment,
		Info:     mi.info(),
	}
	if err := bencode.Marshal(w, bt); err != nil {
		return fmt.Errorf("failed to encode torrent: %w", err)
	}
	return nil
}
