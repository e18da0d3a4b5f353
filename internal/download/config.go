package download

import (
	"time"

	"github.com/jaywantadh/ByteSwarm/internal/peer"
	"github.com/jaywantadh/ByteSwarm/internal/piece"
)

// Config holds the tunables of a download run.
type Config struct {
	PeerID            [20]byte
	BlockSize         uint32
	PipelineDepth     int
	MaxPeers          int
	MinPeers          int
	DialTimeout       time.Duration
	HandshakeTimeout  time.Duration
	BlockTimeout      time.Duration
	SuspectThreshold  int
	MaxReconnects     int
	ReconnectBackoff  time.Duration
	DialRate          float64 // dials per second
	ReplenishInterval time.Duration
}

// DefaultConfig returns the defaults used by the CLI when nothing is set.
func DefaultConfig() Config {
	return Config{
		PeerID:            peer.GeneratePeerID(peer.DefaultPeerIDPrefix),
		BlockSize:         piece.DefaultBlockSize,
		PipelineDepth:     5,
		MaxPeers:          30,
		MinPeers:          4,
		DialTimeout:       10 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		BlockTimeout:      30 * time.Second,
		SuspectThreshold:  piece.DefaultSuspectThreshold,
		MaxReconnects:     0,
		ReconnectBackoff:  5 * time.Second,
		DialRate:          20,
		ReplenishInterval: 2 * time.Second,
	}
}

// normalize replaces unset fields with defaults. SuspectThreshold and
// MaxReconnects keep their zero values since both are meaningful.
func (c *Config) normalize() {
	d := DefaultConfig()
	if c.PeerID == ([20]byte{}) {
		c.PeerID = d.PeerID
	}
	if c.BlockSize == 0 || c.BlockSize > piece.MaxBlockSize {
		c.BlockSize = d.BlockSize
	}
	if c.PipelineDepth <= 0 {
		c.PipelineDepth = d.PipelineDepth
	}
	if c.MaxPeers <= 0 {
		c.MaxPeers = d.MaxPeers
	}
	if c.MinPeers <= 0 {
		c.MinPeers = 1
	}
	c.MinPeers = min(c.MinPeers, c.MaxPeers)
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = d.BlockTimeout
	}
	if c.ReconnectBackoff < 0 {
		c.ReconnectBackoff = 0
	}
	if c.DialRate <= 0 {
		c.DialRate = d.DialRate
	}
	if c.ReplenishInterval <= 0 {
		c.ReplenishInterval = d.ReplenishInterval
	}
}

func (c Config) sessionConfig() peer.Config {
	return peer.Config{
		PeerID:           c.PeerID,
		BlockSize:        c.BlockSize,
		PipelineDepth:    c.PipelineDepth,
		DialTimeout:      c.DialTimeout,
		HandshakeTimeout: c.HandshakeTimeout,
		BlockTimeout:     c.BlockTimeout,
	}
}

func (c Config) retryPolicy() peer.RetryPolicy {
	return peer.RetryPolicy{MaxReconnects: c.MaxReconnects, Backoff: c.ReconnectBackoff}
}
