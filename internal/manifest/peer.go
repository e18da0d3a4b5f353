package manifest

import (
	"encoding/hex"
	"fmt"
	"net/netip"
	"strings"
)

// Peer is a candidate remote endpoint. ID is nil when the peer id is not
// known in advance.
type Peer struct {
	Addr netip.AddrPort
	ID   *[HashSize]byte
}

// ParsePeer parses "ip:port", optionally followed by "@" and a 40 character
// hex peer id.
func ParsePeer(s string) (Peer, error) {
	addr, id, hasID := strings.Cut(strings.TrimSpace(s), "@")
	ap, err := netip.ParseAddrPort(addr)
	if err != nil {
		return Peer{}, fmt.Errorf("invalid peer address %q: %w", s, err)
	}
	if ap.Port() == 0 {
		return Peer{}, fmt.Errorf("invalid peer address %q: port must be non-zero", s)
	}
	p := Peer{Addr: ap}
	if hasID {
		raw, err := hex.DecodeString(id)
		if err != nil || len(raw) != HashSize {
			return Peer{}, fmt.Errorf("invalid peer id in %q", s)
		}
		var pid [HashSize]byte
		copy(pid[:], raw)
		p.ID = &pid
	}
	return p, nil
}

// ParsePeers parses every entry, failing on the first invalid one.
func ParsePeers(list []string) ([]Peer, error) {
	peers := make([]Peer, 0, len(list))
	for _, s := range list {
		p, err := ParsePeer(s)
		if err != nil {
			return nil, err
		}
		peers = append(peers, p)
	}
	return peers, nil
}

// String returns the address key used to identify the peer.
func (p Peer) String() string {
	return p.Addr.String()
}
