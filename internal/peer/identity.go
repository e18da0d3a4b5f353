package peer

import (
	"strings"

	"github.com/google/uuid"
)

// DefaultPeerIDPrefix identifies this client in the first bytes of its id.
const DefaultPeerIDPrefix = "-BS0100-"

// GeneratePeerID returns a 20 byte id made of the prefix (at most 8 bytes
// are kept) followed by random hex characters.
func GeneratePeerID(prefix string) [20]byte {
	var id [20]byte
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	n := copy(id[:], prefix)
	random := strings.ReplaceAll(uuid.NewString(), "-", "")
	copy(id[n:], random)
	return id
}
