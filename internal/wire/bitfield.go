package wire

import (
	"github.com/RoaringBitmap/roaring"
)

// Bit i of the wire bitfield is the most significant bit of byte i/8.

// BitfieldFromBitmap encodes the indices of bm below n as a wire bitfield.
func BitfieldFromBitmap(bm *roaring.Bitmap, n int) Bitfield {
	bits := make([]byte, (n+7)/8)
	it := bm.Iterator()
	for it.HasNext() {
		i := int(it.Next())
		if i >= n {
			break
		}
		bits[i/8] |= 1 << (7 - uint(i%8))
	}
	return Bitfield{Bits: bits}
}

// Bitmap decodes a bitfield advertised for n pieces. The byte length must be
// exactly ceil(n/8) and spare trailing bits must be clear.
func (m Bitfield) Bitmap(n int) (*roaring.Bitmap, error) {
	if want := (n + 7) / 8; len(m.Bits) != want {
		return nil, protocolErr("bitfield is %d bytes, want %d for %d pieces", len(m.Bits), want, n)
	}
	bm := roaring.New()
	for i, b := range m.Bits {
		if b == 0 {
			continue
		}
		for bit := 0; bit < 8; bit++ {
			if b&(1<<(7-uint(bit))) == 0 {
				continue
			}
			idx := i*8 + bit
			if idx >= n {
				return nil, protocolErr("bitfield sets spare bit %d", idx)
			}
			bm.Add(uint32(idx))
		}
	}
	return bm, nil
}

// Has reports whether piece i is set.
func (m Bitfield) Has(i int) bool {
	if i < 0 || i/8 >= len(m.Bits) {
		return false
	}
	return m.Bits[i/8]&(1<<(7-uint(i%8))) != 0
}
