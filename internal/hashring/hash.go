package hashring

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/bits"
	"strings"
)

// Hash is a position on the 128-bit ring. Arithmetic wraps modulo 2^128.
type Hash struct {
	Hi uint64
	Lo uint64
}

// MaxHash is the last position on the ring.
var MaxHash = Hash{Hi: ^uint64(0), Lo: ^uint64(0)}

// HashOf digests an identifier (a node address or a key) onto the ring.
func HashOf(id string) Hash {
	sum := md5.Sum([]byte(id))
	return Hash{
		Hi: binary.BigEndian.Uint64(sum[:8]),
		Lo: binary.BigEndian.Uint64(sum[8:]),
	}
}

// Cmp returns -1, 0 or +1 comparing h and o as unsigned integers.
func (h Hash) Cmp(o Hash) int {
	switch {
	case h.Hi < o.Hi:
		return -1
	case h.Hi > o.Hi:
		return 1
	case h.Lo < o.Lo:
		return -1
	case h.Lo > o.Lo:
		return 1
	}
	return 0
}

// Less reports whether h < o.
func (h Hash) Less(o Hash) bool {
	return h.Cmp(o) < 0
}

// Next returns h+1, wrapping from MaxHash to zero.
func (h Hash) Next() Hash {
	lo, carry := bits.Add64(h.Lo, 1, 0)
	hi, _ := bits.Add64(h.Hi, 0, carry)
	return Hash{Hi: hi, Lo: lo}
}

// Prev returns h-1, wrapping from zero to MaxHash.
func (h Hash) Prev() Hash {
	lo, borrow := bits.Sub64(h.Lo, 1, 0)
	hi, _ := bits.Sub64(h.Hi, 0, borrow)
	return Hash{Hi: hi, Lo: lo}
}

// Distance returns the clockwise distance from o to h, i.e. h-o mod 2^128.
func (h Hash) Distance(o Hash) Hash {
	lo, borrow := bits.Sub64(h.Lo, o.Lo, 0)
	hi, _ := bits.Sub64(h.Hi, o.Hi, borrow)
	return Hash{Hi: hi, Lo: lo}
}

// String renders the hash as 32 lowercase hex digits.
func (h Hash) String() string {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], h.Hi)
	binary.BigEndian.PutUint64(buf[8:], h.Lo)
	return hex.EncodeToString(buf[:])
}

// ParseHash parses 1 to 32 hex digits. Shorter inputs are left-padded.
func ParseHash(s string) (Hash, error) {
	s = strings.TrimSpace(s)
	if s == "" || len(s) > 32 {
		return Hash{}, fmt.Errorf("invalid hash %q: expected 1-32 hex digits", s)
	}
	padded := strings.Repeat("0", 32-len(s)) + strings.ToLower(s)
	raw, err := hex.DecodeString(padded)
	if err != nil {
		return Hash{}, fmt.Errorf("invalid hash %q: %w", s, err)
	}
	return Hash{
		Hi: binary.BigEndian.Uint64(raw[:8]),
		Lo: binary.BigEndian.Uint64(raw[8:]),
	}, nil
}
