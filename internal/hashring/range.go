package hashring

import (
	"fmt"
	"strings"
)

// Range is a contiguous arc of the ring. Both Start and End are owned, so a
// node whose predecessor sits at p and whose arc ends at e owns [p+1, e].
// The arc wraps through zero when Start > End. Start == End+1 is the whole ring.
type Range struct {
	Start Hash
	End   Hash
}

// FullRange is the whole ring as owned by a lone node whose hash is own.
func FullRange(own Hash) Range {
	return Range{Start: own.Next(), End: own}
}

// IsFull reports whether r spans the entire hash space.
func (r Range) IsFull() bool {
	return r.Start == r.End.Next()
}

// Contains reports whether h lies on the arc.
func (r Range) Contains(h Hash) bool {
	if r.IsFull() {
		return true
	}
	if r.Start.Cmp(r.End) <= 0 {
		return r.Start.Cmp(h) <= 0 && h.Cmp(r.End) <= 0
	}
	return r.Start.Cmp(h) <= 0 || h.Cmp(r.End) <= 0
}

// Covers reports whether sub is entirely inside r, following r's direction.
func (r Range) Covers(sub Range) bool {
	if r.IsFull() {
		return true
	}
	if sub.IsFull() {
		return false
	}
	startOff := sub.Start.Distance(r.Start)
	endOff := sub.End.Distance(r.Start)
	limit := r.End.Distance(r.Start)
	return startOff.Cmp(endOff) <= 0 && endOff.Cmp(limit) <= 0
}

// String renders "start,end" in hex.
func (r Range) String() string {
	return r.Start.String() + "," + r.End.String()
}

// ParseRange is the inverse of String.
func ParseRange(s string) (Range, error) {
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) != 2 {
		return Range{}, fmt.Errorf("invalid range %q: expected start,end", s)
	}
	start, err := ParseHash(parts[0])
	if err != nil {
		return Range{}, err
	}
	end, err := ParseHash(parts[1])
	if err != nil {
		return Range{}, err
	}
	return Range{Start: start, End: end}, nil
}
