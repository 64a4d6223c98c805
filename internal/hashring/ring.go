// Package hashring models the partition of the 128-bit hash space across
// storage nodes. A Ring is mutated only by the coordinator; every other
// holder treats it as an immutable snapshot.
package hashring

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
)

var (
	// ErrNodeExists is returned when adding an address (or hash) already on the ring.
	ErrNodeExists = errors.New("node already on ring")
	// ErrNodeNotFound is returned when an address is not on the ring.
	ErrNodeNotFound = errors.New("node not on ring")
	// ErrEmptyRing is returned by lookups on a ring with no nodes.
	ErrEmptyRing = errors.New("ring is empty")
	// ErrInvalidRange is returned when a range cannot be moved between two nodes.
	ErrInvalidRange = errors.New("invalid range")
)

// DefaultReplicaFactor is the number of predecessors treated as replica holders.
const DefaultReplicaFactor = 2

// Entry is one node's position and owned arc.
type Entry struct {
	ID    string
	Host  string
	Port  int
	Hash  Hash
	Range Range
}

// Handoff names the node giving up an arc and the node taking it over.
// Donor is empty when the ring was empty before a join.
type Handoff struct {
	Donor    string
	Receiver string
	Range    Range
}

// Ring is the ordered partition. Entries are sorted ascending by node hash,
// arcs follow that order and every arc contains its node's own hash.
type Ring struct {
	entries []Entry
}

// New returns an empty ring.
func New() *Ring {
	return &Ring{}
}

// NodeID formats the identity of a node.
func NodeID(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Len returns the number of nodes.
func (r *Ring) Len() int {
	return len(r.entries)
}

// Entries returns a copy of the entries in ring order.
func (r *Ring) Entries() []Entry {
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Entry looks up a node by id.
func (r *Ring) Entry(id string) (Entry, bool) {
	if i := r.indexOf(id); i >= 0 {
		return r.entries[i], true
	}
	return Entry{}, false
}

// Clone returns a deep copy that can be mutated independently.
func (r *Ring) Clone() *Ring {
	return &Ring{entries: r.Entries()}
}

func (r *Ring) indexOf(id string) int {
	for i, e := range r.entries {
		if e.ID == id {
			return i
		}
	}
	return -1
}

func (r *Ring) wrap(i int) int {
	n := len(r.entries)
	return ((i % n) + n) % n
}

// AddServer places host:port on the ring and carves its arc out of the
// node currently owning the new hash. The returned handoff names that donor
// and the carved arc.
func (r *Ring) AddServer(host string, port int) (Handoff, error) {
	id := NodeID(host, port)
	h := HashOf(id)
	for _, e := range r.entries {
		if e.ID == id || e.Hash == h {
			return Handoff{}, fmt.Errorf("%w: %s", ErrNodeExists, id)
		}
	}

	entry := Entry{ID: id, Host: host, Port: port, Hash: h}
	if len(r.entries) == 0 {
		entry.Range = FullRange(h)
		r.entries = append(r.entries, entry)
		return Handoff{Receiver: id, Range: entry.Range}, nil
	}

	pos := sort.Search(len(r.entries), func(i int) bool {
		return h.Less(r.entries[i].Hash)
	})
	succ := r.wrap(pos)
	pred := r.wrap(pos - 1)

	var donor string
	if r.entries[succ].Range.Contains(h) {
		// Common case: the successor owns everything between its predecessor and itself.
		entry.Range = Range{Start: r.entries[succ].Range.Start, End: h}
		r.entries[succ].Range.Start = h.Next()
		donor = r.entries[succ].ID
	} else {
		// The predecessor's arc was stretched past its own hash by a range move.
		entry.Range = Range{Start: h, End: r.entries[pred].Range.End}
		r.entries[pred].Range.End = h.Prev()
		donor = r.entries[pred].ID
	}

	r.entries = append(r.entries, Entry{})
	copy(r.entries[pos+1:], r.entries[pos:])
	r.entries[pos] = entry

	return Handoff{Donor: donor, Receiver: id, Range: entry.Range}, nil
}

// RemoveServer takes host:port off the ring and hands the vacated arc to a
// neighbour. It returns nil when the last node was removed.
//
// An arc that ends at the node's own hash goes to the successor. An arc that
// runs past it was carved from a predecessor stretched by MoveRange, so it
// goes back to that predecessor and AddServer stays invertible.
func (r *Ring) RemoveServer(host string, port int) (*Handoff, error) {
	id := NodeID(host, port)
	i := r.indexOf(id)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}

	removed := r.entries[i]
	if len(r.entries) == 1 {
		r.entries = nil
		return nil, nil
	}

	var handoff *Handoff
	if removed.Range.End == removed.Hash {
		succ := r.wrap(i + 1)
		r.entries[succ].Range.Start = removed.Range.Start
		handoff = &Handoff{Donor: id, Receiver: r.entries[succ].ID, Range: removed.Range}
	} else {
		pred := r.wrap(i - 1)
		r.entries[pred].Range.End = removed.Range.End
		handoff = &Handoff{Donor: id, Receiver: r.entries[pred].ID, Range: removed.Range}
	}

	r.entries = append(r.entries[:i], r.entries[i+1:]...)
	return handoff, nil
}

// FindServer returns the id of the node responsible for key.
func (r *Ring) FindServer(key string) (string, error) {
	e, err := r.FindByHash(HashOf(key))
	if err != nil {
		return "", err
	}
	return e.ID, nil
}

// FindByHash returns the entry whose arc contains h.
func (r *Ring) FindByHash(h Hash) (Entry, error) {
	if len(r.entries) == 0 {
		return Entry{}, ErrEmptyRing
	}
	for _, e := range r.entries {
		if e.Range.Contains(h) {
			return e, nil
		}
	}
	// Unreachable while the partition invariant holds.
	return Entry{}, fmt.Errorf("no owner for hash %s", h)
}

// GetNthSuccessor walks n positions clockwise from id; negative n walks
// toward predecessors.
func (r *Ring) GetNthSuccessor(id string, n int) (Entry, error) {
	i := r.indexOf(id)
	if i < 0 {
		return Entry{}, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	return r.entries[r.wrap(i+n)], nil
}

// Replicas returns up to k distinct predecessors of id, nearest first.
func (r *Ring) Replicas(id string, k int) []Entry {
	i := r.indexOf(id)
	if i < 0 {
		return nil
	}
	var out []Entry
	for step := 1; step <= k && step < len(r.entries); step++ {
		out = append(out, r.entries[r.wrap(i-step)])
	}
	return out
}

// IsReplicaOf reports whether id owns key or is one of the owner's k replicas.
func (r *Ring) IsReplicaOf(id, key string, k int) bool {
	owner, err := r.FindByHash(HashOf(key))
	if err != nil {
		return false
	}
	if owner.ID == id {
		return true
	}
	for _, rep := range r.Replicas(owner.ID, k) {
		if rep.ID == id {
			return true
		}
	}
	return false
}

// MoveRange shifts the boundary between two adjacent nodes so that rng moves
// from donor to receiver. rng must be the edge of the donor's arc that
// touches the receiver and must not include the donor's own hash.
func (r *Ring) MoveRange(donorID, receiverID string, rng Range) error {
	d := r.indexOf(donorID)
	if d < 0 {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, donorID)
	}
	v := r.indexOf(receiverID)
	if v < 0 {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, receiverID)
	}
	if d == v {
		return fmt.Errorf("%w: donor and receiver are the same node", ErrInvalidRange)
	}

	donor := &r.entries[d]
	receiver := &r.entries[v]
	if rng.IsFull() || !donor.Range.Covers(rng) {
		return fmt.Errorf("%w: %s is not inside %s's range", ErrInvalidRange, rng, donorID)
	}
	if rng.Contains(donor.Hash) {
		return fmt.Errorf("%w: %s would take %s's own position", ErrInvalidRange, rng, donorID)
	}

	switch {
	case r.wrap(d-1) == v && rng.Start == donor.Range.Start:
		receiver.Range.End = rng.End
		donor.Range.Start = rng.End.Next()
	case r.wrap(d+1) == v && rng.End == donor.Range.End:
		receiver.Range.Start = rng.Start
		donor.Range.End = rng.Start.Prev()
	default:
		return fmt.Errorf("%w: %s does not border %s on the ring", ErrInvalidRange, rng, receiverID)
	}
	return nil
}

// Validate checks the partition invariant: sorted distinct hashes, arcs that
// contain their own hash and chain without gaps or overlap.
func (r *Ring) Validate() error {
	n := len(r.entries)
	if n == 0 {
		return nil
	}
	if n == 1 {
		if !r.entries[0].Range.IsFull() {
			return fmt.Errorf("single node %s does not own the whole ring", r.entries[0].ID)
		}
		return nil
	}
	for i, e := range r.entries {
		if i > 0 && !r.entries[i-1].Hash.Less(e.Hash) {
			return fmt.Errorf("entries not sorted at %s", e.ID)
		}
		if !e.Range.Contains(e.Hash) {
			return fmt.Errorf("range of %s does not contain its hash", e.ID)
		}
		prev := r.entries[r.wrap(i-1)]
		if e.Range.Start != prev.Range.End.Next() {
			return fmt.Errorf("gap or overlap between %s and %s", prev.ID, e.ID)
		}
	}
	return nil
}

// String renders the ring as "start,end,host:port;" tuples in hash order.
func (r *Ring) String() string {
	var b strings.Builder
	for _, e := range r.entries {
		b.WriteString(e.Range.Start.String())
		b.WriteByte(',')
		b.WriteString(e.Range.End.String())
		b.WriteByte(',')
		b.WriteString(e.ID)
		b.WriteByte(';')
	}
	return b.String()
}

// Parse rebuilds a ring from its String form and validates it.
func Parse(s string) (*Ring, error) {
	ring := New()
	for _, tuple := range strings.Split(strings.TrimSpace(s), ";") {
		if tuple == "" {
			continue
		}
		parts := strings.SplitN(tuple, ",", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid ring tuple %q", tuple)
		}
		rng, err := ParseRange(parts[0] + "," + parts[1])
		if err != nil {
			return nil, err
		}
		host, portStr, err := net.SplitHostPort(parts[2])
		if err != nil {
			return nil, fmt.Errorf("invalid node address %q: %w", parts[2], err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid node port %q: %w", parts[2], err)
		}
		id := NodeID(host, port)
		ring.entries = append(ring.entries, Entry{ID: id, Host: host, Port: port, Hash: HashOf(id), Range: rng})
	}
	sort.Slice(ring.entries, func(i, j int) bool {
		return ring.entries[i].Hash.Less(ring.entries[j].Hash)
	})
	if err := ring.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ring: %w", err)
	}
	return ring, nil
}
