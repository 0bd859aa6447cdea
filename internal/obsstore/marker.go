// Package obsstore implements the append-only obsolescence-marker log and
// its three derived indices, grounded on mercurial/obsolete.py and adapted
// to the teacher's typed-record, io.Writer-based journal idiom
// (journal/journal.go).
package obsstore

import (
	"encoding/hex"
	"fmt"
	"sort"
)

// Node is an opaque content-hash identifier, 20 bytes (SHA-1) or 32 bytes
// (SHA-256, when FlagUsingSHA256 is set on the owning marker).
type Node string

// NullNode is the distinguished "no such commit" value at the default
// (20-byte) node size.
var NullNode = Node(make([]byte, 20))

func (n Node) IsNull() bool {
	for _, b := range []byte(n) {
		if b != 0 {
			return false
		}
	}
	return true
}

func (n Node) Hex() string { return hex.EncodeToString([]byte(n)) }

func NodeFromHex(s string) (Node, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return "", err
	}
	return Node(b), nil
}

// Flag bits, per spec §3.
const (
	FlagBumpedFix   uint16 = 1
	FlagUsingSHA256 uint16 = 2
)

func nodeSize(flags uint16) int {
	if flags&FlagUsingSHA256 != 0 {
		return 32
	}
	return 20
}

// MetaEntry is one ordered (key, value) pair of marker metadata.
type MetaEntry struct {
	Key   string
	Value string
}

// MarkerDate is the (seconds, tz-offset-seconds) pair recorded with a
// marker.
type MarkerDate struct {
	Seconds float64
	TZ      int32 // offset in seconds
}

// Marker is one obsolescence-marker tuple.
type Marker struct {
	Precursor  Node
	Successors []Node
	Flags      uint16
	Metadata   []MetaEntry
	Date       MarkerDate
	// Parents is nil when "not recorded"; an empty-but-non-nil slice means
	// "recorded as having no parents".
	Parents []Node
}

// MetaMap returns Metadata as a map for convenience lookups. Order is lost;
// use Metadata directly when order matters.
func (m *Marker) MetaMap() map[string]string {
	out := make(map[string]string, len(m.Metadata))
	for _, e := range m.Metadata {
		out[e.Key] = e.Value
	}
	return out
}

func (m *Marker) sortMetadata() {
	sort.SliceStable(m.Metadata, func(i, j int) bool { return m.Metadata[i].Key < m.Metadata[j].Key })
}

// Validate checks the tuple invariants from spec §3: the precursor must not
// appear among its own successors, and NULL_NODE must not appear among the
// successors.
func (m *Marker) Validate() error {
	for _, s := range m.Successors {
		if s == m.Precursor {
			return fmt.Errorf("obsstore: precursor %s appears in its own successors", m.Precursor.Hex())
		}
		if s.IsNull() {
			return fmt.Errorf("obsstore: NULL_NODE in successors of %s", m.Precursor.Hex())
		}
	}
	return nil
}

// key returns a value suitable for marker-equality dedup comparisons: two
// markers are the same for Add's purposes when precursor, successors (in
// order), and flags match, matching the source's practice of deduping by
// (prec, succs, flags) regardless of metadata/date/parents churn.
func (m *Marker) key() string {
	b := make([]byte, 0, 64)
	b = append(b, []byte(m.Precursor)...)
	for _, s := range m.Successors {
		b = append(b, []byte(s)...)
	}
	b = append(b, byte(m.Flags), byte(m.Flags>>8))
	return string(b)
}

// IsPruneMarker reports whether m has no successors ("the precursor has
// been deleted").
func (m *Marker) IsPruneMarker() bool { return len(m.Successors) == 0 }
