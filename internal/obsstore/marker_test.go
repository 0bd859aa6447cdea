package obsstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func node(b byte) Node {
	buf := make([]byte, 20)
	buf[19] = b
	return Node(buf)
}

func TestNodeHexRoundTrip(t *testing.T) {
	n := node(0xAB)
	hex := n.Hex()
	back, err := NodeFromHex(hex)
	assert.NoError(t, err)
	assert.Equal(t, n, back)
}

func TestNullNodeIsNull(t *testing.T) {
	assert.True(t, NullNode.IsNull())
	assert.False(t, node(1).IsNull())
}

func TestValidateRejectsPrecursorInSuccessors(t *testing.T) {
	prec := node(1)
	m := &Marker{Precursor: prec, Successors: []Node{node(2), prec}}
	assert.Error(t, m.Validate())
}

func TestValidateRejectsNullSuccessor(t *testing.T) {
	m := &Marker{Precursor: node(1), Successors: []Node{NullNode}}
	assert.Error(t, m.Validate())
}

func TestValidateAcceptsWellFormedMarker(t *testing.T) {
	m := &Marker{Precursor: node(1), Successors: []Node{node(2), node(3)}}
	assert.NoError(t, m.Validate())
}

func TestIsPruneMarker(t *testing.T) {
	assert.True(t, (&Marker{Precursor: node(1)}).IsPruneMarker())
	assert.False(t, (&Marker{Precursor: node(1), Successors: []Node{node(2)}}).IsPruneMarker())
}

func TestKeyIgnoresMetadataAndDate(t *testing.T) {
	a := &Marker{Precursor: node(1), Successors: []Node{node(2)}, Metadata: []MetaEntry{{Key: "a", Value: "1"}}}
	b := &Marker{Precursor: node(1), Successors: []Node{node(2)}, Date: MarkerDate{Seconds: 99}}
	assert.Equal(t, a.key(), b.key())
}

func TestKeyDiffersOnFlags(t *testing.T) {
	a := &Marker{Precursor: node(1), Successors: []Node{node(2)}, Flags: 0}
	b := &Marker{Precursor: node(1), Successors: []Node{node(2)}, Flags: FlagBumpedFix}
	assert.NotEqual(t, a.key(), b.key())
}

func TestMetaMapAndSort(t *testing.T) {
	m := &Marker{Metadata: []MetaEntry{{Key: "z", Value: "1"}, {Key: "a", Value: "2"}}}
	m.sortMetadata()
	assert.Equal(t, "a", m.Metadata[0].Key)
	mm := m.MetaMap()
	assert.Equal(t, "2", mm["a"])
	assert.Equal(t, "1", mm["z"])
}
