package obsstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func sampleMarker() *Marker {
	return &Marker{
		Precursor:  node(1),
		Successors: []Node{node(2), node(3)},
		Flags:      0,
		Metadata:   []MetaEntry{{Key: "operation", Value: "amend"}, {Key: "user", Value: "alice"}},
		Date:       MarkerDate{Seconds: 1577836800, TZ: -3600},
		Parents:    []Node{node(9)},
	}
}

func TestEncodeDecodeV0RoundTrip(t *testing.T) {
	m := sampleMarker()
	enc, err := EncodeV0(m)
	assert.NoError(t, err)
	dec, n, err := DecodeV0(enc)
	assert.NoError(t, err)
	assert.Equal(t, len(enc), n)
	assert.Equal(t, m.Precursor, dec.Precursor)
	assert.Equal(t, m.Successors, dec.Successors)
	assert.Equal(t, m.Date.Seconds, dec.Date.Seconds)
	assert.Equal(t, m.Date.TZ, dec.Date.TZ)
	assert.Equal(t, m.Parents, dec.Parents)
	assert.Equal(t, "alice", dec.MetaMap()["user"])
}

func TestEncodeV0RejectsSHA256(t *testing.T) {
	m := sampleMarker()
	m.Flags = FlagUsingSHA256
	_, err := EncodeV0(m)
	assert.Error(t, err)
}

func TestEncodeDecodeV1RoundTrip(t *testing.T) {
	m := sampleMarker()
	enc, err := EncodeV1(m)
	assert.NoError(t, err)
	dec, n, err := DecodeV1(enc)
	assert.NoError(t, err)
	assert.Equal(t, len(enc), n)
	assert.Equal(t, m.Precursor, dec.Precursor)
	assert.Equal(t, m.Successors, dec.Successors)
	assert.Equal(t, m.Date.Seconds, dec.Date.Seconds)
	assert.Equal(t, m.Date.TZ, dec.Date.TZ)
	assert.Equal(t, m.Parents, dec.Parents)
	assert.ElementsMatch(t, m.Metadata, dec.Metadata)
}

func TestEncodeDecodeV1PruneMarkerNoParents(t *testing.T) {
	m := &Marker{Precursor: node(1), Date: MarkerDate{Seconds: 1, TZ: 0}}
	enc, err := EncodeV1(m)
	assert.NoError(t, err)
	dec, _, err := DecodeV1(enc)
	assert.NoError(t, err)
	assert.True(t, dec.IsPruneMarker())
	assert.Nil(t, dec.Parents, "numpar sentinel 3 means parents not recorded")
}

func TestDecodeStreamStopsSilentlyAtTruncatedTrailer(t *testing.T) {
	m1 := &Marker{Precursor: node(1), Successors: []Node{node(2)}, Date: MarkerDate{Seconds: 1}}
	enc1, err := EncodeV1(m1)
	assert.NoError(t, err)

	stream := append([]byte{byte(V1)}, enc1...)
	stream = append(stream, []byte{0, 0, 0, 200, 1, 2, 3}...) // bogus oversized trailing length prefix

	version, markers, err := DecodeStream(stream)
	assert.NoError(t, err)
	assert.Equal(t, V1, version)
	assert.Len(t, markers, 1)
}

func TestDecodeStreamEmptyInput(t *testing.T) {
	version, markers, err := DecodeStream(nil)
	assert.NoError(t, err)
	assert.Equal(t, V1, version)
	assert.Nil(t, markers)
}

func TestDecodeStreamRejectsUnknownVersionByte(t *testing.T) {
	_, _, err := DecodeStream([]byte{0xFE, 1, 2, 3})
	assert.Error(t, err)
}

func TestEncodeDispatchesOnVersion(t *testing.T) {
	m := sampleMarker()
	encV0, err := Encode(V0, m)
	assert.NoError(t, err)
	direct, _ := EncodeV0(m)
	assert.Equal(t, direct, encV0)
}
