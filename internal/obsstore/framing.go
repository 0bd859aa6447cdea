package obsstore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/rcowham/hgcore/internal/herrors"
)

// Version identifies one of the two on-disk marker framings.
type Version byte

const (
	V0 Version = 0
	V1 Version = 1
)

// parentMetaKeys are the v0 convention for carrying recorded parents inside
// the metadata blob.
var parentMetaKeys = []string{"p0", "p1", "p2"}

// EncodeV0 serialises m using the v0 framing. v0 cannot carry 32-byte
// (SHA-256) nodes.
func EncodeV0(m *Marker) ([]byte, error) {
	if m.Flags&FlagUsingSHA256 != 0 {
		return nil, herrors.ProgrammingError("obsstore: v0 framing rejects USING_SHA256 markers")
	}
	if len(m.Precursor) != 20 {
		return nil, herrors.ProgrammingError("obsstore: v0 framing requires 20-byte nodes")
	}
	meta := append([]MetaEntry(nil), m.Metadata...)
	meta = append(meta, MetaEntry{Key: "date", Value: fmt.Sprintf("%v %d", m.Date.Seconds, m.Date.TZ)})
	for i, p := range m.Parents {
		if i >= len(parentMetaKeys) {
			break
		}
		meta = append(meta, MetaEntry{Key: parentMetaKeys[i], Value: p.Hex()})
	}
	sort.SliceStable(meta, func(i, j int) bool { return meta[i].Key < meta[j].Key })

	parts := make([]string, len(meta))
	for i, e := range meta {
		parts[i] = e.Key + ":" + e.Value
	}
	metaBlob := []byte(strings.Join(parts, "\x00"))

	buf := &bytes.Buffer{}
	buf.WriteByte(byte(len(m.Successors)))
	binary.Write(buf, binary.BigEndian, uint32(len(metaBlob)))
	buf.WriteByte(byte(m.Flags))
	buf.WriteString(string(m.Precursor))
	for _, s := range m.Successors {
		buf.WriteString(string(s))
	}
	buf.Write(metaBlob)
	return buf.Bytes(), nil
}

// DecodeV0 reads one v0 marker from data, returning the marker and the
// number of bytes consumed.
func DecodeV0(data []byte) (*Marker, int, error) {
	if len(data) < 1+4+1+20 {
		return nil, 0, herrors.CorruptStore("obsstore: truncated v0 marker header")
	}
	numsuc := int(data[0])
	metasize := int(binary.BigEndian.Uint32(data[1:5]))
	flags := uint16(data[5])
	off := 6
	if len(data) < off+20 {
		return nil, 0, herrors.CorruptStore("obsstore: truncated v0 precursor")
	}
	prec := Node(data[off : off+20])
	off += 20
	need := numsuc*20 + metasize
	if len(data) < off+need {
		return nil, 0, herrors.CorruptStore("obsstore: truncated v0 marker body")
	}
	succs := make([]Node, numsuc)
	for i := 0; i < numsuc; i++ {
		succs[i] = Node(data[off : off+20])
		off += 20
	}
	metaBlob := data[off : off+metasize]
	off += metasize

	m := &Marker{Precursor: prec, Successors: succs, Flags: flags}
	if err := m.Validate(); err != nil {
		return nil, 0, herrors.CorruptStore("%v", err)
	}
	var parents []Node
	if len(metaBlob) > 0 {
		for _, kv := range strings.Split(string(metaBlob), "\x00") {
			i := strings.IndexByte(kv, ':')
			if i < 0 {
				continue
			}
			key, val := kv[:i], kv[i+1:]
			switch key {
			case "date":
				fs := strings.Fields(val)
				if len(fs) == 2 {
					secs, _ := strconv.ParseFloat(fs[0], 64)
					tz, _ := strconv.Atoi(fs[1])
					m.Date = MarkerDate{Seconds: secs, TZ: int32(tz)}
				}
			case "p0", "p1", "p2":
				n, err := NodeFromHex(val)
				if err == nil {
					parents = append(parents, n)
				}
			default:
				m.Metadata = append(m.Metadata, MetaEntry{Key: key, Value: val})
			}
		}
	}
	m.Parents = parents
	return m, off, nil
}

// EncodeV1 serialises m using the v1 framing.
func EncodeV1(m *Marker) ([]byte, error) {
	nsize := nodeSize(m.Flags)
	if len(m.Precursor) != nsize {
		return nil, herrors.ProgrammingError("obsstore: v1 node size mismatch")
	}
	body := &bytes.Buffer{}
	binary.Write(body, binary.BigEndian, m.Date.Seconds)
	binary.Write(body, binary.BigEndian, int16(m.Date.TZ/60))
	binary.Write(body, binary.BigEndian, m.Flags)
	body.WriteByte(byte(len(m.Successors)))
	numpar := byte(3)
	if m.Parents != nil {
		numpar = byte(len(m.Parents))
		if numpar > 2 {
			return nil, herrors.ProgrammingError("obsstore: v1 supports at most 2 recorded parents")
		}
	}
	body.WriteByte(numpar)
	meta := append([]MetaEntry(nil), m.Metadata...)
	sort.SliceStable(meta, func(i, j int) bool { return meta[i].Key < meta[j].Key })
	body.WriteByte(byte(len(meta)))
	body.WriteString(string(m.Precursor))
	for _, s := range m.Successors {
		if len(s) != nsize {
			return nil, herrors.ProgrammingError("obsstore: v1 successor node size mismatch")
		}
		body.WriteString(string(s))
	}
	if numpar != 3 {
		for _, p := range m.Parents {
			body.WriteString(string(p))
		}
	}
	for _, e := range meta {
		if len(e.Key) > 255 || len(e.Value) > 255 {
			return nil, herrors.ProgrammingError("obsstore: v1 metadata key/value too long")
		}
		body.WriteByte(byte(len(e.Key)))
		body.WriteByte(byte(len(e.Value)))
	}
	for _, e := range meta {
		body.WriteString(e.Key)
		body.WriteString(e.Value)
	}

	out := &bytes.Buffer{}
	binary.Write(out, binary.BigEndian, uint32(body.Len()))
	out.Write(body.Bytes())
	return out.Bytes(), nil
}

// DecodeV1 reads one v1 marker (including its own length prefix) from
// data, returning the marker and the number of bytes consumed.
func DecodeV1(data []byte) (*Marker, int, error) {
	if len(data) < 4 {
		return nil, 0, herrors.CorruptStore("obsstore: truncated v1 length prefix")
	}
	size := int(binary.BigEndian.Uint32(data[0:4]))
	if len(data) < 4+size {
		return nil, 0, herrors.CorruptStore("obsstore: truncated v1 marker body")
	}
	body := data[4 : 4+size]
	total := 4 + size

	if len(body) < 8+2+2+1+1+1 {
		return nil, 0, herrors.CorruptStore("obsstore: v1 marker body too short")
	}
	secs := math.Float64frombits(binary.BigEndian.Uint64(body[0:8]))
	tzMinutes := int16(binary.BigEndian.Uint16(body[8:10]))
	flags := binary.BigEndian.Uint16(body[10:12])
	numsuc := int(body[12])
	numpar := int(body[13])
	nummeta := int(body[14])
	off := 15

	nsize := nodeSize(flags)
	if len(body) < off+nsize {
		return nil, 0, herrors.CorruptStore("obsstore: truncated v1 precursor")
	}
	prec := Node(body[off : off+nsize])
	off += nsize

	if len(body) < off+numsuc*nsize {
		return nil, 0, herrors.CorruptStore("obsstore: truncated v1 successors")
	}
	succs := make([]Node, numsuc)
	for i := 0; i < numsuc; i++ {
		succs[i] = Node(body[off : off+nsize])
		off += nsize
	}

	var parents []Node
	if numpar != 3 {
		if len(body) < off+numpar*nsize {
			return nil, 0, herrors.CorruptStore("obsstore: truncated v1 parents")
		}
		parents = make([]Node, numpar)
		for i := 0; i < numpar; i++ {
			parents[i] = Node(body[off : off+nsize])
			off += nsize
		}
	}

	type kvlen struct{ k, v int }
	lens := make([]kvlen, nummeta)
	for i := 0; i < nummeta; i++ {
		if len(body) < off+2 {
			return nil, 0, herrors.CorruptStore("obsstore: truncated v1 metadata length table")
		}
		lens[i] = kvlen{int(body[off]), int(body[off+1])}
		off += 2
	}
	meta := make([]MetaEntry, nummeta)
	for i, l := range lens {
		if len(body) < off+l.k+l.v {
			return nil, 0, herrors.CorruptStore("obsstore: truncated v1 metadata bytes")
		}
		meta[i] = MetaEntry{Key: string(body[off : off+l.k]), Value: string(body[off+l.k : off+l.k+l.v])}
		off += l.k + l.v
	}

	m := &Marker{
		Precursor:  prec,
		Successors: succs,
		Flags:      flags,
		Metadata:   meta,
		Date:       MarkerDate{Seconds: secs, TZ: int32(tzMinutes) * 60},
		Parents:    parents,
	}
	if err := m.Validate(); err != nil {
		return nil, 0, herrors.CorruptStore("%v", err)
	}
	return m, total, nil
}

// DecodeStream parses a version-headered stream (a leading 1-byte version
// followed by markers in that version's framing) per §4.2 and §6's pushkey
// format (minus the base85/chunking, which is handled by the caller).
// Decoding stops, without error, at the first incomplete trailing record:
// the obsstore must remain loadable when corruption lives in an unread
// suffix.
func DecodeStream(data []byte) (Version, []*Marker, error) {
	if len(data) == 0 {
		return V1, nil, nil
	}
	version := Version(data[0])
	if version != V0 && version != V1 {
		return 0, nil, herrors.CorruptStore("obsstore: unknown version byte %d", data[0])
	}
	rest := data[1:]
	var markers []*Marker
	for len(rest) > 0 {
		var (
			m   *Marker
			n   int
			err error
		)
		if version == V0 {
			m, n, err = DecodeV0(rest)
		} else {
			m, n, err = DecodeV1(rest)
		}
		if err != nil {
			// Incomplete/corrupt trailing record: stop silently, keep what
			// decoded so far.
			break
		}
		markers = append(markers, m)
		rest = rest[n:]
	}
	return version, markers, nil
}

// Encode serialises m using the given version's framing (without a version
// header byte).
func Encode(version Version, m *Marker) ([]byte, error) {
	if version == V0 {
		return EncodeV0(m)
	}
	return EncodeV1(m)
}
