package obsstore

import (
	"testing"

	"github.com/rcowham/hgcore/internal/txn"
	"github.com/rcowham/hgcore/internal/vfs"
	"github.com/stretchr/testify/assert"
)

func beginTxn(t *testing.T, opener vfs.Opener) *txn.Transaction {
	tx, err := txn.Begin(opener, "journal", nil, nil, nil)
	assert.NoError(t, err)
	return tx
}

// TestStoreRoundTrip is scenario S1: add two markers across one store,
// close, reload, and check the derived indices and on-disk size.
func TestStoreRoundTrip(t *testing.T) {
	opener := vfs.NewDisk(t.TempDir())
	A, B, C, D, Ap := node(1), node(2), node(3), node(4), node(5)

	store := Create(opener, "", V1, false)
	tx := beginTxn(t, opener)
	m1 := &Marker{Precursor: A, Successors: []Node{B}, Date: MarkerDate{Seconds: 1000}}
	m2 := &Marker{Precursor: B, Successors: []Node{C, D}, Metadata: []MetaEntry{{Key: "user", Value: "u"}}, Date: MarkerDate{Seconds: 1001, TZ: -120}, Parents: []Node{Ap}}
	n, err := store.Add(tx, []*Marker{m1, m2}, nil)
	assert.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, tx.Close())

	reloaded, err := Load(opener, StoreFile, V1, false)
	assert.NoError(t, err)
	assert.Len(t, reloaded.successors[A], 1)
	assert.Len(t, reloaded.successors[B], 1)
	assert.Len(t, reloaded.precursors[C], 1)
	assert.Len(t, reloaded.precursors[D], 1)
	assert.Len(t, reloaded.children[Ap], 1)

	data, err := opener.Read(StoreFile)
	assert.NoError(t, err)
	enc1, _ := Encode(V1, m1)
	enc2, _ := Encode(V1, m2)
	assert.GreaterOrEqual(t, len(data), 1+len(enc1)+len(enc2))
}

func TestAddDedupsIdenticalMarkers(t *testing.T) {
	opener := vfs.NewDisk(t.TempDir())
	store := Create(opener, "", V1, false)
	tx := beginTxn(t, opener)
	m := &Marker{Precursor: node(1), Successors: []Node{node(2)}}
	n, err := store.Add(tx, []*Marker{m, m}, nil)
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoError(t, tx.Close())
}

func TestAddOnReadOnlyStoreFails(t *testing.T) {
	opener := vfs.NewDisk(t.TempDir())
	store := Create(opener, "", V1, true)
	tx := beginTxn(t, opener)
	defer tx.Close()
	_, err := store.Add(tx, []*Marker{{Precursor: node(1), Successors: []Node{node(2)}}}, nil)
	assert.Error(t, err)
}

// TestSuccessorSetsSplitAndPrune is scenario S2: A->(B,C) via one marker,
// B pruned by a separate marker. successorssets(A) == [(C,)].
func TestSuccessorSetsSplitAndPrune(t *testing.T) {
	opener := vfs.NewDisk(t.TempDir())
	store := Create(opener, "", V1, false)
	tx := beginTxn(t, opener)
	A, B, C := node(1), node(2), node(3)
	_, err := store.Add(tx, []*Marker{
		{Precursor: A, Successors: []Node{B, C}},
		{Precursor: B}, // prune marker
	}, nil)
	assert.NoError(t, err)
	assert.NoError(t, tx.Close())

	result := store.SuccessorSets(A, nil, nil)
	assert.Len(t, result, 1)
	assert.Equal(t, []Node{C}, result[0])
}

// TestSuccessorSetsDivergence is scenario S2': two separate single-successor
// markers from A produce a 2-element antichain.
func TestSuccessorSetsDivergence(t *testing.T) {
	opener := vfs.NewDisk(t.TempDir())
	store := Create(opener, "", V1, false)
	tx := beginTxn(t, opener)
	A, B, C := node(1), node(2), node(3)
	_, err := store.Add(tx, []*Marker{
		{Precursor: A, Successors: []Node{B}},
		{Precursor: A, Successors: []Node{C}},
	}, nil)
	assert.NoError(t, err)
	assert.NoError(t, tx.Close())

	result := store.SuccessorSets(A, nil, nil)
	assert.Len(t, result, 2)
	assert.Contains(t, result, []Node{B})
	assert.Contains(t, result, []Node{C})
}

func TestSuccessorSetsLeafIsItself(t *testing.T) {
	opener := vfs.NewDisk(t.TempDir())
	store := Create(opener, "", V1, false)
	A := node(1)
	result := store.SuccessorSets(A, nil, nil)
	assert.Equal(t, [][]Node{{A}}, result)
}

func TestRelevantMarkersWalksPrecursorsAndPrunes(t *testing.T) {
	opener := vfs.NewDisk(t.TempDir())
	store := Create(opener, "", V1, false)
	tx := beginTxn(t, opener)
	A, B := node(1), node(2)
	markerAB := &Marker{Precursor: A, Successors: []Node{B}}
	markerBPrune := &Marker{Precursor: B}
	_, err := store.Add(tx, []*Marker{markerAB, markerBPrune}, nil)
	assert.NoError(t, err)
	assert.NoError(t, tx.Close())

	relevant := store.RelevantMarkers([]Node{B})
	assert.Len(t, relevant, 2) // A->B and the prune of B
}
