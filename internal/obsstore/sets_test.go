package obsstore

import (
	"testing"

	"github.com/rcowham/hgcore/internal/vfs"
	"github.com/stretchr/testify/assert"
)

// fakeChangelog is a tiny in-test stand-in for a dense rev graph, avoiding a
// dependency on the real internal/changelog package (which itself imports
// obsstore for Node).
type fakeChangelog struct {
	nodes    []Node
	parents  [][2]int
	filtered map[int]bool
	public   map[int]bool
}

func newFakeChangelog() *fakeChangelog {
	return &fakeChangelog{filtered: map[int]bool{}, public: map[int]bool{}}
}

func (f *fakeChangelog) add(n Node, p1, p2 int) int {
	f.nodes = append(f.nodes, n)
	f.parents = append(f.parents, [2]int{p1, p2})
	return len(f.nodes) - 1
}

func (f *fakeChangelog) Len() int               { return len(f.nodes) }
func (f *fakeChangelog) Node(rev int) Node      { return f.nodes[rev] }
func (f *fakeChangelog) Rev(n Node) int {
	for r, x := range f.nodes {
		if x == n {
			return r
		}
	}
	return -1
}
func (f *fakeChangelog) ParentRevs(rev int) (int, int) { return f.parents[rev][0], f.parents[rev][1] }
func (f *fakeChangelog) FilteredRevs() map[int]bool    { return f.filtered }
func (f *fakeChangelog) IsPublic(rev int) bool         { return f.public[rev] }

func addMarker(t *testing.T, store *Store, opener vfs.Opener, m *Marker) {
	tx := beginTxn(t, opener)
	_, err := store.Add(tx, []*Marker{m}, nil)
	assert.NoError(t, err)
	assert.NoError(t, tx.Close())
}

func TestObsoleteAndUnstableSets(t *testing.T) {
	opener := vfs.NewDisk(t.TempDir())
	store := Create(opener, "", V1, false)
	cl := newFakeChangelog()
	A, B, C := node(1), node(2), node(3)
	revA := cl.add(A, -1, -1)
	revB := cl.add(B, revA, -1)
	_ = revB

	addMarker(t, store, opener, &Marker{Precursor: A, Successors: []Node{C}})

	obsolete := store.Obsolete(cl, cl)
	assert.Contains(t, obsolete, revA)

	unstable := store.Unstable(cl, cl)
	assert.Contains(t, unstable, revB, "B's parent A is obsolete, so B is unstable")
}

func TestPublicRevisionsAreNeverObsolete(t *testing.T) {
	opener := vfs.NewDisk(t.TempDir())
	store := Create(opener, "", V1, false)
	cl := newFakeChangelog()
	A, C := node(1), node(2)
	revA := cl.add(A, -1, -1)
	cl.public[revA] = true

	addMarker(t, store, opener, &Marker{Precursor: A, Successors: []Node{C}})

	assert.NotContains(t, store.Obsolete(cl, cl), revA)
}

func TestExtinctVsSuspended(t *testing.T) {
	opener := vfs.NewDisk(t.TempDir())
	store := Create(opener, "", V1, false)
	cl := newFakeChangelog()
	A, B, C := node(1), node(2), node(3)
	revA := cl.add(A, -1, -1) // will be obsolete, no live descendant -> extinct
	revB := cl.add(B, -1, -1) // will be obsolete, has a live child -> suspended
	revBChild := cl.add(node(4), revB, -1)
	_ = revBChild

	addMarker(t, store, opener, &Marker{Precursor: A, Successors: []Node{C}})
	addMarker(t, store, opener, &Marker{Precursor: B, Successors: []Node{node(5)}})

	assert.Contains(t, store.Extinct(cl, cl), revA)
	assert.Contains(t, store.Suspended(cl, cl), revB)
}

func TestDivergentWhenPrecursorHasTwoSuccessorSets(t *testing.T) {
	opener := vfs.NewDisk(t.TempDir())
	store := Create(opener, "", V1, false)
	cl := newFakeChangelog()
	A, B, C := node(1), node(2), node(3)
	cl.add(A, -1, -1)
	revB := cl.add(B, -1, -1)
	revC := cl.add(C, -1, -1)

	addMarker(t, store, opener, &Marker{Precursor: A, Successors: []Node{B}})
	addMarker(t, store, opener, &Marker{Precursor: A, Successors: []Node{C}})

	divergent := store.Divergent(cl, cl)
	assert.Contains(t, divergent, revB)
	assert.Contains(t, divergent, revC)
}

func TestMemoInvalidatesOnNewMarker(t *testing.T) {
	opener := vfs.NewDisk(t.TempDir())
	store := Create(opener, "", V1, false)
	cl := newFakeChangelog()
	A, C := node(1), node(2)
	revA := cl.add(A, -1, -1)

	assert.Empty(t, store.Obsolete(cl, cl))
	addMarker(t, store, opener, &Marker{Precursor: A, Successors: []Node{C}})
	assert.Contains(t, store.Obsolete(cl, cl), revA)
}
