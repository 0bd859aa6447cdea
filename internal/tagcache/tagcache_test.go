package tagcache

import (
	"path/filepath"
	"testing"

	"github.com/rcowham/hgcore/internal/obsstore"
	"github.com/rcowham/hgcore/internal/vfs"
	"github.com/stretchr/testify/assert"
)

type fakeManifest struct {
	byNode map[obsstore.Node]obsstore.Node
}

func (f *fakeManifest) TagFileNode(n obsstore.Node) (obsstore.Node, error) {
	if fn, ok := f.byNode[n]; ok {
		return fn, nil
	}
	return obsstore.NullNode, nil
}

func mkNode(b byte) obsstore.Node {
	buf := make([]byte, 20)
	buf[0] = b
	return obsstore.Node(buf)
}

func TestGetFnodeComputesAndCachesOnMiss(t *testing.T) {
	opener := vfs.NewDisk(t.TempDir())
	c := New(opener, "", nil)
	n5 := mkNode(5)
	fnode := mkNode(9)
	mr := &fakeManifest{byNode: map[obsstore.Node]obsstore.Node{n5: fnode}}

	got, err := c.GetFnode(nil, mr, 5, n5, true)
	assert.NoError(t, err)
	assert.Equal(t, fnode, got)

	// Second lookup should be a cache hit without calling back into mr.
	got2, err := c.GetFnode(nil, &fakeManifest{}, 5, n5, false)
	assert.NoError(t, err)
	assert.Equal(t, fnode, got2)
	_, hits := c.Counts()
	assert.Equal(t, 1, hits)
}

// TestInvalidationOnPrefixMismatch is scenario S4: a stale record with a
// mismatched 4-byte prefix must be recomputed, not trusted.
func TestInvalidationOnPrefixMismatch(t *testing.T) {
	opener := vfs.NewDisk(t.TempDir())
	c := New(opener, "", nil)
	staleNode := mkNode(0xAA)
	c.SetFnode(5, staleNode, mkNode(1))

	realNode := mkNode(5)
	freshFnode := mkNode(42)
	mr := &fakeManifest{byNode: map[obsstore.Node]obsstore.Node{realNode: freshFnode}}

	got, err := c.GetFnode(nil, mr, 5, realNode, true)
	assert.NoError(t, err)
	assert.Equal(t, freshFnode, got)

	got2, err := c.GetFnode(nil, &fakeManifest{}, 5, realNode, false)
	assert.NoError(t, err)
	assert.Equal(t, freshFnode, got2)
}

func TestGetFnodeWithoutComputeMissingReturnsEmpty(t *testing.T) {
	opener := vfs.NewDisk(t.TempDir())
	c := New(opener, "", nil)
	got, err := c.GetFnode(nil, &fakeManifest{}, 3, mkNode(1), false)
	assert.NoError(t, err)
	assert.Equal(t, obsstore.Node(""), got)
}

func TestWriteAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	opener := vfs.NewDisk(dir)
	c := New(opener, "tagcache", nil)
	c.SetFnode(0, mkNode(1), mkNode(2))
	c.SetFnode(3, mkNode(3), mkNode(4))
	c.Write(filepath.Join(dir, "tagcache.lock"))

	c2 := New(opener, "tagcache", nil)
	assert.NoError(t, c2.Load())
	got, err := c2.GetFnode(nil, &fakeManifest{}, 0, mkNode(1), false)
	assert.NoError(t, err)
	assert.Equal(t, mkNode(2), got)
}

func TestWriteAsyncWithoutPoolFlushesSynchronously(t *testing.T) {
	dir := t.TempDir()
	opener := vfs.NewDisk(dir)
	c := New(opener, "tagcache", nil)
	c.SetFnode(0, mkNode(1), mkNode(2))
	c.WriteAsync(filepath.Join(dir, "tagcache.lock"))
	assert.True(t, opener.Exists("tagcache"))
}
