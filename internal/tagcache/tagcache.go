// Package tagcache implements the tag filenode cache (TFC): a fixed
// 24-byte-record array mapping changelog revision to the filenode of the
// tracked tag file, with a 4-byte prefix verifier. Grounded on the
// teacher's raw-writer idiom in journal/journal.go, generalised to a
// random-access record file with prefix-based invalidation.
package tagcache

import (
	"github.com/alitto/pond"
	"github.com/rcowham/hgcore/internal/lockfile"
	"github.com/rcowham/hgcore/internal/obsstore"
	"github.com/rcowham/hgcore/internal/vfs"
	"github.com/sirupsen/logrus"
)

const (
	// CacheFile is the default relative path under the store directory.
	CacheFile = "cache/hgtagsfnodes1"
	// RecordSize is the width of one fixed record: 4-byte node prefix plus
	// 20-byte filenode.
	RecordSize = 24
)

var sentinel = [RecordSize]byte{
	0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
	0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
}

// Changelog is the minimal primitive the cache reads through to validate
// records and to compute missing ones.
type Changelog interface {
	Node(rev int) obsstore.Node
}

// ManifestReader resolves the filenode of the tracked tag file (".hgtags")
// at a given changeset node; it returns obsstore.NullNode when the file
// does not exist at that changeset.
type ManifestReader interface {
	TagFileNode(node obsstore.Node) (obsstore.Node, error)
}

// Cache is the in-memory, lazily-flushed fixed-record array.
type Cache struct {
	vfsRoot vfs.Opener
	path    string
	logger  *logrus.Logger

	records [][RecordSize]byte
	dirty   map[int]bool

	lookupCount int
	hitCount    int

	flushPool *pond.WorkerPool
}

// SetFlushPool attaches a worker pool used by WriteAsync to flush the
// cache off the lookup-miss hot path, the same submit-and-continue pattern
// the teacher uses for blob compression (GitBlob.SaveBlob).
func (c *Cache) SetFlushPool(pool *pond.WorkerPool) { c.flushPool = pool }

// WriteAsync schedules a flush on the attached worker pool (or flushes
// synchronously if none is attached), so a cache-miss lookup doesn't pay
// for the write lock and I/O inline.
func (c *Cache) WriteAsync(lockPath string) {
	if c.flushPool == nil {
		c.Write(lockPath)
		return
	}
	c.flushPool.Submit(func() { c.Write(lockPath) })
}

func New(opener vfs.Opener, path string, logger *logrus.Logger) *Cache {
	if path == "" {
		path = CacheFile
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Cache{vfsRoot: opener, path: path, logger: logger, dirty: make(map[int]bool)}
}

// Load reads the on-disk record file, if any, into memory.
func (c *Cache) Load() error {
	data, err := c.vfsRoot.TryRead(c.path)
	if err != nil || data == nil {
		return err
	}
	n := len(data) / RecordSize
	c.records = make([][RecordSize]byte, n)
	for i := 0; i < n; i++ {
		copy(c.records[i][:], data[i*RecordSize:(i+1)*RecordSize])
	}
	return nil
}

func (c *Cache) ensureLen(rev int) {
	for len(c.records) <= rev {
		c.records = append(c.records, sentinel)
	}
}

// GetFnode looks up the .hgtags filenode at node (whose revision is rev),
// validating the record's 4-byte prefix against node[0:4]. On a mismatch
// or sentinel, and when computeMissing is true, it resolves the filenode
// via manifest, stores it, and marks the record dirty for a later Write.
func (c *Cache) GetFnode(cl Changelog, mr ManifestReader, rev int, node obsstore.Node, computeMissing bool) (obsstore.Node, error) {
	c.lookupCount++
	c.ensureLen(rev)
	rec := c.records[rev]
	prefix := []byte(node)[:4]
	if rec != sentinel && string(rec[:4]) == string(prefix) {
		c.hitCount++
		return obsstore.Node(rec[4:24]), nil
	}
	if !computeMissing {
		return "", nil
	}
	fnode, err := mr.TagFileNode(node)
	if err != nil {
		return "", err
	}
	c.SetFnode(rev, node, fnode)
	return fnode, nil
}

// SetFnode writes an entry unconditionally, used when the caller already
// computed the filenode during another operation.
func (c *Cache) SetFnode(rev int, node obsstore.Node, fnode obsstore.Node) {
	c.ensureLen(rev)
	var rec [RecordSize]byte
	copy(rec[0:4], []byte(node)[:4])
	fn := []byte(fnode)
	if len(fn) < 20 {
		padded := make([]byte, 20)
		copy(padded, fn)
		fn = padded
	}
	copy(rec[4:24], fn[:20])
	c.records[rev] = rec
	c.dirty[rev] = true
}

// Write acquires a non-blocking write lock and rewrites the whole file from
// the in-memory records (len(records)*24 bytes); the write is not limited
// to the dirty records. It silently no-ops if the lock cannot be acquired,
// since the cache is a pure optimisation (§5).
func (c *Cache) Write(lockPath string) {
	if len(c.dirty) == 0 {
		return
	}
	lock := lockfile.TryAcquire(lockPath)
	if lock == nil {
		c.logger.Debugf("tagcache: write lock unavailable, skipping flush")
		return
	}
	defer lock.Release()

	out := make([]byte, len(c.records)*RecordSize)
	for i, rec := range c.records {
		copy(out[i*RecordSize:(i+1)*RecordSize], rec[:])
	}
	if err := c.vfsRoot.Write(c.path, out); err != nil {
		c.logger.Warnf("tagcache: flush failed: %v", err)
		return
	}
	c.dirty = make(map[int]bool)
}

// Counts returns the lookup and hit counters.
func (c *Cache) Counts() (lookup, hit int) { return c.lookupCount, c.hitCount }
