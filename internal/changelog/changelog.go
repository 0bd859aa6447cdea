// Package changelog provides a minimal in-memory implementation of the
// repository-primitive contract (§6): a dense, append-only changeset log
// plus per-revision manifests and per-path file histories. It exists so
// the obsolescence store, tag resolver, and copy tracer are exercisable
// end to end without a full revlog implementation, which is explicitly out
// of scope (spec §1). Revisions are content-addressed the way
// go-libgitfastimport's mark graph addresses git commits.
package changelog

import (
	"crypto/sha1"
	"fmt"
	"sort"

	"github.com/rcowham/hgcore/internal/copytrace"
	"github.com/rcowham/hgcore/internal/obsstore"
)

// FileRev is one revision of a single file's history.
type FileRev struct {
	path     string
	fnode    obsstore.Node
	linkrev  int
	parents  []*FileRev
}

func (f *FileRev) Path() string            { return f.path }
func (f *FileRev) FileNode() obsstore.Node { return f.fnode }
func (f *FileRev) LinkRev() int            { return f.linkrev }
func (f *FileRev) Parents() []copytrace.FileCtx {
	out := make([]copytrace.FileCtx, len(f.parents))
	for i, p := range f.parents {
		out[i] = p
	}
	return out
}

// Manifest maps path -> filenode at one changeset.
type Manifest struct {
	entries map[string]obsstore.Node
}

func NewManifest() *Manifest { return &Manifest{entries: make(map[string]obsstore.Node)} }

func (m *Manifest) Set(path string, fnode obsstore.Node) { m.entries[path] = fnode }

func (m *Manifest) Get(path string) (obsstore.Node, bool) {
	n, ok := m.entries[path]
	return n, ok
}

func (m *Manifest) Paths() []string {
	out := make([]string, 0, len(m.entries))
	for p := range m.entries {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// FilesNotIn returns paths present in m but absent, or bound to a
// different filenode, in other -- i.e. files "added" relative to other.
func (m *Manifest) FilesNotIn(other copytrace.Manifest) []string {
	var out []string
	for p, n := range m.entries {
		if on, ok := other.Get(p); !ok || on != n {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// Commit is one changeset: a revision, its parents, and the manifest +
// file histories as of that revision.
type Commit struct {
	log      *Log
	rev      int
	node     obsstore.Node
	parents  [2]int // -1 for absent
	manifest *Manifest
	files    map[string]*FileRev // path -> file revision introduced/changed here
}

func (c *Commit) Node() obsstore.Node          { return c.node }
func (c *Commit) Rev() int                     { return c.rev }
func (c *Commit) Manifest() copytrace.Manifest { return c.manifest }

func (c *Commit) FileCtx(path string) (copytrace.FileCtx, bool) {
	f, ok := c.files[path]
	return f, ok
}

// Parents satisfies copytrace.Ctx, resolving this commit's parent revs
// back through its owning Log.
func (c *Commit) Parents() []copytrace.Ctx {
	var out []copytrace.Ctx
	for _, pr := range c.parents {
		if pr >= 0 {
			out = append(out, c.log.commits[pr])
		}
	}
	return out
}

// Log is the append-only changeset sequence plus its indices, satisfying
// obsstore.Changelog, tagcache.Changelog, and the Ctx-producing side of
// copytrace.
type Log struct {
	commits  []*Commit
	nodemap  map[obsstore.Node]int
	filtered map[int]bool
	public   map[int]bool
}

func New() *Log {
	return &Log{nodemap: make(map[obsstore.Node]int), filtered: make(map[int]bool), public: make(map[int]bool)}
}

func (l *Log) Len() int { return len(l.commits) }

func (l *Log) Node(rev int) obsstore.Node {
	if rev < 0 || rev >= len(l.commits) {
		return obsstore.NullNode
	}
	return l.commits[rev].node
}

func (l *Log) Rev(node obsstore.Node) int {
	if r, ok := l.nodemap[node]; ok {
		return r
	}
	return -1
}

func (l *Log) ParentRevs(rev int) (int, int) {
	if rev < 0 || rev >= len(l.commits) {
		return -1, -1
	}
	p := l.commits[rev].parents
	return p[0], p[1]
}

func (l *Log) FilteredRevs() map[int]bool { return l.filtered }

func (l *Log) IsPublic(rev int) bool { return l.public[rev] }

func (l *Log) SetPublic(rev int, public bool) { l.public[rev] = public }

func (l *Log) Filter(rev int) { l.filtered[rev] = true }

func (l *Log) Ctx(rev int) *Commit { return l.commits[rev] }

func (l *Log) CtxByNode(node obsstore.Node) (*Commit, bool) {
	r, ok := l.nodemap[node]
	if !ok {
		return nil, false
	}
	return l.commits[r], true
}

// IsAncestor reports whether rev a is an ancestor of (or equal to) rev b.
func (l *Log) IsAncestor(a, b int) bool {
	if a == b {
		return true
	}
	seen := map[int]bool{}
	queue := []int{b}
	for len(queue) > 0 {
		r := queue[0]
		queue = queue[1:]
		if seen[r] {
			continue
		}
		seen[r] = true
		if r == a {
			return true
		}
		p1, p2 := l.ParentRevs(r)
		if p1 >= 0 {
			queue = append(queue, p1)
		}
		if p2 >= 0 {
			queue = append(queue, p2)
		}
	}
	return false
}

// CtxAncestor returns true if x.Rev() is an ancestor of y.Rev(), adapting
// IsAncestor to the copytrace.Ancestor shape.
func (l *Log) CtxAncestor(x, y copytrace.Ctx) bool {
	return l.IsAncestor(x.Rev(), y.Rev())
}

func hashCommit(parents [2]obsstore.Node, msg string, seq int) obsstore.Node {
	h := sha1.New()
	h.Write([]byte(fmt.Sprintf("%s\x00%s\x00%s\x00%d", parents[0], parents[1], msg, seq)))
	return obsstore.Node(h.Sum(nil))
}

// AddCommit appends a new changeset built from parentRevs (use -1 for
// "no parent"), a manifest snapshot, and the set of file revisions touched
// by this commit. It returns the assigned revision number.
func (l *Log) AddCommit(parentRevs [2]int, manifest *Manifest, files map[string]*FileRev, message string) int {
	var parentNodes [2]obsstore.Node
	for i, pr := range parentRevs {
		if pr >= 0 {
			parentNodes[i] = l.commits[pr].node
		} else {
			parentNodes[i] = obsstore.NullNode
		}
	}
	rev := len(l.commits)
	node := hashCommit(parentNodes, message, rev)
	c := &Commit{log: l, rev: rev, node: node, parents: parentRevs, manifest: manifest, files: files}
	l.commits = append(l.commits, c)
	l.nodemap[node] = rev
	return rev
}

// NewFileRev constructs one file history node; parents are the file's
// ancestor revisions in its own history (possibly at a different path, for
// renames).
func NewFileRev(path string, fnode obsstore.Node, linkrev int, parents ...*FileRev) *FileRev {
	return &FileRev{path: path, fnode: fnode, linkrev: linkrev, parents: parents}
}

// Heads returns revs with no children, tip-first (descending rev order),
// which is the iteration order the tag resolver wants.
func (l *Log) Heads() []int {
	hasChild := make(map[int]bool)
	for r := 0; r < len(l.commits); r++ {
		p1, p2 := l.ParentRevs(r)
		if p1 >= 0 {
			hasChild[p1] = true
		}
		if p2 >= 0 {
			hasChild[p2] = true
		}
	}
	var heads []int
	for r := len(l.commits) - 1; r >= 0; r-- {
		if !hasChild[r] {
			heads = append(heads, r)
		}
	}
	return heads
}

// CtxList adapts a slice of revs to []copytrace.Ctx.
func (l *Log) CtxList(revs []int) []copytrace.Ctx {
	out := make([]copytrace.Ctx, len(revs))
	for i, r := range revs {
		out[i] = l.commits[r]
	}
	return out
}
