// Package copytrace implements the copy/rename tracer (CRT): forward,
// backward, and merge-time copy maps between commits, including
// directory-rename inference. Grounded on mercurial/copies.py, with the
// directory-membership bookkeeping adapted from the teacher's node.Node
// tree (node/node.go), which already solves "which files live under this
// directory" for git trees.
package copytrace

import (
	"container/heap"
	"path"
	"sort"
	"strings"

	"github.com/rcowham/hgcore/internal/obsstore"
	"github.com/rcowham/hgcore/node"
)

type Node = obsstore.Node

// Ctx is the repository-primitive contract a commit context exposes to the
// tracer (§6).
type Ctx interface {
	Node() Node
	Rev() int
	Manifest() Manifest
	Parents() []Ctx
	FileCtx(path string) (FileCtx, bool)
}

// Manifest maps path to filenode at a given changeset.
type Manifest interface {
	Get(path string) (Node, bool)
	FilesNotIn(other Manifest) []string
	Paths() []string
}

// FileCtx is a single file revision; Parents returns its file-history
// ancestors (rename-aware: a parent may have a different Path()).
type FileCtx interface {
	Path() string
	FileNode() Node
	LinkRev() int
	Parents() []FileCtx
}

// ParentRevs is the bare rev-graph primitive _findlimit needs.
type ParentRevs func(rev int) (int, int)

// --- _findlimit -------------------------------------------------------

type revHeap []int

func (h revHeap) Len() int            { return len(h) }
func (h revHeap) Less(i, j int) bool  { return h[i] > h[j] } // max-heap
func (h revHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *revHeap) Push(x interface{}) { *h = append(*h, x.(int)) }
func (h *revHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// FindLimit walks the DAG from both a and b in descending rev order,
// marking ancestors with a side; a revision stops being "interesting" once
// it has been reached from both sides. It returns the lowest rev still
// interesting when the interesting set empties, or ok=false when the two
// revisions share no common ancestor.
func FindLimit(parentRevs ParentRevs, a, b int) (limit int, ok bool) {
	if a == b {
		return a, true
	}
	side := map[int]int{a: -1, b: 1}
	h := &revHeap{a, b}
	heap.Init(h)
	interesting := 2
	limit = -1
	hasCommonAncestor := false
	for h.Len() > 0 && interesting > 0 {
		r := heap.Pop(h).(int)
		s := side[r]
		if s == 0 {
			interesting--
			continue
		}
		limit = r
		p1, p2 := parentRevs(r)
		for _, p := range []int{p1, p2} {
			if p < 0 {
				continue
			}
			ps, seen := side[p]
			if !seen {
				side[p] = s
				heap.Push(h, p)
				interesting++
			} else if ps != s && ps != 0 {
				side[p] = 0
				hasCommonAncestor = true
			}
		}
		interesting--
	}
	if !hasCommonAncestor {
		return 0, false
	}
	return limit, true
}

// FindLimitCtx is FindLimit with the descendant-clamp special case of §4.5
// and §8's boundary behaviour applied: when a is reachable from b or vice
// versa (one is a direct descendant of the other), the limit is clamped to
// min(limit, a, b).
func FindLimitCtx(parentRevs ParentRevs, isAncestor func(x, y int) bool, a, b int) (limit int, ok bool) {
	limit, ok = FindLimit(parentRevs, a, b)
	if !ok {
		return limit, ok
	}
	if isAncestor(a, b) || isAncestor(b, a) {
		m := limit
		if a < m {
			m = a
		}
		if b < m {
			m = b
		}
		limit = m
	}
	return limit, true
}

// --- relatedness --------------------------------------------------------

// Related walks both file-history ancestor chains in descending linkrev,
// advancing whichever side has the higher linkrev, succeeding when the two
// paths meet and failing once both drop below limit.
func Related(f1, f2 FileCtx, limit int) bool {
	if f1 == nil || f2 == nil {
		return false
	}
	if f1.Path() == f2.Path() && f1.FileNode() == f2.FileNode() {
		return true
	}
	frontier1 := []FileCtx{f1}
	frontier2 := []FileCtx{f2}
	seen1 := map[string]bool{key(f1): true}
	seen2 := map[string]bool{key(f2): true}
	for len(frontier1) > 0 || len(frontier2) > 0 {
		var top1, top2 FileCtx
		for _, f := range frontier1 {
			if top1 == nil || f.LinkRev() > top1.LinkRev() {
				top1 = f
			}
		}
		for _, f := range frontier2 {
			if top2 == nil || f.LinkRev() > top2.LinkRev() {
				top2 = f
			}
		}
		if top1 != nil && (top2 == nil || top1.LinkRev() >= top2.LinkRev()) {
			frontier1 = removeOne(frontier1, top1)
			if top1.LinkRev() < limit {
				continue
			}
			for _, p := range top1.Parents() {
				if seen2[key(p)] {
					return true
				}
				if !seen1[key(p)] {
					seen1[key(p)] = true
					frontier1 = append(frontier1, p)
				}
			}
		} else if top2 != nil {
			frontier2 = removeOne(frontier2, top2)
			if top2.LinkRev() < limit {
				continue
			}
			for _, p := range top2.Parents() {
				if seen1[key(p)] {
					return true
				}
				if !seen2[key(p)] {
					seen2[key(p)] = true
					frontier2 = append(frontier2, p)
				}
			}
		} else {
			break
		}
	}
	return false
}

func key(f FileCtx) string { return f.Path() + "\x00" + string(f.FileNode()) }

func removeOne(fs []FileCtx, target FileCtx) []FileCtx {
	out := make([]FileCtx, 0, len(fs))
	removed := false
	for _, f := range fs {
		if !removed && f == target {
			removed = true
			continue
		}
		out = append(out, f)
	}
	return out
}

// --- forward / backward / path copies -----------------------------------

// ForwardCopies traces, for each file present in b's manifest but not a's,
// its file-history ancestors until one whose (path, filenode) matches an
// entry in a's manifest; that ancestor's path is the copy source. limit is
// an optimisation cutoff from FindLimit, not a correctness bound.
func ForwardCopies(a, b Ctx, limit int) map[string]string {
	copies := make(map[string]string)
	am := a.Manifest()
	bm := b.Manifest()
	added := bm.FilesNotIn(am)
	for _, dst := range added {
		fc, ok := b.FileCtx(dst)
		if !ok {
			continue
		}
		src := traceToManifest(fc, am, limit)
		if src != "" && src != dst {
			copies[dst] = src
		}
	}
	return copies
}

func traceToManifest(fc FileCtx, am Manifest, limit int) string {
	seen := map[string]bool{key(fc): true}
	queue := []FileCtx{fc}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.LinkRev() < limit {
			continue
		}
		if fn, ok := am.Get(cur.Path()); ok && fn == cur.FileNode() {
			return cur.Path()
		}
		for _, p := range cur.Parents() {
			if !seen[key(p)] {
				seen[key(p)] = true
				queue = append(queue, p)
			}
		}
	}
	return ""
}

// BackwardRenames answers pathcopies' backward case: a is the descendant, b
// is the ancestor. It runs the ordinary forward trace from b to a and
// inverts it to {oldpath@b: newpath@a}, dropping any oldpath still present
// in a's manifest (those are copies, not renames, from a's point of view).
// When multiple destinations map to the same source, the choice is
// arbitrary but deterministic (sort-stable on destination name).
func BackwardRenames(a, b Ctx, limit int) map[string]string {
	fwd := ForwardCopies(b, a, limit)
	am := a.Manifest()
	dsts := make([]string, 0, len(fwd))
	for dst := range fwd {
		dsts = append(dsts, dst)
	}
	sort.Strings(dsts)
	out := make(map[string]string)
	seenSrc := make(map[string]string)
	for _, dst := range dsts {
		src := fwd[dst]
		if _, present := am.Get(src); present {
			continue // still present in a: a copy, not a rename
		}
		if _, taken := seenSrc[src]; taken {
			continue
		}
		seenSrc[src] = dst
		out[src] = dst
	}
	return out
}

// Ancestor reports whether x is an ancestor of y (inclusive of equality),
// used by PathCopies to pick the forward/backward/chain case.
type Ancestor func(x, y Ctx) bool

// PathCopies computes the directed {dst@y: src@x} map suitable for linear
// diffs.
func PathCopies(x, y Ctx, isAncestor Ancestor, limit int) map[string]string {
	if x.Node() == y.Node() {
		return map[string]string{}
	}
	if isAncestor(x, y) {
		return ForwardCopies(x, y, limit)
	}
	if isAncestor(y, x) {
		// y is the ancestor here (x is the descendant), so BackwardRenames
		// needs the descendant first: it walks x's added-relative-to-y
		// files back to y, the same direction ForwardCopies always walks,
		// and already returns {oldpath@y: newpath@x} directly.
		return BackwardRenames(x, y, limit)
	}
	// Neither is an ancestor of the other: no single chain base is given
	// directly; callers needing the divergent-base case should locate a
	// common ancestor and call PathCopies(base, x) / PathCopies(base, y)
	// themselves, per §4.5's chain rule.
	return map[string]string{}
}

// --- merge copies ---------------------------------------------------------

// CopyMaps is the four-map result mergecopies produces for merge engines.
type CopyMaps struct {
	Copy         map[string]string // dst -> src, files to copy in the merge
	MoveWithDir  map[string]string // oldpath -> newpath, inferred from a directory rename
	Diverge      map[string][]string
	RenameDelete map[string][]string
}

// MergeCopies computes copy relationships between c1 and c2 relative to
// their common ancestor base.
func MergeCopies(c1, c2, base Ctx, limit1, limit2 int) *CopyMaps {
	result := &CopyMaps{
		Copy:         make(map[string]string),
		MoveWithDir:  make(map[string]string),
		Diverge:      make(map[string][]string),
		RenameDelete: make(map[string][]string),
	}

	fullcopy := make(map[string]string) // src -> dst, for directory-rename inference
	side1 := checkCopies(c1, base, limit1)
	side2 := checkCopies(c2, base, limit2)

	for dst, src := range side1.copy {
		result.Copy[dst] = src
		fullcopy[src] = dst
	}
	for dst, src := range side2.copy {
		if other, ok := fullcopy[src]; ok && other != dst {
			// the same source was renamed to two different destinations:
			// true divergence, keyed by the shared source per mercurial
			// convention, not mergeable as a single copy.
			result.Diverge[src] = []string{other, dst}
			delete(result.Copy, other)
			delete(fullcopy, src)
			continue
		}
		if existing, ok := result.Copy[dst]; ok && existing != src {
			// two different sources landed on the same destination name.
			result.Diverge[dst] = []string{existing, src}
			delete(result.Copy, dst)
			continue
		}
		// identical rename on both sides collapses to a single copy.
		result.Copy[dst] = src
		fullcopy[src] = dst
	}

	candidates := unionPaths(c1.Manifest().Paths(), c2.Manifest().Paths())
	inferDirectoryRenames(fullcopy, result, node.BuildTree(base.Manifest().Paths(), false), candidates)
	return result
}

func unionPaths(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, p := range a {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, p := range b {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

type sideCopies struct {
	copy     map[string]string // dst -> src
	fullcopy map[string]string // src -> dst (including non-added files, for dir inference)
}

// checkCopies walks files added in c relative to base and traces each back
// to base's manifest, populating copy/fullcopy for that side.
func checkCopies(c, base Ctx, limit int) sideCopies {
	out := sideCopies{copy: make(map[string]string), fullcopy: make(map[string]string)}
	added := c.Manifest().FilesNotIn(base.Manifest())
	bm := base.Manifest()
	for _, dst := range added {
		fc, ok := c.FileCtx(dst)
		if !ok {
			continue
		}
		src := traceToManifest(fc, bm, limit)
		if src != "" && src != dst {
			out.copy[dst] = src
			out.fullcopy[src] = dst
		}
	}
	return out
}

// inferDirectoryRenames groups fullcopy by (src-dir, dst-dir); a directory
// move is real only if every entry sharing a source directory maps to
// exactly one destination directory. It then applies the inferred move to
// every file from candidatePaths that still sits, unaccounted for, under the
// source directory, populating MoveWithDir as {oldpath: newpath} so a merge
// engine knows to relocate it alongside the files that were renamed
// explicitly.
func inferDirectoryRenames(fullcopy map[string]string, result *CopyMaps, baseDirs *node.Node, candidatePaths []string) {
	dirMap := make(map[string]map[string]int) // srcdir -> dstdir -> count
	for src, dst := range fullcopy {
		sd := dirOf(src)
		dd := dirOf(dst)
		if sd == dd {
			continue
		}
		if dirMap[sd] == nil {
			dirMap[sd] = make(map[string]int)
		}
		dirMap[sd][dd]++
	}
	consistentMove := make(map[string]string) // srcdir -> dstdir
	for sd, dsts := range dirMap {
		if len(dsts) != 1 {
			continue
		}
		for dd := range dsts {
			// Only treat this as a real directory move if the destination
			// directory wasn't already independently populated in base;
			// otherwise files would be moving into an unrelated directory.
			if baseDirs != nil && baseDirs.HasDir(dd) && dd != sd {
				continue
			}
			consistentMove[sd] = dd
		}
	}
	accountedSrc := make(map[string]bool, len(fullcopy))
	for src := range fullcopy {
		accountedSrc[src] = true
	}
	for _, f := range candidatePaths {
		if accountedSrc[f] {
			continue
		}
		sd := dirOf(f)
		dd, ok := consistentMove[sd]
		if !ok {
			continue
		}
		rel := strings.TrimPrefix(f, sd+"/")
		newDst := path.Join(dd, rel)
		if _, already := result.Copy[newDst]; already {
			continue
		}
		result.MoveWithDir[f] = newDst
	}
}

func dirOf(p string) string {
	i := strings.LastIndexByte(p, '/')
	if i < 0 {
		return ""
	}
	return p[:i]
}

// DuplicateCopies replays the copies recorded between fromRev and rev into
// the working directory's copy map (skipping skipRev's contribution, if
// given), for callers materialising a merge/rebase result.
func DuplicateCopies(fromCtx, revCtx, skipCtx Ctx, limit int) map[string]string {
	copies := ForwardCopies(fromCtx, revCtx, limit)
	if skipCtx == nil {
		return copies
	}
	skip := ForwardCopies(fromCtx, skipCtx, limit)
	out := make(map[string]string, len(copies))
	for dst, src := range copies {
		if skip[dst] == src {
			continue
		}
		out[dst] = src
	}
	return out
}
