package obsstore

import (
	"bytes"
	"runtime"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rcowham/hgcore/internal/herrors"
	"github.com/rcowham/hgcore/internal/txn"
	"github.com/rcowham/hgcore/internal/vfs"
)

// StoreFile is the default relative path of the obsstore under the
// repository store directory, per §6.
const StoreFile = "obsstore"

// Store holds the append-only marker log plus its three derived indices.
type Store struct {
	mu sync.RWMutex

	vfsRoot        vfs.Opener
	path           string
	defaultVersion Version
	readOnly       bool

	all         []*Marker
	successors  map[Node][]*Marker
	precursors  map[Node][]*Marker
	children    map[Node][]*Marker
	seenMarkers map[string]bool // dedup by Marker.key()

	memo memo
}

// Create initialises a new, empty store at path (typically "obsstore")
// using defaultVersion for future writes (1 on new stores, per §6).
func Create(opener vfs.Opener, path string, defaultVersion Version, readOnly bool) *Store {
	if path == "" {
		path = StoreFile
	}
	return &Store{
		vfsRoot:        opener,
		path:           path,
		defaultVersion: defaultVersion,
		readOnly:       readOnly,
		successors:     make(map[Node][]*Marker),
		precursors:     make(map[Node][]*Marker),
		children:       make(map[Node][]*Marker),
		seenMarkers:    make(map[string]bool),
	}
}

// Load reads an existing store file (if any) and rebuilds the indices.
func Load(opener vfs.Opener, path string, defaultVersion Version, readOnly bool) (*Store, error) {
	s := Create(opener, path, defaultVersion, readOnly)
	data, err := opener.TryRead(path)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return s, nil
	}
	version, markers, err := DecodeStream(data)
	if err != nil {
		return nil, err
	}
	s.defaultVersion = version
	s.indexAll(markers)
	return s, nil
}

// indexRebuildThreshold is the marker count above which indexAll splits
// work across goroutines; below it the fan-out/merge overhead isn't worth
// it.
const indexRebuildThreshold = 4096

// indexPartial accumulates one goroutine's share of the index-rebuild work
// so it never touches Store's shared maps until the sequential merge.
type indexPartial struct {
	markers    []*Marker
	successors map[Node][]*Marker
	precursors map[Node][]*Marker
	children   map[Node][]*Marker
}

func buildPartial(markers []*Marker) *indexPartial {
	p := &indexPartial{
		markers:    markers,
		successors: make(map[Node][]*Marker),
		precursors: make(map[Node][]*Marker),
		children:   make(map[Node][]*Marker),
	}
	for _, m := range markers {
		p.successors[m.Precursor] = append(p.successors[m.Precursor], m)
		for _, suc := range m.Successors {
			p.precursors[suc] = append(p.precursors[suc], m)
		}
		for _, par := range m.Parents {
			p.children[par] = append(p.children[par], m)
		}
	}
	return p
}

// indexAll rebuilds the successors/precursors/children indices from a
// decoded marker stream. Large stores split the per-marker bucketing
// across a bounded pool of goroutines with errgroup, each building its own
// partial index, then merge the partials into Store's maps sequentially
// (the only step that touches shared state).
func (s *Store) indexAll(markers []*Marker) {
	if len(markers) < indexRebuildThreshold {
		for _, m := range markers {
			s.index(m)
		}
		return
	}

	workers := runtime.GOMAXPROCS(0)
	if workers > len(markers) {
		workers = len(markers)
	}
	chunkSize := (len(markers) + workers - 1) / workers
	partials := make([]*indexPartial, workers)

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		w := w
		start := w * chunkSize
		end := start + chunkSize
		if start >= len(markers) {
			continue
		}
		if end > len(markers) {
			end = len(markers)
		}
		chunk := markers[start:end]
		g.Go(func() error {
			partials[w] = buildPartial(chunk)
			return nil
		})
	}
	_ = g.Wait() // buildPartial never returns an error

	for _, p := range partials {
		if p == nil {
			continue
		}
		s.all = append(s.all, p.markers...)
		for _, m := range p.markers {
			s.seenMarkers[m.key()] = true
		}
		for n, ms := range p.successors {
			s.successors[n] = append(s.successors[n], ms...)
		}
		for n, ms := range p.precursors {
			s.precursors[n] = append(s.precursors[n], ms...)
		}
		for n, ms := range p.children {
			s.children[n] = append(s.children[n], ms...)
		}
	}
	s.memo.invalidate()
}

func (s *Store) index(m *Marker) {
	s.all = append(s.all, m)
	s.seenMarkers[m.key()] = true
	s.successors[m.Precursor] = append(s.successors[m.Precursor], m)
	for _, suc := range m.Successors {
		s.precursors[suc] = append(s.precursors[suc], m)
	}
	for _, p := range m.Parents {
		s.children[p] = append(s.children[p], m)
	}
	s.memo.invalidate()
}

// Add appends new, non-duplicate markers to the store under transaction t,
// updates the indices, and returns the count actually added. Markers whose
// (precursor, successors, flags) already exist in the successors[prec]
// index or in this same batch are silently dropped.
func (s *Store) Add(t *txn.Transaction, markers []*Marker, hookArgs map[string]string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readOnly {
		return 0, herrors.AbortError("obsstore: store is read-only")
	}
	var fresh []*Marker
	for _, m := range markers {
		if err := m.Validate(); err != nil {
			return 0, herrors.AbortError("%v", err)
		}
		if s.seenMarkers[m.key()] {
			continue
		}
		s.seenMarkers[m.key()] = true
		fresh = append(fresh, m)
	}
	if len(fresh) == 0 {
		return 0, nil
	}

	preOffset, wasEmpty, err := s.preAppendState()
	if err != nil {
		return 0, err
	}
	if err := t.AddBackup(s.path, true); err != nil {
		return 0, err
	}
	if err := t.Add(s.path, preOffset, nil); err != nil {
		return 0, err
	}

	buf := &bytes.Buffer{}
	if wasEmpty {
		buf.WriteByte(byte(s.defaultVersion))
	}
	for _, m := range fresh {
		enc, err := Encode(s.defaultVersion, m)
		if err != nil {
			return 0, err
		}
		buf.Write(enc)
	}
	if err := s.appendRaw(buf.Bytes()); err != nil {
		return 0, err
	}

	for _, m := range fresh {
		s.all = append(s.all, m)
		s.successors[m.Precursor] = append(s.successors[m.Precursor], m)
		for _, suc := range m.Successors {
			s.precursors[suc] = append(s.precursors[suc], m)
		}
		for _, p := range m.Parents {
			s.children[p] = append(s.children[p], m)
		}
	}
	s.memo.invalidate()

	if hookArgs != nil {
		hookArgs["new_obsmarkers"] = addIntStr(hookArgs["new_obsmarkers"], len(fresh))
	}
	return len(fresh), nil
}

func addIntStr(existing string, n int) string {
	if existing == "" {
		return itoa(n)
	}
	prev := atoi(existing)
	return itoa(prev + n)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var b []byte
	for n > 0 {
		b = append([]byte{byte('0' + n%10)}, b...)
		n /= 10
	}
	if neg {
		b = append([]byte{'-'}, b...)
	}
	return string(b)
}

func atoi(s string) int {
	n := 0
	neg := false
	for i, c := range s {
		if i == 0 && c == '-' {
			neg = true
			continue
		}
		if c < '0' || c > '9' {
			break
		}
		n = n*10 + int(c-'0')
	}
	if neg {
		return -n
	}
	return n
}

func (s *Store) preAppendState() (offset int64, wasEmpty bool, err error) {
	if !s.vfsRoot.Exists(s.path) {
		return 0, true, nil
	}
	info, err := s.vfsRoot.Stat(s.path)
	if err != nil {
		return 0, false, err
	}
	return info.Size(), info.Size() == 0, nil
}

func (s *Store) appendRaw(data []byte) error {
	existing, err := s.vfsRoot.TryRead(s.path)
	if err != nil {
		return err
	}
	return s.vfsRoot.Write(s.path, append(existing, data...))
}

// MergeMarkers parses data as a version-headered stream and adds any new
// markers found in it.
func (s *Store) MergeMarkers(t *txn.Transaction, data []byte) (int, error) {
	_, markers, err := DecodeStream(data)
	if err != nil {
		return 0, err
	}
	return s.Add(t, markers, nil)
}

// CreateMarker builds and adds a single marker. Its date is the date
// argument when given, else defaultDate, else the wall clock; a "date"
// entry in metadata is stored as ordinary metadata and is not used as the
// marker date. It returns an AbortError when prec appears among succs, and
// false with no error when an identical marker is already recorded.
func (s *Store) CreateMarker(t *txn.Transaction, prec Node, succs []Node, flags uint16, parents []Node, date *MarkerDate, metadata map[string]string, defaultDate *MarkerDate) (bool, error) {
	for _, suc := range succs {
		if suc == prec {
			return false, herrors.AbortError("obsstore: precursor equals one of its successors")
		}
	}
	nsize := nodeSize(flags)
	if len(prec) != nsize {
		return false, herrors.ProgrammingError("obsstore: precursor node size mismatch")
	}
	for _, suc := range succs {
		if len(suc) != nsize {
			return false, herrors.ProgrammingError("obsstore: successor node size mismatch")
		}
	}
	m := &Marker{Precursor: prec, Successors: succs, Flags: flags, Parents: parents}
	for k, v := range metadata {
		m.Metadata = append(m.Metadata, MetaEntry{Key: k, Value: v})
	}
	m.sortMetadata()
	switch {
	case date != nil:
		m.Date = *date
	case defaultDate != nil:
		m.Date = *defaultDate
	default:
		now := time.Now()
		_, offset := now.Zone()
		m.Date = MarkerDate{Seconds: float64(now.Unix()), TZ: int32(-offset)}
	}
	n, err := s.Add(t, []*Marker{m}, nil)
	return n > 0, err
}

// RelevantMarkers returns every marker reachable by walking backward
// through precursors from nodes, plus prune markers rooted at those nodes
// via the children/successors indices, per §4.2.
func (s *Store) RelevantMarkers(nodes []Node) []*Marker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seenMarker := make(map[*Marker]bool)
	seenNode := make(map[Node]bool)
	queue := append([]Node(nil), nodes...)
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if seenNode[n] {
			continue
		}
		seenNode[n] = true
		for _, m := range s.precursors[n] {
			if seenMarker[m] {
				continue
			}
			seenMarker[m] = true
			queue = append(queue, m.Precursor)
		}
		for _, m := range s.children[n] {
			if m.IsPruneMarker() && !seenMarker[m] {
				seenMarker[m] = true
			}
		}
		for _, m := range s.successors[n] {
			if m.IsPruneMarker() && !seenMarker[m] {
				seenMarker[m] = true
			}
		}
	}
	out := make([]*Marker, 0, len(seenMarker))
	for m := range seenMarker {
		out = append(out, m)
	}
	return out
}

// ExclusiveMarkers is like RelevantMarkers but stops walking backward
// through a precursor that is locally known and not itself in nodes, and
// stops forward through a successor that falls outside nodes.
func (s *Store) ExclusiveMarkers(nodes []Node, knownLocally func(Node) bool) []*Marker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inSet := make(map[Node]bool, len(nodes))
	for _, n := range nodes {
		inSet[n] = true
	}
	seenMarker := make(map[*Marker]bool)
	seenNode := make(map[Node]bool)
	queue := append([]Node(nil), nodes...)
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if seenNode[n] {
			continue
		}
		seenNode[n] = true
		for _, m := range s.precursors[n] {
			if seenMarker[m] {
				continue
			}
			if !inSet[m.Precursor] && knownLocally != nil && knownLocally(m.Precursor) {
				continue
			}
			outOfSet := false
			for _, suc := range m.Successors {
				if suc != n && !inSet[suc] {
					outOfSet = true
					break
				}
			}
			if outOfSet {
				continue
			}
			seenMarker[m] = true
			queue = append(queue, m.Precursor)
		}
	}
	out := make([]*Marker, 0, len(seenMarker))
	for m := range seenMarker {
		out = append(out, m)
	}
	return out
}

// SSCache amortises SuccessorSets across calls.
type SSCache struct {
	results map[Node][][]Node
}

func NewSSCache() *SSCache { return &SSCache{results: make(map[Node][][]Node)} }

// localExists reports, for a given node, whether it still exists locally
// (used to decide the base case when a node has no successor markers).
type localExists func(Node) bool

// SuccessorSets computes the minimal antichain of successor tuples for
// node, per §4.2.1. It is recursive, one call level per link of a
// successor chain (there is no explicit work stack), and breaks cycles by
// treating an already-active node as pruned.
func (s *Store) SuccessorSets(node Node, exists localExists, cache *SSCache) [][]Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if cache == nil {
		cache = NewSSCache()
	}
	return s.successorSets(node, exists, cache, map[Node]bool{})
}

func (s *Store) successorSets(node Node, exists localExists, cache *SSCache, active map[Node]bool) [][]Node {
	if v, ok := cache.results[node]; ok {
		return v
	}
	if active[node] {
		return nil // cycle: treat as pruned
	}
	markers := s.successors[node]
	if len(markers) == 0 {
		var result [][]Node
		if exists == nil || exists(node) {
			result = [][]Node{{node}}
		} else {
			result = nil
		}
		cache.results[node] = result
		return result
	}
	active[node] = true
	defer delete(active, node)

	var contributions [][]Node
	for _, m := range markers {
		// Cartesian product of successorSets(s) across m.Successors.
		sets := [][][]Node{}
		for _, suc := range m.Successors {
			sets = append(sets, s.successorSets(suc, exists, cache, active))
		}
		contributions = append(contributions, cartesianUnion(sets)...)
	}
	result := removeSubsets(dedupTuples(contributions))
	cache.results[node] = result
	return result
}

// cartesianUnion computes the Cartesian product across sets (one choice
// per marker successor), concatenating each combination into one ordered,
// deduplicated tuple. A marker with any pruned successor (empty
// contribution) drops that successor from the tuple rather than dropping
// the whole tuple, matching scenario S2 of §8.
func cartesianUnion(sets [][][]Node) [][]Node {
	combos := [][]Node{{}}
	for _, set := range sets {
		if len(set) == 0 {
			continue // pruned successor: contributes nothing to the tuple
		}
		var next [][]Node
		for _, combo := range combos {
			for _, choice := range set {
				merged := append(append([]Node(nil), combo...), choice...)
				next = append(next, dedupNodes(merged))
			}
		}
		combos = next
	}
	if len(combos) == 1 && len(combos[0]) == 0 {
		return nil
	}
	return combos
}

func dedupNodes(nodes []Node) []Node {
	seen := make(map[Node]bool, len(nodes))
	out := make([]Node, 0, len(nodes))
	for _, n := range nodes {
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

func dedupTuples(tuples [][]Node) [][]Node {
	type key = string
	seen := make(map[key]bool)
	var out [][]Node
	for _, t := range tuples {
		k := tupleKey(t)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, t)
	}
	return out
}

func tupleKey(t []Node) string {
	sorted := append([]Node(nil), t...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	b := make([]byte, 0, len(sorted)*20)
	for _, n := range sorted {
		b = append(b, []byte(n)...)
	}
	return string(b)
}

// removeSubsets drops any tuple that is a set-wise subset of another,
// leaving a mutually non-subset antichain (invariant 5 of §8).
func removeSubsets(tuples [][]Node) [][]Node {
	isSubset := func(a, b []Node) bool {
		bs := make(map[Node]bool, len(b))
		for _, n := range b {
			bs[n] = true
		}
		for _, n := range a {
			if !bs[n] {
				return false
			}
		}
		return true
	}
	var out [][]Node
	for i, a := range tuples {
		subsumed := false
		for j, b := range tuples {
			if i == j || len(b) <= len(a) {
				continue
			}
			if isSubset(a, b) {
				subsumed = true
				break
			}
		}
		if !subsumed {
			out = append(out, a)
		}
	}
	return out
}
