package obsstore

// Changelog is the minimal repository primitive the cached set
// computations read through, per §6.
type Changelog interface {
	Len() int
	Node(rev int) Node
	Rev(node Node) int
	ParentRevs(rev int) (int, int)
	FilteredRevs() map[int]bool
}

// PhaseSource reports whether a revision is in the immutable public phase.
type PhaseSource interface {
	IsPublic(rev int) bool
}

// memo holds the six cached revision sets, invalidated on any store
// mutation per the "small versioned memo with explicit invalidate()"
// pattern of spec §9.
type memo struct {
	valid      bool
	obsolete   map[int]bool
	unstable   map[int]bool
	suspended  map[int]bool
	extinct    map[int]bool
	bumped     map[int]bool
	divergent  map[int]bool
}

func (m *memo) invalidate() { m.valid = false }

func (s *Store) computeSets(cl Changelog, ph PhaseSource) {
	s.memo.obsolete = make(map[int]bool)
	s.memo.unstable = make(map[int]bool)
	s.memo.suspended = make(map[int]bool)
	s.memo.extinct = make(map[int]bool)
	s.memo.bumped = make(map[int]bool)
	s.memo.divergent = make(map[int]bool)

	filtered := cl.FilteredRevs()
	isVisible := func(r int) bool { return !filtered[r] }

	// obsolete: non-public revisions whose node has at least one successor
	// marker.
	for r := 0; r < cl.Len(); r++ {
		if !isVisible(r) || ph.IsPublic(r) {
			continue
		}
		n := cl.Node(r)
		if len(s.successors[n]) > 0 {
			s.memo.obsolete[r] = true
		}
	}

	// unstable: non-public, non-obsolete, with an obsolete-or-unstable
	// parent. Ascending rev order so a parent's unstable flag is already
	// resolved by the time a child is examined.
	for r := 0; r < cl.Len(); r++ {
		if !isVisible(r) || ph.IsPublic(r) || s.memo.obsolete[r] {
			continue
		}
		p1, p2 := cl.ParentRevs(r)
		if (p1 >= 0 && (s.memo.obsolete[p1] || s.memo.unstable[p1])) ||
			(p2 >= 0 && (s.memo.obsolete[p2] || s.memo.unstable[p2])) {
			s.memo.unstable[r] = true
		}
	}

	// suspended/extinct: obsolete revisions with (or without) a
	// non-obsolete descendant. Computed by propagating "has a live
	// descendant" backward from every non-obsolete node to its parents.
	hasLiveDescendant := make(map[int]bool)
	for r := cl.Len() - 1; r >= 0; r-- {
		if !isVisible(r) {
			continue
		}
		if !s.memo.obsolete[r] {
			hasLiveDescendant[r] = true
		}
		if hasLiveDescendant[r] {
			p1, p2 := cl.ParentRevs(r)
			if p1 >= 0 {
				hasLiveDescendant[p1] = true
			}
			if p2 >= 0 {
				hasLiveDescendant[p2] = true
			}
		}
	}
	for r := range s.memo.obsolete {
		if hasLiveDescendant[r] {
			s.memo.suspended[r] = true
		} else {
			s.memo.extinct[r] = true
		}
	}

	// bumped: non-public, non-obsolete, whose precursor chain (ignoring
	// BUMPED_FIX markers) contains a public revision.
	for r := 0; r < cl.Len(); r++ {
		if !isVisible(r) || ph.IsPublic(r) || s.memo.obsolete[r] {
			continue
		}
		n := cl.Node(r)
		if s.chainHasPublicPrecursor(n, cl, ph, map[Node]bool{}) {
			s.memo.bumped[r] = true
		}
	}

	// divergent: non-public, non-obsolete, whose precursor has more than
	// one non-pruned successor set.
	for r := 0; r < cl.Len(); r++ {
		if !isVisible(r) || ph.IsPublic(r) || s.memo.obsolete[r] {
			continue
		}
		n := cl.Node(r)
		for _, m := range s.precursors[n] {
			// computeSets runs under s.mu already held (ensureSets), so this
			// must call the unexported, lock-free successorSets rather than
			// the exported SuccessorSets, which would re-acquire s.mu.RLock
			// and deadlock against the write lock above.
			sets := s.successorSets(m.Precursor, func(x Node) bool { return cl.Rev(x) >= 0 }, NewSSCache(), map[Node]bool{})
			nonPruned := 0
			for _, set := range sets {
				if len(set) > 0 {
					nonPruned++
				}
			}
			if nonPruned > 1 {
				s.memo.divergent[r] = true
				break
			}
		}
	}

	s.memo.valid = true
}

func (s *Store) chainHasPublicPrecursor(n Node, cl Changelog, ph PhaseSource, seen map[Node]bool) bool {
	if seen[n] {
		return false
	}
	seen[n] = true
	for _, m := range s.precursors[n] {
		if m.Flags&FlagBumpedFix != 0 {
			continue
		}
		pr := cl.Rev(m.Precursor)
		if pr >= 0 && ph.IsPublic(pr) {
			return true
		}
		if s.chainHasPublicPrecursor(m.Precursor, cl, ph, seen) {
			return true
		}
	}
	return false
}

func (s *Store) ensureSets(cl Changelog, ph PhaseSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.memo.valid {
		s.computeSets(cl, ph)
	}
}

func revSet(m map[int]bool) []int {
	out := make([]int, 0, len(m))
	for r := range m {
		out = append(out, r)
	}
	return out
}

func (s *Store) Obsolete(cl Changelog, ph PhaseSource) []int {
	s.ensureSets(cl, ph)
	return revSet(s.memo.obsolete)
}

func (s *Store) Unstable(cl Changelog, ph PhaseSource) []int {
	s.ensureSets(cl, ph)
	return revSet(s.memo.unstable)
}

func (s *Store) Suspended(cl Changelog, ph PhaseSource) []int {
	s.ensureSets(cl, ph)
	return revSet(s.memo.suspended)
}

func (s *Store) Extinct(cl Changelog, ph PhaseSource) []int {
	s.ensureSets(cl, ph)
	return revSet(s.memo.extinct)
}

func (s *Store) Bumped(cl Changelog, ph PhaseSource) []int {
	s.ensureSets(cl, ph)
	return revSet(s.memo.bumped)
}

func (s *Store) Divergent(cl Changelog, ph PhaseSource) []int {
	s.ensureSets(cl, ph)
	return revSet(s.memo.divergent)
}
