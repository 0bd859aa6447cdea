// Package tags implements the tag resolver (TR): computing the global
// {name -> (node, history)} map by reading the tracked tag file at every
// head, using the tag filenode cache to avoid manifest lookups, and
// persisting a secondary history cache validated by
// (tiprev, tipnode, filteredhash). Grounded on mercurial/tags.py, with the
// line-based file format read/written in the teacher's plain-writer style
// (journal/journal.go).
package tags

import (
	"bufio"
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/rcowham/hgcore/internal/obsstore"
	"github.com/rcowham/hgcore/internal/vfs"
	"github.com/sirupsen/logrus"
)

// Entry is one resolved tag binding.
type Entry struct {
	Name    string
	Node    obsstore.Node
	History []obsstore.Node // oldest first; Node is the current binding
}

// FileReader reads file content for a filenode of the tracked tag file.
type FileReader interface {
	ReadFileNode(fnode obsstore.Node) ([]byte, error)
}

// Resolver computes and caches the global tag map.
type Resolver struct {
	vfsRoot vfs.Opener
	logger  *logrus.Logger
}

func New(opener vfs.Opener, logger *logrus.Logger) *Resolver {
	if logger == nil {
		logger = logrus.New()
	}
	return &Resolver{vfsRoot: opener, logger: logger}
}

func secondaryCachePath(filter string) string {
	if filter == "" {
		return "cache/tags2"
	}
	return "cache/tags2-" + filter
}

// parsedLine is one "<hex40> <name>" line of a tag file.
type parsedLine struct {
	Node obsstore.Node
	Name string
}

func parseTagFile(data []byte, logger *logrus.Logger) []parsedLine {
	var out []parsedLine
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		sp := strings.IndexByte(line, ' ')
		if sp < 0 {
			logger.Debugf("tags: malformed line %q", line)
			continue
		}
		hexNode := line[:sp]
		name := strings.TrimRight(line[sp+1:], " \t\r\n")
		node, err := obsstore.NodeFromHex(hexNode)
		if err != nil || len(node) != 20 {
			logger.Debugf("tags: malformed node %q", hexNode)
			continue
		}
		out = append(out, parsedLine{Node: node, Name: name})
	}
	return out
}

// mergeInto applies the merge-precedence rule of §4.4 for name between the
// existing binding (if any) and an incoming one, returning the winning
// entry.
func mergeInto(existing *Entry, name string, incomingNode obsstore.Node, incomingHistory []obsstore.Node) *Entry {
	if existing == nil {
		return &Entry{Name: name, Node: incomingNode, History: append([]obsstore.Node(nil), incomingHistory...)}
	}
	bnode, bhist := existing.Node, existing.History
	anode, ahist := incomingNode, incomingHistory

	winner := anode
	if bnode != anode && contains(bhist, anode) && (!contains(ahist, bnode) || len(bhist) > len(ahist)) {
		winner = bnode
	}

	merged := append([]obsstore.Node(nil), ahist...)
	seen := make(map[obsstore.Node]bool, len(merged)+1)
	for _, n := range merged {
		seen[n] = true
	}
	seen[anode] = true
	for _, n := range bhist {
		if !seen[n] {
			merged = append(merged, n)
			seen[n] = true
		}
	}
	if !seen[bnode] && winner == bnode {
		// ensure the losing current node is retained in history
		merged = append(merged, anode)
	}
	return &Entry{Name: name, Node: winner, History: merged}
}

func contains(ns []obsstore.Node, n obsstore.Node) bool {
	for _, x := range ns {
		if x == n {
			return true
		}
	}
	return false
}

// FindGlobalTags resolves the global tag map across heads (tip-first).
// tagFileNodeAt resolves the tracked tag file's filenode at a head node
// (typically backed by the tag filenode cache); readFile reads the tag
// file's content for a given filenode.
func (r *Resolver) FindGlobalTags(
	tipRev int, tipNode obsstore.Node, filteredHash string, filter string,
	heads []obsstore.Node,
	tagFileNodeAt func(obsstore.Node) (obsstore.Node, error),
	readFile func(obsstore.Node) ([]byte, error),
) (map[string]*Entry, error) {
	cachePath := secondaryCachePath(filter)
	if entries, ok := r.readSecondaryCache(cachePath, tipRev, tipNode, filteredHash); ok {
		return entries, nil
	}

	// Resolving the tracked tag file's filenode at each head is the
	// independent, cacheable-per-head part of this walk (typically a
	// tagcache lookup or a manifest read); fan it out with one goroutine
	// per head, then fold results in head order below so dedup
	// and merge precedence are unaffected by completion order.
	fnodes := make([]obsstore.Node, len(heads))
	var g errgroup.Group
	for i, head := range heads {
		i, head := i, head
		g.Go(func() error {
			fnode, err := tagFileNodeAt(head)
			if err != nil {
				return err
			}
			fnodes[i] = fnode
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	alltags := make(map[string]*Entry)
	seenFnode := make(map[obsstore.Node]bool)
	for i := range heads {
		fnode := fnodes[i]
		if fnode.IsNull() || seenFnode[fnode] {
			continue
		}
		seenFnode[fnode] = true
		data, err := readFile(fnode)
		if err != nil {
			return nil, err
		}
		lines := parseTagFile(data, r.logger)
		// Merge all lines from this file into a transient per-file map
		// first (later lines in the same file win, per usual tag-file
		// append order), then merge that into alltags by precedence.
		perFile := make(map[string]*Entry)
		for _, pl := range lines {
			cur := perFile[pl.Name]
			var hist []obsstore.Node
			if cur != nil {
				hist = append(hist, cur.History...)
				hist = append(hist, cur.Node)
			}
			perFile[pl.Name] = &Entry{Name: pl.Name, Node: pl.Node, History: hist}
		}
		for name, e := range perFile {
			alltags[name] = mergeInto(alltags[name], name, e.Node, e.History)
		}
	}

	r.writeSecondaryCache(cachePath, tipRev, tipNode, filteredHash, alltags)
	return alltags, nil
}

func (r *Resolver) readSecondaryCache(path string, tipRev int, tipNode obsstore.Node, filteredHash string) (map[string]*Entry, bool) {
	data, err := r.vfsRoot.TryRead(path)
	if err != nil || data == nil {
		return nil, false
	}
	lines := strings.Split(string(data), "\n")
	if len(lines) == 0 {
		return nil, false
	}
	header := strings.Fields(lines[0])
	if len(header) < 2 {
		return nil, false
	}
	rev, err := strconv.Atoi(header[0])
	if err != nil || rev != tipRev || header[1] != tipNode.Hex() {
		return nil, false
	}
	if len(header) >= 3 && header[2] != filteredHash {
		return nil, false
	}
	if filteredHash != "" && len(header) < 3 {
		return nil, false
	}

	entries := make(map[string]*Entry)
	for _, line := range lines[1:] {
		if strings.TrimSpace(line) == "" {
			continue
		}
		sp := strings.IndexByte(line, ' ')
		if sp < 0 {
			continue
		}
		node, err := obsstore.NodeFromHex(line[:sp])
		if err != nil {
			continue
		}
		name := line[sp+1:]
		e, ok := entries[name]
		if !ok {
			entries[name] = &Entry{Name: name, Node: node}
			continue
		}
		e.History = append(e.History, e.Node)
		e.Node = node
	}
	return entries, true
}

func (r *Resolver) writeSecondaryCache(path string, tipRev int, tipNode obsstore.Node, filteredHash string, entries map[string]*Entry) {
	buf := &bytes.Buffer{}
	if filteredHash != "" {
		fmt.Fprintf(buf, "%d %s %s\n", tipRev, tipNode.Hex(), filteredHash)
	} else {
		fmt.Fprintf(buf, "%d %s\n", tipRev, tipNode.Hex())
	}
	names := make([]string, 0, len(entries))
	for n := range entries {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, name := range names {
		e := entries[name]
		for _, h := range e.History {
			fmt.Fprintf(buf, "%s %s\n", h.Hex(), name)
		}
		fmt.Fprintf(buf, "%s %s\n", e.Node.Hex(), name)
	}
	if err := r.vfsRoot.Write(path, buf.Bytes()); err != nil {
		r.logger.Debugf("tags: secondary cache write failed (ignored): %v", err)
	}
}

// ReadLocalTags reads the untracked localtags file (local encoding,
// treated here as raw bytes since no transcoding collaborator is in
// scope).
func (r *Resolver) ReadLocalTags(path string) (map[string]*Entry, error) {
	data, err := r.vfsRoot.TryRead(path)
	if err != nil || data == nil {
		return nil, err
	}
	lines := parseTagFile(data, r.logger)
	out := make(map[string]*Entry)
	for _, pl := range lines {
		e := out[pl.Name]
		if e != nil {
			e.History = append(e.History, e.Node)
		}
		out[pl.Name] = &Entry{Name: pl.Name, Node: pl.Node, History: entryHistory(e)}
	}
	return out, nil
}

func entryHistory(e *Entry) []obsstore.Node {
	if e == nil {
		return nil
	}
	return e.History
}

// Tag appends a new binding to the tag file (global ".hgtags" or the local
// "localtags" file), line-aligning the append by inserting a leading "\n"
// if the existing content does not end with one. Global tag writes are
// expected to be followed by the caller committing a changeset; local tag
// writes are not.
func (r *Resolver) Tag(path string, node obsstore.Node, name string) error {
	existing, err := r.vfsRoot.TryRead(path)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	buf.Write(existing)
	if len(existing) > 0 && existing[len(existing)-1] != '\n' {
		buf.WriteByte('\n')
	}
	fmt.Fprintf(&buf, "%s %s\n", node.Hex(), name)
	return r.vfsRoot.Write(path, buf.Bytes())
}
