// Package debuggraph renders the obsolescence DAG and copy/rename graphs
// for debugging, adapted from the teacher's gitgraph tool (which built a
// dot.Graph of commit parent/merge edges) onto obsolescence-marker and
// copy-trace edges instead.
package debuggraph

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/emicklei/dot"
	graphviz "github.com/goccy/go-graphviz"
	"github.com/rcowham/hgcore/internal/copytrace"
	"github.com/rcowham/hgcore/internal/obsstore"
)

// ObsoleteDAG renders precursor -> successor edges for every marker in
// markers, one graph node per involved node, labelled with its short hex.
func ObsoleteDAG(store *obsstore.Store, markers []*obsstore.Marker) *dot.Graph {
	g := dot.NewGraph(dot.Directed)
	nodes := make(map[obsstore.Node]dot.Node)
	getNode := func(n obsstore.Node) dot.Node {
		if existing, ok := nodes[n]; ok {
			return existing
		}
		label := n.Hex()
		if len(label) > 12 {
			label = label[:12]
		}
		gn := g.Node(label)
		nodes[n] = gn
		return gn
	}
	for _, m := range markers {
		precNode := getNode(m.Precursor)
		if m.IsPruneMarker() {
			pruned := g.Node(m.Precursor.Hex()[:8] + " (pruned)")
			g.Edge(precNode, pruned, "prune")
			continue
		}
		for _, suc := range m.Successors {
			g.Edge(precNode, getNode(suc), "obsoletes")
		}
	}
	return g
}

// CopyGraph renders the copy/move-with-dir edges from a CopyMaps result.
func CopyGraph(cm *copytrace.CopyMaps) *dot.Graph {
	g := dot.NewGraph(dot.Directed)
	for dst, src := range cm.Copy {
		g.Edge(g.Node(src), g.Node(dst), "copy")
	}
	for src, dst := range cm.MoveWithDir {
		g.Edge(g.Node(src), g.Node(dst), "movewithdir")
	}
	for dst, srcs := range cm.Diverge {
		for _, src := range srcs {
			g.Edge(g.Node(src), g.Node(dst), "diverge")
		}
	}
	return g
}

// Write writes g to path: raw DOT text for a ".dot" extension, or a
// rendered image via goccy/go-graphviz for image extensions (.png, .svg).
func Write(g *dot.Graph, path string) error {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".png" && ext != ".svg" && ext != ".jpg" {
		return os.WriteFile(path, []byte(g.String()), 0644)
	}
	gv := graphviz.New()
	gvGraph, err := graphviz.ParseBytes([]byte(g.String()))
	if err != nil {
		return err
	}
	defer gv.Close()
	format := graphviz.Format(strings.TrimPrefix(ext, "."))
	return gv.RenderFilename(gvGraph, format, path)
}
