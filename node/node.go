package node

import "strings"

// Node - tree structure recording the directory contents of a manifest.
// Used by the copy/rename tracer to answer "does this directory exist",
// "what files live under it" questions needed for directory-rename
// inference and to filter out nonsensical copy/delete combinations.
type Node struct {
	Name            string
	Path            string
	IsFile          bool
	CaseInsensitive bool
	Children        []*Node
}

func (n *Node) stringEqual(s1, s2 string) bool {
	if n.CaseInsensitive {
		return len(s1) == len(s2) && strings.EqualFold(s1, s2)
	}
	return len(s1) == len(s2) && s1 == s2
}

func NewNode(name string, caseInsensitive bool) *Node {
	return &Node{Name: name, CaseInsensitive: caseInsensitive}
}

func (n *Node) AddSubFile(fullPath string, subPath string) {
	parts := strings.Split(subPath, "/")
	if len(parts) == 1 {
		for _, c := range n.Children {
			if n.stringEqual(c.Name, parts[0]) {
				return // file already registered
			}
		}
		n.Children = append(n.Children, &Node{Name: parts[0], IsFile: true, Path: fullPath, CaseInsensitive: n.CaseInsensitive})
	} else {
		for _, c := range n.Children {
			if n.stringEqual(c.Name, parts[0]) {
				c.AddSubFile(fullPath, strings.Join(parts[1:], "/"))
				return
			}
		}
		n.Children = append(n.Children, NewNode(parts[0], n.CaseInsensitive))
		n.Children[len(n.Children)-1].AddSubFile(fullPath, strings.Join(parts[1:], "/"))
	}
}

func (n *Node) AddFile(path string) {
	n.AddSubFile(path, path)
}

// BuildTree constructs a manifest tree from a flat list of file paths,
// used by the copy/rename tracer to test directory membership ("dirs()"
// in the repository-primitive contract).
func BuildTree(paths []string, caseInsensitive bool) *Node {
	root := NewNode("", caseInsensitive)
	for _, p := range paths {
		root.AddFile(p)
	}
	return root
}

// HasDir reports whether dirName names a non-file node in the tree, i.e.
// whether any manifest entry lives under that directory.
func (n *Node) HasDir(dirName string) bool {
	if dirName == "" {
		return true
	}
	parts := strings.Split(dirName, "/")
	cur := n
	for _, part := range parts {
		found := false
		for _, c := range cur.Children {
			if cur.stringEqual(c.Name, part) && !c.IsFile {
				cur = c
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
