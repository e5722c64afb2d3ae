// Package filelist models the tree of shared files used for browsing,
// searching and queueing: our own share and the listings downloaded from
// peers. It also implements the XML wire format, optionally bzip2-compressed.
package filelist

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/prxssh/godc/pkg/tiger"
)

var (
	ErrBadName   = errors.New("filelist: name contains path separator")
	ErrDuplicate = errors.New("filelist: duplicate name in directory")
	ErrCycle     = errors.New("filelist: node cannot contain itself")
	ErrNotFound  = errors.New("filelist: path not found")
)

// Node is a file or directory inside a listing. Name is immutable after
// creation; renaming is remove + re-add. Directories own their children and
// keep Size equal to the sum of the children's sizes.
type Node struct {
	Name   string
	Parent *Node
	IsFile bool
	Size   uint64

	// HasTTH and TTH are meaningful for files only.
	HasTTH bool
	TTH    tiger.Hash

	// Incomplete marks a remote directory whose contents were not fully
	// listed by the peer.
	Incomplete bool

	// Children is kept sorted by (lowercase(name), name). Directories
	// only.
	Children []*Node

	// Local extension: set on nodes of our own share, used to reconcile
	// against the hashfiles table.
	IsLocal bool
	LastMod int64
	ID      int64
}

// NewDir creates a detached directory node.
func NewDir(name string) (*Node, error) {
	if strings.ContainsRune(name, '/') {
		return nil, ErrBadName
	}
	return &Node{Name: name}, nil
}

// NewFile creates a detached file node.
func NewFile(name string, size uint64) (*Node, error) {
	if strings.ContainsRune(name, '/') {
		return nil, ErrBadName
	}
	return &Node{Name: name, IsFile: true, Size: size}, nil
}

// cmpNames orders case-insensitively, ties broken byte-wise. This is the
// canonical child ordering; it is total and never reports two distinct
// names as equal.
func cmpNames(a, b string) int {
	la, lb := strings.ToLower(a), strings.ToLower(b)
	if la != lb {
		return strings.Compare(la, lb)
	}
	return strings.Compare(a, b)
}

// searchChild locates name among the sorted children, case-insensitively.
func (d *Node) searchChild(name string) (int, bool) {
	lname := strings.ToLower(name)
	i := sort.Search(len(d.Children), func(i int) bool {
		return strings.ToLower(d.Children[i].Name) >= lname
	})
	return i, i < len(d.Children) && strings.EqualFold(d.Children[i].Name, name)
}

// Add inserts child into directory d at its sorted position, updating the
// ancestor chain's sizes. Fails on duplicate names (case-insensitive), on a
// child that is an ancestor of d, or on an attached child.
func (d *Node) Add(child *Node) error {
	if d.IsFile {
		return fmt.Errorf("filelist: cannot add under a file")
	}
	if child.Parent != nil {
		return fmt.Errorf("filelist: node already attached")
	}
	for a := d; a != nil; a = a.Parent {
		if a == child {
			return ErrCycle
		}
	}
	i, found := d.searchChild(child.Name)
	if found {
		return ErrDuplicate
	}

	d.Children = append(d.Children, nil)
	copy(d.Children[i+1:], d.Children[i:])
	d.Children[i] = child
	child.Parent = d

	for a := d; a != nil; a = a.Parent {
		a.Size += child.Size
	}
	return nil
}

// Remove detaches node from its parent, updating ancestor sizes. The caller
// drops the last reference; the subtree goes with it.
func (n *Node) Remove() {
	p := n.Parent
	if p == nil {
		return
	}
	i, found := p.searchChild(n.Name)
	if !found || p.Children[i] != n {
		// Name index out of sync; fall back to a scan.
		i = -1
		for j, c := range p.Children {
			if c == n {
				i = j
				break
			}
		}
		if i < 0 {
			return
		}
	}

	p.Children = append(p.Children[:i], p.Children[i+1:]...)
	n.Parent = nil
	for a := p; a != nil; a = a.Parent {
		a.Size -= n.Size
	}
}

// Sort re-canonicalizes a directory's child order. Needed after bulk loads
// that append children unsorted.
func (d *Node) Sort() {
	sort.SliceStable(d.Children, func(i, j int) bool {
		return cmpNames(d.Children[i].Name, d.Children[j].Name) < 0
	})
}

// Find looks name up among d's children. When strict is set the match must
// be byte-exact; otherwise case-insensitive.
func (d *Node) Find(name string, strict bool) *Node {
	i, found := d.searchChild(name)
	if !found {
		return nil
	}
	c := d.Children[i]
	if strict && c.Name != name {
		return nil
	}
	return c
}

// Resolve walks a slash-delimited path from root. "/" denotes the root
// itself; empty segments are skipped; "." and ".." are not supported.
func Resolve(root *Node, path string) (*Node, error) {
	n := root
	for _, seg := range strings.Split(path, "/") {
		if seg == "" {
			continue
		}
		if seg == "." || seg == ".." {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, path)
		}
		if n.IsFile {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, path)
		}
		c := n.Find(seg, false)
		if c == nil {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, path)
		}
		n = c
	}
	return n, nil
}

// Path builds the canonical absolute path of a node.
func (n *Node) Path() string {
	if n.Parent == nil {
		return "/"
	}
	var parts []string
	for c := n; c.Parent != nil; c = c.Parent {
		parts = append(parts, c.Name)
	}
	var b strings.Builder
	for i := len(parts) - 1; i >= 0; i-- {
		b.WriteByte('/')
		b.WriteString(parts[i])
	}
	return b.String()
}

// IsEmpty reports whether no file with a TTH exists anywhere below d.
func (d *Node) IsEmpty() bool {
	if d.IsFile {
		return !d.HasTTH
	}
	for _, c := range d.Children {
		if !c.IsEmpty() {
			return false
		}
	}
	return true
}

// Copy deep-copies the subtree rooted at n. The copy's root is detached.
func (n *Node) Copy() *Node {
	c := *n
	c.Parent = nil
	c.Children = make([]*Node, len(n.Children))
	for i, child := range n.Children {
		cc := child.Copy()
		cc.Parent = &c
		c.Children[i] = cc
	}
	return &c
}

// Walk visits every node in the subtree depth-first, parents before
// children. Returning false from fn stops the walk.
func (n *Node) Walk(fn func(*Node) bool) bool {
	if !fn(n) {
		return false
	}
	for _, c := range n.Children {
		if !c.Walk(fn) {
			return false
		}
	}
	return true
}
