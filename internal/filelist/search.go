package filelist

import (
	"strings"
)

// SizeOp constrains the size predicate of a search.
type SizeOp uint8

const (
	SizeAny SizeOp = iota
	SizeAtMost
	SizeExact
	// SizeAtLeast matches sizes strictly greater than Search.Size.
	SizeAtLeast
)

// Target selects which node kinds a search may return.
type Target uint8

const (
	TargetAny Target = iota
	TargetFiles
	TargetDirs
)

// Search is a compiled search predicate: an AND-list of substrings that must
// all match somewhere along the path, a NOT-list none of which may match,
// an optional extension allow-list, and size/type constraints. All string
// matching is case-insensitive.
type Search struct {
	SizeOp SizeOp
	Size   uint64
	Target Target

	// And, Not and Ext must be lowercase; use Compile to build a Search
	// from raw user terms.
	And []string
	Not []string
	Ext []string
}

// Compile lowercases the term lists into a ready-to-run Search.
func Compile(and, not, ext []string, target Target, op SizeOp, size uint64) *Search {
	lower := func(in []string) []string {
		out := make([]string, 0, len(in))
		for _, s := range in {
			if s != "" {
				out = append(out, strings.ToLower(s))
			}
		}
		return out
	}
	return &Search{
		SizeOp: op,
		Size:   size,
		Target: target,
		And:    lower(and),
		Not:    lower(not),
		Ext:    lower(ext),
	}
}

func (s *Search) sizeOK(size uint64) bool {
	switch s.SizeOp {
	case SizeAtMost:
		return size <= s.Size
	case SizeExact:
		return size == s.Size
	case SizeAtLeast:
		return size > s.Size
	default:
		return true
	}
}

func (s *Search) targetOK(n *Node) bool {
	switch s.Target {
	case TargetFiles:
		return n.IsFile
	case TargetDirs:
		return !n.IsFile
	default:
		return true
	}
}

func (s *Search) extOK(name string) bool {
	if len(s.Ext) == 0 {
		return true
	}
	dot := strings.LastIndexByte(name, '.')
	if dot < 0 || dot == len(name)-1 {
		return false
	}
	ext := strings.ToLower(name[dot+1:])
	for _, e := range s.Ext {
		if e == ext {
			return true
		}
	}
	return false
}

// Run searches the subtree under root depth-first and returns up to max
// matches. An AND term matched by a directory's name is considered matched
// for the whole subtree, so each keyword need only appear somewhere along
// the path.
func (s *Search) Run(root *Node, max int) []*Node {
	if max <= 0 {
		return nil
	}
	results := make([]*Node, 0, max)
	s.run(root, s.And, &results, max)
	return results
}

func (s *Search) run(n *Node, and []string, results *[]*Node, max int) {
	if len(*results) >= max {
		return
	}

	lname := strings.ToLower(n.Name)

	for _, t := range s.Not {
		if strings.Contains(lname, t) {
			return
		}
	}

	// Drop AND terms this name satisfies before descending: a keyword
	// matched by an ancestor is matched for the whole subtree.
	remaining := and
	for i, t := range and {
		if strings.Contains(lname, t) {
			kept := make([]string, 0, len(and)-1)
			kept = append(kept, and[:i]...)
			for _, u := range and[i+1:] {
				if !strings.Contains(lname, u) {
					kept = append(kept, u)
				}
			}
			remaining = kept
			break
		}
	}

	if len(remaining) == 0 && s.targetOK(n) && s.sizeOK(n.Size) && (!n.IsFile || s.extOK(n.Name)) {
		*results = append(*results, n)
		if len(*results) >= max {
			return
		}
	}

	for _, c := range n.Children {
		s.run(c, remaining, results, max)
	}
}
