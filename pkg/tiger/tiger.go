// Package tiger implements the Tiger Tree Hash (THEX) primitives used on the
// Direct Connect network: 24-byte Tiger digests, the leaf/internal node
// derivation, root computation over leaf sequences, and the unpadded base32
// text form exchanged on the wire.
package tiger

import (
	"encoding/base32"
	"errors"
	"fmt"
	"hash"

	"github.com/cxmcc/tiger"
)

const (
	// Size is the byte length of a Tiger digest.
	Size = 24

	// LeafSize is the THEX base segment size: the file is hashed in
	// 1024-byte leaves regardless of the advertised block size.
	LeafSize = 1024

	// Base32Len is the length of the textual form (24 bytes, base32, no
	// padding).
	Base32Len = 39
)

var enc = base32.StdEncoding.WithPadding(base32.NoPadding)

var (
	ErrBadBase32 = errors.New("tiger: malformed base32 hash")
	ErrBadLeaves = errors.New("tiger: leaf data not a multiple of 24 bytes")
)

// Hash is a raw 24-byte Tiger digest.
type Hash [Size]byte

func (h Hash) String() string { return enc.EncodeToString(h[:]) }

// FromBase32 decodes the 39-character wire form.
func FromBase32(s string) (Hash, error) {
	var h Hash
	if len(s) != Base32Len {
		return h, fmt.Errorf("%w: length %d", ErrBadBase32, len(s))
	}
	b, err := enc.DecodeString(s)
	if err != nil || len(b) != Size {
		return h, ErrBadBase32
	}
	copy(h[:], b)
	return h, nil
}

// Sum computes a plain (unprefixed) Tiger digest. Used for synthetic download
// keys such as the per-user file-list key.
func Sum(p []byte) Hash {
	var h Hash
	d := tiger.New()
	d.Write(p)
	copy(h[:], d.Sum(nil))
	return h
}

// Leaf computes the THEX leaf digest Tiger(0x00 || p).
func Leaf(p []byte) Hash {
	var h Hash
	d := tiger.New()
	d.Write([]byte{0x00})
	d.Write(p)
	copy(h[:], d.Sum(nil))
	return h
}

// Internal computes the THEX internal node digest Tiger(0x01 || l || r).
func Internal(l, r Hash) Hash {
	var h Hash
	d := tiger.New()
	d.Write([]byte{0x01})
	d.Write(l[:])
	d.Write(r[:])
	copy(h[:], d.Sum(nil))
	return h
}

// Root folds a sequence of leaf-level digests into the tree root. At each
// level pairs combine left to right and an odd trailing node is promoted
// unchanged. An empty sequence yields the digest of the empty file.
func Root(leaves []Hash) Hash {
	if len(leaves) == 0 {
		return Leaf(nil)
	}
	level := leaves
	for len(level) > 1 {
		next := make([]Hash, 0, (len(level)+1)/2)
		for i := 0; i+1 < len(level); i += 2 {
			next = append(next, Internal(level[i], level[i+1]))
		}
		if len(level)%2 == 1 {
			next = append(next, level[len(level)-1])
		}
		level = next
	}
	return level[0]
}

// BlockSize returns the byte span covered by each of `leaves` leaf digests
// for a file of `size` bytes. It is the smallest power-of-two multiple of
// LeafSize whose product with the leaf count covers the file.
func BlockSize(size uint64, leaves int) uint64 {
	bs := uint64(LeafSize)
	for bs*uint64(leaves) < size {
		bs <<= 1
	}
	return bs
}

// SplitLeaves decodes a serialized TTHL blob into leaf digests.
func SplitLeaves(b []byte) ([]Hash, error) {
	if len(b)%Size != 0 {
		return nil, ErrBadLeaves
	}
	leaves := make([]Hash, len(b)/Size)
	for i := range leaves {
		copy(leaves[i][:], b[i*Size:])
	}
	return leaves, nil
}

// JoinLeaves is the inverse of SplitLeaves.
func JoinLeaves(leaves []Hash) []byte {
	b := make([]byte, 0, len(leaves)*Size)
	for _, l := range leaves {
		b = append(b, l[:]...)
	}
	return b
}

// CombineLeaves shrinks a leaf sequence by folding adjacent groups of four
// into their subtree roots, quadrupling the block size. Used to keep the
// stored TTHL at or above a minimum block granularity.
func CombineLeaves(leaves []Hash) []Hash {
	out := make([]Hash, 0, (len(leaves)+3)/4)
	for i := 0; i < len(leaves); i += 4 {
		end := min(i+4, len(leaves))
		out = append(out, Root(leaves[i:end]))
	}
	return out
}

// treeNode is a partial subtree on the streaming stack.
type treeNode struct {
	level int
	sum   Hash
}

// Tree is a streaming THEX hasher. Write file bytes in any chunking; Sum
// yields the root over everything written so far without disturbing the
// running state. The zero value is not usable; call NewTree.
type Tree struct {
	leaf  hash.Hash
	n     int // bytes in the current partial leaf
	total uint64
	stack []treeNode
}

func NewTree() *Tree {
	t := &Tree{leaf: tiger.New()}
	t.leaf.Write([]byte{0x00})
	return t
}

func (t *Tree) Write(p []byte) (int, error) {
	written := len(p)
	for len(p) > 0 {
		room := LeafSize - t.n
		if room > len(p) {
			room = len(p)
		}
		t.leaf.Write(p[:room])
		t.n += room
		t.total += uint64(room)
		p = p[room:]

		if t.n == LeafSize {
			t.pushLeaf()
		}
	}
	return written, nil
}

// BytesHashed reports the total number of bytes written.
func (t *Tree) BytesHashed() uint64 { return t.total }

// Reset returns the tree to its initial empty state.
func (t *Tree) Reset() {
	t.leaf.Reset()
	t.leaf.Write([]byte{0x00})
	t.n = 0
	t.total = 0
	t.stack = t.stack[:0]
}

func (t *Tree) pushLeaf() {
	var h Hash
	copy(h[:], t.leaf.Sum(nil))
	t.leaf.Reset()
	t.leaf.Write([]byte{0x00})
	t.n = 0

	node := treeNode{level: 0, sum: h}
	for len(t.stack) > 0 && t.stack[len(t.stack)-1].level == node.level {
		top := t.stack[len(t.stack)-1]
		t.stack = t.stack[:len(t.stack)-1]
		node = treeNode{level: node.level + 1, sum: Internal(top.sum, node.sum)}
	}
	t.stack = append(t.stack, node)
}

// Sum finalizes the root over the bytes written so far. The running state is
// preserved, so a caller may continue writing afterwards.
func (t *Tree) Sum() Hash {
	stack := make([]treeNode, len(t.stack))
	copy(stack, t.stack)

	if t.n > 0 || t.total == 0 {
		var h Hash
		copy(h[:], t.leaf.Sum(nil))
		stack = append(stack, treeNode{level: 0, sum: h})
	}

	for len(stack) > 1 {
		r := stack[len(stack)-1]
		l := stack[len(stack)-2]
		stack = stack[:len(stack)-2]
		stack = append(stack, treeNode{level: l.level + 1, sum: Internal(l.sum, r.sum)})
	}
	return stack[0].sum
}
