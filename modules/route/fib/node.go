package fib

import (
	"sync/atomic"
)

const keyLength = 32

// node is a vertex of the level-compressed trie.
//
// A node with bits == 0 is a leaf and carries aliases; any other node is
// an internal node with 1<<bits child slots. The root sentinel has
// pos == keyLength, bits == 0 and exactly one child slot.
//
// key, pos and bits never change once the node is reachable by readers.
// slen, parent, child slots and the alias list are published with atomic
// stores and may be read concurrently.
type node struct {
	key  uint32
	pos  uint8
	bits uint8

	slen   atomic.Uint32
	parent atomic.Pointer[node]

	children []atomic.Pointer[node]
	// Occupancy counters, touched by the writer only.
	emptyChildren uint64
	fullChildren  uint64

	aliases atomic.Pointer[aliasList]

	// freeNext chains nodes released together by one transformation.
	freeNext *node
}

// isTrie reports whether n is the root sentinel.
func (n *node) isTrie() bool {
	return n.pos >= keyLength
}

// isLeaf is only meaningful for nodes other than the root sentinel.
func (n *node) isLeaf() bool {
	return n.bits == 0
}

func (n *node) child(i uint64) *node {
	return n.children[i].Load()
}

func (n *node) parentNode() *node {
	return n.parent.Load()
}

func (n *node) suffix() uint32 {
	return n.slen.Load()
}

func (n *node) list() aliasList {
	if l := n.aliases.Load(); l != nil {
		return *l
	}
	return nil
}

func (n *node) setList(l aliasList) {
	n.aliases.Store(&l)
}

// childLength returns the number of child slots of an internal node and
// zero for leaves.
func childLength(n *node) uint64 {
	return (uint64(1) << n.bits) &^ 1
}

// getIndex returns the slot of key within n. Bits above pos+bits that
// differ from n's key make the result exceed the slot count.
//
// For the root sentinel the shift count is keyLength, which yields zero.
func getIndex(key uint32, n *node) uint64 {
	return uint64((key ^ n.key) >> n.pos)
}

// prefixMismatch returns non-zero if key differs from n's key at or above
// the lowest set bit of n's key.
func prefixMismatch(key uint32, n *node) uint32 {
	prefix := n.key
	return (key ^ prefix) & (prefix | -prefix)
}

// tnodeFull reports whether child c of tn is an internal node without
// skipped bits.
func tnodeFull(tn, c *node) bool {
	return c != nil && !c.isLeaf() && c.pos+c.bits == tn.pos
}

// putChild stores c in slot i of tn and maintains the occupancy counters
// and the suffix length of tn.
func putChild(tn *node, i uint64, c *node) {
	chi := tn.child(i)

	switch {
	case c == nil && chi != nil:
		tn.emptyChildren++
	case c != nil && chi == nil:
		tn.emptyChildren--
	}

	wasFull := tnodeFull(tn, chi)
	isFull := tnodeFull(tn, c)
	switch {
	case wasFull && !isFull:
		tn.fullChildren--
	case !wasFull && isFull:
		tn.fullChildren++
	}

	if c != nil && tn.suffix() < c.suffix() {
		tn.slen.Store(c.suffix())
	}

	tn.children[i].Store(c)
}

// putChildRoot stores c in the slot of tp that key maps to.
func putChildRoot(tp *node, key uint32, c *node) {
	if tp.isTrie() {
		tp.children[0].Store(c)
		return
	}
	putChild(tp, getIndex(key, tp), c)
}

// updateChildren points the parent pointers of tn's children at tn,
// descending into children created together with tn.
func updateChildren(tn *node) {
	for i := childLength(tn); i > 0; {
		i--
		inode := tn.child(i)
		if inode == nil {
			continue
		}

		// Either update the children of a node created together with tn
		// or update the parent pointer of an existing child.
		if inode.parentNode() == tn {
			updateChildren(inode)
		} else {
			inode.parent.Store(tn)
		}
	}
}

// nodePushSuffix raises the suffix length of tn and its ancestors to at
// least slen.
func nodePushSuffix(tn *node, slen uint8) {
	for tn.suffix() < uint32(slen) {
		tn.slen.Store(uint32(slen))
		tn = tn.parentNode()
	}
}

// nodePullSuffix recomputes suffix lengths upwards from tn after a
// suffix of length up to slen has gone.
func nodePullSuffix(tn *node, slen uint8) {
	nodeSlen := tn.suffix()
	s := uint32(slen)

	for nodeSlen > uint32(tn.pos) && nodeSlen > s {
		s = updateSuffix(tn)
		if nodeSlen == s {
			break
		}

		tn = tn.parentNode()
		nodeSlen = tn.suffix()
	}
}

// updateSuffix recomputes the suffix length of tn from its children.
//
// A child in slot i can only carry a suffix longer than pos plus the
// number of trailing zero bits of i, so after each increase the scan
// stride doubles accordingly.
func updateSuffix(tn *node) uint32 {
	slen := uint32(tn.pos)
	slenMax := min(uint32(tn.pos)+uint32(tn.bits)-1, tn.suffix())
	stride := uint64(2)

	for i := uint64(0); i < childLength(tn); i += stride {
		n := tn.child(i)
		if n == nil || n.suffix() <= slen {
			continue
		}

		// Update stride and slen based on the new value.
		stride <<= n.suffix() - slen
		slen = n.suffix()
		i &^= stride - 1

		// Stop searching if we have hit the maximum possible value.
		if slen >= slenMax {
			break
		}
	}

	tn.slen.Store(slen)
	return slen
}
