package fib

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/c2h5oh/datasize"
)

// smallBits is the largest internal node width whose slot array fits in
// a page. Such nodes are recycled through pools; wider ones are left to
// the garbage collector.
const smallBits = 8

var (
	nodeHeaderSize = uint64(unsafe.Sizeof(node{}))
	slotSize       = uint64(unsafe.Sizeof(atomic.Pointer[node]{}))
	aliasSize      = uint64(unsafe.Sizeof(alias{}))
)

func tnodeSize(bits uint8) uint64 {
	return nodeHeaderSize + slotSize<<bits
}

func (n *node) size() uint64 {
	if n.isLeaf() {
		return nodeHeaderSize
	}
	return tnodeSize(n.bits)
}

// allocator hands out trie nodes and enforces the memory limit.
//
// Nodes are returned to it by reclaimer destructors, so free may run
// concurrently with the writer.
type allocator struct {
	limit uint64
	used  atomic.Uint64

	leaves sync.Pool
	tnodes [smallBits + 1]sync.Pool

	failures atomic.Uint64
}

func newAllocator(limit datasize.ByteSize) *allocator {
	a := &allocator{
		limit: uint64(limit),
	}

	a.leaves.New = func() any {
		return new(node)
	}
	for bits := 1; bits <= smallBits; bits++ {
		a.tnodes[bits].New = func() any {
			return &node{
				children: make([]atomic.Pointer[node], 1<<bits),
			}
		}
	}

	return a
}

func (a *allocator) reserve(size uint64) error {
	if a.limit == 0 {
		a.used.Add(size)
		return nil
	}

	for {
		used := a.used.Load()
		if used+size > a.limit {
			a.failures.Add(1)
			return fmt.Errorf("%w: node of %s exceeds the limit of %s",
				ErrNoMemory, datasize.ByteSize(size).HR(), datasize.ByteSize(a.limit).HR())
		}
		if a.used.CompareAndSwap(used, used+size) {
			return nil
		}
	}
}

// newLeaf creates a leaf holding a single alias.
func (a *allocator) newLeaf(key uint32, fa *alias) (*node, error) {
	if err := a.reserve(nodeHeaderSize); err != nil {
		return nil, err
	}

	l := a.leaves.Get().(*node)
	l.key = key
	l.pos = 0
	l.bits = 0
	l.slen.Store(uint32(fa.slen))
	l.setList(aliasList{fa})

	return l, nil
}

// newTnode creates an empty internal node. Key bits below pos+bits are
// cleared; a shift count of keyLength yields zero.
func (a *allocator) newTnode(key uint32, pos uint8, bits uint8) (*node, error) {
	if bits == 0 || uint32(pos)+uint32(bits) > keyLength {
		return nil, fmt.Errorf("%w: internal node pos=%d bits=%d", ErrInvariantViolation, pos, bits)
	}

	if err := a.reserve(tnodeSize(bits)); err != nil {
		return nil, err
	}

	var tn *node
	if bits <= smallBits {
		tn = a.tnodes[bits].Get().(*node)
	} else {
		tn = &node{
			children: make([]atomic.Pointer[node], uint64(1)<<bits),
		}
	}

	shift := uint32(pos) + uint32(bits)
	tn.key = key >> shift << shift
	tn.pos = pos
	tn.bits = bits
	tn.slen.Store(uint32(pos))
	tn.emptyChildren = uint64(1) << bits
	tn.fullChildren = 0

	return tn, nil
}

// free returns a node that no reader can reach anymore.
func (a *allocator) free(n *node) {
	size := n.size()
	a.used.Add(^(size - 1))

	bits := n.bits
	n.key = 0
	n.pos = 0
	n.bits = 0
	n.slen.Store(0)
	n.parent.Store(nil)
	n.aliases.Store(nil)
	n.emptyChildren = 0
	n.fullChildren = 0
	n.freeNext = nil
	for i := range n.children {
		n.children[i].Store(nil)
	}

	switch {
	case bits == 0:
		a.leaves.Put(n)
	case bits <= smallBits:
		a.tnodes[bits].Put(n)
	}
}

// Used returns the memory currently held by live and retired nodes.
func (a *allocator) Used() datasize.ByteSize {
	return datasize.ByteSize(a.used.Load())
}
