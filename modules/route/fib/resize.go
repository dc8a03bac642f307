package fib

import (
	"go.uber.org/zap"
)

// tnodeFreeAppend chains n to the nodes released together with tn.
func tnodeFreeAppend(tn, n *node) {
	n.freeNext = tn.freeNext
	tn.freeNext = n
}

// discard releases a node that was never published, together with the
// nodes chained to it.
func (t *trie) discard(tn *node) {
	for tn != nil {
		next := tn.freeNext
		t.alloc.free(tn)
		tn = next
	}
}

// replace links tn in place of oldtnode and resizes the children of tn
// that may have become candidates for inflation.
func (t *trie) replace(oldtnode, tn *node) *node {
	tp := oldtnode.parentNode()

	// Set up the parent pointer out of and into the new node.
	tn.parent.Store(tp)
	putChildRoot(tp, tn.key, tn)

	// Update all of the child parent pointers.
	updateChildren(tn)

	// All pointers should be clean, so release the old node.
	t.tnodeFree(oldtnode)

	// Resize the children of the new node.
	for i := childLength(tn); i > 0; {
		i--
		inode := tn.child(i)

		// Resize child node.
		if tnodeFull(tn, inode) {
			tn = t.resize(inode)
		}
	}

	return tp
}

// inflate doubles the width of oldtnode. It returns the parent of the
// new node, or nil when memory is exhausted.
func (t *trie) inflate(oldtnode *node) *node {
	tn, err := t.alloc.newTnode(oldtnode.key, oldtnode.pos-1, oldtnode.bits+1)
	if err != nil {
		return nil
	}

	// Prepare oldtnode to be freed.
	oldtnode.freeNext = nil

	// Assemble all of the pointers in our cluster. m is the bit used to
	// separate the two children of a full child.
	m := uint32(1) << tn.pos
	for i := childLength(oldtnode); i > 0; {
		i--
		inode := oldtnode.child(i)

		// An empty child.
		if inode == nil {
			continue
		}

		// A leaf or an internal node with skipped bits.
		if !tnodeFull(oldtnode, inode) {
			putChild(tn, getIndex(inode.key, tn), inode)
			continue
		}

		// Drop the node in the old tnode free list.
		tnodeFreeAppend(oldtnode, inode)

		// An internal node with two children.
		if inode.bits == 1 {
			putChild(tn, 2*i+1, inode.child(1))
			putChild(tn, 2*i, inode.child(0))
			continue
		}

		// Split inode into node0 and node1, one bit further down the
		// key. The bit at tn.pos, which tn now consumes, is zero in
		// node0's key and one in node1's.
		node1, err := t.alloc.newTnode(inode.key|m, inode.pos, inode.bits-1)
		if err != nil {
			t.discard(tn)
			return nil
		}
		tnodeFreeAppend(tn, node1)

		node0, err := t.alloc.newTnode(inode.key, inode.pos, inode.bits-1)
		if err != nil {
			t.discard(tn)
			return nil
		}
		tnodeFreeAppend(tn, node0)

		// Populate child pointers in the new nodes.
		for k, j := childLength(inode), childLength(inode)/2; j > 0; {
			k--
			j--
			putChild(node1, j, inode.child(k))
			putChild(node0, j, inode.child(j))
			k--
			j--
			putChild(node1, j, inode.child(k))
			putChild(node0, j, inode.child(j))
		}

		// Link new nodes to the parent.
		node1.parent.Store(tn)
		node0.parent.Store(tn)

		// Link parent to the new nodes.
		putChild(tn, 2*i+1, node1)
		putChild(tn, 2*i, node0)
	}

	// The new nodes are part of the trie now.
	tn.freeNext = nil

	return t.replace(oldtnode, tn)
}

// halve narrows oldtnode by one bit. It returns the parent of the new
// node, or nil when memory is exhausted.
func (t *trie) halve(oldtnode *node) *node {
	tn, err := t.alloc.newTnode(oldtnode.key, oldtnode.pos+1, oldtnode.bits-1)
	if err != nil {
		return nil
	}

	// Prepare oldtnode to be freed.
	oldtnode.freeNext = nil

	for i := childLength(oldtnode); i > 0; {
		i--
		node1 := oldtnode.child(i)
		i--
		node0 := oldtnode.child(i)

		// At least one of the children is empty.
		if node1 == nil || node0 == nil {
			if node1 == nil {
				node1 = node0
			}
			putChild(tn, i/2, node1)
			continue
		}

		// Two non-empty children.
		inode, err := t.alloc.newTnode(node0.key, oldtnode.pos, 1)
		if err != nil {
			t.discard(tn)
			return nil
		}
		tnodeFreeAppend(tn, inode)

		// Initialize pointers out of the node.
		putChild(inode, 1, node1)
		putChild(inode, 0, node0)
		inode.parent.Store(tn)

		// Link parent to the node.
		putChild(tn, i/2, inode)
	}

	tn.freeNext = nil

	return t.replace(oldtnode, tn)
}

// collapse replaces oldtnode with its only child, if any.
func (t *trie) collapse(oldtnode *node) *node {
	// Scan the node in search of the remaining child.
	var n *node
	for i := childLength(oldtnode); n == nil && i > 0; {
		i--
		n = oldtnode.child(i)
	}

	// Compress one level.
	tp := oldtnode.parentNode()
	putChildRoot(tp, oldtnode.key, n)
	if n != nil {
		n.parent.Store(tp)
	}

	// Drop the dead node.
	t.nodeFree(oldtnode)

	return tp
}

// Occupancy thresholds follow Nilsson and Tikkanen, "Implementing a
// dynamic compressed trie": double a node while the share of non-empty
// slots in the doubled node stays above the inflate threshold (full
// children count twice as doubling splits them); halve it while the
// share of non-empty slots is below the halve threshold.
func (t *trie) shouldInflate(tp, tn *node) bool {
	used := childLength(tn)
	threshold := used

	// Keep the top-level node larger.
	if tp.isTrie() {
		threshold *= t.cfg.InflateThresholdRoot
	} else {
		threshold *= t.cfg.InflateThreshold
	}

	used -= tn.emptyChildren
	used += tn.fullChildren

	return used > 1 && tn.pos > 0 && 50*used >= threshold
}

func (t *trie) shouldHalve(tp, tn *node) bool {
	used := childLength(tn)
	threshold := used

	// Keep the top-level node larger.
	if tp.isTrie() {
		threshold *= t.cfg.HalveThresholdRoot
	} else {
		threshold *= t.cfg.HalveThreshold
	}

	used -= tn.emptyChildren

	return used > 1 && tn.bits > 1 && 100*used < threshold
}

func shouldCollapse(tn *node) bool {
	return childLength(tn)-tn.emptyChildren < 2
}

// resize restores the occupancy balance of tn and returns the parent of
// whatever node ends up in tn's slot.
func (t *trie) resize(tn *node) *node {
	tp := tn.parentNode()
	cindex := getIndex(tn.key, tp)
	maxWork := t.cfg.MaxWork

	// Track the node via the pointer from the parent.
	if tp.child(cindex) != tn {
		t.log.Debugw("node is not linked from its parent, skipping resize",
			zap.Error(ErrInvariantViolation),
			zap.Uint32("key", tn.key),
			zap.Uint8("pos", tn.pos),
			zap.Uint8("bits", tn.bits),
		)
		return tp
	}

	// Double as long as the resulting node has a number of non-empty
	// nodes that are above the threshold.
	for t.shouldInflate(tp, tn) && maxWork > 0 {
		tp = t.inflate(tn)
		if tp == nil {
			t.resizeSkipped.Add(1)
			break
		}

		maxWork--
		tn = tp.child(cindex)
	}

	// Update the parent in case inflate failed.
	tp = tn.parentNode()

	// Return if at least one inflate is run.
	if maxWork != t.cfg.MaxWork {
		return tp
	}

	// Halve as long as the number of empty children in this node is
	// above threshold.
	for t.shouldHalve(tp, tn) && maxWork > 0 {
		tp = t.halve(tn)
		if tp == nil {
			t.resizeSkipped.Add(1)
			break
		}

		maxWork--
		tn = tp.child(cindex)
	}

	// Only one child remains.
	if shouldCollapse(tn) {
		return t.collapse(tn)
	}

	// Update the parent in case halve failed.
	return tn.parentNode()
}

// rebalance resizes tn and each of its ancestors.
func (t *trie) rebalance(tn *node) {
	for !tn.isTrie() {
		tn = t.resize(tn)
	}
}
