package fib

import (
	"github.com/c2h5oh/datasize"
)

// Stats describes the shape of the trie.
//
// Leaf and prefix counts cover the whole storage, including the routes
// of tables sharing it.
type Stats struct {
	Leaves       int
	Prefixes     int
	TNodes       int
	NullPointers int
	// MaxDepth and TotalDepth count the internal nodes above leaves.
	MaxDepth   int
	TotalDepth int
	// NodeSizes is the number of internal nodes per bits value.
	NodeSizes [keyLength + 1]int
	// Memory is the size of allocated nodes, retired ones included.
	Memory        datasize.ByteSize
	ResizeSkipped uint64
	AllocFailures uint64
	DefaultRoutes int
}

// AvgDepth returns the average leaf depth.
func (m *Stats) AvgDepth() float64 {
	if m.Leaves == 0 {
		return 0
	}
	return float64(m.TotalDepth) / float64(m.Leaves)
}

// Stats walks the trie and collects its statistics.
func (t *Table) Stats() (Stats, error) {
	tr := t.trie

	token := tr.reclaim.Enter()
	defer tr.reclaim.Exit(token)

	if tr.closed.Load() {
		return Stats{}, ErrRetry
	}

	s := Stats{
		Memory:        tr.alloc.Used(),
		ResizeSkipped: tr.resizeSkipped.Load(),
		AllocFailures: tr.alloc.failures.Load(),
		DefaultRoutes: t.DefaultRoutes(),
	}
	if n := tr.kv.child(0); n != nil {
		s.collect(n, 0)
	}

	return s, nil
}

func (m *Stats) collect(n *node, depth int) {
	if n.isLeaf() {
		m.Leaves++
		m.Prefixes += len(n.list())
		m.TotalDepth += depth
		m.MaxDepth = max(m.MaxDepth, depth)
		return
	}

	m.TNodes++
	m.NodeSizes[n.bits]++
	for idx := range uint64(1) << n.bits {
		c := n.child(idx)
		if c == nil {
			m.NullPointers++
			continue
		}
		m.collect(c, depth+1)
	}
}
