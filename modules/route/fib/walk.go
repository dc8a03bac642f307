package fib

import (
	"fmt"
	"iter"
)

// leafWalk returns the first leaf whose key is at least key, starting
// from the internal node *tn, and leaves *tn pointing at its parent so
// that consecutive calls with growing keys do not restart from the root.
//
// It returns nil once the walk climbs back to the root sentinel.
func leafWalk(tn **node, key uint32) *node {
	var (
		pn     *node
		n      = *tn
		cindex uint64
	)

	// Try to find the key itself first.
	for {
		pn = n
		cindex = 0
		if key > pn.key {
			cindex = getIndex(key, pn)
		}

		if cindex>>pn.bits != 0 {
			break
		}

		n = pn.child(cindex)
		cindex++
		if n == nil {
			break
		}

		// Guarantee forward progress on the keys.
		if n.isLeaf() && n.key >= key {
			*tn = pn
			return n
		}
		if n.isLeaf() {
			break
		}
	}

	// Search for the next leaf with a greater key.
	for !pn.isTrie() {
		// Climb once the parent is exhausted.
		if cindex >= uint64(1)<<pn.bits {
			pkey := pn.key
			pn = pn.parentNode()
			cindex = getIndex(pkey, pn) + 1
			continue
		}

		n = pn.child(cindex)
		cindex++
		if n == nil {
			continue
		}

		// Keys are known to be greater here.
		if n.isLeaf() {
			*tn = pn
			return n
		}

		pn = n
		cindex = 0
	}

	*tn = pn
	return nil
}

// DumpFilter restricts the routes emitted by Walk.
//
// Zero fields match anything.
type DumpFilter struct {
	Type     RouteType
	Protocol uint8
	// Dev selects routes with at least one path through the device.
	Dev int
	// TableID selects the routes of another table sharing the storage.
	TableID uint32
	// Routes and Exceptions select regular and cached exception routes.
	// The table keeps no exceptions, so asking for them alone yields
	// nothing.
	Routes     bool
	Exceptions bool
}

func (m *DumpFilter) match(fa *alias) bool {
	if m == nil {
		return true
	}
	if m.Exceptions && !m.Routes {
		return false
	}
	if m.Type != 0 && fa.typ != m.Type {
		return false
	}
	if m.Protocol != 0 && fa.info.Protocol() != m.Protocol {
		return false
	}
	if m.Dev != 0 && !usesDev(fa.info, m.Dev) {
		return false
	}
	return true
}

// Cursor is the position of a paginated walk.
type Cursor struct {
	// Key is the key of the leaf to resume at.
	Key uint32
	// Index is the alias position within that leaf.
	Index int
	// Done is set once every leaf was visited.
	Done bool
}

// Walk calls sink for the routes of the table in key order, starting at
// cursor. A nil cursor walks the whole table.
//
// When sink fails the cursor is left at the failed route, so that a
// later call resumes with it, and the error is returned.
//
// The walk runs inside a read-side section; sink must not modify the
// table.
func (t *Table) Walk(filter *DumpFilter, cursor *Cursor, sink func(Route) error) error {
	if cursor == nil {
		cursor = &Cursor{}
	}
	if cursor.Done {
		return nil
	}

	tr := t.trie
	token := tr.reclaim.Enter()
	defer tr.reclaim.Exit(token)

	if tr.closed.Load() {
		return ErrRetry
	}

	tableID := t.id
	if filter != nil && filter.TableID != 0 {
		tableID = filter.TableID
	}

	tp := &tr.kv
	key := cursor.Key
	for {
		l := leafWalk(&tp, key)
		if l == nil {
			break
		}

		// The leaf the cursor pointed at is gone.
		if l.key != cursor.Key {
			cursor.Index = 0
		}

		for idx, fa := range l.list() {
			if idx < cursor.Index {
				continue
			}
			if fa.tableID != tableID || !filter.match(fa) {
				continue
			}

			if err := sink(fa.route(l.key)); err != nil {
				cursor.Key = l.key
				cursor.Index = idx
				return err
			}
		}

		cursor.Index = 0
		key = l.key + 1
		cursor.Key = key
		// Stop when the key wraps back to zero.
		if key < l.key {
			break
		}
	}

	cursor.Done = true
	return nil
}

// Routes returns a snapshot of the routes of the table in key order.
func (t *Table) Routes(filter *DumpFilter) ([]Route, error) {
	out := []Route{}
	err := t.Walk(filter, nil, func(r Route) error {
		out = append(out, r)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// All iterates over a snapshot of the routes of the table.
//
// Nothing is yielded for a closed table.
func (t *Table) All() iter.Seq[Route] {
	return func(yield func(Route) bool) {
		routes, err := t.Routes(nil)
		if err != nil {
			return
		}
		for _, r := range routes {
			if !yield(r) {
				return
			}
		}
	}
}

// AttachSubscriber replays every route of the table to sub as an add
// event. It stops at the first error sub returns.
//
// Changes are blocked during the replay. Delivering the events that
// follow it is up to the caller, see Seq.
func (t *Table) AttachSubscriber(sub Notifier) error {
	tr := t.trie

	tr.mu.Lock()
	defer tr.mu.Unlock()

	if tr.closed.Load() {
		return ErrRetry
	}

	tp := &tr.kv
	key := uint32(0)
	for {
		l := leafWalk(&tp, key)
		if l == nil {
			return nil
		}

		for _, fa := range l.list() {
			if fa.tableID != t.id {
				continue
			}

			event := Event{Type: EventAdd, Route: fa.route(l.key)}
			if err := sub.Notify(event); err != nil {
				return fmt.Errorf("%w: %s: %w", ErrNotifyFailed, event.Route.Prefix, err)
			}
		}

		key = l.key + 1
		if key < l.key {
			return nil
		}
	}
}
