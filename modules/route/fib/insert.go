package fib

import (
	"fmt"
	"math/bits"
	"net/netip"

	"go.uber.org/zap"

	"github.com/yanet-platform/fibtrie/common/go/xnetip"
)

// validatePrefix returns the key and length of a canonical IPv4 prefix.
func validatePrefix(prefix netip.Prefix) (uint32, int, error) {
	key, plen, ok := xnetip.PrefixToKey(prefix)
	if !ok || plen < 0 || plen > keyLength {
		return 0, 0, fmt.Errorf("%w: %s is not an IPv4 prefix", ErrInvalidPrefix, prefix)
	}
	if key&xnetip.HostMask(plen) != 0 {
		return 0, 0, fmt.Errorf("%w: %s has host bits set for the given prefix length", ErrInvalidPrefix, prefix)
	}
	return key, plen, nil
}

// findNode returns the leaf with exactly the given key, or nil, together
// with the deepest node on the way to it.
func (t *trie) findNode(key uint32) (*node, *node) {
	var (
		pn    *node
		n     = &t.kv
		index uint64
	)

	for {
		pn = n
		n = pn.child(index)
		if n == nil {
			break
		}

		index = getIndex(key, n)

		// A mismatch in the skipped bits means there is no such leaf.
		if index >= uint64(1)<<n.bits {
			n = nil
			break
		}

		// Keep searching until we find a perfect match leaf or nil.
		if n.isLeaf() {
			break
		}
	}

	return n, pn
}

// Add inserts a new route, failing if an identical one exists.
func (t *Table) Add(cfg *RouteConfig) error {
	return t.Insert(cfg, FlagCreate|FlagExcl)
}

// Replace replaces the first route with the same prefix, tos and
// priority, or creates it. The new route inherits the accessed state of
// the replaced one.
func (t *Table) Replace(cfg *RouteConfig) error {
	return t.Insert(cfg, FlagCreate|FlagReplace)
}

// Append adds a route after the existing routes with the same prefix,
// tos and priority.
func (t *Table) Append(cfg *RouteConfig) error {
	return t.Insert(cfg, FlagCreate|FlagAppend)
}

// Insert adds or replaces a route according to flags.
func (t *Table) Insert(cfg *RouteConfig, flags InsertFlags) error {
	key, plen, err := validatePrefix(cfg.Prefix)
	if err != nil {
		return err
	}
	if !cfg.Type.Valid() {
		return fmt.Errorf("%w: invalid route type %d", ErrBadArgument, cfg.Type)
	}

	tr := t.trie

	fi, err := tr.infos.NewRouteInfo(cfg)
	if err != nil {
		return fmt.Errorf("failed to create route info for %s: %w", cfg.Prefix, err)
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()

	if tr.closed.Load() {
		fi.Release()
		return fmt.Errorf("%w: table %d is closed", ErrBadArgument, t.id)
	}

	// insert consumes the reference on fi.
	return t.insert(key, plen, cfg, flags, fi)
}

func (t *Table) insert(key uint32, plen int, cfg *RouteConfig, flags InsertFlags, fi RouteInfo) error {
	tr := t.trie
	slen := uint8(keyLength - plen)
	tos := cfg.TOS
	prio := fi.Priority()

	l, tp := tr.findNode(key)

	var list aliasList
	fa := -1
	if l != nil {
		list = l.list()
		fa = list.find(slen, tos, prio, t.id)
	}

	event := EventAdd

	// Now fa, if non-negative, points to the first alias with the same
	// key, table and tos whose priority is not less than ours, or to the
	// first alias with a lower tos.
	if fa >= 0 && list[fa].tos == tos && list[fa].priority == prio {
		if flags&FlagExcl != 0 {
			fi.Release()
			return fmt.Errorf("%w: %s", ErrAlreadyExists, cfg)
		}

		first := fa
		match := -1
		next := -1

		// Scan the aliases equal to ours in everything but type and
		// route info, looking for an identical one.
		for idx := first; idx < len(list); idx++ {
			a := list[idx]
			if a.slen != slen || a.tableID != t.id || a.tos != tos || a.priority != prio {
				next = idx
				break
			}
			if a.typ == cfg.Type && a.info == fi {
				match = idx
				next = idx
				break
			}
		}

		if flags&FlagReplace != 0 {
			if match >= 0 {
				fi.Release()
				if match == first {
					return nil
				}
				return fmt.Errorf("%w: %s", ErrAlreadyExists, cfg)
			}

			return t.replaceAlias(l, first, key, cfg, fi)
		}

		// Error if we find a perfect match which uses the same scope,
		// type and next-hop information.
		if match >= 0 {
			fi.Release()
			return fmt.Errorf("%w: %s", ErrAlreadyExists, cfg)
		}

		if flags&FlagAppend != 0 {
			event = EventAppend
			fa = next
		} else {
			fa = first
		}
	}

	if flags&FlagCreate == 0 {
		fi.Release()
		return fmt.Errorf("%w: %s, creation is not allowed", ErrNotFound, cfg)
	}

	newFa := &alias{
		slen:     slen,
		tos:      tos,
		typ:      cfg.Type,
		tableID:  t.id,
		priority: prio,
		info:     fi,
	}

	if err := tr.notify(event, key, newFa); err != nil {
		tr.revert(EventDel, key, newFa)
		fi.Release()
		return fmt.Errorf("%w: %s: %w", ErrNotifyFailed, cfg, err)
	}

	// Insert the new alias into the list.
	if err := tr.insertAlias(tp, l, newFa, fa, key); err != nil {
		tr.revert(EventDel, key, newFa)
		fi.Release()
		return fmt.Errorf("failed to insert %s: %w", cfg, err)
	}

	if plen == 0 {
		t.numDefault.Add(1)
	}
	tr.flushCache()

	tr.log.Debugw("inserted route",
		zap.Stringer("event", event),
		zap.Uint32("table", t.id),
		zap.Stringer("route", cfg),
	)

	return nil
}

// replaceAlias swaps the alias at idx of leaf l for a new one.
func (t *Table) replaceAlias(l *node, idx int, key uint32, cfg *RouteConfig, fi RouteInfo) error {
	tr := t.trie
	list := l.list()
	old := list[idx]

	newFa := &alias{
		slen:     old.slen,
		tos:      old.tos,
		typ:      cfg.Type,
		tableID:  t.id,
		priority: old.priority,
		info:     fi,
	}
	if old.accessed() {
		newFa.markAccessed()
	}

	if err := tr.notify(EventReplace, key, newFa); err != nil {
		tr.revert(EventReplace, key, old)
		fi.Release()
		return fmt.Errorf("%w: %s: %w", ErrNotifyFailed, cfg, err)
	}

	l.setList(list.replace(idx, newFa))
	tr.aliasFree(old)

	// Routes handed out from the old alias may be cached.
	if old.accessed() {
		tr.flushCache()
	}

	tr.log.Debugw("replaced route", zap.Uint32("table", t.id), zap.Stringer("route", cfg))

	return nil
}

// insertAlias links newFa into leaf l at position fa, or at the position
// derived from its suffix length and table when fa is negative. A nil l
// makes a new leaf.
func (t *trie) insertAlias(tp, l *node, newFa *alias, fa int, key uint32) error {
	if l == nil {
		return t.insertNode(tp, newFa, key)
	}

	list := l.list()
	if fa < 0 {
		fa = list.tailIndex(newFa)
	}
	l.setList(list.insert(fa, newFa))

	// A longer suffix always goes to the tail.
	if l.suffix() < uint32(newFa.slen) {
		l.slen.Store(uint32(newFa.slen))
		nodePushSuffix(tp, newFa.slen)
	}

	return nil
}

// insertNode creates a leaf for key under tp.
func (t *trie) insertNode(tp *node, newFa *alias, key uint32) error {
	l, err := t.alloc.newLeaf(key, newFa)
	if err != nil {
		return err
	}

	// Retrieve the child from the parent node.
	n := tp.child(getIndex(key, tp))

	// The slot is taken by a node whose key differs from ours: add a
	// one-bit internal node at the highest differing bit. It becomes
	// the parent of both.
	if n != nil {
		tn, err := t.alloc.newTnode(key, uint8(bits.Len32(key^n.key)-1), 1)
		if err != nil {
			t.alloc.free(l)
			return err
		}

		// Initialize routes out of the node.
		tn.parent.Store(tp)
		putChild(tn, getIndex(key, tn)^1, n)

		// Start adding routes into the node.
		putChildRoot(tp, key, tn)
		n.parent.Store(tn)

		// The parent now has an empty slot where the leaf can go.
		tp = tn
	}

	// The slot is empty: link the leaf.
	nodePushSuffix(tp, newFa.slen)
	l.parent.Store(tp)
	putChildRoot(tp, key, l)
	t.rebalance(tp)

	return nil
}
