package fib

import (
	"fmt"

	"go.uber.org/zap"
)

// sweep walks the trie in reverse key order, dropping every alias for
// which keep returns false, and resizes each internal node once all of
// its children are processed. removed, when not nil, is called for every
// dropped alias before it is unlinked.
//
// It returns the number of dropped aliases.
func (t *trie) sweep(keep func(*alias) bool, removed func(key uint32, fa *alias)) int {
	pn := &t.kv
	cindex := uint64(1)
	found := 0

	for {
		if cindex == 0 {
			pkey := pn.key

			// The root sentinel cannot be resized.
			if pn.isTrie() {
				break
			}

			// Update the suffix to address pulled leaves.
			if pn.suffix() > uint32(pn.pos) {
				updateSuffix(pn)
			}

			// Resize the completed node.
			pn = t.resize(pn)
			cindex = getIndex(pkey, pn)
			continue
		}

		// Grab the next available node.
		cindex--
		n := pn.child(cindex)
		if n == nil {
			continue
		}

		if !n.isLeaf() {
			// Record pn and cindex for leaf walking.
			pn = n
			cindex = uint64(1) << n.bits
			continue
		}

		list := n.list()
		kept := make(aliasList, 0, len(list))
		for _, fa := range list {
			if keep(fa) {
				kept = append(kept, fa)
				continue
			}

			if removed != nil {
				removed(n.key, fa)
			}
			t.aliasFree(fa)
			found++
		}

		if len(kept) == len(list) {
			continue
		}

		if len(kept) == 0 {
			putChildRoot(pn, n.key, nil)
			t.nodeFree(n)
			continue
		}

		n.setList(kept)
		n.slen.Store(uint32(kept.maxSlen()))
	}

	if t.freeSize >= uint64(t.cfg.SyncMem) {
		t.freeSize = 0
		t.reclaim.Synchronize()
	}

	return found
}

// Flush removes routes whose next-hops are all dead. With all set error
// routes are removed too. It returns the number of removed routes.
func (t *Table) Flush(all bool) int {
	tr := t.trie

	tr.mu.Lock()
	defer tr.mu.Unlock()

	keep := func(fa *alias) bool {
		if fa.tableID != t.id {
			return true
		}

		dead := fa.info.Dead() || fa.info.Flags()&NexthopDead != 0
		if !dead && !fa.typ.IsError() {
			return true
		}

		// When not flushing the entire table, keep error routes.
		return !all && fa.typ.IsError()
	}

	found := tr.sweep(keep, func(key uint32, fa *alias) {
		if err := tr.notify(EventDel, key, fa); err != nil {
			tr.log.Debugw("subscriber failed to handle route removal", zap.Error(err))
		}
		if fa.slen == keyLength {
			t.numDefault.Add(-1)
		}
	})

	if found > 0 {
		tr.flushCache()
	}

	tr.log.Debugw("flushed table",
		zap.Uint32("table", t.id),
		zap.Bool("all", all),
		zap.Int("routes", found),
	)

	return found
}

// FlushExternal removes the routes of other tables sharing the storage
// of t, typically after they were cloned out with Unmerge. Their route
// info references are released and no events are emitted.
func (t *Table) FlushExternal() int {
	tr := t.trie

	tr.mu.Lock()
	defer tr.mu.Unlock()

	found := tr.sweep(func(fa *alias) bool {
		return fa.tableID == t.id
	}, nil)

	if found > 0 {
		tr.flushCache()
	}

	return found
}

// Unmerge copies the routes of table id out of the storage shared with t
// into a new table with its own storage.
//
// The copies hold their own route info references. The originals stay
// in place until FlushExternal is called on t.
func (t *Table) Unmerge(id uint32) (*Table, error) {
	tr := t.trie

	local, err := New(id, tr.infos,
		WithConfig(tr.cfg),
		WithReclaimer(tr.reclaim),
		WithNotifier(tr.notifier),
		WithLog(tr.log),
	)
	if err != nil {
		return nil, err
	}
	lt := local.trie

	tr.mu.Lock()
	defer tr.mu.Unlock()

	copied := 0
	tp := &tr.kv
	key := uint32(0)
	for {
		l := leafWalk(&tp, key)
		if l == nil {
			break
		}

		for _, fa := range l.list() {
			if fa.tableID != id {
				continue
			}

			newFa := &alias{
				slen:     fa.slen,
				tos:      fa.tos,
				typ:      fa.typ,
				tableID:  fa.tableID,
				priority: fa.priority,
				info:     fa.info,
			}
			fa.info.Hold()

			localLeaf, localTp := lt.findNode(l.key)
			if err := lt.insertAlias(localTp, localLeaf, newFa, -1, l.key); err != nil {
				fa.info.Release()
				local.Close()
				return nil, fmt.Errorf("failed to unmerge table %d: %w", id, err)
			}
			if newFa.slen == keyLength {
				local.numDefault.Add(1)
			}
			copied++
		}

		// Stop when the key wraps back to zero.
		next := l.key + 1
		if next < l.key {
			break
		}
		key = next
	}

	tr.log.Debugw("unmerged table",
		zap.Uint32("table", t.id),
		zap.Uint32("local", id),
		zap.Int("routes", copied),
	)

	return local, nil
}
