package fib

import (
	"fmt"

	"go.uber.org/zap"
)

// Delete removes the first route matching cfg.
//
// The prefix, tos and table must match exactly. Type, scope, protocol,
// priority and preferred source are compared only when set; ScopeUniverse
// and ScopeNowhere match any scope. Next-hops are matched by the route
// info and cfg.Match, when given, has the final say.
func (t *Table) Delete(cfg *RouteConfig) error {
	key, plen, err := validatePrefix(cfg.Prefix)
	if err != nil {
		return err
	}

	tr := t.trie

	tr.mu.Lock()
	defer tr.mu.Unlock()

	slen := uint8(keyLength - plen)

	l, tp := tr.findNode(key)
	if l == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, cfg.Prefix)
	}

	list := l.list()
	fa := list.find(slen, cfg.TOS, 0, t.id)
	if fa < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, cfg.Prefix)
	}

	target := -1
	for idx := fa; idx < len(list); idx++ {
		a := list[idx]
		if a.slen != slen || a.tableID != t.id || a.tos != cfg.TOS {
			break
		}

		if matchDelete(a, key, cfg) {
			target = idx
			break
		}
	}
	if target < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, cfg)
	}

	old := list[target]

	// A subscriber failure must not keep a route alive.
	if err := tr.notify(EventDel, key, old); err != nil {
		tr.log.Debugw("subscriber failed to handle route removal",
			zap.Stringer("route", cfg),
			zap.Error(err),
		)
	}

	if plen == 0 {
		t.numDefault.Add(-1)
	}

	tr.removeAlias(tp, l, target)

	if old.accessed() {
		tr.flushCache()
	}
	tr.aliasFree(old)

	tr.log.Debugw("deleted route", zap.Uint32("table", t.id), zap.Stringer("route", cfg))

	return nil
}

func matchDelete(fa *alias, key uint32, cfg *RouteConfig) bool {
	fi := fa.info

	if cfg.Type != RouteUnspec && fa.typ != cfg.Type {
		return false
	}
	if cfg.Scope != ScopeUniverse && cfg.Scope != ScopeNowhere && fi.Scope() != cfg.Scope {
		return false
	}
	if cfg.PrefSrc.IsValid() && fi.PrefSrc() != cfg.PrefSrc {
		return false
	}
	if cfg.Protocol != 0 && fi.Protocol() != cfg.Protocol {
		return false
	}
	if cfg.Priority != 0 && fa.priority != cfg.Priority {
		return false
	}
	if !fi.MatchConfig(cfg) {
		return false
	}
	if cfg.Match != nil && !cfg.Match(fa.route(key)) {
		return false
	}
	return true
}

// removeAlias unlinks the alias at idx of leaf l, dropping the leaf when
// it becomes empty.
func (t *trie) removeAlias(tp, l *node, idx int) {
	list := l.list()

	// The last alias is gone: remove the leaf.
	if len(list) == 1 {
		putChildRoot(tp, l.key, nil)
		if tp.suffix() == l.suffix() {
			nodePullSuffix(tp, tp.pos)
		}
		t.nodeFree(l)
		t.rebalance(tp)
		return
	}

	rest := list.remove(idx)
	l.setList(rest)

	// Only the tail alias carries the leaf suffix length.
	if idx == len(list)-1 {
		slen := rest.maxSlen()
		l.slen.Store(uint32(slen))
		nodePullSuffix(tp, slen)
	}
}
