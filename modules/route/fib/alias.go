package fib

import (
	"net/netip"
	"slices"
	"sync/atomic"

	"github.com/yanet-platform/fibtrie/common/go/xnetip"
)

const (
	aliasAccessed uint32 = 1 << iota
)

// alias is a route stored at a leaf.
//
// All fields except state are immutable; a replacement swaps the whole
// alias.
type alias struct {
	slen     uint8
	tos      uint8
	typ      RouteType
	tableID  uint32
	priority uint32
	info     RouteInfo
	state    atomic.Uint32
}

func (fa *alias) accessed() bool {
	return fa.state.Load()&aliasAccessed != 0
}

func (fa *alias) markAccessed() {
	if !fa.accessed() {
		fa.state.Or(aliasAccessed)
	}
}

// route returns a snapshot of the alias stored at key.
func (fa *alias) route(key uint32) Route {
	return Route{
		Prefix:   xnetip.KeyToPrefix(key, keyLength-int(fa.slen)),
		TOS:      fa.tos,
		Type:     fa.typ,
		Scope:    fa.info.Scope(),
		Priority: fa.priority,
		Protocol: fa.info.Protocol(),
		TableID:  fa.tableID,
		Info:     fa.info,
		Accessed: fa.accessed(),
	}
}

// Route is a snapshot of a route stored in the table.
type Route struct {
	Prefix   netip.Prefix
	TOS      uint8
	Type     RouteType
	Scope    Scope
	Priority uint32
	Protocol uint8
	TableID  uint32
	Info     RouteInfo
	// Accessed is set once a lookup has returned the route.
	Accessed bool
}

// Nexthops returns snapshots of all paths of the route.
func (m *Route) Nexthops() []Nexthop {
	if m.Info == nil {
		return nil
	}

	out := make([]Nexthop, 0, m.Info.NumPaths())
	for idx := range m.Info.NumPaths() {
		out = append(out, m.Info.Nexthop(idx))
	}
	return out
}

// aliasList is the ordered alias list of a leaf.
//
// Aliases are sorted by slen ascending (longest prefix first), then by
// table id descending, tos descending and priority ascending. Lists are
// copy-on-write: every modification returns a new slice.
type aliasList []*alias

// find returns the index of the first alias with the given slen and
// table whose tos and priority make it the insertion neighbour of a new
// alias, or -1.
func (m aliasList) find(slen uint8, tos uint8, prio uint32, tableID uint32) int {
	for idx, fa := range m {
		if fa.slen < slen {
			continue
		}
		if fa.slen != slen {
			break
		}
		if fa.tableID > tableID {
			continue
		}
		if fa.tableID != tableID {
			break
		}
		if fa.tos > tos {
			continue
		}
		if fa.priority >= prio || fa.tos < tos {
			return idx
		}
	}

	return -1
}

// tailIndex returns the position after the last alias sorting before or
// together with fa by slen and table.
func (m aliasList) tailIndex(fa *alias) int {
	pos := 0
	for idx, last := range m {
		if fa.slen < last.slen {
			break
		}
		if fa.slen == last.slen && fa.tableID > last.tableID {
			break
		}
		pos = idx + 1
	}
	return pos
}

func (m aliasList) insert(idx int, fa *alias) aliasList {
	return slices.Insert(slices.Clone(m), idx, fa)
}

func (m aliasList) replace(idx int, fa *alias) aliasList {
	out := slices.Clone(m)
	out[idx] = fa
	return out
}

func (m aliasList) remove(idx int) aliasList {
	return slices.Delete(slices.Clone(m), idx, idx+1)
}

// maxSlen returns the largest suffix length, carried by the last alias.
func (m aliasList) maxSlen() uint8 {
	if len(m) == 0 {
		return 0
	}
	return m[len(m)-1].slen
}
