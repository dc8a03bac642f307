package fib

import (
	"fmt"
	"net/netip"

	"github.com/yanet-platform/fibtrie/common/go/xnetip"
)

// FlowFlags modify next-hop selection.
type FlowFlags uint8

const (
	// FlowSkipNexthopOIF disables the output interface filter.
	FlowSkipNexthopOIF FlowFlags = 1 << iota
)

// Flow is the lookup request.
type Flow struct {
	// Dst is the IPv4 destination.
	Dst netip.Addr
	// TOS is the type of service of the packet.
	TOS uint8
	// Scope is the narrowest acceptable route scope.
	Scope Scope
	// OIF restricts next-hops to an output interface when non-zero.
	OIF   int
	Flags FlowFlags
}

// LookupFlags modify lookup behaviour.
type LookupFlags uint8

const (
	// LookupNoRef returns a match without taking a route info reference.
	LookupNoRef LookupFlags = 1 << iota
	// LookupIgnoreLinkState accepts next-hops whose link is down even
	// when their device asks to ignore such routes.
	LookupIgnoreLinkState
	// LookupSkipUnresolved rejects next-hops whose gateway neighbour
	// could not be resolved.
	LookupSkipUnresolved
)

// Match is a successful lookup result.
type Match struct {
	Prefix   netip.Prefix
	Type     RouteType
	Scope    Scope
	TOS      uint8
	Priority uint32
	TableID  uint32
	// NexthopIndex is the index of the selected path.
	NexthopIndex int
	Nexthop      Nexthop
	Info         RouteInfo

	held bool
}

// Release drops the route info reference taken by the lookup, if any.
func (m *Match) Release() {
	if m.held {
		m.held = false
		m.Info.Release()
	}
}

// Lookup finds the longest prefix route for the flow.
//
// It never blocks. Unless LookupNoRef is given the returned match holds
// a reference that must be released with Match.Release. Error routes
// yield a *RouteError.
func (t *Table) Lookup(flow *Flow, flags LookupFlags) (Match, error) {
	key, ok := xnetip.AddrToKey(flow.Dst)
	if !ok {
		return Match{}, fmt.Errorf("%w: destination %s is not an IPv4 address", ErrBadArgument, flow.Dst)
	}

	tr := t.trie
	if tr == nil {
		return Match{}, ErrRetry
	}

	token := tr.reclaim.Enter()
	defer tr.reclaim.Exit(token)

	if tr.closed.Load() {
		return Match{}, ErrRetry
	}

	return tr.lookup(key, flow, flags)
}

func (t *trie) lookup(key uint32, flow *Flow, flags LookupFlags) (Match, error) {
	var (
		pn     = &t.kv
		cindex uint64
		index  uint64
		n      *node
	)

	n = pn.child(0)
	if n == nil {
		return Match{}, ErrNotFound
	}

	// Travel to the longest prefix match in the trie.
	for {
		index = getIndex(key, n)

		// A mismatch in the skipped bits: this branch may still hold
		// a shorter covering prefix.
		if index >= uint64(1)<<n.bits {
			break
		}

		// An exact key match.
		if n.isLeaf() {
			goto found
		}

		// Remember the node if a prefix covering more than its range
		// may live below it.
		if n.suffix() > uint32(n.pos) {
			pn = n
			cindex = index
		}

		n = n.child(index)
		if n == nil {
			goto backtrace
		}
	}

	// Descend along the zero branch looking for prefixes that cover the
	// key.
check:
	for {
		// Either a key mismatch above the suffix of this node, or no
		// suffix long enough to cover the key below it.
		if prefixMismatch(key, n) != 0 || n.suffix() == uint32(n.pos) {
			goto backtrace
		}

		if n.isLeaf() {
			goto found
		}

		n = n.child(0)
		if n == nil {
			goto backtrace
		}
	}

backtrace:
	// Climb while no sibling candidates are left.
	for cindex == 0 {
		if pn.isTrie() {
			return Match{}, ErrNotFound
		}

		pkey := pn.key
		pn = pn.parentNode()
		cindex = getIndex(pkey, pn)
	}

	// Clearing the lowest set bit selects the slot holding the next
	// shorter candidate prefix.
	cindex &= cindex - 1
	n = pn.child(cindex)
	if n == nil {
		goto backtrace
	}
	goto check

found:
	index = uint64(key ^ n.key)
	for _, fa := range n.list() {
		if index >= uint64(1)<<fa.slen {
			continue
		}
		if fa.tos != 0 && fa.tos != flow.TOS {
			continue
		}

		fi := fa.info
		if fi.Dead() {
			continue
		}
		if fi.Scope() < flow.Scope {
			continue
		}

		fa.markAccessed()

		if fa.typ.IsError() {
			return Match{}, &RouteError{
				Type:   fa.typ,
				Prefix: xnetip.KeyToPrefix(n.key, keyLength-int(fa.slen)),
			}
		}
		if fi.Flags()&NexthopDead != 0 {
			continue
		}
		if fi.IsBlackhole() {
			return Match{}, &RouteError{
				Type:   RouteBlackhole,
				Prefix: xnetip.KeyToPrefix(n.key, keyLength-int(fa.slen)),
			}
		}

		for sel := range fi.NumPaths() {
			nh := fi.Nexthop(sel)

			if nh.Flags&NexthopDead != 0 {
				continue
			}
			if nh.IgnoreLinkDown && nh.Flags&NexthopLinkDown != 0 && flags&LookupIgnoreLinkState == 0 {
				continue
			}
			if nh.Flags&NexthopUnresolved != 0 && flags&LookupSkipUnresolved != 0 {
				continue
			}
			if flow.Flags&FlowSkipNexthopOIF == 0 && flow.OIF != 0 && flow.OIF != nh.Dev {
				continue
			}

			m := Match{
				Prefix:       xnetip.KeyToPrefix(n.key, keyLength-int(fa.slen)),
				Type:         fa.typ,
				Scope:        fi.Scope(),
				TOS:          fa.tos,
				Priority:     fa.priority,
				TableID:      fa.tableID,
				NexthopIndex: sel,
				Nexthop:      nh,
				Info:         fi,
			}
			if flags&LookupNoRef == 0 {
				fi.Hold()
				m.held = true
			}
			return m, nil
		}
	}
	goto backtrace
}
