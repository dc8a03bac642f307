package fib

import (
	"errors"
	"fmt"
	"net/netip"
	"testing"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLookupScenarios(t *testing.T) {
	cases := []struct {
		name     string
		routes   []*RouteConfig
		query    string
		expected string
		gateway  string
		err      error
	}{
		{
			name: "longest prefix wins",
			routes: []*RouteConfig{
				unicast("10.0.0.0/8", "192.0.2.1"),
				unicast("10.1.0.0/16", "192.0.2.2"),
				unicast("0.0.0.0/0", "192.0.2.4"),
			},
			query:    "10.1.2.3",
			expected: "10.1.0.0/16",
			gateway:  "192.0.2.2",
		},
		{
			name: "covering prefix",
			routes: []*RouteConfig{
				unicast("10.0.0.0/8", "192.0.2.1"),
				unicast("0.0.0.0/0", "192.0.2.4"),
			},
			query:    "10.1.2.3",
			expected: "10.0.0.0/8",
			gateway:  "192.0.2.1",
		},
		{
			name: "lower priority wins",
			routes: []*RouteConfig{
				{
					Prefix:   netip.MustParsePrefix("10.1.2.0/24"),
					Type:     RouteUnicast,
					Priority: 10,
					Nexthops: []NexthopConfig{{Gateway: netip.MustParseAddr("192.0.2.1"), Dev: 1}},
				},
				{
					Prefix:   netip.MustParsePrefix("10.1.2.0/24"),
					Type:     RouteUnicast,
					Priority: 5,
					Nexthops: []NexthopConfig{{Gateway: netip.MustParseAddr("192.0.2.2"), Dev: 1}},
				},
			},
			query:    "10.1.2.7",
			expected: "10.1.2.0/24",
			gateway:  "192.0.2.2",
		},
		{
			name: "blackhole",
			routes: []*RouteConfig{
				{Prefix: netip.MustParsePrefix("10.0.0.0/8"), Type: RouteBlackhole},
			},
			query: "10.5.5.5",
			err:   ErrBlackhole,
		},
		{
			name: "default route",
			routes: []*RouteConfig{
				unicast("0.0.0.0/0", "192.0.2.4"),
				unicast("10.0.0.0/8", "192.0.2.1"),
			},
			query:    "203.0.113.1",
			expected: "0.0.0.0/0",
			gateway:  "192.0.2.4",
		},
		{
			name: "host route matches exactly",
			routes: []*RouteConfig{
				unicast("10.0.0.1/32", "192.0.2.1"),
			},
			query:    "10.0.0.1",
			expected: "10.0.0.1/32",
			gateway:  "192.0.2.1",
		},
		{
			name: "host route does not match neighbours",
			routes: []*RouteConfig{
				unicast("10.0.0.1/32", "192.0.2.1"),
			},
			query: "10.0.0.2",
			err:   ErrNotFound,
		},
		{
			name:  "empty table",
			query: "10.0.0.2",
			err:   ErrNotFound,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			tbl, _ := newTestTable(t)
			for _, r := range c.routes {
				require.NoError(t, tbl.Add(r))
			}
			require.NoError(t, checkTrie(tbl.trie))

			m, err := lookup(tbl, c.query)
			if c.err != nil {
				require.ErrorIs(t, err, c.err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, netip.MustParsePrefix(c.expected), m.Prefix)
			require.Equal(t, netip.MustParseAddr(c.gateway), m.Nexthop.Gateway)
		})
	}
}

func TestLookupManySlash8(t *testing.T) {
	tbl, _ := newTestTable(t)

	for idx := 1; idx <= 200; idx++ {
		require.NoError(t, tbl.Add(unicast(fmt.Sprintf("%d.0.0.0/8", idx), "192.0.2.1")))
	}
	require.NoError(t, checkTrie(tbl.trie))

	m, err := lookup(tbl, "137.0.0.1")
	require.NoError(t, err)
	require.Equal(t, netip.MustParsePrefix("137.0.0.0/8"), m.Prefix)

	_, err = lookup(tbl, "201.0.0.1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteThenLookup(t *testing.T) {
	tbl, infos := newTestTable(t)

	r := unicast("10.0.0.0/8", "192.0.2.1")
	require.NoError(t, tbl.Add(r))
	require.NoError(t, tbl.Delete(r))
	tbl.Synchronize()

	_, err := lookup(tbl, "10.1.2.3")
	require.ErrorIs(t, err, ErrNotFound)
	require.Nil(t, tbl.trie.kv.child(0))
	require.Equal(t, 0, infos.live())
	require.Zero(t, infos.violations.Load())
	require.Zero(t, tbl.trie.alloc.Used())

	require.ErrorIs(t, tbl.Delete(r), ErrNotFound)
}

func TestInsertInvalidPrefix(t *testing.T) {
	tbl, infos := newTestTable(t)

	for _, prefix := range []string{
		"10.1.0.0/8",
		"10.0.0.1/31",
		"2001:db8::/32",
		"::ffff:10.0.0.0/104",
	} {
		err := tbl.Add(unicast(prefix, "192.0.2.1"))
		require.ErrorIs(t, err, ErrInvalidPrefix, prefix)
	}

	err := tbl.Add(&RouteConfig{Prefix: netip.MustParsePrefix("10.0.0.0/8"), Type: RouteType(100)})
	require.ErrorIs(t, err, ErrBadArgument)
	require.Equal(t, 0, infos.live())
}

func TestInsertFlags(t *testing.T) {
	tbl, infos := newTestTable(t)
	events := &eventLog{}
	tbl.trie.notifier = events

	a := unicast("10.0.0.0/8", "192.0.2.1")
	b := unicast("10.0.0.0/8", "192.0.2.2")

	// Without FlagCreate nothing can be created.
	require.ErrorIs(t, tbl.Insert(a, FlagReplace), ErrNotFound)

	require.NoError(t, tbl.Add(a))
	require.ErrorIs(t, tbl.Add(a), ErrAlreadyExists)
	// Exclusive inserts conflict on prefix, tos and priority alone.
	require.ErrorIs(t, tbl.Add(b), ErrAlreadyExists)

	require.NoError(t, tbl.Append(b))
	require.ErrorIs(t, tbl.Append(b), ErrAlreadyExists)

	m, err := lookup(tbl, "10.2.3.4")
	require.NoError(t, err)
	require.Equal(t, netip.MustParseAddr("192.0.2.1"), m.Nexthop.Gateway)

	routes, err := tbl.Routes(nil)
	require.NoError(t, err)
	require.Len(t, routes, 2)
	require.Equal(t, netip.MustParseAddr("192.0.2.1"), routes[0].Nexthops()[0].Gateway)
	require.Equal(t, netip.MustParseAddr("192.0.2.2"), routes[1].Nexthops()[0].Gateway)

	// Replacing the first alias by itself changes nothing.
	require.NoError(t, tbl.Replace(a))
	// Replacing with an existing non-first alias is rejected.
	require.ErrorIs(t, tbl.Replace(b), ErrAlreadyExists)

	c := unicast("10.0.0.0/8", "192.0.2.3")
	require.NoError(t, tbl.Replace(c))
	m, err = lookup(tbl, "10.2.3.4")
	require.NoError(t, err)
	require.Equal(t, netip.MustParseAddr("192.0.2.3"), m.Nexthop.Gateway)

	require.Equal(t, []string{
		"add 10.0.0.0/8",
		"append 10.0.0.0/8",
		"replace 10.0.0.0/8",
	}, events.get())

	// The replaced info goes away after a grace period.
	tbl.Synchronize()
	require.Equal(t, 2, infos.live())
	require.Zero(t, infos.violations.Load())
	require.NoError(t, checkTrie(tbl.trie))
}

func TestAliasOrder(t *testing.T) {
	tbl, _ := newTestTable(t)

	prio := func(p uint32, tos uint8, gw string) *RouteConfig {
		r := unicast("10.0.0.0/8", gw)
		r.Priority = p
		r.TOS = tos
		return r
	}

	require.NoError(t, tbl.Add(prio(20, 0, "192.0.2.1")))
	require.NoError(t, tbl.Add(prio(10, 0, "192.0.2.2")))
	require.NoError(t, tbl.Add(prio(10, 8, "192.0.2.3")))
	require.NoError(t, tbl.Add(prio(30, 0, "192.0.2.4")))
	require.NoError(t, tbl.Add(unicast("10.0.0.0/24", "192.0.2.5")))
	require.NoError(t, tbl.Alias(255).Add(prio(50, 0, "192.0.2.6")))
	require.NoError(t, checkTrie(tbl.trie))

	l, _ := tbl.trie.findNode(0x0a000000)
	require.NotNil(t, l)

	var actual []string
	for _, fa := range l.list() {
		actual = append(actual, fmt.Sprintf("%d/%d/%d/%d", keyLength-int(fa.slen), fa.tableID, fa.tos, fa.priority))
	}
	require.Equal(t, []string{
		"24/254/0/0",
		"8/255/0/50",
		"8/254/8/10",
		"8/254/0/10",
		"8/254/0/20",
		"8/254/0/30",
	}, actual)
}

func TestLookupTOS(t *testing.T) {
	tbl, _ := newTestTable(t)

	r := unicast("10.0.0.0/8", "192.0.2.1")
	r.TOS = 0x10
	require.NoError(t, tbl.Add(r))
	require.NoError(t, tbl.Add(unicast("10.0.0.0/8", "192.0.2.2")))

	flow := Flow{Dst: netip.MustParseAddr("10.0.0.1"), TOS: 0x10}
	m, err := tbl.Lookup(&flow, LookupNoRef)
	require.NoError(t, err)
	require.Equal(t, uint8(0x10), m.TOS)
	require.Equal(t, netip.MustParseAddr("192.0.2.1"), m.Nexthop.Gateway)

	flow.TOS = 0
	m, err = tbl.Lookup(&flow, LookupNoRef)
	require.NoError(t, err)
	require.Equal(t, netip.MustParseAddr("192.0.2.2"), m.Nexthop.Gateway)
}

func TestLookupScopeAndOIF(t *testing.T) {
	tbl, _ := newTestTable(t)

	link := unicast("10.0.0.0/24", "")
	link.Scope = ScopeLink
	link.Nexthops = []NexthopConfig{{Dev: 2}}
	require.NoError(t, tbl.Add(link))
	require.NoError(t, tbl.Add(unicast("10.0.0.0/8", "192.0.2.1")))

	flow := Flow{Dst: netip.MustParseAddr("10.0.0.1")}
	m, err := tbl.Lookup(&flow, LookupNoRef)
	require.NoError(t, err)
	require.Equal(t, netip.MustParsePrefix("10.0.0.0/24"), m.Prefix)
	require.Equal(t, ScopeLink, m.Scope)

	// Host scope is narrower than link scope.
	flow.Scope = ScopeHost
	_, err = tbl.Lookup(&flow, LookupNoRef)
	require.ErrorIs(t, err, ErrNotFound)

	// Only paths through the requested interface qualify.
	flow = Flow{Dst: netip.MustParseAddr("10.0.0.1"), OIF: 1}
	m, err = tbl.Lookup(&flow, LookupNoRef)
	require.NoError(t, err)
	require.Equal(t, netip.MustParsePrefix("10.0.0.0/8"), m.Prefix)

	flow.Flags = FlowSkipNexthopOIF
	m, err = tbl.Lookup(&flow, LookupNoRef)
	require.NoError(t, err)
	require.Equal(t, netip.MustParsePrefix("10.0.0.0/24"), m.Prefix)

	_, err = tbl.Lookup(&Flow{Dst: netip.MustParseAddr("2001:db8::1")}, 0)
	require.ErrorIs(t, err, ErrBadArgument)
}

func TestLookupNexthopState(t *testing.T) {
	tbl, _ := newTestTable(t)

	r := unicast("10.0.0.0/24", "192.0.2.1")
	r.Nexthops = append(r.Nexthops, NexthopConfig{Gateway: netip.MustParseAddr("192.0.2.2"), Dev: 2})
	require.NoError(t, tbl.Add(r))
	require.NoError(t, tbl.Add(unicast("10.0.0.0/8", "192.0.2.9")))

	l, _ := tbl.trie.findNode(0x0a000000)
	fi := l.list()[0].info.(*testInfo)

	m, err := lookup(tbl, "10.0.0.1")
	require.NoError(t, err)
	require.Equal(t, 0, m.NexthopIndex)

	fi.nexthops[0].Flags = NexthopUnresolved
	m, err = lookup(tbl, "10.0.0.1")
	require.NoError(t, err)
	require.Equal(t, 0, m.NexthopIndex)

	flow := Flow{Dst: netip.MustParseAddr("10.0.0.1")}
	m, err = tbl.Lookup(&flow, LookupNoRef|LookupSkipUnresolved)
	require.NoError(t, err)
	require.Equal(t, 1, m.NexthopIndex)

	fi.nexthops[0].Flags = NexthopDead
	m, err = lookup(tbl, "10.0.0.1")
	require.NoError(t, err)
	require.Equal(t, 1, m.NexthopIndex)

	fi.nexthops[1].Flags = NexthopLinkDown
	fi.nexthops[1].IgnoreLinkDown = true
	m, err = lookup(tbl, "10.0.0.1")
	require.NoError(t, err)
	require.Equal(t, netip.MustParsePrefix("10.0.0.0/8"), m.Prefix)

	m, err = tbl.Lookup(&flow, LookupNoRef|LookupIgnoreLinkState)
	require.NoError(t, err)
	require.Equal(t, 1, m.NexthopIndex)

	// Dead infos fall back to the covering route.
	fi.flags.Store(uint32(NexthopDead))
	m, err = lookup(tbl, "10.0.0.1")
	require.NoError(t, err)
	require.Equal(t, netip.MustParsePrefix("10.0.0.0/8"), m.Prefix)
}

func TestLookupReference(t *testing.T) {
	tbl, infos := newTestTable(t)

	require.NoError(t, tbl.Add(unicast("10.0.0.0/8", "192.0.2.1")))

	flow := Flow{Dst: netip.MustParseAddr("10.0.0.1")}
	m, err := tbl.Lookup(&flow, 0)
	require.NoError(t, err)

	fi := m.Info.(*testInfo)
	require.Equal(t, int64(2), fi.refs.Load())

	require.NoError(t, tbl.Delete(unicast("10.0.0.0/8", "")))
	tbl.Synchronize()
	require.Equal(t, int64(1), fi.refs.Load())
	require.Equal(t, 1, infos.live())

	m.Release()
	m.Release()
	require.Equal(t, 0, infos.live())
	require.Zero(t, infos.violations.Load())
}

func TestErrorRoutes(t *testing.T) {
	cases := []struct {
		typ RouteType
		err error
	}{
		{RouteBlackhole, ErrBlackhole},
		{RouteUnreachable, ErrUnreachable},
		{RouteProhibit, ErrProhibit},
		{RouteThrow, ErrThrow},
		{RouteNAT, ErrBlackhole},
	}

	for _, c := range cases {
		t.Run(c.typ.String(), func(t *testing.T) {
			tbl, _ := newTestTable(t)
			require.NoError(t, tbl.Add(&RouteConfig{
				Prefix: netip.MustParsePrefix("10.0.0.0/8"),
				Type:   c.typ,
			}))

			_, err := lookup(tbl, "10.5.5.5")
			require.ErrorIs(t, err, c.err)

			var routeErr *RouteError
			require.True(t, errors.As(err, &routeErr))
			require.Equal(t, c.typ, routeErr.Type)
			require.Equal(t, netip.MustParsePrefix("10.0.0.0/8"), routeErr.Prefix)
		})
	}
}

func TestDeleteMatching(t *testing.T) {
	tbl, _ := newTestTable(t)

	r := unicast("10.0.0.0/8", "192.0.2.1")
	r.Protocol = 4
	r.Scope = ScopeLink
	r.Priority = 10
	require.NoError(t, tbl.Add(r))

	for _, del := range []*RouteConfig{
		{Prefix: netip.MustParsePrefix("10.0.0.0/16")},
		{Prefix: netip.MustParsePrefix("10.0.0.0/8"), TOS: 4},
		{Prefix: netip.MustParsePrefix("10.0.0.0/8"), Type: RouteBlackhole},
		{Prefix: netip.MustParsePrefix("10.0.0.0/8"), Protocol: 3},
		{Prefix: netip.MustParsePrefix("10.0.0.0/8"), Scope: ScopeHost},
		{Prefix: netip.MustParsePrefix("10.0.0.0/8"), Priority: 11},
		{Prefix: netip.MustParsePrefix("10.0.0.0/8"), PrefSrc: netip.MustParseAddr("10.0.0.1")},
		unicast("10.0.0.0/8", "192.0.2.2"),
		{Prefix: netip.MustParsePrefix("10.0.0.0/8"), Match: func(Route) bool { return false }},
	} {
		require.ErrorIs(t, tbl.Delete(del), ErrNotFound, del.String())
	}

	var matched Route
	require.NoError(t, tbl.Delete(&RouteConfig{
		Prefix: netip.MustParsePrefix("10.0.0.0/8"),
		Match: func(r Route) bool {
			matched = r
			return true
		},
	}))
	require.Equal(t, uint8(4), matched.Protocol)
	require.Equal(t, ScopeLink, matched.Scope)
	require.Equal(t, uint32(10), matched.Priority)
	require.NoError(t, checkTrie(tbl.trie))
}

func TestNotifierFailure(t *testing.T) {
	events := &eventLog{
		fail: func(ev Event) error {
			if ev.Type != EventDel && ev.Route.Prefix.Bits() == 16 {
				return errors.New("queue is full")
			}
			return nil
		},
	}
	tbl, infos := newTestTable(t, WithNotifier(events))

	require.NoError(t, tbl.Add(unicast("10.0.0.0/8", "192.0.2.1")))
	err := tbl.Add(unicast("10.1.0.0/16", "192.0.2.2"))
	require.ErrorIs(t, err, ErrNotifyFailed)
	// Subscribers that took the change are told to drop it.
	require.Equal(t, []string{"add 10.0.0.0/8", "del 10.1.0.0/16"}, events.get())

	m, err := lookup(tbl, "10.1.0.1")
	require.NoError(t, err)
	require.Equal(t, netip.MustParsePrefix("10.0.0.0/8"), m.Prefix)
	require.Equal(t, 1, infos.live())

	// Removal is not blocked by subscribers.
	events.fail = func(Event) error { return errors.New("queue is full") }
	require.NoError(t, tbl.Delete(unicast("10.0.0.0/8", "")))
	_, err = lookup(tbl, "10.1.0.1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestNotifierReplaceFailure(t *testing.T) {
	rejected := netip.MustParseAddr("192.0.2.9")

	var gateways []netip.Addr
	events := &eventLog{
		fail: func(ev Event) error {
			gw := ev.Route.Nexthops()[0].Gateway
			gateways = append(gateways, gw)
			if gw == rejected {
				return errors.New("queue is full")
			}
			return nil
		},
	}
	tbl, infos := newTestTable(t, WithNotifier(events))

	require.NoError(t, tbl.Add(unicast("10.0.0.0/8", "192.0.2.1")))
	events.get()
	gateways = nil

	err := tbl.Replace(unicast("10.0.0.0/8", "192.0.2.9"))
	require.ErrorIs(t, err, ErrNotifyFailed)

	// The replaced route is announced again.
	require.Equal(t, []string{"replace 10.0.0.0/8"}, events.get())
	require.Equal(t, []netip.Addr{rejected, netip.MustParseAddr("192.0.2.1")}, gateways)

	m, err := lookup(tbl, "10.0.0.1")
	require.NoError(t, err)
	require.Equal(t, "192.0.2.1", m.Nexthop.Gateway.String())
	require.Equal(t, 1, infos.live())
}

func TestInfoFactoryFailure(t *testing.T) {
	tbl, infos := newTestTable(t)

	infos.fail = errors.New("no such device")
	err := tbl.Add(unicast("10.0.0.0/8", "192.0.2.1"))
	require.ErrorContains(t, err, "no such device")

	infos.fail = nil
	require.NoError(t, tbl.Add(unicast("10.0.0.0/8", "192.0.2.1")))
}

func TestMemoryLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MemoryLimit = datasize.ByteSize(2 * nodeHeaderSize)

	events := &eventLog{}
	tbl, infos := newTestTable(t, WithConfig(cfg), WithNotifier(events))

	require.NoError(t, tbl.Add(unicast("10.0.0.0/8", "192.0.2.1")))

	// The second leaf fits but the internal node joining both does not.
	err := tbl.Add(unicast("192.168.0.0/16", "192.0.2.2"))
	require.ErrorIs(t, err, ErrNoMemory)
	require.Equal(t, []string{
		"add 10.0.0.0/8",
		"add 192.168.0.0/16",
		"del 192.168.0.0/16",
	}, events.get())

	require.NoError(t, checkTrie(tbl.trie))
	require.Equal(t, 1, infos.live())
	require.Equal(t, datasize.ByteSize(nodeHeaderSize), tbl.trie.alloc.Used())

	stats, err := tbl.Stats()
	require.NoError(t, err)
	require.Equal(t, uint64(1), stats.AllocFailures)

	// Aliases of an existing leaf need no new nodes.
	require.NoError(t, tbl.Add(unicast("10.0.0.0/16", "192.0.2.2")))
}

func TestGenerationAndDefaultRoutes(t *testing.T) {
	tbl, _ := newTestTable(t)

	gen := tbl.Generation()
	require.NoError(t, tbl.Add(unicast("0.0.0.0/0", "192.0.2.1")))
	require.Equal(t, 1, tbl.DefaultRoutes())
	require.Greater(t, tbl.Generation(), gen)

	// Replacing a route nobody looked up keeps cached results valid.
	gen = tbl.Generation()
	require.NoError(t, tbl.Replace(unicast("0.0.0.0/0", "192.0.2.2")))
	require.Equal(t, gen, tbl.Generation())

	_, err := lookup(tbl, "10.0.0.1")
	require.NoError(t, err)

	routes, err := tbl.Routes(nil)
	require.NoError(t, err)
	require.True(t, routes[0].Accessed)

	require.NoError(t, tbl.Replace(unicast("0.0.0.0/0", "192.0.2.3")))
	require.Greater(t, tbl.Generation(), gen)

	// The replacement inherits the accessed state.
	routes, err = tbl.Routes(nil)
	require.NoError(t, err)
	require.True(t, routes[0].Accessed)

	require.NoError(t, tbl.Delete(unicast("0.0.0.0/0", "")))
	require.Equal(t, 0, tbl.DefaultRoutes())
}

func TestFlush(t *testing.T) {
	events := &eventLog{}
	tbl, infos := newTestTable(t, WithNotifier(events))

	require.NoError(t, tbl.Add(unicast("0.0.0.0/0", "192.0.2.1")))
	require.NoError(t, tbl.Add(unicast("10.0.0.0/8", "192.0.2.2")))
	require.NoError(t, tbl.Add(unicast("10.1.0.0/16", "192.0.2.2")))
	require.NoError(t, tbl.Add(&RouteConfig{Prefix: netip.MustParsePrefix("10.2.0.0/16"), Type: RouteUnreachable}))
	events.get()

	l, _ := tbl.trie.findNode(0)
	l.list()[0].info.(*testInfo).flags.Store(uint32(NexthopDead))

	require.Equal(t, 1, tbl.Flush(false))
	require.Equal(t, []string{"del 0.0.0.0/0"}, events.get())
	require.Equal(t, 0, tbl.DefaultRoutes())
	require.NoError(t, checkTrie(tbl.trie))

	_, err := lookup(tbl, "10.2.0.1")
	require.ErrorIs(t, err, ErrUnreachable)

	require.Equal(t, 1, tbl.Flush(true))
	require.Equal(t, []string{"del 10.2.0.0/16"}, events.get())
	require.NoError(t, checkTrie(tbl.trie))

	routes, err := tbl.Routes(nil)
	require.NoError(t, err)
	require.Len(t, routes, 2)

	tbl.Synchronize()
	require.Equal(t, 1, infos.live())
}

func TestClose(t *testing.T) {
	tbl, infos := newTestTable(t)

	require.NoError(t, tbl.Add(unicast("10.0.0.0/8", "192.0.2.1")))
	require.NoError(t, tbl.Add(unicast("10.1.0.0/16", "192.0.2.2")))

	require.NoError(t, tbl.Close())
	require.Equal(t, 0, infos.live())
	require.Zero(t, tbl.trie.alloc.Used())

	_, err := lookup(tbl, "10.0.0.1")
	require.ErrorIs(t, err, ErrRetry)
	require.ErrorIs(t, tbl.Add(unicast("10.0.0.0/8", "192.0.2.1")), ErrBadArgument)
	require.ErrorIs(t, tbl.Walk(nil, nil, func(Route) error { return nil }), ErrRetry)
	_, err = tbl.Stats()
	require.ErrorIs(t, err, ErrRetry)

	require.NoError(t, tbl.Close())
}

func TestCloseDefaultRoutes(t *testing.T) {
	main, _ := newTestTable(t)
	local := main.Alias(255)

	require.NoError(t, main.Add(unicast("0.0.0.0/0", "192.0.2.1")))
	require.NoError(t, local.Add(unicast("0.0.0.0/0", "192.0.2.2")))
	require.Equal(t, 1, main.DefaultRoutes())
	require.Equal(t, 1, local.DefaultRoutes())
	require.Equal(t, 1, main.Alias(255).DefaultRoutes())

	require.NoError(t, main.Close())
	require.Zero(t, main.DefaultRoutes())
	require.Zero(t, local.DefaultRoutes())
}

func TestNewValidation(t *testing.T) {
	_, err := New(1, nil)
	require.ErrorIs(t, err, ErrBadArgument)

	cfg := DefaultConfig()
	cfg.SyncMem = datasize.KB
	_, err = New(1, newTestInfos(), WithConfig(cfg))
	require.ErrorIs(t, err, ErrBadArgument)
}

func TestConfigValidation(t *testing.T) {
	cases := []struct {
		cfg      string
		expected *Config
	}{
		{
			cfg:      "sync_mem: 1KB",
			expected: nil,
		},
		{
			cfg:      "max_work: 0",
			expected: nil,
		},
		{
			cfg:      "halve_threshold: 60",
			expected: nil,
		},
		{
			cfg:      "inflate_threshold: 101",
			expected: nil,
		},
		{
			cfg:      "",
			expected: DefaultConfig(),
		},
		{
			cfg: `
sync_mem: 1MB
memory_limit: 256MB
max_work: 4
`,
			expected: &Config{
				SyncMem:              datasize.MB,
				MemoryLimit:          256 * datasize.MB,
				MaxWork:              4,
				InflateThreshold:     50,
				InflateThresholdRoot: 30,
				HalveThreshold:       25,
				HalveThresholdRoot:   15,
			},
		},
	}

	for idx, c := range cases {
		t.Run(fmt.Sprintf("case #%d", idx), func(t *testing.T) {
			cfg := DefaultConfig()
			err := yaml.Unmarshal([]byte(c.cfg), cfg)
			if c.expected == nil {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
				require.Equal(t, c.expected, cfg)
			}
		})
	}
}
