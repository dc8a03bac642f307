package fib

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

type testInfo struct {
	infos    *testInfos
	key      string
	scope    Scope
	priority uint32
	protocol uint8
	prefSrc  netip.Addr
	nexthops []Nexthop

	flags atomic.Uint32
	refs  atomic.Int64
	dead  atomic.Bool
}

func (m *testInfo) Hold() {
	if m.refs.Add(1) == 1 {
		// Nobody may hold a reference to a released info.
		m.infos.violations.Add(1)
	}
}

func (m *testInfo) Release() {
	m.infos.mu.Lock()
	defer m.infos.mu.Unlock()

	refs := m.refs.Add(-1)
	if refs < 0 {
		m.infos.violations.Add(1)
	}
	if refs == 0 {
		m.dead.Store(true)
		delete(m.infos.infos, m.key)
	}
}

func (m *testInfo) Dead() bool {
	return m.dead.Load()
}

func (m *testInfo) Flags() NexthopFlags {
	return NexthopFlags(m.flags.Load())
}

func (m *testInfo) Scope() Scope {
	return m.scope
}

func (m *testInfo) Priority() uint32 {
	return m.priority
}

func (m *testInfo) Protocol() uint8 {
	return m.protocol
}

func (m *testInfo) PrefSrc() netip.Addr {
	return m.prefSrc
}

func (m *testInfo) NumPaths() int {
	return len(m.nexthops)
}

func (m *testInfo) Nexthop(i int) Nexthop {
	return m.nexthops[i]
}

func (m *testInfo) MatchConfig(cfg *RouteConfig) bool {
	if len(cfg.Nexthops) == 0 {
		return true
	}
	if len(cfg.Nexthops) != len(m.nexthops) {
		return false
	}
	for idx, nh := range cfg.Nexthops {
		if nh.Gateway.IsValid() && nh.Gateway != m.nexthops[idx].Gateway {
			return false
		}
		if nh.Dev != 0 && nh.Dev != m.nexthops[idx].Dev {
			return false
		}
	}
	return true
}

func (m *testInfo) IsBlackhole() bool {
	return false
}

// testInfos deduplicates infos of identical configurations.
type testInfos struct {
	mu         sync.Mutex
	infos      map[string]*testInfo
	violations atomic.Int64
	fail       error
}

func newTestInfos() *testInfos {
	return &testInfos{
		infos: map[string]*testInfo{},
	}
}

func (m *testInfos) NewRouteInfo(cfg *RouteConfig) (RouteInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fail != nil {
		return nil, m.fail
	}

	key := fmt.Sprintf("%d|%d|%d|%s|%v", cfg.Scope, cfg.Priority, cfg.Protocol, cfg.PrefSrc, cfg.Nexthops)
	if fi, ok := m.infos[key]; ok {
		fi.refs.Add(1)
		return fi, nil
	}

	fi := &testInfo{
		infos:    m,
		key:      key,
		scope:    cfg.Scope,
		priority: cfg.Priority,
		protocol: cfg.Protocol,
		prefSrc:  cfg.PrefSrc,
	}
	for _, nh := range cfg.Nexthops {
		fi.nexthops = append(fi.nexthops, Nexthop{
			Gateway: nh.Gateway,
			Dev:     nh.Dev,
			DevName: nh.DevName,
			Weight:  nh.Weight,
			Flags:   nh.Flags,
		})
	}
	fi.refs.Store(1)
	m.infos[key] = fi

	return fi, nil
}

func (m *testInfos) live() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.infos)
}

func newTestTable(t testing.TB, options ...Option) (*Table, *testInfos) {
	t.Helper()

	infos := newTestInfos()
	tbl, err := New(254, infos, options...)
	require.NoError(t, err)
	t.Cleanup(func() {
		tbl.Close()
	})

	return tbl, infos
}

// unicast returns a route via gw on device 1, or a route without paths
// when gw is empty.
func unicast(prefix string, gw string) *RouteConfig {
	cfg := &RouteConfig{
		Prefix: netip.MustParsePrefix(prefix),
		Type:   RouteUnicast,
	}
	if gw != "" {
		cfg.Nexthops = []NexthopConfig{
			{Gateway: netip.MustParseAddr(gw), Dev: 1},
		}
	}
	return cfg
}

func lookup(tbl *Table, addr string) (Match, error) {
	flow := Flow{Dst: netip.MustParseAddr(addr)}
	return tbl.Lookup(&flow, LookupNoRef)
}

type eventLog struct {
	mu     sync.Mutex
	events []string
	fail   func(ev Event) error
}

func (m *eventLog) Notify(ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fail != nil {
		if err := m.fail(ev); err != nil {
			return err
		}
	}
	m.events = append(m.events, fmt.Sprintf("%s %s", ev.Type, ev.Route.Prefix))
	return nil
}

func (m *eventLog) get() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := m.events
	m.events = nil
	return out
}

func aliasOrdered(a, b *alias) bool {
	if a.slen != b.slen {
		return a.slen < b.slen
	}
	if a.tableID != b.tableID {
		return a.tableID > b.tableID
	}
	if a.tos != b.tos {
		return a.tos > b.tos
	}
	return a.priority <= b.priority
}

var errBrokenTrie = errors.New("broken trie")

// checkTrie verifies the structural invariants of the whole trie.
func checkTrie(tr *trie) error {
	if tr.kv.suffix() != keyLength {
		return fmt.Errorf("%w: root suffix %d", errBrokenTrie, tr.kv.suffix())
	}

	n := tr.kv.child(0)
	if n == nil {
		return nil
	}
	if n.parentNode() != &tr.kv {
		return fmt.Errorf("%w: top node %08x is not linked to the root", errBrokenTrie, n.key)
	}

	_, err := checkNode(n)
	return err
}

func checkNode(n *node) (uint32, error) {
	if n.isLeaf() {
		list := n.list()
		if len(list) == 0 {
			return 0, fmt.Errorf("%w: empty leaf %08x", errBrokenTrie, n.key)
		}
		for idx, fa := range list {
			if uint64(n.key)&(uint64(1)<<fa.slen-1) != 0 {
				return 0, fmt.Errorf("%w: leaf %08x has host bits for slen %d", errBrokenTrie, n.key, fa.slen)
			}
			if idx > 0 && !aliasOrdered(list[idx-1], fa) {
				return 0, fmt.Errorf("%w: leaf %08x aliases %d and %d are out of order", errBrokenTrie, n.key, idx-1, idx)
			}
		}
		if n.suffix() != uint32(list.maxSlen()) {
			return 0, fmt.Errorf("%w: leaf %08x suffix %d, expected %d", errBrokenTrie, n.key, n.suffix(), list.maxSlen())
		}
		return n.suffix(), nil
	}

	shift := uint32(n.pos) + uint32(n.bits)
	if n.bits == 0 || shift > keyLength {
		return 0, fmt.Errorf("%w: node %08x pos=%d bits=%d", errBrokenTrie, n.key, n.pos, n.bits)
	}
	if uint64(n.key)&(uint64(1)<<shift-1) != 0 {
		return 0, fmt.Errorf("%w: node %08x has bits below %d", errBrokenTrie, n.key, shift)
	}

	var empty, full uint64
	slen := uint32(n.pos)
	for idx := range uint64(1) << n.bits {
		c := n.child(idx)
		if c == nil {
			empty++
			continue
		}

		if c.parentNode() != n {
			return 0, fmt.Errorf("%w: child %08x of %08x has a stale parent", errBrokenTrie, c.key, n.key)
		}
		if getIndex(c.key, n) != idx {
			return 0, fmt.Errorf("%w: child %08x is in slot %d of %08x", errBrokenTrie, c.key, idx, n.key)
		}
		if !c.isLeaf() && c.pos+c.bits > n.pos {
			return 0, fmt.Errorf("%w: child %08x overlaps %08x", errBrokenTrie, c.key, n.key)
		}
		if tnodeFull(n, c) {
			full++
		}

		s, err := checkNode(c)
		if err != nil {
			return 0, err
		}
		slen = max(slen, s)
	}

	if empty != n.emptyChildren || full != n.fullChildren {
		return 0, fmt.Errorf("%w: node %08x counters empty=%d/%d full=%d/%d",
			errBrokenTrie, n.key, n.emptyChildren, empty, n.fullChildren, full)
	}
	if uint64(1)<<n.bits-empty < 2 {
		return 0, fmt.Errorf("%w: node %08x has less than two children", errBrokenTrie, n.key)
	}
	if n.suffix() != slen {
		return 0, fmt.Errorf("%w: node %08x suffix %d, expected %d", errBrokenTrie, n.key, n.suffix(), slen)
	}

	return slen, nil
}
