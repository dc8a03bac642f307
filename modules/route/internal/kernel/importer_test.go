package kernel

import (
	"context"
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/yanet-platform/fibtrie/modules/route/fib"
	"github.com/yanet-platform/fibtrie/modules/route/internal/nexthop"
)

func mustCIDR(s string) *net.IPNet {
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return n
}

func TestRouteConfig(t *testing.T) {
	gw := netip.MustParseAddr("192.0.2.1")

	cases := []struct {
		name     string
		route    netlink.Route
		expected *fib.RouteConfig
	}{
		{
			name: "default via gateway",
			route: netlink.Route{
				Family:    netlink.FAMILY_V4,
				Gw:        net.ParseIP("192.0.2.1"),
				LinkIndex: 2,
				Protocol:  unix.RTPROT_BOOT,
				Priority:  100,
			},
			expected: &fib.RouteConfig{
				Prefix:   netip.MustParsePrefix("0.0.0.0/0"),
				Type:     fib.RouteUnicast,
				Priority: 100,
				Protocol: unix.RTPROT_BOOT,
				Nexthops: []fib.NexthopConfig{{Gateway: gw, Dev: 2, Weight: 1}},
			},
		},
		{
			name: "connected",
			route: netlink.Route{
				Dst:       mustCIDR("192.0.2.0/24"),
				Src:       net.ParseIP("192.0.2.10"),
				LinkIndex: 2,
				Scope:     netlink.SCOPE_LINK,
				Type:      unix.RTN_UNICAST,
				Protocol:  unix.RTPROT_KERNEL,
			},
			expected: &fib.RouteConfig{
				Prefix:   netip.MustParsePrefix("192.0.2.0/24"),
				Type:     fib.RouteUnicast,
				Scope:    fib.ScopeLink,
				Protocol: unix.RTPROT_KERNEL,
				PrefSrc:  netip.MustParseAddr("192.0.2.10"),
				Nexthops: []fib.NexthopConfig{{Dev: 2, Weight: 1}},
			},
		},
		{
			name: "multipath",
			route: netlink.Route{
				Dst: mustCIDR("10.0.0.0/8"),
				Tos: 8,
				MultiPath: []*netlink.NexthopInfo{
					{LinkIndex: 2, Gw: net.ParseIP("192.0.2.1"), Hops: 0, Flags: unix.RTNH_F_ONLINK | unix.RTNH_F_DEAD},
					{LinkIndex: 3, Gw: net.ParseIP("198.51.100.1"), Hops: 2},
				},
			},
			expected: &fib.RouteConfig{
				Prefix: netip.MustParsePrefix("10.0.0.0/8"),
				TOS:    8,
				Type:   fib.RouteUnicast,
				Nexthops: []fib.NexthopConfig{
					{Gateway: gw, Dev: 2, Weight: 1, Flags: fib.NexthopOnlink},
					{Gateway: netip.MustParseAddr("198.51.100.1"), Dev: 3, Weight: 3},
				},
			},
		},
		{
			name: "blackhole",
			route: netlink.Route{
				Dst:       mustCIDR("203.0.113.0/24"),
				Type:      unix.RTN_BLACKHOLE,
				LinkIndex: 1,
			},
			expected: &fib.RouteConfig{
				Prefix: netip.MustParsePrefix("203.0.113.0/24"),
				Type:   fib.RouteBlackhole,
			},
		},
		{
			name: "local",
			route: netlink.Route{
				Dst:       mustCIDR("192.0.2.10/32"),
				Type:      unix.RTN_LOCAL,
				Scope:     netlink.SCOPE_HOST,
				LinkIndex: 2,
				Table:     unix.RT_TABLE_LOCAL,
			},
			expected: &fib.RouteConfig{
				Prefix:   netip.MustParsePrefix("192.0.2.10/32"),
				Type:     fib.RouteLocal,
				Scope:    fib.ScopeHost,
				Nexthops: []fib.NexthopConfig{{Dev: 2, Weight: 1}},
			},
		},
		{
			name:  "IPv6",
			route: netlink.Route{Family: netlink.FAMILY_V6, Dst: mustCIDR("2001:db8::/32")},
		},
		{
			name:  "IPv6 destination without family",
			route: netlink.Route{Dst: mustCIDR("2001:db8::/32")},
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg, ok := routeConfig(&c.route)
			if c.expected == nil {
				require.False(t, ok)
				return
			}

			require.True(t, ok)
			require.Equal(t, c.expected, cfg)
		})
	}
}

func newTestImporter(t *testing.T) (*Importer, *fib.Table) {
	t.Helper()

	tbl, err := fib.New(254, nexthop.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(func() {
		tbl.Close()
	})

	return NewImporter(tbl), tbl
}

func routeUpdate(typ uint16, nlFlags uint16, dst string, gw string) netlink.RouteUpdate {
	return netlink.RouteUpdate{
		Type:    typ,
		NlFlags: nlFlags,
		Route: netlink.Route{
			Family:    netlink.FAMILY_V4,
			Dst:       mustCIDR(dst),
			Gw:        net.ParseIP(gw),
			LinkIndex: 2,
			Table:     unix.RT_TABLE_MAIN,
		},
	}
}

func gateways(t *testing.T, tbl *fib.Table) []string {
	t.Helper()

	routes, err := tbl.Routes(nil)
	require.NoError(t, err)

	out := []string{}
	for _, r := range routes {
		for _, nh := range r.Nexthops() {
			out = append(out, r.Prefix.String()+" "+nh.Gateway.String())
		}
	}
	return out
}

func TestApply(t *testing.T) {
	m, tbl := newTestImporter(t)

	require.NoError(t, m.apply(routeUpdate(unix.RTM_NEWROUTE, unix.NLM_F_CREATE, "10.0.0.0/8", "192.0.2.1")))
	require.Equal(t, []string{"10.0.0.0/8 192.0.2.1"}, gateways(t, tbl))

	// Repeated announcements are idempotent.
	require.NoError(t, m.apply(routeUpdate(unix.RTM_NEWROUTE, unix.NLM_F_CREATE, "10.0.0.0/8", "192.0.2.1")))
	require.Equal(t, []string{"10.0.0.0/8 192.0.2.1"}, gateways(t, tbl))

	require.NoError(t, m.apply(routeUpdate(unix.RTM_NEWROUTE, unix.NLM_F_CREATE|unix.NLM_F_REPLACE, "10.0.0.0/8", "192.0.2.2")))
	require.Equal(t, []string{"10.0.0.0/8 192.0.2.2"}, gateways(t, tbl))

	require.NoError(t, m.apply(routeUpdate(unix.RTM_NEWROUTE, unix.NLM_F_CREATE|unix.NLM_F_APPEND, "10.0.0.0/8", "192.0.2.3")))
	require.Equal(t, []string{"10.0.0.0/8 192.0.2.2", "10.0.0.0/8 192.0.2.3"}, gateways(t, tbl))

	// Other kernel tables are ignored.
	other := routeUpdate(unix.RTM_NEWROUTE, unix.NLM_F_CREATE, "172.16.0.0/12", "192.0.2.1")
	other.Table = 100
	require.NoError(t, m.apply(other))

	require.NoError(t, m.apply(routeUpdate(unix.RTM_DELROUTE, 0, "10.0.0.0/8", "192.0.2.2")))
	require.Equal(t, []string{"10.0.0.0/8 192.0.2.3"}, gateways(t, tbl))

	require.NoError(t, m.apply(routeUpdate(unix.RTM_DELROUTE, 0, "10.0.0.0/8", "192.0.2.3")))
	require.NoError(t, m.apply(routeUpdate(unix.RTM_DELROUTE, 0, "10.0.0.0/8", "192.0.2.3")))
	require.Empty(t, gateways(t, tbl))
}

func TestApplyInvalidRoute(t *testing.T) {
	m, tbl := newTestImporter(t)

	// Unicast routes need a next-hop.
	update := netlink.RouteUpdate{
		Type: unix.RTM_NEWROUTE,
		Route: netlink.Route{
			Dst:   mustCIDR("10.0.0.0/8"),
			Table: unix.RT_TABLE_MAIN,
		},
	}
	require.ErrorIs(t, m.apply(update), fib.ErrBadArgument)
	require.Empty(t, gateways(t, tbl))
}

func TestSyncRoutes(t *testing.T) {
	m, tbl := newTestImporter(t)

	routes := []netlink.Route{
		routeUpdate(0, 0, "10.0.0.0/8", "192.0.2.1").Route,
		routeUpdate(0, 0, "10.1.0.0/16", "192.0.2.1").Route,
		{Family: netlink.FAMILY_V6, Dst: mustCIDR("2001:db8::/32")},
		{Dst: mustCIDR("10.2.0.0/16"), Table: unix.RT_TABLE_MAIN},
	}

	applied, err := m.syncRoutes(context.Background(), routes)
	require.NoError(t, err)
	require.Equal(t, 2, applied)
	require.Equal(t, []string{"10.0.0.0/8 192.0.2.1", "10.1.0.0/16 192.0.2.1"}, gateways(t, tbl))

	// Replaying the same dump changes nothing.
	applied, err = m.syncRoutes(context.Background(), routes)
	require.NoError(t, err)
	require.Equal(t, 2, applied)
	require.Equal(t, []string{"10.0.0.0/8 192.0.2.1", "10.1.0.0/16 192.0.2.1"}, gateways(t, tbl))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.syncRoutes(ctx, routes)
	require.ErrorIs(t, err, context.Canceled)
}

func TestSyncRoutesAppended(t *testing.T) {
	m, tbl := newTestImporter(t)

	routes := []netlink.Route{
		routeUpdate(0, 0, "10.0.0.0/8", "192.0.2.1").Route,
		routeUpdate(0, 0, "10.0.0.0/8", "192.0.2.2").Route,
	}

	applied, err := m.syncRoutes(context.Background(), routes)
	require.NoError(t, err)
	require.Equal(t, 2, applied)
	require.Equal(t, []string{"10.0.0.0/8 192.0.2.1", "10.0.0.0/8 192.0.2.2"}, gateways(t, tbl))
}

func TestSyncRoutesRemovesStale(t *testing.T) {
	m, tbl := newTestImporter(t)

	// A route the importer does not own survives resyncs.
	require.NoError(t, tbl.Add(&fib.RouteConfig{
		Prefix: netip.MustParsePrefix("203.0.113.0/24"),
		Type:   fib.RouteBlackhole,
	}))

	_, err := m.syncRoutes(context.Background(), []netlink.Route{
		routeUpdate(0, 0, "10.0.0.0/8", "192.0.2.1").Route,
		routeUpdate(0, 0, "10.1.0.0/16", "192.0.2.1").Route,
	})
	require.NoError(t, err)

	// Changes while the subscription is down: 10/8 is gone and 10.1/16
	// moved to another gateway.
	applied, err := m.syncRoutes(context.Background(), []netlink.Route{
		routeUpdate(0, 0, "10.1.0.0/16", "192.0.2.2").Route,
	})
	require.NoError(t, err)
	require.Equal(t, 1, applied)
	require.Equal(t, []string{"10.1.0.0/16 192.0.2.2"}, gateways(t, tbl))

	routes, err := tbl.Routes(nil)
	require.NoError(t, err)
	require.Len(t, routes, 2)
	require.Equal(t, netip.MustParsePrefix("203.0.113.0/24"), routes[1].Prefix)

	// Live updates are tracked too.
	require.NoError(t, m.apply(routeUpdate(unix.RTM_NEWROUTE, unix.NLM_F_CREATE, "10.2.0.0/16", "192.0.2.1")))
	_, err = m.syncRoutes(context.Background(), nil)
	require.NoError(t, err)
	require.Empty(t, gateways(t, tbl))

	routes, err = tbl.Routes(nil)
	require.NoError(t, err)
	require.Len(t, routes, 1)
}
