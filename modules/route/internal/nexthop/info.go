package nexthop

import (
	"net/netip"
	"sync/atomic"

	"github.com/yanet-platform/fibtrie/modules/route/fib"
)

type path struct {
	gateway netip.Addr
	dev     int
	devName string
	weight  int
	scope   fib.Scope
	// static are the flags given in the configuration.
	static         fib.NexthopFlags
	flags          atomic.Uint32
	ignoreLinkDown atomic.Bool
	// linkName is the device name learned from the link state.
	linkName atomic.Pointer[string]
}

func (m *path) snapshot() fib.Nexthop {
	name := m.devName
	if name == "" {
		if n := m.linkName.Load(); n != nil {
			name = *n
		}
	}

	return fib.Nexthop{
		Gateway:        m.gateway,
		Dev:            m.dev,
		DevName:        name,
		Scope:          m.scope,
		Flags:          fib.NexthopFlags(m.flags.Load()),
		Weight:         m.weight,
		IgnoreLinkDown: m.ignoreLinkDown.Load(),
	}
}

// Info is the shared next-hop information of routes with identical
// attributes.
type Info struct {
	registry *Registry
	key      string

	typ      fib.RouteType
	scope    fib.Scope
	priority uint32
	protocol uint8
	prefSrc  netip.Addr
	paths    []*path

	flags atomic.Uint32
	refs  atomic.Int64
	dead  atomic.Bool
}

// Hold implements fib.RouteInfo.
func (m *Info) Hold() {
	m.refs.Add(1)
}

// Release implements fib.RouteInfo. The last release unregisters the
// info and marks it dead.
func (m *Info) Release() {
	m.registry.release(m)
}

// Dead implements fib.RouteInfo.
func (m *Info) Dead() bool {
	return m.dead.Load()
}

// Flags implements fib.RouteInfo.
func (m *Info) Flags() fib.NexthopFlags {
	return fib.NexthopFlags(m.flags.Load())
}

// Scope implements fib.RouteInfo.
func (m *Info) Scope() fib.Scope {
	return m.scope
}

// Priority implements fib.RouteInfo.
func (m *Info) Priority() uint32 {
	return m.priority
}

// Protocol implements fib.RouteInfo.
func (m *Info) Protocol() uint8 {
	return m.protocol
}

// PrefSrc implements fib.RouteInfo.
func (m *Info) PrefSrc() netip.Addr {
	return m.prefSrc
}

// NumPaths implements fib.RouteInfo.
func (m *Info) NumPaths() int {
	return len(m.paths)
}

// Nexthop implements fib.RouteInfo.
func (m *Info) Nexthop(i int) fib.Nexthop {
	return m.paths[i].snapshot()
}

// MatchConfig implements fib.RouteInfo.
//
// Next-hops given in cfg must match the paths in order; zero gateway or
// device fields match anything.
func (m *Info) MatchConfig(cfg *fib.RouteConfig) bool {
	if len(cfg.Nexthops) == 0 {
		return true
	}
	if len(cfg.Nexthops) != len(m.paths) {
		return false
	}

	for idx, nh := range cfg.Nexthops {
		p := m.paths[idx]
		if nh.Gateway.IsValid() && nh.Gateway != p.gateway {
			return false
		}
		if nh.Dev != 0 && nh.Dev != p.dev {
			return false
		}
		if nh.Weight != 0 && nh.Weight != p.weight {
			return false
		}
	}
	return true
}

// IsBlackhole implements fib.RouteInfo.
//
// Shared next-hop objects are not supported, so an info is never a
// blackhole by itself.
func (m *Info) IsBlackhole() bool {
	return false
}

// Refs returns the current number of references.
func (m *Info) Refs() int64 {
	return m.refs.Load()
}

// refresh recomputes path and info flags from the link and neighbour
// state. It reports whether the info has just become dead.
func (m *Info) refresh(links map[int]LinkState, unresolved map[netip.Addr]struct{}) bool {
	dead, linkDown := 0, 0

	for _, p := range m.paths {
		flags := p.static
		ignore := false

		if p.dev != 0 && links != nil {
			link, ok := links[p.dev]
			switch {
			case !ok || !link.AdminUp:
				flags |= fib.NexthopDead | fib.NexthopLinkDown
			case !link.Carrier:
				flags |= fib.NexthopLinkDown
				if link.IgnoreLinkDown {
					flags |= fib.NexthopDead
				}
			}
			ignore = ok && link.IgnoreLinkDown
			if ok && link.Name != "" {
				p.linkName.Store(&link.Name)
			}
		}

		p.ignoreLinkDown.Store(ignore)

		if p.gateway.IsValid() {
			if _, ok := unresolved[p.gateway]; ok {
				flags |= fib.NexthopUnresolved
			}
		}

		if flags&fib.NexthopDead != 0 {
			dead++
		}
		if flags&fib.NexthopLinkDown != 0 {
			linkDown++
		}
		p.flags.Store(uint32(flags))
	}

	var flags fib.NexthopFlags
	if len(m.paths) > 0 && dead == len(m.paths) {
		flags |= fib.NexthopDead
	}
	if len(m.paths) > 0 && linkDown == len(m.paths) {
		flags |= fib.NexthopLinkDown
	}

	prev := fib.NexthopFlags(m.flags.Swap(uint32(flags)))
	return prev&fib.NexthopDead == 0 && flags&fib.NexthopDead != 0
}
