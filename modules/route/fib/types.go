package fib

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// RouteType is the type of a route.
//
// Values are identical to the kernel RTN_* constants.
type RouteType uint8

const (
	RouteUnspec RouteType = iota
	RouteUnicast
	RouteLocal
	RouteBroadcast
	RouteAnycast
	RouteMulticast
	RouteBlackhole
	RouteUnreachable
	RouteProhibit
	RouteThrow
	RouteNAT
	RouteXResolve
)

var routeTypeNames = [...]string{
	RouteUnspec:      "unspec",
	RouteUnicast:     "unicast",
	RouteLocal:       "local",
	RouteBroadcast:   "broadcast",
	RouteAnycast:     "anycast",
	RouteMulticast:   "multicast",
	RouteBlackhole:   "blackhole",
	RouteUnreachable: "unreachable",
	RouteProhibit:    "prohibit",
	RouteThrow:       "throw",
	RouteNAT:         "nat",
	RouteXResolve:    "xresolve",
}

// String returns the iproute2 name of the route type.
func (m RouteType) String() string {
	if int(m) < len(routeTypeNames) {
		return routeTypeNames[m]
	}
	return strconv.Itoa(int(m))
}

// Valid reports whether the type is a known route type.
func (m RouteType) Valid() bool {
	return int(m) < len(routeTypeNames)
}

// IsError reports whether a lookup hitting a route of this type fails
// instead of producing a next-hop.
func (m RouteType) IsError() bool {
	switch m {
	case RouteBlackhole, RouteUnreachable, RouteProhibit, RouteThrow, RouteNAT, RouteXResolve:
		return true
	default:
		return false
	}
}

// MinScope returns the narrowest scope a route of this type may have.
func (m RouteType) MinScope() Scope {
	switch m {
	case RouteLocal:
		return ScopeHost
	case RouteBroadcast, RouteAnycast:
		return ScopeLink
	case RouteNAT, RouteXResolve:
		return ScopeNowhere
	default:
		return ScopeUniverse
	}
}

// ParseRouteType parses an iproute2 route type name.
func ParseRouteType(s string) (RouteType, error) {
	for idx, name := range routeTypeNames {
		if strings.EqualFold(s, name) {
			return RouteType(idx), nil
		}
	}
	return RouteUnspec, fmt.Errorf("%w: unknown route type %q", ErrBadArgument, s)
}

// Scope is the distance to the destination of a route.
//
// Values are identical to the kernel RT_SCOPE_* constants. Smaller values
// are wider.
type Scope uint8

const (
	ScopeUniverse Scope = 0
	ScopeSite     Scope = 200
	ScopeLink     Scope = 253
	ScopeHost     Scope = 254
	ScopeNowhere  Scope = 255
)

// String returns the iproute2 name of the scope.
func (m Scope) String() string {
	switch m {
	case ScopeUniverse:
		return "global"
	case ScopeSite:
		return "site"
	case ScopeLink:
		return "link"
	case ScopeHost:
		return "host"
	case ScopeNowhere:
		return "nowhere"
	default:
		return strconv.Itoa(int(m))
	}
}

// ParseScope parses an iproute2 scope name or a number.
func ParseScope(s string) (Scope, error) {
	switch strings.ToLower(s) {
	case "global", "universe":
		return ScopeUniverse, nil
	case "site":
		return ScopeSite, nil
	case "link":
		return ScopeLink, nil
	case "host":
		return ScopeHost, nil
	case "nowhere":
		return ScopeNowhere, nil
	}

	v, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return ScopeNowhere, fmt.Errorf("%w: unknown scope %q", ErrBadArgument, s)
	}
	return Scope(v), nil
}

// NexthopFlags are per-path state flags.
//
// Values are identical to the kernel RTNH_F_* constants.
type NexthopFlags uint32

const (
	NexthopDead       NexthopFlags = 1 << 0
	NexthopPervasive  NexthopFlags = 1 << 1
	NexthopOnlink     NexthopFlags = 1 << 2
	NexthopOffload    NexthopFlags = 1 << 3
	NexthopLinkDown   NexthopFlags = 1 << 4
	NexthopUnresolved NexthopFlags = 1 << 5
)

// String returns a comma separated list of set flags.
func (m NexthopFlags) String() string {
	names := []string{"dead", "pervasive", "onlink", "offload", "linkdown", "unresolved"}

	var out []string
	for idx, name := range names {
		if m&(1<<idx) != 0 {
			out = append(out, name)
		}
	}
	return strings.Join(out, ",")
}

// Nexthop is a snapshot of one path of a route.
type Nexthop struct {
	// Gateway is the next-hop router, invalid for directly connected
	// routes.
	Gateway netip.Addr
	// Dev is the output interface index.
	Dev int
	// DevName is the output interface name, if known.
	DevName string
	// Scope is the scope of the next-hop itself.
	Scope Scope
	// Flags are the current path flags.
	Flags NexthopFlags
	// Weight is the multipath weight. The table does not interpret it.
	Weight int
	// IgnoreLinkDown mirrors the output device's
	// ignore_routes_with_linkdown policy.
	IgnoreLinkDown bool
}

// String returns a human-readable next-hop description.
func (m Nexthop) String() string {
	var b strings.Builder
	if m.Gateway.IsValid() {
		b.WriteString("via ")
		b.WriteString(m.Gateway.String())
	}
	if m.Dev != 0 || m.DevName != "" {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString("dev ")
		if m.DevName != "" {
			b.WriteString(m.DevName)
		} else {
			b.WriteString(strconv.Itoa(m.Dev))
		}
	}
	if m.Flags != 0 {
		b.WriteString(" ")
		b.WriteString(m.Flags.String())
	}
	return b.String()
}
