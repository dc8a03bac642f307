package fib

import (
	"fmt"
	"net/netip"
	"strings"
)

// InsertFlags control how Insert treats existing routes.
type InsertFlags uint8

const (
	// FlagCreate allows creating a route that does not exist yet.
	FlagCreate InsertFlags = 1 << iota
	// FlagExcl fails when an identical route exists.
	FlagExcl
	// FlagReplace replaces the first route with the same key, tos and
	// priority.
	FlagReplace
	// FlagAppend adds the route after existing routes with the same key,
	// tos and priority.
	FlagAppend
)

// NexthopConfig describes one path of a route being configured.
type NexthopConfig struct {
	Gateway netip.Addr
	Dev     int
	DevName string
	Weight  int
	Flags   NexthopFlags
}

// RouteConfig describes a route being inserted or deleted.
type RouteConfig struct {
	// Prefix is the destination. It must be a canonical IPv4 prefix.
	Prefix netip.Prefix
	// TOS is the type of service the route is restricted to; zero
	// matches any.
	TOS uint8
	// Priority is the route metric; lower wins.
	Priority uint32
	// Type is the route type. On delete zero matches any.
	Type RouteType
	// Scope is the route scope.
	Scope Scope
	// Protocol identifies the route originator. On delete zero matches
	// any.
	Protocol uint8
	// PrefSrc is the preferred source address. On delete an invalid
	// address matches any.
	PrefSrc netip.Addr
	// Nexthops lists the paths of the route.
	Nexthops []NexthopConfig
	// Match is an optional extra predicate applied on delete.
	Match func(Route) bool
}

func (m *RouteConfig) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", m.Type, m.Prefix)
	if m.TOS != 0 {
		fmt.Fprintf(&b, " tos %d", m.TOS)
	}
	if m.Priority != 0 {
		fmt.Fprintf(&b, " metric %d", m.Priority)
	}
	for _, nh := range m.Nexthops {
		if nh.Gateway.IsValid() {
			fmt.Fprintf(&b, " via %s", nh.Gateway)
		}
		if nh.DevName != "" {
			fmt.Fprintf(&b, " dev %s", nh.DevName)
		} else if nh.Dev != 0 {
			fmt.Fprintf(&b, " dev %d", nh.Dev)
		}
	}
	return b.String()
}

// RouteInfo is the shared, reference counted next-hop information of a
// route.
//
// Identical configurations must yield the same RouteInfo value so that
// identity comparison detects duplicate routes. Accessors are called by
// concurrent readers and must be safe for that.
type RouteInfo interface {
	// Hold acquires a reference.
	Hold()
	// Release drops a reference.
	Release()
	// Dead reports whether the info is being destroyed.
	Dead() bool
	// Flags returns info-wide next-hop flags, NexthopDead when every
	// path is dead.
	Flags() NexthopFlags
	// Scope returns the route scope.
	Scope() Scope
	// Priority returns the route metric.
	Priority() uint32
	// Protocol returns the route originator.
	Protocol() uint8
	// PrefSrc returns the preferred source address.
	PrefSrc() netip.Addr
	// NumPaths returns the number of paths.
	NumPaths() int
	// Nexthop returns a snapshot of the i-th path.
	Nexthop(i int) Nexthop
	// MatchConfig reports whether the info satisfies the metric and
	// next-hop constraints of a delete request.
	MatchConfig(cfg *RouteConfig) bool
	// IsBlackhole reports whether the info is a blackhole next-hop
	// object.
	IsBlackhole() bool
}

// RouteInfoFactory creates route infos from configuration.
type RouteInfoFactory interface {
	// NewRouteInfo returns an info holding one reference for the caller.
	NewRouteInfo(cfg *RouteConfig) (RouteInfo, error)
}

// usesDev reports whether any path of fi leaves through dev.
func usesDev(fi RouteInfo, dev int) bool {
	for idx := range fi.NumPaths() {
		if fi.Nexthop(idx).Dev == dev {
			return true
		}
	}
	return false
}
