// Package nexthop keeps the reference counted next-hop information
// shared by forwarding table routes.
package nexthop

import (
	"fmt"
	"net/netip"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/yanet-platform/fibtrie/modules/route/fib"
)

// LinkState is the state of a network device as far as routing cares.
type LinkState struct {
	Name string
	// AdminUp is set when the device is administratively up.
	AdminUp bool
	// Carrier is set when the device has a lower layer link.
	Carrier bool
	// IgnoreLinkDown mirrors the ignore_routes_with_linkdown sysctl.
	IgnoreLinkDown bool
}

// Option is a function that configures the registry.
type Option func(*options)

// WithLog configures the registry with a logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

type options struct {
	Log *zap.SugaredLogger
}

func newOptions() *options {
	return &options{
		Log: zap.NewNop().Sugar(),
	}
}

// Registry creates and deduplicates route infos.
//
// Identical route configurations share one Info, which is what the
// forwarding table relies on to detect duplicate routes.
type Registry struct {
	mu         sync.Mutex
	infos      map[string]*Info
	links      map[int]LinkState
	unresolved map[netip.Addr]struct{}
	log        *zap.SugaredLogger
}

// NewRegistry creates an empty registry.
//
// Until SetLinks is called every device is assumed to be up.
func NewRegistry(options ...Option) *Registry {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	return &Registry{
		infos: map[string]*Info{},
		log:   opts.Log,
	}
}

// NewRouteInfo implements fib.RouteInfoFactory.
func (m *Registry) NewRouteInfo(cfg *fib.RouteConfig) (fib.RouteInfo, error) {
	if err := validate(cfg); err != nil {
		return nil, err
	}

	key := infoKey(cfg)

	m.mu.Lock()
	defer m.mu.Unlock()

	if fi, ok := m.infos[key]; ok {
		fi.refs.Add(1)
		return fi, nil
	}

	fi := &Info{
		registry: m,
		key:      key,
		typ:      cfg.Type,
		scope:    cfg.Scope,
		priority: cfg.Priority,
		protocol: cfg.Protocol,
		prefSrc:  cfg.PrefSrc,
	}
	for _, nh := range cfg.Nexthops {
		p := &path{
			gateway: nh.Gateway,
			dev:     nh.Dev,
			devName: nh.DevName,
			weight:  max(nh.Weight, 1),
			scope:   fib.ScopeHost,
			static:  nh.Flags,
		}
		if nh.Gateway.IsValid() {
			p.scope = fib.ScopeLink
		}
		fi.paths = append(fi.paths, p)
	}
	fi.refresh(m.links, m.unresolved)
	fi.refs.Store(1)

	m.infos[key] = fi

	return fi, nil
}

func (m *Registry) release(fi *Info) {
	m.mu.Lock()
	defer m.mu.Unlock()

	refs := fi.refs.Add(-1)
	if refs > 0 {
		return
	}
	if refs < 0 {
		m.log.Warnw("route info released too many times", zap.String("info", fi.key))
		return
	}

	fi.dead.Store(true)
	if m.infos[fi.key] == fi {
		delete(m.infos, fi.key)
	}
}

// SetLinks replaces the device states and refreshes every info.
//
// It returns the number of infos whose paths have all died, which makes
// their routes eligible for a non-total flush.
func (m *Registry) SetLinks(links map[int]LinkState) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.links = links

	died := 0
	for _, fi := range m.infos {
		if fi.refresh(m.links, m.unresolved) {
			died++
		}
	}

	m.log.Debugw("updated link states", zap.Int("links", len(links)), zap.Int("died", died))

	return died
}

// SetUnresolved replaces the set of gateways whose neighbour resolution
// failed and refreshes every info.
func (m *Registry) SetUnresolved(addrs map[netip.Addr]struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.unresolved = addrs
	for _, fi := range m.infos {
		fi.refresh(m.links, m.unresolved)
	}
}

// Len returns the number of live infos.
func (m *Registry) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.infos)
}

func infoKey(cfg *fib.RouteConfig) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d|%d|%d|%d|%s", cfg.Type, cfg.Scope, cfg.Priority, cfg.Protocol, cfg.PrefSrc)
	for _, nh := range cfg.Nexthops {
		fmt.Fprintf(&b, "|%s/%d/%d/%d", nh.Gateway, nh.Dev, max(nh.Weight, 1), nh.Flags)
	}
	return b.String()
}

func validate(cfg *fib.RouteConfig) error {
	if cfg.Type == fib.RouteUnspec || !cfg.Type.Valid() {
		return fmt.Errorf("%w: invalid route type %s", fib.ErrBadArgument, cfg.Type)
	}
	if cfg.Type.MinScope() > cfg.Scope {
		return fmt.Errorf("%w: invalid scope %s for %s route", fib.ErrBadArgument, cfg.Scope, cfg.Type)
	}
	if cfg.PrefSrc.IsValid() && !cfg.PrefSrc.Is4() {
		return fmt.Errorf("%w: preferred source %s is not an IPv4 address", fib.ErrBadArgument, cfg.PrefSrc)
	}

	if cfg.Type.IsError() {
		if len(cfg.Nexthops) > 0 {
			return fmt.Errorf("%w: gateway and device can not be specified for %s route", fib.ErrBadArgument, cfg.Type)
		}
		return nil
	}

	if cfg.Scope > fib.ScopeHost {
		return fmt.Errorf("%w: invalid scope %s", fib.ErrBadArgument, cfg.Scope)
	}
	if len(cfg.Nexthops) == 0 {
		return fmt.Errorf("%w: nexthop device or gateway is required", fib.ErrBadArgument)
	}
	if cfg.Scope == fib.ScopeHost {
		if len(cfg.Nexthops) > 1 {
			return fmt.Errorf("%w: route with host scope can not have multiple nexthops", fib.ErrBadArgument)
		}
		if cfg.Nexthops[0].Gateway.IsValid() {
			return fmt.Errorf("%w: route with host scope can not have a gateway", fib.ErrBadArgument)
		}
	}

	for _, nh := range cfg.Nexthops {
		if nh.Gateway.IsValid() && !nh.Gateway.Is4() {
			return fmt.Errorf("%w: gateway %s is not an IPv4 address", fib.ErrBadArgument, nh.Gateway)
		}
		if !nh.Gateway.IsValid() && nh.Dev == 0 {
			return fmt.Errorf("%w: nexthop device is required", fib.ErrBadArgument)
		}
		if nh.Weight < 0 {
			return fmt.Errorf("%w: invalid nexthop weight %d", fib.ErrBadArgument, nh.Weight)
		}
	}

	return nil
}
