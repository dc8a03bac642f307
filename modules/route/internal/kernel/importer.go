// Package kernel mirrors an IPv4 routing table of the host kernel into
// a forwarding table.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/yanet-platform/fibtrie/modules/route/fib"
)

var errSubscriptionClosed = errors.New("route subscription closed")

// Option is a function that configures the importer.
type Option func(*options)

// WithLog configures the importer with a logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

// WithKernelTable configures the kernel table to mirror.
func WithKernelTable(id int) Option {
	return func(o *options) {
		o.KernelTable = id
	}
}

// WithMaxBackoff configures the longest pause between resubscriptions.
func WithMaxBackoff(d time.Duration) Option {
	return func(o *options) {
		o.MaxBackoff = d
	}
}

type options struct {
	KernelTable int
	MaxBackoff  time.Duration
	Log         *zap.SugaredLogger
}

func newOptions() *options {
	return &options{
		KernelTable: unix.RT_TABLE_MAIN,
		MaxBackoff:  time.Minute,
		Log:         zap.NewNop().Sugar(),
	}
}

// Importer copies kernel routes into a table and keeps them in sync.
type Importer struct {
	table       *fib.Table
	kernelTable int
	maxBackoff  time.Duration
	log         *zap.SugaredLogger

	mu sync.Mutex
	// imported holds the routes currently mirrored from the kernel, so
	// that a resync removes only what the importer itself installed.
	imported map[string]*fib.RouteConfig
}

// NewImporter creates an importer writing into tbl.
func NewImporter(tbl *fib.Table, options ...Option) *Importer {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	return &Importer{
		table:       tbl,
		kernelTable: opts.KernelTable,
		maxBackoff:  opts.MaxBackoff,
		log:         opts.Log.With(zap.Int("kernel_table", opts.KernelTable)),
		imported:    map[string]*fib.RouteConfig{},
	}
}

// Sync lists the routes of the kernel table and mirrors them into the
// forwarding table. Previously imported routes missing from the kernel
// are removed. It returns the number of routes present after the sync.
func (m *Importer) Sync(ctx context.Context) (int, error) {
	filter := &netlink.Route{Table: m.kernelTable}
	routes, err := netlink.RouteListFiltered(netlink.FAMILY_V4, filter, netlink.RT_FILTER_TABLE)
	if err != nil {
		return 0, fmt.Errorf("failed to list routes: %w", err)
	}

	return m.syncRoutes(ctx, routes)
}

func (m *Importer) syncRoutes(ctx context.Context, routes []netlink.Route) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]*fib.RouteConfig, len(routes))
	for idx := range routes {
		if err := ctx.Err(); err != nil {
			return len(seen), err
		}

		cfg, ok := routeConfig(&routes[idx])
		if !ok {
			continue
		}
		// Routes differing only by next-hops coexist, as after
		// "ip route append".
		err := m.table.Insert(cfg, fib.FlagCreate|fib.FlagAppend)
		if err != nil && !errors.Is(err, fib.ErrAlreadyExists) {
			m.log.Warnw("failed to import route", zap.Stringer("route", cfg), zap.Error(err))
			continue
		}
		seen[routeKey(cfg)] = cfg
	}

	removed := 0
	for key, cfg := range m.imported {
		if _, ok := seen[key]; ok {
			continue
		}
		err := m.table.Delete(cfg)
		if err != nil && !errors.Is(err, fib.ErrNotFound) {
			m.log.Warnw("failed to remove stale route", zap.Stringer("route", cfg), zap.Error(err))
			// Retried on the next sync.
			seen[key] = cfg
			continue
		}
		removed++
	}
	m.imported = seen

	m.log.Infow("synchronized kernel routes",
		zap.Int("routes", len(seen)),
		zap.Int("listed", len(routes)),
		zap.Int("removed", removed),
	)
	return len(seen), nil
}

// Run follows kernel route updates until the context is canceled,
// resubscribing with backoff after failures.
func (m *Importer) Run(ctx context.Context) error {
	m.log.Debugf("starting kernel route importer")
	defer m.log.Debugf("stopped kernel route importer")

	runBackoff := backoff.ExponentialBackOff{
		InitialInterval:     backoff.DefaultInitialInterval,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         m.maxBackoff,
	}
	runBackoff.Reset()
	backoffResetTimeout := 10 * time.Minute

	for {
		startedAt := time.Now()
		err := m.runSubscription(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if time.Since(startedAt) > backoffResetTimeout {
			runBackoff.Reset()
		}
		delay := runBackoff.NextBackOff()
		m.log.Warnw("kernel route subscription failed", zap.Duration("retry_in", delay), zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (m *Importer) runSubscription(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)

	txRx := make(chan netlink.RouteUpdate, 64)
	errCh := make(chan error, 1)
	opts := netlink.RouteSubscribeOptions{
		ErrorCallback: func(err error) {
			select {
			case errCh <- err:
			default:
			}
		},
	}
	if err := netlink.RouteSubscribeWithOptions(txRx, done, opts); err != nil {
		return fmt.Errorf("failed to subscribe to route updates: %w", err)
	}

	// Updates racing with the dump are queued in txRx and applied after.
	if _, err := m.Sync(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return fmt.Errorf("route subscription failed: %w", err)
		case update, ok := <-txRx:
			if !ok {
				return errSubscriptionClosed
			}
			if err := m.apply(update); err != nil {
				m.log.Warnw("failed to apply route update", zap.Error(err))
			}
		}
	}
}

// apply mirrors a single route update.
func (m *Importer) apply(update netlink.RouteUpdate) error {
	if update.Table != m.kernelTable {
		return nil
	}
	cfg, ok := routeConfig(&update.Route)
	if !ok {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := routeKey(cfg)
	switch update.Type {
	case unix.RTM_NEWROUTE:
		flags := fib.FlagCreate
		switch {
		case update.NlFlags&unix.NLM_F_APPEND != 0:
			flags |= fib.FlagAppend
		case update.NlFlags&unix.NLM_F_REPLACE != 0:
			flags |= fib.FlagReplace
		default:
			flags |= fib.FlagExcl
		}

		err := m.table.Insert(cfg, flags)
		if errors.Is(err, fib.ErrAlreadyExists) {
			m.imported[key] = cfg
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to insert %s: %w", cfg, err)
		}
		// A replaced route stays in imported until the next sync finds
		// it gone; deleting it then is a no-op.
		m.imported[key] = cfg
	case unix.RTM_DELROUTE:
		err := m.table.Delete(cfg)
		delete(m.imported, key)
		if errors.Is(err, fib.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to delete %s: %w", cfg, err)
		}
	default:
		m.log.Warnf("received unexpected route update type: %d", update.Type)
		return nil
	}

	m.log.Debugw("applied route update",
		zap.Uint16("type", update.Type),
		zap.Stringer("route", cfg),
	)
	return nil
}

// routeKey identifies an imported route.
func routeKey(cfg *fib.RouteConfig) string {
	return fmt.Sprintf("%s proto %d scope %s src %s", cfg, cfg.Protocol, cfg.Scope, cfg.PrefSrc)
}

// routeConfig converts a kernel IPv4 route. Routes that can not be
// represented are reported as not ok.
func routeConfig(r *netlink.Route) (*fib.RouteConfig, bool) {
	if r.Family != 0 && r.Family != netlink.FAMILY_V4 {
		return nil, false
	}

	prefix := netip.PrefixFrom(netip.IPv4Unspecified(), 0)
	if r.Dst != nil {
		addr, ok := ipv4(r.Dst.IP)
		if !ok {
			return nil, false
		}
		ones, bits := r.Dst.Mask.Size()
		if bits != net.IPv4len*8 {
			return nil, false
		}
		prefix = netip.PrefixFrom(addr, ones).Masked()
	}

	typ := fib.RouteType(r.Type)
	if typ == fib.RouteUnspec {
		typ = fib.RouteUnicast
	}

	cfg := &fib.RouteConfig{
		Prefix:   prefix,
		TOS:      uint8(r.Tos),
		Priority: uint32(r.Priority),
		Type:     typ,
		Scope:    fib.Scope(r.Scope),
		Protocol: uint8(r.Protocol),
	}
	if src, ok := ipv4(r.Src); ok {
		cfg.PrefSrc = src
	}
	if typ.IsError() {
		return cfg, true
	}

	if len(r.MultiPath) > 0 {
		for _, nh := range r.MultiPath {
			cfg.Nexthops = append(cfg.Nexthops, nexthopConfig(nh.Gw, nh.LinkIndex, nh.Hops+1, nh.Flags))
		}
		return cfg, true
	}

	if r.Gw != nil || r.LinkIndex != 0 {
		cfg.Nexthops = append(cfg.Nexthops, nexthopConfig(r.Gw, r.LinkIndex, 1, r.Flags))
	}
	return cfg, true
}

func nexthopConfig(gw net.IP, dev int, weight int, flags int) fib.NexthopConfig {
	nh := fib.NexthopConfig{
		Dev:    dev,
		Weight: weight,
		Flags:  fib.NexthopFlags(flags) & fib.NexthopOnlink,
	}
	if addr, ok := ipv4(gw); ok {
		nh.Gateway = addr
	}
	return nh
}

func ipv4(ip net.IP) (netip.Addr, bool) {
	ip4 := ip.To4()
	if ip4 == nil {
		return netip.Addr{}, false
	}
	return netip.AddrFrom4([4]byte(ip4)), true
}
