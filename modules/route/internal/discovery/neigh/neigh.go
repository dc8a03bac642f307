package neigh

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/yanet-platform/fibtrie/modules/route/internal/discovery"
)

// NexthopCache is a cache of gateway neighbours populated via neighbour
// discovery.
type NexthopCache = discovery.Cache[netip.Addr, NeighbourEntry]

// NexthopCacheView is a read-only view of the nexthop cache.
type NexthopCacheView = discovery.CacheView[netip.Addr, NeighbourEntry]

// Sink receives the set of gateways whose resolution failed.
type Sink interface {
	SetUnresolved(addrs map[netip.Addr]struct{})
}

// Option is a function that configures the neighbour monitor.
type Option func(*options)

// WithUpdateInterval configures the neighbour monitor with an force-update
// interval.
func WithUpdateInterval(interval time.Duration) Option {
	return func(o *options) {
		o.UpdateInterval = interval
	}
}

// WithLog configures the neighbour monitor with a logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

type options struct {
	UpdateInterval time.Duration
	Log            *zap.SugaredLogger
}

func newOptions() *options {
	return &options{
		UpdateInterval: 5 * time.Minute,
		Log:            zap.NewNop().Sugar(),
	}
}

// NeighMonitor is a monitor of neighbour events.
//
// It keeps the nexthop cache and the unresolved gateway set up to date
// both reactively and periodically.
type NeighMonitor struct {
	nexthopCache   *NexthopCache
	sink           Sink
	updateInterval time.Duration
	log            *zap.SugaredLogger
}

// NewNeighMonitor creates a new neighbour monitor.
func NewNeighMonitor(neighbours *NexthopCache, sink Sink, options ...Option) *NeighMonitor {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	m := &NeighMonitor{
		nexthopCache:   neighbours,
		sink:           sink,
		updateInterval: opts.UpdateInterval,
		log:            opts.Log,
	}

	// Bootstrap neighbours synchronously here.
	if err := m.updateNeighbours(); err != nil {
		m.log.Warnw("failed to bootstrap neighbours", zap.Error(err))
	}
	return m
}

// Cache returns the nexthop cache.
func (m *NeighMonitor) Cache() *NexthopCache {
	return m.nexthopCache
}

// Run runs the neighbour monitor until the specified context is canceled.
func (m *NeighMonitor) Run(ctx context.Context) error {
	m.log.Debugf("starting neighbour monitor")
	defer m.log.Debugf("stopped neighbour monitor")

	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		return m.runNeighSubscription(ctx)
	})
	wg.Go(func() error {
		return m.runNeighPeriodicUpdate(ctx)
	})

	return wg.Wait()
}

func (m *NeighMonitor) runNeighSubscription(ctx context.Context) error {
	txRx := make(chan netlink.NeighUpdate, 1)
	opts := netlink.NeighSubscribeOptions{}
	if err := netlink.NeighSubscribeWithOptions(txRx, ctx.Done(), opts); err != nil {
		return fmt.Errorf("failed to subscribe to neighbor updates: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update := <-txRx:
			if err := m.processNeighUpdate(update); err != nil {
				m.log.Warnw("failed to process neighbour update", zap.Error(err))
			}
		}
	}
}

func (m *NeighMonitor) runNeighPeriodicUpdate(ctx context.Context) error {
	timer := time.NewTicker(m.updateInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			if err := m.updateNeighbours(); err != nil {
				m.log.Warnw("failed to update neighbours", zap.Error(err))
			}
		}
	}
}

func (m *NeighMonitor) processNeighUpdate(update netlink.NeighUpdate) error {
	m.log.Debugw("processing neighbour update",
		zap.Int("link_index", update.LinkIndex),
		zap.Stringer("state", NeighbourState(update.State)),
		zap.Stringer("nexthop_addr", update.IP),
	)

	switch update.Type {
	case unix.RTM_NEWNEIGH:
		return m.updateNeighbours()
	case unix.RTM_DELNEIGH:
		// Deletions are picked up by the periodic update to avoid flaps.
	default:
		m.log.Warnf("received unexpected neighbour update type: %d", update.Type)
	}

	return nil
}

func (m *NeighMonitor) updateNeighbours() error {
	neighs, err := netlink.NeighList(0, netlink.FAMILY_V4)
	if err != nil {
		return fmt.Errorf("failed to list neighbours: %w", err)
	}

	m.apply(neighbourEntries(neighs, time.Now(), m.log))
	return nil
}

// apply publishes a snapshot to the cache and to the sink.
func (m *NeighMonitor) apply(entries map[netip.Addr]NeighbourEntry) {
	unresolved := map[netip.Addr]struct{}{}
	for addr, entry := range entries {
		if entry.State.Unresolved() {
			unresolved[addr] = struct{}{}
		}
	}

	// Swap the entire table atomically.
	m.nexthopCache.Swap(entries)
	m.sink.SetUnresolved(unresolved)

	m.log.Infow("updated nexthop cache",
		zap.Int("size", len(entries)),
		zap.Int("unresolved", len(unresolved)),
	)
}

// neighbourEntries converts IPv4 netlink neighbours into cache entries.
//
// A gateway seen on several links is unresolved only if it is
// unresolved on every one of them.
func neighbourEntries(neighs []netlink.Neigh, now time.Time, log *zap.SugaredLogger) map[netip.Addr]NeighbourEntry {
	entries := make(map[netip.Addr]NeighbourEntry, len(neighs))
	for _, neigh := range neighs {
		addr, ok := netip.AddrFromSlice(neigh.IP)
		if !ok {
			log.Warnf("failed to parse neighbour IP address: %q", neigh.IP)
			continue
		}
		addr = addr.Unmap()
		if !addr.Is4() {
			continue
		}

		entry := NeighbourEntry{
			NextHop:   addr,
			LinkAddr:  neigh.HardwareAddr,
			Dev:       neigh.LinkIndex,
			UpdatedAt: now,
			State:     NeighbourState(neigh.State),
		}

		if prev, ok := entries[addr]; ok && !prev.State.Unresolved() && entry.State.Unresolved() {
			continue
		}

		log.Debugw("resolved neighbour entry",
			zap.Stringer("nexthop_addr", entry.NextHop),
			zap.Stringer("nexthop_hardware_addr", entry.LinkAddr),
			zap.Stringer("state", entry.State),
		)

		entries[addr] = entry
	}

	return entries
}
