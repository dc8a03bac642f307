package link

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/yanet-platform/fibtrie/modules/route/internal/discovery"
	"github.com/yanet-platform/fibtrie/modules/route/internal/nexthop"
)

// LinksCache is a cache of link states keyed by interface index.
type LinksCache = discovery.Cache[int, nexthop.LinkState]

// LinksCacheView is a read-only view of the links cache.
type LinksCacheView = discovery.CacheView[int, nexthop.LinkState]

// Sink receives complete link state snapshots.
//
// It returns the number of route infos that died because of the update.
type Sink interface {
	SetLinks(links map[int]nexthop.LinkState) int
}

// Option is a function that configures the link monitor.
type Option func(*options)

// WithLog configures the link monitor with a logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

// WithUpdateInterval configures the link monitor with a force-update
// interval.
func WithUpdateInterval(interval time.Duration) Option {
	return func(o *options) {
		o.UpdateInterval = interval
	}
}

// WithOnDead configures a callback invoked when an update kills route
// infos, usually to flush their routes.
func WithOnDead(fn func(died int)) Option {
	return func(o *options) {
		o.OnDead = fn
	}
}

// WithSysctlRoot overrides the directory holding per-device IPv4
// sysctls.
func WithSysctlRoot(path string) Option {
	return func(o *options) {
		o.SysctlRoot = path
	}
}

type options struct {
	UpdateInterval time.Duration
	OnDead         func(died int)
	SysctlRoot     string
	Log            *zap.SugaredLogger
}

func newOptions() *options {
	return &options{
		UpdateInterval: time.Minute,
		OnDead:         func(int) {},
		SysctlRoot:     "/proc/sys/net/ipv4/conf",
		Log:            zap.NewNop().Sugar(),
	}
}

// LinkMonitor is a monitor of netlink links.
//
// It keeps the links cache and the next-hop link state up to date both
// reactively and periodically.
type LinkMonitor struct {
	cache          *LinksCache
	sink           Sink
	updateInterval time.Duration
	onDead         func(died int)
	sysctlRoot     string
	log            *zap.SugaredLogger
}

// NewLinkMonitor creates a new link monitor.
func NewLinkMonitor(cache *LinksCache, sink Sink, options ...Option) *LinkMonitor {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	m := &LinkMonitor{
		cache:          cache,
		sink:           sink,
		updateInterval: opts.UpdateInterval,
		onDead:         opts.OnDead,
		sysctlRoot:     opts.SysctlRoot,
		log:            opts.Log,
	}

	// Bootstrap synchronously here.
	if err := m.update(); err != nil {
		m.log.Warnw("failed to bootstrap links cache", zap.Error(err))
	}
	return m
}

// Cache returns the links cache.
func (m *LinkMonitor) Cache() *LinksCache {
	return m.cache
}

// Run runs the link monitor until the specified context is canceled.
func (m *LinkMonitor) Run(ctx context.Context) error {
	m.log.Debugf("starting links monitor")
	defer m.log.Debugf("stopped links monitor")

	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		return m.runSubscription(ctx)
	})
	wg.Go(func() error {
		return m.runPeriodicUpdate(ctx)
	})

	return wg.Wait()
}

func (m *LinkMonitor) runSubscription(ctx context.Context) error {
	txRx := make(chan netlink.LinkUpdate, 1)
	opts := netlink.LinkSubscribeOptions{}
	if err := netlink.LinkSubscribeWithOptions(txRx, ctx.Done(), opts); err != nil {
		return fmt.Errorf("failed to subscribe to links updates: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update := <-txRx:
			attrs := update.Attrs()
			m.log.Debugw("processing link update",
				zap.Int("link_index", attrs.Index),
				zap.String("name", attrs.Name),
				zap.Stringer("oper_state", attrs.OperState),
			)
			if err := m.update(); err != nil {
				m.log.Warnw("failed to process link update", zap.Error(err))
			}
		}
	}
}

func (m *LinkMonitor) runPeriodicUpdate(ctx context.Context) error {
	timer := time.NewTicker(m.updateInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			if err := m.update(); err != nil {
				m.log.Warnw("failed to update links", zap.Error(err))
			}
		}
	}
}

func (m *LinkMonitor) update() error {
	links, err := netlink.LinkList()
	if err != nil {
		return fmt.Errorf("failed to list links: %w", err)
	}

	m.apply(linkStates(links, m.ignoreLinkDown))
	return nil
}

// apply publishes a snapshot to the cache and to the sink.
func (m *LinkMonitor) apply(states map[int]nexthop.LinkState) {
	// Swap the entire table atomically.
	m.cache.Swap(states)

	died := m.sink.SetLinks(states)
	if died > 0 {
		m.log.Infow("route infos died after link update", zap.Int("count", died))
		m.onDead(died)
	}

	m.log.Debugw("updated links cache", zap.Int("size", len(states)))
}

// ignoreLinkDown reports whether routes through the named device must
// not be used while its carrier is down.
func (m *LinkMonitor) ignoreLinkDown(name string) bool {
	return readBoolSysctl(m.sysctlRoot, "all") || readBoolSysctl(m.sysctlRoot, name)
}

func readBoolSysctl(root string, dev string) bool {
	data, err := os.ReadFile(filepath.Join(root, dev, "ignore_routes_with_linkdown"))
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(data)) == "1"
}

// linkStates converts netlink links into next-hop link states.
func linkStates(links []netlink.Link, ignoreLinkDown func(name string) bool) map[int]nexthop.LinkState {
	states := make(map[int]nexthop.LinkState, len(links))
	for _, link := range links {
		attrs := link.Attrs()
		states[attrs.Index] = nexthop.LinkState{
			Name:           attrs.Name,
			AdminUp:        attrs.Flags&net.FlagUp != 0,
			Carrier:        attrs.RawFlags&unix.IFF_LOWER_UP != 0,
			IgnoreLinkDown: ignoreLinkDown(attrs.Name),
		}
	}
	return states
}
