package route

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/yanet-platform/fibtrie/modules/route/fib"
	"github.com/yanet-platform/fibtrie/modules/route/internal/discovery"
	"github.com/yanet-platform/fibtrie/modules/route/internal/discovery/link"
	"github.com/yanet-platform/fibtrie/modules/route/internal/discovery/neigh"
	"github.com/yanet-platform/fibtrie/modules/route/internal/epoch"
	"github.com/yanet-platform/fibtrie/modules/route/internal/kernel"
	"github.com/yanet-platform/fibtrie/modules/route/internal/metrics"
	"github.com/yanet-platform/fibtrie/modules/route/internal/nexthop"
	"github.com/yanet-platform/fibtrie/modules/route/internal/notify"
	"github.com/yanet-platform/fibtrie/modules/route/internal/routefile"
)

const shutdownTimeout = 5 * time.Second

// ModuleOption is a function that configures the module.
type ModuleOption func(*options)

// WithLog configures the module with a logger.
func WithLog(log *zap.SugaredLogger) ModuleOption {
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

// RouteModule owns a forwarding table together with everything that keeps
// it up to date: static routes, kernel routes, link and neighbour state.
type RouteModule struct {
	cfg      *Config
	domain   *epoch.Domain
	registry *nexthop.Registry
	bus      *notify.Bus
	table    *fib.Table

	links    *link.LinkMonitor
	neighs   *neigh.NeighMonitor
	importer *kernel.Importer

	metrics         *http.Server
	metricsListener net.Listener

	server   *grpc.Server
	health   *health.Server
	listener net.Listener

	log *zap.SugaredLogger
}

// NewRouteModule creates a new RouteModule.
func NewRouteModule(cfg *Config, options ...ModuleOption) (*RouteModule, error) {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	log := opts.Log.With(zap.Uint32("table", cfg.TableID))

	domain := epoch.NewDomain(epoch.WithConfig(cfg.Reclaim), epoch.WithLog(log))
	registry := nexthop.NewRegistry(nexthop.WithLog(log))
	bus := notify.NewBus(notify.WithLog(log))

	table, err := fib.New(
		cfg.TableID,
		registry,
		fib.WithConfig(cfg.FIB),
		fib.WithReclaimer(domain),
		fib.WithNotifier(bus),
		fib.WithLog(log),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create table %d: %w", cfg.TableID, err)
	}

	m := &RouteModule{
		cfg:      cfg,
		domain:   domain,
		registry: registry,
		bus:      bus,
		table:    table,
		log:      log,
	}

	if err := m.init(); err != nil {
		m.Close()
		return nil, err
	}

	return m, nil
}

func (m *RouteModule) init() error {
	cfg := m.cfg

	if cfg.RoutesFile != "" {
		if err := m.loadRoutes(cfg.RoutesFile); err != nil {
			return err
		}
	}

	if cfg.Links.Enabled {
		m.links = link.NewLinkMonitor(
			discovery.NewEmptyCache[int, nexthop.LinkState](),
			m.registry,
			link.WithLog(m.log),
			link.WithUpdateInterval(cfg.Links.UpdateInterval),
			link.WithOnDead(m.flushDead),
		)
	}

	if cfg.Neighbours.Enabled {
		m.neighs = neigh.NewNeighMonitor(
			discovery.NewEmptyCache[netip.Addr, neigh.NeighbourEntry](),
			m.registry,
			neigh.WithLog(m.log),
			neigh.WithUpdateInterval(cfg.Neighbours.UpdateInterval),
		)
	}

	if cfg.Kernel.Enabled {
		m.importer = kernel.NewImporter(
			m.table,
			kernel.WithLog(m.log),
			kernel.WithKernelTable(cfg.Kernel.Table),
			kernel.WithMaxBackoff(cfg.Kernel.MaxBackoff),
		)
	}

	if cfg.MetricsEndpoint != "" {
		if err := m.initMetrics(cfg.MetricsEndpoint); err != nil {
			return err
		}
	}

	if cfg.Endpoint != "" {
		if err := m.initServer(cfg.Endpoint); err != nil {
			return err
		}
	}

	return nil
}

func (m *RouteModule) initServer(endpoint string) error {
	listener, err := net.Listen("tcp", endpoint)
	if err != nil {
		return fmt.Errorf("failed to initialize gRPC listener: %w", err)
	}

	server := grpc.NewServer()

	routeService := NewRouteService(m.table, resolveLink, m.log)
	routeService.Register(server)

	healthServer := health.NewServer()
	healthServer.SetServingStatus(RouteServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, healthServer)

	m.server = server
	m.health = healthServer
	m.listener = listener
	return nil
}

func (m *RouteModule) loadRoutes(path string) error {
	file, err := routefile.LoadFile(path)
	if err != nil {
		return fmt.Errorf("failed to load routes: %w", err)
	}

	routes, err := file.Configs(resolveLink)
	if err != nil {
		return fmt.Errorf("failed to parse routes from %q: %w", path, err)
	}

	if err := routefile.Apply(m.table, routes); err != nil {
		return fmt.Errorf("failed to apply routes from %q: %w", path, err)
	}

	m.log.Infow("loaded static routes", zap.String("path", path), zap.Int("count", len(routes)))
	return nil
}

func (m *RouteModule) initMetrics(endpoint string) error {
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(
		[]*fib.Table{m.table},
		metrics.WithReclaimer(m.domain),
		metrics.WithLog(m.log),
	)
	if err := registry.Register(collector); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	listener, err := net.Listen("tcp", endpoint)
	if err != nil {
		return fmt.Errorf("failed to listen on %q: %w", endpoint, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	m.metricsListener = listener
	m.metrics = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// flushDead removes routes whose next-hops died with their links.
func (m *RouteModule) flushDead(died int) {
	removed := m.table.Flush(false)
	m.log.Infow("flushed routes with dead next-hops",
		zap.Int("dead_infos", died),
		zap.Int("removed", removed),
	)
}

// Table returns the served table.
func (m *RouteModule) Table() *fib.Table {
	return m.table
}

// Subscribe replays the table into sub and delivers subsequent changes.
//
// See notify.Bus.Subscribe for the meaning of reset.
func (m *RouteModule) Subscribe(sub fib.Notifier, reset func()) (func(), error) {
	return m.bus.Subscribe(m.table, sub, reset)
}

// Addr returns the address the gRPC route service listens on, or nil.
func (m *RouteModule) Addr() net.Addr {
	if m.listener == nil {
		return nil
	}
	return m.listener.Addr()
}

// MetricsAddr returns the address the metrics endpoint listens on, or nil.
func (m *RouteModule) MetricsAddr() net.Addr {
	if m.metricsListener == nil {
		return nil
	}
	return m.metricsListener.Addr()
}

// Run runs the module until the specified context is canceled.
func (m *RouteModule) Run(ctx context.Context) error {
	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		return m.domain.Run(ctx)
	})

	if m.links != nil {
		wg.Go(func() error {
			return m.links.Run(ctx)
		})
	}
	if m.neighs != nil {
		wg.Go(func() error {
			return m.neighs.Run(ctx)
		})
	}
	if m.importer != nil {
		wg.Go(func() error {
			return m.importer.Run(ctx)
		})
	}
	if m.metrics != nil {
		wg.Go(func() error {
			m.log.Infow("serving metrics", zap.Stringer("addr", m.metricsListener.Addr()))
			if err := m.metrics.Serve(m.metricsListener); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server failed: %w", err)
			}
			return nil
		})
		wg.Go(func() error {
			<-ctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return m.metrics.Shutdown(shutdownCtx)
		})
	}

	if m.server != nil {
		wg.Go(func() error {
			m.log.Infow("exposing gRPC API", zap.Stringer("addr", m.listener.Addr()))
			return m.server.Serve(m.listener)
		})
		wg.Go(func() error {
			<-ctx.Done()

			m.health.Shutdown()
			m.server.GracefulStop()
			return nil
		})
	}

	return wg.Wait()
}

// Close closes the module.
//
// The table releases its routes and waits for readers to drain.
func (m *RouteModule) Close() error {
	if m.metricsListener != nil {
		// Already closed when the server has been shut down.
		m.metricsListener.Close()
	}
	if m.server != nil {
		m.server.Stop()
		m.listener.Close()
	}

	if err := m.table.Close(); err != nil {
		m.log.Warnw("failed to close table", zap.Error(err))
	}
	m.domain.Synchronize()

	return nil
}

func resolveLink(name string) (int, error) {
	l, err := netlink.LinkByName(name)
	if err != nil {
		return 0, err
	}
	return l.Attrs().Index, nil
}
