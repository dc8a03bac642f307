package route

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/yanet-platform/fibtrie/modules/route/fib"
	"github.com/yanet-platform/fibtrie/modules/route/internal/routefile"
)

// RouteServiceName is the full gRPC name of the route service.
const RouteServiceName = "fibtrie.RouteService"

// Nexthop is a path of a route as returned by the route service.
type Nexthop struct {
	Via     string `json:"via,omitempty"`
	Dev     int    `json:"dev,omitempty"`
	DevName string `json:"dev_name,omitempty"`
	Scope   string `json:"scope"`
	Weight  int    `json:"weight"`
	Flags   string `json:"flags,omitempty"`
}

func nexthopFromFIB(nh *fib.Nexthop) Nexthop {
	out := Nexthop{
		Dev:     nh.Dev,
		DevName: nh.DevName,
		Scope:   nh.Scope.String(),
		Weight:  nh.Weight,
	}
	if nh.Gateway.IsValid() {
		out.Via = nh.Gateway.String()
	}
	if nh.Flags != 0 {
		out.Flags = nh.Flags.String()
	}
	return out
}

// Route is a route as returned by the route service.
type Route struct {
	Prefix   string    `json:"prefix"`
	Type     string    `json:"type"`
	Scope    string    `json:"scope"`
	TOS      uint8     `json:"tos,omitempty"`
	Priority uint32    `json:"priority,omitempty"`
	Protocol uint8     `json:"protocol,omitempty"`
	TableID  uint32    `json:"table_id"`
	Accessed bool      `json:"accessed,omitempty"`
	Nexthops []Nexthop `json:"nexthops,omitempty"`
}

func routeFromFIB(r *fib.Route) Route {
	out := Route{
		Prefix:   r.Prefix.String(),
		Type:     r.Type.String(),
		Scope:    r.Scope.String(),
		TOS:      r.TOS,
		Priority: r.Priority,
		Protocol: r.Protocol,
		TableID:  r.TableID,
		Accessed: r.Accessed,
	}
	for _, nh := range r.Nexthops() {
		out.Nexthops = append(out.Nexthops, nexthopFromFIB(&nh))
	}
	return out
}

type ShowRoutesRequest struct {
	// Type, when set, selects routes of the given type.
	Type     string `json:"type,omitempty"`
	Protocol uint8  `json:"protocol,omitempty"`
	// Dev selects routes with a path through the interface index.
	Dev int `json:"dev,omitempty"`
}

type ShowRoutesResponse struct {
	Routes []Route `json:"routes"`
}

type LookupRouteRequest struct {
	Addr           string `json:"addr"`
	TOS            uint8  `json:"tos,omitempty"`
	OIF            int    `json:"oif,omitempty"`
	SkipUnresolved bool   `json:"skip_unresolved,omitempty"`
}

// LookupRouteResponse is empty when no route matches. Error routes fill
// Prefix, Type and Error.
type LookupRouteResponse struct {
	Prefix   string   `json:"prefix,omitempty"`
	Type     string   `json:"type,omitempty"`
	Scope    string   `json:"scope,omitempty"`
	TableID  uint32   `json:"table_id,omitempty"`
	Priority uint32   `json:"priority,omitempty"`
	Nexthop  *Nexthop `json:"nexthop,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// InsertMode selects how InsertRoute treats existing routes.
type InsertMode string

const (
	InsertAdd     InsertMode = "add"
	InsertAppend  InsertMode = "append"
	InsertReplace InsertMode = "replace"
)

type InsertRouteRequest struct {
	Route routefile.Entry `json:"route"`
	// Mode defaults to InsertAdd.
	Mode InsertMode `json:"mode,omitempty"`
}

type InsertRouteResponse struct{}

type DeleteRouteRequest struct {
	Route routefile.Entry `json:"route"`
}

type DeleteRouteResponse struct{}

type FlushRoutesRequest struct {
	// All removes error routes too.
	All bool `json:"all,omitempty"`
}

type FlushRoutesResponse struct {
	Removed int `json:"removed"`
}

// RouteService exposes the forwarding table over gRPC.
type RouteService struct {
	table   *fib.Table
	resolve routefile.Resolver
	log     *zap.SugaredLogger
}

// NewRouteService creates a service serving tbl. Device names of
// inserted routes are resolved with resolve, which may be nil.
func NewRouteService(tbl *fib.Table, resolve routefile.Resolver, log *zap.SugaredLogger) *RouteService {
	return &RouteService{
		table:   tbl,
		resolve: resolve,
		log:     log,
	}
}

// Register registers the service on server.
func (m *RouteService) Register(server *grpc.Server) {
	server.RegisterService(&routeServiceDesc, m)
}

func (m *RouteService) ShowRoutes(
	ctx context.Context,
	request *ShowRoutesRequest,
) (*ShowRoutesResponse, error) {
	filter := &fib.DumpFilter{
		Protocol: request.Protocol,
		Dev:      request.Dev,
	}
	if request.Type != "" {
		typ, err := fib.ParseRouteType(request.Type)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		filter.Type = typ
	}

	response := &ShowRoutesResponse{Routes: []Route{}}
	err := m.table.Walk(filter, nil, func(r fib.Route) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		response.Routes = append(response.Routes, routeFromFIB(&r))
		return nil
	})
	if err != nil {
		return nil, statusError(err)
	}

	return response, nil
}

func (m *RouteService) LookupRoute(
	ctx context.Context,
	request *LookupRouteRequest,
) (*LookupRouteResponse, error) {
	addr, err := netip.ParseAddr(request.Addr)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "failed to parse IP address: %v", err)
	}

	flags := fib.LookupNoRef
	if request.SkipUnresolved {
		flags |= fib.LookupSkipUnresolved
	}
	flow := fib.Flow{
		Dst: addr,
		TOS: request.TOS,
		OIF: request.OIF,
	}

	var routeErr *fib.RouteError
	match, err := m.table.Lookup(&flow, flags)
	switch {
	case err == nil:
	case errors.As(err, &routeErr):
		return &LookupRouteResponse{
			Prefix: routeErr.Prefix.String(),
			Type:   routeErr.Type.String(),
			Error:  err.Error(),
		}, nil
	case errors.Is(err, fib.ErrNotFound):
		return &LookupRouteResponse{}, nil
	default:
		return nil, statusError(err)
	}

	nh := nexthopFromFIB(&match.Nexthop)
	return &LookupRouteResponse{
		Prefix:   match.Prefix.String(),
		Type:     match.Type.String(),
		Scope:    match.Scope.String(),
		TableID:  match.TableID,
		Priority: match.Priority,
		Nexthop:  &nh,
	}, nil
}

func (m *RouteService) InsertRoute(
	ctx context.Context,
	request *InsertRouteRequest,
) (*InsertRouteResponse, error) {
	cfg, err := request.Route.Config(m.resolve)
	if err != nil {
		return nil, statusError(err)
	}

	flags := fib.FlagCreate
	switch request.Mode {
	case InsertAdd, "":
		flags |= fib.FlagExcl
	case InsertAppend:
		flags |= fib.FlagAppend
	case InsertReplace:
		flags |= fib.FlagReplace
	default:
		return nil, status.Errorf(codes.InvalidArgument, "unknown insert mode %q", request.Mode)
	}

	if err := m.table.Insert(cfg, flags); err != nil {
		return nil, statusError(err)
	}

	m.log.Infow("inserted route", zap.Stringer("route", cfg), zap.String("mode", string(request.Mode)))
	return &InsertRouteResponse{}, nil
}

func (m *RouteService) DeleteRoute(
	ctx context.Context,
	request *DeleteRouteRequest,
) (*DeleteRouteResponse, error) {
	cfg, err := request.Route.Config(m.resolve)
	if err != nil {
		return nil, statusError(err)
	}

	if err := m.table.Delete(cfg); err != nil {
		return nil, statusError(err)
	}

	m.log.Infow("deleted route", zap.Stringer("route", cfg))
	return &DeleteRouteResponse{}, nil
}

func (m *RouteService) FlushRoutes(
	ctx context.Context,
	request *FlushRoutesRequest,
) (*FlushRoutesResponse, error) {
	removed := m.table.Flush(request.All)

	m.log.Infow("flushed routes", zap.Bool("all", request.All), zap.Int("removed", removed))
	return &FlushRoutesResponse{Removed: removed}, nil
}

// statusError maps table errors to gRPC status codes.
func statusError(err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, fib.ErrBadArgument), errors.Is(err, fib.ErrInvalidPrefix):
		code = codes.InvalidArgument
	case errors.Is(err, fib.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, fib.ErrAlreadyExists):
		code = codes.AlreadyExists
	case errors.Is(err, fib.ErrNoMemory):
		code = codes.ResourceExhausted
	case errors.Is(err, fib.ErrNotifyFailed):
		code = codes.Aborted
	case errors.Is(err, fib.ErrRetry):
		code = codes.Unavailable
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	}
	return status.Error(code, err.Error())
}

type routeServer interface {
	ShowRoutes(context.Context, *ShowRoutesRequest) (*ShowRoutesResponse, error)
	LookupRoute(context.Context, *LookupRouteRequest) (*LookupRouteResponse, error)
	InsertRoute(context.Context, *InsertRouteRequest) (*InsertRouteResponse, error)
	DeleteRoute(context.Context, *DeleteRouteRequest) (*DeleteRouteResponse, error)
	FlushRoutes(context.Context, *FlushRoutesRequest) (*FlushRoutesResponse, error)
}

var routeServiceDesc = grpc.ServiceDesc{
	ServiceName: RouteServiceName,
	HandlerType: (*routeServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ShowRoutes", Handler: unaryHandler("ShowRoutes", routeServer.ShowRoutes)},
		{MethodName: "LookupRoute", Handler: unaryHandler("LookupRoute", routeServer.LookupRoute)},
		{MethodName: "InsertRoute", Handler: unaryHandler("InsertRoute", routeServer.InsertRoute)},
		{MethodName: "DeleteRoute", Handler: unaryHandler("DeleteRoute", routeServer.DeleteRoute)},
		{MethodName: "FlushRoutes", Handler: unaryHandler("FlushRoutes", routeServer.FlushRoutes)},
	},
	Streams: []grpc.StreamDesc{},
}

func fullMethod(method string) string {
	return fmt.Sprintf("/%s/%s", RouteServiceName, method)
}

func unaryHandler[Req, Resp any](
	method string,
	call func(routeServer, context.Context, *Req) (*Resp, error),
) grpc.MethodHandler {
	info := &grpc.UnaryServerInfo{FullMethod: fullMethod(method)}

	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(routeServer), ctx, in)
		}

		serverInfo := *info
		serverInfo.Server = srv
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(routeServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, &serverInfo, handler)
	}
}

// RouteClient calls the route service.
type RouteClient struct {
	conn grpc.ClientConnInterface
}

// NewRouteClient creates a client over conn.
func NewRouteClient(conn grpc.ClientConnInterface) *RouteClient {
	return &RouteClient{conn: conn}
}

func invoke[Req, Resp any](ctx context.Context, conn grpc.ClientConnInterface, method string, in *Req) (*Resp, error) {
	out := new(Resp)
	if err := conn.Invoke(ctx, fullMethod(method), in, out, grpc.CallContentSubtype(codecName)); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *RouteClient) ShowRoutes(ctx context.Context, in *ShowRoutesRequest) (*ShowRoutesResponse, error) {
	return invoke[ShowRoutesRequest, ShowRoutesResponse](ctx, m.conn, "ShowRoutes", in)
}

func (m *RouteClient) LookupRoute(ctx context.Context, in *LookupRouteRequest) (*LookupRouteResponse, error) {
	return invoke[LookupRouteRequest, LookupRouteResponse](ctx, m.conn, "LookupRoute", in)
}

func (m *RouteClient) InsertRoute(ctx context.Context, in *InsertRouteRequest) (*InsertRouteResponse, error) {
	return invoke[InsertRouteRequest, InsertRouteResponse](ctx, m.conn, "InsertRoute", in)
}

func (m *RouteClient) DeleteRoute(ctx context.Context, in *DeleteRouteRequest) (*DeleteRouteResponse, error) {
	return invoke[DeleteRouteRequest, DeleteRouteResponse](ctx, m.conn, "DeleteRoute", in)
}

func (m *RouteClient) FlushRoutes(ctx context.Context, in *FlushRoutesRequest) (*FlushRoutesResponse, error) {
	return invoke[FlushRoutesRequest, FlushRoutesResponse](ctx, m.conn, "FlushRoutes", in)
}
