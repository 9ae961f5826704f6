package panel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	panelServiceName  = "debugbar.panel.v1.PanelService"
	renderFullMethod  = "/" + panelServiceName + "/Render"
	defaultRemoteWait = 500 * time.Millisecond

	partTab  = "tab"
	partBody = "body"
)

var ErrRemoteUnavailable = errors.New("remote panel unavailable")

// Remote renders a panel hosted by another process over gRPC. Requests are
// a structpb.Struct {panel, part}; replies are a wrapperspb.StringValue.
type Remote struct {
	conn    grpc.ClientConnInterface
	name    string
	timeout time.Duration
	breaker *Breaker
}

func NewRemote(conn grpc.ClientConnInterface, name string, timeout time.Duration, breaker *Breaker) *Remote {
	if timeout <= 0 {
		timeout = defaultRemoteWait
	}
	return &Remote{conn: conn, name: name, timeout: timeout, breaker: breaker}
}

func (r *Remote) Tab(ctx context.Context) (string, error) {
	return r.render(ctx, partTab)
}

func (r *Remote) Body(ctx context.Context) (string, error) {
	return r.render(ctx, partBody)
}

func (r *Remote) render(ctx context.Context, part string) (string, error) {
	if r == nil || r.conn == nil {
		return "", ErrRemoteUnavailable
	}
	if state, ok := r.breaker.Allow(); !ok {
		return "", fmt.Errorf("%w: breaker %s", ErrRemoteUnavailable, state)
	}
	req, err := structpb.NewStruct(map[string]any{"panel": r.name, "part": part})
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	resp := &wrapperspb.StringValue{}
	err = r.conn.Invoke(ctx, renderFullMethod, req, resp)
	r.breaker.Report(err == nil)
	if err != nil {
		return "", fmt.Errorf("render %s of %s: %w", part, r.name, err)
	}
	return resp.GetValue(), nil
}

// PanelServer is the serving side of the remote panel protocol.
type PanelServer interface {
	Render(ctx context.Context, req *structpb.Struct) (*wrapperspb.StringValue, error)
}

type registryServer struct {
	registry *Registry
}

func (s *registryServer) Render(ctx context.Context, req *structpb.Struct) (*wrapperspb.StringValue, error) {
	fields := req.GetFields()
	name := fields["panel"].GetStringValue()
	p := s.registry.Get(name)
	if p == nil {
		return nil, status.Errorf(codes.NotFound, "panel %q not registered", name)
	}
	var (
		out string
		err error
	)
	switch part := fields["part"].GetStringValue(); part {
	case partTab:
		out, err = p.Tab(ctx)
	case partBody:
		out, err = p.Body(ctx)
	default:
		return nil, status.Errorf(codes.InvalidArgument, "unknown part %q", part)
	}
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return wrapperspb.String(out), nil
}

// RegisterService exposes the panels of registry to Remote clients.
func RegisterService(s grpc.ServiceRegistrar, registry *Registry) {
	s.RegisterService(&panelServiceDesc, &registryServer{registry: registry})
}

var panelServiceDesc = grpc.ServiceDesc{
	ServiceName: panelServiceName,
	HandlerType: (*PanelServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Render", Handler: renderHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "debugbar/panel/v1/panel.proto",
}

func renderHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PanelServer).Render(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: renderFullMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PanelServer).Render(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// Dialer shares one client connection and one breaker per remote address.
type Dialer struct {
	mu       sync.Mutex
	conns    map[string]*grpc.ClientConn
	breakers map[string]*Breaker
	breaker  BreakerConfig
	opts     []grpc.DialOption
}

func NewDialer(breaker BreakerConfig, opts ...grpc.DialOption) *Dialer {
	if len(opts) == 0 {
		opts = []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithKeepaliveParams(keepalive.ClientParameters{
				Time:                30 * time.Second,
				Timeout:             5 * time.Second,
				PermitWithoutStream: true,
			}),
		}
	}
	return &Dialer{
		conns:    make(map[string]*grpc.ClientConn),
		breakers: make(map[string]*Breaker),
		breaker:  breaker,
		opts:     opts,
	}
}

// Remote returns a panel named name served at addr.
func (d *Dialer) Remote(addr string, name string, timeout time.Duration) (*Remote, error) {
	if d == nil {
		return nil, ErrRemoteUnavailable
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	conn := d.conns[addr]
	if conn == nil {
		var err error
		conn, err = grpc.NewClient(addr, d.opts...)
		if err != nil {
			return nil, fmt.Errorf("dial remote panel %s: %w", addr, err)
		}
		d.conns[addr] = conn
	}
	breaker := d.breakers[addr]
	if breaker == nil {
		breaker = NewBreaker(d.breaker)
		d.breakers[addr] = breaker
	}
	return NewRemote(conn, name, timeout, breaker), nil
}

// Close drops every pooled connection and returns the first close error.
func (d *Dialer) Close() error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	conns := d.conns
	d.conns = make(map[string]*grpc.ClientConn)
	d.mu.Unlock()

	var firstErr error
	for _, conn := range conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
