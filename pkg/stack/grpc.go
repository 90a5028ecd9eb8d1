package stack

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	serviceName   = "arpinspect.stack.v1.Stack"
	deliverMethod = "/" + serviceName + "/Deliver"
	unitMDKey     = "arpinspect-unit"
)

// stackServer is the server side of the Stack service.
type stackServer interface {
	Deliver(context.Context, *wrapperspb.BytesValue) (*emptypb.Empty, error)
}

func deliverHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(stackServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: deliverMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(stackServer).Deliver(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

var stackServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*stackServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deliver", Handler: deliverHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "stack.proto",
}

// GRPCTransport carries stacking messages as unary gRPC calls. Each unit
// runs a server; peers are dialled lazily on first send.
type GRPCTransport struct {
	local    int
	dialOpts []grpc.DialOption

	mu    sync.Mutex
	peers map[int]string
	conns map[int]*grpc.ClientConn

	hmu     sync.RWMutex
	handler DeliverFunc

	srv *grpc.Server
}

var _ Transport = (*GRPCTransport)(nil)

// NewGRPCTransport creates a transport for unit local with the given peer
// addresses (unit -> host:port). Without dial options the connection is
// plaintext.
func NewGRPCTransport(local int, peers map[int]string, opts ...grpc.DialOption) *GRPCTransport {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	t := &GRPCTransport{
		local:    local,
		dialOpts: opts,
		peers:    make(map[int]string, len(peers)),
		conns:    make(map[int]*grpc.ClientConn),
	}
	for u, a := range peers {
		t.peers[u] = a
	}
	t.srv = grpc.NewServer()
	t.srv.RegisterService(&stackServiceDesc, &grpcReceiver{t: t})
	return t
}

// Serve accepts peer connections on ln until Close.
func (t *GRPCTransport) Serve(ln net.Listener) error {
	slog.Info("stack: transport listening", "addr", ln.Addr().String(), "unit", t.local)
	return t.srv.Serve(ln)
}

// Run listens on addr and serves until ctx is cancelled.
func (t *GRPCTransport) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("stack listen: %w", err)
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- t.Serve(ln)
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	t.srv.GracefulStop()
	return nil
}

// SetPeer adds or changes the address of unit. An existing connection to
// the old address is closed.
func (t *GRPCTransport) SetPeer(unit int, addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.peers[unit]; ok && old == addr {
		return
	}
	t.peers[unit] = addr
	if c, ok := t.conns[unit]; ok {
		c.Close()
		delete(t.conns, unit)
	}
}

// RemovePeer forgets unit.
func (t *GRPCTransport) RemovePeer(unit int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, unit)
	if c, ok := t.conns[unit]; ok {
		c.Close()
		delete(t.conns, unit)
	}
}

func (t *GRPCTransport) conn(unit int) (*grpc.ClientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.conns[unit]; ok {
		return c, nil
	}
	addr, ok := t.peers[unit]
	if !ok {
		return nil, fmt.Errorf("unit %d: %w", unit, ErrUnitUnreachable)
	}
	c, err := grpc.NewClient(addr, t.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("dial unit %d at %s: %w", unit, addr, err)
	}
	t.conns[unit] = c
	return c, nil
}

// Send implements Transport.
func (t *GRPCTransport) Send(ctx context.Context, unit int, msg []byte) error {
	c, err := t.conn(unit)
	if err != nil {
		return err
	}
	ctx = metadata.AppendToOutgoingContext(ctx, unitMDKey, strconv.Itoa(t.local))
	in := wrapperspb.Bytes(msg)
	out := new(emptypb.Empty)
	if err := c.Invoke(ctx, deliverMethod, in, out); err != nil {
		if status.Code(err) == codes.Unavailable {
			return fmt.Errorf("unit %d: %w: %v", unit, ErrUnitUnreachable, err)
		}
		return fmt.Errorf("deliver to unit %d: %w", unit, err)
	}
	return nil
}

// SetHandler implements Transport.
func (t *GRPCTransport) SetHandler(fn DeliverFunc) {
	t.hmu.Lock()
	t.handler = fn
	t.hmu.Unlock()
}

// Close stops the server and closes peer connections.
func (t *GRPCTransport) Close() error {
	t.srv.Stop()
	t.mu.Lock()
	defer t.mu.Unlock()
	for u, c := range t.conns {
		c.Close()
		delete(t.conns, u)
	}
	return nil
}

type grpcReceiver struct {
	t *GRPCTransport
}

func (r *grpcReceiver) Deliver(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	vals := md.Get(unitMDKey)
	if len(vals) == 0 {
		return nil, status.Error(codes.InvalidArgument, "missing sender unit")
	}
	from, err := strconv.Atoi(vals[0])
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "bad sender unit %q", vals[0])
	}

	r.t.hmu.RLock()
	h := r.t.handler
	r.t.hmu.RUnlock()
	if h == nil {
		return nil, status.Error(codes.Unavailable, "no handler")
	}
	h(from, in.GetValue())
	return &emptypb.Empty{}, nil
}
