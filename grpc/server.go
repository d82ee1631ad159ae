package grpc

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/maxpert/dcjoin/drs"
)

// Handler answers replication calls on the peer side
type Handler = drs.Caller

// Server hosts a Handler behind the replication service name.
// Methods are dispatched by name without generated stubs.
type Server struct {
	handler  Handler
	server   *grpc.Server
	listener net.Listener

	mu sync.Mutex
}

// NewServer creates a server dispatching every call to handler
func NewServer(handler Handler) *Server {
	s := &Server{handler: handler}
	s.server = grpc.NewServer(
		grpc.MaxRecvMsgSize(100*1024*1024),
		grpc.MaxSendMsgSize(100*1024*1024),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    60 * time.Second,
			Timeout: 10 * time.Second,
		}),
		grpc.ChainUnaryInterceptor(UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(StreamServerInterceptor()),
		grpc.UnknownServiceHandler(s.dispatch),
	)
	return s
}

// Start listens on addr and serves in the background
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	go func() {
		if err := s.Serve(listener); err != nil {
			log.Error().Err(err).Msg("Replication server failed")
		}
	}()
	return nil
}

// Serve accepts connections on listener until Stop is called
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	log.Info().Str("address", listener.Addr().String()).Msg("Starting replication server")
	return s.server.Serve(listener)
}

// Addr returns the listening address, or nil before Serve
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop gracefully stops the server
func (s *Server) Stop() {
	log.Info().Msg("Stopping replication server")
	s.server.GracefulStop()
}

func (s *Server) dispatch(_ any, stream grpc.ServerStream) error {
	method, ok := grpc.MethodFromServerStream(stream)
	if !ok {
		return status.Error(codes.Internal, "no method in stream")
	}

	op, found := strings.CutPrefix(method, "/"+ServiceName+"/")
	if !found {
		return status.Errorf(codes.Unimplemented, "unknown service in %s", method)
	}

	req, reply, ok := drs.NewMessages(op)
	if !ok {
		return status.Errorf(codes.Unimplemented, "unknown operation %s", op)
	}

	ctx := stream.Context()
	level, err := levelFromContext(ctx)
	if err != nil {
		return err
	}

	if err := stream.RecvMsg(req); err != nil {
		return err
	}

	if err := s.handler.Call(ctx, op, level, req, reply); err != nil {
		log.Debug().Err(err).Str("op", op).Msg("Replication call failed")
		return toStatus(err)
	}

	return stream.SendMsg(reply)
}

func levelFromContext(ctx context.Context) (uint32, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return 0, status.Error(codes.InvalidArgument, "missing metadata")
	}
	values := md.Get(LevelHeader)
	if len(values) == 0 {
		return 0, status.Error(codes.InvalidArgument, "missing request level")
	}
	level, err := strconv.ParseUint(values[0], 10, 32)
	if err != nil {
		return 0, status.Errorf(codes.InvalidArgument, "invalid request level %q", values[0])
	}
	return uint32(level), nil
}

// ChannelFromContext returns the logical channel of an incoming call
func ChannelFromContext(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if values := md.Get(ChannelHeader); len(values) > 0 {
		return values[0]
	}
	return ""
}
