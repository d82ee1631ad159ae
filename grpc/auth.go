package grpc

import (
	"context"
	"crypto/subtle"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/maxpert/dcjoin/cfg"
)

const (
	// PeerSecretHeader is the metadata key for the shared peer secret
	PeerSecretHeader = "x-dcjoin-peer-secret"
)

// UnaryServerInterceptor returns a server interceptor that validates the peer secret
func UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if err := validatePeerSecret(ctx); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamServerInterceptor returns a server interceptor for streaming and unknown-service calls
func StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := validatePeerSecret(ss.Context()); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}

func validatePeerSecret(ctx context.Context) error {
	if !cfg.IsPeerAuthEnabled() {
		return nil
	}

	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "missing metadata")
	}

	secrets := md.Get(PeerSecretHeader)
	if len(secrets) == 0 {
		return status.Error(codes.Unauthenticated, "missing peer secret")
	}

	if subtle.ConstantTimeCompare([]byte(secrets[0]), []byte(cfg.GetPeerSecret())) != 1 {
		return status.Error(codes.Unauthenticated, "invalid peer secret")
	}

	return nil
}

// UnaryClientInterceptor returns a client interceptor that adds the configured peer secret
func UnaryClientInterceptor() grpc.UnaryClientInterceptor {
	return UnaryClientInterceptorWithSecret("")
}

// UnaryClientInterceptorWithSecret returns a client interceptor using secret,
// or the configured peer secret when secret is empty
func UnaryClientInterceptorWithSecret(secret string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		s := secret
		if s == "" && cfg.IsPeerAuthEnabled() {
			s = cfg.GetPeerSecret()
		}
		if s != "" {
			ctx = metadata.AppendToOutgoingContext(ctx, PeerSecretHeader, s)
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}
