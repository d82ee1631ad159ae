package lifecycle

import (
	"context"

	"google.golang.org/grpc"

	"github.com/maxpert/dcjoin/drs"
	dcgrpc "github.com/maxpert/dcjoin/grpc"
)

type grpcTransport struct {
	assoc *dcgrpc.Association
}

func (t grpcTransport) Channel(name string) drs.Caller {
	return t.assoc.Channel(name)
}

func (t grpcTransport) Close() error {
	return t.assoc.Close()
}

// GRPCDialer opens one gRPC association per run; control channels are
// multiplexed over it.
func GRPCDialer(extra ...grpc.DialOption) Dialer {
	return func(ctx context.Context, target string) (Transport, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		assoc, err := dcgrpc.Dial(target, extra...)
		if err != nil {
			return nil, err
		}
		return grpcTransport{assoc: assoc}, nil
	}
}
