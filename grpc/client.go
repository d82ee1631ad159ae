package grpc

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"

	"github.com/maxpert/dcjoin/cfg"
	"github.com/maxpert/dcjoin/drs"
)

const (
	// ServiceName prefixes every replication method
	ServiceName = "dcjoin.DRS"

	// LevelHeader carries the request level of a call
	LevelHeader = "x-dcjoin-level"

	// ChannelHeader names the logical channel a call was issued on
	ChannelHeader = "x-dcjoin-channel"

	defaultChannel = "control"
)

// Association is one multiplexed transport to a peer. Every control
// connection of a join or leave runs as a Channel over the same association.
type Association struct {
	target      string
	cc          *grpc.ClientConn
	callTimeout time.Duration
	channels    atomic.Int32

	mu     sync.Mutex
	closed bool
}

// createDialOptions returns common gRPC dial options
func createDialOptions() []grpc.DialOption {
	keepaliveTime := 10 * time.Second
	keepaliveTimeout := 3 * time.Second
	maxMessage := 100 * 1024 * 1024
	if cfg.Config != nil {
		keepaliveTime = time.Duration(cfg.Config.GRPCClient.KeepaliveTimeSeconds) * time.Second
		keepaliveTimeout = time.Duration(cfg.Config.GRPCClient.KeepaliveTimeoutSeconds) * time.Second
		if cfg.Config.GRPCClient.MaxMessageMB > 0 {
			maxMessage = cfg.Config.GRPCClient.MaxMessageMB * 1024 * 1024
		}
	}

	return []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                keepaliveTime,
			Timeout:             keepaliveTimeout,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(maxMessage),
			grpc.MaxCallSendMsgSize(maxMessage),
			grpc.CallContentSubtype(codecName),
		),
		grpc.WithChainUnaryInterceptor(UnaryClientInterceptor()),
	}
}

func callTimeout() time.Duration {
	if cfg.Config == nil || cfg.Config.GRPCClient.CallTimeoutMS <= 0 {
		return 2 * time.Minute
	}
	return time.Duration(cfg.Config.GRPCClient.CallTimeoutMS) * time.Millisecond
}

// Dial opens an association to target. The connection is established lazily
// on the first call; extra options are appended after the defaults.
func Dial(target string, extra ...grpc.DialOption) (*Association, error) {
	opts := append(createDialOptions(), extra...)
	cc, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", drs.ErrPeerUnreachable, target, err)
	}

	log.Debug().Str("target", target).Msg("Opened peer association")
	return &Association{
		target:      target,
		cc:          cc,
		callTimeout: callTimeout(),
	}, nil
}

// Target returns the dialed address
func (a *Association) Target() string {
	return a.target
}

// Call implements drs.Caller on the default channel
func (a *Association) Call(ctx context.Context, op string, level uint32, req, reply any) error {
	return a.invoke(ctx, defaultChannel, op, level, req, reply)
}

// Channel returns a named logical channel over this association
func (a *Association) Channel(name string) *Channel {
	n := a.channels.Add(1)
	log.Debug().
		Str("target", a.target).
		Str("channel", name).
		Int32("open_channels", n).
		Msg("Opened channel over association")
	return &Channel{assoc: a, name: name}
}

// Close tears down the underlying transport
func (a *Association) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	log.Debug().Str("target", a.target).Msg("Closing peer association")
	return a.cc.Close()
}

func (a *Association) invoke(ctx context.Context, channel, op string, level uint32, req, reply any) error {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return fmt.Errorf("%w: %s: association closed", drs.ErrPeerUnreachable, op)
	}

	if a.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.callTimeout)
		defer cancel()
	}

	ctx = metadata.AppendToOutgoingContext(ctx,
		LevelHeader, strconv.FormatUint(uint64(level), 10),
		ChannelHeader, channel,
	)

	var callOpts []grpc.CallOption
	if name := CompressorName(); name != "" {
		callOpts = append(callOpts, grpc.UseCompressor(name))
	}

	return mapError(op, a.cc.Invoke(ctx, "/"+ServiceName+"/"+op, req, reply, callOpts...))
}

// Channel is one logical control connection sharing an association
type Channel struct {
	assoc *Association
	name  string
}

// Name returns the channel name
func (c *Channel) Name() string {
	return c.name
}

// Call implements drs.Caller
func (c *Channel) Call(ctx context.Context, op string, level uint32, req, reply any) error {
	return c.assoc.invoke(ctx, c.name, op, level, req, reply)
}

var (
	_ drs.Caller = (*Association)(nil)
	_ drs.Caller = (*Channel)(nil)
)
