package drs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/dcjoin/telemetry"
)

// Caller is the remote procedure primitive a session is built on.
// Implementations encode req, issue op at the given level and decode into reply.
// Transport failures must wrap ErrPeerUnreachable.
type Caller interface {
	Call(ctx context.Context, op string, level uint32, req, reply any) error
}

// CallerFunc adapts a function to the Caller interface
type CallerFunc func(ctx context.Context, op string, level uint32, req, reply any) error

// Call calls f
func (f CallerFunc) Call(ctx context.Context, op string, level uint32, req, reply any) error {
	return f(ctx, op, level, req, reply)
}

// PeerExtensions is what the peer told us about itself during bind
type PeerExtensions struct {
	Extensions CapabilitySet
	SiteGUID   uuid.UUID
	PID        uint32
	ReplEpoch  uint32
	ConfigGUID uuid.UUID
}

// Conn is one bound replication session.
// The negotiated capability set is fixed for the lifetime of the session.
type Conn struct {
	caller      Caller
	handle      uuid.UUID
	clientGUID  uuid.UUID
	caps        CapabilitySet
	peer        PeerExtensions
	compression CompressionAlgorithm

	state *sessionState
	owner bool
}

type sessionState struct {
	mu     sync.Mutex
	closed bool
}

// Handle returns the bind handle
func (c *Conn) Handle() uuid.UUID { return c.handle }

// Capabilities returns the negotiated set (local AND remote)
func (c *Conn) Capabilities() CapabilitySet { return c.caps }

// Peer returns the peer's bind information
func (c *Conn) Peer() PeerExtensions { return c.peer }

// ClientGUID returns the client identity presented at bind
func (c *Conn) ClientGUID() uuid.UUID { return c.clientGUID }

// Compression returns the reply compression the session asks for, after negotiation
func (c *Conn) Compression() CompressionAlgorithm {
	switch c.compression {
	case CompressionZstd:
		if c.caps.Has(ExtZstdCompress) {
			return CompressionZstd
		}
		if c.caps.Has(ExtGetChgCompress) {
			return CompressionDeflate
		}
	case CompressionDeflate:
		if c.caps.Has(ExtGetChgCompress) {
			return CompressionDeflate
		}
	}
	return CompressionNone
}

// OverChannel returns a session that reuses this bind handle and negotiated
// set over another channel of the same association. The returned session
// does not own the handle; only the original releases it on Unbind.
func (c *Conn) OverChannel(caller Caller) *Conn {
	return &Conn{
		caller:      caller,
		handle:      c.handle,
		clientGUID:  c.clientGUID,
		caps:        c.caps,
		peer:        c.peer,
		compression: c.compression,
		state:       c.state,
	}
}

func (c *Conn) isClosed() bool {
	c.state.mu.Lock()
	defer c.state.mu.Unlock()
	return c.state.closed
}

// Unbind releases the bind handle. Calling it more than once is a no-op.
func (c *Conn) Unbind(ctx context.Context) error {
	if !c.owner {
		return nil
	}

	c.state.mu.Lock()
	if c.state.closed {
		c.state.mu.Unlock()
		return nil
	}
	c.state.closed = true
	c.state.mu.Unlock()

	var reply UnbindReply
	if err := c.caller.Call(ctx, OpUnbind, 1, &UnbindRequest{Handle: c.handle}, &reply); err != nil {
		return fmt.Errorf("unbind: %w", err)
	}
	return checkStatus(OpUnbind, reply.Status)
}

// call issues op on the session and records its latency
func (c *Conn) call(ctx context.Context, op string, level uint32, req, reply any) error {
	if c.isClosed() {
		return fmt.Errorf("%s: %w", op, ErrNotBound)
	}

	start := time.Now()
	err := c.caller.Call(ctx, op, level, req, reply)
	telemetry.CallDurationSeconds.With(op).Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// BindOptions describes what the local side offers and requires at bind
type BindOptions struct {
	ClientGUID  uuid.UUID
	Offered     CapabilitySet
	Required    CapabilitySet
	SiteGUID    uuid.UUID
	PID         uint32
	ReplEpoch   uint32
	Compression CompressionAlgorithm
}

// Bind establishes a replication session with the peer.
// The stored capability set is the intersection of what both sides offered.
// ErrVersionMismatch is returned when a required extension is missing, before
// any data call is made on the session.
func Bind(ctx context.Context, caller Caller, opts BindOptions) (*Conn, error) {
	req := &BindRequest{
		ClientGUID: opts.ClientGUID,
		Info: BindInfo{
			Extensions: opts.Offered,
			SiteGUID:   opts.SiteGUID,
			PID:        opts.PID,
			ReplEpoch:  opts.ReplEpoch,
		},
	}

	start := time.Now()
	var reply BindReply
	err := caller.Call(ctx, OpBind, 1, req, &reply)
	telemetry.CallDurationSeconds.With(OpBind).Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, ErrPeerUnreachable) {
			telemetry.BindTotal.With("unreachable").Inc()
		} else {
			telemetry.BindTotal.With("rejected").Inc()
		}
		return nil, fmt.Errorf("bind: %w", err)
	}

	if err := checkStatus(OpBind, reply.Status); err != nil {
		telemetry.BindTotal.With("rejected").Inc()
		return nil, err
	}

	negotiated := opts.Offered.Intersect(reply.Info.Extensions)
	conn := &Conn{
		caller:     caller,
		handle:     reply.Handle,
		clientGUID: opts.ClientGUID,
		caps:       negotiated,
		peer: PeerExtensions{
			Extensions: reply.Info.Extensions,
			SiteGUID:   reply.Info.SiteGUID,
			PID:        reply.Info.PID,
			ReplEpoch:  reply.Info.ReplEpoch,
			ConfigGUID: reply.Info.ConfigGUID,
		},
		compression: opts.Compression,
		state:       &sessionState{},
		owner:       true,
	}

	if missing := negotiated.Missing(opts.Required); missing != 0 {
		telemetry.BindTotal.With("version_mismatch").Inc()
		// Release the handle; the session is unusable.
		if uerr := conn.Unbind(ctx); uerr != nil {
			log.Debug().Err(uerr).Msg("Unbind after version mismatch failed")
		}
		return nil, fmt.Errorf("%w: peer lacks %s", ErrVersionMismatch, missing)
	}

	telemetry.BindTotal.With("success").Inc()
	log.Debug().
		Str("handle", conn.handle.String()).
		Str("extensions", negotiated.String()).
		Uint32("peer_epoch", reply.Info.ReplEpoch).
		Msg("Bound replication session")

	return conn, nil
}
