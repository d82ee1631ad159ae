package drs_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/dcjoin/drs"
	"github.com/maxpert/dcjoin/drs/drstest"
)

func bindPeer(t *testing.T, peer *drstest.Peer, offered drs.CapabilitySet) *drs.Conn {
	t.Helper()
	conn, err := drs.Bind(context.Background(), peer, drs.BindOptions{
		ClientGUID: uuid.New(),
		Offered:    offered,
		Required:   drs.ExtBase,
	})
	require.NoError(t, err)
	return conn
}

func TestBind_StoresIntersection(t *testing.T) {
	peer := drstest.NewPeer()
	peer.Extensions = drs.ExtBase | drs.ExtGetChgReqV5 | drs.ExtGetChgReqV8 | drs.ExtGetChgReplyV6

	offered := drs.ExtBase | drs.ExtGetChgReqV5 | drs.ExtGetChgReplyV6 | drs.ExtZstdCompress
	conn := bindPeer(t, peer, offered)

	assert.Equal(t, drs.ExtBase|drs.ExtGetChgReqV5|drs.ExtGetChgReplyV6, conn.Capabilities())
	assert.Equal(t, peer.Extensions, conn.Peer().Extensions)
	assert.Equal(t, peer.SiteGUID, conn.Peer().SiteGUID)
	assert.Equal(t, peer.ConfigGUID, conn.Peer().ConfigGUID)
	assert.Equal(t, uint32(5), conn.Capabilities().RequestLevel())
	assert.Equal(t, drs.CompressionNone, conn.Compression())
}

func TestBind_RequestLevelFollowsNegotiatedSet(t *testing.T) {
	tests := []struct {
		name    string
		offered drs.CapabilitySet
		level   uint32
	}{
		{"both support v8", drs.DefaultCapabilities, 8},
		{"local lacks v8", drs.DefaultCapabilities &^ drs.ExtGetChgReqV8, 5},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			peer := drstest.NewPeer()
			nc := drs.NewNamingContextID("CN=Schema,CN=Configuration,DC=example,DC=com")
			peer.AddPartition(nc)

			conn := bindPeer(t, peer, tc.offered)
			_, err := drs.PullPartition(context.Background(), conn, drs.PullRequest{NC: nc}, drs.SinkFunc(
				func(context.Context, *drs.ReplicaBatch) error { return nil },
			))
			require.NoError(t, err)

			var levels []uint32
			for _, c := range peer.Calls() {
				if c.Op == drs.OpGetNCChanges {
					levels = append(levels, c.Level)
				}
			}
			assert.Equal(t, []uint32{tc.level}, levels)
		})
	}
}

func TestBind_VersionMismatchBeforeAnyDataCall(t *testing.T) {
	peer := drstest.NewPeer()
	peer.Extensions = drs.ExtBase

	conn, err := drs.Bind(context.Background(), peer, drs.BindOptions{
		ClientGUID: uuid.New(),
		Offered:    drs.DefaultCapabilities,
		Required:   drs.ExtBase | drs.ExtGetChgReqV5,
	})

	require.Error(t, err)
	assert.Nil(t, conn)
	assert.True(t, errors.Is(err, drs.ErrVersionMismatch), "expected version mismatch, got %v", err)
	assert.Equal(t, 0, peer.CallCount(drs.OpGetNCChanges))
	assert.Equal(t, 0, peer.CallCount(drs.OpAddEntry))
	assert.Equal(t, 0, peer.OpenHandles(), "handle should be released")
}

func TestBind_RejectedStatus(t *testing.T) {
	peer := drstest.NewPeer()
	peer.BindStatus = uint32(drs.StatusAccessDenied)

	_, err := drs.Bind(context.Background(), peer, drs.BindOptions{Offered: drs.DefaultCapabilities})
	require.Error(t, err)
	assert.ErrorIs(t, err, drs.ErrProtocolRejected)

	var statusErr *drs.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, drs.StatusAccessDenied, statusErr.Status)
	assert.Equal(t, drs.OpBind, statusErr.Op)
}

func TestBind_PeerUnreachable(t *testing.T) {
	peer := drstest.NewPeer()
	peer.Fail[drs.OpBind] = fmt.Errorf("%w: connection refused", drs.ErrPeerUnreachable)

	_, err := drs.Bind(context.Background(), peer, drs.BindOptions{Offered: drs.DefaultCapabilities})
	assert.ErrorIs(t, err, drs.ErrPeerUnreachable)
	assert.NotErrorIs(t, err, drs.ErrProtocolRejected)
}

func TestConn_OverChannelSharesHandle(t *testing.T) {
	peer := drstest.NewPeer()
	other := drstest.NewPeer()
	conn := bindPeer(t, peer, drs.DefaultCapabilities)

	shared := conn.OverChannel(other)
	assert.Equal(t, conn.Handle(), shared.Handle())
	assert.Equal(t, conn.Capabilities(), shared.Capabilities())

	// Only the owning session releases the handle.
	require.NoError(t, shared.Unbind(context.Background()))
	assert.Equal(t, 0, peer.CallCount(drs.OpUnbind))
	assert.Equal(t, 0, other.CallCount(drs.OpUnbind))

	require.NoError(t, conn.Unbind(context.Background()))
	require.NoError(t, conn.Unbind(context.Background()))
	assert.Equal(t, 1, peer.CallCount(drs.OpUnbind))
	assert.Equal(t, 0, peer.OpenHandles())

	_, err := drs.PullPartition(context.Background(), shared, drs.PullRequest{NC: drs.NewNamingContextID("DC=x")}, nil)
	assert.ErrorIs(t, err, drs.ErrNotBound)
}

func TestConn_CompressionNeedsNegotiation(t *testing.T) {
	tests := []struct {
		name      string
		offered   drs.CapabilitySet
		requested drs.CompressionAlgorithm
		want      drs.CompressionAlgorithm
	}{
		{"zstd negotiated", drs.DefaultCapabilities | drs.ExtGetChgCompress, drs.CompressionZstd, drs.CompressionZstd},
		{"zstd falls back to deflate", (drs.DefaultCapabilities | drs.ExtGetChgCompress) &^ drs.ExtZstdCompress, drs.CompressionZstd, drs.CompressionDeflate},
		{"nothing negotiated", drs.DefaultCapabilities &^ (drs.ExtGetChgCompress | drs.ExtZstdCompress), drs.CompressionZstd, drs.CompressionNone},
		{"not requested", drs.DefaultCapabilities, drs.CompressionNone, drs.CompressionNone},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			peer := drstest.NewPeer()
			peer.Extensions = drs.DefaultCapabilities | drs.ExtGetChgCompress
			conn, err := drs.Bind(context.Background(), peer, drs.BindOptions{
				Offered:     tc.offered,
				Compression: tc.requested,
			})
			require.NoError(t, err)
			assert.Equal(t, tc.want, conn.Compression())
		})
	}
}
