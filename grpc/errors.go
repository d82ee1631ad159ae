package grpc

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/maxpert/dcjoin/drs"
)

// mapError translates a transport failure into the replication error taxonomy.
// A dropped or unreachable peer is ErrPeerUnreachable; everything the peer
// actively refused is ErrProtocolRejected.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}

	st, ok := status.FromError(err)
	if !ok {
		if errors.Is(err, context.Canceled) {
			return fmt.Errorf("%s: %w", op, err)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s: %w", drs.ErrPeerUnreachable, op, err)
		}
		return fmt.Errorf("%w: %s: %v", drs.ErrProtocolRejected, op, err)
	}

	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted:
		return fmt.Errorf("%w: %s: %s", drs.ErrPeerUnreachable, op, st.Message())
	case codes.Canceled:
		return fmt.Errorf("%s: %w", op, context.Canceled)
	case codes.DataLoss:
		return fmt.Errorf("%w: %s: %s", drs.ErrMalformedReply, op, st.Message())
	default:
		return fmt.Errorf("%w: %s: %s (%s)", drs.ErrProtocolRejected, op, st.Message(), st.Code())
	}
}

// toStatus is the server-side inverse of mapError
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, drs.ErrPeerUnreachable):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, drs.ErrMalformedReply):
		return status.Error(codes.DataLoss, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
