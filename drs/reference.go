package drs

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/dcjoin/telemetry"
)

// RefOp selects what a reference update does on the peer
type RefOp int

const (
	RefAdd RefOp = iota + 1
	RefDelete
	RefReplace
)

func (op RefOp) String() string {
	switch op {
	case RefAdd:
		return "add"
	case RefDelete:
		return "delete"
	case RefReplace:
		return "replace"
	default:
		return "unknown"
	}
}

func (op RefOp) options() ReplicaFlags {
	switch op {
	case RefAdd:
		return FlagAddRef | FlagWriteable
	case RefDelete:
		return FlagDelRef | FlagWriteable
	case RefReplace:
		return FlagDelRef | FlagAddRef | FlagWriteable
	default:
		return 0
	}
}

// UpdateReference asks the peer to add, delete or replace its record that
// destDSA replicates nc from it. RefReplace issues delete and add in one call.
// Peer statuses surface as ErrReferenceNotFound and ErrReferenceAlreadyExists.
func UpdateReference(ctx context.Context, conn *Conn, nc NamingContextID, destDSA uuid.UUID, destDNS string, op RefOp) error {
	req := &UpdateRefsRequest{
		Handle:     conn.Handle(),
		NC:         nc,
		DestDSADNS: destDNS,
		DestDSA:    destDSA,
		Options:    op.options(),
	}

	var reply UpdateRefsReply
	err := conn.call(ctx, OpUpdateRefs, 1, req, &reply)
	if err == nil {
		err = checkStatus(OpUpdateRefs, reply.Status)
	}

	telemetry.ReferenceUpdatesTotal.With(op.String(), referenceResult(err)).Inc()
	return err
}

// AdvertiseReference is UpdateReference with the two reference-state
// errors absorbed. Every other error is returned unchanged.
func AdvertiseReference(ctx context.Context, conn *Conn, nc NamingContextID, destDSA uuid.UUID, destDNS string, op RefOp) error {
	err := UpdateReference(ctx, conn, nc, destDSA, destDNS, op)
	if err != nil && IsNonFatalReferenceError(err) {
		log.Warn().
			Err(err).
			Str("nc", nc.DN).
			Str("op", op.String()).
			Msg("Reference already in requested state")
		return nil
	}
	return err
}

// IsNonFatalReferenceError reports whether err only says the reference was already in the requested state
func IsNonFatalReferenceError(err error) bool {
	return errors.Is(err, ErrReferenceNotFound) || errors.Is(err, ErrReferenceAlreadyExists)
}

func referenceResult(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrReferenceNotFound):
		return "not_found"
	case errors.Is(err, ErrReferenceAlreadyExists):
		return "already_exists"
	default:
		return "error"
	}
}
