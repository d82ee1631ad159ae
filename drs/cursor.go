package drs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/maxpert/dcjoin/telemetry"
)

// PullRequest describes one partition pull
type PullRequest struct {
	Partition string
	NC        NamingContextID
	Start     Watermark
	// SourceInvocationID pins the expected source when resuming; uuid.Nil accepts the first reply's
	SourceInvocationID uuid.UUID
	UpToDateVector     []UpToDateCursor
	DestDSA            uuid.UUID
	Flags              ReplicaFlags
	MaxObjects         uint32
	MaxBytes           uint32
	PartialAttributes  []uint32
	Limiter            *rate.Limiter
}

// PullFunc pulls one partition to completion and returns the final watermark
type PullFunc func(ctx context.Context, conn *Conn, req PullRequest, sink Sink) (Watermark, error)

// cursorState is owned by exactly one PullPartition call
type cursorState struct {
	nc                 NamingContextID
	watermark          Watermark
	destDSA            uuid.UUID
	sourceInvocationID uuid.UUID
	flags              ReplicaFlags
	moreData           bool
	pages              int
}

// PullPartition requests pages until the peer reports no more data.
// Every successfully decoded page is handed to sink before the next request.
// The watermark never moves backwards; a reply that would rewind it, or that
// comes from a different source invocation, fails with ErrMalformedReply.
// On error the returned watermark is the last one the sink accepted.
func PullPartition(ctx context.Context, conn *Conn, req PullRequest, sink Sink) (Watermark, error) {
	state := &cursorState{
		nc:                 req.NC,
		watermark:          req.Start,
		destDSA:            req.DestDSA,
		sourceInvocationID: req.SourceInvocationID,
		flags:              req.Flags,
		moreData:           true,
	}

	level := conn.Capabilities().RequestLevel()
	compression := conn.Compression()
	if compression == CompressionNone {
		state.flags &^= FlagUseCompression
	}

	partition := req.Partition
	if partition == "" {
		partition = req.NC.DN
	}
	logger := log.With().Str("partition", partition).Str("nc", req.NC.DN).Logger()

	for state.moreData {
		if req.Limiter != nil {
			if err := req.Limiter.Wait(ctx); err != nil {
				return state.watermark, err
			}
		}
		if err := ctx.Err(); err != nil {
			return state.watermark, err
		}

		greq := &GetNCChangesRequest{
			Handle:             conn.Handle(),
			DestDSA:            state.destDSA,
			SourceInvocationID: state.sourceInvocationID,
			NC:                 state.nc,
			Watermark:          state.watermark,
			UpToDateVector:     req.UpToDateVector,
			ReplicaFlags:       state.flags,
			MaxObjects:         req.MaxObjects,
			MaxBytes:           req.MaxBytes,
		}
		if level >= 8 {
			greq.PartialAttributes = req.PartialAttributes
		}
		if state.flags.Has(FlagUseCompression) {
			greq.Compression = compression.String()
		}

		start := time.Now()
		var reply GetNCChangesReply
		if err := conn.call(ctx, OpGetNCChanges, level, greq, &reply); err != nil {
			return state.watermark, err
		}
		if err := checkStatus(OpGetNCChanges, reply.Status); err != nil {
			return state.watermark, err
		}

		batch, drsErr, err := decodeReply(&reply)
		if err != nil {
			return state.watermark, err
		}
		if err := checkStatus(OpGetNCChanges, drsErr); err != nil {
			return state.watermark, err
		}

		if state.sourceInvocationID == uuid.Nil {
			state.sourceInvocationID = batch.SourceInvocationID
		} else if batch.SourceInvocationID != state.sourceInvocationID {
			return state.watermark, fmt.Errorf("%w from %s to %s mid-pull",
				ErrInvocationChanged, state.sourceInvocationID, batch.SourceInvocationID)
		}

		if batch.NewWatermark.Less(state.watermark) {
			return state.watermark, malformed("watermark moved backwards (%s -> %s)", state.watermark, batch.NewWatermark)
		}

		state.pages++
		batch.Partition = partition
		batch.Page = state.pages
		if batch.NC.DN == "" {
			batch.NC = state.nc
		}

		if err := sink.Apply(ctx, batch); err != nil {
			if errors.Is(err, ErrCallerAbort) {
				return state.watermark, err
			}
			return state.watermark, fmt.Errorf("%w: sink rejected page %d: %w", ErrCallerAbort, state.pages, err)
		}

		state.watermark = batch.NewWatermark
		state.moreData = batch.MoreData

		elapsed := time.Since(start)
		label := telemetry.PartitionLabel(partition)
		telemetry.PullPagesTotal.With(label).Inc()
		telemetry.PullObjectsTotal.With(label).Add(float64(len(batch.Objects)))
		telemetry.PullLinksTotal.With(label).Add(float64(len(batch.Links)))
		telemetry.PullPageSeconds.With(label).Observe(elapsed.Seconds())
		telemetry.PullObjectsPerPage.Observe(float64(len(batch.Objects)))
		telemetry.PartitionHighestUSN.With(partition).Set(float64(state.watermark.HighestUSN))
		if batch.Compressed {
			telemetry.CompressedRepliesTotal.With(compression.String()).Inc()
		}

		logger.Debug().
			Int("page", state.pages).
			Uint32("level", batch.ReplyLevel).
			Int("objects", len(batch.Objects)).
			Int("links", len(batch.Links)).
			Uint64("highest_usn", state.watermark.HighestUSN).
			Bool("more_data", state.moreData).
			Dur("elapsed", elapsed).
			Msg("Pulled page")
	}

	logger.Info().
		Int("pages", state.pages).
		Uint64("highest_usn", state.watermark.HighestUSN).
		Msg("Partition drained")

	return state.watermark, nil
}
