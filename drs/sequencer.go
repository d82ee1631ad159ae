package drs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// PartitionJob is one partition in a sequenced pull
type PartitionJob struct {
	Partition string
	NC        NamingContextID
	Flags     ReplicaFlags
	Sink      Sink
	// Restart ignores any persisted cursor and pulls from the zero watermark
	Restart bool
}

// PartitionResult is the outcome of one drained partition
type PartitionResult struct {
	Partition string
	NC        NamingContextID
	Watermark Watermark
	Resumed   bool
	Elapsed   time.Duration
}

// Sequencer pulls partitions strictly one after another.
// Job k+1 starts only after job k drained without error.
type Sequencer struct {
	Pull       PullFunc
	Cursors    CursorStore
	DestDSA    uuid.UUID
	MaxObjects uint32
	MaxBytes   uint32
	Limiter    *rate.Limiter
	// OnPartition is called after each partition drains
	OnPartition func(PartitionResult)
}

// Run pulls each job in order. On failure it stops and returns the results of
// the partitions that completed together with a *PartitionError.
func (s *Sequencer) Run(ctx context.Context, conn *Conn, jobs []PartitionJob) ([]PartitionResult, error) {
	pull := s.Pull
	if pull == nil {
		pull = PullPartition
	}

	results := make([]PartitionResult, 0, len(jobs))
	for _, job := range jobs {
		req := PullRequest{
			Partition:  job.Partition,
			NC:         job.NC,
			DestDSA:    s.DestDSA,
			Flags:      job.Flags,
			MaxObjects: s.MaxObjects,
			MaxBytes:   s.MaxBytes,
			Limiter:    s.Limiter,
		}

		resumed, drained := false, false
		if s.Cursors != nil && !job.Restart {
			cursor, ok, err := s.Cursors.LoadCursor(job.NC)
			if err != nil {
				return results, &PartitionError{Partition: job.Partition, NC: job.NC, Err: fmt.Errorf("load cursor: %w", err)}
			}
			if ok {
				req.Start = cursor.Watermark
				req.SourceInvocationID = cursor.SourceInvocationID
				resumed = true
				drained = !cursor.MoreData
				if drained {
					log.Info().
						Str("partition", job.Partition).
						Uint64("highest_usn", cursor.Watermark.HighestUSN).
						Msg("Partition previously drained, pulling incremental changes")
				}
			}
		}

		log.Info().
			Str("partition", job.Partition).
			Str("nc", job.NC.DN).
			Bool("resumed", resumed).
			Msg("Pulling partition")

		var captured uuid.UUID
		sink := SinkFunc(func(ctx context.Context, batch *ReplicaBatch) error {
			if job.Sink != nil {
				if err := job.Sink.Apply(ctx, batch); err != nil {
					return err
				}
			}
			captured = batch.SourceInvocationID
			return nil
		})

		start := time.Now()
		wm, err := pull(ctx, conn, req, sink)
		if err != nil && drained && errors.Is(err, ErrInvocationChanged) {
			// USNs of a drained cursor belong to the old invocation; pull the partition again
			log.Warn().
				Err(err).
				Str("partition", job.Partition).
				Msg("Source invocation changed since the last pull, restarting partition")
			req.Start = Watermark{}
			req.SourceInvocationID = uuid.Nil
			resumed = false
			wm, err = pull(ctx, conn, req, sink)
		}
		if err != nil {
			return results, &PartitionError{Partition: job.Partition, NC: job.NC, Err: err}
		}

		if s.Cursors != nil {
			cursor := Cursor{Watermark: wm, MoreData: false, SourceInvocationID: captured}
			if cursor.SourceInvocationID == uuid.Nil {
				cursor.SourceInvocationID = req.SourceInvocationID
			}
			if existing, ok, lerr := s.Cursors.LoadCursor(job.NC); lerr == nil && ok {
				if cursor.SourceInvocationID == uuid.Nil {
					cursor.SourceInvocationID = existing.SourceInvocationID
				}
				cursor.Pages = existing.Pages
			}
			if err := s.Cursors.SaveCursor(job.NC, cursor); err != nil {
				return results, &PartitionError{Partition: job.Partition, NC: job.NC, Err: fmt.Errorf("save cursor: %w", err)}
			}
		}

		result := PartitionResult{
			Partition: job.Partition,
			NC:        job.NC,
			Watermark: wm,
			Resumed:   resumed,
			Elapsed:   time.Since(start),
		}
		results = append(results, result)
		if s.OnPartition != nil {
			s.OnPartition(result)
		}
	}

	return results, nil
}
