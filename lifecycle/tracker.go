package lifecycle

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/dcjoin/telemetry"
)

type step struct {
	phase Phase
	run   func(ctx context.Context) error
}

// tracker runs phases in order and reports each transition
type tracker struct {
	kind     string
	observer Observer
	current  Phase
}

func newTracker(kind string, observer Observer) *tracker {
	if observer == nil {
		observer = NopObserver{}
	}
	return &tracker{kind: kind, observer: observer}
}

func (t *tracker) runAll(ctx context.Context, steps []step) error {
	for _, s := range steps {
		if err := t.run(ctx, s.phase, s.run); err != nil {
			return err
		}
	}
	return nil
}

func (t *tracker) run(ctx context.Context, phase Phase, fn func(context.Context) error) error {
	t.current = phase
	if err := ctx.Err(); err != nil {
		return &PhaseError{Phase: phase, Err: err}
	}

	telemetry.CurrentPhase.With(t.kind).Set(float64(phase.Ordinal()))
	t.observer.PhaseStarted(t.kind, phase)
	log.Info().Str("kind", t.kind).Str("phase", phase.String()).Msg("Phase started")

	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)

	telemetry.PhaseDurationSeconds.With(t.kind, phase.String()).Observe(elapsed.Seconds())
	t.observer.PhaseFinished(t.kind, phase, elapsed, err)
	if err != nil {
		log.Error().Err(err).Str("kind", t.kind).Str("phase", phase.String()).Msg("Phase failed")
		return &PhaseError{Phase: phase, Err: err}
	}
	log.Info().
		Str("kind", t.kind).
		Str("phase", phase.String()).
		Dur("elapsed", elapsed).
		Msg("Phase finished")
	return nil
}

// finish records the terminal phase of the run
func (t *tracker) finish(terminal Phase, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	telemetry.OrchestratorRunsTotal.With(t.kind, result).Inc()
	telemetry.CurrentPhase.With(t.kind).Set(float64(terminal.Ordinal()))
	t.observer.PhaseStarted(t.kind, terminal)
}
