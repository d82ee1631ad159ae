package publisher

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/dcjoin/notify"
	"github.com/maxpert/dcjoin/telemetry"
)

const (
	// Default batch size for reading events per poll cycle
	DefaultBatchSize = 100
	// Default interval between poll cycles
	DefaultPollInterval = 100 * time.Millisecond
	// Default initial retry delay for failed publish operations
	DefaultRetryInitial = 100 * time.Millisecond
	// Default maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 30 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
	// Maximum number of retry attempts before giving up on a publish operation
	DefaultMaxRetries = 100
)

var errWorkerStopped = errors.New("worker stopped")

// WorkerConfig configures one sink worker
type WorkerConfig struct {
	Name            string        // Sink name (for cursor tracking)
	Log             *PublishLog   // Publish log to read from
	Sink            Sink          // Destination sink
	Transformer     Transformer   // Event transformer
	Filter          Filter        // Event filter
	TopicPrefix     string        // Topic prefix (e.g., "dcjoin")
	IncludeSecrets  bool          // Publish session-key protected attributes
	BatchSize       int           // Events per poll cycle
	PollInterval    time.Duration // Poll interval
	RetryInitial    time.Duration // Initial retry delay
	RetryMax        time.Duration // Max retry delay
	RetryMultiplier float64       // Backoff multiplier
	MaxRetries      int           // Maximum retry attempts

	// Wakeup, when set, ends an idle wait as soon as the log grows
	Wakeup <-chan notify.Signal
}

// Worker polls the PublishLog and publishes events to a sink
type Worker struct {
	config      WorkerConfig
	cursor      uint64 // Current position
	ctx         context.Context
	cancel      context.CancelFunc
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex
}

// NewWorker creates a new sink worker
func NewWorker(config WorkerConfig) (*Worker, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("worker name is required")
	}
	if config.Log == nil {
		return nil, fmt.Errorf("publish log is required")
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if config.Transformer == nil {
		return nil, fmt.Errorf("transformer is required")
	}
	if config.Filter == nil {
		return nil, fmt.Errorf("filter is required")
	}

	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier <= 0 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}

	cursor, err := config.Log.Acked(config.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to get cursor: %w", err)
	}

	// A new sink starts at the earliest entry still in the log
	if cursor == 0 {
		events, err := config.Log.ReadFrom(0, 1)
		if err != nil {
			return nil, fmt.Errorf("failed to find earliest entry: %w", err)
		}
		if len(events) > 0 {
			cursor = events[0].SeqNum - 1
		}
	}

	return &Worker{config: config, cursor: cursor}, nil
}

// Name returns the sink name
func (w *Worker) Name() string {
	return w.config.Name
}

// Cursor returns the last sequence number handed to the sink
func (w *Worker) Cursor() uint64 {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()
	return w.cursor
}

// Start starts the worker goroutine
func (w *Worker) Start() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.running.Load() {
		return
	}

	w.running.Store(true)
	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.doneCh = make(chan struct{})

	log.Info().
		Str("worker", w.config.Name).
		Uint64("cursor", w.cursor).
		Msg("Starting change publisher worker")

	go w.pollLoop(w.ctx, w.doneCh)
}

// Stop stops the worker gracefully
func (w *Worker) Stop() {
	w.lifecycleMu.Lock()
	if !w.running.Load() {
		w.lifecycleMu.Unlock()
		return
	}
	cancel, done := w.cancel, w.doneCh
	w.lifecycleMu.Unlock()

	log.Info().Str("worker", w.config.Name).Msg("Stopping change publisher worker")
	cancel()
	<-done
	w.running.Store(false)
	log.Info().Str("worker", w.config.Name).Msg("Change publisher worker stopped")
}

func (w *Worker) pollLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for ctx.Err() == nil {
		cursor := w.Cursor()
		events, err := w.config.Log.ReadFrom(cursor, w.config.BatchSize)
		if err != nil {
			log.Error().
				Err(err).
				Str("worker", w.config.Name).
				Uint64("cursor", cursor).
				Msg("Failed to read from publish log")
			sleep(ctx, w.config.PollInterval)
			continue
		}

		if len(events) == 0 {
			w.idle(ctx)
			continue
		}

		for _, event := range events {
			if err := w.processEvent(ctx, event); err != nil {
				if !errors.Is(err, errWorkerStopped) {
					log.Error().
						Err(err).
						Str("worker", w.config.Name).
						Uint64("seq", event.SeqNum).
						Msg("Failed to publish event, worker halted")
				}
				return
			}
			w.lifecycleMu.Lock()
			w.cursor = event.SeqNum
			w.lifecycleMu.Unlock()
		}
	}
}

// processEvent publishes one event. Delivery is at-least-once: the cursor
// advances only after the sink accepted the message.
func (w *Worker) processEvent(ctx context.Context, event ChangeEvent) error {
	if !w.config.Filter.Match(event.Partition, event.DN) {
		if err := w.config.Log.Ack(w.config.Name, event.SeqNum); err != nil {
			log.Warn().
				Err(err).
				Str("worker", w.config.Name).
				Uint64("seq", event.SeqNum).
				Msg("Failed to advance cursor for filtered event")
		}
		telemetry.PublishedEventsTotal.With(w.config.Name, "filtered").Inc()
		return nil
	}

	if !w.config.IncludeSecrets && len(event.Attributes) > 0 {
		event.Attributes = stripSecrets(event.Attributes)
	}

	data, err := w.config.Transformer.Transform(event)
	if err != nil {
		return fmt.Errorf("failed to transform event: %w", err)
	}

	msg := Message{
		Topic: w.buildTopic(event.Partition),
		Key:   event.Key(),
		Value: data,
		Headers: map[string]string{
			"dn":  event.DN,
			"nc":  event.NC,
			"usn": strconv.FormatUint(event.USN, 10),
		},
	}
	if err := w.publishWithRetry(ctx, msg); err != nil {
		telemetry.PublishedEventsTotal.With(w.config.Name, "failed").Inc()
		return err
	}

	// Deleted objects are followed by a tombstone for log compaction
	if event.Deleted && event.Kind == KindObject {
		tomb := Message{Topic: msg.Topic, Key: msg.Key, Value: w.config.Transformer.Tombstone(msg.Key)}
		if err := w.publishWithRetry(ctx, tomb); err != nil {
			telemetry.PublishedEventsTotal.With(w.config.Name, "failed").Inc()
			return err
		}
	}
	telemetry.PublishedEventsTotal.With(w.config.Name, "published").Inc()

	if err := w.config.Log.Ack(w.config.Name, event.SeqNum); err != nil {
		log.Warn().
			Err(err).
			Str("worker", w.config.Name).
			Uint64("seq", event.SeqNum).
			Msg("Failed to advance cursor after successful publish - event may be redelivered")
	}
	return nil
}

func (w *Worker) buildTopic(partition string) string {
	if w.config.TopicPrefix == "" {
		return partition
	}
	return w.config.TopicPrefix + "." + partition
}

// publishWithRetry publishes with exponential backoff until the sink accepts,
// retries are exhausted or the worker stops
func (w *Worker) publishWithRetry(ctx context.Context, msg Message) error {
	delay := w.config.RetryInitial
	attempts := 0

	for {
		err := w.config.Sink.Publish(ctx, msg)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return errWorkerStopped
		}

		attempts++
		if attempts >= w.config.MaxRetries {
			return fmt.Errorf("exhausted max retries (%d) for topic %s: %w", w.config.MaxRetries, msg.Topic, err)
		}

		log.Warn().
			Err(err).
			Str("worker", w.config.Name).
			Str("topic", msg.Topic).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Failed to publish event, retrying")

		if !sleep(ctx, delay) {
			return errWorkerStopped
		}

		delay = time.Duration(float64(delay) * w.config.RetryMultiplier)
		if delay > w.config.RetryMax {
			delay = w.config.RetryMax
		}
	}
}

// idle waits for a wakeup signal or the poll interval, whichever comes first
func (w *Worker) idle(ctx context.Context) {
	if w.config.Wakeup == nil {
		sleep(ctx, w.config.PollInterval)
		return
	}
	timer := time.NewTimer(w.config.PollInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	case _, ok := <-w.config.Wakeup:
		if !ok {
			w.config.Wakeup = nil
		}
	}
}

// sleep returns false if ctx ended first
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
