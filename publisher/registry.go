package publisher

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/dcjoin/cfg"
	"github.com/maxpert/dcjoin/drs"
	"github.com/maxpert/dcjoin/notify"
)

// RegistryConfig configures the change publisher registry
type RegistryConfig struct {
	DataDir     string                  // For PublishLog path
	SinkConfigs []cfg.SinkConfiguration // From config
}

// Registry owns the publish log and one worker per configured sink. It is a
// drs.Sink: every applied page is appended to the log for the workers.
type Registry struct {
	log     *PublishLog
	hub     *notify.Hub
	workers []*Worker
	running atomic.Bool
	mu      sync.Mutex
	now     func() time.Time
}

// NewRegistry creates the publish log under DataDir and a worker per sink
func NewRegistry(config RegistryConfig) (*Registry, error) {
	if config.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}

	pubLog, err := NewPublishLog(filepath.Join(config.DataDir, "publish_log"))
	if err != nil {
		return nil, fmt.Errorf("failed to create publish log: %w", err)
	}

	registry := &Registry{
		log:     pubLog,
		hub:     notify.NewHub(),
		workers: make([]*Worker, 0, len(config.SinkConfigs)),
		now:     time.Now,
	}

	for _, sinkCfg := range config.SinkConfigs {
		if err := registry.AddSink(sinkCfg); err != nil {
			registry.closeSinks()
			pubLog.Close()
			return nil, fmt.Errorf("failed to add sink %q: %w", sinkCfg.Name, err)
		}
	}

	log.Info().
		Int("workers", len(registry.workers)).
		Msg("Change publisher registry initialized")

	return registry, nil
}

// AddSink creates a sink through its registered factory and wraps it in a worker
func (r *Registry) AddSink(config cfg.SinkConfiguration) error {
	snk, err := createSink(config)
	if err != nil {
		return fmt.Errorf("failed to create sink: %w", err)
	}
	return r.AddWorker(config, snk)
}

// AddWorker wraps an already constructed sink in a worker
func (r *Registry) AddWorker(config cfg.SinkConfiguration, snk Sink) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	format := config.Format
	if format == "" {
		format = "json"
	}
	trans, err := createTransformer(format)
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create transformer: %w", err)
	}

	filter, err := NewGlobFilter(config.Partitions, config.DNPatterns)
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create filter: %w", err)
	}

	wakeup, unsubscribe := r.hub.Subscribe(notify.Filter{})
	worker, err := NewWorker(WorkerConfig{
		Wakeup:          wakeup,
		Name:            config.Name,
		Log:             r.log,
		Sink:            snk,
		Transformer:     trans,
		Filter:          filter,
		TopicPrefix:     config.TopicPrefix,
		IncludeSecrets:  config.IncludeSecrets,
		BatchSize:       config.BatchSize,
		PollInterval:    time.Duration(config.PollIntervalMS) * time.Millisecond,
		RetryInitial:    time.Duration(config.RetryInitialMS) * time.Millisecond,
		RetryMax:        time.Duration(config.RetryMaxMS) * time.Millisecond,
		RetryMultiplier: config.RetryMultiplier,
	})
	if err != nil {
		unsubscribe()
		snk.Close()
		return fmt.Errorf("failed to create worker: %w", err)
	}

	r.workers = append(r.workers, worker)
	if r.running.Load() {
		worker.Start()
	}

	log.Info().
		Str("sink", config.Name).
		Str("type", config.Type).
		Str("format", format).
		Msg("Added change sink")
	return nil
}

// Start starts all workers
func (r *Registry) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running.Load() {
		return fmt.Errorf("registry already running")
	}

	log.Info().Int("workers", len(r.workers)).Msg("Starting change publisher registry")
	for _, worker := range r.workers {
		worker.Start()
	}
	r.running.Store(true)
	return nil
}

// Stop stops all workers, closes their sinks and the publish log
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	wasRunning := r.running.Swap(false)
	if wasRunning {
		log.Info().Msg("Stopping change publisher registry")
		for _, worker := range r.workers {
			worker.Stop()
		}
	}
	r.hub.Close()
	r.closeSinks()

	if err := r.log.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close publish log")
		return
	}
	log.Info().Msg("Change publisher registry stopped")
}

func (r *Registry) closeSinks() {
	for _, worker := range r.workers {
		if err := worker.config.Sink.Close(); err != nil {
			log.Warn().Err(err).Str("sink", worker.Name()).Msg("Failed to close sink")
		}
	}
}

// Apply implements drs.Sink by appending the page's events to the log.
// A page replayed after a failed pull is skipped.
func (r *Registry) Apply(ctx context.Context, b *drs.ReplicaBatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	last, appended, err := r.log.AppendPage(b, EventsFromBatch(b, r.now()))
	if err != nil {
		return err
	}
	if appended {
		r.hub.Signal(b.Partition, last)
	}
	return nil
}

// LastPage returns the last page of nc handed to the sinks
func (r *Registry) LastPage(nc drs.NamingContextID) (PageMark, bool, error) {
	return r.log.LastPage(nc)
}

// SinkStatus reports the progress of one worker
type SinkStatus struct {
	Name   string `json:"name"`
	Cursor uint64 `json:"cursor"`
	Lag    uint64 `json:"lag"`
}

// Status reports the progress of every worker
func (r *Registry) Status() []SinkStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]SinkStatus, 0, len(r.workers))
	for _, w := range r.workers {
		st := SinkStatus{Name: w.Name(), Cursor: w.Cursor()}
		if lag, err := r.log.Lag(w.Name()); err == nil {
			st.Lag = lag
		}
		out = append(out, st)
	}
	return out
}

// createSink creates a sink based on the configuration
func createSink(config cfg.SinkConfiguration) (Sink, error) {
	factoryMu.RLock()
	factory, exists := sinkFactories[config.Type]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown sink type: %s", config.Type)
	}
	return factory(config)
}

// SinkFactory is a function that creates a Sink from a configuration
type SinkFactory func(cfg.SinkConfiguration) (Sink, error)

// TransformerFactory is a function that creates a Transformer
type TransformerFactory func() Transformer

var (
	sinkFactories        = make(map[string]SinkFactory)
	transformerFactories = make(map[string]TransformerFactory)
	factoryMu            sync.RWMutex
)

// RegisterSink registers a sink factory for a type
func RegisterSink(sinkType string, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sinkFactories[sinkType] = factory
}

// RegisterTransformer registers a transformer factory for a format
func RegisterTransformer(format string, factory TransformerFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	transformerFactories[format] = factory
}

func createTransformer(format string) (Transformer, error) {
	factoryMu.RLock()
	factory, exists := transformerFactories[format]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown format: %s", format)
	}
	return factory(), nil
}

var _ drs.Sink = (*Registry)(nil)
