package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// CallBuckets for single remote procedure calls (bind, update refs, add entry)
	CallBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

	// PageBuckets for one change-pull page round trip including sink time
	PageBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

	// PhaseBuckets for orchestrator phases (a domain pull can take hours)
	PhaseBuckets = []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600, 14400}

	// ObjectsPerPageBuckets for the number of objects in one page
	ObjectsPerPageBuckets = []float64{0, 1, 10, 50, 100, 250, 500, 1000, 2500}
)

// Negotiation Metrics
var (
	// BindTotal counts bind attempts by result (success, unreachable, rejected, version_mismatch)
	BindTotal CounterVec = noopCounterVec{}

	// CallDurationSeconds measures remote call latency by operation
	CallDurationSeconds HistogramVec = noopHistogramVec{}
)

// Change-Pull Metrics
var (
	// PullPagesTotal counts pages pulled by partition
	PullPagesTotal CounterVec = noopCounterVec{}

	// PullObjectsTotal counts replicated objects by partition
	PullObjectsTotal CounterVec = noopCounterVec{}

	// PullLinksTotal counts linked-value deltas by partition
	PullLinksTotal CounterVec = noopCounterVec{}

	// PullPageSeconds measures page round trip latency by partition
	PullPageSeconds HistogramVec = noopHistogramVec{}

	// PullObjectsPerPage measures objects per page
	PullObjectsPerPage Histogram = NoopStat{}

	// CompressedRepliesTotal counts compressed replies by algorithm
	CompressedRepliesTotal CounterVec = noopCounterVec{}

	// PartitionHighestUSN tracks the last acknowledged highest USN per partition
	PartitionHighestUSN PartitionGaugeVec = noopPartitionGaugeVec{}
)

// Lifecycle Metrics
var (
	// ReferenceUpdatesTotal counts reference updates by op (add, delete, replace) and result
	ReferenceUpdatesTotal CounterVec = noopCounterVec{}

	// OrchestratorRunsTotal counts orchestrator runs by kind (join, leave, pull) and result
	OrchestratorRunsTotal CounterVec = noopCounterVec{}

	// PhaseDurationSeconds measures phase durations by kind and phase
	PhaseDurationSeconds HistogramVec = noopHistogramVec{}

	// CurrentPhase reports the ordinal of the running phase by kind
	CurrentPhase GaugeVec = noopGaugeVec{}

	// DirectoryWritesTotal counts staging writes by operation (add, modify, rename, delete)
	DirectoryWritesTotal CounterVec = noopCounterVec{}
)

// Store Metrics
var (
	// StoreObjects tracks stored objects per partition
	StoreObjects PartitionGaugeVec = noopPartitionGaugeVec{}

	// StoreLinks tracks stored linked values per partition
	StoreLinks PartitionGaugeVec = noopPartitionGaugeVec{}

	// PublishedEventsTotal counts mirrored change events by sink and result
	PublishedEventsTotal CounterVec = noopCounterVec{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	partitionGaugesMu.Lock()
	partitionGauges = nil
	partitionGaugesMu.Unlock()

	BindTotal = NewCounterVec(Opts{
		Subsystem: SubsystemDRS,
		Name:      "bind_total",
		Help:      "Bind attempts by result",
		Labels:    []string{"result"},
	})
	CallDurationSeconds = NewHistogramVec(Opts{
		Subsystem: SubsystemDRS,
		Name:      "call_duration_seconds",
		Help:      "Remote procedure call duration in seconds",
		Labels:    []string{"op"},
		Buckets:   CallBuckets,
	})

	PullPagesTotal = NewCounterVec(Opts{
		Subsystem: SubsystemDRS,
		Name:      "pull_pages_total",
		Help:      "Change-pull pages by partition",
		Labels:    []string{partitionLabel},
	})
	PullObjectsTotal = NewCounterVec(Opts{
		Subsystem: SubsystemDRS,
		Name:      "pull_objects_total",
		Help:      "Replicated objects by partition",
		Labels:    []string{partitionLabel},
	})
	PullLinksTotal = NewCounterVec(Opts{
		Subsystem: SubsystemDRS,
		Name:      "pull_links_total",
		Help:      "Linked-value deltas by partition",
		Labels:    []string{partitionLabel},
	})
	PullPageSeconds = NewHistogramVec(Opts{
		Subsystem: SubsystemDRS,
		Name:      "pull_page_seconds",
		Help:      "Change-pull page round trip in seconds",
		Labels:    []string{partitionLabel},
		Buckets:   PageBuckets,
	})
	PullObjectsPerPage = NewHistogram(Opts{
		Subsystem: SubsystemDRS,
		Name:      "pull_objects_per_page",
		Help:      "Objects per change-pull page",
		Buckets:   ObjectsPerPageBuckets,
	})
	CompressedRepliesTotal = NewCounterVec(Opts{
		Subsystem: SubsystemDRS,
		Name:      "compressed_replies_total",
		Help:      "Compressed change-pull replies by algorithm",
		Labels:    []string{"algorithm"},
	})
	PartitionHighestUSN = trackPartition(NewPartitionGaugeVec(Opts{
		Subsystem: SubsystemDRS,
		Name:      "partition_highest_usn",
		Help:      "Highest acknowledged USN per partition",
	}))

	ReferenceUpdatesTotal = NewCounterVec(Opts{
		Subsystem: SubsystemDRS,
		Name:      "reference_updates_total",
		Help:      "Reference updates by op and result",
		Labels:    []string{"op", "result"},
	})
	OrchestratorRunsTotal = NewCounterVec(Opts{
		Subsystem: SubsystemLifecycle,
		Name:      "runs_total",
		Help:      "Orchestrator runs by kind and result",
		Labels:    []string{"kind", "result"},
	})
	PhaseDurationSeconds = NewHistogramVec(Opts{
		Subsystem: SubsystemLifecycle,
		Name:      "phase_duration_seconds",
		Help:      "Orchestrator phase duration in seconds",
		Labels:    []string{"kind", "phase"},
		Buckets:   PhaseBuckets,
	})
	CurrentPhase = NewGaugeVec(Opts{
		Subsystem: SubsystemLifecycle,
		Name:      "current_phase",
		Help:      "Ordinal of the running orchestrator phase",
		Labels:    []string{"kind"},
	})
	DirectoryWritesTotal = NewCounterVec(Opts{
		Subsystem: SubsystemLifecycle,
		Name:      "directory_writes_total",
		Help:      "Directory staging writes by operation",
		Labels:    []string{"op"},
	})

	StoreObjects = trackPartition(NewPartitionGaugeVec(Opts{
		Subsystem: SubsystemStore,
		Name:      "objects",
		Help:      "Objects held in the local replica store per partition",
	}))
	StoreLinks = trackPartition(NewPartitionGaugeVec(Opts{
		Subsystem: SubsystemStore,
		Name:      "links",
		Help:      "Linked values held in the local replica store per partition",
	}))
	PublishedEventsTotal = NewCounterVec(Opts{
		Subsystem: SubsystemPublisher,
		Name:      "events_total",
		Help:      "Mirrored change events by sink and result",
		Labels:    []string{"sink", "result"},
	})
}
