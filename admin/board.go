package admin

import (
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/maxpert/dcjoin/drs"
	"github.com/maxpert/dcjoin/lifecycle"
)

// PartitionProgress is the live pull progress of one partition
type PartitionProgress struct {
	Partition  string    `json:"partition"`
	NC         string    `json:"nc"`
	Pages      int       `json:"pages"`
	Objects    int64     `json:"objects"`
	Links      int64     `json:"links"`
	HighestUSN uint64    `json:"highest_usn"`
	Drained    bool      `json:"drained"`
	Resumed    bool      `json:"resumed"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// RunStatus describes the orchestrator run the board is following
type RunStatus struct {
	Kind      string    `json:"kind"`
	Phase     string    `json:"phase"`
	Running   bool      `json:"running"`
	StartedAt time.Time `json:"started_at"`
	LastError string    `json:"last_error,omitempty"`
	FailedIn  string    `json:"failed_in,omitempty"`
}

// Board records orchestrator progress for the status endpoints.
// It implements lifecycle.Observer and is safe for concurrent reads.
type Board struct {
	mu  sync.RWMutex
	run RunStatus

	partitions *xsync.MapOf[string, *PartitionProgress]
	phases     *xsync.MapOf[string, time.Duration]
}

var _ lifecycle.Observer = (*Board)(nil)

// NewBoard creates an empty board
func NewBoard() *Board {
	return &Board{
		partitions: xsync.NewMapOf[string, *PartitionProgress](),
		phases:     xsync.NewMapOf[string, time.Duration](),
	}
}

func (b *Board) PhaseStarted(kind string, phase lifecycle.Phase) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.run.Kind != kind || !b.run.Running {
		b.run = RunStatus{Kind: kind, StartedAt: time.Now(), Running: true}
	}
	b.run.Phase = phase.String()
	switch phase {
	case lifecycle.JoinDone, lifecycle.JoinFailed,
		lifecycle.LeaveDone, lifecycle.LeaveFailed,
		lifecycle.PullDone, lifecycle.PullFailed:
		b.run.Running = false
	}
}

func (b *Board) PhaseFinished(_ string, phase lifecycle.Phase, elapsed time.Duration, err error) {
	b.phases.Store(phase.String(), elapsed)
	if err == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.run.LastError = err.Error()
	b.run.FailedIn = phase.String()
}

func (b *Board) PageApplied(partition string, batch *drs.ReplicaBatch) {
	p, _ := b.partitions.LoadOrCompute(partition, func() *PartitionProgress {
		return &PartitionProgress{Partition: partition, NC: batch.NC.DN}
	})
	b.mu.Lock()
	defer b.mu.Unlock()
	p.Pages++
	p.Objects += int64(len(batch.Objects))
	p.Links += int64(len(batch.Links))
	p.HighestUSN = batch.NewWatermark.HighestUSN
	p.Drained = !batch.MoreData
	p.UpdatedAt = time.Now()
}

func (b *Board) PartitionDrained(result drs.PartitionResult) {
	p, _ := b.partitions.LoadOrCompute(result.Partition, func() *PartitionProgress {
		return &PartitionProgress{Partition: result.Partition, NC: result.NC.DN}
	})
	b.mu.Lock()
	defer b.mu.Unlock()
	p.Drained = true
	p.Resumed = result.Resumed
	p.HighestUSN = result.Watermark.HighestUSN
	p.UpdatedAt = time.Now()
}

// Run returns a copy of the current run status
func (b *Board) Run() RunStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.run
}

// Partitions returns a copy of every partition's progress, ordered by name
func (b *Board) Partitions() []PartitionProgress {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []PartitionProgress
	b.partitions.Range(func(_ string, p *PartitionProgress) bool {
		out = append(out, *p)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Partition < out[j].Partition })
	return out
}

// PhaseDurations returns how long each finished phase took
func (b *Board) PhaseDurations() map[string]time.Duration {
	out := make(map[string]time.Duration)
	b.phases.Range(func(name string, d time.Duration) bool {
		out[name] = d
		return true
	})
	return out
}
