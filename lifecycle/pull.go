package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/dcjoin/directory"
	"github.com/maxpert/dcjoin/discovery"
	"github.com/maxpert/dcjoin/drs"
)

// Puller refreshes the partitions of an already joined node, continuing
// from persisted cursors when they exist.
type Puller struct {
	Local         LocalNode
	Peer          PeerSettings
	Discoverer    discovery.Discoverer
	OpenDirectory DirectoryOpener
	Dial          Dialer
	Bind          BindSettings
	Replication   ReplicationSettings
	// Partitions restricts the pull to the named partitions; empty pulls all three
	Partitions []string
	Hooks      Hooks
	Observer   Observer
}

// PullResult is what a successful pull reports
type PullResult struct {
	Identity   NodeIdentity
	Partitions []drs.PartitionResult
	Elapsed    time.Duration
}

type pullRun struct {
	*Puller
	t *tracker

	peer      *discovery.PeerInfo
	dir       directory.Directory
	transport Transport
	conn      *drs.Conn

	identity NodeIdentity
	domain   DomainInfo
	forest   ForestInfo
	results  []drs.PartitionResult
}

// Run pulls the selected partitions in schema, config, domain order
func (p *Puller) Run(ctx context.Context) (*PullResult, error) {
	switch {
	case p.Local.NetbiosName == "":
		return nil, errors.New("local netbios name is required")
	case p.Discoverer == nil || p.OpenDirectory == nil || p.Dial == nil:
		return nil, errors.New("discoverer, directory opener and dialer are required")
	}
	for _, name := range p.Partitions {
		switch name {
		case PartitionSchema, PartitionConfig, PartitionDomain:
		default:
			return nil, fmt.Errorf("unknown partition %q", name)
		}
	}

	r := &pullRun{Puller: p, t: newTracker("pull", p.Observer)}
	defer func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		releaseSession(ctx, r.transport, r.dir, r.conn)
	}()

	start := time.Now()
	err := r.t.runAll(ctx, []step{
		{PullDiscover, r.discover},
		{PullLocateNode, r.locateNode},
		{PullBind, r.bind},
		{PullPartitions, r.pull},
	})
	if err != nil {
		r.t.finish(PullFailed, err)
		return nil, err
	}
	r.t.finish(PullDone, nil)

	log.Info().
		Str("node", r.identity.NetbiosName).
		Int("partitions", len(r.results)).
		Msg("Pull complete")
	return &PullResult{
		Identity:   r.identity,
		Partitions: r.results,
		Elapsed:    time.Since(start),
	}, nil
}

func (r *pullRun) discover(ctx context.Context) error {
	peer, err := r.Discoverer.Discover(ctx, r.Peer.Address)
	if err != nil {
		return err
	}
	r.peer = peer
	return nil
}

func (r *pullRun) locateNode(ctx context.Context) error {
	dir, err := r.OpenDirectory(ctx, r.peer)
	if err != nil {
		return err
	}
	r.dir = dir
	s := stager{dir: dir}

	if r.domain, r.forest, err = s.readTopology(ctx); err != nil {
		return err
	}
	if r.identity, err = s.locateNode(ctx, r.Local, r.domain, r.forest); err != nil {
		return err
	}
	if r.identity.GUID == uuid.Nil {
		return fmt.Errorf("%w: %s", directory.ErrNoSuchObject, r.identity.NTDSSettingsDN)
	}
	return nil
}

func (r *pullRun) bind(ctx context.Context) error {
	transport, err := r.Dial(ctx, rpcTarget(r.peer, r.Peer))
	if err != nil {
		return err
	}
	r.transport = transport

	conn, err := drs.Bind(ctx, transport.Channel(ChannelControl2), r.Bind.options(r.identity.GUID))
	if err != nil {
		return err
	}
	r.conn = conn
	return nil
}

func (r *pullRun) selected(name string) bool {
	if len(r.Partitions) == 0 {
		return true
	}
	for _, p := range r.Partitions {
		if p == name {
			return true
		}
	}
	return false
}

func (r *pullRun) pull(ctx context.Context) error {
	observer := r.t.observer
	seq := &drs.Sequencer{
		Cursors:     r.Replication.Cursors,
		DestDSA:     r.identity.GUID,
		MaxObjects:  r.Replication.MaxObjects,
		MaxBytes:    r.Replication.MaxBytes,
		Limiter:     r.Replication.Limiter,
		OnPartition: observer.PartitionDrained,
	}

	var jobs []drs.PartitionJob
	for _, part := range []struct {
		name string
		nc   drs.NamingContextID
	}{
		{PartitionSchema, r.forest.SchemaNC()},
		{PartitionConfig, r.forest.ConfigNC()},
		{PartitionDomain, r.domain.NC()},
	} {
		if r.selected(part.name) {
			jobs = append(jobs, observedJob(r.Hooks, observer, part.name, part.nc, r.Replication))
		}
	}

	results, err := seq.Run(ctx, r.conn, jobs)
	r.results = results
	return err
}
