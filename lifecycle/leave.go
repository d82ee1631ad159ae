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

// Leaver demotes this node and removes it from the domain's replica set
type Leaver struct {
	Local         LocalNode
	Peer          PeerSettings
	Discoverer    discovery.Discoverer
	OpenDirectory DirectoryOpener
	Dial          Dialer
	Bind          BindSettings
	Observer      Observer
}

type leaveRun struct {
	*Leaver
	t *tracker

	peer      *discovery.PeerInfo
	dir       directory.Directory
	transport Transport
	conn      *drs.Conn

	identity NodeIdentity
	domain   DomainInfo
	forest   ForestInfo
	lastDC   bool
}

// Run executes every leave phase in order. Removal is sent once with
// commit set and is not retried.
func (l *Leaver) Run(ctx context.Context) (*LeaveResult, error) {
	switch {
	case l.Local.NetbiosName == "":
		return nil, errors.New("local netbios name is required")
	case l.Local.InvocationID == uuid.Nil:
		return nil, errors.New("local invocation id is required")
	case l.Discoverer == nil || l.OpenDirectory == nil || l.Dial == nil:
		return nil, errors.New("discoverer, directory opener and dialer are required")
	}

	r := &leaveRun{Leaver: l, t: newTracker("leave", l.Observer)}
	defer func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		releaseSession(ctx, r.transport, r.dir, r.conn)
	}()

	start := time.Now()
	err := r.t.runAll(ctx, []step{
		{LeaveDiscover, r.discover},
		{LeaveStageDirectory, r.stageDirectory},
		{LeaveUnstageAccount, r.unstageAccount},
		{LeaveBindControl, r.bindControl},
		{LeaveRemoveDirectoryEntry, r.removeDirectoryEntry},
	})
	if err != nil {
		r.t.finish(LeaveFailed, err)
		return nil, err
	}
	r.t.finish(LeaveDone, nil)

	log.Info().
		Str("node", r.identity.NetbiosName).
		Str("domain", r.domain.DNSName).
		Bool("last_dc", r.lastDC).
		Msg("Leave complete")
	return &LeaveResult{
		Identity:       r.identity,
		Domain:         r.domain,
		LastDCInDomain: r.lastDC,
		Elapsed:        time.Since(start),
	}, nil
}

func (r *leaveRun) discover(ctx context.Context) error {
	peer, err := r.Discoverer.Discover(ctx, r.Peer.Address)
	if err != nil {
		return err
	}
	r.peer = peer
	return nil
}

// stageDirectory locates the account and the server object to remove
func (r *leaveRun) stageDirectory(ctx context.Context) error {
	dir, err := r.OpenDirectory(ctx, r.peer)
	if err != nil {
		return err
	}
	r.dir = dir
	s := stager{dir: dir}

	if r.domain, r.forest, err = s.readTopology(ctx); err != nil {
		return err
	}

	r.identity, err = s.locateNode(ctx, r.Local, r.domain, r.forest)
	return err
}

// unstageAccount returns the account to a plain workstation account
func (r *leaveRun) unstageAccount(ctx context.Context) error {
	s := stager{dir: r.dir}
	account, err := s.lookup(ctx, r.identity.ComputerDN, "userAccountControl")
	if err != nil {
		return err
	}
	if account == nil {
		return fmt.Errorf("%w: %s", directory.ErrNoSuchObject, r.identity.ComputerDN)
	}
	uac, err := accountControl(account, UACWorkstationTrust)
	if err != nil {
		return err
	}
	if err := s.ensure(ctx, account, map[string]string{"userAccountControl": uac}); err != nil {
		return err
	}

	moved, err := s.move(ctx, account, "CN=Computers,"+r.domain.DN)
	if err != nil {
		return err
	}
	r.identity.ComputerDN = moved

	server, err := s.lookup(ctx, r.identity.ServerDN, "serverReference")
	if err != nil {
		return err
	}
	if server == nil {
		return nil
	}
	return s.ensure(ctx, server, map[string]string{"serverReference": moved})
}

func (r *leaveRun) bindControl(ctx context.Context) error {
	transport, err := r.Dial(ctx, rpcTarget(r.peer, r.Peer))
	if err != nil {
		return err
	}
	r.transport = transport

	client := r.identity.GUID
	if client == uuid.Nil {
		client = r.Local.InvocationID
	}
	conn, err := drs.Bind(ctx, transport.Channel(ChannelControl1), r.Bind.options(client))
	if err != nil {
		return err
	}
	r.conn = conn
	return nil
}

func (r *leaveRun) removeDirectoryEntry(ctx context.Context) error {
	lastDC, err := drs.RemoveDSServer(ctx, r.conn, r.identity.ServerDN, r.domain.DN, true)
	if err != nil {
		return err
	}
	r.lastDC = lastDC
	return nil
}
