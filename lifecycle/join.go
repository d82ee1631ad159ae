package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/maxpert/dcjoin/directory"
	"github.com/maxpert/dcjoin/discovery"
	"github.com/maxpert/dcjoin/drs"
)

// Channel names multiplexed over the association with the peer
const (
	ChannelControl1 = "drs-1"
	ChannelControl2 = "drs-2"
	ChannelControl3 = "drs-3"
)

const releaseTimeout = 10 * time.Second

// Attribute ids sent when creating the settings object
const (
	attObjectClass          uint32 = 0x00000000
	attHasMasterNCs         uint32 = 0x0002000e
	attDMDLocation          uint32 = 0x00020024
	attInvocationID         uint32 = 0x00020073
	attOptions              uint32 = 0x00090133
	attSystemFlags          uint32 = 0x00090177
	attMSDSBehaviorVersion  uint32 = 0x000905b3
	settingsSystemFlags            = 0x02000000 // FLAG_DISALLOW_MOVE_ON_DELETE
	settingsObjectClassName        = "nTDSDSA"
)

// ReplicationSettings tune the partition pulls of a join
type ReplicationSettings struct {
	MaxObjects uint32
	MaxBytes   uint32
	Limiter    *rate.Limiter
	// Cursors, when set, persists and resumes partition watermarks
	Cursors drs.CursorStore
	// Resume continues from persisted cursors instead of the zero watermark
	Resume   bool
	ReadOnly bool
}

// Joiner adds this node to an existing domain as a replica.
// A Joiner is configured once and run once.
type Joiner struct {
	Local         LocalNode
	Peer          PeerSettings
	Discoverer    discovery.Discoverer
	OpenDirectory DirectoryOpener
	Dial          Dialer
	Bind          BindSettings
	Replication   ReplicationSettings
	// CreateAccount creates the computer account when it does not exist
	CreateAccount bool
	Hooks         Hooks
	Observer      Observer
}

type joinRun struct {
	*Joiner
	t *tracker

	peer      *discovery.PeerInfo
	dir       directory.Directory
	transport Transport
	conn1     *drs.Conn
	conn2     *drs.Conn
	conn3     *drs.Conn

	identity   NodeIdentity
	domain     DomainInfo
	forest     ForestInfo
	seq        *drs.Sequencer
	partitions []drs.PartitionResult
}

func (j *Joiner) validate() error {
	switch {
	case j.Local.NetbiosName == "":
		return errors.New("local netbios name is required")
	case j.Local.InvocationID == uuid.Nil:
		return errors.New("local invocation id is required")
	case j.Discoverer == nil:
		return errors.New("discoverer is required")
	case j.OpenDirectory == nil:
		return errors.New("directory opener is required")
	case j.Dial == nil:
		return errors.New("dialer is required")
	}
	return nil
}

// Run executes every join phase in order. On failure the returned error is
// a *PhaseError; binds, the association and the directory connection are
// released on every exit.
func (j *Joiner) Run(ctx context.Context) (*JoinResult, error) {
	if err := j.validate(); err != nil {
		return nil, err
	}

	r := &joinRun{Joiner: j, t: newTracker("join", j.Observer)}
	defer r.release(ctx)

	start := time.Now()
	err := r.t.runAll(ctx, []step{
		{JoinDiscover, r.discover},
		{JoinStageDirectory, r.stageDirectory},
		{JoinCheckPolicy, r.checkPolicy},
		{JoinEnsureAccountObject, r.ensureAccountObject},
		{JoinEnsureServerObject, r.ensureServerObject},
		{JoinBindControl1, r.bindControl1},
		{JoinCreateSettingsObject, r.createSettingsObject},
		{JoinPrepareLocalStore, r.prepareLocalStore},
		{JoinBindControl23, r.bindControl23},
		{JoinPullSchemaConfig, r.pullSchemaConfig},
		{JoinStageDirectoryPass2, r.stageDirectoryPass2},
		{JoinPullDomain, r.pullDomain},
		{JoinAdvertiseReferences, r.advertiseReferences},
	})
	if err != nil {
		r.t.finish(JoinFailed, err)
		return nil, err
	}
	r.t.finish(JoinDone, nil)

	result := &JoinResult{
		Identity:   r.identity,
		Domain:     r.domain,
		Forest:     r.forest,
		Peer:       *r.peer,
		Partitions: r.partitions,
		Elapsed:    time.Since(start),
	}
	log.Info().
		Str("node", r.identity.NetbiosName).
		Str("domain", r.domain.DNSName).
		Str("dsa_guid", r.identity.GUID.String()).
		Dur("elapsed", result.Elapsed).
		Msg("Join complete")
	return result, nil
}

func (r *joinRun) discover(ctx context.Context) error {
	peer, err := r.Discoverer.Discover(ctx, r.Peer.Address)
	if err != nil {
		return err
	}
	r.peer = peer
	return nil
}

func (r *joinRun) stageDirectory(ctx context.Context) error {
	dir, err := r.OpenDirectory(ctx, r.peer)
	if err != nil {
		return err
	}
	r.dir = dir
	s := stager{dir: dir}

	if r.domain, r.forest, err = s.readTopology(ctx); err != nil {
		return err
	}
	if err := checkFunctionalLevels(r.domain, r.forest); err != nil {
		return err
	}

	site := r.Local.SiteName
	if site == "" {
		site = r.peer.MySiteName
	}
	if site == "" {
		return fmt.Errorf("%w: no local site configured or discovered", ErrSiteNotFound)
	}
	siteEntry, err := s.lookup(ctx, fmt.Sprintf("CN=%s,CN=Sites,%s", site, r.forest.ConfigDN))
	if err != nil {
		return err
	}
	if siteEntry == nil {
		return fmt.Errorf("%w: %s", ErrSiteNotFound, site)
	}

	netbios := strings.ToUpper(r.Local.NetbiosName)
	dnsName := r.Local.DNSName
	if dnsName == "" {
		dnsName = strings.ToLower(netbios) + "." + r.domain.DNSName
	}
	r.identity = NodeIdentity{
		NetbiosName:  netbios,
		DNSName:      strings.ToLower(dnsName),
		SiteName:     site,
		ServerDN:     serverDN(netbios, site, r.forest.ConfigDN),
		InvocationID: r.Local.InvocationID,
	}
	r.identity.NTDSSettingsDN = "CN=NTDS Settings," + r.identity.ServerDN
	return nil
}

func (r *joinRun) checkPolicy(ctx context.Context) error {
	if r.Hooks.CheckPolicy == nil {
		return nil
	}
	if err := r.Hooks.CheckPolicy(r.domain, r.forest, *r.peer); err != nil {
		if errors.Is(err, drs.ErrCallerAbort) {
			return err
		}
		return fmt.Errorf("%w: %w", drs.ErrCallerAbort, err)
	}
	return nil
}

func (r *joinRun) ensureAccountObject(ctx context.Context) error {
	s := stager{dir: r.dir}
	account, err := s.findAccount(ctx, r.domain.DN, r.identity.NetbiosName)
	if err != nil {
		return err
	}

	if account == nil {
		if !r.CreateAccount {
			return fmt.Errorf("%w: computer account %s", directory.ErrNoSuchObject, accountName(r.identity.NetbiosName))
		}
		container := r.Local.AccountContainer
		if container == "" {
			container = "CN=Computers," + r.domain.DN
		}
		dn := "CN=" + r.identity.NetbiosName + "," + container
		if err := s.add(ctx, dn, map[string][]string{
			"objectClass":        {"top", "person", "organizationalPerson", "user", "computer"},
			"cn":                 {r.identity.NetbiosName},
			"sAMAccountName":     {accountName(r.identity.NetbiosName)},
			"userAccountControl": {strconv.Itoa(UACWorkstationTrust)},
			"dNSHostName":        {r.identity.DNSName},
		}); err != nil {
			return err
		}
		r.identity.ComputerDN = dn
		return nil
	}

	r.identity.ComputerDN = account.DN
	return s.ensure(ctx, account, map[string]string{"dNSHostName": r.identity.DNSName})
}

func (r *joinRun) ensureServerObject(ctx context.Context) error {
	s := stager{dir: r.dir}
	server, err := s.lookup(ctx, r.identity.ServerDN, "serverReference", "dNSHostName")
	if err != nil {
		return err
	}

	if server == nil {
		return s.add(ctx, r.identity.ServerDN, map[string][]string{
			"objectClass":     {"top", "server"},
			"cn":              {r.identity.NetbiosName},
			"dNSHostName":     {r.identity.DNSName},
			"serverReference": {r.identity.ComputerDN},
		})
	}

	if ref := server.Get("serverReference"); ref != "" && !directory.EqualDN(ref, r.identity.ComputerDN) {
		return fmt.Errorf("%w: %s already refers to %s", drs.ErrObjectNameCollision, r.identity.ServerDN, ref)
	}
	return s.ensure(ctx, server, map[string]string{
		"dNSHostName":     r.identity.DNSName,
		"serverReference": r.identity.ComputerDN,
	})
}

func (r *joinRun) bindControl1(ctx context.Context) error {
	target := rpcTarget(r.peer, r.Peer)
	transport, err := r.Dial(ctx, target)
	if err != nil {
		return err
	}
	r.transport = transport

	conn, err := drs.Bind(ctx, transport.Channel(ChannelControl1), r.Bind.options(r.identity.InvocationID))
	if err != nil {
		return err
	}
	r.conn1 = conn
	log.Debug().Str("target", target).Str("handle", conn.Handle().String()).Msg("Control bind 1 established")
	return nil
}

func (r *joinRun) createSettingsObject(ctx context.Context) error {
	s := stager{dir: r.dir}
	existing, err := s.lookup(ctx, r.identity.NTDSSettingsDN, "objectGUID")
	if err != nil {
		return err
	}
	if existing != nil {
		if r.identity.GUID, err = entryGUID(existing); err != nil {
			return err
		}
		if r.identity.GUID != uuid.Nil {
			log.Info().Str("dn", existing.DN).Str("guid", r.identity.GUID.String()).Msg("Reusing settings object")
			return nil
		}
	}

	ids, err := drs.AddEntry(ctx, r.conn1, []drs.AddEntryObject{{
		DN:         r.identity.NTDSSettingsDN,
		Attributes: r.settingsAttributes(),
	}})
	if err != nil {
		return err
	}
	if len(ids) == 0 || ids[0].GUID == uuid.Nil {
		return fmt.Errorf("%w: add entry returned no identifier", drs.ErrMalformedReply)
	}
	r.identity.GUID = ids[0].GUID
	log.Info().Str("dn", r.identity.NTDSSettingsDN).Str("guid", r.identity.GUID.String()).Msg("Created settings object")
	return nil
}

func (r *joinRun) settingsAttributes() []drs.Attribute {
	str := func(id uint32, values ...string) drs.Attribute {
		a := drs.Attribute{ID: id}
		for _, v := range values {
			a.Values = append(a.Values, []byte(v))
		}
		return a
	}
	invocation := r.identity.InvocationID
	return []drs.Attribute{
		str(attObjectClass, settingsObjectClassName),
		str(attHasMasterNCs, r.forest.SchemaDN, r.forest.ConfigDN, r.domain.DN),
		str(attDMDLocation, r.forest.SchemaDN),
		{ID: attInvocationID, Values: [][]byte{invocation[:]}},
		str(attOptions, "0"),
		str(attSystemFlags, strconv.Itoa(settingsSystemFlags)),
		str(attMSDSBehaviorVersion, strconv.Itoa(MaxFunctionalLevel)),
	}
}

func (r *joinRun) prepareLocalStore(ctx context.Context) error {
	if r.Hooks.PrepareLocalStore == nil {
		return nil
	}
	return r.Hooks.PrepareLocalStore(ctx, &JoinState{
		Identity: r.identity,
		Domain:   r.domain,
		Forest:   r.forest,
		Peer:     *r.peer,
	})
}

// bindControl23 opens the second bind and reuses its handle over a third channel
func (r *joinRun) bindControl23(ctx context.Context) error {
	conn, err := drs.Bind(ctx, r.transport.Channel(ChannelControl2), r.Bind.options(r.identity.GUID))
	if err != nil {
		return err
	}
	r.conn2 = conn
	r.conn3 = conn.OverChannel(r.transport.Channel(ChannelControl3))

	observer := r.t.observer
	r.seq = &drs.Sequencer{
		Cursors:     r.Replication.Cursors,
		DestDSA:     r.identity.GUID,
		MaxObjects:  r.Replication.MaxObjects,
		MaxBytes:    r.Replication.MaxBytes,
		Limiter:     r.Replication.Limiter,
		OnPartition: observer.PartitionDrained,
	}
	return nil
}

func (r *joinRun) job(partition string, nc drs.NamingContextID) drs.PartitionJob {
	return observedJob(r.Hooks, r.t.observer, partition, nc, r.Replication)
}

// observedJob builds a partition job whose sink reports each applied page
func observedJob(hooks Hooks, observer Observer, partition string, nc drs.NamingContextID, settings ReplicationSettings) drs.PartitionJob {
	var sink drs.Sink
	if hooks.SinkFor != nil {
		sink = hooks.SinkFor(partition, nc)
	}
	return drs.PartitionJob{
		Partition: partition,
		NC:        nc,
		Flags:     drs.InitialSyncFlags(settings.ReadOnly),
		Restart:   !settings.Resume,
		Sink: drs.SinkFunc(func(ctx context.Context, batch *drs.ReplicaBatch) error {
			if sink != nil {
				if err := sink.Apply(ctx, batch); err != nil {
					return err
				}
			}
			observer.PageApplied(partition, batch)
			return nil
		}),
	}
}

func (r *joinRun) pullSchemaConfig(ctx context.Context) error {
	results, err := r.seq.Run(ctx, r.conn3, []drs.PartitionJob{
		r.job(PartitionSchema, r.forest.SchemaNC()),
		r.job(PartitionConfig, r.forest.ConfigNC()),
	})
	r.partitions = append(r.partitions, results...)
	return err
}

// stageDirectoryPass2 turns the computer account into a controller account
func (r *joinRun) stageDirectoryPass2(ctx context.Context) error {
	s := stager{dir: r.dir}
	account, err := s.lookup(ctx, r.identity.ComputerDN, "userAccountControl")
	if err != nil {
		return err
	}
	if account == nil {
		return fmt.Errorf("%w: %s", directory.ErrNoSuchObject, r.identity.ComputerDN)
	}
	uac, err := accountControl(account, UACServerTrust)
	if err != nil {
		return err
	}
	if err := s.ensure(ctx, account, map[string]string{"userAccountControl": uac}); err != nil {
		return err
	}

	moved, err := s.move(ctx, account, "OU=Domain Controllers,"+r.domain.DN)
	if err != nil {
		return err
	}
	r.identity.ComputerDN = moved

	server, err := s.lookup(ctx, r.identity.ServerDN, "serverReference")
	if err != nil {
		return err
	}
	if server == nil {
		return fmt.Errorf("%w: %s", directory.ErrNoSuchObject, r.identity.ServerDN)
	}
	return s.ensure(ctx, server, map[string]string{"serverReference": r.identity.ComputerDN})
}

func (r *joinRun) pullDomain(ctx context.Context) error {
	results, err := r.seq.Run(ctx, r.conn3, []drs.PartitionJob{
		r.job(PartitionDomain, r.domain.NC()),
	})
	r.partitions = append(r.partitions, results...)
	return err
}

// advertiseReferences asks the peer to notify this node of changes in every
// pulled partition
func (r *joinRun) advertiseReferences(ctx context.Context) error {
	dest := fmt.Sprintf("%s._msdcs.%s", r.identity.GUID, r.forest.RootDomainDNS)
	for _, nc := range []drs.NamingContextID{r.forest.SchemaNC(), r.forest.ConfigNC(), r.domain.NC()} {
		if err := drs.AdvertiseReference(ctx, r.conn2, nc, r.identity.GUID, dest, drs.RefReplace); err != nil {
			return err
		}
	}
	return nil
}

func (r *joinRun) release(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	releaseSession(ctx, r.transport, r.dir, r.conn1, r.conn2)
}

// releaseSession unbinds every open session, then closes the association
// and the directory connection
func releaseSession(ctx context.Context, transport Transport, dir directory.Directory, conns ...*drs.Conn) {
	for _, conn := range conns {
		if conn == nil {
			continue
		}
		if err := conn.Unbind(ctx); err != nil {
			log.Warn().Err(err).Str("handle", conn.Handle().String()).Msg("Unbind failed")
		}
	}
	if transport != nil {
		if err := transport.Close(); err != nil {
			log.Warn().Err(err).Msg("Closing transport failed")
		}
	}
	if dir != nil {
		if err := dir.Close(); err != nil {
			log.Warn().Err(err).Msg("Closing directory failed")
		}
	}
}

func rpcTarget(peer *discovery.PeerInfo, settings PeerSettings) string {
	if settings.OverrideAddress != "" {
		return settings.OverrideAddress
	}
	port := settings.RPCPort
	if port == 0 {
		port = 1350
	}
	return peer.RPCTarget(port)
}
