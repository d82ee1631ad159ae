package main

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/maxpert/dcjoin/cfg"
	"github.com/maxpert/dcjoin/directory"
	"github.com/maxpert/dcjoin/discovery"
	"github.com/maxpert/dcjoin/drs"
	"github.com/maxpert/dcjoin/lifecycle"
	"github.com/maxpert/dcjoin/publisher"
	"github.com/maxpert/dcjoin/store"
)

const ldapPort = "389"

// ldapURL returns the configured directory URL, or plain LDAP on host
func ldapURL(host string) string {
	if cfg.Config.Directory.URL != "" {
		return cfg.Config.Directory.URL
	}
	if _, _, err := net.SplitHostPort(host); err == nil {
		host, _, _ = net.SplitHostPort(host)
	}
	return "ldap://" + net.JoinHostPort(host, ldapPort)
}

func openLDAP(ctx context.Context, host string) (directory.Directory, error) {
	opts := directory.OptionsFromConfig(cfg.Config)
	opts.URL = ldapURL(host)
	conn, err := directory.DialLDAP(ctx, opts)
	if err != nil {
		return nil, err
	}
	if cfg.Config.Directory.CacheSize <= 0 {
		return conn, nil
	}
	cached, err := directory.NewCached(conn, cfg.Config.Directory.CacheSize)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return cached, nil
}

// directoryOpener opens the management connection against the discovered peer
func directoryOpener(ctx context.Context, peer *discovery.PeerInfo) (directory.Directory, error) {
	host := peer.Address
	if host == "" {
		host = peer.PeerDNSName
	}
	return openLDAP(ctx, cfg.PeerTarget(host))
}

// newDiscoverer reads the root DSE of the configured peer, or of a controller
// advertised for the configured domain when no peer address is set
func newDiscoverer() discovery.Discoverer {
	rootDSE := &discovery.RootDSE{
		Open:         openLDAP,
		SiteOverride: cfg.Config.Local.SiteName,
	}
	if cfg.Config.Peer.Address == "" && cfg.Config.Peer.Domain != "" {
		return discovery.NewSRV(rootDSE)
	}
	return rootDSE
}

func peerSettings() lifecycle.PeerSettings {
	address := cfg.Config.Peer.Address
	if address == "" {
		address = cfg.Config.Peer.Domain
	}
	return lifecycle.PeerSettings{
		Address:         address,
		OverrideAddress: cfg.Config.Peer.OverrideAddress,
		RPCPort:         cfg.Config.Peer.RPCPort,
	}
}

func localNode() (lifecycle.LocalNode, error) {
	invocation, err := cfg.InvocationID()
	if err != nil {
		return lifecycle.LocalNode{}, fmt.Errorf("invocation id: %w", err)
	}
	return lifecycle.LocalNode{
		NetbiosName:      strings.ToUpper(cfg.Config.Local.NetbiosName),
		DNSName:          cfg.Config.Local.DNSName,
		SiteName:         cfg.Config.Local.SiteName,
		InvocationID:     invocation,
		AccountContainer: cfg.Config.Local.AccountContainer,
	}, nil
}

func bindSettings() (lifecycle.BindSettings, error) {
	offered, err := drs.ParseCapabilities(cfg.Config.Replication.OfferedExtensions)
	if err != nil {
		return lifecycle.BindSettings{}, err
	}
	required, err := drs.ParseCapabilities(cfg.Config.Replication.RequiredExtensions)
	if err != nil {
		return lifecycle.BindSettings{}, err
	}
	return lifecycle.BindSettings{
		Offered:     offered,
		Required:    required,
		Compression: drs.ParseCompression(cfg.Config.Replication.Compression),
	}, nil
}

func replicationSettings(st *store.Store, resume bool) lifecycle.ReplicationSettings {
	settings := lifecycle.ReplicationSettings{
		MaxObjects: cfg.Config.Replication.MaxObjects,
		MaxBytes:   cfg.Config.Replication.MaxBytes,
		Resume:     resume,
		ReadOnly:   true,
	}
	if st != nil {
		settings.Cursors = st
	}
	if pps := cfg.Config.Replication.PagesPerSecond; pps > 0 {
		settings.Limiter = rate.NewLimiter(rate.Limit(pps), 1)
	}
	return settings
}

// openStore opens the local replica store with secret unprotect enabled
// when a session key is configured
func openStore() (*store.Store, error) {
	key, err := store.SessionKeyFromHex(cfg.Config.Store.SessionKeyHex)
	if err != nil {
		return nil, err
	}
	opts := store.Options{
		CacheSizeMB:    cfg.Config.Store.CacheSizeMB,
		MemTableSizeMB: cfg.Config.Store.MemTableSizeMB,
		SessionKey:     key,
	}
	if key != nil {
		opts.Unprotector = drs.SessionKeyUnprotector{}
	}
	return store.Open(cfg.Config.Store.Dir, opts)
}

// openPublisher starts the change publisher, or returns nil when disabled
func openPublisher() (*publisher.Registry, error) {
	if !cfg.Config.Publisher.Enabled || len(cfg.Config.Publisher.Sinks) == 0 {
		return nil, nil
	}
	registry, err := publisher.NewRegistry(publisher.RegistryConfig{
		DataDir:     cfg.Config.DataDir,
		SinkConfigs: cfg.Config.Publisher.Sinks,
	})
	if err != nil {
		return nil, err
	}
	if err := registry.Start(); err != nil {
		registry.Stop()
		return nil, err
	}
	return registry, nil
}

// hooks routes every pulled page into the publisher, then the store. The
// store commits the partition cursor with the page, so it runs last: a page
// the publisher rejects is pulled again on resume, and the publisher skips
// pages it already has.
func hooks(st *store.Store, registry *publisher.Registry, resume bool) lifecycle.Hooks {
	var sinks []drs.Sink
	if registry != nil {
		sinks = append(sinks, registry)
	}
	if st != nil {
		sinks = append(sinks, st)
	}
	sink := drs.MultiSink(sinks...)

	h := lifecycle.Hooks{
		SinkFor: func(string, drs.NamingContextID) drs.Sink { return sink },
	}
	if st != nil && !resume {
		h.PrepareLocalStore = func(_ context.Context, state *lifecycle.JoinState) error {
			for _, nc := range []drs.NamingContextID{state.Forest.SchemaNC(), state.Forest.ConfigNC(), state.Domain.NC()} {
				if err := st.Reset(nc); err != nil {
					return fmt.Errorf("reset %s: %w", nc.DN, err)
				}
			}
			log.Info().Str("node", state.Identity.NetbiosName).Msg("Local replica store reset for a fresh pull")
			return nil
		}
	}
	return h
}

func nodeGUID(id lifecycle.NodeIdentity) string {
	if id.GUID == uuid.Nil {
		return ""
	}
	return id.GUID.String()
}
