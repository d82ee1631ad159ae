// Package drstest provides an in-process replication peer for tests.
package drstest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/maxpert/dcjoin/drs"
)

// USNPerPage is the watermark distance between two consecutive pages served by Peer
const USNPerPage = 100

// Page is the content of one change-pull reply
type Page struct {
	Objects []drs.ReplicatedObject
	Links   []drs.LinkedValue
	// Status, when non-zero, is returned instead of the page
	Status uint32
}

// Call records one operation received by the peer
type Call struct {
	Op     string
	Level  uint32
	Handle uuid.UUID
	NC     string
}

type partition struct {
	nc    drs.NamingContextID
	pages []Page
}

// Peer is a drs.Caller that answers like a replication peer holding a fixed set of partitions
type Peer struct {
	DSAGUID      uuid.UUID
	InvocationID uuid.UUID
	Extensions   drs.CapabilitySet
	SiteGUID     uuid.UUID
	ConfigGUID   uuid.UUID
	ReplEpoch    uint32

	// ForceReplyLevel overrides the change-pull reply level picked from the session's extensions
	ForceReplyLevel uint32
	// BindStatus is returned by bind when non-zero
	BindStatus uint32
	// AddEntryError is returned by add-entry when set
	AddEntryError *drs.AddEntryErrorInfo
	// Fail makes the named operation fail at the transport with the given error
	Fail map[string]error

	mu         sync.Mutex
	partitions map[string]*partition
	handles    map[uuid.UUID]drs.CapabilitySet
	refs       map[string]map[uuid.UUID]string
	calls      []Call
	created    []drs.AddEntryObject
	removed    []string
}

// NewPeer returns a peer supporting every known extension
func NewPeer() *Peer {
	return &Peer{
		DSAGUID:      uuid.New(),
		InvocationID: uuid.New(),
		Extensions:   drs.DefaultCapabilities,
		SiteGUID:     uuid.New(),
		ConfigGUID:   uuid.New(),
		ReplEpoch:    1,
		Fail:         map[string]error{},
		partitions:   map[string]*partition{},
		handles:      map[uuid.UUID]drs.CapabilitySet{},
		refs:         map[string]map[uuid.UUID]string{},
	}
}

// AddPartition makes nc available, served as the given pages in order.
// A partition with no pages answers with a single empty reply.
func (p *Peer) AddPartition(nc drs.NamingContextID, pages ...Page) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.partitions[nc.Key()] = &partition{nc: nc, pages: pages}
}

// SetReference records that dest replicates nc from this peer
func (p *Peer) SetReference(nc drs.NamingContextID, dest uuid.UUID, dns string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.refs[nc.Key()] == nil {
		p.refs[nc.Key()] = map[uuid.UUID]string{}
	}
	p.refs[nc.Key()][dest] = dns
}

// HasReference reports whether dest is recorded as replicating nc
func (p *Peer) HasReference(nc drs.NamingContextID, dest uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.refs[nc.Key()][dest]
	return ok
}

// Calls returns every operation received so far
func (p *Peer) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Call, len(p.calls))
	copy(out, p.calls)
	return out
}

// CallCount returns how many times op was received
func (p *Peer) CallCount(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Created returns objects created through add-entry
func (p *Peer) Created() []drs.AddEntryObject {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]drs.AddEntryObject(nil), p.created...)
}

// Removed returns server DNs removed with commit set
func (p *Peer) Removed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.removed...)
}

// OpenHandles returns the number of bind handles not yet released
func (p *Peer) OpenHandles() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handles)
}

// Call implements drs.Caller
func (p *Peer) Call(ctx context.Context, op string, level uint32, req, reply any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	call := Call{Op: op, Level: level}
	switch r := req.(type) {
	case *drs.GetNCChangesRequest:
		call.Handle, call.NC = r.Handle, r.NC.DN
	case *drs.UpdateRefsRequest:
		call.Handle, call.NC = r.Handle, r.NC.DN
	case *drs.AddEntryRequest:
		call.Handle = r.Handle
	case *drs.RemoveDSServerRequest:
		call.Handle = r.Handle
	case *drs.UnbindRequest:
		call.Handle = r.Handle
	}
	p.calls = append(p.calls, call)

	if err := p.Fail[op]; err != nil {
		return err
	}

	switch op {
	case drs.OpBind:
		return p.bind(req.(*drs.BindRequest), reply.(*drs.BindReply))
	case drs.OpUnbind:
		delete(p.handles, req.(*drs.UnbindRequest).Handle)
		return nil
	case drs.OpGetNCChanges:
		return p.getNCChanges(req.(*drs.GetNCChangesRequest), reply.(*drs.GetNCChangesReply))
	case drs.OpUpdateRefs:
		return p.updateRefs(req.(*drs.UpdateRefsRequest), reply.(*drs.UpdateRefsReply))
	case drs.OpAddEntry:
		return p.addEntry(req.(*drs.AddEntryRequest), reply.(*drs.AddEntryReply))
	case drs.OpRemoveDSServer:
		return p.removeDSServer(req.(*drs.RemoveDSServerRequest), reply.(*drs.RemoveDSServerReply))
	}
	return fmt.Errorf("%w: unknown operation %s", drs.ErrProtocolRejected, op)
}

func (p *Peer) bind(req *drs.BindRequest, reply *drs.BindReply) error {
	if p.BindStatus != 0 {
		reply.Status = p.BindStatus
		return nil
	}
	handle := uuid.New()
	p.handles[handle] = req.Info.Extensions & p.Extensions
	reply.Handle = handle
	reply.Info = drs.BindInfo{
		Extensions: p.Extensions,
		SiteGUID:   p.SiteGUID,
		PID:        4242,
		ReplEpoch:  p.ReplEpoch,
		ConfigGUID: p.ConfigGUID,
	}
	return nil
}

func (p *Peer) getNCChanges(req *drs.GetNCChangesRequest, reply *drs.GetNCChangesReply) error {
	caps, ok := p.handles[req.Handle]
	if !ok {
		reply.Status = uint32(drs.StatusInvalidParameter)
		return nil
	}
	part, ok := p.partitions[req.NC.Key()]
	if !ok {
		reply.Status = uint32(drs.StatusDRABadNC)
		return nil
	}

	index := int(req.Watermark.HighestUSN / USNPerPage)
	if index > len(part.pages) {
		reply.Status = uint32(drs.StatusDRAInvalidParameter)
		return nil
	}

	var page Page
	newWM := req.Watermark
	if index < len(part.pages) {
		page = part.pages[index]
		if page.Status != 0 {
			reply.Status = page.Status
			return nil
		}
		usn := uint64(index+1) * USNPerPage
		newWM = drs.Watermark{TmpHighestUSN: usn, HighestUSN: usn}
	}
	more := index+1 < len(part.pages)

	level := p.ForceReplyLevel
	if level == 0 {
		level = drs.ReplyLevelV1
		if caps.Has(drs.ExtGetChgReplyV6) {
			level = drs.ReplyLevelV6
		}
	}

	var ctr any
	switch level {
	case drs.ReplyLevelV6:
		ctr = &drs.ChangesCtr6{
			SourceDSA:          p.DSAGUID,
			SourceInvocationID: p.InvocationID,
			NC:                 part.nc,
			OldWatermark:       req.Watermark,
			NewWatermark:       newWM,
			ObjectCount:        uint32(len(page.Objects)),
			Objects:            page.Objects,
			LinkedValueCount:   uint32(len(page.Links)),
			LinkedValues:       page.Links,
			MoreData:           more,
		}
	case drs.ReplyLevelV1:
		ctr = &drs.ChangesCtr1{
			SourceDSA:          p.DSAGUID,
			SourceInvocationID: p.InvocationID,
			NC:                 part.nc,
			OldWatermark:       req.Watermark,
			NewWatermark:       newWM,
			FirstObject:        drs.ChainObjects(page.Objects),
			MoreData:           more,
		}
	default:
		reply.Level = level
		return nil
	}

	if req.Compression != "" && req.ReplicaFlags.Has(drs.FlagUseCompression) {
		alg := drs.ParseCompression(req.Compression)
		reply.Level = drs.ReplyLevelV7Compressed
		if level == drs.ReplyLevelV1 {
			alg = drs.CompressionDeflate
			reply.Level = drs.ReplyLevelV1Compressed
		}
		env, err := drs.Compress(alg, ctr)
		if err != nil {
			return err
		}
		reply.Compressed = env
		return nil
	}

	reply.Level = level
	switch c := ctr.(type) {
	case *drs.ChangesCtr1:
		reply.Ctr1 = c
	case *drs.ChangesCtr6:
		reply.Ctr6 = c
	}
	return nil
}

func (p *Peer) updateRefs(req *drs.UpdateRefsRequest, reply *drs.UpdateRefsReply) error {
	if _, ok := p.handles[req.Handle]; !ok {
		reply.Status = uint32(drs.StatusInvalidParameter)
		return nil
	}
	if _, ok := p.partitions[req.NC.Key()]; !ok {
		reply.Status = uint32(drs.StatusDRABadNC)
		return nil
	}

	key := req.NC.Key()
	_, exists := p.refs[key][req.DestDSA]
	del := req.Options.Has(drs.FlagDelRef)
	add := req.Options.Has(drs.FlagAddRef)

	switch {
	case del && add:
		delete(p.refs[key], req.DestDSA)
	case del:
		if !exists {
			reply.Status = uint32(drs.StatusDRARefNotFound)
			return nil
		}
		delete(p.refs[key], req.DestDSA)
	case add:
		if exists {
			reply.Status = uint32(drs.StatusDRARefAlreadyExists)
			return nil
		}
	default:
		reply.Status = uint32(drs.StatusInvalidParameter)
		return nil
	}

	if add {
		if p.refs[key] == nil {
			p.refs[key] = map[uuid.UUID]string{}
		}
		p.refs[key][req.DestDSA] = req.DestDSADNS
	}
	return nil
}

func (p *Peer) addEntry(req *drs.AddEntryRequest, reply *drs.AddEntryReply) error {
	caps, ok := p.handles[req.Handle]
	if !ok {
		reply.Status = uint32(drs.StatusInvalidParameter)
		return nil
	}

	v3 := caps.Has(drs.ExtAddEntryReplyV3)
	if v3 {
		reply.Level = 3
		reply.Ctr3 = &drs.AddEntryCtr3{}
	} else {
		reply.Level = 2
		reply.Ctr2 = &drs.AddEntryCtr2{}
	}

	if e := p.AddEntryError; e != nil {
		if v3 {
			reply.Ctr3.Err = e
		} else {
			reply.Ctr2.DirErr = e.DirErr
			reply.Ctr2.ExtendedErr = e.Status
			reply.Ctr2.Problem = e.Problem
		}
		return nil
	}

	for _, obj := range req.Objects {
		for _, existing := range p.created {
			if strings.EqualFold(existing.DN, obj.DN) {
				info := &drs.AddEntryErrorInfo{
					Status: uint32(drs.StatusObjectAlreadyExists),
					DirErr: drs.KindUpdate,
				}
				if v3 {
					reply.Ctr3.Err = info
				} else {
					reply.Ctr2.DirErr = info.DirErr
					reply.Ctr2.ExtendedErr = info.Status
				}
				return nil
			}
		}
	}

	ids := make([]drs.ObjectIdentifier, 0, len(req.Objects))
	for _, obj := range req.Objects {
		p.created = append(p.created, obj)
		ids = append(ids, drs.ObjectIdentifier{GUID: uuid.New(), DN: obj.DN})
	}
	if v3 {
		reply.Ctr3.Identifiers = ids
	} else {
		reply.Ctr2.Identifiers = ids
	}
	return nil
}

func (p *Peer) removeDSServer(req *drs.RemoveDSServerRequest, reply *drs.RemoveDSServerReply) error {
	if _, ok := p.handles[req.Handle]; !ok {
		reply.Status = uint32(drs.StatusInvalidParameter)
		return nil
	}
	if req.Commit {
		p.removed = append(p.removed, req.ServerDN)
	}
	return nil
}
