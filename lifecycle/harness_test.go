package lifecycle_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/maxpert/dcjoin/directory"
	"github.com/maxpert/dcjoin/directory/dirtest"
	"github.com/maxpert/dcjoin/discovery"
	"github.com/maxpert/dcjoin/drs"
	"github.com/maxpert/dcjoin/drs/drstest"
	"github.com/maxpert/dcjoin/lifecycle"
)

const (
	testDomain = "example.com"
	testSite   = "Default-First-Site-Name"
	testNode   = "DC2"
)

// fakeTransport serves every channel from one peer. Objects the peer
// creates through add-entry are mirrored into the directory, as a real
// controller would make them visible.
type fakeTransport struct {
	peer *drstest.Peer
	dir  *directory.Memory

	mu       sync.Mutex
	channels []string
	closed   int
}

func (t *fakeTransport) Channel(name string) drs.Caller {
	t.mu.Lock()
	t.channels = append(t.channels, name)
	t.mu.Unlock()

	return drs.CallerFunc(func(ctx context.Context, op string, level uint32, req, reply any) error {
		if err := t.peer.Call(ctx, op, level, req, reply); err != nil {
			return err
		}
		if op == drs.OpAddEntry {
			t.mirror(reply.(*drs.AddEntryReply))
		}
		return nil
	})
}

func (t *fakeTransport) mirror(reply *drs.AddEntryReply) {
	var ids []drs.ObjectIdentifier
	switch {
	case reply.Ctr3 != nil:
		ids = reply.Ctr3.Identifiers
	case reply.Ctr2 != nil:
		ids = reply.Ctr2.Identifiers
	}
	for _, id := range ids {
		t.dir.Seed(id.DN, map[string][]string{
			"objectClass": {"nTDSDSA"},
			"objectGUID":  {id.GUID.String()},
		})
	}
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed++
	return nil
}

func (t *fakeTransport) Channels() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.channels...)
}

type harness struct {
	forest     *dirtest.Forest
	peer       *drstest.Peer
	transport  *fakeTransport
	invocation uuid.UUID

	mu     sync.Mutex
	pages  []string
	dialed []string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	f := dirtest.NewForest(testDomain, "DC1", testSite)
	p := drstest.NewPeer()
	p.AddPartition(drs.NewNamingContextID(f.SchemaDN), objectPages(f.SchemaDN, 2, 2, 1)...)
	p.AddPartition(drs.NewNamingContextID(f.ConfigDN), objectPages(f.ConfigDN, 3)...)
	p.AddPartition(drs.NewNamingContextID(f.DomainDN), objectPages(f.DomainDN, 4, 1)...)

	return &harness{
		forest:     f,
		peer:       p,
		transport:  &fakeTransport{peer: p, dir: f.Dir},
		invocation: uuid.New(),
	}
}

func objectPages(base string, sizes ...int) []drstest.Page {
	pages := make([]drstest.Page, len(sizes))
	for i, n := range sizes {
		for k := 0; k < n; k++ {
			pages[i].Objects = append(pages[i].Objects, drs.ReplicatedObject{
				DN:   fmt.Sprintf("CN=obj-%d-%d,%s", i, k, base),
				GUID: uuid.New(),
			})
		}
	}
	return pages
}

func (h *harness) discoverer() discovery.Discoverer {
	return &discovery.Static{Info: discovery.PeerInfo{
		DomainDNSName: testDomain,
		ForestDNSName: testDomain,
		PeerDNSName:   h.forest.PeerHost,
		PeerSiteName:  testSite,
		MySiteName:    testSite,
	}}
}

func (h *harness) openDirectory(ctx context.Context, _ *discovery.PeerInfo) (directory.Directory, error) {
	return h.forest.Dir, ctx.Err()
}

func (h *harness) dial(_ context.Context, target string) (lifecycle.Transport, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dialed = append(h.dialed, target)
	return h.transport, nil
}

func (h *harness) sinkFor(partition string, _ drs.NamingContextID) drs.Sink {
	return drs.SinkFunc(func(_ context.Context, batch *drs.ReplicaBatch) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.pages = append(h.pages, partition)
		return nil
	})
}

func (h *harness) appliedPages() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.pages...)
}

func (h *harness) joiner() *lifecycle.Joiner {
	return &lifecycle.Joiner{
		Local: lifecycle.LocalNode{
			NetbiosName:  testNode,
			InvocationID: h.invocation,
		},
		Peer:          lifecycle.PeerSettings{Address: h.forest.PeerHost},
		Discoverer:    h.discoverer(),
		OpenDirectory: h.openDirectory,
		Dial:          h.dial,
		CreateAccount: true,
		Hooks:         lifecycle.Hooks{SinkFor: h.sinkFor},
	}
}

func (h *harness) leaver() *lifecycle.Leaver {
	return &lifecycle.Leaver{
		Local: lifecycle.LocalNode{
			NetbiosName:  testNode,
			InvocationID: h.invocation,
		},
		Peer:          lifecycle.PeerSettings{Address: h.forest.PeerHost},
		Discoverer:    h.discoverer(),
		OpenDirectory: h.openDirectory,
		Dial:          h.dial,
	}
}

func (h *harness) serverDN() string {
	return "CN=" + testNode + ",CN=Servers,CN=" + testSite + ",CN=Sites," + h.forest.ConfigDN
}

// recordingObserver keeps every event it receives
type recordingObserver struct {
	mu       sync.Mutex
	started  []string
	failed   []string
	pages    map[string]int
	drained  []string
	finished int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{pages: map[string]int{}}
}

func (o *recordingObserver) PhaseStarted(_ string, phase lifecycle.Phase) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = append(o.started, phase.String())
}

func (o *recordingObserver) PhaseFinished(_ string, phase lifecycle.Phase, _ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished++
	if err != nil {
		o.failed = append(o.failed, phase.String())
	}
}

func (o *recordingObserver) PageApplied(partition string, _ *drs.ReplicaBatch) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pages[partition]++
}

func (o *recordingObserver) PartitionDrained(result drs.PartitionResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.drained = append(o.drained, result.Partition)
}

func (o *recordingObserver) last() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.started) == 0 {
		return ""
	}
	return o.started[len(o.started)-1]
}

// memCursors is an in-memory drs.CursorStore
type memCursors struct {
	mu      sync.Mutex
	cursors map[string]drs.Cursor
}

func (m *memCursors) LoadCursor(nc drs.NamingContextID) (drs.Cursor, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cursors[nc.Key()]
	return c, ok, nil
}

func (m *memCursors) SaveCursor(nc drs.NamingContextID, cursor drs.Cursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cursors == nil {
		m.cursors = map[string]drs.Cursor{}
	}
	m.cursors[nc.Key()] = cursor
	return nil
}

func (h *harness) puller() *lifecycle.Puller {
	return &lifecycle.Puller{
		Local: lifecycle.LocalNode{
			NetbiosName:  testNode,
			InvocationID: h.invocation,
		},
		Peer:          lifecycle.PeerSettings{Address: h.forest.PeerHost},
		Discoverer:    h.discoverer(),
		OpenDirectory: h.openDirectory,
		Dial:          h.dial,
		Hooks:         lifecycle.Hooks{SinkFor: h.sinkFor},
	}
}

func (h *harness) resetPages() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pages = nil
}
