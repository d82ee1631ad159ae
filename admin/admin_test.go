package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/dcjoin/cfg"
	"github.com/maxpert/dcjoin/drs"
	"github.com/maxpert/dcjoin/lifecycle"
	"github.com/maxpert/dcjoin/publisher"
	"github.com/maxpert/dcjoin/store"
	"github.com/maxpert/dcjoin/telemetry"
)

const schemaDN = "CN=Schema,CN=Configuration,DC=example,DC=com"

type stubCursors struct {
	records []store.CursorRecord
	err     error
}

func (s stubCursors) Cursors() ([]store.CursorRecord, error) { return s.records, s.err }

type stubStats []telemetry.PartitionStats

func (s stubStats) PartitionStats() ([]telemetry.PartitionStats, error) { return s, nil }

type stubSinks []publisher.SinkStatus

func (s stubSinks) Status() []publisher.SinkStatus { return s }

func decode(t *testing.T, rec *httptest.ResponseRecorder, into any) {
	t.Helper()
	var body struct {
		Data  json.RawMessage `json:"data"`
		Error string          `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Empty(t, body.Error)
	require.NoError(t, json.Unmarshal(body.Data, into))
}

func serve(t *testing.T, h *AdminHandlers, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	NewServeMux(h).ServeHTTP(rec, req)
	return rec
}

func withSecret(t *testing.T, secret string) {
	t.Helper()
	prev := cfg.Config.Admin.Secret
	cfg.Config.Admin.Secret = secret
	t.Cleanup(func() { cfg.Config.Admin.Secret = prev })
}

func TestBoardFollowsJoinRun(t *testing.T) {
	b := NewBoard()
	nc := drs.NewNamingContextID(schemaDN)

	b.PhaseStarted("join", lifecycle.JoinDiscover)
	b.PhaseFinished("join", lifecycle.JoinDiscover, 20*time.Millisecond, nil)
	b.PhaseStarted("join", lifecycle.JoinPullSchemaConfig)
	b.PageApplied("schema", &drs.ReplicaBatch{
		NC:           nc,
		Objects:      make([]drs.ReplicatedObject, 3),
		NewWatermark: drs.Watermark{HighestUSN: 100},
		MoreData:     true,
	})
	b.PageApplied("schema", &drs.ReplicaBatch{
		NC:           nc,
		Objects:      make([]drs.ReplicatedObject, 2),
		Links:        make([]drs.LinkedValue, 1),
		NewWatermark: drs.Watermark{HighestUSN: 200},
	})
	b.PartitionDrained(drs.PartitionResult{Partition: "schema", NC: nc, Watermark: drs.Watermark{HighestUSN: 200}})

	run := b.Run()
	assert.Equal(t, "join", run.Kind)
	assert.Equal(t, "PullSchemaConfig", run.Phase)
	assert.True(t, run.Running)

	parts := b.Partitions()
	require.Len(t, parts, 1)
	assert.Equal(t, 2, parts[0].Pages)
	assert.Equal(t, int64(5), parts[0].Objects)
	assert.Equal(t, int64(1), parts[0].Links)
	assert.Equal(t, uint64(200), parts[0].HighestUSN)
	assert.True(t, parts[0].Drained)
	assert.Equal(t, schemaDN, parts[0].NC)

	b.PhaseFinished("join", lifecycle.JoinPullSchemaConfig, time.Second, errors.New("boom"))
	b.PhaseStarted("join", lifecycle.JoinFailed)
	run = b.Run()
	assert.False(t, run.Running)
	assert.Equal(t, "boom", run.LastError)
	assert.Equal(t, "PullSchemaConfig", run.FailedIn)
	assert.Contains(t, b.PhaseDurations(), "Discover")

	b.PhaseStarted("leave", lifecycle.LeaveDiscover)
	run = b.Run()
	assert.Equal(t, "leave", run.Kind)
	assert.Empty(t, run.LastError, "a new run starts clean")
}

func TestStatusEndpoint(t *testing.T) {
	withSecret(t, "")
	b := NewBoard()
	b.PhaseStarted("join", lifecycle.JoinBindControl1)
	h := NewAdminHandlers("DC2", b, nil, nil, nil)

	rec := serve(t, h, httptest.NewRequest(http.MethodGet, "/admin/status", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var got map[string]any
	decode(t, rec, &got)
	assert.Equal(t, "DC2", got["node"])
	assert.Equal(t, "join", got["kind"])
	assert.Equal(t, "BindControl1", got["phase"])
	assert.Equal(t, true, got["running"])
}

func TestPartitionsEndpointMergesSources(t *testing.T) {
	withSecret(t, "")
	inv := uuid.New()
	b := NewBoard()
	b.PageApplied("domain", &drs.ReplicaBatch{
		NC:           drs.NewNamingContextID("DC=example,DC=com"),
		Objects:      make([]drs.ReplicatedObject, 4),
		NewWatermark: drs.Watermark{HighestUSN: 50},
		MoreData:     true,
	})
	cursors := stubCursors{records: []store.CursorRecord{{
		Partition: "schema",
		NC:        schemaDN,
		Cursor: drs.Cursor{
			Watermark:          drs.Watermark{HighestUSN: 300},
			SourceInvocationID: inv,
			Pages:              3,
		},
	}}}
	stats := stubStats{{Partition: "schema", Objects: 5, Links: 2}}
	h := NewAdminHandlers("DC2", b, cursors, stats, nil)

	rec := serve(t, h, httptest.NewRequest(http.MethodGet, "/admin/partitions", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var got []struct {
		Partition  string             `json:"partition"`
		NC         string             `json:"nc"`
		HighestUSN uint64             `json:"highest_usn"`
		Pages      int                `json:"pages"`
		Objects    int64              `json:"objects"`
		Links      int64              `json:"links"`
		Source     string             `json:"source_invocation_id"`
		Live       *PartitionProgress `json:"live"`
	}
	decode(t, rec, &got)
	require.Len(t, got, 2)

	assert.Equal(t, "schema", got[0].Partition)
	assert.Equal(t, uint64(300), got[0].HighestUSN)
	assert.Equal(t, 3, got[0].Pages)
	assert.Equal(t, int64(5), got[0].Objects)
	assert.Equal(t, int64(2), got[0].Links)
	assert.Equal(t, inv.String(), got[0].Source)
	assert.Nil(t, got[0].Live)

	assert.Equal(t, "domain", got[1].Partition)
	assert.Equal(t, "DC=example,DC=com", got[1].NC)
	require.NotNil(t, got[1].Live)
	assert.Equal(t, int64(4), got[1].Live.Objects)
}

func TestPartitionsEndpointCursorError(t *testing.T) {
	withSecret(t, "")
	h := NewAdminHandlers("DC2", nil, stubCursors{err: errors.New("store closed")}, nil, nil)

	rec := serve(t, h, httptest.NewRequest(http.MethodGet, "/admin/partitions", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "store closed")
}

func TestPartitionByName(t *testing.T) {
	withSecret(t, "")
	b := NewBoard()
	b.PageApplied("schema", &drs.ReplicaBatch{NC: drs.NewNamingContextID(schemaDN)})
	h := NewAdminHandlers("DC2", b, nil, nil, nil)

	rec := serve(t, h, httptest.NewRequest(http.MethodGet, "/admin/partitions/schema", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var p PartitionProgress
	decode(t, rec, &p)
	assert.Equal(t, 1, p.Pages)

	rec = serve(t, h, httptest.NewRequest(http.MethodGet, "/admin/partitions/domain", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSinksEndpoint(t *testing.T) {
	withSecret(t, "")
	h := NewAdminHandlers("DC2", nil, nil, nil, stubSinks{{Name: "nats", Cursor: 7, Lag: 2}})

	rec := serve(t, h, httptest.NewRequest(http.MethodGet, "/admin/sinks", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var got []publisher.SinkStatus
	decode(t, rec, &got)
	assert.Equal(t, []publisher.SinkStatus{{Name: "nats", Cursor: 7, Lag: 2}}, got)
}

func TestAuthMiddleware(t *testing.T) {
	withSecret(t, "s3cret")
	h := NewAdminHandlers("DC2", nil, nil, nil, nil)

	tests := []struct {
		name   string
		header string
		value  string
		code   int
	}{
		{"missing", "", "", http.StatusUnauthorized},
		{"secret header", SecretHeader, "s3cret", http.StatusOK},
		{"bearer", "Authorization", "Bearer s3cret", http.StatusOK},
		{"wrong scheme", "Authorization", "Basic s3cret", http.StatusUnauthorized},
		{"wrong secret", SecretHeader, "nope", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin/status", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := serve(t, h, req)
			assert.Equal(t, tt.code, rec.Code)
		})
	}

	rec := serve(t, h, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code, "health is not behind auth")
}
