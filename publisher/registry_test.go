package publisher

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/dcjoin/cfg"
	"github.com/maxpert/dcjoin/drs"
)

var registrySinks = map[string]*mockSink{}

func init() {
	RegisterTransformer("test-format", func() Transformer { return mockTransformer{} })
	RegisterSink("test-sink", func(config cfg.SinkConfiguration) (Sink, error) {
		s := &mockSink{}
		registrySinks[config.Name] = s
		return s, nil
	})
}

var pageInvocation = uuid.New()

func testPage(usn uint64, n int) *drs.ReplicaBatch {
	b := &drs.ReplicaBatch{
		Partition:          "domain",
		NC:                 drs.NewNamingContextID("DC=example,DC=com"),
		SourceInvocationID: pageInvocation,
		NewWatermark:       drs.Watermark{TmpHighestUSN: usn, HighestUSN: usn},
	}
	for i := 0; i < n; i++ {
		b.Objects = append(b.Objects, drs.ReplicatedObject{DN: "CN=o,DC=example,DC=com", GUID: uuid.New()})
	}
	return b
}

func TestNewRegistry(t *testing.T) {
	_, err := NewRegistry(RegistryConfig{})
	assert.Error(t, err, "data dir is required")

	_, err = NewRegistry(RegistryConfig{
		DataDir:     t.TempDir(),
		SinkConfigs: []cfg.SinkConfiguration{{Name: "x", Type: "carrier-pigeon", Format: "test-format"}},
	})
	assert.Error(t, err)

	_, err = NewRegistry(RegistryConfig{
		DataDir:     t.TempDir(),
		SinkConfigs: []cfg.SinkConfiguration{{Name: "reg-bad-format", Type: "test-sink", Format: "xml"}},
	})
	assert.Error(t, err)
	require.NotNil(t, registrySinks["reg-bad-format"])
	assert.True(t, registrySinks["reg-bad-format"].closed.Load(), "sink must be closed when the worker cannot be built")
}

func TestRegistry_AppliesPagesToSinks(t *testing.T) {
	reg, err := NewRegistry(RegistryConfig{
		DataDir: t.TempDir(),
		SinkConfigs: []cfg.SinkConfiguration{
			{Name: "reg-a", Type: "test-sink", Format: "test-format", TopicPrefix: "a", PollIntervalMS: 5},
			{Name: "reg-b", Type: "test-sink", Format: "test-format", TopicPrefix: "b", PollIntervalMS: 5, Partitions: []string{"config"}},
		},
	})
	require.NoError(t, err)
	require.NoError(t, reg.Start())
	assert.Error(t, reg.Start(), "second start must fail")

	ctx := context.Background()
	require.NoError(t, reg.Apply(ctx, testPage(100, 2)))
	require.NoError(t, reg.Apply(ctx, testPage(200, 0)))
	require.NoError(t, reg.Apply(ctx, testPage(300, 1)))

	waitForMessages(t, registrySinks["reg-a"], 3, 2*time.Second)
	assert.Equal(t, "a.domain", registrySinks["reg-a"].getMessages()[0].Topic)

	require.Eventually(t, func() bool {
		for _, st := range reg.Status() {
			if st.Cursor != 3 || st.Lag != 0 {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, registrySinks["reg-b"].getMessages())

	reg.Stop()
	assert.True(t, registrySinks["reg-a"].closed.Load())
	assert.True(t, registrySinks["reg-b"].closed.Load())
	reg.Stop()
}

func TestRegistry_ApplyHonorsContext(t *testing.T) {
	reg, err := NewRegistry(RegistryConfig{DataDir: t.TempDir()})
	require.NoError(t, err)
	defer reg.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, reg.Apply(ctx, testPage(100, 1)), context.Canceled)
}

func TestRegistry_AddWorkerWhileRunning(t *testing.T) {
	reg, err := NewRegistry(RegistryConfig{DataDir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, reg.Start())
	defer reg.Stop()

	require.NoError(t, reg.Apply(context.Background(), testPage(100, 2)))

	snk := &mockSink{}
	require.NoError(t, reg.AddWorker(cfg.SinkConfiguration{Name: "late", Format: "test-format", PollIntervalMS: 5}, snk))
	waitForMessages(t, snk, 2, 2*time.Second)
}

func TestRegistry_SkipsReplayedPages(t *testing.T) {
	reg, err := NewRegistry(RegistryConfig{DataDir: t.TempDir()})
	require.NoError(t, err)
	defer reg.Stop()

	ctx := context.Background()
	first := testPage(100, 2)
	require.NoError(t, reg.Apply(ctx, first))
	require.NoError(t, reg.Apply(ctx, testPage(100, 2)), "same page pulled again after a failed run")
	require.NoError(t, reg.Apply(ctx, testPage(50, 1)))
	assert.Equal(t, uint64(2), reg.log.Head())

	mark, ok, err := reg.LastPage(first.NC)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(100), mark.Watermark.HighestUSN)
	assert.Equal(t, uint64(2), mark.LastSeq)

	require.NoError(t, reg.Apply(ctx, testPage(200, 1)))
	assert.Equal(t, uint64(3), reg.log.Head())

	restored := testPage(100, 1)
	restored.SourceInvocationID = uuid.New()
	require.NoError(t, reg.Apply(ctx, restored), "a new source invocation starts a new page sequence")
	assert.Equal(t, uint64(4), reg.log.Head())
}
