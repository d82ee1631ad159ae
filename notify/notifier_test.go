package notify

import (
	"sync"
	"testing"
	"time"
)

func receive(t *testing.T, ch <-chan Signal) Signal {
	t.Helper()
	select {
	case sig := <-ch:
		return sig
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for signal")
	}
	return Signal{}
}

func expectNone(t *testing.T, ch <-chan Signal) {
	t.Helper()
	select {
	case sig, ok := <-ch:
		if ok {
			t.Errorf("unexpected signal (%s, %d)", sig.Partition, sig.Seq)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_BasicSubscribeSignal(t *testing.T) {
	hub := NewHub()
	signals, cancel := hub.Subscribe(Filter{})
	defer cancel()

	hub.Signal("schema", 7)

	sig := receive(t, signals)
	if sig.Partition != "schema" || sig.Seq != 7 {
		t.Errorf("expected (schema, 7), got (%s, %d)", sig.Partition, sig.Seq)
	}
}

func TestHub_FilterPartitions(t *testing.T) {
	hub := NewHub()
	signals, cancel := hub.Subscribe(Filter{Partitions: []string{"domain", "config"}})
	defer cancel()

	hub.Signal("domain", 1)
	if sig := receive(t, signals); sig.Partition != "domain" {
		t.Errorf("expected domain, got %s", sig.Partition)
	}
	hub.Signal("config", 2)
	if sig := receive(t, signals); sig.Partition != "config" {
		t.Errorf("expected config, got %s", sig.Partition)
	}

	hub.Signal("schema", 3)
	expectNone(t, signals)
}

func TestHub_CancelClosesChannel(t *testing.T) {
	hub := NewHub()
	signals, cancel := hub.Subscribe(Filter{})
	cancel()
	cancel()

	if _, ok := <-signals; ok {
		t.Error("expected closed channel after cancel")
	}
	hub.Signal("schema", 1)
}

func TestHub_CloseCancelsEverySubscriber(t *testing.T) {
	hub := NewHub()
	a, cancelA := hub.Subscribe(Filter{})
	b, _ := hub.Subscribe(Filter{Partitions: []string{"domain"}})

	hub.Close()
	if _, ok := <-a; ok {
		t.Error("expected a closed")
	}
	if _, ok := <-b; ok {
		t.Error("expected b closed")
	}
	cancelA()
}

func TestHub_MultipleSubscribers(t *testing.T) {
	hub := NewHub()
	const n = 5
	chans := make([]<-chan Signal, n)
	for i := range chans {
		ch, cancel := hub.Subscribe(Filter{})
		defer cancel()
		chans[i] = ch
	}

	hub.Signal("config", 42)
	for i, ch := range chans {
		if sig := receive(t, ch); sig.Seq != 42 {
			t.Errorf("subscriber %d: expected seq 42, got %d", i, sig.Seq)
		}
	}
}

func TestHub_BufferOverflowNonBlocking(t *testing.T) {
	hub := NewHub()
	signals, cancel := hub.Subscribe(Filter{})
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < defaultSignalBufferSize*4; i++ {
			hub.Signal("domain", uint64(i))
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Signal blocked on a full subscriber")
	}
	if got := len(signals); got != defaultSignalBufferSize {
		t.Errorf("expected %d buffered signals, got %d", defaultSignalBufferSize, got)
	}
}

func TestHub_ConcurrentSignalSubscribe(t *testing.T) {
	hub := NewHub()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, cancel := hub.Subscribe(Filter{})
			cancel()
		}()
		go func(i int) {
			defer wg.Done()
			hub.Signal("schema", uint64(i))
		}(i)
	}
	wg.Wait()
}
