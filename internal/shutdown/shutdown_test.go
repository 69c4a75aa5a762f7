package shutdown

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type closer struct {
	name   string
	err    error
	closed atomic.Bool
	order  *[]string
	mu     *sync.Mutex
}

func (c *closer) Close() error {
	c.closed.Store(true)
	if c.order != nil {
		c.mu.Lock()
		*c.order = append(*c.order, c.name)
		c.mu.Unlock()
	}
	return c.err
}

func TestShutdownClosesComponents(t *testing.T) {
	c := New(time.Second, zerolog.Nop())
	a, b := &closer{name: "a"}, &closer{name: "b"}
	c.Register("a", a, PriorityPipelines)
	c.Register("b", b, PriorityAPI)

	if err := c.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if !a.closed.Load() || !b.closed.Load() {
		t.Error("expected every component to be closed")
	}
}

func TestShutdownPriority(t *testing.T) {
	c := New(time.Second, zerolog.Nop())
	var (
		mu    sync.Mutex
		order []string
	)
	record := func(name string) Func {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}
	c.Register("metrics", &closer{name: "metrics", order: &order, mu: &mu}, PriorityMetrics)
	c.RegisterFunc("api", record("api"), PriorityAPI)
	c.RegisterFunc("acquisition", record("acquisition"), PriorityPipelines)
	c.RegisterFunc("control", record("control"), PriorityPipelines)
	c.RegisterFunc("mqtt", record("mqtt"), PriorityMQTT)

	if err := c.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	want := []string{"acquisition", "control", "mqtt", "api", "metrics"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestShutdownOnce(t *testing.T) {
	c := New(time.Second, zerolog.Nop())
	var calls atomic.Int32
	c.RegisterFunc("count", func(context.Context) error {
		calls.Add(1)
		return nil
	}, 0)

	for range 3 {
		_ = c.Shutdown()
	}
	if calls.Load() != 1 {
		t.Errorf("step ran %d times, want 1", calls.Load())
	}
}

func TestShutdownContinuesAfterError(t *testing.T) {
	c := New(time.Second, zerolog.Nop())
	boom := errors.New("boom")
	failing := &closer{name: "failing", err: boom}
	after := &closer{name: "after"}
	c.Register("failing", failing, 1)
	c.Register("after", after, 2)

	err := c.Shutdown()
	if !errors.Is(err, boom) {
		t.Errorf("Shutdown() error = %v, want %v", err, boom)
	}
	if !after.closed.Load() {
		t.Error("expected later component to be closed")
	}
	if !errors.Is(c.Shutdown(), boom) {
		t.Error("repeated Shutdown should return the first result")
	}
}

func TestShutdownTimeout(t *testing.T) {
	c := New(10*time.Millisecond, zerolog.Nop())
	c.RegisterFunc("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	}, 1)
	skipped := &closer{name: "skipped"}
	c.Register("skipped", skipped, 2)

	err := c.Shutdown()
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Shutdown() error = %v, want deadline exceeded", err)
	}
	if skipped.closed.Load() {
		t.Error("expected step after timeout to be skipped")
	}
}

func TestTriggerConcurrent(t *testing.T) {
	c := New(time.Second, zerolog.Nop())
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Trigger()
		}()
	}
	wg.Wait()

	select {
	case <-c.Triggered():
	default:
		t.Fatal("expected Triggered to be closed")
	}
	if err := c.Shutdown(); err != nil {
		t.Errorf("Shutdown() after Trigger error = %v", err)
	}
}

func TestWaitReturnsOnTrigger(t *testing.T) {
	c := New(time.Second, zerolog.Nop())
	done := make(chan struct{})
	go func() {
		c.Wait(context.Background())
		close(done)
	}()
	c.Trigger()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Trigger")
	}
}

func TestWaitReturnsOnContext(t *testing.T) {
	c := New(time.Second, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.Wait(ctx)
}
