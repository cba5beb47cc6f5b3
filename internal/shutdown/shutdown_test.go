package shutdown

import (
	"context"
	"errors"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// mockShutdownable is a test implementation of Shutdownable
type mockShutdownable struct {
	name       string
	order      *[]string
	closeErr   error
	closeDelay time.Duration
	closed     bool
}

func (m *mockShutdownable) Close() error {
	if m.closeDelay > 0 {
		time.Sleep(m.closeDelay)
	}
	m.closed = true
	if m.order != nil {
		*m.order = append(*m.order, m.name)
	}
	return m.closeErr
}

func newTestCoordinator() *Coordinator {
	return New(5*time.Second, zerolog.Nop())
}

func TestShutdownPriority(t *testing.T) {
	c := newTestCoordinator()
	var order []string

	c.Register("storage", &mockShutdownable{name: "storage", order: &order}, PriorityStorage)
	c.Register("input", &mockShutdownable{name: "input", order: &order}, PriorityInput)
	c.RegisterHook("report", func(ctx context.Context) error {
		order = append(order, "report")
		return nil
	}, PriorityStorage)
	c.RegisterHook("upload", func(ctx context.Context) error {
		order = append(order, "upload")
		return nil
	}, PriorityUpload)

	if err := c.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	want := []string{"upload", "report", "input", "storage"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order = %v, want %v", order, want)
			break
		}
	}
}

func TestShutdownOnce(t *testing.T) {
	c := newTestCoordinator()
	calls := 0
	c.RegisterHook("count", func(ctx context.Context) error {
		calls++
		return nil
	}, PriorityUpload)

	c.Shutdown()
	c.Shutdown()

	if calls != 1 {
		t.Errorf("hook called %d times, want 1", calls)
	}
}

func TestShutdownWithError(t *testing.T) {
	c := newTestCoordinator()
	failing := &mockShutdownable{closeErr: errors.New("close failed")}
	next := &mockShutdownable{}
	c.Register("failing", failing, PriorityInput)
	c.Register("next", next, PriorityStorage)

	err := c.Shutdown()
	if err == nil || err.Error() != "close failed" {
		t.Errorf("Shutdown() error = %v, want close failed", err)
	}
	if !next.closed {
		t.Error("components after a failure should still be closed")
	}
}

func TestShutdownTimeout(t *testing.T) {
	c := New(20*time.Millisecond, zerolog.Nop())
	slow := &mockShutdownable{closeDelay: 50 * time.Millisecond}
	second := &mockShutdownable{}
	c.Register("slow", slow, PriorityInput)
	c.Register("second", second, PriorityStorage)

	err := c.Shutdown()
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Shutdown() error = %v, want deadline exceeded", err)
	}
	if second.closed {
		t.Error("components after the timeout should be skipped")
	}
}

func TestWatch_TriggerCancels(t *testing.T) {
	c := newTestCoordinator()
	ctx, stop := c.Watch(context.Background())
	defer stop()

	c.TriggerShutdown()

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled after TriggerShutdown")
	}
	if c.Signal() != nil {
		t.Errorf("Signal() = %v, want nil for a programmatic shutdown", c.Signal())
	}
}

func TestWatch_SignalCancels(t *testing.T) {
	c := newTestCoordinator()
	ctx, stop := c.Watch(context.Background())
	defer stop()

	if err := syscall.Kill(syscall.Getpid(), syscall.SIGINT); err != nil {
		t.Fatalf("kill: %v", err)
	}

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context not cancelled after SIGINT")
	}
	if c.Signal() != syscall.SIGINT {
		t.Errorf("Signal() = %v, want interrupt", c.Signal())
	}
}

func TestWatch_StopReleases(t *testing.T) {
	c := newTestCoordinator()
	ctx, stop := c.Watch(context.Background())
	stop()
	stop()

	if ctx.Err() == nil {
		t.Error("stop should cancel the context")
	}
	// Triggering after stop must not block or panic.
	c.TriggerShutdown()
}

func TestTriggerShutdownConcurrent(t *testing.T) {
	c := newTestCoordinator()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.TriggerShutdown()
		}()
	}
	wg.Wait()

	if err := c.Shutdown(); err != nil {
		t.Errorf("Shutdown() after TriggerShutdown error = %v", err)
	}
}
