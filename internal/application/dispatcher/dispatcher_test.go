package dispatcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/garyjia/erp-autoentry/internal/domain/event"
)

func newEvent(t event.Type) *event.Event {
	return event.NewEvent(t, "run-1", "OC-100", nil)
}

func TestSubscribe(t *testing.T) {
	t.Run("type handlers run before catch-all handlers", func(t *testing.T) {
		d := NewDispatcher(WithLogger(zap.NewNop()))
		var order []string

		d.SubscribeAll("history", func(ctx context.Context, evt *event.Event) error {
			order = append(order, "history")
			return nil
		})
		d.Subscribe(event.TypeRunFailed, "alert", func(ctx context.Context, evt *event.Event) error {
			order = append(order, "alert")
			return nil
		})
		d.Subscribe(event.TypeRunFailed, "report", func(ctx context.Context, evt *event.Event) error {
			order = append(order, "report")
			return nil
		})

		if err := d.Dispatch(context.Background(), newEvent(event.TypeRunFailed)); err != nil {
			t.Fatalf("Dispatch() error = %v", err)
		}

		want := []string{"alert", "report", "history"}
		if len(order) != len(want) {
			t.Fatalf("handlers run = %v, want %v", order, want)
		}
		for i := range want {
			if order[i] != want[i] {
				t.Errorf("order[%d] = %s, want %s", i, order[i], want[i])
			}
		}
	})

	t.Run("catch-all receives every type", func(t *testing.T) {
		d := NewDispatcher()
		var count int
		d.SubscribeAll("metrics", func(ctx context.Context, evt *event.Event) error {
			count++
			return nil
		})

		for _, tp := range []event.Type{event.TypeRunStarted, event.TypeStateChanged, event.TypeRunCompleted} {
			_ = d.Dispatch(context.Background(), newEvent(tp))
		}
		if count != 3 {
			t.Errorf("catch-all called %d times, want 3", count)
		}
	})
}

func TestUnsubscribe(t *testing.T) {
	d := NewDispatcher()
	noop := func(ctx context.Context, evt *event.Event) error { return nil }

	d.Subscribe(event.TypeRunStarted, "a", noop)
	d.Subscribe(event.TypeRunStarted, "b", noop)
	d.SubscribeAll("c", noop)

	d.Unsubscribe(event.TypeRunStarted, "a")
	d.Unsubscribe("", "c")

	handlers := d.ListHandlers(event.TypeRunStarted)
	if len(handlers) != 1 || handlers[0].Name != "b" {
		t.Errorf("ListHandlers() = %+v, want only b", handlers)
	}
}

func TestDispatch(t *testing.T) {
	t.Run("runs every handler and joins errors", func(t *testing.T) {
		d := NewDispatcher()
		errA := errors.New("a failed")
		var ran atomic.Int32

		d.Subscribe(event.TypeRunCompleted, "a", func(ctx context.Context, evt *event.Event) error {
			ran.Add(1)
			return errA
		})
		d.Subscribe(event.TypeRunCompleted, "b", func(ctx context.Context, evt *event.Event) error {
			ran.Add(1)
			return nil
		})

		err := d.Dispatch(context.Background(), newEvent(event.TypeRunCompleted))
		if !errors.Is(err, errA) {
			t.Errorf("Dispatch() error = %v, want wrapping %v", err, errA)
		}
		if ran.Load() != 2 {
			t.Errorf("handlers run = %d, want 2", ran.Load())
		}
	})

	t.Run("recovers from handler panic", func(t *testing.T) {
		d := NewDispatcher()
		var after bool
		d.Subscribe(event.TypeStateChanged, "panics", func(ctx context.Context, evt *event.Event) error {
			panic("boom")
		})
		d.SubscribeAll("after", func(ctx context.Context, evt *event.Event) error {
			after = true
			return nil
		})

		err := d.Dispatch(context.Background(), newEvent(event.TypeStateChanged))
		if err == nil {
			t.Error("Dispatch() should report the panic as an error")
		}
		if !after {
			t.Error("handlers after a panicking one should still run")
		}
	})

	t.Run("no handlers is not an error", func(t *testing.T) {
		d := NewDispatcher()
		if err := d.Dispatch(context.Background(), newEvent(event.TypeRunAbandoned)); err != nil {
			t.Errorf("Dispatch() error = %v", err)
		}
	})

	t.Run("returns ErrClosed after close", func(t *testing.T) {
		d := NewDispatcher()
		_ = d.Close()
		if err := d.Dispatch(context.Background(), newEvent(event.TypeRunStarted)); !errors.Is(err, ErrClosed) {
			t.Errorf("Dispatch() error = %v, want %v", err, ErrClosed)
		}
	})
}

func TestDispatchAsync(t *testing.T) {
	t.Run("close waits for async handlers", func(t *testing.T) {
		d := NewDispatcher()
		var done atomic.Bool
		d.Subscribe(event.TypeRunCompleted, "slow", func(ctx context.Context, evt *event.Event) error {
			time.Sleep(20 * time.Millisecond)
			done.Store(true)
			return nil
		})

		d.DispatchAsync(context.Background(), newEvent(event.TypeRunCompleted))
		if err := d.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
		if !done.Load() {
			t.Error("Close() returned before async handler finished")
		}
	})

	t.Run("async panic does not escape", func(t *testing.T) {
		d := NewDispatcher()
		d.SubscribeAll("panics", func(ctx context.Context, evt *event.Event) error {
			panic("async boom")
		})
		d.DispatchAsync(context.Background(), newEvent(event.TypeRunStarted))
		_ = d.Close()
	})

	t.Run("ignored after close", func(t *testing.T) {
		d := NewDispatcher()
		var called atomic.Bool
		d.SubscribeAll("h", func(ctx context.Context, evt *event.Event) error {
			called.Store(true)
			return nil
		})
		_ = d.Close()
		d.DispatchAsync(context.Background(), newEvent(event.TypeRunStarted))
		time.Sleep(10 * time.Millisecond)
		if called.Load() {
			t.Error("handler called after Close()")
		}
	})
}

func TestClose_Twice(t *testing.T) {
	d := NewDispatcher()
	if err := d.Close(); err != nil {
		t.Fatalf("first Close() error = %v", err)
	}
	if err := d.Close(); err == nil {
		t.Error("second Close() should fail")
	}
}

func TestConcurrentDispatch(t *testing.T) {
	d := NewDispatcher()
	var count atomic.Int64
	d.SubscribeAll("counter", func(ctx context.Context, evt *event.Event) error {
		count.Add(1)
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = d.Dispatch(context.Background(), newEvent(event.TypeStateChanged))
		}()
	}
	wg.Wait()

	if count.Load() != 50 {
		t.Errorf("handler called %d times, want 50", count.Load())
	}
}
