package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timeout waiting for condition")
}

func TestChannelBus(t *testing.T) {
	bus := NewChannelBus(100)
	defer bus.Close()

	ctx := context.Background()
	tenantID := "tenant-001"

	t.Run("PublishAndSubscribe", func(t *testing.T) {
		var mu sync.Mutex
		var received *domain.Message

		_, err := bus.Subscribe(ctx, tenantID, "test.topic", func(_ context.Context, msg *domain.Message) error {
			mu.Lock()
			received = msg
			mu.Unlock()
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}

		if err := bus.Publish(ctx, tenantID, "test.topic", []byte("hello")); err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		waitFor(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return received != nil
		})

		if string(received.Payload) != "hello" {
			t.Errorf("expected payload 'hello', got '%s'", string(received.Payload))
		}
		if received.TenantID != tenantID {
			t.Errorf("expected tenantID '%s', got '%s'", tenantID, received.TenantID)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		var received1, received2 atomic.Int32

		bus.Subscribe(ctx, "tenant-001", "isolation.topic", func(context.Context, *domain.Message) error {
			received1.Add(1)
			return nil
		})
		bus.Subscribe(ctx, "tenant-002", "isolation.topic", func(context.Context, *domain.Message) error {
			received2.Add(1)
			return nil
		})

		_ = bus.Publish(ctx, "tenant-001", "isolation.topic", []byte("msg"))

		waitFor(t, func() bool { return received1.Load() == 1 })
		time.Sleep(20 * time.Millisecond)
		if received2.Load() != 0 {
			t.Errorf("tenant2 should not receive tenant1 messages, got %d", received2.Load())
		}
	})

	t.Run("AllTenants", func(t *testing.T) {
		var mu sync.Mutex
		tenants := map[string]bool{}

		bus.Subscribe(ctx, domain.AllTenants, "wildcard.topic", func(_ context.Context, msg *domain.Message) error {
			mu.Lock()
			tenants[msg.TenantID] = true
			mu.Unlock()
			return nil
		})

		_ = bus.Publish(ctx, "tenant-a", "wildcard.topic", nil)
		_ = bus.Publish(ctx, "tenant-b", "wildcard.topic", nil)

		waitFor(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return tenants["tenant-a"] && tenants["tenant-b"]
		})
	})

	t.Run("RequiresTenantID", func(t *testing.T) {
		if err := bus.Publish(ctx, "", "topic", []byte("x")); err == nil {
			t.Error("expected error for empty tenantID on publish")
		}
		if err := bus.Publish(ctx, domain.AllTenants, "topic", []byte("x")); err == nil {
			t.Error("expected error when publishing to the wildcard tenant")
		}
		if _, err := bus.Subscribe(ctx, "", "topic", nil); err == nil {
			t.Error("expected error for empty tenantID on subscribe")
		}
	})

	t.Run("Unsubscribe", func(t *testing.T) {
		var count atomic.Int32

		sub, _ := bus.Subscribe(ctx, tenantID, "unsub.topic", func(context.Context, *domain.Message) error {
			count.Add(1)
			return nil
		})

		_ = bus.Publish(ctx, tenantID, "unsub.topic", []byte("1"))
		waitFor(t, func() bool { return count.Load() == 1 })

		if err := sub.Unsubscribe(); err != nil {
			t.Fatalf("unsubscribe failed: %v", err)
		}

		_ = bus.Publish(ctx, tenantID, "unsub.topic", []byte("2"))
		time.Sleep(20 * time.Millisecond)
		if count.Load() != 1 {
			t.Errorf("expected 1 message after unsubscribe, got %d", count.Load())
		}
	})

	t.Run("MultipleSubscribers", func(t *testing.T) {
		var count atomic.Int32
		for i := 0; i < 3; i++ {
			bus.Subscribe(ctx, tenantID, "multi.topic", func(context.Context, *domain.Message) error {
				count.Add(1)
				return nil
			})
		}

		_ = bus.Publish(ctx, tenantID, "multi.topic", []byte("broadcast"))
		waitFor(t, func() bool { return count.Load() == 3 })
	})

	t.Run("Ping", func(t *testing.T) {
		if err := bus.Ping(ctx); err != nil {
			t.Errorf("ping failed: %v", err)
		}
	})

	t.Run("SubscriptionTopic", func(t *testing.T) {
		sub, _ := bus.Subscribe(ctx, tenantID, "my.topic", func(context.Context, *domain.Message) error { return nil })
		defer sub.Unsubscribe()

		if sub.Topic() != "my.topic" {
			t.Errorf("expected topic 'my.topic', got '%s'", sub.Topic())
		}
	})
}

func TestChannelBusFull(t *testing.T) {
	bus := NewChannelBus(1)
	defer bus.Close()
	ctx := context.Background()

	release := make(chan struct{})
	bus.Subscribe(ctx, "t", "slow", func(context.Context, *domain.Message) error {
		<-release
		return nil
	})
	defer close(release)

	// first message is taken by the handler, second fills the buffer
	var err error
	for i := 0; i < 5 && err == nil; i++ {
		err = bus.Publish(ctx, "t", "slow", nil)
	}
	if !errors.Is(err, ErrFull) {
		t.Errorf("expected ErrFull, got %v", err)
	}
}

func TestChannelBusClose(t *testing.T) {
	bus := NewChannelBus(10)
	ctx := context.Background()

	bus.Subscribe(ctx, "tenant", "topic", func(context.Context, *domain.Message) error { return nil })

	if err := bus.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Errorf("second close should be a no-op, got %v", err)
	}

	if err := bus.Publish(ctx, "tenant", "topic", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed on publish, got %v", err)
	}
	if _, err := bus.Subscribe(ctx, "tenant", "topic", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed on subscribe, got %v", err)
	}
	if err := bus.Ping(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed on ping, got %v", err)
	}
}

func TestNewBus(t *testing.T) {
	t.Run("ChannelType", func(t *testing.T) {
		b, err := New(domain.EventBusConfig{Type: "channel", ChannelBufferSize: 50})
		if err != nil {
			t.Fatalf("failed to create bus: %v", err)
		}
		defer b.Close()

		if _, ok := b.(*ChannelBus); !ok {
			t.Error("expected ChannelBus")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		if _, err := New(domain.EventBusConfig{Type: "kafka"}); err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}

func TestMakeSubject(t *testing.T) {
	if got := makeSubject("acme", domain.TopicClusterAlert); got != "kestrel.acme.kestrel.cluster.alert" {
		t.Errorf("unexpected subject %s", got)
	}
	if got := makeSubject(domain.AllTenants, "x"); got != "kestrel.*.x" {
		t.Errorf("expected wildcard subject, got %s", got)
	}
}
