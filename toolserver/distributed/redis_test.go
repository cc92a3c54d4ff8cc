package distributed

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestBus(t *testing.T) *RedisPubSub {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	bus, err := NewRedisPubSub(context.Background(), client)
	if err != nil {
		t.Fatalf("failed to create Redis bus: %v", err)
	}
	t.Cleanup(func() { bus.Close() })
	return bus
}

func TestRedisPubSub_ConnectFailure(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	defer client.Close()

	if _, err := NewRedisPubSub(context.Background(), client); err == nil {
		t.Error("expected connection error for unreachable Redis")
	}
}

func TestRedisPubSub_PublishSubscribe(t *testing.T) {
	bus := newTestBus(t)

	received := make(chan []byte, 1)
	if err := bus.Subscribe("hellomcp:session:abc", func(topic string, data []byte) {
		received <- data
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	// PSubscribe settles asynchronously on the wire.
	time.Sleep(100 * time.Millisecond)

	if err := bus.Publish("hellomcp:session:abc", []byte("payload")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case data := <-received:
		if string(data) != "payload" {
			t.Errorf("unexpected payload %q", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message was not delivered")
	}
}

func TestRedisPubSub_WildcardPattern(t *testing.T) {
	bus := newTestBus(t)

	received := make(chan string, 4)
	if err := bus.Subscribe("hellomcp:session.*", func(topic string, _ []byte) {
		received <- topic
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	bus.Publish("hellomcp:session:abc", []byte("a"))
	bus.Publish("other:topic", []byte("b"))

	select {
	case topic := <-received:
		if topic != "hellomcp:session:abc" {
			t.Errorf("unexpected topic %q", topic)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("wildcard subscriber received nothing")
	}

	select {
	case topic := <-received:
		t.Errorf("subscriber must not receive non-matching topic %q", topic)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRedisPubSub_Unsubscribe(t *testing.T) {
	bus := newTestBus(t)

	received := make(chan struct{}, 4)
	if err := bus.Subscribe("hellomcp:session:abc", func(string, []byte) {
		received <- struct{}{}
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if err := bus.Unsubscribe("hellomcp:session:abc"); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	bus.Publish("hellomcp:session:abc", []byte("x"))

	select {
	case <-received:
		t.Error("unsubscribed handler received a message")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRedisPubSub_Close(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	bus, err := NewRedisPubSub(context.Background(), client)
	if err != nil {
		t.Fatalf("failed to create Redis bus: %v", err)
	}

	if err := bus.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Errorf("second Close must be a no-op, got %v", err)
	}

	if err := bus.Publish("hellomcp:session:abc", []byte("x")); err == nil {
		t.Error("expected error publishing on a closed bus")
	}
	if err := bus.Subscribe("hellomcp:session:abc", func(string, []byte) {}); err == nil {
		t.Error("expected error subscribing on a closed bus")
	}
}

func TestToRedisPattern(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"hellomcp:session.*", "hellomcp:session*"},
		{"hellomcp:session:abc", "hellomcp:session:abc"},
		{".*", ".*"},
	}
	for _, tt := range tests {
		if got := toRedisPattern(tt.in); got != tt.want {
			t.Errorf("toRedisPattern(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
