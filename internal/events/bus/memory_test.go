package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tymbal/tymbal/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

func TestMemoryEventBus_PublishSubscribe(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	ctx := context.Background()
	received := make(chan *Event, 1)

	sub, err := bus.Subscribe(SubjectAgentOnline, func(ctx context.Context, event *Event) error {
		received <- event
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	event := NewEvent("agent_state", "lifecycle", map[string]interface{}{"agentId": "sp:ch:fox"})
	if err := bus.Publish(ctx, SubjectAgentOnline, event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case e := <-received:
		if e.ID != event.ID {
			t.Errorf("Expected event ID %s, got %s", event.ID, e.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for event")
	}
}

func TestMemoryEventBus_WildcardSubscription(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	ctx := context.Background()
	var count int32

	sub, err := bus.Subscribe("agent.*", func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	for _, subject := range []string{SubjectAgentActivating, SubjectAgentOnline, SubjectRuntimeConnected} {
		if err := bus.Publish(ctx, subject, NewEvent("e", "test", nil)); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	deadline := time.After(time.Second)
	for atomic.LoadInt32(&count) < 2 {
		select {
		case <-deadline:
			t.Fatalf("Expected 2 events, got %d", atomic.LoadInt32(&count))
		case <-time.After(10 * time.Millisecond):
		}
	}

	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&count); got != 2 {
		t.Errorf("Expected runtime.* subjects to be excluded, got %d deliveries", got)
	}
}

func TestMemoryEventBus_Unsubscribe(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	var count int32
	sub, err := bus.Subscribe(SubjectAgentOffline, func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if !sub.IsValid() {
		t.Fatal("Expected subscription to be valid")
	}

	_ = sub.Unsubscribe()
	if sub.IsValid() {
		t.Fatal("Expected subscription to be invalid after unsubscribe")
	}

	_ = bus.Publish(context.Background(), SubjectAgentOffline, NewEvent("e", "test", nil))
	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&count) != 0 {
		t.Error("Unsubscribed handler should not receive events")
	}
}

func TestMemoryEventBus_Close(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	if !bus.IsConnected() {
		t.Fatal("Expected bus to be connected")
	}
	bus.Close()
	if bus.IsConnected() {
		t.Fatal("Expected bus to be disconnected after close")
	}
	if err := bus.Publish(context.Background(), "x", NewEvent("e", "test", nil)); err == nil {
		t.Error("Expected publish on closed bus to fail")
	}
}
