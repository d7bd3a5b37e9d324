package events

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestBasicPublishSubscribe(t *testing.T) {
	subject := NewSubject()
	defer Complete(subject)

	received := make(chan BridgeStartedEvent, 1)

	sub := Subscribe[BridgeStartedEvent](subject, TopicBridgeStarted, func(ctx context.Context, evt BridgeStartedEvent) error {
		received <- evt
		return nil
	})

	evt := BridgeStartedEvent{SessionID: "agent-one", Variant: "a2a-patterns", Topic: "acme/ns/agent-one"}
	if err := Publish(subject, TopicBridgeStarted, evt); err != nil {
		t.Fatalf("Failed to publish event: %v", err)
	}

	select {
	case got := <-received:
		if got.SessionID != "agent-one" || got.Variant != "a2a-patterns" {
			t.Errorf("Expected {agent-one, a2a-patterns}, got %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("Event not received within timeout")
	}

	sub.Unsubscribe()
}

func TestTypeSafety(t *testing.T) {
	subject := NewSubject()
	defer Complete(subject)

	started := make(chan BridgeStartedEvent, 1)
	Subscribe[BridgeStartedEvent](subject, "lifecycle", func(ctx context.Context, evt BridgeStartedEvent) error {
		started <- evt
		return nil
	})

	crashed := make(chan SessionChildCrashedEvent, 1)
	Subscribe[SessionChildCrashedEvent](subject, "lifecycle", func(ctx context.Context, evt SessionChildCrashedEvent) error {
		crashed <- evt
		return nil
	})

	// Both subscriptions share the topic "lifecycle" but are keyed by the
	// concrete event type, so a published BridgeStartedEvent never reaches
	// the SessionChildCrashedEvent subscriber and vice versa.
	if err := Publish(subject, "lifecycle", BridgeStartedEvent{SessionID: "a", Variant: "a2a-slimrpc"}); err != nil {
		t.Errorf("Failed to publish BridgeStartedEvent: %v", err)
	}
	if err := Publish(subject, "lifecycle", SessionChildCrashedEvent{SessionID: "b", Error: "boom"}); err != nil {
		t.Errorf("Failed to publish SessionChildCrashedEvent: %v", err)
	}

	select {
	case evt := <-started:
		if evt.SessionID != "a" {
			t.Errorf("Expected session id a, got %s", evt.SessionID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("BridgeStartedEvent not received")
	}

	select {
	case evt := <-crashed:
		if evt.SessionID != "b" {
			t.Errorf("Expected session id b, got %s", evt.SessionID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("SessionChildCrashedEvent not received")
	}
}

func TestExtraArgsRoutedToHandler(t *testing.T) {
	subject := NewSubject()
	defer Complete(subject)

	type delivery struct {
		event     BridgeStoppedEvent
		requestID string
	}
	received := make(chan delivery, 2)

	// A subscriber can declare extra parameters beyond (ctx, event); Publish
	// forwards its trailing arguments to them positionally. The bridge
	// lifecycle events carry no built-in correlation id, so a caller that
	// wants one (e.g. to tie a stop event back to the shutdown request that
	// triggered it) passes it this way instead.
	Subscribe[BridgeStoppedEvent](subject, "stopped", func(ctx context.Context, evt BridgeStoppedEvent, requestID string) error {
		received <- delivery{evt, requestID}
		return nil
	})

	if err := Publish(subject, "stopped", BridgeStoppedEvent{SessionID: "agent-one"}, "req-1"); err != nil {
		t.Errorf("Failed to publish: %v", err)
	}
	if err := Publish(subject, "stopped", BridgeStoppedEvent{SessionID: "agent-two"}, "req-2"); err != nil {
		t.Errorf("Failed to publish: %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case d := <-received:
			if d.event.SessionID == "agent-one" && d.requestID != "req-1" {
				t.Errorf("agent-one delivered with wrong request id %q", d.requestID)
			}
			if d.event.SessionID == "agent-two" && d.requestID != "req-2" {
				t.Errorf("agent-two delivered with wrong request id %q", d.requestID)
			}
		case <-time.After(time.Second):
			t.Fatal("delivery not received within timeout")
		}
	}
}

func TestReplayFunctionality(t *testing.T) {
	subject := NewSubject(WithReplay(3))
	defer Complete(subject)

	for i := 1; i <= 4; i++ {
		Publish(subject, "replay.bridge.started", BridgeStartedEvent{SessionID: fmt.Sprintf("agent-%d", i)})
	}

	time.Sleep(10 * time.Millisecond)

	received := make(chan BridgeStartedEvent, 5)
	Subscribe[BridgeStartedEvent](subject, "replay.bridge.started", func(ctx context.Context, evt BridgeStartedEvent) error {
		received <- evt
		return nil
	}, true)

	replayed := make([]BridgeStartedEvent, 0, 3)
	for i := 0; i < 3; i++ {
		select {
		case evt := <-received:
			replayed = append(replayed, evt)
		case <-time.After(500 * time.Millisecond):
			t.Fatal("Replay event not received")
		}
	}

	expected := []string{"agent-2", "agent-3", "agent-4"}
	for i, evt := range replayed {
		if evt.SessionID != expected[i] {
			t.Errorf("Expected replay event %s, got %s", expected[i], evt.SessionID)
		}
	}

	Publish(subject, "replay.bridge.started", BridgeStartedEvent{SessionID: "agent-5"})
	select {
	case evt := <-received:
		if evt.SessionID != "agent-5" {
			t.Errorf("Expected new event agent-5, got %s", evt.SessionID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("New event not received")
	}
}

func TestMultipleSubscribers(t *testing.T) {
	subject := NewSubject()
	defer Complete(subject)

	const numSubscribers = 5
	received := make([]chan SessionShutdownEvent, numSubscribers)

	for i := 0; i < numSubscribers; i++ {
		received[i] = make(chan SessionShutdownEvent, 1)
		idx := i
		Subscribe[SessionShutdownEvent](subject, TopicSessionShutdown, func(ctx context.Context, evt SessionShutdownEvent) error {
			received[idx] <- evt
			return nil
		})
	}

	evt := SessionShutdownEvent{ChildCount: 3}
	Publish(subject, TopicSessionShutdown, evt)

	for i := 0; i < numSubscribers; i++ {
		select {
		case got := <-received[i]:
			if got.ChildCount != 3 {
				t.Errorf("Subscriber %d received incorrect event: %+v", i, got)
			}
		case <-time.After(time.Second):
			t.Errorf("Subscriber %d did not receive event", i)
		}
	}
}

func TestUnsubscribe(t *testing.T) {
	subject := NewSubject()
	defer Complete(subject)

	received := make(chan SessionChildCrashedEvent, 2)

	sub := Subscribe[SessionChildCrashedEvent](subject, TopicSessionChildCrashed, func(ctx context.Context, evt SessionChildCrashedEvent) error {
		received <- evt
		return nil
	})

	Publish(subject, TopicSessionChildCrashed, SessionChildCrashedEvent{SessionID: "first"})
	select {
	case evt := <-received:
		if evt.SessionID != "first" {
			t.Errorf("Expected 'first', got '%s'", evt.SessionID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("First event not received")
	}

	sub.Unsubscribe()

	Publish(subject, TopicSessionChildCrashed, SessionChildCrashedEvent{SessionID: "second"})
	select {
	case evt := <-received:
		t.Errorf("Received event after unsubscribe: %+v", evt)
	case <-time.After(200 * time.Millisecond):
		// Expected - no event should be received.
	}
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	subject := NewSubject(WithBufferSize(1000))
	defer Complete(subject)

	const numGoroutines = 10
	const eventsPerGoroutine = 100

	received := make(chan BridgeStartedEvent, numGoroutines*eventsPerGoroutine)
	var wg sync.WaitGroup

	Subscribe[BridgeStartedEvent](subject, "concurrent.bridge.started", func(ctx context.Context, evt BridgeStartedEvent) error {
		received <- evt
		return nil
	})

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(goroutineID int) {
			defer wg.Done()
			for j := 0; j < eventsPerGoroutine; j++ {
				evt := BridgeStartedEvent{SessionID: fmt.Sprintf("g%d-e%d", goroutineID, j)}
				Publish(subject, "concurrent.bridge.started", evt)
			}
		}(i)
	}
	wg.Wait()

	receivedCount := 0
	timeout := time.After(2 * time.Second)
	for receivedCount < numGoroutines*eventsPerGoroutine {
		select {
		case <-received:
			receivedCount++
		case <-timeout:
			t.Fatalf("Only received %d out of %d events", receivedCount, numGoroutines*eventsPerGoroutine)
		}
	}
}

func TestTopicConstants(t *testing.T) {
	expected := map[string]string{
		"TopicBridgeStarted":       "bridge.started",
		"TopicBridgeStopped":       "bridge.stopped",
		"TopicBridgeErrored":       "bridge.errored",
		"TopicSessionChildCrashed": "session.child.crashed",
		"TopicSessionShutdown":     "session.shutdown",
		"TopicGroupChatEnded":      "groupchat.ended",
		"TopicNegotiationFailed":   "negotiation.failed",
	}
	actual := map[string]string{
		"TopicBridgeStarted":       TopicBridgeStarted,
		"TopicBridgeStopped":       TopicBridgeStopped,
		"TopicBridgeErrored":       TopicBridgeErrored,
		"TopicSessionChildCrashed": TopicSessionChildCrashed,
		"TopicSessionShutdown":     TopicSessionShutdown,
		"TopicGroupChatEnded":      TopicGroupChatEnded,
		"TopicNegotiationFailed":   TopicNegotiationFailed,
	}
	for name, want := range expected {
		if got := actual[name]; got != want {
			t.Errorf("Topic %s: expected %q, got %q", name, want, got)
		}
	}
}

func TestInvalidHandler(t *testing.T) {
	subject := NewSubject()
	defer Complete(subject)

	defer func() {
		if r := recover(); r == nil {
			t.Error("Expected panic for non-function handler")
		}
	}()

	Subscribe[BridgeStartedEvent](subject, "invalid.test", "not a function")
}

func TestPublishAfterComplete(t *testing.T) {
	subject := NewSubject(WithBufferSize(0))
	Complete(subject)

	time.Sleep(10 * time.Millisecond)

	err := Publish(subject, "timeout.test", NegotiationFailedEvent{CardTransports: []string{"slimrpc"}})
	if err == nil {
		t.Error("Expected error publishing on a completed subject, got nil")
	}
	if !strings.Contains(err.Error(), "failed to emit event") {
		t.Errorf("Expected failed-to-emit error message, got: %v", err)
	}
}

func TestLoggerIntegration(t *testing.T) {
	var logOutput strings.Builder
	logger := slog.New(slog.NewTextHandler(&logOutput, &slog.HandlerOptions{Level: slog.LevelDebug}))

	subject := NewSubject(WithLogger(logger), WithBufferSize(10))
	defer Complete(subject)

	Subscribe[GroupChatEndedEvent](subject, TopicGroupChatEnded, func(ctx context.Context, evt GroupChatEndedEvent) error {
		return fmt.Errorf("relay failed for channel %s", evt.Channel)
	})

	err := Publish(subject, TopicGroupChatEnded, GroupChatEndedEvent{Channel: "acme/ns/room"})
	if err != nil {
		t.Fatalf("Failed to publish event: %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	logStr := logOutput.String()
	if !strings.Contains(logStr, "event handler error") {
		t.Errorf("Expected error to be logged, got: %s", logStr)
	}
	if !strings.Contains(logStr, "relay failed for channel acme/ns/room") {
		t.Errorf("Expected specific error message in log, got: %s", logStr)
	}
	if !strings.Contains(logStr, "topic="+TopicGroupChatEnded) {
		t.Errorf("Expected topic to be logged, got: %s", logStr)
	}
}

// TestAsyncSyncDelivery verifies replay events are delivered synchronously
// (and in order) to a newly-subscribed handler, while live events are
// dispatched asynchronously.
func TestAsyncSyncDelivery(t *testing.T) {
	subject := NewSubject(WithReplay(10), WithBufferSize(100))
	defer Complete(subject)

	deliveryOrder := make([]int, 0, 10)
	var mu sync.Mutex

	handler := func(ctx context.Context, evt SessionShutdownEvent) error {
		mu.Lock()
		deliveryOrder = append(deliveryOrder, evt.ChildCount)
		mu.Unlock()
		time.Sleep(time.Millisecond)
		return nil
	}

	for i := 1; i <= 5; i++ {
		if err := Publish(subject, "shutdown.sequence", SessionShutdownEvent{ChildCount: i}); err != nil {
			t.Fatalf("Failed to publish event %d: %v", i, err)
		}
	}

	time.Sleep(10 * time.Millisecond)

	sub := Subscribe[SessionShutdownEvent](subject, "shutdown.sequence", handler, true)
	defer sub.Unsubscribe()

	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	replayOrder := append([]int(nil), deliveryOrder...)
	deliveryOrder = deliveryOrder[:0]
	mu.Unlock()

	expectedReplayOrder := []int{1, 2, 3, 4, 5}
	for i, got := range replayOrder {
		if i >= len(expectedReplayOrder) || got != expectedReplayOrder[i] {
			t.Errorf("Replay events not delivered in order. Expected %v, got %v", expectedReplayOrder, replayOrder)
			break
		}
	}

	var wg sync.WaitGroup
	for i := 6; i <= 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if err := Publish(subject, "shutdown.sequence", SessionShutdownEvent{ChildCount: n}); err != nil {
				t.Errorf("Failed to publish live event %d: %v", n, err)
			}
		}(i)
	}
	wg.Wait()

	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	liveEventsReceived := len(deliveryOrder)
	mu.Unlock()

	if liveEventsReceived != 5 {
		t.Errorf("Expected 5 live events, got %d", liveEventsReceived)
	}
}
