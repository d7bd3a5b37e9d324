package patterns

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/agntcy/appsdk-go/codec"
	"github.com/agntcy/appsdk-go/events"
	"github.com/agntcy/appsdk-go/transport"
	"github.com/agntcy/appsdk-go/transport/slim"
)

func connect(t *testing.T, endpoint, identity string) *slim.Transport {
	t.Helper()
	tr := slim.New()
	if err := tr.Connect(context.Background(), endpoint, transport.Credentials{Identity: identity, SharedSecret: "a-shared-secret-of-sufficient-length"}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestUnaryDispatch(t *testing.T) {
	ctx := context.Background()
	endpoint := "slim://test/patterns-unary"

	server := connect(t, endpoint, "acme/ns/server")
	handler := func(_ context.Context, req *codec.JSONRPCRequest) (any, error) {
		return map[string]string{"echo": req.Method}, nil
	}
	bridge := New(server, "acme/ns/server", handler)
	if err := bridge.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer bridge.Stop()

	client := connect(t, endpoint, "acme/ns/client")
	req, _ := codec.NewRequest("1", "message/send", map[string]any{})
	body, _ := codec.EncodeRequest(req)
	wire, err := codec.WrapPatterns("acme/ns/client", "acme/ns/server", "", body)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}

	respBytes, err := client.RequestReply(ctx, "acme/ns/server", wire, 2*time.Second)
	if err != nil {
		t.Fatalf("request_reply: %v", err)
	}
	resp, err := codec.DecodeResponse("acme/ns/client", respBytes)
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	var out map[string]string
	if err := json.Unmarshal(resp.Result, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["echo"] != "message/send" {
		t.Errorf("got %v", out)
	}
}

func TestGroupChatRelayEndsOnEndMessage(t *testing.T) {
	ctx := context.Background()
	endpoint := "slim://test/patterns-groupchat"

	moderator := connect(t, endpoint, "acme/ns/moderator")
	participant := connect(t, endpoint, "acme/ns/bob")

	bus := events.NewSubject()
	defer events.Complete(bus)
	ended := make(chan events.GroupChatEndedEvent, 1)
	events.Subscribe[events.GroupChatEndedEvent](bus, events.TopicGroupChatEnded,
		func(ctx context.Context, evt events.GroupChatEndedEvent) error {
			ended <- evt
			return nil
		})

	bridge := New(moderator, "acme/ns/moderator", func(context.Context, *codec.JSONRPCRequest) (any, error) {
		t.Fatal("unary handler should not be invoked for groupchat/init")
		return nil, nil
	}, WithEventBus(bus))
	if err := bridge.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer bridge.Stop()

	// bob joins the channel the moderator will create and keeps emitting
	// the end token until the test ends: the moderator only relays and
	// never speaks first, and an emission made before the moderator has
	// joined reaches no one.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		sess, err := participant.StartGroupChat(ctx, "acme/ns/roundtable", nil)
		if err != nil {
			return
		}
		defer sess.Close()
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				sess.Publish(ctx, []byte("DELIVERED"))
			}
		}
	}()

	time.Sleep(50 * time.Millisecond)

	params := GroupChatInitParams{Channel: "acme/ns/roundtable", Participants: []string{"acme/ns/bob"}, EndMessage: "DELIVERED", TimeoutMS: 1000, MaxExchanges: 5}
	req, _ := codec.NewRequest("gc-1", groupChatMethod, params)
	body, _ := codec.EncodeRequest(req)
	wire, err := codec.WrapPatterns("acme/ns/client", "acme/ns/moderator", "", body)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}

	client := connect(t, endpoint, "acme/ns/client")
	respBytes, err := client.RequestReply(ctx, "acme/ns/moderator", wire, 2*time.Second)
	if err != nil {
		t.Fatalf("request_reply: %v", err)
	}
	resp, err := codec.DecodeResponse("acme/ns/client", respBytes)
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	var result GroupChatResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if len(result.Transcript) == 0 || result.Transcript[len(result.Transcript)-1].Text != "DELIVERED" {
		t.Errorf("expected transcript to end with DELIVERED, got %+v", result.Transcript)
	}
	if result.TimedOut {
		t.Errorf("expected a clean termination, not a timeout")
	}

	select {
	case evt := <-ended:
		if evt.Channel != "acme/ns/roundtable" {
			t.Errorf("expected channel acme/ns/roundtable, got %s", evt.Channel)
		}
		if evt.TimedOut {
			t.Errorf("expected GroupChatEndedEvent.TimedOut to be false")
		}
	case <-time.After(time.Second):
		t.Fatal("GroupChatEndedEvent not published")
	}
}
