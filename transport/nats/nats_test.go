package natstransport

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/agntcy/appsdk-go/transport"
)

// natsEndpoint returns the test broker URL from the environment, skipping
// the calling test if no live NATS server was configured. These are
// integration tests, not unit tests: they need a real broker to dial.
func natsEndpoint(t *testing.T) string {
	t.Helper()
	endpoint := os.Getenv("NATS_TEST_URL")
	if endpoint == "" {
		t.Skip("NATS_TEST_URL not set; skipping test that requires a live NATS server")
	}
	return endpoint
}

func TestStartGroupChatUnsupported(t *testing.T) {
	tr := New()
	_, err := tr.StartGroupChat(context.Background(), "any/channel", nil)
	if err == nil {
		t.Fatal("expected an error")
	}
	if !errors.Is(err, transport.ErrUnsupportedOperation) {
		t.Fatalf("expected ErrUnsupportedOperation, got %v", err)
	}
}

func TestPublishSubscribeLive(t *testing.T) {
	endpoint := natsEndpoint(t)
	ctx := context.Background()

	server := New(WithClientID("test-server"))
	if err := server.Connect(ctx, endpoint, transport.Credentials{}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer server.Close()

	received := make(chan string, 1)
	_, err := server.Subscribe(ctx, "appsdk.test.subject", func(_ context.Context, msg *transport.Message) error {
		received <- string(msg.Payload)
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	client := New(WithClientID("test-client"))
	if err := client.Connect(ctx, endpoint, transport.Credentials{}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	if err := client.Publish(ctx, "appsdk.test.subject", []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-received:
		if got != "hello" {
			t.Errorf("got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestRequestReplyLive(t *testing.T) {
	endpoint := natsEndpoint(t)
	ctx := context.Background()

	server := New()
	if err := server.Connect(ctx, endpoint, transport.Credentials{}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer server.Close()

	_, err := server.Subscribe(ctx, "appsdk.test.echo", func(ctx context.Context, msg *transport.Message) error {
		return msg.Reply(ctx, append([]byte("echo:"), msg.Payload...))
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	client := New()
	if err := client.Connect(ctx, endpoint, transport.Credentials{}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	resp, err := client.RequestReply(ctx, "appsdk.test.echo", []byte("ping"), 2*time.Second)
	if err != nil {
		t.Fatalf("request_reply: %v", err)
	}
	if string(resp) != "echo:ping" {
		t.Errorf("got %q", resp)
	}
}

func TestDoubleSubscribeFailsLive(t *testing.T) {
	endpoint := natsEndpoint(t)
	ctx := context.Background()

	tr := New()
	if err := tr.Connect(ctx, endpoint, transport.Credentials{}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer tr.Close()

	if _, err := tr.Subscribe(ctx, "appsdk.test.double", func(context.Context, *transport.Message) error { return nil }); err != nil {
		t.Fatalf("first subscribe: %v", err)
	}
	if _, err := tr.Subscribe(ctx, "appsdk.test.double", func(context.Context, *transport.Message) error { return nil }); err == nil {
		t.Fatal("expected error re-subscribing to the same subject on the same transport")
	}
}
