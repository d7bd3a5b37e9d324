package mqtt

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/agntcy/appsdk-go/transport"
)

// mqttEndpoint returns the test broker URL from the environment, skipping
// the calling test if no live broker was configured.
func mqttEndpoint(t *testing.T) string {
	t.Helper()
	endpoint := os.Getenv("MQTT_TEST_URL")
	if endpoint == "" {
		t.Skip("MQTT_TEST_URL not set; skipping test that requires a running MQTT broker")
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

func TestSplitReplyEnvelope(t *testing.T) {
	replyTopic, body := splitReplyEnvelope([]byte("appsdk-1/replies/4\npayload-bytes"))
	if replyTopic != "appsdk-1/replies/4" {
		t.Errorf("got reply topic %q", replyTopic)
	}
	if string(body) != "payload-bytes" {
		t.Errorf("got body %q", body)
	}

	replyTopic, body = splitReplyEnvelope([]byte("no envelope here"))
	if replyTopic != "" {
		t.Errorf("expected empty reply topic, got %q", replyTopic)
	}
	if string(body) != "no envelope here" {
		t.Errorf("got body %q", body)
	}
}

func TestPublishSubscribeLive(t *testing.T) {
	endpoint := mqttEndpoint(t)
	ctx := context.Background()

	server := New(WithClientID("appsdk-test-server"))
	if err := server.Connect(ctx, endpoint, transport.Credentials{}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer server.Close()

	received := make(chan string, 1)
	_, err := server.Subscribe(ctx, "appsdk/test/subject", func(_ context.Context, msg *transport.Message) error {
		received <- string(msg.Payload)
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	client := New(WithClientID("appsdk-test-client"))
	if err := client.Connect(ctx, endpoint, transport.Credentials{}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	if err := client.Publish(ctx, "appsdk/test/subject", []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-received:
		if got != "hello" {
			t.Errorf("got %q", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestRequestReplyLive(t *testing.T) {
	endpoint := mqttEndpoint(t)
	ctx := context.Background()

	server := New(WithClientID("appsdk-test-echo-server"))
	if err := server.Connect(ctx, endpoint, transport.Credentials{}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer server.Close()

	_, err := server.Subscribe(ctx, "appsdk/test/echo", func(ctx context.Context, msg *transport.Message) error {
		return msg.Reply(ctx, append([]byte("echo:"), msg.Payload...))
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	client := New(WithClientID("appsdk-test-echo-client"))
	if err := client.Connect(ctx, endpoint, transport.Credentials{}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	resp, err := client.RequestReply(ctx, "appsdk/test/echo", []byte("ping"), 3*time.Second)
	if err != nil {
		t.Fatalf("request_reply: %v", err)
	}
	if string(resp) != "echo:ping" {
		t.Errorf("got %q", resp)
	}
}
