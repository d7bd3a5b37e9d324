// Package mqtt implements the Transport interface over an MQTT broker
// using github.com/eclipse/paho.mqtt.golang. It is a bonus third variant
// beyond SLIM and NATS, useful for IoT-style deployments where agents
// already sit on an MQTT fabric. Like NATS, plain MQTT topics carry no
// notion of a moderated multi-party session, so StartGroupChat fails with
// transport.ErrUnsupportedOperation.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/agntcy/appsdk-go/transport"
)

// DefaultQoS is "at least once" delivery, matching the teacher transport's
// default.
const DefaultQoS = byte(1)

// DefaultConnectTimeout bounds the initial broker handshake.
const DefaultConnectTimeout = 10 * time.Second

// Transport implements transport.Transport over a single paho.Client.
type Transport struct {
	transport.BaseTransport

	clientID     string
	qos          byte
	username     string
	password     string
	cleanSession bool

	mu     sync.RWMutex
	client paho.Client
	subs   map[string]func() // topic -> unsubscribe

	pending *transport.PendingTable
	replyCounter uint64
	replyBase    string
}

// Option configures a Transport at construction time.
type Option func(*Transport)

// WithClientID overrides the generated MQTT client id.
func WithClientID(id string) Option {
	return func(t *Transport) { t.clientID = id }
}

// WithQoS sets the publish/subscribe quality of service (0, 1, or 2).
func WithQoS(qos byte) Option {
	return func(t *Transport) {
		if qos <= 2 {
			t.qos = qos
		}
	}
}

// WithCredentials sets MQTT username/password authentication.
func WithCredentials(username, password string) Option {
	return func(t *Transport) { t.username, t.password = username, password }
}

// New constructs an MQTT transport. Call Connect before using it.
func New(opts ...Option) *Transport {
	t := &Transport{
		clientID:     fmt.Sprintf("appsdk-%d", time.Now().UnixNano()),
		qos:          DefaultQoS,
		cleanSession: true,
		subs:         make(map[string]func()),
		pending:      transport.NewPendingTable(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Connect dials the broker at endpoint (a "tcp://host:port" URL).
func (t *Transport) Connect(ctx context.Context, endpoint string, creds transport.Credentials) error {
	t.mu.RLock()
	already := t.client != nil && t.client.IsConnected()
	t.mu.RUnlock()
	if already {
		return nil
	}

	username, password := t.username, t.password
	if creds.Username != "" {
		username, password = creds.Username, creds.Password
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(endpoint)
	opts.SetClientID(t.clientID)
	opts.SetCleanSession(t.cleanSession)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(DefaultConnectTimeout)
	if username != "" {
		opts.SetUsername(username)
		opts.SetPassword(password)
	}

	var client paho.Client
	err := transport.Retry(ctx, transport.DefaultBackoff, func(attempt int) error {
		c := paho.NewClient(opts)
		if token := c.Connect(); token.Wait() && token.Error() != nil {
			return token.Error()
		}
		client = c
		return nil
	})
	if err != nil {
		return &transport.ConnectError{Endpoint: endpoint, Attempts: transport.DefaultBackoff.MaxRetries, Err: err}
	}

	t.mu.Lock()
	t.client = client
	t.replyBase = t.clientID + "/replies"
	t.mu.Unlock()

	return t.subscribeReplies(ctx)
}

func (t *Transport) subscribeReplies(ctx context.Context) error {
	client, replyTopic := t.client, t.replyBase+"/+"
	token := client.Subscribe(replyTopic, t.qos, func(_ paho.Client, msg paho.Message) {
		sessionID := msg.Topic()
		t.pending.Resolve(sessionID, msg.Payload(), nil)
	})
	if token.Wait() && token.Error() != nil {
		return &transport.TransportError{Op: "connect", Err: token.Error()}
	}
	return nil
}

// Publish sends payload on topic with no reply expected.
func (t *Transport) Publish(ctx context.Context, topic string, payload []byte, _ ...transport.PublishOption) error {
	client, err := t.requireClient()
	if err != nil {
		return err
	}
	token := client.Publish(topic, t.qos, false, payload)
	if token.Wait() && token.Error() != nil {
		return &transport.TransportError{Op: "publish", Err: token.Error()}
	}
	return nil
}

// RequestReply publishes payload on topic with a reply-to hint appended as
// a dedicated per-call reply topic under this client's reply namespace,
// then awaits the correlated reply or timeout. This emulates request/reply
// on top of plain MQTT pub/sub, which has no native correlation primitive.
func (t *Transport) RequestReply(ctx context.Context, topic string, payload []byte, timeout time.Duration) ([]byte, error) {
	client, err := t.requireClient()
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.replyCounter++
	replyTopic := fmt.Sprintf("%s/%d", t.replyBase, t.replyCounter)
	t.mu.Unlock()

	t.pending.Register(replyTopic)

	envelope := append([]byte(replyTopic+"\n"), payload...)
	token := client.Publish(topic, t.qos, false, envelope)
	if token.Wait() && token.Error() != nil {
		return nil, &transport.TransportError{Op: "request_reply", Err: token.Error()}
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp, err := t.pending.Await(cctx, replyTopic)
	if err != nil {
		if cctx.Err() != nil {
			return nil, &transport.TimeoutError{Op: "request_reply", Timeout: timeout}
		}
		if errors.Is(err, transport.ErrCancelled) {
			return nil, err
		}
		return nil, &transport.TransportError{Op: "request_reply", Err: err}
	}
	return resp, nil
}

// Subscribe registers handler for topic. The "replyTopic\n" prefix that
// RequestReply prepends is stripped before the handler sees the payload,
// and Message.Reply publishes the handler's answer to that reply topic.
func (t *Transport) Subscribe(ctx context.Context, topic string, handler transport.Handler) (transport.Subscription, error) {
	client, err := t.requireClient()
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if _, exists := t.subs[topic]; exists {
		t.mu.Unlock()
		return nil, fmt.Errorf("mqtt: transport is already subscribed to topic %q", topic)
	}
	t.subs[topic] = func() {}
	t.mu.Unlock()

	var ordered *transport.OrderedSubscription
	token := client.Subscribe(topic, t.qos, func(_ paho.Client, msg paho.Message) {
		replyTopic, body := splitReplyEnvelope(msg.Payload())
		var replyFn func(context.Context, []byte) error
		if replyTopic != "" {
			replyFn = func(_ context.Context, respPayload []byte) error {
				tok := client.Publish(replyTopic, t.qos, false, respPayload)
				tok.Wait()
				return tok.Error()
			}
		}
		ordered.Enqueue(transport.NewMessage(topic, "", body, replyFn))
	})
	if token.Wait() && token.Error() != nil {
		t.mu.Lock()
		delete(t.subs, topic)
		t.mu.Unlock()
		return nil, &transport.TransportError{Op: "subscribe", Err: token.Error()}
	}

	ordered = transport.NewOrderedSubscription(topic, handler, t.Logger(), 64, func() {
		client.Unsubscribe(topic)
		t.mu.Lock()
		delete(t.subs, topic)
		t.mu.Unlock()
	})

	t.mu.Lock()
	t.subs[topic] = func() { client.Unsubscribe(topic) }
	t.mu.Unlock()
	return ordered, nil
}

// splitReplyEnvelope separates the "replyTopic\n" prefix RequestReply
// prepends from the message body. Plain Publish calls have no such
// prefix, so absence of a newline means there is no reply topic.
func splitReplyEnvelope(payload []byte) (string, []byte) {
	for i, b := range payload {
		if b == '\n' {
			return string(payload[:i]), payload[i+1:]
		}
	}
	return "", payload
}

// Broadcast sends payload to each recipient topic independently and
// collects up to expected replies before timeout elapses.
func (t *Transport) Broadcast(ctx context.Context, topic string, payload []byte, recipients []string, expected int, timeout time.Duration) ([][]byte, error) {
	if _, err := t.requireClient(); err != nil {
		return nil, err
	}
	if expected <= 0 || expected > len(recipients) {
		expected = len(recipients)
	}

	type reply struct {
		payload []byte
		err     error
	}
	collected := make(chan reply, len(recipients))

	var wg sync.WaitGroup
	for _, recipient := range recipients {
		wg.Add(1)
		go func(recipientTopic string) {
			defer wg.Done()
			resp, err := t.RequestReply(ctx, recipientTopic, payload, timeout)
			collected <- reply{payload: resp, err: err}
		}(recipient)
	}
	go func() {
		wg.Wait()
		close(collected)
	}()

	results := make([][]byte, 0, expected)
	deadline := time.After(timeout)
	for len(results) < expected {
		select {
		case r, ok := <-collected:
			if !ok {
				return results, nil
			}
			if r.err == nil {
				results = append(results, r.payload)
			}
		case <-deadline:
			return results, nil
		case <-ctx.Done():
			return results, ctx.Err()
		}
	}
	return results, nil
}

// StartGroupChat always fails: plain MQTT topics have no moderated
// session primitive comparable to SLIM's.
func (t *Transport) StartGroupChat(ctx context.Context, channel string, participants []string) (transport.GroupSession, error) {
	return nil, fmt.Errorf("mqtt: group chat is not supported: %w", transport.ErrUnsupportedOperation)
}

// Close unsubscribes everything and disconnects from the broker.
func (t *Transport) Close() error {
	t.mu.Lock()
	client := t.client
	subs := t.subs
	t.subs = make(map[string]func())
	t.client = nil
	t.mu.Unlock()

	t.pending.CancelAll(transport.ErrCancelled)
	for _, unsub := range subs {
		unsub()
	}
	if client != nil && client.IsConnected() {
		client.Disconnect(250)
	}
	return nil
}

func (t *Transport) requireClient() (paho.Client, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.client == nil {
		return nil, &transport.TransportError{Op: "mqtt", Err: fmt.Errorf("not connected")}
	}
	return t.client, nil
}
