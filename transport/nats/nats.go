// Package nats implements the Transport interface over core NATS
// subject-based pub/sub, using github.com/nats-io/nats.go. NATS has no
// notion of a moderated multi-party session, so StartGroupChat always
// fails with transport.ErrUnsupportedOperation — callers that need group
// chat must use the slim transport instead.
package natstransport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/agntcy/appsdk-go/transport"
)

// Transport implements transport.Transport over a single *nats.Conn.
type Transport struct {
	transport.BaseTransport

	opts []nats.Option

	mu   sync.RWMutex
	conn *nats.Conn
	subs map[string]*nats.Subscription
}

// Option configures a Transport at construction time.
type Option func(*Transport)

// WithClientID sets the NATS client name advertised to the server.
func WithClientID(name string) Option {
	return func(t *Transport) { t.opts = append(t.opts, nats.Name(name)) }
}

// WithToken sets a NATS auth token.
func WithToken(token string) Option {
	return func(t *Transport) { t.opts = append(t.opts, nats.Token(token)) }
}

// WithUserInfo sets NATS username/password auth.
func WithUserInfo(user, password string) Option {
	return func(t *Transport) { t.opts = append(t.opts, nats.UserInfo(user, password)) }
}

// WithNatsOption passes through any nats.Option not otherwise wrapped.
func WithNatsOption(o nats.Option) Option {
	return func(t *Transport) { t.opts = append(t.opts, o) }
}

// New constructs a NATS transport. Call Connect before using it.
func New(opts ...Option) *Transport {
	t := &Transport{subs: make(map[string]*nats.Subscription)}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) natsOptions(creds transport.Credentials) []nats.Option {
	opts := append([]nats.Option{nats.MaxReconnects(-1), nats.ReconnectWait(time.Second)}, t.opts...)
	if creds.Token != "" {
		opts = append(opts, nats.Token(creds.Token))
	}
	if creds.Username != "" {
		opts = append(opts, nats.UserInfo(creds.Username, creds.Password))
	}
	return opts
}

// Connect dials endpoint (a "nats://host:port" URL) with exponential
// backoff, relying on nats.go's own reconnect loop once established.
func (t *Transport) Connect(ctx context.Context, endpoint string, creds transport.Credentials) error {
	t.mu.RLock()
	already := t.conn != nil && t.conn.IsConnected()
	t.mu.RUnlock()
	if already {
		return nil
	}

	var conn *nats.Conn
	err := transport.Retry(ctx, transport.DefaultBackoff, func(attempt int) error {
		c, err := nats.Connect(endpoint, t.natsOptions(creds)...)
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return &transport.ConnectError{Endpoint: endpoint, Attempts: transport.DefaultBackoff.MaxRetries, Err: err}
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	t.Logger().Info("nats: connected", "endpoint", endpoint)
	return nil
}

// Publish sends payload on subject with no reply expected. The Session
// publish option has no meaning for NATS and is ignored.
func (t *Transport) Publish(ctx context.Context, topic string, payload []byte, _ ...transport.PublishOption) error {
	conn, err := t.requireConn()
	if err != nil {
		return err
	}
	if err := conn.Publish(topic, payload); err != nil {
		return &transport.TransportError{Op: "publish", Err: err}
	}
	return nil
}

// RequestReply uses NATS's built-in request/reply (a transient inbox
// subject created per call).
func (t *Transport) RequestReply(ctx context.Context, topic string, payload []byte, timeout time.Duration) ([]byte, error) {
	conn, err := t.requireConn()
	if err != nil {
		return nil, err
	}
	msg, err := conn.RequestWithContext(withTimeout(ctx, timeout), topic, payload)
	if err != nil {
		if err == nats.ErrTimeout || ctx.Err() != nil {
			return nil, &transport.TimeoutError{Op: "request_reply", Timeout: timeout}
		}
		return nil, &transport.TransportError{Op: "request_reply", Err: err}
	}
	return msg.Data, nil
}

func withTimeout(ctx context.Context, timeout time.Duration) context.Context {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	go func() {
		<-cctx.Done()
		cancel()
	}()
	return cctx
}

// Subscribe registers handler for topic. Subscribing twice to the same
// topic on the same Transport instance fails with an error.
func (t *Transport) Subscribe(ctx context.Context, topic string, handler transport.Handler) (transport.Subscription, error) {
	conn, err := t.requireConn()
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if _, exists := t.subs[topic]; exists {
		t.mu.Unlock()
		return nil, fmt.Errorf("nats: transport is already subscribed to topic %q", topic)
	}
	t.subs[topic] = nil // reserve
	t.mu.Unlock()

	var ordered *transport.OrderedSubscription
	natsSub, err := conn.Subscribe(topic, func(msg *nats.Msg) {
		replyFn := func(_ context.Context, payload []byte) error {
			if msg.Reply == "" {
				return nil
			}
			return conn.Publish(msg.Reply, payload)
		}
		ordered.Enqueue(transport.NewMessage(topic, "", msg.Data, replyFn))
	})
	if err != nil {
		t.mu.Lock()
		delete(t.subs, topic)
		t.mu.Unlock()
		return nil, &transport.TransportError{Op: "subscribe", Err: err}
	}

	ordered = transport.NewOrderedSubscription(topic, handler, t.Logger(), 64, func() {
		natsSub.Unsubscribe()
		t.mu.Lock()
		delete(t.subs, topic)
		t.mu.Unlock()
	})

	t.mu.Lock()
	t.subs[topic] = natsSub
	t.mu.Unlock()
	return ordered, nil
}

// Broadcast sends payload to each recipient subject independently and
// collects up to expected replies before timeout elapses.
func (t *Transport) Broadcast(ctx context.Context, topic string, payload []byte, recipients []string, expected int, timeout time.Duration) ([][]byte, error) {
	if _, err := t.requireConn(); err != nil {
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
		go func(subject string) {
			defer wg.Done()
			resp, err := t.RequestReply(ctx, subject, payload, timeout)
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

// StartGroupChat always fails: core NATS has no moderated session
// primitive comparable to SLIM's.
func (t *Transport) StartGroupChat(ctx context.Context, channel string, participants []string) (transport.GroupSession, error) {
	return nil, fmt.Errorf("nats: group chat is not supported: %w", transport.ErrUnsupportedOperation)
}

// Close unsubscribes everything and drains the connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	conn := t.conn
	subs := t.subs
	t.subs = make(map[string]*nats.Subscription)
	t.conn = nil
	t.mu.Unlock()

	for _, s := range subs {
		if s != nil {
			s.Unsubscribe()
		}
	}
	if conn != nil {
		return conn.Drain()
	}
	return nil
}

func (t *Transport) requireConn() (*nats.Conn, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.conn == nil {
		return nil, &transport.TransportError{Op: "nats", Err: fmt.Errorf("not connected")}
	}
	return t.conn, nil
}
