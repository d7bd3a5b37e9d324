package slim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agntcy/appsdk-go/transport"
)

// Transport implements transport.Transport over the in-process SLIM
// fabric simulation. It is the only variant in this module offering group
// chat and session-correlated request/reply with a signed identity.
type Transport struct {
	transport.BaseTransport

	backoff transport.BackoffConfig

	mu       sync.RWMutex
	endpoint string
	identity string
	broker   *broker
	connected bool
	closed    bool

	subs          map[string]func() // topic -> unsubscribe, enforces idempotent-subscribe
	groupSessions map[string]*groupSession

	pending  *transport.PendingTable
	sessions uint64
}

// Option configures a Transport at construction time.
type Option func(*Transport)

// WithBackoff overrides the exponential-backoff policy Connect uses.
func WithBackoff(cfg transport.BackoffConfig) Option {
	return func(t *Transport) { t.backoff = cfg }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) { t.SetLogger(logger) }
}

// New constructs a SLIM transport. Call Connect before using it.
func New(opts ...Option) *Transport {
	t := &Transport{
		backoff:       transport.DefaultBackoff,
		subs:          make(map[string]func()),
		groupSessions: make(map[string]*groupSession),
		pending:       transport.NewPendingTable(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) nextSession() string {
	n := atomic.AddUint64(&t.sessions, 1)
	return fmt.Sprintf("%s/session/%d", t.identity, n)
}

func (t *Transport) isConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected && !t.closed
}

// Connect authenticates to the SLIM fabric at endpoint with exponential
// backoff. Calling it again with the same endpoint after a successful
// connect is a no-op.
func (t *Transport) Connect(ctx context.Context, endpoint string, creds transport.Credentials) error {
	t.mu.RLock()
	already := t.connected && t.endpoint == endpoint
	t.mu.RUnlock()
	if already {
		return nil
	}
	if creds.Identity == "" {
		return fmt.Errorf("slim: connect requires a non-empty identity")
	}

	var b *broker
	err := transport.Retry(ctx, t.backoff, func(attempt int) error {
		candidate := brokerFor(endpoint)
		if err := candidate.authenticate(creds.SharedSecret); err != nil {
			return err
		}
		b = candidate
		return nil
	})
	if err != nil {
		return &transport.ConnectError{Endpoint: endpoint, Attempts: t.backoff.MaxRetries, Err: err}
	}

	t.mu.Lock()
	t.endpoint = endpoint
	t.identity = creds.Identity
	t.broker = b
	t.connected = true
	t.closed = false
	t.mu.Unlock()

	t.Logger().Info("slim: connected", "endpoint", endpoint, "identity", creds.Identity)
	return nil
}

// Publish sends payload on topic. If opts names an open group-chat
// session, the publish routes to that session's relay instead of the
// broker's ordinary topic fan-out, per the spec's "participants always
// route to the channel" rule.
func (t *Transport) Publish(ctx context.Context, topic string, payload []byte, opts ...transport.PublishOption) error {
	if !t.isConnected() {
		return &transport.TransportError{Op: "publish", Err: fmt.Errorf("not connected")}
	}
	o := &transport.PublishOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if o.Session != "" {
		t.mu.RLock()
		gs, ok := t.groupSessions[o.Session]
		t.mu.RUnlock()
		if ok {
			return gs.Publish(ctx, payload)
		}
	}

	t.mu.RLock()
	b, identity := t.broker, t.identity
	t.mu.RUnlock()
	b.publish(identity, topic, payload, nil)
	return nil
}

// RequestReply publishes payload on topic and awaits exactly one
// correlated reply, using a fresh session id as the correlation token.
func (t *Transport) RequestReply(ctx context.Context, topic string, payload []byte, timeout time.Duration) ([]byte, error) {
	if !t.isConnected() {
		return nil, &transport.TransportError{Op: "request_reply", Err: fmt.Errorf("not connected")}
	}
	session := t.nextSession()
	t.pending.Register(session)

	replyFn := func(_ context.Context, respPayload []byte) error {
		t.pending.Resolve(session, respPayload, nil)
		return nil
	}

	t.mu.RLock()
	b, identity := t.broker, t.identity
	t.mu.RUnlock()
	b.publish(identity, topic, payload, replyFn)

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp, err := t.pending.Await(cctx, session)
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

// Subscribe registers handler for topic. Subscribing twice to the same
// topic on the same Transport instance fails; a different Transport
// instance connected to the same endpoint may subscribe to it freely.
func (t *Transport) Subscribe(ctx context.Context, topic string, handler transport.Handler) (transport.Subscription, error) {
	if !t.isConnected() {
		return nil, &transport.TransportError{Op: "subscribe", Err: fmt.Errorf("not connected")}
	}
	t.mu.Lock()
	if _, exists := t.subs[topic]; exists {
		t.mu.Unlock()
		return nil, fmt.Errorf("slim: transport is already subscribed to topic %q", topic)
	}
	t.subs[topic] = func() {}
	t.mu.Unlock()

	id := t.nextSession()
	var unsub func()
	sub := transport.NewOrderedSubscription(topic, handler, t.Logger(), 64, func() {
		t.mu.Lock()
		delete(t.subs, topic)
		t.mu.Unlock()
		if unsub != nil {
			unsub()
		}
	})

	t.mu.RLock()
	b := t.broker
	t.mu.RUnlock()
	unsub = b.subscribe(topic, id, sub.Enqueue)

	t.mu.Lock()
	t.subs[topic] = unsub
	t.mu.Unlock()

	return sub, nil
}

// Broadcast sends payload to each recipient independently and collects up
// to expected replies before timeout elapses, returning whatever arrived.
func (t *Transport) Broadcast(ctx context.Context, topic string, payload []byte, recipients []string, expected int, timeout time.Duration) ([][]byte, error) {
	if !t.isConnected() {
		return nil, &transport.TransportError{Op: "broadcast", Err: fmt.Errorf("not connected")}
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

// StartGroupChat joins (creating if necessary) the moderated conversation
// identified by channel. Every call — from the initiator naming the
// initial roster or a later participant joining by channel name alone —
// returns its own GroupSession view onto the same relay.
func (t *Transport) StartGroupChat(ctx context.Context, channel string, participants []string) (transport.GroupSession, error) {
	if !t.isConnected() {
		return nil, &transport.TransportError{Op: "start_groupchat", Err: fmt.Errorf("not connected")}
	}
	t.mu.RLock()
	b, identity := t.broker, t.identity
	t.mu.RUnlock()

	gs := b.joinGroup(channel, identity)

	t.mu.Lock()
	t.groupSessions[channel] = gs
	t.mu.Unlock()

	t.Logger().Info("slim: joined group chat", "channel", channel, "identity", identity, "roster_hint", participants)
	return gs, nil
}

// Close cancels all pending awaiters, closes every subscription and group
// session, and marks the transport unusable.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.connected = false
	subs := t.subs
	t.subs = make(map[string]func())
	groups := t.groupSessions
	t.groupSessions = make(map[string]*groupSession)
	t.mu.Unlock()

	t.pending.CancelAll(transport.ErrCancelled)
	for _, unsub := range subs {
		unsub()
	}
	for _, gs := range groups {
		gs.Close()
	}
	return nil
}
