// Package transport defines the capability-record abstraction shared by
// every concrete message fabric the bridge can run over (SLIM, NATS, and
// the bonus MQTT reference implementation). Rather than expressing "is a
// transport" through an inheritance hierarchy, a Transport is a small set
// of function-shaped operations: connect, publish, request/reply,
// subscribe, broadcast, and start-groupchat. A transport that cannot
// support an operation (NATS and group chat) returns ErrUnsupportedOperation
// from that call rather than omitting it from the type.
package transport

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Message is an inbound frame delivered to a subscription handler. It
// carries enough routing metadata for the handler to reply without the
// transport exposing its internal session/inbox bookkeeping.
type Message struct {
	// Topic is the topic/subject the frame arrived on.
	Topic string

	// Payload is the raw frame bytes, before any codec decoding.
	Payload []byte

	// From identifies the sending peer's identity/topic, when the
	// transport can determine it (SLIM identities; NATS has no
	// equivalent and leaves this empty).
	From string

	replyFn func(ctx context.Context, payload []byte) error
}

// Reply sends payload back to whoever sent this message, using whatever
// correlation the underlying transport requires (SLIM session id, NATS
// reply-to inbox). Reply is a no-op returning nil if the message was not
// established with reply routing (e.g. a frame sent with plain Publish).
func (m *Message) Reply(ctx context.Context, payload []byte) error {
	if m.replyFn == nil {
		return nil
	}
	return m.replyFn(ctx, payload)
}

// NewMessage constructs a Message with an explicit reply function. Transport
// implementations use this instead of building Message{} literals directly
// so the unexported replyFn field stays internal to the package.
func NewMessage(topic, from string, payload []byte, replyFn func(ctx context.Context, payload []byte) error) *Message {
	return &Message{Topic: topic, Payload: payload, From: from, replyFn: replyFn}
}

// Handler processes one inbound Message. Handler invocations for a single
// subscription are serialized in arrival order; distinct subscriptions run
// concurrently.
type Handler func(ctx context.Context, msg *Message) error

// Subscription is a live registration created by Subscribe. Closing it
// stops delivery and releases the topic so it (or a different topic) can
// be subscribed again.
type Subscription interface {
	Topic() string
	Close() error
}

// PublishOptions carries per-call publish configuration.
type PublishOptions struct {
	// Session, when set to the channel of a group-chat session open on the
	// transport, routes the publish into that session instead of the
	// transport's default routing. Only the SLIM transport honours it.
	Session string
}

// PublishOption mutates PublishOptions.
type PublishOption func(*PublishOptions)

// WithSession scopes a Publish call to an existing session handle.
func WithSession(session string) PublishOption {
	return func(o *PublishOptions) { o.Session = session }
}

// GroupSession represents a moderated multi-party conversation opened by
// StartGroupChat. Each participant's Publish is routed to every other
// participant by the transport; Receive yields the next relayed message.
type GroupSession interface {
	// Channel returns the channel/topic identifying this conversation.
	Channel() string

	// Publish emits payload to the other participants in the session.
	Publish(ctx context.Context, payload []byte) error

	// Receive blocks until another participant's message arrives, the
	// session closes, or ctx is cancelled.
	Receive(ctx context.Context) (from string, payload []byte, err error)

	// Close terminates the session for this participant.
	Close() error
}

// Credentials bundles the authentication material a transport needs to
// connect. Fields not relevant to a given transport are ignored by it.
type Credentials struct {
	Identity     string
	SharedSecret string
	Token        string
	Username     string
	Password     string
	TLSInsecure  bool
}

// Transport is the capability record every concrete message fabric
// implements. See the package doc for the design rationale.
type Transport interface {
	// Connect establishes (or returns the existing) connection to endpoint.
	// Implementations retry with exponential backoff up to their
	// configured limit and are idempotent on repeated calls.
	Connect(ctx context.Context, endpoint string, creds Credentials) error

	// Publish sends payload on topic without waiting for a reply.
	Publish(ctx context.Context, topic string, payload []byte, opts ...PublishOption) error

	// RequestReply sends payload on topic and waits for exactly one
	// correlated reply, failing with a *TimeoutError if none arrives
	// within timeout.
	RequestReply(ctx context.Context, topic string, payload []byte, timeout time.Duration) ([]byte, error)

	// Subscribe registers handler to run for every inbound frame on topic.
	// Subscribing to a topic already subscribed on this transport instance
	// fails with an error (idempotent-subscribe invariant); a different
	// transport instance may subscribe to the same topic freely.
	Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error)

	// Broadcast sends payload to each recipient and collects up to expected replies
	// (bounded additionally by len(recipients)) until timeout. It never
	// errors on an under-count; the returned slice simply contains fewer
	// entries when the deadline elapses first.
	Broadcast(ctx context.Context, topic string, payload []byte, recipients []string, expected int, timeout time.Duration) ([][]byte, error)

	// StartGroupChat opens a moderated multi-party session. Transports
	// without group-chat support (NATS) return ErrUnsupportedOperation.
	StartGroupChat(ctx context.Context, channel string, participants []string) (GroupSession, error)

	// Close terminates all subscriptions and pending operations; pending
	// awaiters fail with ErrCancelled.
	Close() error
}

// BaseTransport provides the logging plumbing shared by every
// concrete Transport implementation, mirroring the embed-and-extend shape
// the teacher SDK uses for its own transports.
type BaseTransport struct {
	mu     sync.RWMutex
	logger *slog.Logger
}

// SetLogger sets the structured logger used for this transport's diagnostics.
func (t *BaseTransport) SetLogger(logger *slog.Logger) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.logger = logger
}

// Logger returns the configured logger, creating a default stderr one on
// first use if none was set.
func (t *BaseTransport) Logger() *slog.Logger {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.logger == nil {
		t.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return t.logger
}

// BackoffConfig controls Connect's retry behavior.
type BackoffConfig struct {
	MaxRetries int
	Base       time.Duration
	Max        time.Duration
}

// DefaultBackoff is used by transports that don't override retry behavior.
var DefaultBackoff = BackoffConfig{MaxRetries: 5, Base: 100 * time.Millisecond, Max: 5 * time.Second}

// Retry calls fn until it succeeds, ctx is cancelled, or cfg.MaxRetries is
// exhausted, sleeping with exponential backoff (capped at cfg.Max) between
// attempts.
func Retry(ctx context.Context, cfg BackoffConfig, fn func(attempt int) error) error {
	delay := cfg.Base
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		if err := fn(attempt); err != nil {
			lastErr = err
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > cfg.Max {
				delay = cfg.Max
			}
			continue
		}
		return nil
	}
	return lastErr
}
