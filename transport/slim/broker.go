package slim

import (
	"context"
	"fmt"
	"sync"

	"github.com/agntcy/appsdk-go/transport"
)

// broker is the in-process stand-in for a SLIM fabric node. It fans out
// publishes to every subscriber of a topic and hosts the moderated
// group-chat relay. Concurrency-safe; shared by every Transport connected
// to the same endpoint.
type broker struct {
	mu           sync.Mutex
	sharedSecret string
	topicSubs    map[string][]*topicSub
	groups       map[string]*groupState
}

type topicSub struct {
	id      string
	enqueue func(*transport.Message)
}

func newBroker() *broker {
	return &broker{
		topicSubs: make(map[string][]*topicSub),
		groups:    make(map[string]*groupState),
	}
}

var (
	brokersMu sync.Mutex
	brokers   = make(map[string]*broker)
)

// brokerFor returns the shared broker for endpoint, creating it on first
// use. A process-wide registry lets independently constructed Transports
// that Connect to the same endpoint string simulate talking to the same
// SLIM node.
func brokerFor(endpoint string) *broker {
	brokersMu.Lock()
	defer brokersMu.Unlock()
	b, ok := brokers[endpoint]
	if !ok {
		b = newBroker()
		brokers[endpoint] = b
	}
	return b
}

// authenticate checks secret against the broker-wide shared secret,
// fixing it on first connect the way a real fabric node would pin a
// pre-shared key for its lifetime.
func (b *broker) authenticate(secret string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sharedSecret == "" {
		b.sharedSecret = secret
		return nil
	}
	if secret != b.sharedSecret {
		return fmt.Errorf("slim: shared secret mismatch for this endpoint")
	}
	return nil
}

// subscribe registers a delivery callback for topic, returning an
// unsubscribe function.
func (b *broker) subscribe(topic, id string, enqueue func(*transport.Message)) func() {
	b.mu.Lock()
	sub := &topicSub{id: id, enqueue: enqueue}
	b.topicSubs[topic] = append(b.topicSubs[topic], sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.topicSubs[topic]
		for i, s := range subs {
			if s == sub {
				b.topicSubs[topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(b.topicSubs[topic]) == 0 {
			delete(b.topicSubs, topic)
		}
	}
}

// publish fans payload out to every current subscriber of topic. replyFn,
// if non-nil, lets any one subscriber correlate a reply back to the
// sender (used by RequestReply/Broadcast); every subscriber gets its own
// copy of the reply closure but only the first invocation actually
// resolves anything, since the awaiter's pending-table channel holds a
// single result and Await removes the entry once it wakes.
func (b *broker) publish(from, topic string, payload []byte, replyFn func(ctx context.Context, payload []byte) error) {
	b.mu.Lock()
	subs := append([]*topicSub(nil), b.topicSubs[topic]...)
	b.mu.Unlock()

	for _, s := range subs {
		msg := transport.NewMessage(topic, from, payload, replyFn)
		s.enqueue(msg)
	}
}
