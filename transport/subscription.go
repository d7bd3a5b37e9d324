package transport

import (
	"context"
	"log/slog"
	"sync"
)

// OrderedSubscription is a reusable Subscription implementation shared by
// every concrete transport: it owns a single consumer goroutine per
// subscription so frames for one topic are always handled in arrival
// order, while distinct subscriptions (and thus distinct goroutines) make
// progress in parallel.
type OrderedSubscription struct {
	topic   string
	handler Handler
	logger  *slog.Logger

	queue     chan *Message
	done      chan struct{}
	closeOnce sync.Once
	onClose   func()
}

// NewOrderedSubscription starts the consumer goroutine and returns the
// subscription handle. onClose, if non-nil, is invoked exactly once when
// Close runs, letting the owning transport release the topic.
func NewOrderedSubscription(topic string, handler Handler, logger *slog.Logger, bufferSize int, onClose func()) *OrderedSubscription {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	s := &OrderedSubscription{
		topic:   topic,
		handler: handler,
		logger:  logger,
		queue:   make(chan *Message, bufferSize),
		done:    make(chan struct{}),
		onClose: onClose,
	}
	go s.loop()
	return s
}

func (s *OrderedSubscription) loop() {
	for {
		select {
		case msg := <-s.queue:
			if err := s.handler(context.Background(), msg); err != nil {
				s.logger.Error("subscription handler error", "topic", s.topic, "error", err)
			}
		case <-s.done:
			return
		}
	}
}

// Enqueue delivers msg to this subscription's ordered queue. It drops the
// message silently if the subscription has already been closed.
func (s *OrderedSubscription) Enqueue(msg *Message) {
	select {
	case s.queue <- msg:
	case <-s.done:
	}
}

// Topic returns the subscribed topic.
func (s *OrderedSubscription) Topic() string { return s.topic }

// Close stops the consumer goroutine and releases the topic. Safe to call
// more than once.
func (s *OrderedSubscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.onClose != nil {
			s.onClose()
		}
	})
	return nil
}
