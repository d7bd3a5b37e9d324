// Package events provides a lightweight, generic publish/subscribe bus used
// throughout the bridge to broadcast lifecycle notifications (bridge
// started/stopped/errored, session child crashed, session shutdown, group
// chat ended, negotiation failed) without coupling publishers to subscribers.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Subject is a typed, topic-addressed event bus. Each topic may carry any
// number of subscribers; subscribers are matched against the concrete type
// parameter used at Subscribe time, so two different event types can share
// a topic name without colliding.
type Subject struct {
	mu             sync.RWMutex
	subs           map[string][]*subscription
	replay         map[string][]dispatchMsg
	replaySize     int
	bufferSize     int
	publishTimeout time.Duration
	logger         *slog.Logger

	in        chan dispatchMsg
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type dispatchMsg struct {
	topic string
	event any
	extra []any
}

type subscription struct {
	id      string
	topic   string
	evtType reflect.Type
	invoke  func(ctx context.Context, event any, extra []any) error
}

// Subscription is a handle returned by Subscribe that can be used to stop
// receiving events for that registration.
type Subscription struct {
	subject *Subject
	sub     *subscription
}

// Unsubscribe removes the subscription. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.subject.mu.Lock()
	defer s.subject.mu.Unlock()
	list := s.subject.subs[s.sub.topic]
	for i, sub := range list {
		if sub == s.sub {
			s.subject.subs[s.sub.topic] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

// SubjectOption configures a Subject at construction time.
type SubjectOption func(*Subject)

// WithBufferSize sets the capacity of the internal dispatch channel.
func WithBufferSize(n int) SubjectOption {
	return func(s *Subject) { s.bufferSize = n }
}

// WithReplay enables a per-topic ring buffer of the last n events, replayed
// synchronously to subscribers that opt in via Subscribe's replay flag.
func WithReplay(n int) SubjectOption {
	return func(s *Subject) { s.replaySize = n }
}

// WithLogger sets the logger used to report handler errors.
func WithLogger(l *slog.Logger) SubjectOption {
	return func(s *Subject) { s.logger = l }
}

// WithPublishTimeout overrides how long Publish waits before giving up.
func WithPublishTimeout(d time.Duration) SubjectOption {
	return func(s *Subject) { s.publishTimeout = d }
}

var subIDCounter int64

func nextSubID() string {
	return "sub-" + strconv.FormatInt(atomic.AddInt64(&subIDCounter, 1), 10)
}

// NewSubject creates a ready-to-use event bus.
func NewSubject(opts ...SubjectOption) *Subject {
	s := &Subject{
		subs:           make(map[string][]*subscription),
		replay:         make(map[string][]dispatchMsg),
		bufferSize:     100,
		publishTimeout: time.Second,
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	s.in = make(chan dispatchMsg, s.bufferSize)

	s.wg.Add(1)
	go s.loop()
	return s
}

func (s *Subject) loop() {
	defer s.wg.Done()
	for {
		select {
		case msg, ok := <-s.in:
			if !ok {
				return
			}
			s.dispatch(msg)
		case <-s.done:
			return
		}
	}
}

func (s *Subject) dispatch(msg dispatchMsg) {
	if s.replaySize > 0 {
		s.mu.Lock()
		cache := append(s.replay[msg.topic], msg)
		if len(cache) > s.replaySize {
			cache = cache[len(cache)-s.replaySize:]
		}
		s.replay[msg.topic] = cache
		s.mu.Unlock()
	}

	s.mu.RLock()
	subs := append([]*subscription(nil), s.subs[msg.topic]...)
	s.mu.RUnlock()

	for _, sub := range subs {
		if sub.evtType != reflect.TypeOf(msg.event) {
			continue
		}
		sub := sub
		go func() {
			if err := sub.invoke(context.Background(), msg.event, msg.extra); err != nil {
				s.logger.Error("event handler error", "topic", msg.topic, "error", err)
			}
		}()
	}
}

// Complete stops the event loop. Pending in-flight Publish calls unblock
// with an error instead of hanging.
func Complete(s *Subject) {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
}

// Subscribe registers handler for events of type T published on topic.
// handler must be a function shaped like
//
//	func(ctx context.Context, event T) error
//
// optionally followed by any number of additional typed parameters, which
// are supplied positionally from Publish's extra arguments (useful for
// routing per-connection or per-session context alongside the event).
//
// Passing replay=true delivers any cached events for the topic (see
// WithReplay) synchronously, in publish order, before Subscribe returns.
func Subscribe[T any](s *Subject, topic string, handler any, replay ...bool) *Subscription {
	hv := reflect.ValueOf(handler)
	if hv.Kind() != reflect.Func {
		panic(fmt.Sprintf("events: handler for topic %q must be a function, got %T", topic, handler))
	}
	numExtra := hv.Type().NumIn() - 2
	if numExtra < 0 {
		numExtra = 0
	}

	sub := &subscription{
		id:      nextSubID(),
		topic:   topic,
		evtType: reflect.TypeOf(*new(T)),
		invoke: func(ctx context.Context, event any, extra []any) error {
			args := make([]reflect.Value, 0, 2+numExtra)
			args = append(args, reflect.ValueOf(ctx), reflect.ValueOf(event))
			for i := 0; i < numExtra && i < len(extra); i++ {
				args = append(args, reflect.ValueOf(extra[i]))
			}
			out := hv.Call(args)
			if len(out) == 0 {
				return nil
			}
			if out[0].IsNil() {
				return nil
			}
			return out[0].Interface().(error)
		},
	}

	s.mu.Lock()
	s.subs[topic] = append(s.subs[topic], sub)
	s.mu.Unlock()

	if len(replay) > 0 && replay[0] {
		s.mu.RLock()
		cached := append([]dispatchMsg(nil), s.replay[topic]...)
		s.mu.RUnlock()
		for _, msg := range cached {
			if sub.evtType == reflect.TypeOf(msg.event) {
				_ = sub.invoke(context.Background(), msg.event, msg.extra)
			}
		}
	}

	return &Subscription{subject: s, sub: sub}
}

// Publish emits event on topic. extra arguments are forwarded positionally
// to subscriber handlers that declare additional parameters. Publish
// returns an error if the bus is closed or the internal queue does not
// accept the event before its publish timeout elapses.
func Publish[T any](s *Subject, topic string, event T, extra ...any) error {
	msg := dispatchMsg{topic: topic, event: event, extra: extra}
	select {
	case s.in <- msg:
		return nil
	case <-s.done:
		return fmt.Errorf("failed to emit event: subject is closed")
	case <-time.After(s.publishTimeout):
		return fmt.Errorf("failed to emit event: timed out after %s waiting to publish on topic %q", s.publishTimeout, topic)
	}
}
