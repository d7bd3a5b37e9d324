// Package mcpstream implements the MCP memory-stream bridge: a pair of
// bounded ordered channels standing in for the stdio pipe the low-level
// MCP server's run-loop expects, fed from and drained back onto a
// transport subscription. Each distinct stream_id multiplexed over the
// subscription gets its own channel pair and its own Runner instance,
// mirroring the teacher's transport/embedded channel-pair pattern scaled
// to many concurrent logical streams on one physical subscription.
package mcpstream

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"github.com/agntcy/appsdk-go/codec"
	"github.com/agntcy/appsdk-go/transport"
)

// DefaultBufferSize bounds each stream's inbound/outbound channel,
// providing the backpressure §5 requires: a full outbound channel
// suspends the run-loop's producer.
const DefaultBufferSize = 64

// Runner drives one MCP protocol engine instance: it reads raw JSON-RPC
// frames from inbound and writes raw JSON-RPC frames (responses,
// notifications) to outbound until ctx is cancelled (the stream's
// subscription stopped), then returns. Implementations wrap the user's
// actual low-level MCP server; this package only owns the channel
// plumbing around it and closes outbound once Run returns.
type Runner interface {
	Run(ctx context.Context, inbound <-chan []byte, outbound chan<- []byte) error
}

// RunnerFunc adapts a function to a Runner.
type RunnerFunc func(ctx context.Context, inbound <-chan []byte, outbound chan<- []byte) error

func (f RunnerFunc) Run(ctx context.Context, inbound <-chan []byte, outbound chan<- []byte) error {
	return f(ctx, inbound, outbound)
}

// Bridge owns one transport subscription and fans its traffic out across
// per-stream Runner instances.
type Bridge struct {
	tr         transport.Transport
	topic      string
	newRunner  func() Runner
	bufferSize int
	logger     *slog.Logger

	mu      sync.Mutex
	sub     transport.Subscription
	streams map[string]*streamState
}

type streamState struct {
	inbound  chan []byte
	outbound chan []byte
	seq      uint64
	cancel   context.CancelFunc

	mu      sync.Mutex
	lastMsg *transport.Message
}

// setLastMsg records the most recent inbound message on this stream, so
// the next outbound record replies to that call rather than whichever
// call first opened the stream.
func (s *streamState) setLastMsg(msg *transport.Message) {
	s.mu.Lock()
	s.lastMsg = msg
	s.mu.Unlock()
}

func (s *streamState) replyTo() *transport.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastMsg
}

// Option configures a Bridge at construction time.
type Option func(*Bridge)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) { b.logger = logger }
}

// WithBufferSize overrides the per-stream channel capacity.
func WithBufferSize(n int) Option {
	return func(b *Bridge) { b.bufferSize = n }
}

// New constructs an MCP memory-stream bridge. newRunner is called once per
// distinct stream_id observed on the subscription, giving each logical
// stream its own protocol engine instance.
func New(tr transport.Transport, topic string, newRunner func() Runner, opts ...Option) *Bridge {
	b := &Bridge{
		tr:         tr,
		topic:      topic,
		newRunner:  newRunner,
		bufferSize: DefaultBufferSize,
		streams:    make(map[string]*streamState),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return b
}

// Start subscribes on the bridge's topic.
func (b *Bridge) Start(ctx context.Context) error {
	sub, err := b.tr.Subscribe(ctx, b.topic, func(msgCtx context.Context, msg *transport.Message) error {
		return b.onMessage(ctx, msg)
	})
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.sub = sub
	b.mu.Unlock()
	return nil
}

func (b *Bridge) onMessage(ctx context.Context, msg *transport.Message) error {
	rec, err := codec.DecodeStreamRecord(msg.Topic, msg.Payload)
	if err != nil {
		b.logger.Error("mcpstream: dropping malformed record", "topic", msg.Topic, "error", err)
		return nil
	}

	state := b.streamFor(ctx, rec.StreamID, msg)
	state.setLastMsg(msg)
	select {
	case state.inbound <- rec.Payload:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// streamFor returns the existing stream state for streamID or creates one,
// spawning its Runner and its outbound pump.
func (b *Bridge) streamFor(ctx context.Context, streamID string, msg *transport.Message) *streamState {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.streams[streamID]; ok {
		return s
	}

	streamCtx, cancel := context.WithCancel(ctx)
	s := &streamState{
		inbound:  make(chan []byte, b.bufferSize),
		outbound: make(chan []byte, b.bufferSize),
		cancel:   cancel,
		lastMsg:  msg,
	}
	b.streams[streamID] = s

	runner := b.newRunner()
	go func() {
		if err := runner.Run(streamCtx, s.inbound, s.outbound); err != nil {
			b.logger.Error("mcpstream: runner exited with error", "stream_id", streamID, "error", err)
		}
		close(s.outbound)
	}()

	go b.pumpOutbound(streamCtx, streamID, s)

	return s
}

// pumpOutbound drains one stream's outbound channel and republishes each
// record on the reply destination of the most recent inbound call on this
// stream, preserving arrival order within this one pump goroutine.
func (b *Bridge) pumpOutbound(ctx context.Context, streamID string, s *streamState) {
	for {
		select {
		case payload, ok := <-s.outbound:
			if !ok {
				b.mu.Lock()
				delete(b.streams, streamID)
				b.mu.Unlock()
				return
			}
			s.seq++
			wire, err := codec.EncodeStreamRecord(codec.StreamRecord{StreamID: streamID, Seq: s.seq, Payload: payload})
			if err != nil {
				b.logger.Error("mcpstream: failed to encode outbound record", "stream_id", streamID, "error", err)
				continue
			}
			if err := s.replyTo().Reply(ctx, wire); err != nil {
				b.logger.Error("mcpstream: failed to publish outbound record", "stream_id", streamID, "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Stop cancels every active stream's Runner and closes the subscription.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	sub := b.sub
	b.sub = nil
	streams := b.streams
	b.streams = make(map[string]*streamState)
	b.mu.Unlock()

	for _, s := range streams {
		s.cancel()
	}
	if sub != nil {
		return sub.Close()
	}
	return nil
}
