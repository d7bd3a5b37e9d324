// Package slimrpc implements the A2A-SlimRPC server bridge: a native
// point-to-point RPC binding where every inbound JSON-RPC request on the
// agent's topic is answered with exactly one reply over the same
// transport session, the way a SLIM RPC stream answers its caller.
package slimrpc

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"

	"github.com/agntcy/appsdk-go/codec"
	"github.com/agntcy/appsdk-go/transport"
)

// Handler processes one decoded A2A request and returns the value to
// marshal into the JSON-RPC response's result field.
type Handler func(ctx context.Context, req *codec.JSONRPCRequest) (result any, err error)

// Bridge binds a Handler to a transport subscription on one topic.
type Bridge struct {
	tr      transport.Transport
	topic   string
	handler Handler
	logger  *slog.Logger

	mu     sync.Mutex
	sub    transport.Subscription
	cancel context.CancelFunc
}

// Option configures a Bridge at construction time.
type Option func(*Bridge)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) { b.logger = logger }
}

// New constructs an A2A-SlimRPC bridge. Call Start to begin serving.
func New(tr transport.Transport, topic string, handler Handler, opts ...Option) *Bridge {
	b := &Bridge{tr: tr, topic: topic, handler: handler}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return b
}

// Start subscribes on the bridge's topic. Every inbound frame is decoded,
// dispatched to the handler, and answered with a single correlated reply.
// Cancelling the returned bridge's Stop cancels every in-flight handler
// invocation's context.
func (b *Bridge) Start(ctx context.Context) error {
	bridgeCtx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.cancel = cancel
	b.mu.Unlock()

	sub, err := b.tr.Subscribe(ctx, b.topic, func(_ context.Context, msg *transport.Message) error {
		return b.dispatch(bridgeCtx, msg)
	})
	if err != nil {
		cancel()
		return err
	}

	b.mu.Lock()
	b.sub = sub
	b.mu.Unlock()
	return nil
}

func (b *Bridge) dispatch(ctx context.Context, msg *transport.Message) error {
	req, err := codec.DecodeRequest(msg.Topic, msg.Payload)
	if err != nil {
		b.logger.Error("slimrpc: dropping malformed request", "topic", msg.Topic, "error", err)
		return nil
	}

	result, herr := b.handler(ctx, req)
	resp := &codec.JSONRPCResponse{ID: req.ID}
	if herr != nil {
		wrapped := &transport.HandlerError{Method: req.Method, Err: herr}
		resp.Error = &codec.JSONRPCError{Code: -32000, Message: wrapped.Error()}
	} else {
		raw, merr := json.Marshal(result)
		if merr != nil {
			resp.Error = &codec.JSONRPCError{Code: -32603, Message: merr.Error()}
		} else {
			resp.Result = raw
		}
	}

	wire, err := codec.EncodeResponse(resp)
	if err != nil {
		b.logger.Error("slimrpc: failed to encode response", "error", err)
		return nil
	}
	return msg.Reply(ctx, wire)
}

// Stop cancels all in-flight handler invocations and closes the subscription.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	sub, cancel := b.sub, b.cancel
	b.sub, b.cancel = nil, nil
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sub != nil {
		return sub.Close()
	}
	return nil
}
