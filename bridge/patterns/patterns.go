// Package patterns implements the A2A-Patterns server bridge: a
// subscription on the agent's derived topic over SLIM or NATS, dispatching
// inbound envelopes by JSON-RPC method. Beyond unary request/reply it
// supports fan-out addressing (reply routed to a broadcast group's reply
// subject instead of the request's own reply-to) and moderated group chat.
package patterns

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/agntcy/appsdk-go/codec"
	"github.com/agntcy/appsdk-go/events"
	"github.com/agntcy/appsdk-go/transport"
)

// Handler processes one decoded A2A request and returns the value to
// marshal into the JSON-RPC response's result field.
type Handler func(ctx context.Context, req *codec.JSONRPCRequest) (result any, err error)

// GroupChatInitParams is the params payload of a "groupchat/init" request:
// the method this bridge treats as a group-chat bootstrap rather than an
// ordinary unary call.
type GroupChatInitParams struct {
	Channel      string   `json:"channel"`
	Participants []string `json:"participants"`
	EndMessage   string   `json:"end_message"`
	TimeoutMS    int64    `json:"timeout_ms"`
	MaxExchanges int      `json:"max_exchanges"`
}

// GroupChatResult is returned as the result of a "groupchat/init" request
// once the conversation terminates.
type GroupChatResult struct {
	Transcript []GroupChatMessage `json:"transcript"`
	TimedOut   bool               `json:"timed_out"`
}

// GroupChatMessage is one relayed emission.
type GroupChatMessage struct {
	From string `json:"from"`
	Text string `json:"text"`
}

const groupChatMethod = "groupchat/init"

// Bridge binds a Handler to a transport subscription, adding fan-out and
// group-chat method handling on top of plain unary dispatch.
type Bridge struct {
	tr      transport.Transport
	topic   string
	handler Handler
	logger  *slog.Logger
	bus     *events.Subject

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

// WithEventBus attaches an events.Subject that group-chat dispatch
// publishes events.GroupChatEndedEvent to once a session closes.
func WithEventBus(bus *events.Subject) Option {
	return func(b *Bridge) { b.bus = bus }
}

// New constructs an A2A-Patterns bridge. Call Start to begin serving.
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

// Start subscribes on the bridge's topic.
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
	env, err := codec.UnwrapPatterns(msg.Topic, msg.Payload)
	if err != nil {
		b.logger.Error("patterns: dropping malformed envelope", "topic", msg.Topic, "error", err)
		return nil
	}
	req, err := codec.DecodeRequest(msg.Topic, env.Body)
	if err != nil {
		b.logger.Error("patterns: dropping malformed request", "topic", msg.Topic, "error", err)
		return nil
	}

	if req.Method == groupChatMethod {
		return b.dispatchGroupChat(ctx, msg, req, env)
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
		b.logger.Error("patterns: failed to encode response", "error", err)
		return nil
	}

	if env.BroadcastGroup != "" {
		return b.tr.Publish(ctx, env.BroadcastGroup+"/replies", wire)
	}
	return msg.Reply(ctx, wire)
}

func (b *Bridge) dispatchGroupChat(ctx context.Context, msg *transport.Message, req *codec.JSONRPCRequest, env *codec.PatternsEnvelope) error {
	var params GroupChatInitParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return b.replyError(ctx, msg, env, req.ID, fmt.Errorf("patterns: invalid groupchat/init params: %w", err))
	}
	if params.Channel == "" {
		return b.replyError(ctx, msg, env, req.ID, fmt.Errorf("patterns: groupchat/init requires a channel"))
	}
	if params.MaxExchanges <= 0 {
		params.MaxExchanges = 5
	}
	timeout := time.Duration(params.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = time.Second
	}

	sess, err := b.tr.StartGroupChat(ctx, params.Channel, params.Participants)
	if err != nil {
		return b.replyError(ctx, msg, env, req.ID, err)
	}

	result := relayGroupChat(ctx, sess, params.EndMessage, params.MaxExchanges, timeout)
	sess.Close()

	if b.bus != nil {
		_ = events.Publish(b.bus, events.TopicGroupChatEnded, events.GroupChatEndedEvent{
			Channel:      params.Channel,
			Participants: params.Participants,
			EndedAt:      time.Now(),
			TimedOut:     result.TimedOut,
		})
	}

	raw, merr := json.Marshal(result)
	resp := &codec.JSONRPCResponse{ID: req.ID}
	if merr != nil {
		resp.Error = &codec.JSONRPCError{Code: -32603, Message: merr.Error()}
	} else {
		resp.Result = raw
	}
	wire, err := codec.EncodeResponse(resp)
	if err != nil {
		return nil
	}
	return msg.Reply(ctx, wire)
}

// relayGroupChat collects relayed emissions from sess until endMessage
// appears, maxExchanges is reached, or timeout elapses.
func relayGroupChat(ctx context.Context, sess transport.GroupSession, endMessage string, maxExchanges int, timeout time.Duration) GroupChatResult {
	var result GroupChatResult
	deadline := time.Now().Add(timeout)

	for i := 0; i < maxExchanges; i++ {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			result.TimedOut = true
			return result
		}
		cctx, cancel := context.WithTimeout(ctx, remaining)
		from, payload, err := sess.Receive(cctx)
		cancel()
		if err != nil {
			result.TimedOut = true
			return result
		}
		result.Transcript = append(result.Transcript, GroupChatMessage{From: from, Text: string(payload)})
		if string(payload) == endMessage {
			return result
		}
	}
	return result
}

func (b *Bridge) replyError(ctx context.Context, msg *transport.Message, env *codec.PatternsEnvelope, id json.RawMessage, err error) error {
	resp := &codec.JSONRPCResponse{ID: id, Error: &codec.JSONRPCError{Code: -32602, Message: err.Error()}}
	wire, encErr := codec.EncodeResponse(resp)
	if encErr != nil {
		return nil
	}
	if env.BroadcastGroup != "" {
		return b.tr.Publish(ctx, env.BroadcastGroup+"/replies", wire)
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
