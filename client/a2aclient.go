package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/agntcy/appsdk-go/codec"
	"github.com/agntcy/appsdk-go/transport"
)

// DefaultRequestTimeout is used by A2A client calls that don't supply a
// RequestOption timeout.
const DefaultRequestTimeout = 30 * time.Second

// RequestOption configures one client call, mirroring the teacher client
// package's RequestOption/apply() pattern.
type RequestOption interface{ apply(*requestOptions) }

type requestOptions struct {
	timeout time.Duration
}

type timeoutOption struct{ d time.Duration }

func (o timeoutOption) apply(ro *requestOptions) { ro.timeout = o.d }

// WithRequestTimeoutOption overrides the default request timeout for one call.
func WithRequestTimeoutOption(d time.Duration) RequestOption {
	return timeoutOption{d: d}
}

func resolveOptions(opts []RequestOption) requestOptions {
	ro := requestOptions{timeout: DefaultRequestTimeout}
	for _, opt := range opts {
		opt.apply(&ro)
	}
	return ro
}

// Part is one piece of an A2A message (currently text-only, matching the
// spec's literal end-to-end scenarios).
type Part struct {
	Text string `json:"text"`
}

// Message is the A2A message envelope exchanged by SendMessage.
type Message struct {
	Parts []Part `json:"parts"`
}

// Text concatenates every text part, the common case of a single-part
// plain-text reply.
func (m Message) Text() string {
	var out string
	for _, p := range m.Parts {
		out += p.Text
	}
	return out
}

var requestIDCounter int64

func nextRequestID() string {
	return fmt.Sprintf("req-%d", atomic.AddInt64(&requestIDCounter, 1))
}

// A2AClient is the base client every negotiated transport variant
// implements: a single unary message exchange with the negotiated agent.
type A2AClient interface {
	SendMessage(ctx context.Context, parts []Part, opts ...RequestOption) (*Message, error)
	Close() error
}

// A2AExperimentalClient extends A2AClient with the pub/sub-pattern
// operations only slimpatterns/natspatterns transports support: fan-out
// broadcast and moderated group chat.
type A2AExperimentalClient interface {
	A2AClient
	BroadcastMessage(ctx context.Context, parts []Part, recipients []string, expected int, timeout time.Duration) ([]*Message, error)
	StartGroupChat(ctx context.Context, channel string, participants []string) (transport.GroupSession, error)
}

func decodeMessageResult(resp *codec.JSONRPCResponse) (*Message, error) {
	if resp.Error != nil {
		return nil, resp.Error
	}
	var msg Message
	if err := json.Unmarshal(resp.Result, &msg); err != nil {
		return nil, fmt.Errorf("client: decode message result: %w", err)
	}
	return &msg, nil
}

// --- unary client (slimrpc) -----------------------------------------------

// unaryClient implements A2AClient directly over a transport.Transport's
// RequestReply, with no pattern envelope — the shape the A2A-SlimRPC
// bridge expects and answers.
type unaryClient struct {
	tr    transport.Transport
	topic string
}

func newUnaryClient(tr transport.Transport, topic string) *unaryClient {
	return &unaryClient{tr: tr, topic: topic}
}

func (c *unaryClient) SendMessage(ctx context.Context, parts []Part, opts ...RequestOption) (*Message, error) {
	ro := resolveOptions(opts)
	req, err := codec.NewRequest(nextRequestID(), "message/send", map[string]any{"parts": parts})
	if err != nil {
		return nil, err
	}
	wire, err := codec.EncodeRequest(req)
	if err != nil {
		return nil, err
	}
	respBytes, err := c.tr.RequestReply(ctx, c.topic, wire, ro.timeout)
	if err != nil {
		return nil, err
	}
	resp, err := codec.DecodeResponse(c.topic, respBytes)
	if err != nil {
		return nil, err
	}
	return decodeMessageResult(resp)
}

func (c *unaryClient) Close() error { return c.tr.Close() }

// --- experimental client (slimpatterns / natspatterns) ---------------------

// patternsClient implements A2AExperimentalClient over the
// slimpatterns/natspatterns envelope (codec.PatternsEnvelope), adding
// broadcast and group-chat operations that ride directly on the
// transport's own Broadcast/StartGroupChat primitives.
type patternsClient struct {
	tr       transport.Transport
	topic    string
	identity string
}

func newPatternsClient(tr transport.Transport, topic, identity string) *patternsClient {
	return &patternsClient{tr: tr, topic: topic, identity: identity}
}

func (c *patternsClient) SendMessage(ctx context.Context, parts []Part, opts ...RequestOption) (*Message, error) {
	ro := resolveOptions(opts)
	req, err := codec.NewRequest(nextRequestID(), "message/send", map[string]any{"parts": parts})
	if err != nil {
		return nil, err
	}
	body, err := codec.EncodeRequest(req)
	if err != nil {
		return nil, err
	}
	wire, err := codec.WrapPatterns(c.identity, c.topic, "", body)
	if err != nil {
		return nil, err
	}
	respBytes, err := c.tr.RequestReply(ctx, c.topic, wire, ro.timeout)
	if err != nil {
		return nil, err
	}
	resp, err := codec.DecodeResponse(c.topic, respBytes)
	if err != nil {
		return nil, err
	}
	return decodeMessageResult(resp)
}

func (c *patternsClient) BroadcastMessage(ctx context.Context, parts []Part, recipients []string, expected int, timeout time.Duration) ([]*Message, error) {
	req, err := codec.NewRequest(nextRequestID(), "message/send", map[string]any{"parts": parts})
	if err != nil {
		return nil, err
	}
	body, err := codec.EncodeRequest(req)
	if err != nil {
		return nil, err
	}
	// Broadcast addresses each recipient directly at the transport layer
	// (transport.Broadcast loops RequestReply per recipient topic), so the
	// envelope carries no broadcast_group: that field is for bridges that
	// fan a single publish out to a shared reply topic, a different
	// addressing scheme than per-recipient RequestReply correlation.
	wire, err := codec.WrapPatterns(c.identity, "", "", body)
	if err != nil {
		return nil, err
	}
	raw, err := c.tr.Broadcast(ctx, c.topic, wire, recipients, expected, timeout)
	if err != nil {
		return nil, err
	}
	messages := make([]*Message, 0, len(raw))
	for _, r := range raw {
		resp, err := codec.DecodeResponse(c.topic, r)
		if err != nil {
			continue
		}
		msg, err := decodeMessageResult(resp)
		if err != nil {
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func (c *patternsClient) StartGroupChat(ctx context.Context, channel string, participants []string) (transport.GroupSession, error) {
	return c.tr.StartGroupChat(ctx, channel, participants)
}

func (c *patternsClient) Close() error { return c.tr.Close() }

// --- plain HTTP/JSON-RPC client (jsonrpc) -----------------------------------

// httpClient implements A2AClient over a plain HTTP POST to a JSON-RPC
// endpoint (the A2A-HTTP-JSONRPC bridge's wire surface), with no
// transport.Transport involved at all.
type httpClient struct {
	url        string
	httpClient *http.Client
}

func newHTTPClient(url string) *httpClient {
	return &httpClient{url: url, httpClient: &http.Client{Timeout: DefaultRequestTimeout}}
}

func (c *httpClient) SendMessage(ctx context.Context, parts []Part, opts ...RequestOption) (*Message, error) {
	ro := resolveOptions(opts)
	req, err := codec.NewRequest(nextRequestID(), "message/send", map[string]any{"parts": parts})
	if err != nil {
		return nil, err
	}
	wire, err := codec.EncodeRequest(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(wire))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := c.httpClient
	client.Timeout = ro.timeout
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, &transport.TransportError{Op: "send_message", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	rpcResp, err := codec.DecodeResponse(c.url, body)
	if err != nil {
		return nil, err
	}
	return decodeMessageResult(rpcResp)
}

func (c *httpClient) Close() error { return nil }
