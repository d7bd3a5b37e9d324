package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agntcy/appsdk-go/codec"
	"github.com/agntcy/appsdk-go/mcp"
	"github.com/agntcy/appsdk-go/transport"
)

// MCPClient talks to an MCP server reachable through the mcpstream memory
// bridge (§4.3.3): every call is a single JSON-RPC request wrapped in a
// codec.StreamRecord and answered the same way, one request/response per
// RequestReply, all multiplexed on this client's one stream_id.
type MCPClient struct {
	tr       transport.Transport
	topic    string
	streamID string
	seq      uint64
	timeout  time.Duration
}

// NewMCPClient constructs a client bound to one logical MCP stream over
// tr/topic. streamID should be unique per client instance sharing the
// transport (a session id, a uuid, ...).
func NewMCPClient(tr transport.Transport, topic, streamID string) *MCPClient {
	return &MCPClient{tr: tr, topic: topic, streamID: streamID, timeout: DefaultRequestTimeout}
}

// WithTimeout overrides the default per-call timeout.
func (c *MCPClient) WithTimeout(d time.Duration) *MCPClient {
	c.timeout = d
	return c
}

func (c *MCPClient) call(ctx context.Context, method string, params any) (*codec.JSONRPCResponse, error) {
	req, err := codec.NewRequest(nextRequestID(), method, params)
	if err != nil {
		return nil, err
	}
	body, err := codec.EncodeRequest(req)
	if err != nil {
		return nil, err
	}
	c.seq++
	record := codec.StreamRecord{StreamID: c.streamID, Seq: c.seq, Payload: body}
	wire, err := codec.EncodeStreamRecord(record)
	if err != nil {
		return nil, err
	}

	respBytes, err := c.tr.RequestReply(ctx, c.topic, wire, c.timeout)
	if err != nil {
		return nil, err
	}
	respRecord, err := codec.DecodeStreamRecord(c.topic, respBytes)
	if err != nil {
		return nil, err
	}
	return codec.DecodeResponse(c.topic, respRecord.Payload)
}

// Initialize performs the MCP initialize handshake and returns the raw
// server capabilities payload.
func (c *MCPClient) Initialize(ctx context.Context, clientName, clientVersion string) (json.RawMessage, error) {
	resp, err := c.call(ctx, "initialize", map[string]any{
		"protocolVersion": "2024-11-05",
		"clientInfo":      map[string]string{"name": clientName, "version": clientVersion},
	})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}

	// notifications/initialized has no reply; publish it directly rather
	// than going through RequestReply and waiting on a response that never
	// arrives.
	note, err := codec.NewRequest("", "notifications/initialized", nil)
	if err != nil {
		return nil, err
	}
	body, err := codec.EncodeRequest(note)
	if err != nil {
		return nil, err
	}
	c.seq++
	wire, err := codec.EncodeStreamRecord(codec.StreamRecord{StreamID: c.streamID, Seq: c.seq, Payload: body})
	if err != nil {
		return nil, err
	}
	if err := c.tr.Publish(ctx, c.topic, wire); err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// ListTools calls the MCP tools/list method.
func (c *MCPClient) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	resp, err := c.call(ctx, "tools/list", map[string]any{})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	var out struct {
		Tools []mcp.Tool `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &out); err != nil {
		return nil, fmt.Errorf("client: decode tools/list result: %w", err)
	}
	return out.Tools, nil
}

// CallTool calls the MCP tools/call method and returns its raw result
// payload (the content blocks are tool-specific, so callers decode them).
func (c *MCPClient) CallTool(ctx context.Context, name string, arguments map[string]any) (json.RawMessage, error) {
	resp, err := c.call(ctx, "tools/call", map[string]any{"name": name, "arguments": arguments})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// Close releases the underlying transport. Multiple MCPClients sharing a
// transport should only have one of them call Close.
func (c *MCPClient) Close() error { return c.tr.Close() }
