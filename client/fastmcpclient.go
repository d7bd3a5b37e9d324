package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/agntcy/appsdk-go/bridge/fastmcphttp"
	"github.com/agntcy/appsdk-go/codec"
	"github.com/agntcy/appsdk-go/mcp"
)

// FastMCPClient drives the two-POST FastMCP-HTTP handshake (§4.3.4): an
// "initialize" POST captures the Mcp-Session-Id response header, a
// follow-up "notifications/initialized" POST confirms it, and every
// subsequent call echoes the session header back to the server.
type FastMCPClient struct {
	url        string
	httpClient *http.Client
	sessionID  string
}

// NewFastMCPClient constructs a client targeting url (the FastMCP bridge's
// listen address, e.g. "http://localhost:8081/").
func NewFastMCPClient(url string) *FastMCPClient {
	return &FastMCPClient{url: url, httpClient: &http.Client{Timeout: DefaultRequestTimeout}}
}

func (c *FastMCPClient) post(ctx context.Context, body []byte, requireSession bool) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if requireSession {
		if c.sessionID == "" {
			return nil, nil, fmt.Errorf("client: fastmcp call before handshake: no session established")
		}
		req.Header.Set(fastmcphttp.SessionHeader, c.sessionID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	return resp, respBody, nil
}

// Initialize performs the handshake: "initialize" followed by
// "notifications/initialized". It returns the raw initialize result.
func (c *FastMCPClient) Initialize(ctx context.Context, clientName, clientVersion string) (json.RawMessage, error) {
	req, err := codec.NewRequest(nextRequestID(), "initialize", map[string]any{
		"protocolVersion": "2024-11-05",
		"clientInfo":      map[string]string{"name": clientName, "version": clientVersion},
	})
	if err != nil {
		return nil, err
	}
	wire, err := codec.EncodeRequest(req)
	if err != nil {
		return nil, err
	}

	resp, body, err := c.post(ctx, wire, false)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("client: fastmcp initialize: status %d: %s", resp.StatusCode, body)
	}
	sessionID := resp.Header.Get(fastmcphttp.SessionHeader)
	if sessionID == "" {
		return nil, fmt.Errorf("client: fastmcp initialize: no %s header in response", fastmcphttp.SessionHeader)
	}
	c.sessionID = sessionID

	rpcResp, err := codec.DecodeResponse(c.url, body)
	if err != nil {
		return nil, err
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}

	ackReq, err := codec.NewRequest("", "notifications/initialized", nil)
	if err != nil {
		return nil, err
	}
	ackWire, err := codec.EncodeRequest(ackReq)
	if err != nil {
		return nil, err
	}
	ackResp, _, err := c.post(ctx, ackWire, true)
	if err != nil {
		return nil, err
	}
	if ackResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("client: fastmcp notifications/initialized: status %d", ackResp.StatusCode)
	}

	return rpcResp.Result, nil
}

func (c *FastMCPClient) call(ctx context.Context, method string, params any) (*codec.JSONRPCResponse, error) {
	req, err := codec.NewRequest(nextRequestID(), method, params)
	if err != nil {
		return nil, err
	}
	wire, err := codec.EncodeRequest(req)
	if err != nil {
		return nil, err
	}
	resp, body, err := c.post(ctx, wire, true)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusConflict {
		return nil, fmt.Errorf("client: fastmcp call before handshake acknowledged (409)")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("client: fastmcp %s: status %d: %s", method, resp.StatusCode, body)
	}
	return codec.DecodeResponse(c.url, body)
}

// ListTools calls tools/list.
func (c *FastMCPClient) ListTools(ctx context.Context) ([]mcp.Tool, error) {
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

// CallTool calls tools/call and returns its raw result payload.
func (c *FastMCPClient) CallTool(ctx context.Context, name string, arguments map[string]any) (json.RawMessage, error) {
	resp, err := c.call(ctx, "tools/call", map[string]any{"name": name, "arguments": arguments})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// SessionID returns the session id established by Initialize, or "" if
// the handshake hasn't run yet.
func (c *FastMCPClient) SessionID() string { return c.sessionID }
