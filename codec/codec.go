// Package codec serializes JSON-RPC framed A2A traffic and MCP
// memory-stream records to and from the raw bytes a transport moves.
// Malformed payloads surface as *transport.DecodeError so a receive loop
// can log and drop them without crashing the subscription.
package codec

import (
	"encoding/json"
	"fmt"

	"github.com/agntcy/appsdk-go/transport"
)

// JSONRPCRequest is the A2A request envelope: {jsonrpc, id, method, params}.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCError is the {code, message, data} error object.
type JSONRPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *JSONRPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// JSONRPCResponse is the A2A response envelope: {jsonrpc, id, result|error}.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// NewRequest builds a request envelope, marshaling params.
func NewRequest(id, method string, params any) (*JSONRPCRequest, error) {
	p, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal params: %w", err)
	}
	idRaw, err := json.Marshal(id)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal id: %w", err)
	}
	return &JSONRPCRequest{JSONRPC: "2.0", ID: idRaw, Method: method, Params: p}, nil
}

// EncodeRequest serializes req to wire bytes.
func EncodeRequest(req *JSONRPCRequest) ([]byte, error) {
	b, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("codec: encode request: %w", err)
	}
	return b, nil
}

// DecodeRequest parses a JSON-RPC request frame.
func DecodeRequest(topic string, payload []byte) (*JSONRPCRequest, error) {
	var req JSONRPCRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, &transport.DecodeError{Topic: topic, Err: err}
	}
	if req.Method == "" {
		return nil, &transport.DecodeError{Topic: topic, Err: fmt.Errorf("missing method")}
	}
	return &req, nil
}

// EncodeResponse serializes resp to wire bytes.
func EncodeResponse(resp *JSONRPCResponse) ([]byte, error) {
	resp.JSONRPC = "2.0"
	b, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("codec: encode response: %w", err)
	}
	return b, nil
}

// DecodeResponse parses a JSON-RPC response frame.
func DecodeResponse(topic string, payload []byte) (*JSONRPCResponse, error) {
	var resp JSONRPCResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, &transport.DecodeError{Topic: topic, Err: err}
	}
	return &resp, nil
}

// PatternsEnvelope wraps a JSON-RPC body with routing metadata for the
// slimpatterns/natspatterns bridges, which have no native session-level
// addressing the way slimrpc does.
type PatternsEnvelope struct {
	From           string          `json:"from,omitempty"`
	To             string          `json:"to,omitempty"`
	BroadcastGroup string          `json:"broadcast_group,omitempty"`
	Body           json.RawMessage `json:"body"`
}

// WrapPatterns encodes body inside a PatternsEnvelope.
func WrapPatterns(from, to, broadcastGroup string, body []byte) ([]byte, error) {
	env := PatternsEnvelope{From: from, To: to, BroadcastGroup: broadcastGroup, Body: body}
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("codec: wrap patterns envelope: %w", err)
	}
	return b, nil
}

// UnwrapPatterns parses a PatternsEnvelope, returning *transport.DecodeError
// on malformed input.
func UnwrapPatterns(topic string, payload []byte) (*PatternsEnvelope, error) {
	var env PatternsEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, &transport.DecodeError{Topic: topic, Err: err}
	}
	return &env, nil
}

// StreamRecord multiplexes MCP's opaque JSON-RPC byte stream over a single
// transport subscription: stream_id identifies the logical duplex pair,
// seq preserves arrival order, payload_bytes carries the raw MCP frame.
type StreamRecord struct {
	StreamID string `json:"stream_id"`
	Seq      uint64 `json:"seq"`
	Payload  []byte `json:"payload_bytes"`
}

// EncodeStreamRecord serializes rec to wire bytes.
func EncodeStreamRecord(rec StreamRecord) ([]byte, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("codec: encode stream record: %w", err)
	}
	return b, nil
}

// DecodeStreamRecord parses a multiplexed MCP stream record.
func DecodeStreamRecord(topic string, data []byte) (StreamRecord, error) {
	var rec StreamRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return StreamRecord{}, &transport.DecodeError{Topic: topic, Err: err}
	}
	return rec, nil
}
