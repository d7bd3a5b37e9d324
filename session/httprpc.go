package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/agntcy/appsdk-go/bridge/patterns"
	"github.com/agntcy/appsdk-go/codec"
	"github.com/agntcy/appsdk-go/transport"
)

// httpRPCChild implements the A2A-HTTP-JSONRPC bridge §4.4 names for an
// A2A app with no transport configured: plain JSON-RPC over HTTP POST /,
// no handshake, no session header — the bare-minimum HTTP surface the A2A
// engine needs when nothing else is mirroring it. FastMCP-HTTP (§4.3.4)
// owns the one HTTP surface this spec actually details; this bridge is
// the straight-line "just answer JSON-RPC over HTTP" fallback the
// auto-detection table also names.
type httpRPCChild struct {
	handler patterns.Handler
	addr    string
	srv     *http.Server
}

func newHTTPRPCChild(t A2APatternsTarget, host string, port int) (child, error) {
	if port == 0 {
		return nil, fmt.Errorf("session: A2APatternsTarget without a transport requires WithPort (A2A-HTTP-JSONRPC bridge)")
	}
	return &httpRPCChild{handler: t.Handler, addr: fmt.Sprintf("%s:%d", host, port)}, nil
}

func (c *httpRPCChild) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", c.serveHTTP)
	c.srv = &http.Server{Addr: c.addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if err := c.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-time.After(50 * time.Millisecond):
		return nil
	}
}

func (c *httpRPCChild) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	req, err := codec.DecodeRequest(r.URL.Path, body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, herr := c.handler(r.Context(), req)
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
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(wire)
}

func (c *httpRPCChild) Stop(ctx context.Context) error {
	if c.srv == nil {
		return nil
	}
	return c.srv.Shutdown(ctx)
}
