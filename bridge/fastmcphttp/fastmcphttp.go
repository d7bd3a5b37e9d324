// Package fastmcphttp implements the FastMCP-HTTP server bridge: an HTTP
// server speaking the MCP streamable-HTTP handshake (a POST "initialize"
// returns an Mcp-Session-Id header, a follow-up POST
// "notifications/initialized" confirms it, subsequent POSTs echo the
// header and route to the MCP engine). When a transport is also
// configured, the same dispatch is additionally mirrored over that
// transport using the mcpstream memory-stream pattern, so one FastMCP
// server answers both HTTP clients and transport-borne ones.
package fastmcphttp

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/agntcy/appsdk-go/bridge/mcpstream"
	"github.com/agntcy/appsdk-go/transport"
)

// DefaultPort is the bridge's default listen port, overridable by the
// FAST_MCP_PORT environment variable per the wire protocol surface.
const DefaultPort = 8081

// SessionHeader is the HTTP header carrying the handshake session id.
const SessionHeader = "Mcp-Session-Id"

// Engine dispatches one decoded MCP JSON-RPC request and returns the raw
// JSON-RPC response bytes. A FastMCP server's tool-list/tool-call/
// initialize routing lives behind this seam; the bridge itself only owns
// the HTTP handshake and the optional transport mirror.
type Engine func(ctx context.Context, sessionID string, request []byte) (response []byte, err error)

type sessionInfo struct {
	id          string
	createdAt   time.Time
	lastSeen    time.Time
	initialized bool
}

// Bridge runs the FastMCP-HTTP server and, optionally, a transport mirror
// of the same Engine.
type Bridge struct {
	engine Engine
	addr   string
	logger *slog.Logger

	tr           transport.Transport
	mirrorTopic  string
	mirrorBridge *mcpstream.Bridge

	mu       sync.Mutex
	srv      *http.Server
	sessions map[string]*sessionInfo
}

// Option configures a Bridge at construction time.
type Option func(*Bridge)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) { b.logger = logger }
}

// WithPort overrides the listen port (host defaults to all interfaces).
func WithPort(port int) Option {
	return func(b *Bridge) { b.addr = fmt.Sprintf(":%d", port) }
}

// WithAddr overrides the full listen address. WithAddr and WithPort set the
// same field, so whichever of them is applied last wins.
func WithAddr(addr string) Option {
	return func(b *Bridge) { b.addr = addr }
}

// WithTransportMirror additionally mirrors engine dispatch over tr on
// topic, using the mcpstream memory-stream pattern (§4.3.3 of the bridge
// design), so the same FastMCP server answers transport-borne clients too.
func WithTransportMirror(tr transport.Transport, topic string) Option {
	return func(b *Bridge) {
		b.tr = tr
		b.mirrorTopic = topic
	}
}

// portFromEnv resolves FAST_MCP_PORT, falling back to DefaultPort.
func portFromEnv() int {
	if v := os.Getenv("FAST_MCP_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil && port > 0 {
			return port
		}
	}
	return DefaultPort
}

// New constructs a FastMCP-HTTP bridge around engine. Call Start to begin
// serving.
func New(engine Engine, opts ...Option) *Bridge {
	b := &Bridge{
		engine:   engine,
		addr:     fmt.Sprintf(":%d", portFromEnv()),
		sessions: make(map[string]*sessionInfo),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return b
}

// Start launches the HTTP listener (and, if configured, the transport
// mirror subscription) in the background.
func (b *Bridge) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", b.handlePost)

	b.mu.Lock()
	b.srv = &http.Server{Addr: b.addr, Handler: mux}
	b.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		if err := b.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	if b.tr != nil {
		b.mirrorBridge = mcpstream.New(b.tr, b.mirrorTopic, func() mcpstream.Runner {
			return mcpstream.RunnerFunc(func(ctx context.Context, inbound <-chan []byte, outbound chan<- []byte) error {
				sid := "mirror"
				for {
					select {
					case req, ok := <-inbound:
						if !ok {
							return nil
						}
						resp, err := b.engine(ctx, sid, req)
						if err != nil {
							b.logger.Error("fastmcphttp: mirrored engine call failed", "error", err)
							continue
						}
						select {
						case outbound <- resp:
						case <-ctx.Done():
							return ctx.Err()
						}
					case <-ctx.Done():
						return ctx.Err()
					}
				}
			})
		}, mcpstream.WithLogger(b.logger))
		if err := b.mirrorBridge.Start(ctx); err != nil {
			return fmt.Errorf("fastmcphttp: start transport mirror: %w", err)
		}
	}

	select {
	case err := <-errCh:
		return err
	case <-time.After(50 * time.Millisecond):
		return nil
	}
}

func (b *Bridge) handlePost(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !contentTypeOK(r) {
		http.Error(w, "Content-Type must be application/json", http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var probe struct {
		Method string `json:"method"`
	}
	_ = json.Unmarshal(body, &probe)

	sessionID := r.Header.Get(SessionHeader)

	if probe.Method == "initialize" {
		sessionID = b.newSessionID()
		b.mu.Lock()
		b.sessions[sessionID] = &sessionInfo{id: sessionID, createdAt: time.Now(), lastSeen: time.Now()}
		b.mu.Unlock()
		w.Header().Set(SessionHeader, sessionID)
		b.respond(w, sessionID, body)
		return
	}

	if sessionID == "" {
		http.Error(w, fmt.Sprintf("missing %s header", SessionHeader), http.StatusBadRequest)
		return
	}
	b.mu.Lock()
	sess, ok := b.sessions[sessionID]
	b.mu.Unlock()
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	if probe.Method == "notifications/initialized" {
		b.mu.Lock()
		sess.initialized = true
		sess.lastSeen = time.Now()
		b.mu.Unlock()
		w.Header().Set(SessionHeader, sessionID)
		w.WriteHeader(http.StatusOK)
		return
	}

	if !sess.initialized {
		http.Error(w, "session not initialized", http.StatusConflict)
		return
	}
	sess.lastSeen = time.Now()
	w.Header().Set(SessionHeader, sessionID)
	b.respond(w, sessionID, body)
}

func (b *Bridge) respond(w http.ResponseWriter, sessionID string, body []byte) {
	resp, err := b.engine(r2ctx(), sessionID, body)
	if err != nil {
		http.Error(w, fmt.Sprintf("engine dispatch failed: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(resp); err != nil {
		b.logger.Error("fastmcphttp: failed to write response", "error", err)
	}
}

// r2ctx gives the engine a background context; request cancellation is
// not threaded through since handshake calls are expected to be fast.
func r2ctx() context.Context { return context.Background() }

func (b *Bridge) newSessionID() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// Stop shuts down the HTTP listener and the transport mirror, if any.
func (b *Bridge) Stop(ctx context.Context) error {
	b.mu.Lock()
	srv := b.srv
	mirror := b.mirrorBridge
	b.mu.Unlock()

	var firstErr error
	if mirror != nil {
		if err := mirror.Stop(); err != nil {
			firstErr = err
		}
	}
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// contentTypeOK reports whether the request declares a JSON body, mirroring
// the teacher's Content-Type validation in its HTTP transport.
func contentTypeOK(r *http.Request) bool {
	return strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json")
}
