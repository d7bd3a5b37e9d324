// Package session implements the AppSession supervisor: a container that
// owns zero or more long-lived protocol bridges ("children"), auto-detects
// which bridge variant a given target needs (§4.4), starts them
// concurrently, and tears them down in reverse registration order on
// shutdown. Children are siblings, not a hierarchy — one child failing to
// start rolls back its started siblings, but a child that crashes after
// starting does not take down the others.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/agntcy/appsdk-go/agentcard"
	"github.com/agntcy/appsdk-go/bridge/fastmcphttp"
	"github.com/agntcy/appsdk-go/bridge/mcpstream"
	"github.com/agntcy/appsdk-go/bridge/patterns"
	"github.com/agntcy/appsdk-go/bridge/slimrpc"
	"github.com/agntcy/appsdk-go/events"
	"github.com/agntcy/appsdk-go/identity"
	"github.com/agntcy/appsdk-go/tracing"
	"github.com/agntcy/appsdk-go/transport"
	"github.com/agntcy/appsdk-go/transport/slim"
)

// BridgeKind names the concrete bridge variant a target resolved to,
// matching the strings used in events.BridgeStartedEvent.Variant.
type BridgeKind string

const (
	KindA2ASlimRPC      BridgeKind = "a2a-slimrpc"
	KindA2APatterns     BridgeKind = "a2a-patterns"
	KindA2AHTTPJSONRPC  BridgeKind = "a2a-http-jsonrpc"
	KindMCPMemoryStream BridgeKind = "mcp-memorystream"
	KindFastMCPHTTP     BridgeKind = "fastmcp-http"
)

// Target is implemented by the small set of target-type wrappers §4.4's
// auto-detection table dispatches on. Callers never implement it
// themselves; they construct one of the concrete types below.
type Target interface {
	kind() BridgeKind
}

// A2ARPCTarget selects the A2A-SlimRPC bridge: a native point-to-point RPC
// binding. Per §4.4 its transport is always internal — Conn supplies the
// SLIM connection parameters (validated at Build, used to connect at
// Start); WithTransport on the builder is ignored for this target.
type A2ARPCTarget struct {
	Handler slimrpc.Handler
	Conn    slim.ConnectionConfig
}

func (A2ARPCTarget) kind() BridgeKind { return KindA2ASlimRPC }

// A2APatternsTarget selects the A2A-Patterns bridge when a transport is
// configured, or the minimal A2A-HTTP-JSONRPC bridge when it is not.
type A2APatternsTarget struct {
	Handler patterns.Handler
}

func (A2APatternsTarget) kind() BridgeKind { return KindA2APatterns }

// MCPStreamTarget selects the MCP memory-stream bridge. A transport is
// required (§4.4: "yes (required)").
type MCPStreamTarget struct {
	NewRunner func() mcpstream.Runner
}

func (MCPStreamTarget) kind() BridgeKind { return KindMCPMemoryStream }

// FastMCPTarget selects the FastMCP-HTTP bridge. A transport is optional;
// when present, the same Engine is mirrored over it.
type FastMCPTarget struct {
	Engine fastmcphttp.Engine
}

func (FastMCPTarget) kind() BridgeKind { return KindFastMCPHTTP }

// child is the uniform handle every concrete bridge is adapted to so the
// supervisor can start/stop them identically.
type child interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type registeredChild struct {
	sessionID string
	kind      BridgeKind
	topic     string
	grace     time.Duration
	impl      child
	started   bool
}

// AppSession owns up to MaxSessions concurrently-running bridges.
type AppSession struct {
	mu          sync.Mutex
	children    []*registeredChild
	usedTopics  map[string]bool
	usedIDs     map[string]bool
	maxSessions int
	logger      *slog.Logger
	bus         *events.Subject
	identity    identity.Checker
	tracer      tracing.SpanExporter
	graceDefault time.Duration
}

// Option configures an AppSession at construction time.
type Option func(*AppSession)

// WithLogger sets the structured logger used by the supervisor and every
// child it starts that doesn't have its own logger configured.
func WithLogger(logger *slog.Logger) Option {
	return func(s *AppSession) { s.logger = logger }
}

// WithMaxSessions bounds how many children may be registered. Zero (the
// default) means unbounded.
func WithMaxSessions(n int) Option {
	return func(s *AppSession) { s.maxSessions = n }
}

// WithEventBus supplies the events.Subject lifecycle notifications are
// published on. A fresh one is created if not supplied.
func WithEventBus(bus *events.Subject) Option {
	return func(s *AppSession) { s.bus = bus }
}

// WithIdentityChecker installs the TBAC-style credential check every
// child's topic is authorized against before it is built.
func WithIdentityChecker(checker identity.Checker) Option {
	return func(s *AppSession) { s.identity = checker }
}

// WithShutdownGrace sets the default per-child grace period: the deadline
// of the context each child's Stop receives during Shutdown (see Shutdown
// for which children wait on it).
func WithShutdownGrace(d time.Duration) Option {
	return func(s *AppSession) { s.graceDefault = d }
}

// New constructs an empty AppSession.
func New(opts ...Option) *AppSession {
	s := &AppSession{
		usedTopics:   make(map[string]bool),
		usedIDs:      make(map[string]bool),
		identity:     identity.AllowAll,
		graceDefault: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if s.bus == nil {
		s.bus = events.NewSubject(events.WithLogger(s.logger))
	}
	return s
}

// Bus returns the supervisor's lifecycle event bus.
func (s *AppSession) Bus() *events.Subject { return s.bus }

// ChildBuilder accumulates configuration for one child before Build
// registers it with the owning AppSession.
type ChildBuilder struct {
	session   *AppSession
	target    Target
	tr        transport.Transport
	topic     string
	sessionID string
	host      string
	port      int
	grace     time.Duration
	card      *agentcard.AgentCard
}

// Add begins configuring a new child for target. Call the With* methods to
// configure it, then Build to register it.
func (s *AppSession) Add(target Target) *ChildBuilder {
	return &ChildBuilder{session: s, target: target}
}

// WithTransport sets the transport the child bridges over. Ignored by
// A2ARPCTarget, which always manages its own SLIM connection.
func (b *ChildBuilder) WithTransport(tr transport.Transport) *ChildBuilder {
	b.tr = tr
	return b
}

// WithTopic overrides the derived topic. If unset, Build derives it from
// the agent card set via WithAgentCard, falling back to
// agentcard.DerivedTopic("agent") for targets that need a topic but got
// neither.
func (b *ChildBuilder) WithTopic(topic string) *ChildBuilder {
	b.topic = topic
	return b
}

// WithAgentCard supplies the card Build derives a topic from when WithTopic
// was not called.
func (b *ChildBuilder) WithAgentCard(card agentcard.AgentCard) *ChildBuilder {
	b.card = &card
	return b
}

// WithSessionID sets the caller-chosen label for this child, required to
// be unique within the owning AppSession.
func (b *ChildBuilder) WithSessionID(id string) *ChildBuilder {
	b.sessionID = id
	return b
}

// WithHost sets the bind host for HTTP bridges (FastMCP-HTTP,
// A2A-HTTP-JSONRPC). Ignored by non-HTTP bridges.
func (b *ChildBuilder) WithHost(host string) *ChildBuilder {
	b.host = host
	return b
}

// WithPort sets the bind port for HTTP bridges. Ignored by non-HTTP bridges.
func (b *ChildBuilder) WithPort(port int) *ChildBuilder {
	b.port = port
	return b
}

// WithShutdownGrace overrides this child's grace period (see
// WithShutdownGrace on AppSession for the supervisor-wide default).
func (b *ChildBuilder) WithShutdownGrace(d time.Duration) *ChildBuilder {
	b.grace = d
	return b
}

// resolveTopic computes the effective topic: explicit WithTopic, else
// derived from WithAgentCard, else the generic default.
func (b *ChildBuilder) resolveTopic() string {
	if b.topic != "" {
		return b.topic
	}
	if b.card != nil {
		if t, err := b.card.Topic(); err == nil {
			return t.String()
		}
		return agentcard.DerivedTopic(b.card.Name).String()
	}
	return agentcard.DerivedTopic("agent").String()
}

// Build validates the accumulated configuration, constructs the matching
// bridge, and registers it with the owning AppSession. It does not start
// the bridge; call AppSession.StartAll for that.
func (b *ChildBuilder) Build() error {
	s := b.session
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.maxSessions > 0 && len(s.children) >= s.maxSessions {
		return fmt.Errorf("session: max_sessions (%d) reached", s.maxSessions)
	}
	if b.sessionID == "" {
		return fmt.Errorf("session: WithSessionID is required")
	}
	if s.usedIDs[b.sessionID] {
		return fmt.Errorf("session: session_id %q is already registered", b.sessionID)
	}

	kind := b.target.kind()
	topic := b.resolveTopic()

	if err := s.identity.Authorize(context.Background(), topic, identity.OpSubscribe); err != nil {
		return fmt.Errorf("session: identity check for topic %q: %w", topic, err)
	}

	impl, err := b.buildBridge(kind, topic)
	if err != nil {
		return err
	}

	if kind != KindFastMCPHTTP && kind != KindA2AHTTPJSONRPC {
		if s.usedTopics[topic] {
			return fmt.Errorf("session: topic %q is already subscribed by another child in this supervisor", topic)
		}
		s.usedTopics[topic] = true
	}
	s.usedIDs[b.sessionID] = true

	grace := b.grace
	if grace == 0 {
		grace = s.graceDefault
	}

	s.children = append(s.children, &registeredChild{
		sessionID: b.sessionID,
		kind:      kind,
		topic:     topic,
		grace:     grace,
		impl:      impl,
	})
	return nil
}

func (b *ChildBuilder) buildBridge(kind BridgeKind, topic string) (child, error) {
	switch t := b.target.(type) {
	case A2ARPCTarget:
		return newRPCChild(t, topic, b.session.logger)
	case A2APatternsTarget:
		if b.tr == nil {
			return newHTTPRPCChild(t, b.host, b.port)
		}
		return &patternsChild{bridge: patterns.New(b.tr, topic, t.Handler, patterns.WithLogger(b.session.logger))}, nil
	case MCPStreamTarget:
		if b.tr == nil {
			return nil, fmt.Errorf("session: MCPStreamTarget requires WithTransport")
		}
		return &mcpstreamChild{bridge: mcpstream.New(b.tr, topic, t.NewRunner, mcpstream.WithLogger(b.session.logger))}, nil
	case FastMCPTarget:
		opts := []fastmcphttp.Option{fastmcphttp.WithLogger(b.session.logger)}
		switch {
		case b.host != "" && b.port != 0:
			opts = append(opts, fastmcphttp.WithAddr(fmt.Sprintf("%s:%d", b.host, b.port)))
		case b.port != 0:
			opts = append(opts, fastmcphttp.WithPort(b.port))
		}
		if b.tr != nil {
			opts = append(opts, fastmcphttp.WithTransportMirror(b.tr, topic))
		}
		return &fastmcpChild{bridge: fastmcphttp.New(t.Engine, opts...)}, nil
	default:
		return nil, fmt.Errorf("session: unknown target type %T", b.target)
	}
}

// --- child adapters -------------------------------------------------------

type rpcChild struct {
	tr     *slim.Transport
	conn   slim.ConnectionConfig
	bridge *slimrpc.Bridge
	owned  bool
}

func newRPCChild(t A2ARPCTarget, topic string, logger *slog.Logger) (child, error) {
	if err := t.Conn.Validate(); err != nil {
		return nil, fmt.Errorf("session: A2ARPCTarget: %w", err)
	}
	tr := slim.New(slim.WithLogger(logger))
	return &rpcChild{tr: tr, conn: t.Conn, bridge: slimrpc.New(tr, topic, t.Handler, slimrpc.WithLogger(logger)), owned: true}, nil
}

func (c *rpcChild) Start(ctx context.Context) error {
	connectCtx := ctx
	if c.conn.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, c.conn.ConnectTimeout)
		defer cancel()
	}
	if err := c.tr.Connect(connectCtx, c.conn.Endpoint, c.conn.Credentials()); err != nil {
		return err
	}
	return c.bridge.Start(ctx)
}

func (c *rpcChild) Stop(context.Context) error {
	err := c.bridge.Stop()
	if c.owned {
		_ = c.tr.Close()
	}
	return err
}

type patternsChild struct{ bridge *patterns.Bridge }

func (c *patternsChild) Start(ctx context.Context) error { return c.bridge.Start(ctx) }
func (c *patternsChild) Stop(context.Context) error       { return c.bridge.Stop() }

type mcpstreamChild struct{ bridge *mcpstream.Bridge }

func (c *mcpstreamChild) Start(ctx context.Context) error { return c.bridge.Start(ctx) }
func (c *mcpstreamChild) Stop(context.Context) error       { return c.bridge.Stop() }

type fastmcpChild struct{ bridge *fastmcphttp.Bridge }

func (c *fastmcpChild) Start(ctx context.Context) error          { return c.bridge.Start(ctx) }
func (c *fastmcpChild) Stop(ctx context.Context) error           { return c.bridge.Stop(ctx) }

// StartAll starts every registered child concurrently. If any fails to
// start, every child that did start is stopped (in reverse start order)
// and the first error encountered is returned. When keepAlive is true,
// StartAll blocks until an OS interrupt/terminate signal or ctx is
// cancelled, then performs an orderly Shutdown before returning.
func (s *AppSession) StartAll(ctx context.Context, keepAlive bool) error {
	s.mu.Lock()
	children := append([]*registeredChild(nil), s.children...)
	s.mu.Unlock()

	type outcome struct {
		idx int
		err error
	}
	results := make(chan outcome, len(children))
	for i, c := range children {
		go func(i int, c *registeredChild) {
			results <- outcome{idx: i, err: c.impl.Start(ctx)}
		}(i, c)
	}

	started := make([]*registeredChild, 0, len(children))
	var firstErr error
	for range children {
		o := <-results
		if o.err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("session: child %q failed to start: %w", children[o.idx].sessionID, o.err)
			}
			continue
		}
		children[o.idx].started = true
		started = append(started, children[o.idx])
		_ = events.Publish(s.bus, events.TopicBridgeStarted, events.BridgeStartedEvent{
			SessionID: children[o.idx].sessionID,
			Variant:   string(children[o.idx].kind),
			Topic:     children[o.idx].topic,
			StartedAt: nowFunc(),
		})
	}

	if firstErr != nil {
		for i := len(started) - 1; i >= 0; i-- {
			_ = started[i].impl.Stop(ctx)
		}
		return firstErr
	}

	if !keepAlive {
		return nil
	}

	sigCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()
	<-sigCtx.Done()
	return s.Shutdown(context.Background())
}

// Shutdown stops every started child in reverse registration order. Each
// child's Stop receives a context bounded by that child's grace period.
// The FastMCP-HTTP and A2A-HTTP-JSONRPC children wait on it for in-flight
// HTTP requests; the A2A-SlimRPC, A2A-Patterns and MCP memory-stream
// children do not wait and cancel their in-flight handlers at once.
func (s *AppSession) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	children := append([]*registeredChild(nil), s.children...)
	s.mu.Unlock()

	var firstErr error
	for i := len(children) - 1; i >= 0; i-- {
		c := children[i]
		if !c.started {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, c.grace)
		err := c.impl.Stop(cctx)
		cancel()
		c.started = false
		if err != nil {
			s.logger.Error("session: child stop error", "session_id", c.sessionID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			_ = events.Publish(s.bus, events.TopicBridgeErrored, events.BridgeErroredEvent{
				SessionID:  c.sessionID,
				Error:      err.Error(),
				OccurredAt: nowFunc(),
			})
			continue
		}
		_ = events.Publish(s.bus, events.TopicBridgeStopped, events.BridgeStoppedEvent{
			SessionID: c.sessionID,
			StoppedAt: nowFunc(),
			Reason:    "shutdown",
		})
	}
	_ = events.Publish(s.bus, events.TopicSessionShutdown, events.SessionShutdownEvent{
		ChildCount: len(children),
		ShutdownAt: nowFunc(),
	})
	return firstErr
}

// MarkCrashed lets a caller who observes a child failing asynchronously
// (e.g. from its own handler code) report it for sibling-isolating
// logging without stopping the rest of the supervisor. This is the
// caller-owned half of "once started, a crashed child is logged and
// marked errored; the other children continue" — the bridges themselves
// never crash their receive loop (DecodeError/HandlerError are swallowed
// per §7), so there is no internal crash signal to watch automatically.
func (s *AppSession) MarkCrashed(sessionID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.children {
		if c.sessionID == sessionID {
			c.started = false
			break
		}
	}
	_ = events.Publish(s.bus, events.TopicSessionChildCrashed, events.SessionChildCrashedEvent{
		SessionID: sessionID,
		Error:     err.Error(),
		CrashedAt: nowFunc(),
	})
}

// nowFunc is a seam for tests; production code always uses time.Now.
var nowFunc = time.Now
