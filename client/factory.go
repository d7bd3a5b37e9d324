package client

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/agntcy/appsdk-go/agentcard"
	"github.com/agntcy/appsdk-go/events"
	"github.com/agntcy/appsdk-go/transport"
	natstransport "github.com/agntcy/appsdk-go/transport/nats"
	"github.com/agntcy/appsdk-go/transport/slim"
)

// Factory negotiates a transport against an AgentCard and constructs the
// matching A2AClient, following the procedure in §4.5: S ∩ C, ordered by
// the card's declared preference, first match wins.
type Factory struct {
	config ClientConfig
	logger *slog.Logger
	bus    *events.Subject
}

// Option configures a Factory.
type Option func(*Factory)

// WithLogger sets the structured logger used for negotiation diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Factory) { f.logger = logger }
}

// WithEventBus attaches an events.Subject that Create publishes
// events.NegotiationFailedEvent to whenever S ∩ C is empty.
func WithEventBus(bus *events.Subject) Option {
	return func(f *Factory) { f.bus = bus }
}

// NewFactory builds a Factory from a validated ClientConfig.
func NewFactory(config ClientConfig, opts ...Option) (*Factory, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	f := &Factory{config: config, logger: slog.New(slog.NewTextHandler(os.Stderr, nil))}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// negotiate computes N = S ∩ C ordered by the card's preference and
// returns the first entry, or transport.ErrNoCompatibleTransport if empty.
func (f *Factory) negotiate(card agentcard.AgentCard) (agentcard.TransportTag, error) {
	supported := card.SupportedTransports()
	local := f.config.SupportedTransports()
	for _, tag := range supported {
		if local[tag] {
			return tag, nil
		}
	}
	return "", fmt.Errorf("client: negotiate %q: %w (card wants %v, local supports %v)",
		card.Name, transport.ErrNoCompatibleTransport, supported, keys(local))
}

func keys(m map[agentcard.TransportTag]bool) []agentcard.TransportTag {
	out := make([]agentcard.TransportTag, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func tagStrings(tags []agentcard.TransportTag) []string {
	out := make([]string, len(tags))
	for i, t := range tags {
		out[i] = string(t)
	}
	return out
}

// Create negotiates the compatible transport for card and returns the
// matching client. slimpatterns/natspatterns negotiate to an
// A2AExperimentalClient (which also satisfies A2AClient); slimrpc/jsonrpc
// negotiate to the base A2AClient.
func (f *Factory) Create(ctx context.Context, card agentcard.AgentCard) (A2AClient, error) {
	if err := card.Validate(); err != nil {
		return nil, err
	}
	tag, err := f.negotiate(card)
	if err != nil {
		if f.bus != nil {
			_ = events.Publish(f.bus, events.TopicNegotiationFailed, events.NegotiationFailedEvent{
				CardTransports:   tagStrings(card.SupportedTransports()),
				ClientTransports: tagStrings(keys(f.config.SupportedTransports())),
				At:               time.Now(),
			})
		}
		return nil, err
	}

	f.logger.Info("client: negotiated transport", "agent", card.Name, "transport", tag)

	switch tag {
	case agentcard.TransportSlimRPC:
		return f.buildSlim(ctx, card, f.config.SlimRPC, false)
	case agentcard.TransportSlimPatterns:
		return f.buildSlim(ctx, card, f.config.SlimPatterns, true)
	case agentcard.TransportNATSPatterns:
		return f.buildNATS(ctx, card, f.config.NATSPatterns)
	case agentcard.TransportJSONRPC:
		return f.buildHTTP(card, f.config.JSONRPC)
	default:
		return nil, fmt.Errorf("client: unhandled negotiated transport %q", tag)
	}
}

// CreateExperimental is Create, but fails unless negotiation lands on a
// patterns transport (slimpatterns/natspatterns), for callers that need
// broadcast/group-chat and would rather fail fast than type-assert.
func (f *Factory) CreateExperimental(ctx context.Context, card agentcard.AgentCard) (A2AExperimentalClient, error) {
	c, err := f.Create(ctx, card)
	if err != nil {
		return nil, err
	}
	exp, ok := c.(A2AExperimentalClient)
	if !ok {
		_ = c.Close()
		return nil, fmt.Errorf("client: negotiated transport for %q has no experimental operations", card.Name)
	}
	return exp, nil
}

func (f *Factory) buildSlim(ctx context.Context, card agentcard.AgentCard, cfg *SlimConfig, patterns bool) (A2AClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("client: no slim config for negotiated transport on %q", card.Name)
	}
	topic, err := card.Topic()
	if err != nil {
		return nil, err
	}
	tr := slim.New()
	if err := tr.Connect(ctx, cfg.Endpoint, transport.Credentials{
		Identity:     cfg.Identity,
		SharedSecret: cfg.SharedSecret,
		TLSInsecure:  cfg.TLSInsecure,
	}); err != nil {
		return nil, err
	}
	if patterns {
		return newPatternsClient(tr, topic.String(), cfg.Identity), nil
	}
	return newUnaryClient(tr, topic.String()), nil
}

func (f *Factory) buildNATS(ctx context.Context, card agentcard.AgentCard, cfg *NATSConfig) (A2AClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("client: no nats config for negotiated transport on %q", card.Name)
	}
	topic, err := card.Topic()
	if err != nil {
		return nil, err
	}
	tr := natstransport.New()
	if err := tr.Connect(ctx, cfg.Endpoint, transport.Credentials{}); err != nil {
		return nil, err
	}
	return newPatternsClient(tr, topic.String(), card.Name), nil
}

func (f *Factory) buildHTTP(card agentcard.AgentCard, cfg *HTTPConfig) (A2AClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("client: no jsonrpc config for negotiated transport on %q", card.Name)
	}
	url := cfg.URL
	if url == "" {
		url = card.URL
	}
	return newHTTPClient(url), nil
}
