// Package client implements the client-side factory and negotiator: given
// a ClientConfig listing locally-supported transports and an AgentCard
// listing server-supported transports, it selects the intersection and
// constructs the matching protocol client (§4.5).
package client

import (
	"fmt"

	"github.com/agntcy/appsdk-go/agentcard"
	"github.com/mitchellh/mapstructure"
)

// SlimConfig bundles the parameters needed to connect a SLIM transport
// client-side, mirroring slim.ConnectionConfig's shape for the client's
// own independent typed config (callers loading from JSON/YAML decode
// into this, not slim.ConnectionConfig, so the two stay decoupled).
type SlimConfig struct {
	Endpoint     string `mapstructure:"endpoint"`
	Identity     string `mapstructure:"identity"`
	SharedSecret string `mapstructure:"sharedSecret"`
	TLSInsecure  bool   `mapstructure:"tlsInsecure"`
}

// NATSConfig bundles the parameters needed to connect a NATS transport
// client-side.
type NATSConfig struct {
	Endpoint string `mapstructure:"endpoint"`
}

// HTTPConfig bundles the parameters needed for a plain HTTP/JSON-RPC or
// FastMCP client.
type HTTPConfig struct {
	URL string `mapstructure:"url"`
}

// ClientConfig maps each transport tag the caller can speak to its
// per-transport connection parameters. Any subset may be populated; only
// populated tags participate in negotiation.
type ClientConfig struct {
	SlimRPC      *SlimConfig `mapstructure:"slimrpc"`
	SlimPatterns *SlimConfig `mapstructure:"slimpatterns"`
	NATSPatterns *NATSConfig `mapstructure:"natspatterns"`
	JSONRPC      *HTTPConfig `mapstructure:"jsonrpc"`
}

// DecodeClientConfig decodes a generic map (as loaded from JSON/YAML) into
// a ClientConfig, using mapstructure instead of hand-rolled field-by-field
// extraction.
func DecodeClientConfig(raw map[string]any) (ClientConfig, error) {
	var cfg ClientConfig
	if err := mapstructure.Decode(raw, &cfg); err != nil {
		return ClientConfig{}, fmt.Errorf("client: decode config: %w", err)
	}
	return cfg, nil
}

// SupportedTransports returns C, the set of transport tags this config has
// connection parameters for.
func (c ClientConfig) SupportedTransports() map[agentcard.TransportTag]bool {
	out := make(map[agentcard.TransportTag]bool, 4)
	if c.SlimRPC != nil {
		out[agentcard.TransportSlimRPC] = true
	}
	if c.SlimPatterns != nil {
		out[agentcard.TransportSlimPatterns] = true
	}
	if c.NATSPatterns != nil {
		out[agentcard.TransportNATSPatterns] = true
	}
	if c.JSONRPC != nil {
		out[agentcard.TransportJSONRPC] = true
	}
	return out
}

// Validate checks the data-model invariant: at least one transport tag
// must be populated for this config to be usable for negotiation.
func (c ClientConfig) Validate() error {
	if len(c.SupportedTransports()) == 0 {
		return fmt.Errorf("client: config has no populated transports")
	}
	return nil
}
