// Package slim implements the Transport interface over an identity-signed,
// session-oriented fabric. No production SLIM client SDK ships in the
// reference corpus this module was built from, so the fabric itself is an
// in-process broker keyed by endpoint string: every Transport that Connects
// to the same endpoint shares the same broker instance and can exchange
// frames, the way two processes connecting to the same SLIM node would.
// This keeps the protocol semantics (identity auth, session-correlated
// request/reply, moderated group chat) fully exercised and unit-testable
// without a live broker dependency.
package slim

import (
	"fmt"
	"time"

	"github.com/agntcy/appsdk-go/agentcard"
	"github.com/agntcy/appsdk-go/transport"
)

// ConnectionConfig is the typed connection configuration for a SLIM
// transport, mirroring the server-config pattern the teacher SDK uses for
// its own typed connection definitions.
type ConnectionConfig struct {
	// Identity is this node's org/namespace/name topic string, used both
	// to authenticate and to address replies back to it.
	Identity string

	// SharedSecret authenticates the connection. Real SLIM deployments
	// derive signing keys from it; the in-process broker pins the first
	// non-empty secret it sees for an endpoint and rejects any later
	// connection whose secret differs from it.
	SharedSecret string

	// Endpoint is the SLIM node address, e.g. "slim://fabric.local:46357".
	Endpoint string

	// TLSInsecure skips certificate verification. Has no effect on the
	// in-process broker; recorded for parity with a real SLIM client and
	// surfaced in diagnostics.
	TLSInsecure bool

	// ConnectTimeout bounds how long Connect retries before giving up;
	// the session supervisor's A2A-SlimRPC child applies it as a deadline
	// on the context it passes to Connect. Zero leaves the bound to the
	// transport's backoff policy (transport.DefaultBackoff by default).
	ConnectTimeout time.Duration
}

// MinSharedSecretLength is the spec's production floor for
// ConnectionConfig.SharedSecret.
const MinSharedSecretLength = 32

// Validate checks the data-model invariants from the spec: Identity must
// be a well-formed org/namespace/name path and SharedSecret must meet the
// production length floor.
func (c ConnectionConfig) Validate() error {
	if _, err := agentcard.ParseTopic(c.Identity); err != nil {
		return fmt.Errorf("slim: invalid identity: %w", err)
	}
	if len(c.SharedSecret) < MinSharedSecretLength {
		return fmt.Errorf("slim: shared_secret must be at least %d characters, got %d", MinSharedSecretLength, len(c.SharedSecret))
	}
	if c.Endpoint == "" {
		return fmt.Errorf("slim: endpoint is required")
	}
	return nil
}

// Credentials converts the config into the transport.Credentials Connect
// expects.
func (c ConnectionConfig) Credentials() transport.Credentials {
	return transport.Credentials{
		Identity:     c.Identity,
		SharedSecret: c.SharedSecret,
		TLSInsecure:  c.TLSInsecure,
	}
}
