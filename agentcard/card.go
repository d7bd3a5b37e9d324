// Package agentcard implements the AgentCard descriptor and the
// org/namespace/name topic-identity scheme used both for authenticated
// frame routing and for pub/sub subject derivation.
package agentcard

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/localrivet/wilduri"
)

// TransportTag names one of the transport variants a card or client config
// can declare support for.
type TransportTag string

const (
	TransportSlimRPC      TransportTag = "slimrpc"
	TransportSlimPatterns TransportTag = "slimpatterns"
	TransportNATSPatterns TransportTag = "natspatterns"
	TransportJSONRPC      TransportTag = "jsonrpc"
)

// schemeOf reports the URL scheme expected for a given transport tag.
func schemeOf(t TransportTag) (string, bool) {
	switch t {
	case TransportSlimRPC, TransportSlimPatterns:
		return "slim", true
	case TransportNATSPatterns:
		return "nats", true
	case TransportJSONRPC:
		return "http", true
	default:
		return "", false
	}
}

// topicTemplate parses the three-segment org/namespace/name path shared by
// topic identities and non-HTTP agent card URL authorities.
var topicTemplate = mustTopicTemplate()

func mustTopicTemplate() *wilduri.Template {
	tmpl, err := wilduri.New("/{org}/{namespace}/{name}")
	if err != nil {
		panic(fmt.Sprintf("agentcard: invalid topic template: %v", err))
	}
	return tmpl
}

// Topic is the three-segment org/namespace/name path used both as an
// authenticated identity and as a pub/sub routing subject.
type Topic struct {
	Org       string
	Namespace string
	Name      string
}

// String renders the topic in canonical org/namespace/name form.
func (t Topic) String() string {
	return fmt.Sprintf("%s/%s/%s", t.Org, t.Namespace, t.Name)
}

// Empty reports whether any segment is unset.
func (t Topic) Empty() bool {
	return t.Org == "" || t.Namespace == "" || t.Name == ""
}

// ParseTopic parses "org/namespace/name" into a Topic, validating that
// every segment is non-empty.
func ParseTopic(s string) (Topic, error) {
	path := s
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	matches, ok := topicTemplate.Match(path)
	if !ok {
		return Topic{}, fmt.Errorf("agentcard: %q is not a valid org/namespace/name topic", s)
	}
	t := Topic{Org: matches["org"], Namespace: matches["namespace"], Name: matches["name"]}
	if t.Empty() {
		return Topic{}, fmt.Errorf("agentcard: %q has an empty segment", s)
	}
	return t, nil
}

// MangleName replaces spaces in a human-readable display name with
// underscores, the transform the spec requires when deriving a topic's
// name segment from an agent's display name.
func MangleName(displayName string) string {
	return strings.ReplaceAll(strings.TrimSpace(displayName), " ", "_")
}

// DerivedTopic builds the default "default/default/<mangled-name>" topic
// used when a bridge has no explicit topic configured.
func DerivedTopic(displayName string) Topic {
	return Topic{Org: "default", Namespace: "default", Name: MangleName(displayName)}
}

// EnsureDistinct returns an error if a and b are the same identity, which
// would break identity-based access control between sender and receiver.
func EnsureDistinct(a, b Topic) error {
	if a == b {
		return fmt.Errorf("agentcard: sender and receiver identities must differ, both are %q", a)
	}
	return nil
}

// AgentSkill describes one capability the agent exposes.
type AgentSkill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Examples    []string `json:"examples,omitempty"`
}

// Capabilities lists capability flags a card declares.
type Capabilities struct {
	Streaming bool `json:"streaming"`
}

// AgentCard is the immutable descriptor of a server-side agent: its
// identity, the transports it can be reached over, and what it can do.
type AgentCard struct {
	Name               string         `json:"name"`
	Description        string         `json:"description,omitempty"`
	Version            string         `json:"version"`
	URL                string         `json:"url"`
	PreferredTransport TransportTag   `json:"preferredTransport"`
	Transports         []TransportTag `json:"transports,omitempty"`
	InputModes         []string       `json:"defaultInputModes,omitempty"`
	OutputModes        []string       `json:"defaultOutputModes,omitempty"`
	Skills             []AgentSkill   `json:"skills,omitempty"`
	Capabilities       Capabilities   `json:"capabilities"`
}

// Validate checks the card's internal consistency invariant: the
// preferred transport's URL scheme must match the declared URL.
func (c AgentCard) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("agentcard: name is required")
	}
	if c.URL == "" {
		return fmt.Errorf("agentcard: url is required")
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("agentcard: invalid url %q: %w", c.URL, err)
	}
	wantScheme, ok := schemeOf(c.PreferredTransport)
	if !ok {
		return fmt.Errorf("agentcard: unknown preferred transport %q", c.PreferredTransport)
	}
	gotScheme := strings.ToLower(u.Scheme)
	if wantScheme == "http" {
		if gotScheme != "http" && gotScheme != "https" {
			return fmt.Errorf("agentcard: preferred transport %q requires an http(s) url, got scheme %q", c.PreferredTransport, gotScheme)
		}
		return nil
	}
	if gotScheme != wantScheme {
		return fmt.Errorf("agentcard: preferred transport %q requires a %s:// url, got scheme %q", c.PreferredTransport, wantScheme, gotScheme)
	}
	return nil
}

// Topic extracts the org/namespace/name topic encoded in a non-HTTP card
// URL's authority + path (e.g. "slim://org/namespace/name").
func (c AgentCard) Topic() (Topic, error) {
	u, err := url.Parse(c.URL)
	if err != nil {
		return Topic{}, fmt.Errorf("agentcard: invalid url %q: %w", c.URL, err)
	}
	if u.Scheme == "http" || u.Scheme == "https" {
		return Topic{}, fmt.Errorf("agentcard: %q is an http(s) url, it has no topic identity", c.URL)
	}
	raw := u.Host
	if u.Path != "" {
		raw += u.Path
	}
	return ParseTopic(raw)
}

// SupportedTransports returns the card's transport set S: the preferred
// transport followed by any additionally declared transports, de-duplicated,
// preserving the card's stated preference order.
func (c AgentCard) SupportedTransports() []TransportTag {
	seen := make(map[TransportTag]bool, len(c.Transports)+1)
	ordered := make([]TransportTag, 0, len(c.Transports)+1)
	add := func(t TransportTag) {
		if t == "" || seen[t] {
			return
		}
		seen[t] = true
		ordered = append(ordered, t)
	}
	add(c.PreferredTransport)
	for _, t := range c.Transports {
		add(t)
	}
	return ordered
}

// MarshalJSON and UnmarshalJSON are the default encoding/json behavior;
// declared explicitly here only to document the round-trip invariant
// tested in card_test.go: name, url scheme, preferred transport, skills
// (as a set), and capability flags all survive marshal → unmarshal.
func (c AgentCard) MarshalJSON() ([]byte, error) {
	type alias AgentCard
	return json.Marshal(alias(c))
}

func (c *AgentCard) UnmarshalJSON(data []byte) error {
	type alias AgentCard
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*c = AgentCard(a)
	return nil
}
