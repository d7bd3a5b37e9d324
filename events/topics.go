package events

import "time"

// Topic constants for the bridge/session lifecycle events this module
// publishes. These are the public API contract for what topics external
// consumers can subscribe to.
const (
	// Bridge lifecycle events
	TopicBridgeStarted = "bridge.started"
	TopicBridgeStopped = "bridge.stopped"
	TopicBridgeErrored = "bridge.errored"

	// Session supervisor events
	TopicSessionChildCrashed = "session.child.crashed"
	TopicSessionShutdown     = "session.shutdown"

	// Group chat events
	TopicGroupChatEnded = "groupchat.ended"

	// Client negotiation events
	TopicNegotiationFailed = "negotiation.failed"
)

// BridgeStartedEvent is emitted when a bridge finishes subscribing and is
// ready to dispatch inbound frames.
type BridgeStartedEvent struct {
	SessionID string    `json:"sessionId"`
	Variant   string    `json:"variant"` // "a2a-slimrpc", "a2a-patterns", "mcp-memorystream", "fastmcp-http"
	Topic     string    `json:"topic"`
	StartedAt time.Time `json:"startedAt"`
}

// BridgeStoppedEvent is emitted when a bridge's subscription is torn down.
type BridgeStoppedEvent struct {
	SessionID string    `json:"sessionId"`
	StoppedAt time.Time `json:"stoppedAt"`
	Reason    string    `json:"reason,omitempty"`
}

// BridgeErroredEvent is emitted when a bridge fails to stop cleanly.
type BridgeErroredEvent struct {
	SessionID  string    `json:"sessionId"`
	Error      string    `json:"error"`
	OccurredAt time.Time `json:"occurredAt"`
}

// SessionChildCrashedEvent is emitted by the supervisor when a started
// child bridge fails; sibling children are unaffected.
type SessionChildCrashedEvent struct {
	SessionID string    `json:"sessionId"`
	Error     string    `json:"error"`
	CrashedAt time.Time `json:"crashedAt"`
}

// SessionShutdownEvent is emitted once every child has been stopped.
type SessionShutdownEvent struct {
	ChildCount int       `json:"childCount"`
	ShutdownAt time.Time `json:"shutdownAt"`
}

// GroupChatEndedEvent is emitted when a moderated group chat session
// closes, either via the end-message token or timeout.
type GroupChatEndedEvent struct {
	Channel      string    `json:"channel"`
	Participants []string  `json:"participants"`
	EndedAt      time.Time `json:"endedAt"`
	TimedOut     bool      `json:"timedOut"`
}

// NegotiationFailedEvent is emitted when client/card transport negotiation
// finds no compatible transport.
type NegotiationFailedEvent struct {
	CardTransports   []string  `json:"cardTransports"`
	ClientTransports []string  `json:"clientTransports"`
	At               time.Time `json:"at"`
}
