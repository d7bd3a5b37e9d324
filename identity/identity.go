// Package identity is the narrow external-collaborator seam for
// transport/bridge authorization. The spec treats identity-based access
// control (TBAC) as a pluggable credential check owned outside this repo;
// this package only defines the interface a bridge calls into and a
// trivial environment-driven default, not a concrete TBAC client.
package identity

import (
	"context"
	"os"
)

// Operation names the transport action being authorized.
type Operation string

const (
	OpPublish      Operation = "publish"
	OpSubscribe    Operation = "subscribe"
	OpRequestReply Operation = "request_reply"
	OpBroadcast    Operation = "broadcast"
	OpGroupChat    Operation = "group_chat"
)

// Checker authorizes one operation against a topic/identity. The session
// supervisor calls Authorize with OpSubscribe for each child's topic in
// ChildBuilder.Build, and a non-nil error fails Build; publishes and the
// other operations are not checked by any caller in this module.
type Checker interface {
	Authorize(ctx context.Context, topic string, op Operation) error
}

// CheckerFunc adapts a function to a Checker.
type CheckerFunc func(ctx context.Context, topic string, op Operation) error

func (f CheckerFunc) Authorize(ctx context.Context, topic string, op Operation) error {
	return f(ctx, topic, op)
}

// AllowAll is a Checker that authorizes every operation; it is the default
// when IDENTITY_AUTH_ENABLED is unset or false.
var AllowAll Checker = CheckerFunc(func(context.Context, string, Operation) error { return nil })

// Enabled reports whether IDENTITY_AUTH_ENABLED requests enforcement. The
// env var's presence and truthiness is all this package reads; the
// concrete TBAC client providing IDENTITY_SERVICE_API_KEY-backed checks is
// an external collaborator wired in by the application, not this repo.
func Enabled() bool {
	switch os.Getenv("IDENTITY_AUTH_ENABLED") {
	case "1", "true", "TRUE", "True":
		return true
	default:
		return false
	}
}

// FromEnv returns AllowAll when identity enforcement is disabled, or svc
// (typically backed by IDENTITY_SERVICE_API_KEY) when enabled. Passing a
// nil svc while enforcement is enabled is a configuration error the
// caller must catch before serving traffic.
func FromEnv(svc Checker) Checker {
	if !Enabled() {
		return AllowAll
	}
	return svc
}
