// Package tracing is the narrow external-collaborator seam for
// distributed tracing. Span export is out of scope per the spec; this
// package only defines the exporter interface, span helpers and a no-op
// default, not a concrete OTLP exporter. No bridge, transport or client
// in this module starts spans.
package tracing

import (
	"context"
	"os"
	"time"
)

// DefaultOTLPEndpoint is used when OTLP_HTTP_ENDPOINT is unset.
const DefaultOTLPEndpoint = "http://localhost:4318"

// Span is one recorded operation: a bridge dispatch, a transport
// request/reply, a group-chat relay.
type Span struct {
	Name     string
	Topic    string
	Start    time.Time
	Duration time.Duration
	Err      error
	Attrs    map[string]string
}

// SpanExporter receives finished spans. A concrete OTLP exporter is an
// external collaborator the application wires in; within this repo only
// InFlightSpan.Finish calls it.
type SpanExporter interface {
	Export(ctx context.Context, span Span) error
}

// SpanExporterFunc adapts a function to a SpanExporter.
type SpanExporterFunc func(ctx context.Context, span Span) error

func (f SpanExporterFunc) Export(ctx context.Context, span Span) error { return f(ctx, span) }

// Noop discards every span. It is the default when no exporter is configured.
var Noop SpanExporter = SpanExporterFunc(func(context.Context, Span) error { return nil })

// EndpointFromEnv resolves OTLP_HTTP_ENDPOINT, falling back to
// DefaultOTLPEndpoint.
func EndpointFromEnv() string {
	if v := os.Getenv("OTLP_HTTP_ENDPOINT"); v != "" {
		return v
	}
	return DefaultOTLPEndpoint
}

// StartSpan begins timing name/topic; call Finish on the result to export it.
func StartSpan(name, topic string) *InFlightSpan {
	return &InFlightSpan{name: name, topic: topic, start: time.Now(), attrs: map[string]string{}}
}

// InFlightSpan accumulates attributes until Finish exports the completed Span.
type InFlightSpan struct {
	name  string
	topic string
	start time.Time
	attrs map[string]string
}

// SetAttr records a key/value attribute on the in-flight span.
func (s *InFlightSpan) SetAttr(key, value string) {
	s.attrs[key] = value
}

// Finish exports the completed span to exporter (Noop if nil), recording err.
func (s *InFlightSpan) Finish(ctx context.Context, exporter SpanExporter, err error) {
	if exporter == nil {
		exporter = Noop
	}
	_ = exporter.Export(ctx, Span{
		Name:     s.name,
		Topic:    s.topic,
		Start:    s.start,
		Duration: time.Since(s.start),
		Err:      err,
		Attrs:    s.attrs,
	})
}
