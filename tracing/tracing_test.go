package tracing

import (
	"context"
	"errors"
	"testing"
)

func TestStartSpanFinishExports(t *testing.T) {
	var got Span
	exporter := SpanExporterFunc(func(_ context.Context, span Span) error {
		got = span
		return nil
	})

	span := StartSpan("bridge.dispatch", "acme/ns/agent")
	span.SetAttr("method", "message/send")
	span.Finish(context.Background(), exporter, nil)

	if got.Name != "bridge.dispatch" || got.Topic != "acme/ns/agent" {
		t.Fatalf("unexpected span: %+v", got)
	}
	if got.Attrs["method"] != "message/send" {
		t.Fatalf("expected method attr, got %+v", got.Attrs)
	}
	if got.Err != nil {
		t.Fatalf("expected no error, got %v", got.Err)
	}
}

func TestFinishRecordsError(t *testing.T) {
	var got Span
	exporter := SpanExporterFunc(func(_ context.Context, span Span) error {
		got = span
		return nil
	})
	span := StartSpan("transport.request_reply", "acme/ns/agent")
	span.Finish(context.Background(), exporter, errors.New("boom"))
	if got.Err == nil || got.Err.Error() != "boom" {
		t.Fatalf("expected recorded error, got %v", got.Err)
	}
}

func TestNoopExporterDoesNotPanic(t *testing.T) {
	span := StartSpan("x", "y")
	span.Finish(context.Background(), nil, nil)
}

func TestEndpointFromEnv(t *testing.T) {
	t.Setenv("OTLP_HTTP_ENDPOINT", "")
	if got := EndpointFromEnv(); got != DefaultOTLPEndpoint {
		t.Fatalf("expected default endpoint, got %q", got)
	}
	t.Setenv("OTLP_HTTP_ENDPOINT", "http://collector:4318")
	if got := EndpointFromEnv(); got != "http://collector:4318" {
		t.Fatalf("expected override, got %q", got)
	}
}
