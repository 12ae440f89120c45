package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSetupExportsSpans(t *testing.T) {
	ctx := context.Background()
	exp := tracetest.NewInMemoryExporter()
	tp, shutdown, err := Setup(ctx, WithServiceName("chatflow-test"), WithServiceVersion("1.2.3"), WithExporter(exp))
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}

	_, span := tp.Tracer("test").Start(ctx, "flow.turn")
	span.End()
	if err := tp.ForceFlush(ctx); err != nil {
		t.Fatalf("ForceFlush failed: %v", err)
	}

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "flow.turn" {
		t.Fatalf("unexpected spans: %+v", spans)
	}
	found := false
	for _, kv := range spans[0].Resource.Attributes() {
		if kv.Key == attribute.Key("service.name") && kv.Value.AsString() == "chatflow-test" {
			found = true
		}
	}
	if !found {
		t.Errorf("service.name missing from resource: %v", spans[0].Resource.Attributes())
	}

	if err := shutdown(ctx); err != nil {
		t.Errorf("shutdown failed: %v", err)
	}
}

func TestSetupWithoutExporter(t *testing.T) {
	tp, shutdown, err := Setup(context.Background())
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	if tp == nil {
		t.Fatal("nil tracer provider")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown failed: %v", err)
	}
}

func TestEndpointOptions(t *testing.T) {
	tests := []string{"localhost:4318", "http://collector:4318/v1/traces", "https://otel.example.com"}
	for _, ep := range tests {
		if got := endpointOptions(ep); len(got) != 1 {
			t.Errorf("endpointOptions(%q) returned %d options", ep, len(got))
		}
	}
}
