package bustrace_test

import (
	"context"
	"errors"
	"testing"

	bustrace "github.com/zerofox-oss/go-bustrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"pgregory.net/rapid"
)

func w3cPropagator() bustrace.Propagator {
	return bustrace.Propagator{TextMap: propagation.TraceContext{}}
}

func contextWithSpan(traceID trace.TraceID, spanID trace.SpanID, sampled bool) context.Context {
	flags := trace.TraceFlags(0)
	if sampled {
		flags = trace.FlagsSampled
	}
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: flags,
	})
	return trace.ContextWithSpanContext(context.Background(), sc)
}

// For all valid (context, carrier) pairs, extracting what was injected
// yields the original span context.
func TestPropagator_RoundTrip(t *testing.T) {
	prop := w3cPropagator()

	rapid.Check(t, func(t *rapid.T) {
		var traceID trace.TraceID
		copy(traceID[:], rapid.SliceOfN(rapid.Byte(), 16, 16).Draw(t, "traceID"))
		traceID[0] |= 0x01 // keep the ID valid

		var spanID trace.SpanID
		copy(spanID[:], rapid.SliceOfN(rapid.Byte(), 8, 8).Draw(t, "spanID"))
		spanID[0] |= 0x01

		sampled := rapid.Bool().Draw(t, "sampled")
		ctx := contextWithSpan(traceID, spanID, sampled)

		var carrier propagation.TextMapCarrier
		if rapid.Bool().Draw(t, "useAttributes") {
			attrs := bustrace.Attributes{}
			carrier = bustrace.AttributeCarrier{Attributes: &attrs}
		} else {
			carrier = propagation.MapCarrier{}
		}

		if err := prop.Inject(ctx, carrier); err != nil {
			t.Fatalf("inject failed: %v", err)
		}

		got := trace.SpanContextFromContext(prop.Extract(context.Background(), carrier))
		want := trace.SpanContextFromContext(ctx)

		if !got.IsValid() {
			t.Fatalf("extracted context is not valid")
		}
		if got.TraceID() != want.TraceID() {
			t.Fatalf("trace id mismatch: %s != %s", got.TraceID(), want.TraceID())
		}
		if got.SpanID() != want.SpanID() {
			t.Fatalf("span id mismatch: %s != %s", got.SpanID(), want.SpanID())
		}
		if got.IsSampled() != want.IsSampled() {
			t.Fatalf("sampled flag mismatch")
		}
		if !got.IsRemote() {
			t.Fatalf("extracted context should be remote")
		}
	})
}

func TestPropagator_InjectReportsNoMetadata(t *testing.T) {
	prop := w3cPropagator()
	ctx := contextWithSpan(trace.TraceID{0x01}, trace.SpanID{0x01}, true)

	err := prop.Inject(ctx, bustrace.CarrierFor(nil))
	if !errors.Is(err, bustrace.ErrNoMetadata) {
		t.Errorf("expected ErrNoMetadata, got %v", err)
	}
}

func TestPropagator_InjectReportsNoSpanContext(t *testing.T) {
	prop := w3cPropagator()
	attrs := bustrace.Attributes{}

	err := prop.Inject(context.Background(), bustrace.AttributeCarrier{Attributes: &attrs})
	if !errors.Is(err, bustrace.ErrNoSpanContext) {
		t.Errorf("expected ErrNoSpanContext, got %v", err)
	}
	if len(attrs) != 0 {
		t.Errorf("nothing should have been written, got %v", attrs)
	}
}

func TestPropagator_ExtractMalformed(t *testing.T) {
	prop := w3cPropagator()

	for name, attrs := range map[string]bustrace.Attributes{
		"empty":              {},
		"garbage w3c":        {"Traceparent": {"not-a-traceparent"}},
		"garbage legacy b64": {"Tracecontext": {"%%%not-base64%%%"}},
		"truncated legacy":   {"Tracecontext": {"AAEC"}},
	} {
		attrs := attrs
		t.Run(name, func(t *testing.T) {
			ctx := prop.Extract(context.Background(), bustrace.AttributeCarrier{Attributes: &attrs})
			if trace.SpanContextFromContext(ctx).IsValid() {
				t.Errorf("malformed metadata must degrade to no parent")
			}
		})
	}
}

// A producer writing legacy opencensus headers is still readable by a
// consumer that never saw any W3C fields.
func TestPropagator_LegacyFallback(t *testing.T) {
	producer := bustrace.Propagator{TextMap: propagation.TraceContext{}, LegacyHeaders: true}
	consumer := w3cPropagator()

	want := trace.SpanContextFromContext(contextWithSpan(
		trace.TraceID{0x0a, 0x0b, 0x0c}, trace.SpanID{0x01, 0x02}, true,
	))

	attrs := bustrace.Attributes{}
	carrier := bustrace.AttributeCarrier{Attributes: &attrs}
	if err := producer.Inject(trace.ContextWithSpanContext(context.Background(), want), carrier); err != nil {
		t.Fatal(err)
	}

	// drop the W3C fields so only the legacy headers remain
	delete(attrs, "Traceparent")
	delete(attrs, "Tracestate")
	if attrs.Get("Tracecontext") == "" {
		t.Fatal("expected legacy Tracecontext attribute to be set")
	}

	got := trace.SpanContextFromContext(consumer.Extract(context.Background(), carrier))
	if got.TraceID() != want.TraceID() {
		t.Errorf("trace id mismatch: %s != %s", got.TraceID(), want.TraceID())
	}
	if got.SpanID() != want.SpanID() {
		t.Errorf("span id mismatch: %s != %s", got.SpanID(), want.SpanID())
	}
}

type panickyCarrier struct{}

func (panickyCarrier) Get(string) string  { panic("carrier exploded") }
func (panickyCarrier) Set(string, string) { panic("carrier exploded") }
func (panickyCarrier) Keys() []string     { panic("carrier exploded") }

// A misbehaving carrier must never propagate a fault out of this layer.
func TestPropagator_ContainsCarrierPanics(t *testing.T) {
	prop := w3cPropagator()
	ctx := contextWithSpan(trace.TraceID{0x01}, trace.SpanID{0x01}, true)

	if err := prop.Inject(ctx, panickyCarrier{}); err == nil {
		t.Errorf("expected inject to report the contained fault")
	}

	out := prop.Extract(context.Background(), panickyCarrier{})
	if trace.SpanContextFromContext(out).IsValid() {
		t.Errorf("expected extract to degrade to no parent")
	}
}
