package bustrace

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	ocpropagation "go.opencensus.io/trace/propagation"
	"go.opentelemetry.io/otel"
	ocbridge "go.opentelemetry.io/otel/bridge/opencensus"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	// Legacy attribute keys written by older opencensus-based producers.
	traceContextKey = "Tracecontext"
	traceStateKey   = "Tracestate"
)

// ErrNoMetadata is reported by Inject when the target message exposes no
// metadata capability. The Dispatch Adapter collapses it to best-effort;
// it exists so tests and diagnostics can still see that propagation was
// skipped.
var ErrNoMetadata = errors.New("bustrace: message has no metadata to carry trace context")

// ErrNoSpanContext is reported by Inject when ctx carries no valid span.
var ErrNoSpanContext = errors.New("bustrace: no valid span context to inject")

// Propagator moves trace context between a context.Context and a message
// carrier. The wire format is whatever text format the configured
// TextMapPropagator speaks (W3C tracecontext by default), so messages
// interoperate with other services on the same bus.
//
// The zero value uses the global otel propagator and writes no legacy
// headers.
type Propagator struct {
	// TextMap overrides the propagator used for the text wire format.
	// Nil means otel.GetTextMapPropagator() at call time.
	TextMap propagation.TextMapPropagator

	// LegacyHeaders additionally writes base64 opencensus binary headers
	// on inject, for consumers that predate the W3C format.
	LegacyHeaders bool
}

func (p Propagator) textMap() propagation.TextMapPropagator {
	if p.TextMap != nil {
		return p.TextMap
	}
	return otel.GetTextMapPropagator()
}

// Inject writes the span context carried by ctx into the carrier.
//
// Unlike the adapter boundary, Inject reports failure: callers inside this
// layer get to know that a message left untraced. Carriers are caller
// supplied, so a panicking implementation is contained here too.
func (p Propagator) Inject(ctx context.Context, carrier propagation.TextMapCarrier) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("bustrace: carrier panicked during inject: %v", r)
		}
	}()

	if _, ok := carrier.(nopCarrier); ok {
		return ErrNoMetadata
	}

	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ErrNoSpanContext
	}

	p.textMap().Inject(ctx, carrier)

	if p.LegacyHeaders {
		// also send opencensus headers for backwards compatibility
		ocSpan := ocbridge.OTelSpanContextToOC(sc)
		bs := ocpropagation.Binary(ocSpan)
		carrier.Set(traceContextKey, base64.StdEncoding.EncodeToString(bs))
		if ts := tracestateToString(ocSpan); ts != "" {
			carrier.Set(traceStateKey, ts)
		}
	}

	return nil
}

// Extract reads trace context out of the carrier and returns a context
// carrying it as a remote parent. Extraction never fails the caller:
// absent or malformed entries yield ctx unchanged, and the worst case is
// an untraced, parentless span downstream.
func (p Propagator) Extract(ctx context.Context, carrier propagation.TextMapCarrier) (out context.Context) {
	out = ctx
	defer func() {
		if recover() != nil {
			out = ctx
		}
	}()

	tmprop := p.textMap()

	// If any of the fields used by the text map propagation is set,
	// the message came from a producer speaking the current format.
	for _, field := range tmprop.Fields() {
		if carrier.Get(field) != "" {
			return tmprop.Extract(ctx, carrier)
		}
	}

	// Fall back to the old opencensus binary headers.
	traceContextB64 := carrier.Get(traceContextKey)
	if traceContextB64 == "" {
		return ctx
	}

	traceContext, err := base64.StdEncoding.DecodeString(traceContextB64)
	if err != nil {
		return ctx
	}

	spanContext, ok := ocpropagation.FromBinary(traceContext)
	if !ok {
		return ctx
	}

	if s := carrier.Get(traceStateKey); s != "" {
		spanContext.Tracestate = tracestateFromString(s)
	}

	otelSpanContext := ocbridge.OCSpanContextToOTel(spanContext)
	if !otelSpanContext.IsValid() {
		return ctx
	}

	return trace.ContextWithRemoteSpanContext(ctx, otelSpanContext)
}
