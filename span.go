package bustrace

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrSpanEnded is the error used for End operations on an already-ended
// SpanHandle. Hitting it means the caller broke the one-Start-one-End
// pairing discipline.
var ErrSpanEnded = errors.New("bustrace: span already ended")

// spanStarter creates spans for named bus operations. It is a thin layer
// over an otel Tracer which pins the pairing discipline: every handle it
// returns must be ended exactly once, on every exit path.
type spanStarter struct {
	tracer trace.Tracer
}

// Start opens a span with the given name and kind, parented on whatever
// span ctx carries. The returned context carries the new span and is the
// one to propagate to children and downstream carriers.
func (s spanStarter) Start(
	ctx context.Context,
	name string,
	kind trace.SpanKind,
	attrs ...attribute.KeyValue,
) (context.Context, *SpanHandle) {
	ctx, span := s.tracer.Start(
		ctx,
		name,
		trace.WithSpanKind(kind),
		trace.WithAttributes(attrs...),
	)

	return ctx, &SpanHandle{ctx: ctx, span: span}
}

// SpanHandle represents one open span. Exactly one call path owns a handle
// and is responsible for ending it; handles are not shared across
// goroutines.
type SpanHandle struct {
	ctx  context.Context
	span trace.Span

	mux   sync.Mutex
	ended bool
}

// Context returns the context carrying this handle's span. This is the
// context to inject into carriers and to run child work under.
func (h *SpanHandle) Context() context.Context {
	return h.ctx
}

// SetAttributes sets additional attributes on the open span.
func (h *SpanHandle) SetAttributes(attrs ...attribute.KeyValue) {
	h.span.SetAttributes(attrs...)
}

// End closes the span. A non-nil err is recorded on the span and marks its
// status as Error; a nil err leaves the status unset (success).
//
// End returns ErrSpanEnded if the handle was already ended. The span itself
// is untouched in that case, so a pairing bug corrupts nothing.
func (h *SpanHandle) End(err error) error {
	h.mux.Lock()
	defer h.mux.Unlock()

	if h.ended {
		return ErrSpanEnded
	}
	h.ended = true

	if err != nil {
		h.span.RecordError(err)
		h.span.SetStatus(codes.Error, err.Error())
	}
	h.span.End()

	return nil
}
