package bustrace

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/zerofox-oss/go-bustrace"

// Options configure a BusTracer.
type Options struct {
	TracerProvider trace.TracerProvider
	Propagator     Propagator
	ReplyTimeout   time.Duration
	SweepInterval  time.Duration

	// legacyHeaders is folded into Propagator after all options run, so
	// WithLegacyHeaders works regardless of its position relative to
	// WithPropagator.
	legacyHeaders *bool
}

type Option func(*Options)

// WithTracerProvider overrides the tracer provider used to create spans.
// The default is the global otel provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Options) {
		o.TracerProvider = tp
	}
}

// WithPropagator overrides the context Propagator.
func WithPropagator(p Propagator) Option {
	return func(o *Options) {
		o.Propagator = p
	}
}

// WithReplyTimeout sets how long a request span stays open waiting for a
// reply before it is closed with ErrReplyTimeout.
func WithReplyTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.ReplyTimeout = d
	}
}

// WithSweepInterval sets how often pending requests are checked for
// expiry. Mostly useful to tighten tests.
func WithSweepInterval(d time.Duration) Option {
	return func(o *Options) {
		o.SweepInterval = d
	}
}

// WithLegacyHeaders additionally writes opencensus binary headers on every
// inject, for consumers that predate the W3C text format. It may be
// combined with WithPropagator in any order.
func WithLegacyHeaders(legacy bool) Option {
	return func(o *Options) {
		o.legacyHeaders = &legacy
	}
}

// BusTracer correlates trace spans across the hops a bus message takes:
// producer creation, wire propagation through message attributes, consumer
// receipt, and handler execution. It is the contract the bus's
// interception points call into.
//
// Every Before* call returns a token which must be paired with exactly one
// corresponding After*/OnReply call on every exit path. Tokens are owned
// by one logical call path and are not shared across goroutines; producer
// and consumer calls for the same message may run on unrelated goroutines.
type BusTracer struct {
	starter spanStarter
	prop    Propagator
	replies *replyRegistry
	stats   *handleStats
}

// NewBusTracer creates a BusTracer and starts its reply-expiry loop.
// Callers should Close it when done to stop the loop and time out any
// requests still pending.
func NewBusTracer(opts ...Option) *BusTracer {
	options := &Options{
		ReplyTimeout:  30 * time.Second,
		SweepInterval: 50 * time.Millisecond,
	}

	for _, opt := range opts {
		opt(options)
	}
	if options.legacyHeaders != nil {
		options.Propagator.LegacyHeaders = *options.legacyHeaders
	}

	tp := options.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	return &BusTracer{
		starter: spanStarter{tracer: tp.Tracer(tracerName)},
		prop:    options.Propagator,
		replies: newReplyRegistry(options.ReplyTimeout, options.SweepInterval),
		stats:   newHandleStats(),
	}
}

// Close stops the reply-expiry loop. Requests still pending are closed
// with ErrBusClosed so no span is leaked. If the provided context cancels
// first, its error is returned.
func (t *BusTracer) Close(ctx context.Context) error {
	return t.replies.close(ctx)
}

// AvgProcessingTime reports the rolling average handler processing time
// observed by AfterInvokeHandler. Zero until enough handlers have run.
func (t *BusTracer) AvgProcessingTime() time.Duration {
	return t.stats.avg()
}

// ProducerToken pairs a BeforeSend with its AfterSend (and, for requests,
// its OnReply).
type ProducerToken struct {
	op      Operation
	handle  *SpanHandle
	pending *pendingReply

	// injectErr keeps the propagation result visible for diagnostics.
	// The send itself never sees it.
	injectErr error
}

// Context returns the context carrying the producer span. The bus should
// make it the active context for the duration of the send call.
func (t *ProducerToken) Context() context.Context {
	return t.handle.Context()
}

// InjectError reports whether context injection into the message carrier
// failed, and why. A non-nil result means downstream spans will not be
// linked to this producer span; the message was still sent.
func (t *ProducerToken) InjectError() error {
	return t.injectErr
}

// DeliveryToken represents one (consumer, message) pairing. For a publish
// with N consumers, N independent DeliveryTokens exist, all rooted in the
// same producer context but otherwise independent failure domains.
type DeliveryToken struct {
	address string
	ctx     context.Context
}

// HandleToken pairs a BeforeInvokeHandler with its AfterInvokeHandler.
type HandleToken struct {
	handle  *SpanHandle
	started time.Time
}

// Context returns the context carrying the handle span. The handler must
// be invoked under it.
func (t *HandleToken) Context() context.Context {
	return t.handle.Context()
}

// BeforeSend opens the producer span for a send, publish, or request on
// m.Address, parented on whatever span ctx carries, and injects the new
// span's context into the message attributes.
//
// Injection is best-effort: a message without metadata, or a carrier
// fault, degrades to an unlinked trace and never fails the send. The
// result is retrievable from the token for diagnostics.
func (t *BusTracer) BeforeSend(ctx context.Context, m *Message, op Operation) *ProducerToken {
	attrs := operationAttributes(m.Address, op)
	if n, ok := payloadSize(m); ok {
		attrs = append(attrs, AttrPayloadSize.Int(n))
	}

	sctx, handle := t.starter.Start(ctx, producerSpanName(op), trace.SpanKindProducer, attrs...)

	return &ProducerToken{
		op:        op,
		handle:    handle,
		injectErr: t.prop.Inject(sctx, CarrierFor(m)),
	}
}

// AfterSend closes out the producer side of the operation. A non-nil err
// (the send itself failed) closes the span with that error regardless of
// operation. A successful request leaves its span open: it is resolved
// later by OnReply or by the reply timeout. Everything else closes with
// success.
func (t *BusTracer) AfterSend(tok *ProducerToken, err error) {
	if tok == nil {
		return
	}

	if err == nil && tok.op == OpRequest {
		tok.pending = t.replies.register(tok.handle)
		return
	}

	_ = tok.handle.End(err)
}

// OnReply resolves a request's ReplyCorrelation. A nil err closes the
// request span with success, recording the reply's payload size when it is
// measurable; a non-nil err (failure reply) closes it with that error.
// Replies that lose the race with the timeout are ignored: the span was
// already closed with ErrReplyTimeout.
func (t *BusTracer) OnReply(tok *ProducerToken, reply *Message, err error) {
	if tok == nil || tok.pending == nil {
		return
	}

	res := resolution{pending: tok.pending, err: err}
	if err == nil && reply != nil {
		res.replySize, res.hasSize = payloadSize(reply)
	}
	t.replies.resolve(res)
}

// BeforeDeliver opens and immediately closes the receive span for one
// DeliveryInstance. Receive marks the point in time the message arrived
// at this consumer, not an interval spanning processing.
//
// The parent is the producer context extracted from the message
// attributes; a message without parseable context still gets a receive
// span, parented on ctx (so an untraced producer yields a usable, if
// parentless, consumer trace).
func (t *BusTracer) BeforeDeliver(ctx context.Context, m *Message) *DeliveryToken {
	parent := t.prop.Extract(ctx, CarrierFor(m))

	rctx, receive := t.starter.Start(
		parent,
		SpanNameReceive,
		trace.SpanKindConsumer,
		operationAttributes(m.Address, OpReceive)...,
	)
	_ = receive.End(nil)

	return &DeliveryToken{address: m.Address, ctx: rctx}
}

// BeforeInvokeHandler opens the handle span for a delivery, parented on
// that same delivery's receive span, never another delivery's.
func (t *BusTracer) BeforeInvokeHandler(dt *DeliveryToken) *HandleToken {
	_, handle := t.starter.Start(
		dt.ctx,
		SpanNameHandle,
		trace.SpanKindConsumer,
		operationAttributes(dt.address, OpProcess)...,
	)

	return &HandleToken{handle: handle, started: time.Now()}
}

// AfterInvokeHandler closes the handle span. A non-nil err (the handler
// returned an error, or the delivery was cancelled before it could run) is
// recorded on the span; the caller must still surface err through its
// normal failure channel; this layer never swallows handler errors.
func (t *BusTracer) AfterInvokeHandler(ht *HandleToken, err error) {
	if ht == nil {
		return
	}

	t.stats.observe(time.Since(ht.started))
	_ = ht.handle.End(err)
}

// payloadSize measures a message payload when its Body exposes a length.
// bytes.Buffer, bytes.Reader and strings.Reader all do; an arbitrary
// stream does not, and we will not drain one to find out.
func payloadSize(m *Message) (int, bool) {
	if m == nil || m.Body == nil {
		return 0, false
	}
	if l, ok := m.Body.(interface{ Len() int }); ok {
		return l.Len(), true
	}
	return 0, false
}
