// Package bustrace correlates distributed-tracing spans across the hops a
// message takes on an asynchronous, address-based bus.
//
// How it works
//
// A bus integration calls into a BusTracer from its interception points.
// On the producer side, BeforeSend opens a PRODUCER span for the operation
// (send, publish or request) and injects its context into the message
// attributes; AfterSend closes it. On the consumer side, BeforeDeliver
// extracts the producer context and marks arrival with a closed receive
// span, BeforeInvokeHandler opens the handle span the handler runs under,
// and AfterInvokeHandler closes it, recording any handler error without
// swallowing it. Requests stay open until OnReply resolves them or the
// reply timeout closes them.
//
// Propagation is best-effort by design: a message without metadata, or
// metadata that cannot be parsed, degrades to an unlinked trace. Tracing
// never breaks message delivery.
//
// Examples
//
// Producer side:
//
//	tracer := bustrace.NewBusTracer()
//	tok := tracer.BeforeSend(ctx, m, bustrace.OpSend)
//	err := transport.Send(tok.Context(), m)
//	tracer.AfterSend(tok, err)
//
// Consumer side, once per delivery:
//
//	dt := tracer.BeforeDeliver(ctx, m)
//	ht := tracer.BeforeInvokeHandler(dt)
//	err := handler.Handle(ht.Context(), m)
//	tracer.AfterInvokeHandler(ht, err)
//	// err still belongs to the caller
package bustrace
