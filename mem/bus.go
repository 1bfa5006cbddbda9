// Package mem provides an in-memory, address-based event bus wired to a
// bustrace.BusTracer. It exists so the correlation layer has a concrete
// set of interception points to drive, and so tests and examples can
// observe full producer to consumer traces without a broker.
package mem

import (
	"bytes"
	"context"
	"errors"
	"log"
	"sync"
	"time"

	bustrace "github.com/zerofox-oss/go-bustrace"
	"golang.org/x/sync/errgroup"
)

// NewMessage builds a Message addressed to address with an attribute map
// ready for context injection and a size-measurable body.
func NewMessage(address string, payload []byte) *bustrace.Message {
	return &bustrace.Message{
		Address:    address,
		Attributes: bustrace.Attributes{},
		Body:       bytes.NewReader(payload),
	}
}

// Bus routes messages between producers and registered consumers.
// Consumers run on the bus's own goroutines; producers and consumers share
// no thread affinity.
type Bus struct {
	tracer *bustrace.BusTracer

	// ReplyTimeout bounds how long Request waits for a reply.
	replyTimeout time.Duration

	mux       sync.Mutex
	consumers map[string][]*Subscription
	cursor    map[string]int // round-robin position per address for Send

	// maxConcurrentDeliveries is a buffered channel which acts as
	// a shared lock that limits the number of concurrent deliveries
	maxConcurrentDeliveries chan struct{}

	listenerCtx        context.Context
	listenerCancelFunc context.CancelFunc

	receiverCtx        context.Context
	receiverCancelFunc context.CancelFunc
}

// NewBus creates a Bus delivering through tracer with at most cc
// concurrent deliveries.
func NewBus(tracer *bustrace.BusTracer, cc int, opts ...BusOption) *Bus {
	listenerCtx, listenerCancelFunc := context.WithCancel(context.Background())
	receiverCtx, receiverCancelFunc := context.WithCancel(context.Background())

	b := &Bus{
		tracer:       tracer,
		replyTimeout: 30 * time.Second,
		consumers:    make(map[string][]*Subscription),
		cursor:       make(map[string]int),

		maxConcurrentDeliveries: make(chan struct{}, cc),

		listenerCtx:        listenerCtx,
		listenerCancelFunc: listenerCancelFunc,
		receiverCtx:        receiverCtx,
		receiverCancelFunc: receiverCancelFunc,
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithReplyTimeout sets how long Request blocks waiting for a reply.
func WithReplyTimeout(d time.Duration) BusOption {
	return func(b *Bus) {
		b.replyTimeout = d
	}
}

// Subscription is one registered consumer. Close unregisters it; messages
// already in flight still complete.
type Subscription struct {
	address string
	handler bustrace.Handler
	bus     *Bus
}

// Close unregisters the consumer.
func (s *Subscription) Close() error {
	s.bus.mux.Lock()
	defer s.bus.mux.Unlock()

	subs := s.bus.consumers[s.address]
	for i, sub := range subs {
		if sub == s {
			s.bus.consumers[s.address] = append(subs[:i:i], subs[i+1:]...)
			return nil
		}
	}
	return errors.New("mem: subscription already closed")
}

// Consumer registers a handler on an address. Multiple consumers may share
// an address: Send round-robins between them, Publish reaches all of them.
func (b *Bus) Consumer(address string, h bustrace.Handler) *Subscription {
	sub := &Subscription{address: address, handler: h, bus: b}

	b.mux.Lock()
	b.consumers[address] = append(b.consumers[address], sub)
	b.mux.Unlock()

	return sub
}

// Send delivers m to exactly one consumer of m.Address, chosen round-robin.
// Delivery is asynchronous; Send returns once the message is handed off.
func (b *Bus) Send(ctx context.Context, m *bustrace.Message) error {
	tok := b.tracer.BeforeSend(ctx, m, bustrace.OpSend)
	err := b.dispatchOne(m, nil)
	b.tracer.AfterSend(tok, err)
	return err
}

// Publish delivers m to every consumer of m.Address. Each consumer is an
// independent delivery: its own receive/handle span pair, its own failure
// domain. A handler error in one consumer does not affect the others.
func (b *Bus) Publish(ctx context.Context, m *bustrace.Message) error {
	tok := b.tracer.BeforeSend(ctx, m, bustrace.OpPublish)
	err := b.dispatchAll(m)
	b.tracer.AfterSend(tok, err)
	return err
}

// Request delivers m to one consumer and blocks until that consumer
// replies (see Reply), the reply timeout elapses, or ctx cancels. The
// request span is resolved accordingly.
func (b *Bus) Request(ctx context.Context, m *bustrace.Message) (*bustrace.Message, error) {
	replyChan := make(chan replyResult, 1)

	tok := b.tracer.BeforeSend(ctx, m, bustrace.OpRequest)
	err := b.dispatchOne(m, replyChan)
	b.tracer.AfterSend(tok, err)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(b.replyTimeout)
	defer timer.Stop()

	select {
	case res := <-replyChan:
		b.tracer.OnReply(tok, res.msg, res.err)
		return res.msg, res.err

	case <-timer.C:
		b.tracer.OnReply(tok, nil, bustrace.ErrReplyTimeout)
		return nil, bustrace.ErrReplyTimeout

	case <-ctx.Done():
		b.tracer.OnReply(tok, nil, ctx.Err())
		return nil, ctx.Err()
	}
}

// dispatchOne hands m to the next consumer of m.Address in round-robin
// order.
func (b *Bus) dispatchOne(m *bustrace.Message, replyChan chan replyResult) error {
	if err := b.listenerCtx.Err(); err != nil {
		return bustrace.ErrBusClosed
	}

	b.mux.Lock()
	subs := b.consumers[m.Address]
	if len(subs) == 0 {
		b.mux.Unlock()
		return bustrace.ErrNoConsumer
	}
	sub := subs[b.cursor[m.Address]%len(subs)]
	b.cursor[m.Address]++
	b.mux.Unlock()

	// acquire "lock"
	b.maxConcurrentDeliveries <- struct{}{}

	go func() {
		defer func() {
			<-b.maxConcurrentDeliveries
		}()

		if err := b.deliver(sub, m, replyChan); err != nil {
			log.Printf("[ERROR] handler error on %s: %v", m.Address, err)
		}
	}()

	return nil
}

// dispatchAll fans m out to every consumer of m.Address. Each consumer
// reads its own copy of the body; the attribute map is shared read-only.
func (b *Bus) dispatchAll(m *bustrace.Message) error {
	if err := b.listenerCtx.Err(); err != nil {
		return bustrace.ErrBusClosed
	}

	b.mux.Lock()
	subs := make([]*Subscription, len(b.consumers[m.Address]))
	copy(subs, b.consumers[m.Address])
	b.mux.Unlock()

	if len(subs) == 0 {
		return nil
	}

	payload, err := bustrace.DumpBody(m)
	if err != nil {
		return err
	}

	g := &errgroup.Group{}
	for _, sub := range subs {
		sub := sub
		instance := &bustrace.Message{
			Address:    m.Address,
			Attributes: m.Attributes,
			Body:       bytes.NewReader(payload),
		}

		// acquire "lock"
		b.maxConcurrentDeliveries <- struct{}{}

		g.Go(func() error {
			defer func() {
				<-b.maxConcurrentDeliveries
			}()

			return b.deliver(sub, instance, nil)
		})
	}

	// join the fan-out off the caller's goroutine; Publish stays async
	go func() {
		if err := g.Wait(); err != nil {
			log.Printf("[ERROR] handler error on %s: %v", m.Address, err)
		}
	}()

	return nil
}

// deliver runs one DeliveryInstance: receive span, handle span, handler.
// A delivery cancelled before the handler runs still closes its handle
// span, with the cancellation as its error.
func (b *Bus) deliver(sub *Subscription, m *bustrace.Message, replyChan chan replyResult) error {
	var rep *replier
	if replyChan != nil {
		rep = &replier{c: replyChan, address: m.Address}
	}

	dt := b.tracer.BeforeDeliver(b.receiverCtx, m)
	ht := b.tracer.BeforeInvokeHandler(dt)

	if err := b.receiverCtx.Err(); err != nil {
		b.tracer.AfterInvokeHandler(ht, err)
		if rep != nil {
			rep.fail(err)
		}
		return err
	}

	ctx := ht.Context()
	if rep != nil {
		ctx = context.WithValue(ctx, replierKey{}, rep)
	}

	err := sub.handler.Handle(ctx, m)
	b.tracer.AfterInvokeHandler(ht, err)

	if err != nil && rep != nil {
		// failure reply: the requester gets the handler's error through
		// its normal failure channel
		rep.fail(err)
	}

	return err
}

// shutdownPollInterval is how often we poll for quiescence
// during Bus.Shutdown.
var shutdownPollInterval = 50 * time.Millisecond

// Shutdown stops accepting new messages and waits for deliveries in
// flight to complete. If the provided context expires first, remaining
// deliveries are cancelled and the context's error is returned.
func (b *Bus) Shutdown(ctx context.Context) error {
	if ctx == nil {
		panic("invalid context (nil)")
	}
	b.listenerCancelFunc()

	ticker := time.NewTicker(shutdownPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.receiverCancelFunc()
			return ctx.Err()

		case <-ticker.C:
			if len(b.maxConcurrentDeliveries) == 0 {
				return bustrace.ErrBusClosed
			}
		}
	}
}
