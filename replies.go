package bustrace

import (
	"context"
	"time"

	pq "github.com/JimWen/gods-generic/queues/priorityqueue"
	"github.com/JimWen/gods-generic/utils"
)

// pendingReply links a producer's open request span to the eventual reply
// or timeout. It is owned by the producer-side token until resolved.
type pendingReply struct {
	handle   *SpanHandle
	deadline time.Time

	// resolved is touched only by the registry's dispatch goroutine.
	resolved bool
}

type resolution struct {
	pending   *pendingReply
	replySize int
	hasSize   bool
	err       error
}

// replyRegistry tracks open request spans and closes each one exactly
// once: on reply, on timeout, or on registry shutdown. All state lives in
// a single dispatch goroutine; registration and resolution are funneled
// through channels so a reply racing its own timeout is serialized rather
// than double-ending the span.
type replyRegistry struct {
	timeout       time.Duration
	sweepInterval time.Duration

	registerChan chan *pendingReply
	resolveChan  chan resolution
	closeChan    chan chan struct{}

	// done is closed when the dispatch loop has exited.
	done chan struct{}
}

func newReplyRegistry(timeout, sweepInterval time.Duration) *replyRegistry {
	r := &replyRegistry{
		timeout:       timeout,
		sweepInterval: sweepInterval,
		registerChan:  make(chan *pendingReply),
		resolveChan:   make(chan resolution),
		closeChan:     make(chan chan struct{}),
		done:          make(chan struct{}),
	}

	go r.dispatch()
	return r
}

// register enrolls an open request span for reply correlation. If the
// registry has already shut down the span is closed immediately rather
// than leaked, and nil is returned.
func (r *replyRegistry) register(h *SpanHandle) *pendingReply {
	p := &pendingReply{
		handle:   h,
		deadline: time.Now().Add(r.timeout),
	}

	select {
	case r.registerChan <- p:
		return p
	case <-r.done:
		_ = h.End(ErrBusClosed)
		return nil
	}
}

// resolve reports the outcome of a request. Resolution is once-only: a
// pending reply that already timed out is left alone.
func (r *replyRegistry) resolve(res resolution) {
	if res.pending == nil {
		return
	}

	select {
	case r.resolveChan <- res:
	case <-r.done:
	}
}

// close stops the dispatch loop, closing any still-pending request span
// with ErrBusClosed. If ctx cancels before the loop drains, its error is
// returned and the loop is abandoned mid-drain.
func (r *replyRegistry) close(ctx context.Context) error {
	drained := make(chan struct{})

	select {
	case r.closeChan <- drained:
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *replyRegistry) dispatch() {
	defer close(r.done)

	queue := pq.NewWith(func(a, b *pendingReply) int {
		return utils.NumberComparator(a.deadline.UnixNano(), b.deadline.UnixNano())
	})

	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case drained := <-r.closeChan:
			for {
				p, ok := queue.Dequeue()
				if !ok {
					break
				}
				if !p.resolved {
					p.resolved = true
					_ = p.handle.End(ErrBusClosed)
				}
			}
			close(drained)
			return

		case p := <-r.registerChan:
			queue.Enqueue(p)

		case res := <-r.resolveChan:
			if res.pending.resolved {
				continue
			}
			res.pending.resolved = true

			if res.err != nil {
				_ = res.pending.handle.End(res.err)
				continue
			}
			if res.hasSize {
				res.pending.handle.SetAttributes(AttrReplyPayloadSize.Int(res.replySize))
			}
			_ = res.pending.handle.End(nil)

		case now := <-ticker.C:
			// Resolved entries stay queued until their deadline comes up;
			// they are skipped here.
			for {
				p, ok := queue.Peek()
				if !ok || p.deadline.After(now) {
					break
				}
				queue.Dequeue()
				if p.resolved {
					continue
				}
				p.resolved = true
				_ = p.handle.End(ErrReplyTimeout)
			}
		}
	}
}
