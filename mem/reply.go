package mem

import (
	"bytes"
	"context"
	"errors"
	"sync"

	bustrace "github.com/zerofox-oss/go-bustrace"
)

// ErrNoRequest is returned by Reply when the handler context does not
// belong to a Request delivery.
var ErrNoRequest = errors.New("mem: no request to reply to")

// ErrAlreadyReplied is returned by Reply when the request was already
// answered once.
var ErrAlreadyReplied = errors.New("mem: request already replied to")

type replierKey struct{}

type replyResult struct {
	msg *bustrace.Message
	err error
}

type replier struct {
	c       chan replyResult
	address string

	mux  sync.Mutex
	done bool
}

func (r *replier) reply(payload []byte) error {
	r.mux.Lock()
	defer r.mux.Unlock()

	if r.done {
		return ErrAlreadyReplied
	}
	r.done = true

	r.c <- replyResult{msg: &bustrace.Message{
		Address:    r.address,
		Attributes: bustrace.Attributes{},
		Body:       bytes.NewReader(payload),
	}}
	return nil
}

// fail resolves the request with an error. If the handler already replied,
// the original reply stands and the error only travels back through the
// bus's return path.
func (r *replier) fail(err error) {
	r.mux.Lock()
	defer r.mux.Unlock()

	if r.done {
		return
	}
	r.done = true

	r.c <- replyResult{err: err}
}

// Reply answers the request the handler is currently processing. It is
// only meaningful inside a handler invoked through Bus.Request; anywhere
// else it returns ErrNoRequest.
func Reply(ctx context.Context, payload []byte) error {
	r, ok := ctx.Value(replierKey{}).(*replier)
	if !ok {
		return ErrNoRequest
	}
	return r.reply(payload)
}
