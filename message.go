package bustrace

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/textproto"
)

// Attributes represent the key-value metadata carried with a Message.
type Attributes map[string][]string

// from https://golang.org/src/net/http/header.go#L62
func (a Attributes) clone() Attributes {
	a2 := make(Attributes, len(a))
	for k, vv := range a {
		vv2 := make([]string, len(vv))
		copy(vv2, vv)
		a2[k] = vv2
	}
	return a2
}

// Get returns the first value associated with the given key.
// It is case insensitive; CanonicalMIME is used to cannonicalize the provided
// key. If there are no values associated with the key, Get returns "".
// To access multiple values of a key, or to use non-canonical keys,
// access the map directly.
func (a Attributes) Get(key string) string {
	return textproto.MIMEHeader(a).Get(key)
}

// Set sets the attribute entries associated with key to the single element
// value. It replaces any existing values associated with key.
//
// Note: MIMEHeader automatically capitalizes the first letter of the key.
func (a Attributes) Set(key, value string) {
	textproto.MIMEHeader(a).Set(key, value)
}

// A Message represents a discrete message addressed to a bus destination.
//
// Attributes are written once by the producer, before the message is
// considered sent, and are read-only thereafter. Concurrent reads by
// multiple consumers of a published message are safe without
// synchronization.
type Message struct {
	// Address identifies the bus destination ("topic") the message was
	// sent to. It is set at production time and never changes.
	Address string

	Attributes Attributes
	Body       io.Reader
}

// WithBody creates a new Message with the given io.Reader as a Body,
// carrying the parent's Address and a copy of its Attributes.
//	p := &Message{
//		Address: "alerts",
//		Attributes: Attributes{},
//		Body: strings.NewReader("hello world"),
//	}
//	p.Attributes.Set("hello", "world")
//	m := WithBody(p, strings.NewReader("world hello"))
func WithBody(parent *Message, r io.Reader) *Message {
	return &Message{
		Address:    parent.Address,
		Attributes: parent.Attributes.clone(),
		Body:       r,
	}
}

// DumpBody returns the contents of m.Body
// while resetting m.Body
// allowing it to be read from later.
func DumpBody(m *Message) ([]byte, error) {
	b := m.Body
	// inspired by https://golang.org/src/net/http/httputil/dump.go#L26
	var buf bytes.Buffer

	if _, err := buf.ReadFrom(b); err != nil {
		return nil, err
	}
	m.Body = &buf

	return buf.Bytes(), nil
}

// CloneBody returns a reader
// with the same contents as m.Body.
// m.Body is reset allowing it to be read from later.
func CloneBody(m *Message) (io.Reader, error) {
	b, err := DumpBody(m)
	if err != nil {
		return nil, err
	}

	return bytes.NewBuffer(b), nil
}

// A Handler processes a Message delivered to a consumer.
//
// Handle should process the message and then return. Returning signals that
// the message has been processed. It is not valid to read from the
// Message.Body after or concurrently with the completion of the Handle call.
//
// If Handle returns an error, the bus (the caller of Handle) assumes the
// message has not been processed; what happens next (retry, dead-letter)
// is the bus's business, not this layer's.
type Handler interface {
	Handle(context.Context, *Message) error
}

// The HandlerFunc is an adapter to allow the use of ordinary functions
// as a Handler. HandlerFunc(f) is a Handler that calls f.
type HandlerFunc func(context.Context, *Message) error

// Handle calls f(ctx,m)
func (f HandlerFunc) Handle(ctx context.Context, m *Message) error {
	return f(ctx, m)
}

// ErrBusClosed represents a completed Shutdown
var ErrBusClosed = errors.New("bustrace: bus closed")

// ErrNoConsumer is returned by point-to-point operations when no consumer
// is registered on the destination address.
var ErrNoConsumer = errors.New("bustrace: no consumer registered on address")

// ErrReplyTimeout is the error recorded on a request span when no reply
// arrives within the configured timeout.
var ErrReplyTimeout = errors.New("bustrace: reply timed out")
