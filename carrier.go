package bustrace

import (
	"go.opentelemetry.io/otel/propagation"
)

// AttributeCarrier adapts a Message's Attributes to the
// propagation.TextMapCarrier contract so trace context can be injected
// into, and extracted from, message metadata.
type AttributeCarrier struct {
	Attributes *Attributes
}

var _ propagation.TextMapCarrier = AttributeCarrier{}

// Get returns the first value associated with key, or "".
func (c AttributeCarrier) Get(key string) string {
	return c.Attributes.Get(key)
}

// Set sets key to the single element value.
func (c AttributeCarrier) Set(key, value string) {
	c.Attributes.Set(key, value)
}

// Keys lists the keys stored in the underlying attributes.
func (c AttributeCarrier) Keys() []string {
	keys := make([]string, 0, len(*c.Attributes))
	for key := range *c.Attributes {
		keys = append(keys, key)
	}
	return keys
}

// nopCarrier is used for messages that expose no metadata capability.
// All operations are no-ops; propagation silently degrades to "no parent"
// rather than failing the send.
type nopCarrier struct{}

var _ propagation.TextMapCarrier = nopCarrier{}

func (nopCarrier) Get(string) string  { return "" }
func (nopCarrier) Set(string, string) {}
func (nopCarrier) Keys() []string     { return nil }

// CarrierFor returns a TextMapCarrier over m's metadata. A nil message, or
// a message without attributes, yields a carrier whose operations are
// no-ops. Tracing must never break message delivery, so an uncarriable
// message is not an error here.
func CarrierFor(m *Message) propagation.TextMapCarrier {
	if m == nil || m.Attributes == nil {
		return nopCarrier{}
	}
	return AttributeCarrier{Attributes: &m.Attributes}
}
