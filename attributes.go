package bustrace

import (
	"go.opentelemetry.io/otel/attribute"
)

// Stable span attribute keys exposed by this integration.
const (
	AttrSystem          = attribute.Key("messaging.system")
	AttrDestination     = attribute.Key("messaging.destination")
	AttrDestinationKind = attribute.Key("messaging.destination_kind")
	AttrOperation       = attribute.Key("messaging.operation")
	AttrPayloadSize     = attribute.Key("messaging.message.payload.size")

	// AttrReplyPayloadSize records the payload size of the reply that
	// resolved a request span.
	AttrReplyPayloadSize = attribute.Key("messaging.message.reply.payload.size")

	// AttrBusIntegration marks spans produced by this bus integration.
	AttrBusIntegration = attribute.Key("messaging.bus")
)

// Operation identifies the bus operation a span describes. It is fixed at
// span-creation time and never changes afterwards.
type Operation string

const (
	OpSend    Operation = "send"
	OpPublish Operation = "publish"
	OpRequest Operation = "request"
	OpReceive Operation = "receive"
	OpProcess Operation = "process"
)

// Span names used by the correlation layer.
const (
	SpanNameSend    = "bus.send"
	SpanNamePublish = "bus.publish"
	SpanNameRequest = "bus.request"
	SpanNameReceive = "bus.receive"
	SpanNameHandle  = "bus.handle"
)

const (
	systemName      = "bus"
	destinationKind = "topic"
)

// producerSpanName maps a producer operation to its span name.
func producerSpanName(op Operation) string {
	switch op {
	case OpPublish:
		return SpanNamePublish
	case OpRequest:
		return SpanNameRequest
	default:
		return SpanNameSend
	}
}

// operationAttributes builds the base attribute set shared by every span
// this layer creates.
func operationAttributes(address string, op Operation) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrSystem.String(systemName),
		AttrDestination.String(address),
		AttrDestinationKind.String(destinationKind),
		AttrOperation.String(string(op)),
		AttrBusIntegration.Bool(true),
	}
}
