package bustrace

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func testStarter(t *testing.T) (spanStarter, *tracetest.SpanRecorder) {
	t.Helper()

	sr := tracetest.NewSpanRecorder()
	tp := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(sr))
	t.Cleanup(func() {
		tp.Shutdown(context.Background())
	})

	return spanStarter{tracer: tp.Tracer("replies_test")}, sr
}

func TestReplyRegistry_TimeoutOrder(t *testing.T) {
	starter, sr := testStarter(t)
	r := newReplyRegistry(20*time.Millisecond, 5*time.Millisecond)
	defer r.close(context.Background())

	_, early := starter.Start(context.Background(), SpanNameRequest, trace.SpanKindProducer)
	_, late := starter.Start(context.Background(), SpanNameRequest, trace.SpanKindProducer)

	r.register(early)
	r.register(late)

	require.Eventually(t, func() bool {
		return len(sr.Ended()) == 2
	}, time.Second, 5*time.Millisecond)

	for _, s := range sr.Ended() {
		require.Equal(t, codes.Error, s.Status().Code)
		require.Contains(t, s.Status().Description, "timed out")
	}
}

func TestReplyRegistry_ResolveBeatsTimeout(t *testing.T) {
	starter, sr := testStarter(t)
	r := newReplyRegistry(time.Minute, 5*time.Millisecond)
	defer r.close(context.Background())

	_, h := starter.Start(context.Background(), SpanNameRequest, trace.SpanKindProducer)
	p := r.register(h)

	r.resolve(resolution{pending: p, replySize: 6, hasSize: true})

	require.Eventually(t, func() bool {
		return len(sr.Ended()) == 1
	}, time.Second, 5*time.Millisecond)

	s := sr.Ended()[0]
	require.Equal(t, codes.Unset, s.Status().Code)

	var found bool
	for _, kv := range s.Attributes() {
		if kv.Key == AttrReplyPayloadSize {
			found = true
			require.Equal(t, int64(6), kv.Value.AsInt64())
		}
	}
	require.True(t, found)
}

func TestReplyRegistry_CloseDrainsPending(t *testing.T) {
	starter, sr := testStarter(t)
	r := newReplyRegistry(time.Minute, 5*time.Millisecond)

	_, h := starter.Start(context.Background(), SpanNameRequest, trace.SpanKindProducer)
	r.register(h)

	require.NoError(t, r.close(context.Background()))
	require.Len(t, sr.Ended(), 1, "pending request span must not leak on shutdown")
	require.Equal(t, codes.Error, sr.Ended()[0].Status().Code)

	// registering after close ends the span immediately instead of leaking
	_, h2 := starter.Start(context.Background(), SpanNameRequest, trace.SpanKindProducer)
	require.Nil(t, r.register(h2))
	require.Len(t, sr.Ended(), 2)

	// close is idempotent
	require.NoError(t, r.close(context.Background()))
}
