// Traced messages over redis streams.
//
// The message attributes, including the injected traceparent, travel as
// stream values next to the body, so the consumer side of the stream can
// reconstruct the producer's trace across processes. Bodies are
// lz4-compressed and base64-encoded since stream values are strings.
//
// $ redis-server -v
// Redis server v=7.2.5
//
// Note, redis 7 is compatible with go-redis/v9, but not go-redis/v8
package main

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	bustrace "github.com/zerofox-oss/go-bustrace"
	"github.com/zerofox-oss/go-bustrace/decorators/base64"
	"github.com/zerofox-oss/go-bustrace/decorators/lz4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	stream   = "bustrace-example"
	group    = "group1"
	consumer = "consumer1" // should be unique per alloc when scaling horizontally
	address  = "alerts"
)

const attrPrefix = "attr-"

// toValues flattens a message into redis stream values. Multi-valued
// attributes are joined; the trace context wire format is single-valued
// so nothing propagation needs is lost.
func toValues(m *bustrace.Message) (map[string]interface{}, error) {
	body, err := bustrace.DumpBody(m)
	if err != nil {
		return nil, err
	}

	values := map[string]interface{}{
		"address": m.Address,
		"body":    string(body),
	}
	for k, vv := range m.Attributes {
		values[attrPrefix+k] = strings.Join(vv, ";")
	}
	return values, nil
}

func toMessage(values map[string]interface{}) *bustrace.Message {
	m := &bustrace.Message{Attributes: bustrace.Attributes{}}
	for k, v := range values {
		s, _ := v.(string)
		switch {
		case k == "address":
			m.Address = s
		case k == "body":
			m.Body = strings.NewReader(s)
		case strings.HasPrefix(k, attrPrefix):
			m.Attributes.Set(strings.TrimPrefix(k, attrPrefix), s)
		}
	}
	return m
}

func main() {
	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	tp := tracesdk.NewTracerProvider()
	defer tp.Shutdown(context.Background())
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	tracer := bustrace.NewBusTracer(bustrace.WithReplyTimeout(5 * time.Second))
	defer tracer.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})
	defer client.Close()

	client.Del(ctx, stream)
	if err := client.XGroupCreateMkStream(ctx, stream, group, "0").Err(); err != nil {
		logger.Fatal("could not create consumer group", zap.Error(err))
	}

	if err := produce(ctx, client, tracer, logger); err != nil {
		logger.Fatal("produce failed", zap.Error(err))
	}
	if err := consume(ctx, client, tracer, logger); err != nil {
		logger.Fatal("consume failed", zap.Error(err))
	}
}

func produce(ctx context.Context, client *redis.Client, tracer *bustrace.BusTracer, logger *zap.Logger) error {
	m := &bustrace.Message{
		Address:    address,
		Attributes: bustrace.Attributes{},
		Body:       strings.NewReader("disk-full"),
	}
	if err := lz4.Encode(m); err != nil {
		return err
	}
	if err := base64.Encode(m); err != nil {
		return err
	}

	tok := tracer.BeforeSend(ctx, m, bustrace.OpSend)

	values, err := toValues(m)
	if err == nil {
		err = client.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Err()
	}
	tracer.AfterSend(tok, err)
	if err != nil {
		return err
	}

	logger.Info("produced message",
		zap.String("address", address),
		zap.String("trace_id", trace.SpanContextFromContext(tok.Context()).TraceID().String()),
	)
	return nil
}

func consume(ctx context.Context, client *redis.Client, tracer *bustrace.BusTracer, logger *zap.Logger) error {
	handler := base64.Decoder(lz4.Decoder(bustrace.HandlerFunc(
		func(ctx context.Context, m *bustrace.Message) error {
			body, err := bustrace.DumpBody(m)
			if err != nil {
				return err
			}
			logger.Info("handled message",
				zap.String("address", m.Address),
				zap.String("body", string(body)),
				zap.String("trace_id", trace.SpanContextFromContext(ctx).TraceID().String()),
			)
			return nil
		},
	)))

	resp, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    10,

		// This effectively limits the consumer to poll at most once a second.
		// https://github.com/redis/go-redis/issues/1941
		Block: 1 * time.Second,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil
		}
		return err
	}

	for _, xm := range resp[0].Messages {
		m := toMessage(xm.Values)

		dt := tracer.BeforeDeliver(ctx, m)
		ht := tracer.BeforeInvokeHandler(dt)
		herr := handler.Handle(ht.Context(), m)
		tracer.AfterInvokeHandler(ht, herr)
		if herr != nil {
			logger.Error("handler failed, leaving message pending", zap.Error(herr))
			continue
		}

		if err := client.XAck(ctx, stream, group, xm.ID).Err(); err != nil {
			return err
		}
	}
	return nil
}
