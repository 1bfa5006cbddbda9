// Package lz4 provides lz4 body compression for bus messages.
// This should be used in conjunction with the base64 decorator
// if the underlying transport does not support binary payloads.
package lz4

import (
	"bytes"
	"context"

	"github.com/pierrec/lz4/v4"
	bustrace "github.com/zerofox-oss/go-bustrace"
)

const contentEncoding = "Content-Encoding"

// Encode compresses m's body in place, marking the message with
// Content-Encoding: lz4 so consumers know to decode it. Call it before
// handing the message to the bus; payload-size span attributes then
// measure what actually crosses the wire.
func Encode(m *bustrace.Message) error {
	body, err := bustrace.DumpBody(m)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if err := w.Apply(lz4.CompressionLevelOption(lz4.Level3)); err != nil {
		return err
	}
	if _, err := w.Write(body); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	m.Attributes.Set(contentEncoding, "lz4")
	m.Body = bytes.NewReader(buf.Bytes())
	return nil
}

// Decoder wraps a Handler with one that transparently decompresses
// lz4-encoded bodies. Messages without the Content-Encoding marker pass
// through untouched.
func Decoder(next bustrace.Handler) bustrace.Handler {
	return bustrace.HandlerFunc(func(ctx context.Context, m *bustrace.Message) error {
		if m.Attributes.Get(contentEncoding) != "lz4" {
			return next.Handle(ctx, m)
		}

		decoded := bustrace.WithBody(m, lz4.NewReader(m.Body))
		return next.Handle(ctx, decoded)
	})
}
