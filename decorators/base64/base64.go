// Package base64 provides base64 body encoding for bus messages, for
// transports that cannot carry binary payloads.
package base64

import (
	"context"
	"encoding/base64"
	"strings"

	bustrace "github.com/zerofox-oss/go-bustrace"
)

const transferEncoding = "Content-Transfer-Encoding"

// Encode base64-encodes m's body in place, marking the message with
// Content-Transfer-Encoding: base64.
func Encode(m *bustrace.Message) error {
	body, err := bustrace.DumpBody(m)
	if err != nil {
		return err
	}

	m.Attributes.Set(transferEncoding, "base64")
	m.Body = strings.NewReader(base64.StdEncoding.EncodeToString(body))
	return nil
}

// Decoder wraps a Handler with one that transparently decodes
// base64-encoded bodies. Messages without the marker pass through
// untouched.
func Decoder(next bustrace.Handler) bustrace.Handler {
	return bustrace.HandlerFunc(func(ctx context.Context, m *bustrace.Message) error {
		if m.Attributes.Get(transferEncoding) != "base64" {
			return next.Handle(ctx, m)
		}

		decoded := bustrace.WithBody(m, base64.NewDecoder(base64.StdEncoding, m.Body))
		return next.Handle(ctx, decoded)
	})
}
