package bustrace_test

import (
	"io"
	"strings"
	"testing"

	bustrace "github.com/zerofox-oss/go-bustrace"
)

const expected = "hello world"

func TestDumpBody(t *testing.T) {
	m := &bustrace.Message{
		Body: strings.NewReader(expected),
	}
	b, err := bustrace.DumpBody(m)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != expected {
		t.Errorf("Dumped body does not match expected: %s != %s", expected, string(b))
	}
}

func TestCloneBody(t *testing.T) {
	m := &bustrace.Message{
		Body: strings.NewReader(expected),
	}
	b, err := bustrace.CloneBody(m)
	if err != nil {
		t.Fatal(err)
	}
	bb, err := io.ReadAll(b)
	if err != nil {
		t.Fatal(err)
	}
	if string(bb) != expected {
		t.Errorf("Cloned body does not match expected: %s != %s", expected, string(bb))
	}
}

func TestWithBody(t *testing.T) {
	m := &bustrace.Message{
		Address:    "alerts",
		Attributes: bustrace.Attributes{},
		Body:       strings.NewReader("world hello"),
	}
	// This panics if m.Attributes is nil
	m.Attributes.Set("hello", "world")

	mm := bustrace.WithBody(m, strings.NewReader(expected))
	bb, err := bustrace.DumpBody(mm)
	if err != nil {
		t.Fatal(err)
	}
	if string(bb) != expected {
		t.Errorf("Dumped body does not match expected: %s != %s", expected, string(bb))
	}
	if mm.Address != "alerts" {
		t.Errorf("Address failed to copy: %s", mm.Address)
	}
	if mm.Attributes.Get("hello") != "world" {
		t.Errorf("Attributes failed to copy")
	}

	mm.Attributes.Set("test", "one")
	m.Attributes.Set("test", "two")

	if m.Attributes.Get("test") == mm.Attributes.Get("test") {
		t.Errorf("The two message attributes should not affect each other %s == %s",
			m.Attributes.Get("test"),
			mm.Attributes.Get("test"))
	}
}
