package dkim

import (
	"bytes"
	"testing"

	"github.com/corvidmail/submit/config"
)

func TestCanonicalizeHeader(t *testing.T) {
	got := CanonicalizeHeader(config.CanonSimple, "Subject", "  hello  world  ")
	if got != "Subject:   hello  world  \r\n" {
		t.Fatalf("simple: got %q", got)
	}

	got = CanonicalizeHeader(config.CanonRelaxed, "Subject", "  hello\r\n   world  ")
	if got != "subject:hello world\r\n" {
		t.Fatalf("relaxed: got %q", got)
	}
}

func TestCanonicalizeBodySimple(t *testing.T) {
	if got := CanonicalizeBody(config.CanonSimple, nil); string(got) != "\r\n" {
		t.Fatalf("empty body: got %q", got)
	}

	body := []byte("line1\r\nline2\r\n\r\n\r\n")
	got := CanonicalizeBody(config.CanonSimple, body)
	if string(got) != "line1\r\nline2\r\n" {
		t.Fatalf("trailing empty lines: got %q", got)
	}
}

func TestCanonicalizeBodyRelaxed(t *testing.T) {
	if got := CanonicalizeBody(config.CanonRelaxed, nil); len(got) != 0 {
		t.Fatalf("empty body: got %q, expected empty string", got)
	}

	body := []byte("line1  \t \r\nline2\t\tfoo \r\n\r\n\r\n")
	got := CanonicalizeBody(config.CanonRelaxed, body)
	if string(got) != "line1\r\nline2 foo\r\n" {
		t.Fatalf("got %q", got)
	}
}

func TestCanonicalizeBodyRelaxedIdempotent(t *testing.T) {
	body := []byte("a  b\t\r\nc   \r\n\r\n")
	once := CanonicalizeBody(config.CanonRelaxed, body)
	twice := CanonicalizeBody(config.CanonRelaxed, once)
	if !bytes.Equal(once, twice) {
		t.Fatalf("not idempotent: %q != %q", once, twice)
	}
}
