package dns

import (
	"errors"
	"testing"
)

func TestParseDomain(t *testing.T) {
	test := func(s string, exp Domain, expErr error) {
		t.Helper()
		dom, err := ParseDomain(s)
		if (err == nil) != (expErr == nil) || expErr != nil && !errors.Is(err, expErr) {
			t.Fatalf("parse domain %q: err %v, expected %v", s, err, expErr)
		}
		if expErr == nil && dom != exp {
			t.Fatalf("parse domain %q: got %#v, expected %#v", s, dom, exp)
		}
	}

	// We rely on normalization of names throughout the code base.
	test("example.com", Domain{"example.com", ""}, nil)
	test("EXAMPLE.COM", Domain{"example.com", ""}, nil)
	test("example.com.", Domain{}, errTrailingDot)
}

func TestDomainName(t *testing.T) {
	d, err := ParseDomain("example.com")
	if err != nil {
		t.Fatalf("parse domain: %v", err)
	}
	if d.Name() != "example.com" {
		t.Fatalf("got %q, expected example.com", d.Name())
	}
	if d.LogString() != "example.com" {
		t.Fatalf("got %q, expected example.com", d.LogString())
	}
}
