package sasl

import (
	"strings"
	"testing"
)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func TestClientPlain(t *testing.T) {
	c := NewClientPlain("user", "pass")
	name, cleartext := c.Info()
	if name != "PLAIN" || !cleartext {
		t.Fatalf("bad info: %s %v", name, cleartext)
	}
	toserver, last, err := c.Next(nil)
	tcheck(t, err, "next")
	if !last || string(toserver) != "\x00user\x00pass" {
		t.Fatalf("bad initial response: %q, last %v", toserver, last)
	}
	if _, _, err := c.Next(nil); err == nil {
		t.Fatalf("expected error for extra step")
	}
}

func TestClientLogin(t *testing.T) {
	c := NewClientLogin("user", "pass")
	name, cleartext := c.Info()
	if name != "LOGIN" || !cleartext {
		t.Fatalf("bad info: %s %v", name, cleartext)
	}

	toserver, last, err := c.Next(nil)
	tcheck(t, err, "next 0")
	if toserver != nil || last {
		t.Fatalf("bad initial response: %q, last %v", toserver, last)
	}

	toserver, last, err = c.Next([]byte("Username:"))
	tcheck(t, err, "next 1")
	if string(toserver) != "user" || last {
		t.Fatalf("bad username response: %q, last %v", toserver, last)
	}

	toserver, last, err = c.Next([]byte("Password:"))
	tcheck(t, err, "next 2")
	if string(toserver) != "pass" || !last {
		t.Fatalf("bad password response: %q, last %v", toserver, last)
	}
}

func TestClientCRAMMD5(t *testing.T) {
	c := NewClientCRAMMD5("user", "pass")
	name, cleartext := c.Info()
	if name != "CRAM-MD5" || cleartext {
		t.Fatalf("bad info: %s %v", name, cleartext)
	}

	toserver, last, err := c.Next(nil)
	tcheck(t, err, "next 0")
	if toserver != nil || last {
		t.Fatalf("bad initial response")
	}

	_, _, err = c.Next([]byte("not a challenge"))
	if err == nil {
		t.Fatalf("expected error for malformed challenge")
	}

	c = NewClientCRAMMD5("user", "pass")
	toserver, last, err = c.Next(nil)
	tcheck(t, err, "next 0")
	toserver, last, err = c.Next([]byte("<1234.1695000000@mail.example.com>"))
	tcheck(t, err, "next 1")
	if !last {
		t.Fatalf("expected last response")
	}
	if !strings.HasPrefix(string(toserver), "user ") {
		t.Fatalf("bad response: %q", toserver)
	}
}

func TestClientDigestMD5(t *testing.T) {
	c := NewClientDigestMD5("user", "pass")
	name, cleartext := c.Info()
	if name != "DIGEST-MD5" || cleartext {
		t.Fatalf("bad info: %s %v", name, cleartext)
	}

	toserver, last, err := c.Next(nil)
	tcheck(t, err, "next 0")
	if toserver != nil || last {
		t.Fatalf("bad initial response")
	}

	challenge := `realm="mail.example.com",nonce="OA6MG9tEQGm2hh",qop="auth",charset=utf-8,algorithm=md5-sess`
	toserver, last, err = c.Next([]byte(challenge))
	tcheck(t, err, "next 1")
	if last {
		t.Fatalf("did not expect last response yet")
	}
	resp := string(toserver)
	for _, want := range []string{`username="user"`, `realm="mail.example.com"`, `nonce="OA6MG9tEQGm2hh"`, "response=", "digest-uri=", "charset=utf-8"} {
		if !strings.Contains(resp, want) {
			t.Fatalf("response missing %q: %q", want, resp)
		}
	}

	_, last, err = c.Next([]byte(`rspauth=deadbeef`))
	tcheck(t, err, "next 2")
	if !last {
		t.Fatalf("expected last response after rspauth")
	}
}

func TestClientDigestMD5MissingNonce(t *testing.T) {
	c := NewClientDigestMD5("user", "pass")
	c.Next(nil)
	_, _, err := c.Next([]byte(`realm="mail.example.com"`))
	if err == nil {
		t.Fatalf("expected error for missing nonce")
	}
}

func TestClientXOAUTH2(t *testing.T) {
	c := NewClientXOAUTH2("user@example.com", "ya29.atoken")
	name, cleartext := c.Info()
	if name != "XOAUTH2" || !cleartext {
		t.Fatalf("bad info: %s %v", name, cleartext)
	}

	toserver, last, err := c.Next(nil)
	tcheck(t, err, "next")
	if !last {
		t.Fatalf("expected last response")
	}
	s := string(toserver)
	if !strings.HasPrefix(s, "user=user@example.com\x01auth=Bearer ya29.atoken\x01\x01") {
		t.Fatalf("bad xoauth2 response: %q", s)
	}
}

func TestSplitDigestDirectives(t *testing.T) {
	got := splitDigestDirectives(`realm="a,b",nonce="xyz",qop=auth`)
	want := []string{`realm="a,b"`, `nonce="xyz"`, `qop=auth`}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
