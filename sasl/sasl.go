// Package SASL implements Simple Authentication and Security Layer, RFC 4422.
package sasl

import (
	"crypto/md5"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	"github.com/corvidmail/submit/scram"
)

// Client is a SASL client
type Client interface {
	// Name as used in SMTP AUTH, e.g. PLAIN, CRAM-MD5, SCRAM-SHA-256.
	// cleartextCredentials indicates if credentials are exchanged in clear text, which influences whether they are logged.
	Info() (name string, cleartextCredentials bool)

	// Next is called for each step of the SASL communication. The first call has a nil
	// fromServer and serves to get a possible "initial response" from the client. If
	// the client sends its final message it indicates so with last. Returning an error
	// aborts the authentication attempt.
	// For the first toServer ("initial response"), a nil toServer indicates there is
	// no data, which is different from a non-nil zero-length toServer.
	Next(fromServer []byte) (toServer []byte, last bool, err error)
}

type clientPlain struct {
	Username, Password string
	step               int
}

var _ Client = (*clientPlain)(nil)

// NewClientPlain returns a client for SASL PLAIN authentication.
func NewClientPlain(username, password string) Client {
	return &clientPlain{username, password, 0}
}

func (a *clientPlain) Info() (name string, hasCleartextCredentials bool) {
	return "PLAIN", true
}

func (a *clientPlain) Next(fromServer []byte) (toServer []byte, last bool, rerr error) {
	defer func() { a.step++ }()
	switch a.step {
	case 0:
		return []byte(fmt.Sprintf("\u0000%s\u0000%s", a.Username, a.Password)), true, nil
	default:
		return nil, false, fmt.Errorf("invalid step %d", a.step)
	}
}

type clientLogin struct {
	Username, Password string
	step               int
}

var _ Client = (*clientLogin)(nil)

// NewClientLogin returns a client for the (non-standardized, but widely
// deployed) SASL LOGIN mechanism: two server prompts, username then
// password, answered in order regardless of the prompt text.
func NewClientLogin(username, password string) Client {
	return &clientLogin{username, password, 0}
}

func (a *clientLogin) Info() (name string, hasCleartextCredentials bool) {
	return "LOGIN", true
}

func (a *clientLogin) Next(fromServer []byte) (toServer []byte, last bool, rerr error) {
	defer func() { a.step++ }()
	switch a.step {
	case 0:
		return nil, false, nil
	case 1:
		return []byte(a.Username), false, nil
	case 2:
		return []byte(a.Password), true, nil
	default:
		return nil, false, fmt.Errorf("invalid step %d", a.step)
	}
}

type clientCRAMMD5 struct {
	Username, Password string
	step               int
}

var _ Client = (*clientCRAMMD5)(nil)

// NewClientCRAMMD5 returns a client for SASL CRAM-MD5 authentication.
func NewClientCRAMMD5(username, password string) Client {
	return &clientCRAMMD5{username, password, 0}
}

func (a *clientCRAMMD5) Info() (name string, hasCleartextCredentials bool) {
	return "CRAM-MD5", false
}

func (a *clientCRAMMD5) Next(fromServer []byte) (toServer []byte, last bool, rerr error) {
	defer func() { a.step++ }()
	switch a.step {
	case 0:
		return nil, false, nil
	case 1:
		// Validate the challenge.
		// ../rfc/2195:82
		s := string(fromServer)
		if !strings.HasPrefix(s, "<") || !strings.HasSuffix(s, ">") {
			return nil, false, fmt.Errorf("invalid challenge, missing angle brackets")
		}
		t := strings.SplitN(s, ".", 2)
		if len(t) != 2 || t[0] == "" {
			return nil, false, fmt.Errorf("invalid challenge, missing dot or random digits")
		}
		t = strings.Split(t[1], "@")
		if len(t) == 1 || t[0] == "" || t[len(t)-1] == "" {
			return nil, false, fmt.Errorf("invalid challenge, empty timestamp or empty hostname")
		}

		// ../rfc/2195:138
		key := []byte(a.Password)
		if len(key) > 64 {
			t := md5.Sum(key)
			key = t[:]
		}
		ipad := make([]byte, md5.BlockSize)
		opad := make([]byte, md5.BlockSize)
		copy(ipad, key)
		copy(opad, key)
		for i := range ipad {
			ipad[i] ^= 0x36
			opad[i] ^= 0x5c
		}
		ipadh := md5.New()
		ipadh.Write(ipad)
		ipadh.Write([]byte(fromServer))

		opadh := md5.New()
		opadh.Write(opad)
		opadh.Write(ipadh.Sum(nil))

		// ../rfc/2195:88
		return []byte(fmt.Sprintf("%s %x", a.Username, opadh.Sum(nil))), true, nil

	default:
		return nil, false, fmt.Errorf("invalid step %d", a.step)
	}
}

type clientDigestMD5 struct {
	Username, Password string
	step               int
}

var _ Client = (*clientDigestMD5)(nil)

// NewClientDigestMD5 returns a client for SASL DIGEST-MD5 authentication,
// RFC 2831, with qop=auth (no integrity/confidentiality layer).
func NewClientDigestMD5(username, password string) Client {
	return &clientDigestMD5{username, password, 0}
}

func (a *clientDigestMD5) Info() (name string, hasCleartextCredentials bool) {
	return "DIGEST-MD5", false
}

// digestMD5Directives parses a comma-separated list of
// directive=value/directive="value" pairs, as used in the digest-challenge
// and digest-response grammar.
func digestMD5Directives(s string) map[string]string {
	dirs := map[string]string{}
	for _, part := range splitDigestDirectives(s) {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		k := strings.TrimSpace(kv[0])
		v := strings.Trim(kv[1], `"`)
		dirs[k] = v
	}
	return dirs
}

// splitDigestDirectives splits on commas that are not inside a quoted value.
func splitDigestDirectives(s string) []string {
	var parts []string
	var cur strings.Builder
	inQuotes := false
	for _, c := range s {
		switch {
		case c == '"':
			inQuotes = !inQuotes
			cur.WriteRune(c)
		case c == ',' && !inQuotes:
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(c)
		}
	}
	if cur.Len() > 0 {
		parts = append(parts, cur.String())
	}
	return parts
}

func md5hex(parts ...[]byte) string {
	h := md5.New()
	for _, p := range parts {
		h.Write(p)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (a *clientDigestMD5) Next(fromServer []byte) (toServer []byte, last bool, rerr error) {
	defer func() { a.step++ }()
	switch a.step {
	case 0:
		return nil, false, nil

	case 1:
		// ../rfc/2831:232
		dirs := digestMD5Directives(string(fromServer))
		nonce := dirs["nonce"]
		if nonce == "" {
			return nil, false, fmt.Errorf("invalid challenge, missing nonce")
		}
		realm := dirs["realm"]
		digestURI := fmt.Sprintf("smtp/%s", dirs["host"])
		if digestURI == "smtp/" {
			digestURI = "smtp/" + realm
		}

		var cnonceRaw [16]byte
		if _, err := rand.Read(cnonceRaw[:]); err != nil {
			return nil, false, fmt.Errorf("generating cnonce: %w", err)
		}
		cnonce := hex.EncodeToString(cnonceRaw[:])

		nc := "00000001"
		qop := "auth"

		// ../rfc/2831:1036
		ha1 := md5.Sum([]byte(fmt.Sprintf("%s:%s:%s", a.Username, realm, a.Password)))
		a1 := fmt.Sprintf("%s:%s:%s", string(ha1[:]), nonce, cnonce)
		a2 := fmt.Sprintf("AUTHENTICATE:%s", digestURI)

		response := md5hex([]byte(fmt.Sprintf("%s:%s:%s:%s:%s:%s",
			md5hex([]byte(a1)), nonce, nc, cnonce, qop, md5hex([]byte(a2)))))

		var resp strings.Builder
		fmt.Fprintf(&resp, `username="%s"`, a.Username)
		if realm != "" {
			fmt.Fprintf(&resp, `,realm="%s"`, realm)
		}
		fmt.Fprintf(&resp, `,nonce="%s",cnonce="%s",nc=%s,qop=%s,digest-uri="%s",response=%s`,
			nonce, cnonce, nc, qop, digestURI, response)
		if charset := dirs["charset"]; charset != "" {
			fmt.Fprintf(&resp, `,charset=%s`, charset)
		}
		return []byte(resp.String()), false, nil

	case 2:
		// Server sends rspauth confirmation; no further response expected.
		return nil, true, nil

	default:
		return nil, false, fmt.Errorf("invalid step %d", a.step)
	}
}

type clientXOAUTH2 struct {
	Username, Token string
	step            int
}

var _ Client = (*clientXOAUTH2)(nil)

// NewClientXOAUTH2 returns a client for the XOAUTH2 mechanism, authenticating
// with an OAuth2 bearer token instead of a password.
func NewClientXOAUTH2(username, token string) Client {
	return &clientXOAUTH2{username, token, 0}
}

func (a *clientXOAUTH2) Info() (name string, hasCleartextCredentials bool) {
	return "XOAUTH2", true
}

func (a *clientXOAUTH2) Next(fromServer []byte) (toServer []byte, last bool, rerr error) {
	defer func() { a.step++ }()
	switch a.step {
	case 0:
		return []byte(fmt.Sprintf("user=%sauth=Bearer %s", a.Username, a.Token)), true, nil
	default:
		return nil, false, fmt.Errorf("invalid step %d", a.step)
	}
}

// clientSCRAMSHA implements SCRAM-SHA-1 and SCRAM-SHA-256, in addition to
// LOGIN/PLAIN/CRAM-MD5/DIGEST-MD5/XOAUTH2. mailclient's mechanism choice
// prefers SCRAM-SHA-256, then SCRAM-SHA-1, when the server advertises them.
type clientSCRAMSHA struct {
	Username, Password string

	name  string
	step  int
	scram *scram.Client
}

var _ Client = (*clientSCRAMSHA)(nil)

// NewClientSCRAMSHA1 returns a client for SASL SCRAM-SHA-1 authentication.
func NewClientSCRAMSHA1(username, password string) Client {
	return &clientSCRAMSHA{username, password, "SCRAM-SHA-1", 0, nil}
}

// NewClientSCRAMSHA256 returns a client for SASL SCRAM-SHA-256 authentication.
func NewClientSCRAMSHA256(username, password string) Client {
	return &clientSCRAMSHA{username, password, "SCRAM-SHA-256", 0, nil}
}

func (a *clientSCRAMSHA) Info() (name string, hasCleartextCredentials bool) {
	return a.name, false
}

func (a *clientSCRAMSHA) Next(fromServer []byte) (toServer []byte, last bool, rerr error) {
	defer func() { a.step++ }()
	switch a.step {
	case 0:
		var h func() hash.Hash
		switch a.name {
		case "SCRAM-SHA-1":
			h = sha1.New
		case "SCRAM-SHA-256":
			h = sha256.New
		default:
			return nil, false, fmt.Errorf("invalid SCRAM-SHA variant %q", a.name)
		}

		a.scram = scram.NewClient(h, a.Username, "", false, nil)
		toserver, err := a.scram.ClientFirst()
		return []byte(toserver), false, err

	case 1:
		clientFinal, err := a.scram.ServerFirst(fromServer, a.Password)
		return []byte(clientFinal), false, err

	case 2:
		err := a.scram.ServerFinal(fromServer)
		return nil, true, err

	default:
		return nil, false, fmt.Errorf("invalid step %d", a.step)
	}
}
