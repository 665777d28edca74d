// Package dkim signs outgoing messages with DKIM (DomainKeys Identified
// Mail, RFC 6376), producing a DKIM-Signature header for an EncodedPart
// message tree.
package dkim

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"

	"github.com/corvidmail/submit/config"
)

// CanonicalizeHeader returns a single header field canonicalized per RFC
// 6376 section 3.4.1/3.4.2, including the trailing "\r\n".
func CanonicalizeHeader(c config.Canonicalization, name, value string) string {
	return canonicalizeHeaderNoCRLF(c, name, value) + "\r\n"
}

func canonicalizeHeaderNoCRLF(c config.Canonicalization, name, value string) string {
	if c == config.CanonSimple {
		return name + ": " + value
	}
	return strings.ToLower(name) + ":" + relaxedValue(value)
}

// canonicalizeRawHeaderNoCRLF canonicalizes a complete "Name: value..."
// header line (with its own internal folding, without a trailing CRLF) per
// c. Used for the DKIM-Signature header itself, which is assembled as one
// string rather than as separate name/value fields.
func canonicalizeRawHeaderNoCRLF(c config.Canonicalization, raw string) (string, error) {
	raw = strings.TrimSuffix(raw, "\r\n")
	if c == config.CanonSimple {
		return raw, nil
	}
	t := strings.SplitN(raw, ":", 2)
	if len(t) != 2 {
		return "", fmt.Errorf("dkim: malformed header %q", raw)
	}
	name := strings.ToLower(strings.TrimRight(t[0], " \t"))
	return name + ":" + relaxedValue(t[1]), nil
}

// relaxedValue unfolds continuation lines, collapses runs of WSP to a
// single space, and trims leading/trailing WSP, per RFC 6376 section
// 3.4.2.
func relaxedValue(v string) string {
	v = strings.ReplaceAll(v, "\r\n", "")
	var b strings.Builder
	prevSpace := false
	for _, r := range v {
		if r == ' ' || r == '\t' {
			if prevSpace {
				continue
			}
			prevSpace = true
			b.WriteByte(' ')
			continue
		}
		prevSpace = false
		b.WriteRune(r)
	}
	return strings.Trim(b.String(), " \t")
}

// CanonicalizeBody canonicalizes a complete message body per RFC 6376
// section 3.4.3 (simple) or 3.4.4 (relaxed).
//
// Simple canonicalization of an empty body yields "\r\n". Relaxed
// canonicalization of an empty (or all-whitespace-line) body yields the
// empty string, per RFC 6376 section 3.4.4's note that a completely empty
// body is canonicalized to the null string.
func CanonicalizeBody(c config.Canonicalization, body []byte) []byte {
	if c == config.CanonSimple {
		return canonicalizeBodySimple(body)
	}
	return canonicalizeBodyRelaxed(body)
}

var crlf = []byte("\r\n")

func canonicalizeBodySimple(body []byte) []byte {
	br := bufio.NewReader(bytes.NewReader(body))
	var out bytes.Buffer
	ncrlf := 0
	for {
		buf, err := br.ReadBytes('\n')
		if len(buf) == 0 && err != nil {
			break
		}
		hascrlf := bytes.HasSuffix(buf, crlf)
		if hascrlf {
			buf = buf[:len(buf)-2]
		}
		if len(buf) > 0 {
			for ; ncrlf > 0; ncrlf-- {
				out.Write(crlf)
			}
			out.Write(buf)
		}
		if hascrlf {
			ncrlf++
		}
		if err != nil {
			break
		}
	}
	out.Write(crlf)
	return out.Bytes()
}

func canonicalizeBodyRelaxed(body []byte) []byte {
	br := bufio.NewReader(bytes.NewReader(body))
	var out bytes.Buffer
	stash := &bytes.Buffer{}
	var line bool
	var prev byte
	linesEmpty := true
	var bodynonempty bool
	var hascrlf bool
	for {
		buf, err := br.ReadBytes('\n')
		if len(buf) == 0 && err != nil {
			break
		}
		bodynonempty = true
		hascrlf = bytes.HasSuffix(buf, crlf)
		if hascrlf {
			buf = buf[:len(buf)-2]
			buf = bytes.TrimRight(buf, " \t")
		}
		for i, c := range buf {
			wsp := c == ' ' || c == '\t'
			if (i >= 0 || line) && wsp {
				if prev == ' ' {
					continue
				}
				prev = ' '
				c = ' '
			} else {
				prev = c
			}
			if !wsp {
				linesEmpty = false
			}
			stash.WriteByte(c)
		}
		if hascrlf {
			stash.Write(crlf)
		}
		line = !hascrlf
		if !linesEmpty {
			out.Write(stash.Bytes())
			stash.Reset()
			linesEmpty = true
		}
		if err != nil {
			break
		}
	}
	if bodynonempty && !hascrlf {
		out.Write(crlf)
	}
	return out.Bytes()
}
