package message

import (
	"bytes"
	"fmt"
	"io"
	"strings"
)

// Header is one header field name/value pair of an EncodedPart, in
// insertion order. Value may itself contain folded continuation lines
// (embedded "\r\n" followed by WSP), exactly as they should appear on the
// wire.
type Header struct {
	Name  string
	Value string
}

// Restartable is a byte stream that can be read more than once, e.g. an
// attachment that must be read once for a DKIM body hash pass and again for
// the DATA transmission pass. Close releases any backing resource, such as a
// spill file on disk; it is a no-op for in-memory streams.
type Restartable interface {
	io.Reader
	io.Closer

	// Restart seeks back to the beginning of the stream, so it can be read
	// again from the start.
	Restart() error
}

// NewBytesRestartable returns a Restartable backed by buf, for encoders that
// already hold the full body in memory.
func NewBytesRestartable(buf []byte) Restartable {
	return &bytesRestartable{r: bytes.NewReader(buf), buf: buf}
}

type bytesRestartable struct {
	r   *bytes.Reader
	buf []byte
}

func (r *bytesRestartable) Read(p []byte) (int, error) { return r.r.Read(p) }

func (r *bytesRestartable) Restart() error {
	r.r = bytes.NewReader(r.buf)
	return nil
}

func (r *bytesRestartable) Close() error { return nil }

// EncodedPart is a message part as produced by a MIME encoder: either a Leaf
// with a body, or a Multipart with an ordered list of children. Code
// dispatches on IsMultipart rather than relying on virtual methods.
type EncodedPart struct {
	Headers []Header

	// Leaf fields. Stream, if non-nil, takes precedence over Body.
	Body   []byte
	Stream Restartable

	// Multipart fields.
	Boundary string
	Children []EncodedPart
}

// IsMultipart reports whether p is a Multipart rather than a Leaf.
func (p EncodedPart) IsMultipart() bool {
	return p.Children != nil
}

// HeaderValue returns the first header value matching name, case
// insensitively.
func (p EncodedPart) HeaderValue(name string) (string, bool) {
	for _, h := range p.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

// PrependHeader inserts name/value at the front of p's headers, ahead of any
// existing ones. Used to add a DKIM-Signature header before transmission.
func (p *EncodedPart) PrependHeader(name, value string) {
	p.Headers = append([]Header{{name, value}}, p.Headers...)
}

// BodyReader returns a fresh reader over the leaf body, restarting Stream if
// one is set. Only valid for a Leaf part.
func (p EncodedPart) BodyReader() (io.Reader, error) {
	if p.Stream != nil {
		if err := p.Stream.Restart(); err != nil {
			return nil, fmt.Errorf("restarting body stream: %w", err)
		}
		return p.Stream, nil
	}
	return bytes.NewReader(p.Body), nil
}

// WriteTo writes p, and recursively its children, in the exact form that
// will appear on the wire: header lines, a blank line, then the body (for a
// Multipart, each child wrapped in boundary delimiters). The body is written
// literally, without DKIM canonicalization or dot-stuffing; callers
// transmitting over SMTP DATA are responsible for dot-stuffing.
func (p EncodedPart) WriteTo(w io.Writer) (int64, error) {
	cw := &countWriter{w: w}
	if err := writeHeaderLines(cw, p.Headers); err != nil {
		return cw.n, err
	}
	if p.IsMultipart() {
		for _, child := range p.Children {
			if _, err := fmt.Fprintf(cw, "--%s\r\n", p.Boundary); err != nil {
				return cw.n, err
			}
			if _, err := child.WriteTo(cw); err != nil {
				return cw.n, err
			}
			if _, err := cw.Write([]byte("\r\n")); err != nil {
				return cw.n, err
			}
		}
		if _, err := fmt.Fprintf(cw, "--%s--\r\n", p.Boundary); err != nil {
			return cw.n, err
		}
		return cw.n, nil
	}
	br, err := p.BodyReader()
	if err != nil {
		return cw.n, err
	}
	_, err = io.Copy(cw, br)
	return cw.n, err
}

func writeHeaderLines(w io.Writer, headers []Header) error {
	for _, h := range headers {
		if _, err := fmt.Fprintf(w, "%s: %s\r\n", h.Name, h.Value); err != nil {
			return err
		}
	}
	_, err := w.Write([]byte("\r\n"))
	return err
}

type countWriter struct {
	w io.Writer
	n int64
}

func (c *countWriter) Write(buf []byte) (int, error) {
	n, err := c.w.Write(buf)
	c.n += int64(n)
	return n, err
}
