package dkim

import (
	"context"
	"crypto"
	cryptorand "crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
	"io"
	"strings"
	"time"

	"github.com/corvidmail/submit/config"
	"github.com/corvidmail/submit/message"
	"github.com/corvidmail/submit/mlog"
)

var xlog = mlog.New("dkim")

var (
	ErrConfigInvalid   = errors.New("dkim: config invalid")
	ErrDkimSignFailure = errors.New("dkim: signing failed")
)

// Signer produces DKIM-Signature headers for EncodedPart message trees. One
// Signer holds a validated, parsed-key copy of each configured
// config.DkimSignOptions; signing one message reuses the parsed keys
// without reparsing them.
type Signer struct {
	opts []config.DkimSignOptions
	now  func() time.Time
}

// NewSigner validates opts (see config.NewDkimSignOptions for the field
// constraints) and returns a Signer that produces one DKIM-Signature header
// per option, in configuration order.
func NewSigner(rawOpts []config.DkimSignOptions) (*Signer, error) {
	if len(rawOpts) == 0 {
		return nil, fmt.Errorf("%w: PubSecKeyOptions must be specified to perform sign", ErrConfigInvalid)
	}
	opts := make([]config.DkimSignOptions, len(rawOpts))
	for i, o := range rawOpts {
		eff, err := config.NewDkimSignOptions(o)
		if errors.Is(err, config.ErrAUIDDomainMismatch) {
			return nil, fmt.Errorf("%w: Identity domain mismatch, expected is: [xx]@[xx.]sdid", ErrConfigInvalid)
		} else if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrConfigInvalid, err)
		}
		opts[i] = eff
	}
	return &Signer{opts: opts, now: time.Now}, nil
}

// Sign computes a DKIM-Signature header for msg for each configured option,
// in configuration order, and returns them concatenated (each ending in
// "\r\n"), ready to be prepended to msg's headers.
func (s *Signer) Sign(ctx context.Context, msg message.EncodedPart) (rheaders string, rerr error) {
	log := xlog.WithContext(ctx)
	start := time.Now()
	defer func() {
		log.Debugx("dkim sign result", rerr, mlog.Field("options", len(s.opts)), mlog.Field("duration", time.Since(start)))
	}()

	var sb strings.Builder
	for _, o := range s.opts {
		h, err := s.signOne(o, msg)
		if err != nil {
			return "", err
		}
		sb.WriteString(h)
	}
	return sb.String(), nil
}

func (s *Signer) signOne(o config.DkimSignOptions, msg message.EncodedPart) (string, error) {
	algoName, hashAlgo := algorithm(o.SignAlgo)

	bh, err := s.bodyHash(o, hashAlgo, msg)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrDkimSignFailure, err)
	}
	bhB64 := base64.StdEncoding.EncodeToString(bh)

	now := s.now().Unix()
	var expire int64 = -1
	if o.ExpireSeconds > 0 {
		expire = now + int64(o.ExpireSeconds)
	}

	tagsNoSig := buildTags(o, algoName, bhB64, now, expire, "")
	signingInput, err := s.signingInput(o, msg, tagsNoSig, hashAlgo)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrDkimSignFailure, err)
	}

	sigBytes, err := o.Key.Sign(cryptorand.Reader, signingInput, hashAlgo)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrDkimSignFailure, err)
	}
	sigB64 := base64.StdEncoding.EncodeToString(sigBytes)

	return buildTags(o, algoName, bhB64, now, expire, sigB64), nil
}

func algorithm(a config.SignAlgo) (string, crypto.Hash) {
	if a == config.SignAlgoRSASHA1 {
		return "rsa-sha1", crypto.SHA1
	}
	return "rsa-sha256", crypto.SHA256
}

func newHash(h crypto.Hash) hash.Hash {
	if h == crypto.SHA1 {
		return sha1.New()
	}
	return sha256.New()
}

// buildTags assembles the DKIM-Signature header in the tag order required:
// v, a, c, d, i, s, h, l, t, x, z, bh, b. With sigB64 empty, the returned
// string (sans its trailing "\r\n") is the placeholder used while computing
// the signature itself; with sigB64 set, it is the header to transmit.
func buildTags(o config.DkimSignOptions, algoName, bh string, signTime, expireTime int64, sigB64 string) string {
	w := &message.HeaderWriter{}
	w.Addf("", "DKIM-Signature: v=1;")
	w.Addf(" ", "a=%s;", algoName)
	w.Addf(" ", "c=%s/%s;", strings.ToLower(string(o.HeaderCanonic)), strings.ToLower(string(o.BodyCanonic)))
	w.Addf(" ", "d=%s;", packQpHdrValue(o.SDID))
	if o.AUID != "" {
		w.Addf(" ", "i=%s;", packQpHdrValue(o.AUID))
	}
	w.Addf(" ", "s=%s;", packQpHdrValue(o.Selector))
	w.Addf(" ", "h=%s;", strings.Join(o.SignedHeaders, ":"))
	if o.BodyLimit > 0 {
		w.Addf(" ", "l=%d;", o.BodyLimit)
	}
	if o.SignatureTimestamp || o.ExpireSeconds > 0 {
		w.Addf(" ", "t=%d;", signTime)
	}
	if o.ExpireSeconds > 0 {
		w.Addf(" ", "x=%d;", expireTime)
	}
	if len(o.CopiedHeaders) > 0 {
		for i, v := range o.CopiedHeaders {
			t := strings.SplitN(v, ":", 2)
			var part string
			if len(t) == 2 {
				part = t[0] + ":" + packQpHdrValue(t[1])
			} else {
				part = packQpHdrValue(v)
			}
			sep := ""
			if i == 0 {
				part = "z=" + part
				sep = " "
			}
			if i < len(o.CopiedHeaders)-1 {
				part += "|"
			} else {
				part += ";"
			}
			w.Addf(sep, "%s", part)
		}
	}
	w.Addf(" ", "bh=%s;", bh)
	w.Addf(" ", "b=")
	if sigB64 != "" {
		w.AddWrap([]byte(sigB64), false)
	}
	w.Add("\r\n")
	return w.String()
}

// Like quoted-printable, but with "|" and ":" encoded as well, since both
// are used as separators within DKIM tag values (z= in particular).
func packQpHdrValue(s string) string {
	const hex = "0123456789ABCDEF"
	var r string
	for _, b := range []byte(s) {
		if b > ' ' && b < 0x7f && b != ';' && b != '=' && b != '|' && b != ':' {
			r += string(b)
		} else {
			r += "=" + string(hex[b>>4]) + string(hex[(b>>0)&0xf])
		}
	}
	return r
}

// signingInput hashes the bytes to be RSA-signed and returns the digest.
// Hashed are the canonicalized signed headers in configured order (repeats
// consumed in appearance order, missing headers omitted), followed by the
// canonicalized DKIM-Signature header itself (with b= empty), without a
// trailing CRLF.
func (s *Signer) signingInput(o config.DkimSignOptions, msg message.EncodedPart, dkimTagsNoSig string, hashAlgo crypto.Hash) ([]byte, error) {
	byName := map[string][]string{}
	for _, h := range msg.Headers {
		ln := strings.ToLower(h.Name)
		byName[ln] = append(byName[ln], h.Value)
	}
	consumed := map[string]int{}

	h := newHash(hashAlgo)
	for _, name := range o.SignedHeaders {
		ln := strings.ToLower(name)
		idx := consumed[ln]
		vals := byName[ln]
		if idx >= len(vals) {
			continue
		}
		consumed[ln] = idx + 1
		h.Write([]byte(CanonicalizeHeader(o.HeaderCanonic, name, vals[idx])))
	}

	canonSig, err := canonicalizeRawHeaderNoCRLF(o.HeaderCanonic, dkimTagsNoSig)
	if err != nil {
		return nil, err
	}
	h.Write([]byte(canonSig))

	return h.Sum(nil), nil
}

// bodyHash computes bh: the hash of the canonicalized body, honoring
// bodyLimit. For a multipart message, the tree is walked emitting the exact
// byte sequence that will appear on the wire (boundary lines, part headers
// verbatim, a blank line, then the canonicalized body of each leaf), with
// digestion stopped once bodyLimit bytes have been fed in.
func (s *Signer) bodyHash(o config.DkimSignOptions, hashAlgo crypto.Hash, part message.EncodedPart) ([]byte, error) {
	h := newHash(hashAlgo)
	cw := &cappedWriter{w: h, remaining: o.BodyLimit}
	if err := writeCanonicalBody(cw, o.BodyCanonic, part); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

func writeCanonicalBody(w io.Writer, c config.Canonicalization, part message.EncodedPart) error {
	if !part.IsMultipart() {
		r, err := part.BodyReader()
		if err != nil {
			return err
		}
		body, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		_, err = w.Write(CanonicalizeBody(c, body))
		return err
	}
	for _, child := range part.Children {
		if _, err := fmt.Fprintf(w, "--%s\r\n", part.Boundary); err != nil {
			return err
		}
		for _, hdr := range child.Headers {
			if _, err := fmt.Fprintf(w, "%s: %s\r\n", hdr.Name, hdr.Value); err != nil {
				return err
			}
		}
		if _, err := w.Write([]byte("\r\n")); err != nil {
			return err
		}
		if err := writeCanonicalBody(w, c, child); err != nil {
			return err
		}
		if _, err := w.Write([]byte("\r\n")); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "--%s--", part.Boundary)
	return err
}

// cappedWriter feeds at most `remaining` bytes into w, silently discarding
// the rest. remaining < 0 means unlimited.
type cappedWriter struct {
	w         io.Writer
	remaining int
}

func (c *cappedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if c.remaining < 0 {
		if _, err := c.w.Write(p); err != nil {
			return 0, err
		}
		return n, nil
	}
	if c.remaining == 0 {
		return n, nil
	}
	if len(p) > c.remaining {
		p = p[:c.remaining]
	}
	if _, err := c.w.Write(p); err != nil {
		return 0, err
	}
	c.remaining -= len(p)
	return n, nil
}
