// Package config holds the configuration types for the mail submission
// client: connection/pool parameters and DKIM signing options, in sconf
// format (tab-indented key/value, no quoting).
package config

import (
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

// StarttlsPolicy controls whether STARTTLS is required, attempted, or
// skipped entirely before authenticating.
type StarttlsPolicy string

const (
	StarttlsDisabled StarttlsPolicy = "DISABLED"
	StarttlsOptional StarttlsPolicy = "OPTIONAL"
	StarttlsRequired StarttlsPolicy = "REQUIRED"
)

// LoginOption controls whether and how the client authenticates after the
// handshake completes.
type LoginOption string

const (
	LoginDisabled LoginOption = "DISABLED"
	LoginNone     LoginOption = "NONE"
	LoginRequired LoginOption = "REQUIRED"
	LoginXOAUTH2  LoginOption = "XOAUTH2"
)

// SignAlgo is the DKIM signing algorithm, tied to the key type of the
// configured private key.
type SignAlgo string

const (
	SignAlgoRSASHA1   SignAlgo = "RSA_SHA1"
	SignAlgoRSASHA256 SignAlgo = "RSA_SHA256"
)

// Canonicalization is a DKIM header or body canonicalization mode, RFC
// 6376 section 3.4.
type Canonicalization string

const (
	CanonSimple  Canonicalization = "SIMPLE"
	CanonRelaxed Canonicalization = "RELAXED"
)

// MailConfig is process-wide and immutable after construction. One
// MailConfig is typically shared by all sends to a given submission
// endpoint. It holds no connections itself: the pool belongs to the
// mailclient.MailClient built from it, and mailclient.Registry shares one
// pool per host:port.
type MailConfig struct {
	Host string `sconf-doc:"Hostname or IP address of the SMTP submission endpoint."`
	Port int    `sconf:"optional" sconf-doc:"Port to connect to. Default 465 if SSL is set, or 587 otherwise."`

	Starttls StarttlsPolicy `sconf:"optional" sconf-doc:"DISABLED, OPTIONAL (default) or REQUIRED. Ignored if SSL is set, the connection is already wrapped in TLS."`
	SSL      bool           `sconf:"optional" sconf-doc:"Connect with implicit TLS, e.g. for port 465, instead of plain text with optional STARTTLS."`

	Login    LoginOption `sconf:"optional" sconf-doc:"DISABLED, NONE, REQUIRED or XOAUTH2. If unset, DISABLED or NONE, no authentication is attempted."`
	Username string      `sconf:"optional"`
	Password string      `sconf:"optional"`

	OwnHostname string `sconf:"optional" sconf-doc:"Hostname to announce in EHLO/HELO. If empty, resolved from the local address of the connection."`

	MaxPoolSize             int  `sconf:"optional" sconf-doc:"Maximum number of pooled connections per remote address. Default 10."`
	KeepAlive               bool `sconf:"optional" sconf-doc:"Keep idle connections open for reuse by later sends."`
	KeepAliveTimeoutSeconds int  `sconf:"optional" sconf-doc:"How long an idle pooled connection may sit before being closed by the cleaner. Default 300."`
	PoolCleanerPeriodMs     int  `sconf:"optional" sconf-doc:"Interval between pool cleaner sweeps, in milliseconds. Default 10000."`

	AllowRcptErrors bool `sconf:"optional" sconf-doc:"If set, recipients refused at RCPT TO are logged. Whether or not it is set, a refusal of some but not all recipients does not stop the send: the message goes to the accepted recipients and Send returns no error. A refusal of every recipient fails the send."`
	TrustAll        bool `sconf:"optional" sconf-doc:"Skip certificate verification entirely. Not recommended."`

	HostnameVerificationAlgorithm string `sconf:"optional" sconf-doc:"Reserved for future use, e.g. selecting between strict and legacy hostname verification. Currently only standard verification is implemented."`

	EnableDkim  bool              `sconf:"optional" sconf-doc:"Sign outgoing messages with DKIM, in the order given by DkimOptions."`
	DkimOptions []DkimSignOptions `sconf:"optional" sconf-doc:"DKIM signing options, applied in order. Each produces one DKIM-Signature header."`

	SpillToDisk         bool   `sconf:"optional" sconf-doc:"Spill large message bodies to a temporary file instead of holding them fully in memory for the DKIM body-hash pass and the DATA pass."`
	SpillDir            string `sconf:"optional" sconf-doc:"Directory for spilled body files. Default os.TempDir()."`
	SpillThresholdBytes int    `sconf:"optional" sconf-doc:"Body size, in bytes, above which SpillToDisk takes effect. Default 1MB."`
}

// SpillThresholdBytesEffective returns SpillThresholdBytes, or its default of 1MB.
func (c MailConfig) SpillThresholdBytesEffective() int {
	if c.SpillThresholdBytes != 0 {
		return c.SpillThresholdBytes
	}
	return 1 * 1024 * 1024
}

// PortEffective returns the port to connect to, applying the default
// implied by SSL when Port is unset.
func (c MailConfig) PortEffective() int {
	if c.Port != 0 {
		return c.Port
	}
	if c.SSL {
		return 465
	}
	return 587
}

// MaxPoolSizeEffective returns MaxPoolSize, or its default of 10.
func (c MailConfig) MaxPoolSizeEffective() int {
	if c.MaxPoolSize > 0 {
		return c.MaxPoolSize
	}
	return 10
}

// KeepAliveTimeoutEffective returns KeepAliveTimeoutSeconds, or its
// default of 300.
func (c MailConfig) KeepAliveTimeoutEffective() int {
	if c.KeepAliveTimeoutSeconds > 0 {
		return c.KeepAliveTimeoutSeconds
	}
	return 300
}

// PoolCleanerPeriodEffective returns PoolCleanerPeriodMs, or its default
// of 10000.
func (c MailConfig) PoolCleanerPeriodEffective() int {
	if c.PoolCleanerPeriodMs > 0 {
		return c.PoolCleanerPeriodMs
	}
	return 10000
}

// DkimSignOptions configures one DKIM-Signature header to produce.
// Construction validates the fields and loads the private key; see
// NewDkimSignOptions.
type DkimSignOptions struct {
	SignAlgo        SignAlgo `sconf-doc:"RSA_SHA1 or RSA_SHA256."`
	PrivateKeyPkcs8 []byte   `sconf:"-" json:"-"` // Raw PKCS8 DER or PEM, set programmatically or loaded from PrivateKeyFile.
	PrivateKeyFile  string   `sconf:"optional" sconf-doc:"Path to an RSA private key in PKCS8 PEM form. Alternative to setting PrivateKeyPkcs8 directly."`
	SDID            string   `sconf-doc:"Signing domain identifier, the d= tag."`
	Selector        string   `sconf-doc:"DKIM selector, the s= tag. A DNS TXT record must exist at <selector>._domainkey.<sdid>."`
	AUID            string   `sconf:"optional" sconf-doc:"Agent or user identifier, the i= tag. If set, must end in @sdid or in a subdomain of sdid."`

	HeaderCanonic Canonicalization `sconf:"optional" sconf-doc:"SIMPLE (default) or RELAXED. Header canonicalization, the c= tag first component."`
	BodyCanonic   Canonicalization `sconf:"optional" sconf-doc:"SIMPLE (default) or RELAXED. Body canonicalization, the c= tag second component."`

	SignedHeaders []string `sconf-doc:"Ordered list of header field names to sign, the h= tag. Must include from. Must not include return-path, received, comments, keywords or DKIM-Signature."`
	CopiedHeaders []string `sconf:"optional" sconf-doc:"Header field names whose values are also copied into the signature as z=, for debugging."`

	BodyLimit          int  `sconf:"optional" sconf-doc:"Number of leading body octets covered by the signature, the l= tag. -1 (default) signs the whole body, omitting l=."`
	ExpireSeconds      int  `sconf:"optional" sconf-doc:"Seconds after signing time at which the signature expires, the x= tag. -1 (default) omits x=."`
	SignatureTimestamp bool `sconf:"optional" sconf-doc:"Include the current time as the t= tag."`

	Key crypto.Signer `sconf:"-" json:"-"` // Parsed from PrivateKeyPkcs8/PrivateKeyFile.
}

var (
	ErrMissingSDID        = errors.New("config: dkim sign options missing sdid")
	ErrMissingSelector    = errors.New("config: dkim sign options missing selector")
	ErrMissingPrivateKey  = errors.New("config: dkim sign options missing private key")
	ErrMissingFromHeader  = errors.New("config: dkim signed headers must include from")
	ErrForbiddenHeader    = errors.New("config: dkim signed headers must not include a forbidden header")
	ErrAUIDDomainMismatch = errors.New("config: dkim auid does not match sdid")
	ErrBadPrivateKey      = errors.New("config: dkim private key is not a valid pkcs8 rsa key")
)

var forbiddenSignedHeaders = map[string]bool{
	"return-path":    true,
	"received":       true,
	"comments":       true,
	"keywords":       true,
	"dkim-signature": true,
}

// NewDkimSignOptions validates opts, loads its private key, and returns
// the effective options ready for signing.
func NewDkimSignOptions(opts DkimSignOptions) (DkimSignOptions, error) {
	if opts.SDID == "" {
		return DkimSignOptions{}, ErrMissingSDID
	}
	if opts.Selector == "" {
		return DkimSignOptions{}, ErrMissingSelector
	}
	hasFrom := false
	for _, h := range opts.SignedHeaders {
		lh := strings.ToLower(h)
		if lh == "from" {
			hasFrom = true
		}
		if forbiddenSignedHeaders[lh] {
			return DkimSignOptions{}, fmt.Errorf("%w: %s", ErrForbiddenHeader, h)
		}
	}
	if !hasFrom {
		return DkimSignOptions{}, ErrMissingFromHeader
	}
	if opts.AUID != "" {
		lauid := strings.ToLower(opts.AUID)
		lsdid := strings.ToLower(opts.SDID)
		if !strings.HasSuffix(lauid, "@"+lsdid) && !strings.HasSuffix(lauid, "."+lsdid) {
			return DkimSignOptions{}, ErrAUIDDomainMismatch
		}
	}
	if opts.HeaderCanonic == "" {
		opts.HeaderCanonic = CanonSimple
	}
	if opts.BodyCanonic == "" {
		opts.BodyCanonic = CanonSimple
	}
	if opts.SignAlgo == "" {
		opts.SignAlgo = SignAlgoRSASHA256
	}
	if opts.BodyLimit == 0 {
		opts.BodyLimit = -1
	}
	if opts.ExpireSeconds == 0 {
		opts.ExpireSeconds = -1
	}

	if len(opts.PrivateKeyPkcs8) == 0 {
		return DkimSignOptions{}, ErrMissingPrivateKey
	}
	der := opts.PrivateKeyPkcs8
	if block, _ := pem.Decode(der); block != nil {
		der = block.Bytes
	}
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return DkimSignOptions{}, fmt.Errorf("%w: %s", ErrBadPrivateKey, err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return DkimSignOptions{}, ErrBadPrivateKey
	}
	opts.Key = rsaKey
	return opts, nil
}
