// Package mailclient ties the connection pool, SMTP submission client and
// DKIM signer together into a single Send operation: validate, acquire a
// pooled connection, sign, deliver, and return the connection to the pool
// or evict it depending on how delivery went.
package mailclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/corvidmail/submit/config"
	"github.com/corvidmail/submit/dkim"
	"github.com/corvidmail/submit/dns"
	"github.com/corvidmail/submit/message"
	"github.com/corvidmail/submit/mlog"
	"github.com/corvidmail/submit/pool"
	"github.com/corvidmail/submit/sasl"
	"github.com/corvidmail/submit/smtpclient"
)

// Kind classifies a Send failure into one of the categories a caller is
// expected to branch on, beyond the SMTP-level detail already present in a
// wrapped smtpclient.Error.
type Kind string

const (
	KindConfigInvalid      Kind = "ConfigInvalid"
	KindConnectFailed      Kind = "ConnectFailed"
	KindGreetingFailed     Kind = "GreetingFailed"
	KindTLSRequired        Kind = "TlsRequired"
	KindAuthFailed         Kind = "AuthFailed"
	KindSenderRejected     Kind = "SenderRejected"
	KindRecipientRejected  Kind = "RecipientRejected"
	KindMessageTooLarge    Kind = "MessageTooLarge"
	KindDataRejected       Kind = "DataRejected"
	KindBodyWriteFailed    Kind = "BodyWriteFailed"
	KindDkimKeyInvalid     Kind = "DkimKeyInvalid"
	KindDkimSignFailure    Kind = "DkimSignFailure"
	KindPoolClosed         Kind = "PoolClosed"
	KindPoolAcquireTimeout Kind = "PoolAcquireTimeout"
	KindUnexpectedReply    Kind = "UnexpectedReply"
)

// Error wraps a Send failure with its Kind, alongside the underlying error
// (often a *smtpclient.Error carrying the SMTP response detail).
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func kindError(k Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: k, Err: err}
}

// kindOf maps an error returned by the smtpclient package to the Kind that
// best describes it, falling back to KindUnexpectedReply for anything it
// does not specifically recognize.
func kindOf(err error) Kind {
	var serr smtpclient.Error
	if !errors.As(err, &serr) {
		return KindUnexpectedReply
	}
	switch {
	case errors.Is(err, smtpclient.ErrSize):
		return KindMessageTooLarge
	}
	switch serr.Command {
	case "mailfrom":
		return KindSenderRejected
	case "rcptto":
		return KindRecipientRejected
	case "data":
		return KindDataRejected
	}
	return KindUnexpectedReply
}

// MailClient sends messages to a single submission endpoint, reusing pooled
// connections across calls to Send.
//
// Validate, obtain a connection, sign, deliver, return-or-evict: that is the
// whole of Send. Everything else here exists to build the dial function the
// pool uses to create a connection the first time it is needed.
type MailClient struct {
	cfg      config.MailConfig
	resolver dns.Resolver
	log      *mlog.Log
	signer   *dkim.Signer
	pool     *pool.Pool[*smtpclient.Client]
	ehlo     dns.Domain
}

// New validates cfg, prepares its DKIM signer (if enabled), and returns a
// MailClient ready to Send. resolver is used only to resolve an EHLO
// hostname when cfg.OwnHostname is empty; nil is equivalent to
// dns.StrictResolver{Pkg: "mailclient"}.
func New(cfg config.MailConfig, resolver dns.Resolver) (*MailClient, error) {
	mc, err := build(cfg, resolver)
	if err != nil {
		return nil, err
	}
	mc.pool = newPool(mc)
	return mc, nil
}

// build constructs a MailClient without its pool, so Registry.Ensure can
// share one pool.Pool across every MailClient it hands out for the same
// host:port instead of each New call dialing its own.
func build(cfg config.MailConfig, resolver dns.Resolver) (*MailClient, error) {
	if cfg.Host == "" {
		return nil, kindError(KindConfigInvalid, errors.New("mailclient: host is required"))
	}
	if resolver == nil {
		resolver = dns.StrictResolver{Pkg: "mailclient"}
	}

	var signer *dkim.Signer
	if cfg.EnableDkim {
		s, err := dkim.NewSigner(cfg.DkimOptions)
		if err != nil {
			return nil, kindError(KindDkimKeyInvalid, err)
		}
		signer = s
	}

	log := mlog.New("mailclient").Fields(mlog.Field("host", cfg.Host))

	var ehlo dns.Domain
	if cfg.OwnHostname != "" {
		d, err := dns.ParseDomain(cfg.OwnHostname)
		if err != nil {
			return nil, kindError(KindConfigInvalid, fmt.Errorf("mailclient: own hostname: %w", err))
		}
		ehlo = d
	}

	return &MailClient{
		cfg:      cfg,
		resolver: resolver,
		log:      log,
		signer:   signer,
		ehlo:     ehlo,
	}, nil
}

func newPool(mc *MailClient) *pool.Pool[*smtpclient.Client] {
	keepAliveTimeout := time.Duration(mc.cfg.KeepAliveTimeoutEffective()) * time.Second
	cleanerPeriod := time.Duration(mc.cfg.PoolCleanerPeriodEffective()) * time.Millisecond
	return pool.New(mc.log, mc.cfg.MaxPoolSizeEffective(), mc.cfg.KeepAlive, keepAliveTimeout, cleanerPeriod,
		mc.dial, mc.healthy, mc.discard)
}

// Registry hands out one MailClient per distinct host:port, dialing and
// pooling connections for each endpoint at most once no matter how many
// times Ensure is called for it. It is the caller-owned alternative to a
// package-level map of submission endpoints: construct one Registry per
// process (or per logical sender) instead of reaching for global state.
type Registry struct {
	pools   *pool.Registry[*smtpclient.Client]
	clients sync.Map // string -> *MailClient
}

// NewRegistry makes an empty Registry.
func NewRegistry() *Registry {
	return &Registry{pools: pool.NewRegistry[*smtpclient.Client]()}
}

// Ensure returns the MailClient for cfg.Host:cfg.Port, constructing and
// pooling it on first use. Later calls for the same endpoint, even with a
// differing cfg, return the MailClient built from whichever cfg arrived
// first.
func (r *Registry) Ensure(cfg config.MailConfig, resolver dns.Resolver) (*MailClient, error) {
	key := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.PortEffective()))
	if v, ok := r.clients.Load(key); ok {
		return v.(*MailClient), nil
	}

	mc, err := build(cfg, resolver)
	if err != nil {
		return nil, err
	}
	mc.pool = r.pools.Ensure(key, func() *pool.Pool[*smtpclient.Client] { return newPool(mc) })

	actual, loaded := r.clients.LoadOrStore(key, mc)
	if loaded {
		return actual.(*MailClient), nil
	}
	return mc, nil
}

// CloseAll closes every pool held by the registry.
func (r *Registry) CloseAll() {
	r.pools.CloseAll()
}

func (mc *MailClient) dial(ctx context.Context) (*smtpclient.Client, error) {
	addr := net.JoinHostPort(mc.cfg.Host, fmt.Sprintf("%d", mc.cfg.PortEffective()))
	dialer := &net.Dialer{Timeout: 30 * time.Second}
	nconn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, kindError(KindConnectFailed, err)
	}

	remote := dns.Domain{ASCII: mc.cfg.Host}
	if ip := net.ParseIP(mc.cfg.Host); ip == nil {
		if d, err := dns.ParseDomain(mc.cfg.Host); err == nil {
			remote = d
		}
	}

	ehlo := mc.ehlo
	if ehlo.IsZero() {
		ehlo = mc.resolveOwnHostname(ctx, nconn)
	}

	tlsMode := smtpclient.TLSOpportunistic
	switch {
	case mc.cfg.SSL:
		tlsMode = smtpclient.TLSImmediate
	case mc.cfg.Starttls == config.StarttlsRequired:
		tlsMode = smtpclient.TLSRequiredStartTLS
	case mc.cfg.Starttls == config.StarttlsDisabled:
		tlsMode = smtpclient.TLSDisabled
	}

	opts := smtpclient.Opts{
		TrustAll: mc.cfg.TrustAll,
		Auth:     mc.authFunc(),
	}

	client, err := smtpclient.New(ctx, mc.log, nconn, tlsMode, !mc.cfg.TrustAll, ehlo, remote, opts)
	if err != nil {
		nconn.Close()
		return nil, classifyDialError(err)
	}
	return client, nil
}

// classifyDialError maps errors from smtpclient.New, which can fail during
// the greeting, STARTTLS or AUTH phases, to the Kind that best describes
// which phase failed.
func classifyDialError(err error) error {
	switch {
	case errors.Is(err, smtpclient.ErrAuthFailed):
		return kindError(KindAuthFailed, err)
	case errors.Is(err, smtpclient.ErrTLS), errors.Is(err, smtpclient.ErrRequireTLSUnsupported):
		return kindError(KindTLSRequired, err)
	}
	return kindError(KindGreetingFailed, err)
}

// resolveOwnHostname reverse-resolves the local address of nconn for the
// EHLO/HELO hostname when none was configured. It falls back to the local
// IP address (without trailing dot) if reverse DNS fails or returns
// nothing usable.
func (mc *MailClient) resolveOwnHostname(ctx context.Context, nconn net.Conn) dns.Domain {
	host, _, err := net.SplitHostPort(nconn.LocalAddr().String())
	if err != nil {
		host = nconn.LocalAddr().String()
	}
	names, err := mc.resolver.LookupAddr(ctx, host)
	if err != nil || len(names) == 0 {
		return dns.Domain{ASCII: host}
	}
	d, err := dns.ParseDomain(strings.TrimSuffix(names[0], "."))
	if err != nil {
		return dns.Domain{ASCII: host}
	}
	return d
}

// authFunc builds the Opts.Auth callback from cfg.Login/Username/Password,
// or returns nil if the configuration does not call for authentication.
func (mc *MailClient) authFunc() func(mechanisms []string, cs *tls.ConnectionState) (sasl.Client, error) {
	if mc.cfg.Login == config.LoginDisabled || mc.cfg.Login == config.LoginNone || mc.cfg.Login == "" {
		return nil
	}
	user, pass := mc.cfg.Username, mc.cfg.Password
	if mc.cfg.Login == config.LoginXOAUTH2 {
		return func(mechanisms []string, cs *tls.ConnectionState) (sasl.Client, error) {
			for _, m := range mechanisms {
				if m == "XOAUTH2" {
					return sasl.NewClientXOAUTH2(user, pass), nil
				}
			}
			return nil, fmt.Errorf("mailclient: server does not support XOAUTH2")
		}
	}
	return func(mechanisms []string, cs *tls.ConnectionState) (sasl.Client, error) {
		have := map[string]bool{}
		for _, m := range mechanisms {
			have[m] = true
		}
		switch {
		case have["SCRAM-SHA-256"]:
			return sasl.NewClientSCRAMSHA256(user, pass), nil
		case have["SCRAM-SHA-1"]:
			return sasl.NewClientSCRAMSHA1(user, pass), nil
		case have["DIGEST-MD5"]:
			return sasl.NewClientDigestMD5(user, pass), nil
		case have["CRAM-MD5"]:
			return sasl.NewClientCRAMMD5(user, pass), nil
		case have["LOGIN"]:
			return sasl.NewClientLogin(user, pass), nil
		case have["PLAIN"]:
			return sasl.NewClientPlain(user, pass), nil
		}
		return nil, fmt.Errorf("mailclient: no supported authentication mechanism in %v", mechanisms)
	}
}

func (mc *MailClient) healthy(c *smtpclient.Client) bool {
	return !c.Botched()
}

func (mc *MailClient) discard(c *smtpclient.Client) {
	c.Close()
}

// Send signs (if configured) and delivers msg from mailFrom to every address
// in rcptTo, using a pooled connection. The connection is returned to the
// pool afterward unless the session itself was left inconsistent
// (client.Botched()); application-level failures such as a rejected sender,
// a rejected recipient or an oversized message still recycle the
// connection, since the next Send on it issues RSET as needed.
func (mc *MailClient) Send(ctx context.Context, mailFrom string, rcptTo []string, msg message.EncodedPart) (rerr error) {
	if mailFrom == "" {
		return kindError(KindConfigInvalid, errors.New("mailclient: mailFrom is required"))
	}
	if len(rcptTo) == 0 {
		return kindError(KindConfigInvalid, errors.New("mailclient: at least one recipient is required"))
	}

	var dkimHeaders string
	if mc.signer != nil {
		h, err := mc.signer.Sign(ctx, msg)
		if err != nil {
			return kindError(KindDkimSignFailure, err)
		}
		dkimHeaders = h
	}

	client, err := mc.pool.Acquire(ctx)
	if err != nil {
		switch {
		case errors.Is(err, pool.ErrClosed):
			return kindError(KindPoolClosed, err)
		case errors.Is(err, pool.ErrAcquireTimeout):
			return kindError(KindPoolAcquireTimeout, err)
		}
		return kindError(KindConnectFailed, err)
	}

	// Whether to return client to the pool is decided solely by whether the
	// protocol session is still consistent (client.Botched()), not by whether
	// Send itself succeeded: a rejected MAIL FROM/RCPT TO, an oversized
	// message or a 5xx at the DATA terminator leaves the connection usable
	// for the next delivery, since the client already issues RSET on reuse
	// when needed. Only a botched session (torn mid-response, unexpected
	// reply) is actually unsafe to hand back.
	defer func() {
		if client.Botched() {
			mc.pool.Evict(client)
		} else {
			mc.pool.Recycle(client)
		}
	}()

	var buf bytes.Buffer
	if dkimHeaders != "" {
		buf.WriteString(dkimHeaders)
	}
	if _, err := msg.WriteTo(&buf); err != nil {
		return kindError(KindBodyWriteFailed, err)
	}

	req8bitmime := client.Supports8BITMIME()
	reqSMTPUTF8 := false
	requireTLS := false

	resps, err := client.DeliverMultiple(ctx, mailFrom, rcptTo, int64(buf.Len()), &buf, req8bitmime, reqSMTPUTF8, requireTLS)
	if err != nil {
		return kindError(kindOf(err), err)
	}

	if !mc.cfg.AllowRcptErrors {
		return nil
	}
	var rejected []string
	for i, r := range resps {
		if r.Code/100 != 2 {
			rejected = append(rejected, rcptTo[i])
		}
	}
	if len(rejected) > 0 {
		mc.log.Debug("some recipients rejected", mlog.Field("rejected", rejected))
	}
	return nil
}

// Close closes every pooled connection. No further Send calls should be
// made afterward.
func (mc *MailClient) Close() error {
	return mc.pool.Close()
}
