package dns

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/mjl-/adns"

	"github.com/corvidmail/submit/mlog"
	"github.com/corvidmail/submit/stub"
)

var (
	MetricLookup stub.HistogramVec = stub.HistogramVecIgnore{}
)

// Resolver is the small subset of DNS lookups the client needs: resolving its
// own hostname for use in EHLO/HELO, and reverse-resolving a local address
// when no hostname was configured.
type Resolver interface {
	LookupAddr(ctx context.Context, addr string) ([]string, error)
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// StrictResolver wraps an adns.Resolver, rejecting "search"-relative names
// (those not ending in a dot) and logging every lookup at debug level,
// including whether the answer came back DNSSEC-authenticated.
//
// Own-hostname resolution for EHLO/HELO does not branch on authenticity the
// way an MX or TLSA lookup would: there is no trust decision being made
// here, only a display name for the greeting line, so an unauthenticated
// answer is logged and used the same as an authenticated one. See
// DESIGN.md.
type StrictResolver struct {
	Pkg      string         // Name of subsystem making the request, for logging/metrics.
	Resolver *adns.Resolver // Where the actual lookups are done. If nil, adns.DefaultResolver is used.
}

var _ Resolver = StrictResolver{}

var ErrRelativeDNSName = errors.New("dns: host to lookup must be absolute, ending with a dot")

func (r StrictResolver) log() *mlog.Log {
	pkg := r.Pkg
	if pkg == "" {
		pkg = "dns"
	}
	return mlog.New(pkg)
}

func (r StrictResolver) resolver() *adns.Resolver {
	if r.Resolver == nil {
		return adns.DefaultResolver
	}
	return r.Resolver
}

func metricLookupObserve(pkg, typ string, err error, start time.Time) {
	result := "ok"
	switch {
	case err == nil:
	case IsNotFound(err):
		result = "nxdomain"
	case errors.Is(err, context.DeadlineExceeded):
		result = "timeout"
	case errors.Is(err, context.Canceled):
		result = "canceled"
	default:
		result = "error"
	}
	MetricLookup.ObserveLabels(float64(time.Since(start))/float64(time.Second), pkg, typ, result)
}

// LookupAddr does a reverse DNS lookup of addr, an IP address.
func (r StrictResolver) LookupAddr(ctx context.Context, addr string) (resp []string, err error) {
	start := time.Now()
	var authentic bool
	defer func() {
		metricLookupObserve(r.Pkg, "addr", err, start)
		r.log().WithContext(ctx).Debugx("dns lookup result", err,
			mlog.Field("type", "addr"),
			mlog.Field("addr", addr),
			mlog.Field("resp", resp),
			mlog.Field("authentic", authentic),
			mlog.Field("duration", time.Since(start)),
		)
	}()

	var result adns.Result
	resp, result, err = r.resolver().LookupAddr(ctx, addr)
	authentic = result.Authentic
	for i, s := range resp {
		if !strings.HasSuffix(s, ".") {
			resp[i] = s + "."
		}
	}
	return
}

// LookupHost resolves host, which must be an absolute name ending in a dot.
func (r StrictResolver) LookupHost(ctx context.Context, host string) (resp []string, err error) {
	start := time.Now()
	var authentic bool
	defer func() {
		metricLookupObserve(r.Pkg, "host", err, start)
		r.log().WithContext(ctx).Debugx("dns lookup result", err,
			mlog.Field("type", "host"),
			mlog.Field("host", host),
			mlog.Field("resp", resp),
			mlog.Field("authentic", authentic),
			mlog.Field("duration", time.Since(start)),
		)
	}()

	if !strings.HasSuffix(host, ".") {
		return nil, ErrRelativeDNSName
	}
	var result adns.Result
	resp, result, err = r.resolver().LookupHost(ctx, host)
	authentic = result.Authentic
	return
}

func init() {
	net.DefaultResolver.StrictErrors = true
}
