package smtpclient

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/corvidmail/submit/dns"
	"github.com/corvidmail/submit/mlog"
)

// DialHook can be used during tests to override the regular dialer from being used.
var DialHook func(ctx context.Context, dialer Dialer, timeout time.Duration, addr string) (net.Conn, error)

func dial(ctx context.Context, dialer Dialer, timeout time.Duration, addr string) (net.Conn, error) {
	if DialHook != nil {
		return DialHook(ctx, dialer, timeout, addr)
	}

	if d, ok := dialer.(*net.Dialer); ok {
		nd := *d
		nd.Timeout = timeout
		return nd.DialContext(ctx, "tcp", addr)
	}
	return dialer.DialContext(ctx, "tcp", addr)
}

// Dialer is used to dial the submission host, an interface to facilitate testing.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (c net.Conn, err error)
}

// Dial connects to the configured submission host, trying each of its resolved
// IPs in order until one succeeds. Unlike MX delivery, a submission client
// always targets a single configured host, so there is no MX preference
// ordering or greylisting-aware IP alternation to do here: just try the
// addresses we were given until one answers.
func Dial(ctx context.Context, log *mlog.Log, dialer Dialer, host dns.Domain, ips []net.IP, port int) (conn net.Conn, ip net.IP, rerr error) {
	timeout := 30 * time.Second
	if deadline, ok := ctx.Deadline(); ok && len(ips) > 0 {
		timeout = time.Until(deadline) / time.Duration(len(ips))
	}

	var lastErr error
	var lastIP net.IP
	for _, ip := range ips {
		addr := net.JoinHostPort(ip.String(), fmt.Sprintf("%d", port))
		log.Debug("dialing host", mlog.Field("addr", addr))
		conn, err := dial(ctx, dialer, timeout, addr)
		if err == nil {
			log.Debug("connected to host", mlog.Field("host", host), mlog.Field("addr", addr))
			return conn, ip, nil
		}
		log.Debugx("connection attempt", err, mlog.Field("host", host), mlog.Field("addr", addr))
		lastErr = err
		lastIP = ip
	}
	return nil, lastIP, lastErr
}
