package smtpclient

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/corvidmail/submit/dns"
	"github.com/corvidmail/submit/mlog"
)

func TestDialHost(t *testing.T) {
	// A submission client dials a single configured host. If it resolved to
	// multiple addresses, we try each until one connects.
	ctxbg := context.Background()
	log := mlog.New("smtpclient")

	host := dns.Domain{ASCII: "submit.example"}
	ips := []net.IP{net.ParseIP("10.0.0.1"), net.ParseIP("10.0.0.2")}

	DialHook = func(ctx context.Context, dialer Dialer, timeout time.Duration, addr string) (net.Conn, error) {
		if addr == "10.0.0.1:587" {
			return nil, fmt.Errorf("connection refused")
		}
		return nil, nil // No error, nil connection isn't used further.
	}
	defer func() {
		DialHook = nil
	}()

	_, ip, err := Dial(ctxbg, log, &net.Dialer{}, host, ips, 587)
	if err != nil || ip.String() != "10.0.0.2" {
		t.Fatalf("expected err nil, address 10.0.0.2, got %v %v", err, ip)
	}
}

func TestDialHostAllFail(t *testing.T) {
	ctxbg := context.Background()
	log := mlog.New("smtpclient")

	host := dns.Domain{ASCII: "submit.example"}
	ips := []net.IP{net.ParseIP("10.0.0.1")}

	DialHook = func(ctx context.Context, dialer Dialer, timeout time.Duration, addr string) (net.Conn, error) {
		return nil, fmt.Errorf("connection refused")
	}
	defer func() {
		DialHook = nil
	}()

	_, ip, err := Dial(ctxbg, log, &net.Dialer{}, host, ips, 587)
	if err == nil || ip.String() != "10.0.0.1" {
		t.Fatalf("expected connection refused error with last-tried address, got %v %v", err, ip)
	}
}
