package config

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"testing"
)

func testKeyPKCS8(t *testing.T) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	return der
}

func TestNewDkimSignOptions(t *testing.T) {
	der := testKeyPKCS8(t)

	base := DkimSignOptions{
		SDID:            "example.com",
		Selector:        "sel",
		SignedHeaders:   []string{"from", "to", "subject"},
		PrivateKeyPkcs8: der,
	}

	got, err := NewDkimSignOptions(base)
	if err != nil {
		t.Fatalf("expected valid options, got %v", err)
	}
	if got.HeaderCanonic != CanonSimple {
		t.Fatalf("got header canonicalization %v, expected default %v", got.HeaderCanonic, CanonSimple)
	}
	if got.BodyCanonic != CanonSimple {
		t.Fatalf("got body canonicalization %v, expected default %v", got.BodyCanonic, CanonSimple)
	}

	test := func(opts DkimSignOptions, expErr error) {
		t.Helper()
		_, err := NewDkimSignOptions(opts)
		if !errors.Is(err, expErr) {
			t.Fatalf("got err %v, expected %v", err, expErr)
		}
	}

	noSDID := base
	noSDID.SDID = ""
	test(noSDID, ErrMissingSDID)

	noSelector := base
	noSelector.Selector = ""
	test(noSelector, ErrMissingSelector)

	noKey := base
	noKey.PrivateKeyPkcs8 = nil
	test(noKey, ErrMissingPrivateKey)

	noFrom := base
	noFrom.SignedHeaders = []string{"to", "subject"}
	test(noFrom, ErrMissingFromHeader)

	forbidden := base
	forbidden.SignedHeaders = []string{"from", "received"}
	test(forbidden, ErrForbiddenHeader)

	badAUID := base
	badAUID.AUID = "user@other.example"
	test(badAUID, ErrAUIDDomainMismatch)

	goodAUID := base
	goodAUID.AUID = "user@example.com"
	if _, err := NewDkimSignOptions(goodAUID); err != nil {
		t.Fatalf("expected valid auid, got %v", err)
	}

	subdomainAUID := base
	subdomainAUID.AUID = "user@mail.example.com"
	if _, err := NewDkimSignOptions(subdomainAUID); err != nil {
		t.Fatalf("expected valid subdomain auid, got %v", err)
	}
}

func TestMailConfigDefaults(t *testing.T) {
	var c MailConfig
	if c.PortEffective() != 587 {
		t.Fatalf("got port %d, expected 587", c.PortEffective())
	}
	c.SSL = true
	if c.PortEffective() != 465 {
		t.Fatalf("got port %d, expected 465", c.PortEffective())
	}
	c.Port = 2525
	if c.PortEffective() != 2525 {
		t.Fatalf("got port %d, expected 2525", c.PortEffective())
	}
	if (MailConfig{}).MaxPoolSizeEffective() != 10 {
		t.Fatalf("expected default max pool size 10")
	}
	if (MailConfig{}).KeepAliveTimeoutEffective() != 300 {
		t.Fatalf("expected default keep-alive timeout 300")
	}
	if (MailConfig{}).PoolCleanerPeriodEffective() != 10000 {
		t.Fatalf("expected default cleaner period 10000")
	}
}
