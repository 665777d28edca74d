package moxio

import (
	"fmt"
	"strings"
	"testing"
)

func tcheckf(t *testing.T, err error, format string, args ...any) {
	if err != nil {
		t.Helper()
		t.Fatalf("%s: %s", fmt.Sprintf(format, args...), err)
	}
}

func TestBase64Writer(t *testing.T) {
	var sb strings.Builder
	bw := Base64Writer(&sb)
	_, err := bw.Write([]byte("0123456789012345678901234567890123456789012345678901234567890123456789"))
	tcheckf(t, err, "write")
	err = bw.Close()
	tcheckf(t, err, "close")
	s := sb.String()
	exp := "MDEyMzQ1Njc4OTAxMjM0NTY3ODkwMTIzNDU2Nzg5MDEyMzQ1Njc4OTAxMjM0NTY3ODkwMTIzNDU2Nz\r\ng5MDEyMzQ1Njc4OQ==\r\n"
	if s != exp {
		t.Fatalf("base64writer, got %q, expected %q", s, exp)
	}
}
