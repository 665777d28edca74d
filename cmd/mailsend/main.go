// Command mailsend loads a MailConfig (and optional DKIM signing options)
// from an sconf-formatted file and submits a single message read from
// stdin, in the mold of mox's "sendmail" command but speaking the richer
// submission-client configuration directly instead of faking /usr/sbin/sendmail.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/mjl-/sconf"

	"github.com/corvidmail/submit/config"
	"github.com/corvidmail/submit/mailclient"
	"github.com/corvidmail/submit/message"
)

func xcheckf(err error, format string, args ...any) {
	if err == nil {
		return
	}
	log.Fatalf("%s: %s", fmt.Sprintf(format, args...), err)
}

func main() {
	log.SetFlags(0)

	var confPath string
	var describe bool
	flag.StringVar(&confPath, "config", "mailsend.conf", "sconf-formatted configuration file")
	flag.BoolVar(&describe, "describe-config", false, "write an annotated example configuration to stdout and exit")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: mailsend [flags] <from> <rcpt> [<rcpt> ...] <message\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if describe {
		var cfg config.MailConfig
		err := sconf.Describe(os.Stdout, &cfg)
		xcheckf(err, "describing config")
		return
	}

	args := flag.Args()
	if len(args) < 2 {
		flag.Usage()
		os.Exit(2)
	}
	from := args[0]
	rcptTo := args[1:]

	var cfg config.MailConfig
	err := sconf.ParseFile(confPath, &cfg)
	xcheckf(err, "parsing config file %q", confPath)

	for i, o := range cfg.DkimOptions {
		if o.PrivateKeyFile != "" && len(o.PrivateKeyPkcs8) == 0 {
			buf, err := os.ReadFile(o.PrivateKeyFile)
			xcheckf(err, "reading dkim private key %q", o.PrivateKeyFile)
			cfg.DkimOptions[i].PrivateKeyPkcs8 = buf
		}
	}

	headers, bodyReader, err := readHeaders(os.Stdin)
	xcheckf(err, "reading message from stdin")

	msg := message.EncodedPart{Headers: headers}
	if cfg.SpillToDisk {
		stream, err := message.NewSpillRestartable(bodyReader, int64(cfg.SpillThresholdBytesEffective()), cfg.SpillDir)
		xcheckf(err, "buffering message body")
		defer stream.Close()
		msg.Stream = stream
	} else {
		body, err := io.ReadAll(bodyReader)
		xcheckf(err, "reading message body")
		msg.Body = normalizeCRLF(body)
	}

	mc, err := mailclient.New(cfg, nil)
	xcheckf(err, "initializing mail client")
	defer mc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	err = mc.Send(ctx, from, rcptTo, msg)
	xcheckf(err, "submitting message")
}

// readHeaders splits a raw RFC 5322 message read from r into its header
// fields, preserving folded continuation lines in each Value, and returns
// the remainder of r positioned at the start of the body. The header block
// must end with "\r\n\r\n", or message.ReadHeaders fails; bare "\n" line
// endings on header lines before that are normalized to "\r\n". The body is
// left as-is for the caller to normalize or spill as it sees fit.
func readHeaders(r io.Reader) ([]message.Header, io.Reader, error) {
	br := bufio.NewReader(r)
	raw, err := message.ReadHeaders(br)
	if err != nil {
		return nil, nil, err
	}
	raw = normalizeCRLF(raw)

	var headers []message.Header
	for _, line := range strings.Split(string(raw), "\r\n") {
		if line == "" {
			continue
		}
		if (line[0] == ' ' || line[0] == '\t') && len(headers) > 0 {
			last := &headers[len(headers)-1]
			last.Value += "\r\n" + line
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, nil, fmt.Errorf("invalid header line %q: missing colon", line)
		}
		headers = append(headers, message.Header{Name: name, Value: strings.TrimPrefix(value, " ")})
	}

	return headers, br, nil
}

func normalizeCRLF(b []byte) []byte {
	s := strings.ReplaceAll(string(b), "\r\n", "\n")
	s = strings.ReplaceAll(s, "\n", "\r\n")
	return []byte(s)
}
