package dkim

import (
	"bufio"
	"bytes"
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/courier-mta/courier/dns"
)

func slogNop() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func parseTags(t *testing.T, header string) map[string]string {
	t.Helper()

	s := strings.TrimSuffix(header, "\r\n")
	s = strings.ReplaceAll(s, "\r\n", "")
	s = strings.ReplaceAll(s, "\t", " ")
	t0 := strings.SplitN(s, ":", 2)
	if !strings.EqualFold(strings.TrimSpace(t0[0]), "DKIM-Signature") {
		t.Fatalf("not a dkim-signature header: %q", header)
	}
	tags := map[string]string{}
	for _, kv := range strings.Split(t0[1], ";") {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}
		tkv := strings.SplitN(kv, "=", 2)
		if len(tkv) != 2 {
			t.Fatalf("bad tag %q in %q", kv, header)
		}
		tags[strings.TrimSpace(tkv[0])] = strings.ReplaceAll(strings.TrimSpace(tkv[1]), " ", "")
	}
	return tags
}

func TestSign(t *testing.T) {
	message := strings.ReplaceAll(`Message-ID: <test@example.org>
Date: Fri, 10 May 2024 10:08:30 +0200
Subject: test
From: mjl <test@example.org>
To: other <other@example.org>

test

`, "\n", "\r\n")

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating rsa key: %v", err)
	}
	_, ed25519Key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating ed25519 key: %v", err)
	}

	now := time.Date(2024, 5, 10, 10, 8, 30, 0, time.UTC)
	orig := timeNow
	timeNow = func() time.Time { return now }
	defer func() {
		timeNow = orig
	}()

	domain := dns.Domain{ASCII: "example.org"}
	selrsa := Selector{
		Hash:       "sha256",
		PrivateKey: rsaKey,
		Headers:    strings.Split("From,To,Subject,Date,Message-ID,Content-Type", ","),
		Domain:     dns.Domain{ASCII: "testrsa"},
	}

	// Test with both canonicalizations for headers and body.
	selrsaRelaxed := selrsa
	selrsaRelaxed.HeaderRelaxed = true
	selrsaRelaxed.BodyRelaxed = true
	selrsaRelaxed.SealHeaders = true
	selrsaRelaxed.Expiration = time.Hour

	seled25519 := Selector{
		Hash:       "sha256",
		PrivateKey: ed25519Key,
		Headers:    strings.Split("From,To,Subject,Date,Message-ID,Content-Type", ","),
		Domain:     dns.Domain{ASCII: "tested25519"},
	}
	selectors := []Selector{selrsa, selrsaRelaxed, seled25519}

	headers, err := Sign(context.Background(), slogNop(), "test", domain, selectors, false, strings.NewReader(message))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	var sigs []string
	for _, line := range strings.SplitAfter(headers, "\r\n") {
		if strings.HasPrefix(line, "DKIM-Signature:") {
			sigs = append(sigs, line)
		} else if len(sigs) > 0 && (strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t")) {
			sigs[len(sigs)-1] += line
		}
	}
	if len(sigs) != 3 {
		t.Fatalf("got %d dkim-signature headers, expected 3:\n%s", len(sigs), headers)
	}

	// First signature, rsa simple/simple.
	tags := parseTags(t, sigs[0])
	if tags["v"] != "1" || tags["d"] != "example.org" || tags["s"] != "testrsa" || tags["a"] != "rsa-sha256" || tags["i"] != "test@example.org" {
		t.Fatalf("unexpected tags %v", tags)
	}
	if _, ok := tags["c"]; ok {
		t.Fatalf("c= present for simple/simple: %v", tags)
	}
	if _, ok := tags["x"]; ok {
		t.Fatalf("x= present without expiration: %v", tags)
	}
	if tags["h"] != "From:To:Subject:Date:Message-ID:Content-Type" {
		t.Fatalf("unexpected h= %q", tags["h"])
	}

	// Check body hash. Body is "test\r\n\r\n".
	h := crypto.SHA256.New()
	bh, err := bodyHash(h, true, bufio.NewReader(strings.NewReader("test\r\n\r\n")))
	if err != nil {
		t.Fatalf("body hash: %v", err)
	}
	if tags["bh"] != base64.StdEncoding.EncodeToString(bh) {
		t.Fatalf("got body hash %q, expected %q", tags["bh"], base64.StdEncoding.EncodeToString(bh))
	}

	// Verify the rsa signature over the data hash.
	sigbuf, err := base64.StdEncoding.DecodeString(tags["b"])
	if err != nil {
		t.Fatalf("decoding b=: %v", err)
	}
	dh := dataHashForTest(t, message, sigs[0], true)
	if err := rsa.VerifyPKCS1v15(&rsaKey.PublicKey, crypto.SHA256, dh, sigbuf); err != nil {
		t.Fatalf("verifying rsa signature: %v", err)
	}

	// Second signature, rsa relaxed/relaxed with sealed headers and expiration.
	tags = parseTags(t, sigs[1])
	if tags["c"] != "relaxed/relaxed" {
		t.Fatalf("got c= %q, expected relaxed/relaxed", tags["c"])
	}
	if tags["t"] == "" || tags["x"] == "" {
		t.Fatalf("missing t= or x=: %v", tags)
	}
	// Sealing adds each header name once more.
	if tags["h"] != "From:To:Subject:Date:Message-ID:Content-Type:From:To:Subject:Date:Message-ID" {
		t.Fatalf("unexpected sealed h= %q", tags["h"])
	}
	sigbuf, err = base64.StdEncoding.DecodeString(tags["b"])
	if err != nil {
		t.Fatalf("decoding b=: %v", err)
	}
	dh = dataHashForTest(t, message, sigs[1], false)
	if err := rsa.VerifyPKCS1v15(&rsaKey.PublicKey, crypto.SHA256, dh, sigbuf); err != nil {
		t.Fatalf("verifying relaxed rsa signature: %v", err)
	}

	// Third signature, ed25519.
	tags = parseTags(t, sigs[2])
	if tags["a"] != "ed25519-sha256" || tags["s"] != "tested25519" {
		t.Fatalf("unexpected tags %v", tags)
	}
	sigbuf, err = base64.StdEncoding.DecodeString(tags["b"])
	if err != nil {
		t.Fatalf("decoding b=: %v", err)
	}
	dh = dataHashForTest(t, message, sigs[2], true)
	if !ed25519.Verify(ed25519Key.Public().(ed25519.PublicKey), dh, sigbuf) {
		t.Fatalf("verifying ed25519 signature")
	}
}

// dataHashForTest recomputes the data hash for a generated signature header by
// emptying its b= value.
func dataHashForTest(t *testing.T, message, sigHeader string, simple bool) []byte {
	t.Helper()

	hdrs, _, err := parseHeaders(bufio.NewReader(strings.NewReader(message)))
	if err != nil {
		t.Fatalf("parsing headers: %v", err)
	}

	// The signed form of the header is the header as emitted, with the b= value
	// stripped. The b= tag is preceded by whitespace, unlike "b=" sequences that can
	// occur in base64 data of other tags.
	i := strings.LastIndex(sigHeader, " b=")
	if j := strings.LastIndex(sigHeader, "\tb="); j > i {
		i = j
	}
	if i < 0 {
		t.Fatalf("no b= tag in %q", sigHeader)
	}
	verifySig := []byte(sigHeader[:i+3])

	tags := parseTags(t, sigHeader)
	sig := newSigWithDefaults()
	sig.SignedHeaders = strings.Split(tags["h"], ":")

	dh, err := dataHash(crypto.SHA256.New(), simple, sig, hdrs, verifySig)
	if err != nil {
		t.Fatalf("data hash: %v", err)
	}
	return dh
}

func TestSignErrors(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating rsa key: %v", err)
	}
	sel := Selector{
		Hash:       "sha256",
		PrivateKey: rsaKey,
		Headers:    []string{"From"},
		Domain:     dns.Domain{ASCII: "test"},
	}
	domain := dns.Domain{ASCII: "example.org"}

	sign := func(msg string) error {
		msg = strings.ReplaceAll(msg, "\n", "\r\n")
		_, err := Sign(context.Background(), slogNop(), "test", domain, []Selector{sel}, false, strings.NewReader(msg))
		return err
	}

	if err := sign("From: <test@example.org>\nFrom: <test@example.org>\n\ntest\n"); !errors.Is(err, ErrFrom) {
		t.Fatalf("got %v, expected ErrFrom for duplicate from", err)
	}
	if err := sign("To: <test@example.org>\n\ntest\n"); !errors.Is(err, ErrFrom) {
		t.Fatalf("got %v, expected ErrFrom for missing from", err)
	}
	if err := sign("bad header\n\ntest\n"); !errors.Is(err, ErrHeaderMalformed) {
		t.Fatalf("got %v, expected ErrHeaderMalformed", err)
	}
	if err := sign(" continuation without header\n\ntest\n"); !errors.Is(err, ErrHeaderMalformed) {
		t.Fatalf("got %v, expected ErrHeaderMalformed for leading space", err)
	}

	badsel := sel
	badsel.Hash = "md5"
	if _, err := Sign(context.Background(), slogNop(), "test", domain, []Selector{badsel}, false, strings.NewReader("From: <test@example.org>\r\n\r\ntest\r\n")); err == nil {
		t.Fatalf("sign with bad hash did not fail")
	}
}

func TestBodyHash(t *testing.T) {
	check := func(simple bool, body, expBody string) {
		t.Helper()

		h := crypto.SHA256.New()
		got, err := bodyHash(h, simple, bufio.NewReader(strings.NewReader(body)))
		if err != nil {
			t.Fatalf("body hash: %v", err)
		}
		eh := crypto.SHA256.New()
		eh.Write([]byte(expBody))
		exp := eh.Sum(nil)
		if !bytes.Equal(got, exp) {
			t.Fatalf("body hash mismatch for %q (simple %v)", body, simple)
		}
	}

	// Simple canonicalization reduces trailing crlf's to a single one, and an empty
	// body becomes a single crlf.
	check(true, "", "\r\n")
	check(true, "test\r\n", "test\r\n")
	check(true, "test\r\n\r\n\r\n", "test\r\n")
	check(true, "test", "test\r\n")

	// Relaxed canonicalization also strips trailing whitespace and collapses wsp, and
	// keeps an empty body empty.
	check(false, "", "")
	check(false, "\r\n", "")
	check(false, "test \t x\r\n", "test x\r\n")
	check(false, "test  \r\n\r\n", "test\r\n")
	check(false, "test", "test\r\n")
}

func TestRelaxedCanonicalHeader(t *testing.T) {
	check := func(header, exp string) {
		t.Helper()

		got, err := relaxedCanonicalHeaderWithoutCRLF(header)
		if err != nil {
			t.Fatalf("canonicalize %q: %v", header, err)
		}
		if got != exp {
			t.Fatalf("canonicalize %q: got %q, expected %q", header, got, exp)
		}
	}

	check("Subject: test", "subject:test")
	check("Subject \t :  test \t value", "subject:test value")
	check("Subject: test\r\n continued", "subject:test continued")

	if _, err := relaxedCanonicalHeaderWithoutCRLF("no colon"); !errors.Is(err, ErrHeaderMalformed) {
		t.Fatalf("got %v, expected ErrHeaderMalformed", err)
	}
}
