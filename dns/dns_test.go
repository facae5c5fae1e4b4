package dns

import (
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/mjl-/adns"
)

func TestIsNotFound(t *testing.T) {
	test := func(err error, exp bool) {
		t.Helper()
		if got := IsNotFound(err); got != exp {
			t.Fatalf("IsNotFound(%v): got %v, expected %v", err, got, exp)
		}
	}

	// The adns resolvers return adns.DNSError, which does not unwrap to
	// net.DNSError.
	test(&adns.DNSError{Err: "no record", Name: "example.com", IsNotFound: true}, true)
	test(&adns.DNSError{Err: "temp error", Name: "example.com", IsTemporary: true}, false)
	test(fmt.Errorf("lookup: %w", &adns.DNSError{Err: "no record", Name: "example.com", IsNotFound: true}), true)
	test(&net.DNSError{Err: "no record", Name: "example.com", IsNotFound: true}, true)
	test(&net.DNSError{Err: "temp error", Name: "example.com", IsTemporary: true}, false)
	test(errors.New("other"), false)
	test(nil, false)
}

func TestParseDomain(t *testing.T) {
	test := func(lax bool, s string, exp Domain, expErr error) {
		t.Helper()
		var dom Domain
		var err error
		if lax {
			dom, err = ParseDomainLax(s)
		} else {
			dom, err = ParseDomain(s)
		}
		if (err == nil) != (expErr == nil) || expErr != nil && !errors.Is(err, expErr) {
			t.Fatalf("parse domain %q: err %v, expected %v", s, err, expErr)
		}
		if expErr == nil && dom != exp {
			t.Fatalf("parse domain %q: got %#v, expected %#v", s, dom, exp)
		}
	}

	// We rely on normalization of names throughout the code base.
	test(false, "example.com", Domain{"example.com", ""}, nil)
	test(false, "EXAMPLE.COM", Domain{"example.com", ""}, nil)
	test(false, "TEST☺.EXAMPLE.COM", Domain{"xn--test-3o3b.example.com", "test☺.example.com"}, nil)
	test(false, "ℂᵤⓇℒ。𝐒🄴", Domain{"curl.se", ""}, nil) // Surprisingly allowed spelling.
	test(false, "example.com.", Domain{}, errTrailingDot)

	test(false, "_underscore.example.com", Domain{}, errIDNA)
	test(true, "_underscore.example.COM", Domain{ASCII: "_underscore.example.com"}, nil)
	test(true, "_underscore.☺.example.com", Domain{}, errUnderscore)
	test(true, "_underscore.xn--test-3o3b.example.com", Domain{}, errUnderscore)
}
