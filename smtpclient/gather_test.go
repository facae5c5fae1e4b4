package smtpclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"reflect"
	"testing"

	"github.com/mjl-/adns"

	"github.com/courier-mta/courier/dns"
	"github.com/courier-mta/courier/mlog"
)

func domain(s string) dns.Domain {
	d, err := dns.ParseDomain(s)
	if err != nil {
		panic("parse domain: " + err.Error())
	}
	return d
}

func ipdomain(s string) dns.IPDomain {
	ip := net.ParseIP(s)
	if ip != nil {
		return dns.IPDomain{IP: ip}
	}
	d, err := dns.ParseDomain(s)
	if err != nil {
		panic(fmt.Sprintf("parse domain %q: %v", s, err))
	}
	return dns.IPDomain{Domain: d}
}

func hostprefs(pref int, names ...string) (l []HostPref) {
	for _, s := range names {
		l = append(l, HostPref{Host: ipdomain(s), Pref: pref})
	}
	return l
}

// Test basic MX lookup case, but also following CNAME, detecting CNAME loops and
// having a CNAME limit, connecting directly to a host, and domain that does not
// exist or has temporary error.
func TestGatherDestinations(t *testing.T) {
	ctxbg := context.Background()
	log := mlog.New("smtpclient", nil)

	resolver := dns.MockResolver{
		MX: map[string][]*net.MX{
			"basic.example.":        {{Host: "mail.basic.example.", Pref: 10}},
			"multimx.example.":      {{Host: "mail1.multimx.example.", Pref: 10}, {Host: "mail2.multimx.example.", Pref: 10}},
			"nullmx.example.":       {{Host: ".", Pref: 10}},
			"temperror-mx.example.": {{Host: "absent.example.", Pref: 10}},
		},
		A: map[string][]string{
			"mail.basic.example": {"10.0.0.1"},
			"justhost.example.":  {"10.0.0.1"}, // No MX record for domain, only an A record.
		},
		AAAA: map[string][]string{
			"justhost6.example.": {"2001:db8::1"}, // No MX record for domain, only an AAAA record.
		},
		CNAME: map[string]string{
			"cname.example.":           "basic.example.",
			"cnameloop.example.":       "cnameloop2.example.",
			"cnameloop2.example.":      "cnameloop.example.",
			"danglingcname.example.":   "absent.example.", // Points to missing name.
			"temperror-cname.example.": "absent.example.",
		},
		Fail: []string{
			"mx temperror-mx.example.",
			"cname temperror-cname.example.",
		},
	}
	for i := 0; i <= 16; i++ {
		s := fmt.Sprintf("cnamelimit%d.example.", i)
		next := fmt.Sprintf("cnamelimit%d.example.", i+1)
		resolver.CNAME[s] = next
	}

	test := func(ipd dns.IPDomain, expHostPrefs []HostPref, expPerm bool, expErr error) {
		t.Helper()

		hostPrefs, perm, err := GatherDestinations(ctxbg, log.Logger, resolver, ipd)
		if (err == nil) != (expErr == nil) || err != nil && !errors.Is(err, expErr) {
			t.Fatalf("gather hosts: %v, expected %v", err, expErr)
		}
		if perm != expPerm {
			t.Fatalf("got permanent %v, expected %v", perm, expPerm)
		}
		if err != nil {
			return
		}
		if !reflect.DeepEqual(hostPrefs, expHostPrefs) {
			t.Fatalf("got hosts %#v, expected %#v", hostPrefs, expHostPrefs)
		}
	}

	// Basic with simple MX.
	test(ipdomain("basic.example"), hostprefs(10, "mail.basic.example"), false, nil)
	test(ipdomain("multimx.example"), hostprefs(10, "mail1.multimx.example", "mail2.multimx.example"), false, nil)
	// Only an A record.
	test(ipdomain("justhost.example"), hostprefs(-1, "justhost.example"), false, nil)
	// Only an AAAA record.
	test(ipdomain("justhost6.example"), hostprefs(-1, "justhost6.example"), false, nil)
	// Follow CNAME.
	test(ipdomain("cname.example"), hostprefs(10, "mail.basic.example"), false, nil)
	// No MX/CNAME, non-existence of host will be found out later.
	test(ipdomain("absent.example"), hostprefs(-1, "absent.example"), false, nil)
	// Followed CNAME, has no MX, non-existence of host will be found out later.
	test(ipdomain("danglingcname.example"), hostprefs(-1, "absent.example"), false, nil)
	test(ipdomain("cnamelimit1.example"), nil, false, errCNAMELimit)
	test(ipdomain("cnameloop.example"), nil, false, errCNAMELoop)
	test(ipdomain("nullmx.example"), nil, true, errNoMail)
	test(ipdomain("temperror-mx.example"), nil, false, errDNS)
	test(ipdomain("temperror-cname.example"), nil, false, errDNS)
	// An IP address is dialed directly.
	test(ipdomain("10.0.0.1"), hostprefs(-1, "10.0.0.1"), false, nil)
}

func TestGatherIPs(t *testing.T) {
	ctxbg := context.Background()
	log := mlog.New("smtpclient", nil)

	resolver := dns.MockResolver{
		A: map[string][]string{
			"host1.example.":       {"10.0.0.1"},
			"host2.example.":       {"10.0.0.2"},
			"temperror-a.example.": {"10.0.0.3"},
		},
		AAAA: map[string][]string{
			"host2.example.": {"2001:db8::1"},
		},
		CNAME: map[string]string{
			"cname1.example.":          "host1.example.",
			"cnameloop.example.":       "cnameloop2.example.",
			"cnameloop2.example.":      "cnameloop.example.",
			"danglingcname.example.":   "absent.example.", // Points to missing name.
			"temperror-cname.example.": "absent.example.",
		},
		Fail: []string{
			"ip temperror-a.example.",
			"cname temperror-cname.example.",
		},
	}

	test := func(host dns.IPDomain, network string, expIPs []net.IP, expDualstack bool, expErr any) {
		t.Helper()

		ips, dualstack, err := GatherIPs(ctxbg, log.Logger, resolver, network, host, nil)
		if (err == nil) != (expErr == nil) || err != nil && !(errors.Is(err, expErr.(error)) || errors.As(err, &expErr)) {
			t.Fatalf("gather ips: %v, expected %v", err, expErr)
		}
		if err != nil {
			return
		}
		if !reflect.DeepEqual(ips, expIPs) || dualstack != expDualstack {
			t.Fatalf("got ips %v, dualstack %v, expected %v %v", ips, dualstack, expIPs, expDualstack)
		}
	}

	ips := func(l ...string) (r []net.IP) {
		for _, s := range l {
			r = append(r, net.ParseIP(s))
		}
		return r
	}

	test(ipdomain("host1.example"), "ip", ips("10.0.0.1"), false, nil)
	test(ipdomain("host1.example"), "ip4", ips("10.0.0.1"), false, nil)
	test(ipdomain("host1.example"), "ip6", nil, false, &adns.DNSError{})
	// IPv6 ordered before IPv4.
	test(ipdomain("host2.example"), "ip", ips("2001:db8::1", "10.0.0.2"), true, nil)
	test(ipdomain("host2.example"), "ip4", ips("10.0.0.2"), false, nil)
	test(ipdomain("host2.example"), "ip6", ips("2001:db8::1"), false, nil)
	test(ipdomain("cname1.example"), "ip", ips("10.0.0.1"), false, nil)
	test(ipdomain("cnameloop.example"), "ip", nil, false, errCNAMELimit)
	test(ipdomain("bogus.example"), "ip", nil, false, &adns.DNSError{})
	test(ipdomain("danglingcname.example"), "ip", nil, false, &adns.DNSError{})
	test(ipdomain("temperror-a.example"), "ip", nil, false, &adns.DNSError{})
	test(ipdomain("temperror-cname.example"), "ip", nil, false, &adns.DNSError{})
	// An IP address needs no lookup.
	test(ipdomain("10.0.0.1"), "ip", ips("10.0.0.1"), false, nil)
}
