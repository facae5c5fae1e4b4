package smtpclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/courier-mta/courier/dns"
	"github.com/courier-mta/courier/mlog"
)

var (
	errCNAMELoop  = errors.New("cname loop")
	errCNAMELimit = errors.New("too many cname records")
	errDNS        = errors.New("dns lookup error")
	errNoMail     = errors.New("domain does not accept email as indicated with single dot for mx record")
)

// HostPref is a host for delivery, with preference for MX records.
type HostPref struct {
	Host dns.IPDomain
	Pref int // -1 when not an MX record.
}

// GatherDestinations looks up the hosts to deliver email to a domain ("next-hop").
// If it is an IP address, it is the only destination to try. Otherwise CNAMEs of
// the domain are followed. Then MX records for the expanded CNAME are looked up.
// If no MX record is present, the original domain is returned. If an MX record is
// present but indicates the domain does not accept email, errNoMail is returned.
// If valid MX records were found, the MX target hosts are returned, sorted by
// preference with same-preference records in random order.
func GatherDestinations(ctx context.Context, elog *slog.Logger, resolver dns.Resolver, origNextHop dns.IPDomain) (hostPrefs []HostPref, permanent bool, err error) {
	// RFC 5321

	log := mlog.New("smtpclient", elog)

	// IP addresses are dialed directly.
	if len(origNextHop.IP) > 0 {
		return []HostPref{{origNextHop, -1}}, false, nil
	}

	// We start out delivering to the recipient domain. We follow CNAMEs.
	rcptDomain := origNextHop.Domain
	// Domain we are actually delivering to, after following CNAME record(s).
	nextHop := rcptDomain
	// Keep track of CNAMEs we have followed, to detect loops.
	domainsSeen := map[string]bool{}
	for i := 0; ; i++ {
		if domainsSeen[nextHop.ASCII] {
			// todo: only mark as permanent failure if TTLs for all records are beyond latest possibly delivery retry we would do.
			err := fmt.Errorf("%w: recipient domain %s: already saw %s", errCNAMELoop, rcptDomain, nextHop)
			return nil, false, err
		}
		domainsSeen[nextHop.ASCII] = true

		// note: The Go resolver returns the requested name if the domain has no CNAME
		// record but has a host record.
		if i == 16 {
			// We have a maximum number of CNAME records we follow. There is no hard limit for
			// DNS, and you might think folks wouldn't configure CNAME chains at all, but for
			// (non-mail) domains, CNAME chains of 10 records have been encountered according
			// to the internet.
			err := fmt.Errorf("%w: recipient domain %s, last resolved domain %s", errCNAMELimit, rcptDomain, nextHop)
			return nil, false, err
		}

		// Do explicit CNAME lookup. Go's LookupMX also resolves CNAMEs, but we want to
		// know the final name for logging and connection reuse keyed on destination.
		// RFC 5321, RFC 3974
		cctx, ccancel := context.WithTimeout(ctx, 30*time.Second)
		defer ccancel()
		cname, _, err := resolver.LookupCNAME(cctx, nextHop.ASCII+".")
		ccancel()
		if err != nil && !dns.IsNotFound(err) {
			err = fmt.Errorf("%w: cname lookup for %s: %v", errDNS, nextHop, err)
			return nil, false, err
		}
		if err == nil && cname != nextHop.ASCII+"." {
			d, err := dns.ParseDomain(strings.TrimSuffix(cname, "."))
			if err != nil {
				err = fmt.Errorf("%w: parsing cname domain %s: %v", errDNS, nextHop, err)
				return nil, false, err
			}
			nextHop = d
			// Start again with new domain.
			continue
		}

		// Not a CNAME, so lookup MX record.
		mctx, mcancel := context.WithTimeout(ctx, 30*time.Second)
		defer mcancel()
		// Note: LookupMX can return an error and still return records: Invalid records are
		// filtered out and an error returned. We must process any records that are valid.
		// Only if all are unusable will we return an error. RFC 5321
		mxl, _, err := resolver.LookupMX(mctx, nextHop.ASCII+".")
		mcancel()
		if err != nil && len(mxl) == 0 {
			if !dns.IsNotFound(err) {
				err = fmt.Errorf("%w: mx lookup for %s: %v", errDNS, nextHop, err)
				return nil, false, err
			}

			// No MX record, attempt delivery directly to host. RFC 5321
			return []HostPref{{dns.IPDomain{Domain: nextHop}, -1}}, false, nil
		} else if err != nil {
			log.Infox("mx record has some invalid records, keeping only the valid mx records", err)
		}

		// Null MX record: the domain explicitly does not accept email. RFC 7505
		if err == nil && len(mxl) == 1 && mxl[0].Host == "." {
			// Note: Depending on MX record TTL, this record may be replaced with a more
			// receptive MX record before our final delivery attempt. But it's clearly the
			// explicit desire not to be bothered with email delivery attempts, so mark failure
			// as permanent.
			return nil, true, errNoMail
		}

		// The Go resolver already sorts by preference, randomizing records of same
		// preference. RFC 5321
		for _, mx := range mxl {
			// Parsing lax for MX targets with underscores as seen in the wild.
			host, err := dns.ParseDomainLax(strings.TrimSuffix(mx.Host, "."))
			if err != nil {
				// note: should not happen because Go resolver already filters these out.
				err = fmt.Errorf("%w: invalid host name in mx record %q: %v", errDNS, mx.Host, err)
				return nil, true, err
			}
			hostPrefs = append(hostPrefs, HostPref{dns.IPDomain{Domain: host}, int(mx.Pref)})
		}
		if len(hostPrefs) > 0 {
			err = nil
		}
		return hostPrefs, false, err
	}
}

// GatherIPs looks up the IPs to try for connecting to host, with IPv6 addresses
// ordered before IPv4, and with IPs ordered to take previous attempts into
// account.
//
// network is "ip", "ip4" or "ip6", and limits the address families looked up,
// e.g. for deliveries from a host without a configured IPv6 source address.
func GatherIPs(ctx context.Context, elog *slog.Logger, resolver dns.Resolver, network string, host dns.IPDomain, dialedIPs map[string][]net.IP) (ips []net.IP, dualstack bool, rerr error) {
	log := mlog.New("smtpclient", elog)

	if len(host.IP) > 0 {
		return []net.IP{host.IP}, false, nil
	}

	// The Go resolver automatically follows CNAMEs, which is not allowed for host
	// names in MX records, but seems to be widely accepted. We resolve CNAMEs
	// explicitly so lookup failures distinguish a broken CNAME chain from missing
	// address records. RFC 5321, RFC 2181
	name := host.Domain.ASCII + "."

	for i := 0; ; i++ {
		cname, _, err := resolver.LookupCNAME(ctx, name)
		if dns.IsNotFound(err) {
			break
		} else if err != nil {
			return nil, dualstack, err
		} else if strings.TrimSuffix(cname, ".") == strings.TrimSuffix(name, ".") {
			break
		}
		if i > 10 {
			return nil, dualstack, fmt.Errorf("cname lookup: %w", errCNAMELimit)
		}
		name = strings.TrimSuffix(cname, ".") + "."
	}

	ipaddrs, _, err := resolver.LookupIP(ctx, network, name)
	if err != nil || len(ipaddrs) == 0 {
		return nil, false, fmt.Errorf("looking up %q: %w", name, err)
	}
	var have4, have6 bool
	for _, ipaddr := range ipaddrs {
		ips = append(ips, ipaddr)
		if ipaddr.To4() == nil {
			have6 = true
		} else {
			have4 = true
		}
	}
	dualstack = have4 && have6

	// IPv6 is attempted before IPv4. Stable sort, so any preferred/randomized
	// listing from DNS is kept intact within each family.
	sort.SliceStable(ips, func(i, j int) bool {
		return ips[i].To4() == nil && ips[j].To4() != nil
	})

	prevIPs := dialedIPs[host.String()]
	if len(prevIPs) > 0 {
		prevIP := prevIPs[len(prevIPs)-1]
		prevIs4 := prevIP.To4() != nil
		sameFamily := 0
		for _, ip := range prevIPs {
			is4 := ip.To4() != nil
			if prevIs4 == is4 {
				sameFamily++
			}
		}
		preferPrev := sameFamily == 1
		sort.SliceStable(ips, func(i, j int) bool {
			aIs4 := ips[i].To4() != nil
			bIs4 := ips[j].To4() != nil
			if aIs4 != bIs4 {
				// Prefer "i" if it is not same address family as the previous attempt.
				return aIs4 != prevIs4
			}
			// Prefer "i" if it is the same as last and we should be preferring it.
			return preferPrev && ips[i].Equal(prevIP)
		})
		log.Debug("ordered ips for dialing", slog.Any("ips", ips))
	}
	return
}
