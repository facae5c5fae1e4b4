package queue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"golang.org/x/net/proxy"

	"github.com/courier-mta/courier/courier-"
	"github.com/courier-mta/courier/dns"
	"github.com/courier-mta/courier/metrics"
	"github.com/courier-mta/courier/mlog"
	"github.com/courier-mta/courier/smtpclient"
	"github.com/courier-mta/courier/store"
)

// ResultType classifies the outcome of handing a message to a remote party.
type ResultType string

const (
	ResultSent     ResultType = "Sent"     // Accepted by the remote.
	ResultSoftFail ResultType = "SoftFail" // Temporary failure, try again later.
	ResultHardFail ResultType = "HardFail" // Permanent failure.
	ResultError    ResultType = "Error"    // Local error, not the remote's judgement.
)

// SendResult is what a sender reports about one message.
type SendResult struct {
	Type    ResultType
	Details string
	Output  string // Raw remote response.

	Retry        time.Duration // Retry delay requested by the remote, 0 if none.
	Secure       bool          // Delivered over verified TLS.
	ConnectError bool          // Could not set up a connection.

	Code   int    // SMTP status code of a failure, 0 for non-SMTP senders.
	Secode string // SMTP enhanced status code, without class.

	SuppressBounce bool
	Time           time.Duration
}

func (r SendResult) disposition() disposition {
	var status store.Status
	switch r.Type {
	case ResultSent:
		status = store.StatusSent
	case ResultSoftFail:
		status = store.StatusSoftFail
	case ResultHardFail:
		status = store.StatusHardFail
	default:
		status = store.StatusError
	}
	return disposition{
		Status:         status,
		Details:        r.Details,
		Output:         r.Output,
		Secure:         r.Secure,
		ConnectError:   r.ConnectError,
		Retry:          r.Retry,
		Code:           r.Code,
		Secode:         r.Secode,
		SuppressBounce: r.SuppressBounce,
		Duration:       r.Time,
	}
}

// Sender delivers messages to one destination. A sender can be handed all
// messages of a batch in turn, reusing its connection.
type Sender interface {
	Send(ctx context.Context, log mlog.Log, m *Msg, raw []byte) SendResult
	// Finish releases the connection, after the last Send.
	Finish(log mlog.Log)
}

type senderKey struct {
	protocol string // "smtp" or "http"
	dest     string
}

// senderCache hands out senders per destination, so messages in a batch for
// the same destination share a connection.
type senderCache struct {
	resolver dns.Resolver
	senders  map[senderKey]Sender
}

func newSenderCache(resolver dns.Resolver) *senderCache {
	return &senderCache{resolver: resolver, senders: map[senderKey]Sender{}}
}

func (c *senderCache) finish() {
	for _, s := range c.senders {
		s.Finish(xlog)
	}
	c.senders = map[senderKey]Sender{}
}

// direct returns a sender that delivers to the MX of the recipient domain of
// m, or through the message's transport.
func (c *senderCache) direct(ctx context.Context, log mlog.Log, m *Msg) (Sender, error) {
	key := senderKey{"smtp", m.Transport + " " + m.RecipientDomainStr}
	if s, ok := c.senders[key]; ok {
		return s, nil
	}
	s := &smtpSender{
		resolver:  c.resolver,
		transport: m.Transport,
		direct:    true,
		port:      courier.Conf.SMTPPort(),
		sslMode:   store.SSLAuto,
	}
	if m.Transport != "" {
		t, ok := courier.Conf.Static.Transports[m.Transport]
		if !ok || t.Socks == nil {
			return nil, fmt.Errorf("unknown transport %q", m.Transport)
		}
	}
	c.senders[key] = s
	return s, nil
}

// smtpFixed returns a sender that delivers to the fixed host of an SMTP
// endpoint.
func (c *senderCache) smtpFixed(endpoint store.Endpoint) (Sender, error) {
	key := senderKey{"smtp", fmt.Sprintf("%s:%d:%s", endpoint.Host, endpoint.Port, endpoint.SSLMode)}
	if s, ok := c.senders[key]; ok {
		return s, nil
	}
	host, err := dns.ParseDomain(endpoint.Host)
	if err != nil {
		return nil, fmt.Errorf("parsing endpoint host %q: %v", endpoint.Host, err)
	}
	port := endpoint.Port
	if port == 0 {
		port = 25
	}
	sslMode := endpoint.SSLMode
	if sslMode == "" {
		sslMode = store.SSLAuto
	}
	s := &smtpSender{
		resolver: c.resolver,
		host:     dns.IPDomain{Domain: host},
		port:     port,
		sslMode:  sslMode,
	}
	c.senders[key] = s
	return s, nil
}

// http returns a sender that posts messages to an HTTP endpoint.
func (c *senderCache) http(url string) Sender {
	key := senderKey{"http", url}
	if s, ok := c.senders[key]; ok {
		return s
	}
	s := &httpSender{url: url, client: &http.Client{Timeout: courier.Conf.SMTPTimeout()}}
	c.senders[key] = s
	return s
}

// smtpSender delivers over SMTP, either directly to the MX hosts of a
// recipient domain or to a fixed endpoint host. The connection is set up on
// the first Send and reused until Finish or an error.
type smtpSender struct {
	resolver  dns.Resolver
	transport string // Socks transport name, empty for a plain dialer.
	direct    bool   // Resolve destinations of the recipient domain, instead of the fixed host.
	host      dns.IPDomain
	port      int
	sslMode   store.SSLMode

	client    *smtpclient.Client
	connHost  dns.IPDomain // Where client is connected.
	secure    bool
	dualstack bool
	broken    bool // Connection saw an unrecoverable error.
}

func (s *smtpSender) Send(ctx context.Context, log mlog.Log, m *Msg, raw []byte) (res SendResult) {
	start := time.Now()
	defer func() {
		res.Time = time.Since(start)
		metricDeliveryDuration.WithLabelValues(fmt.Sprintf("%d", m.Attempts), s.transportLabel(), deliveryResultLabel(res)).Observe(res.Time.Seconds())
	}()

	// A connection dropped mid-send gets one reconnect and resend before we
	// give the failure back to the queue.
	retried := false
	for {
		if s.client != nil && s.broken {
			s.Finish(log)
		}
		if s.client == nil {
			if fres := s.connect(ctx, log, m); fres != nil {
				s.broken = true
				return *fres
			}
			s.broken = false
		}

		err := s.client.Deliver(ctx, m.Sender, m.Recipient(), int64(len(raw)), bytes.NewReader(raw), false, false)
		if err == nil {
			return SendResult{Type: ResultSent, Details: "accepted by " + s.connHost.LogString(), Secure: s.secure}
		}
		res = s.classify(err)
		var cerr smtpclient.Error
		if errors.As(err, &cerr) && cerr.Code != 0 {
			return res
		}
		// Not a protocol-level response, the connection is in an unknown
		// state.
		s.broken = true
		if retried {
			return res
		}
		retried = true
		log.Debugx("connection broke during delivery, reconnecting for another try", err)
	}
}

func (s *smtpSender) transportLabel() string {
	if s.transport != "" {
		return s.transport
	}
	if s.direct {
		return "direct"
	}
	return "endpoint"
}

// connect resolves the destination hosts and establishes an SMTP session
// with the first one that will talk to us. Returns nil on success, and the
// failure of the last host otherwise.
func (s *smtpSender) connect(ctx context.Context, log mlog.Log, m *Msg) *SendResult {
	dialer, ehloHostname, localIPs, err := s.dialer()
	if err != nil {
		return &SendResult{Type: ResultError, Details: err.Error(), ConnectError: true}
	}

	var hosts []smtpclient.HostPref
	if s.direct {
		var permanent bool
		hosts, permanent, err = smtpclient.GatherDestinations(ctx, log.Logger, s.resolver, m.RecipientDomain)
		if err != nil {
			typ := ResultSoftFail
			if permanent {
				typ = ResultHardFail
			}
			return &SendResult{Type: typ, Details: fmt.Sprintf("resolving delivery destinations: %v", err), ConnectError: true}
		}
	} else {
		hosts = []smtpclient.HostPref{{Host: s.host, Pref: -1}}
	}

	var last *SendResult
	var fails []string
	for _, hp := range hosts {
		res := s.connectHost(ctx, log, m, dialer, ehloHostname, localIPs, hp.Host)
		if res == nil {
			return nil
		}
		fails = append(fails, res.Details)
		last = res
		if res.Type == ResultHardFail {
			break
		}
	}
	if last == nil {
		last = &SendResult{Type: ResultSoftFail, Details: "no hosts to deliver to", ConnectError: true}
	} else if last.ConnectError && len(fails) > 1 {
		// Keep the error of every host tried.
		last.Details = strings.Join(fails, "; ")
	}
	return last
}

func (s *smtpSender) connectHost(ctx context.Context, log mlog.Log, m *Msg, dialer smtpclient.Dialer, ehloHostname dns.Domain, localIPs []net.IP, host dns.IPDomain) *SendResult {
	network := "ip4"
	if courier.Conf.SourceIPv6 != nil {
		network = "ip"
	}
	if m.DialedIPs == nil {
		m.DialedIPs = map[string][]net.IP{}
	}
	ips, dualstack, err := smtpclient.GatherIPs(ctx, log.Logger, s.resolver, network, host, m.DialedIPs)
	if err != nil {
		return &SendResult{Type: ResultSoftFail, Details: fmt.Sprintf("resolving ips for %s: %v", host.LogString(), err), ConnectError: true}
	}
	s.dualstack = dualstack

	tlsMode, tlsPKIX := tlsModeFor(s.sslMode)
	res := s.handshake(ctx, log, m, dialer, ehloHostname, localIPs, host, ips, tlsMode, tlsPKIX)
	if res != nil && s.sslMode == store.SSLAuto && errors.Is(res.err, smtpclient.ErrTLS) {
		// Opportunistic TLS failed. Try the host again in plain text,
		// better than not delivering at all.
		log.Infox("tls failed, retrying without tls", res.err, slog.Any("host", host))
		res = s.handshake(ctx, log, m, dialer, ehloHostname, localIPs, host, ips, smtpclient.TLSSkip, false)
	}
	if res != nil {
		r := res.SendResult
		return &r
	}
	s.connHost = host
	return nil
}

type handshakeFailure struct {
	SendResult
	err error
}

func (s *smtpSender) handshake(ctx context.Context, log mlog.Log, m *Msg, dialer smtpclient.Dialer, ehloHostname dns.Domain, localIPs []net.IP, host dns.IPDomain, ips []net.IP, tlsMode smtpclient.TLSMode, tlsPKIX bool) *handshakeFailure {
	conn, _, err := smtpclient.Dial(ctx, log.Logger, dialer, host, ips, s.port, m.DialedIPs, localIPs)
	if err != nil {
		return &handshakeFailure{SendResult{Type: ResultSoftFail, Details: fmt.Sprintf("dialing %s: %v", host.LogString(), err), ConnectError: true}, err}
	}

	opts := smtpclient.Opts{Timeout: courier.Conf.SMTPTimeout()}
	var remote dns.Domain
	if host.IsDomain() {
		remote = host.Domain
	}
	client, err := smtpclient.New(ctx, log.Logger, conn, tlsMode, tlsPKIX, ehloHostname, remote, opts)
	if err != nil {
		conn.Close()
		res := s.classify(err)
		res.ConnectError = true
		return &handshakeFailure{res, err}
	}
	s.client = client
	s.secure = tlsPKIX && client.TLSEnabled()
	s.broken = false
	return nil
}

// dialer returns how to make connections: a plain dialer binding our source
// addresses, or a socks proxy with its own hostname for EHLO.
func (s *smtpSender) dialer() (smtpclient.Dialer, dns.Domain, []net.IP, error) {
	if s.transport != "" {
		t, ok := courier.Conf.Static.Transports[s.transport]
		if !ok || t.Socks == nil {
			return nil, dns.Domain{}, nil, fmt.Errorf("unknown transport %q", s.transport)
		}
		socksdialer, err := proxy.SOCKS5("tcp", t.Socks.Address, nil, &net.Dialer{})
		if err != nil {
			return nil, dns.Domain{}, nil, fmt.Errorf("socks dialer: %v", err)
		}
		d, ok := socksdialer.(smtpclient.Dialer)
		if !ok {
			return nil, dns.Domain{}, nil, fmt.Errorf("socks dialer is not a contextdialer")
		}
		return d, t.Socks.HostnameDomain, nil, nil
	}

	var localIPs []net.IP
	if ip := courier.Conf.SourceIPv4; ip != nil {
		localIPs = append(localIPs, ip)
	}
	if ip := courier.Conf.SourceIPv6; ip != nil {
		localIPs = append(localIPs, ip)
	}
	return &net.Dialer{}, courier.Conf.Static.HostnameDomain, localIPs, nil
}

// classify turns an error from the smtp client into a result, including the
// retry delay some servers mention in their temporary failures.
func (s *smtpSender) classify(err error) SendResult {
	var cerr smtpclient.Error
	if !errors.As(err, &cerr) {
		return SendResult{Type: ResultSoftFail, Details: err.Error(), Secure: s.secure}
	}

	output := cerr.Line
	if len(cerr.MoreLines) > 0 {
		output += "\n" + strings.Join(cerr.MoreLines, "\n")
	}
	res := SendResult{
		Details: err.Error(),
		Output:  output,
		Code:    cerr.Code,
		Secode:  cerr.Secode,
		Secure:  s.secure,
	}
	permanent := cerr.Permanent
	if permanent && s.dualstack && strings.HasPrefix(cerr.Secode, "7.") {
		// Policy refusals can differ between the IPv4 and IPv6 address
		// of a host. Keep trying, a next attempt may dial the other
		// address family.
		permanent = false
	}
	if permanent {
		res.Type = ResultHardFail
	} else {
		res.Type = ResultSoftFail
		if d, ok := cerr.RetryHint(); ok {
			res.Retry = d
		}
	}
	return res
}

func (s *smtpSender) Finish(log mlog.Log) {
	if s.client == nil {
		return
	}
	err := s.client.Close()
	log.Check(err, "closing smtp connection")
	s.client = nil
	s.connHost = dns.IPDomain{}
	s.secure = false
}

func deliveryResultLabel(res SendResult) string {
	switch res.Type {
	case ResultSent:
		return "ok"
	case ResultSoftFail:
		if res.ConnectError {
			return "connecterror"
		}
		return "temperror"
	case ResultHardFail:
		return "permerror"
	}
	return "error"
}

// httpSender posts raw messages to an HTTP endpoint. A 2xx response counts
// as delivered, 4xx as permanently refused, anything else as temporary.
type httpSender struct {
	url    string
	client *http.Client
}

func (s *httpSender) Send(ctx context.Context, log mlog.Log, m *Msg, raw []byte) SendResult {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, "POST", s.url, bytes.NewReader(raw))
	if err != nil {
		return SendResult{Type: ResultError, Details: fmt.Sprintf("preparing endpoint request: %v", err), Time: time.Since(start)}
	}
	req.Header.Set("Content-Type", "message/rfc822")
	req.Header.Set("X-Courier-Message-ID", strconv.FormatInt(m.MessageID, 10))
	req.Header.Set("X-Courier-Recipient", m.Recipient())
	req.Header.Set("X-Courier-From", m.Sender)

	resp, err := s.client.Do(req)
	if err != nil {
		metrics.HTTPClientObserve(ctx, log, "queue", req.Method, 0, err, start)
		return SendResult{Type: ResultSoftFail, Details: fmt.Sprintf("posting to endpoint: %v", err), ConnectError: true, Time: time.Since(start)}
	}
	defer resp.Body.Close()
	metrics.HTTPClientObserve(ctx, log, "queue", req.Method, resp.StatusCode, nil, start)

	body := make([]byte, store.DeliveryOutputMax)
	n, _ := io.ReadFull(resp.Body, body)
	output := strings.TrimSpace(string(body[:n]))

	res := SendResult{
		Details: fmt.Sprintf("endpoint returned %s", resp.Status),
		Output:  output,
		Secure:  strings.HasPrefix(s.url, "https://"),
		Time:    time.Since(start),
	}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		res.Type = ResultSent
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		res.Type = ResultHardFail
	default:
		res.Type = ResultSoftFail
	}
	return res
}

func (s *httpSender) Finish(log mlog.Log) {
	s.client.CloseIdleConnections()
}

// tlsModeFor maps an endpoint TLS policy to the smtp client mode and whether
// to verify the remote certificate against the PKIX roots.
func tlsModeFor(mode store.SSLMode) (smtpclient.TLSMode, bool) {
	switch mode {
	case store.SSLTLS:
		return smtpclient.TLSImmediate, true
	case store.SSLStartTLS:
		return smtpclient.TLSRequiredStartTLS, true
	case store.SSLNone:
		return smtpclient.TLSSkip, false
	}
	return smtpclient.TLSOpportunistic, false
}
