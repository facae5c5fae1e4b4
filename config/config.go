// Package config holds the configuration file definitions for courier.conf.
//
// The config file is in "sconf" format: indent with tabs, comments on their
// own lines, no quoting or escaping of strings. The "courier config describe"
// subcommand prints an annotated empty config file.
package config

import (
	"net"

	"github.com/courier-mta/courier/dns"
)

// Defaults for fields that are zero in the config file.
const (
	DefaultDeliveryWorkers     = 4
	DefaultBatchSize           = 10
	DefaultMaxDeliveryAttempts = 18
	DefaultSoftFailRetry       = 5 * 60  // Seconds.
	DefaultLockStale           = 5 * 60  // Seconds.
	DefaultJitter              = 30      // Seconds.
	DefaultSMTPTimeout         = 30      // Seconds.
	DefaultSuppressionWindow   = 24      // Hours.
	DefaultSuppressionExpiry   = 30      // Days.
	DefaultRetiredKeep         = 14 * 24 // Hours.
)

// Static is the parsed form of the courier.conf configuration file. It is
// processed further into a courier.Config after loading, with keys read and
// addresses parsed.
type Static struct {
	DataDir          string            `sconf-doc:"Directory where all data is stored: message store, queue and suppression databases. If this is a relative path, it is relative to the directory of courier.conf."`
	LogLevel         string            `sconf-doc:"Default log level, one of: error, warn, info, debug, trace, tracedata. Trace logs SMTP protocol transcripts, tracedata also the full message data exchanges."`
	PackageLogLevels map[string]string `sconf:"optional" sconf-doc:"Overrides of log level per package (e.g. queue, smtpclient, dkim, dns)."`
	Hostname         string            `sconf-doc:"Full hostname of the sending system, used in EHLO and generated Message-ID headers, e.g. courier.example.com."`
	HostnameDomain   dns.Domain        `sconf:"-" json:"-"` // Parsed form of hostname.
	MetricsListener  string            `sconf:"optional" sconf-doc:"Address to serve Prometheus metrics on over HTTP, e.g. localhost:8010. Empty disables the listener."`

	Queue struct {
		DeliveryWorkers      int `sconf:"optional" sconf-doc:"Number of concurrent delivery workers competing for queued messages. Default 4."`
		BatchSize            int `sconf:"optional" sconf-doc:"Maximum number of messages for the same destination a worker claims in one batch, reusing a single connection. Default 10."`
		MaxDeliveryAttempts  int `sconf:"optional" sconf-doc:"Attempts after which delivery fails permanently and a bounce is generated. Default 18."`
		SoftFailRetrySeconds int `sconf:"optional" sconf-doc:"Delay before retrying after a temporary failure, unless the remote server requested a specific delay. Default 300. Set negative to use exponential backoff instead."`
		LockStaleSeconds     int `sconf:"optional" sconf-doc:"Age after which another worker may steal a queue lock, assuming its holder died. Default 300."`
		JitterSeconds        int `sconf:"optional" sconf-doc:"Upper bound of the random amount by which workers look ahead when claiming ready messages, spreading competing workers. Default 30."`
		RetiredKeepHours     int `sconf:"optional" sconf-doc:"How long to keep retired queue entries and webhook attempts for inspection. Default 336 (14 days)."`
	} `sconf:"optional" sconf-doc:"Delivery queue tuning."`

	SMTP struct {
		TimeoutSeconds int    `sconf:"optional" sconf-doc:"Timeout for SMTP commands and connection setup. Default 30."`
		SourceIPv4     string `sconf:"optional" sconf-doc:"Local IPv4 address to bind for outgoing SMTP connections."`
		SourceIPv6     string `sconf:"optional" sconf-doc:"Local IPv6 address to bind for outgoing SMTP connections. If absent, AAAA records are not tried."`
		Port           int    `sconf:"optional" sconf-doc:"Destination port for direct delivery. Default 25. Useful for testing."`
	} `sconf:"optional" sconf-doc:"Outgoing SMTP settings."`

	Suppression struct {
		WindowHours int `sconf:"optional" sconf-doc:"Window in which repeated hard failures for a recipient cause automatic suppression. Default 24."`
		HardFails   int `sconf:"optional" sconf-doc:"Number of hard failures within the window that trigger automatic suppression. Default 2."`
		ExpiryDays  int `sconf:"optional" sconf-doc:"Days after which automatic suppressions expire. Default 30."`
	} `sconf:"optional" sconf-doc:"Automatic suppression of repeatedly failing recipients."`

	Webhooks struct {
		SigningKeyFile string `sconf-doc:"File with PEM-encoded RSA private key used to sign webhook request bodies."`
		KeyID          string `sconf:"optional" sconf-doc:"Identifier of the signing key, sent in the X-Signature-KID header. Default: base name of the key file."`
	} `sconf:"optional" sconf-doc:"Webhook signing. Required when webhook endpoints are configured."`

	DKIM struct {
		KeyFile  string `sconf-doc:"File with PEM-encoded RSA private key used to sign messages for domains without their own verified DKIM key."`
		Selector string `sconf-doc:"Fixed selector the fallback key is published under."`
		Domain   string `sconf-doc:"Domain the fallback signature is attributed to, e.g. the installation domain."`
	} `sconf:"optional" sconf-doc:"Fallback DKIM signing key for domains whose own DKIM records are not (yet) verified."`

	Transports map[string]Transport `sconf:"optional" sconf-doc:"Transports are alternative mechanisms for delivering messages, referenced from routes. There is always an implicit direct delivery transport. Currently only a SOCKS transport can be configured, for sending through a SOCKS5 proxy."`

	Inspection struct {
		SpamThreshold   float64 `sconf:"optional" sconf-doc:"Spam score at and above which outgoing messages are held instead of sent. 0 disables the check."`
		DevHoldIncoming bool    `sconf:"optional" sconf-doc:"Hold all incoming messages instead of routing them. For development installs."`
	} `sconf:"optional" sconf-doc:"Content inspection policy."`
}

// Transport is a method to deliver a message beyond the implicit direct
// delivery, e.g. through a SOCKS proxy.
type Transport struct {
	Socks *TransportSocks `sconf:"optional" sconf-doc:"Connect to remote servers through a SOCKS5 proxy."`
}

// TransportSocks delivers messages through a SOCKS5 proxy.
type TransportSocks struct {
	Address   string   `sconf-doc:"Address of SOCKS5 proxy, of the form host:port."`
	RemoteIPs []string `sconf-doc:"IP addresses connections from the proxy will originate from, as remote servers see them."`
	Hostname  string   `sconf-doc:"Hostname to use in EHLO for connections through this proxy. It should resolve to the proxy IPs."`

	IPs            []net.IP   `sconf:"-" json:"-"` // Parsed form of RemoteIPs.
	HostnameDomain dns.Domain `sconf:"-" json:"-"` // Parsed form of Hostname.
}
