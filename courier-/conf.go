// Package courier provides functions dealing with global state, such as the
// currently active configuration, and utilities for correlation ids,
// randomness and shutdown.
package courier

import (
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/mjl-/sconf"

	"github.com/courier-mta/courier/config"
	"github.com/courier-mta/courier/dns"
	"github.com/courier-mta/courier/mlog"
)

// Config is the validated, processed form of the static configuration file.
type Config struct {
	Static config.Static

	SourceIPv4 net.IP // Bound local address for outgoing IPv4 connections, nil if unset.
	SourceIPv6 net.IP

	WebhookKey   *rsa.PrivateKey // Signs webhook request bodies. Nil if not configured.
	WebhookKeyID string

	DKIMKey      crypto.Signer // Fallback signing key. Nil if not configured.
	DKIMSelector dns.Domain
	DKIMDomain   dns.Domain
}

// Conf is the active configuration. Set with LoadConfig, or filled in directly
// by tests.
var Conf Config

// ConfigFile is the path of the active configuration file.
var ConfigFile string

// ConfigDirPath returns the path relative to the directory of the config
// file, unless path is absolute.
func ConfigDirPath(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(filepath.Dir(ConfigFile), path)
}

// DataDirPath returns the path relative to the data directory, unless path is
// absolute.
func DataDirPath(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(ConfigDirPath(Conf.Static.DataDir), path)
}

// LoadConfig parses the config file at path, validates it and loads key
// material, making the result available through Conf.
func LoadConfig(log mlog.Log, path string) error {
	ConfigFile = path

	var c Config
	if err := sconf.ParseFile(path, &c.Static); err != nil {
		return fmt.Errorf("parsing config file: %v", err)
	}

	level, ok := mlog.Levels[c.Static.LogLevel]
	if !ok {
		return fmt.Errorf("unknown log level %q", c.Static.LogLevel)
	}
	mlog.SetDefaultLevel(level)
	pkgLevels := map[string]slog.Level{}
	for pkg, s := range c.Static.PackageLogLevels {
		l, ok := mlog.Levels[s]
		if !ok {
			return fmt.Errorf("unknown log level %q for package %q", s, pkg)
		}
		pkgLevels[pkg] = l
	}
	mlog.SetPackageLogLevels(pkgLevels)

	hd, err := dns.ParseDomain(c.Static.Hostname)
	if err != nil {
		return fmt.Errorf("parsing hostname: %v", err)
	}
	c.Static.HostnameDomain = hd

	if s := c.Static.SMTP.SourceIPv4; s != "" {
		ip := net.ParseIP(s)
		if ip == nil || ip.To4() == nil {
			return fmt.Errorf("invalid source ipv4 address %q", s)
		}
		c.SourceIPv4 = ip
	}
	if s := c.Static.SMTP.SourceIPv6; s != "" {
		ip := net.ParseIP(s)
		if ip == nil || ip.To4() != nil {
			return fmt.Errorf("invalid source ipv6 address %q", s)
		}
		c.SourceIPv6 = ip
	}

	if f := c.Static.Webhooks.SigningKeyFile; f != "" {
		key, err := loadRSAKey(ConfigDirPath(f))
		if err != nil {
			return fmt.Errorf("loading webhook signing key: %v", err)
		}
		c.WebhookKey = key
		c.WebhookKeyID = c.Static.Webhooks.KeyID
		if c.WebhookKeyID == "" {
			name := filepath.Base(f)
			c.WebhookKeyID = name[:len(name)-len(filepath.Ext(name))]
		}
	}

	if f := c.Static.DKIM.KeyFile; f != "" {
		key, err := loadRSAKey(ConfigDirPath(f))
		if err != nil {
			return fmt.Errorf("loading fallback dkim key: %v", err)
		}
		c.DKIMKey = key
		c.DKIMSelector, err = dns.ParseDomainLax(c.Static.DKIM.Selector)
		if err != nil {
			return fmt.Errorf("parsing dkim selector: %v", err)
		}
		c.DKIMDomain, err = dns.ParseDomain(c.Static.DKIM.Domain)
		if err != nil {
			return fmt.Errorf("parsing dkim domain: %v", err)
		}
	}

	for name, t := range c.Static.Transports {
		if t.Socks == nil {
			return fmt.Errorf("transport %q: no method configured", name)
		}
		if _, _, err := net.SplitHostPort(t.Socks.Address); err != nil {
			return fmt.Errorf("transport %q: bad socks address %q: %v", name, t.Socks.Address, err)
		}
		for _, s := range t.Socks.RemoteIPs {
			ip := net.ParseIP(s)
			if ip == nil {
				return fmt.Errorf("transport %q: bad remote ip %q", name, s)
			}
			t.Socks.IPs = append(t.Socks.IPs, ip)
		}
		t.Socks.HostnameDomain, err = dns.ParseDomain(t.Socks.Hostname)
		if err != nil {
			return fmt.Errorf("transport %q: bad hostname %q: %v", name, t.Socks.Hostname, err)
		}
		c.Static.Transports[name] = t
	}

	Conf = c
	log.Debug("config loaded", slog.String("path", path))
	return nil
}

func loadRSAKey(path string) (*rsa.PrivateKey, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(buf)
	if block == nil {
		return nil, fmt.Errorf("no pem block in %q", path)
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rk, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%q is a %T, need an RSA key", path, key)
		}
		return rk, nil
	}
	return nil, fmt.Errorf("unknown pem block type %q in %q", block.Type, path)
}

// Effective values for config fields with defaults.

func (c Config) DeliveryWorkers() int {
	if v := c.Static.Queue.DeliveryWorkers; v > 0 {
		return v
	}
	return config.DefaultDeliveryWorkers
}

func (c Config) BatchSize() int {
	if v := c.Static.Queue.BatchSize; v > 0 {
		return v
	}
	return config.DefaultBatchSize
}

func (c Config) MaxDeliveryAttempts() int {
	if v := c.Static.Queue.MaxDeliveryAttempts; v > 0 {
		return v
	}
	return config.DefaultMaxDeliveryAttempts
}

// SoftFailRetry returns the fixed retry delay for temporary failures, or
// false if exponential backoff should be used.
func (c Config) SoftFailRetry() (time.Duration, bool) {
	v := c.Static.Queue.SoftFailRetrySeconds
	if v < 0 {
		return 0, false
	}
	if v == 0 {
		v = config.DefaultSoftFailRetry
	}
	return time.Duration(v) * time.Second, true
}

func (c Config) LockStale() time.Duration {
	if v := c.Static.Queue.LockStaleSeconds; v > 0 {
		return time.Duration(v) * time.Second
	}
	return config.DefaultLockStale * time.Second
}

func (c Config) Jitter() time.Duration {
	if v := c.Static.Queue.JitterSeconds; v > 0 {
		return time.Duration(v) * time.Second
	}
	return config.DefaultJitter * time.Second
}

func (c Config) RetiredKeep() time.Duration {
	if v := c.Static.Queue.RetiredKeepHours; v > 0 {
		return time.Duration(v) * time.Hour
	}
	return config.DefaultRetiredKeep * time.Hour
}

func (c Config) SMTPTimeout() time.Duration {
	if v := c.Static.SMTP.TimeoutSeconds; v > 0 {
		return time.Duration(v) * time.Second
	}
	return config.DefaultSMTPTimeout * time.Second
}

func (c Config) SMTPPort() int {
	if v := c.Static.SMTP.Port; v > 0 {
		return v
	}
	return 25
}

func (c Config) SuppressionWindow() time.Duration {
	if v := c.Static.Suppression.WindowHours; v > 0 {
		return time.Duration(v) * time.Hour
	}
	return config.DefaultSuppressionWindow * time.Hour
}

func (c Config) SuppressionHardFails() int {
	if v := c.Static.Suppression.HardFails; v > 0 {
		return v
	}
	return 2
}

func (c Config) SuppressionExpiry() time.Duration {
	if v := c.Static.Suppression.ExpiryDays; v > 0 {
		return time.Duration(v) * 24 * time.Hour
	}
	return config.DefaultSuppressionExpiry * 24 * time.Hour
}
