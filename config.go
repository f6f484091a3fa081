package kestrel

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/mjl-/sconf"
	"golang.org/x/crypto/bcrypt"

	"github.com/synqronlabs/kestrel/reputation"
)

// Config contains the configuration of a Server. It can be loaded from an
// sconf file with LoadConfig; fields marked "-" are set in code only.
type Config struct {
	// Hostname is used as authserv-id in Authentication-Results and ARC
	// headers and in the SMTP greeting. Required.
	Hostname string `sconf-doc:"Full hostname of this system, e.g. mx.<domain>. Used in greetings and as authserv-id of Authentication-Results headers."`

	// Listen is the SMTP listen address. Default: ":25"
	Listen string `sconf:"optional" sconf-doc:"Address to accept SMTP connections on. Default :25."`

	// MetricsListen serves Prometheus metrics when set, e.g. "127.0.0.1:8010".
	MetricsListen string `sconf:"optional" sconf-doc:"Address for the HTTP listener serving /metrics. Metrics are not served if empty."`

	LogLevel string `sconf:"optional" sconf-doc:"One of debug, info, warn, error. Default info."`

	// LocalDomains are the domains this server accepts mail for. Mail for
	// other domains from authenticated sessions is relayed and ARC-sealed.
	LocalDomains []string `sconf:"optional" sconf-doc:"Domains delivered locally. Recipients in other domains are relayed."`

	// MaxEmailsPerMinute limits transactions per envelope sender. The hour
	// and day limits are derived from it. 0 disables the quota.
	MaxEmailsPerMinute int `sconf:"optional" sconf-doc:"Maximum messages per envelope sender per minute. Hourly limit is 60 times, daily limit 24 times the hourly limit. 0 disables."`

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited).
	MaxMessageSize int64 `sconf:"optional" sconf-doc:"Maximum message size in bytes. 0 means unlimited."`

	// MaxRecipients is the maximum recipients per transaction (0 = unlimited).
	MaxRecipients int `sconf:"optional" sconf-doc:"Maximum recipients per transaction. 0 means unlimited."`

	// Requests per second per IP before it is temporarily blocked.
	ConnectThreshold  int `sconf:"optional" sconf-doc:"Connections per second per IP before the IP is blocked. Default 10."`
	MailFromThreshold int `sconf:"optional" sconf-doc:"MAIL FROM commands per second per IP before the IP is blocked. Default 3."`
	AuthThreshold     int `sconf:"optional" sconf-doc:"Authentication attempts per second per IP before the IP is blocked. Default 10."`

	// Accounts maps SMTP AUTH usernames to bcrypt password hashes. AUTH is
	// not offered without accounts.
	Accounts map[string]string `sconf:"optional" sconf-doc:"SMTP AUTH accounts, username to bcrypt hash of the password. Authenticated clients may relay to non-local domains."`

	AllowInsecureAuth bool `sconf:"optional" sconf-doc:"Offer AUTH on connections without TLS. For testing only."`

	DNSBLZones []string `sconf:"optional" sconf-doc:"DNS block list zones checked for each connecting IP, e.g. zen.spamhaus.org."`

	// Nameservers are "host:port" addresses. Empty means /etc/resolv.conf.
	Nameservers []string `sconf:"optional" sconf-doc:"Nameservers as host:port. If empty, those in /etc/resolv.conf are used."`

	DNSTimeoutSeconds int `sconf:"optional" sconf-doc:"Timeout for each DNS lookup in seconds. Default 5."`

	// SpoolDir receives accepted deliveries as MessagePack files named
	// <transaction id>.msgp. Deliveries are only logged when empty.
	SpoolDir string `sconf:"optional" sconf-doc:"Directory where accepted messages are written, one MessagePack encoded file per message. If empty, messages are logged and dropped."`

	DKIM DKIMConfig `sconf:"optional" sconf-doc:"Key for signing outgoing messages and sealing relayed ones."`

	// Logger is the structured logger.
	// Default: slog.Default()
	Logger *slog.Logger `sconf:"-"`
}

// DKIMConfig holds the signing identity.
type DKIMConfig struct {
	Domain         string `sconf-doc:"Signing domain, d= of DKIM-Signature and ARC headers."`
	Selector       string `sconf-doc:"Selector, the key is published at <selector>._domainkey.<domain>."`
	PrivateKeyFile string `sconf-doc:"PEM file with a PKCS#1 or PKCS#8 private key."`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Listen:             ":25",
		LogLevel:           "info",
		MaxEmailsPerMinute: 60,
		MaxMessageSize:     10 * 1024 * 1024,
		MaxRecipients:      100,
		ConnectThreshold:   reputation.ConnectThreshold,
		MailFromThreshold:  reputation.MailFromThreshold,
		AuthThreshold:      reputation.AuthThreshold,
		DNSTimeoutSeconds:  5,
		Logger:             slog.Default(),
	}
}

// LoadConfig reads an sconf file. Fields absent from the file keep the
// values of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	c := DefaultConfig()
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()
	if err := sconf.Parse(f, &c); err != nil {
		return Config{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks required fields and fills in zero values.
func (c *Config) Validate() error {
	if c.Hostname == "" {
		return fmt.Errorf("config: Hostname is required")
	}
	if c.Listen == "" {
		c.Listen = ":25"
	}
	if c.ConnectThreshold <= 0 {
		c.ConnectThreshold = reputation.ConnectThreshold
	}
	if c.MailFromThreshold <= 0 {
		c.MailFromThreshold = reputation.MailFromThreshold
	}
	if c.AuthThreshold <= 0 {
		c.AuthThreshold = reputation.AuthThreshold
	}
	if c.DNSTimeoutSeconds <= 0 {
		c.DNSTimeoutSeconds = 5
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	for user, hash := range c.Accounts {
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return fmt.Errorf("config: account %q: bad password hash: %w", user, err)
		}
	}
	if c.DKIM != (DKIMConfig{}) && (c.DKIM.Domain == "" || c.DKIM.Selector == "" || c.DKIM.PrivateKeyFile == "") {
		return fmt.Errorf("config: DKIM needs Domain, Selector and PrivateKeyFile")
	}
	for i, d := range c.LocalDomains {
		c.LocalDomains[i] = strings.ToLower(strings.TrimSuffix(d, "."))
	}
	return nil
}

// DNSTimeout returns the per-lookup timeout.
func (c *Config) DNSTimeout() time.Duration {
	return time.Duration(c.DNSTimeoutSeconds) * time.Second
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if c.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return l, fmt.Errorf("config: bad LogLevel %q: %w", c.LogLevel, err)
	}
	return l, nil
}

// Describe writes the config file format with documentation.
func Describe(c Config) string {
	var b strings.Builder
	if err := sconf.Describe(&b, &c); err != nil {
		return err.Error()
	}
	return b.String()
}
