// Package config is the pqs command's TOML configuration.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/TheusHen/pqs/pqs/crypto"
	"github.com/TheusHen/pqs/pqs/identity"
	"github.com/TheusHen/pqs/pqs/session"
	"github.com/sirupsen/logrus"
)

const (
	DefaultListenAddress  = "[::]:4433"
	DefaultLogLevel       = "info"
	DefaultPrivateKeyFile = "pqs.key"
)

// Identity names the static key file written by `pqs keygen`.
type Identity struct {
	PrivateKeyFile string
}

type Listen struct {
	Address string
}

// Session tunes the protocol. Zero values keep the library defaults.
type Session struct {
	DisableHybridKEM     bool
	RekeyAfterSeconds    int
	RekeyRateLimitMillis int
	OfferRetryMillis     int
	MaxPacketSize        int
	// PSK is an optional 64-byte pre-shared key in hex. Both ends must agree.
	PSK string

	psk crypto.Secret
}

func (s *Session) validate() error {
	if s.RekeyAfterSeconds < 0 || s.RekeyRateLimitMillis < 0 || s.OfferRetryMillis < 0 || s.MaxPacketSize < 0 {
		return errors.New("config: Session values must not be negative")
	}
	if s.PSK == "" {
		return nil
	}
	b, err := hex.DecodeString(s.PSK)
	if err != nil {
		return fmt.Errorf("config: Session.PSK: %w", err)
	}
	if len(b) != crypto.SecretSize {
		return fmt.Errorf("config: Session.PSK must be %d bytes", crypto.SecretSize)
	}
	s.psk = crypto.SecretFromBytes(b)
	return nil
}

type Logging struct {
	Disable bool
	Level   string
}

func (l *Logging) validate() error {
	if _, err := logrus.ParseLevel(l.Level); err != nil {
		return fmt.Errorf("config: Logging.Level: %w", err)
	}
	return nil
}

// Metrics exposes Prometheus metrics over HTTP when Address is set.
type Metrics struct {
	Address string
}

// Peer is a named remote identity for `pqs send`.
type Peer struct {
	Name       string
	Address    string
	PublicBlob string

	blob []byte
}

func (p *Peer) validate() error {
	if p.Name == "" || p.Address == "" {
		return errors.New("config: Peer needs Name and Address")
	}
	b, err := hex.DecodeString(p.PublicBlob)
	if err != nil {
		return fmt.Errorf("config: Peer %q: %w", p.Name, err)
	}
	if _, err := identity.ParsePublicBlob(b); err != nil {
		return fmt.Errorf("config: Peer %q: %w", p.Name, err)
	}
	p.blob = b
	return nil
}

// Blob is the decoded static public blob.
func (p *Peer) Blob() []byte { return p.blob }

// Config is the top level configuration.
type Config struct {
	Identity *Identity
	Listen   *Listen
	Session  *Session
	Logging  *Logging
	Metrics  *Metrics
	Peers    []*Peer
}

// FixupAndValidate applies defaults to config entries and validates the
// configuration sections.
func (c *Config) FixupAndValidate() error {
	if c.Identity == nil {
		c.Identity = &Identity{}
	}
	if c.Identity.PrivateKeyFile == "" {
		c.Identity.PrivateKeyFile = DefaultPrivateKeyFile
	}
	if c.Listen == nil {
		c.Listen = &Listen{}
	}
	if c.Listen.Address == "" {
		c.Listen.Address = DefaultListenAddress
	}
	if c.Session == nil {
		c.Session = &Session{}
	}
	if c.Logging == nil {
		c.Logging = &Logging{}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Metrics == nil {
		c.Metrics = &Metrics{}
	}

	if err := c.Session.validate(); err != nil {
		return err
	}
	if err := c.Logging.validate(); err != nil {
		return err
	}
	seen := map[string]bool{}
	for _, p := range c.Peers {
		if err := p.validate(); err != nil {
			return err
		}
		if seen[p.Name] {
			return fmt.Errorf("config: duplicate Peer %q", p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

// Peer returns the configured peer called name.
func (c *Config) Peer(name string) (*Peer, bool) {
	for _, p := range c.Peers {
		if strings.EqualFold(p.Name, name) {
			return p, true
		}
	}
	return nil, false
}

// Logger builds the logrus logger described by the Logging section.
func (c *Config) Logger() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if lvl, err := logrus.ParseLevel(c.Logging.Level); err == nil {
		l.SetLevel(lvl)
	}
	if c.Logging.Disable {
		l.SetOutput(io.Discard)
	}
	return l
}

// SessionConfig maps the Session section onto session.Config.
func (c *Config) SessionConfig(logger *logrus.Logger) session.Config {
	cfg := session.DefaultConfig()
	cfg.EnableHybridKEM = !c.Session.DisableHybridKEM
	if c.Session.RekeyAfterSeconds > 0 {
		cfg.RekeyAfter = time.Duration(c.Session.RekeyAfterSeconds) * time.Second
	}
	if c.Session.RekeyRateLimitMillis > 0 {
		cfg.RekeyRateLimit = time.Duration(c.Session.RekeyRateLimitMillis) * time.Millisecond
	}
	if c.Session.OfferRetryMillis > 0 {
		cfg.OfferRetry = time.Duration(c.Session.OfferRetryMillis) * time.Millisecond
	}
	if c.Session.MaxPacketSize > 0 {
		cfg.MaxPacketSize = c.Session.MaxPacketSize
	}
	cfg.Logger = logger
	return cfg
}

// PSK returns the decoded pre-shared key, zero if none was configured.
func (c *Config) PSK() crypto.Secret { return c.Session.psk }

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses, and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
