package remote

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/hwbinder/internal/binder"
	"github.com/danmuck/hwbinder/internal/protocol/frame"
)

type SecurityMode string

const (
	SecurityModeDevelopment SecurityMode = "development"
	SecurityModeProduction  SecurityMode = "production"
)

var (
	ErrInvalidSecurityMode     = errors.New("remote: invalid security mode")
	ErrInvalidNetwork          = errors.New("remote: invalid network")
	ErrAddressRequired         = errors.New("remote: address required")
	ErrTLSRequired             = errors.New("remote: tls required")
	ErrMTLSRequired            = errors.New("remote: mtls required")
	ErrTLSCertFileRequired     = errors.New("remote: tls cert file required")
	ErrTLSKeyFileRequired      = errors.New("remote: tls key file required")
	ErrTLSCAFileRequired       = errors.New("remote: tls ca file required")
	ErrTLSInsecureSkipNotAllow = errors.New("remote: insecure skip verify not allowed")
	ErrTLSOverUnix             = errors.New("remote: tls is only supported on tcp")
)

type TLSConfig struct {
	Enabled            bool   `toml:"enabled"`
	Mutual             bool   `toml:"mutual"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	CAFile             string `toml:"ca_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

// Config defines one binder transport endpoint, client or server side.
type Config struct {
	Network      string       `toml:"network"`
	Address      string       `toml:"address"`
	SecurityMode SecurityMode `toml:"security_mode"`
	TLS          TLSConfig    `toml:"tls"`

	ConnectTimeout     time.Duration        `toml:"connect_timeout"`
	HandshakeTimeout   time.Duration        `toml:"handshake_timeout"`
	WriteTimeout       time.Duration        `toml:"write_timeout"`
	MaxPayloadBytes    uint32               `toml:"max_payload_bytes"`
	MaxConnectAttempts int                  `toml:"max_connect_attempts"`
	Backoff            binder.BackoffConfig `toml:"backoff"`

	// OnewayRate is the per-connection one-way rate above which the peer is
	// reported as spamming. Zero disables detection.
	OnewayRate  float64 `toml:"oneway_rate"`
	OnewayBurst int     `toml:"oneway_burst"`
}

func DefaultConfig() Config {
	return Config{
		Network:          "unix",
		Address:          "/tmp/hwbinder.sock",
		SecurityMode:     SecurityModeDevelopment,
		ConnectTimeout:   5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     15 * time.Second,
		MaxPayloadBytes:  frame.DefaultLimits().MaxPayloadBytes,
		Backoff: binder.BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
		OnewayRate:  1000,
		OnewayBurst: 200,
	}
}

func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if strings.TrimSpace(c.Network) == "" {
		c.Network = d.Network
	}
	if strings.TrimSpace(c.Address) == "" {
		c.Address = d.Address
	}
	c.SecurityMode = NormalizeSecurityMode(c.SecurityMode)
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.MaxPayloadBytes == 0 {
		c.MaxPayloadBytes = d.MaxPayloadBytes
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = d.Backoff
	}
	if c.OnewayBurst <= 0 {
		c.OnewayBurst = d.OnewayBurst
	}
	return c
}

func (c Config) limits() frame.Limits {
	return frame.Limits{MaxPayloadBytes: c.MaxPayloadBytes}
}

func NormalizeSecurityMode(mode SecurityMode) SecurityMode {
	if strings.TrimSpace(string(mode)) == "" {
		return SecurityModeDevelopment
	}
	return SecurityMode(strings.ToLower(strings.TrimSpace(string(mode))))
}

func (c Config) validateCommon() (SecurityMode, error) {
	mode := NormalizeSecurityMode(c.SecurityMode)
	switch mode {
	case SecurityModeDevelopment, SecurityModeProduction:
	default:
		return mode, fmt.Errorf("%w: %q", ErrInvalidSecurityMode, c.SecurityMode)
	}
	switch c.Network {
	case "unix", "tcp", "tcp4", "tcp6":
	default:
		return mode, fmt.Errorf("%w: %q", ErrInvalidNetwork, c.Network)
	}
	if strings.TrimSpace(c.Address) == "" {
		return mode, ErrAddressRequired
	}
	if c.Network == "unix" && c.TLS.Enabled {
		return mode, ErrTLSOverUnix
	}
	if c.TLS.Mutual && !c.TLS.Enabled {
		return mode, ErrTLSRequired
	}
	return mode, nil
}

// ValidateClientTransport checks a dialing config. Production mode over
// tcp requires mutual TLS; unix sockets rely on peer credentials instead.
func (c Config) ValidateClientTransport() error {
	mode, err := c.validateCommon()
	if err != nil {
		return err
	}
	if mode == SecurityModeProduction && c.Network != "unix" {
		if !c.TLS.Enabled {
			return ErrTLSRequired
		}
		if !c.TLS.Mutual {
			return ErrMTLSRequired
		}
		if c.TLS.InsecureSkipVerify {
			return ErrTLSInsecureSkipNotAllow
		}
	}
	if c.TLS.Enabled && strings.TrimSpace(c.TLS.CAFile) == "" && !c.TLS.InsecureSkipVerify {
		return ErrTLSCAFileRequired
	}
	if c.TLS.Mutual {
		if strings.TrimSpace(c.TLS.CertFile) == "" {
			return ErrTLSCertFileRequired
		}
		if strings.TrimSpace(c.TLS.KeyFile) == "" {
			return ErrTLSKeyFileRequired
		}
	}
	return nil
}

func (c Config) ValidateServerTransport() error {
	mode, err := c.validateCommon()
	if err != nil {
		return err
	}
	if mode == SecurityModeProduction && c.Network != "unix" {
		if !c.TLS.Enabled {
			return ErrTLSRequired
		}
		if !c.TLS.Mutual {
			return ErrMTLSRequired
		}
	}
	if c.TLS.Enabled {
		if strings.TrimSpace(c.TLS.CertFile) == "" {
			return ErrTLSCertFileRequired
		}
		if strings.TrimSpace(c.TLS.KeyFile) == "" {
			return ErrTLSKeyFileRequired
		}
	}
	if c.TLS.Mutual && strings.TrimSpace(c.TLS.CAFile) == "" {
		return ErrTLSCAFileRequired
	}
	return nil
}
