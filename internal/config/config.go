// Package config loads the service manager daemon configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/danmuck/hwbinder/internal/binder"
	"github.com/danmuck/hwbinder/internal/remote"
	"github.com/pelletier/go-toml/v2"
)

var ErrInvalidConfig = errors.New("config: invalid")

// Duration reads TOML strings such as "250ms" or "5s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type NodeConfig struct {
	Name        string           `toml:"name"`
	AdminAddr   string           `toml:"admin_addr"`
	AdminToken  string           `toml:"admin_token"`
	CorsOrigins []string         `toml:"cors_origins"`
	Manifest    string           `toml:"manifest"`
	ParcelLimit int              `toml:"parcel_limit"`
	Transport   TransportConfig  `toml:"transport"`
	ThreadPool  ThreadPoolConfig `toml:"thread_pool"`
	Retry       RetryConfig      `toml:"retry"`
}

type TransportConfig struct {
	Network          string           `toml:"network"`
	Address          string           `toml:"address"`
	SecurityMode     string           `toml:"security_mode"`
	TLS              remote.TLSConfig `toml:"tls"`
	HandshakeTimeout Duration         `toml:"handshake_timeout"`
	WriteTimeout     Duration         `toml:"write_timeout"`
	MaxPayloadBytes  uint32           `toml:"max_payload_bytes"`
	OnewayRate       float64          `toml:"oneway_rate"`
	OnewayBurst      int              `toml:"oneway_burst"`
}

type ThreadPoolConfig struct {
	MaxThreads   uint64 `toml:"max_threads"`
	CallerJoins  bool   `toml:"caller_joins"`
	LockOSThread bool   `toml:"lock_os_thread"`
}

type RetryConfig struct {
	InitialDelay Duration `toml:"initial_delay"`
	Multiplier   float64  `toml:"multiplier"`
	MaxDelay     Duration `toml:"max_delay"`
	Jitter       bool     `toml:"jitter"`
}

func Default() NodeConfig {
	rt := remote.DefaultConfig()
	retry := binder.DefaultBackoffConfig()
	return NodeConfig{
		Name:        "servicemanager",
		AdminAddr:   "127.0.0.1:9470",
		ParcelLimit: binder.DefaultConfig().ParcelLimit,
		Transport: TransportConfig{
			Network:          rt.Network,
			Address:          rt.Address,
			SecurityMode:     string(rt.SecurityMode),
			HandshakeTimeout: Duration{rt.HandshakeTimeout},
			WriteTimeout:     Duration{rt.WriteTimeout},
			MaxPayloadBytes:  rt.MaxPayloadBytes,
			OnewayRate:       rt.OnewayRate,
			OnewayBurst:      rt.OnewayBurst,
		},
		ThreadPool: ThreadPoolConfig{MaxThreads: 4},
		Retry: RetryConfig{
			InitialDelay: Duration{retry.InitialDelay},
			Multiplier:   retry.Multiplier,
			MaxDelay:     Duration{retry.MaxDelay},
			Jitter:       retry.Jitter,
		},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (NodeConfig, error) {
	cfg := Default()
	if err := loadToml(path, &cfg); err != nil {
		return NodeConfig{}, err
	}
	if err := Validate(cfg); err != nil {
		return NodeConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func Validate(cfg NodeConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidConfig)
	}
	if cfg.ThreadPool.MaxThreads == 0 {
		return fmt.Errorf("%w: thread_pool.max_threads must be positive", ErrInvalidConfig)
	}
	if cfg.ParcelLimit < 0 {
		return fmt.Errorf("%w: parcel_limit must not be negative", ErrInvalidConfig)
	}
	if cfg.Retry.Multiplier != 0 && cfg.Retry.Multiplier < 1 {
		return fmt.Errorf("%w: retry.multiplier must be at least 1", ErrInvalidConfig)
	}
	if err := cfg.RemoteConfig().ValidateServerTransport(); err != nil {
		return fmt.Errorf("%w: transport: %w", ErrInvalidConfig, err)
	}
	return nil
}

// ProcessConfig is the binder process configuration of the daemon.
func (c NodeConfig) ProcessConfig() binder.Config {
	return binder.Config{
		Name:               c.Name,
		HostServiceManager: true,
		ParcelLimit:        c.ParcelLimit,
		ThreadPool: binder.ThreadPoolConfig{
			MaxThreads:   c.ThreadPool.MaxThreads,
			CallerJoins:  c.ThreadPool.CallerJoins,
			LockOSThread: c.ThreadPool.LockOSThread,
		},
		Retry: binder.BackoffConfig{
			InitialDelay: c.Retry.InitialDelay.Duration,
			Multiplier:   c.Retry.Multiplier,
			MaxDelay:     c.Retry.MaxDelay.Duration,
			Jitter:       c.Retry.Jitter,
		},
	}
}

func (c NodeConfig) RemoteConfig() remote.Config {
	t := c.Transport
	return remote.Config{
		Network:          t.Network,
		Address:          t.Address,
		SecurityMode:     remote.SecurityMode(t.SecurityMode),
		TLS:              t.TLS,
		HandshakeTimeout: t.HandshakeTimeout.Duration,
		WriteTimeout:     t.WriteTimeout.Duration,
		MaxPayloadBytes:  t.MaxPayloadBytes,
		OnewayRate:       t.OnewayRate,
		OnewayBurst:      t.OnewayBurst,
	}.WithDefaults()
}
