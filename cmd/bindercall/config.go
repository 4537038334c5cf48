package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/hwbinder/internal/remote"
)

type fileConfig struct {
	Network            string           `toml:"network"`
	Address            string           `toml:"address"`
	SecurityMode       string           `toml:"security_mode"`
	ConnectTimeout     string           `toml:"connect_timeout"`
	CallTimeout        string           `toml:"call_timeout"`
	MaxConnectAttempts int              `toml:"max_connect_attempts"`
	TLS                remote.TLSConfig `toml:"tls"`
}

type clientConfig struct {
	Remote      remote.Config
	CallTimeout time.Duration
}

func defaultClientConfig() clientConfig {
	rc := remote.DefaultConfig()
	rc.MaxConnectAttempts = 3
	return clientConfig{Remote: rc, CallTimeout: 10 * time.Second}
}

func loadClientConfig(path string) (clientConfig, error) {
	cfg := defaultClientConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return clientConfig{}, fmt.Errorf("load bindercall config: %w", err)
	}

	if meta.IsDefined("network") {
		cfg.Remote.Network = strings.TrimSpace(raw.Network)
	}
	if meta.IsDefined("address") {
		cfg.Remote.Address = strings.TrimSpace(raw.Address)
	}
	if meta.IsDefined("security_mode") {
		cfg.Remote.SecurityMode = remote.NormalizeSecurityMode(remote.SecurityMode(raw.SecurityMode))
	}
	if meta.IsDefined("connect_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ConnectTimeout))
		if err != nil {
			return clientConfig{}, fmt.Errorf("parse connect_timeout: %w", err)
		}
		cfg.Remote.ConnectTimeout = d
	}
	if meta.IsDefined("call_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.CallTimeout))
		if err != nil {
			return clientConfig{}, fmt.Errorf("parse call_timeout: %w", err)
		}
		cfg.CallTimeout = d
	}
	if meta.IsDefined("max_connect_attempts") {
		cfg.Remote.MaxConnectAttempts = raw.MaxConnectAttempts
	}
	if meta.IsDefined("tls") {
		cfg.Remote.TLS = raw.TLS
	}

	if err := cfg.Remote.ValidateClientTransport(); err != nil {
		return clientConfig{}, err
	}
	return cfg, nil
}
