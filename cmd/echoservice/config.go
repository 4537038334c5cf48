package main

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/hwbinder/internal/remote"
)

type fileConfig struct {
	Name         string           `toml:"name"`
	Instance     string           `toml:"instance"`
	Threads      uint64           `toml:"threads"`
	Network      string           `toml:"network"`
	Address      string           `toml:"address"`
	SecurityMode string           `toml:"security_mode"`
	TLS          remote.TLSConfig `toml:"tls"`
}

type serviceConfig struct {
	Name     string
	Instance string
	Threads  uint64
	Remote   remote.Config
}

func defaultServiceConfig() serviceConfig {
	return serviceConfig{
		Name:     "echoservice",
		Instance: "default",
		Threads:  2,
		Remote:   remote.DefaultConfig(),
	}
}

func loadServiceConfig(path string) (serviceConfig, error) {
	cfg := defaultServiceConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return serviceConfig{}, fmt.Errorf("load echoservice config: %w", err)
	}

	if meta.IsDefined("name") {
		cfg.Name = strings.TrimSpace(raw.Name)
	}
	if meta.IsDefined("instance") {
		cfg.Instance = strings.TrimSpace(raw.Instance)
	}
	if meta.IsDefined("threads") {
		cfg.Threads = raw.Threads
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
	if meta.IsDefined("tls") {
		cfg.Remote.TLS = raw.TLS
	}

	if err := cfg.validate(); err != nil {
		return serviceConfig{}, err
	}
	return cfg, nil
}

func (c serviceConfig) validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if c.Instance == "" {
		return fmt.Errorf("instance is required")
	}
	if c.Threads == 0 {
		return fmt.Errorf("threads must be positive")
	}
	if err := c.Remote.ValidateClientTransport(); err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	return nil
}
