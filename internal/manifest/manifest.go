// Package manifest loads the registration manifest that decides which
// callers may publish which services.
//
//	default: deny
//	services:
//	  - interface: vendor.echo@1.0::IEcho
//	    instances: [default]
//	    uids: [1000]
//	    names: [vendor.echo]
//
// A rule with no uids and no names admits any caller. The service manager
// process itself is always admitted.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/danmuck/hwbinder/internal/binder"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const (
	DefaultAllow = "allow"
	DefaultDeny  = "deny"

	// AnyInstance matches every instance name.
	AnyInstance = "*"
)

var ErrInvalidManifest = errors.New("manifest: invalid")

type Manifest struct {
	Default  string `yaml:"default"`
	Services []Rule `yaml:"services"`
}

type Rule struct {
	Interface string   `yaml:"interface"`
	Instances []string `yaml:"instances"`
	UIDs      []uint32 `yaml:"uids"`
	Names     []string `yaml:"names"`
}

func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	log.Info().Msgf("manifest.Load path=%s rules=%d default=%s", path, len(m.Services), m.Default)
	return m, nil
}

func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidManifest, err)
	}
	if err := m.normalize(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) normalize() error {
	m.Default = strings.ToLower(strings.TrimSpace(m.Default))
	if m.Default == "" {
		m.Default = DefaultDeny
	}
	if m.Default != DefaultAllow && m.Default != DefaultDeny {
		return fmt.Errorf("%w: default %q", ErrInvalidManifest, m.Default)
	}
	for i := range m.Services {
		r := &m.Services[i]
		r.Interface = strings.TrimSpace(r.Interface)
		if r.Interface == "" {
			return fmt.Errorf("%w: services[%d] missing interface", ErrInvalidManifest, i)
		}
		for j, inst := range r.Instances {
			r.Instances[j] = strings.TrimSpace(inst)
		}
	}
	return nil
}

func (r Rule) matches(iface, instance string) bool {
	if r.Interface != iface {
		return false
	}
	return len(r.Instances) == 0 || slices.Contains(r.Instances, AnyInstance) || slices.Contains(r.Instances, instance)
}

func (r Rule) admits(c binder.Caller) bool {
	if len(r.UIDs) == 0 && len(r.Names) == 0 {
		return true
	}
	if c.UID != binder.UnknownUID && slices.Contains(r.UIDs, c.UID) {
		return true
	}
	return c.Name != "" && slices.Contains(r.Names, c.Name)
}

// Allows reports whether caller may register iface/instance. Any matching
// rule that admits the caller is enough.
func (m *Manifest) Allows(c binder.Caller, iface, instance string) bool {
	if c.Local {
		return true
	}
	matched := false
	for _, r := range m.Services {
		if !r.matches(iface, instance) {
			continue
		}
		matched = true
		if r.admits(c) {
			return true
		}
	}
	if matched {
		return false
	}
	return m.Default == DefaultAllow
}

func (m *Manifest) Policy() binder.Policy {
	return m.Allows
}
