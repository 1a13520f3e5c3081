// Package config loads the wiring manifest for a controller process: a
// YAML declaration of each controller's messenger grant, plus policy
// and storage settings, with environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quorail/ctrlkit"
	"github.com/quorail/ctrlkit/ratelimit"
)

// ControllerGrant declares one controller's capability grant.
type ControllerGrant struct {
	Name           string   `yaml:"name"`
	AllowedActions []string `yaml:"allowed_actions"`
	AllowedEvents  []string `yaml:"allowed_events"`
}

// RateLimitPolicy is the rate-limit controller's budget policy.
type RateLimitPolicy struct {
	CallLimit int      `yaml:"call_limit"`
	Window    Duration `yaml:"window"`
}

// Options converts the policy into rate-limit controller options,
// skipping unset fields so the controller defaults apply.
func (p RateLimitPolicy) Options() []ratelimit.Option {
	var opts []ratelimit.Option
	if p.CallLimit > 0 {
		opts = append(opts, ratelimit.WithCallLimit(p.CallLimit))
	}
	if p.Window > 0 {
		opts = append(opts, ratelimit.WithWindow(time.Duration(p.Window)))
	}
	return opts
}

// StoreSettings configures the persistent state store.
type StoreSettings struct {
	Path        string   `yaml:"path"`
	BusyTimeout Duration `yaml:"busy_timeout"`
}

// Manifest is the full wiring declaration for a process.
type Manifest struct {
	Controllers []ControllerGrant `yaml:"controllers"`
	RateLimit   RateLimitPolicy   `yaml:"rate_limit"`
	Store       StoreSettings     `yaml:"store"`
}

// LoadManifest reads and validates a YAML manifest.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return ParseManifest(data)
}

// ParseManifest decodes and validates manifest bytes.
func ParseManifest(data []byte) (*Manifest, error) {
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	seen := make(map[string]struct{}, len(manifest.Controllers))
	for _, grant := range manifest.Controllers {
		if grant.Name == "" {
			return nil, fmt.Errorf("manifest: controller with empty name")
		}
		if _, duplicate := seen[grant.Name]; duplicate {
			return nil, fmt.Errorf("manifest: duplicate controller %q", grant.Name)
		}
		seen[grant.Name] = struct{}{}
	}
	return &manifest, nil
}

// Grant returns the declared grant for a controller name.
func (m *Manifest) Grant(name string) (ctrlkit.RestrictedConfig, error) {
	for _, grant := range m.Controllers {
		if grant.Name == name {
			return ctrlkit.RestrictedConfig{
				Name:           grant.Name,
				AllowedActions: grant.AllowedActions,
				AllowedEvents:  grant.AllowedEvents,
			}, nil
		}
	}
	return ctrlkit.RestrictedConfig{}, fmt.Errorf("manifest: controller %q not declared", name)
}

// Restricted builds the restricted messenger for a declared controller.
func (m *Manifest) Restricted(bus *ctrlkit.Messenger, name string) (*ctrlkit.RestrictedMessenger, error) {
	cfg, err := m.Grant(name)
	if err != nil {
		return nil, err
	}
	return ctrlkit.NewRestricted(bus, cfg)
}
