// Package brokers wires broker names to adapter constructors and carries
// per-broker endpoint overrides loaded from a YAML file.
package brokers

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"trade-relay/pkg/brokers/common"
	"trade-relay/pkg/brokers/kite"
	"trade-relay/pkg/brokers/paper"
)

// Credentials is the decrypted material needed to build a broker client.
type Credentials struct {
	APIKey      string
	APISecret   string
	AccessToken string
}

// Endpoints overrides a broker's default URLs, mainly for staging and
// tests.
type Endpoints struct {
	APIBase   string `yaml:"api_base"`
	LoginBase string `yaml:"login_base"`
}

type registryFile struct {
	Brokers map[string]Endpoints `yaml:"brokers"`
}

// Registry builds broker clients by name.
type Registry struct {
	endpoints map[string]Endpoints
	timeout   time.Duration
}

// NewRegistry creates a registry with default endpoints. yamlPath is
// optional; when set, the file's per-broker overrides apply.
func NewRegistry(yamlPath string, timeout time.Duration) (*Registry, error) {
	r := &Registry{
		endpoints: map[string]Endpoints{},
		timeout:   timeout,
	}
	if yamlPath == "" {
		return r, nil
	}

	raw, err := os.ReadFile(yamlPath)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("read broker config: %w", err)
	}
	var file registryFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse broker config: %w", err)
	}
	if file.Brokers != nil {
		r.endpoints = file.Brokers
	}
	return r, nil
}

// Supported reports whether a broker name is known.
func (r *Registry) Supported(name string) bool {
	switch name {
	case "kite", "paper":
		return true
	}
	return false
}

// Build constructs a ready client for the named broker.
func (r *Registry) Build(name string, creds Credentials) (common.Broker, error) {
	switch name {
	case "kite":
		ep := r.endpoints["kite"]
		return kite.New(kite.Config{
			APIKey:      creds.APIKey,
			APISecret:   creds.APISecret,
			AccessToken: creds.AccessToken,
			APIBase:     ep.APIBase,
			LoginBase:   ep.LoginBase,
			Timeout:     r.timeout,
		}), nil
	case "paper":
		client := paper.New()
		if creds.AccessToken != "" {
			client.SetAccessToken(creds.AccessToken)
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unsupported broker: %s", name)
	}
}
