package brokers

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRegistryDefaults(t *testing.T) {
	r, err := NewRegistry("", time.Second)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	if !r.Supported("kite") || !r.Supported("paper") {
		t.Error("kite and paper should be supported")
	}
	if r.Supported("robinhood") {
		t.Error("robinhood should not be supported")
	}

	if _, err := r.Build("robinhood", Credentials{}); err == nil {
		t.Error("expected error for unsupported broker")
	}

	client, err := r.Build("kite", Credentials{APIKey: "k"})
	if err != nil {
		t.Fatalf("Build kite: %v", err)
	}
	if !strings.HasPrefix(client.LoginURL(), "https://kite.trade/connect/login") {
		t.Errorf("LoginURL = %q", client.LoginURL())
	}
}

func TestRegistryYAMLOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "brokers.yaml")
	content := "brokers:\n  kite:\n    api_base: http://localhost:9999\n    login_base: http://localhost:9999\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	r, err := NewRegistry(path, time.Second)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	client, err := r.Build("kite", Credentials{APIKey: "k"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !strings.HasPrefix(client.LoginURL(), "http://localhost:9999") {
		t.Errorf("override not applied: %q", client.LoginURL())
	}
}

func TestRegistryMissingFileIsFine(t *testing.T) {
	if _, err := NewRegistry("/no/such/file.yaml", time.Second); err != nil {
		t.Errorf("missing file should not error: %v", err)
	}
}

func TestRegistryBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "brokers.yaml")
	if err := os.WriteFile(path, []byte("brokers: ["), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := NewRegistry(path, time.Second); err == nil {
		t.Error("expected parse error")
	}
}
