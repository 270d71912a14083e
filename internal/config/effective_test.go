package config

import (
	"fmt"
	"strings"
	"testing"
)

func TestMarshalEffectiveRedactsSecrets(t *testing.T) {
	cfg := &Config{}
	cfg.Server.Host = "localhost"
	cfg.Server.AuthToken = "super-secret"
	cfg.Adapters.AnalyticsSink.SharedKey = "shared-key-value"
	cfg.Secrets.Vault.Token = "vault-token-value"

	out, err := cfg.MarshalEffective("json")
	if err != nil {
		t.Fatalf("MarshalEffective json: %v", err)
	}
	payload := string(out)
	for _, leak := range []string{"super-secret", "shared-key-value", "vault-token-value"} {
		if strings.Contains(payload, fmt.Sprintf("\"%s\"", leak)) {
			t.Fatalf("expected %q to be redacted in %s", leak, payload)
		}
	}
	if !strings.Contains(payload, redactedPlaceholder) {
		t.Fatalf("expected placeholder to appear: %s", payload)
	}

	if _, err := cfg.MarshalEffective("yaml"); err != nil {
		t.Fatalf("MarshalEffective yaml: %v", err)
	}

	if _, err := cfg.MarshalEffective("invalid"); err == nil {
		t.Fatalf("expected unsupported format error")
	}
}
