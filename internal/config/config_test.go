package config

import (
	"os"
	"testing"
)

func TestEnvOverrides(t *testing.T) {
	os.Setenv("CONDUIT_SERVER_PORT", "9555")
	defer os.Unsetenv("CONDUIT_SERVER_PORT")
	cfg := Load()
	if cfg.Server.Port != 9555 {
		t.Fatalf("expected env var to set port to 9555, got %d", cfg.Server.Port)
	}
}

func TestDefaults(t *testing.T) {
	cfg := Load()
	if cfg.Logging.Level != "info" {
		t.Fatalf("expected default logging level info, got %q", cfg.Logging.Level)
	}
	if cfg.Adapters.Synthetic.RateHz != 1000.0 {
		t.Fatalf("expected default synthetic rate 1000hz, got %v", cfg.Adapters.Synthetic.RateHz)
	}
}
