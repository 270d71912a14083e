// Package config loads conduit's ambient configuration: the management
// HTTP surface, logging, and the adapters' connection settings. Graph
// topology itself (which filters exist, how they are wired) is assembled
// in code, not from this file — only the adapters and the introspection
// server are environment-specific enough to warrant external config.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		Host         string
		Port         int
		ReadTimeout  time.Duration
		WriteTimeout time.Duration
		AuthToken    string // bearer token guarding the management API; empty = unprotected
	}
	Logging struct {
		Level  string // debug|info|warn|error
		Format string // text|json
	}
	Telemetry struct {
		OTLP struct {
			Endpoint    string
			Insecure    bool
			Timeout     time.Duration
			SampleRatio float64
		}
	}
	Adapters struct {
		Synthetic struct {
			Enabled     bool
			RateHz      float64
			JitterRatio float64
		}
		Syslog struct {
			Enabled        bool
			Host           string
			Port           int
			TLSCertFile    string
			TLSKeyFile     string
			SelfSignTLS    bool
			IdleTimeout    time.Duration
			MaxConnections int
		}
		BlobSink struct {
			Enabled       bool
			AccountURL    string
			ContainerName string
			FlushInterval time.Duration
			MaxBatchBytes int
		}
		AnalyticsSink struct {
			Enabled     bool
			WorkspaceID string
			LogType     string
			SharedKey   string // replaced at startup by Secrets.Vault.Path's shared_key when vault is configured
		}
	}
	Secrets struct {
		Vault struct {
			Address string
			Token   string
			Path    string // KV path whose shared_key field supplies AnalyticsSink.SharedKey
		}
	}
}

func Load() *Config {
	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath(".")
	v.SetConfigType("yaml")
	v.SetEnvPrefix("CONDUIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 9944)
	v.SetDefault("server.readtimeout", "15s")
	v.SetDefault("server.writetimeout", "15s")
	v.SetDefault("server.auth_token", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("telemetry.otlp.endpoint", "")
	v.SetDefault("telemetry.otlp.insecure", true)
	v.SetDefault("telemetry.otlp.timeout", "5s")
	v.SetDefault("telemetry.otlp.sample_ratio", 1.0)

	v.SetDefault("adapters.synthetic.enabled", false)
	v.SetDefault("adapters.synthetic.rate_hz", 1000.0)
	v.SetDefault("adapters.synthetic.jitter_ratio", 0.0)

	v.SetDefault("adapters.syslog.enabled", false)
	v.SetDefault("adapters.syslog.host", "0.0.0.0")
	v.SetDefault("adapters.syslog.port", 6514)
	v.SetDefault("adapters.syslog.self_sign_tls", false)
	v.SetDefault("adapters.syslog.idle_timeout", "5m")
	v.SetDefault("adapters.syslog.max_connections", 1000)

	v.SetDefault("adapters.blobsink.enabled", false)
	v.SetDefault("adapters.blobsink.flush_interval", "10s")
	v.SetDefault("adapters.blobsink.max_batch_bytes", 4*1024*1024)

	v.SetDefault("adapters.analyticssink.enabled", false)
	v.SetDefault("adapters.analyticssink.log_type", "ConduitSamples")

	_ = v.ReadInConfig()

	cfg := &Config{}
	cfg.Server.Host = v.GetString("server.host")
	cfg.Server.Port = v.GetInt("server.port")
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9944
	}
	cfg.Server.ReadTimeout = v.GetDuration("server.readtimeout")
	cfg.Server.WriteTimeout = v.GetDuration("server.writetimeout")
	cfg.Server.AuthToken = v.GetString("server.auth_token")

	cfg.Logging.Level = v.GetString("logging.level")
	cfg.Logging.Format = v.GetString("logging.format")

	cfg.Telemetry.OTLP.Endpoint = v.GetString("telemetry.otlp.endpoint")
	cfg.Telemetry.OTLP.Insecure = v.GetBool("telemetry.otlp.insecure")
	cfg.Telemetry.OTLP.Timeout = v.GetDuration("telemetry.otlp.timeout")
	cfg.Telemetry.OTLP.SampleRatio = v.GetFloat64("telemetry.otlp.sample_ratio")

	cfg.Adapters.Synthetic.Enabled = v.GetBool("adapters.synthetic.enabled")
	cfg.Adapters.Synthetic.RateHz = v.GetFloat64("adapters.synthetic.rate_hz")
	cfg.Adapters.Synthetic.JitterRatio = v.GetFloat64("adapters.synthetic.jitter_ratio")

	cfg.Adapters.Syslog.Enabled = v.GetBool("adapters.syslog.enabled")
	cfg.Adapters.Syslog.Host = v.GetString("adapters.syslog.host")
	cfg.Adapters.Syslog.Port = v.GetInt("adapters.syslog.port")
	cfg.Adapters.Syslog.TLSCertFile = v.GetString("adapters.syslog.tls_cert_file")
	cfg.Adapters.Syslog.TLSKeyFile = v.GetString("adapters.syslog.tls_key_file")
	cfg.Adapters.Syslog.SelfSignTLS = v.GetBool("adapters.syslog.self_sign_tls")
	cfg.Adapters.Syslog.IdleTimeout = v.GetDuration("adapters.syslog.idle_timeout")
	cfg.Adapters.Syslog.MaxConnections = v.GetInt("adapters.syslog.max_connections")

	cfg.Adapters.BlobSink.Enabled = v.GetBool("adapters.blobsink.enabled")
	cfg.Adapters.BlobSink.AccountURL = v.GetString("adapters.blobsink.account_url")
	cfg.Adapters.BlobSink.ContainerName = v.GetString("adapters.blobsink.container_name")
	cfg.Adapters.BlobSink.FlushInterval = v.GetDuration("adapters.blobsink.flush_interval")
	cfg.Adapters.BlobSink.MaxBatchBytes = v.GetInt("adapters.blobsink.max_batch_bytes")

	cfg.Adapters.AnalyticsSink.Enabled = v.GetBool("adapters.analyticssink.enabled")
	cfg.Adapters.AnalyticsSink.WorkspaceID = v.GetString("adapters.analyticssink.workspace_id")
	cfg.Adapters.AnalyticsSink.LogType = v.GetString("adapters.analyticssink.log_type")
	cfg.Adapters.AnalyticsSink.SharedKey = v.GetString("adapters.analyticssink.shared_key")

	cfg.Secrets.Vault.Address = v.GetString("secrets.vault.address")
	cfg.Secrets.Vault.Token = v.GetString("secrets.vault.token")
	cfg.Secrets.Vault.Path = v.GetString("secrets.vault.path")

	return cfg
}

func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Validate performs static validation, returning error and warning messages.
func (c *Config) Validate() (errs []string, warnings []string) {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be 1-65535")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "logging.level must be debug|info|warn|error")
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		errs = append(errs, "logging.format must be text|json")
	}
	if c.Adapters.Syslog.Enabled && (c.Adapters.Syslog.Port <= 0 || c.Adapters.Syslog.Port > 65535) {
		errs = append(errs, "adapters.syslog.port invalid")
	}
	if c.Adapters.BlobSink.Enabled && c.Adapters.BlobSink.AccountURL == "" {
		errs = append(errs, "adapters.blobsink.account_url required when enabled")
	}
	if c.Adapters.AnalyticsSink.Enabled && c.Adapters.AnalyticsSink.WorkspaceID == "" {
		errs = append(errs, "adapters.analyticssink.workspace_id required when enabled")
	}
	if c.Server.AuthToken == "" {
		warnings = append(warnings, "server.auth_token empty - management API unprotected")
	}
	return
}
