// Package vault wraps a HashiCorp Vault client for resolving adapter
// credentials (blob/analytics sink keys) at startup, instead of storing
// them in plaintext config.
package vault

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"conduit/internal/config"

	vaultapi "github.com/hashicorp/vault/api"
)

const cacheTTL = 30 * time.Second

// Client wraps a Hashicorp Vault client with simple caching and
// placeholder resolution for "vault://path#field" references.
type Client struct {
	api   *vaultapi.Client
	mount string
	cache map[string]cachedSecret
	mu    sync.RWMutex
}

type cachedSecret struct {
	data    map[string]interface{}
	expires time.Time
}

// NewClient initializes a Vault client from config.Config.Secrets.Vault.
// Returns (nil, nil) when no address/token is configured — callers treat a
// nil *Client as "vault disabled" and fall back to static config values.
func NewClient(cfg *config.Config) (*Client, error) {
	sv := cfg.Secrets.Vault
	if strings.TrimSpace(sv.Address) == "" || strings.TrimSpace(sv.Token) == "" {
		return nil, nil
	}
	conf := vaultapi.DefaultConfig()
	conf.Address = sv.Address
	apiClient, err := vaultapi.NewClient(conf)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	apiClient.SetToken(sv.Token)

	mount := strings.Trim(sv.Path, "/")
	if mount == "" {
		mount = "secret"
	}
	return &Client{api: apiClient, mount: mount, cache: make(map[string]cachedSecret)}, nil
}

// Resolve satisfies the secrets.Resolver interface used by
// secrets.ReplacePlaceholders.
func (c *Client) Resolve(ctx context.Context, ref string) (string, error) {
	if c == nil {
		return ref, nil
	}
	secretPath, field, err := parseRef(ref)
	if err != nil {
		return "", err
	}
	data, err := c.readPath(ctx, secretPath)
	if err != nil {
		return "", err
	}
	val, ok := data[field]
	if !ok {
		return "", fmt.Errorf("vault field %s missing at %s", field, secretPath)
	}
	switch v := val.(type) {
	case string:
		return v, nil
	case fmt.Stringer:
		return v.String(), nil
	case []byte:
		return string(v), nil
	default:
		return fmt.Sprintf("%v", v), nil
	}
}

// HealthCheck validates connectivity to Vault. Exercised by
// internal/diagnostics/selfcheck at startup.
func (c *Client) HealthCheck(ctx context.Context) error {
	if c == nil {
		return nil
	}
	_, err := c.api.Sys().HealthWithContext(ctx)
	return err
}

func (c *Client) readPath(ctx context.Context, rawPath string) (map[string]interface{}, error) {
	full := c.fullPath(rawPath)
	now := time.Now()
	c.mu.RLock()
	if cached, ok := c.cache[full]; ok && now.Before(cached.expires) {
		dataCopy := make(map[string]interface{}, len(cached.data))
		for k, v := range cached.data {
			dataCopy[k] = v
		}
		c.mu.RUnlock()
		return dataCopy, nil
	}
	c.mu.RUnlock()

	secret, err := c.api.Logical().ReadWithContext(ctx, full)
	if err != nil {
		return nil, fmt.Errorf("vault read %s: %w", full, err)
	}
	if secret == nil {
		return nil, fmt.Errorf("vault secret %s not found", full)
	}
	data := secret.Data
	if nested, ok := data["data"].(map[string]interface{}); ok {
		data = nested // KV v2 wraps the payload one level deeper
	}
	c.mu.Lock()
	c.cache[full] = cachedSecret{data: data, expires: now.Add(cacheTTL)}
	c.mu.Unlock()

	dataCopy := make(map[string]interface{}, len(data))
	for k, v := range data {
		dataCopy[k] = v
	}
	return dataCopy, nil
}

func (c *Client) fullPath(p string) string {
	trimmed := strings.TrimLeft(p, "/")
	if trimmed == "" {
		return c.mount
	}
	if strings.HasPrefix(trimmed, c.mount) {
		return trimmed
	}
	if !strings.Contains(trimmed, "/data/") {
		return c.mount + "/data/" + trimmed
	}
	return c.mount + "/" + trimmed
}

func parseRef(ref string) (string, string, error) {
	raw := strings.TrimSpace(ref)
	if raw == "" {
		return "", "", fmt.Errorf("empty vault reference")
	}
	if !strings.HasPrefix(raw, "vault://") {
		return "", "", fmt.Errorf("invalid vault reference %s", raw)
	}
	withoutScheme := strings.TrimPrefix(raw, "vault://")
	pathPart := withoutScheme
	field := "value"
	if idx := strings.Index(withoutScheme, "#"); idx >= 0 {
		pathPart = withoutScheme[:idx]
		if fieldCandidate := withoutScheme[idx+1:]; fieldCandidate != "" {
			field = fieldCandidate
		}
	}
	pathPart = strings.TrimLeft(pathPart, "/")
	if pathPart == "" {
		return "", "", fmt.Errorf("vault reference %s missing path", ref)
	}
	return pathPart, field, nil
}
