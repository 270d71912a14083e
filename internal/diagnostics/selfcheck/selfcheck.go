// Package selfcheck validates optional external dependencies (Vault,
// Azure Log Analytics connectivity) before a graph starts serving traffic.
package selfcheck

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"conduit/internal/config"
)

// Dependencies surfaces optional clients required for checks.
type Dependencies struct {
	Vault interface{ HealthCheck(context.Context) error }
}

// Run executes startup dependency validation.
func Run(ctx context.Context, cfg *config.Config, deps Dependencies) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	if cfg.Secrets.Vault.Address != "" {
		if deps.Vault == nil {
			return fmt.Errorf("vault configured but no client available for health check")
		}
		if err := deps.Vault.HealthCheck(ctx); err != nil {
			return fmt.Errorf("vault health check failed: %w", err)
		}
	}
	if cfg.Adapters.AnalyticsSink.Enabled {
		if err := checkAzureEndpoint(ctx, cfg.Adapters.AnalyticsSink.WorkspaceID); err != nil {
			return err
		}
	}
	return nil
}

func checkAzureEndpoint(ctx context.Context, workspaceID string) error {
	ws := strings.TrimSpace(workspaceID)
	if ws == "" {
		return fmt.Errorf("adapters.analyticssink.workspace_id required when enabled")
	}
	host := fmt.Sprintf("%s.ods.opinsights.azure.com:443", ws)
	dialer := net.Dialer{Timeout: 5 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", host)
	if err != nil {
		return fmt.Errorf("azure log analytics connectivity (%s) failed: %w", host, err)
	}
	_ = conn.Close()
	return nil
}
