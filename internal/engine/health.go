package engine

import (
	"context"
	"fmt"
)

// HealthChecker implements api.HealthChecker for the Cromwell engine.
// It checks Cromwell's own lightweight engine status endpoint rather than
// submitting or querying any workflow.
type HealthChecker struct {
	client *CromwellClient
}

// NewHealthChecker creates an engine health checker for the given client.
func NewHealthChecker(client *CromwellClient) *HealthChecker {
	return &HealthChecker{client: client}
}

// HealthCheck calls GET /engine/v1/status, Cromwell's own liveness endpoint.
func (h *HealthChecker) HealthCheck(ctx context.Context) error {
	resp, err := h.client.http.R().SetContext(ctx).Get("/engine/v1/status")
	if err != nil {
		return fmt.Errorf("cromwell engine status: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("cromwell engine status: http %d", resp.StatusCode())
	}
	return nil
}
