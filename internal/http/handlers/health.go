// Package handlers provides the HTTP API handlers for relayarr.
package handlers

import (
	"context"
	"runtime"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/jmylchreest/relayarr/internal/database"
	"github.com/jmylchreest/relayarr/internal/relay"
)

// HealthHandler serves the health endpoint.
type HealthHandler struct {
	version   string
	startTime time.Time
	db        *database.DB
	manager   *relay.Manager
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(version string) *HealthHandler {
	return &HealthHandler{
		version:   version,
		startTime: time.Now(),
	}
}

// WithDB sets the database used for the readiness check.
func (h *HealthHandler) WithDB(db *database.DB) *HealthHandler {
	h.db = db
	return h
}

// WithRelayManager includes relay stats in the health response.
func (h *HealthHandler) WithRelayManager(m *relay.Manager) *HealthHandler {
	h.manager = m
	return h
}

// HealthResponse is the health endpoint payload.
type HealthResponse struct {
	Status        string       `json:"status"`
	Timestamp     string       `json:"timestamp"`
	Version       string       `json:"version"`
	Uptime        string       `json:"uptime"`
	UptimeSeconds float64      `json:"uptime_seconds"`
	Goroutines    int          `json:"goroutines"`
	Load1         float64      `json:"load1,omitempty"`
	MemoryUsedPct float64      `json:"memory_used_pct,omitempty"`
	Database      string       `json:"database"`
	Relay         RelayMetrics `json:"relay"`
}

// RelayMetrics summarizes the relay's live state.
type RelayMetrics struct {
	Streams     int `json:"streams"`
	Clients     int `json:"clients"`
	Connections int `json:"connections"`
}

// HealthOutput wraps the response body for huma.
type HealthOutput struct {
	Body HealthResponse
}

// Register registers the health route.
func (h *HealthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      "GET",
		Path:        "/api/v1/health",
		Summary:     "Health check",
		Description: "Returns service health, system metrics, and relay state",
		Tags:        []string{"System"},
	}, h.GetHealth)
}

// GetHealth returns the health status of the service.
func (h *HealthHandler) GetHealth(ctx context.Context, _ *struct{}) (*HealthOutput, error) {
	now := time.Now()
	uptime := now.Sub(h.startTime)

	resp := HealthResponse{
		Status:        "healthy",
		Timestamp:     now.UTC().Format(time.RFC3339),
		Version:       h.version,
		Uptime:        uptime.Round(time.Second).String(),
		UptimeSeconds: uptime.Seconds(),
		Goroutines:    runtime.NumGoroutine(),
		Database:      "ok",
	}

	if avg, err := load.AvgWithContext(ctx); err == nil {
		resp.Load1 = avg.Load1
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		resp.MemoryUsedPct = vm.UsedPercent
	}

	if h.db != nil {
		if err := h.db.Health(ctx); err != nil {
			resp.Status = "degraded"
			resp.Database = err.Error()
		}
	} else {
		resp.Database = "not configured"
	}

	if h.manager != nil {
		resp.Relay = RelayMetrics{
			Streams:     len(h.manager.Streams()),
			Clients:     len(h.manager.Clients()),
			Connections: h.manager.ConnectionCount(),
		}
	}

	return &HealthOutput{Body: resp}, nil
}
