package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/jmswain/foreman/internal/log"
	"github.com/jmswain/foreman/internal/protocol"
	"github.com/jmswain/foreman/internal/worker"
)

// buildRoutes wires the worker-originated request routes. getReg is late-bound
// because the registry is constructed with this table.
func buildRoutes(getReg func() *worker.Registry) worker.Routes {
	logger := log.WithComponent("routes")

	return worker.Routes{
		worker.RouteHealth: func(ctx context.Context, workerID string, payload json.RawMessage) (any, error) {
			return map[string]string{"status": "ok"}, nil
		},

		worker.RouteLogsIngest: func(ctx context.Context, workerID string, payload json.RawMessage) (any, error) {
			var entry struct {
				Level   string `json:"level"`
				Message string `json:"message"`
			}
			if err := json.Unmarshal(payload, &entry); err != nil {
				return nil, fmt.Errorf("malformed log entry: %w", err)
			}
			l := log.WithWorker(workerID)
			switch strings.ToUpper(entry.Level) {
			case "DEBUG":
				l.Debug(entry.Message)
			case "WARN", "WARNING":
				l.Warn(entry.Message)
			case "ERROR":
				l.Error(entry.Message)
			default:
				l.Info(entry.Message)
			}
			return nil, nil
		},

		worker.RouteProgressIngest: func(ctx context.Context, workerID string, payload json.RawMessage) (any, error) {
			logger.Debug("worker progress", "worker_id", workerID, "progress", string(payload))
			return nil, nil
		},

		worker.RouteMetricsIngest: func(ctx context.Context, workerID string, payload json.RawMessage) (any, error) {
			var stats protocol.Stats
			if err := json.Unmarshal(payload, &stats); err != nil {
				return nil, fmt.Errorf("malformed metrics payload: %w", err)
			}
			if reg := getReg(); reg != nil {
				reg.UpdateStats(workerID, stats)
			}
			return nil, nil
		},

		worker.RouteEnvLookup: func(ctx context.Context, workerID string, payload json.RawMessage) (any, error) {
			var req struct {
				Name string `json:"name"`
			}
			if err := json.Unmarshal(payload, &req); err != nil {
				return nil, fmt.Errorf("malformed env lookup: %w", err)
			}
			// Workers only get the orchestrator's own namespace, not the
			// whole host environment.
			if !strings.HasPrefix(req.Name, "FOREMAN_") {
				return nil, fmt.Errorf("env var %q is not exposed to workers", req.Name)
			}
			return map[string]string{"value": os.Getenv(req.Name)}, nil
		},

		worker.RouteCatalogNodeTypes: func(ctx context.Context, workerID string, payload json.RawMessage) (any, error) {
			// No node catalog is bundled; runners ship their own node set.
			return map[string]any{"node_types": []any{}}, nil
		},
	}
}
