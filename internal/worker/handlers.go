package worker

import (
	"context"
	"encoding/json"
)

// Well-known worker-originated routes. The business layer supplies handlers
// for the routes it implements; the rest answer with a "not implemented"
// failure response.
const (
	RouteCatalogNodeTypes  = "catalog.node-types"
	RouteJobDefinition     = "jobs.definition"
	RouteHealth            = "health"
	RouteLogsIngest        = "logs.ingest"
	RouteProgressIngest    = "progress.ingest"
	RouteMetricsIngest     = "metrics.ingest"
	RouteCredentialsLookup = "credentials.lookup"
	RouteEnvLookup         = "env.lookup"
)

// Handler serves one worker-originated route. The returned value is
// marshalled into the response payload; a non-nil error becomes a failure
// response. A handler error or panic never terminates the channel or the
// host.
type Handler func(ctx context.Context, workerID string, payload json.RawMessage) (any, error)

// Routes is the fixed handler table injected at registry construction.
type Routes map[string]Handler
