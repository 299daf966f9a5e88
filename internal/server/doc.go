// Package server exposes a running deckctl session over local HTTP.
//
// While a task is being watched, [Server] serves three read-only routes:
//
//	GET /healthz  → liveness plus the tracked task id
//	GET /status   → the aggregated state as JSON
//	GET /metrics  → stream and aggregator counters in Prometheus text format
//
// # Middleware
//
// [Middleware] wraps handlers in the order it was passed to [New]; the first one is outermost.
// [RequestLogger] logs every request with charmbracelet/log.
//
// The server only reads from its [Source]; nothing it serves can change the task.
package server
