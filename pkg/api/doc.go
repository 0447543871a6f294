// Package api exposes the HTTP surface of a convergence node: liveness
// and readiness probes, Prometheus metrics, read-only group and task
// state, and the policy trigger endpoints (direct execution, capability
// webhooks, and desired-capacity writes).
package api
