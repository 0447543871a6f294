// Package metrics exports surge's Prometheus collectors: convergence
// cycle and plan timings, step commit/retry/failure counters by action,
// task outcomes, lease counts, and policy execution outcomes. The
// collectors are registered at init; Handler serves them for scraping.
package metrics
