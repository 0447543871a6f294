// Package events is the in-process pub/sub bus for convergence lifecycle
// events. The policy evaluator, the executor, and the node publish; the
// node's event loop subscribes and writes the stream to the log. Slow
// subscribers are skipped rather than blocking the engine.
package events
