// Package executor runs the steps of a convergence task against the
// cloud provider. Steps execute concurrently where their dependencies
// allow, with bounded retries for transient provider failures, but every
// effect is committed serially: the group lease is re-validated and the
// task generation re-checked before each commit, so a node that lost
// ownership or is executing a superseded plan stops without writing.
package executor
