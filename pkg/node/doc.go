// Package node implements the convergence worker. A node claims group
// leases, keeps them renewed, and for each owned group with a runnable
// task it refreshes observed state from the provider, plans, and
// executes, up to a per-node concurrency cap.
package node
