/*
Package lease implements distributed mutual exclusion over scaling-group
ownership. A lease is a time-bounded, renewable grant: at any instant at
most one node holds a valid lease for a given group, and only that node may
run convergence tasks for it.

Each grant carries a monotonically increasing per-group Version (a fencing
token). Holders must Validate their token before committing any step
result; a holder that has been superseded sees ErrLeaseLost and aborts
without further commits.

Two implementations are provided:

  - Memory: single-process, for tests and single-node deployments.
  - Coordinator: a raft-replicated lease table. Every surge node embeds a
    replica; grant/renew/release are proposed through the raft leader
    (forwarded over HTTP from followers), expiry is swept by the leader so
    each removal replicates exactly once, and Validate/Watch are served
    from the local replica.

The Watch stream announces grants, releases and expirations, which is how
idle nodes learn that a group has become claimable (rebalancing on node
join/leave/crash).
*/
package lease
