/*
Package types defines the domain model shared by every surge component:
scaling groups, launch configurations, scaling policies, webhooks, observed
server state, convergence tasks and their steps, and audit records.

The model keeps two views of the world deliberately separate:

  - Desired state: ScalingGroup.DesiredCapacity plus the LaunchConfig
    template, mutated only through the policy evaluator or the upstream
    API.
  - Observed state: ServerState rows, mutated only by the step executor
    based on provider responses.

Convergence is the act of diffing the two into a Step plan. Steps form a
small closed set of actions (create_server, delete_server, add_to_lb,
remove_from_lb) so that executor dispatch stays a fixed table rather than
open-ended polymorphism.

Records that participate in optimistic concurrency (ScalingGroup,
ConvergenceTask) carry a Version field that the storage layer checks on
every conditional write; a write computed from a stale read fails with
storage.ErrStaleVersion and must be retried from a fresh read.
*/
package types
