/*
Package policy evaluates scaling triggers into convergence tasks.

A trigger names a policy (directly, or through a webhook capability
token). The evaluator computes the new desired capacity from the policy's
adjustment type (absolute set, incremental ±N, or percentage of current,
rounded away from zero), clamps it into the group's [min, max] bounds, and
rejects the execution with CooldownError when the policy fired too
recently. On success it stamps the policy's last-execution time, bumps the
group's version and task generation with a conditional write, and enqueues
a ConvergenceTask. If a task is already in flight the enqueue coalesces
into it.

Trigger calls are synchronous: the caller gets success, CooldownError, or
ValidationError immediately. Convergence itself is asynchronous,
observable through task status and audit records.
*/
package policy
