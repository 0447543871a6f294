/*
Package planner computes convergence plans: the minimal ordered step list
that brings a group's observed servers into conformance with its desired
capacity and launch configuration.

The algorithm partitions observed servers into healthy-active, pending
(building, within the creation deadline), and failed (ERROR, or building
past the deadline). Capacity delta is desired minus countable
(active + pending). Positive delta emits CreateServer steps, each followed
by dependent AddToLB steps; negative delta emits detach-then-delete
sequences for the oldest servers first; failed servers are always torn
down, their replacements covered by the delta. Finally, surviving healthy
servers get membership corrections against the configured load-balancer
set.

Plans are idempotent by construction: the planner only ever reads current
observed state, so re-planning after partial execution sees committed
effects and does not repeat them.
*/
package planner
