/*
Package storage persists all surge state: scaling groups, launch configs,
policies, webhooks, observed server state, convergence tasks and audit
records.

The Store interface is what the rest of the engine programs against. The
default implementation is BoltDB-backed, one bucket per entity, values
JSON-encoded.

# Conditional writes

Groups and tasks carry a Version field. UpdateGroup and UpdateTask only
succeed when the caller's Version matches the stored record; otherwise they
return ErrStaleVersion and the caller must re-read and retry. This is the
optimistic-concurrency backstop behind the lease: even if two writers race,
at most one conditional write lands per version.

# Invariants enforced here

  - At most one non-terminal convergence task per group (CreateTask
    returns ErrTaskInFlight).
  - Webhook capability tokens are unique (CreateWebhook returns
    ErrTokenExists).
  - A group with desired capacity or live servers cannot be deleted
    without force (DeleteGroup returns ErrGroupNotEmpty).
*/
package storage
