/*
Package provider defines the cloud-facing interface the step executor
drives: create/delete servers, attach/detach load-balancer members, list
servers by group tag.

Two implementations ship with surge: HTTPProvider, a JSON/REST client for
provider-shaped endpoints, and Fake, an in-memory provider for tests and
local development.

Errors are split into exactly two classes. TransientError means the call
may succeed if retried (timeouts, 5xx, connection failures); the executor
retries these with exponential backoff. PermanentError means retrying
cannot help (bad spec, missing load balancer); the executor fails the step
and its task immediately. Idempotency is part of the contract: deleting a
server that is already gone and detaching a member that is not attached
both succeed, so replaying a committed step is always safe.
*/
package provider
