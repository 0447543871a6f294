package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/surgehq/surge/pkg/types"
)

// Server is the provider's view of one compute instance.
type Server struct {
	ID        string
	GroupID   string
	Status    types.ServerStatus
	CreatedAt time.Time
}

// Provider is the cloud-facing surface the executor drives. Every call may
// fail transiently (retryable, see TransientError) or permanently
// (PermanentError). Implementations must be idempotent: deleting an absent
// server or detaching an absent member succeeds.
type Provider interface {
	// CreateServer launches a server from the spec, tagged with the
	// group id. The idempotency key dedupes ambiguous retries.
	CreateServer(ctx context.Context, groupID string, spec types.ServerSpec, idempotencyKey string) (string, error)

	DeleteServer(ctx context.Context, serverID string) error

	// ListServers returns the servers tagged with the group id.
	ListServers(ctx context.Context, groupID string) ([]Server, error)

	AddToLB(ctx context.Context, lbID, serverID string) error
	RemoveFromLB(ctx context.Context, lbID, serverID string) error
}

// TransientError wraps a provider failure that is safe to retry with
// backoff: timeouts, 5xx responses, connection resets.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("provider: transient failure in %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError wraps a provider failure that retrying cannot fix:
// invalid spec, missing load balancer, quota exceeded.
type PermanentError struct {
	Op  string
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("provider: permanent failure in %s: %v", e.Op, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Transient wraps err as retryable.
func Transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

// Permanent wraps err as non-retryable.
func Permanent(op string, err error) error {
	return &PermanentError{Op: op, Err: err}
}
