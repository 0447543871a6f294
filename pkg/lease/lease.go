package lease

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrLeaseHeld is returned by Acquire when another node holds a
	// valid lease for the group.
	ErrLeaseHeld = errors.New("lease: held by another node")

	// ErrLeaseLost is returned by Renew and Validate when the token no
	// longer names the current lease: it expired, was released, or was
	// superseded by a newer grant.
	ErrLeaseLost = errors.New("lease: lost")

	// ErrNotLeader is returned by coordinator replicas that cannot apply
	// writes; callers retry against the current leader.
	ErrNotLeader = errors.New("lease: not the coordinator leader")
)

// Lease is a time-bounded, renewable ownership grant over one group's
// convergence duties. Version is the fencing counter: it increases on
// every grant for the group, so a holder can detect being superseded.
type Lease struct {
	GroupID   string        `json:"group_id"`
	NodeID    string        `json:"node_id"`
	Token     string        `json:"token"`
	Version   uint64        `json:"version"`
	TTL       time.Duration `json:"ttl"`
	ExpiresAt time.Time     `json:"expires_at"`
}

// Valid reports whether the lease is unexpired at now.
func (l *Lease) Valid(now time.Time) bool {
	return now.Before(l.ExpiresAt)
}

// EventType classifies rebalance events on the watch stream.
type EventType string

const (
	EventGranted  EventType = "granted"
	EventReleased EventType = "released"
	EventExpired  EventType = "expired"
)

// Event is one ownership change. Nodes watch the stream to learn when
// groups become claimable.
type Event struct {
	Seq     uint64    `json:"seq"`
	Type    EventType `json:"type"`
	GroupID string    `json:"group_id"`
	NodeID  string    `json:"node_id"`
	Version uint64    `json:"version"`
	Time    time.Time `json:"time"`
}

// Service is the lock/partition interface. Exactly one node holds a valid
// lease per group at any instant; leases require periodic renewal and are
// revoked on expiry.
type Service interface {
	// Acquire grants a lease on the group to nodeID, or fails with
	// ErrLeaseHeld while another node's lease is valid.
	Acquire(ctx context.Context, groupID, nodeID string, ttl time.Duration) (*Lease, error)

	// Renew extends the lease named by token, or fails with
	// ErrLeaseLost.
	Renew(ctx context.Context, token string) (*Lease, error)

	// Release gives the lease up early. Releasing a lost lease is not an
	// error.
	Release(ctx context.Context, token string) error

	// Validate checks that token still names the current lease for its
	// group. Executors call this before committing any step result.
	Validate(ctx context.Context, token string) (*Lease, error)

	// Watch streams rebalance events until ctx is cancelled.
	Watch(ctx context.Context) (<-chan Event, error)
}
