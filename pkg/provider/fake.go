package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/surgehq/surge/pkg/types"
)

// Fake is an in-memory Provider for tests and local development. It honors
// idempotency keys on create and treats delete/detach of absent targets as
// success, the same contract real providers are held to.
//
// Failures are injected per operation: FailNext queues errors that the
// next calls to that operation return before it succeeds again.
type Fake struct {
	mu sync.Mutex

	servers map[string]*Server
	members map[string]map[string]bool // lbID -> serverID set
	created map[string]string          // idempotency key -> server id

	failures map[string][]error
	calls    []string
}

// NewFake creates an empty fake provider.
func NewFake() *Fake {
	return &Fake{
		servers:  make(map[string]*Server),
		members:  make(map[string]map[string]bool),
		created:  make(map[string]string),
		failures: make(map[string][]error),
	}
}

// FailNext queues errs to be returned by the next calls to op
// (one of "create_server", "delete_server", "list_servers", "add_to_lb",
// "remove_from_lb").
func (f *Fake) FailNext(op string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = append(f.failures[op], errs...)
}

// Calls returns the operations invoked so far, in order.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *Fake) nextFailure(op string) error {
	f.calls = append(f.calls, op)
	queue := f.failures[op]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	f.failures[op] = queue[1:]
	return err
}

func (f *Fake) CreateServer(ctx context.Context, groupID string, spec types.ServerSpec, idempotencyKey string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.nextFailure("create_server"); err != nil {
		return "", err
	}

	// Replay of a committed create returns the original id.
	if id, ok := f.created[idempotencyKey]; ok {
		return id, nil
	}

	id := uuid.New().String()
	f.servers[id] = &Server{
		ID:        id,
		GroupID:   groupID,
		Status:    types.ServerStatusActive,
		CreatedAt: time.Now(),
	}
	f.created[idempotencyKey] = id
	return id, nil
}

func (f *Fake) DeleteServer(ctx context.Context, serverID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.nextFailure("delete_server"); err != nil {
		return err
	}

	delete(f.servers, serverID)
	for _, set := range f.members {
		delete(set, serverID)
	}
	return nil
}

func (f *Fake) ListServers(ctx context.Context, groupID string) ([]Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.nextFailure("list_servers"); err != nil {
		return nil, err
	}

	var out []Server
	for _, s := range f.servers {
		if s.GroupID == groupID {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *Fake) AddToLB(ctx context.Context, lbID, serverID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.nextFailure("add_to_lb"); err != nil {
		return err
	}

	if _, ok := f.servers[serverID]; !ok {
		return Permanent("add_to_lb", fmt.Errorf("no such server %s", serverID))
	}
	if f.members[lbID] == nil {
		f.members[lbID] = make(map[string]bool)
	}
	f.members[lbID][serverID] = true
	return nil
}

func (f *Fake) RemoveFromLB(ctx context.Context, lbID, serverID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.nextFailure("remove_from_lb"); err != nil {
		return err
	}

	if set, ok := f.members[lbID]; ok {
		delete(set, serverID)
	}
	return nil
}

// HasServer reports whether the server exists.
func (f *Fake) HasServer(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.servers[id]
	return ok
}

// IsMember reports load-balancer membership.
func (f *Fake) IsMember(lbID, serverID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.members[lbID][serverID]
}

// ServerCount returns the number of servers in the group.
func (f *Fake) ServerCount(groupID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.servers {
		if s.GroupID == groupID {
			n++
		}
	}
	return n
}

// SetStatus overrides a server's status (for drift scenarios in tests).
func (f *Fake) SetStatus(serverID string, status types.ServerStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.servers[serverID]; ok {
		s.Status = status
	}
}
