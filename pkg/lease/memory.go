package lease

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Service for tests and single-node deployments.
// Expiry is checked lazily on every operation and swept by Run.
type Memory struct {
	mu       sync.Mutex
	leases   map[string]*Lease // by group id
	tokens   map[string]string // token -> group id
	versions map[string]uint64 // group id -> last granted version
	watchers map[chan Event]bool
	seq      uint64

	now func() time.Time
}

// NewMemory creates an empty in-memory lease service.
func NewMemory() *Memory {
	return &Memory{
		leases:   make(map[string]*Lease),
		tokens:   make(map[string]string),
		versions: make(map[string]uint64),
		watchers: make(map[chan Event]bool),
		now:      time.Now,
	}
}

// Run sweeps expired leases until ctx is cancelled, emitting expiry events
// so watchers learn about claimable groups even when nobody is calling
// Acquire.
func (m *Memory) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-ctx.Done():
			return
		}
	}
}

func (m *Memory) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for groupID, l := range m.leases {
		if !l.Valid(now) {
			m.dropLocked(groupID, l, EventExpired)
		}
	}
}

// dropLocked removes a lease and emits an event. Caller holds mu.
func (m *Memory) dropLocked(groupID string, l *Lease, typ EventType) {
	delete(m.leases, groupID)
	delete(m.tokens, l.Token)
	m.emitLocked(Event{Type: typ, GroupID: groupID, NodeID: l.NodeID, Version: l.Version})
}

func (m *Memory) emitLocked(e Event) {
	m.seq++
	e.Seq = m.seq
	e.Time = m.now()
	for ch := range m.watchers {
		select {
		case ch <- e:
		default:
		}
	}
}

func (m *Memory) Acquire(ctx context.Context, groupID, nodeID string, ttl time.Duration) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if existing, ok := m.leases[groupID]; ok {
		if existing.Valid(now) && existing.NodeID != nodeID {
			return nil, ErrLeaseHeld
		}
		// Expired, or re-acquired by the same node: supersede.
		m.dropLocked(groupID, existing, EventExpired)
	}

	m.versions[groupID]++
	l := &Lease{
		GroupID:   groupID,
		NodeID:    nodeID,
		Token:     uuid.New().String(),
		Version:   m.versions[groupID],
		TTL:       ttl,
		ExpiresAt: now.Add(ttl),
	}
	m.leases[groupID] = l
	m.tokens[l.Token] = groupID
	m.emitLocked(Event{Type: EventGranted, GroupID: groupID, NodeID: nodeID, Version: l.Version})

	cp := *l
	return &cp, nil
}

func (m *Memory) Renew(ctx context.Context, token string) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, err := m.lookupLocked(token)
	if err != nil {
		return nil, err
	}
	l.ExpiresAt = m.now().Add(l.TTL)

	cp := *l
	return &cp, nil
}

func (m *Memory) Release(ctx context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, err := m.lookupLocked(token)
	if err != nil {
		// Releasing a lost lease is a no-op.
		return nil
	}
	m.dropLocked(l.GroupID, l, EventReleased)
	return nil
}

func (m *Memory) Validate(ctx context.Context, token string) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, err := m.lookupLocked(token)
	if err != nil {
		return nil, err
	}

	cp := *l
	return &cp, nil
}

// lookupLocked resolves a token to its live lease, expiring it on the way
// if its deadline already passed. Caller holds mu.
func (m *Memory) lookupLocked(token string) (*Lease, error) {
	groupID, ok := m.tokens[token]
	if !ok {
		return nil, ErrLeaseLost
	}
	l := m.leases[groupID]
	if l == nil || l.Token != token {
		return nil, ErrLeaseLost
	}
	if !l.Valid(m.now()) {
		m.dropLocked(groupID, l, EventExpired)
		return nil, ErrLeaseLost
	}
	return l, nil
}

func (m *Memory) Watch(ctx context.Context) (<-chan Event, error) {
	ch := make(chan Event, 64)

	m.mu.Lock()
	m.watchers[ch] = true
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.watchers, ch)
		m.mu.Unlock()
	}()

	return ch, nil
}
