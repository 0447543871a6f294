package lease

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/raft"
)

// command is one replicated mutation of the lease table. Timestamps are
// supplied by the proposing leader so replay is deterministic across
// replicas.
type command struct {
	Op      string        `json:"op"` // acquire | renew | release | expire
	GroupID string        `json:"group_id,omitempty"`
	NodeID  string        `json:"node_id,omitempty"`
	Token   string        `json:"token,omitempty"`
	TTL     time.Duration `json:"ttl,omitempty"`
	Version uint64        `json:"version,omitempty"`
	Now     time.Time     `json:"now"`
}

// applyResult is what FSM.Apply hands back through the raft future.
type applyResult struct {
	Lease *Lease
	Err   error
}

// FSM is the replicated lease table. Every coordinator replica applies the
// same command sequence, so reads (Validate, Watch) can be served locally
// on any replica.
type FSM struct {
	mu       sync.RWMutex
	leases   map[string]*Lease // by group id
	tokens   map[string]string // token -> group id
	versions map[string]uint64 // group id -> last granted version

	// notify, when set, is invoked (with mu held) for each ownership
	// change so the coordinator can feed its watch stream.
	notify func(typ EventType, l *Lease)
}

// NewFSM creates an empty lease FSM.
func NewFSM(notify func(typ EventType, l *Lease)) *FSM {
	return &FSM{
		leases:   make(map[string]*Lease),
		tokens:   make(map[string]string),
		versions: make(map[string]uint64),
		notify:   notify,
	}
}

// Apply applies a committed raft log entry to the lease table.
func (f *FSM) Apply(entry *raft.Log) interface{} {
	var cmd command
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		return applyResult{Err: fmt.Errorf("lease: bad command: %w", err)}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case "acquire":
		return f.applyAcquire(cmd)
	case "renew":
		return f.applyRenew(cmd)
	case "release":
		return f.applyRelease(cmd)
	case "expire":
		return f.applyExpire(cmd)
	default:
		return applyResult{Err: fmt.Errorf("lease: unknown command %q", cmd.Op)}
	}
}

func (f *FSM) applyAcquire(cmd command) applyResult {
	if existing, ok := f.leases[cmd.GroupID]; ok {
		if existing.Valid(cmd.Now) && existing.NodeID != cmd.NodeID {
			return applyResult{Err: ErrLeaseHeld}
		}
		f.dropLocked(existing, EventExpired)
	}

	f.versions[cmd.GroupID]++
	l := &Lease{
		GroupID:   cmd.GroupID,
		NodeID:    cmd.NodeID,
		Token:     cmd.Token,
		Version:   f.versions[cmd.GroupID],
		TTL:       cmd.TTL,
		ExpiresAt: cmd.Now.Add(cmd.TTL),
	}
	f.leases[cmd.GroupID] = l
	f.tokens[cmd.Token] = cmd.GroupID
	if f.notify != nil {
		f.notify(EventGranted, l)
	}

	cp := *l
	return applyResult{Lease: &cp}
}

func (f *FSM) applyRenew(cmd command) applyResult {
	l := f.lookupLocked(cmd.Token, cmd.Now)
	if l == nil {
		return applyResult{Err: ErrLeaseLost}
	}
	l.ExpiresAt = cmd.Now.Add(l.TTL)

	cp := *l
	return applyResult{Lease: &cp}
}

func (f *FSM) applyRelease(cmd command) applyResult {
	l := f.lookupLocked(cmd.Token, cmd.Now)
	if l == nil {
		// Releasing a lost lease is a no-op.
		return applyResult{}
	}
	f.dropLocked(l, EventReleased)
	return applyResult{}
}

func (f *FSM) applyExpire(cmd command) applyResult {
	l := f.leases[cmd.GroupID]
	if l == nil || l.Version != cmd.Version {
		// Already superseded; nothing to expire.
		return applyResult{}
	}
	if l.Valid(cmd.Now) {
		return applyResult{}
	}
	f.dropLocked(l, EventExpired)
	return applyResult{}
}

// lookupLocked resolves a token to its live lease. Expired leases are
// treated as gone but left for the leader's expiry sweep to remove, so the
// removal is replicated exactly once. Caller holds mu.
func (f *FSM) lookupLocked(token string, now time.Time) *Lease {
	groupID, ok := f.tokens[token]
	if !ok {
		return nil
	}
	l := f.leases[groupID]
	if l == nil || l.Token != token || !l.Valid(now) {
		return nil
	}
	return l
}

// dropLocked removes a lease from the table. Caller holds mu.
func (f *FSM) dropLocked(l *Lease, typ EventType) {
	delete(f.leases, l.GroupID)
	delete(f.tokens, l.Token)
	if f.notify != nil {
		f.notify(typ, l)
	}
}

// Get returns a copy of the current lease for a group, if any.
func (f *FSM) Get(groupID string) (*Lease, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	l, ok := f.leases[groupID]
	if !ok {
		return nil, false
	}
	cp := *l
	return &cp, true
}

// GetByToken returns a copy of the lease named by token, if it is current.
func (f *FSM) GetByToken(token string, now time.Time) (*Lease, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	l := f.lookupLocked(token, now)
	if l == nil {
		return nil, false
	}
	cp := *l
	return &cp, true
}

// Expired returns copies of leases whose deadline passed before now.
func (f *FSM) Expired(now time.Time) []*Lease {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var out []*Lease
	for _, l := range f.leases {
		if !l.Valid(now) {
			cp := *l
			out = append(out, &cp)
		}
	}
	return out
}

// Snapshot creates a point-in-time snapshot of the lease table.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	snap := &fsmSnapshot{
		Leases:   make(map[string]*Lease, len(f.leases)),
		Versions: make(map[string]uint64, len(f.versions)),
	}
	for groupID, l := range f.leases {
		cp := *l
		snap.Leases[groupID] = &cp
	}
	for groupID, v := range f.versions {
		snap.Versions[groupID] = v
	}
	return snap, nil
}

// Restore replaces the lease table from a snapshot.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap fsmSnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("lease: failed to decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.leases = make(map[string]*Lease, len(snap.Leases))
	f.tokens = make(map[string]string, len(snap.Leases))
	f.versions = snap.Versions
	if f.versions == nil {
		f.versions = make(map[string]uint64)
	}
	for groupID, l := range snap.Leases {
		f.leases[groupID] = l
		f.tokens[l.Token] = groupID
	}
	return nil
}

// fsmSnapshot is the serialized lease table.
type fsmSnapshot struct {
	Leases   map[string]*Lease `json:"leases"`
	Versions map[string]uint64 `json:"versions"`
}

// Persist writes the snapshot to the given SnapshotSink.
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()

	if err != nil {
		sink.Cancel()
	}
	return err
}

// Release releases the snapshot resources
func (s *fsmSnapshot) Release() {}
