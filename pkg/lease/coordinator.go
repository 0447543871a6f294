package lease

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"

	"github.com/surgehq/surge/pkg/log"
)

const (
	applyTimeout    = 5 * time.Second
	watchPollWindow = 25 * time.Second
	eventBufferSize = 512
)

// CoordinatorConfig configures one lease coordinator replica.
type CoordinatorConfig struct {
	NodeID   string
	DataDir  string
	BindAddr string // raft transport address
	HTTPAddr string // lease API listen address

	// Peers are the HTTP addresses of the other coordinator replicas,
	// used to forward writes to the leader and to join the cluster.
	Peers []string

	// Bootstrap starts a fresh single-replica cluster instead of
	// joining Peers.
	Bootstrap bool

	// SweepInterval is how often the leader expires overdue leases.
	SweepInterval time.Duration
}

// Coordinator is the raft-replicated lease service. Every convergence
// node embeds one replica; writes are proposed through the raft leader and
// reads (Validate, Watch) are served from the local replica.
type Coordinator struct {
	cfg    CoordinatorConfig
	fsm    *FSM
	raft   *raft.Raft
	logger zerolog.Logger
	client *http.Client
	server *http.Server

	mu       sync.Mutex
	watchers map[chan Event]bool
	recent   []Event
	seq      uint64
}

// NewCoordinator creates a coordinator replica. Call Start to open raft
// and begin serving.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}
	c := &Coordinator{
		cfg:      cfg,
		logger:   log.WithComponent("lease"),
		client:   &http.Client{Timeout: 10 * time.Second},
		watchers: make(map[chan Event]bool),
	}
	c.fsm = NewFSM(c.emit)
	return c
}

// Start opens the raft state machine, bootstraps or joins the cluster, and
// starts the HTTP API and the leader expiry sweep.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := os.MkdirAll(c.cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(c.cfg.NodeID)
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", c.cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("failed to resolve bind address: %w", err)
	}

	transport, err := raft.NewTCPTransport(c.cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(c.cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(c.cfg.DataDir, "lease-log.db"))
	if err != nil {
		return fmt.Errorf("failed to create log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(c.cfg.DataDir, "lease-stable.db"))
	if err != nil {
		return fmt.Errorf("failed to create stable store: %w", err)
	}

	r, err := raft.NewRaft(config, c.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return fmt.Errorf("failed to create raft: %w", err)
	}
	c.raft = r

	if c.cfg.Bootstrap {
		configuration := raft.Configuration{
			Servers: []raft.Server{
				{ID: config.LocalID, Address: transport.LocalAddr()},
			},
		}
		if err := c.raft.BootstrapCluster(configuration).Error(); err != nil {
			return fmt.Errorf("failed to bootstrap lease cluster: %w", err)
		}
	} else if len(c.cfg.Peers) > 0 {
		if err := c.join(); err != nil {
			return err
		}
	}

	c.server = &http.Server{
		Addr:         c.cfg.HTTPAddr,
		Handler:      c.routes(),
		ReadTimeout:  35 * time.Second,
		WriteTimeout: 35 * time.Second,
	}
	go func() {
		if err := c.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error().Err(err).Msg("lease API server stopped")
		}
	}()

	go c.sweepLoop(ctx)
	return nil
}

// Stop shuts down the HTTP API and the raft replica.
func (c *Coordinator) Stop() error {
	if c.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.server.Shutdown(ctx)
	}
	if c.raft != nil {
		return c.raft.Shutdown().Error()
	}
	return nil
}

// IsLeader reports whether this replica is the raft leader.
func (c *Coordinator) IsLeader() bool {
	return c.raft.State() == raft.Leader
}

// join asks a peer to add this replica as a voter.
func (c *Coordinator) join() error {
	req := joinRequest{NodeID: c.cfg.NodeID, RaftAddr: c.cfg.BindAddr}
	body, _ := json.Marshal(req)

	var lastErr error
	for _, peer := range c.cfg.Peers {
		resp, err := c.client.Post(peer+"/v1/raft/join", "application/json", bytes.NewReader(body))
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			c.logger.Info().Str("peer", peer).Msg("joined lease cluster")
			return nil
		}
		lastErr = fmt.Errorf("join via %s: status %d", peer, resp.StatusCode)
	}
	return fmt.Errorf("failed to join lease cluster: %w", lastErr)
}

// sweepLoop expires overdue leases. Only the leader proposes expirations,
// so each removal is replicated exactly once.
func (c *Coordinator) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !c.IsLeader() {
				continue
			}
			now := time.Now()
			for _, l := range c.fsm.Expired(now) {
				cmd := command{Op: "expire", GroupID: l.GroupID, Version: l.Version, Now: now}
				if _, err := c.proposeLocal(cmd); err != nil {
					c.logger.Warn().Err(err).Str("group_id", l.GroupID).Msg("failed to expire lease")
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// emit is the FSM notify hook; it assigns sequence numbers and fans out to
// watchers on this replica.
func (c *Coordinator) emit(typ EventType, l *Lease) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	e := Event{
		Seq:     c.seq,
		Type:    typ,
		GroupID: l.GroupID,
		NodeID:  l.NodeID,
		Version: l.Version,
		Time:    time.Now(),
	}
	c.recent = append(c.recent, e)
	if len(c.recent) > eventBufferSize {
		c.recent = c.recent[len(c.recent)-eventBufferSize:]
	}
	for ch := range c.watchers {
		select {
		case ch <- e:
		default:
		}
	}
}

// propose routes a command to the raft leader: applied locally when this
// replica leads, forwarded over HTTP otherwise.
func (c *Coordinator) propose(cmd command) (*Lease, error) {
	if c.IsLeader() {
		return c.proposeLocal(cmd)
	}
	return c.forward(cmd)
}

func (c *Coordinator) proposeLocal(cmd command) (*Lease, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}
	future := c.raft.Apply(data, applyTimeout)
	if err := future.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) {
			return nil, ErrNotLeader
		}
		return nil, err
	}
	res, ok := future.Response().(applyResult)
	if !ok {
		return nil, fmt.Errorf("lease: unexpected apply response %T", future.Response())
	}
	return res.Lease, res.Err
}

// forward sends the command to whichever peer is leading.
func (c *Coordinator) forward(cmd command) (*Lease, error) {
	body, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}

	var lastErr error = ErrNotLeader
	for _, peer := range c.cfg.Peers {
		resp, err := c.client.Post(peer+"/v1/leases/apply", "application/json", bytes.NewReader(body))
		if err != nil {
			lastErr = err
			continue
		}
		var wire wireResult
		err = json.NewDecoder(resp.Body).Decode(&wire)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		lease, err := wire.unpack()
		if errors.Is(err, ErrNotLeader) {
			lastErr = err
			continue
		}
		return lease, err
	}
	return nil, lastErr
}

// Service implementation

func (c *Coordinator) Acquire(ctx context.Context, groupID, nodeID string, ttl time.Duration) (*Lease, error) {
	return c.propose(command{
		Op:      "acquire",
		GroupID: groupID,
		NodeID:  nodeID,
		Token:   uuid.New().String(),
		TTL:     ttl,
		Now:     time.Now(),
	})
}

func (c *Coordinator) Renew(ctx context.Context, token string) (*Lease, error) {
	return c.propose(command{Op: "renew", Token: token, Now: time.Now()})
}

func (c *Coordinator) Release(ctx context.Context, token string) error {
	_, err := c.propose(command{Op: "release", Token: token, Now: time.Now()})
	return err
}

// Validate is a local read against this replica's copy of the lease
// table. A marginally stale read here is safe: the version-checked store
// writes and idempotent steps backstop any window where a lost lease is
// still seen as valid.
func (c *Coordinator) Validate(ctx context.Context, token string) (*Lease, error) {
	l, ok := c.fsm.GetByToken(token, time.Now())
	if !ok {
		return nil, ErrLeaseLost
	}
	return l, nil
}

func (c *Coordinator) Watch(ctx context.Context) (<-chan Event, error) {
	ch := make(chan Event, 64)

	c.mu.Lock()
	c.watchers[ch] = true
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		c.mu.Lock()
		delete(c.watchers, ch)
		c.mu.Unlock()
	}()

	return ch, nil
}

// HTTP surface

type joinRequest struct {
	NodeID   string `json:"node_id"`
	RaftAddr string `json:"raft_addr"`
}

// wireResult is the JSON envelope for forwarded lease commands.
type wireResult struct {
	Lease *Lease `json:"lease,omitempty"`
	Error string `json:"error,omitempty"`
}

func (w wireResult) unpack() (*Lease, error) {
	switch w.Error {
	case "":
		return w.Lease, nil
	case "held":
		return nil, ErrLeaseHeld
	case "lost":
		return nil, ErrLeaseLost
	case "not_leader":
		return nil, ErrNotLeader
	default:
		return nil, errors.New(w.Error)
	}
}

func pack(l *Lease, err error) wireResult {
	switch {
	case err == nil:
		return wireResult{Lease: l}
	case errors.Is(err, ErrLeaseHeld):
		return wireResult{Error: "held"}
	case errors.Is(err, ErrLeaseLost):
		return wireResult{Error: "lost"}
	case errors.Is(err, ErrNotLeader):
		return wireResult{Error: "not_leader"}
	default:
		return wireResult{Error: err.Error()}
	}
}

func (c *Coordinator) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/leases/apply", c.handleApply)
	mux.HandleFunc("/v1/leases/events", c.handleEvents)
	mux.HandleFunc("/v1/raft/join", c.handleJoin)
	return mux
}

// handleApply executes a forwarded lease command on this replica if it is
// the leader.
func (c *Coordinator) handleApply(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var cmd command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var res wireResult
	if !c.IsLeader() {
		res = wireResult{Error: "not_leader"}
	} else {
		lease, err := c.proposeLocal(cmd)
		res = pack(lease, err)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(res)
}

// handleEvents long-polls the rebalance event stream: it returns buffered
// events newer than ?since, or waits up to the poll window for the next
// one.
func (c *Coordinator) handleEvents(w http.ResponseWriter, r *http.Request) {
	since, _ := strconv.ParseUint(r.URL.Query().Get("since"), 10, 64)

	c.mu.Lock()
	var pending []Event
	for _, e := range c.recent {
		if e.Seq > since {
			pending = append(pending, e)
		}
	}
	c.mu.Unlock()

	if len(pending) == 0 {
		ctx, cancel := context.WithTimeout(r.Context(), watchPollWindow)
		defer cancel()
		ch, err := c.Watch(ctx)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		select {
		case e := <-ch:
			pending = append(pending, e)
		case <-ctx.Done():
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(pending)
}

// handleJoin adds a replica to the raft cluster. Leader only.
func (c *Coordinator) handleJoin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !c.IsLeader() {
		http.Error(w, "not the leader", http.StatusMisdirectedRequest)
		return
	}

	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	future := c.raft.AddVoter(raft.ServerID(req.NodeID), raft.ServerAddress(req.RaftAddr), 0, applyTimeout)
	if err := future.Error(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	c.logger.Info().Str("node_id", req.NodeID).Str("raft_addr", req.RaftAddr).Msg("replica joined")
	w.WriteHeader(http.StatusOK)
}
