package api

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/surgehq/surge/pkg/log"
	"github.com/surgehq/surge/pkg/metrics"
	"github.com/surgehq/surge/pkg/planner"
	"github.com/surgehq/surge/pkg/policy"
	"github.com/surgehq/surge/pkg/storage"
	"github.com/surgehq/surge/pkg/types"
	"github.com/surgehq/surge/pkg/version"
)

// Leadership reports the state of the lease coordinator, for readiness.
type Leadership interface {
	IsLeader() bool
}

// Server is the HTTP status and control surface: health and readiness
// probes, Prometheus metrics, read-only group and task state, and the
// policy execution endpoints.
type Server struct {
	store      storage.Store
	evaluator  *policy.Evaluator
	planner    *planner.Planner
	leadership Leadership
	rootURL    string
	logger     zerolog.Logger
	mux        *http.ServeMux
}

// NewServer creates the API server. rootURL is the externally advertised
// base URL used to render webhook capability URLs; empty disables them.
func NewServer(store storage.Store, evaluator *policy.Evaluator, pl *planner.Planner, leadership Leadership, rootURL string) *Server {
	s := &Server{
		store:      store,
		evaluator:  evaluator,
		planner:    pl,
		leadership: leadership,
		rootURL:    strings.TrimRight(rootURL, "/"),
		logger:     log.WithComponent("api"),
		mux:        http.NewServeMux(),
	}

	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /ready", s.handleReady)
	s.mux.Handle("GET /metrics", metrics.Handler())

	s.mux.HandleFunc("POST /v1/groups", s.handleCreateGroup)
	s.mux.HandleFunc("GET /v1/groups", s.handleListGroups)
	s.mux.HandleFunc("GET /v1/groups/{id}", s.handleGetGroup)
	s.mux.HandleFunc("DELETE /v1/groups/{id}", s.handleDeleteGroup)
	s.mux.HandleFunc("PUT /v1/groups/{id}/desired", s.handleSetDesired)
	s.mux.HandleFunc("POST /v1/groups/{id}/pause", s.handlePause)
	s.mux.HandleFunc("POST /v1/groups/{id}/resume", s.handleResume)
	s.mux.HandleFunc("GET /v1/groups/{id}/capacity", s.handleCapacity)
	s.mux.HandleFunc("GET /v1/groups/{id}/tasks", s.handleGroupTasks)
	s.mux.HandleFunc("GET /v1/tasks/{id}", s.handleGetTask)
	s.mux.HandleFunc("POST /v1/policies/{id}/execute", s.handleExecutePolicy)
	s.mux.HandleFunc("POST /v1/execute/{token}", s.handleExecuteWebhook)

	return s
}

// Start serves until the listener fails.
func (s *Server) Start(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("api server listening")
	return server.ListenAndServe()
}

// Handler returns the routing mux for embedding in tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
}

type readyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   version.Version,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	ready := true
	var message string

	if s.leadership != nil {
		if s.leadership.IsLeader() {
			checks["partition"] = "leader"
		} else {
			checks["partition"] = "follower"
		}
	} else {
		checks["partition"] = "not initialized"
		ready = false
		message = "lease coordinator not initialized"
	}

	if _, err := s.store.ListGroups(); err != nil {
		checks["storage"] = fmt.Sprintf("error: %v", err)
		ready = false
		if message == "" {
			message = "storage not accessible"
		}
	} else {
		checks["storage"] = "ok"
	}

	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not ready", http.StatusServiceUnavailable
	}
	writeJSON(w, code, readyResponse{
		Status:    status,
		Timestamp: time.Now(),
		Checks:    checks,
		Message:   message,
	})
}

type createGroupResponse struct {
	Group    *types.ScalingGroup    `json:"group"`
	Policies []*types.ScalingPolicy `json:"policies"`
	Webhooks []*webhookCreated      `json:"webhooks,omitempty"`
}

// webhookCreated is a webhook plus its rendered capability URL, returned
// once at creation time.
type webhookCreated struct {
	types.Webhook
	CapabilityURL string `json:"capability_url,omitempty"`
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var manifest types.GroupManifest
	if err := json.NewDecoder(r.Body).Decode(&manifest); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := validateManifest(&manifest); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	now := time.Now()
	group := &types.ScalingGroup{
		TenantID:        manifest.TenantID,
		ID:              uuid.New().String(),
		Name:            manifest.Name,
		DesiredCapacity: manifest.DesiredCapacity,
		MinEntities:     manifest.MinEntities,
		MaxEntities:     manifest.MaxEntities,
		Status:          types.GroupStatusActive,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	launchCfg := &types.LaunchConfig{
		ID:              uuid.New().String(),
		GroupID:         group.ID,
		Server:          manifest.Server,
		LoadBalancerIDs: manifest.LoadBalancerIDs,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	group.LaunchConfigID = launchCfg.ID

	resp := createGroupResponse{Group: group}
	for _, pm := range manifest.Policies {
		p := &types.ScalingPolicy{
			ID:        uuid.New().String(),
			GroupID:   group.ID,
			Name:      pm.Name,
			Type:      pm.Type,
			Amount:    pm.Amount,
			Cooldown:  time.Duration(pm.CooldownSeconds) * time.Second,
			CreatedAt: now,
			UpdatedAt: now,
		}
		group.PolicyIDs = append(group.PolicyIDs, p.ID)
		resp.Policies = append(resp.Policies, p)

		if pm.Webhook {
			token := newCapabilityToken()
			hook := &webhookCreated{
				Webhook: types.Webhook{
					ID:        uuid.New().String(),
					GroupID:   group.ID,
					PolicyID:  p.ID,
					Token:     token,
					CreatedAt: now,
				},
			}
			if s.rootURL != "" {
				hook.CapabilityURL = s.rootURL + "/v1/execute/" + token
			}
			resp.Webhooks = append(resp.Webhooks, hook)
		}
	}

	if err := s.store.CreateGroup(group); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.PutLaunchConfig(launchCfg); err != nil {
		writeError(w, err)
		return
	}
	for _, p := range resp.Policies {
		if err := s.store.PutPolicy(p); err != nil {
			writeError(w, err)
			return
		}
	}
	for _, hook := range resp.Webhooks {
		if err := s.store.CreateWebhook(&hook.Webhook); err != nil {
			writeError(w, err)
			return
		}
	}

	s.logger.Info().
		Str("group_id", group.ID).
		Str("tenant_id", group.TenantID).
		Int("desired", group.DesiredCapacity).
		Msg("group created")
	writeJSON(w, http.StatusCreated, resp)
}

func validateManifest(m *types.GroupManifest) error {
	if m.TenantID == "" {
		return fmt.Errorf("tenantId is required")
	}
	if m.Name == "" {
		return fmt.Errorf("name is required")
	}
	if m.MinEntities < 0 || m.MaxEntities < m.MinEntities {
		return fmt.Errorf("entity bounds invalid: min %d, max %d", m.MinEntities, m.MaxEntities)
	}
	if m.DesiredCapacity < m.MinEntities || m.DesiredCapacity > m.MaxEntities {
		return fmt.Errorf("desiredCapacity %d outside [%d, %d]", m.DesiredCapacity, m.MinEntities, m.MaxEntities)
	}
	if m.Server.Image == "" {
		return fmt.Errorf("server.image is required")
	}
	for _, p := range m.Policies {
		switch p.Type {
		case types.AdjustmentAbsolute, types.AdjustmentIncremental, types.AdjustmentPercentage:
		default:
			return fmt.Errorf("policy %q has unknown type %q", p.Name, p.Type)
		}
	}
	return nil
}

func newCapabilityToken() string {
	buf := make([]byte, 24)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	var (
		groups []*types.ScalingGroup
		err    error
	)
	if tenant := r.URL.Query().Get("tenant"); tenant != "" {
		groups, err = s.store.ListGroupsByTenant(tenant)
	} else {
		groups, err = s.store.ListGroups()
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, groups)
}

func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	group, err := s.store.GetGroup(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, group)
}

func (s *Server) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"
	task, err := s.evaluator.DeleteGroup(r.Context(), r.PathValue("id"), force)
	if err != nil {
		writeError(w, err)
		return
	}
	if task == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

func (s *Server) handleSetDesired(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Desired int `json:"desired"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	task, err := s.evaluator.SetDesiredCapacity(r.Context(), r.PathValue("id"), body.Desired)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	group, err := s.evaluator.SetPaused(r.Context(), r.PathValue("id"), true)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, group)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	group, err := s.evaluator.SetPaused(r.Context(), r.PathValue("id"), false)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, group)
}

func (s *Server) handleCapacity(w http.ResponseWriter, r *http.Request) {
	group, err := s.store.GetGroup(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	servers, err := s.store.ListServersByGroup(group.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.planner.Capacity(group, servers))
}

func (s *Server) handleGroupTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListTasksByGroup(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

type taskDetail struct {
	Task  *types.ConvergenceTask `json:"task"`
	Audit []*types.AuditRecord   `json:"audit"`
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	audit, err := s.store.ListAuditByTask(task.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, taskDetail{Task: task, Audit: audit})
}

func (s *Server) handleExecutePolicy(w http.ResponseWriter, r *http.Request) {
	task, err := s.evaluator.Execute(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

func (s *Server) handleExecuteWebhook(w http.ResponseWriter, r *http.Request) {
	task, err := s.evaluator.ExecuteWebhook(r.Context(), r.PathValue("token"))
	if err != nil {
		// Webhook execution leaks nothing about token validity beyond
		// the 202, matching capability-URL semantics.
		var (
			cooldown   *policy.CooldownError
			validation *policy.ValidationError
		)
		if errors.Is(err, storage.ErrNotFound) || errors.As(err, &cooldown) || errors.As(err, &validation) {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var (
		cooldown   *policy.CooldownError
		validation *policy.ValidationError
	)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, storage.ErrGroupNotEmpty):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, storage.ErrStaleVersion):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.As(err, &cooldown):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.As(err, &validation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
