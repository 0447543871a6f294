package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/surgehq/surge/pkg/types"
)

// HTTPProvider talks to a provider-shaped REST endpoint:
//
//	POST   /v2/servers                           create (idempotency-key header)
//	DELETE /v2/servers/{id}                      delete
//	GET    /v2/servers?group={id}                list by group tag
//	PUT    /v2/loadbalancers/{lb}/nodes/{id}     attach
//	DELETE /v2/loadbalancers/{lb}/nodes/{id}     detach
//
// Network errors and 5xx responses are transient; 4xx responses are
// permanent, except that 404 on delete/detach and 409 on attach are
// treated as already-done (idempotent success).
type HTTPProvider struct {
	endpoint string
	client   *http.Client
	tokens   *tokenSource
}

// Option configures an HTTPProvider.
type Option func(*HTTPProvider)

// Auth points the provider at a token-issuing identity service. Tokens
// are attached to every request as X-Auth-Token and refreshed before
// expiry; a 401 invalidates the cached token and is retried as transient.
type Auth struct {
	Endpoint string
	Username string
	APIKey   string
}

// WithAuth enables identity-service authentication.
func WithAuth(auth Auth) Option {
	return func(p *HTTPProvider) {
		p.tokens = &tokenSource{auth: auth, client: p.client}
	}
}

// NewHTTPProvider creates a provider client for the given endpoint.
func NewHTTPProvider(endpoint string, opts ...Option) *HTTPProvider {
	p := &HTTPProvider{
		endpoint: endpoint,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// tokenSource caches one identity token, re-authenticating shortly before
// it expires.
type tokenSource struct {
	auth   Auth
	client *http.Client

	mu      sync.Mutex
	token   string
	expires time.Time
}

type authRequest struct {
	Username string `json:"username"`
	APIKey   string `json:"api_key"`
}

type authResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (ts *tokenSource) get(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.token != "" && time.Now().Before(ts.expires.Add(-30*time.Second)) {
		return ts.token, nil
	}

	body, err := json.Marshal(authRequest{Username: ts.auth.Username, APIKey: ts.auth.APIKey})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.auth.Endpoint+"/v2/tokens", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := ts.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("identity: status %d", resp.StatusCode)
	}

	var out authResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	ts.token = out.Token
	ts.expires = out.ExpiresAt
	return ts.token, nil
}

func (ts *tokenSource) invalidate() {
	ts.mu.Lock()
	ts.token = ""
	ts.mu.Unlock()
}

// authorize attaches the identity token when authentication is enabled.
func (p *HTTPProvider) authorize(ctx context.Context, op string, req *http.Request) error {
	if p.tokens == nil {
		return nil
	}
	token, err := p.tokens.get(ctx)
	if err != nil {
		return Transient(op, err)
	}
	req.Header.Set("X-Auth-Token", token)
	return nil
}

type createServerRequest struct {
	GroupID string           `json:"group_id"`
	Spec    types.ServerSpec `json:"spec"`
}

type createServerResponse struct {
	ID string `json:"id"`
}

type serverResponse struct {
	ID        string    `json:"id"`
	GroupID   string    `json:"group_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

func (p *HTTPProvider) CreateServer(ctx context.Context, groupID string, spec types.ServerSpec, idempotencyKey string) (string, error) {
	const op = "create_server"

	body, err := json.Marshal(createServerRequest{GroupID: groupID, Spec: spec})
	if err != nil {
		return "", Permanent(op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/v2/servers", bytes.NewReader(body))
	if err != nil {
		return "", Permanent(op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)
	if err := p.authorize(ctx, op, req); err != nil {
		return "", err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", Transient(op, err)
	}
	defer resp.Body.Close()

	if err := p.classify(op, resp.StatusCode); err != nil {
		return "", err
	}

	var out createServerResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", Transient(op, err)
	}
	return out.ID, nil
}

func (p *HTTPProvider) DeleteServer(ctx context.Context, serverID string) error {
	const op = "delete_server"
	return p.do(ctx, op, http.MethodDelete, "/v2/servers/"+url.PathEscape(serverID), http.StatusNotFound)
}

func (p *HTTPProvider) ListServers(ctx context.Context, groupID string) ([]Server, error) {
	const op = "list_servers"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		p.endpoint+"/v2/servers?group="+url.QueryEscape(groupID), nil)
	if err != nil {
		return nil, Permanent(op, err)
	}
	if err := p.authorize(ctx, op, req); err != nil {
		return nil, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, Transient(op, err)
	}
	defer resp.Body.Close()

	if err := p.classify(op, resp.StatusCode); err != nil {
		return nil, err
	}

	var raw []serverResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, Transient(op, err)
	}

	servers := make([]Server, 0, len(raw))
	for _, r := range raw {
		servers = append(servers, Server{
			ID:        r.ID,
			GroupID:   r.GroupID,
			Status:    types.ServerStatus(r.Status),
			CreatedAt: r.CreatedAt,
		})
	}
	return servers, nil
}

func (p *HTTPProvider) AddToLB(ctx context.Context, lbID, serverID string) error {
	const op = "add_to_lb"
	path := "/v2/loadbalancers/" + url.PathEscape(lbID) + "/nodes/" + url.PathEscape(serverID)
	return p.do(ctx, op, http.MethodPut, path, http.StatusConflict)
}

func (p *HTTPProvider) RemoveFromLB(ctx context.Context, lbID, serverID string) error {
	const op = "remove_from_lb"
	path := "/v2/loadbalancers/" + url.PathEscape(lbID) + "/nodes/" + url.PathEscape(serverID)
	return p.do(ctx, op, http.MethodDelete, path, http.StatusNotFound)
}

// do issues a body-less request; alreadyDone is the status code meaning the
// effect was applied previously (idempotent success).
func (p *HTTPProvider) do(ctx context.Context, op, method, path string, alreadyDone int) error {
	req, err := http.NewRequestWithContext(ctx, method, p.endpoint+path, nil)
	if err != nil {
		return Permanent(op, err)
	}
	if err := p.authorize(ctx, op, req); err != nil {
		return err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return Transient(op, err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode == alreadyDone {
		return nil
	}
	return p.classify(op, resp.StatusCode)
}

func (p *HTTPProvider) classify(op string, status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized && p.tokens != nil:
		p.tokens.invalidate()
		return Transient(op, fmt.Errorf("status %d", status))
	case status >= 500 || status == http.StatusTooManyRequests:
		return Transient(op, fmt.Errorf("status %d", status))
	default:
		return Permanent(op, fmt.Errorf("status %d", status))
	}
}
