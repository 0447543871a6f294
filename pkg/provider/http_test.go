package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surgehq/surge/pkg/types"
)

func TestCreateServerSendsIdempotencyKey(t *testing.T) {
	var gotKey string
	var gotReq createServerRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v2/servers", r.URL.Path)
		gotKey = r.Header.Get("Idempotency-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(createServerResponse{ID: "srv-1"})
	}))
	defer ts.Close()

	p := NewHTTPProvider(ts.URL)
	id, err := p.CreateServer(context.Background(), "group-1",
		types.ServerSpec{Image: "ubuntu-24.04", Flavor: "general1-2"}, "step-abc")

	require.NoError(t, err)
	assert.Equal(t, "srv-1", id)
	assert.Equal(t, "step-abc", gotKey)
	assert.Equal(t, "group-1", gotReq.GroupID)
	assert.Equal(t, "ubuntu-24.04", gotReq.Spec.Image)
}

func TestListServers(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "group-1", r.URL.Query().Get("group"))
		_ = json.NewEncoder(w).Encode([]serverResponse{
			{ID: "srv-1", GroupID: "group-1", Status: "active", CreatedAt: created},
			{ID: "srv-2", GroupID: "group-1", Status: "building", CreatedAt: created},
		})
	}))
	defer ts.Close()

	p := NewHTTPProvider(ts.URL)
	servers, err := p.ListServers(context.Background(), "group-1")

	require.NoError(t, err)
	require.Len(t, servers, 2)
	assert.Equal(t, types.ServerStatusActive, servers[0].Status)
	assert.Equal(t, types.ServerStatusBuilding, servers[1].Status)
	assert.Equal(t, created, servers[0].CreatedAt)
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		wantTransient bool
	}{
		{"server error", http.StatusInternalServerError, true},
		{"rate limited", http.StatusTooManyRequests, true},
		{"bad request", http.StatusBadRequest, false},
		{"forbidden", http.StatusForbidden, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer ts.Close()

			p := NewHTTPProvider(ts.URL)
			_, err := p.CreateServer(context.Background(), "group-1", types.ServerSpec{}, "key")

			require.Error(t, err)
			assert.Equal(t, tt.wantTransient, IsTransient(err))
		})
	}
}

func TestConnectionRefusedIsTransient(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	ts.Close() // nothing listening anymore

	p := NewHTTPProvider(ts.URL)
	err := p.DeleteServer(context.Background(), "srv-1")

	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestDeleteAbsentServerSucceeds(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	p := NewHTTPProvider(ts.URL)
	assert.NoError(t, p.DeleteServer(context.Background(), "srv-gone"))
}

func TestAttachConflictSucceeds(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/loadbalancers/lb-1/nodes/srv-1", r.URL.Path)
		w.WriteHeader(http.StatusConflict)
	}))
	defer ts.Close()

	p := NewHTTPProvider(ts.URL)
	assert.NoError(t, p.AddToLB(context.Background(), "lb-1", "srv-1"))
}

func TestDetachAbsentMemberSucceeds(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	p := NewHTTPProvider(ts.URL)
	assert.NoError(t, p.RemoveFromLB(context.Background(), "lb-1", "srv-1"))
}

func TestAuthTokenAttachedAndRefreshed(t *testing.T) {
	var issued int
	identity := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/tokens", r.URL.Path)
		var req struct {
			Username string `json:"username"`
			APIKey   string `json:"api_key"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "surge-svc", req.Username)

		issued++
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"token":      fmt.Sprintf("tok-%d", issued),
			"expires_at": time.Now().Add(time.Hour),
		})
	}))
	defer identity.Close()

	var gotTokens []string
	cloud := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTokens = append(gotTokens, r.Header.Get("X-Auth-Token"))
		if r.Header.Get("X-Auth-Token") == "tok-1" && len(gotTokens) > 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode([]map[string]any{})
	}))
	defer cloud.Close()

	p := NewHTTPProvider(cloud.URL, WithAuth(Auth{
		Endpoint: identity.URL,
		Username: "surge-svc",
		APIKey:   "secret",
	}))

	_, err := p.ListServers(context.Background(), "group-1")
	require.NoError(t, err)
	require.Equal(t, []string{"tok-1"}, gotTokens)
	assert.Equal(t, 1, issued)

	// The cloud rejects the cached token; the failure is transient and the
	// next call re-authenticates.
	_, err = p.ListServers(context.Background(), "group-1")
	var transient *TransientError
	require.ErrorAs(t, err, &transient)

	_, err = p.ListServers(context.Background(), "group-1")
	require.NoError(t, err)
	assert.Equal(t, 2, issued)
	assert.Equal(t, "tok-2", gotTokens[len(gotTokens)-1])
}
