package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config is required")

	_, err = New(&Config{}, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "webhook URL is required")
}

func TestInvoke_DeliversWorkOrder(t *testing.T) {
	var (
		gotAuth string
		gotType string
		gotBody Invocation
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	inv, err := New(&Config{WebhookURL: server.URL, Token: "hook-secret"}, zap.NewNop())
	require.NoError(t, err)

	err = inv.Invoke(context.Background(), Invocation{
		InvocationID: "abc-123",
		Agent:        "forge-1",
		Repo:         "fyrsmithlabs/widgets",
		Issue:        7,
		Title:        "Add widget cache",
		Instructions: "see issue body",
	})
	require.NoError(t, err)

	assert.Equal(t, "Bearer hook-secret", gotAuth)
	assert.Equal(t, "application/json", gotType)
	assert.Equal(t, "abc-123", gotBody.InvocationID)
	assert.Equal(t, "forge-1", gotBody.Agent)
	assert.Equal(t, "fyrsmithlabs/widgets", gotBody.Repo)
	assert.Equal(t, 7, gotBody.Issue)
	assert.Equal(t, "Add widget cache", gotBody.Title)
}

func TestInvoke_NoTokenOmitsAuth(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	inv, err := New(&Config{WebhookURL: server.URL}, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, inv.Invoke(context.Background(), Invocation{
		InvocationID: "abc-123",
		Agent:        "forge-1",
		Issue:        7,
	}))
	assert.Empty(t, gotAuth)
}

func TestInvoke_RejectionSurfaces(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "agent at capacity", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	inv, err := New(&Config{WebhookURL: server.URL}, zap.NewNop())
	require.NoError(t, err)

	err = inv.Invoke(context.Background(), Invocation{
		InvocationID: "abc-123",
		Agent:        "forge-1",
		Issue:        7,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "agent at capacity")
}

func TestInvoke_RequiresIdentity(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	}))
	defer server.Close()

	inv, err := New(&Config{WebhookURL: server.URL}, zap.NewNop())
	require.NoError(t, err)

	err = inv.Invoke(context.Background(), Invocation{Agent: "forge-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invocation ID is required")

	err = inv.Invoke(context.Background(), Invocation{InvocationID: "abc-123"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent is required")
}

func TestNoop_AcceptsEverything(t *testing.T) {
	inv := NewNoop(zap.NewNop())
	require.NoError(t, inv.Invoke(context.Background(), Invocation{
		InvocationID: "abc-123",
		Agent:        "forge-1",
		Issue:        7,
	}))
}
