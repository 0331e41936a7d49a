package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	droverhttp "github.com/fyrsmithlabs/drover/internal/http"
)

// withServer points the CLI at a stub droverd for the duration of a test.
func withServer(t *testing.T, handler http.HandlerFunc) {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	orig := serverURL
	serverURL = server.URL
	t.Cleanup(func() { serverURL = orig })
}

func TestRunHealth(t *testing.T) {
	withServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		json.NewEncoder(w).Encode(droverhttp.HealthResponse{Status: "ok"})
	})

	err := runHealth(healthCmd, nil)
	require.NoError(t, err)
}

func TestRunHealth_ServerDown(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	orig := serverURL
	serverURL = server.URL
	t.Cleanup(func() { serverURL = orig })

	err := runHealth(healthCmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to reach droverd")
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		maxLen   int
		expected string
	}{
		{"short", "abc", 10, "abc"},
		{"exact", "abcdefghij", 10, "abcdefghij"},
		{"truncated", "abcdefghijk", 10, "abcdefg..."},
		{"empty", "", 10, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, truncate(tt.input, tt.maxLen))
		})
	}
}
