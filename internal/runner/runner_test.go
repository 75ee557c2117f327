package runner

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trustloop/internal/config"
	"trustloop/internal/domain"
)

func TestHTTPRunnerExecutes(t *testing.T) {
	var got Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/execute", r.URL.Path)
		assert.Equal(t, "k1", r.Header.Get("X-Api-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(Result{Success: true, Content: "done", Metadata: Metadata{Model: "m", InputTokens: 3}})
	}))
	defer srv.Close()

	r, err := FromConfig(config.Runner{BaseURL: srv.URL, APIKey: "k1"})
	require.NoError(t, err)
	res, err := r.ExecuteTask(context.Background(), Request{Task: domain.Task{ID: "t1"}, EnableTools: true})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "done", res.Content)
	assert.Equal(t, 3, res.Metadata.InputTokens)
	assert.Equal(t, "t1", got.Task.ID)
	assert.True(t, got.EnableTools)
}

func TestHTTPRunnerSurfacesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewHTTP(srv.URL, "", 0).ExecuteTask(context.Background(), Request{})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	assert.Equal(t, "overloaded", apiErr.Body)
}

func TestFromConfigRequiresBaseURL(t *testing.T) {
	_, err := FromConfig(config.Runner{})
	assert.ErrorIs(t, err, ErrNotConfigured)
}
