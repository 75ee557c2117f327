package trustloopsdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunTaskSendsKeyAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/tasks/t1/run", r.URL.Path)
		assert.Equal(t, "k", r.Header.Get("X-Api-Key"))
		var in RunInput
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, "more", in.AdditionalContext)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"e1","task_id":"t1","status":"completed","requires_approval":false}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "acct")
	c.APIKey = "k"
	exec, err := c.RunTask(context.Background(), "t1", RunInput{AdditionalContext: "more"})
	require.NoError(t, err)
	assert.Equal(t, "e1", exec.ID)
	assert.Equal(t, "completed", exec.Status)
}

func TestQueuedDenialIsRecognised(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":{"code":"queued_will_retry","message":"agent at capacity","details":{"kind":"capacity"}}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "acct").RunTask(context.Background(), "t1", RunInput{})
	require.Error(t, err)
	assert.True(t, IsQueued(err))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "capacity", apiErr.Details["kind"])
}

func TestEventsPageBuildsQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/accounts/acct%2F1/events", r.URL.EscapedPath())
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		assert.Equal(t, "42", r.URL.Query().Get("cursor"))
		w.Write([]byte(`{"items":[{"id":41,"type":"task.created"}],"next_cursor":"41"}`))
	}))
	defer srv.Close()

	page, err := New(srv.URL, "acct/1").EventsPage(context.Background(), 5, "42")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "41", page.NextCursor)
}
