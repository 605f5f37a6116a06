package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitCarriesAdminKey(t *testing.T) {
	var gotKey string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Admin-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]any{
			"queued": 2, "skipped": 0, "session_id": "abc",
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "secret")
	res, err := c.Submit(context.Background(), []string{"sys-devel/gcc", "dev-lang/python"}, "nightly")
	require.NoError(t, err)
	assert.Equal(t, "secret", gotKey)
	assert.Equal(t, "nightly", gotBody["session_name"])
	assert.Equal(t, 2, res.Queued)
	assert.Equal(t, "abc", res.SessionID)
}

func TestErrorSurfacesHint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]any{
			"error": "unauthorized", "hint": "set the X-Admin-Key header",
		})
	}))
	defer srv.Close()

	_, err := New(srv.URL, "").Status(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unauthorized")
	assert.Contains(t, err.Error(), "X-Admin-Key")
}

func TestNoKeyHeaderWhenUnset(t *testing.T) {
	var sawHeader bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, sawHeader = r.Header["X-Admin-Key"]
		json.NewEncoder(w).Encode(map[string]any{"nodes": []any{}})
	}))
	defer srv.Close()

	nodes, err := New(srv.URL, "").Nodes(context.Background(), true)
	require.NoError(t, err)
	assert.Empty(t, nodes)
	assert.False(t, sawHeader)
}
