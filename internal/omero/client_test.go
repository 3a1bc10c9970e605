package omero

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(srv.URL, "archiver", "secret", time.Second)
	require.NoError(t, err)
	return c
}

func TestApplyMarker_Bulk(t *testing.T) {
	var got linkRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v0/archiving/annotations/link", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "archiver", user)
		assert.Equal(t, "secret", pass)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	})

	applied, failed, err := c.ApplyMarker(context.Background(), "ARCHIVED", []int64{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, 3, applied)
	assert.Equal(t, 0, failed)
	assert.Equal(t, "ARCHIVED", got.Annotation)
	assert.Equal(t, "archiving", got.Namespace)
	assert.Equal(t, []int64{1, 2, 3}, got.ImageIDs)
}

func TestApplyMarker_ConflictFallsBackToSingles(t *testing.T) {
	var requests []linkRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req linkRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		requests = append(requests, req)

		switch {
		case len(req.ImageIDs) > 1:
			// The bulk call fails because one link already exists.
			w.WriteHeader(http.StatusConflict)
		case req.ImageIDs[0] == 2:
			// Already linked; counts as applied.
			w.WriteHeader(http.StatusConflict)
		case req.ImageIDs[0] == 3:
			w.WriteHeader(http.StatusBadRequest)
		default:
			w.WriteHeader(http.StatusOK)
		}
	})

	applied, failed, err := c.ApplyMarker(context.Background(), "ARCHIVED", []int64{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, 2, applied)
	assert.Equal(t, 1, failed)
	// One bulk call, then one per image.
	assert.Len(t, requests, 4)
}

func TestApplyMarker_NoImages(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected for an empty image set")
	})

	applied, failed, err := c.ApplyMarker(context.Background(), "ARCHIVED", nil)
	require.NoError(t, err)
	assert.Zero(t, applied)
	assert.Zero(t, failed)
}

func TestRemoveMarker(t *testing.T) {
	var got linkRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v0/archiving/annotations/unlink", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, c.RemoveMarker(context.Background(), "ARCHIVE-PENDING", []int64{5}))
	assert.Equal(t, "ARCHIVE-PENDING", got.Annotation)
	assert.Equal(t, []int64{5}, got.ImageIDs)
}

func TestRemoveMarker_ServerError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	err := c.RemoveMarker(context.Background(), "ARCHIVE-PENDING", []int64{5})
	assert.Error(t, err)
}
