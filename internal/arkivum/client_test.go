package arkivum

import (
	"context"
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

	c, err := New(srv.URL, false, time.Second)
	require.NoError(t, err)
	return c
}

func TestFileInfo(t *testing.T) {
	var gotPath string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte(`{
			"ingestState": "FINAL",
			"replicationState": "green",
			"md5": "abc123",
			"size": 2048
		}`))
	})

	info, found, err := c.FileInfo(context.Background(), "omero/data/image.tif")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "/api/2/files/fileInfo/omero/data/image.tif", gotPath)
	assert.Equal(t, "FINAL", info.IngestState)
	assert.Equal(t, "green", info.ReplicationState)
	assert.Equal(t, "abc123", info.MD5)
	assert.Equal(t, int64(2048), info.Size)
}

func TestFileInfo_SizeAsString(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ingestState": "FINAL", "size": "4096"}`))
	})

	info, found, err := c.FileInfo(context.Background(), "omero/a")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(4096), info.Size)
}

func TestFileInfo_NotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	_, found, err := c.FileInfo(context.Background(), "omero/missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFileInfo_EmptyBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// No document yet is treated the same as not found.
	_, found, err := c.FileInfo(context.Background(), "omero/a")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFileInfo_ServerError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	_, _, err := c.FileInfo(context.Background(), "omero/a")
	var unavailable *ErrUnavailable
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, "omero/a", unavailable.Path)
}

func TestFileInfo_Unreachable(t *testing.T) {
	c, err := New("localhost:1", false, 200*time.Millisecond)
	require.NoError(t, err)

	_, _, err = c.FileInfo(context.Background(), "omero/a")
	var unavailable *ErrUnavailable
	assert.ErrorAs(t, err, &unavailable)
}

func TestNew_DefaultsToHTTPS(t *testing.T) {
	c, err := New("appliance.example.com:8443", true, 0)
	require.NoError(t, err)
	assert.Equal(t, "https", c.base.Scheme)
	assert.Equal(t, "appliance.example.com:8443", c.base.Host)
}
