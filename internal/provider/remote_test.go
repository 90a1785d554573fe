package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRemote(t *testing.T, handler http.Handler) (*RemoteProvider, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	p, err := NewRemoteProvider(RemoteConfig{
		BaseURL: srv.URL,
		APIKey:  "test-key",
	}, zap.NewNop())
	require.NoError(t, err)
	return p, srv
}

func TestRemoteSendsBearerToken(t *testing.T) {
	var gotAuth atomic.Value
	p, _ := newTestRemote(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		w.Write([]byte(`[]`))
	}))

	_, err := p.ListCollections(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer test-key", gotAuth.Load())
}

func TestRemoteClassifiesStatusCodes(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, ErrRateLimited},
		{http.StatusNotFound, ErrNotFound},
		{http.StatusUnauthorized, ErrUnavailable},
		{http.StatusForbidden, ErrUnavailable},
		{http.StatusInternalServerError, ErrFetchFailed},
	}

	for _, tt := range tests {
		p, _ := newTestRemote(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))
		_, err := p.get(context.Background(), "items/X/attachments", nil)
		assert.ErrorIs(t, err, tt.want, "status %d", tt.status)
	}
}

func TestRemoteRetriesRateLimitThenSucceeds(t *testing.T) {
	var calls int32
	p, _ := newTestRemote(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`[{"key":"A","title":"Paper"}]`))
	}))

	resp, err := p.getWithRetry(context.Background(), "collections/C/items", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestRemoteDoesNotRetryNotFound(t *testing.T) {
	var calls int32
	p, _ := newTestRemote(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))

	_, err := p.getWithRetry(context.Background(), "items/X/metadata", nil)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRemoteFetchWritesFileWithHeaders(t *testing.T) {
	mtime := time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC)
	p, _ := newTestRemote(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="paper.pdf"`)
		w.Header().Set("Last-Modified", mtime.Format(http.TimeFormat))
		w.Write([]byte("pdf bytes"))
	}))

	dest := t.TempDir()
	path, err := p.Fetch(context.Background(), "ITEM1", "ATT1", dest)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dest, "ATT1", "paper.pdf"), path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "pdf bytes", string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(mtime), "mtime should follow Last-Modified")
}

func TestRemoteFetchFallbackFilename(t *testing.T) {
	p, _ := newTestRemote(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("data"))
	}))

	path, err := p.Fetch(context.Background(), "ITEM1", "ATT9", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "ATT9.bin", filepath.Base(path))
}

func TestRemoteRejectsBadBaseURL(t *testing.T) {
	_, err := NewRemoteProvider(RemoteConfig{BaseURL: "::not-a-url"}, zap.NewNop())
	assert.ErrorIs(t, err, ErrUnavailable)
}
