package netclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(maxBody int64) *Client {
	cfg := NewDefaultClientConfig()
	cfg.RequestTimeout = 2 * time.Second
	if maxBody > 0 {
		cfg.MaxBodySize = maxBody
	}
	return New(cfg)
}

func TestFetch_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "shadowmap/1.0", r.Header.Get("User-Agent"))
		w.Header().Set("Server", "nginx/1.25.3")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("hello"))
	}))
	defer server.Close()

	client := newTestClient(0)
	res, err := client.Fetch(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "nginx/1.25.3", res.Header.Get("Server"))
	assert.Equal(t, []byte("hello"), res.Body)
	assert.False(t, res.Truncated)
	assert.Greater(t, res.Elapsed, time.Duration(0))
}

func TestFetch_ErrorStatusIsNotAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := newTestClient(0)
	res, err := client.Fetch(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
}

func TestFetch_RedirectsAreNotFollowed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/moved" {
			http.Redirect(w, r, "/elsewhere", http.StatusFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := newTestClient(0)
	res, err := client.Fetch(context.Background(), server.URL+"/moved")
	require.NoError(t, err)
	assert.Equal(t, http.StatusFound, res.StatusCode)
	assert.Equal(t, "/elsewhere", res.Header.Get("Location"))
}

func TestFetch_DeclaredOversizeBodyRejected(t *testing.T) {
	payload := strings.Repeat("x", 4096)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "4096")
		_, _ = w.Write([]byte(payload))
	}))
	defer server.Close()

	client := newTestClient(1024)
	_, err := client.Fetch(context.Background(), server.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBodyTooLarge)
}

func TestFetch_ChunkedOversizeBodyTruncated(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		require.True(t, ok)
		// Two flushed writes force chunked encoding with no Content-Length.
		_, _ = w.Write([]byte(strings.Repeat("a", 800)))
		flusher.Flush()
		_, _ = w.Write([]byte(strings.Repeat("b", 800)))
	}))
	defer server.Close()

	client := newTestClient(1024)
	res, err := client.Fetch(context.Background(), server.URL)
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	assert.Len(t, res.Body, 1024)
}

func TestFetch_RetriesOnceOnConnectionReset(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			hj, ok := w.(http.Hijacker)
			require.True(t, ok)
			conn, _, err := hj.Hijack()
			require.NoError(t, err)
			conn.Close()
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := newTestClient(0)
	res, err := client.Fetch(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, int32(2), hits.Load())
}

func TestFetch_TimeoutNotRetried(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		time.Sleep(500 * time.Millisecond)
	}))
	defer server.Close()

	cfg := NewDefaultClientConfig()
	cfg.RequestTimeout = 100 * time.Millisecond
	client := New(cfg)

	_, err := client.Fetch(context.Background(), server.URL)
	require.Error(t, err)
	assert.Equal(t, int32(1), hits.Load())
}

func TestFetch_ContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Second)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	client := newTestClient(0)
	_, err := client.Fetch(ctx, server.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
