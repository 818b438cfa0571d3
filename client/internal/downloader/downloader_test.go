package downloader

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDownloadToFile(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.Header.Get("User-Agent"), "skybundle/")
		_, _ = w.Write([]byte("asset payload"))
	}))
	defer server.Close()

	dst := filepath.Join(t.TempDir(), "assets", "bundle.js")
	require.NoError(t, DownloadToFile(context.Background(), server.URL, dst))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "asset payload", string(data))
}

func TestDownloadToFileServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	dst := filepath.Join(t.TempDir(), "bundle.js")
	err := DownloadToFile(context.Background(), server.URL, dst)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected HTTP status: 500")
}

func TestDownloadToMemory(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("manifest body"))
	}))
	defer server.Close()

	data, err := DownloadToMemory(context.Background(), server.URL, 1024)
	require.NoError(t, err)
	assert.Equal(t, "manifest body", string(data))
}

func TestDownloadToMemoryRespectsLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("0123456789"))
	}))
	defer server.Close()

	data, err := DownloadToMemory(context.Background(), server.URL, 4)
	require.NoError(t, err)
	assert.Equal(t, "0123", string(data))
}

func TestDownloadToMemoryWithBackoffRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("manifest body"))
	}))
	defer server.Close()

	data, err := DownloadToMemoryWithBackoff(context.Background(), server.URL, 1024)
	require.NoError(t, err)
	assert.Equal(t, "manifest body", string(data))
	assert.Equal(t, int32(3), calls.Load())
}

func TestDownloadToMemoryWithBackoffGivesUp(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := DownloadToMemoryWithBackoff(context.Background(), server.URL, 1024)
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load(), "initial attempt plus two retries")
}
