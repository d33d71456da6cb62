package cliconfig

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withIsolatedConfigDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	return dir
}

func TestPathUsesUserConfigDir(t *testing.T) {
	dir := withIsolatedConfigDir(t)
	path, err := Path()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "orchestry", "config.yaml"), path)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	withIsolatedConfigDir(t)

	require.NoError(t, Save("localhost", 8000))

	url, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8000", url)
}

func TestLoadWithoutConfigFileFails(t *testing.T) {
	withIsolatedConfigDir(t)

	_, err := Load()
	assert.Error(t, err)
}

func TestIsReachableTrueOnHealthyServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	assert.True(t, IsReachable(srv.URL))
}

func TestIsReachableFalseOnUnreachableHost(t *testing.T) {
	assert.False(t, IsReachable("http://127.0.0.1:1"))
}

func TestIsReachableFalseOnNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	assert.False(t, IsReachable(srv.URL))
}
