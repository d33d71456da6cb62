package health

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func targetFromServer(t *testing.T, srv *httptest.Server) (ip string, port int) {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	p, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return u.Hostname(), p
}

func TestAddTargetAppliesDefaults(t *testing.T) {
	p := New()
	p.AddTarget("web", "c1", "10.0.0.1", 8080, CheckConfig{})

	p.mu.Lock()
	cfg := p.targets["c1"].cfg
	p.mu.Unlock()

	assert.Equal(t, "/healthz", cfg.Path)
	assert.Equal(t, 5, cfg.IntervalSeconds)
	assert.Equal(t, 2, cfg.TimeoutSeconds)
	assert.Equal(t, 3, cfg.FailureThreshold)
	assert.Equal(t, 1, cfg.SuccessThreshold)
}

func TestCheckFlipsHealthyAfterSuccessThreshold(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	ip, port := targetFromServer(t, srv)

	p := New()
	p.AddTarget("web", "c1", ip, port, CheckConfig{SuccessThreshold: 2})

	p.check("c1")
	assert.False(t, p.IsHealthy("c1"), "should not flip healthy before threshold reached")

	// Force the interval gate open for the second check.
	p.mu.Lock()
	p.status["c1"].LastCheck = p.status["c1"].LastCheck.Add(-time.Hour)
	p.mu.Unlock()
	p.check("c1")

	assert.True(t, p.IsHealthy("c1"))

	select {
	case ev := <-p.Events():
		assert.Equal(t, "c1", ev.ContainerID)
		assert.True(t, ev.Healthy)
	default:
		t.Fatal("expected a ChangeEvent to be published on flip to healthy")
	}
}

func TestCheckFlipsUnhealthyAfterFailureThreshold(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	ip, port := targetFromServer(t, srv)

	p := New()
	p.AddTarget("web", "c1", ip, port, CheckConfig{SuccessThreshold: 1, FailureThreshold: 2})
	// Seed as healthy, mimicking a replica that just passed its first probe.
	p.mu.Lock()
	p.status["c1"].Healthy = true
	p.mu.Unlock()

	p.check("c1")
	assert.True(t, p.IsHealthy("c1"))

	p.mu.Lock()
	p.status["c1"].LastCheck = p.status["c1"].LastCheck.Add(-time.Hour)
	p.mu.Unlock()
	p.check("c1")

	assert.False(t, p.IsHealthy("c1"))
}

func TestRemoveTargetStopsTracking(t *testing.T) {
	p := New()
	p.AddTarget("web", "c1", "10.0.0.1", 8080, CheckConfig{})
	p.RemoveTarget("c1")
	assert.False(t, p.IsHealthy("c1"))

	summary := p.Summary()
	assert.Equal(t, 0, summary["total_targets"])
}

func TestSummaryCountsHealthyAndUnhealthy(t *testing.T) {
	p := New()
	p.AddTarget("web", "c1", "10.0.0.1", 8080, CheckConfig{})
	p.AddTarget("web", "c2", "10.0.0.2", 8080, CheckConfig{})
	p.mu.Lock()
	p.status["c1"].Healthy = true
	p.mu.Unlock()

	summary := p.Summary()
	assert.Equal(t, 2, summary["total_targets"])
	assert.Equal(t, 1, summary["healthy_targets"])
	assert.Equal(t, 1, summary["unhealthy_targets"])

	healthyIDs := p.AllHealthy()
	assert.ElementsMatch(t, []string{"c1"}, healthyIDs)
}
