package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllReturnsEveryCollectorExactlyOnce(t *testing.T) {
	collectors := All()
	assert.Len(t, collectors, 6)

	reg := prometheus.NewRegistry()
	for _, c := range collectors {
		require.NoError(t, reg.Register(c), "every collector in All() must register cleanly into a fresh registry")
	}
}

func TestScalingActionsTotalLabelsByDirection(t *testing.T) {
	ScalingActionsTotal.Reset()
	ScalingActionsTotal.WithLabelValues("web", "out").Inc()
	ScalingActionsTotal.WithLabelValues("web", "out").Inc()
	ScalingActionsTotal.WithLabelValues("web", "in").Inc()

	assert.Equal(t, float64(2), testutil.ToFloat64(ScalingActionsTotal.WithLabelValues("web", "out")))
	assert.Equal(t, float64(1), testutil.ToFloat64(ScalingActionsTotal.WithLabelValues("web", "in")))
}
