package autoscaler

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arjuuuuunnnnn/orchestry/internal/apperrors"
	"github.com/arjuuuuunnnnn/orchestry/internal/specs"
	"github.com/arjuuuuunnnnn/orchestry/internal/telemetry"
)

func testPolicy() Policy {
	return Policy{
		MinReplicas: 1, MaxReplicas: 5,
		TargetRPSPerReplica: 50, MaxP95LatencyMs: 250, MaxConnPerReplica: 100,
		ScaleOutThresholdPct: 80, ScaleInThresholdPct: 30,
		WindowSeconds: 60, CooldownSeconds: 0,
		MaxCPUPercent: 80, MaxMemoryPercent: 80,
	}
}

func TestEvaluateManualModeNeverScales(t *testing.T) {
	a := New()
	a.SetPolicy("web", testPolicy())
	a.AddMetrics("web", Metrics{RPS: 1000, HealthyReplicas: 1, TotalReplicas: 1})

	decision := a.Evaluate("web", 1, "manual")

	assert.False(t, decision.ShouldScale)
	assert.Equal(t, "manual", decision.Reason)
}

func TestEvaluateNoPolicySet(t *testing.T) {
	a := New()
	decision := a.Evaluate("web", 2, "auto")
	assert.False(t, decision.ShouldScale)
	assert.Equal(t, "no policy", decision.Reason)
}

func TestEvaluateBelowMinReplicasForcesScaleOut(t *testing.T) {
	a := New()
	a.SetPolicy("web", testPolicy())

	decision := a.Evaluate("web", 0, "auto")

	require.True(t, decision.ShouldScale)
	assert.Equal(t, 1, decision.TargetReplicas)
	assert.Equal(t, "below min", decision.Reason)
	assert.Contains(t, decision.TriggeredBy, "min")
}

func TestEvaluateHonorsCooldown(t *testing.T) {
	a := New()
	p := testPolicy()
	p.CooldownSeconds = 300
	a.SetPolicy("web", p)
	a.RecordScalingAction("web", 1, 2)

	decision := a.Evaluate("web", 2, "auto")

	assert.False(t, decision.ShouldScale)
	assert.Equal(t, "cooldown", decision.Reason)
}

func TestEvaluateNoMetricsYet(t *testing.T) {
	a := New()
	a.SetPolicy("web", testPolicy())
	decision := a.Evaluate("web", 2, "auto")
	assert.False(t, decision.ShouldScale)
	assert.Equal(t, "no metrics", decision.Reason)
}

func TestEvaluateScalesOutOnRPSPressure(t *testing.T) {
	a := New()
	a.SetPolicy("web", testPolicy())
	// 2 healthy replicas handling 200rps each against a 50rps target: factor 4.
	a.AddMetrics("web", Metrics{RPS: 400, HealthyReplicas: 2, TotalReplicas: 2})

	decision := a.Evaluate("web", 2, "auto")

	require.True(t, decision.ShouldScale)
	assert.Greater(t, decision.TargetReplicas, 2)
	assert.Equal(t, "scale out", decision.Reason)
	assert.Contains(t, decision.TriggeredBy, "rps")
}

func TestEvaluateScaleOutNeverExceedsMax(t *testing.T) {
	a := New()
	p := testPolicy()
	p.MaxReplicas = 3
	a.SetPolicy("web", p)
	a.AddMetrics("web", Metrics{RPS: 10000, HealthyReplicas: 3, TotalReplicas: 3})

	decision := a.Evaluate("web", 3, "auto")

	assert.LessOrEqual(t, decision.TargetReplicas, 3)
}

func TestEvaluateScaleInRequiresThreeStablePeriods(t *testing.T) {
	a := New()
	a.SetPolicy("web", testPolicy())

	// Low utilisation every time: first two evaluations should not yet scale in.
	a.AddMetrics("web", Metrics{RPS: 5, HealthyReplicas: 3, TotalReplicas: 3})
	d1 := a.Evaluate("web", 3, "auto")
	assert.False(t, d1.ShouldScale)

	a.AddMetrics("web", Metrics{RPS: 5, HealthyReplicas: 3, TotalReplicas: 3})
	d2 := a.Evaluate("web", 3, "auto")
	assert.False(t, d2.ShouldScale)

	a.AddMetrics("web", Metrics{RPS: 5, HealthyReplicas: 3, TotalReplicas: 3})
	d3 := a.Evaluate("web", 3, "auto")
	require.True(t, d3.ShouldScale)
	assert.Equal(t, 2, d3.TargetReplicas)
	assert.Equal(t, "scale in", d3.Reason)
}

func TestEvaluateZeroHealthyReplicasIsEmergency(t *testing.T) {
	a := New()
	a.SetPolicy("web", testPolicy())
	a.AddMetrics("web", Metrics{RPS: 0, HealthyReplicas: 0, TotalReplicas: 2})

	decision := a.Evaluate("web", 2, "auto")

	require.True(t, decision.ShouldScale)
	assert.Equal(t, 3, decision.TargetReplicas)
	assert.Contains(t, decision.TriggeredBy, "no_healthy")
}

func TestRecordScalingActionLabelsDirection(t *testing.T) {
	a := New()
	out := telemetry.ScalingActionsTotal.WithLabelValues("web", "out")
	in := telemetry.ScalingActionsTotal.WithLabelValues("web", "in")
	outBefore, inBefore := testutil.ToFloat64(out), testutil.ToFloat64(in)

	a.RecordScalingAction("web", 2, 4)
	a.RecordScalingAction("web", 4, 2)

	assert.Equal(t, outBefore+1, testutil.ToFloat64(out))
	assert.Equal(t, inBefore+1, testutil.ToFloat64(in))
}

func TestGetMetricsSummaryWithoutPolicy(t *testing.T) {
	a := New()
	summary := a.GetMetricsSummary("ghost")
	assert.Equal(t, "no policy set for app", summary["error"])
}

// TestSetPolicyRejectsInvariantViolations covers §3's App invariants
// (scaling.min ≥ 1, max ≥ min, scale_in_threshold < scale_out_threshold,
// window ≥ 1, cooldown ≥ 0): the policy-replacement path (the
// /apps/{name}/policy handler) must reject the same violations the
// register path already rejects via specs.Normalize, instead of storing
// them unconditionally.
func TestSetPolicyRejectsInvariantViolations(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		wantErr string
	}{
		{
			name:    "min replicas too low",
			policy:  Policy{MinReplicas: 0, MaxReplicas: 2, ScaleOutThresholdPct: 80, ScaleInThresholdPct: 30, WindowSeconds: 60},
			wantErr: "minReplicas must be >= 1",
		},
		{
			name:    "max below min",
			policy:  Policy{MinReplicas: 3, MaxReplicas: 2, ScaleOutThresholdPct: 80, ScaleInThresholdPct: 30, WindowSeconds: 60},
			wantErr: "maxReplicas must be >= minReplicas",
		},
		{
			name:    "scale-in threshold not below scale-out",
			policy:  Policy{MinReplicas: 1, MaxReplicas: 2, ScaleOutThresholdPct: 50, ScaleInThresholdPct: 50, WindowSeconds: 60},
			wantErr: "scaleInThresholdPct must be <",
		},
		{
			name:    "zero window",
			policy:  Policy{MinReplicas: 1, MaxReplicas: 2, ScaleOutThresholdPct: 80, ScaleInThresholdPct: 30, WindowSeconds: 0},
			wantErr: "windowSeconds must be >= 1",
		},
		{
			name:    "negative cooldown",
			policy:  Policy{MinReplicas: 1, MaxReplicas: 2, ScaleOutThresholdPct: 80, ScaleInThresholdPct: 30, WindowSeconds: 60, CooldownSeconds: -1},
			wantErr: "cooldownSeconds must be >= 0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := New()
			err := a.SetPolicy("web", tt.policy)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))

			_, ok := a.policies["web"]
			assert.False(t, ok, "invalid policy must not be stored")
		})
	}
}

func TestSetPolicyAcceptsValidPolicy(t *testing.T) {
	a := New()
	require.NoError(t, a.SetPolicy("web", testPolicy()))
	_, ok := a.policies["web"]
	assert.True(t, ok)
}

func TestPolicyFromSpecCopiesFields(t *testing.T) {
	s := specs.ScalingSpec{MinReplicas: 2, MaxReplicas: 8, MaxCPUPercent: 70.0}
	p := PolicyFromSpec(&s)
	assert.Equal(t, 2, p.MinReplicas)
	assert.Equal(t, 8, p.MaxReplicas)
	assert.Equal(t, 70.0, p.MaxCPUPercent)
}
