package specs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arjuuuuunnnnn/orchestry/internal/apperrors"
)

func validSpecJSON() []byte {
	return []byte(`{
		"metadata": {"name": "web"},
		"spec": {"type": "http", "image": "web:latest", "ports": [{"containerPort": 8080}]}
	}`)
}

func TestParseAppSpecValidMinimalSpec(t *testing.T) {
	spec, rawMap, err := ParseAppSpec(validSpecJSON())
	require.NoError(t, err)
	assert.Equal(t, "web", spec.Name)
	assert.Equal(t, "auto", spec.Mode, "mode defaults to auto when unset")
	assert.Equal(t, "web:latest", spec.Spec.Image)
	assert.Equal(t, "web", rawMap["metadata"].(map[string]interface{})["name"])
}

// TestParseAppSpecWireSchema exercises a literal §6 register body end to
// end: metadata.name, spec.ports[].containerPort, and camelCase scaling
// fields, the exact shape POST /apps/register documents.
func TestParseAppSpecWireSchema(t *testing.T) {
	body := []byte(`{
		"apiVersion": "orchestry/v1",
		"kind": "App",
		"metadata": {"name": "checkout", "labels": {"team": "payments"}},
		"spec": {
			"type": "http",
			"image": "checkout:v3",
			"ports": [{"containerPort": 8080}],
			"env": [{"name": "LOG_LEVEL", "value": "info"}],
			"resources": {"cpu": "500m", "memory": "256Mi"},
			"health": {"path": "/healthz", "interval": 5, "timeout": 2, "failureThreshold": 3, "successThreshold": 1}
		},
		"scaling": {
			"minReplicas": 2,
			"maxReplicas": 8,
			"targetRPSPerReplica": 50,
			"maxP95LatencyMs": 250,
			"scaleOutThresholdPct": 80,
			"scaleInThresholdPct": 30,
			"windowSeconds": 60,
			"cooldownSeconds": 300
		}
	}`)

	spec, _, err := ParseAppSpec(body)
	require.NoError(t, err)
	assert.Equal(t, "checkout", spec.Name)
	assert.Equal(t, "payments", spec.Metadata.Labels["team"])
	require.Len(t, spec.Spec.Ports, 1)
	assert.Equal(t, 8080, spec.Spec.Ports[0].ContainerPort)
	require.NotNil(t, spec.Spec.Health)
	assert.Equal(t, "/healthz", spec.Spec.Health.Path)
	assert.Equal(t, 5, spec.Spec.Health.IntervalSeconds)
	assert.Equal(t, 3, spec.Spec.Health.FailureThreshold)
	require.NotNil(t, spec.Scaling)
	assert.Equal(t, 2, spec.Scaling.MinReplicas)
	assert.Equal(t, 8, spec.Scaling.MaxReplicas)
	assert.Equal(t, 80, spec.Scaling.ScaleOutThresholdPct)
	assert.Equal(t, 30, spec.Scaling.ScaleInThresholdPct)
}

func TestParseAppSpecInvalidJSON(t *testing.T) {
	_, _, err := ParseAppSpec([]byte(`{not json`))
	require.Error(t, err)
	assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))
}

func TestNormalizeFoldsLegacyHealthCheckField(t *testing.T) {
	s := AppSpec{
		Metadata: Metadata{Name: "web"},
		Spec: WorkloadSpec{
			Type: "http", Image: "web:latest",
			Ports:       []PortSpec{{ContainerPort: 8080}},
			HealthCheck: &HealthSpec{Path: "/legacy"},
		},
	}
	require.NoError(t, s.Normalize())
	require.NotNil(t, s.Spec.Health)
	assert.Equal(t, "/legacy", s.Spec.Health.Path)
	assert.Nil(t, s.Spec.HealthCheck, "legacy field must be cleared after folding")
}

func TestNormalizeDoesNotOverwriteExplicitHealth(t *testing.T) {
	s := AppSpec{
		Metadata: Metadata{Name: "web"},
		Spec: WorkloadSpec{
			Type: "http", Image: "web:latest",
			Ports:       []PortSpec{{ContainerPort: 8080}},
			Health:      &HealthSpec{Path: "/canonical"},
			HealthCheck: &HealthSpec{Path: "/legacy"},
		},
	}
	require.NoError(t, s.Normalize())
	assert.Equal(t, "/canonical", s.Spec.Health.Path)
}

func TestNormalizeRequiredFieldValidation(t *testing.T) {
	tests := []struct {
		name    string
		spec    AppSpec
		wantErr string
	}{
		{
			name:    "missing name",
			spec:    AppSpec{Spec: WorkloadSpec{Type: "http", Image: "x", Ports: []PortSpec{{ContainerPort: 80}}}},
			wantErr: "metadata.name is required",
		},
		{
			name:    "wrong type",
			spec:    AppSpec{Metadata: Metadata{Name: "web"}, Spec: WorkloadSpec{Type: "grpc", Image: "x", Ports: []PortSpec{{ContainerPort: 80}}}},
			wantErr: "spec.type must be",
		},
		{
			name:    "missing image",
			spec:    AppSpec{Metadata: Metadata{Name: "web"}, Spec: WorkloadSpec{Type: "http", Ports: []PortSpec{{ContainerPort: 80}}}},
			wantErr: "spec.image is required",
		},
		{
			name:    "missing ports",
			spec:    AppSpec{Metadata: Metadata{Name: "web"}, Spec: WorkloadSpec{Type: "http", Image: "x"}},
			wantErr: "spec.ports must contain",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Normalize()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))
		})
	}
}

func TestNormalizeScalingSpecValidation(t *testing.T) {
	base := func() AppSpec {
		return AppSpec{
			Metadata: Metadata{Name: "web"},
			Spec:     WorkloadSpec{Type: "http", Image: "x", Ports: []PortSpec{{ContainerPort: 80}}},
		}
	}

	tests := []struct {
		name    string
		scaling ScalingSpec
		wantErr string
	}{
		{
			name:    "min replicas too low",
			scaling: ScalingSpec{MinReplicas: 0, MaxReplicas: 2, ScaleOutThresholdPct: 80, ScaleInThresholdPct: 30, WindowSeconds: 60},
			wantErr: "minReplicas must be >= 1",
		},
		{
			name:    "max below min",
			scaling: ScalingSpec{MinReplicas: 3, MaxReplicas: 2, ScaleOutThresholdPct: 80, ScaleInThresholdPct: 30, WindowSeconds: 60},
			wantErr: "maxReplicas must be >= minReplicas",
		},
		{
			name:    "scale-in threshold not below scale-out",
			scaling: ScalingSpec{MinReplicas: 1, MaxReplicas: 2, ScaleOutThresholdPct: 50, ScaleInThresholdPct: 50, WindowSeconds: 60},
			wantErr: "scaleInThresholdPct must be <",
		},
		{
			name:    "zero window",
			scaling: ScalingSpec{MinReplicas: 1, MaxReplicas: 2, ScaleOutThresholdPct: 80, ScaleInThresholdPct: 30, WindowSeconds: 0},
			wantErr: "windowSeconds must be >= 1",
		},
		{
			name:    "negative cooldown",
			scaling: ScalingSpec{MinReplicas: 1, MaxReplicas: 2, ScaleOutThresholdPct: 80, ScaleInThresholdPct: 30, WindowSeconds: 60, CooldownSeconds: -1},
			wantErr: "cooldownSeconds must be >= 0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := base()
			s.Scaling = &tt.scaling
			err := s.Normalize()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestStringImplementsStringer(t *testing.T) {
	s := &AppSpec{Name: "web", Mode: "auto", Spec: WorkloadSpec{Image: "web:latest", Ports: []PortSpec{{ContainerPort: 80}, {ContainerPort: 81}}}}
	out := s.String()
	assert.Contains(t, out, "web")
	assert.Contains(t, out, "web:latest")
	assert.Contains(t, out, "ports=2")
}
