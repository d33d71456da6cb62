// Package specs defines the typed, validated application spec that the API
// layer parses once at the boundary. Downstream components (the app
// manager, the autoscaler, the store) consume these types directly instead
// of re-deriving values out of a map[string]interface{} on every access.
package specs

import (
	"encoding/json"
	"fmt"

	"github.com/arjuuuuunnnnn/orchestry/internal/apperrors"
)

// AppSpec is the normalized, validated representation of a client-submitted
// application definition. Name is populated from Metadata.Name by
// Normalize and is not itself a wire field (spec.md §6: the register
// schema carries the app name under metadata.name).
type AppSpec struct {
	APIVersion string       `json:"apiVersion,omitempty"`
	Kind       string       `json:"kind,omitempty"`
	Metadata   Metadata     `json:"metadata"`
	Spec       WorkloadSpec `json:"spec"`
	Scaling    *ScalingSpec `json:"scaling,omitempty"`
	Mode       string       `json:"mode,omitempty"`

	Name string `json:"-"`
}

// Metadata is the §6 wire schema's metadata block.
type Metadata struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
}

type WorkloadSpec struct {
	Type      string        `json:"type"`
	Image     string        `json:"image"`
	Ports     []PortSpec    `json:"ports"`
	Env       []EnvVar      `json:"env,omitempty"`
	Resources *ResourceSpec `json:"resources,omitempty"`
	Health    *HealthSpec   `json:"health,omitempty"`
	// HealthCheck is the legacy field name accepted on input and folded
	// into Health by Normalize. It is never read afterwards.
	HealthCheck *HealthSpec `json:"healthCheck,omitempty"`
}

type PortSpec struct {
	ContainerPort int    `json:"containerPort"`
	Protocol      string `json:"protocol,omitempty"`
}

type EnvVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type ResourceSpec struct {
	CPU    string `json:"cpu,omitempty"`    // e.g. "500m"
	Memory string `json:"memory,omitempty"` // e.g. "256Mi", "1Gi"
}

type HealthSpec struct {
	Path             string `json:"path,omitempty"`
	IntervalSeconds  int    `json:"interval,omitempty"`
	TimeoutSeconds   int    `json:"timeout,omitempty"`
	FailureThreshold int    `json:"failureThreshold,omitempty"`
	SuccessThreshold int    `json:"successThreshold,omitempty"`
}

type ScalingSpec struct {
	MinReplicas          int     `json:"minReplicas"`
	MaxReplicas          int     `json:"maxReplicas"`
	TargetRPSPerReplica  int     `json:"targetRPSPerReplica"`
	MaxP95LatencyMs      int     `json:"maxP95LatencyMs"`
	MaxConnPerReplica    int     `json:"maxConnPerReplica"`
	ScaleOutThresholdPct int     `json:"scaleOutThresholdPct"`
	ScaleInThresholdPct  int     `json:"scaleInThresholdPct"`
	WindowSeconds        int     `json:"windowSeconds"`
	CooldownSeconds      int     `json:"cooldownSeconds"`
	MaxCPUPercent        float64 `json:"maxCpuPercent,omitempty"`
	MaxMemoryPercent     float64 `json:"maxMemoryPercent,omitempty"`
}

// ParseAppSpec decodes raw JSON into an AppSpec and normalizes it. The same
// bytes are also decoded into an untyped map, returned alongside the parsed
// struct, so callers can persist the original submission (spec.md's raw_spec
// column).
func ParseAppSpec(raw []byte) (*AppSpec, map[string]interface{}, error) {
	var s AppSpec
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, nil, apperrors.Wrap(apperrors.KindValidation, "invalid app spec JSON", err)
	}

	var rawMap map[string]interface{}
	if err := json.Unmarshal(raw, &rawMap); err != nil {
		return nil, nil, apperrors.Wrap(apperrors.KindValidation, "invalid app spec JSON", err)
	}

	if err := s.Normalize(); err != nil {
		return nil, nil, err
	}
	return &s, rawMap, nil
}

// Normalize folds legacy fields into their canonical location and validates
// the spec, returning an *apperrors.Error with KindValidation on failure.
func (s *AppSpec) Normalize() error {
	if s.Spec.Health == nil && s.Spec.HealthCheck != nil {
		s.Spec.Health = s.Spec.HealthCheck
	}
	s.Spec.HealthCheck = nil

	if s.Mode == "" {
		s.Mode = "auto"
	}

	s.Name = s.Metadata.Name
	if s.Name == "" {
		return apperrors.Validationf("metadata.name is required")
	}
	if s.Spec.Type != "http" {
		return apperrors.Validationf("spec.type must be \"http\", got %q", s.Spec.Type)
	}
	if s.Spec.Image == "" {
		return apperrors.Validationf("spec.image is required")
	}
	if len(s.Spec.Ports) == 0 {
		return apperrors.Validationf("spec.ports must contain at least one port")
	}

	if s.Scaling != nil {
		sc := s.Scaling
		if sc.MinReplicas < 1 {
			return apperrors.Validationf("scaling.minReplicas must be >= 1")
		}
		if sc.MaxReplicas < sc.MinReplicas {
			return apperrors.Validationf("scaling.maxReplicas must be >= minReplicas")
		}
		if sc.ScaleInThresholdPct >= sc.ScaleOutThresholdPct {
			return apperrors.Validationf("scaling.scaleInThresholdPct must be < scaleOutThresholdPct")
		}
		if sc.WindowSeconds < 1 {
			return apperrors.Validationf("scaling.windowSeconds must be >= 1")
		}
		if sc.CooldownSeconds < 0 {
			return apperrors.Validationf("scaling.cooldownSeconds must be >= 0")
		}
	}
	return nil
}

// String implements fmt.Stringer for logging.
func (s *AppSpec) String() string {
	return fmt.Sprintf("AppSpec{name=%s image=%s ports=%d mode=%s}", s.Name, s.Spec.Image, len(s.Spec.Ports), s.Mode)
}
