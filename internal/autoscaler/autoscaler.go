// Package autoscaler implements the Autoscaler (spec.md's C7): windowed,
// multi-signal metric evaluation with cooldown and scale-in hysteresis. It
// never executes a scaling action itself — Evaluate returns a Decision that
// the Control Loop applies through the App Manager.
package autoscaler

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/arjuuuuunnnnn/orchestry/internal/apperrors"
	"github.com/arjuuuuunnnnn/orchestry/internal/specs"
	"github.com/arjuuuuunnnnn/orchestry/internal/telemetry"
)

const (
	metricsRetentionMultiplier = 2
	minScaleInStablePeriods    = 3
	emergencyScaleFactor       = 10.0
)

// Policy is the validated scaling configuration for one app, derived from
// specs.ScalingSpec (spec.md §3 ScalingPolicy).
type Policy struct {
	MinReplicas          int
	MaxReplicas          int
	TargetRPSPerReplica  int
	MaxP95LatencyMs      int
	MaxConnPerReplica    int
	ScaleOutThresholdPct int
	ScaleInThresholdPct  int
	WindowSeconds        int
	CooldownSeconds      int
	MaxCPUPercent        float64
	MaxMemoryPercent     float64
}

// PolicyFromSpec converts a validated specs.ScalingSpec into a Policy.
func PolicyFromSpec(s *specs.ScalingSpec) Policy {
	return Policy{
		MinReplicas:          s.MinReplicas,
		MaxReplicas:          s.MaxReplicas,
		TargetRPSPerReplica:  s.TargetRPSPerReplica,
		MaxP95LatencyMs:      s.MaxP95LatencyMs,
		MaxConnPerReplica:    s.MaxConnPerReplica,
		ScaleOutThresholdPct: s.ScaleOutThresholdPct,
		ScaleInThresholdPct:  s.ScaleInThresholdPct,
		WindowSeconds:        s.WindowSeconds,
		CooldownSeconds:      s.CooldownSeconds,
		MaxCPUPercent:        s.MaxCPUPercent,
		MaxMemoryPercent:     s.MaxMemoryPercent,
	}
}

// metricPoint is a single timestamped sample.
type metricPoint struct {
	Timestamp float64
	Value     float64
}

// Metrics is one windowed-aggregate snapshot (spec.md's MetricSample,
// aggregated).
type Metrics struct {
	RPS               float64
	P95LatencyMs      float64
	ActiveConnections int
	CPUPercent        float64
	MemoryPercent     float64
	HealthyReplicas   int
	TotalReplicas     int
}

// Decision is the Autoscaler's verdict for one evaluation.
type Decision struct {
	ShouldScale     bool
	TargetReplicas  int
	CurrentReplicas int
	Reason          string
	TriggeredBy     []string
	Metrics         Metrics
}

// AutoScaler holds per-app policy, metric windows, and hysteresis state.
type AutoScaler struct {
	mu                   sync.RWMutex
	policies             map[string]*Policy
	history              map[string]map[string][]metricPoint
	lastScaleTime        map[string]float64
	lastScaleFactors     map[string]map[string]float64
	scaleInStablePeriods map[string]int
}

// New builds an empty AutoScaler.
func New() *AutoScaler {
	return &AutoScaler{
		policies:             make(map[string]*Policy),
		history:              make(map[string]map[string][]metricPoint),
		lastScaleTime:        make(map[string]float64),
		lastScaleFactors:     make(map[string]map[string]float64),
		scaleInStablePeriods: make(map[string]int),
	}
}

// SetPolicy installs or replaces the scaling policy for app, rejecting one
// that violates spec.md §3's App invariants (scaling.min ≥ 1, max ≥ min,
// scale_in_threshold < scale_out_threshold) with a KindValidation error.
func (a *AutoScaler) SetPolicy(app string, p Policy) error {
	if err := validatePolicy(p); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.policies[app] = &p
	return nil
}

func validatePolicy(p Policy) error {
	if p.MinReplicas < 1 {
		return apperrors.Validationf("policy.minReplicas must be >= 1")
	}
	if p.MaxReplicas < p.MinReplicas {
		return apperrors.Validationf("policy.maxReplicas must be >= minReplicas")
	}
	if p.ScaleInThresholdPct >= p.ScaleOutThresholdPct {
		return apperrors.Validationf("policy.scaleInThresholdPct must be < scaleOutThresholdPct")
	}
	if p.WindowSeconds < 1 {
		return apperrors.Validationf("policy.windowSeconds must be >= 1")
	}
	if p.CooldownSeconds < 0 {
		return apperrors.Validationf("policy.cooldownSeconds must be >= 0")
	}
	return nil
}

// AddMetrics records one sample in app's rolling window, pruning points
// older than 2×window_seconds (spec.md §3 MetricSample retention).
func (a *AutoScaler) AddMetrics(app string, m Metrics) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ts := nowUnix()
	h, ok := a.history[app]
	if !ok {
		h = map[string][]metricPoint{
			"rps": {}, "latency": {}, "connections": {}, "cpu": {}, "memory": {}, "healthy": {}, "total": {},
		}
		a.history[app] = h
	}

	h["rps"] = append(h["rps"], metricPoint{ts, m.RPS})
	h["latency"] = append(h["latency"], metricPoint{ts, m.P95LatencyMs})
	h["connections"] = append(h["connections"], metricPoint{ts, float64(m.ActiveConnections)})
	h["cpu"] = append(h["cpu"], metricPoint{ts, m.CPUPercent})
	h["memory"] = append(h["memory"], metricPoint{ts, m.MemoryPercent})
	h["healthy"] = append(h["healthy"], metricPoint{ts, float64(m.HealthyReplicas)})
	h["total"] = append(h["total"], metricPoint{ts, float64(m.TotalReplicas)})

	a.pruneHistory(app, ts)
}

func (a *AutoScaler) pruneHistory(app string, now float64) {
	policy, ok := a.policies[app]
	if !ok {
		return
	}
	cutoff := now - float64(policy.WindowSeconds*metricsRetentionMultiplier)
	for metric, pts := range a.history[app] {
		kept := pts[:0:0]
		for _, p := range pts {
			if p.Timestamp >= cutoff {
				kept = append(kept, p)
			}
		}
		a.history[app][metric] = kept
	}
}

func avg(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

func p95(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	k := int(float64(len(sorted)-1) * 0.95)
	return sorted[k]
}

// windowed computes aggregates over the last `window` seconds (spec.md
// §4.5 step 5). Returns nil if there are no samples in the window.
func (a *AutoScaler) windowed(app string, window int) *Metrics {
	history, ok := a.history[app]
	if !ok {
		return nil
	}
	cutoff := nowUnix() - float64(window)
	filter := func(pts []metricPoint) []float64 {
		var out []float64
		for _, p := range pts {
			if p.Timestamp >= cutoff {
				out = append(out, p.Value)
			}
		}
		return out
	}

	rps := filter(history["rps"])
	latency := filter(history["latency"])
	conn := filter(history["connections"])
	cpu := filter(history["cpu"])
	mem := filter(history["memory"])
	healthy := filter(history["healthy"])
	total := filter(history["total"])

	if len(rps) == 0 && len(latency) == 0 {
		return nil
	}

	// A window in which every sample reports zero healthy replicas keeps 0,
	// so Evaluate takes the emergency path instead of the clamped value.
	healthyAvg := avg(healthy)
	healthyReplicas := int(math.Max(1, healthyAvg))
	if len(healthy) > 0 && healthyAvg == 0 {
		healthyReplicas = 0
	}

	return &Metrics{
		RPS:               avg(rps),
		P95LatencyMs:      p95(latency),
		ActiveConnections: int(avg(conn)),
		CPUPercent:        avg(cpu),
		MemoryPercent:     avg(mem),
		HealthyReplicas:   healthyReplicas,
		TotalReplicas:     int(math.Max(1, avg(total))),
	}
}

// Evaluate implements the 11-step decision algorithm of spec.md §4.5.
func (a *AutoScaler) Evaluate(app string, current int, mode string) Decision {
	a.mu.Lock()
	defer a.mu.Unlock()

	if mode == "manual" {
		return Decision{TargetReplicas: current, CurrentReplicas: current, Reason: "manual"}
	}

	policy, ok := a.policies[app]
	if !ok {
		return Decision{TargetReplicas: current, CurrentReplicas: current, Reason: "no policy"}
	}

	if current < policy.MinReplicas {
		a.scaleInStablePeriods[app] = 0
		return Decision{
			ShouldScale: true, TargetReplicas: policy.MinReplicas, CurrentReplicas: current,
			Reason: "below min", TriggeredBy: []string{"min"},
		}
	}

	if time.Since(time.Unix(int64(a.lastScaleTime[app]), 0)) < time.Duration(policy.CooldownSeconds)*time.Second {
		return Decision{TargetReplicas: current, CurrentReplicas: current, Reason: "cooldown"}
	}

	metrics := a.windowed(app, policy.WindowSeconds)
	if metrics == nil {
		return Decision{TargetReplicas: current, CurrentReplicas: current, Reason: "no metrics"}
	}

	factors := a.factors(*metrics, policy)
	a.lastScaleFactors[app] = factors

	decision := a.decide(app, current, factors, policy, *metrics)
	return decision
}

func (a *AutoScaler) factors(m Metrics, p *Policy) map[string]float64 {
	factors := map[string]float64{}
	if m.HealthyReplicas == 0 {
		factors["no_healthy"] = emergencyScaleFactor
		return factors
	}
	if p.TargetRPSPerReplica > 0 {
		factors["rps"] = (m.RPS / float64(m.HealthyReplicas)) / float64(p.TargetRPSPerReplica)
	}
	if p.MaxP95LatencyMs > 0 && m.P95LatencyMs > 0 {
		factors["latency"] = m.P95LatencyMs / float64(p.MaxP95LatencyMs)
	}
	if p.MaxConnPerReplica > 0 {
		factors["connections"] = (float64(m.ActiveConnections) / float64(m.HealthyReplicas)) / float64(p.MaxConnPerReplica)
	}
	if p.MaxCPUPercent > 0 {
		factors["cpu"] = m.CPUPercent / p.MaxCPUPercent
	}
	if p.MaxMemoryPercent > 0 {
		factors["memory"] = m.MemoryPercent / p.MaxMemoryPercent
	}
	return factors
}

func (a *AutoScaler) decide(app string, current int, factors map[string]float64, p *Policy, m Metrics) Decision {
	if _, ok := factors["no_healthy"]; ok {
		target := int(math.Min(float64(current+1), float64(p.MaxReplicas)))
		return Decision{
			ShouldScale: true, TargetReplicas: target, CurrentReplicas: current,
			Reason: "no healthy replicas", TriggeredBy: []string{"no_healthy"}, Metrics: m,
		}
	}

	scaleOut := float64(p.ScaleOutThresholdPct) / 100.0
	scaleIn := float64(p.ScaleInThresholdPct) / 100.0

	maxFactor := 0.0
	var triggered []string
	for k, f := range factors {
		if f > maxFactor {
			maxFactor = f
		}
		if f > scaleOut {
			triggered = append(triggered, k)
		}
	}

	target := current
	shouldScale := false
	reason := "no change"

	if maxFactor > scaleOut && current < p.MaxReplicas {
		desired := int(math.Ceil(float64(current) * maxFactor))
		if desired <= current {
			desired = current + 1
		}
		target = int(math.Min(float64(desired), float64(p.MaxReplicas)))
		shouldScale = target > current
		reason = "scale out"
		a.scaleInStablePeriods[app] = 0
	} else if maxFactor < scaleIn && current > p.MinReplicas {
		a.scaleInStablePeriods[app]++
		if a.scaleInStablePeriods[app] >= minScaleInStablePeriods {
			target = int(math.Max(float64(current-1), float64(p.MinReplicas)))
			shouldScale = target < current
			reason = "scale in"
			a.scaleInStablePeriods[app] = 0
		}
	} else {
		a.scaleInStablePeriods[app] = 0
	}

	return Decision{ShouldScale: shouldScale, TargetReplicas: target, CurrentReplicas: current, Reason: reason, TriggeredBy: triggered, Metrics: m}
}

// RecordScalingAction marks that a scaling action for app just occurred,
// starting its cooldown window, and increments the scaling-direction
// telemetry counter.
func (a *AutoScaler) RecordScalingAction(app string, from, to int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastScaleTime[app] = nowUnix()

	direction := "out"
	if to < from {
		direction = "in"
	}
	telemetry.ScalingActionsTotal.WithLabelValues(app, direction).Inc()
}

// GetMetricsSummary returns policy, recent windowed aggregates, and
// last-scale-time for the /apps/{name}/metrics endpoint.
func (a *AutoScaler) GetMetricsSummary(app string) map[string]interface{} {
	a.mu.RLock()
	defer a.mu.RUnlock()

	policy, ok := a.policies[app]
	if !ok {
		return map[string]interface{}{"error": "no policy set for app"}
	}
	recent := a.windowed(app, policy.WindowSeconds)
	return map[string]interface{}{
		"policy":          policy,
		"recent_metrics":  recent,
		"window_seconds":  policy.WindowSeconds,
		"last_scale_time": a.lastScaleTime[app],
	}
}

// GetLastScaleFactors returns the per-signal utilisation factors computed
// on the most recent Evaluate call.
func (a *AutoScaler) GetLastScaleFactors(app string) map[string]float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if f, ok := a.lastScaleFactors[app]; ok {
		return f
	}
	return map[string]float64{}
}

// GetPolicy returns the installed policy for app, or nil.
func (a *AutoScaler) GetPolicy(app string) *Policy {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.policies[app]
}

func nowUnix() float64 {
	return float64(time.Now().Unix())
}
