// Package health implements the Health Prober (spec.md's C4): concurrent,
// hysteresis-gated HTTP liveness checks over a set of registered replica
// targets. It never references the App Manager directly (spec.md §9 Design
// Note on the App Manager / Health Prober cycle) — health-change events are
// published on a channel for whoever is listening (the Proxy Publisher, via
// the App Manager's event loop) to consume.
package health

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/arjuuuuunnnnn/orchestry/internal/telemetry"
)

// CheckConfig is the per-target probe configuration (spec.md §4.4 defaults).
type CheckConfig struct {
	Path             string
	IntervalSeconds  int
	TimeoutSeconds   int
	FailureThreshold int
	SuccessThreshold int
}

func (c CheckConfig) withDefaults() CheckConfig {
	if c.Path == "" {
		c.Path = "/healthz"
	}
	if c.IntervalSeconds == 0 {
		c.IntervalSeconds = 5
	}
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = 2
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 3
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = 1
	}
	return c
}

// Status is the hysteresis state machine for one target.
type Status struct {
	Healthy             bool
	ConsecutiveFailures int
	ConsecutiveSuccess  int
	LastCheck           time.Time
	LastSuccess         time.Time
	ResponseTimeMS      float64
}

// target bundles a probe's address with its config and status.
type target struct {
	app  string
	ip   string
	port int
	cfg  CheckConfig
}

// ChangeEvent is published whenever a target flips healthy/unhealthy.
type ChangeEvent struct {
	App         string
	ContainerID string
	Healthy     bool
}

// Prober runs the single background dispatch loop described in spec.md
// §4.4: one goroutine per polling tick, concurrent per-target checks
// respecting each target's own interval.
type Prober struct {
	mu      sync.Mutex
	targets map[string]*target
	status  map[string]*Status

	events chan ChangeEvent

	running bool
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	client  *http.Client
}

// New builds a Prober. events is buffered generously so a slow consumer
// does not stall the probe loop; events are dropped (not blocked on) if the
// buffer is full.
func New() *Prober {
	return &Prober{
		targets: make(map[string]*target),
		status:  make(map[string]*Status),
		events:  make(chan ChangeEvent, 256),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Events returns the channel of health-change events. The App Manager
// subscribes to this to drive proxy republishing.
func (p *Prober) Events() <-chan ChangeEvent { return p.events }

// AddTarget registers a replica for probing.
func (p *Prober) AddTarget(app, containerID, ip string, port int, cfg CheckConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cfg = cfg.withDefaults()
	p.targets[containerID] = &target{app: app, ip: ip, port: port, cfg: cfg}
	p.status[containerID] = &Status{}
	log.Printf("added health target %s:%d for %s/%s", ip, port, app, containerID)
}

// RemoveTarget stops probing a replica.
func (p *Prober) RemoveTarget(containerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.targets, containerID)
	delete(p.status, containerID)
}

// IsHealthy reports a target's latest hysteresis-gated state.
func (p *Prober) IsHealthy(containerID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.status[containerID]; ok {
		return s.Healthy
	}
	return false
}

// AllHealthy returns every currently healthy container id.
func (p *Prober) AllHealthy() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for id, s := range p.status {
		if s.Healthy {
			out = append(out, id)
		}
	}
	return out
}

// Summary returns per-target counts and response-time data for the
// /apps/{name}/metrics and /metrics endpoints.
func (p *Prober) Summary() map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()

	healthy, unhealthy := 0, 0
	details := make(map[string]interface{}, len(p.status))
	for id, s := range p.status {
		if s.Healthy {
			healthy++
		} else {
			unhealthy++
		}
		details[id] = map[string]interface{}{
			"healthy":              s.Healthy,
			"consecutive_failures": s.ConsecutiveFailures,
			"consecutive_success":  s.ConsecutiveSuccess,
			"last_success":         s.LastSuccess,
			"response_time_ms":     s.ResponseTimeMS,
		}
	}
	return map[string]interface{}{
		"total_targets":     len(p.status),
		"healthy_targets":   healthy,
		"unhealthy_targets": unhealthy,
		"targets":           details,
	}
}

// Start launches the probe dispatch loop.
func (p *Prober) Start() {
	if p.running {
		return
	}
	p.running = true
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.wg.Add(1)
	go p.loop()
	log.Println("health prober started")
}

// Stop halts the dispatch loop and waits for in-flight checks to return.
func (p *Prober) Stop() {
	if !p.running {
		return
	}
	p.cancel()
	p.wg.Wait()
	p.running = false
	log.Println("health prober stopped")
}

func (p *Prober) loop() {
	defer p.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.dispatch()
		}
	}
}

// dispatch fires one concurrent check per target due for a probe.
func (p *Prober) dispatch() {
	p.mu.Lock()
	ids := make([]string, 0, len(p.targets))
	for id := range p.targets {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(cid string) {
			defer wg.Done()
			p.check(cid)
		}(id)
	}
	wg.Wait()
}

func (p *Prober) check(containerID string) {
	p.mu.Lock()
	t, tok := p.targets[containerID]
	s, sok := p.status[containerID]
	p.mu.Unlock()
	if !tok || !sok {
		return
	}

	now := time.Now()
	if now.Sub(s.LastCheck) < time.Duration(t.cfg.IntervalSeconds)*time.Second {
		return
	}

	start := time.Now()
	ok := p.probe(t)
	elapsed := float64(time.Since(start).Milliseconds())

	p.mu.Lock()
	s.LastCheck = now
	s.ResponseTimeMS = elapsed

	var flip *bool
	if ok {
		s.ConsecutiveSuccess++
		s.ConsecutiveFailures = 0
		s.LastSuccess = now
		if !s.Healthy && s.ConsecutiveSuccess >= t.cfg.SuccessThreshold {
			s.Healthy = true
			v := true
			flip = &v
		}
	} else {
		s.ConsecutiveFailures++
		s.ConsecutiveSuccess = 0
		if s.Healthy && s.ConsecutiveFailures >= t.cfg.FailureThreshold {
			s.Healthy = false
			v := false
			flip = &v
		}
	}
	app := t.app
	p.mu.Unlock()

	if flip != nil {
		state := "unhealthy"
		if *flip {
			state = "healthy"
		}
		log.Printf("container %s is now %s", containerID, state)
		telemetry.HealthTransitionsTotal.WithLabelValues(app, state).Inc()
		select {
		case p.events <- ChangeEvent{App: app, ContainerID: containerID, Healthy: *flip}:
		default:
			log.Printf("health event buffer full, dropping change event for %s", containerID)
		}
	}
}

func (p *Prober) probe(t *target) bool {
	url := fmt.Sprintf("http://%s:%d%s", t.ip, t.port, t.cfg.Path)
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(t.cfg.TimeoutSeconds)*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 400
}
