// Package appmanager implements the App Manager (spec.md's C6): it owns
// the process-local map of app -> replica set, drives the Runtime Driver
// to create/adopt/destroy containers, and republishes the Proxy Driver's
// upstream configuration whenever that set changes. Every mutating
// operation here is only safe to call from the current cluster leader —
// callers (internal/api, internal/controlloop) are responsible for the
// leader gate; this package enforces only per-app serialization.
package appmanager

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/arjuuuuunnnnn/orchestry/internal/apperrors"
	"github.com/arjuuuuunnnnn/orchestry/internal/health"
	"github.com/arjuuuuunnnnn/orchestry/internal/proxy"
	"github.com/arjuuuuunnnnn/orchestry/internal/runtime"
	"github.com/arjuuuuunnnnn/orchestry/internal/specs"
	"github.com/arjuuuuunnnnn/orchestry/internal/store"
	"github.com/arjuuuuunnnnn/orchestry/internal/telemetry"
)

// Replica is the in-memory view of one container instance (spec.md's
// ContainerInstance).
type Replica struct {
	ContainerID   string
	Index         int
	IP            string
	Port          int
	State         string // ready, draining, down
	CPUPercent    float64
	MemoryPercent float64
	LastSeen      time.Time
	Failures      int
}

// StartResult reports Start's adoption/creation counts (spec.md §4.3).
type StartResult struct {
	Adopted  int
	Started  int
	Replicas int
}

// Manager owns app -> []*Replica and drives the Runtime and Proxy Drivers.
type Manager struct {
	runtime runtime.Driver
	prox    proxy.Driver
	prober  *health.Prober
	st      *store.Store
	network string

	mu       sync.RWMutex
	replicas map[string][]*Replica

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Manager and ensures the shared bridge network exists.
func New(ctx context.Context, rt runtime.Driver, px proxy.Driver, prober *health.Prober, st *store.Store, network string) (*Manager, error) {
	if err := rt.EnsureNetwork(ctx, network); err != nil {
		return nil, err
	}
	m := &Manager{
		runtime:  rt,
		prox:     px,
		prober:   prober,
		st:       st,
		network:  network,
		replicas: make(map[string][]*Replica),
		locks:    make(map[string]*sync.Mutex),
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.wg.Add(1)
	go m.consumeHealthEvents()
	return m, nil
}

func (m *Manager) lockFor(app string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[app]
	if !ok {
		l = &sync.Mutex{}
		m.locks[app] = l
	}
	return l
}

// consumeHealthEvents republishes an app's proxy config whenever the Health
// Prober reports a flip, breaking the App Manager <-> Health Prober cycle
// (spec.md §9): the prober never calls back into the manager directly.
func (m *Manager) consumeHealthEvents() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case ev, ok := <-m.prober.Events():
			if !ok {
				return
			}
			m.republish(context.Background(), ev.App)
		}
	}
}

// Close stops the health-event consumer. Does not touch tracked replicas.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

// Register validates and persists a new app definition with status=stopped,
// replicas=0 (spec.md §4.3 Register).
func (m *Manager) Register(spec *specs.AppSpec, raw map[string]interface{}) error {
	rec := &store.AppRecord{
		Name:     spec.Name,
		Spec:     spec,
		RawSpec:  raw,
		Status:   "stopped",
		Replicas: 0,
		Mode:     spec.Mode,
	}
	if err := m.st.SaveApp(rec); err != nil {
		return err
	}
	m.mu.Lock()
	if _, ok := m.replicas[spec.Name]; !ok {
		m.replicas[spec.Name] = []*Replica{}
	}
	m.mu.Unlock()
	log.Printf("registered app %s", spec.Name)
	return nil
}

// Start reconciles pre-existing containers, tops replicas up to
// scaling.min, republishes proxy config, and marks the app running.
func (m *Manager) Start(ctx context.Context, app string) (*StartResult, error) {
	lock := m.lockFor(app)
	lock.Lock()
	defer lock.Unlock()

	rec, err := m.st.GetApp(app)
	if err != nil {
		return nil, err
	}

	adopted, err := m.reconcileLocked(ctx, app, rec)
	if err != nil {
		log.Printf("reconcile during start of %s: %v", app, err)
	}

	minReplicas := 1
	if rec.Spec.Scaling != nil && rec.Spec.Scaling.MinReplicas > 0 {
		minReplicas = rec.Spec.Scaling.MinReplicas
	}

	started := 0
	for m.replicaCount(app) < minReplicas {
		idx := m.nextFreeIndex(app)
		if _, err := m.createReplica(ctx, app, rec.Spec, idx); err != nil {
			return nil, err
		}
		started++
	}

	total := m.replicaCount(app)
	rec.Status = "running"
	rec.Replicas = total
	if err := m.st.SaveApp(rec); err != nil {
		return nil, err
	}

	m.republish(ctx, app)
	log.Printf("app %s running with %d replicas (adopted=%d, started=%d)", app, total, adopted, started)
	return &StartResult{Adopted: adopted, Started: started, Replicas: total}, nil
}

// Stop gracefully stops and removes every tracked replica, deregisters
// them from the Health Prober, clears the proxy config, and marks the app
// stopped (spec.md §4.3 Stop).
func (m *Manager) Stop(ctx context.Context, app string) error {
	lock := m.lockFor(app)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	instances := m.replicas[app]
	delete(m.replicas, app)
	m.mu.Unlock()

	stopped := 0
	for _, r := range instances {
		if err := m.runtime.Stop(ctx, r.ContainerID, 30); err != nil {
			log.Printf("stopping container %s: %v", r.ContainerID, err)
		}
		if err := m.runtime.Remove(ctx, r.ContainerID, true); err != nil {
			log.Printf("removing container %s: %v", r.ContainerID, err)
		}
		m.prober.RemoveTarget(r.ContainerID)
		stopped++
	}

	if err := m.prox.RemoveAppConfig(ctx, app); err != nil {
		log.Printf("removing proxy config for %s: %v", app, err)
	}

	rec, err := m.st.GetApp(app)
	if err != nil {
		return err
	}
	rec.Status = "stopped"
	rec.Replicas = 0
	if err := m.st.SaveApp(rec); err != nil {
		return err
	}
	log.Printf("stopped %d containers for app %s", stopped, app)
	return nil
}

// Scale adjusts the tracked replica count to target, creating or removing
// containers at the dense index boundary (spec.md §4.3 Scale).
func (m *Manager) Scale(ctx context.Context, app string, target int) error {
	lock := m.lockFor(app)
	lock.Lock()
	defer lock.Unlock()

	rec, err := m.st.GetApp(app)
	if err != nil {
		return err
	}

	current := m.replicaCount(app)
	if target > current {
		for i := 0; i < target-current; i++ {
			idx := m.nextFreeIndex(app)
			if _, err := m.createReplica(ctx, app, rec.Spec, idx); err != nil {
				return err
			}
		}
	} else if target < current {
		toRemove := current - target
		m.mu.Lock()
		tail := m.replicas[app][len(m.replicas[app])-toRemove:]
		m.replicas[app] = m.replicas[app][:len(m.replicas[app])-toRemove]
		m.mu.Unlock()

		for _, r := range tail {
			m.prober.RemoveTarget(r.ContainerID)
			if err := m.runtime.Stop(ctx, r.ContainerID, 30); err != nil {
				log.Printf("stopping container %s: %v", r.ContainerID, err)
			}
			if err := m.runtime.Remove(ctx, r.ContainerID, true); err != nil {
				log.Printf("removing container %s: %v", r.ContainerID, err)
			}
		}
	}

	m.republish(ctx, app)

	rec.Replicas = target
	return m.st.SaveApp(rec)
}

// Status returns {replicas, ready_replicas, per-instance view}; status is
// "degraded" iff zero ready replicas out of a non-empty tracked set.
func (m *Manager) Status(app string) (map[string]interface{}, error) {
	m.mu.RLock()
	instances, ok := m.replicas[app]
	m.mu.RUnlock()
	if !ok {
		return nil, apperrors.NotFoundf("app not tracked: %s", app)
	}

	ready := 0
	view := make([]map[string]interface{}, 0, len(instances))
	for _, r := range instances {
		if r.State == "ready" {
			ready++
		}
		id := r.ContainerID
		if len(id) > 12 {
			id = id[:12]
		}
		view = append(view, map[string]interface{}{
			"container_id":   id,
			"ip":             r.IP,
			"port":           r.Port,
			"state":          r.State,
			"cpu_percent":    r.CPUPercent,
			"memory_percent": r.MemoryPercent,
			"last_seen":      r.LastSeen.Unix(),
			"failures":       r.Failures,
		})
	}

	status := "running"
	if len(instances) > 0 && ready == 0 {
		status = "degraded"
	}

	return map[string]interface{}{
		"app":            app,
		"status":         status,
		"replicas":       len(instances),
		"ready_replicas": ready,
		"instances":      view,
	}, nil
}

// Logs returns recent log output for every tracked replica of app, keyed by
// a shortened container id (SPEC_FULL supplemented feature: log retrieval).
func (m *Manager) Logs(ctx context.Context, app string, lines int) (map[string]string, error) {
	m.mu.RLock()
	instances, ok := m.replicas[app]
	m.mu.RUnlock()
	if !ok {
		return nil, apperrors.NotFoundf("app not tracked: %s", app)
	}

	out := make(map[string]string, len(instances))
	for _, r := range instances {
		logs, err := m.runtime.Logs(ctx, r.ContainerID, lines)
		if err != nil {
			log.Printf("fetching logs for %s: %v", r.ContainerID, err)
			continue
		}
		out[shortID(r.ContainerID)] = logs
	}
	return out, nil
}

// ReplicaSnapshot returns a copy of the tracked replicas for app, used by
// the Control Loop to compute per-container stats and fair-share metrics.
func (m *Manager) ReplicaSnapshot(app string) []*Replica {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.replicas[app]
	out := make([]*Replica, len(src))
	copy(out, src)
	return out
}

// TotalReplicas returns the sum of tracked replicas across every app, used
// by the Control Loop's fair-share RPS distribution (spec.md §4.6 step 3).
func (m *Manager) TotalReplicas() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := 0
	for _, rs := range m.replicas {
		total += len(rs)
	}
	return total
}

// UpdateStats refreshes a replica's CPU/memory usage from the Runtime
// Driver's stats call (SPEC_FULL supplemented feature: container stats
// refresh).
func (m *Manager) UpdateStats(ctx context.Context, app string) {
	m.mu.RLock()
	instances := m.replicas[app]
	m.mu.RUnlock()
	for _, r := range instances {
		stats, err := m.runtime.Stats(ctx, r.ContainerID)
		if err != nil {
			continue
		}
		r.CPUPercent = stats.CPUPercent
		r.MemoryPercent = stats.MemoryPercent
	}
}

// Reconcile lists runtime containers labeled for app, starts stopped ones,
// and adopts any not yet tracked (spec.md §4.3 Reconcile).
func (m *Manager) Reconcile(ctx context.Context, app string) (int, error) {
	lock := m.lockFor(app)
	lock.Lock()
	defer lock.Unlock()

	rec, err := m.st.GetApp(app)
	if err != nil {
		return 0, err
	}
	return m.reconcileLocked(ctx, app, rec)
}

func (m *Manager) reconcileLocked(ctx context.Context, app string, rec *store.AppRecord) (int, error) {
	containers, err := m.runtime.ListByLabel(ctx, "orchestry.app", app)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.KindRuntime, "listing containers for "+app, err)
	}

	m.mu.Lock()
	if m.replicas[app] == nil {
		m.replicas[app] = []*Replica{}
	}
	tracked := make(map[string]bool, len(m.replicas[app]))
	for _, r := range m.replicas[app] {
		tracked[r.ContainerID] = true
	}
	m.mu.Unlock()

	port := firstPort(rec.Spec)
	adopted := 0
	for _, c := range containers {
		if !c.Running {
			if err := m.runtime.Start(ctx, c.ID); err != nil {
				log.Printf("starting adopted container %s: %v", c.ID, err)
				continue
			}
		}
		if tracked[c.ID] {
			continue
		}

		idx := replicaIndexFromLabel(c.Labels)
		r := &Replica{ContainerID: c.ID, Index: idx, IP: c.IP, Port: port, State: "ready", LastSeen: time.Now()}

		m.mu.Lock()
		m.replicas[app] = append(m.replicas[app], r)
		m.mu.Unlock()

		m.registerHealthTarget(app, r, rec.Spec)
		adopted++
	}

	if adopted > 0 {
		m.republish(ctx, app)
		log.Printf("reconciled %d containers for %s", adopted, app)
	}
	return adopted, nil
}

// MonitorTick inspects every tracked replica's runtime state once; any
// non-running replica is removed and replaced at the first free index,
// then every running app below scaling.min is topped up (spec.md §4.3
// MonitorTick). Callers are expected to invoke this only while leader.
func (m *Manager) MonitorTick(ctx context.Context) {
	m.mu.RLock()
	apps := make([]string, 0, len(m.replicas))
	for app := range m.replicas {
		apps = append(apps, app)
	}
	m.mu.RUnlock()

	for _, app := range apps {
		m.recreateFailed(ctx, app)
	}
	m.ensureMinReplicas(ctx)
}

func (m *Manager) recreateFailed(ctx context.Context, app string) {
	lock := m.lockFor(app)
	lock.Lock()
	defer lock.Unlock()

	rec, err := m.st.GetApp(app)
	if err != nil {
		return
	}

	m.mu.Lock()
	var alive []*Replica
	var failed []*Replica
	for _, r := range m.replicas[app] {
		info, err := m.runtime.Inspect(ctx, r.ContainerID)
		if err != nil || !info.Running {
			failed = append(failed, r)
			continue
		}
		alive = append(alive, r)
	}
	m.replicas[app] = alive
	m.mu.Unlock()

	for _, r := range failed {
		log.Printf("replica %s for %s not running, recreating", shortID(r.ContainerID), app)
		m.prober.RemoveTarget(r.ContainerID)
		idx := m.nextFreeIndex(app)
		if _, err := m.createReplica(ctx, app, rec.Spec, idx); err != nil {
			log.Printf("recreating replica for %s: %v", app, err)
		}
	}
	if len(failed) > 0 {
		m.republish(ctx, app)
	}
}

func (m *Manager) ensureMinReplicas(ctx context.Context) {
	apps, err := m.st.ListApps()
	if err != nil {
		return
	}
	for _, rec := range apps {
		if rec.Status != "running" {
			continue
		}
		minReplicas := 1
		if rec.Spec.Scaling != nil && rec.Spec.Scaling.MinReplicas > 0 {
			minReplicas = rec.Spec.Scaling.MinReplicas
		}
		if m.replicaCount(rec.Name) < minReplicas {
			lock := m.lockFor(rec.Name)
			lock.Lock()
			for m.replicaCount(rec.Name) < minReplicas {
				idx := m.nextFreeIndex(rec.Name)
				if _, err := m.createReplica(ctx, rec.Name, rec.Spec, idx); err != nil {
					log.Printf("ensuring min replicas for %s: %v", rec.Name, err)
					break
				}
			}
			lock.Unlock()
			m.republish(ctx, rec.Name)
		}
	}
}

func (m *Manager) createReplica(ctx context.Context, app string, spec *specs.AppSpec, index int) (*Replica, error) {
	port := firstPort(spec)
	cpuNano, memBytes := parseResources(spec.Spec.Resources)

	labels := map[string]string{
		"orchestry.app":     app,
		"orchestry.replica": strconv.Itoa(index),
		"orchestry.type":    spec.Spec.Type,
	}

	var env []string
	for _, e := range spec.Spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", e.Name, e.Value))
	}

	name := fmt.Sprintf("%s-%d", app, index)
	id, err := m.runtime.Create(ctx, runtime.ContainerSpec{
		Name: name, Image: spec.Spec.Image, Labels: labels, Env: env,
		Network: m.network, NanoCPUs: cpuNano, MemoryBytes: memBytes,
		RestartPolicy: "unless-stopped",
	})
	if err != nil {
		return nil, err
	}
	if err := m.runtime.Start(ctx, id); err != nil {
		return nil, err
	}
	info, err := m.runtime.Inspect(ctx, id)
	if err != nil {
		return nil, err
	}

	r := &Replica{ContainerID: id, Index: index, IP: info.IP, Port: port, State: "ready", LastSeen: time.Now()}

	m.mu.Lock()
	m.replicas[app] = append(m.replicas[app], r)
	m.mu.Unlock()

	m.registerHealthTarget(app, r, spec)
	log.Printf("started container %s at %s:%d", name, r.IP, r.Port)
	return r, nil
}

func (m *Manager) registerHealthTarget(app string, r *Replica, spec *specs.AppSpec) {
	cfg := health.CheckConfig{}
	if spec.Spec.Health != nil {
		cfg = health.CheckConfig{
			Path:             spec.Spec.Health.Path,
			IntervalSeconds:  spec.Spec.Health.IntervalSeconds,
			TimeoutSeconds:   spec.Spec.Health.TimeoutSeconds,
			FailureThreshold: spec.Spec.Health.FailureThreshold,
			SuccessThreshold: spec.Spec.Health.SuccessThreshold,
		}
	}
	m.prober.AddTarget(app, r.ContainerID, r.IP, r.Port, cfg)
}

// republish computes the healthy upstream set for app and pushes it
// through the Proxy Driver (spec.md §4.7).
func (m *Manager) republish(ctx context.Context, app string) {
	m.mu.RLock()
	instances := m.replicas[app]
	m.mu.RUnlock()

	var upstreams []proxy.Upstream
	for _, r := range instances {
		if r.State == "ready" && m.prober.IsHealthy(r.ContainerID) {
			upstreams = append(upstreams, proxy.Upstream{IP: r.IP, Port: r.Port})
		}
	}

	var err error
	if len(upstreams) == 0 {
		err = m.prox.RemoveAppConfig(ctx, app)
	} else {
		err = m.prox.Publish(ctx, app, upstreams)
	}
	if err != nil {
		log.Printf("republishing proxy config for %s: %v", app, err)
		telemetry.ProxyPublishFailuresTotal.WithLabelValues(app).Inc()
	}
}

func (m *Manager) replicaCount(app string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.replicas[app])
}

// nextFreeIndex returns the lowest unused dense replica index for app
// (spec.md's Replica invariant: dense, per-app, reused after removal).
func (m *Manager) nextFreeIndex(app string) int {
	m.mu.RLock()
	used := make(map[int]bool, len(m.replicas[app]))
	for _, r := range m.replicas[app] {
		used[r.Index] = true
	}
	m.mu.RUnlock()
	idx := 0
	for used[idx] {
		idx++
	}
	return idx
}

func firstPort(spec *specs.AppSpec) int {
	if spec != nil && len(spec.Spec.Ports) > 0 {
		return spec.Spec.Ports[0].ContainerPort
	}
	return 8080
}

func replicaIndexFromLabel(labels map[string]string) int {
	if v, ok := labels["orchestry.replica"]; ok {
		if idx, err := strconv.Atoi(v); err == nil {
			return idx
		}
	}
	return 0
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// parseResources converts spec.md's resource strings ("500m" CPU millicores,
// "256Mi"/"1Gi" memory) into Docker's NanoCPUs/byte units.
func parseResources(r *specs.ResourceSpec) (nanoCPUs int64, memBytes int64) {
	if r == nil {
		return 0, 0
	}
	if r.CPU != "" {
		if strings.HasSuffix(r.CPU, "m") {
			if v, err := strconv.ParseFloat(strings.TrimSuffix(r.CPU, "m"), 64); err == nil {
				nanoCPUs = int64((v / 1000) * 1_000_000_000)
			}
		} else if v, err := strconv.ParseFloat(r.CPU, 64); err == nil {
			nanoCPUs = int64(v * 1_000_000_000)
		}
	}
	if r.Memory != "" {
		switch {
		case strings.HasSuffix(r.Memory, "Mi"):
			if v, err := strconv.ParseInt(strings.TrimSuffix(r.Memory, "Mi"), 10, 64); err == nil {
				memBytes = v * 1024 * 1024
			}
		case strings.HasSuffix(r.Memory, "Gi"):
			if v, err := strconv.ParseInt(strings.TrimSuffix(r.Memory, "Gi"), 10, 64); err == nil {
				memBytes = v * 1024 * 1024 * 1024
			}
		}
	}
	return nanoCPUs, memBytes
}
