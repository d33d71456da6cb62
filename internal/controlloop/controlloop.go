// Package controlloop implements the Control Loop (spec.md's C8): a
// leader-only ticker that drives container-health reconciliation, collects
// per-app and global metrics, feeds the Autoscaler, and executes the
// scaling decisions it returns.
package controlloop

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/arjuuuuunnnnn/orchestry/internal/appmanager"
	"github.com/arjuuuuunnnnn/orchestry/internal/autoscaler"
	"github.com/arjuuuuunnnnn/orchestry/internal/cluster"
	"github.com/arjuuuuunnnnn/orchestry/internal/proxy"
	"github.com/arjuuuuunnnnn/orchestry/internal/store"
)

// Loop ties the App Manager, Autoscaler, Proxy Driver, and Leader
// Coordinator together into one periodic cycle (spec.md §4.6).
type Loop struct {
	apps     *appmanager.Manager
	scaler   *autoscaler.AutoScaler
	prox     proxy.Driver
	st       *store.Store
	coord    *cluster.Coordinator
	interval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	nginxMu           sync.Mutex
	prevNginxRequests *int
	prevNginxTime     *float64
}

// New builds a Loop. intervalSeconds is spec.md's
// ORCHESTRY_CONTROL_LOOP_INTERVAL_SECONDS.
func New(apps *appmanager.Manager, scaler *autoscaler.AutoScaler, prox proxy.Driver, st *store.Store, coord *cluster.Coordinator, intervalSeconds int) *Loop {
	if intervalSeconds <= 0 {
		intervalSeconds = 10
	}
	return &Loop{
		apps: apps, scaler: scaler, prox: prox, st: st, coord: coord,
		interval: time.Duration(intervalSeconds) * time.Second,
	}
}

// Start launches the background ticker. Each tick is a no-op on nodes that
// are not currently leader (spec.md §5: mutating operations are
// leader-only; reads may continue).
func (l *Loop) Start() {
	l.ctx, l.cancel = context.WithCancel(context.Background())
	l.wg.Add(1)
	go l.run()
	log.Println("control loop started")
}

// Stop halts the ticker and waits for any in-flight cycle to finish.
func (l *Loop) Stop() {
	if l.cancel == nil {
		return
	}
	l.cancel()
	l.wg.Wait()
	log.Println("control loop stopped")
}

func (l *Loop) run() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			if !l.coord.IsLeader() {
				continue
			}
			if err := l.tick(l.ctx); err != nil {
				log.Printf("control loop tick: %v", err)
			}
		}
	}
}

// OnBecomeLeader reconciles every app's containers and restores scaling
// policies from the store — called by cmd/orchestryd when the Leader
// Coordinator promotes this node (spec.md §4.2/§9).
func (l *Loop) OnBecomeLeader() {
	recs, err := l.st.ListApps()
	if err != nil {
		log.Printf("listing apps on becoming leader: %v", err)
		return
	}
	for _, rec := range recs {
		if _, err := l.apps.Reconcile(context.Background(), rec.Name); err != nil {
			log.Printf("reconciling %s on becoming leader: %v", rec.Name, err)
		}
		if rec.Spec.Scaling != nil {
			if err := l.scaler.SetPolicy(rec.Name, autoscaler.PolicyFromSpec(rec.Spec.Scaling)); err != nil {
				log.Printf("restoring scaling policy for %s: %v", rec.Name, err)
			}
		}
	}
	log.Printf("leader reconciled %d apps", len(recs))
}

// tick performs one monitoring + autoscaling cycle (spec.md §4.6).
func (l *Loop) tick(ctx context.Context) error {
	l.apps.MonitorTick(ctx)

	nginxStatus, err := l.prox.Status(ctx)
	if err != nil {
		log.Printf("fetching proxy status: %v", err)
		nginxStatus = map[string]interface{}{}
	}
	rpsGlobal := l.computeGlobalRPS(nginxStatus)
	connsGlobal := intFromMap(nginxStatus, "active_connections")

	recs, err := l.st.ListApps()
	if err != nil {
		return err
	}

	totalReplicas := l.apps.TotalReplicas()

	for _, rec := range recs {
		if rec.Status != "running" {
			continue
		}
		l.evaluateApp(ctx, rec, totalReplicas, rpsGlobal, connsGlobal)
	}
	return nil
}

func (l *Loop) evaluateApp(ctx context.Context, rec *store.AppRecord, totalReplicas int, rpsGlobal float64, connsGlobal int) {
	replicas := l.apps.ReplicaSnapshot(rec.Name)
	if len(replicas) == 0 {
		return
	}
	l.apps.UpdateStats(ctx, rec.Name)

	healthy := 0
	var totalCPU, totalMem float64
	for _, r := range replicas {
		if r.State == "ready" {
			healthy++
		}
		totalCPU += r.CPUPercent
		totalMem += r.MemoryPercent
	}
	avgCPU := totalCPU / float64(len(replicas))
	avgMem := totalMem / float64(len(replicas))

	share := 0.0
	if totalReplicas > 0 {
		share = float64(len(replicas)) / float64(totalReplicas)
	}

	metrics := autoscaler.Metrics{
		RPS:               rpsGlobal * share,
		ActiveConnections: int(float64(connsGlobal) * share),
		CPUPercent:        avgCPU,
		MemoryPercent:     avgMem,
		HealthyReplicas:   healthy,
		TotalReplicas:     len(replicas),
	}
	l.scaler.AddMetrics(rec.Name, metrics)

	decision := l.scaler.Evaluate(rec.Name, len(replicas), rec.Mode)
	if !decision.ShouldScale {
		return
	}

	log.Printf("scaling %s: %s (%d -> %d)", rec.Name, decision.Reason, decision.CurrentReplicas, decision.TargetReplicas)
	if err := l.apps.Scale(ctx, rec.Name, decision.TargetReplicas); err != nil {
		log.Printf("scaling %s: %v", rec.Name, err)
		return
	}

	l.scaler.RecordScalingAction(rec.Name, decision.CurrentReplicas, decision.TargetReplicas)
	if err := l.st.LogScalingAction(rec.Name, decision.CurrentReplicas, decision.TargetReplicas, decision.Reason, decision.TriggeredBy, decision.Metrics); err != nil {
		log.Printf("logging scaling action for %s: %v", rec.Name, err)
	}
	if err := l.st.LogEvent(rec.Name, "scaled", "", map[string]interface{}{
		"old_replicas": decision.CurrentReplicas,
		"new_replicas": decision.TargetReplicas,
		"reason":       decision.Reason,
	}); err != nil {
		log.Printf("logging scale event for %s: %v", rec.Name, err)
	}
}

// computeGlobalRPS derives requests-per-second from nginx's monotonically
// increasing request counter across ticks (spec.md §4.6 step 2).
func (l *Loop) computeGlobalRPS(nginxStatus map[string]interface{}) float64 {
	l.nginxMu.Lock()
	defer l.nginxMu.Unlock()

	current, ok := nginxStatus["requests"].(int)
	if !ok {
		return 0.0
	}
	now := float64(time.Now().Unix())

	defer func() {
		l.prevNginxRequests = &current
		l.prevNginxTime = &now
	}()

	if l.prevNginxRequests == nil || l.prevNginxTime == nil {
		return 0.0
	}
	deltaReq := current - *l.prevNginxRequests
	deltaTime := now - *l.prevNginxTime
	if deltaReq < 0 || deltaTime <= 0 {
		return 0.0
	}
	return float64(deltaReq) / deltaTime
}

func intFromMap(m map[string]interface{}, key string) int {
	if v, ok := m[key].(int); ok {
		return v
	}
	return 0
}
