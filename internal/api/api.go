// Package api implements the API Surface (spec.md's C9): a gin HTTP server
// exposing app lifecycle, scaling, metrics, event, and cluster-status
// routes, with a leader-gating middleware that redirects mutating calls
// away from followers.
package api

import (
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arjuuuuunnnnn/orchestry/internal/apperrors"
	"github.com/arjuuuuunnnnn/orchestry/internal/appmanager"
	"github.com/arjuuuuunnnnn/orchestry/internal/autoscaler"
	"github.com/arjuuuuunnnnn/orchestry/internal/cluster"
	"github.com/arjuuuuunnnnn/orchestry/internal/config"
	"github.com/arjuuuuunnnnn/orchestry/internal/health"
	"github.com/arjuuuuunnnnn/orchestry/internal/proxy"
	"github.com/arjuuuuunnnnn/orchestry/internal/specs"
	"github.com/arjuuuuunnnnn/orchestry/internal/store"
)

// ScaleRequest is a manual replica-count change.
type ScaleRequest struct {
	Replicas int `json:"replicas" binding:"required,min=0,max=100"`
}

// PolicyRequest carries a raw scaling-policy document.
type PolicyRequest struct {
	Policy map[string]interface{} `json:"policy" binding:"required"`
}

// SimulatedMetricsRequest injects synthetic metrics for testing autoscaling
// decisions without live traffic.
type SimulatedMetricsRequest struct {
	RPS               float64 `json:"rps"`
	P95LatencyMs      float64 `json:"p95LatencyMs"`
	ActiveConnections int     `json:"activeConnections"`
	CPUPercent        float64 `json:"cpuPercent"`
	MemoryPercent     float64 `json:"memoryPercent"`
	HealthyReplicas   *int    `json:"healthyReplicas"`
	Evaluate          bool    `json:"evaluate"`
}

// Server is the Orchestry API server.
type Server struct {
	cfg    *config.Config
	apps   *appmanager.Manager
	st     *store.Store
	prox   proxy.Driver
	scaler *autoscaler.AutoScaler
	prober *health.Prober
	coord  *cluster.Coordinator
	router *gin.Engine
}

// New wires every component into a configured gin router.
func New(cfg *config.Config, apps *appmanager.Manager, st *store.Store, prox proxy.Driver, scaler *autoscaler.AutoScaler, prober *health.Prober, coord *cluster.Coordinator) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.Default()
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORSAllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length", "X-Current-Leader"},
		AllowCredentials: true,
	}))

	s := &Server{cfg: cfg, apps: apps, st: st, prox: prox, scaler: scaler, prober: prober, coord: coord, router: router}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.POST("/apps/register", s.leaderRequired(s.registerApp))
	s.router.POST("/apps/:name/up", s.leaderRequired(s.startApp))
	s.router.POST("/apps/:name/down", s.leaderRequired(s.stopApp))
	s.router.GET("/apps/:name/status", s.appStatus)
	s.router.POST("/apps/:name/scale", s.leaderRequired(s.scaleApp))
	s.router.POST("/apps/:name/policy", s.leaderRequired(s.setScalingPolicy))
	s.router.GET("/apps", s.listApps)
	s.router.GET("/apps/:name/raw", s.getAppRawSpec)
	s.router.GET("/apps/:name/logs", s.getAppLogs)
	s.router.GET("/apps/:name/metrics", s.getAppMetrics)
	s.router.POST("/apps/:name/simulateMetrics", s.leaderRequired(s.simulateMetrics))

	s.router.GET("/metrics", s.getSystemMetrics)
	s.router.GET(s.cfg.MetricsPath, gin.WrapH(promhttp.Handler()))
	s.router.GET("/events", s.getEvents)

	s.router.GET("/cluster/status", s.getClusterStatus)
	s.router.GET("/cluster/leader", s.getClusterLeader)
	s.router.GET("/cluster/health", s.clusterHealthCheck)

	s.router.GET("/health", s.healthCheck)
}

// Run starts the HTTP server, blocking until it exits.
func (s *Server) Run() error {
	log.Printf("starting orchestry API on %s", s.cfg.ListenAddr())
	return s.router.Run(s.cfg.ListenAddr())
}

// leaderRequired rejects mutating calls on a non-leader node with 503 and
// the current leader's id in X-Current-Leader (spec.md §6).
func (s *Server) leaderRequired(handler gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.coord.IsLeader() {
			handler(c)
			return
		}
		leaderInfo := s.coord.LeaderInfo()
		if leaderInfo == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no leader elected, cluster not ready"})
			return
		}
		c.Header("X-Current-Leader", fmt.Sprint(leaderInfo["leader_id"]))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":  fmt.Sprintf("not the leader, leader is %v", leaderInfo["leader_id"]),
			"leader": leaderInfo["leader_id"],
		})
	}
}

// statusFor maps a typed apperrors.Kind to the HTTP status spec.md §6
// prescribes for it.
func statusFor(err error) int {
	switch apperrors.KindOf(err) {
	case apperrors.KindValidation:
		return http.StatusBadRequest
	case apperrors.KindNotFound:
		return http.StatusNotFound
	case apperrors.KindConflict:
		return http.StatusConflict
	case apperrors.KindLeadership:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func (s *Server) registerApp(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	spec, rawMap, err := specs.ParseAppSpec(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := spec.Normalize(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.apps.Register(spec, rawMap); err != nil {
		s.fail(c, err)
		return
	}
	if spec.Scaling != nil {
		if err := s.scaler.SetPolicy(spec.Name, autoscaler.PolicyFromSpec(spec.Scaling)); err != nil {
			s.fail(c, err)
			return
		}
	}
	if err := s.st.LogEvent(spec.Name, "registered", "", map[string]interface{}{"spec": spec}); err != nil {
		log.Printf("logging register event: %v", err)
	}

	c.JSON(http.StatusOK, gin.H{"status": "registered", "app": spec.Name})
}

func (s *Server) startApp(c *gin.Context) {
	name := c.Param("name")
	result, err := s.apps.Start(c.Request.Context(), name)
	if err != nil {
		s.fail(c, err)
		return
	}
	if err := s.st.LogEvent(name, "started", "", result); err != nil {
		log.Printf("logging start event: %v", err)
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) stopApp(c *gin.Context) {
	name := c.Param("name")
	if err := s.apps.Stop(c.Request.Context(), name); err != nil {
		s.fail(c, err)
		return
	}
	if err := s.st.LogEvent(name, "stopped", "", nil); err != nil {
		log.Printf("logging stop event: %v", err)
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped", "app": name})
}

func (s *Server) appStatus(c *gin.Context) {
	name := c.Param("name")
	result, err := s.apps.Status(name)
	if err != nil {
		s.fail(c, err)
		return
	}
	if rec, err := s.st.GetApp(name); err == nil {
		result["mode"] = rec.Mode
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) scaleApp(c *gin.Context) {
	name := c.Param("name")
	var req ScaleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	current := len(s.apps.ReplicaSnapshot(name))
	if err := s.apps.Scale(c.Request.Context(), name, req.Replicas); err != nil {
		s.fail(c, err)
		return
	}

	if err := s.st.LogScalingAction(name, current, req.Replicas, "manual scaling", []string{"manual"}, nil); err != nil {
		log.Printf("logging manual scaling action: %v", err)
	}
	if err := s.st.LogEvent(name, "manual_scale", "", map[string]interface{}{
		"old_replicas": current, "new_replicas": req.Replicas,
	}); err != nil {
		log.Printf("logging manual scale event: %v", err)
	}

	c.JSON(http.StatusOK, gin.H{"status": "scaled", "app": name, "replicas": req.Replicas})
}

func (s *Server) setScalingPolicy(c *gin.Context) {
	name := c.Param("name")
	var req PolicyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	policy := autoscaler.Policy{
		MinReplicas:          intFromMap(req.Policy, "minReplicas", 1),
		MaxReplicas:          intFromMap(req.Policy, "maxReplicas", 5),
		TargetRPSPerReplica:  intFromMap(req.Policy, "targetRPSPerReplica", 50),
		MaxP95LatencyMs:      intFromMap(req.Policy, "maxP95LatencyMs", 250),
		MaxConnPerReplica:    intFromMap(req.Policy, "maxConnPerReplica", 0),
		ScaleOutThresholdPct: intFromMap(req.Policy, "scaleOutThresholdPct", 80),
		ScaleInThresholdPct:  intFromMap(req.Policy, "scaleInThresholdPct", 30),
		WindowSeconds:        intFromMap(req.Policy, "windowSeconds", 60),
		CooldownSeconds:      intFromMap(req.Policy, "cooldownSeconds", 300),
	}
	if err := s.scaler.SetPolicy(name, policy); err != nil {
		s.fail(c, err)
		return
	}

	if err := s.st.LogEvent(name, "policy_updated", "", req.Policy); err != nil {
		log.Printf("logging policy update event: %v", err)
	}

	c.JSON(http.StatusOK, gin.H{"status": "updated", "app": name, "policy": req.Policy})
}

func (s *Server) listApps(c *gin.Context) {
	recs, err := s.st.ListApps()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	out := make([]map[string]interface{}, 0, len(recs))
	for _, rec := range recs {
		entry := map[string]interface{}{
			"name": rec.Name, "status": rec.Status, "replicas": rec.Replicas,
			"created_at": rec.CreatedAt, "updated_at": rec.UpdatedAt, "mode": rec.Mode,
		}
		if status, err := s.apps.Status(rec.Name); err == nil {
			entry["status"] = status["status"]
			entry["replicas"] = status["replicas"]
			entry["ready_replicas"] = status["ready_replicas"]
		}
		out = append(out, entry)
	}
	c.JSON(http.StatusOK, gin.H{"apps": out})
}

func (s *Server) getAppRawSpec(c *gin.Context) {
	name := c.Param("name")
	rec, err := s.st.GetApp(name)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": name, "raw": rec.RawSpec, "parsed": rec.Spec})
}

func (s *Server) getAppLogs(c *gin.Context) {
	name := c.Param("name")
	lines, err := strconv.Atoi(c.DefaultQuery("lines", "100"))
	if err != nil {
		lines = 100
	}

	logs, err := s.apps.Logs(c.Request.Context(), name, lines)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"app": name, "logs": logs})
}

func (s *Server) getAppMetrics(c *gin.Context) {
	name := c.Param("name")
	summary := s.scaler.GetMetricsSummary(name)
	history, err := s.st.GetScalingHistory(name, 10)
	if err != nil {
		log.Printf("fetching scaling history for %s: %v", name, err)
	}
	c.JSON(http.StatusOK, gin.H{"app": name, "metrics": summary, "scaling_history": history})
}

func (s *Server) simulateMetrics(c *gin.Context) {
	name := c.Param("name")
	var sim SimulatedMetricsRequest
	if err := c.ShouldBindJSON(&sim); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	replicas := s.apps.ReplicaSnapshot(name)
	if len(replicas) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "app not running"})
		return
	}

	healthy := 0
	for _, r := range replicas {
		if r.State == "ready" {
			healthy++
		}
	}
	if sim.HealthyReplicas != nil {
		healthy = *sim.HealthyReplicas
	}

	metrics := autoscaler.Metrics{
		RPS: sim.RPS, P95LatencyMs: sim.P95LatencyMs, ActiveConnections: sim.ActiveConnections,
		CPUPercent: sim.CPUPercent, MemoryPercent: sim.MemoryPercent,
		HealthyReplicas: healthy, TotalReplicas: len(replicas),
	}
	s.scaler.AddMetrics(name, metrics)

	response := gin.H{"app": name, "metrics_added": metrics}

	if sim.Evaluate {
		mode := "auto"
		if rec, err := s.st.GetApp(name); err == nil {
			mode = rec.Mode
		}
		decision := s.scaler.Evaluate(name, len(replicas), mode)
		response["evaluation"] = gin.H{
			"should_scale": decision.ShouldScale, "target_replicas": decision.TargetReplicas,
			"reason": decision.Reason, "scale_factors": s.scaler.GetLastScaleFactors(name),
		}

		if decision.ShouldScale {
			if err := s.apps.Scale(c.Request.Context(), name, decision.TargetReplicas); err != nil {
				response["action"] = gin.H{"scaled": false, "error": err.Error()}
			} else {
				s.scaler.RecordScalingAction(name, decision.CurrentReplicas, decision.TargetReplicas)
				if err := s.st.LogScalingAction(name, decision.CurrentReplicas, decision.TargetReplicas, decision.Reason, decision.TriggeredBy, decision.Metrics); err != nil {
					log.Printf("logging simulated scaling action: %v", err)
				}
				response["action"] = gin.H{"scaled": true, "from": decision.CurrentReplicas, "to": decision.TargetReplicas, "reason": decision.Reason}
			}
		}
	}

	c.JSON(http.StatusOK, response)
}

func (s *Server) getSystemMetrics(c *gin.Context) {
	recs, err := s.st.ListApps()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	running, totalInstances, healthyInstances := 0, 0, 0
	for _, rec := range recs {
		replicas := s.apps.ReplicaSnapshot(rec.Name)
		if len(replicas) == 0 {
			continue
		}
		running++
		totalInstances += len(replicas)
		for _, r := range replicas {
			if r.State == "ready" {
				healthyInstances++
			}
		}
	}

	nginxStatus, err := s.prox.Status(c.Request.Context())
	if err != nil {
		nginxStatus = map[string]interface{}{"error": err.Error()}
	}

	c.JSON(http.StatusOK, gin.H{
		"timestamp":     time.Now().Unix(),
		"cluster":       s.coord.Status(),
		"apps":          gin.H{"total": len(recs), "running": running},
		"instances":     gin.H{"total": totalInstances, "healthy": healthyInstances, "unhealthy": totalInstances - healthyInstances},
		"nginx":         nginxStatus,
		"health_checks": s.prober.Summary(),
	})
}

func (s *Server) getEvents(c *gin.Context) {
	app := c.Query("app")
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil {
		limit = 100
	}
	events, err := s.st.GetEvents(app, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (s *Server) getClusterStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.coord.Status())
}

func (s *Server) getClusterLeader(c *gin.Context) {
	info := s.coord.LeaderInfo()
	if info == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no leader elected"})
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) clusterHealthCheck(c *gin.Context) {
	status := s.coord.Status()
	ready := s.coord.Ready()
	healthState := "healthy"
	if !ready {
		healthState = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status": healthState, "node_id": status["node_id"], "state": status["state"],
		"is_leader": status["is_leader"], "leader_id": status["leader_id"],
		"cluster_size": status["cluster_size"], "cluster_ready": ready,
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "timestamp": time.Now().Unix()})
}

func intFromMap(m map[string]interface{}, key string, defaultVal int) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return defaultVal
}
