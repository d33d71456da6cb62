// Package cluster implements the Leader Coordinator (spec.md §4.2):
// distributed leader election over the relational store using an atomic
// conditional lease upsert, plus heartbeat and cluster-membership
// background tasks.
package cluster

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arjuuuuunnnnn/orchestry/internal/telemetry"
)

// NodeState is one of the Leader Coordinator's state machine states.
type NodeState string

const (
	StateFollower  NodeState = "follower"
	StateCandidate NodeState = "candidate"
	StateLeader    NodeState = "leader"
	StateStopped   NodeState = "stopped"
)

// Node is a cluster member as seen through membership tracking.
type Node struct {
	NodeID        string    `json:"node_id"`
	Hostname      string    `json:"hostname"`
	Port          int       `json:"port"`
	APIURL        string    `json:"api_url"`
	State         NodeState `json:"state"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Term          int       `json:"term"`
	IsHealthy     bool      `json:"is_healthy"`
}

// Lease is the current leader_lease row.
type Lease struct {
	LeaderID   string    `json:"leader_id"`
	Term       int       `json:"term"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	RenewedAt  time.Time `json:"renewed_at"`
	Hostname   string    `json:"hostname"`
	APIURL     string    `json:"api_url"`
}

// ConnProvider supplies the SQL connection to use; satisfied by
// *store.Store.
type ConnProvider interface {
	Conn(write bool) (*sql.DB, error)
}

// EventHook is invoked on leadership transitions. Each hook runs on its own
// goroutine so a slow hook can't delay the heartbeat loop (spec.md §9).
type EventHook func()

// ClusterChangeHook is invoked when cluster membership changes.
type ClusterChangeHook func(map[string]*Node)

// Coordinator is the Leader Coordinator.
type Coordinator struct {
	nodeID         string
	hostname       string
	port           int
	apiURL         string
	externalAPIURL string

	state       NodeState
	currentTerm int
	leaderID    *string
	isLeader    bool

	conn ConnProvider
	lock sync.RWMutex

	leaseTTL          int
	heartbeatInterval int
	electionTimeout   int

	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	onBecomeLeader   EventHook
	onLoseLeadership EventHook
	onClusterChange  ClusterChangeHook

	nodes     map[string]*Node
	nodesLock sync.RWMutex
}

// Config bundles the parameters New needs.
type Config struct {
	NodeID            string
	Hostname          string
	Port              int
	ControllerLBHost  string
	ControllerLBPort  string
	LeaseTTLSeconds   int
	HeartbeatInterval int
	ElectionTimeout   int
}

// New creates a Coordinator bound to the given connection provider.
func New(conn ConnProvider, cfg Config) *Coordinator {
	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = uuid.New().String()
	}
	hostname := cfg.Hostname
	if hostname == "" {
		hostname, _ = os.Hostname()
	}
	leaseTTL := cfg.LeaseTTLSeconds
	if leaseTTL == 0 {
		leaseTTL = 10
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat == 0 {
		heartbeat = 3
	}
	electionTimeout := cfg.ElectionTimeout
	if electionTimeout == 0 {
		electionTimeout = 5
	}

	apiURL := fmt.Sprintf("http://%s:%d", hostname, cfg.Port)
	lbHost := cfg.ControllerLBHost
	if lbHost == "" {
		lbHost = "localhost"
	}
	lbPort := cfg.ControllerLBPort
	if lbPort == "" {
		lbPort = "8000"
	}

	c := &Coordinator{
		nodeID:            nodeID,
		hostname:          hostname,
		port:              cfg.Port,
		apiURL:            apiURL,
		externalAPIURL:    fmt.Sprintf("http://%s:%s", lbHost, lbPort),
		state:             StateFollower,
		conn:              conn,
		leaseTTL:          leaseTTL,
		heartbeatInterval: heartbeat,
		electionTimeout:   electionTimeout,
		nodes:             make(map[string]*Node),
	}
	log.Printf("🏗️  initializing cluster node %s at %s", c.nodeID, c.apiURL)
	return c
}

func (c *Coordinator) SetOnBecomeLeader(h EventHook)          { c.onBecomeLeader = h }
func (c *Coordinator) SetOnLoseLeadership(h EventHook)        { c.onLoseLeadership = h }
func (c *Coordinator) SetOnClusterChange(h ClusterChangeHook) { c.onClusterChange = h }

// Start registers this node and launches the background tasks.
func (c *Coordinator) Start() error {
	if c.running {
		return nil
	}
	log.Println("🚀 starting cluster coordinator...")

	if err := c.registerNode(); err != nil {
		return fmt.Errorf("registering node: %w", err)
	}

	c.running = true
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.wg.Add(3)
	go c.heartbeatLoop()
	go c.electionLoop()
	go c.membershipLoop()

	log.Printf("✅ cluster node %s started", c.nodeID)
	return nil
}

// Stop releases leadership if held, marks the node stopped, and waits for
// background tasks to exit.
func (c *Coordinator) Stop() {
	if !c.running {
		return
	}
	log.Println("🛑 stopping cluster coordinator...")
	c.running = false

	if c.isLeader {
		c.releaseLeadership()
	}
	c.lock.Lock()
	c.state = StateStopped
	c.lock.Unlock()
	c.updateNodeStatus()

	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	log.Printf("cluster node %s stopped", c.nodeID)
}

func (c *Coordinator) registerNode() error {
	db, err := c.conn.Conn(true)
	if err != nil {
		return err
	}
	_, err = db.Exec(`
		INSERT INTO cluster_nodes (node_id, hostname, port, api_url, state, term, last_heartbeat, is_healthy)
		VALUES ($1, $2, $3, $4, $5, $6, CURRENT_TIMESTAMP, $7)
		ON CONFLICT (node_id) DO UPDATE SET
			hostname = EXCLUDED.hostname, port = EXCLUDED.port, api_url = EXCLUDED.api_url,
			state = EXCLUDED.state, term = EXCLUDED.term, last_heartbeat = CURRENT_TIMESTAMP,
			is_healthy = EXCLUDED.is_healthy, updated_at = CURRENT_TIMESTAMP
	`, c.nodeID, c.hostname, c.port, c.apiURL, c.state, c.currentTerm, true)
	return err
}

func (c *Coordinator) heartbeatLoop() {
	defer c.wg.Done()
	log.Println("💓 heartbeat loop started")
	ticker := time.NewTicker(time.Duration(c.heartbeatInterval) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.sendHeartbeat()
			if c.isLeader {
				c.renewLease()
			}
		}
	}
}

func (c *Coordinator) electionLoop() {
	defer c.wg.Done()
	log.Println("🗳️  election loop started")
	ticker := time.NewTicker(time.Duration(c.electionTimeout) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if !c.isLeader && c.shouldStartElection() {
				c.startElection()
			}
			c.checkLeaderHealth()
		}
	}
}

func (c *Coordinator) membershipLoop() {
	defer c.wg.Done()
	log.Println("🔍 membership loop started")
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.refreshMembership()
			c.cleanupStale()
		}
	}
}

func (c *Coordinator) sendHeartbeat() {
	db, err := c.conn.Conn(true)
	if err != nil {
		log.Printf("❌ heartbeat: %v", err)
		return
	}
	c.lock.RLock()
	state, term := c.state, c.currentTerm
	c.lock.RUnlock()
	_, err = db.Exec(
		`UPDATE cluster_nodes SET last_heartbeat = CURRENT_TIMESTAMP, state = $1, term = $2, is_healthy = true, updated_at = CURRENT_TIMESTAMP WHERE node_id = $3`,
		state, term, c.nodeID,
	)
	if err != nil {
		log.Printf("❌ sending heartbeat: %v", err)
	}
}

func (c *Coordinator) shouldStartElection() bool {
	lease := c.currentLease()
	if lease != nil && lease.ExpiresAt.After(time.Now()) {
		c.lock.Lock()
		if c.leaderID == nil || *c.leaderID != lease.LeaderID {
			c.leaderID = &lease.LeaderID
			log.Printf("👑 acknowledged leader: %s", lease.LeaderID)
		}
		c.lock.Unlock()
		return false
	}

	c.lock.RLock()
	state := c.state
	c.lock.RUnlock()
	return state == StateFollower
}

func (c *Coordinator) startElection() {
	c.lock.Lock()
	if c.state != StateFollower {
		c.lock.Unlock()
		return
	}
	c.state = StateCandidate
	c.currentTerm++
	term := c.currentTerm
	c.lock.Unlock()

	log.Printf("🚀 starting election for term %d", term)

	if c.tryAcquireLease(term) {
		c.becomeLeader()
	} else {
		c.lock.Lock()
		c.state = StateFollower
		c.lock.Unlock()
		log.Printf("❌ failed to acquire lease for term %d", term)
	}
}

// tryAcquireLease performs the atomic conditional upsert that enforces the
// single-leader invariant: it only takes effect if the existing row is
// expired or at a strictly lower term.
func (c *Coordinator) tryAcquireLease(term int) bool {
	db, err := c.conn.Conn(true)
	if err != nil {
		log.Printf("❌ lease acquisition: %v", err)
		return false
	}

	query := fmt.Sprintf(`
		INSERT INTO leader_lease (id, leader_id, term, acquired_at, expires_at, renewed_at, hostname, api_url)
		VALUES (1, $1, $2, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP + INTERVAL '%d seconds', CURRENT_TIMESTAMP, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			leader_id = EXCLUDED.leader_id, term = EXCLUDED.term, acquired_at = CURRENT_TIMESTAMP,
			expires_at = CURRENT_TIMESTAMP + INTERVAL '%d seconds', renewed_at = CURRENT_TIMESTAMP,
			hostname = EXCLUDED.hostname, api_url = EXCLUDED.api_url
		WHERE leader_lease.expires_at <= CURRENT_TIMESTAMP OR leader_lease.term < EXCLUDED.term
	`, c.leaseTTL, c.leaseTTL)

	result, err := db.Exec(query, c.nodeID, term, c.hostname, c.apiURL)
	if err != nil {
		log.Printf("❌ acquiring lease: %v", err)
		return false
	}
	rows, _ := result.RowsAffected()
	if rows > 0 {
		log.Printf("✅ acquired lease for term %d", term)
		return true
	}
	return false
}

func (c *Coordinator) becomeLeader() {
	c.lock.Lock()
	c.state = StateLeader
	c.isLeader = true
	c.leaderID = &c.nodeID
	term := c.currentTerm
	c.lock.Unlock()

	c.updateNodeStatus()
	c.logClusterEvent("leader_elected", map[string]interface{}{"term": term, "node_id": c.nodeID})
	telemetry.LeaderElectionsTotal.Inc()

	log.Printf("👑 became cluster leader (term %d)", term)
	c.fireHook(c.onBecomeLeader)
}

func (c *Coordinator) loseLeadership() {
	c.lock.Lock()
	if !c.isLeader {
		c.lock.Unlock()
		return
	}
	c.state = StateFollower
	c.isLeader = false
	c.leaderID = nil
	term := c.currentTerm
	c.lock.Unlock()

	c.updateNodeStatus()
	c.logClusterEvent("leader_lost", map[string]interface{}{"term": term, "node_id": c.nodeID})

	log.Println("💔 lost cluster leadership")
	c.fireHook(c.onLoseLeadership)
}

func (c *Coordinator) releaseLeadership() {
	c.lock.RLock()
	if !c.isLeader {
		c.lock.RUnlock()
		return
	}
	term := c.currentTerm
	c.lock.RUnlock()

	db, err := c.conn.Conn(true)
	if err == nil {
		db.Exec(`DELETE FROM leader_lease WHERE leader_id = $1 AND term = $2`, c.nodeID, term)
	}
	c.loseLeadership()
}

func (c *Coordinator) renewLease() {
	c.lock.RLock()
	if !c.isLeader {
		c.lock.RUnlock()
		return
	}
	term := c.currentTerm
	c.lock.RUnlock()

	db, err := c.conn.Conn(true)
	if err != nil {
		log.Printf("❌ renewing lease: %v", err)
		telemetry.LeaseRenewalsLostTotal.Inc()
		c.loseLeadership()
		return
	}

	query := fmt.Sprintf(
		`UPDATE leader_lease SET expires_at = CURRENT_TIMESTAMP + INTERVAL '%d seconds', renewed_at = CURRENT_TIMESTAMP WHERE leader_id = $1 AND term = $2`,
		c.leaseTTL,
	)
	result, err := db.Exec(query, c.nodeID, term)
	if err != nil {
		log.Printf("❌ renewing lease: %v", err)
		telemetry.LeaseRenewalsLostTotal.Inc()
		c.loseLeadership()
		return
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		log.Println("⚠️  lost lease during renewal")
		telemetry.LeaseRenewalsLostTotal.Inc()
		c.loseLeadership()
	}
}

func (c *Coordinator) checkLeaderHealth() {
	lease := c.currentLease()
	if lease == nil {
		return
	}
	now := time.Now()
	c.lock.Lock()
	defer c.lock.Unlock()
	if !lease.ExpiresAt.After(now) {
		if c.leaderID != nil && *c.leaderID == lease.LeaderID {
			c.leaderID = nil
			log.Println("⏰ leader lease expired")
		}
		return
	}
	if c.leaderID == nil || *c.leaderID != lease.LeaderID {
		c.leaderID = &lease.LeaderID
		log.Printf("👑 new leader detected: %s", lease.LeaderID)
	}
}

func (c *Coordinator) currentLease() *Lease {
	db, err := c.conn.Conn(false)
	if err != nil {
		log.Printf("❌ fetching lease: %v", err)
		return nil
	}
	var l Lease
	err = db.QueryRow(
		`SELECT leader_id, term, acquired_at, expires_at, renewed_at, hostname, api_url FROM leader_lease WHERE id = 1`,
	).Scan(&l.LeaderID, &l.Term, &l.AcquiredAt, &l.ExpiresAt, &l.RenewedAt, &l.Hostname, &l.APIURL)
	if err != nil {
		if err != sql.ErrNoRows {
			log.Printf("❌ fetching lease: %v", err)
		}
		return nil
	}
	return &l
}

func (c *Coordinator) refreshMembership() {
	db, err := c.conn.Conn(false)
	if err != nil {
		log.Printf("❌ refreshing membership: %v", err)
		return
	}
	rows, err := db.Query(`
		SELECT node_id, hostname, port, api_url, state, term, last_heartbeat, is_healthy
		FROM cluster_nodes WHERE last_heartbeat >= CURRENT_TIMESTAMP - INTERVAL '60 seconds'
	`)
	if err != nil {
		log.Printf("❌ querying cluster nodes: %v", err)
		return
	}
	defer rows.Close()

	next := make(map[string]*Node)
	for rows.Next() {
		var n Node
		var state string
		if err := rows.Scan(&n.NodeID, &n.Hostname, &n.Port, &n.APIURL, &state, &n.Term, &n.LastHeartbeat, &n.IsHealthy); err != nil {
			log.Printf("❌ scanning cluster node: %v", err)
			continue
		}
		n.State = NodeState(state)
		next[n.NodeID] = &n
	}

	c.nodesLock.Lock()
	var added, removed []string
	for id := range next {
		if _, ok := c.nodes[id]; !ok {
			added = append(added, id)
		}
	}
	for id := range c.nodes {
		if _, ok := next[id]; !ok {
			removed = append(removed, id)
		}
	}
	changed := len(added) > 0 || len(removed) > 0
	c.nodes = next
	snapshot := make(map[string]*Node, len(next))
	for k, v := range next {
		snapshot[k] = v
	}
	c.nodesLock.Unlock()

	if changed {
		if len(added) > 0 {
			log.Printf("➕ nodes joined: %v", added)
		}
		if len(removed) > 0 {
			log.Printf("➖ nodes left: %v", removed)
		}
		if c.onClusterChange != nil {
			go c.safeClusterChange(snapshot)
		}
	}
}

func (c *Coordinator) cleanupStale() {
	db, err := c.conn.Conn(true)
	if err != nil {
		log.Printf("❌ cleaning up stale nodes: %v", err)
		return
	}
	result, err := db.Exec(
		`DELETE FROM cluster_nodes WHERE last_heartbeat < CURRENT_TIMESTAMP - INTERVAL '300 seconds' AND node_id != $1`,
		c.nodeID,
	)
	if err != nil {
		log.Printf("❌ cleaning up stale nodes: %v", err)
		return
	}
	if rows, _ := result.RowsAffected(); rows > 0 {
		log.Printf("🧹 cleaned up %d stale nodes", rows)
	}
}

func (c *Coordinator) updateNodeStatus() {
	db, err := c.conn.Conn(true)
	if err != nil {
		log.Printf("❌ updating node status: %v", err)
		return
	}
	c.lock.RLock()
	state, term := c.state, c.currentTerm
	c.lock.RUnlock()
	_, err = db.Exec(`UPDATE cluster_nodes SET state = $1, term = $2, updated_at = CURRENT_TIMESTAMP WHERE node_id = $3`,
		state, term, c.nodeID)
	if err != nil {
		log.Printf("❌ updating node status: %v", err)
	}
}

func (c *Coordinator) logClusterEvent(eventType string, data map[string]interface{}) {
	db, err := c.conn.Conn(true)
	if err != nil {
		log.Printf("❌ logging cluster event: %v", err)
		return
	}
	c.lock.RLock()
	term := c.currentTerm
	c.lock.RUnlock()
	eventJSON, _ := json.Marshal(data)
	_, err = db.Exec(`INSERT INTO cluster_events (node_id, event_type, event_data, term) VALUES ($1, $2, $3, $4)`,
		c.nodeID, eventType, eventJSON, term)
	if err != nil {
		log.Printf("❌ logging cluster event: %v", err)
	}
}

// fireHook runs an EventHook on its own goroutine with panic recovery so a
// slow or panicking hook cannot delay the heartbeat loop.
func (c *Coordinator) fireHook(h EventHook) {
	if h == nil {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("❌ panic in leadership callback: %v", r)
			}
		}()
		h()
	}()
}

func (c *Coordinator) safeClusterChange(nodes map[string]*Node) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("❌ panic in cluster-change callback: %v", r)
		}
	}()
	c.onClusterChange(nodes)
}

// IsLeader reports whether this node currently holds the lease.
func (c *Coordinator) IsLeader() bool {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.isLeader
}

// NodeID returns this node's identifier.
func (c *Coordinator) NodeID() string { return c.nodeID }

// LeaderID returns the currently known leader's node id, if any.
func (c *Coordinator) LeaderID() *string {
	c.lock.RLock()
	defer c.lock.RUnlock()
	if c.leaderID == nil {
		return nil
	}
	id := *c.leaderID
	return &id
}

// Status returns a snapshot suitable for the /cluster/status endpoint.
func (c *Coordinator) Status() map[string]interface{} {
	c.lock.RLock()
	nodeID, hostname, state, term, isLeader := c.nodeID, c.hostname, c.state, c.currentTerm, c.isLeader
	var leaderID *string
	if c.leaderID != nil {
		id := *c.leaderID
		leaderID = &id
	}
	c.lock.RUnlock()

	c.nodesLock.RLock()
	nodes := make([]*Node, 0, len(c.nodes))
	for _, n := range c.nodes {
		nodes = append(nodes, n)
	}
	size := len(c.nodes)
	c.nodesLock.RUnlock()

	out := map[string]interface{}{
		"node_id":      nodeID,
		"hostname":     hostname,
		"state":        state,
		"term":         term,
		"is_leader":    isLeader,
		"cluster_size": size,
		"nodes":        nodes,
	}
	if leaderID != nil {
		out["leader_id"] = *leaderID
	}
	if lease := c.currentLease(); lease != nil {
		out["lease"] = lease
	}
	return out
}

// LeaderInfo returns the externally-reachable leader address, or nil if
// there is no valid lease.
func (c *Coordinator) LeaderInfo() map[string]interface{} {
	lease := c.currentLease()
	if lease == nil || !lease.ExpiresAt.After(time.Now()) {
		return nil
	}
	return map[string]interface{}{
		"leader_id":        lease.LeaderID,
		"hostname":         lease.Hostname,
		"api_url":          lease.APIURL,
		"external_api_url": c.externalAPIURL,
		"term":             lease.Term,
		"lease_expires_at": lease.ExpiresAt,
	}
}

// Ready reports whether the cluster has at least one member and a leader.
func (c *Coordinator) Ready() bool {
	c.nodesLock.RLock()
	count := len(c.nodes)
	c.nodesLock.RUnlock()
	c.lock.RLock()
	hasLeader := c.leaderID != nil
	c.lock.RUnlock()
	return count >= 1 && hasLeader && c.currentLease() != nil
}
