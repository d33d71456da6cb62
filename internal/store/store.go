// Package store is the Store component (spec.md §4.1): the sole
// authoritative owner of durable controller state, backed by PostgreSQL
// with primary/replica HA routing. It consolidates what the teacher repo
// split (inconsistently) across state_go/db.go and controller_go/
// state_store.go into a single schema and a single query surface.
package store

import (
	"context"
	"database/sql"
	"log"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/arjuuuuunnnnn/orchestry/internal/apperrors"
)

// Store manages PostgreSQL connections with primary/replica HA routing and
// exposes the full CRUD surface spec.md §4.1 names.
type Store struct {
	primaryDB            *sql.DB
	replicaDB            *sql.DB
	primaryFailed        bool
	lastPrimaryCheck      time.Time
	primaryCheckInterval time.Duration
	mu                   sync.RWMutex
}

// Open connects to the primary (and, if configured, replica) database,
// then ensures the schema exists.
func Open(primaryDSN, replicaDSN string, minConns, maxConns int) (*Store, error) {
	s := &Store{primaryCheckInterval: 30 * time.Second}

	var err error
	s.primaryDB, err = sql.Open("postgres", primaryDSN)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindStore, "connecting to primary database", err)
	}
	s.primaryDB.SetMaxOpenConns(maxConns)
	s.primaryDB.SetMaxIdleConns(minConns)
	s.primaryDB.SetConnMaxLifetime(time.Hour)

	if err := s.primaryDB.Ping(); err != nil {
		log.Printf("⚠️  primary database not available: %v", err)
		s.primaryFailed = true
		s.lastPrimaryCheck = time.Now()
	} else {
		log.Printf("✅ connected to primary database")
	}

	if replicaDSN != "" {
		s.replicaDB, err = sql.Open("postgres", replicaDSN)
		if err != nil {
			log.Printf("⚠️  failed to connect to replica database: %v", err)
		} else {
			s.replicaDB.SetMaxOpenConns(maxConns)
			s.replicaDB.SetMaxIdleConns(minConns)
			s.replicaDB.SetConnMaxLifetime(time.Hour)
			if err := s.replicaDB.Ping(); err != nil {
				log.Printf("⚠️  replica database not available: %v", err)
				s.replicaDB.Close()
				s.replicaDB = nil
			} else {
				log.Printf("✅ connected to replica database")
			}
		}
	}

	if err := s.initSchema(); err != nil {
		return nil, err
	}
	log.Println("🎉 store schema initialized")
	return s, nil
}

func (s *Store) initSchema() error {
	db, err := s.conn(true)
	if err != nil {
		return err
	}

	queries := []string{
		`CREATE TABLE IF NOT EXISTS apps (
			name VARCHAR(255) PRIMARY KEY,
			spec JSONB NOT NULL,
			raw_spec JSONB NOT NULL,
			status VARCHAR(50) NOT NULL DEFAULT 'registered',
			created_at DOUBLE PRECISION NOT NULL,
			updated_at DOUBLE PRECISION NOT NULL,
			replicas INTEGER NOT NULL DEFAULT 0,
			mode VARCHAR(10) NOT NULL DEFAULT 'auto'
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id SERIAL PRIMARY KEY,
			app VARCHAR(255) NOT NULL,
			type VARCHAR(100) NOT NULL,
			message TEXT NOT NULL,
			timestamp DOUBLE PRECISION NOT NULL,
			data JSONB
		)`,
		`CREATE TABLE IF NOT EXISTS scaling_actions (
			id SERIAL PRIMARY KEY,
			app VARCHAR(255) NOT NULL,
			from_replicas INTEGER NOT NULL,
			to_replicas INTEGER NOT NULL,
			reason TEXT NOT NULL,
			triggered_by JSONB,
			metrics JSONB,
			timestamp DOUBLE PRECISION NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS cluster_nodes (
			node_id VARCHAR(255) PRIMARY KEY,
			hostname VARCHAR(255) NOT NULL,
			port INTEGER NOT NULL,
			api_url VARCHAR(512) NOT NULL,
			state VARCHAR(50) NOT NULL,
			term INTEGER NOT NULL DEFAULT 0,
			last_heartbeat TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			is_healthy BOOLEAN NOT NULL DEFAULT true,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS leader_lease (
			id INTEGER PRIMARY KEY DEFAULT 1,
			leader_id VARCHAR(255) NOT NULL,
			term INTEGER NOT NULL,
			acquired_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP NOT NULL,
			renewed_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			hostname VARCHAR(255) NOT NULL,
			api_url VARCHAR(512) NOT NULL,
			CONSTRAINT single_lease CHECK (id = 1)
		)`,
		`CREATE TABLE IF NOT EXISTS cluster_events (
			id SERIAL PRIMARY KEY,
			node_id VARCHAR(255) NOT NULL,
			event_type VARCHAR(100) NOT NULL,
			event_data JSONB,
			term INTEGER NOT NULL,
			timestamp TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cluster_nodes_state ON cluster_nodes(state)`,
		`CREATE INDEX IF NOT EXISTS idx_cluster_nodes_heartbeat ON cluster_nodes(last_heartbeat)`,
		`CREATE INDEX IF NOT EXISTS idx_cluster_events_node_term ON cluster_events(node_id, term)`,
		`CREATE INDEX IF NOT EXISTS idx_cluster_events_timestamp ON cluster_events(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_apps_status ON apps(status)`,
		`CREATE INDEX IF NOT EXISTS idx_events_app_time ON events(app, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_scaling_actions_app_time ON scaling_actions(app, timestamp)`,
	}

	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			return apperrors.Wrap(apperrors.KindStore, "initializing schema", err)
		}
	}
	return nil
}

// markPrimaryFailed flips the HA state so subsequent calls route writes to
// the replica (emergency mode) until recovery is observed.
func (s *Store) markPrimaryFailed() {
	s.primaryFailed = true
	s.lastPrimaryCheck = time.Now()
}

func (s *Store) checkPrimaryRecovery() {
	if s.primaryDB == nil {
		return
	}
	if err := s.primaryDB.PingContext(context.Background()); err == nil {
		if s.primaryFailed {
			log.Println("✅ primary database recovered")
		}
		s.primaryFailed = false
	}
	s.lastPrimaryCheck = time.Now()
}

// conn returns the appropriate *sql.DB for a read or write, per spec.md
// §4.1's HA routing: writes prefer primary, fall back to replica in
// emergency mode; reads prefer replica, fall back to primary.
func (s *Store) conn(write bool) (*sql.DB, error) {
	s.mu.RLock()
	primaryFailed := s.primaryFailed
	shouldRecheck := primaryFailed && time.Since(s.lastPrimaryCheck) > s.primaryCheckInterval
	s.mu.RUnlock()

	if shouldRecheck {
		s.mu.Lock()
		s.checkPrimaryRecovery()
		primaryFailed = s.primaryFailed
		s.mu.Unlock()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if write {
		if !primaryFailed && s.primaryDB != nil {
			return s.primaryDB, nil
		}
		if s.replicaDB != nil {
			log.Printf("🚨 using replica for write operation (primary down)")
			return s.replicaDB, nil
		}
		return nil, apperrors.New(apperrors.KindStore, "no database available for write operations")
	}

	if s.replicaDB != nil {
		return s.replicaDB, nil
	}
	if !primaryFailed && s.primaryDB != nil {
		return s.primaryDB, nil
	}
	return nil, apperrors.New(apperrors.KindStore, "no database available for read operations")
}

// Conn exposes the HA-routed connection selection to other packages
// (internal/cluster) that need direct SQL access to the cluster
// coordination tables rather than going through Store's app-level methods.
func (s *Store) Conn(write bool) (*sql.DB, error) {
	return s.conn(write)
}

// Close closes both connection pools.
func (s *Store) Close() error {
	var firstErr error
	if s.primaryDB != nil {
		if err := s.primaryDB.Close(); err != nil {
			firstErr = err
		}
	}
	if s.replicaDB != nil {
		if err := s.replicaDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
