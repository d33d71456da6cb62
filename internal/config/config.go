// Package config centralizes the environment-variable configuration
// surface described in spec.md §6, replacing the scattered os.Getenv calls
// the teacher repo spread across cluster.go, lifecycle.go, and nginx.go.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config holds every environment-derived setting the controller needs. Env
// var names match spec.md §6's recognized list exactly.
type Config struct {
	// Node identity
	NodeID   string `env:"CLUSTER_NODE_ID"`
	Hostname string `env:"CLUSTER_HOSTNAME"`

	// API server
	Host string `env:"ORCHESTRY_HOST" envDefault:"0.0.0.0"`
	Port int    `env:"ORCHESTRY_PORT" envDefault:"8000"`

	// External load balancer address handed back to clients on redirect
	ControllerLBHost string `env:"CONTROLLER_LB_HOST" envDefault:"localhost"`
	ControllerLBPort string `env:"CONTROLLER_LB_PORT" envDefault:"8000"`

	// Database (primary/replica HA pair)
	PostgresPrimaryHost string `env:"POSTGRES_PRIMARY_HOST" envDefault:"localhost"`
	PostgresPrimaryPort int    `env:"POSTGRES_PRIMARY_PORT" envDefault:"5432"`
	PostgresReplicaHost string `env:"POSTGRES_REPLICA_HOST"`
	PostgresReplicaPort int    `env:"POSTGRES_REPLICA_PORT" envDefault:"5432"`
	PostgresDB          string `env:"POSTGRES_DB" envDefault:"orchestry"`
	PostgresUser        string `env:"POSTGRES_USER" envDefault:"orchestry"`
	PostgresPassword    string `env:"POSTGRES_PASSWORD"`
	PostgresMinConns    int    `env:"POSTGRES_MIN_CONNECTIONS" envDefault:"2"`
	PostgresMaxConns    int    `env:"POSTGRES_MAX_CONNECTIONS" envDefault:"10"`

	// Leader election timing (spec.md §4.2 recommended dev profile: 3s/5s/10s)
	LeaseTTLSeconds          int `env:"ORCHESTRY_LEASE_TTL_SECONDS" envDefault:"10"`
	HeartbeatIntervalSeconds int `env:"ORCHESTRY_HEARTBEAT_INTERVAL_SECONDS" envDefault:"3"`
	ElectionTimeoutSeconds   int `env:"ORCHESTRY_ELECTION_TIMEOUT_SECONDS" envDefault:"5"`

	// Runtime driver (Docker)
	DockerNetwork string `env:"ORCHESTRY_DOCKER_NETWORK" envDefault:"orchestry"`

	// Proxy driver (nginx)
	NginxContainer string `env:"ORCHESTRY_NGINX_CONTAINER"`
	NginxConfDir   string `env:"ORCHESTRY_NGINX_CONF_DIR"`
	NginxTemplate  string `env:"ORCHESTRY_NGINX_TEMPLATE" envDefault:"configs/nginx_template_go.conf"`

	// Control loop
	ControlLoopIntervalSeconds int `env:"ORCHESTRY_CONTROL_LOOP_INTERVAL_SECONDS" envDefault:"10"`

	// CORS
	CORSAllowedOrigins []string `env:"ORCHESTRY_CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`

	// Metrics
	MetricsPath string `env:"ORCHESTRY_METRICS_PATH" envDefault:"/metrics/prom"`
}

// Load parses Config from the process environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}
	return cfg, nil
}

// ListenAddr returns the host:port the API server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ExternalAPIURL returns the address clients should be redirected to when
// talking to a non-leader node.
func (c *Config) ExternalAPIURL() string {
	return fmt.Sprintf("http://%s:%s", c.ControllerLBHost, c.ControllerLBPort)
}

// PrimaryDSN builds the primary database connection string.
func (c *Config) PrimaryDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.PostgresPrimaryHost, c.PostgresPrimaryPort, c.PostgresUser, c.PostgresPassword, c.PostgresDB,
	)
}

// ReplicaDSN builds the replica database connection string. Empty if no
// replica host is configured.
func (c *Config) ReplicaDSN() string {
	if c.PostgresReplicaHost == "" {
		return ""
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.PostgresReplicaHost, c.PostgresReplicaPort, c.PostgresUser, c.PostgresPassword, c.PostgresDB,
	)
}
