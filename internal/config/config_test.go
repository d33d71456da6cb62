package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 8000, cfg.Port)
	assert.Equal(t, 10, cfg.LeaseTTLSeconds)
	assert.Equal(t, []string{"*"}, cfg.CORSAllowedOrigins)
	assert.Equal(t, "/metrics/prom", cfg.MetricsPath)
}

func TestLoadReadsOverridesFromEnv(t *testing.T) {
	t.Setenv("ORCHESTRY_HOST", "127.0.0.1")
	t.Setenv("ORCHESTRY_PORT", "9001")
	t.Setenv("ORCHESTRY_CORS_ALLOWED_ORIGINS", "https://a.test,https://b.test")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 9001, cfg.Port)
	assert.Equal(t, []string{"https://a.test", "https://b.test"}, cfg.CORSAllowedOrigins)
}

func TestListenAddr(t *testing.T) {
	cfg := &Config{Host: "0.0.0.0", Port: 8000}
	assert.Equal(t, "0.0.0.0:8000", cfg.ListenAddr())
}

func TestExternalAPIURL(t *testing.T) {
	cfg := &Config{ControllerLBHost: "lb.internal", ControllerLBPort: "8000"}
	assert.Equal(t, "http://lb.internal:8000", cfg.ExternalAPIURL())
}

func TestPrimaryDSNIncludesAllFields(t *testing.T) {
	cfg := &Config{
		PostgresPrimaryHost: "db1", PostgresPrimaryPort: 5432,
		PostgresUser: "orchestry", PostgresPassword: "secret", PostgresDB: "orchestry",
	}
	dsn := cfg.PrimaryDSN()
	assert.Contains(t, dsn, "host=db1")
	assert.Contains(t, dsn, "port=5432")
	assert.Contains(t, dsn, "dbname=orchestry")
}

func TestReplicaDSNEmptyWithoutHost(t *testing.T) {
	cfg := &Config{}
	assert.Equal(t, "", cfg.ReplicaDSN())
}

func TestReplicaDSNBuildsWhenHostSet(t *testing.T) {
	cfg := &Config{PostgresReplicaHost: "db2", PostgresReplicaPort: 5433, PostgresUser: "u", PostgresDB: "d"}
	dsn := cfg.ReplicaDSN()
	assert.Contains(t, dsn, "host=db2")
	assert.Contains(t, dsn, "port=5433")
}
