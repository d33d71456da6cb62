// Package cliconfig persists orchestryctl's target controller address to a
// per-user YAML config file, the same layout the teacher's CLI used.
package cliconfig

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk shape of orchestryctl's config file.
type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Path returns the config file location under the user's config dir.
func Path() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolving user config dir: %w", err)
	}
	return filepath.Join(dir, "orchestry", "config.yaml"), nil
}

// Save persists the controller's host and port.
func Save(host string, port int) error {
	path, err := Path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	out, err := yaml.Marshal(&Config{Host: host, Port: port})
	if err != nil {
		return err
	}
	return os.WriteFile(path, out, 0644)
}

// Load returns the configured controller base URL, e.g. "http://host:port".
func Load() (string, error) {
	path, err := Path()
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return "", errors.New("config file not found")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return "", err
	}
	if cfg.Host == "" || cfg.Port == 0 {
		return "", errors.New("invalid config")
	}
	return fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port), nil
}

// IsReachable reports whether the controller at baseURL answers /health.
func IsReachable(baseURL string) bool {
	client := http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(baseURL + "/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
