// Package proxy implements the Proxy Driver capability boundary (spec.md's
// C3) and the atomic upstream-publish protocol of spec.md §4.7: write
// candidate config, rename over the live file keeping a backup, validate,
// reload, and roll back to the backup on any failure.
package proxy

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/arjuuuuunnnnn/orchestry/internal/apperrors"
	"github.com/arjuuuuunnnnn/orchestry/internal/runtime"
)

// Upstream is one healthy replica's routable address.
type Upstream struct {
	IP   string
	Port int
}

// Driver is the capability the Control Loop and App Manager use to keep
// the reverse proxy's upstream configuration in sync with live replicas.
type Driver interface {
	Publish(ctx context.Context, app string, upstreams []Upstream) error
	RemoveAppConfig(ctx context.Context, app string) error
	ValidateConfig(ctx context.Context) error
	Reload(ctx context.Context) error
	Status(ctx context.Context) (map[string]interface{}, error)
	Logs(ctx context.Context, lines int) (string, error)
}

var appNamePattern = func(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if !(r == '-' || r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return true
}

const defaultTemplate = `upstream {{.App}}_backend {
{{- range .Servers}}
    server {{.IP}}:{{.Port}};
{{- end}}
}

server {
    listen 80;
    server_name {{.App}}.local;

    location / {
        proxy_pass http://{{.App}}_backend;
        proxy_set_header Host $host;
        proxy_set_header X-Real-IP $remote_addr;
        proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
    }
}
`

// NginxDriver implements Driver against an nginx container reached through
// the Runtime Driver's Exec capability — it never talks to Docker directly,
// so a non-Docker Runtime Driver could host it too.
type NginxDriver struct {
	runtime       runtime.Driver
	containerName string
	confDir       string
	tmpl          *template.Template
}

// NewNginxDriver builds a driver writing per-app config files to confDir
// and reloading the nginx process inside containerName. templatePath, if
// non-empty and present on disk, overrides the built-in template.
func NewNginxDriver(rt runtime.Driver, containerName, confDir, templatePath string) (*NginxDriver, error) {
	if containerName == "" {
		return nil, apperrors.Validationf("missing nginx container name")
	}
	if confDir == "" {
		return nil, apperrors.Validationf("missing nginx conf dir")
	}

	tmpl := template.Must(template.New("upstream").Parse(defaultTemplate))
	if templatePath != "" {
		if parsed, err := template.ParseFiles(templatePath); err == nil {
			tmpl = parsed
		}
	}

	if err := os.MkdirAll(confDir, 0755); err != nil {
		return nil, apperrors.Wrap(apperrors.KindProxy, "creating nginx conf dir", err)
	}

	return &NginxDriver{runtime: rt, containerName: containerName, confDir: confDir, tmpl: tmpl}, nil
}

func (d *NginxDriver) confPath(app string) string {
	return filepath.Join(d.confDir, fmt.Sprintf("%s.conf", app))
}

// Publish renders and atomically applies a new upstream config for app,
// rolling back to the pre-change file on validation or reload failure
// (spec.md §4.7 steps 1-5).
func (d *NginxDriver) Publish(ctx context.Context, app string, upstreams []Upstream) error {
	if !appNamePattern(app) {
		return apperrors.Validationf("invalid app name for proxy config: %s", app)
	}
	if len(upstreams) == 0 {
		return d.RemoveAppConfig(ctx, app)
	}

	confPath := d.confPath(app)
	backupPath := confPath + ".backup"
	hadExisting := false
	if _, err := os.Stat(confPath); err == nil {
		hadExisting = true
		if err := copyFile(confPath, backupPath); err != nil {
			return apperrors.Wrap(apperrors.KindProxy, "backing up config for "+app, err)
		}
	}

	type tmplServer struct {
		IP   string
		Port int
	}
	servers := make([]tmplServer, len(upstreams))
	for i, u := range upstreams {
		servers[i] = tmplServer{IP: u.IP, Port: u.Port}
	}

	var buf bytes.Buffer
	if err := d.tmpl.Execute(&buf, map[string]interface{}{"App": app, "Servers": servers}); err != nil {
		return apperrors.Wrap(apperrors.KindProxy, "rendering config for "+app, err)
	}

	tmpPath := confPath + ".tmp"
	if err := os.WriteFile(tmpPath, buf.Bytes(), 0644); err != nil {
		return apperrors.Wrap(apperrors.KindProxy, "writing candidate config for "+app, err)
	}
	if err := os.Rename(tmpPath, confPath); err != nil {
		return apperrors.Wrap(apperrors.KindProxy, "installing candidate config for "+app, err)
	}

	rollback := func() {
		os.Remove(confPath)
		if hadExisting {
			os.Rename(backupPath, confPath)
		}
	}

	if err := d.ValidateConfig(ctx); err != nil {
		rollback()
		return apperrors.Wrap(apperrors.KindProxy, "validating config for "+app, err)
	}
	if err := d.Reload(ctx); err != nil {
		rollback()
		return apperrors.Wrap(apperrors.KindProxy, "reloading nginx for "+app, err)
	}
	if hadExisting {
		os.Remove(backupPath)
	}
	return nil
}

// RemoveAppConfig deletes app's config file and reloads nginx.
func (d *NginxDriver) RemoveAppConfig(ctx context.Context, app string) error {
	if !appNamePattern(app) {
		return apperrors.Validationf("invalid app name for proxy config: %s", app)
	}
	confPath := d.confPath(app)
	if err := os.Remove(confPath); err != nil && !os.IsNotExist(err) {
		return apperrors.Wrap(apperrors.KindProxy, "removing config for "+app, err)
	}
	if err := d.ValidateConfig(ctx); err != nil {
		return apperrors.Wrap(apperrors.KindProxy, "validating config after removing "+app, err)
	}
	return d.Reload(ctx)
}

// ValidateConfig runs `nginx -t` inside the proxy container.
func (d *NginxDriver) ValidateConfig(ctx context.Context) error {
	out, err := d.runtime.Exec(ctx, d.containerName, []string{"nginx", "-t"})
	if err != nil {
		return err
	}
	if strings.Contains(strings.ToLower(out), "error") && !strings.Contains(out, "successful") {
		return fmt.Errorf("nginx config test failed: %s", out)
	}
	return nil
}

// Reload runs `nginx -s reload` inside the proxy container.
func (d *NginxDriver) Reload(ctx context.Context) error {
	out, err := d.runtime.Exec(ctx, d.containerName, []string{"nginx", "-s", "reload"})
	if err != nil {
		return err
	}
	if strings.Contains(strings.ToLower(out), "error") {
		return fmt.Errorf("nginx reload failed: %s", out)
	}
	return nil
}

// Status fetches and parses the nginx stub_status page, the sole source of
// global RPS for the Control Loop (spec.md §4.6 step 2, Open Question
// "per-upstream metrics").
func (d *NginxDriver) Status(ctx context.Context) (map[string]interface{}, error) {
	out, err := d.runtime.Exec(ctx, d.containerName, []string{"curl", "-s", "http://localhost:8080/nginx_status"})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindProxy, "fetching nginx status", err)
	}
	return parseStubStatus(out)
}

// Logs returns the nginx container's recent log output.
func (d *NginxDriver) Logs(ctx context.Context, lines int) (string, error) {
	return d.runtime.Logs(ctx, d.containerName, lines)
}

// parseStubStatus parses nginx's ngx_http_stub_status_module text output.
func parseStubStatus(text string) (map[string]interface{}, error) {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	if len(lines) < 4 {
		return nil, fmt.Errorf("unexpected nginx status output: %q", text)
	}
	var active int
	fmt.Sscanf(lines[0], "Active connections: %d", &active)

	var accepts, handled, requests int
	fmt.Sscanf(lines[2], "%d %d %d", &accepts, &handled, &requests)

	var reading, writing, waiting int
	fmt.Sscanf(lines[3], "Reading: %d Writing: %d Waiting: %d", &reading, &writing, &waiting)

	return map[string]interface{}{
		"active_connections": active,
		"accepts":             accepts,
		"handled":             handled,
		"requests":            requests,
		"reading":             reading,
		"writing":             writing,
		"waiting":             waiting,
	}, nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0644)
}
