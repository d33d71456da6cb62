// Package runtime defines the Runtime Driver capability boundary
// (spec.md's C2) and a Docker-backed implementation. The teacher's
// AppManager called the Docker SDK directly; SPEC_FULL extracts an
// interface so the container lifecycle operations are a pluggable
// capability rather than hard-wired into the app manager.
package runtime

import "context"

// ContainerSpec describes the container the driver should create.
type ContainerSpec struct {
	Name          string
	Image         string
	Labels        map[string]string
	Env           []string
	Network       string
	NanoCPUs      int64
	MemoryBytes   int64
	RestartPolicy string // e.g. "unless-stopped"
}

// ContainerInfo is what the driver reports back about a container.
type ContainerInfo struct {
	ID      string
	Name    string
	IP      string
	Running bool
	Labels  map[string]string
}

// Stats is a single point-in-time resource usage sample.
type Stats struct {
	CPUPercent    float64
	MemoryPercent float64
}

// Driver is the Runtime Driver capability: everything the App Manager
// needs from a container runtime, without knowing it's Docker.
type Driver interface {
	EnsureNetwork(ctx context.Context, name string) error
	Create(ctx context.Context, spec ContainerSpec) (string, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string, timeoutSeconds int) error
	Remove(ctx context.Context, id string, force bool) error
	Inspect(ctx context.Context, id string) (*ContainerInfo, error)
	ListByLabel(ctx context.Context, labelKey, labelValue string) ([]*ContainerInfo, error)
	Logs(ctx context.Context, id string, tailLines int) (string, error)
	Stats(ctx context.Context, id string) (*Stats, error)
	Exec(ctx context.Context, containerName string, cmd []string) (string, error)
}
