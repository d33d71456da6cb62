package runtime

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"

	"github.com/arjuuuuunnnnn/orchestry/internal/apperrors"
)

// DockerDriver implements Driver against the Docker Engine API.
type DockerDriver struct {
	cli *client.Client
}

// NewDockerDriver builds a driver from the ambient Docker environment
// (DOCKER_HOST etc.), negotiating the API version like the teacher does.
func NewDockerDriver() (*DockerDriver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindRuntime, "creating docker client", err)
	}
	return &DockerDriver{cli: cli}, nil
}

func (d *DockerDriver) EnsureNetwork(ctx context.Context, name string) error {
	_, err := d.cli.NetworkInspect(ctx, name, types.NetworkInspectOptions{})
	if err == nil {
		return nil
	}
	_, err = d.cli.NetworkCreate(ctx, name, types.NetworkCreate{
		Driver: "bridge",
		Labels: map[string]string{"managed_by": "orchestry"},
	})
	if err != nil {
		return apperrors.Wrap(apperrors.KindRuntime, "creating network "+name, err)
	}
	return nil
}

func (d *DockerDriver) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	cfg := &container.Config{
		Image:  spec.Image,
		Labels: spec.Labels,
		Env:    spec.Env,
	}
	hostCfg := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: spec.RestartPolicy},
		NanoCPUs:      spec.NanoCPUs,
		Memory:        spec.MemoryBytes,
	}
	netCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			spec.Network: {},
		},
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, spec.Name)
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindConflict, "creating container "+spec.Name, err)
	}
	return resp.ID, nil
}

func (d *DockerDriver) Start(ctx context.Context, id string) error {
	if err := d.cli.ContainerStart(ctx, id, types.ContainerStartOptions{}); err != nil {
		return apperrors.Wrap(apperrors.KindRuntime, "starting container "+id, err)
	}
	return nil
}

func (d *DockerDriver) Stop(ctx context.Context, id string, timeoutSeconds int) error {
	t := timeoutSeconds
	if err := d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &t}); err != nil {
		return apperrors.Wrap(apperrors.KindRuntime, "stopping container "+id, err)
	}
	return nil
}

func (d *DockerDriver) Remove(ctx context.Context, id string, force bool) error {
	if err := d.cli.ContainerRemove(ctx, id, types.ContainerRemoveOptions{Force: force}); err != nil {
		return apperrors.Wrap(apperrors.KindRuntime, "removing container "+id, err)
	}
	return nil
}

func (d *DockerDriver) Inspect(ctx context.Context, id string) (*ContainerInfo, error) {
	c, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindRuntime, "inspecting container "+id, err)
	}
	ip := ""
	for _, ep := range c.NetworkSettings.Networks {
		if ep.IPAddress != "" {
			ip = ep.IPAddress
			break
		}
	}
	return &ContainerInfo{
		ID:      c.ID,
		Name:    strings.TrimPrefix(c.Name, "/"),
		IP:      ip,
		Running: c.State != nil && c.State.Running,
		Labels:  c.Config.Labels,
	}, nil
}

func (d *DockerDriver) ListByLabel(ctx context.Context, labelKey, labelValue string) ([]*ContainerInfo, error) {
	args := filters.NewArgs()
	args.Add("label", fmt.Sprintf("%s=%s", labelKey, labelValue))
	containers, err := d.cli.ContainerList(ctx, types.ContainerListOptions{All: true, Filters: args})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindRuntime, "listing containers", err)
	}

	out := make([]*ContainerInfo, 0, len(containers))
	for _, c := range containers {
		info, err := d.Inspect(ctx, c.ID)
		if err != nil {
			continue
		}
		out = append(out, info)
	}
	return out, nil
}

func (d *DockerDriver) Logs(ctx context.Context, id string, tailLines int) (string, error) {
	rc, err := d.cli.ContainerLogs(ctx, id, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       fmt.Sprint(tailLines),
		Timestamps: true,
	})
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindRuntime, "fetching logs for "+id, err)
	}
	defer rc.Close()
	return demuxDockerLog(rc), nil
}

// demuxDockerLog strips Docker's 8-byte stream-multiplexing header from a
// non-tty container's combined log stream.
func demuxDockerLog(r io.Reader) string {
	var out bytes.Buffer
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			break
		}
		size := binary.BigEndian.Uint32(header[4:8])
		frame := make([]byte, size)
		if _, err := io.ReadFull(r, frame); err != nil {
			break
		}
		out.Write(frame)
	}
	return out.String()
}

func (d *DockerDriver) Stats(ctx context.Context, id string) (*Stats, error) {
	resp, err := d.cli.ContainerStatsOneShot(ctx, id)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindRuntime, "fetching stats for "+id, err)
	}
	defer resp.Body.Close()

	var raw types.StatsJSON
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, apperrors.Wrap(apperrors.KindRuntime, "decoding stats for "+id, err)
	}

	cpuDelta := float64(raw.CPUStats.CPUUsage.TotalUsage) - float64(raw.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(raw.CPUStats.SystemUsage) - float64(raw.PreCPUStats.SystemUsage)
	cpuPercent := 0.0
	if sysDelta > 0 && cpuDelta > 0 {
		cpuPercent = (cpuDelta / sysDelta) * float64(len(raw.CPUStats.CPUUsage.PercpuUsage)) * 100.0
	}

	memPercent := 0.0
	if raw.MemoryStats.Limit > 0 {
		memPercent = (float64(raw.MemoryStats.Usage) / float64(raw.MemoryStats.Limit)) * 100.0
	}

	return &Stats{CPUPercent: cpuPercent, MemoryPercent: memPercent}, nil
}

func (d *DockerDriver) Exec(ctx context.Context, containerName string, cmd []string) (string, error) {
	execID, err := d.cli.ContainerExecCreate(ctx, containerName, types.ExecConfig{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindRuntime, "creating exec in "+containerName, err)
	}
	resp, err := d.cli.ContainerExecAttach(ctx, execID.ID, types.ExecStartCheck{})
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindRuntime, "attaching exec in "+containerName, err)
	}
	defer resp.Close()

	out, _ := io.ReadAll(resp.Reader)
	return string(out), nil
}
