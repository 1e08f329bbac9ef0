package container

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	containerTypes "github.com/docker/docker/api/types/container"
	imageTypes "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"

	"github.com/courselab/courselab/internal/logger"
)

// DockerAPI is the slice of the Docker Engine API the controller uses.
// Narrowing it here keeps the controller testable against a fake daemon.
type DockerAPI interface {
	Ping(ctx context.Context) (types.Ping, error)
	ContainerCreate(ctx context.Context, config *containerTypes.Config, hostConfig *containerTypes.HostConfig, name string) (containerTypes.CreateResponse, error)
	ContainerStart(ctx context.Context, id string, options containerTypes.StartOptions) error
	ContainerStop(ctx context.Context, id string, options containerTypes.StopOptions) error
	ContainerRestart(ctx context.Context, id string, options containerTypes.StopOptions) error
	ContainerRemove(ctx context.Context, id string, options containerTypes.RemoveOptions) error
	ContainerPause(ctx context.Context, id string) error
	ContainerUnpause(ctx context.Context, id string) error
	ContainerInspect(ctx context.Context, id string) (containerTypes.InspectResponse, error)
	ContainerList(ctx context.Context, options containerTypes.ListOptions) ([]containerTypes.Summary, error)
	ContainerLogs(ctx context.Context, id string, options containerTypes.LogsOptions) (io.ReadCloser, error)
	ContainerExecCreate(ctx context.Context, id string, options containerTypes.ExecOptions) (containerTypes.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, options containerTypes.ExecStartOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (containerTypes.ExecInspect, error)
	ContainerExecResize(ctx context.Context, execID string, options containerTypes.ResizeOptions) error
	ImageInspect(ctx context.Context, ref string) (imageTypes.InspectResponse, error)
	ImagePull(ctx context.Context, ref string, options imageTypes.PullOptions) (io.ReadCloser, error)
	Close() error
}

// dockerAPI adapts *client.Client to DockerAPI.
type dockerAPI struct {
	cli *client.Client
}

func (d *dockerAPI) Ping(ctx context.Context) (types.Ping, error) {
	return d.cli.Ping(ctx)
}

func (d *dockerAPI) ContainerCreate(ctx context.Context, config *containerTypes.Config, hostConfig *containerTypes.HostConfig, name string) (containerTypes.CreateResponse, error) {
	return d.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
}

func (d *dockerAPI) ContainerStart(ctx context.Context, id string, options containerTypes.StartOptions) error {
	return d.cli.ContainerStart(ctx, id, options)
}

func (d *dockerAPI) ContainerStop(ctx context.Context, id string, options containerTypes.StopOptions) error {
	return d.cli.ContainerStop(ctx, id, options)
}

func (d *dockerAPI) ContainerRestart(ctx context.Context, id string, options containerTypes.StopOptions) error {
	return d.cli.ContainerRestart(ctx, id, options)
}

func (d *dockerAPI) ContainerRemove(ctx context.Context, id string, options containerTypes.RemoveOptions) error {
	return d.cli.ContainerRemove(ctx, id, options)
}

func (d *dockerAPI) ContainerPause(ctx context.Context, id string) error {
	return d.cli.ContainerPause(ctx, id)
}

func (d *dockerAPI) ContainerUnpause(ctx context.Context, id string) error {
	return d.cli.ContainerUnpause(ctx, id)
}

func (d *dockerAPI) ContainerInspect(ctx context.Context, id string) (containerTypes.InspectResponse, error) {
	return d.cli.ContainerInspect(ctx, id)
}

func (d *dockerAPI) ContainerList(ctx context.Context, options containerTypes.ListOptions) ([]containerTypes.Summary, error) {
	return d.cli.ContainerList(ctx, options)
}

func (d *dockerAPI) ContainerLogs(ctx context.Context, id string, options containerTypes.LogsOptions) (io.ReadCloser, error) {
	return d.cli.ContainerLogs(ctx, id, options)
}

func (d *dockerAPI) ContainerExecCreate(ctx context.Context, id string, options containerTypes.ExecOptions) (containerTypes.ExecCreateResponse, error) {
	return d.cli.ContainerExecCreate(ctx, id, options)
}

func (d *dockerAPI) ContainerExecAttach(ctx context.Context, execID string, options containerTypes.ExecStartOptions) (types.HijackedResponse, error) {
	return d.cli.ContainerExecAttach(ctx, execID, options)
}

func (d *dockerAPI) ContainerExecInspect(ctx context.Context, execID string) (containerTypes.ExecInspect, error) {
	return d.cli.ContainerExecInspect(ctx, execID)
}

func (d *dockerAPI) ContainerExecResize(ctx context.Context, execID string, options containerTypes.ResizeOptions) error {
	return d.cli.ContainerExecResize(ctx, execID, options)
}

func (d *dockerAPI) ImageInspect(ctx context.Context, ref string) (imageTypes.InspectResponse, error) {
	inspect, _, err := d.cli.ImageInspectWithRaw(ctx, ref)
	return inspect, err
}

func (d *dockerAPI) ImagePull(ctx context.Context, ref string, options imageTypes.PullOptions) (io.ReadCloser, error) {
	return d.cli.ImagePull(ctx, ref, options)
}

func (d *dockerAPI) Close() error {
	return d.cli.Close()
}

// NewDockerAPI connects to the Docker daemon. The environment configuration
// is tried first (DOCKER_HOST et al.), then well-known socket paths. Every
// candidate is ping-verified before being accepted.
func NewDockerAPI(host string, log *logger.Logger) (DockerAPI, error) {
	if host != "" {
		cli, err := client.NewClientWithOpts(
			client.WithHost(host),
			client.WithAPIVersionNegotiation(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create docker client: %w", err)
		}
		if err := pingDaemon(cli); err != nil {
			cli.Close()
			return nil, fmt.Errorf("failed to ping docker daemon at %s: %w", host, err)
		}
		return &dockerAPI{cli: cli}, nil
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err == nil {
		if pingErr := pingDaemon(cli); pingErr == nil {
			return &dockerAPI{cli: cli}, nil
		} else {
			log.Warn("docker connection from environment failed", "error", pingErr)
			cli.Close()
		}
	}

	socketPaths := []string{
		fmt.Sprintf("unix:///Users/%s/.docker/run/docker.sock", os.Getenv("USER")),
		"unix:///var/run/docker.sock",
	}
	for _, socketPath := range socketPaths {
		filePath := strings.TrimPrefix(socketPath, "unix://")
		if _, err := os.Stat(filePath); os.IsNotExist(err) {
			continue
		}
		cli, err := client.NewClientWithOpts(
			client.WithHost(socketPath),
			client.WithAPIVersionNegotiation(),
		)
		if err != nil {
			log.Warn("failed to create docker client", "socket", socketPath, "error", err)
			continue
		}
		if pingErr := pingDaemon(cli); pingErr == nil {
			log.Info("connected to docker", "socket", socketPath)
			return &dockerAPI{cli: cli}, nil
		} else {
			log.Warn("docker ping failed", "socket", socketPath, "error", pingErr)
			cli.Close()
		}
	}

	return nil, fmt.Errorf("cannot connect to docker daemon, tried environment and %v", socketPaths)
}

func pingDaemon(cli *client.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := cli.Ping(ctx)
	return err
}
