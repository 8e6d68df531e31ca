package runtime

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerConfig holds configuration for the Docker runtime.
type DockerConfig struct {
	// Image used when StartOptions.Image is empty.
	Image string
	// HostWorkDir is bind-mounted into the container so that relative
	// infile/db paths resolve. Defaults to the current directory.
	HostWorkDir string
	// ContainerWorkDir is the mount point and working directory (default /work).
	ContainerWorkDir string
	// Logger receives runtime diagnostics; nil uses slog.Default().
	Logger *slog.Logger
}

// DockerRuntime implements the Runtime interface using the Docker SDK.
type DockerRuntime struct {
	client *client.Client
	config DockerConfig
	logger *slog.Logger
}

// DockerHandle represents a running container.
type DockerHandle struct {
	client      *client.Client
	containerID string
	logsDone    chan error
}

// NewDockerRuntime creates a new Docker-based runtime.
func NewDockerRuntime(cfg DockerConfig) (*DockerRuntime, error) {
	// Initializes client from standard environment variables (DOCKER_HOST, etc.)
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	if cfg.HostWorkDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve working directory: %w", err)
		}
		cfg.HostWorkDir = wd
	}
	if cfg.ContainerWorkDir == "" {
		cfg.ContainerWorkDir = "/work"
	}

	return &DockerRuntime{client: cli, config: cfg, logger: loggerOr(cfg.Logger)}, nil
}

// containerSpec builds the container and host configuration for a run.
func (d *DockerRuntime) containerSpec(opts StartOptions) (*container.Config, *container.HostConfig, error) {
	img := opts.Image
	if img == "" {
		img = d.config.Image
	}
	if img == "" {
		return nil, nil, fmt.Errorf("image is required")
	}
	if len(opts.Command) == 0 {
		return nil, nil, fmt.Errorf("command is required")
	}

	cfg := &container.Config{
		Image:      img,
		Cmd:        opts.Command,
		Env:        mapToEnvList(opts.Env),
		WorkingDir: d.config.ContainerWorkDir,
		Labels: map[string]string{
			"app.kubernetes.io/managed-by": "crossoverstudy",
			"crossoverstudy.run-id":        opts.Name,
		},
	}

	hostCfg := &container.HostConfig{}
	if d.config.HostWorkDir != "" && d.config.ContainerWorkDir != "" {
		hostCfg.Binds = []string{d.config.HostWorkDir + ":" + d.config.ContainerWorkDir}
	}

	return cfg, hostCfg, nil
}

// Start implements Runtime.Start using Docker containers.
func (d *DockerRuntime) Start(ctx context.Context, opts StartOptions) (Handle, error) {
	cfg, hostCfg, err := d.containerSpec(opts)
	if err != nil {
		return nil, err
	}

	// Check if the image exists locally first to save time.
	if _, err := d.client.ImageInspect(ctx, cfg.Image); err != nil {
		reader, err := d.client.ImagePull(ctx, cfg.Image, image.PullOptions{})
		if err != nil {
			return nil, fmt.Errorf("failed to pull image %s: %w", cfg.Image, err)
		}
		defer reader.Close()
		io.Copy(io.Discard, reader)
	}

	resp, err := d.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		d.removeFailed(ctx, resp.ID)
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	h := &DockerHandle{client: d.client, containerID: resp.ID}
	if !opts.SuppressOutput {
		rc, err := d.client.ContainerLogs(ctx, resp.ID, container.LogsOptions{
			ShowStdout: true,
			ShowStderr: true,
			Follow:     true,
		})
		if err != nil {
			// The run itself is unaffected; only its output is lost.
			loggerOr(d.logger).Warn("failed to attach container logs", "container", resp.ID, "error", err)
			return h, nil
		}
		h.logsDone = make(chan error, 1)
		go func() {
			defer rc.Close()
			_, err := stdcopy.StdCopy(stdoutFor(opts), stderrFor(opts), rc)
			h.logsDone <- err
		}()
	}

	return h, nil
}

// removeFailed removes a container that was created but never started.
func (d *DockerRuntime) removeFailed(ctx context.Context, id string) {
	if err := d.client.ContainerRemove(context.WithoutCancel(ctx), id, container.RemoveOptions{Force: true}); err != nil {
		loggerOr(d.logger).Warn("failed to remove container", "container", id, "error", err)
	}
}

// Wait blocks until the container stops and its log stream is drained.
func (h *DockerHandle) Wait(ctx context.Context) (ExitResult, error) {
	statusCh, errCh := h.client.ContainerWait(ctx, h.containerID, container.WaitConditionNotRunning)

	var result ExitResult
	select {
	case err := <-errCh:
		return ExitResult{ExitCode: -1, Error: err}, err
	case status := <-statusCh:
		result = ExitResult{ExitCode: int(status.StatusCode)}
		if status.Error != nil {
			result.Error = fmt.Errorf("%s", status.Error.Message)
		}
	case <-ctx.Done():
		return ExitResult{ExitCode: -1, Error: ctx.Err()}, ctx.Err()
	}

	if h.logsDone != nil {
		select {
		case <-h.logsDone:
		case <-ctx.Done():
			return result, ctx.Err()
		}
	}
	return result, nil
}

// Cleanup removes the container.
func (h *DockerHandle) Cleanup(ctx context.Context) error {
	if err := h.client.ContainerRemove(ctx, h.containerID, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("failed to remove container %s: %w", h.containerID, err)
	}
	return nil
}
