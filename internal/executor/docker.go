package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

var (
	errContainerNotRunning = errors.New("container is not running")
	errContainerNotFound   = errors.New("container not found")
)

// dockerAPI is the subset of the Docker client used for exec.
type dockerAPI interface {
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	Close() error
}

// DockerConfig configures a DockerExecutor.
type DockerConfig struct {
	Container  string
	User       string
	WorkDir    string
	Shell      string
	Timeout    time.Duration
	MaxCapture int64
}

// DockerExecutor runs commands inside an existing container with docker exec.
type DockerExecutor struct {
	cli  dockerAPI
	cfg  DockerConfig
	pool *Pool
}

// NewDockerExecutor connects to the Docker daemon from the environment and
// checks that the target container is running.
func NewDockerExecutor(ctx context.Context, cfg DockerConfig, concurrency int) (*DockerExecutor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	e := newDockerExecutor(cli, cfg, concurrency)
	if err := e.checkContainer(ctx); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			slog.Warn("failed to close docker client", "error", closeErr)
		}
		return nil, err
	}
	slog.Info("Docker executor initialized", "container", cfg.Container, "user", cfg.User)
	return e, nil
}

func newDockerExecutor(cli dockerAPI, cfg DockerConfig, concurrency int) *DockerExecutor {
	def := DefaultShellConfig()
	if cfg.Shell == "" {
		cfg.Shell = def.Shell
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxCapture <= 0 {
		cfg.MaxCapture = def.MaxCapture
	}
	return &DockerExecutor{cli: cli, cfg: cfg, pool: NewPool(concurrency)}
}

func (e *DockerExecutor) checkContainer(ctx context.Context) error {
	inspect, err := e.cli.ContainerInspect(ctx, e.cfg.Container)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return fmt.Errorf("%w: %s", errContainerNotFound, e.cfg.Container)
		}
		return fmt.Errorf("inspect container %s: %w", e.cfg.Container, err)
	}
	if inspect.ContainerJSONBase == nil || inspect.State == nil || !inspect.State.Running {
		return fmt.Errorf("%w: %s", errContainerNotRunning, e.cfg.Container)
	}
	return nil
}

// Run executes command in the container. A non-zero exit status is
// reported in Output, not as an error.
func (e *DockerExecutor) Run(ctx context.Context, command string) (Output, error) {
	if strings.TrimSpace(command) == "" {
		return Output{}, ErrEmptyCommand
	}

	var out Output
	err := e.pool.Run(ctx, func() error {
		var runErr error
		out, runErr = e.run(ctx, command)
		return runErr
	})
	return out, err
}

func (e *DockerExecutor) run(ctx context.Context, command string) (Output, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	resp, err := e.cli.ContainerExecCreate(ctx, e.cfg.Container, container.ExecOptions{
		Cmd:          []string{e.cfg.Shell, "-c", command},
		User:         e.cfg.User,
		WorkingDir:   e.cfg.WorkDir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return Output{}, fmt.Errorf("%w: %s", errContainerNotFound, e.cfg.Container)
		}
		return Output{}, fmt.Errorf("create exec: %w", err)
	}

	attachResp, err := e.cli.ContainerExecAttach(ctx, resp.ID, container.ExecStartOptions{})
	if err != nil {
		return Output{}, fmt.Errorf("attach exec: %w", err)
	}
	defer attachResp.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	stdout := &limitedWriter{w: &stdoutBuf, max: e.cfg.MaxCapture}
	stderr := &limitedWriter{w: &stderrBuf, max: e.cfg.MaxCapture}

	copyDone := make(chan error, 1)
	go func() {
		_, copyErr := stdcopy.StdCopy(stdout, stderr, attachResp.Reader)
		copyDone <- copyErr
	}()

	select {
	case copyErr := <-copyDone:
		if copyErr != nil {
			return Output{}, fmt.Errorf("read exec output: %w", copyErr)
		}
	case <-ctx.Done():
		attachResp.Close()
		<-copyDone
		return Output{}, fmt.Errorf("command timed out after %s: %w", e.cfg.Timeout, ctx.Err())
	}

	inspect, err := e.cli.ContainerExecInspect(ctx, resp.ID)
	if err != nil {
		return Output{}, fmt.Errorf("inspect exec: %w", err)
	}

	return Output{
		ExitCode:  inspect.ExitCode,
		Stdout:    stdoutBuf.String(),
		Stderr:    stderrBuf.String(),
		Truncated: stdout.truncated || stderr.truncated,
	}, nil
}

// Close releases the Docker client.
func (e *DockerExecutor) Close() {
	if err := e.cli.Close(); err != nil {
		slog.Warn("failed to close docker client", "error", err)
	}
}
