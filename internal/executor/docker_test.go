package executor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDocker struct {
	running  bool
	missing  bool
	exitCode int
	stdout   string
	stderr   string
	created  container.ExecOptions
	conns    []net.Conn
}

func (f *fakeDocker) ContainerInspect(_ context.Context, _ string) (container.InspectResponse, error) {
	if f.missing {
		return container.InspectResponse{}, errdefs.ErrNotFound
	}
	return container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{State: &container.State{Running: f.running}},
	}, nil
}

func (f *fakeDocker) ContainerExecCreate(_ context.Context, _ string, options container.ExecOptions) (container.ExecCreateResponse, error) {
	f.created = options
	return container.ExecCreateResponse{ID: "exec-1"}, nil
}

func (f *fakeDocker) ContainerExecAttach(_ context.Context, _ string, _ container.ExecAttachOptions) (types.HijackedResponse, error) {
	var buf bytes.Buffer
	if f.stdout != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(f.stdout))
	}
	if f.stderr != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(f.stderr))
	}
	client, server := net.Pipe()
	f.conns = append(f.conns, server)
	return types.HijackedResponse{Conn: client, Reader: bufio.NewReader(&buf)}, nil
}

func (f *fakeDocker) ContainerExecInspect(_ context.Context, _ string) (container.ExecInspect, error) {
	return container.ExecInspect{ExitCode: f.exitCode}, nil
}

func (f *fakeDocker) Close() error {
	for _, c := range f.conns {
		_ = c.Close()
	}
	return nil
}

func TestDockerExecutor_Run(t *testing.T) {
	fake := &fakeDocker{running: true, exitCode: 1, stdout: "out", stderr: "err"}
	e := newDockerExecutor(fake, DockerConfig{Container: "sandbox", User: "1000", WorkDir: "/work"}, 1)
	defer e.Close()

	out, err := e.Run(context.Background(), "ls /missing")
	require.NoError(t, err)
	assert.Equal(t, Output{ExitCode: 1, Stdout: "out", Stderr: "err"}, out)
	assert.Equal(t, []string{"/bin/sh", "-c", "ls /missing"}, fake.created.Cmd)
	assert.Equal(t, "1000", fake.created.User)
	assert.Equal(t, "/work", fake.created.WorkingDir)
}

func TestDockerExecutor_EmptyCommand(t *testing.T) {
	fake := &fakeDocker{running: true}
	e := newDockerExecutor(fake, DockerConfig{Container: "sandbox"}, 1)

	_, err := e.Run(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyCommand)
	assert.Nil(t, fake.created.Cmd)
}

func TestDockerExecutor_CheckContainer(t *testing.T) {
	e := newDockerExecutor(&fakeDocker{missing: true}, DockerConfig{Container: "gone"}, 1)
	err := e.checkContainer(context.Background())
	assert.True(t, errors.Is(err, errContainerNotFound))

	e = newDockerExecutor(&fakeDocker{}, DockerConfig{Container: "stopped"}, 1)
	err = e.checkContainer(context.Background())
	assert.True(t, errors.Is(err, errContainerNotRunning))

	e = newDockerExecutor(&fakeDocker{running: true}, DockerConfig{Container: "ok"}, 1)
	assert.NoError(t, e.checkContainer(context.Background()))
}
