package adapter

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/m-mizutani/goerr/v2"

	"vibegen/pkg/utils/logging"
)

const (
	sandboxWorkDir     = "/home/user"
	sandboxLabel       = "vibegen.sandbox"
	stopTimeoutSecs    = 10
	reaperInterval     = time.Minute
	sandboxMemoryBytes = 1024 * 1024 * 1024 // 1GB
	sandboxCPUQuota    = 100000             // 1 CPU
	sandboxPidsLimit   = 512
)

var ErrSessionNotRunning = goerr.New("sandbox session is not running")

// DockerSandbox implements Sandbox on the Docker API. Each session is one
// container started from the template image. The provider enforces the idle
// timeout itself: a reaper goroutine removes containers whose deadline passed.
type DockerSandbox struct {
	cli *client.Client

	mu        sync.Mutex
	deadlines map[string]time.Time
}

// NewDockerSandbox creates a Docker-backed sandbox provider
func NewDockerSandbox() (*DockerSandbox, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create docker client")
	}

	return &DockerSandbox{
		cli:       cli,
		deadlines: make(map[string]time.Time),
	}, nil
}

func (s *DockerSandbox) Create(ctx context.Context, template string) (string, error) {
	config := &container.Config{
		Image:      template,
		WorkingDir: sandboxWorkDir,
		Tty:        true,
		Labels:     map[string]string{sandboxLabel: "1"},
	}

	hostConfig := &container.HostConfig{
		Resources: container.Resources{
			Memory:    sandboxMemoryBytes,
			CPUQuota:  sandboxCPUQuota,
			PidsLimit: ptr(int64(sandboxPidsLimit)),
		},
	}

	resp, err := s.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, "")
	if err != nil {
		return "", goerr.Wrap(err, "failed to create sandbox container", goerr.V("template", template))
	}

	if err := s.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if removeErr := s.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); removeErr != nil {
			logging.From(ctx).Warn("failed to remove sandbox after start failure",
				"container_id", resp.ID, "error", removeErr)
		}
		return "", goerr.Wrap(err, "failed to start sandbox container", goerr.V("container_id", resp.ID))
	}

	s.refresh(resp.ID)
	logging.From(ctx).Info("sandbox created", "container_id", resp.ID, "template", template)
	return resp.ID, nil
}

func (s *DockerSandbox) Connect(ctx context.Context, id string) (SandboxSession, error) {
	inspect, err := s.cli.ContainerInspect(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, goerr.Wrap(ErrSessionNotRunning, "sandbox not found", goerr.V("container_id", id))
		}
		return nil, goerr.Wrap(err, "failed to inspect sandbox", goerr.V("container_id", id))
	}
	if inspect.State == nil || !inspect.State.Running {
		return nil, goerr.Wrap(ErrSessionNotRunning, "sandbox stopped", goerr.V("container_id", id))
	}

	s.refresh(id)
	return &dockerSession{cli: s.cli, id: id}, nil
}

// refresh pushes the session's idle deadline out to SandboxTimeout from now.
func (s *DockerSandbox) refresh(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadlines[id] = time.Now().Add(SandboxTimeout)
}

// StartReaper runs a background goroutine that removes sandboxes whose idle
// deadline has passed.
func (s *DockerSandbox) StartReaper(ctx context.Context) {
	ticker := time.NewTicker(reaperInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.reapExpired(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (s *DockerSandbox) reapExpired(ctx context.Context) {
	now := time.Now()

	s.mu.Lock()
	var expired []string
	for id, deadline := range s.deadlines {
		if deadline.Before(now) {
			expired = append(expired, id)
			delete(s.deadlines, id)
		}
	}
	s.mu.Unlock()

	for _, id := range expired {
		if err := s.remove(ctx, id); err != nil {
			logging.From(ctx).Warn("failed to reap expired sandbox", "container_id", id, "error", err)
		} else {
			logging.From(ctx).Info("sandbox expired and removed", "container_id", id)
		}
	}
}

func (s *DockerSandbox) remove(ctx context.Context, id string) error {
	timeout := stopTimeoutSecs
	if err := s.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil && !errdefs.IsNotFound(err) {
		logging.From(ctx).Debug("sandbox stop returned error, continuing to remove", "container_id", id, "error", err)
	}
	if err := s.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		return goerr.Wrap(err, "failed to remove sandbox container", goerr.V("container_id", id))
	}
	return nil
}

type dockerSession struct {
	cli *client.Client
	id  string
}

func (s *dockerSession) ID() string {
	return s.id
}

func (s *dockerSession) RunCommand(ctx context.Context, command string) (*CommandResult, error) {
	execConfig := container.ExecOptions{
		Cmd:          []string{"sh", "-c", command},
		WorkingDir:   sandboxWorkDir,
		AttachStdout: true,
		AttachStderr: true,
	}

	exec, err := s.cli.ContainerExecCreate(ctx, s.id, execConfig)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create exec", goerr.V("command", command))
	}

	attach, err := s.cli.ContainerExecAttach(ctx, exec.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to attach exec")
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return nil, goerr.Wrap(err, "failed to read exec output")
	}

	inspect, err := s.cli.ContainerExecInspect(ctx, exec.ID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to inspect exec")
	}

	return &CommandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: inspect.ExitCode,
	}, nil
}

// resolve maps tool-supplied paths (usually relative) onto the work directory.
func resolve(p string) string {
	if path.IsAbs(p) {
		return path.Clean(p)
	}
	return path.Join(sandboxWorkDir, p)
}

func (s *dockerSession) WriteFile(ctx context.Context, filePath, content string) error {
	target := resolve(filePath)

	if dir := path.Dir(target); dir != "/" {
		mkdir, err := s.RunCommand(ctx, fmt.Sprintf("mkdir -p %q", dir))
		if err != nil {
			return goerr.Wrap(err, "failed to prepare directory", goerr.V("path", target))
		}
		if mkdir.ExitCode != 0 {
			return goerr.New("failed to prepare directory",
				goerr.V("path", target), goerr.V("stderr", mkdir.Stderr))
		}
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name: strings.TrimPrefix(target, "/"),
		Mode: 0644,
		Size: int64(len(content)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return goerr.Wrap(err, "failed to write tar header")
	}
	if _, err := tw.Write([]byte(content)); err != nil {
		return goerr.Wrap(err, "failed to write tar content")
	}
	if err := tw.Close(); err != nil {
		return goerr.Wrap(err, "failed to finalize tar")
	}

	if err := s.cli.CopyToContainer(ctx, s.id, "/", &buf, container.CopyToContainerOptions{}); err != nil {
		return goerr.Wrap(err, "failed to copy file into sandbox", goerr.V("path", target))
	}
	return nil
}

func (s *dockerSession) ReadFile(ctx context.Context, filePath string) (string, error) {
	target := resolve(filePath)

	reader, _, err := s.cli.CopyFromContainer(ctx, s.id, target)
	if err != nil {
		return "", goerr.Wrap(err, "failed to copy file from sandbox", goerr.V("path", target))
	}
	defer reader.Close()

	tr := tar.NewReader(reader)
	if _, err := tr.Next(); err != nil {
		return "", goerr.Wrap(err, "failed to read tar entry", goerr.V("path", target))
	}

	content, err := io.ReadAll(tr)
	if err != nil {
		return "", goerr.Wrap(err, "failed to read file content", goerr.V("path", target))
	}
	return string(content), nil
}

func (s *dockerSession) Host(ctx context.Context, port int) (string, error) {
	inspect, err := s.cli.ContainerInspect(ctx, s.id)
	if err != nil {
		return "", goerr.Wrap(err, "failed to inspect sandbox", goerr.V("container_id", s.id))
	}
	if inspect.NetworkSettings == nil || inspect.NetworkSettings.IPAddress == "" {
		return "", goerr.New("sandbox has no network address", goerr.V("container_id", s.id))
	}

	return fmt.Sprintf("%s:%d", inspect.NetworkSettings.IPAddress, port), nil
}

func ptr[T any](v T) *T {
	return &v
}
