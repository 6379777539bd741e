package sandbox

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-units"

	"github.com/ChamsBouzaiene/kiwi/internal/workspace"
)

// DockerRunner executes commands in throwaway containers: read-only rootfs,
// no network, dropped capabilities, resource limits.
type DockerRunner struct {
	client *client.Client
	config Config
}

// NewDockerRunner connects to the daemon and verifies it answers.
func NewDockerRunner(cfg Config) (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("docker daemon not accessible: %w", err)
	}

	return &DockerRunner{client: cli, config: cfg}, nil
}

// RunCmd implements Runner.
func (r *DockerRunner) RunCmd(ctx context.Context, workDir, name string, args []string, timeout time.Duration) (Result, error) {
	timeout = r.config.timeoutOr(timeout)

	img := r.imageFor(workDir)
	if err := r.ensureImage(ctx, img); err != nil {
		return Result{}, fmt.Errorf("ensure image %s: %w", img, err)
	}

	absDir, err := filepath.Abs(workDir)
	if err != nil {
		return Result{}, fmt.Errorf("resolve workdir: %w", err)
	}

	containerConfig := &container.Config{
		Image:           img,
		Cmd:             append([]string{name}, args...),
		WorkingDir:      "/workspace",
		User:            "1000:1000",
		Env:             []string{"HOME=/tmp"},
		NetworkDisabled: true,
	}
	hostConfig := &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: absDir,
			Target: "/workspace",
		}},
		Resources: container.Resources{
			Memory:   parseMemory(r.config.Memory),
			NanoCPUs: parseCPU(r.config.CPU) * 1e9,
			Ulimits: []*units.Ulimit{
				{Name: "nofile", Soft: 1024, Hard: 1024},
			},
		},
		SecurityOpt:    []string{"no-new-privileges"},
		CapDrop:        []string{"ALL"},
		ReadonlyRootfs: true,
		Tmpfs: map[string]string{
			"/tmp": "rw,noexec,nosuid,size=100m",
		},
		AutoRemove: true,
	}

	created, err := r.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "")
	if err != nil {
		return Result{}, fmt.Errorf("create container: %w", err)
	}
	containerID := created.ID
	defer func() {
		removeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.client.ContainerRemove(removeCtx, containerID, container.RemoveOptions{Force: true})
	}()

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := r.client.ContainerStart(execCtx, containerID, container.StartOptions{}); err != nil {
		return Result{}, fmt.Errorf("start container: %w", err)
	}

	statusCh, errCh := r.client.ContainerWait(execCtx, containerID, container.WaitConditionNotRunning)

	var exitCode int64
	select {
	case <-execCtx.Done():
		killCtx, killCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer killCancel()
		_ = r.client.ContainerKill(killCtx, containerID, "SIGKILL")
		return Result{Code: 1, TimedOut: true, Stderr: "command timed out"}, execCtx.Err()
	case err := <-errCh:
		if err != nil {
			return Result{}, fmt.Errorf("container wait: %w", err)
		}
	case status := <-statusCh:
		exitCode = status.StatusCode
	}

	logs, err := r.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       "all",
	})
	if err != nil {
		return Result{}, fmt.Errorf("read container logs: %w", err)
	}
	defer logs.Close()

	stdout, stderr := demuxLogs(logs)
	return Result{
		Stdout: stdout,
		Stderr: stderr,
		Code:   int(exitCode),
	}, nil
}

// imageFor picks the container image from the workspace's project type.
func (r *DockerRunner) imageFor(workDir string) string {
	if r.config.DockerImage != "" {
		return r.config.DockerImage
	}
	switch workspace.DetectProjectType(workDir) {
	case workspace.ProjectTypeGo:
		return "golang:alpine"
	case workspace.ProjectTypeNode:
		return "node:alpine"
	case workspace.ProjectTypePython:
		return "python:alpine"
	case workspace.ProjectTypeRust:
		return "rust:alpine"
	default:
		return "alpine:latest"
	}
}

func (r *DockerRunner) ensureImage(ctx context.Context, imageName string) error {
	if _, _, err := r.client.ImageInspectWithRaw(ctx, imageName); err == nil {
		return nil
	}
	reader, err := r.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image: %w", err)
	}
	defer reader.Close()
	// The pull only completes once its progress stream is drained.
	_, _ = io.Copy(io.Discard, reader)
	return nil
}

// demuxLogs splits the multiplexed container log stream. Each frame is an
// 8-byte header (stream type, 3 reserved, 4-byte big-endian size) followed
// by the payload.
func demuxLogs(reader io.Reader) (stdout, stderr string) {
	var outParts, errParts []string
	for {
		header := make([]byte, 8)
		if n, err := io.ReadFull(reader, header); n < 8 || err != nil {
			break
		}
		size := int(header[4])<<24 | int(header[5])<<16 | int(header[6])<<8 | int(header[7])
		if size <= 0 || size > 10*1024*1024 {
			continue
		}
		payload := make([]byte, size)
		if _, err := io.ReadFull(reader, payload); err != nil {
			break
		}
		content := strings.TrimSuffix(string(payload), "\n")
		switch header[0] {
		case 1:
			outParts = append(outParts, content)
		case 2:
			errParts = append(errParts, content)
		}
	}
	return strings.Join(outParts, "\n"), strings.Join(errParts, "\n")
}

func parseMemory(raw string) int64 {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return 1 << 30
	}
	var multiplier int64 = 1
	switch {
	case strings.HasSuffix(raw, "g"):
		multiplier = 1 << 30
		raw = strings.TrimSuffix(raw, "g")
	case strings.HasSuffix(raw, "m"):
		multiplier = 1 << 20
		raw = strings.TrimSuffix(raw, "m")
	case strings.HasSuffix(raw, "k"):
		multiplier = 1 << 10
		raw = strings.TrimSuffix(raw, "k")
	}
	var value int64
	fmt.Sscanf(raw, "%d", &value)
	if value <= 0 {
		return 1 << 30
	}
	return value * multiplier
}

func parseCPU(raw string) int64 {
	var value float64
	fmt.Sscanf(strings.TrimSpace(raw), "%f", &value)
	if value <= 0 {
		return 2
	}
	return int64(value)
}
