// Package sandbox executes tool-requested commands in isolation. Docker is
// preferred; host execution is the fallback for environments without a
// daemon.
package sandbox

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/ChamsBouzaiene/kiwi/internal/log"
)

const defaultCmdTimeout = 2 * time.Minute

// Result captures the output of one command.
type Result struct {
	Stdout   string
	Stderr   string
	Code     int
	TimedOut bool
}

// Runner executes a command inside a workspace directory with a timeout.
// timeout <= 0 falls back to the configured default.
type Runner interface {
	RunCmd(ctx context.Context, workDir, name string, args []string, timeout time.Duration) (Result, error)
}

// Mode selects the isolation backend.
type Mode string

const (
	ModeDocker Mode = "docker"
	ModeHost   Mode = "host"
	// ModeAuto picks Docker when the daemon answers, host otherwise.
	ModeAuto Mode = "auto"
)

// Config tunes the sandbox.
type Config struct {
	Mode        Mode
	DockerImage string // overrides project-type image selection
	CPU         string // e.g. "2"
	Memory      string // e.g. "1g"
	CmdTimeout  time.Duration
}

// ConfigFromEnv reads the KIWI_SANDBOX_* environment variables.
func ConfigFromEnv(logger log.Logger) Config {
	mode := Mode(strings.ToLower(os.Getenv("KIWI_SANDBOX_MODE")))
	switch mode {
	case ModeDocker, ModeHost, ModeAuto:
	case "":
		mode = ModeAuto
	default:
		logger.Warningf("unknown KIWI_SANDBOX_MODE %q, using auto", mode)
		mode = ModeAuto
	}

	cmdTimeout := defaultCmdTimeout
	if raw := os.Getenv("KIWI_CMD_TIMEOUT"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			cmdTimeout = d
		} else {
			logger.Warningf("invalid KIWI_CMD_TIMEOUT %q, using %s", raw, defaultCmdTimeout)
		}
	}

	return Config{
		Mode:        mode,
		DockerImage: os.Getenv("KIWI_DOCKER_IMAGE"),
		CPU:         envOr("KIWI_DOCKER_CPU", "2"),
		Memory:      envOr("KIWI_DOCKER_MEMORY", "1g"),
		CmdTimeout:  cmdTimeout,
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// DockerAvailable reports whether a Docker daemon answers.
func DockerAvailable(ctx context.Context) bool {
	cmd := exec.CommandContext(ctx, "docker", "ps")
	return cmd.Run() == nil
}

// NewRunner builds the runner for the configured mode. Auto and docker modes
// degrade to host execution when the daemon is unreachable.
func NewRunner(cfg Config, logger log.Logger) Runner {
	if logger == nil {
		logger = log.Noop
	}
	switch cfg.Mode {
	case ModeHost:
		logger.Warningf("sandbox disabled, commands run on the host")
		return &HostRunner{config: cfg}
	case ModeDocker, ModeAuto:
		if !DockerAvailable(context.Background()) {
			logger.Warningf("docker not available, commands run on the host")
			return &HostRunner{config: cfg}
		}
		runner, err := NewDockerRunner(cfg)
		if err != nil {
			logger.Warningf("docker runner init failed (%v), commands run on the host", err)
			return &HostRunner{config: cfg}
		}
		return runner
	default:
		logger.Warningf("unknown sandbox mode %q, commands run on the host", cfg.Mode)
		return &HostRunner{config: cfg}
	}
}

func (c Config) timeoutOr(timeout time.Duration) time.Duration {
	if timeout > 0 {
		return timeout
	}
	if c.CmdTimeout > 0 {
		return c.CmdTimeout
	}
	return defaultCmdTimeout
}
