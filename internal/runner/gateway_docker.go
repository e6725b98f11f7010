package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/hyperagent/hyperagent/internal/common/config"
	"github.com/hyperagent/hyperagent/internal/common/logger"
	"github.com/hyperagent/hyperagent/internal/runner/docker"
)

// DockerGateway schedules each claim as a short-lived sandbox container.
// The Docker client is created lazily on first use (not at startup).
type DockerGateway struct {
	cfg    config.RunnerConfig
	git    config.GitConfig
	logger *logger.Logger

	// newClientFunc creates the Docker client. Defaults to docker.NewClient.
	// Override in tests to simulate failures.
	newClientFunc func(docker.Config, *logger.Logger) (*docker.Client, error)

	// Lazy-initialized on first use via ensureClient().
	// Uses mu + initialized instead of sync.Once so that transient Docker
	// daemon failures can be retried on subsequent calls.
	mu          sync.Mutex
	initialized bool
	docker      *docker.Client
}

// NewDockerGateway creates a docker-backed gateway. The Docker client is NOT
// created here; it is initialized lazily on the first Enqueue.
func NewDockerGateway(cfg config.RunnerConfig, git config.GitConfig, log *logger.Logger) *DockerGateway {
	return &DockerGateway{
		cfg:           cfg,
		git:           git,
		logger:        log.WithFields(zap.String("gateway", "docker")),
		newClientFunc: docker.NewClient,
	}
}

// ensureClient lazily creates the Docker client. Unlike sync.Once, this
// retries on failure so transient daemon unavailability doesn't permanently
// disable the gateway.
func (g *DockerGateway) ensureClient() (*docker.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.initialized {
		return g.docker, nil
	}

	cli, err := g.newClientFunc(docker.Config{
		Host:       g.cfg.DockerHost,
		APIVersion: g.cfg.DockerAPIVersion,
	}, g.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	g.docker = cli
	g.initialized = true

	return g.docker, nil
}

// Enqueue launches the sandbox container for a claim. Success means the
// container was scheduled, not that the step completed.
func (g *DockerGateway) Enqueue(ctx context.Context, payload EnqueuePayload) error {
	if err := payload.Validate(); err != nil {
		return err
	}

	cli, err := g.ensureClient()
	if err != nil {
		return fmt.Errorf("docker unavailable: %w", err)
	}

	// Bound the launch; a hung daemon call is cancelled with the context.
	ctx, cancel := context.WithTimeout(ctx, g.cfg.EnqueueTimeoutDuration())
	defer cancel()

	mounts, err := g.buildMounts(payload)
	if err != nil {
		return err
	}

	containerID, err := cli.CreateContainer(ctx, docker.ContainerConfig{
		Name:        containerName(payload.RunnerInstanceID),
		Image:       g.cfg.Image,
		Env:         g.buildEnv(payload),
		WorkingDir:  payload.RepositoryPath,
		Mounts:      mounts,
		NetworkMode: g.cfg.Network,
		Labels: map[string]string{
			"hyperagent.workflow_id": payload.WorkflowID,
			"hyperagent.step_id":     payload.StepID,
			"hyperagent.runner_id":   payload.RunnerInstanceID,
		},
		AutoRemove: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create sandbox container: %w", err)
	}

	if err := cli.StartContainer(ctx, containerID); err != nil {
		return fmt.Errorf("failed to start sandbox container: %w", err)
	}

	g.logger.Info("sandbox scheduled",
		zap.String("workflow_id", payload.WorkflowID),
		zap.String("step_id", payload.StepID),
		zap.String("runner_id", payload.RunnerInstanceID),
		zap.String("container_id", containerID))

	return nil
}

// buildEnv assembles the sandbox environment: claim identity, mount paths,
// callback target, executor configuration, commit identity, and the
// configured host passthrough set.
func (g *DockerGateway) buildEnv(p EnqueuePayload) []string {
	env := []string{
		"WORKFLOW_ID=" + p.WorkflowID,
		"WORKFLOW_STEP_ID=" + p.StepID,
		"WORKFLOW_RUNNER_ID=" + p.RunnerInstanceID,
		"WORKFLOW_REPO_PATH=" + p.RepositoryPath,
		"WORKFLOW_DB_PATH=" + p.PersistencePath,
		"WORKFLOW_CALLBACK_BASE_URL=" + g.cfg.CallbackBaseURL,
		"WORKFLOW_CALLBACK_TOKEN=" + g.cfg.CallbackToken,
	}

	if g.cfg.AgentProvider != "" {
		env = append(env, "WORKFLOW_AGENT_PROVIDER="+g.cfg.AgentProvider)
	}
	if g.cfg.AgentModel != "" {
		env = append(env, "WORKFLOW_AGENT_MODEL="+g.cfg.AgentModel)
	}
	if g.cfg.AgentMaxRounds > 0 {
		env = append(env, fmt.Sprintf("WORKFLOW_AGENT_MAX_ROUNDS=%d", g.cfg.AgentMaxRounds))
	}

	if g.git.AuthorName != "" {
		env = append(env, "WORKFLOW_AUTHOR_NAME="+g.git.AuthorName)
	}
	if g.git.AuthorEmail != "" {
		env = append(env, "WORKFLOW_AUTHOR_EMAIL="+g.git.AuthorEmail)
	}

	if len(g.cfg.ExtraMounts) > 0 {
		if raw, err := json.Marshal(g.cfg.ExtraMounts); err == nil {
			env = append(env, "WORKFLOW_RUNNER_MOUNTS="+string(raw))
		}
	}

	for _, key := range g.cfg.EnvPassthrough {
		if val, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+val)
		}
	}

	return env
}

// buildMounts binds the repository and the persistence parent directory at
// identical paths inside the sandbox so the env var paths resolve unchanged.
func (g *DockerGateway) buildMounts(p EnqueuePayload) ([]docker.MountConfig, error) {
	dbParent := filepath.Dir(p.PersistencePath)
	mounts := []docker.MountConfig{
		{Source: p.RepositoryPath, Target: p.RepositoryPath},
		{Source: dbParent, Target: dbParent},
	}

	for _, spec := range g.cfg.ExtraMounts {
		m, err := parseMountSpec(spec)
		if err != nil {
			return nil, err
		}
		mounts = append(mounts, m)
	}

	return mounts, nil
}

// parseMountSpec parses "host:container[:mode]" bind specifications.
func parseMountSpec(spec string) (docker.MountConfig, error) {
	parts := strings.Split(spec, ":")
	switch len(parts) {
	case 2:
		return docker.MountConfig{Source: parts[0], Target: parts[1]}, nil
	case 3:
		if parts[2] != "ro" && parts[2] != "rw" {
			return docker.MountConfig{}, fmt.Errorf("invalid mount mode %q in %q", parts[2], spec)
		}
		return docker.MountConfig{Source: parts[0], Target: parts[1], ReadOnly: parts[2] == "ro"}, nil
	default:
		return docker.MountConfig{}, fmt.Errorf("invalid mount spec %q", spec)
	}
}

// containerName derives a stable container name from the runner instance id.
func containerName(runnerInstanceID string) string {
	short := runnerInstanceID
	if len(short) > 8 {
		short = short[:8]
	}
	return "hyperagent-runner-" + short
}

// Close closes the Docker client if it was initialized.
// Safe to call even if the client was never created.
func (g *DockerGateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.docker != nil {
		err := g.docker.Close()
		g.docker = nil
		g.initialized = false
		return err
	}
	return nil
}
