package runner

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/hyperagent/hyperagent/internal/common/config"
	"github.com/hyperagent/hyperagent/internal/common/logger"
	"github.com/hyperagent/hyperagent/internal/runner/docker"
)

func newTestGatewayLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return log
}

// failingClientFactory returns a factory that always fails.
func failingClientFactory(errMsg string) func(docker.Config, *logger.Logger) (*docker.Client, error) {
	return func(_ docker.Config, _ *logger.Logger) (*docker.Client, error) {
		return nil, fmt.Errorf("%s", errMsg)
	}
}

func testRunnerConfig() config.RunnerConfig {
	return config.RunnerConfig{
		Mode:            "docker",
		Image:           "hyperagent/workflow-runner:test",
		CallbackBaseURL: "http://127.0.0.1:8080",
		TokenHeader:     "X-Workflow-Runner-Token",
		CallbackToken:   "secret",
		EnqueueTimeout:  900,
	}
}

func testPayload(t *testing.T) EnqueuePayload {
	t.Helper()
	return EnqueuePayload{
		WorkflowID:       "wf-1",
		StepID:           "wf-1:task-a",
		RunnerInstanceID: "runner-instance-1234",
		RepositoryPath:   t.TempDir(),
		PersistencePath:  filepath.Join(t.TempDir(), "hyperagent.db"),
	}
}

func TestNewDockerGateway(t *testing.T) {
	gw := NewDockerGateway(testRunnerConfig(), config.GitConfig{}, newTestGatewayLogger())

	if gw == nil {
		t.Fatal("expected non-nil gateway")
	}
	if gw.initialized {
		t.Error("expected initialized to be false")
	}
	if gw.docker != nil {
		t.Error("expected docker client to be nil before first use")
	}
	if gw.newClientFunc == nil {
		t.Error("expected newClientFunc to be set")
	}
}

func TestDockerGateway_EnsureClient_RetriesOnFailure(t *testing.T) {
	gw := NewDockerGateway(testRunnerConfig(), config.GitConfig{}, newTestGatewayLogger())

	var callCount atomic.Int32
	gw.newClientFunc = func(_ docker.Config, _ *logger.Logger) (*docker.Client, error) {
		callCount.Add(1)
		return nil, fmt.Errorf("docker daemon not running")
	}

	if _, err := gw.ensureClient(); err == nil {
		t.Fatal("expected error on first call")
	}
	if gw.initialized {
		t.Error("expected initialized to be false after failure")
	}

	// Second call should retry (not return a cached error like sync.Once would)
	if _, err := gw.ensureClient(); err == nil {
		t.Fatal("expected error on second call")
	}
	if callCount.Load() != 2 {
		t.Errorf("expected factory to be called twice (retry), got %d calls", callCount.Load())
	}
}

func TestDockerGateway_EnqueueFailsWhenDockerUnavailable(t *testing.T) {
	gw := NewDockerGateway(testRunnerConfig(), config.GitConfig{}, newTestGatewayLogger())
	gw.newClientFunc = failingClientFactory("docker unavailable")

	err := gw.Enqueue(context.Background(), testPayload(t))
	if err == nil {
		t.Fatal("expected enqueue to fail without docker")
	}
	if !strings.Contains(err.Error(), "docker unavailable") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestDockerGateway_Close_BeforeInit(t *testing.T) {
	gw := NewDockerGateway(testRunnerConfig(), config.GitConfig{}, newTestGatewayLogger())

	if err := gw.Close(); err != nil {
		t.Errorf("expected nil error, got: %v", err)
	}
}

func TestEnqueuePayload_Validate(t *testing.T) {
	payload := testPayload(t)
	if err := payload.Validate(); err != nil {
		t.Fatalf("expected valid payload, got: %v", err)
	}

	missing := payload
	missing.RunnerInstanceID = ""
	if err := missing.Validate(); err == nil {
		t.Error("expected error for missing runner instance id")
	}

	relative := payload
	relative.RepositoryPath = "relative/path"
	if err := relative.Validate(); err == nil {
		t.Error("expected error for relative repository path")
	}

	gone := payload
	gone.RepositoryPath = filepath.Join(payload.RepositoryPath, "does-not-exist")
	if err := gone.Validate(); err == nil {
		t.Error("expected error for missing repository path")
	}

	relDB := payload
	relDB.PersistencePath = "hyperagent.db"
	if err := relDB.Validate(); err == nil {
		t.Error("expected error for relative persistence path")
	}
}

func TestDockerGateway_BuildEnv(t *testing.T) {
	cfg := testRunnerConfig()
	cfg.AgentProvider = "anthropic"
	cfg.AgentModel = "claude-sonnet-4"
	cfg.AgentMaxRounds = 12
	cfg.ExtraMounts = []string{"/var/cache/models:/models:ro"}
	cfg.EnvPassthrough = []string{"RUNNER_TEST_FORWARDED", "RUNNER_TEST_UNSET"}
	t.Setenv("RUNNER_TEST_FORWARDED", "forwarded-value")

	git := config.GitConfig{AuthorName: "Workflow Bot", AuthorEmail: "bot@hyperagent.dev"}
	gw := NewDockerGateway(cfg, git, newTestGatewayLogger())

	payload := testPayload(t)
	env := gw.buildEnv(payload)

	byKey := make(map[string]string, len(env))
	for _, kv := range env {
		parts := strings.SplitN(kv, "=", 2)
		byKey[parts[0]] = parts[1]
	}

	expect := map[string]string{
		"WORKFLOW_ID":                payload.WorkflowID,
		"WORKFLOW_STEP_ID":           payload.StepID,
		"WORKFLOW_RUNNER_ID":         payload.RunnerInstanceID,
		"WORKFLOW_REPO_PATH":         payload.RepositoryPath,
		"WORKFLOW_DB_PATH":           payload.PersistencePath,
		"WORKFLOW_CALLBACK_BASE_URL": cfg.CallbackBaseURL,
		"WORKFLOW_CALLBACK_TOKEN":    cfg.CallbackToken,
		"WORKFLOW_AGENT_PROVIDER":    "anthropic",
		"WORKFLOW_AGENT_MODEL":       "claude-sonnet-4",
		"WORKFLOW_AGENT_MAX_ROUNDS":  "12",
		"WORKFLOW_AUTHOR_NAME":       "Workflow Bot",
		"WORKFLOW_AUTHOR_EMAIL":      "bot@hyperagent.dev",
		"WORKFLOW_RUNNER_MOUNTS":     `["/var/cache/models:/models:ro"]`,
		"RUNNER_TEST_FORWARDED":      "forwarded-value",
	}
	for key, want := range expect {
		if got, ok := byKey[key]; !ok {
			t.Errorf("missing env %s", key)
		} else if got != want {
			t.Errorf("env %s = %q, want %q", key, got, want)
		}
	}

	if _, ok := byKey["RUNNER_TEST_UNSET"]; ok {
		t.Error("unset passthrough variables must not be forwarded")
	}
}

func TestDockerGateway_BuildMounts(t *testing.T) {
	cfg := testRunnerConfig()
	cfg.ExtraMounts = []string{"/var/cache/models:/models:ro"}
	gw := NewDockerGateway(cfg, config.GitConfig{}, newTestGatewayLogger())

	payload := testPayload(t)
	mounts, err := gw.buildMounts(payload)
	if err != nil {
		t.Fatalf("buildMounts failed: %v", err)
	}

	if len(mounts) != 3 {
		t.Fatalf("expected 3 mounts, got %d: %+v", len(mounts), mounts)
	}

	// Repository and persistence parent are bound at identical paths, read-write.
	if mounts[0].Source != payload.RepositoryPath || mounts[0].Target != payload.RepositoryPath || mounts[0].ReadOnly {
		t.Errorf("unexpected repository mount: %+v", mounts[0])
	}
	dbParent := filepath.Dir(payload.PersistencePath)
	if mounts[1].Source != dbParent || mounts[1].Target != dbParent || mounts[1].ReadOnly {
		t.Errorf("unexpected persistence mount: %+v", mounts[1])
	}
	if mounts[2].Source != "/var/cache/models" || mounts[2].Target != "/models" || !mounts[2].ReadOnly {
		t.Errorf("unexpected extra mount: %+v", mounts[2])
	}
}

func TestParseMountSpec(t *testing.T) {
	tests := []struct {
		spec    string
		want    docker.MountConfig
		wantErr bool
	}{
		{spec: "/a:/b", want: docker.MountConfig{Source: "/a", Target: "/b"}},
		{spec: "/a:/b:ro", want: docker.MountConfig{Source: "/a", Target: "/b", ReadOnly: true}},
		{spec: "/a:/b:rw", want: docker.MountConfig{Source: "/a", Target: "/b"}},
		{spec: "/a", wantErr: true},
		{spec: "/a:/b:bad", wantErr: true},
		{spec: "/a:/b:ro:extra", wantErr: true},
	}

	for _, tt := range tests {
		got, err := parseMountSpec(tt.spec)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseMountSpec(%q) expected error", tt.spec)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseMountSpec(%q) failed: %v", tt.spec, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseMountSpec(%q) = %+v, want %+v", tt.spec, got, tt.want)
		}
	}
}

func TestContainerName(t *testing.T) {
	if got := containerName("abcdef1234567890"); got != "hyperagent-runner-abcdef12" {
		t.Errorf("containerName = %q", got)
	}
	if got := containerName("ab"); got != "hyperagent-runner-ab" {
		t.Errorf("containerName short id = %q", got)
	}
}
