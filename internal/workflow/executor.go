package workflow

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/hyperagent/hyperagent/internal/session"
	"github.com/hyperagent/hyperagent/internal/workflow/models"
)

// ExecutorArgs carries the records and workspace an executor may consult.
// Workspace and Session are nil when the project has no usable repository.
type ExecutorArgs struct {
	Project   *models.Project
	Workflow  *models.Workflow
	Step      *models.WorkflowStep
	Workspace *session.Workspace
	Session   *session.Session
}

// ExecutorResult is the executor's report back to the runtime. StepResult is
// merged into the step's result map; an agent.outcome other than "approved"
// fails the step. SkipCommit alone marks a successful no-op step.
type ExecutorResult struct {
	StepResult    map[string]interface{}
	LogsPath      string
	CommitMessage string
	SkipCommit    bool
}

// AgentExecutor runs a step's payload inside the prepared workspace. Errors
// are terminal step failures; rejected work is reported through
// StepResult.agent.outcome instead.
type AgentExecutor interface {
	Execute(ctx context.Context, args ExecutorArgs) (*ExecutorResult, error)
}

// NoopExecutor approves every step without touching the workspace. With a
// clean worktree the session commit is a no-op, so steps complete without
// producing commits. Used in dev mode.
type NoopExecutor struct{}

// Execute implements AgentExecutor.
func (NoopExecutor) Execute(_ context.Context, _ ExecutorArgs) (*ExecutorResult, error) {
	return &ExecutorResult{
		StepResult: map[string]interface{}{
			"agent": map[string]interface{}{"outcome": "approved"},
		},
	}, nil
}

// ScriptExecutor shells out to a fixed command inside the workspace. The
// bundled runner image uses it to hand control to the agent CLI. A non-zero
// exit is reported as a failed agent outcome rather than an executor error
// so the step fails with the script's output attached.
type ScriptExecutor struct {
	// Command is the argv to run; it must not be empty.
	Command []string
	// Timeout bounds one invocation. Zero means no bound beyond ctx.
	Timeout time.Duration
}

// Execute implements AgentExecutor.
func (e *ScriptExecutor) Execute(ctx context.Context, args ExecutorArgs) (*ExecutorResult, error) {
	if len(e.Command) == 0 {
		return nil, fmt.Errorf("script executor has no command configured")
	}

	workDir := args.Project.Path
	if args.Workspace != nil {
		workDir = args.Workspace.WorkspacePath
	}

	logsPath, logsFile, err := openScriptLog(workDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create executor log: %w", err)
	}
	defer logsFile.Close()

	runCtx := ctx
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, e.Command[0], e.Command[1:]...)
	cmd.Dir = workDir
	cmd.Stdout = logsFile
	cmd.Stderr = logsFile
	cmd.Env = append(os.Environ(), scriptEnv(args)...)

	if err := cmd.Run(); err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			// The command never ran (missing binary, bad permissions).
			return nil, fmt.Errorf("failed to run executor command: %w", err)
		}
		return &ExecutorResult{
			StepResult: map[string]interface{}{
				"agent": map[string]interface{}{
					"outcome": "failed",
					"reason":  err.Error(),
				},
			},
			LogsPath:   logsPath,
			SkipCommit: true,
		}, nil
	}

	return &ExecutorResult{
		StepResult: map[string]interface{}{
			"agent": map[string]interface{}{"outcome": "approved"},
		},
		LogsPath: logsPath,
	}, nil
}

func scriptEnv(args ExecutorArgs) []string {
	env := []string{
		"WORKFLOW_ID=" + args.Workflow.ID,
		"WORKFLOW_STEP_ID=" + args.Step.ID,
		"WORKFLOW_PROJECT_PATH=" + args.Project.Path,
	}
	if title, ok := args.Step.Data["title"].(string); ok {
		env = append(env, "WORKFLOW_STEP_TITLE="+title)
	}
	if instructions, ok := args.Step.Data["instructions"].(string); ok {
		env = append(env, "WORKFLOW_STEP_INSTRUCTIONS="+instructions)
	}
	if args.Workspace != nil {
		env = append(env, "WORKFLOW_WORKSPACE_PATH="+args.Workspace.WorkspacePath)
	}
	return env
}

// openScriptLog creates the log file under the workspace meta directory so
// artifact sync carries it back to the repository.
func openScriptLog(workDir string) (string, *os.File, error) {
	logsDir := filepath.Join(workDir, MetaDirName, "agent-logs")
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return "", nil, err
	}
	path := filepath.Join(logsDir, fmt.Sprintf("run-%d.log", time.Now().UnixMilli()))
	f, err := os.Create(path)
	if err != nil {
		return "", nil, err
	}
	return path, f, nil
}
