package workflow

import (
	"github.com/hyperagent/hyperagent/internal/common/config"
	"github.com/hyperagent/hyperagent/internal/common/logger"
	"github.com/hyperagent/hyperagent/internal/db"
	"github.com/hyperagent/hyperagent/internal/runner"
	"github.com/hyperagent/hyperagent/internal/workflow/repository"
)

// Provide assembles the workflow repository and runtime from the shared
// database pool. Optional collaborators (sessions, policy, pull requests,
// event bus) are wired by the caller through the runtime setters. The
// returned cleanup closes the repository.
func Provide(pool *db.Pool, gateway runner.Gateway, executor AgentExecutor, cfg config.WorkflowConfig, persistencePath string, log *logger.Logger) (repository.Repository, *Runtime, func() error, error) {
	repo, cleanup, err := repository.Provide(pool.Writer(), pool.Reader())
	if err != nil {
		return nil, nil, nil, err
	}
	rt := NewRuntime(repo, gateway, executor, cfg, persistencePath, log)
	return repo, rt, cleanup, nil
}
