// Package workflow implements the workflow runtime: plan materialisation,
// the dispatch poller, runner lease management, step execution, and workflow
// lifecycle operations. State lives in the repository; the runtime is the
// only writer of workflow and step status transitions.
package workflow

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hyperagent/hyperagent/internal/common/config"
	"github.com/hyperagent/hyperagent/internal/common/logger"
	"github.com/hyperagent/hyperagent/internal/events/bus"
	"github.com/hyperagent/hyperagent/internal/policy"
	"github.com/hyperagent/hyperagent/internal/pullrequest"
	prmodels "github.com/hyperagent/hyperagent/internal/pullrequest/models"
	"github.com/hyperagent/hyperagent/internal/runner"
	"github.com/hyperagent/hyperagent/internal/session"
	"github.com/hyperagent/hyperagent/internal/workflow/repository"
)

// PullRequestOpener projects a committed step into a local pull request
// record. Satisfied by the pullrequest service.
type PullRequestOpener interface {
	OpenFromCommit(ctx context.Context, req pullrequest.OpenRequest) (*prmodels.PullRequest, error)
}

// Runtime owns workflow state transitions. It materialises planner output
// into workflows, hands ready steps to the runner gateway, executes claimed
// steps when their callback arrives, and reconciles workflow status from
// step terminal states.
type Runtime struct {
	repo     repository.Repository
	gateway  runner.Gateway
	executor AgentExecutor
	cfg      config.WorkflowConfig
	logger   *logger.Logger

	// persistencePath is forwarded to sandboxes so they can open the
	// same store the runtime writes.
	persistencePath string

	// Optional collaborators, nil unless wired by the caller.
	sessions     *session.Manager
	pullRequests PullRequestOpener
	eventBus     bus.EventBus

	policy policy.Policy

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	// inflight tracks steps currently executing in this process so a
	// replayed callback conflicts instead of racing the original.
	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// NewRuntime creates a workflow runtime. Zero-value config fields fall back
// to the documented defaults, so tests can pass a partial config.
func NewRuntime(repo repository.Repository, gateway runner.Gateway, executor AgentExecutor, cfg config.WorkflowConfig, persistencePath string, log *logger.Logger) *Runtime {
	if log == nil {
		log = logger.Default()
	}
	if executor == nil {
		executor = NoopExecutor{}
	}
	applyConfigDefaults(&cfg)

	return &Runtime{
		repo:            repo,
		gateway:         gateway,
		executor:        executor,
		cfg:             cfg,
		persistencePath: persistencePath,
		policy:          policy.AllowAll{},
		logger:          log.WithFields(zap.String("component", "workflow-runtime")),
	}
}

// SetSessionManager enables isolated git workspaces for step execution.
// Without one, executors run directly against the project path and commits
// are skipped.
func (r *Runtime) SetSessionManager(m *session.Manager) {
	r.sessions = m
}

// SetPolicy replaces the default allow-all pre-execution policy.
func (r *Runtime) SetPolicy(p policy.Policy) {
	if p != nil {
		r.policy = p
	}
}

// SetPullRequestOpener enables the pull-request projection for committed steps.
func (r *Runtime) SetPullRequestOpener(opener PullRequestOpener) {
	r.pullRequests = opener
}

// SetEventBus enables workflow and step event publication.
func (r *Runtime) SetEventBus(eventBus bus.EventBus) {
	r.eventBus = eventBus
}

// StartWorker launches the dispatch poller. Calling it while the poller is
// already running is a no-op.
func (r *Runtime) StartWorker() {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.mu.Unlock()

	r.logger.Info("Workflow worker started",
		zap.Duration("poll_interval", r.cfg.PollInterval()),
		zap.Int("batch_limit", r.cfg.BatchLimit))

	r.wg.Add(1)
	go r.processLoop()
}

// StopWorker halts the dispatch poller and waits for any in-flight tick to
// finish. Calling it while the poller is stopped is a no-op.
func (r *Runtime) StopWorker() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Info("Workflow worker stopped")
}

// WorkerRunning reports whether the dispatch poller is active.
func (r *Runtime) WorkerRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

func (r *Runtime) processLoop() {
	defer r.wg.Done()

	// Capture the channel under the lock: StartWorker replaces it on restart.
	r.mu.RLock()
	stopCh := r.stopCh
	r.mu.RUnlock()

	ticker := time.NewTicker(r.cfg.PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			r.safeDispatch()
		}
	}
}

// safeDispatch runs one poll tick. A panic in dispatch would otherwise kill
// the poller goroutine and silently stop all scheduling, so it is recovered
// and logged here.
func (r *Runtime) safeDispatch() {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Dispatch tick panicked", zap.Any("panic", rec))
		}
	}()
	r.dispatchReadySteps(context.Background())
}

func applyConfigDefaults(cfg *config.WorkflowConfig) {
	if cfg.PollIntervalMs <= 0 {
		cfg.PollIntervalMs = 1000
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 10
	}
	if cfg.MaxEnqueueAttempts <= 0 {
		cfg.MaxEnqueueAttempts = 5
	}
	if cfg.BackoffBaseMs <= 0 {
		cfg.BackoffBaseMs = 2000
	}
	if cfg.BackoffCapMs < cfg.BackoffBaseMs {
		cfg.BackoffCapMs = 60000
	}
	if cfg.LeaseReconcileMs <= 0 {
		cfg.LeaseReconcileMs = 2000
	}
	if cfg.StuckThresholdMin <= 0 {
		cfg.StuckThresholdMin = 15
	}
	if cfg.AuthorUserID == "" {
		cfg.AuthorUserID = "hyperagent"
	}
	if cfg.MetricsRefreshSec <= 0 {
		cfg.MetricsRefreshSec = 15
	}
}
