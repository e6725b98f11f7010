package workflow

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hyperagent/hyperagent/internal/common/errors"
	"github.com/hyperagent/hyperagent/internal/events"
	"github.com/hyperagent/hyperagent/internal/policy"
	"github.com/hyperagent/hyperagent/internal/pullrequest"
	"github.com/hyperagent/hyperagent/internal/session"
	"github.com/hyperagent/hyperagent/internal/workflow/models"
	v1 "github.com/hyperagent/hyperagent/pkg/api/v1"
)

// leasePollInterval is how often the lease reconciliation loop re-reads the
// step while waiting for the poller to finish its claim.
const leasePollInterval = 100 * time.Millisecond

// RunStepRequest identifies the lease under which a sandbox asks to execute.
type RunStepRequest struct {
	WorkflowID       string `json:"workflowId"`
	StepID           string `json:"stepId"`
	RunnerInstanceID string `json:"runnerInstanceId"`
}

// RunStepByID performs the real work for a claimed step. It is the only
// path that runs executors; the sandbox launched by the gateway calls back
// into it with the lease it was handed. The stored lease is reconciled
// first, then the step runs through policy, isolation session, executor,
// artifact sync, commit, pull-request projection, and provenance, and the
// terminal result is persisted with the workflow reconciled afterwards.
func (r *Runtime) RunStepByID(ctx context.Context, req RunStepRequest) error {
	if req.WorkflowID == "" || req.StepID == "" {
		return errors.BadRequest("workflow id and step id are required")
	}
	if req.RunnerInstanceID == "" {
		return errors.NoLease(req.StepID)
	}

	// One execution per step at a time in this process. A replayed callback
	// that arrives while the original is still executing conflicts here
	// instead of racing it.
	if !r.beginExecution(req.StepID) {
		return errors.Conflict(fmt.Sprintf("step %s is already executing", req.StepID))
	}
	defer r.endExecution(req.StepID)

	step, err := r.reconcileLease(ctx, req)
	if err != nil {
		return err
	}

	workflow, err := r.getWorkflow(ctx, step.WorkflowID)
	if err != nil {
		return err
	}

	// Workflow-status gate. Cancellation observed here finalises the step
	// skipped and reports success to the sandbox.
	if workflow.Status == v1.WorkflowStatusCancelled {
		reason := map[string]interface{}{"reason": "workflow cancelled"}
		if err := r.repo.FinalizeStep(ctx, step.ID, v1.StepStatusSkipped, reason); err != nil {
			return errors.StoreIOFailure("failed to skip step of cancelled workflow", err)
		}
		r.logger.Info("Step skipped, workflow cancelled", zap.String("step_id", step.ID))
		r.recordRunnerEvent(ctx, runnerEventRow(step, v1.RunnerEventExecute, v1.RunnerEventSkipped, &req.RunnerInstanceID, reason))
		step.Status = v1.StepStatusSkipped
		r.publishStepEvent(ctx, events.StepStatusChanged, step)
		return nil
	}
	if workflow.Status != v1.WorkflowStatusRunning {
		r.failClaimedStep(ctx, step, req.RunnerInstanceID,
			fmt.Sprintf("workflow is %s, not running", workflow.Status))
		return nil
	}

	project, err := r.GetProject(ctx, workflow.ProjectID)
	if err != nil {
		r.failClaimedStep(ctx, step, req.RunnerInstanceID, "project unavailable: "+err.Error())
		return err
	}

	run := &stepRun{
		rt:       r,
		project:  project,
		workflow: workflow,
		step:     step,
		runnerID: req.RunnerInstanceID,
	}
	return run.execute(ctx)
}

// reconcileLease validates the requesting lease against stored state. The
// poller may still be between its claim and the lease assignment, so the
// check polls for a short window instead of failing outright. The one
// divergence repaired in place is a pending step with an empty or matching
// lease, which is adopted under the requester's id.
func (r *Runtime) reconcileLease(ctx context.Context, req RunStepRequest) (*models.WorkflowStep, error) {
	deadline := time.Now().Add(r.cfg.LeaseReconcileWait())
	for {
		step, err := r.loadStep(ctx, req.StepID)
		if err != nil {
			return nil, err
		}
		if step.WorkflowID != req.WorkflowID {
			return nil, errors.WrongWorkflow(req.StepID, req.WorkflowID)
		}
		if step.Status.Terminal() {
			return nil, errors.StepNotRunning(req.StepID, string(step.Status))
		}

		switch step.Status {
		case v1.StepStatusRunning:
			if step.RunnerInstanceID != nil {
				if *step.RunnerInstanceID == req.RunnerInstanceID {
					return step, nil
				}
				return nil, errors.LeaseMismatch(req.StepID)
			}
			// Claimed but not yet assigned; keep waiting.
		case v1.StepStatusPending:
			if step.RunnerInstanceID != nil && *step.RunnerInstanceID != req.RunnerInstanceID {
				return nil, errors.LeaseMismatch(req.StepID)
			}
			if healed := r.adoptLease(ctx, step, req.RunnerInstanceID); healed != nil {
				return healed, nil
			}
			// Lost the adoption race; observe the new state next round.
		}

		if time.Now().After(deadline) {
			return nil, errors.LeaseMismatch(req.StepID)
		}
		select {
		case <-ctx.Done():
			return nil, errors.InternalError("lease reconciliation interrupted", ctx.Err())
		case <-time.After(leasePollInterval):
		}
	}
}

// adoptLease transitions a pending step to running under the requester's
// lease. Returns nil when a concurrent writer won the claim.
func (r *Runtime) adoptLease(ctx context.Context, step *models.WorkflowStep, runnerInstanceID string) *models.WorkflowStep {
	claimed, err := r.repo.ClaimStep(ctx, step.ID)
	if err != nil || !claimed {
		return nil
	}
	if err := r.repo.AssignStepRunner(ctx, step.ID, runnerInstanceID, step.RunnerAttempts); err != nil {
		r.logger.WithError(err).Warn("Failed to assign lease during self-heal",
			zap.String("step_id", step.ID))
		return nil
	}
	healed, err := r.repo.GetStep(ctx, step.ID)
	if err != nil {
		return nil
	}
	if healed.Status != v1.StepStatusRunning || healed.RunnerInstanceID == nil || *healed.RunnerInstanceID != runnerInstanceID {
		return nil
	}
	r.logger.Info("Adopted runner lease for pending step",
		zap.String("step_id", step.ID),
		zap.String("runner_instance_id", runnerInstanceID))
	return healed
}

// failClaimedStep finalises a step that cannot execute at all (workflow no
// longer running, project missing). The lease is already validated, so the
// terminal write cannot strand another owner.
func (r *Runtime) failClaimedStep(ctx context.Context, step *models.WorkflowStep, runnerInstanceID, reason string) {
	result := map[string]interface{}{"error": reason}
	if err := r.repo.FinalizeStep(ctx, step.ID, v1.StepStatusFailed, result); err != nil {
		r.logger.WithError(err).Error("Failed to finalise unrunnable step",
			zap.String("step_id", step.ID))
	}
	r.logger.Warn("Step failed before execution",
		zap.String("step_id", step.ID),
		zap.String("reason", reason))
	r.recordRunnerEvent(ctx, runnerEventRow(step, v1.RunnerEventExecute, v1.RunnerEventFailed, &runnerInstanceID,
		map[string]interface{}{"error": reason}))
	step.Status = v1.StepStatusFailed
	r.publishStepEvent(ctx, events.StepStatusChanged, step)
	r.reconcileWorkflow(ctx, step.WorkflowID)
}

func (r *Runtime) beginExecution(stepID string) bool {
	r.inflightMu.Lock()
	defer r.inflightMu.Unlock()
	if r.inflight == nil {
		r.inflight = make(map[string]struct{})
	}
	if _, busy := r.inflight[stepID]; busy {
		return false
	}
	r.inflight[stepID] = struct{}{}
	return true
}

func (r *Runtime) endExecution(stepID string) {
	r.inflightMu.Lock()
	defer r.inflightMu.Unlock()
	delete(r.inflight, stepID)
}

func (r *Runtime) loadStep(ctx context.Context, id string) (*models.WorkflowStep, error) {
	step, err := r.repo.GetStep(ctx, id)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			return nil, errors.StepNotFound(id)
		}
		return nil, errors.StoreIOFailure("failed to load step", err)
	}
	return step, nil
}

// stepRun carries the state accumulated across the execution phases of one
// step so the failure path can clean up whatever exists.
type stepRun struct {
	rt       *Runtime
	project  *models.Project
	workflow *models.Workflow
	step     *models.WorkflowStep
	runnerID string

	branch      session.BranchInfo
	policyAudit map[string]interface{}
	agentRun    *models.AgentRun
	sess        *session.Session
	workspace   *session.Workspace
	logsPath    string
}

func (e *stepRun) execute(ctx context.Context) error {
	r := e.rt
	r.logger.Info("Executing step",
		zap.String("workflow_id", e.workflow.ID),
		zap.String("step_id", e.step.ID),
		zap.String("runner_instance_id", e.runnerID))
	r.recordRunnerEvent(ctx, runnerEventRow(e.step, v1.RunnerEventExecute, v1.RunnerEventStarted, &e.runnerID, nil))

	// Policy hook. Branch names resolve without touching the repository, so
	// the policy sees the branch the session would use.
	e.branch = resolveBranch(e.project, e.workflow, e.step)
	decision, policyErr := r.policy.AuthorizeStep(ctx, policy.Input{
		Project:  e.project,
		Workflow: e.workflow,
		Step:     e.step,
		Branch:   e.branch,
	})
	if policyErr != nil {
		decision = policy.Decision{Allowed: false, Reason: "policy evaluation failed: " + policyErr.Error()}
	}
	e.policyAudit = map[string]interface{}{
		"runnerInstanceId": e.runnerID,
		"decision": map[string]interface{}{
			"allowed": decision.Allowed,
			"reason":  decision.Reason,
		},
		"recordedAt": time.Now().UTC().Format(time.RFC3339),
	}
	if policyErr != nil {
		return e.fail(ctx, errors.InternalError("policy evaluation failed", policyErr))
	}
	if !decision.Allowed {
		reason := decision.Reason
		if reason == "" {
			reason = "denied by policy"
		}
		_ = e.fail(ctx, errors.PolicyRejected(reason))
		return nil
	}

	// Record the execution attempt.
	now := time.Now().UTC()
	e.agentRun = &models.AgentRun{
		WorkflowStepID: e.step.ID,
		ProjectID:      e.project.ID,
		Branch:         e.branch.Branch,
		AgentType:      stringField(e.step.Data, "agentType"),
		Status:         v1.AgentRunStatusRunning,
		StartedAt:      &now,
	}
	if err := r.repo.CreateAgentRun(ctx, e.agentRun); err != nil {
		return e.fail(ctx, errors.StoreIOFailure("failed to create agent run", err))
	}

	// Isolation session, when the project is a git repository. A plain
	// directory executes in place, without commits.
	if r.sessions != nil {
		sess, err := r.sessions.Start(ctx, e.branch, e.project.Path, session.Author{}, map[string]string{
			"workflowId": e.workflow.ID,
			"stepId":     e.step.ID,
		})
		switch {
		case stderrors.Is(err, session.ErrRepoNotGit):
			r.logger.Warn("Project path is not a git repository, executing without isolation",
				zap.String("project_id", e.project.ID),
				zap.String("path", e.project.Path))
		case err != nil:
			return e.fail(ctx, errors.SessionFailure("failed to open isolation session", err))
		default:
			e.sess = sess
			ws := sess.Workspace()
			e.workspace = &ws
		}
	}

	result, err := r.executor.Execute(ctx, ExecutorArgs{
		Project:   e.project,
		Workflow:  e.workflow,
		Step:      e.step,
		Workspace: e.workspace,
		Session:   e.sess,
	})
	if err != nil {
		return e.fail(ctx, errors.ExecutorFailure("executor failed", err))
	}
	if result == nil {
		result = &ExecutorResult{}
	}
	e.logsPath = result.LogsPath

	// Mirror workspace artifacts into the repository before the worktree
	// goes away. Artifacts are advisory; a copy failure is not a step
	// failure.
	if e.workspace != nil {
		if err := syncMetaArtifacts(e.workspace.WorkspacePath, e.project.Path); err != nil {
			r.logger.WithError(err).Warn("Failed to sync workspace artifacts",
				zap.String("step_id", e.step.ID))
		}
	}

	// Outcome classification: an explicit non-approved agent outcome fails
	// the step; skipCommit alone is a successful no-op.
	outcome := agentOutcome(result.StepResult)
	explicitFailure := outcome != "" && outcome != "approved"

	var commit *session.CommitResult
	if e.sess != nil {
		if result.SkipCommit || explicitFailure {
			// Worktree removed; the branch stays behind for inspection.
			e.sess.Abort(ctx)
			e.sess = nil
		} else {
			message := result.CommitMessage
			if message == "" {
				message = defaultCommitMessage(e.workflow, e.step)
			}
			commit, err = e.sess.Finish(ctx, message)
			e.sess = nil
			if err != nil {
				return e.fail(ctx, errors.SessionFailure("failed to commit session", err))
			}
		}
	}

	// Pull-request projection for committed work.
	var pullRequestID string
	if commit != nil && r.pullRequests != nil {
		openReq := pullrequest.OpenRequest{
			ProjectID:    e.project.ID,
			Title:        commit.Message,
			SourceBranch: commit.Branch,
			TargetBranch: e.branch.BaseBranch,
			AuthorID:     r.cfg.AuthorUserID,
		}
		if summary := stringField(result.StepResult, "summary"); summary != "" {
			openReq.Description = &summary
		}
		pr, err := r.pullRequests.OpenFromCommit(ctx, openReq)
		if err != nil {
			return e.fail(ctx, errors.Wrap(err, "failed to open pull request"))
		}
		pullRequestID = pr.ID
		r.logger.Info("Pull request opened for step commit",
			zap.String("step_id", e.step.ID),
			zap.String("pull_request_id", pr.ID),
			zap.String("source_branch", commit.Branch))
	}

	// Provenance links the repository state back to this execution.
	prov := provenanceRecord{
		WorkflowID:     e.workflow.ID,
		ProjectID:      e.project.ID,
		StepID:         e.step.ID,
		RepositoryPath: e.project.Path,
		AgentRunID:     e.agentRun.ID,
	}
	if e.workspace != nil {
		prov.WorkspacePath = e.workspace.WorkspacePath
	}
	if commit != nil {
		prov.CommitHash = commit.CommitHash
	}
	provPath, provErr := writeProvenance(e.project.Path, prov)
	if provErr != nil {
		r.logger.WithError(provErr).Warn("Failed to write provenance record",
			zap.String("step_id", e.step.ID))
	}

	// Enriched result: executor output plus everything the runtime added.
	enriched := make(map[string]interface{}, len(result.StepResult)+5)
	for k, v := range result.StepResult {
		enriched[k] = v
	}
	if e.workspace != nil {
		enriched["workspace"] = map[string]interface{}{
			"workspacePath": e.workspace.WorkspacePath,
			"branchName":    e.workspace.BranchName,
			"baseBranch":    e.workspace.BaseBranch,
		}
	}
	if commit != nil {
		enriched["commit"] = map[string]interface{}{
			"branch":       commit.Branch,
			"commitHash":   commit.CommitHash,
			"message":      commit.Message,
			"changedFiles": commit.ChangedFiles,
		}
	}
	if pullRequestID != "" {
		enriched["pullRequest"] = map[string]interface{}{"id": pullRequestID}
	}
	if provPath != "" {
		enriched["provenance"] = map[string]interface{}{"logsPath": provPath}
	}
	enriched["policyAudit"] = e.policyAudit

	status := v1.StepStatusCompleted
	eventStatus := v1.RunnerEventCompleted
	runStatus := v1.AgentRunStatusSucceeded
	var eventMeta map[string]interface{}
	if explicitFailure {
		status = v1.StepStatusFailed
		eventStatus = v1.RunnerEventFailed
		runStatus = v1.AgentRunStatusFailed
		eventMeta = map[string]interface{}{"outcome": outcome}
		enriched["error"] = fmt.Sprintf("agent reported outcome %q", outcome)
	}

	if err := r.repo.FinalizeStep(ctx, e.step.ID, status, enriched); err != nil {
		return e.fail(ctx, errors.StoreIOFailure("failed to finalise step", err))
	}

	logs := e.logsPath
	if logs == "" {
		logs = provPath
	}
	e.finishAgentRun(ctx, runStatus, logs)

	r.recordRunnerEvent(ctx, runnerEventRow(e.step, v1.RunnerEventExecute, eventStatus, &e.runnerID, eventMeta))
	e.step.Status = status
	r.publishStepEvent(ctx, events.StepStatusChanged, e.step)

	fields := []zap.Field{
		zap.String("workflow_id", e.workflow.ID),
		zap.String("step_id", e.step.ID),
		zap.String("status", string(status)),
	}
	if commit != nil {
		fields = append(fields, zap.String("commit", commit.CommitHash))
	}
	r.logger.Info("Step execution finished", fields...)

	r.reconcileWorkflow(ctx, e.workflow.ID)
	return nil
}

// fail is the shared error path: best-effort artifact sync and session
// abort, a failed terminal result carrying whatever context exists, a
// failed agent run, telemetry, and workflow reconciliation. Returns the
// cause so callers can propagate it.
func (e *stepRun) fail(ctx context.Context, cause error) error {
	r := e.rt

	if e.workspace != nil {
		if err := syncMetaArtifacts(e.workspace.WorkspacePath, e.project.Path); err != nil {
			r.logger.WithError(err).Debug("Workspace artifact sync failed during failure handling",
				zap.String("step_id", e.step.ID))
		}
	}
	if e.sess != nil {
		e.sess.Abort(ctx)
		e.sess = nil
	}

	result := map[string]interface{}{"error": cause.Error()}
	prov := provenanceRecord{
		WorkflowID:     e.workflow.ID,
		ProjectID:      e.project.ID,
		StepID:         e.step.ID,
		RepositoryPath: e.project.Path,
	}
	if e.agentRun != nil {
		prov.AgentRunID = e.agentRun.ID
	}
	if e.workspace != nil {
		prov.WorkspacePath = e.workspace.WorkspacePath
	}
	if provPath, err := writeProvenance(e.project.Path, prov); err == nil {
		result["provenance"] = map[string]interface{}{"logsPath": provPath}
	}
	if e.policyAudit != nil {
		result["policyAudit"] = e.policyAudit
	}

	if err := r.repo.FinalizeStep(ctx, e.step.ID, v1.StepStatusFailed, result); err != nil {
		r.logger.WithError(err).Error("Failed to finalise failed step",
			zap.String("step_id", e.step.ID))
	}
	e.finishAgentRun(ctx, v1.AgentRunStatusFailed, e.logsPath)

	r.logger.WithError(cause).Error("Step execution failed",
		zap.String("workflow_id", e.workflow.ID),
		zap.String("step_id", e.step.ID))
	r.recordRunnerEvent(ctx, runnerEventRow(e.step, v1.RunnerEventExecute, v1.RunnerEventFailed, &e.runnerID,
		map[string]interface{}{"error": cause.Error()}))
	e.step.Status = v1.StepStatusFailed
	r.publishStepEvent(ctx, events.StepStatusChanged, e.step)
	r.reconcileWorkflow(ctx, e.workflow.ID)
	return cause
}

func (e *stepRun) finishAgentRun(ctx context.Context, status v1.AgentRunStatus, logsPath string) {
	if e.agentRun == nil {
		return
	}
	now := time.Now().UTC()
	e.agentRun.Status = status
	e.agentRun.FinishedAt = &now
	if logsPath != "" {
		e.agentRun.LogsPath = &logsPath
	}
	if err := e.rt.repo.UpdateAgentRun(ctx, e.agentRun); err != nil {
		e.rt.logger.WithError(err).Error("Failed to update agent run",
			zap.String("agent_run_id", e.agentRun.ID))
	}
}

// resolveBranch applies the branch precedence: explicit step branch, then
// workflow branch, then the generated per-step name. The base falls back
// from the workflow's baseBranch to the project default.
func resolveBranch(project *models.Project, workflow *models.Workflow, step *models.WorkflowStep) session.BranchInfo {
	branch := stringField(step.Data, "branch")
	if branch == "" {
		branch = stringField(workflow.Data, "branch")
	}
	if branch == "" {
		branch = session.WorkflowBranchName(workflow.ID, step.Sequence)
	}
	base := stringField(workflow.Data, "baseBranch")
	if base == "" {
		base = project.DefaultBranch
	}
	return session.BranchInfo{Branch: branch, BaseBranch: base}
}

// agentOutcome extracts agent.outcome from an executor result.
func agentOutcome(result map[string]interface{}) string {
	agent, ok := result["agent"].(map[string]interface{})
	if !ok {
		return ""
	}
	outcome, _ := agent["outcome"].(string)
	return outcome
}

func defaultCommitMessage(workflow *models.Workflow, step *models.WorkflowStep) string {
	kind := workflow.Kind
	if kind == "" {
		kind = "workflow"
	}
	title := stringField(step.Data, "title")
	if title == "" {
		title = step.PlannerTaskID
	}
	if title == "" {
		title = step.ID
	}
	return fmt.Sprintf("%s: %s", kind, title)
}

func stringField(data map[string]interface{}, key string) string {
	if data == nil {
		return ""
	}
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}
