// Package pullrequest projects step-produced commits into local pull request
// records: a PR row, a derived commit list re-materialised from the VCS, and
// an append-only event log.
package pullrequest

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperagent/hyperagent/internal/common/config"
	"github.com/hyperagent/hyperagent/internal/common/errors"
	"github.com/hyperagent/hyperagent/internal/common/logger"
	"github.com/hyperagent/hyperagent/internal/events"
	"github.com/hyperagent/hyperagent/internal/events/bus"
	"github.com/hyperagent/hyperagent/internal/pullrequest/models"
	"github.com/hyperagent/hyperagent/internal/pullrequest/repository"
	wfmodels "github.com/hyperagent/hyperagent/internal/workflow/models"
	v1 "github.com/hyperagent/hyperagent/pkg/api/v1"
)

// ProjectGetter resolves projects so the projection can run VCS commands
// against the right repository.
type ProjectGetter interface {
	GetProject(ctx context.Context, id string) (*wfmodels.Project, error)
}

// OpenRequest describes the pull request to open from a produced commit.
type OpenRequest struct {
	ProjectID    string  `json:"project_id"`
	Title        string  `json:"title"`
	Description  *string `json:"description,omitempty"`
	SourceBranch string  `json:"source_branch"`
	TargetBranch string  `json:"target_branch"`
	AuthorID     string  `json:"author_id,omitempty"`
}

// Detail bundles a pull request with its derived commits and audit log.
type Detail struct {
	PullRequest *models.PullRequest         `json:"pull_request"`
	Commits     []*models.PullRequestCommit `json:"commits"`
	Events      []*models.PullRequestEvent  `json:"events"`
}

// Service provides pull-request projection logic. It is the only writer of
// the PR tables.
type Service struct {
	repo     repository.Repository
	projects ProjectGetter
	git      config.GitConfig
	eventBus bus.EventBus
	logger   *logger.Logger
}

// NewService creates a new pull-request service.
func NewService(repo repository.Repository, projects ProjectGetter, git config.GitConfig, eventBus bus.EventBus, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		repo:     repo,
		projects: projects,
		git:      git,
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "pullrequest-service")),
	}
}

// OpenFromCommit validates both branches, inserts the PR row, materialises
// the target..source commit list and appends the opened event plus one
// commit_added event per commit.
func (s *Service) OpenFromCommit(ctx context.Context, req OpenRequest) (*models.PullRequest, error) {
	if req.ProjectID == "" {
		return nil, errors.ValidationError("project_id", "is required")
	}
	if req.Title == "" {
		return nil, errors.ValidationError("title", "is required")
	}
	if req.SourceBranch == "" {
		return nil, errors.ValidationError("source_branch", "is required")
	}
	if req.TargetBranch == "" {
		return nil, errors.ValidationError("target_branch", "is required")
	}

	project, err := s.getProject(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}
	if !branchExists(ctx, project.Path, req.SourceBranch) {
		return nil, errors.ValidationError("source_branch", fmt.Sprintf("branch '%s' does not exist", req.SourceBranch))
	}
	if !branchExists(ctx, project.Path, req.TargetBranch) {
		return nil, errors.ValidationError("target_branch", fmt.Sprintf("branch '%s' does not exist", req.TargetBranch))
	}

	pr := &models.PullRequest{
		ID:           uuid.New().String(),
		ProjectID:    req.ProjectID,
		Title:        req.Title,
		Description:  req.Description,
		SourceBranch: req.SourceBranch,
		TargetBranch: req.TargetBranch,
		Status:       v1.PullRequestStatusOpen,
		AuthorID:     req.AuthorID,
	}
	if err := s.repo.CreatePullRequest(ctx, pr); err != nil {
		return nil, errors.StoreIOFailure("failed to create pull request", err)
	}

	commits, err := s.materialiseCommits(ctx, pr, project.Path)
	if err != nil {
		return nil, err
	}

	if err := s.appendEvent(ctx, pr.ID, v1.PREventOpened, req.AuthorID, map[string]interface{}{
		"source_branch": pr.SourceBranch,
		"target_branch": pr.TargetBranch,
	}); err != nil {
		return nil, err
	}
	for _, commit := range commits {
		if err := s.appendEvent(ctx, pr.ID, v1.PREventCommitAdded, req.AuthorID, map[string]interface{}{
			"commit_hash": commit.CommitHash,
		}); err != nil {
			return nil, err
		}
	}

	s.publish(ctx, events.PullRequestOpened, pr)
	s.logger.Info("Pull request opened",
		zap.String("pull_request_id", pr.ID),
		zap.String("project_id", pr.ProjectID),
		zap.String("source_branch", pr.SourceBranch),
		zap.String("target_branch", pr.TargetBranch),
		zap.Int("commits", len(commits)))
	return pr, nil
}

// UpdatePullRequestCommits re-materialises the commit list from the VCS and
// appends commit_added events for hashes that were not present before.
func (s *Service) UpdatePullRequestCommits(ctx context.Context, pullRequestID string) ([]*models.PullRequestCommit, error) {
	pr, err := s.getPullRequest(ctx, pullRequestID)
	if err != nil {
		return nil, err
	}
	project, err := s.getProject(ctx, pr.ProjectID)
	if err != nil {
		return nil, err
	}

	existing, err := s.repo.ListCommits(ctx, pr.ID)
	if err != nil {
		return nil, errors.StoreIOFailure("failed to list pull request commits", err)
	}
	known := make(map[string]bool, len(existing))
	for _, commit := range existing {
		known[commit.CommitHash] = true
	}

	commits, err := s.materialiseCommits(ctx, pr, project.Path)
	if err != nil {
		return nil, err
	}
	for _, commit := range commits {
		if known[commit.CommitHash] {
			continue
		}
		if err := s.appendEvent(ctx, pr.ID, v1.PREventCommitAdded, "", map[string]interface{}{
			"commit_hash": commit.CommitHash,
		}); err != nil {
			return nil, err
		}
	}
	return commits, nil
}

// MergePullRequest merges the source branch into the target branch with a
// merge commit, restoring the previously checked-out HEAD afterwards. The
// outcome is recorded as a merged event; failures carry success=false.
func (s *Service) MergePullRequest(ctx context.Context, pullRequestID, actorID string) (*models.PullRequest, error) {
	pr, err := s.getPullRequest(ctx, pullRequestID)
	if err != nil {
		return nil, err
	}
	if pr.Status != v1.PullRequestStatusOpen {
		return nil, errors.Conflict(fmt.Sprintf("pull request '%s' is not open (status: %s)", pr.ID, pr.Status))
	}
	project, err := s.getProject(ctx, pr.ProjectID)
	if err != nil {
		return nil, err
	}
	if !branchExists(ctx, project.Path, pr.SourceBranch) {
		return nil, errors.Conflict(fmt.Sprintf("source branch '%s' no longer exists", pr.SourceBranch))
	}
	if !branchExists(ctx, project.Path, pr.TargetBranch) {
		return nil, errors.Conflict(fmt.Sprintf("target branch '%s' no longer exists", pr.TargetBranch))
	}

	prevHead, err := currentHead(ctx, project.Path)
	if err != nil {
		return nil, errors.InternalError("failed to resolve repository HEAD", err)
	}
	restore := func() {
		if prevHead == pr.TargetBranch {
			return
		}
		if err := checkoutRef(ctx, project.Path, prevHead); err != nil {
			s.logger.Warn("Failed to restore repository HEAD after merge",
				zap.String("pull_request_id", pr.ID),
				zap.String("head", prevHead),
				zap.Error(err))
		}
	}

	if prevHead != pr.TargetBranch {
		if err := checkoutRef(ctx, project.Path, pr.TargetBranch); err != nil {
			return nil, errors.InternalError("failed to check out target branch", err)
		}
	}

	message := fmt.Sprintf("Merge pull request %s: %s", pr.ID, pr.Title)
	mergeHash, err := mergeNoFF(ctx, project.Path, pr.SourceBranch, message, s.authorEnv())
	if err != nil {
		abortMerge(ctx, project.Path)
		restore()
		if appendErr := s.appendEvent(ctx, pr.ID, v1.PREventMerged, actorID, map[string]interface{}{
			"success": false,
			"error":   err.Error(),
		}); appendErr != nil {
			s.logger.Error("Failed to record merge failure", zap.String("pull_request_id", pr.ID), zap.Error(appendErr))
		}
		return nil, errors.InternalError("merge failed", err)
	}
	restore()

	if err := s.repo.UpdatePullRequestStatus(ctx, pr.ID, v1.PullRequestStatusMerged); err != nil {
		return nil, errors.StoreIOFailure("failed to update pull request status", err)
	}
	pr.Status = v1.PullRequestStatusMerged

	if err := s.appendEvent(ctx, pr.ID, v1.PREventMerged, actorID, map[string]interface{}{
		"success":     true,
		"commit_hash": mergeHash,
	}); err != nil {
		return nil, err
	}

	s.publish(ctx, events.PullRequestMerged, pr)
	s.logger.Info("Pull request merged",
		zap.String("pull_request_id", pr.ID),
		zap.String("merge_commit", mergeHash))
	return pr, nil
}

// ClosePullRequest closes an open pull request without merging.
func (s *Service) ClosePullRequest(ctx context.Context, pullRequestID, actorID string) (*models.PullRequest, error) {
	pr, err := s.getPullRequest(ctx, pullRequestID)
	if err != nil {
		return nil, err
	}
	if pr.Status != v1.PullRequestStatusOpen {
		return nil, errors.Conflict(fmt.Sprintf("pull request '%s' is not open (status: %s)", pr.ID, pr.Status))
	}

	if err := s.repo.UpdatePullRequestStatus(ctx, pr.ID, v1.PullRequestStatusClosed); err != nil {
		return nil, errors.StoreIOFailure("failed to update pull request status", err)
	}
	pr.Status = v1.PullRequestStatusClosed

	if err := s.appendEvent(ctx, pr.ID, v1.PREventClosed, actorID, nil); err != nil {
		return nil, err
	}

	s.publish(ctx, events.PullRequestClosed, pr)
	s.logger.Info("Pull request closed", zap.String("pull_request_id", pr.ID))
	return pr, nil
}

// RecordEvent appends a review or comment event to the audit log. Lifecycle
// kinds (opened, merged, closed, commit_added) are reserved for the service
// itself.
func (s *Service) RecordEvent(ctx context.Context, pullRequestID string, kind v1.PullRequestEventKind, actorID string, data map[string]interface{}) (*models.PullRequestEvent, error) {
	switch kind {
	case v1.PREventReviewRequested, v1.PREventReviewRunStarted, v1.PREventReviewRunCompleted,
		v1.PREventCommentAdded, v1.PREventCommentResolved:
	default:
		return nil, errors.ValidationError("kind", fmt.Sprintf("'%s' cannot be recorded directly", kind))
	}

	pr, err := s.getPullRequest(ctx, pullRequestID)
	if err != nil {
		return nil, err
	}

	event := &models.PullRequestEvent{
		PullRequestID: pr.ID,
		Kind:          kind,
		Data:          data,
	}
	if actorID != "" {
		event.ActorID = &actorID
	}
	if err := s.repo.AppendEvent(ctx, event); err != nil {
		return nil, errors.StoreIOFailure("failed to append pull request event", err)
	}
	return event, nil
}

// GetPullRequestDetail returns a pull request with its commits and events.
func (s *Service) GetPullRequestDetail(ctx context.Context, pullRequestID string) (*Detail, error) {
	pr, err := s.getPullRequest(ctx, pullRequestID)
	if err != nil {
		return nil, err
	}
	commits, err := s.repo.ListCommits(ctx, pr.ID)
	if err != nil {
		return nil, errors.StoreIOFailure("failed to list pull request commits", err)
	}
	prEvents, err := s.repo.ListEvents(ctx, pr.ID)
	if err != nil {
		return nil, errors.StoreIOFailure("failed to list pull request events", err)
	}
	return &Detail{PullRequest: pr, Commits: commits, Events: prEvents}, nil
}

// ListPullRequests lists pull requests for a project, optionally filtered by
// status. An empty status means all.
func (s *Service) ListPullRequests(ctx context.Context, projectID string, status v1.PullRequestStatus) ([]*models.PullRequest, error) {
	prs, err := s.repo.ListPullRequests(ctx, projectID, status)
	if err != nil {
		return nil, errors.StoreIOFailure("failed to list pull requests", err)
	}
	return prs, nil
}

// materialiseCommits rewrites the PR's commit rows from the current VCS state
// and returns the stored set.
func (s *Service) materialiseCommits(ctx context.Context, pr *models.PullRequest, repoPath string) ([]*models.PullRequestCommit, error) {
	infos, err := commitRange(ctx, repoPath, pr.TargetBranch, pr.SourceBranch)
	if err != nil {
		return nil, errors.InternalError("failed to materialise commit list", err)
	}

	commits := make([]*models.PullRequestCommit, 0, len(infos))
	for _, info := range infos {
		commits = append(commits, &models.PullRequestCommit{
			ID:            uuid.New().String(),
			PullRequestID: pr.ID,
			CommitHash:    info.Hash,
			Author:        info.Author,
			AuthoredAt:    info.AuthoredAt,
		})
	}
	if err := s.repo.ReplaceCommits(ctx, pr.ID, commits); err != nil {
		return nil, errors.StoreIOFailure("failed to replace pull request commits", err)
	}
	return commits, nil
}

func (s *Service) appendEvent(ctx context.Context, pullRequestID string, kind v1.PullRequestEventKind, actorID string, data map[string]interface{}) error {
	event := &models.PullRequestEvent{
		PullRequestID: pullRequestID,
		Kind:          kind,
		Data:          data,
	}
	if actorID != "" {
		event.ActorID = &actorID
	}
	if err := s.repo.AppendEvent(ctx, event); err != nil {
		return errors.StoreIOFailure("failed to append pull request event", err)
	}
	return nil
}

func (s *Service) getPullRequest(ctx context.Context, id string) (*models.PullRequest, error) {
	pr, err := s.repo.GetPullRequest(ctx, id)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			return nil, errors.PullRequestNotFound(id)
		}
		return nil, errors.StoreIOFailure("failed to load pull request", err)
	}
	return pr, nil
}

func (s *Service) getProject(ctx context.Context, id string) (*wfmodels.Project, error) {
	project, err := s.projects.GetProject(ctx, id)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			return nil, errors.ProjectNotFound(id)
		}
		return nil, errors.StoreIOFailure("failed to load project", err)
	}
	return project, nil
}

// authorEnv builds git identity overrides for merge commits.
func (s *Service) authorEnv() []string {
	if s.git.AuthorName == "" && s.git.AuthorEmail == "" {
		return nil
	}
	var env []string
	if s.git.AuthorName != "" {
		env = append(env,
			"GIT_AUTHOR_NAME="+s.git.AuthorName,
			"GIT_COMMITTER_NAME="+s.git.AuthorName)
	}
	if s.git.AuthorEmail != "" {
		env = append(env,
			"GIT_AUTHOR_EMAIL="+s.git.AuthorEmail,
			"GIT_COMMITTER_EMAIL="+s.git.AuthorEmail)
	}
	return env
}

func (s *Service) publish(ctx context.Context, eventType string, pr *models.PullRequest) {
	if s.eventBus == nil {
		return
	}
	data := map[string]interface{}{
		"pull_request_id": pr.ID,
		"project_id":      pr.ProjectID,
		"status":          string(pr.Status),
		"source_branch":   pr.SourceBranch,
		"target_branch":   pr.TargetBranch,
	}
	if err := s.eventBus.Publish(ctx, eventType, bus.NewEvent(eventType, "pullrequest-service", data)); err != nil {
		s.logger.Error("Failed to publish pull request event",
			zap.String("event_type", eventType),
			zap.String("pull_request_id", pr.ID),
			zap.Error(err))
	}
}
