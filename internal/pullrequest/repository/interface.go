package repository

import (
	"context"

	"github.com/hyperagent/hyperagent/internal/pullrequest/models"
	v1 "github.com/hyperagent/hyperagent/pkg/api/v1"
)

// Repository defines the interface for pull-request storage operations
type Repository interface {
	// Pull request operations
	CreatePullRequest(ctx context.Context, pr *models.PullRequest) error
	GetPullRequest(ctx context.Context, id string) (*models.PullRequest, error)
	UpdatePullRequest(ctx context.Context, pr *models.PullRequest) error
	UpdatePullRequestStatus(ctx context.Context, id string, status v1.PullRequestStatus) error
	ListPullRequests(ctx context.Context, projectID string, status v1.PullRequestStatus) ([]*models.PullRequest, error)

	// Commit projection operations
	ReplaceCommits(ctx context.Context, pullRequestID string, commits []*models.PullRequestCommit) error
	ListCommits(ctx context.Context, pullRequestID string) ([]*models.PullRequestCommit, error)

	// Event log operations
	AppendEvent(ctx context.Context, event *models.PullRequestEvent) error
	ListEvents(ctx context.Context, pullRequestID string) ([]*models.PullRequestEvent, error)

	Close() error
}
