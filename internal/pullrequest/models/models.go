package models

import (
	"time"

	v1 "github.com/hyperagent/hyperagent/pkg/api/v1"
)

// PullRequest represents a local pull request projected from git branches
type PullRequest struct {
	ID              string               `json:"id"`
	ProjectID       string               `json:"project_id"`
	Title           string               `json:"title"`
	Description     *string              `json:"description,omitempty"`
	SourceBranch    string               `json:"source_branch"`
	TargetBranch    string               `json:"target_branch"`
	ExternalPatchID *string              `json:"external_patch_id,omitempty"`
	Status          v1.PullRequestStatus `json:"status"`
	AuthorID        string               `json:"author_id"`
	CreatedAt       time.Time            `json:"created_at"`
	UpdatedAt       time.Time            `json:"updated_at"`
}

// PullRequestCommit is a commit materialised from the VCS for a PR. The set
// of commits for a PR is rewritten atomically on each refresh.
type PullRequestCommit struct {
	ID            string    `json:"id"`
	PullRequestID string    `json:"pull_request_id"`
	CommitHash    string    `json:"commit_hash"`
	Author        string    `json:"author,omitempty"`
	AuthoredAt    time.Time `json:"authored_at"`
	CreatedAt     time.Time `json:"created_at"`
}

// PullRequestEvent is an append-only audit entry for a PR
type PullRequestEvent struct {
	ID            int64                   `json:"id"`
	PullRequestID string                  `json:"pull_request_id"`
	Kind          v1.PullRequestEventKind `json:"kind"`
	ActorID       *string                 `json:"actor_id,omitempty"`
	Data          map[string]interface{}  `json:"data,omitempty"`
	CreatedAt     time.Time               `json:"created_at"`
}
