package v1

// PullRequestStatus represents the lifecycle state of a pull request
type PullRequestStatus string

const (
	PullRequestStatusOpen   PullRequestStatus = "open"
	PullRequestStatusMerged PullRequestStatus = "merged"
	PullRequestStatusClosed PullRequestStatus = "closed"
)

// PullRequestEventKind identifies an entry in the append-only PR audit log
type PullRequestEventKind string

const (
	PREventOpened             PullRequestEventKind = "opened"
	PREventClosed             PullRequestEventKind = "closed"
	PREventMerged             PullRequestEventKind = "merged"
	PREventCommitAdded        PullRequestEventKind = "commit_added"
	PREventReviewRequested    PullRequestEventKind = "review_requested"
	PREventReviewRunStarted   PullRequestEventKind = "review_run_started"
	PREventReviewRunCompleted PullRequestEventKind = "review_run_completed"
	PREventCommentAdded       PullRequestEventKind = "comment_added"
	PREventCommentResolved    PullRequestEventKind = "comment_resolved"
)

// CreatePullRequestRequest for opening a PR from a workflow branch
type CreatePullRequestRequest struct {
	ProjectID    string  `json:"project_id" binding:"required"`
	Title        string  `json:"title" binding:"required,max=500"`
	Description  *string `json:"description,omitempty"`
	SourceBranch string  `json:"source_branch" binding:"required"`
	TargetBranch string  `json:"target_branch" binding:"required"`
	AuthorID     string  `json:"author_id,omitempty"`
}
