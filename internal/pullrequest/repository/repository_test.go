package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/hyperagent/hyperagent/internal/db"
	"github.com/hyperagent/hyperagent/internal/pullrequest/models"
	"github.com/hyperagent/hyperagent/internal/pullrequest/repository/sqlite"
	v1 "github.com/hyperagent/hyperagent/pkg/api/v1"
)

func createTestSQLiteRepo(t *testing.T) (*sqlite.Repository, func()) {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	dbConn, err := db.OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("failed to open SQLite database: %v", err)
	}
	sqlxDB := sqlx.NewDb(dbConn, "sqlite3")
	repo, err := sqlite.NewWithDB(sqlxDB, sqlxDB)
	if err != nil {
		t.Fatalf("failed to create SQLite repository: %v", err)
	}

	cleanup := func() {
		if err := sqlxDB.Close(); err != nil {
			t.Errorf("failed to close sqlite db: %v", err)
		}
	}

	return repo, cleanup
}

func TestSQLiteRepository_PullRequestCRUD(t *testing.T) {
	repo, cleanup := createTestSQLiteRepo(t)
	defer cleanup()
	ctx := context.Background()

	description := "adds the frobnicator"
	pr := &models.PullRequest{
		ProjectID:    "project-1",
		Title:        "Add frobnicator",
		Description:  &description,
		SourceBranch: "wf-demo-1",
		TargetBranch: "main",
		AuthorID:     "hyperagent",
	}
	if err := repo.CreatePullRequest(ctx, pr); err != nil {
		t.Fatalf("failed to create pull request: %v", err)
	}
	if pr.ID == "" {
		t.Error("expected pull request ID to be set")
	}
	if pr.Status != v1.PullRequestStatusOpen {
		t.Errorf("expected status open, got %s", pr.Status)
	}

	retrieved, err := repo.GetPullRequest(ctx, pr.ID)
	if err != nil {
		t.Fatalf("failed to get pull request: %v", err)
	}
	if retrieved.SourceBranch != "wf-demo-1" {
		t.Errorf("expected source branch wf-demo-1, got %s", retrieved.SourceBranch)
	}
	if retrieved.Description == nil || *retrieved.Description != description {
		t.Errorf("expected description to round-trip, got %v", retrieved.Description)
	}

	if err := repo.UpdatePullRequestStatus(ctx, pr.ID, v1.PullRequestStatusMerged); err != nil {
		t.Fatalf("failed to update status: %v", err)
	}
	retrieved, _ = repo.GetPullRequest(ctx, pr.ID)
	if retrieved.Status != v1.PullRequestStatusMerged {
		t.Errorf("expected status merged, got %s", retrieved.Status)
	}

	open, err := repo.ListPullRequests(ctx, "project-1", v1.PullRequestStatusOpen)
	if err != nil {
		t.Fatalf("failed to list pull requests: %v", err)
	}
	if len(open) != 0 {
		t.Errorf("expected no open pull requests after merge, got %d", len(open))
	}

	all, err := repo.ListPullRequests(ctx, "project-1", "")
	if err != nil {
		t.Fatalf("failed to list pull requests: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("expected 1 pull request, got %d", len(all))
	}
}

func TestSQLiteRepository_PullRequestNotFound(t *testing.T) {
	repo, cleanup := createTestSQLiteRepo(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := repo.GetPullRequest(ctx, "nonexistent"); err == nil {
		t.Error("expected error for nonexistent pull request")
	}
	if err := repo.UpdatePullRequestStatus(ctx, "nonexistent", v1.PullRequestStatusClosed); err == nil {
		t.Error("expected error updating nonexistent pull request")
	}
}

func TestSQLiteRepository_ReplaceCommits(t *testing.T) {
	repo, cleanup := createTestSQLiteRepo(t)
	defer cleanup()
	ctx := context.Background()

	pr := &models.PullRequest{ProjectID: "project-1", Title: "PR", SourceBranch: "wf-demo-1", TargetBranch: "main"}
	if err := repo.CreatePullRequest(ctx, pr); err != nil {
		t.Fatalf("failed to create pull request: %v", err)
	}

	first := []*models.PullRequestCommit{
		{CommitHash: "aaa111", Author: "Hyperagent", AuthoredAt: time.Now().UTC().Add(-2 * time.Minute)},
		{CommitHash: "bbb222", Author: "Hyperagent", AuthoredAt: time.Now().UTC().Add(-time.Minute)},
	}
	if err := repo.ReplaceCommits(ctx, pr.ID, first); err != nil {
		t.Fatalf("failed to replace commits: %v", err)
	}

	commits, err := repo.ListCommits(ctx, pr.ID)
	if err != nil {
		t.Fatalf("failed to list commits: %v", err)
	}
	if len(commits) != 2 {
		t.Fatalf("expected 2 commits, got %d", len(commits))
	}
	if commits[0].CommitHash != "aaa111" {
		t.Errorf("expected oldest commit first, got %s", commits[0].CommitHash)
	}

	// A refresh rewrites the whole set
	second := []*models.PullRequestCommit{
		{CommitHash: "bbb222", AuthoredAt: time.Now().UTC().Add(-time.Minute)},
		{CommitHash: "ccc333", AuthoredAt: time.Now().UTC()},
	}
	if err := repo.ReplaceCommits(ctx, pr.ID, second); err != nil {
		t.Fatalf("failed to rewrite commits: %v", err)
	}

	commits, _ = repo.ListCommits(ctx, pr.ID)
	if len(commits) != 2 {
		t.Fatalf("expected 2 commits after rewrite, got %d", len(commits))
	}
	for _, commit := range commits {
		if commit.CommitHash == "aaa111" {
			t.Error("expected aaa111 to be removed by the rewrite")
		}
	}
}

func TestSQLiteRepository_EventsAppendOnly(t *testing.T) {
	repo, cleanup := createTestSQLiteRepo(t)
	defer cleanup()
	ctx := context.Background()

	pr := &models.PullRequest{ProjectID: "project-1", Title: "PR", SourceBranch: "wf-demo-1", TargetBranch: "main"}
	if err := repo.CreatePullRequest(ctx, pr); err != nil {
		t.Fatalf("failed to create pull request: %v", err)
	}

	actor := "hyperagent"
	events := []*models.PullRequestEvent{
		{PullRequestID: pr.ID, Kind: v1.PREventOpened, ActorID: &actor},
		{PullRequestID: pr.ID, Kind: v1.PREventCommitAdded, Data: map[string]interface{}{"commit_hash": "aaa111"}},
		{PullRequestID: pr.ID, Kind: v1.PREventMerged, ActorID: &actor},
	}
	for _, event := range events {
		if err := repo.AppendEvent(ctx, event); err != nil {
			t.Fatalf("failed to append event: %v", err)
		}
	}

	log, err := repo.ListEvents(ctx, pr.ID)
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(log) != 3 {
		t.Fatalf("expected 3 events, got %d", len(log))
	}
	if log[0].Kind != v1.PREventOpened || log[2].Kind != v1.PREventMerged {
		t.Error("expected events in append order")
	}
	if log[1].Data["commit_hash"] != "aaa111" {
		t.Errorf("expected event data to round-trip, got %v", log[1].Data)
	}
}
