package pullrequest

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/hyperagent/hyperagent/internal/common/config"
	"github.com/hyperagent/hyperagent/internal/common/errors"
	"github.com/hyperagent/hyperagent/internal/common/logger"
	"github.com/hyperagent/hyperagent/internal/db"
	"github.com/hyperagent/hyperagent/internal/events"
	"github.com/hyperagent/hyperagent/internal/events/bus"
	"github.com/hyperagent/hyperagent/internal/pullrequest/repository/sqlite"
	wfmodels "github.com/hyperagent/hyperagent/internal/workflow/models"
	v1 "github.com/hyperagent/hyperagent/pkg/api/v1"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func gitCmd(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v failed: %v\n%s", args, err, out)
	}
	return strings.TrimSpace(string(out))
}

func writeRepoFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
}

func commitAll(t *testing.T, dir, message string) string {
	t.Helper()
	gitCmd(t, dir, "add", "-A")
	gitCmd(t, dir, "commit", "-m", message)
	return gitCmd(t, dir, "rev-parse", "HEAD")
}

// setupProjectRepo creates a git repo with main plus a feature branch that
// carries two commits, leaving main checked out.
func setupProjectRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	gitCmd(t, dir, "init", "--initial-branch=main")
	gitCmd(t, dir, "config", "user.email", "dev@hyperagent.test")
	gitCmd(t, dir, "config", "user.name", "Hyperagent Dev")
	gitCmd(t, dir, "config", "core.hooksPath", "/dev/null")
	writeRepoFile(t, dir, "README.md", "# demo\n")
	commitAll(t, dir, "initial commit")

	gitCmd(t, dir, "checkout", "-b", "feature")
	writeRepoFile(t, dir, "a.txt", "one\n")
	commitAll(t, dir, "add a")
	writeRepoFile(t, dir, "b.txt", "two\n")
	commitAll(t, dir, "add b")
	gitCmd(t, dir, "checkout", "main")
	return dir
}

type stubProjects struct {
	project *wfmodels.Project
}

func (s *stubProjects) GetProject(_ context.Context, id string) (*wfmodels.Project, error) {
	if s.project == nil || s.project.ID != id {
		return nil, fmt.Errorf("project not found: %s", id)
	}
	return s.project, nil
}

func newTestService(t *testing.T, repoPath string, eventBus bus.EventBus) (*Service, func()) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	dbConn, err := db.OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("failed to open SQLite database: %v", err)
	}
	sqlxDB := sqlx.NewDb(dbConn, "sqlite3")
	store, err := sqlite.NewWithDB(sqlxDB, sqlxDB)
	if err != nil {
		t.Fatalf("failed to create SQLite repository: %v", err)
	}

	projects := &stubProjects{project: &wfmodels.Project{
		ID:            "project-1",
		Name:          "demo",
		Path:          repoPath,
		DefaultBranch: "main",
	}}
	git := config.GitConfig{AuthorName: "Hyperagent", AuthorEmail: "bot@hyperagent.test"}
	svc := NewService(store, projects, git, eventBus, newTestLogger(t))

	cleanup := func() {
		if err := sqlxDB.Close(); err != nil {
			t.Errorf("failed to close sqlite db: %v", err)
		}
	}
	return svc, cleanup
}

func openTestPR() OpenRequest {
	return OpenRequest{
		ProjectID:    "project-1",
		Title:        "Add frobnicator",
		SourceBranch: "feature",
		TargetBranch: "main",
		AuthorID:     "hyperagent",
	}
}

func TestService_OpenFromCommit(t *testing.T) {
	repoPath := setupProjectRepo(t)
	log := newTestLogger(t)
	memBus := bus.NewMemoryEventBus(log)
	svc, cleanup := newTestService(t, repoPath, memBus)
	defer cleanup()
	ctx := context.Background()

	received := make(chan *bus.Event, 1)
	if _, err := memBus.Subscribe(events.PullRequestOpened, func(_ context.Context, e *bus.Event) error {
		received <- e
		return nil
	}); err != nil {
		t.Fatalf("failed to subscribe: %v", err)
	}

	pr, err := svc.OpenFromCommit(ctx, openTestPR())
	if err != nil {
		t.Fatalf("OpenFromCommit failed: %v", err)
	}
	if pr.ID == "" {
		t.Error("expected pull request ID to be set")
	}
	if pr.Status != v1.PullRequestStatusOpen {
		t.Errorf("expected status open, got %s", pr.Status)
	}

	detail, err := svc.GetPullRequestDetail(ctx, pr.ID)
	if err != nil {
		t.Fatalf("GetPullRequestDetail failed: %v", err)
	}
	if len(detail.Commits) != 2 {
		t.Fatalf("expected 2 commits, got %d", len(detail.Commits))
	}
	// git log --reverse puts the older commit first.
	if !detail.Commits[0].AuthoredAt.Before(detail.Commits[1].AuthoredAt) &&
		!detail.Commits[0].AuthoredAt.Equal(detail.Commits[1].AuthoredAt) {
		t.Error("expected commits in chronological order")
	}
	if detail.Commits[0].Author != "Hyperagent Dev" {
		t.Errorf("expected commit author from the repo, got %q", detail.Commits[0].Author)
	}

	if len(detail.Events) != 3 {
		t.Fatalf("expected opened + 2 commit_added events, got %d", len(detail.Events))
	}
	if detail.Events[0].Kind != v1.PREventOpened {
		t.Errorf("expected first event opened, got %s", detail.Events[0].Kind)
	}
	for _, event := range detail.Events[1:] {
		if event.Kind != v1.PREventCommitAdded {
			t.Errorf("expected commit_added event, got %s", event.Kind)
		}
		if event.Data["commit_hash"] == nil {
			t.Error("expected commit_added event to carry commit_hash")
		}
	}

	select {
	case e := <-received:
		if e.Data["pull_request_id"] != pr.ID {
			t.Errorf("expected bus event for %s, got %v", pr.ID, e.Data["pull_request_id"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pull_request.opened event")
	}
}

func TestService_OpenFromCommit_MissingBranch(t *testing.T) {
	repoPath := setupProjectRepo(t)
	svc, cleanup := newTestService(t, repoPath, nil)
	defer cleanup()

	req := openTestPR()
	req.SourceBranch = "does-not-exist"

	_, err := svc.OpenFromCommit(context.Background(), req)
	if err == nil {
		t.Fatal("expected error for missing source branch")
	}
	var appErr *errors.AppError
	if !stderrors.As(err, &appErr) || appErr.Code != errors.ErrCodeValidationError {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestService_OpenFromCommit_UnknownProject(t *testing.T) {
	repoPath := setupProjectRepo(t)
	svc, cleanup := newTestService(t, repoPath, nil)
	defer cleanup()

	req := openTestPR()
	req.ProjectID = "missing"

	_, err := svc.OpenFromCommit(context.Background(), req)
	if err == nil {
		t.Fatal("expected error for unknown project")
	}
	var appErr *errors.AppError
	if !stderrors.As(err, &appErr) || appErr.Code != errors.ErrCodeProjectNotFound {
		t.Errorf("expected project not found, got %v", err)
	}
}

func TestService_UpdatePullRequestCommits(t *testing.T) {
	repoPath := setupProjectRepo(t)
	svc, cleanup := newTestService(t, repoPath, nil)
	defer cleanup()
	ctx := context.Background()

	pr, err := svc.OpenFromCommit(ctx, openTestPR())
	if err != nil {
		t.Fatalf("OpenFromCommit failed: %v", err)
	}

	gitCmd(t, repoPath, "checkout", "feature")
	writeRepoFile(t, repoPath, "c.txt", "three\n")
	newHash := commitAll(t, repoPath, "add c")
	gitCmd(t, repoPath, "checkout", "main")

	commits, err := svc.UpdatePullRequestCommits(ctx, pr.ID)
	if err != nil {
		t.Fatalf("UpdatePullRequestCommits failed: %v", err)
	}
	if len(commits) != 3 {
		t.Fatalf("expected 3 commits after update, got %d", len(commits))
	}

	detail, err := svc.GetPullRequestDetail(ctx, pr.ID)
	if err != nil {
		t.Fatalf("GetPullRequestDetail failed: %v", err)
	}
	// opened + 2 commit_added at open time + 1 for the new commit only.
	if len(detail.Events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(detail.Events))
	}
	last := detail.Events[len(detail.Events)-1]
	if last.Kind != v1.PREventCommitAdded || last.Data["commit_hash"] != newHash {
		t.Errorf("expected commit_added for %s, got %s %v", newHash, last.Kind, last.Data)
	}
}

func TestService_MergePullRequest(t *testing.T) {
	repoPath := setupProjectRepo(t)
	svc, cleanup := newTestService(t, repoPath, nil)
	defer cleanup()
	ctx := context.Background()

	pr, err := svc.OpenFromCommit(ctx, openTestPR())
	if err != nil {
		t.Fatalf("OpenFromCommit failed: %v", err)
	}

	// Park HEAD on an unrelated branch to verify it is restored.
	gitCmd(t, repoPath, "checkout", "-b", "parked")

	merged, err := svc.MergePullRequest(ctx, pr.ID, "reviewer-1")
	if err != nil {
		t.Fatalf("MergePullRequest failed: %v", err)
	}
	if merged.Status != v1.PullRequestStatusMerged {
		t.Errorf("expected status merged, got %s", merged.Status)
	}

	if head := gitCmd(t, repoPath, "rev-parse", "--abbrev-ref", "HEAD"); head != "parked" {
		t.Errorf("expected HEAD restored to parked, got %s", head)
	}

	// The target tip must be a merge commit with two parents.
	parents := strings.Fields(gitCmd(t, repoPath, "rev-list", "--parents", "-n", "1", "main"))
	if len(parents) != 3 {
		t.Errorf("expected a two-parent merge commit on main, got %v", parents)
	}

	detail, err := svc.GetPullRequestDetail(ctx, pr.ID)
	if err != nil {
		t.Fatalf("GetPullRequestDetail failed: %v", err)
	}
	last := detail.Events[len(detail.Events)-1]
	if last.Kind != v1.PREventMerged {
		t.Fatalf("expected merged event, got %s", last.Kind)
	}
	if last.Data["success"] != true {
		t.Errorf("expected success=true in merged event, got %v", last.Data)
	}
	if last.ActorID == nil || *last.ActorID != "reviewer-1" {
		t.Errorf("expected actor reviewer-1, got %v", last.ActorID)
	}

	// A second merge attempt conflicts on status.
	if _, err := svc.MergePullRequest(ctx, pr.ID, "reviewer-1"); err == nil {
		t.Error("expected error when merging a non-open pull request")
	}
}

func TestService_MergePullRequest_MergeConflict(t *testing.T) {
	repoPath := setupProjectRepo(t)
	svc, cleanup := newTestService(t, repoPath, nil)
	defer cleanup()
	ctx := context.Background()

	// Diverge main and feature on the same file.
	writeRepoFile(t, repoPath, "a.txt", "conflicting main change\n")
	commitAll(t, repoPath, "change a on main")

	pr, err := svc.OpenFromCommit(ctx, openTestPR())
	if err != nil {
		t.Fatalf("OpenFromCommit failed: %v", err)
	}

	_, err = svc.MergePullRequest(ctx, pr.ID, "reviewer-1")
	if err == nil {
		t.Fatal("expected merge conflict error")
	}

	// The merge must have been aborted and the PR left open.
	if out, _ := exec.Command("git", "-C", repoPath, "rev-parse", "-q", "--verify", "MERGE_HEAD").Output(); len(out) > 0 {
		t.Error("expected no in-progress merge after abort")
	}
	detail, err := svc.GetPullRequestDetail(ctx, pr.ID)
	if err != nil {
		t.Fatalf("GetPullRequestDetail failed: %v", err)
	}
	if detail.PullRequest.Status != v1.PullRequestStatusOpen {
		t.Errorf("expected PR to stay open, got %s", detail.PullRequest.Status)
	}
	last := detail.Events[len(detail.Events)-1]
	if last.Kind != v1.PREventMerged || last.Data["success"] != false {
		t.Errorf("expected failed merged event, got %s %v", last.Kind, last.Data)
	}
}

func TestService_ClosePullRequest(t *testing.T) {
	repoPath := setupProjectRepo(t)
	svc, cleanup := newTestService(t, repoPath, nil)
	defer cleanup()
	ctx := context.Background()

	pr, err := svc.OpenFromCommit(ctx, openTestPR())
	if err != nil {
		t.Fatalf("OpenFromCommit failed: %v", err)
	}

	closed, err := svc.ClosePullRequest(ctx, pr.ID, "hyperagent")
	if err != nil {
		t.Fatalf("ClosePullRequest failed: %v", err)
	}
	if closed.Status != v1.PullRequestStatusClosed {
		t.Errorf("expected status closed, got %s", closed.Status)
	}

	detail, _ := svc.GetPullRequestDetail(ctx, pr.ID)
	last := detail.Events[len(detail.Events)-1]
	if last.Kind != v1.PREventClosed {
		t.Errorf("expected closed event, got %s", last.Kind)
	}

	if _, err := svc.ClosePullRequest(ctx, pr.ID, "hyperagent"); err == nil {
		t.Error("expected error when closing a non-open pull request")
	}
}

func TestService_RecordEvent(t *testing.T) {
	repoPath := setupProjectRepo(t)
	svc, cleanup := newTestService(t, repoPath, nil)
	defer cleanup()
	ctx := context.Background()

	pr, err := svc.OpenFromCommit(ctx, openTestPR())
	if err != nil {
		t.Fatalf("OpenFromCommit failed: %v", err)
	}

	event, err := svc.RecordEvent(ctx, pr.ID, v1.PREventReviewRequested, "reviewer-1", map[string]interface{}{
		"reviewer": "reviewer-1",
	})
	if err != nil {
		t.Fatalf("RecordEvent failed: %v", err)
	}
	if event.ActorID == nil || *event.ActorID != "reviewer-1" {
		t.Errorf("expected actor reviewer-1, got %v", event.ActorID)
	}

	// Lifecycle kinds are reserved for the service itself.
	if _, err := svc.RecordEvent(ctx, pr.ID, v1.PREventOpened, "reviewer-1", nil); err == nil {
		t.Error("expected error recording a lifecycle kind directly")
	}
}

func TestService_ListPullRequests(t *testing.T) {
	repoPath := setupProjectRepo(t)
	svc, cleanup := newTestService(t, repoPath, nil)
	defer cleanup()
	ctx := context.Background()

	pr, err := svc.OpenFromCommit(ctx, openTestPR())
	if err != nil {
		t.Fatalf("OpenFromCommit failed: %v", err)
	}

	open, err := svc.ListPullRequests(ctx, "project-1", v1.PullRequestStatusOpen)
	if err != nil {
		t.Fatalf("ListPullRequests failed: %v", err)
	}
	if len(open) != 1 || open[0].ID != pr.ID {
		t.Errorf("expected the open PR to be listed, got %d entries", len(open))
	}

	merged, err := svc.ListPullRequests(ctx, "project-1", v1.PullRequestStatusMerged)
	if err != nil {
		t.Fatalf("ListPullRequests failed: %v", err)
	}
	if len(merged) != 0 {
		t.Errorf("expected no merged PRs, got %d", len(merged))
	}
}
