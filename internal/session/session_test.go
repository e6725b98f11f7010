package session

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hyperagent/hyperagent/internal/common/logger"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "json",
	})
	return log
}

func newTestManager(cfg Config) *Manager {
	return NewManager(cfg, newTestLogger())
}

// setupTestRepo creates a git repository with an initial commit on main.
func setupTestRepo(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	runGitCmd(t, dir, "init", "--initial-branch=main")
	runGitCmd(t, dir, "config", "user.email", "test@test.com")
	runGitCmd(t, dir, "config", "user.name", "Test User")
	runGitCmd(t, dir, "config", "core.hooksPath", "/dev/null")

	writeTestFile(t, dir, "README.md", "# Test Repo")
	runGitCmd(t, dir, "add", ".")
	runGitCmd(t, dir, "commit", "-m", "Initial commit")

	return dir
}

// setupTestRepoWithRemote additionally wires a bare remote named origin.
func setupTestRepoWithRemote(t *testing.T) (string, string) {
	t.Helper()

	remoteDir := t.TempDir()
	runGitCmd(t, remoteDir, "init", "--bare", "--initial-branch=main")

	localDir := setupTestRepo(t)
	runGitCmd(t, localDir, "remote", "add", "origin", remoteDir)
	runGitCmd(t, localDir, "push", "-u", "origin", "main")

	return localDir, remoteDir
}

func runGitCmd(t *testing.T, dir string, args ...string) string {
	t.Helper()
	// git -C prevents walking up to a parent .git directory
	fullArgs := append([]string{"-C", dir}, args...)
	cmd := exec.Command("git", fullArgs...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v failed: %v\nOutput: %s", args, err, out)
	}
	return string(out)
}

func writeTestFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %s: %v", name, err)
	}
}

func TestManager_StartCreatesBranchAndWorktree(t *testing.T) {
	repo := setupTestRepo(t)
	mgr := newTestManager(Config{})
	ctx := context.Background()

	sess, err := mgr.Start(ctx, BranchInfo{Branch: "wf-demo-1", BaseBranch: "main"}, repo, Author{}, nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer sess.Abort(ctx)

	ws := sess.Workspace()
	if ws.WorkspacePath == repo {
		t.Error("workspace must be a distinct directory from the repository root")
	}
	if ws.BranchName != "wf-demo-1" {
		t.Errorf("expected branch wf-demo-1, got %s", ws.BranchName)
	}
	if ws.BaseBranch != "main" {
		t.Errorf("expected base main, got %s", ws.BaseBranch)
	}

	// Worktrees carry a .git file pointing back at the repository.
	content, err := os.ReadFile(filepath.Join(ws.WorkspacePath, ".git"))
	if err != nil {
		t.Fatalf("workspace has no .git file: %v", err)
	}
	if !strings.HasPrefix(string(content), "gitdir:") {
		t.Errorf("unexpected .git file content: %s", content)
	}

	if !branchExists(ctx, repo, "wf-demo-1") {
		t.Error("expected branch wf-demo-1 to exist in the repository")
	}
}

func TestManager_StartExistingBranch(t *testing.T) {
	repo := setupTestRepo(t)
	runGitCmd(t, repo, "branch", "wf-demo-1")

	mgr := newTestManager(Config{})
	ctx := context.Background()

	sess, err := mgr.Start(ctx, BranchInfo{Branch: "wf-demo-1", BaseBranch: "main"}, repo, Author{}, nil)
	if err != nil {
		t.Fatalf("Start on existing branch failed: %v", err)
	}
	defer sess.Abort(ctx)

	head := strings.TrimSpace(runGitCmd(t, sess.Workspace().WorkspacePath, "rev-parse", "--abbrev-ref", "HEAD"))
	if head != "wf-demo-1" {
		t.Errorf("expected HEAD wf-demo-1, got %s", head)
	}
}

func TestManager_StartNonRepo(t *testing.T) {
	mgr := newTestManager(Config{})

	_, err := mgr.Start(context.Background(), BranchInfo{Branch: "b", BaseBranch: "main"}, t.TempDir(), Author{}, nil)
	if err != ErrRepoNotGit {
		t.Errorf("expected ErrRepoNotGit, got %v", err)
	}
}

func TestManager_StartBranchCheckedOutElsewhere(t *testing.T) {
	repo := setupTestRepo(t)
	mgr := newTestManager(Config{})
	ctx := context.Background()

	// main is checked out in the primary working copy already.
	_, err := mgr.Start(ctx, BranchInfo{Branch: "main", BaseBranch: "main"}, repo, Author{}, nil)
	if !errors.Is(err, ErrWorktreeBusy) {
		t.Errorf("expected ErrWorktreeBusy, got %v", err)
	}
}

func TestSession_CommitNoChanges(t *testing.T) {
	repo := setupTestRepo(t)
	mgr := newTestManager(Config{})
	ctx := context.Background()

	sess, err := mgr.Start(ctx, BranchInfo{Branch: "wf-demo-1", BaseBranch: "main"}, repo, Author{}, nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer sess.Abort(ctx)

	result, err := sess.Commit(ctx, "should be nil")
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if result != nil {
		t.Errorf("expected nil result for a clean worktree, got %+v", result)
	}
}

func TestSession_CommitChanges(t *testing.T) {
	repo := setupTestRepo(t)
	mgr := newTestManager(Config{})
	ctx := context.Background()

	author := Author{Name: "Workflow Bot", Email: "bot@hyperagent.dev"}
	sess, err := mgr.Start(ctx, BranchInfo{Branch: "wf-demo-1", BaseBranch: "main"}, repo, author, nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer sess.Abort(ctx)

	writeTestFile(t, sess.Workspace().WorkspacePath, "feature.txt", "new feature")

	result, err := sess.Commit(ctx, "add feature")
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if result == nil {
		t.Fatal("expected a commit result")
	}
	if result.Branch != "wf-demo-1" {
		t.Errorf("expected branch wf-demo-1, got %s", result.Branch)
	}
	if result.Message != "add feature" {
		t.Errorf("expected message %q, got %q", "add feature", result.Message)
	}
	if len(result.CommitHash) < 6 {
		t.Errorf("expected a commit hash, got %q", result.CommitHash)
	}
	if len(result.ChangedFiles) != 1 || result.ChangedFiles[0] != "feature.txt" {
		t.Errorf("expected changed files [feature.txt], got %v", result.ChangedFiles)
	}

	authorLine := strings.TrimSpace(runGitCmd(t, sess.Workspace().WorkspacePath, "log", "-1", "--format=%an <%ae>"))
	if authorLine != "Workflow Bot <bot@hyperagent.dev>" {
		t.Errorf("expected session author identity, got %q", authorLine)
	}
}

func TestSession_FinishCommitsAndCleansUp(t *testing.T) {
	repo := setupTestRepo(t)
	mgr := newTestManager(Config{})
	ctx := context.Background()

	sess, err := mgr.Start(ctx, BranchInfo{Branch: "wf-demo-1", BaseBranch: "main"}, repo, Author{}, nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	wsPath := sess.Workspace().WorkspacePath
	writeTestFile(t, wsPath, "feature.txt", "new feature")

	result, err := sess.Finish(ctx, "add feature")
	if err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	if result == nil {
		t.Fatal("expected a commit result from Finish")
	}

	if _, err := os.Stat(wsPath); !os.IsNotExist(err) {
		t.Errorf("expected workspace %s to be removed", wsPath)
	}

	// The commit survives in the main repository.
	hash := strings.TrimSpace(runGitCmd(t, repo, "rev-parse", "wf-demo-1"))
	if hash != result.CommitHash {
		t.Errorf("expected branch tip %s, got %s", result.CommitHash, hash)
	}
}

func TestSession_AbortDiscardsWorkspace(t *testing.T) {
	repo := setupTestRepo(t)
	mgr := newTestManager(Config{})
	ctx := context.Background()

	sess, err := mgr.Start(ctx, BranchInfo{Branch: "wf-demo-1", BaseBranch: "main"}, repo, Author{}, nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	wsPath := sess.Workspace().WorkspacePath
	writeTestFile(t, wsPath, "scratch.txt", "uncommitted")

	sess.Abort(ctx)

	if _, err := os.Stat(wsPath); !os.IsNotExist(err) {
		t.Errorf("expected workspace %s to be removed", wsPath)
	}

	// The branch tip never moved past the base.
	branchHash := strings.TrimSpace(runGitCmd(t, repo, "rev-parse", "wf-demo-1"))
	mainHash := strings.TrimSpace(runGitCmd(t, repo, "rev-parse", "main"))
	if branchHash != mainHash {
		t.Errorf("expected branch to stay at base after abort, got %s vs %s", branchHash, mainHash)
	}
}

func TestSession_CleanupIdempotent(t *testing.T) {
	repo := setupTestRepo(t)
	mgr := newTestManager(Config{})
	ctx := context.Background()

	sess, err := mgr.Start(ctx, BranchInfo{Branch: "wf-demo-1", BaseBranch: "main"}, repo, Author{}, nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := sess.Cleanup(ctx); err != nil {
		t.Fatalf("first Cleanup failed: %v", err)
	}
	if err := sess.Cleanup(ctx); err != nil {
		t.Fatalf("second Cleanup failed: %v", err)
	}
}

func TestManager_PushBranch(t *testing.T) {
	repo, remote := setupTestRepoWithRemote(t)
	mgr := newTestManager(Config{})
	ctx := context.Background()

	sess, err := mgr.Start(ctx, BranchInfo{Branch: "wf-demo-1", BaseBranch: "main"}, repo, Author{}, nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	writeTestFile(t, sess.Workspace().WorkspacePath, "feature.txt", "new feature")
	result, err := sess.Finish(ctx, "add feature")
	if err != nil || result == nil {
		t.Fatalf("Finish failed: result=%v err=%v", result, err)
	}

	if err := mgr.PushBranch(ctx, repo, "wf-demo-1"); err != nil {
		t.Fatalf("PushBranch failed: %v", err)
	}

	remoteHash := strings.TrimSpace(runGitCmd(t, remote, "rev-parse", "wf-demo-1"))
	if remoteHash != result.CommitHash {
		t.Errorf("expected remote tip %s, got %s", result.CommitHash, remoteHash)
	}
}

func TestManager_PushBranchNoRemotes(t *testing.T) {
	repo := setupTestRepo(t)
	mgr := newTestManager(Config{})

	err := mgr.PushBranch(context.Background(), repo, "main")
	if err != ErrNoRemotes {
		t.Errorf("expected ErrNoRemotes, got %v", err)
	}
}

func TestManager_PushBranchPrefersConfiguredRemote(t *testing.T) {
	repo, _ := setupTestRepoWithRemote(t)

	mirrorDir := t.TempDir()
	runGitCmd(t, mirrorDir, "init", "--bare", "--initial-branch=main")
	runGitCmd(t, repo, "remote", "add", "mirror", mirrorDir)

	mgr := newTestManager(Config{PreferredRemote: "mirror"})

	if err := mgr.PushBranch(context.Background(), repo, "main"); err != nil {
		t.Fatalf("PushBranch failed: %v", err)
	}

	mainHash := strings.TrimSpace(runGitCmd(t, repo, "rev-parse", "main"))
	mirrorHash := strings.TrimSpace(runGitCmd(t, mirrorDir, "rev-parse", "main"))
	if mirrorHash != mainHash {
		t.Errorf("expected push to land on the preferred remote, got %s vs %s", mirrorHash, mainHash)
	}
}

func TestPickRemote(t *testing.T) {
	tests := []struct {
		name      string
		remotes   []string
		preferred string
		expected  string
	}{
		{"configured wins", []string{"origin", "rad", "mirror"}, "mirror", "mirror"},
		{"rad before origin", []string{"origin", "rad"}, "", "rad"},
		{"origin fallback", []string{"upstream", "origin"}, "", "origin"},
		{"any remote", []string{"upstream"}, "", "upstream"},
		{"missing preference ignored", []string{"origin"}, "mirror", "origin"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := pickRemote(tt.remotes, tt.preferred); got != tt.expected {
				t.Errorf("pickRemote(%v, %q) = %q, want %q", tt.remotes, tt.preferred, got, tt.expected)
			}
		})
	}
}

func TestHelperScheme(t *testing.T) {
	tests := []struct {
		url      string
		expected string
	}{
		{"https://github.com/acme/repo.git", ""},
		{"ssh://git@github.com/acme/repo.git", ""},
		{"git@github.com:acme/repo.git", ""},
		{"/tmp/bare-repo", ""},
		{"rad://z6MkexampleNodeId/repo", "rad"},
		{"ipfs://QmExample/repo", "ipfs"},
	}

	for _, tt := range tests {
		if got := helperScheme(tt.url); got != tt.expected {
			t.Errorf("helperScheme(%q) = %q, want %q", tt.url, got, tt.expected)
		}
	}
}

func TestParsePorcelain(t *testing.T) {
	status := " M internal/app.go\n?? notes.txt\nR  old.txt -> new.txt\n"
	files := parsePorcelain(status)
	expected := []string{"internal/app.go", "notes.txt", "new.txt"}
	if len(files) != len(expected) {
		t.Fatalf("expected %d files, got %v", len(expected), files)
	}
	for i, f := range files {
		if f != expected[i] {
			t.Errorf("file %d: expected %q, got %q", i, expected[i], f)
		}
	}
}
