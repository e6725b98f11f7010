package session

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/hyperagent/hyperagent/internal/common/logger"
)

// Config holds configuration for the session manager.
type Config struct {
	// AuthorName is the default commit author when a step does not carry one.
	AuthorName string `mapstructure:"author_name"`

	// AuthorEmail is the default commit author email.
	AuthorEmail string `mapstructure:"author_email"`

	// PreferredRemote is consulted first when choosing a push remote.
	PreferredRemote string `mapstructure:"preferred_remote"`

	// FetchOnStart runs a best-effort git fetch before resolving branches.
	FetchOnStart bool `mapstructure:"fetch_on_start"`
}

// Author identifies the commit author for a session.
type Author struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// BranchInfo names the branch a session works on and the base it forks from.
type BranchInfo struct {
	Branch     string `json:"branch"`
	BaseBranch string `json:"baseBranch"`
}

// Workspace describes the checked-out worktree backing a session.
type Workspace struct {
	WorkspacePath string `json:"workspacePath"`
	BranchName    string `json:"branchName"`
	BaseBranch    string `json:"baseBranch"`
}

// CommitResult describes a commit produced by a session.
type CommitResult struct {
	Branch       string   `json:"branch"`
	CommitHash   string   `json:"commitHash"`
	Message      string   `json:"message"`
	ChangedFiles []string `json:"changedFiles"`
}

// Manager creates isolation sessions backed by git worktrees. Operations on
// the same repository are serialized through a per-repo mutex so concurrent
// steps cannot corrupt the worktree list.
type Manager struct {
	config     Config
	logger     *logger.Logger
	repoLocks  map[string]*sync.Mutex
	repoLockMu sync.Mutex
}

// NewManager creates a new session manager.
func NewManager(cfg Config, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		config:    cfg,
		logger:    log.WithFields(zap.String("component", "session-manager")),
		repoLocks: make(map[string]*sync.Mutex),
	}
}

// getRepoLock returns the mutex for the given repository path.
func (m *Manager) getRepoLock(repoPath string) *sync.Mutex {
	m.repoLockMu.Lock()
	defer m.repoLockMu.Unlock()

	if lock, exists := m.repoLocks[repoPath]; exists {
		return lock
	}

	lock := &sync.Mutex{}
	m.repoLocks[repoPath] = lock
	return lock
}

// Session represents exclusive use of a branch through a short-lived
// worktree. The worktree lives in its own temp directory, so the session is
// always a distinct directory from the repository root.
type Session struct {
	manager  *Manager
	repoPath string
	author   Author
	metadata map[string]string

	workspace Workspace
	tempRoot  string

	cleanupMu sync.Mutex
	cleaned   bool
}

// Start opens a session on the given branch, creating the branch from the
// base when it does not exist yet. An empty base forks from the current HEAD.
func (m *Manager) Start(ctx context.Context, branch BranchInfo, repoPath string, author Author, metadata map[string]string) (*Session, error) {
	if strings.TrimSpace(branch.Branch) == "" {
		return nil, fmt.Errorf("%w: branch name is empty", ErrBranchConflict)
	}
	if !isGitRepo(repoPath) {
		return nil, ErrRepoNotGit
	}

	repoLock := m.getRepoLock(repoPath)
	repoLock.Lock()
	defer repoLock.Unlock()

	if m.config.FetchOnStart {
		if out, err := runGit(ctx, repoPath, "fetch", "--all", "--prune"); err != nil {
			m.logger.Debug("git fetch failed, continuing with local refs",
				zap.String("output", out),
				zap.Error(err))
		}
	}

	tempRoot, err := os.MkdirTemp("", "hyperagent-session-")
	if err != nil {
		return nil, fmt.Errorf("failed to create session temp dir: %w", err)
	}
	workspacePath := filepath.Join(tempRoot, "workspace")

	base := branch.BaseBranch
	if base == "" {
		base = "HEAD"
	}

	// git worktree add checks the branch out in the new directory; -b first
	// creates it from the base when it does not exist yet.
	var output string
	if branchExists(ctx, repoPath, branch.Branch) {
		output, err = runGit(ctx, repoPath, "worktree", "add", workspacePath, branch.Branch)
	} else {
		output, err = runGit(ctx, repoPath, "worktree", "add", "-b", branch.Branch, workspacePath, base)
	}
	if err != nil {
		_ = os.RemoveAll(tempRoot)
		m.logger.Error("git worktree add failed",
			zap.String("branch", branch.Branch),
			zap.String("output", output),
			zap.Error(err))
		return nil, classifyWorktreeErr(output)
	}

	sess := &Session{
		manager:  m,
		repoPath: repoPath,
		author:   author,
		metadata: metadata,
		tempRoot: tempRoot,
		workspace: Workspace{
			WorkspacePath: workspacePath,
			BranchName:    branch.Branch,
			BaseBranch:    base,
		},
	}

	m.logger.Info("session started",
		zap.String("branch", branch.Branch),
		zap.String("base_branch", base),
		zap.String("workspace", workspacePath),
		zap.Any("metadata", metadata))

	return sess, nil
}

// Workspace returns the worktree backing this session.
func (s *Session) Workspace() Workspace {
	return s.workspace
}

// Commit stages everything in the worktree and commits it with the session
// author identity. Returns nil when the worktree has no changes.
func (s *Session) Commit(ctx context.Context, message string) (*CommitResult, error) {
	status, err := runGit(ctx, s.workspace.WorkspacePath, "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrGitCommandFailed, strings.TrimSpace(status))
	}
	if strings.TrimSpace(status) == "" {
		return nil, nil
	}
	changed := parsePorcelain(status)

	if out, err := runGit(ctx, s.workspace.WorkspacePath, "add", "-A"); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrGitCommandFailed, strings.TrimSpace(out))
	}

	if out, err := runGitEnv(ctx, s.workspace.WorkspacePath, s.authorEnv(), "commit", "-m", message); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrGitCommandFailed, strings.TrimSpace(out))
	}

	hash, err := runGit(ctx, s.workspace.WorkspacePath, "rev-parse", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrGitCommandFailed, strings.TrimSpace(hash))
	}

	result := &CommitResult{
		Branch:       s.workspace.BranchName,
		CommitHash:   strings.TrimSpace(hash),
		Message:      message,
		ChangedFiles: changed,
	}

	s.manager.logger.Info("session commit",
		zap.String("branch", result.Branch),
		zap.String("commit", result.CommitHash),
		zap.Int("changed_files", len(result.ChangedFiles)))

	return result, nil
}

// authorEnv builds the environment for git commit, overriding the author and
// committer identity with the session author (falling back to the manager
// defaults).
func (s *Session) authorEnv() []string {
	name := s.author.Name
	if name == "" {
		name = s.manager.config.AuthorName
	}
	email := s.author.Email
	if email == "" {
		email = s.manager.config.AuthorEmail
	}

	env := os.Environ()
	if name != "" {
		env = append(env,
			"GIT_AUTHOR_NAME="+name,
			"GIT_COMMITTER_NAME="+name)
	}
	if email != "" {
		env = append(env,
			"GIT_AUTHOR_EMAIL="+email,
			"GIT_COMMITTER_EMAIL="+email)
	}
	return env
}

// Finish commits any pending changes and tears the session down. The commit
// result is returned even when cleanup fails; cleanup failures are logged.
func (s *Session) Finish(ctx context.Context, message string) (*CommitResult, error) {
	result, err := s.Commit(ctx, message)
	if cleanupErr := s.Cleanup(ctx); cleanupErr != nil {
		s.manager.logger.Warn("session cleanup failed after finish",
			zap.String("branch", s.workspace.BranchName),
			zap.Error(cleanupErr))
	}
	return result, err
}

// Abort discards the session without committing. Never fails visibly.
func (s *Session) Abort(ctx context.Context) {
	if err := s.Cleanup(ctx); err != nil {
		s.manager.logger.Warn("session abort cleanup failed",
			zap.String("branch", s.workspace.BranchName),
			zap.Error(err))
	}
}

// Cleanup removes the worktree and its containing temp root. Idempotent.
func (s *Session) Cleanup(ctx context.Context) error {
	s.cleanupMu.Lock()
	defer s.cleanupMu.Unlock()
	if s.cleaned {
		return nil
	}

	repoLock := s.manager.getRepoLock(s.repoPath)
	repoLock.Lock()
	defer repoLock.Unlock()

	if out, err := runGit(ctx, s.repoPath, "worktree", "remove", "--force", s.workspace.WorkspacePath); err != nil {
		s.manager.logger.Debug("git worktree remove failed, falling back to rm",
			zap.String("output", out),
			zap.Error(err))

		if err := os.RemoveAll(s.workspace.WorkspacePath); err != nil {
			return err
		}

		// Prune stale worktree entries
		if out, err := runGit(ctx, s.repoPath, "worktree", "prune"); err != nil {
			s.manager.logger.Debug("git worktree prune failed",
				zap.String("output", out),
				zap.Error(err))
		}
	}

	if err := os.RemoveAll(s.tempRoot); err != nil {
		return err
	}

	s.cleaned = true

	s.manager.logger.Info("session cleaned up",
		zap.String("branch", s.workspace.BranchName),
		zap.String("workspace", s.workspace.WorkspacePath))

	return nil
}

// PushBranch publishes the session branch. Usable after Finish, since the
// branch lives in the main repository once the worktree is gone.
func (s *Session) PushBranch(ctx context.Context, branch string) error {
	if branch == "" {
		branch = s.workspace.BranchName
	}
	return s.manager.PushBranch(ctx, s.repoPath, branch)
}

// PushBranch pushes a branch to the repository's push remote. Remotes are
// tried in preference order: the configured remote, then "rad", then
// "origin", then whatever is listed first.
func (m *Manager) PushBranch(ctx context.Context, repoPath, branch string) error {
	remotes, err := listRemotes(ctx, repoPath)
	if err != nil {
		return err
	}
	if len(remotes) == 0 {
		return ErrNoRemotes
	}

	remote := pickRemote(remotes, m.config.PreferredRemote)

	url, err := remoteURL(ctx, repoPath, remote)
	if err != nil {
		return err
	}

	// Remotes like rad:// rely on a git remote helper. When the helper is
	// missing, git push cannot work, but the scheme's own CLI usually can.
	if scheme := helperScheme(url); scheme != "" && !helperOnPath(scheme) {
		m.logger.Info("remote helper not on PATH, delegating push to scheme CLI",
			zap.String("remote", remote),
			zap.String("scheme", scheme),
			zap.String("branch", branch))

		cmd := exec.CommandContext(ctx, scheme, "push", remote, branch)
		cmd.Dir = repoPath
		if output, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("%w: %s push: %s", ErrPushRejected, scheme, strings.TrimSpace(string(output)))
		}
		return nil
	}

	if out, err := runGit(ctx, repoPath, "push", remote, branch); err != nil {
		return fmt.Errorf("%w: %s", ErrPushRejected, strings.TrimSpace(out))
	}

	m.logger.Info("pushed branch",
		zap.String("remote", remote),
		zap.String("branch", branch))

	return nil
}

// pickRemote applies the push remote preference order.
func pickRemote(remotes []string, preferred string) string {
	for _, want := range []string{preferred, "rad", "origin"} {
		if want == "" {
			continue
		}
		for _, r := range remotes {
			if r == want {
				return r
			}
		}
	}
	return remotes[0]
}
